package core

import (
	"sync"
)

// forEachBounded calls fn for every index in [0, n) with at most limit calls in
// flight. Work is dequeued in index order and forEachBounded returns once every
// call has finished.
func forEachBounded(n, limit int, fn func(i int)) {
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// aggregate is the run-level result set shared by target workers. All writes
// go through add; snapshot is only taken after the workers are done.
type aggregate struct {
	mu     sync.Mutex
	runs   []TargetRun
	filled []bool
	counts map[TargetState]int
}

func newAggregate(n int) *aggregate {
	return &aggregate{
		runs:   make([]TargetRun, n),
		filled: make([]bool, n),
		counts: make(map[TargetState]int),
	}
}

func (a *aggregate) add(i int, run TargetRun) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs[i] = run
	a.filled[i] = true
	a.counts[run.State]++
}

func (a *aggregate) snapshot() ([]TargetRun, map[TargetState]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	runs := make([]TargetRun, 0, len(a.runs))
	for i, r := range a.runs {
		if a.filled[i] {
			runs = append(runs, r)
		}
	}
	counts := make(map[TargetState]int, len(a.counts))
	for k, v := range a.counts {
		counts[k] = v
	}
	return runs, counts
}
