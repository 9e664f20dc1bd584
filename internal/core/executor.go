package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/convoy/internal/telemetry"
)

const maxOutput = 4096

// Executor runs steps with per-attempt timeouts and bounded retries. It never
// runs the same step of the same target twice concurrently.
type Executor struct {
	Policy  RetryPolicy
	Clock   Clock
	Metrics *telemetry.Collector

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewExecutor creates an executor with the default retry policy and wall clock.
func NewExecutor() *Executor {
	return &Executor{
		Policy: DefaultRetryPolicy(),
		Clock:  RealClock,
	}
}

func (e *Executor) clock() Clock {
	if e.Clock == nil {
		return RealClock
	}
	return e.Clock
}

func (e *Executor) metrics() *telemetry.Collector {
	if e.Metrics == nil {
		return telemetry.GetGlobal()
	}
	return e.Metrics
}

func (e *Executor) acquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight == nil {
		e.inflight = make(map[string]struct{})
	}
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

// Execute runs step against target, up to step.Retries+1 attempts. Every attempt
// is returned in order; the last one decides the step outcome.
func (e *Executor) Execute(ctx context.Context, target *Target, step Step, phase Phase) Attempts {
	key := target.ID + "/" + string(phase) + "/" + step.Name
	if !e.acquire(key) {
		return Attempts{{
			Step:      step.Name,
			Phase:     phase,
			Attempt:   1,
			Outcome:   OutcomeFailure,
			Reason:    ErrStepInFlight.Error(),
			StartedAt: time.Now(),
			err:       ErrStepInFlight,
		}}
	}
	defer e.release(key)

	logger := log.With().
		Str("target", target.ID).
		Str("step", step.Name).
		Str("phase", string(phase)).
		Logger()

	var attempts Attempts
	for attempt := 1; attempt <= step.Retries+1; attempt++ {
		res := e.attempt(ctx, target, step, phase, attempt)
		attempts = append(attempts, res)
		e.metrics().RecordStepAttempt(target.ID, step.Name, string(res.Outcome), res.Duration)

		if res.Outcome == OutcomeSuccess {
			logger.Info().Int("attempt", attempt).Dur("duration", res.Duration).Msg("step succeeded")
			return attempts
		}
		logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", step.Retries+1).
			Str("outcome", string(res.Outcome)).
			Str("reason", res.Reason).
			Msg("step attempt failed")

		if errors.Is(res.err, ErrCancelled) || attempt > step.Retries {
			break
		}

		delay := e.Policy.Delay(attempt - 1)
		if !step.Idempotent {
			logger.Warn().Dur("delay", delay).Msg("retrying non-idempotent step; partial effects may repeat")
		}
		select {
		case <-ctx.Done():
			// The cancelled wait is recorded on the last attempt so the log
			// shows why retries stopped.
			last := &attempts[len(attempts)-1]
			last.Reason = fmt.Sprintf("%s; retry aborted: %v", last.Reason, ErrCancelled)
			last.err = &Error{Kind: KindCancelled, Target: target.ID, Step: step.Name, Err: errors.Join(ErrCancelled, ctx.Err())}
			return attempts
		case <-e.clock().After(delay):
		}
	}
	return attempts
}

func (e *Executor) attempt(ctx context.Context, target *Target, step Step, phase Phase, n int) StepResult {
	start := time.Now()
	res := StepResult{Step: step.Name, Phase: phase, Attempt: n, StartedAt: start}

	if err := ctx.Err(); err != nil {
		res.Outcome = OutcomeFailure
		res.err = &Error{Kind: KindCancelled, Target: target.ID, Step: step.Name, Err: errors.Join(ErrCancelled, err)}
		res.Reason = res.err.Error()
		return res
	}

	attemptCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	r := runAction(attemptCtx, target, step.Action)
	res.Duration = time.Since(start)
	res.Output = truncate(r.out)

	switch {
	case ctx.Err() != nil:
		res.Outcome = OutcomeFailure
		res.err = &Error{Kind: KindCancelled, Target: target.ID, Step: step.Name, Err: errors.Join(ErrCancelled, ctx.Err())}
	case r.late:
		res.Outcome = OutcomeTimedOut
		res.err = &Error{Kind: KindStepTimeout, Target: target.ID, Step: step.Name, Err: fmt.Errorf("exceeded %s: %w", step.Timeout, context.DeadlineExceeded)}
	case r.err == nil:
		res.Outcome = OutcomeSuccess
		return res
	default:
		res.Outcome = OutcomeFailure
		res.err = &Error{Kind: KindStepFailure, Target: target.ID, Step: step.Name, Err: r.err}
	}
	res.Reason = res.err.Error()
	return res
}

type actionResult struct {
	out  string
	err  error
	late bool
}

// runAction runs act and returns no later than ctx's deadline. An action that
// ignores ctx is abandoned and whatever it returns afterwards is discarded.
// late reports that the deadline had passed by the time a result was taken.
func runAction(ctx context.Context, target *Target, act Action) actionResult {
	done := make(chan actionResult, 1)
	go func() {
		out, err := act.Run(ctx, target)
		done <- actionResult{out: out, err: err, late: errors.Is(ctx.Err(), context.DeadlineExceeded)}
	}()
	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return actionResult{err: ctx.Err(), late: errors.Is(ctx.Err(), context.DeadlineExceeded)}
	}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
