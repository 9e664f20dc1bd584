package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3cpo-dev/convoy/internal/telemetry"
)

// stubProber returns scripted outcomes per target id, one probe call at a time.
type stubProber struct {
	mu       sync.Mutex
	outcomes map[string][]HealthOutcome
	calls    map[string]int
	block    chan struct{}
}

func (p *stubProber) Probe(ctx context.Context, target *Target, hc HealthCheck) ProbeResult {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ProbeResult{Outcome: HealthUnknown, Cancelled: true, Detail: "cancelled"}
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[target.ID]++
	seq := p.outcomes[target.ID]
	res := ProbeResult{Outcome: Healthy}
	for i, o := range seq {
		res.Attempts = i + 1
		if o == Healthy {
			res.Outcome = Healthy
			return res
		}
		res.Mismatches++
		res.Outcome = Unhealthy
		if i+1 >= hc.MaxAttempts {
			break
		}
	}
	if len(seq) == 0 {
		res.Attempts = 1
	}
	return res
}

func (p *stubProber) probed(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions map[string][]TargetState
	steps       int
}

func (o *recordingObserver) OnTransition(target string, t Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.transitions == nil {
		o.transitions = make(map[string][]TargetState)
	}
	o.transitions[target] = append(o.transitions[target], t.To)
}

func (o *recordingObserver) OnStepResult(string, StepResult) {
	o.mu.Lock()
	o.steps++
	o.mu.Unlock()
}

func okStep(name string) Step {
	return Step{Name: name, Action: &scripted{}, Timeout: time.Second, Idempotent: true}
}

func failingStep(name string, retries int) Step {
	return Step{Name: name, Action: &scripted{fails: 1000}, Timeout: time.Second, Retries: retries}
}

func httpCheck(attempts int) *HealthCheck {
	return &HealthCheck{
		Kind:        CheckHTTP,
		Address:     "http://10.0.0.1/health",
		Interval:    time.Millisecond,
		MaxAttempts: attempts,
		Timeout:     time.Second,
	}
}

func newTestOrchestrator(p Prober, opts Options) *Orchestrator {
	e, _ := testExecutor()
	return NewOrchestrator(e, p, opts)
}

func TestRunAllSucceed(t *testing.T) {
	plan := Plan{Name: "demo"}
	for _, id := range []string{"a", "b", "c"} {
		plan.Targets = append(plan.Targets, &Target{
			ID:          id,
			Host:        Host{Address: "10.0.0.1"},
			Steps:       []Step{okStep("install"), okStep("configure")},
			HealthCheck: httpCheck(3),
		})
	}
	obs := &recordingObserver{}
	o := newTestOrchestrator(&stubProber{}, DefaultOptions())
	o.Observer = obs

	sum, err := o.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.ExitCode() != 0 {
		t.Fatalf("expected exit 0, got %d", sum.ExitCode())
	}
	if sum.RunID == "" || sum.Plan != "demo" {
		t.Fatalf("unexpected summary header: %+v", sum)
	}
	if sum.Counts[StateSucceeded] != 3 {
		t.Fatalf("expected 3 succeeded, got %v", sum.Counts)
	}
	for i, r := range sum.Runs {
		if r.TargetID != plan.Targets[i].ID {
			t.Fatalf("runs out of plan order: %d=%s", i, r.TargetID)
		}
		if len(r.StepResults) != 2 || r.Health.Outcome != Healthy {
			t.Fatalf("unexpected run record %+v", r)
		}
		want := []TargetState{StateInstalling, StateHealthChecking, StateSucceeded}
		got := obs.transitions[r.TargetID]
		if len(got) != len(want) {
			t.Fatalf("target %s transitions %v", r.TargetID, got)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("target %s transitions %v", r.TargetID, got)
			}
		}
	}
	if obs.steps != 6 {
		t.Fatalf("expected 6 step results observed, got %d", obs.steps)
	}
}

func TestRunHealthEventuallyHealthy(t *testing.T) {
	plan := Plan{Name: "storage", Targets: []*Target{{
		ID:          "minio-1",
		Host:        Host{Address: "10.0.0.5"},
		Steps:       []Step{okStep("install")},
		HealthCheck: httpCheck(5),
	}}}
	prober := &stubProber{outcomes: map[string][]HealthOutcome{
		"minio-1": {Unhealthy, Unhealthy, Healthy},
	}}
	sum, err := newTestOrchestrator(prober, DefaultOptions()).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	r := sum.Runs[0]
	if r.State != StateSucceeded {
		t.Fatalf("expected succeeded, got %s", r.State)
	}
	if r.Health.Attempts != 3 || r.Health.Outcome != Healthy {
		t.Fatalf("expected healthy after 3 attempts, got %+v", r.Health)
	}
	if r.RollbackAttempted {
		t.Fatal("rollback must not run for a healthy target")
	}
}

func TestRunStepFailureRollsBack(t *testing.T) {
	rb := &scripted{}
	plan := Plan{Name: "registry", Targets: []*Target{{
		ID:            "harbor-1",
		Host:          Host{Address: "10.0.0.7"},
		Steps:         []Step{okStep("fetch"), failingStep("install", 2), okStep("never")},
		HealthCheck:   httpCheck(3),
		RollbackSteps: []Step{{Name: "uninstall", Action: rb, Timeout: time.Second}},
	}}}
	prober := &stubProber{}
	sum, err := newTestOrchestrator(prober, DefaultOptions()).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	r := sum.Runs[0]
	if r.State != StateRolledBack {
		t.Fatalf("expected rolled_back, got %s", r.State)
	}
	if r.FailedStep != "install" || r.ErrorKind != KindStepFailure {
		t.Fatalf("unexpected failure record: step=%q kind=%q", r.FailedStep, r.ErrorKind)
	}
	installs := 0
	for _, s := range r.StepResults {
		if s.Step == "install" {
			installs++
		}
		if s.Step == "never" {
			t.Fatal("steps after the failed one must not run")
		}
	}
	if installs != 3 {
		t.Fatalf("expected 3 install attempts, got %d", installs)
	}
	if !r.RollbackAttempted || !r.RollbackCompleted || rb.count() != 1 {
		t.Fatalf("expected completed rollback, got attempted=%v completed=%v calls=%d", r.RollbackAttempted, r.RollbackCompleted, rb.count())
	}
	if prober.probed("harbor-1") != 0 {
		t.Fatal("health check must not run after a failed step")
	}
	if sum.ExitCode() != 1 {
		t.Fatal("expected non-zero exit code")
	}
}

func TestRunUnhealthyWithoutRollbackFails(t *testing.T) {
	plan := Plan{Name: "p", Targets: []*Target{{
		ID:          "a",
		Host:        Host{Address: "10.0.0.1"},
		Steps:       []Step{okStep("install")},
		HealthCheck: httpCheck(2),
	}}}
	prober := &stubProber{outcomes: map[string][]HealthOutcome{"a": {Unhealthy, Unhealthy, Unhealthy}}}
	sum, _ := newTestOrchestrator(prober, DefaultOptions()).Run(context.Background(), plan)
	r := sum.Runs[0]
	if r.State != StateFailed || r.ErrorKind != KindHealthCheckFailed {
		t.Fatalf("expected failed/health_check_failed, got %s/%s", r.State, r.ErrorKind)
	}
	if r.Health.Attempts != 2 {
		t.Fatalf("expected probing to stop at max attempts, got %d", r.Health.Attempts)
	}
}

func TestRunRollbackDisabled(t *testing.T) {
	rb := &scripted{}
	plan := Plan{Name: "p", Targets: []*Target{{
		ID:            "a",
		Host:          Host{Address: "10.0.0.1"},
		Steps:         []Step{failingStep("install", 0)},
		HealthCheck:   httpCheck(1),
		RollbackSteps: []Step{{Name: "undo", Action: rb, Timeout: time.Second}},
	}}}
	opts := DefaultOptions()
	opts.RollbackEnabled = false
	sum, _ := newTestOrchestrator(&stubProber{}, opts).Run(context.Background(), plan)
	if sum.Runs[0].State != StateFailed || rb.count() != 0 {
		t.Fatalf("expected failed without rollback, got %s (rollback calls %d)", sum.Runs[0].State, rb.count())
	}
}

func TestRunRollbackBestEffort(t *testing.T) {
	second := &scripted{}
	plan := Plan{Name: "p", Targets: []*Target{{
		ID:          "a",
		Host:        Host{Address: "10.0.0.1"},
		Steps:       []Step{failingStep("install", 0)},
		HealthCheck: httpCheck(1),
		RollbackSteps: []Step{
			failingStep("undo-1", 0),
			{Name: "undo-2", Action: second, Timeout: time.Second},
		},
	}}}
	sum, _ := newTestOrchestrator(&stubProber{}, DefaultOptions()).Run(context.Background(), plan)
	r := sum.Runs[0]
	if r.State != StateRolledBack {
		t.Fatalf("expected rolled_back, got %s", r.State)
	}
	if r.RollbackCompleted {
		t.Fatal("rollback with a failed step must not be reported complete")
	}
	if second.count() != 1 {
		t.Fatal("later rollback steps must still run")
	}
}

func TestRunParallelismBound(t *testing.T) {
	var current, peak int32
	act := ActionFunc(func(ctx context.Context, _ *Target) (string, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return "", nil
	})
	plan := Plan{Name: "p"}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		plan.Targets = append(plan.Targets, &Target{
			ID:          id,
			Host:        Host{Address: "10.0.0.1"},
			Steps:       []Step{{Name: "install", Action: act, Timeout: time.Second}},
			HealthCheck: httpCheck(1),
		})
	}
	opts := DefaultOptions()
	opts.Parallelism = 2
	sum, err := newTestOrchestrator(&stubProber{}, opts).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("parallelism exceeded: %d", p)
	}
	for i, r := range sum.Runs {
		if r.TargetID != plan.Targets[i].ID || r.State != StateSucceeded {
			t.Fatalf("unexpected run %d: %s %s", i, r.TargetID, r.State)
		}
	}
}

func TestRunCancelDuringProbe(t *testing.T) {
	rb := &scripted{}
	plan := Plan{Name: "p", Targets: []*Target{
		{
			ID:            "a",
			Host:          Host{Address: "10.0.0.1"},
			Steps:         []Step{okStep("install")},
			HealthCheck:   httpCheck(3),
			RollbackSteps: []Step{{Name: "undo", Action: rb, Timeout: time.Second}},
		},
		{
			ID:          "b",
			Host:        Host{Address: "10.0.0.2"},
			Steps:       []Step{okStep("install")},
			HealthCheck: httpCheck(3),
		},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	prober := &stubProber{block: make(chan struct{})}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	sum, err := newTestOrchestrator(prober, DefaultOptions()).Run(ctx, plan)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancelled run error, got %v", err)
	}
	if sum == nil || len(sum.Runs) != 2 {
		t.Fatalf("expected a summary for both targets, got %+v", sum)
	}
	for _, r := range sum.Runs {
		if r.State != StateFailed || r.ErrorKind != KindCancelled {
			t.Fatalf("target %s: expected failed/cancelled, got %s/%s", r.TargetID, r.State, r.ErrorKind)
		}
	}
	if sum.Runs[0].Health.Cancelled != true {
		t.Fatal("expected the in-flight probe to report cancellation")
	}
	if rb.count() != 0 || sum.Runs[0].RollbackAttempted {
		t.Fatal("rollback must not start after cancellation")
	}
}

func TestRunConfigurationErrorExecutesNothing(t *testing.T) {
	act := &scripted{}
	plan := Plan{Name: "p", Targets: []*Target{
		{ID: "a", Host: Host{Address: "10.0.0.1"}, Steps: []Step{{Name: "s", Action: act, Timeout: time.Second}}, HealthCheck: httpCheck(1)},
		{ID: "a", Host: Host{Address: "10.0.0.2"}, Steps: []Step{{Name: "s", Action: act, Timeout: time.Second}}},
	}}
	sum, err := newTestOrchestrator(&stubProber{}, DefaultOptions()).Run(context.Background(), plan)
	if sum != nil {
		t.Fatal("expected no summary on configuration error")
	}
	if KindOf(err) != KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) != 2 {
		t.Fatalf("expected 2 validation errors, got %v", err)
	}
	if act.count() != 0 {
		t.Fatal("no step may run on a configuration error")
	}
}

func TestRunIsRepeatable(t *testing.T) {
	plan := Plan{Name: "p", Targets: []*Target{{
		ID:          "a",
		Host:        Host{Address: "10.0.0.1"},
		Steps:       []Step{okStep("install")},
		HealthCheck: httpCheck(1),
	}}}
	o := newTestOrchestrator(&stubProber{}, DefaultOptions())
	first, err := o.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := o.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.RunID == second.RunID {
		t.Fatal("each run needs its own id")
	}
	if first.Runs[0].State != second.Runs[0].State {
		t.Fatalf("re-run diverged: %s vs %s", first.Runs[0].State, second.Runs[0].State)
	}
}

func TestRunOverridesDoNotMutatePlan(t *testing.T) {
	plan := Plan{Name: "p", Targets: []*Target{{
		ID:          "a",
		Host:        Host{Address: "10.0.0.1"},
		Steps:       []Step{failingStep("install", 0)},
		HealthCheck: httpCheck(1),
	}}}
	retries := 2
	opts := DefaultOptions()
	opts.Retries = &retries
	opts.ProbeTimeout = 5 * time.Second
	sum, _ := newTestOrchestrator(&stubProber{}, opts).Run(context.Background(), plan)
	if n := len(sum.Runs[0].StepResults); n != 3 {
		t.Fatalf("expected retries override to give 3 attempts, got %d", n)
	}
	if plan.Targets[0].Steps[0].Retries != 0 || plan.Targets[0].HealthCheck.Timeout != time.Second {
		t.Fatal("overrides leaked into the caller's plan")
	}
}

func TestRunDeadline(t *testing.T) {
	slow := ActionFunc(func(ctx context.Context, _ *Target) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	plan := Plan{Name: "p", Targets: []*Target{{
		ID:          "a",
		Host:        Host{Address: "10.0.0.1"},
		Steps:       []Step{{Name: "install", Action: slow, Timeout: time.Minute}},
		HealthCheck: httpCheck(1),
	}}}
	opts := DefaultOptions()
	opts.Deadline = 20 * time.Millisecond
	sum, err := newTestOrchestrator(&stubProber{}, opts).Run(context.Background(), plan)
	if KindOf(err) != KindCancelled {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if sum.Runs[0].State != StateFailed || sum.Runs[0].ErrorKind != KindCancelled {
		t.Fatalf("expected failed/cancelled, got %s/%s", sum.Runs[0].State, sum.Runs[0].ErrorKind)
	}
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	act := &scripted{}
	plan := Plan{Name: "p", Targets: []*Target{{
		ID:          "a",
		Host:        Host{Address: "10.0.0.1"},
		Steps:       []Step{{Name: "install", Action: act, Timeout: time.Second}},
		HealthCheck: httpCheck(1),
	}}}
	negative := -1
	for name, mutate := range map[string]func(*Options){
		"retries":       func(o *Options) { o.Retries = &negative },
		"parallelism":   func(o *Options) { o.Parallelism = -2 },
		"step timeout":  func(o *Options) { o.StepTimeout = -time.Second },
		"probe timeout": func(o *Options) { o.ProbeTimeout = -time.Second },
		"deadline":      func(o *Options) { o.Deadline = -time.Minute },
	} {
		opts := DefaultOptions()
		mutate(&opts)
		sum, err := newTestOrchestrator(&stubProber{}, opts).Run(context.Background(), plan)
		if sum != nil || KindOf(err) != KindConfiguration {
			t.Fatalf("%s: expected a configuration error, got summary=%v err=%v", name, sum != nil, err)
		}
	}
	if act.count() != 0 {
		t.Fatal("no step may run with invalid options")
	}
}

func TestRunKeepsStepOrderPerTarget(t *testing.T) {
	pause := func(d time.Duration) Action {
		return ActionFunc(func(ctx context.Context, _ *Target) (string, error) {
			select {
			case <-time.After(d):
				return "", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
	}
	names := []string{"fetch", "unpack", "configure", "restart"}
	plan := Plan{Name: "p"}
	for i, id := range []string{"a", "b", "c"} {
		var steps []Step
		for j, n := range names {
			// Different pauses per target so the workers interleave.
			d := time.Duration((i+j)%3+1) * 5 * time.Millisecond
			steps = append(steps, Step{Name: n, Action: pause(d), Timeout: time.Second})
		}
		plan.Targets = append(plan.Targets, &Target{
			ID:          id,
			Host:        Host{Address: "10.0.0.1"},
			Steps:       steps,
			HealthCheck: httpCheck(1),
		})
	}
	opts := DefaultOptions()
	opts.Parallelism = 2
	sum, err := newTestOrchestrator(&stubProber{}, opts).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sum.Runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(sum.Runs))
	}
	for i, r := range sum.Runs {
		if r.TargetID != plan.Targets[i].ID {
			t.Fatalf("run %d is %s, expected plan order", i, r.TargetID)
		}
		if len(r.StepResults) != len(names) {
			t.Fatalf("%s: expected %d step results, got %d", r.TargetID, len(names), len(r.StepResults))
		}
		for j, res := range r.StepResults {
			if res.Step != names[j] {
				t.Fatalf("%s: step result %d is %s, expected %s", r.TargetID, j, res.Step, names[j])
			}
		}
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	plan := Plan{Name: "registry", Targets: []*Target{
		{ID: "harbor-1", Host: Host{Address: "10.0.0.1"}, Steps: []Step{okStep("install")}, HealthCheck: httpCheck(1)},
		{ID: "harbor-2", Host: Host{Address: "10.0.0.2"}, Steps: []Step{failingStep("install", 0)}, HealthCheck: httpCheck(1)},
	}}
	m := telemetry.New(telemetry.Config{Enabled: true})
	o := newTestOrchestrator(&stubProber{}, DefaultOptions())
	o.Metrics = m

	sum, err := o.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	attrs := m.Attributes()
	if attrs[telemetry.AttrRunID] != sum.RunID || attrs[telemetry.AttrPlan] != "registry" {
		t.Fatalf("run not tagged on metrics: %v", attrs)
	}
	if got := m.Value(telemetry.TargetsFinished, nil); got != 2 {
		t.Fatalf("expected 2 finished targets, got %v", got)
	}
	if got := m.Value(telemetry.TargetsFinished, map[string]string{"state": string(StateFailed)}); got != 1 {
		t.Fatalf("expected 1 failed target, got %v", got)
	}
}
