package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/convoy/internal/telemetry"
)

// Prober evaluates a target's health check until it passes, is exhausted, or
// ctx is cancelled.
type Prober interface {
	Probe(ctx context.Context, target *Target, hc HealthCheck) ProbeResult
}

// Observer receives progress while a run is in flight. Calls may come from
// several target workers at once.
type Observer interface {
	OnTransition(target string, t Transition)
	OnStepResult(target string, r StepResult)
}

// Options are the run-wide knobs. Zero values keep what the plan declares.
type Options struct {
	Parallelism     int
	RollbackEnabled bool
	Retries         *int
	StepTimeout     time.Duration
	ProbeTimeout    time.Duration
	Deadline        time.Duration
}

// DefaultOptions processes one target at a time with rollback enabled.
func DefaultOptions() Options {
	return Options{Parallelism: 1, RollbackEnabled: true}
}

// Orchestrator is the entrypoint for driving a plan's targets through their
// steps, health check and, when needed, rollback.
type Orchestrator struct {
	Executor *Executor
	Prober   Prober
	Options  Options
	Observer Observer
	Metrics  *telemetry.Collector
}

func NewOrchestrator(exec *Executor, prober Prober, opts Options) *Orchestrator {
	return &Orchestrator{Executor: exec, Prober: prober, Options: opts}
}

func (o *Orchestrator) metrics() *telemetry.Collector {
	if o.Metrics == nil {
		return telemetry.GetGlobal()
	}
	return o.Metrics
}

// Run validates the options and the plan, then processes every target. A configuration error is
// returned before any target starts. When ctx is cancelled or the deadline
// passes, the summary is still returned together with a cancelled *Error.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (*Summary, error) {
	if err := o.Options.Validate(); err != nil {
		return nil, err
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	plan = applyOverrides(plan, o.Options)

	if o.Options.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Options.Deadline)
		defer cancel()
	}

	runID := uuid.NewString()
	o.metrics().StartRun(runID, plan.Name)
	logger := log.With().Str("run_id", runID).Str("plan", plan.Name).Logger()
	logger.Info().
		Int("targets", len(plan.Targets)).
		Int("parallelism", o.Options.Parallelism).
		Bool("rollback", o.Options.RollbackEnabled).
		Msg("run started")

	start := time.Now()
	agg := newAggregate(len(plan.Targets))
	forEachBounded(len(plan.Targets), o.Options.Parallelism, func(i int) {
		t := plan.Targets[i]
		run := o.runTarget(ctx, logger.With().Str("target", t.ID).Logger(), t)
		agg.add(i, run)
	})

	runs, counts := agg.snapshot()
	summary := &Summary{
		RunID:      runID,
		Plan:       plan.Name,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Runs:       runs,
		Counts:     counts,
	}

	stateCounts := make(map[string]int, len(counts))
	for s, n := range counts {
		stateCounts[string(s)] = n
	}
	o.metrics().RecordRun(plan.Name, stateCounts, summary.FinishedAt.Sub(start))

	logger.Info().
		Int("succeeded", counts[StateSucceeded]).
		Int("failed", counts[StateFailed]).
		Int("rolled_back", counts[StateRolledBack]).
		Dur("duration", summary.FinishedAt.Sub(start)).
		Msg("run finished")

	if err := ctx.Err(); err != nil {
		return summary, &Error{Kind: KindCancelled, Err: errors.Join(ErrCancelled, err)}
	}
	return summary, nil
}

// targetRecorder owns a TargetRun while its worker is processing it.
type targetRecorder struct {
	run      TargetRun
	observer Observer
	logger   zerolog.Logger
}

func (r *targetRecorder) to(next TargetState) {
	if !CanTransition(r.run.State, next) {
		r.logger.Error().
			Str("from", string(r.run.State)).
			Str("to", string(next)).
			Msg("illegal state transition ignored")
		return
	}
	t := Transition{From: r.run.State, To: next, At: time.Now()}
	r.run.State = next
	r.run.Transitions = append(r.run.Transitions, t)
	r.logger.Debug().Str("from", string(t.From)).Str("state", string(next)).Msg("transition")
	if r.observer != nil {
		r.observer.OnTransition(r.run.TargetID, t)
	}
}

func (r *targetRecorder) record(phase Phase, attempts Attempts) {
	for _, a := range attempts {
		if phase == PhaseRollback {
			r.run.RollbackResults = append(r.run.RollbackResults, a)
		} else {
			r.run.StepResults = append(r.run.StepResults, a)
		}
		if r.observer != nil {
			r.observer.OnStepResult(r.run.TargetID, a)
		}
	}
}

func (o *Orchestrator) runTarget(ctx context.Context, logger zerolog.Logger, t *Target) TargetRun {
	r := &targetRecorder{
		run: TargetRun{
			Target:    t,
			TargetID:  t.ID,
			Host:      t.Host.Address,
			State:     StatePending,
			Health:    ProbeResult{Outcome: HealthUnknown},
			StartedAt: time.Now(),
		},
		observer: o.Observer,
		logger:   logger,
	}
	defer func() {
		r.run.FinishedAt = time.Now()
		r.run.Duration = r.run.FinishedAt.Sub(r.run.StartedAt)
		o.metrics().RecordTarget(t.ID, string(r.run.State), r.run.Duration)
		ev := logger.Info()
		if r.run.State != StateSucceeded {
			ev = logger.Warn().Str("error_kind", string(r.run.ErrorKind)).Str("failed_step", r.run.FailedStep)
		}
		ev.Str("state", string(r.run.State)).
			Str("health", string(r.run.Health.Outcome)).
			Dur("duration", r.run.Duration).
			Msg("target finished")
	}()

	if err := ctx.Err(); err != nil {
		o.fail(ctx, r, &Error{Kind: KindCancelled, Target: t.ID, Err: errors.Join(ErrCancelled, err)})
		return r.run
	}

	r.to(StateInstalling)
	for _, step := range t.Steps {
		attempts := o.Executor.Execute(ctx, t, step, PhaseInstall)
		r.record(PhaseInstall, attempts)
		if attempts.Succeeded() {
			continue
		}
		r.run.FailedStep = step.Name
		err := attempts.Final().Err()
		if err == nil {
			err = &Error{Kind: KindStepFailure, Target: t.ID, Step: step.Name, Err: errors.New(attempts.Final().Reason)}
		}
		o.fail(ctx, r, err)
		return r.run
	}

	r.to(StateHealthChecking)
	res := o.Prober.Probe(ctx, t, *t.HealthCheck)
	r.run.Health = res
	switch {
	case res.Cancelled || ctx.Err() != nil:
		o.fail(ctx, r, &Error{Kind: KindCancelled, Target: t.ID, Err: errors.Join(ErrCancelled, ctx.Err())})
	case res.Outcome == Healthy:
		r.to(StateSucceeded)
	case res.Outcome == Unhealthy:
		o.fail(ctx, r, &Error{Kind: KindHealthCheckFailed, Target: t.ID, Err: errors.New(res.Detail)})
	default:
		o.fail(ctx, r, &Error{Kind: KindHealthCheckError, Target: t.ID, Err: errors.New(res.Detail)})
	}
	return r.run
}

// fail records err and moves the target to RollingBack/RolledBack when a
// rollback is declared and allowed, otherwise to Failed. Cancelled targets
// never roll back.
func (o *Orchestrator) fail(ctx context.Context, r *targetRecorder, err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindStepFailure
	}
	if ctx.Err() != nil {
		kind = KindCancelled
	}
	r.run.ErrorKind = kind
	r.run.Error = err.Error()

	t := r.run.Target
	if kind == KindCancelled || !o.Options.RollbackEnabled || len(t.RollbackSteps) == 0 || r.run.State == StatePending {
		r.to(StateFailed)
		return
	}

	r.to(StateRollingBack)
	r.run.RollbackAttempted = true
	completed := true
	for _, step := range t.RollbackSteps {
		attempts := o.Executor.Execute(ctx, t, step, PhaseRollback)
		r.record(PhaseRollback, attempts)
		if !attempts.Succeeded() {
			completed = false
			r.logger.Warn().Str("step", step.Name).Str("reason", attempts.Final().Reason).Msg("rollback step failed; continuing")
		}
	}
	r.run.RollbackCompleted = completed
	r.to(StateRolledBack)
}

// applyOverrides returns a copy of the plan with run-wide overrides applied so
// the caller's descriptors are never mutated.
func applyOverrides(p Plan, opts Options) Plan {
	out := Plan{Name: p.Name, Targets: make([]*Target, len(p.Targets))}
	for i, t := range p.Targets {
		c := *t
		c.Steps = overrideSteps(t.Steps, opts)
		c.RollbackSteps = overrideSteps(t.RollbackSteps, opts)
		hc := *t.HealthCheck
		if opts.ProbeTimeout > 0 {
			hc.Timeout = opts.ProbeTimeout
		}
		c.HealthCheck = &hc
		out.Targets[i] = &c
	}
	return out
}

func overrideSteps(steps []Step, opts Options) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		if opts.Retries != nil {
			s.Retries = *opts.Retries
		}
		if opts.StepTimeout > 0 {
			s.Timeout = opts.StepTimeout
		}
		out[i] = s
	}
	return out
}
