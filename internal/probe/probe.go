// Package probe evaluates health checks. A Prober repeats a check until it
// matches, runs out of attempts, or is cancelled, and keeps transport faults
// apart from semantic mismatches.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/convoy/internal/core"
	"github.com/3cpo-dev/convoy/internal/telemetry"
)

// Checker runs one probe attempt. err reports a transport-level fault (the
// service could not be asked); matched=false with a nil err is a semantic
// mismatch (the service answered, but not as expected).
type Checker interface {
	Check(ctx context.Context, target *core.Target, hc core.HealthCheck) (matched bool, detail string, err error)
}

// CheckerFunc adapts a function to a Checker.
type CheckerFunc func(ctx context.Context, target *core.Target, hc core.HealthCheck) (bool, string, error)

func (f CheckerFunc) Check(ctx context.Context, target *core.Target, hc core.HealthCheck) (bool, string, error) {
	return f(ctx, target, hc)
}

// Prober dispatches health checks to the checker registered for their kind.
type Prober struct {
	Clock   core.Clock
	Metrics *telemetry.Collector

	checkers map[core.CheckKind]Checker
}

// New returns a Prober with the TCP, HTTP, command, Postgres and MinIO
// checkers registered. SSH checks need credentials; see SSHChecker.
func New() *Prober {
	p := &Prober{Clock: core.RealClock, checkers: map[core.CheckKind]Checker{}}
	p.Register(core.CheckTCP, TCPChecker{})
	p.Register(core.CheckHTTP, HTTPChecker{})
	p.Register(core.CheckCommand, CommandChecker{})
	p.Register(core.CheckPostgres, PostgresChecker{})
	p.Register(core.CheckMinIO, MinIOChecker{})
	return p
}

// Register installs or replaces the checker for kind.
func (p *Prober) Register(kind core.CheckKind, c Checker) {
	if p.checkers == nil {
		p.checkers = map[core.CheckKind]Checker{}
	}
	p.checkers[kind] = c
}

func (p *Prober) metrics() *telemetry.Collector {
	if p.Metrics == nil {
		return telemetry.GetGlobal()
	}
	return p.Metrics
}

// Probe runs hc up to hc.MaxAttempts times, waiting hc.Interval between
// attempts. It returns Healthy on the first match, Unknown when every attempt
// was a transport error, and Unhealthy otherwise. Cancellation returns at once
// with Cancelled set and an Unknown outcome.
func (p *Prober) Probe(ctx context.Context, target *core.Target, hc core.HealthCheck) core.ProbeResult {
	res := core.ProbeResult{Outcome: core.HealthUnknown}
	checker, ok := p.checkers[hc.Kind]
	if !ok {
		res.Detail = fmt.Sprintf("no checker registered for %q", hc.Kind)
		return res
	}
	clock := p.Clock
	if clock == nil {
		clock = core.RealClock
	}
	logger := log.With().Str("target", target.ID).Str("check", string(hc.Kind)).Logger()

	cancelled := func() core.ProbeResult {
		res.Outcome = core.HealthUnknown
		res.Cancelled = true
		res.Detail = "cancelled: " + context.Cause(ctx).Error()
		return res
	}

	for attempt := 1; attempt <= hc.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return cancelled()
		}
		res.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, hc.Timeout)
		start := time.Now()
		matched, detail, err := checker.Check(attemptCtx, target, hc)
		cancel()
		elapsed := time.Since(start)

		if ctx.Err() != nil {
			return cancelled()
		}
		switch {
		case err != nil:
			res.TransportErrors++
			res.Detail = err.Error()
			p.metrics().RecordProbeAttempt(target.ID, string(hc.Kind), "error", elapsed)
			logger.Debug().Int("attempt", attempt).Err(err).Msg("probe transport error")
		case matched:
			res.Outcome = core.Healthy
			res.Detail = detail
			p.metrics().RecordProbeAttempt(target.ID, string(hc.Kind), "match", elapsed)
			logger.Info().Int("attempt", attempt).Str("detail", detail).Msg("probe healthy")
			return res
		default:
			res.Mismatches++
			res.Detail = detail
			p.metrics().RecordProbeAttempt(target.ID, string(hc.Kind), "mismatch", elapsed)
			logger.Debug().Int("attempt", attempt).Str("detail", detail).Msg("probe mismatch")
		}

		if attempt < hc.MaxAttempts {
			select {
			case <-ctx.Done():
				return cancelled()
			case <-clock.After(hc.Interval):
			}
		}
	}

	if res.Mismatches > 0 {
		res.Outcome = core.Unhealthy
	}
	logger.Warn().
		Int("attempts", res.Attempts).
		Int("mismatches", res.Mismatches).
		Int("transport_errors", res.TransportErrors).
		Str("outcome", string(res.Outcome)).
		Msg("probe exhausted")
	return res
}
