package core

import (
	"fmt"
	"strconv"
)

var knownKinds = map[CheckKind]bool{
	CheckTCP:      true,
	CheckHTTP:     true,
	CheckCommand:  true,
	CheckSSH:      true,
	CheckPostgres: true,
	CheckMinIO:    true,
}

// Validate rejects run-wide overrides that would leave a step without an
// attempt or a wait without a bound. Zero values mean "keep the plan's".
func (o Options) Validate() error {
	var errs ValidationErrors
	if o.Parallelism < 0 {
		errs.Add("parallelism", strconv.Itoa(o.Parallelism), "parallelism must be >= 0")
	}
	if o.Retries != nil && *o.Retries < 0 {
		errs.Add("retries", strconv.Itoa(*o.Retries), "retries must be >= 0")
	}
	if o.StepTimeout < 0 {
		errs.Add("step_timeout", o.StepTimeout.String(), "timeout must not be negative")
	}
	if o.ProbeTimeout < 0 {
		errs.Add("probe_timeout", o.ProbeTimeout.String(), "timeout must not be negative")
	}
	if o.Deadline < 0 {
		errs.Add("deadline", o.Deadline.String(), "deadline must not be negative")
	}
	if len(errs) > 0 {
		return ConfigurationError(errs)
	}
	return nil
}

// ValidatePlan checks every descriptor in the plan before anything executes.
// The returned error is a configuration *Error wrapping ValidationErrors.
func ValidatePlan(p Plan) error {
	var errs ValidationErrors
	if len(p.Targets) == 0 {
		errs.Add("targets", "", "plan has no targets")
	}
	seen := make(map[string]bool, len(p.Targets))
	for i, t := range p.Targets {
		if t == nil {
			errs.Add(fmt.Sprintf("targets[%d]", i), "", "target is nil")
			continue
		}
		prefix := fmt.Sprintf("targets[%d]", i)
		if t.ID == "" {
			errs.Add(prefix+".id", "", "target id is required")
		} else {
			prefix = "target " + t.ID
			if seen[t.ID] {
				errs.Add(prefix+".id", t.ID, "duplicate target id")
			}
			seen[t.ID] = true
		}
		if t.Host.Address == "" {
			errs.Add(prefix+".host", "", "host address is required")
		}
		if len(t.Steps) == 0 {
			errs.Add(prefix+".steps", "", "at least one step is required")
		}
		validateSteps(&errs, prefix+".steps", t.Steps)
		validateSteps(&errs, prefix+".rollback", t.RollbackSteps)
		if t.HealthCheck == nil {
			errs.Add(prefix+".health_check", "", "health check is required")
		} else {
			validateCheck(&errs, prefix+".health_check", *t.HealthCheck)
		}
	}
	if len(errs) > 0 {
		return ConfigurationError(errs)
	}
	return nil
}

func validateSteps(errs *ValidationErrors, prefix string, steps []Step) {
	names := make(map[string]bool, len(steps))
	for i, s := range steps {
		field := fmt.Sprintf("%s[%d]", prefix, i)
		if s.Name == "" {
			errs.Add(field+".name", "", "step name is required")
		} else if names[s.Name] {
			errs.Add(field+".name", s.Name, "duplicate step name")
		}
		names[s.Name] = true
		if s.Action == nil {
			errs.Add(field+".action", "", "step action is required")
		}
		if s.Timeout <= 0 {
			errs.Add(field+".timeout", s.Timeout.String(), "timeout must be positive")
		}
		if s.Retries < 0 {
			errs.Add(field+".retries", strconv.Itoa(s.Retries), "retries must be >= 0")
		}
	}
}

func validateCheck(errs *ValidationErrors, prefix string, hc HealthCheck) {
	if !knownKinds[hc.Kind] {
		errs.Add(prefix+".kind", string(hc.Kind), "unknown health check kind")
	}
	switch hc.Kind {
	case CheckCommand, CheckSSH:
		if len(hc.Command) == 0 {
			errs.Add(prefix+".command", "", "command is required")
		}
	default:
		if hc.Address == "" {
			errs.Add(prefix+".address", "", "address is required")
		}
	}
	if hc.Interval <= 0 {
		errs.Add(prefix+".interval", hc.Interval.String(), "interval must be positive")
	}
	if hc.MaxAttempts < 1 {
		errs.Add(prefix+".max_attempts", strconv.Itoa(hc.MaxAttempts), "max_attempts must be >= 1")
	}
	if hc.Timeout <= 0 {
		errs.Add(prefix+".timeout", hc.Timeout.String(), "timeout must be positive")
	}
	if hc.Expect.StatusMax != 0 && hc.Expect.StatusMax < hc.Expect.StatusMin {
		errs.Add(prefix+".expect.status", fmt.Sprintf("%d-%d", hc.Expect.StatusMin, hc.Expect.StatusMax), "status range is inverted")
	}
}
