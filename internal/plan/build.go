package plan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/3cpo-dev/convoy/internal/actions"
	"github.com/3cpo-dev/convoy/internal/core"
	"github.com/3cpo-dev/convoy/internal/inventory"
	gssh "github.com/3cpo-dev/convoy/internal/ssh"
	"github.com/3cpo-dev/convoy/pkg/api"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 5
)

// Builder resolves hosts and actions. Config supplies defaults the plan does
// not set. Relative paths in the plan are resolved against BaseDir.
type Builder struct {
	Config    core.Config
	Inventory *inventory.Registry
	Connector *gssh.Connector
	HTTP      *http.Client
	BaseDir   string
}

// NewBuilder wires the inventory and SSH connector described by cfg.
func NewBuilder(cfg core.Config) *Builder {
	reg := inventory.NewRegistry(core.Host{
		User:    cfg.Defaults.User,
		Port:    cfg.Defaults.SSHPort,
		KeyPath: cfg.KeyPath(),
	})
	reg.Register(inventory.NewStatic(cfg.Inventory.Hosts))
	if cfg.Inventory.HTTP.URL != "" {
		reg.Register(inventory.NewHTTP(cfg.Inventory.HTTP.URL, cfg.Inventory.HTTP.Token, cfg.Inventory.HTTP.Timeout))
	}
	return &Builder{
		Config:    cfg,
		Inventory: reg,
		Connector: &gssh.Connector{
			User:       cfg.Defaults.User,
			Port:       cfg.Defaults.SSHPort,
			KeyPath:    cfg.KeyPath(),
			KnownHosts: cfg.SSH.KnownHosts,
		},
	}
}

// Build turns spec into a core.Plan. Every problem found is collected into a
// single configuration error.
func (b *Builder) Build(ctx context.Context, spec *api.PlanSpec) (core.Plan, error) {
	var errs core.ValidationErrors
	out := core.Plan{Name: spec.Name}
	if out.Name == "" {
		out.Name = "plan"
	}
	defaults := b.defaults(&errs, spec.Defaults)

	for i, ts := range spec.Targets {
		prefix := fmt.Sprintf("targets[%d]", i)
		if ts.ID != "" {
			prefix = "target " + ts.ID
		}
		hosts, err := b.hosts(ctx, ts)
		if err != nil {
			errs.Add(prefix+".host", ts.Host+ts.Group, err.Error())
			continue
		}
		for _, h := range hosts {
			id := ts.ID
			if ts.Group != "" {
				id = ts.ID + "-" + h.Name
			}
			t := &core.Target{ID: id, Host: h, Labels: ts.Labels}
			t.Steps = b.steps(&errs, prefix+".steps", ts.Steps, defaults)
			t.RollbackSteps = b.steps(&errs, prefix+".rollback", ts.Rollback, defaults)
			if ts.HealthCheck != nil {
				t.HealthCheck = b.healthCheck(&errs, prefix+".health_check", *ts.HealthCheck, h, defaults)
			}
			out.Targets = append(out.Targets, t)
		}
	}
	if len(errs) > 0 {
		return out, core.ConfigurationError(errs)
	}
	return out, nil
}

type planDefaults struct {
	retries      int
	timeout      time.Duration
	idempotent   bool
	interval     time.Duration
	maxAttempts  int
	probeTimeout time.Duration
}

func (b *Builder) defaults(errs *core.ValidationErrors, d api.DefaultsSpec) planDefaults {
	out := planDefaults{
		retries:      b.Config.Defaults.Retries,
		timeout:      b.Config.Defaults.StepTimeout,
		interval:     DefaultInterval,
		maxAttempts:  DefaultMaxAttempts,
		probeTimeout: b.Config.Defaults.ProbeTimeout,
	}
	if d.Retries != nil {
		out.retries = *d.Retries
	}
	if d.Idempotent != nil {
		out.idempotent = *d.Idempotent
	}
	if d.MaxAttempts > 0 {
		out.maxAttempts = d.MaxAttempts
	}
	out.timeout = duration(errs, "defaults.timeout", d.Timeout, out.timeout)
	out.interval = duration(errs, "defaults.interval", d.Interval, out.interval)
	out.probeTimeout = duration(errs, "defaults.probe_timeout", d.ProbeTimeout, out.probeTimeout)
	return out
}

func (b *Builder) hosts(ctx context.Context, ts api.TargetSpec) ([]core.Host, error) {
	switch {
	case ts.Host != "" && ts.Group != "":
		return nil, errors.New("set either host or group, not both")
	case ts.Group != "":
		if b.Inventory == nil {
			return nil, errors.New("no inventory configured")
		}
		hosts, err := b.Inventory.Hosts(ctx, ts.Group)
		if err != nil {
			return nil, err
		}
		if len(hosts) == 0 {
			return nil, fmt.Errorf("group %q has no hosts", ts.Group)
		}
		return hosts, nil
	case ts.Host != "":
		if b.Inventory == nil {
			return []core.Host{{Name: ts.Host, Address: ts.Host}}, nil
		}
		h, err := b.Inventory.Resolve(ctx, ts.Host)
		if err != nil {
			return nil, err
		}
		return []core.Host{h}, nil
	default:
		return nil, errors.New("host or group is required")
	}
}

func (b *Builder) steps(errs *core.ValidationErrors, prefix string, specs []api.StepSpec, d planDefaults) []core.Step {
	var out []core.Step
	for i, s := range specs {
		field := fmt.Sprintf("%s[%d]", prefix, i)
		step := core.Step{
			Name:       s.Name,
			Retries:    d.retries,
			Idempotent: d.idempotent,
			Timeout:    duration(errs, field+".timeout", s.Timeout, d.timeout),
		}
		if s.Retries != nil {
			step.Retries = *s.Retries
		}
		if s.Idempotent != nil {
			step.Idempotent = *s.Idempotent
		}
		act, err := b.action(s)
		if err != nil {
			errs.Add(field, s.Name, err.Error())
		}
		step.Action = act
		out = append(out, step)
	}
	return out
}

func (b *Builder) action(s api.StepSpec) (core.Action, error) {
	var kinds []string
	if s.Command != "" {
		kinds = append(kinds, "command")
	}
	if s.Remote != "" {
		kinds = append(kinds, "remote")
	}
	if s.HTTP != nil {
		kinds = append(kinds, "http")
	}
	if s.Agent != nil {
		kinds = append(kinds, "agent")
	}
	if s.Upload != nil {
		kinds = append(kinds, "upload")
	}
	if len(kinds) != 1 {
		if len(kinds) == 0 {
			return nil, errors.New("step needs one of command, remote, http, agent or upload")
		}
		return nil, fmt.Errorf("step declares more than one action: %s", strings.Join(kinds, ", "))
	}

	switch kinds[0] {
	case "command":
		return &actions.Command{Script: s.Command, Dir: b.path(s.Dir), Env: envList(s.Env)}, nil
	case "remote":
		if b.Connector == nil {
			return nil, errors.New("remote step needs ssh configuration")
		}
		return &actions.Remote{Command: s.Remote, Sudo: s.Sudo, Connector: b.Connector}, nil
	case "http":
		if s.HTTP.URL == "" {
			return nil, errors.New("http step needs a url")
		}
		expect, err := matcher(s.HTTP.Expect)
		if err != nil {
			return nil, err
		}
		return &actions.HTTPCall{
			Method:  s.HTTP.Method,
			URL:     s.HTTP.URL,
			Body:    s.HTTP.Body,
			Headers: s.HTTP.Headers,
			Expect:  expect,
			Client:  b.HTTP,
		}, nil
	case "agent":
		if s.Agent.Command == "" {
			return nil, errors.New("agent step needs a command")
		}
		port := s.Agent.Port
		if port == 0 {
			port = b.Config.Agent.Port
		}
		return &actions.Agent{
			Command: s.Agent.Command,
			Env:     envList(s.Agent.Env),
			WorkDir: s.Agent.WorkDir,
			URL:     s.Agent.URL,
			Port:    port,
			Token:   b.Config.Agent.Token,
			TLS:     s.Agent.TLS,
			HTTP:    b.HTTP,
		}, nil
	default:
		if s.Upload.Src == "" || s.Upload.Dest == "" {
			return nil, errors.New("upload step needs src and dest")
		}
		if b.Connector == nil {
			return nil, errors.New("upload step needs ssh configuration")
		}
		var mode os.FileMode
		if s.Upload.Mode != "" {
			m, err := strconv.ParseUint(s.Upload.Mode, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("upload mode %q is not octal", s.Upload.Mode)
			}
			mode = os.FileMode(m)
		}
		return &actions.Upload{Local: b.path(s.Upload.Src), Remote: s.Upload.Dest, Mode: mode, Connector: b.Connector}, nil
	}
}

func (b *Builder) healthCheck(errs *core.ValidationErrors, prefix string, s api.HealthCheckSpec, h core.Host, d planDefaults) *core.HealthCheck {
	hc := &core.HealthCheck{
		Kind:        core.CheckKind(strings.ToLower(s.Type)),
		Address:     hostAddress(s.Address, h),
		Command:     []string(s.Command),
		Interval:    duration(errs, prefix+".interval", s.Interval, d.interval),
		MaxAttempts: d.maxAttempts,
		Timeout:     duration(errs, prefix+".timeout", s.Timeout, d.probeTimeout),
		Options:     s.Options,
	}
	if s.MaxAttempts > 0 {
		hc.MaxAttempts = s.MaxAttempts
	}
	expect, err := matcher(s.Expect)
	if err != nil {
		errs.Add(prefix+".expect", "", err.Error())
	}
	hc.Expect = expect
	return hc
}

// hostAddress expands {{host}} and completes a bare ":port" with the target's
// address.
func hostAddress(addr string, h core.Host) string {
	addr = strings.ReplaceAll(addr, "{{host}}", h.Address)
	if strings.HasPrefix(addr, ":") {
		addr = h.Address + addr
	}
	return addr
}

func matcher(e api.ExpectSpec) (core.Matcher, error) {
	m := core.Matcher{ExitCode: e.ExitCode, Contains: e.Contains}
	switch len(e.Status) {
	case 0:
	case 1:
		m.StatusMin, m.StatusMax = e.Status[0], e.Status[0]
	case 2:
		m.StatusMin, m.StatusMax = e.Status[0], e.Status[1]
	default:
		return m, fmt.Errorf("status takes a code or [min, max], got %d values", len(e.Status))
	}
	return m, nil
}

func duration(errs *core.ValidationErrors, field, v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		errs.Add(field, v, "invalid duration")
		return def
	}
	return d
}

func envList(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (b *Builder) path(p string) string {
	if p == "" || filepath.IsAbs(p) || b.BaseDir == "" {
		return p
	}
	return filepath.Join(b.BaseDir, p)
}
