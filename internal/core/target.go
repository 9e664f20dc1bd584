package core

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Host is the machine a target is deployed onto.
type Host struct {
	Name    string
	Address string
	User    string
	Port    int
	KeyPath string
}

// SSHAddr returns host:port for SSH connections, defaulting the port to 22.
func (h Host) SSHAddr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Address, strconv.Itoa(port))
}

// Action is the opaque unit of work behind a step. Implementations must return
// promptly once ctx is done. A nil error means success; output is kept for the
// report but never interpreted.
type Action interface {
	Describe() string
	Run(ctx context.Context, target *Target) (string, error)
}

// ActionFunc adapts an in-process function to an Action.
type ActionFunc func(ctx context.Context, target *Target) (string, error)

func (f ActionFunc) Describe() string { return "func" }

func (f ActionFunc) Run(ctx context.Context, target *Target) (string, error) {
	return f(ctx, target)
}

// Step is one ordered, possibly retried action within a target.
type Step struct {
	Name       string
	Action     Action
	Idempotent bool
	Timeout    time.Duration
	Retries    int
}

// CheckKind selects how a HealthCheck is evaluated.
type CheckKind string

const (
	CheckTCP      CheckKind = "tcp"
	CheckHTTP     CheckKind = "http"
	CheckCommand  CheckKind = "command"
	CheckSSH      CheckKind = "ssh"
	CheckPostgres CheckKind = "postgres"
	CheckMinIO    CheckKind = "minio"
)

// Matcher describes what a positive probe looks like. Zero fields are ignored.
type Matcher struct {
	StatusMin int
	StatusMax int
	ExitCode  *int
	Contains  string
}

// StatusMatches reports whether an HTTP status code is within the expected range.
// With no range configured any 2xx status matches.
func (m Matcher) StatusMatches(code int) bool {
	lo, hi := m.StatusMin, m.StatusMax
	if lo == 0 && hi == 0 {
		lo, hi = 200, 299
	}
	if hi == 0 {
		hi = lo
	}
	return code >= lo && code <= hi
}

// ExitMatches reports whether a process exit code is the expected one (0 by default).
func (m Matcher) ExitMatches(code int) bool {
	want := 0
	if m.ExitCode != nil {
		want = *m.ExitCode
	}
	return code == want
}

// HealthCheck is a stateless readiness descriptor.
type HealthCheck struct {
	Kind        CheckKind
	Address     string
	Command     []string
	Expect      Matcher
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
	Options     map[string]string
}

func (hc HealthCheck) String() string {
	return fmt.Sprintf("%s %s", hc.Kind, hc.Address)
}

// Target is one deployable unit.
type Target struct {
	ID            string
	Host          Host
	Steps         []Step
	HealthCheck   *HealthCheck
	RollbackSteps []Step
	Labels        map[string]string
}

// Plan is an ordered list of targets processed in a single run.
type Plan struct {
	Name    string
	Targets []*Target
}
