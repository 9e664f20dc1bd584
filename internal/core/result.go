package core

import "time"

// Outcome of a single step attempt.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeTimedOut Outcome = "timed_out"
)

// Phase distinguishes install steps from rollback steps in the result log.
type Phase string

const (
	PhaseInstall  Phase = "install"
	PhaseRollback Phase = "rollback"
)

// StepResult records one attempt. It is never modified after it is appended.
type StepResult struct {
	Step      string        `json:"step"`
	Phase     Phase         `json:"phase"`
	Attempt   int           `json:"attempt"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	Output    string        `json:"output,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	err error
}

// Err returns the error that produced a non-success outcome.
func (r StepResult) Err() error { return r.err }

// Attempts is the ordered attempt log of one step. Only the last entry decides
// the step's outcome; earlier entries are kept for audit.
type Attempts []StepResult

// Final returns the deciding attempt.
func (a Attempts) Final() StepResult {
	if len(a) == 0 {
		return StepResult{Outcome: OutcomeFailure, Reason: "no attempts"}
	}
	return a[len(a)-1]
}

// Succeeded reports whether the final attempt succeeded.
func (a Attempts) Succeeded() bool {
	return len(a) > 0 && a.Final().Outcome == OutcomeSuccess
}

// HealthOutcome is the verdict of a probe sequence.
type HealthOutcome string

const (
	HealthUnknown HealthOutcome = "unknown"
	Healthy       HealthOutcome = "healthy"
	Unhealthy     HealthOutcome = "unhealthy"
)

// ProbeResult summarises a probe sequence. Transport errors and semantic
// mismatches are counted separately.
type ProbeResult struct {
	Outcome         HealthOutcome `json:"outcome"`
	Attempts        int           `json:"attempts"`
	Mismatches      int           `json:"mismatches"`
	TransportErrors int           `json:"transport_errors"`
	Detail          string        `json:"detail,omitempty"`
	Cancelled       bool          `json:"cancelled,omitempty"`
}

// TargetState is a node of the per-target state machine.
type TargetState string

const (
	StatePending        TargetState = "pending"
	StateInstalling     TargetState = "installing"
	StateHealthChecking TargetState = "health_checking"
	StateRollingBack    TargetState = "rolling_back"
	StateSucceeded      TargetState = "succeeded"
	StateFailed         TargetState = "failed"
	StateRolledBack     TargetState = "rolled_back"
)

// Terminal reports whether no further transition is allowed.
func (s TargetState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateRolledBack
}

var transitions = map[TargetState][]TargetState{
	StatePending:        {StateInstalling, StateFailed},
	StateInstalling:     {StateHealthChecking, StateRollingBack, StateFailed},
	StateHealthChecking: {StateSucceeded, StateRollingBack, StateFailed},
	StateRollingBack:    {StateRolledBack},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to TargetState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From TargetState `json:"from"`
	To   TargetState `json:"to"`
	At   time.Time   `json:"at"`
}

// TargetRun is the full record of one target within a run. It is owned by the
// worker processing the target until State is terminal, then read-only.
type TargetRun struct {
	Target            *Target       `json:"-"`
	TargetID          string        `json:"target"`
	Host              string        `json:"host"`
	State             TargetState   `json:"state"`
	StepResults       []StepResult  `json:"step_results"`
	RollbackResults   []StepResult  `json:"rollback_results,omitempty"`
	Health            ProbeResult   `json:"health"`
	FailedStep        string        `json:"failed_step,omitempty"`
	ErrorKind         ErrorKind     `json:"error_kind,omitempty"`
	Error             string        `json:"error,omitempty"`
	RollbackAttempted bool          `json:"rollback_attempted"`
	RollbackCompleted bool          `json:"rollback_completed"`
	Transitions       []Transition  `json:"transitions"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
	Duration          time.Duration `json:"duration"`
}

// Summary is the aggregate result of one orchestration run.
type Summary struct {
	RunID      string              `json:"run_id"`
	Plan       string              `json:"plan"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Runs       []TargetRun         `json:"targets"`
	Counts     map[TargetState]int `json:"counts"`
}

// ExitCode is 0 when every target succeeded and 1 otherwise.
func (s *Summary) ExitCode() int {
	if s == nil || len(s.Runs) == 0 {
		return 1
	}
	for _, r := range s.Runs {
		if r.State != StateSucceeded {
			return 1
		}
	}
	return 0
}

// Failed returns the runs that did not succeed, in plan order.
func (s *Summary) Failed() []TargetRun {
	var out []TargetRun
	for _, r := range s.Runs {
		if r.State != StateSucceeded {
			out = append(out, r)
		}
	}
	return out
}

// Run looks up the record of a target by id.
func (s *Summary) Run(id string) (TargetRun, bool) {
	for _, r := range s.Runs {
		if r.TargetID == id {
			return r, true
		}
	}
	return TargetRun{}, false
}
