package report

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/3cpo-dev/convoy/internal/core"
)

// Document is the machine-readable form of a run. Durations are milliseconds.
type Document struct {
	RunID      string         `json:"run_id"`
	Plan       string         `json:"plan"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DurationMS int64          `json:"duration_ms"`
	ExitCode   int            `json:"exit_code"`
	Counts     map[string]int `json:"counts"`
	Targets    []TargetDoc    `json:"targets"`
}

type TargetDoc struct {
	ID                string            `json:"id"`
	Host              string            `json:"host"`
	State             core.TargetState  `json:"state"`
	FailedStep        string            `json:"failed_step,omitempty"`
	ErrorKind         core.ErrorKind    `json:"error_kind,omitempty"`
	Error             string            `json:"error,omitempty"`
	RollbackAttempted bool              `json:"rollback_attempted"`
	RollbackCompleted bool              `json:"rollback_completed"`
	Health            core.ProbeResult  `json:"health"`
	Steps             []StepDoc         `json:"steps"`
	Rollback          []StepDoc         `json:"rollback,omitempty"`
	Transitions       []core.Transition `json:"transitions"`
	DurationMS        int64             `json:"duration_ms"`
}

type StepDoc struct {
	Step       string       `json:"step"`
	Attempt    int          `json:"attempt"`
	Outcome    core.Outcome `json:"outcome"`
	Reason     string       `json:"reason,omitempty"`
	Output     string       `json:"output,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
}

// NewDocument converts a summary.
func NewDocument(s *core.Summary) Document {
	doc := Document{
		RunID:      s.RunID,
		Plan:       s.Plan,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		DurationMS: s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
		ExitCode:   s.ExitCode(),
		Counts:     make(map[string]int, len(s.Counts)),
		Targets:    make([]TargetDoc, 0, len(s.Runs)),
	}
	for st, n := range s.Counts {
		doc.Counts[string(st)] = n
	}
	for _, r := range s.Runs {
		doc.Targets = append(doc.Targets, TargetDoc{
			ID:                r.TargetID,
			Host:              r.Host,
			State:             r.State,
			FailedStep:        r.FailedStep,
			ErrorKind:         r.ErrorKind,
			Error:             r.Error,
			RollbackAttempted: r.RollbackAttempted,
			RollbackCompleted: r.RollbackCompleted,
			Health:            r.Health,
			Steps:             stepDocs(r.StepResults),
			Rollback:          stepDocs(r.RollbackResults),
			Transitions:       r.Transitions,
			DurationMS:        r.Duration.Milliseconds(),
		})
	}
	return doc
}

func stepDocs(results []core.StepResult) []StepDoc {
	if results == nil {
		return nil
	}
	out := make([]StepDoc, 0, len(results))
	for _, r := range results {
		out = append(out, StepDoc{
			Step:       r.Step,
			Attempt:    r.Attempt,
			Outcome:    r.Outcome,
			Reason:     r.Reason,
			Output:     r.Output,
			StartedAt:  r.StartedAt,
			DurationMS: r.Duration.Milliseconds(),
		})
	}
	return out
}

// JSON writes the Document of a run.
type JSON struct {
	W      io.Writer
	Indent bool
}

func (j JSON) Report(_ context.Context, s *core.Summary) error {
	enc := json.NewEncoder(j.W)
	if j.Indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(NewDocument(s))
}
