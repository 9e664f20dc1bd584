package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/3cpo-dev/convoy/internal/core"
)

// Text writes a human-readable summary table. Verbose adds every attempt of
// targets that did not succeed.
type Text struct {
	W       io.Writer
	Verbose bool
}

func (t Text) Report(_ context.Context, s *core.Summary) error {
	fmt.Fprintf(t.W, "run %s  plan %s  %s\n", s.RunID, s.Plan, countLine(s))

	tw := tabwriter.NewWriter(t.W, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tHOST\tSTATE\tFAILED STEP\tROLLBACK\tHEALTH\tPROBES\tDURATION")
	for _, r := range s.Runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.TargetID, r.Host, r.State, dash(r.FailedStep), rollback(r),
			r.Health.Outcome, r.Health.Attempts, r.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, r := range s.Failed() {
		fmt.Fprintf(t.W, "\n%s: %s\n", r.TargetID, r.Error)
		if r.Health.Detail != "" && r.Health.Attempts > 0 {
			fmt.Fprintf(t.W, "  health: %s after %d attempt(s), %d mismatch(es), %d transport error(s): %s\n",
				r.Health.Outcome, r.Health.Attempts, r.Health.Mismatches, r.Health.TransportErrors, r.Health.Detail)
		}
		if !t.Verbose {
			continue
		}
		for _, a := range append(append([]core.StepResult(nil), r.StepResults...), r.RollbackResults...) {
			fmt.Fprintf(t.W, "  %-8s %s #%d %s", a.Phase, a.Step, a.Attempt, a.Outcome)
			if a.Reason != "" {
				fmt.Fprintf(t.W, ": %s", a.Reason)
			}
			fmt.Fprintln(t.W)
		}
	}
	_, err := fmt.Fprintf(t.W, "\nfinished in %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	return err
}

func countLine(s *core.Summary) string {
	order := []core.TargetState{core.StateSucceeded, core.StateRolledBack, core.StateFailed}
	parts := []string{fmt.Sprintf("%d target(s)", len(s.Runs))}
	for _, st := range order {
		if n := s.Counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ReplaceAll(string(st), "_", " ")))
		}
	}
	return strings.Join(parts, ", ")
}

func rollback(r core.TargetRun) string {
	switch {
	case !r.RollbackAttempted:
		return "-"
	case r.RollbackCompleted:
		return "completed"
	default:
		return "incomplete"
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
