// Package report renders and persists run summaries.
package report

import (
	"context"
	"errors"

	"github.com/3cpo-dev/convoy/internal/core"
)

// Reporter publishes a finished run.
type Reporter interface {
	Report(ctx context.Context, s *core.Summary) error
}

// Multi sends the summary to every reporter, even when one fails.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, s *core.Summary) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Process exit codes.
const (
	ExitOK            = 0
	ExitFailed        = 1
	ExitConfiguration = 2
	ExitCancelled     = 130
)

// ExitCode maps a run outcome to the process exit status. A configuration
// error or a cancelled run takes precedence over the target states.
func ExitCode(s *core.Summary, err error) int {
	switch core.KindOf(err) {
	case core.KindConfiguration:
		return ExitConfiguration
	case core.KindCancelled:
		return ExitCancelled
	}
	if err != nil && s == nil {
		return ExitFailed
	}
	return s.ExitCode()
}
