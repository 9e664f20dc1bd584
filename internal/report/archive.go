package report

import (
	"context"
	"fmt"

	"github.com/3cpo-dev/convoy/internal/core"
)

// Archive stores runs in the local SQLite history.
type Archive struct {
	Store *core.Store
}

func (a Archive) Report(ctx context.Context, s *core.Summary) error {
	if err := a.Store.SaveRun(ctx, s); err != nil {
		return fmt.Errorf("archive run %s: %w", s.RunID, err)
	}
	return nil
}
