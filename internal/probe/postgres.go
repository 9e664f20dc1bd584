package probe

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/3cpo-dev/convoy/internal/core"
)

// PostgresChecker connects to the DSN in hc.Address and pings it. With
// Options["query"] set, the first column of the first row must contain
// Expect.Contains. Failing to connect is a transport error; a failing query is
// a mismatch because the server answered.
type PostgresChecker struct{}

func (PostgresChecker) Check(ctx context.Context, _ *core.Target, hc core.HealthCheck) (bool, string, error) {
	db, err := sql.Open("pgx", hc.Address)
	if err != nil {
		return false, "", fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return false, "", fmt.Errorf("ping postgres: %w", err)
	}
	query := hc.Options["query"]
	if query == "" {
		return true, "ping ok", nil
	}
	var value sql.NullString
	if err := db.QueryRowContext(ctx, query).Scan(&value); err != nil {
		return false, "query failed: " + err.Error(), nil
	}
	if hc.Expect.Contains != "" && !strings.Contains(value.String, hc.Expect.Contains) {
		return false, fmt.Sprintf("query returned %q", value.String), nil
	}
	return true, fmt.Sprintf("query returned %q", value.String), nil
}
