package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed archive of finished runs.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunRecord is the header of an archived run.
type RunRecord struct {
	ID         string              `json:"id"`
	Plan       string              `json:"plan"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	ExitCode   int                 `json:"exit_code"`
	Counts     map[TargetState]int `json:"counts"`
}

// NewStore opens the database at path and applies pending migrations. Use
// ":memory:" for a throwaway store.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// SaveRun archives a summary with all target runs and attempts in one transaction.
func (s *Store) SaveRun(ctx context.Context, sum *Summary) error {
	counts, err := json.Marshal(sum.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, plan, started_at, finished_at, exit_code, counts) VALUES (?, ?, ?, ?, ?, ?)`,
		sum.RunID, sum.Plan, formatTime(sum.StartedAt), formatTime(sum.FinishedAt), sum.ExitCode(), string(counts),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, r := range sum.Runs {
		health, err := json.Marshal(r.Health)
		if err != nil {
			return fmt.Errorf("marshal health: %w", err)
		}
		transitions, err := json.Marshal(r.Transitions)
		if err != nil {
			return fmt.Errorf("marshal transitions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO target_runs (run_id, position, target_id, host, state, failed_step, error_kind, error,
				rollback_attempted, rollback_completed, health, transitions, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.RunID, i, r.TargetID, r.Host, string(r.State), r.FailedStep, string(r.ErrorKind), r.Error,
			r.RollbackAttempted, r.RollbackCompleted, string(health), string(transitions),
			formatTime(r.StartedAt), formatTime(r.FinishedAt),
		); err != nil {
			return fmt.Errorf("insert target run %s: %w", r.TargetID, err)
		}
		seq := 0
		for _, group := range [][]StepResult{r.StepResults, r.RollbackResults} {
			for _, a := range group {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO step_results (run_id, target_id, seq, step, phase, attempt, outcome, reason, output, started_at, duration_ns)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					sum.RunID, r.TargetID, seq, a.Step, string(a.Phase), a.Attempt, string(a.Outcome), a.Reason, a.Output,
					formatTime(a.StartedAt), int64(a.Duration),
				); err != nil {
					return fmt.Errorf("insert step result: %w", err)
				}
				seq++
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRuns returns the newest archived runs first. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan, started_at, finished_at, exit_code, counts FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		rec            RunRecord
		started, ended string
		counts         string
	)
	if err := row.Scan(&rec.ID, &rec.Plan, &started, &ended, &rec.ExitCode, &counts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("scan run: %w", err)
	}
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(ended)
	if err := json.Unmarshal([]byte(counts), &rec.Counts); err != nil {
		return rec, fmt.Errorf("unmarshal counts: %w", err)
	}
	return rec, nil
}

// GetRun loads an archived run back into a Summary. Attempt errors are not
// archived; their Reason text is.
func (s *Store) GetRun(ctx context.Context, id string) (*Summary, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, plan, started_at, finished_at, exit_code, counts FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
		}
		return nil, err
	}
	sum := &Summary{
		RunID:      rec.ID,
		Plan:       rec.Plan,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Counts:     rec.Counts,
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id, host, state, failed_step, error_kind, error, rollback_attempted, rollback_completed,
			health, transitions, started_at, finished_at
		 FROM target_runs WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load target runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r                   TargetRun
			state, kind         string
			health, transitions string
			started, ended      string
		)
		if err := rows.Scan(&r.TargetID, &r.Host, &state, &r.FailedStep, &kind, &r.Error,
			&r.RollbackAttempted, &r.RollbackCompleted, &health, &transitions, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan target run: %w", err)
		}
		r.State = TargetState(state)
		r.ErrorKind = ErrorKind(kind)
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(ended)
		r.Duration = r.FinishedAt.Sub(r.StartedAt)
		if err := json.Unmarshal([]byte(health), &r.Health); err != nil {
			return nil, fmt.Errorf("unmarshal health: %w", err)
		}
		if err := json.Unmarshal([]byte(transitions), &r.Transitions); err != nil {
			return nil, fmt.Errorf("unmarshal transitions: %w", err)
		}
		sum.Runs = append(sum.Runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range sum.Runs {
		if err := s.loadSteps(ctx, id, &sum.Runs[i]); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

func (s *Store) loadSteps(ctx context.Context, runID string, r *TargetRun) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, phase, attempt, outcome, reason, output, started_at, duration_ns
		 FROM step_results WHERE run_id = ? AND target_id = ? ORDER BY seq`, runID, r.TargetID)
	if err != nil {
		return fmt.Errorf("load step results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a                       StepResult
			phase, outcome, started string
			dur                     int64
		)
		if err := rows.Scan(&a.Step, &phase, &a.Attempt, &outcome, &a.Reason, &a.Output, &started, &dur); err != nil {
			return fmt.Errorf("scan step result: %w", err)
		}
		a.Phase = Phase(phase)
		a.Outcome = Outcome(outcome)
		a.StartedAt = parseTime(started)
		a.Duration = time.Duration(dur)
		if a.Phase == PhaseRollback {
			r.RollbackResults = append(r.RollbackResults, a)
		} else {
			r.StepResults = append(r.StepResults, a)
		}
	}
	return rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
