package statusstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Event is one step a deployment task passed through.
type Event struct {
	ID        int64
	RunID     string
	Instance  string
	Step      string
	Detail    string
	CreatedAt time.Time
}

type Run struct {
	RunID      string
	Name       string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Succeeded  int
	Failed     int
	Skipped    int
}

// Store keeps the step history of every run in SQLite.
type Store struct {
	db  *sql.DB
	Now func() time.Time
}

// Open opens a SQLite database at the given path and runs all pending
// migrations. Use ":memory:" for an in-memory database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Tasks record concurrently; a single connection serializes writers and keeps :memory: databases whole.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Store) StartRun(ctx context.Context, runID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, name, started_at) VALUES (?, ?, ?)`,
		runID, name, s.now(),
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, succeeded, failed, skipped int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, succeeded = ?, failed = ?, skipped = ? WHERE run_id = ?`,
		s.now(), succeeded, failed, skipped, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	r := &Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, name, started_at, finished_at, succeeded, failed, skipped FROM runs WHERE run_id = ?`,
		runID,
	).Scan(&r.RunID, &r.Name, &r.StartedAt, &r.FinishedAt, &r.Succeeded, &r.Failed, &r.Skipped)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

func (s *Store) Record(ctx context.Context, runID, instance, step, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instance_events (run_id, instance, step, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, instance, step, detail, s.now(),
	)
	if err != nil {
		return fmt.Errorf("record %s %s: %w", instance, step, err)
	}
	return nil
}

// Events returns the run's events in the order they were recorded. An empty instance selects every instance.
func (s *Store) Events(ctx context.Context, runID, instance string) ([]Event, error) {
	query := `SELECT id, run_id, instance, step, detail, created_at FROM instance_events WHERE run_id = ?`
	args := []any{runID}
	if instance != "" {
		query += ` AND instance = ?`
		args = append(args, instance)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Latest returns the most recent event of each instance in the run.
func (s *Store) Latest(ctx context.Context, runID string) (map[string]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, instance, step, detail, created_at FROM instance_events
		 WHERE id IN (SELECT MAX(id) FROM instance_events WHERE run_id = ? GROUP BY instance)`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("latest events: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Event, len(events))
	for _, e := range events {
		out[e.Instance] = e
	}
	return out, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.Instance, &e.Step, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunRecorder records steps for one run.
type RunRecorder struct {
	Store *Store
	RunID string
}

func (s *Store) Recorder(runID string) *RunRecorder {
	return &RunRecorder{Store: s, RunID: runID}
}

func (r *RunRecorder) RecordStep(ctx context.Context, instance, step, detail string) error {
	return r.Store.Record(ctx, r.RunID, instance, step, detail)
}
