// Package history keeps a SQLite record of past runs: one row per run and
// one row per timeline event, so release order can be compared across runs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kingrea/stagegate/internal/notify"
	"github.com/kingrea/stagegate/internal/tier"
)

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("history: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	plan           TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	finished_at    TEXT NOT NULL DEFAULT '',
	final_stage    TEXT NOT NULL DEFAULT '',
	final_progress REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
	run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq      INTEGER NOT NULL,
	kind     TEXT NOT NULL,
	call_id  TEXT NOT NULL DEFAULT '',
	tier     TEXT NOT NULL DEFAULT '',
	stage    TEXT NOT NULL DEFAULT '',
	progress REAL NOT NULL DEFAULT 0,
	at       TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Run summarizes one recorded run.
type Run struct {
	ID            string
	Plan          string
	StartedAt     time.Time
	FinishedAt    time.Time
	FinalStage    tier.Stage
	FinalProgress float64
}

// Store is a SQLite-backed run history.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=3000", "PRAGMA foreign_keys=ON", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history: init: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun inserts the run row. Beginning an existing run is an error.
func (s *Store) BeginRun(ctx context.Context, runID, plan string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, plan, started_at) VALUES (?, ?, ?)`,
		runID, plan, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("history: begin run %s: %w", runID, err)
	}
	return nil
}

// RecordEvent stores one timeline event for the run. Replayed events with a
// sequence number already stored are ignored.
func (s *Store) RecordEvent(ctx context.Context, runID string, ev notify.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (run_id, seq, kind, call_id, tier, stage, progress, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, int64(ev.Seq), string(ev.Kind), ev.CallID, tierName(ev), ev.Stage.String(), ev.Progress, formatTime(ev.At))
	if err != nil {
		return fmt.Errorf("history: record event %d: %w", ev.Seq, err)
	}
	return nil
}

// FinishRun stamps the final stage and progress on the run.
func (s *Store) FinishRun(ctx context.Context, runID string, finishedAt time.Time, stage tier.Stage, progress float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, final_stage = ?, final_progress = ? WHERE id = ?`,
		formatTime(finishedAt), stage.String(), progress, runID)
	if err != nil {
		return fmt.Errorf("history: finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Follow records events until the channel closes or ctx is done. It returns
// the number of events stored and the first storage error.
func (s *Store) Follow(ctx context.Context, runID string, events <-chan notify.Event) (int, error) {
	stored := 0
	for {
		select {
		case <-ctx.Done():
			return stored, nil
		case ev, ok := <-events:
			if !ok {
				return stored, nil
			}
			if err := s.RecordEvent(ctx, runID, ev); err != nil {
				return stored, err
			}
			stored++
		}
	}
}

// Runs lists the most recent runs first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan, started_at, finished_at, final_stage, final_progress
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []Run
	for rows.Next() {
		var (
			run               Run
			started, finished string
			stage             string
		)
		if err := rows.Scan(&run.ID, &run.Plan, &started, &finished, &stage, &run.FinalProgress); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		run.StartedAt = parseTime(started)
		run.FinishedAt = parseTime(finished)
		if stage != "" {
			if parsed, err := tier.ParseStage(stage); err == nil {
				run.FinalStage = parsed
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Events returns the recorded timeline of a run in sequence order.
func (s *Store) Events(ctx context.Context, runID string) ([]notify.Event, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("history: lookup run: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, call_id, tier, stage, progress, at
		FROM events
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: query events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []notify.Event
	for rows.Next() {
		var (
			ev              notify.Event
			seq             int64
			kind, tierStr   string
			stageStr, atStr string
		)
		if err := rows.Scan(&seq, &kind, &ev.CallID, &tierStr, &stageStr, &ev.Progress, &atStr); err != nil {
			return nil, fmt.Errorf("history: scan event: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.Kind = notify.Kind(kind)
		if tierStr != "" {
			if parsed, err := tier.Parse(tierStr); err == nil {
				ev.Tier = parsed
			}
		}
		if parsed, err := tier.ParseStage(stageStr); err == nil {
			ev.Stage = parsed
		}
		ev.At = parseTime(atStr)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// tierName leaves the tier column empty for events that carry no call.
func tierName(ev notify.Event) string {
	if ev.CallID == "" {
		return ""
	}
	return ev.Tier.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
