// Package sqlite provides SQLite-based persistent storage for devmesh runs.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/devmesh/devmesh/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			status      TEXT NOT NULL,
			devices     TEXT NOT NULL,
			epochs      INTEGER NOT NULL,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER,
			final_cost  REAL NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,

		`CREATE TABLE IF NOT EXISTS batch_results (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			epoch       INTEGER NOT NULL,
			batch       INTEGER NOT NULL,
			device      TEXT NOT NULL,
			task        TEXT NOT NULL,
			status      TEXT NOT NULL,
			cost        REAL NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_run ON batch_results(run_id, epoch)`,

		`CREATE TABLE IF NOT EXISTS device_events (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			device TEXT NOT NULL,
			kind   TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON device_events(run_id)`,

		`CREATE TABLE IF NOT EXISTS epochs (
			run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			epoch      INTEGER NOT NULL,
			train_cost REAL NOT NULL,
			eval_cost  REAL NOT NULL,
			eval_error REAL NOT NULL,
			batches    INTEGER NOT NULL,
			skipped    INTEGER NOT NULL,
			PRIMARY KEY (run_id, epoch)
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Runs ───────────────────────────────────────────────────────────────────

// CreateRun inserts a new run record.
func (d *DB) CreateRun(r domain.Run) error {
	_, err := d.db.Exec(
		`INSERT INTO runs (id, status, devices, epochs, started_at, finished_at, final_cost, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Status), strings.Join(r.Devices, ","), r.Epochs,
		r.StartedAt.UnixNano(), nullableUnixNano(r.FinishedAt), r.FinalCost, r.Error,
	)
	return err
}

// FinishRun records the terminal status of a run.
func (d *DB) FinishRun(id string, status domain.RunStatus, finalCost float64, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := d.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ?, final_cost = ?, error = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), finalCost, msg, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return nil
}

// GetRun retrieves a single run by id.
func (d *DB) GetRun(id string) (*domain.Run, error) {
	row := d.db.QueryRow(
		`SELECT id, status, devices, epochs, started_at, finished_at, final_cost, error
		 FROM runs WHERE id = ?`, id,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns the most recent runs first.
func (d *DB) ListRuns(limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.Query(
		`SELECT id, status, devices, epochs, started_at, finished_at, final_cost, error
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ─── Batch Results ──────────────────────────────────────────────────────────

// RecordBatch appends one batch outcome.
func (d *DB) RecordBatch(b domain.BatchOutcome) error {
	_, err := d.db.Exec(
		`INSERT INTO batch_results (run_id, epoch, batch, device, task, status, cost, duration_ns, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.RunID, b.Epoch, b.Batch, b.Device, b.Task, string(b.Status),
		b.Cost, int64(b.Duration), b.Error,
	)
	return err
}

// BatchCounts returns the number of outcomes per status for a run.
func (d *DB) BatchCounts(runID string) (map[domain.BatchStatus]int, error) {
	rows, err := d.db.Query(
		`SELECT status, COUNT(*) FROM batch_results WHERE run_id = ? GROUP BY status`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.BatchStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.BatchStatus(status)] = n
	}
	return counts, rows.Err()
}

// ListBatches returns a run's outcomes in insertion order.
func (d *DB) ListBatches(runID string) ([]domain.BatchOutcome, error) {
	rows, err := d.db.Query(
		`SELECT run_id, epoch, batch, device, task, status, cost, duration_ns, error
		 FROM batch_results WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BatchOutcome
	for rows.Next() {
		var b domain.BatchOutcome
		var status string
		var dur int64
		if err := rows.Scan(&b.RunID, &b.Epoch, &b.Batch, &b.Device, &b.Task,
			&status, &b.Cost, &dur, &b.Error); err != nil {
			return nil, err
		}
		b.Status = domain.BatchStatus(status)
		b.Duration = time.Duration(dur)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ─── Device Events ──────────────────────────────────────────────────────────

// RecordEvent appends a supervision event. A zero At is stamped now.
func (d *DB) RecordEvent(e domain.DeviceEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := d.db.Exec(
		`INSERT INTO device_events (run_id, device, kind, detail, at) VALUES (?, ?, ?, ?, ?)`,
		e.RunID, e.Device, string(e.Kind), e.Detail, e.At.UnixNano(),
	)
	return err
}

// ListEvents returns a run's events oldest first.
func (d *DB) ListEvents(runID string) ([]domain.DeviceEvent, error) {
	rows, err := d.db.Query(
		`SELECT id, run_id, device, kind, detail, at FROM device_events
		 WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeviceEvent
	for rows.Next() {
		var e domain.DeviceEvent
		var kind string
		var at int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Device, &kind, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.Kind = domain.DeviceEventKind(kind)
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Epochs ─────────────────────────────────────────────────────────────────

// RecordEpoch stores or replaces an epoch summary.
func (d *DB) RecordEpoch(s domain.EpochSummary) error {
	_, err := d.db.Exec(
		`INSERT INTO epochs (run_id, epoch, train_cost, eval_cost, eval_error, batches, skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, epoch) DO UPDATE SET
			train_cost=excluded.train_cost,
			eval_cost=excluded.eval_cost,
			eval_error=excluded.eval_error,
			batches=excluded.batches,
			skipped=excluded.skipped`,
		s.RunID, s.Epoch, s.TrainCost, s.EvalCost, s.EvalError, s.Batches, s.Skipped,
	)
	return err
}

// ListEpochs returns a run's epoch summaries in order.
func (d *DB) ListEpochs(runID string) ([]domain.EpochSummary, error) {
	rows, err := d.db.Query(
		`SELECT run_id, epoch, train_cost, eval_cost, eval_error, batches, skipped
		 FROM epochs WHERE run_id = ? ORDER BY epoch`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EpochSummary
	for rows.Next() {
		var s domain.EpochSummary
		if err := rows.Scan(&s.RunID, &s.Epoch, &s.TrainCost, &s.EvalCost,
			&s.EvalError, &s.Batches, &s.Skipped); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*domain.Run, error) {
	var r domain.Run
	var status, devices string
	var started int64
	var finished sql.NullInt64

	if err := s.Scan(&r.ID, &status, &devices, &r.Epochs, &started, &finished,
		&r.FinalCost, &r.Error); err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	if devices != "" {
		r.Devices = strings.Split(devices, ",")
	}
	r.StartedAt = time.Unix(0, started)
	if finished.Valid {
		r.FinishedAt = time.Unix(0, finished.Int64)
	}
	return &r, nil
}

func nullableUnixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
