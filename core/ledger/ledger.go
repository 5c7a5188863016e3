// Package ledger keeps a durable history of training runs.
//
// Recent lookups are served from a ristretto cache; every record lives in
// SQLite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "modernc.org/sqlite"
)

// Status is the outcome of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("ledger: record not found")

// Record is one training run.
type Record struct {
	ID              int64
	RunID           string
	Status          Status
	Seed            int64
	Samples         int
	Family          string
	HoldoutAccuracy float64
	Baseline        float64
	Inertia         float64
	Mapping         string
	Snapshot        string
	Stage           string
	Error           string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Ledger is a SQLite-backed run history.
type Ledger struct {
	db    *sql.DB
	cache *ristretto.Cache
	path  string
}

const schema = `
CREATE TABLE IF NOT EXISTS training_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	seed INTEGER NOT NULL,
	samples INTEGER NOT NULL,
	family TEXT,
	holdout_accuracy REAL,
	baseline REAL,
	inertia REAL,
	mapping TEXT,
	snapshot TEXT,
	stage TEXT,
	error TEXT,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_run_id ON training_runs(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON training_runs(status);
`

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	return &Ledger{db: db, cache: cache, path: path}, nil
}

// Path returns the database file.
func (l *Ledger) Path() string {
	return l.path
}

// Append stores r and returns its row id.
func (l *Ledger) Append(ctx context.Context, r Record) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO training_runs (
			run_id, status, seed, samples, family, holdout_accuracy, baseline,
			inertia, mapping, snapshot, stage, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(r.Status), r.Seed, r.Samples, r.Family, r.HoldoutAccuracy, r.Baseline,
		r.Inertia, r.Mapping, r.Snapshot, r.Stage, r.Error, r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read run id: %w", err)
	}
	r.ID = id
	l.cache.Set(r.RunID, &r, recordCost(&r))
	l.cache.Wait()
	return id, nil
}

// Get returns the most recent record for runID.
func (l *Ledger) Get(ctx context.Context, runID string) (*Record, error) {
	if v, ok := l.cache.Get(runID); ok {
		if r, ok := v.(*Record); ok {
			cp := *r
			return &cp, nil
		}
	}
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID)
	r, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	l.cache.Set(runID, r, recordCost(r))
	cp := *r
	return &cp, nil
}

// Latest returns the most recent record of any run.
func (l *Ledger) Latest(ctx context.Context) (*Record, error) {
	return scanRecord(l.db.QueryRowContext(ctx, selectColumns+` ORDER BY id DESC LIMIT 1`))
}

// List returns up to limit records, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, selectColumns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Close releases the cache and database.
func (l *Ledger) Close() error {
	l.cache.Close()
	return l.db.Close()
}

const selectColumns = `
	SELECT id, run_id, status, seed, samples, family, holdout_accuracy, baseline,
		inertia, mapping, snapshot, stage, error, started_at, finished_at
	FROM training_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		r                                        Record
		status                                   string
		family, mapping, snapshot, stage, errMsg sql.NullString
		acc, baseline, inertia                   sql.NullFloat64
	)
	err := s.Scan(&r.ID, &r.RunID, &status, &r.Seed, &r.Samples, &family, &acc, &baseline,
		&inertia, &mapping, &snapshot, &stage, &errMsg, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Status = Status(status)
	r.Family = family.String
	r.HoldoutAccuracy = acc.Float64
	r.Baseline = baseline.Float64
	r.Inertia = inertia.Float64
	r.Mapping = mapping.String
	r.Snapshot = snapshot.String
	r.Stage = stage.String
	r.Error = errMsg.String
	return &r, nil
}

func recordCost(r *Record) int64 {
	cost := int64(256)
	cost += int64(len(r.RunID) + len(r.Family) + len(r.Mapping) + len(r.Snapshot) + len(r.Stage) + len(r.Error))
	return cost
}
