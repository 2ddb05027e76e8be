package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"deskpilot/internal/logging"
)

// Run status values mirrored into the index.
const (
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusStuck      = "stuck"
	StatusCancelled  = "cancelled"
	StatusAbandoned  = "abandoned"
	StatusIncomplete = "incomplete"
)

// StatusFor maps a terminal event type to an index status. An empty
// terminal means the journal never closed.
func StatusFor(terminal EventType) string {
	switch terminal {
	case EventRunCompleted:
		return StatusCompleted
	case EventRunFailed:
		return StatusFailed
	case EventRunStuck:
		return StatusStuck
	case EventRunCancelled:
		return StatusCancelled
	case EventRunAbandoned:
		return StatusAbandoned
	}
	return StatusIncomplete
}

// RunRecord is one indexed run.
type RunRecord struct {
	ID         string
	Command    string
	Source     string
	Status     string
	Iterations int
	FinalScore int // -1 while unscored
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// Index is a queryable sqlite mirror of the journal directory tree.
// The jsonl files stay authoritative; the index is rebuilt from them
// with Backfill whenever the two disagree.
type Index struct {
	mu sync.Mutex
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	command     TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	iterations  INTEGER NOT NULL DEFAULT 0,
	final_score INTEGER,
	started_at  DATETIME,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at);
`

// OpenIndex opens (creating if needed) the run index database.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	log := logging.Get(logging.CategoryJournal)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debugw("failed to set sqlite busy_timeout", "error", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debugw("failed to set sqlite journal_mode=WAL", "error", err)
	}
	// NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debugw("failed to set sqlite synchronous=NORMAL", "error", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	if ix == nil {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.Close()
}

// Upsert inserts or refreshes one run row. Nil-safe so callers can
// run without an index when opening it failed.
func (ix *Index) Upsert(rec RunRecord) error {
	if ix == nil {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	var score sql.NullInt64
	if rec.FinalScore >= 0 {
		score = sql.NullInt64{Int64: int64(rec.FinalScore), Valid: true}
	}
	_, err := ix.db.Exec(`
		INSERT INTO runs (id, command, source, status, iterations, final_score, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			command = excluded.command,
			source = excluded.source,
			status = excluded.status,
			iterations = excluded.iterations,
			final_score = excluded.final_score,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Command, rec.Source, rec.Status, rec.Iterations, score, rec.StartedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns one run row, or nil when the id is unknown.
func (ix *Index) Get(id string) (*RunRecord, error) {
	if ix == nil {
		return nil, nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	row := ix.db.QueryRow(`
		SELECT id, command, source, status, iterations, final_score, started_at, updated_at
		FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return rec, nil
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Status string
	Limit  int
}

// List returns runs newest first.
func (ix *Index) List(filter ListFilter) ([]RunRecord, error) {
	if ix == nil {
		return nil, nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	query := `
		SELECT id, command, source, status, iterations, final_score, started_at, updated_at
		FROM runs WHERE 1=1`
	args := []interface{}{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// Delete removes one run row.
func (ix *Index) Delete(id string) error {
	if ix == nil {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, err := ix.db.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	return nil
}

// Backfill rebuilds index rows from the journal directories under
// root. Returns the number of runs indexed.
func (ix *Index) Backfill(root string) (int, error) {
	if ix == nil {
		return 0, nil
	}
	ids, err := ListRuns(root)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		state, err := LoadState(root, id)
		if err != nil {
			logging.Get(logging.CategoryJournal).Warnw("backfill skipping unreadable journal",
				"run", id, "error", err)
			continue
		}
		if err := ix.Upsert(recordFromState(state)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func recordFromState(s *RunState) RunRecord {
	return RunRecord{
		ID:         s.RunID,
		Command:    s.Command,
		Source:     s.Source,
		Status:     StatusFor(s.Terminal),
		Iterations: s.Iterations,
		FinalScore: s.LastScore,
		StartedAt:  s.StartedAt,
		UpdatedAt:  s.LastEvent,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var score sql.NullInt64
	var started, updated sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Command, &rec.Source, &rec.Status,
		&rec.Iterations, &score, &started, &updated); err != nil {
		return nil, err
	}
	rec.FinalScore = -1
	if score.Valid {
		rec.FinalScore = int(score.Int64)
	}
	if started.Valid {
		rec.StartedAt = started.Time
	}
	if updated.Valid {
		rec.UpdatedAt = updated.Time
	}
	return &rec, nil
}
