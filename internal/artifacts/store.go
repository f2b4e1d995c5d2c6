package artifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"coverloop/internal/logging"
	"coverloop/internal/retry"
	"coverloop/internal/types"
)

// HistoryStore provides SQLite-backed storage for iteration records and
// failure snapshots, keyed by run.
type HistoryStore struct {
	mu sync.Mutex

	db     *sql.DB
	runID  string
	dbPath string
}

// NewHistoryStore opens (or creates) the database at dbPath for runID.
func NewHistoryStore(dbPath, runID string) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &HistoryStore{db: db, runID: runID, dbPath: dbPath}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *HistoryStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS iterations (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			deeper INTEGER NOT NULL DEFAULT 0,
			coverage REAL NOT NULL,
			passed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			record TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, iteration)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create iterations table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS failure_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			action TEXT NOT NULL,
			error TEXT NOT NULL,
			session_id TEXT,
			state TEXT,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create failure_snapshots table: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_snapshots_run ON failure_snapshots(run_id)`)
	return nil
}

// RunID returns the run this store writes under.
func (s *HistoryStore) RunID() string {
	return s.runID
}

// SaveIteration stores one iteration record. Records are insert-only.
func (s *HistoryStore) SaveIteration(ctx context.Context, rec types.IterationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal iteration: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO iterations (run_id, iteration, deeper, coverage, passed, failed, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, rec.Iteration, boolToInt(rec.DeeperTest), rec.Coverage.Percentage,
		rec.Coverage.Stats.Passed, rec.Coverage.Stats.Failed, string(data), rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save iteration %d: %w", rec.Iteration, err)
	}
	logging.Get(logging.CategoryArtifacts).Debug("iteration %d stored for run %s", rec.Iteration, s.runID)
	return nil
}

// ListIterations returns the stored records of the run in iteration order.
func (s *HistoryStore) ListIterations(ctx context.Context) ([]types.IterationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM iterations WHERE run_id = ? ORDER BY iteration ASC`, s.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var out []types.IterationRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec types.IterationRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode iteration: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveSnapshot implements retry.SnapshotSink.
func (s *HistoryStore) SaveSnapshot(ctx context.Context, snap retry.FailureSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_snapshots (run_id, action, error, session_id, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.runID, snap.Action, snap.Error, snap.SessionID, snap.State, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// CountSnapshots returns the number of failure snapshots stored for the run.
func (s *HistoryStore) CountSnapshots(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failure_snapshots WHERE run_id = ?`, s.runID).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure HistoryStore is usable as a snapshot sink.
var _ retry.SnapshotSink = (*HistoryStore)(nil)
