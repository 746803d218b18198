// Package checkpoint persists per-operation runtime state to SQLite: both
// graphs, the event-log tail, pending intervention requests, and operation
// metadata. Each save is one transaction writing a fresh version row, so a
// reader of a torn write sees the previous valid version or nothing.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"talon/internal/events"
	"talon/internal/gate"
	"talon/internal/graph"
	"talon/internal/logging"
)

// keepVersions is how many checkpoint versions are retained per operation.
const keepVersions = 2

// OperationState is one checkpoint payload.
type OperationState struct {
	OpID                 string           `json:"op_id"`
	Goal                 string           `json:"goal"`
	Status               string           `json:"status"`
	Detail               string           `json:"detail,omitempty"`
	Graph                graph.View       `json:"graph"`
	Events               []events.Event   `json:"events,omitempty"`
	PendingInterventions []gate.Request   `json:"pending_interventions,omitempty"`
	Counters             map[string]int   `json:"counters,omitempty"`
	SavedAt              time.Time        `json:"saved_at"`
}

// Store is the checkpoint database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the checkpoint database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Checkpoint("checkpoint store open at %s", path)
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	op_id      TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	payload    BLOB    NOT NULL,
	PRIMARY KEY (op_id, version)
);
CREATE TABLE IF NOT EXISTS operations (
	op_id      TEXT PRIMARY KEY,
	goal       TEXT NOT NULL,
	status     TEXT NOT NULL,
	detail     TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return nil
}

// Save writes one checkpoint atomically and prunes old versions.
func (s *Store) Save(state *OperationState) error {
	timer := logging.StartTimer(logging.CategoryCheckpoint, "Save")
	defer timer.Stop()

	state.SavedAt = time.Now()
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	if err := tx.QueryRow(
		`SELECT MAX(version) FROM checkpoints WHERE op_id = ?`, state.OpID,
	).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read checkpoint version: %w", err)
	}
	next := maxVersion.Int64 + 1

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(
		`INSERT INTO checkpoints (op_id, version, created_at, payload) VALUES (?, ?, ?, ?)`,
		state.OpID, next, now, payload,
	); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM checkpoints WHERE op_id = ? AND version <= ?`,
		state.OpID, next-keepVersions,
	); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO operations (op_id, goal, status, detail, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(op_id) DO UPDATE SET status = excluded.status,
		   detail = excluded.detail, updated_at = excluded.updated_at`,
		state.OpID, state.Goal, state.Status, state.Detail, now, now,
	); err != nil {
		return fmt.Errorf("update operation row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load reads the newest valid checkpoint for the operation.
func (s *Store) Load(opID string) (*OperationState, bool, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM checkpoints WHERE op_id = ? ORDER BY version DESC`, opID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, false, err
		}
		var state OperationState
		if err := json.Unmarshal(payload, &state); err != nil {
			// A corrupt newest row falls back to the prior version.
			logging.Checkpoint("skipping unreadable checkpoint for %s: %v", opID, err)
			continue
		}
		return &state, true, nil
	}
	return nil, false, rows.Err()
}

// OperationRow is one row of the operations index.
type OperationRow struct {
	OpID      string
	Goal      string
	Status    string
	Detail    string
	UpdatedAt time.Time
}

// List returns the known operations, newest first.
func (s *Store) List() ([]OperationRow, error) {
	rows, err := s.db.Query(
		`SELECT op_id, goal, status, COALESCE(detail, ''), updated_at
		 FROM operations ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationRow
	for rows.Next() {
		var row OperationRow
		var updated int64
		if err := rows.Scan(&row.OpID, &row.Goal, &row.Status, &row.Detail, &updated); err != nil {
			return nil, err
		}
		row.UpdatedAt = time.UnixMilli(updated)
		out = append(out, row)
	}
	return out, rows.Err()
}
