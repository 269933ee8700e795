package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS intents (
	intent_id TEXT PRIMARY KEY,
	originator TEXT NOT NULL,
	resource TEXT NOT NULL,
	descriptor TEXT NOT NULL,
	cost_estimate INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	creator TEXT NOT NULL,
	session_type TEXT NOT NULL,
	status TEXT NOT NULL,
	sequence INTEGER NOT NULL DEFAULT 0,
	state JSON
);

CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	state_digest TEXT NOT NULL,
	move_count INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, sequence)
);`

// SQLite is a Store backed by a single SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &SQLite{db: db}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an existing database handle. The caller runs Init.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Init creates the schema.
func (s *SQLite) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) SaveIntent(ctx context.Context, rec IntentRecord) error {
	query := `INSERT INTO intents (intent_id, originator, resource, descriptor, cost_estimate, priority, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(intent_id) DO UPDATE SET status = excluded.status`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Originator, rec.Resource, rec.Descriptor,
		rec.CostEstimate, rec.Priority, rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.Status,
	)
	if err != nil {
		return fmt.Errorf("store: save intent %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLite) Intent(ctx context.Context, id string) (*IntentRecord, error) {
	query := `SELECT intent_id, originator, resource, descriptor, cost_estimate, priority, created_at, status
		FROM intents WHERE intent_id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var rec IntentRecord
	var createdAt string
	err := row.Scan(&rec.ID, &rec.Originator, &rec.Resource, &rec.Descriptor,
		&rec.CostEstimate, &rec.Priority, &createdAt, &rec.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load intent %s: %w", id, err)
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func (s *SQLite) SaveSession(ctx context.Context, rec SessionRecord) error {
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("store: encode session %s state: %w", rec.ID, err)
	}
	query := `INSERT INTO sessions (session_id, creator, session_type, status, sequence, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			sequence = excluded.sequence,
			state = excluded.state`
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Creator, rec.Type, rec.Status, rec.Sequence, string(stateJSON)); err != nil {
		return fmt.Errorf("store: save session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLite) Session(ctx context.Context, id string) (*SessionRecord, error) {
	query := `SELECT session_id, creator, session_type, status, sequence, state
		FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var rec SessionRecord
	var stateJSON sql.NullString
	err := row.Scan(&rec.ID, &rec.Creator, &rec.Type, &rec.Status, &rec.Sequence, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session %s: %w", id, err)
	}
	if stateJSON.Valid && stateJSON.String != "" {
		_ = json.Unmarshal([]byte(stateJSON.String), &rec.State)
	}
	return &rec, nil
}

func (s *SQLite) AppendCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	query := `INSERT INTO checkpoints (session_id, sequence, state_digest, move_count, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		rec.SessionID, rec.Sequence, rec.StateDigest, rec.MoveCount,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("store: append checkpoint %s@%d: %w", rec.SessionID, rec.Sequence, err)
	}
	return nil
}

func (s *SQLite) Checkpoints(ctx context.Context, sessionID string) ([]CheckpointRecord, error) {
	query := `SELECT session_id, sequence, state_digest, move_count, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list checkpoints %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []CheckpointRecord
	for rows.Next() {
		var rec CheckpointRecord
		var createdAt string
		if err := rows.Scan(&rec.SessionID, &rec.Sequence, &rec.StateDigest, &rec.MoveCount, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

var _ Store = (*SQLite)(nil)
