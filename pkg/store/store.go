// Package store persists coordinator outcomes: intents, sessions, and the
// append-only checkpoint history. Coordinators own their live state in
// memory; the store is the durable record behind it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// IntentRecord is the durable form of an intent.
type IntentRecord struct {
	ID           string
	Originator   string
	Resource     string
	Descriptor   string
	CostEstimate uint64
	Priority     int
	CreatedAt    time.Time
	Status       string
}

// SessionRecord is the durable form of a session.
type SessionRecord struct {
	ID       string
	Creator  string
	Type     string
	Status   string
	Sequence uint64
	State    map[string]any
}

// CheckpointRecord is one entry in a session's checkpoint history.
// Checkpoints are append-only; there is no update path.
type CheckpointRecord struct {
	SessionID   string
	Sequence    uint64
	StateDigest string
	MoveCount   int
	CreatedAt   time.Time
}

// Store is the persistence surface the coordinators write through.
type Store interface {
	SaveIntent(ctx context.Context, rec IntentRecord) error
	Intent(ctx context.Context, id string) (*IntentRecord, error)

	SaveSession(ctx context.Context, rec SessionRecord) error
	Session(ctx context.Context, id string) (*SessionRecord, error)

	AppendCheckpoint(ctx context.Context, rec CheckpointRecord) error
	Checkpoints(ctx context.Context, sessionID string) ([]CheckpointRecord, error)
}
