// Package session enforces strictly increasing per-session move ordering,
// applies type-specific state updates, and checkpoints session state on a
// move-count or elapsed-time cadence.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Driftline-Labs/accord/pkg/canonicalize"
	"github.com/Driftline-Labs/accord/pkg/envelope"
	"github.com/Driftline-Labs/accord/pkg/protocol"
	"github.com/Driftline-Labs/accord/pkg/store"
	"github.com/Driftline-Labs/accord/pkg/transport"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// TypeTurnBased is the session type whose state rule tracks the last actor
// and a turn counter.
const TypeTurnBased = "turn_based"

// Checkpoint is a periodic tamper-evident summary of session state.
// Append-only, never mutated after creation.
type Checkpoint struct {
	SessionID   string    `json:"sessionId"`
	Sequence    uint64    `json:"sequence"`
	StateDigest string    `json:"stateDigest"`
	MoveCount   int       `json:"moveCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Session is one collaborative ordered-move session.
type Session struct {
	ID           string
	Creator      string
	Type         string
	State        map[string]any
	Status       Status
	Sequence     uint64 // next expected move sequence
	Participants map[string]bool
	Checkpoints  []Checkpoint

	log                  *moveLog
	lastCheckpoint       time.Time
	movesSinceCheckpoint int
	corroborations       map[uint64][]string
}

// Sequencer owns the sessions of one peer.
type Sequencer struct {
	mu       sync.Mutex
	sessions map[string]*Session

	transport          transport.Transport
	store              store.Store
	logger             *slog.Logger
	clock              func() time.Time
	tracer             trace.Tracer
	checkpointMoves    int
	checkpointInterval time.Duration
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithClock injects a time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Sequencer) { s.clock = clock }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = logger }
}

// WithCheckpointPolicy overrides the checkpoint cadence.
func WithCheckpointPolicy(moves int, interval time.Duration) Option {
	return func(s *Sequencer) {
		s.checkpointMoves = moves
		s.checkpointInterval = interval
	}
}

// NewSequencer creates a session sequencer.
func NewSequencer(tr transport.Transport, st store.Store, opts ...Option) *Sequencer {
	s := &Sequencer{
		sessions:           make(map[string]*Session),
		transport:          tr,
		store:              st,
		logger:             slog.Default(),
		clock:              time.Now,
		tracer:             otel.Tracer("accord.engine"),
		checkpointMoves:    10,
		checkpointInterval: 300 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session", "peer", tr.Self())
	return s
}

// Register binds the sequencer's handlers on the session channel.
func (s *Sequencer) Register(r interface {
	RegisterHandler(channel string, kind envelope.Kind, fn func(*envelope.Envelope) error)
}) {
	r.RegisterHandler(protocol.Session, envelope.KindMove, s.OnMoveReceived)
	r.RegisterHandler(protocol.Session, envelope.KindCheckpoint, s.OnCheckpointReceived)
}

// CreateSession opens a session with sequence 0, an empty move log, and
// the creator as sole participant.
func (s *Sequencer) CreateSession(ctx context.Context, sessionType string, initialState map[string]any) (string, error) {
	if initialState == nil {
		initialState = make(map[string]any)
	}
	sess := &Session{
		ID:             "session-" + uuid.NewString()[:8],
		Creator:        s.transport.Self(),
		Type:           sessionType,
		State:          initialState,
		Status:         StatusActive,
		Participants:   map[string]bool{s.transport.Self(): true},
		log:            newMoveLog(),
		lastCheckpoint: s.clock(),
		corroborations: make(map[uint64][]string),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.persist(ctx, sess)
	s.logger.Info("session created", "session", sess.ID, "type", sessionType)
	return sess.ID, nil
}

// AdoptSession registers a session created elsewhere, learned out of
// band, so this peer can accept its moves from sequence 0.
func (s *Sequencer) AdoptSession(ctx context.Context, sessionID, creator, sessionType string, initialState map[string]any) {
	if initialState == nil {
		initialState = make(map[string]any)
	}
	sess := &Session{
		ID:             sessionID,
		Creator:        creator,
		Type:           sessionType,
		State:          initialState,
		Status:         StatusActive,
		Participants:   map[string]bool{creator: true},
		log:            newMoveLog(),
		lastCheckpoint: s.clock(),
		corroborations: make(map[uint64][]string),
	}

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()
	s.persist(ctx, sess)
}

// MakeMove appends a local move stamped with the current sequence,
// broadcasts it, and evaluates checkpoint scheduling. It reports false
// when the session is unknown or not active.
func (s *Sequencer) MakeMove(ctx context.Context, sessionID string, payload map[string]any) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("move in unknown session", "session", sessionID)
		return false
	}
	if sess.Status != StatusActive {
		s.mu.Unlock()
		s.logger.Warn("move in inactive session", "session", sessionID, "status", sess.Status)
		return false
	}

	move, err := s.applyMove(sess, s.transport.Self(), payload)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("move append failed", "session", sessionID, "error", err)
		return false
	}
	head := sess.log.head()
	s.mu.Unlock()

	env := &envelope.Envelope{
		Kind:      envelope.KindMove,
		SenderID:  s.transport.Self(),
		Timestamp: move.Timestamp,
		Payload: map[string]any{
			"sessionId":    sessionID,
			"moveSequence": move.Sequence,
			"movePayload":  payload,
			"stateDigest":  head,
		},
	}
	if _, err := s.transport.Broadcast(ctx, protocol.Session, env); err != nil {
		s.logger.Warn("move broadcast failed", "session", sessionID, "error", err)
	}

	s.evaluateCheckpoint(ctx, sessionID)
	return true
}

// OnMoveReceived appends a peer's move if and only if its sequence equals
// the next expected value. Anything else is dropped with the log length
// unchanged; there is no buffering or reordering.
func (s *Sequencer) OnMoveReceived(env *envelope.Envelope) error {
	sessionID := env.PayloadString("sessionId")
	sequence, _ := env.PayloadInt("moveSequence")
	payload := env.PayloadMap("movePayload")

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("move for unknown session", "session", sessionID, "from", env.SenderID)
		return nil
	}
	if sess.Status != StatusActive {
		s.mu.Unlock()
		return nil
	}
	if uint64(sequence) != sess.Sequence {
		s.mu.Unlock()
		s.logger.Warn("out-of-order move dropped",
			"session", sessionID, "expected", sess.Sequence, "got", sequence, "from", env.SenderID)
		return nil
	}

	if _, err := s.applyMove(sess, env.SenderID, payload); err != nil {
		s.mu.Unlock()
		s.logger.Error("move append failed", "session", sessionID, "error", err)
		return nil
	}
	// An unknown originator joins the participant set on its first move.
	sess.Participants[env.SenderID] = true
	s.mu.Unlock()

	s.evaluateCheckpoint(context.Background(), sessionID)
	return nil
}

// applyMove appends to the log, advances the sequence, and runs the
// type-specific state rule. Caller holds the lock.
func (s *Sequencer) applyMove(sess *Session, originator string, payload map[string]any) (Move, error) {
	move, err := sess.log.append(originator, payload, sess.Sequence, s.clock().Unix())
	if err != nil {
		return Move{}, err
	}
	sess.Sequence++
	sess.movesSinceCheckpoint++

	if sess.Type == TypeTurnBased {
		sess.State["lastActor"] = originator
		count, _ := sess.State["turnCount"].(int)
		sess.State["turnCount"] = count + 1
	}
	return move, nil
}

// evaluateCheckpoint creates a checkpoint once enough moves or enough time
// accumulated since the last one. Failures are logged and never roll back
// the accepted move.
func (s *Sequencer) evaluateCheckpoint(ctx context.Context, sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	due := sess.movesSinceCheckpoint >= s.checkpointMoves ||
		s.clock().Sub(sess.lastCheckpoint) >= s.checkpointInterval
	if !due {
		s.mu.Unlock()
		return
	}

	ctx, span := s.tracer.Start(ctx, "session.Checkpoint", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int64("session.sequence", int64(sess.Sequence)),
	))
	defer span.End()

	digest, err := canonicalize.CanonicalHash(sess.State)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("checkpoint digest failed", "session", sessionID, "error", err)
		return
	}
	checkpoint := Checkpoint{
		SessionID:   sessionID,
		Sequence:    sess.Sequence,
		StateDigest: digest,
		MoveCount:   sess.log.length(),
		CreatedAt:   s.clock(),
	}
	sess.Checkpoints = append(sess.Checkpoints, checkpoint)
	sess.lastCheckpoint = checkpoint.CreatedAt
	sess.movesSinceCheckpoint = 0
	s.mu.Unlock()

	if s.store != nil {
		err := s.store.AppendCheckpoint(ctx, store.CheckpointRecord{
			SessionID:   checkpoint.SessionID,
			Sequence:    checkpoint.Sequence,
			StateDigest: checkpoint.StateDigest,
			MoveCount:   checkpoint.MoveCount,
			CreatedAt:   checkpoint.CreatedAt,
		})
		if err != nil {
			s.logger.Error("checkpoint persistence failed", "session", sessionID, "error", err)
		}
	}

	env := &envelope.Envelope{
		Kind:      envelope.KindCheckpoint,
		SenderID:  s.transport.Self(),
		Timestamp: checkpoint.CreatedAt.Unix(),
		Payload: map[string]any{
			"sessionId":   checkpoint.SessionID,
			"sequence":    checkpoint.Sequence,
			"stateDigest": checkpoint.StateDigest,
		},
	}
	if _, err := s.transport.Broadcast(ctx, protocol.Session, env); err != nil {
		s.logger.Warn("checkpoint broadcast failed", "session", sessionID, "error", err)
	}
	s.logger.Info("checkpoint created",
		"session", sessionID, "sequence", checkpoint.Sequence, "digest", digest[:12])
}

// OnCheckpointReceived compares a peer's checkpoint digest against the
// local checkpoint at the same sequence: a match is recorded as
// corroboration, a mismatch is logged as divergence. Authority never
// changes; this is purely diagnostic.
func (s *Sequencer) OnCheckpointReceived(env *envelope.Envelope) error {
	sessionID := env.PayloadString("sessionId")
	sequence, _ := env.PayloadInt("sequence")
	digest := env.PayloadString("stateDigest")

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.logger.Warn("checkpoint for unknown session", "session", sessionID, "from", env.SenderID)
		return nil
	}

	for _, checkpoint := range sess.Checkpoints {
		if checkpoint.Sequence != uint64(sequence) {
			continue
		}
		if checkpoint.StateDigest == digest {
			sess.corroborations[checkpoint.Sequence] = append(sess.corroborations[checkpoint.Sequence], env.SenderID)
			s.logger.Info("checkpoint corroborated",
				"session", sessionID, "sequence", sequence, "by", env.SenderID)
		} else {
			s.logger.Warn("checkpoint divergence",
				"session", sessionID, "sequence", sequence, "peer", env.SenderID,
				"local", checkpoint.StateDigest[:12], "remote", truncate(digest, 12))
		}
		return nil
	}
	s.logger.Warn("checkpoint for unknown sequence",
		"session", sessionID, "sequence", sequence, "from", env.SenderID)
	return nil
}

// EndSession marks a session ended; further moves are rejected.
func (s *Sequencer) EndSession(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	sess.Status = StatusEnded
	s.mu.Unlock()
	s.persist(ctx, sess)
	return true
}

// VerifyLog walks a session's hash chain and reports the first break.
func (s *Sequencer) VerifyLog(sessionID string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, "", fmt.Errorf("session: unknown session %s", sessionID)
	}
	valid, detail := sess.log.verify()
	return valid, detail, nil
}

// Snapshot returns a copy of a session's externally visible state.
func (s *Sequencer) Snapshot(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	copied := Session{
		ID:           sess.ID,
		Creator:      sess.Creator,
		Type:         sess.Type,
		Status:       sess.Status,
		Sequence:     sess.Sequence,
		State:        make(map[string]any, len(sess.State)),
		Participants: make(map[string]bool, len(sess.Participants)),
		Checkpoints:  append([]Checkpoint(nil), sess.Checkpoints...),
	}
	for k, v := range sess.State {
		copied.State[k] = v
	}
	for k, v := range sess.Participants {
		copied.Participants[k] = v
	}
	return copied, true
}

// MoveCount returns the length of a session's move log.
func (s *Sequencer) MoveCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.log.length()
	}
	return 0
}

// Corroborations returns the peers that corroborated the checkpoint at a
// sequence.
func (s *Sequencer) Corroborations(sessionID string, sequence uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return append([]string(nil), sess.corroborations[sequence]...)
	}
	return nil
}

func (s *Sequencer) persist(ctx context.Context, sess *Session) {
	if s.store == nil {
		return
	}
	err := s.store.SaveSession(ctx, store.SessionRecord{
		ID:       sess.ID,
		Creator:  sess.Creator,
		Type:     sess.Type,
		Status:   string(sess.Status),
		Sequence: sess.Sequence,
		State:    sess.State,
	})
	if err != nil {
		s.logger.Warn("session persistence failed", "session", sess.ID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
