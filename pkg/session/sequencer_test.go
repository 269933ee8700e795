package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Driftline-Labs/accord/pkg/envelope"
	"github.com/Driftline-Labs/accord/pkg/protocol"
	"github.com/Driftline-Labs/accord/pkg/router"
	"github.com/Driftline-Labs/accord/pkg/store"
	"github.com/Driftline-Labs/accord/pkg/transport"
)

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func soloSequencer(t *testing.T, clock *fakeClock) *Sequencer {
	t.Helper()
	mesh := transport.NewMesh()
	return NewSequencer(mesh.Join("peer-a"), nil, WithClock(clock.Now))
}

func moveEnvelope(sender, sessionID string, sequence uint64) *envelope.Envelope {
	return &envelope.Envelope{
		Kind:      envelope.KindMove,
		SenderID:  sender,
		Timestamp: 1700000000,
		Payload: map[string]any{
			"sessionId":    sessionID,
			"moveSequence": float64(sequence),
			"movePayload":  map[string]any{"cell": "a1"},
		},
	}
}

func TestCreateSessionStartsAtZero(t *testing.T) {
	clock := newFakeClock()
	s := soloSequencer(t, clock)

	id, err := s.CreateSession(context.Background(), TypeTurnBased, map[string]any{"board": "empty"})
	require.NoError(t, err)

	snap, ok := s.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, uint64(0), snap.Sequence)
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, map[string]bool{"peer-a": true}, snap.Participants)
	assert.Zero(t, s.MoveCount(id))
}

func TestStrictSequenceRejection(t *testing.T) {
	clock := newFakeClock()
	s := soloSequencer(t, clock)
	id, err := s.CreateSession(context.Background(), TypeTurnBased, nil)
	require.NoError(t, err)

	require.True(t, s.MakeMove(context.Background(), id, map[string]any{"cell": "a1"}))
	require.Equal(t, 1, s.MoveCount(id))

	// Expected sequence is now 1; sequence 2 must be dropped with the log
	// untouched. So must a duplicate of sequence 0.
	require.NoError(t, s.OnMoveReceived(moveEnvelope("peer-b", id, 2)))
	assert.Equal(t, 1, s.MoveCount(id))
	require.NoError(t, s.OnMoveReceived(moveEnvelope("peer-b", id, 0)))
	assert.Equal(t, 1, s.MoveCount(id))

	require.NoError(t, s.OnMoveReceived(moveEnvelope("peer-b", id, 1)))
	assert.Equal(t, 2, s.MoveCount(id))
}

func TestMoveForUnknownSessionDropped(t *testing.T) {
	clock := newFakeClock()
	s := soloSequencer(t, clock)
	require.NoError(t, s.OnMoveReceived(moveEnvelope("peer-b", "missing", 0)))
	assert.Zero(t, s.MoveCount("missing"))
}

func TestInactiveSessionRejectsMoves(t *testing.T) {
	clock := newFakeClock()
	s := soloSequencer(t, clock)
	id, err := s.CreateSession(context.Background(), TypeTurnBased, nil)
	require.NoError(t, err)

	require.True(t, s.EndSession(context.Background(), id))
	assert.False(t, s.MakeMove(context.Background(), id, map[string]any{"cell": "a1"}))
	require.NoError(t, s.OnMoveReceived(moveEnvelope("peer-b", id, 0)))
	assert.Zero(t, s.MoveCount(id))
}

func TestTurnBasedStateRule(t *testing.T) {
	clock := newFakeClock()
	s := soloSequencer(t, clock)
	id, err := s.CreateSession(context.Background(), TypeTurnBased, nil)
	require.NoError(t, err)

	require.True(t, s.MakeMove(context.Background(), id, map[string]any{"cell": "a1"}))
	require.NoError(t, s.OnMoveReceived(moveEnvelope("peer-b", id, 1)))

	snap, _ := s.Snapshot(id)
	assert.Equal(t, "peer-b", snap.State["lastActor"])
	assert.Equal(t, 2, snap.State["turnCount"])
	assert.True(t, snap.Participants["peer-b"], "first accepted move joins the participant set")
}

func TestCheckpointExactlyAtMoveThreshold(t *testing.T) {
	clock := newFakeClock()
	s := soloSequencer(t, clock)
	id, err := s.CreateSession(context.Background(), TypeTurnBased, nil)
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		require.True(t, s.MakeMove(context.Background(), id, map[string]any{"n": float64(i)}))
	}
	snap, _ := s.Snapshot(id)
	assert.Empty(t, snap.Checkpoints, "no checkpoint before the tenth move")

	require.True(t, s.MakeMove(context.Background(), id, map[string]any{"n": float64(9)}))
	snap, _ = s.Snapshot(id)
	require.Len(t, snap.Checkpoints, 1)
	assert.Equal(t, uint64(10), snap.Checkpoints[0].Sequence)
	assert.Equal(t, 10, snap.Checkpoints[0].MoveCount)
	assert.NotEmpty(t, snap.Checkpoints[0].StateDigest)

	// The counter reset: nine more moves stay quiet, the tenth triggers.
	for i := 10; i < 19; i++ {
		require.True(t, s.MakeMove(context.Background(), id, map[string]any{"n": float64(i)}))
	}
	snap, _ = s.Snapshot(id)
	assert.Len(t, snap.Checkpoints, 1)

	require.True(t, s.MakeMove(context.Background(), id, map[string]any{"n": float64(19)}))
	snap, _ = s.Snapshot(id)
	require.Len(t, snap.Checkpoints, 2)
	assert.Equal(t, uint64(20), snap.Checkpoints[1].Sequence)
}

func TestCheckpointByElapsedTime(t *testing.T) {
	clock := newFakeClock()
	s := soloSequencer(t, clock)
	id, err := s.CreateSession(context.Background(), TypeTurnBased, nil)
	require.NoError(t, err)

	require.True(t, s.MakeMove(context.Background(), id, map[string]any{"cell": "a1"}))
	snap, _ := s.Snapshot(id)
	assert.Empty(t, snap.Checkpoints)

	clock.Advance(301 * time.Second)
	require.True(t, s.MakeMove(context.Background(), id, map[string]any{"cell": "b2"}))
	snap, _ = s.Snapshot(id)
	require.Len(t, snap.Checkpoints, 1)
	assert.Equal(t, uint64(2), snap.Checkpoints[0].Sequence)
}

func TestCheckpointDigestIsCanonical(t *testing.T) {
	clock := newFakeClock()
	mesh := transport.NewMesh()
	a := NewSequencer(mesh.Join("peer-a"), nil, WithClock(clock.Now), WithCheckpointPolicy(1, time.Hour))
	b := NewSequencer(mesh.Join("peer-b"), nil, WithClock(clock.Now), WithCheckpointPolicy(1, time.Hour))

	id, err := a.CreateSession(context.Background(), TypeTurnBased, map[string]any{"z": "1", "a": "2"})
	require.NoError(t, err)
	b.AdoptSession(context.Background(), id, "peer-a", TypeTurnBased, map[string]any{"a": "2", "z": "1"})

	require.True(t, a.MakeMove(context.Background(), id, map[string]any{"cell": "a1"}))
	require.NoError(t, b.OnMoveReceived(moveEnvelope("peer-a", id, 0)))

	snapA, _ := a.Snapshot(id)
	snapB, _ := b.Snapshot(id)
	require.Len(t, snapA.Checkpoints, 1)
	require.Len(t, snapB.Checkpoints, 1)
	assert.Equal(t, snapA.Checkpoints[0].StateDigest, snapB.Checkpoints[0].StateDigest,
		"key order never changes the digest")
}

func TestPeerReplicationAndCorroboration(t *testing.T) {
	clock := newFakeClock()
	mesh := transport.NewMesh()

	newPeer := func(id string) *Sequencer {
		tr := mesh.Join(id)
		seq := NewSequencer(tr, nil, WithClock(clock.Now))
		r := router.New()
		seq.Register(r)
		tr.OnMessage(protocol.Session, func(raw []byte) { r.Dispatch(protocol.Session, raw) })
		return seq
	}
	a := newPeer("peer-a")
	b := newPeer("peer-b")

	id, err := a.CreateSession(context.Background(), TypeTurnBased, nil)
	require.NoError(t, err)
	b.AdoptSession(context.Background(), id, "peer-a", TypeTurnBased, nil)

	for i := 0; i < 10; i++ {
		require.True(t, a.MakeMove(context.Background(), id, map[string]any{"n": float64(i)}))
	}

	assert.Equal(t, 10, b.MoveCount(id))
	snapB, _ := b.Snapshot(id)
	require.Len(t, snapB.Checkpoints, 1)

	// b checkpointed on the tenth move and saw a's matching checkpoint
	// afterwards.
	corroborated := b.Corroborations(id, 10)
	assert.Contains(t, corroborated, "peer-a")

	validA, _, err := a.VerifyLog(id)
	require.NoError(t, err)
	assert.True(t, validA)
	validB, _, err := b.VerifyLog(id)
	require.NoError(t, err)
	assert.True(t, validB)
}

func TestCheckpointDivergenceIsNotCorroborated(t *testing.T) {
	clock := newFakeClock()
	s := soloSequencer(t, clock)
	id, err := s.CreateSession(context.Background(), TypeTurnBased, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.True(t, s.MakeMove(context.Background(), id, map[string]any{"n": float64(i)}))
	}
	snap, _ := s.Snapshot(id)
	require.Len(t, snap.Checkpoints, 1)

	require.NoError(t, s.OnCheckpointReceived(&envelope.Envelope{
		Kind:      envelope.KindCheckpoint,
		SenderID:  "peer-b",
		Timestamp: 1700000000,
		Payload: map[string]any{
			"sessionId":   id,
			"sequence":    float64(10),
			"stateDigest": "not-the-local-digest",
		},
	}))
	assert.Empty(t, s.Corroborations(id, 10))
}

func TestCheckpointsPersistedAppendOnly(t *testing.T) {
	clock := newFakeClock()
	db, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer db.Close()

	mesh := transport.NewMesh()
	s := NewSequencer(mesh.Join("peer-a"), db,
		WithClock(clock.Now), WithCheckpointPolicy(2, time.Hour))

	id, err := s.CreateSession(context.Background(), TypeTurnBased, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		require.True(t, s.MakeMove(context.Background(), id, map[string]any{"n": fmt.Sprint(i)}))
	}

	rows, err := db.Checkpoints(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(2), rows[0].Sequence)
	assert.Equal(t, uint64(4), rows[1].Sequence)
}

func TestVerifyLogUnknownSession(t *testing.T) {
	clock := newFakeClock()
	s := soloSequencer(t, clock)
	_, _, err := s.VerifyLog("missing")
	assert.Error(t, err)
}
