package voting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Driftline-Labs/accord/pkg/chain"
	"github.com/Driftline-Labs/accord/pkg/envelope"
	"github.com/Driftline-Labs/accord/pkg/protocol"
	"github.com/Driftline-Labs/accord/pkg/router"
	"github.com/Driftline-Labs/accord/pkg/transport"
)

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func voteEnvelope(sender, proposalID string, decision bool, weight int64) *envelope.Envelope {
	return &envelope.Envelope{
		Kind:      envelope.KindVote,
		SenderID:  sender,
		Timestamp: 1700000000,
		Payload: map[string]any{
			"proposalId": proposalID,
			"decision":   decision,
			"weight":     float64(weight),
		},
	}
}

func TestWeightedTallyPasses(t *testing.T) {
	// Votes {yes:10, yes:5, no:8} finalize as passed: 15 > 8.
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	for _, id := range []string{"peer-b", "peer-c", "peer-d"} {
		mesh.Join(id)
	}
	clock := newFakeClock()
	c := NewCoordinator(tr, nil, WithClock(clock.Now))

	id, err := c.CreateProposal(context.Background(), map[string]any{"motion": "upgrade"}, 300*time.Second)
	require.NoError(t, err)

	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-b", id, true, 10)))
	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-c", id, true, 5)))
	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-d", id, false, 8)))

	got, _ := c.Proposal(id)
	assert.Equal(t, StatusActive, got.Status, "three of four known peers is not full participation")

	clock.Advance(301 * time.Second)
	c.CheckDeadlines(context.Background())

	got, _ = c.Proposal(id)
	require.Equal(t, StatusPassed, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Passed)
	assert.Equal(t, int64(15), got.Result.YesWeight)
	assert.Equal(t, int64(8), got.Result.NoWeight)
	assert.Equal(t, int64(23), got.Result.TotalWeight)
}

func TestTieRejects(t *testing.T) {
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	mesh.Join("peer-b")
	mesh.Join("peer-c")
	clock := newFakeClock()
	c := NewCoordinator(tr, nil, WithClock(clock.Now))

	id, err := c.CreateProposal(context.Background(), map[string]any{"motion": "split"}, 300*time.Second)
	require.NoError(t, err)

	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-b", id, true, 5)))
	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-c", id, false, 5)))

	clock.Advance(301 * time.Second)
	c.CheckDeadlines(context.Background())

	got, _ := c.Proposal(id)
	require.Equal(t, StatusRejected, got.Status)
	assert.False(t, got.Result.Passed)
}

func TestFullParticipationFinalizesBeforeDeadline(t *testing.T) {
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	mesh.Join("peer-b")
	clock := newFakeClock()
	c := NewCoordinator(tr, nil, WithClock(clock.Now))

	id, err := c.CreateProposal(context.Background(), map[string]any{"motion": "x"}, time.Hour)
	require.NoError(t, err)
	require.True(t, c.SubmitVote(context.Background(), id, true, 3))

	// The second known peer's vote completes participation.
	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-b", id, true, 2)))

	got, _ := c.Proposal(id)
	assert.Equal(t, StatusPassed, got.Status)
	assert.Equal(t, int64(5), got.Result.YesWeight)
}

func TestSubmitVoteRejectsUnknownAndExpired(t *testing.T) {
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	mesh.Join("peer-b")
	clock := newFakeClock()
	c := NewCoordinator(tr, nil, WithClock(clock.Now))

	assert.False(t, c.SubmitVote(context.Background(), "missing", true, 1))

	id, err := c.CreateProposal(context.Background(), map[string]any{"motion": "x"}, time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	assert.False(t, c.SubmitVote(context.Background(), id, true, 1))
}

func TestVoteOverwriteIsLastWriteWins(t *testing.T) {
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	mesh.Join("peer-b")
	mesh.Join("peer-c")
	clock := newFakeClock()
	c := NewCoordinator(tr, nil, WithClock(clock.Now))

	id, err := c.CreateProposal(context.Background(), map[string]any{"motion": "x"}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-b", id, true, 10)))
	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-b", id, false, 2)))

	yes, no, ok := c.Tally(id)
	require.True(t, ok)
	assert.Zero(t, yes)
	assert.Equal(t, int64(2), no)

	got, _ := c.Proposal(id)
	assert.Len(t, got.Votes, 1)
}

func TestFinalizedProposalIgnoresFurtherVotes(t *testing.T) {
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	mesh.Join("peer-b")
	clock := newFakeClock()
	c := NewCoordinator(tr, nil, WithClock(clock.Now))

	id, err := c.CreateProposal(context.Background(), map[string]any{"motion": "x"}, time.Hour)
	require.NoError(t, err)
	require.True(t, c.SubmitVote(context.Background(), id, true, 3))
	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-b", id, false, 1)))

	before, _ := c.Proposal(id)
	require.Equal(t, StatusPassed, before.Status)

	// Neither a late peer vote nor a local resubmission changes anything.
	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-b", id, false, 100)))
	assert.False(t, c.SubmitVote(context.Background(), id, false, 100))

	after, _ := c.Proposal(id)
	assert.Equal(t, before.Result, after.Result)
	assert.Equal(t, before.Votes, after.Votes)
}

func TestCreatorSubmitsPassedProposal(t *testing.T) {
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	mesh.Join("peer-b")
	clock := newFakeClock()
	sim := chain.NewSim()
	c := NewCoordinator(tr, sim, WithClock(clock.Now), WithSubmitTarget("0xdao"))

	id, err := c.CreateProposal(context.Background(), map[string]any{"motion": "x"}, time.Hour)
	require.NoError(t, err)
	require.True(t, c.SubmitVote(context.Background(), id, true, 1))
	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-b", id, true, 1)))

	got, _ := c.Proposal(id)
	assert.Equal(t, StatusPassed, got.Status)
	assert.Equal(t, "submitted", got.OnchainStatus)
	require.Len(t, sim.Submitted(), 1)
	assert.Equal(t, "0xdao", sim.Submitted()[0].Target)
}

func TestNonCreatorNeverSubmits(t *testing.T) {
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	clock := newFakeClock()
	sim := chain.NewSim()
	c := NewCoordinator(tr, sim, WithClock(clock.Now), WithSubmitTarget("0xdao"))

	// A remote proposal finalizes locally; settlement is the creator's job.
	require.NoError(t, c.OnProposalReceived(&envelope.Envelope{
		Kind:      envelope.KindProposal,
		SenderID:  "peer-b",
		Timestamp: clock.Now().Unix(),
		Payload: map[string]any{
			"proposalId":            "prop-remote",
			"creatorId":             "peer-b",
			"payload":               map[string]any{"motion": "x"},
			"votingDurationSeconds": float64(60),
		},
	}))
	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-b", "prop-remote", true, 1)))

	got, _ := c.Proposal("prop-remote")
	assert.Equal(t, StatusPassed, got.Status)
	assert.Empty(t, got.OnchainStatus)
	assert.Empty(t, sim.Submitted())
}

func TestSubmissionFailureKeepsOutcome(t *testing.T) {
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	mesh.Join("peer-b")
	clock := newFakeClock()
	sim := chain.NewSim()
	c := NewCoordinator(tr, sim, WithClock(clock.Now), WithSubmitTarget("0xdao"))

	id, err := c.CreateProposal(context.Background(), map[string]any{"motion": "x"}, time.Hour)
	require.NoError(t, err)
	require.True(t, c.SubmitVote(context.Background(), id, true, 1))

	sim.FailNextSubmit(errors.New("node unavailable"))
	require.NoError(t, c.OnVoteReceived(voteEnvelope("peer-b", id, true, 1)))

	got, _ := c.Proposal(id)
	assert.Equal(t, StatusPassed, got.Status, "vote outcome is never reverted")
	assert.Equal(t, "failed", got.OnchainStatus)
	assert.True(t, got.Result.Passed)
}

func TestAutoVoteOnProposalReceipt(t *testing.T) {
	mesh := transport.NewMesh()
	policy, err := NewPolicy()
	require.NoError(t, err)

	newPeer := func(id string) *Coordinator {
		tr := mesh.Join(id)
		c := NewCoordinator(tr, nil, WithPolicy(policy, "true"))
		r := router.New()
		c.Register(r)
		tr.OnMessage(protocol.Voting, func(raw []byte) { r.Dispatch(protocol.Voting, raw) })
		return c
	}
	a := newPeer("peer-a")
	b := newPeer("peer-b")

	id, err := a.CreateProposal(context.Background(), map[string]any{"motion": "x"}, time.Hour)
	require.NoError(t, err)

	// b approved automatically and its vote reached a.
	atB, ok := b.Proposal(id)
	require.True(t, ok)
	assert.Contains(t, atB.Votes, "peer-b")

	atA, _ := a.Proposal(id)
	assert.Contains(t, atA.Votes, "peer-b")
	assert.True(t, atA.Votes["peer-b"].Decision)
}

func TestReceivedProposalStoredWithoutVoting(t *testing.T) {
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	mesh.Join("peer-b")
	clock := newFakeClock()
	c := NewCoordinator(tr, nil, WithClock(clock.Now))

	require.NoError(t, c.OnProposalReceived(&envelope.Envelope{
		Kind:      envelope.KindProposal,
		SenderID:  "peer-b",
		Timestamp: clock.Now().Unix(),
		Payload: map[string]any{
			"proposalId":            "prop-remote",
			"creatorId":             "peer-b",
			"payload":               map[string]any{"motion": "x"},
			"votingDurationSeconds": float64(60),
		},
	}))

	// No policy is configured, so receipt records the proposal and nothing
	// else. The local peer abstains until SubmitVote.
	got, ok := c.Proposal("prop-remote")
	require.True(t, ok)
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, got.Votes)
}

func TestProposalWithNoVotesRejectsAtDeadline(t *testing.T) {
	mesh := transport.NewMesh()
	tr := mesh.Join("peer-a")
	mesh.Join("peer-b")
	clock := newFakeClock()
	c := NewCoordinator(tr, nil, WithClock(clock.Now))

	id, err := c.CreateProposal(context.Background(), map[string]any{"motion": "x"}, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	c.CheckDeadlines(context.Background())

	// An empty tally is a tie at zero, and a tie rejects.
	got, _ := c.Proposal(id)
	require.Equal(t, StatusRejected, got.Status)
	require.NotNil(t, got.Result)
	assert.False(t, got.Result.Passed)
	assert.Zero(t, got.Result.TotalWeight)
}

func TestTallyUnknownProposal(t *testing.T) {
	mesh := transport.NewMesh()
	c := NewCoordinator(mesh.Join("peer-a"), nil)
	_, _, ok := c.Tally("missing")
	assert.False(t, ok)
}
