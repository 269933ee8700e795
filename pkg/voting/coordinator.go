// Package voting manages the proposal lifecycle: creation, vote
// collection, deadline or full-participation finalization, weighted tally,
// and conditional settlement of passed proposals.
package voting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Driftline-Labs/accord/pkg/canonicalize"
	"github.com/Driftline-Labs/accord/pkg/chain"
	"github.com/Driftline-Labs/accord/pkg/envelope"
	"github.com/Driftline-Labs/accord/pkg/protocol"
	"github.com/Driftline-Labs/accord/pkg/transport"
)

// Status is the lifecycle state of a proposal. Passed and rejected are
// terminal; a proposal is never reopened.
type Status string

const (
	StatusActive     Status = "active"
	StatusFinalizing Status = "finalizing"
	StatusPassed     Status = "passed"
	StatusRejected   Status = "rejected"
)

// Vote is one peer's weighted decision. A later vote from the same peer
// overwrites the earlier one.
type Vote struct {
	Decision  bool      `json:"decision"`
	Weight    int64     `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}

// Result summarizes a finalized proposal.
type Result struct {
	Passed      bool      `json:"passed"`
	YesWeight   int64     `json:"yesWeight"`
	NoWeight    int64     `json:"noWeight"`
	TotalWeight int64     `json:"totalWeight"`
	FinalizedAt time.Time `json:"finalizedAt"`
}

// Proposal is one item put to the peers for a weighted vote.
type Proposal struct {
	ID            string          `json:"proposalId"`
	Creator       string          `json:"creatorId"`
	Payload       map[string]any  `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	VotingEnds    time.Time       `json:"votingEnds"`
	Votes         map[string]Vote `json:"votes"`
	Status        Status          `json:"status"`
	Result        *Result         `json:"result,omitempty"`
	OnchainStatus string          `json:"onchainStatus,omitempty"`
}

// Coordinator owns the proposals of one peer.
type Coordinator struct {
	mu        sync.Mutex
	proposals map[string]*Proposal

	transport    transport.Transport
	chain        chain.Client
	policy       *Policy
	policyExpr   string
	submitTarget string
	logger       *slog.Logger
	clock        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock injects a time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithPolicy enables automatic local voting: the expression is evaluated
// when a proposal arrives and the decision is cast as a weight-1 vote.
// Without this option, or with an empty expression, received proposals are
// stored and the peer abstains until SubmitVote is called.
func WithPolicy(policy *Policy, expr string) Option {
	return func(c *Coordinator) {
		c.policy = policy
		c.policyExpr = expr
	}
}

// WithSubmitTarget names the settlement contract passed proposals are
// submitted to. Without a target the submission is recorded but nothing
// leaves the process.
func WithSubmitTarget(target string) Option {
	return func(c *Coordinator) { c.submitTarget = target }
}

// NewCoordinator creates a voting coordinator.
func NewCoordinator(tr transport.Transport, ch chain.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		proposals: make(map[string]*Proposal),
		transport: tr,
		chain:     ch,
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "voting", "peer", tr.Self())
	return c
}

// Register binds the coordinator's handlers on the voting channel.
func (c *Coordinator) Register(r interface {
	RegisterHandler(channel string, kind envelope.Kind, fn func(*envelope.Envelope) error)
}) {
	r.RegisterHandler(protocol.Voting, envelope.KindProposal, c.OnProposalReceived)
	r.RegisterHandler(protocol.Voting, envelope.KindVote, c.OnVoteReceived)
}

// CreateProposal opens a proposal with deadline now+votingDuration and
// broadcasts it.
func (c *Coordinator) CreateProposal(ctx context.Context, payload map[string]any, votingDuration time.Duration) (string, error) {
	now := c.clock()
	proposal := &Proposal{
		ID:         "prop-" + uuid.NewString()[:8],
		Creator:    c.transport.Self(),
		Payload:    payload,
		CreatedAt:  now,
		VotingEnds: now.Add(votingDuration),
		Votes:      make(map[string]Vote),
		Status:     StatusActive,
	}

	c.mu.Lock()
	c.proposals[proposal.ID] = proposal
	c.mu.Unlock()

	env := &envelope.Envelope{
		Kind:      envelope.KindProposal,
		SenderID:  c.transport.Self(),
		Timestamp: now.Unix(),
		Payload: map[string]any{
			"proposalId":            proposal.ID,
			"creatorId":             proposal.Creator,
			"payload":               payload,
			"votingDurationSeconds": int64(votingDuration / time.Second),
		},
	}
	if _, err := c.transport.Broadcast(ctx, protocol.Voting, env); err != nil {
		c.logger.Warn("proposal broadcast failed", "proposal", proposal.ID, "error", err)
	}
	c.logger.Info("proposal created", "proposal", proposal.ID, "deadline", proposal.VotingEnds)
	return proposal.ID, nil
}

// OnProposalReceived stores a peer's proposal verbatim with the deadline
// it names. The receiving peer casts no vote of its own unless an
// auto-vote policy is configured.
func (c *Coordinator) OnProposalReceived(env *envelope.Envelope) error {
	id := env.PayloadString("proposalId")
	creator := env.PayloadString("creatorId")
	duration, _ := env.PayloadInt("votingDurationSeconds")
	createdAt := time.Unix(env.Timestamp, 0).UTC()

	proposal := &Proposal{
		ID:         id,
		Creator:    creator,
		Payload:    env.PayloadMap("payload"),
		CreatedAt:  createdAt,
		VotingEnds: createdAt.Add(time.Duration(duration) * time.Second),
		Votes:      make(map[string]Vote),
		Status:     StatusActive,
	}

	c.mu.Lock()
	c.proposals[id] = proposal
	c.mu.Unlock()
	c.logger.Info("proposal received", "proposal", id, "creator", creator)

	c.autoVote(proposal)
	return nil
}

func (c *Coordinator) autoVote(proposal *Proposal) {
	if c.policy == nil || c.policyExpr == "" {
		return
	}
	input := map[string]any{
		"id":      proposal.ID,
		"creator": proposal.Creator,
		"payload": proposal.Payload,
	}
	decision, err := c.policy.Decide(c.policyExpr, input, c.transport.Self())
	if err != nil {
		c.logger.Warn("auto-vote policy failed, abstaining", "proposal", proposal.ID, "error", err)
		return
	}
	c.SubmitVote(context.Background(), proposal.ID, decision, 1)
}

// SubmitVote records the local vote and broadcasts it. It reports false
// when the proposal is unknown, finalized, or past its deadline.
func (c *Coordinator) SubmitVote(ctx context.Context, proposalID string, decision bool, weight int64) bool {
	now := c.clock()

	c.mu.Lock()
	proposal, ok := c.proposals[proposalID]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("vote on unknown proposal", "proposal", proposalID)
		return false
	}
	if proposal.Status != StatusActive || now.After(proposal.VotingEnds) {
		c.mu.Unlock()
		c.logger.Warn("vote after voting closed", "proposal", proposalID, "status", proposal.Status)
		return false
	}
	proposal.Votes[c.transport.Self()] = Vote{Decision: decision, Weight: weight, Timestamp: now}
	c.mu.Unlock()

	env := &envelope.Envelope{
		Kind:      envelope.KindVote,
		SenderID:  c.transport.Self(),
		Timestamp: now.Unix(),
		Payload: map[string]any{
			"proposalId": proposalID,
			"decision":   decision,
			"weight":     weight,
		},
	}
	if _, err := c.transport.Broadcast(ctx, protocol.Voting, env); err != nil {
		c.logger.Warn("vote broadcast failed", "proposal", proposalID, "error", err)
	}
	c.logger.Info("vote submitted", "proposal", proposalID, "decision", decision, "weight", weight)
	return true
}

// OnVoteReceived records a peer's vote keyed by its identity, overwriting
// any earlier vote from the same peer, then checks finalization. Votes for
// unknown or finalized proposals are dropped.
func (c *Coordinator) OnVoteReceived(env *envelope.Envelope) error {
	proposalID := env.PayloadString("proposalId")
	decision, _ := env.PayloadBool("decision")
	weight, _ := env.PayloadInt("weight")

	c.mu.Lock()
	proposal, ok := c.proposals[proposalID]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("vote for unknown proposal", "proposal", proposalID, "from", env.SenderID)
		return nil
	}
	if proposal.Status != StatusActive {
		// The vote map never grows after finalization.
		c.mu.Unlock()
		return nil
	}
	proposal.Votes[env.SenderID] = Vote{Decision: decision, Weight: weight, Timestamp: c.clock()}
	c.mu.Unlock()

	c.checkFinalization(context.Background(), proposalID)
	return nil
}

// CheckDeadlines finalizes every active proposal whose deadline has
// passed. Deadlines are evaluated opportunistically; this is the explicit
// sweep the owning process can run on a timer.
func (c *Coordinator) CheckDeadlines(ctx context.Context) {
	c.mu.Lock()
	var due []string
	now := c.clock()
	for id, proposal := range c.proposals {
		if proposal.Status == StatusActive && now.After(proposal.VotingEnds) {
			due = append(due, id)
		}
	}
	c.mu.Unlock()
	for _, id := range due {
		c.checkFinalization(ctx, id)
	}
}

func (c *Coordinator) checkFinalization(ctx context.Context, proposalID string) {
	c.mu.Lock()
	proposal, ok := c.proposals[proposalID]
	if !ok || proposal.Status != StatusActive {
		c.mu.Unlock()
		return
	}
	totalKnownPeers := len(c.transport.ConnectedPeers()) + 1
	deadlinePassed := c.clock().After(proposal.VotingEnds)
	if !deadlinePassed && len(proposal.Votes) < totalKnownPeers {
		c.mu.Unlock()
		return
	}

	proposal.Status = StatusFinalizing
	var yes, no int64
	for _, vote := range proposal.Votes {
		if vote.Decision {
			yes += vote.Weight
		} else {
			no += vote.Weight
		}
	}
	passed := yes > no
	proposal.Result = &Result{
		Passed:      passed,
		YesWeight:   yes,
		NoWeight:    no,
		TotalWeight: yes + no,
		FinalizedAt: c.clock(),
	}
	if passed {
		proposal.Status = StatusPassed
	} else {
		proposal.Status = StatusRejected
	}
	isCreator := proposal.Creator == c.transport.Self()
	copied := *proposal
	c.mu.Unlock()

	c.logger.Info("proposal finalized",
		"proposal", proposalID, "passed", passed, "yes", yes, "no", no)

	if passed && isCreator {
		c.submitOutcome(ctx, &copied)
	}
}

// submitOutcome settles a passed proposal. A submission failure marks the
// onchain status failed without touching the vote outcome.
func (c *Coordinator) submitOutcome(ctx context.Context, proposal *Proposal) {
	if c.chain == nil || c.submitTarget == "" {
		c.setOnchainStatus(proposal.ID, "submitted")
		c.logger.Info("proposal outcome recorded without settlement target", "proposal", proposal.ID)
		return
	}

	payload, err := canonicalize.JCS(map[string]any{
		"proposalId": proposal.ID,
		"payload":    proposal.Payload,
		"result":     proposal.Result,
	})
	if err != nil {
		c.setOnchainStatus(proposal.ID, "failed")
		c.logger.Error("proposal payload canonicalization failed", "proposal", proposal.ID, "error", err)
		return
	}

	handle, err := c.chain.Submit(ctx, c.submitTarget, 0, payload, 0)
	if err != nil {
		c.setOnchainStatus(proposal.ID, "failed")
		c.logger.Error("proposal settlement failed", "proposal", proposal.ID, "error", err)
		return
	}
	c.setOnchainStatus(proposal.ID, "submitted")
	c.logger.Info("proposal settled", "proposal", proposal.ID, "tx", handle)
}

func (c *Coordinator) setOnchainStatus(proposalID, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if proposal, ok := c.proposals[proposalID]; ok {
		proposal.OnchainStatus = status
	}
}

// Proposal returns a copy of a tracked proposal.
func (c *Coordinator) Proposal(id string) (Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	proposal, ok := c.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	copied := *proposal
	copied.Votes = make(map[string]Vote, len(proposal.Votes))
	for peer, vote := range proposal.Votes {
		copied.Votes[peer] = vote
	}
	if proposal.Result != nil {
		result := *proposal.Result
		copied.Result = &result
	}
	return copied, true
}

// Tally returns the running weighted tally of a proposal.
func (c *Coordinator) Tally(proposalID string) (yes, no int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	proposal, found := c.proposals[proposalID]
	if !found {
		return 0, 0, false
	}
	for _, vote := range proposal.Votes {
		if vote.Decision {
			yes += vote.Weight
		} else {
			no += vote.Weight
		}
	}
	return yes, no, true
}
