// Package intent tracks intents competing for the same target resource,
// resolves conflicts by priority, and drives a lightweight quorum vote so
// exactly one peer executes the winner.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Driftline-Labs/accord/pkg/canonicalize"
	"github.com/Driftline-Labs/accord/pkg/chain"
	"github.com/Driftline-Labs/accord/pkg/envelope"
	"github.com/Driftline-Labs/accord/pkg/protocol"
	"github.com/Driftline-Labs/accord/pkg/store"
	"github.com/Driftline-Labs/accord/pkg/transport"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusPending        Status = "pending"
	StatusCoordinating   Status = "coordinating"
	StatusExecuted       Status = "executed"
	StatusExecutedByPeer Status = "executed_by_peer"
	StatusFailed         Status = "failed"
)

// Intent is a declared desire to act on a shared resource. Immutable after
// creation except for Status.
type Intent struct {
	ID           string    `json:"intentId"`
	Originator   string    `json:"originator"`
	Resource     string    `json:"targetResource"`
	Descriptor   string    `json:"actionDescriptor"`
	CostEstimate uint64    `json:"costEstimate"`
	Priority     int       `json:"priority"`
	CreatedAt    time.Time `json:"createdAt"`
	Status       Status    `json:"status"`
}

// RoundStatus is the lifecycle state of a coordination round.
type RoundStatus string

const (
	RoundVoting   RoundStatus = "voting"
	RoundExecuted RoundStatus = "executed"
	RoundRejected RoundStatus = "rejected"
)

// Round is one conflict-resolution round over a resource. Rejected rounds
// are terminal; there is no re-proposal.
type Round struct {
	ID               string          `json:"roundId"`
	Resource         string          `json:"targetResource"`
	Candidates       []string        `json:"candidates"`
	ProposedIntentID string          `json:"proposedIntentId"`
	Votes            map[string]bool `json:"votes"`
	Status           RoundStatus     `json:"status"`
	voted            bool
}

// Coordinator owns the intents and rounds of one peer. All state is local;
// convergence relies on every peer seeing the same inputs.
type Coordinator struct {
	mu      sync.Mutex
	intents map[string]*Intent
	rounds  map[string]*Round

	transport      transport.Transport
	chain          chain.Client
	store          store.Store
	logger         *slog.Logger
	clock          func() time.Time
	confirmTimeout time.Duration
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

// WithConfirmTimeout bounds the wait for settlement confirmation.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.confirmTimeout = d }
}

// NewCoordinator creates an intent coordinator bound to its transport,
// settlement client, and store.
func NewCoordinator(tr transport.Transport, ch chain.Client, st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		intents:        make(map[string]*Intent),
		rounds:         make(map[string]*Round),
		transport:      tr,
		chain:          ch,
		store:          st,
		logger:         slog.Default(),
		clock:          time.Now,
		confirmTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "intent", "peer", tr.Self())
	return c
}

// Register binds the coordinator's handlers on the intent channel.
func (c *Coordinator) Register(r interface {
	RegisterHandler(channel string, kind envelope.Kind, fn func(*envelope.Envelope) error)
}) {
	r.RegisterHandler(protocol.Intent, envelope.KindIntent, c.OnIntentReceived)
	r.RegisterHandler(protocol.Intent, envelope.KindCoordination, c.OnCoordinationReceived)
}

// CreateIntent declares a local intent against a resource, estimates its
// cost, and broadcasts it. Broadcast failures are logged, not returned.
func (c *Coordinator) CreateIntent(ctx context.Context, resource, descriptor string, priority int) (string, error) {
	estimate, err := c.chain.EstimateCost(ctx, resource, []byte(descriptor))
	if err != nil {
		return "", fmt.Errorf("intent: estimate cost for %s: %w", resource, err)
	}

	intent := &Intent{
		ID:           "intent-" + uuid.NewString()[:8],
		Originator:   c.transport.Self(),
		Resource:     resource,
		Descriptor:   descriptor,
		CostEstimate: estimate,
		Priority:     priority,
		CreatedAt:    c.clock(),
		Status:       StatusPending,
	}

	c.mu.Lock()
	c.intents[intent.ID] = intent
	c.mu.Unlock()
	c.persist(ctx, intent)

	if _, err := c.transport.Broadcast(ctx, protocol.Intent, c.intentEnvelope(intent)); err != nil {
		c.logger.Warn("intent broadcast failed", "intent", intent.ID, "error", err)
	}
	c.logger.Info("intent created", "intent", intent.ID, "resource", resource, "priority", priority)
	return intent.ID, nil
}

// ShareWith sends an existing intent to the named peers instead of
// broadcasting.
func (c *Coordinator) ShareWith(ctx context.Context, peerIDs []string, intentID string) error {
	c.mu.Lock()
	intent, ok := c.intents[intentID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("intent: unknown intent %s", intentID)
	}
	env := c.intentEnvelope(intent)
	for _, peerID := range peerIDs {
		if !c.transport.SendTo(ctx, peerID, protocol.Intent, env) {
			c.logger.Warn("intent share failed", "intent", intentID, "peer", peerID)
		}
	}
	return nil
}

// Intent returns a copy of a tracked intent.
func (c *Coordinator) Intent(id string) (Intent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	intent, ok := c.intents[id]
	if !ok {
		return Intent{}, false
	}
	return *intent, true
}

// Round returns a copy of a tracked coordination round.
func (c *Coordinator) Round(id string) (Round, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	round, ok := c.rounds[id]
	if !ok {
		return Round{}, false
	}
	copied := *round
	copied.Candidates = append([]string(nil), round.Candidates...)
	copied.Votes = make(map[string]bool, len(round.Votes))
	for peer, vote := range round.Votes {
		copied.Votes[peer] = vote
	}
	return copied, true
}

// Rounds returns the IDs of all tracked rounds.
func (c *Coordinator) Rounds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.rounds))
	for id := range c.rounds {
		ids = append(ids, id)
	}
	return ids
}

// OnIntentReceived stores a peer's intent and runs conflict detection for
// its resource.
func (c *Coordinator) OnIntentReceived(env *envelope.Envelope) error {
	id := env.PayloadString("intentId")
	resource := env.PayloadString("targetResource")
	descriptor := env.PayloadString("actionDescriptor")
	estimate, _ := env.PayloadInt("costEstimate")
	priority, _ := env.PayloadInt("priority")

	// A relayed intent names its originator in the payload; a directly
	// shared one is originated by its sender.
	originator := env.PayloadString("originator")
	if originator == "" {
		originator = env.SenderID
	}

	intent := &Intent{
		ID:           id,
		Originator:   originator,
		Resource:     resource,
		Descriptor:   descriptor,
		CostEstimate: uint64(estimate),
		Priority:     int(priority),
		CreatedAt:    time.Unix(env.Timestamp, 0).UTC(),
		Status:       StatusPending,
	}

	c.mu.Lock()
	c.intents[intent.ID] = intent
	c.mu.Unlock()
	c.persist(context.Background(), intent)
	c.logger.Info("intent received", "intent", id, "from", env.SenderID, "resource", resource)

	c.resolveConflicts(context.Background(), resource)
	return nil
}

// resolveConflicts opens a coordination round when two or more pending
// intents target the same resource. The round ID is derived from the
// resource and the sorted candidate list, so peers seeing the same conflict
// open the same round.
func (c *Coordinator) resolveConflicts(ctx context.Context, resource string) {
	c.mu.Lock()
	candidates := c.conflictCandidates(resource)
	if len(candidates) < 2 {
		c.mu.Unlock()
		return
	}

	sortCandidates(candidates)
	ids := make([]string, len(candidates))
	for i, intent := range candidates {
		ids[i] = intent.ID
		intent.Status = StatusCoordinating
	}

	roundID := deriveRoundID(resource, ids)
	if _, exists := c.rounds[roundID]; exists {
		c.mu.Unlock()
		return
	}
	round := &Round{
		ID:               roundID,
		Resource:         resource,
		Candidates:       ids,
		ProposedIntentID: ids[0],
		Votes:            map[string]bool{c.transport.Self(): true},
		Status:           RoundVoting,
		voted:            true,
	}
	c.rounds[roundID] = round
	env := c.coordinationEnvelope(round, true)
	c.mu.Unlock()

	for _, intent := range candidates {
		c.persist(ctx, intent)
	}
	if _, err := c.transport.Broadcast(ctx, protocol.Intent, env); err != nil {
		c.logger.Warn("coordination broadcast failed", "round", roundID, "error", err)
	}
	c.logger.Info("coordination round opened",
		"round", roundID, "resource", resource, "proposed", ids[0], "candidates", len(ids))

	c.checkQuorum(ctx, roundID)
}

// OnCoordinationReceived initializes the round if it is new, records the
// sender's vote, casts the local vote exactly once, and checks quorum.
func (c *Coordinator) OnCoordinationReceived(env *envelope.Envelope) error {
	roundID := env.PayloadString("roundId")
	proposed := env.PayloadString("proposedIntentId")
	resource := env.PayloadString("targetResource")

	c.mu.Lock()
	round, ok := c.rounds[roundID]
	if !ok {
		round = &Round{
			ID:               roundID,
			Resource:         resource,
			ProposedIntentID: proposed,
			Votes:            make(map[string]bool),
			Status:           RoundVoting,
		}
		c.rounds[roundID] = round
	}
	if round.Status != RoundVoting {
		c.mu.Unlock()
		return nil
	}

	if approve, ok := env.PayloadBool("approve"); ok {
		round.Votes[env.SenderID] = approve
	}

	var echo *envelope.Envelope
	if !round.voted {
		round.Votes[c.transport.Self()] = true
		round.voted = true
		echo = c.coordinationEnvelope(round, true)
	}
	c.mu.Unlock()

	if echo != nil {
		if _, err := c.transport.Broadcast(context.Background(), protocol.Intent, echo); err != nil {
			c.logger.Warn("coordination vote broadcast failed", "round", roundID, "error", err)
		}
	}

	c.checkQuorum(context.Background(), roundID)
	return nil
}

// checkQuorum finalizes a round once enough votes are in: a strict
// majority of cast votes approving executes the proposed intent, anything
// else rejects the round for good.
func (c *Coordinator) checkQuorum(ctx context.Context, roundID string) {
	c.mu.Lock()
	round, ok := c.rounds[roundID]
	if !ok || round.Status != RoundVoting {
		c.mu.Unlock()
		return
	}

	totalKnownPeers := len(c.transport.ConnectedPeers()) + 1
	quorum := totalKnownPeers/2 + 1
	if len(round.Votes) < quorum {
		c.mu.Unlock()
		return
	}

	approving := 0
	for _, vote := range round.Votes {
		if vote {
			approving++
		}
	}
	if approving > len(round.Votes)/2 {
		round.Status = RoundExecuted
		proposed := round.ProposedIntentID
		c.mu.Unlock()
		c.logger.Info("coordination round approved", "round", roundID, "intent", proposed)
		c.ExecuteIntent(ctx, proposed)
		return
	}
	round.Status = RoundRejected
	c.mu.Unlock()
	c.logger.Info("coordination round rejected", "round", roundID)
}

// ExecuteIntent settles the winning intent. Only the originator submits;
// everyone else marks it executed by that peer so the transaction lands
// exactly once.
func (c *Coordinator) ExecuteIntent(ctx context.Context, intentID string) {
	c.mu.Lock()
	intent, ok := c.intents[intentID]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("intent not found for execution", "intent", intentID)
		return
	}
	if intent.Originator != c.transport.Self() {
		intent.Status = StatusExecutedByPeer
		copied := *intent
		c.mu.Unlock()
		c.persist(ctx, &copied)
		return
	}
	copied := *intent
	c.mu.Unlock()

	handle, err := c.chain.Submit(ctx, copied.Resource, 0, []byte(copied.Descriptor), copied.CostEstimate)
	if err != nil {
		c.setStatus(ctx, intentID, StatusFailed)
		c.logger.Error("intent submission failed", "intent", intentID, "error", err)
		return
	}
	c.setStatus(ctx, intentID, StatusExecuted)

	receipt, err := c.chain.AwaitConfirmation(ctx, handle, c.confirmTimeout)
	if err != nil || !receipt.Succeeded {
		c.setStatus(ctx, intentID, StatusFailed)
		c.logger.Error("intent confirmation failed", "intent", intentID, "tx", handle, "error", err)
		return
	}
	c.logger.Info("intent executed", "intent", intentID, "tx", handle, "block", receipt.BlockNumber)
}

func (c *Coordinator) setStatus(ctx context.Context, intentID string, status Status) {
	c.mu.Lock()
	intent, ok := c.intents[intentID]
	if !ok {
		c.mu.Unlock()
		return
	}
	intent.Status = status
	copied := *intent
	c.mu.Unlock()
	c.persist(ctx, &copied)
}

// conflictCandidates collects the unresolved intents for a resource.
// Intents already coordinating stay eligible so a later arrival joins the
// conflict instead of bypassing it.
func (c *Coordinator) conflictCandidates(resource string) []*Intent {
	var out []*Intent
	for _, intent := range c.intents {
		if intent.Resource != resource {
			continue
		}
		if intent.Status == StatusPending || intent.Status == StatusCoordinating {
			out = append(out, intent)
		}
	}
	return out
}

func (c *Coordinator) persist(ctx context.Context, intent *Intent) {
	if c.store == nil {
		return
	}
	err := c.store.SaveIntent(ctx, store.IntentRecord{
		ID:           intent.ID,
		Originator:   intent.Originator,
		Resource:     intent.Resource,
		Descriptor:   intent.Descriptor,
		CostEstimate: intent.CostEstimate,
		Priority:     intent.Priority,
		CreatedAt:    intent.CreatedAt,
		Status:       string(intent.Status),
	})
	if err != nil {
		c.logger.Warn("intent persistence failed", "intent", intent.ID, "error", err)
	}
}

func (c *Coordinator) intentEnvelope(intent *Intent) *envelope.Envelope {
	return &envelope.Envelope{
		Kind:      envelope.KindIntent,
		SenderID:  c.transport.Self(),
		Timestamp: intent.CreatedAt.Unix(),
		Payload: map[string]any{
			"intentId":         intent.ID,
			"targetResource":   intent.Resource,
			"actionDescriptor": intent.Descriptor,
			"costEstimate":     intent.CostEstimate,
			"priority":         intent.Priority,
			"originator":       intent.Originator,
		},
	}
}

func (c *Coordinator) coordinationEnvelope(round *Round, approve bool) *envelope.Envelope {
	return &envelope.Envelope{
		Kind:      envelope.KindCoordination,
		SenderID:  c.transport.Self(),
		Timestamp: c.clock().Unix(),
		Payload: map[string]any{
			"roundId":          round.ID,
			"proposedIntentId": round.ProposedIntentID,
			"targetResource":   round.Resource,
			"approve":          approve,
		},
	}
}

func deriveRoundID(resource string, candidateIDs []string) string {
	hash, err := canonicalize.CanonicalHash(map[string]any{
		"resource":   resource,
		"candidates": candidateIDs,
	})
	if err != nil {
		// Canonicalization of plain strings cannot fail; fall back anyway.
		return "round-" + uuid.NewString()[:12]
	}
	return "round-" + hash[:12]
}
