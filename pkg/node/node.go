// Package node assembles a full coordination peer: transport, router,
// the intent, voting, and session coordinators, gossip, persistence, and
// the settlement client.
//
// Inbound messages are not dispatched on the transport's delivery
// goroutine. Each message is enqueued on a bounded channel and a single
// consumer drains it in arrival order, so handlers never run concurrently
// with each other and a flood degrades into logged drops instead of
// unbounded memory growth.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Driftline-Labs/accord/pkg/chain"
	"github.com/Driftline-Labs/accord/pkg/config"
	"github.com/Driftline-Labs/accord/pkg/gossip"
	"github.com/Driftline-Labs/accord/pkg/intent"
	"github.com/Driftline-Labs/accord/pkg/protocol"
	"github.com/Driftline-Labs/accord/pkg/router"
	"github.com/Driftline-Labs/accord/pkg/session"
	"github.com/Driftline-Labs/accord/pkg/store"
	"github.com/Driftline-Labs/accord/pkg/transport"
	"github.com/Driftline-Labs/accord/pkg/voting"
)

type inboundMessage struct {
	channel string
	raw     []byte
}

// Node is one running coordination peer.
type Node struct {
	cfg    *config.Config
	tr     transport.Transport
	router *router.Router
	logger *slog.Logger
	clock  func() time.Time

	intents  *intent.Coordinator
	votes    *voting.Coordinator
	sessions *session.Sequencer
	gossiper *gossip.Gossiper

	inbound chan inboundMessage
	dropped atomic.Uint64

	sweepInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the root logger; component loggers derive from it.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithClock injects a time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(n *Node) { n.clock = clock }
}

// WithSweepInterval sets how often voting deadlines are checked.
func WithSweepInterval(d time.Duration) Option {
	return func(n *Node) { n.sweepInterval = d }
}

// New wires a node from its configuration and injected boundaries. The
// store and chain client may be nil; coordination then runs without
// persistence or settlement.
func New(cfg *config.Config, tr transport.Transport, ch chain.Client, st store.Store, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	n := &Node{
		cfg:           cfg,
		tr:            tr,
		logger:        slog.Default(),
		clock:         time.Now,
		inbound:       make(chan inboundMessage, cfg.Coordination.InboundQueue),
		sweepInterval: time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("peer", tr.Self())

	routerOpts := []router.Option{router.WithLogger(n.logger)}
	if cfg.Coordination.InboundRate > 0 {
		burst := int(cfg.Coordination.InboundRate)
		if burst < 1 {
			burst = 1
		}
		routerOpts = append(routerOpts, router.WithInboundRate(cfg.Coordination.InboundRate, burst))
	}
	n.router = router.New(routerOpts...)

	votingOpts := []voting.Option{
		voting.WithClock(n.clock),
		voting.WithLogger(n.logger),
	}
	// Auto-voting is opt-in; without an expression peers store proposals
	// and abstain.
	if expr := cfg.Coordination.VotePolicy; expr != "" {
		policy, err := voting.NewPolicy()
		if err != nil {
			return nil, fmt.Errorf("node: build vote policy: %w", err)
		}
		votingOpts = append(votingOpts, voting.WithPolicy(policy, expr))
	}

	n.intents = intent.NewCoordinator(tr, ch, st,
		intent.WithClock(n.clock),
		intent.WithLogger(n.logger),
		intent.WithConfirmTimeout(cfg.Chain.ConfirmationTimeout))
	n.votes = voting.NewCoordinator(tr, ch, votingOpts...)
	n.sessions = session.NewSequencer(tr, st,
		session.WithClock(n.clock),
		session.WithLogger(n.logger),
		session.WithCheckpointPolicy(cfg.Coordination.CheckpointMoves, cfg.Coordination.CheckpointInterval))
	n.gossiper = gossip.New(tr,
		gossip.WithClock(n.clock),
		gossip.WithLogger(n.logger),
		gossip.WithCacheSize(cfg.Transport.MessageCacheSize))

	n.intents.Register(n.router)
	n.votes.Register(n.router)
	n.sessions.Register(n.router)
	n.gossiper.Register(n.router)

	for _, channel := range protocol.Channels() {
		ch := channel
		tr.OnMessage(ch, func(raw []byte) { n.enqueue(ch, raw) })
	}
	return n, nil
}

// Start launches the dispatch loop and the voting deadline sweep.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return fmt.Errorf("node: already started")
	}

	if connected := len(n.tr.ConnectedPeers()); connected < n.cfg.Transport.MinPeers {
		n.logger.Warn("below minimum peer count",
			"connected", connected, "min", n.cfg.Transport.MinPeers)
	}

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.stopped = make(chan struct{})
	go n.run(ctx)

	n.logger.Info("node started",
		"peers", len(n.tr.ConnectedPeers()),
		"queue", cap(n.inbound))
	return nil
}

// Stop halts the dispatch loop. Messages still queued are dropped.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel, stopped := n.cancel, n.stopped
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	n.logger.Info("node stopped", "dropped", n.dropped.Load())
}

func (n *Node) run(ctx context.Context) {
	defer close(n.stopped)

	ticker := time.NewTicker(n.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.inbound:
			n.router.Dispatch(msg.channel, msg.raw)
		case <-ticker.C:
			n.votes.CheckDeadlines(ctx)
		}
	}
}

// enqueue admits one inbound message to the dispatch queue. Oversized
// messages and queue overflow are drops, never blocks.
func (n *Node) enqueue(channel string, raw []byte) {
	if len(raw) > n.cfg.Transport.MaxMessageSize {
		n.dropped.Add(1)
		n.logger.Warn("dropping oversized message",
			"channel", channel, "size", len(raw), "max", n.cfg.Transport.MaxMessageSize)
		return
	}
	select {
	case n.inbound <- inboundMessage{channel: channel, raw: raw}:
	default:
		n.dropped.Add(1)
		n.logger.Warn("dropping message, inbound queue full", "channel", channel)
	}
}

// Intents returns the intent coordinator.
func (n *Node) Intents() *intent.Coordinator { return n.intents }

// Votes returns the voting coordinator.
func (n *Node) Votes() *voting.Coordinator { return n.votes }

// Sessions returns the session sequencer.
func (n *Node) Sessions() *session.Sequencer { return n.sessions }

// Gossip returns the gossiper.
func (n *Node) Gossip() *gossip.Gossiper { return n.gossiper }

// Self returns the local peer identity.
func (n *Node) Self() string { return n.tr.Self() }

// Dropped reports how many inbound messages were discarded before
// dispatch.
func (n *Node) Dropped() uint64 { return n.dropped.Load() }
