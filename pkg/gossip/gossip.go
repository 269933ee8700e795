// Package gossip delivers topic-keyed messages to registered callbacks
// with at-most-once local delivery. A bounded seen-set deduplicates
// messages by ID; when it fills, the oldest entries are evicted.
package gossip

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Driftline-Labs/accord/pkg/canonicalize"
	"github.com/Driftline-Labs/accord/pkg/envelope"
	"github.com/Driftline-Labs/accord/pkg/protocol"
	"github.com/Driftline-Labs/accord/pkg/transport"
)

// DefaultCacheSize bounds the seen-message set.
const DefaultCacheSize = 1000

// Callback receives one gossip message on a subscribed topic.
type Callback func(topic, senderID string, data map[string]any)

// Gossiper publishes and receives topic-keyed messages over the gossip
// channel.
type Gossiper struct {
	mu        sync.Mutex
	callbacks map[string]Callback
	seen      map[string]*list.Element
	order     *list.List
	cacheSize int

	transport transport.Transport
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures a Gossiper.
type Option func(*Gossiper)

// WithCacheSize bounds the seen-message set.
func WithCacheSize(n int) Option {
	return func(g *Gossiper) { g.cacheSize = n }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gossiper) { g.logger = logger }
}

// WithClock injects a time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gossiper) { g.clock = clock }
}

// New creates a gossiper bound to its transport.
func New(tr transport.Transport, opts ...Option) *Gossiper {
	g := &Gossiper{
		callbacks: make(map[string]Callback),
		seen:      make(map[string]*list.Element),
		order:     list.New(),
		cacheSize: DefaultCacheSize,
		transport: tr,
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gossip", "peer", tr.Self())
	return g
}

// Register binds the gossiper's handler on the gossip channel.
func (g *Gossiper) Register(r interface {
	RegisterHandler(channel string, kind envelope.Kind, fn func(*envelope.Envelope) error)
}) {
	r.RegisterHandler(protocol.Gossip, envelope.KindGossip, g.OnGossipReceived)
}

// Subscribe registers the callback for a topic, replacing any previous
// one.
func (g *Gossiper) Subscribe(topic string, fn Callback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks[topic] = fn
}

// Publish broadcasts data on a topic. Republishing identical data on the
// same topic is suppressed by the seen-set.
func (g *Gossiper) Publish(ctx context.Context, topic string, data map[string]any) error {
	messageID, err := messageID(g.transport.Self(), topic, data)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if !g.markSeen(messageID) {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	env := &envelope.Envelope{
		Kind:      envelope.KindGossip,
		SenderID:  g.transport.Self(),
		Timestamp: g.clock().Unix(),
		Payload: map[string]any{
			"topic":     topic,
			"messageId": messageID,
			"data":      data,
		},
	}
	if _, err := g.transport.Broadcast(ctx, protocol.Gossip, env); err != nil {
		return fmt.Errorf("gossip: publish on %s: %w", topic, err)
	}
	g.logger.Info("gossip published", "topic", topic, "message", messageID)
	return nil
}

// OnGossipReceived delivers a message to its topic callback at most once.
func (g *Gossiper) OnGossipReceived(env *envelope.Envelope) error {
	topic := env.PayloadString("topic")
	id := env.PayloadString("messageId")
	data := env.PayloadMap("data")

	g.mu.Lock()
	if !g.markSeen(id) {
		g.mu.Unlock()
		return nil
	}
	fn := g.callbacks[topic]
	g.mu.Unlock()

	if fn == nil {
		g.logger.Debug("gossip with no subscriber", "topic", topic, "message", id)
		return nil
	}
	fn(topic, env.SenderID, data)
	return nil
}

// markSeen records an ID and reports whether it was new, evicting the
// oldest entry when the cache is full. Caller holds the lock.
func (g *Gossiper) markSeen(id string) bool {
	if _, dup := g.seen[id]; dup {
		return false
	}
	if g.order.Len() >= g.cacheSize {
		oldest := g.order.Front()
		if oldest != nil {
			delete(g.seen, oldest.Value.(string))
			g.order.Remove(oldest)
		}
	}
	g.seen[id] = g.order.PushBack(id)
	return true
}

// messageID derives the dedup key sender_topic_hash from the canonical
// form of the data.
func messageID(senderID, topic string, data map[string]any) (string, error) {
	hash, err := canonicalize.CanonicalHash(data)
	if err != nil {
		return "", fmt.Errorf("gossip: hash message data: %w", err)
	}
	return fmt.Sprintf("%s_%s_%s", senderID, topic, hash[:16]), nil
}
