package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/Driftline-Labs/accord/pkg/envelope"
)

// Mesh is an in-memory transport connecting every joined peer to every
// other. It exists for tests and single-process demos. The mesh is owned by
// whoever constructs it; there is no package-level instance.
//
// Delivery is synchronous and ordered per sender, which mirrors the
// cooperative scheduling model the coordinators assume.
type Mesh struct {
	mu    sync.RWMutex
	nodes map[string]*meshPeer
}

// NewMesh creates an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{nodes: make(map[string]*meshPeer)}
}

// Join adds a peer to the mesh and returns its Transport endpoint.
func (m *Mesh) Join(peerID string) Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &meshPeer{
		id:       peerID,
		mesh:     m,
		handlers: make(map[string][]Handler),
	}
	m.nodes[peerID] = p
	return p
}

// Leave removes a peer from the mesh.
func (m *Mesh) Leave(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, peerID)
}

// Partition drops the direct link between two peers in both directions.
// Used in tests to model divergent connectivity.
func (m *Mesh) Partition(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.nodes[a]; ok {
		p.blockPeer(b)
	}
	if p, ok := m.nodes[b]; ok {
		p.blockPeer(a)
	}
}

func (m *Mesh) deliver(from, to, channel string, raw []byte) bool {
	m.mu.RLock()
	target, ok := m.nodes[to]
	sender, senderOK := m.nodes[from]
	m.mu.RUnlock()
	if !ok || !senderOK {
		return false
	}
	if sender.blocked(to) || target.blocked(from) {
		return false
	}
	return target.receive(channel, raw)
}

func (m *Mesh) peersOf(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	self, ok := m.nodes[id]
	if !ok {
		return nil
	}
	peers := make([]string, 0, len(m.nodes)-1)
	for peerID := range m.nodes {
		if peerID != id && !self.blocked(peerID) {
			peers = append(peers, peerID)
		}
	}
	return peers
}

type meshPeer struct {
	id   string
	mesh *Mesh

	mu       sync.RWMutex
	handlers map[string][]Handler
	blocks   map[string]bool
}

func (p *meshPeer) Self() string { return p.id }

func (p *meshPeer) ConnectedPeers() []string {
	return p.mesh.peersOf(p.id)
}

func (p *meshPeer) Broadcast(ctx context.Context, channel string, env *envelope.Envelope) (int, error) {
	raw, err := envelope.Encode(env)
	if err != nil {
		return 0, fmt.Errorf("transport: broadcast encode: %w", err)
	}
	delivered := 0
	for _, peerID := range p.mesh.peersOf(p.id) {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if p.mesh.deliver(p.id, peerID, channel, raw) {
			delivered++
		}
	}
	return delivered, nil
}

func (p *meshPeer) SendTo(ctx context.Context, peerID, channel string, env *envelope.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return false
	}
	return p.mesh.deliver(p.id, peerID, channel, raw)
}

func (p *meshPeer) OnMessage(channel string, fn Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[channel] = append(p.handlers[channel], fn)
}

func (p *meshPeer) receive(channel string, raw []byte) bool {
	p.mu.RLock()
	handlers := append([]Handler(nil), p.handlers[channel]...)
	p.mu.RUnlock()
	if len(handlers) == 0 {
		return false
	}
	for _, fn := range handlers {
		fn(raw)
	}
	return true
}

func (p *meshPeer) blockPeer(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blocks == nil {
		p.blocks = make(map[string]bool)
	}
	p.blocks[peerID] = true
}

func (p *meshPeer) blocked(peerID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blocks[peerID]
}
