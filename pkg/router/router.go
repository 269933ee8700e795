// Package router dispatches decoded coordination messages to the handler
// registered for their (channel, kind) pair.
//
// The router is deliberately dumb: no retries, no backpressure, no
// buffering. Anything it cannot place is dropped with a diagnostic and the
// process carries on; a malformed or unexpected message is never fatal.
package router

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Driftline-Labs/accord/pkg/envelope"
)

// HandlerFunc processes one validated envelope. A returned error is logged
// by the router and goes no further.
type HandlerFunc func(env *envelope.Envelope) error

// Router resolves (channel, kind) to a handler and performs synchronous
// dispatch of raw inbound bytes.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]map[envelope.Kind]HandlerFunc
	limiters map[string]*rate.Limiter

	inboundRate rate.Limit // per-sender; 0 means unlimited
	burst       int
	logger      *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithInboundRate applies a per-sender token bucket to dispatch. Messages
// from a sender exceeding the rate are dropped with a diagnostic.
func WithInboundRate(perSecond float64, burst int) Option {
	return func(r *Router) {
		r.inboundRate = rate.Limit(perSecond)
		r.burst = burst
	}
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[string]map[envelope.Kind]HandlerFunc),
		limiters: make(map[string]*rate.Limiter),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// RegisterHandler binds a handler to a (channel, kind) pair, replacing any
// previous binding. The parameter is the plain function type so callers can
// depend on this method through their own small interfaces.
func (r *Router) RegisterHandler(channel string, kind envelope.Kind, fn func(env *envelope.Envelope) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[channel] == nil {
		r.handlers[channel] = make(map[envelope.Kind]HandlerFunc)
	}
	r.handlers[channel][kind] = fn
}

// Dispatch decodes, validates, and routes one raw message. It reports
// whether a handler ran; every failure path is a logged drop.
func (r *Router) Dispatch(channel string, raw []byte) bool {
	env, err := envelope.Decode(raw)
	if err != nil {
		r.logger.Warn("dropping malformed message", "channel", channel, "error", err)
		return false
	}

	if result := envelope.Validate(env); !result.Valid {
		r.logger.Warn("dropping invalid message",
			"channel", channel, "kind", env.Kind, "sender", env.SenderID,
			"errors", len(result.Errors), "first", result.Errors[0].Error())
		return false
	}

	if !r.allow(env.SenderID) {
		r.logger.Warn("dropping rate-limited message",
			"channel", channel, "kind", env.Kind, "sender", env.SenderID)
		return false
	}

	r.mu.RLock()
	fn := r.handlers[channel][env.Kind]
	r.mu.RUnlock()
	if fn == nil {
		r.logger.Warn("no handler registered",
			"channel", channel, "kind", env.Kind, "sender", env.SenderID)
		return false
	}

	if err := fn(env); err != nil {
		r.logger.Error("handler failed",
			"channel", channel, "kind", env.Kind, "sender", env.SenderID, "error", err)
		return false
	}
	return true
}

func (r *Router) allow(senderID string) bool {
	if r.inboundRate <= 0 {
		return true
	}
	r.mu.Lock()
	limiter, ok := r.limiters[senderID]
	if !ok {
		limiter = rate.NewLimiter(r.inboundRate, r.burst)
		r.limiters[senderID] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}
