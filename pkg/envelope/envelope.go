// Package envelope defines the wire envelope shared by every coordination
// message and its validation rules.
//
// The envelope is deliberately small: kind, sender, timestamp, payload.
// The Signature and Proof fields are reserved for a future authentication
// layer and are never read; the trust model is unauthenticated.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the message family carried in the payload.
type Kind string

const (
	KindIntent       Kind = "intent"
	KindCoordination Kind = "coordination"
	KindProposal     Kind = "proposal"
	KindVote         Kind = "vote"
	KindMove         Kind = "move"
	KindCheckpoint   Kind = "checkpoint"
	KindGossip       Kind = "gossip"
)

// Envelope is the minimal wire frame for all coordination messages.
type Envelope struct {
	Kind      Kind           `json:"kind"`
	SenderID  string         `json:"senderId"`
	Timestamp int64          `json:"timestamp"` // unix seconds
	Payload   map[string]any `json:"payload"`

	// Reserved, never interpreted.
	Signature string `json:"signature,omitempty"`
	Proof     string `json:"proof,omitempty"`
}

// Encode serializes the envelope to JSON bytes.
func Encode(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode failed: %w", err)
	}
	return raw, nil
}

// Decode parses raw bytes into an Envelope. It fails if the bytes are not
// JSON or if any required envelope field is missing; a partially populated
// envelope is never returned.
func Decode(raw []byte) (*Envelope, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("envelope: decode failed: %w", err)
	}
	return &env, nil
}

// String returns a compact diagnostic form used in log lines.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s from %s @%d", e.Kind, e.SenderID, e.Timestamp)
}

// PayloadString extracts a string payload field, empty if absent or not a
// string.
func (e *Envelope) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt extracts an integer payload field. JSON numbers arrive as
// float64; both forms are accepted.
func (e *Envelope) PayloadInt(key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// PayloadBool extracts a boolean payload field.
func (e *Envelope) PayloadBool(key string) (bool, bool) {
	v, ok := e.Payload[key].(bool)
	return v, ok
}

// PayloadMap extracts a nested object payload field.
func (e *Envelope) PayloadMap(key string) map[string]any {
	if v, ok := e.Payload[key].(map[string]any); ok {
		return v
	}
	return nil
}
