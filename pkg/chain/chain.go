// Package chain defines the settlement-chain boundary. Coordinators hand
// agreed outcomes to a Client and wait for confirmation; everything about
// how a transaction is signed, priced, and mined lives behind the
// interface.
package chain

import (
	"context"
	"errors"
	"time"
)

// TxHandle identifies a submitted transaction.
type TxHandle string

// Receipt is the outcome of a confirmed transaction.
type Receipt struct {
	Handle      TxHandle       `json:"handle"`
	Succeeded   bool           `json:"succeeded"`
	BlockNumber uint64         `json:"blockNumber"`
	CostUsed    uint64         `json:"costUsed"`
	Details     map[string]any `json:"details,omitempty"`
}

// ErrNotConfirmed is returned when a transaction is not yet mined.
var ErrNotConfirmed = errors.New("chain: transaction not confirmed")

// Client is the engine-facing settlement surface.
type Client interface {
	// EstimateCost predicts the execution cost of a call against target
	// with the given payload.
	EstimateCost(ctx context.Context, target string, payload []byte) (uint64, error)

	// Submit sends a transaction. costLimit of zero means use the client's
	// configured default.
	Submit(ctx context.Context, target string, value uint64, payload []byte, costLimit uint64) (TxHandle, error)

	// AwaitConfirmation blocks until the transaction is mined or the
	// timeout elapses.
	AwaitConfirmation(ctx context.Context, handle TxHandle, timeout time.Duration) (*Receipt, error)
}
