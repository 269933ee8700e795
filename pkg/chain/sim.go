package chain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SubmittedTx records one transaction accepted by the simulator.
type SubmittedTx struct {
	Handle    TxHandle
	Target    string
	Value     uint64
	Payload   []byte
	CostLimit uint64
}

// Sim is a deterministic in-process settlement chain for tests and demos.
// Every submission mines in the next block; failures are injected
// explicitly.
type Sim struct {
	mu          sync.Mutex
	block       uint64
	seq         uint64
	receipts    map[TxHandle]*Receipt
	submitted   []SubmittedTx
	submitErr   error
	revertNext  bool
	baseCost    uint64
	perByteCost uint64
}

// NewSim creates an empty simulator.
func NewSim() *Sim {
	return &Sim{
		receipts:    make(map[TxHandle]*Receipt),
		baseCost:    21_000,
		perByteCost: 16,
	}
}

// FailNextSubmit makes the next Submit return the given error.
func (s *Sim) FailNextSubmit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

// RevertNext makes the next submitted transaction mine with Succeeded
// false.
func (s *Sim) RevertNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revertNext = true
}

// Submitted returns a copy of every transaction the simulator accepted.
func (s *Sim) Submitted() []SubmittedTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SubmittedTx(nil), s.submitted...)
}

func (s *Sim) EstimateCost(_ context.Context, _ string, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCost + s.perByteCost*uint64(len(payload)), nil
}

func (s *Sim) Submit(_ context.Context, target string, value uint64, payload []byte, costLimit uint64) (TxHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.submitErr != nil {
		err := s.submitErr
		s.submitErr = nil
		return "", err
	}

	s.seq++
	s.block++
	handle := TxHandle(fmt.Sprintf("0x%064x", s.seq))

	succeeded := !s.revertNext
	s.revertNext = false

	cost := s.baseCost + s.perByteCost*uint64(len(payload))
	if costLimit > 0 && cost > costLimit {
		cost = costLimit
		succeeded = false
	}

	s.submitted = append(s.submitted, SubmittedTx{
		Handle:    handle,
		Target:    target,
		Value:     value,
		Payload:   append([]byte(nil), payload...),
		CostLimit: costLimit,
	})
	s.receipts[handle] = &Receipt{
		Handle:      handle,
		Succeeded:   succeeded,
		BlockNumber: s.block,
		CostUsed:    cost,
	}
	return handle, nil
}

func (s *Sim) AwaitConfirmation(ctx context.Context, handle TxHandle, _ time.Duration) (*Receipt, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[handle]
	if !ok {
		return nil, fmt.Errorf("chain: unknown transaction %s: %w", handle, ErrNotConfirmed)
	}
	return receipt, nil
}

var _ Client = (*Sim)(nil)
var _ Client = (*RPC)(nil)
