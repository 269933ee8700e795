package chain

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// RPCConfig configures the JSON-RPC settlement client.
type RPCConfig struct {
	Endpoint         string
	ChainID          uint64
	From             string
	MaxCostPrice     uint64 // cap applied to the node's quoted price, in wei
	DefaultCostLimit uint64
	PollInterval     time.Duration
	RequestTimeout   time.Duration
	MaxRetries       int
	RequestsPerSec   float64
}

func (c *RPCConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DefaultCostLimit == 0 {
		c.DefaultCostLimit = 300_000
	}
}

// RPC talks JSON-RPC 2.0 to a settlement node. Requests go through a
// circuit breaker and a retry loop with exponential backoff and jitter;
// an optional token bucket caps the outbound request rate.
type RPC struct {
	cfg     RPCConfig
	client  *http.Client
	breaker *breaker
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *slog.Logger
	reqID   atomic.Int64

	nonceMu    sync.Mutex
	nonceKnown bool
	nextNonce  uint64
}

// NewRPC creates a JSON-RPC client.
func NewRPC(cfg RPCConfig, logger *slog.Logger) *RPC {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	return &RPC{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: newBreaker(5, 10*time.Second),
		limiter: limiter,
		tracer:  otel.Tracer("accord.engine"),
		logger:  logger.With("component", "chain.rpc"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int64           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// EstimateCost asks the node for a cost estimate of calling target with
// payload.
func (r *RPC) EstimateCost(ctx context.Context, target string, payload []byte) (uint64, error) {
	call := map[string]any{"to": target, "data": hexData(payload)}
	if r.cfg.From != "" {
		call["from"] = r.cfg.From
	}
	var result string
	if err := r.call(ctx, "eth_estimateGas", []any{call}, &result); err != nil {
		return 0, fmt.Errorf("chain: estimate cost: %w", err)
	}
	return parseQuantity(result)
}

// Submit sends a transaction and returns its handle. The price quoted by
// the node is capped at MaxCostPrice.
func (r *RPC) Submit(ctx context.Context, target string, value uint64, payload []byte, costLimit uint64) (TxHandle, error) {
	ctx, span := r.tracer.Start(ctx, "chain.Submit", trace.WithAttributes(
		attribute.String("chain.target", target),
		attribute.Int64("chain.payload_bytes", int64(len(payload))),
	))
	defer span.End()

	if costLimit == 0 {
		costLimit = r.cfg.DefaultCostLimit
	}

	price, err := r.costPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: submit: %w", err)
	}
	nonce, err := r.claimNonce(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: submit: %w", err)
	}

	tx := map[string]any{
		"from":     r.cfg.From,
		"to":       target,
		"value":    formatQuantity(value),
		"gas":      formatQuantity(costLimit),
		"gasPrice": formatQuantity(price),
		"nonce":    formatQuantity(nonce),
		"data":     hexData(payload),
		"chainId":  formatQuantity(r.cfg.ChainID),
	}

	var handle string
	if err := r.call(ctx, "eth_sendTransaction", []any{tx}, &handle); err != nil {
		r.releaseNonce(nonce)
		return "", fmt.Errorf("chain: submit: %w", err)
	}
	span.SetAttributes(attribute.String("chain.tx", handle))
	r.logger.Info("transaction submitted", "tx", handle, "target", target, "nonce", nonce)
	return TxHandle(handle), nil
}

// AwaitConfirmation polls for the receipt until it appears or the timeout
// elapses.
func (r *RPC) AwaitConfirmation(ctx context.Context, handle TxHandle, timeout time.Duration) (*Receipt, error) {
	ctx, span := r.tracer.Start(ctx, "chain.AwaitConfirmation", trace.WithAttributes(
		attribute.String("chain.tx", string(handle)),
	))
	defer span.End()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.receipt(ctx, handle)
		if err == nil {
			return receipt, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("chain: confirmation of %s timed out after %s: %w", handle, timeout, ErrNotConfirmed)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *RPC) receipt(ctx context.Context, handle TxHandle) (*Receipt, error) {
	var raw map[string]any
	if err := r.call(ctx, "eth_getTransactionReceipt", []any{string(handle)}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotConfirmed
	}
	receipt := &Receipt{Handle: handle, Details: raw}
	if status, ok := raw["status"].(string); ok {
		receipt.Succeeded = status == "0x1"
	}
	if block, ok := raw["blockNumber"].(string); ok {
		if n, err := parseQuantity(block); err == nil {
			receipt.BlockNumber = n
		}
	}
	if used, ok := raw["gasUsed"].(string); ok {
		if n, err := parseQuantity(used); err == nil {
			receipt.CostUsed = n
		}
	}
	return receipt, nil
}

func (r *RPC) costPrice(ctx context.Context) (uint64, error) {
	var result string
	if err := r.call(ctx, "eth_gasPrice", []any{}, &result); err != nil {
		return 0, err
	}
	price, err := parseQuantity(result)
	if err != nil {
		return 0, err
	}
	if r.cfg.MaxCostPrice > 0 && price > r.cfg.MaxCostPrice {
		price = r.cfg.MaxCostPrice
	}
	return price, nil
}

// claimNonce fetches the account nonce once and hands out increments from
// there, so concurrent submissions cannot collide.
func (r *RPC) claimNonce(ctx context.Context) (uint64, error) {
	r.nonceMu.Lock()
	defer r.nonceMu.Unlock()
	if !r.nonceKnown {
		var result string
		if err := r.call(ctx, "eth_getTransactionCount", []any{r.cfg.From, "pending"}, &result); err != nil {
			return 0, err
		}
		n, err := parseQuantity(result)
		if err != nil {
			return 0, err
		}
		r.nextNonce = n
		r.nonceKnown = true
	}
	nonce := r.nextNonce
	r.nextNonce++
	return nonce, nil
}

func (r *RPC) releaseNonce(nonce uint64) {
	r.nonceMu.Lock()
	defer r.nonceMu.Unlock()
	if r.nonceKnown && r.nextNonce == nonce+1 {
		r.nextNonce = nonce
	}
}

func (r *RPC) call(ctx context.Context, method string, params []any, result any) error {
	if !r.breaker.allow() {
		return fmt.Errorf("circuit breaker open for %s", r.cfg.Endpoint)
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      r.reqID.Add(1),
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 100 * time.Millisecond
			if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
				backoff += time.Duration(n.Int64()) * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = r.doCall(ctx, body, result)
		if lastErr == nil {
			r.breaker.success()
			return nil
		}
		var rpcErr *rpcError
		if errors.As(lastErr, &rpcErr) {
			// The node answered; retrying the same request will not help.
			r.breaker.success()
			return lastErr
		}
	}
	r.breaker.failure()
	return lastErr
}

func (r *RPC) doCall(ctx context.Context, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("rpc endpoint returned %s", resp.Status)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if result != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("decode rpc result: %w", err)
		}
	}
	return nil
}

func hexData(payload []byte) string {
	return "0x" + hex.EncodeToString(payload)
}

func formatQuantity(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

func parseQuantity(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("chain: empty quantity")
	}
	n, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("chain: bad quantity %q: %w", s, err)
	}
	return n, nil
}
