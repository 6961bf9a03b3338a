// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/angelmondragon/marketplace-settlement/internal/gateway"
)

// ErrInjected is returned by calls configured to fail.
var ErrInjected = errors.New("injected gateway failure")

// Fake records calls and replays results per idempotency key, the way the
// provider does.
type Fake struct {
	mu sync.Mutex

	// Fail* count down: each call while positive fails and decrements.
	FailCreates   int
	FailRefunds   int
	FailTransfers int

	ConfirmStatus gateway.IntentStatus
	Signature     string

	intents   map[string]*gateway.Intent
	refunds   map[string]string
	transfers map[string]string

	RefundCalls   []gateway.RefundRequest
	TransferCalls []gateway.TransferRequest
	Events        map[string]*gateway.Event
}

var _ gateway.Gateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		ConfirmStatus: gateway.IntentSucceeded,
		Signature:     "valid",
		intents:       map[string]*gateway.Intent{},
		refunds:       map[string]string{},
		transfers:     map[string]string{},
		Events:        map[string]*gateway.Event{},
	}
}

func (f *Fake) CreateIntent(_ context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreates > 0 {
		f.FailCreates--
		return nil, gateway.Wrap(ErrInjected, "create intent")
	}
	key := req.IdempotencyKey()
	if intent, ok := f.intents[key]; ok {
		return intent, nil
	}
	intent := &gateway.Intent{
		ID:           "pi_" + req.OrderRef,
		ClientSecret: "secret_" + req.OrderRef,
		Status:       gateway.IntentPending,
	}
	f.intents[key] = intent
	return intent, nil
}

func (f *Fake) ConfirmIntent(_ context.Context, intentID string) (gateway.IntentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if intentID == "" {
		return "", gateway.Wrap(ErrInjected, "confirm intent")
	}
	return f.ConfirmStatus, nil
}

func (f *Fake) Refund(_ context.Context, req gateway.RefundRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefundCalls = append(f.RefundCalls, req)
	if f.FailRefunds > 0 {
		f.FailRefunds--
		return "", gateway.Wrap(ErrInjected, "refund")
	}
	if ref, ok := f.refunds[req.IdempotencyKey]; ok {
		return ref, nil
	}
	ref := fmt.Sprintf("re_%d", len(f.refunds)+1)
	f.refunds[req.IdempotencyKey] = ref
	return ref, nil
}

func (f *Fake) Transfer(_ context.Context, req gateway.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TransferCalls = append(f.TransferCalls, req)
	if f.FailTransfers > 0 {
		f.FailTransfers--
		return "", gateway.Wrap(ErrInjected, "transfer")
	}
	if ref, ok := f.transfers[req.IdempotencyKey]; ok {
		return ref, nil
	}
	ref := fmt.Sprintf("tr_%d", len(f.transfers)+1)
	f.transfers[req.IdempotencyKey] = ref
	return ref, nil
}

func (f *Fake) VerifySignature(_ []byte, signature string) bool {
	return signature != "" && signature == f.Signature
}

// ParseEvent looks the payload up in Events, keyed by its raw text.
func (f *Fake) ParseEvent(payload []byte) (*gateway.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evt, ok := f.Events[string(payload)]
	if !ok {
		return nil, fmt.Errorf("unknown payload %q", payload)
	}
	return evt, nil
}

// TransferredCents sums the amounts of distinct transfers, counting replays once.
func (f *Fake) TransferredCents() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var total int64
	for _, call := range f.TransferCalls {
		if _, ok := f.transfers[call.IdempotencyKey]; !ok || seen[call.IdempotencyKey] {
			continue
		}
		seen[call.IdempotencyKey] = true
		total += call.AmountCents
	}
	return total
}
