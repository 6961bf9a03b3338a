package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/marketplace-settlement/internal/gateway"
	"github.com/angelmondragon/marketplace-settlement/internal/gateway/gatewaytest"
	paymentwebhook "github.com/angelmondragon/marketplace-settlement/internal/webhooks/payments"
)

const testPayload = `{"id":"evt_1","type":"payment_intent.succeeded"}`

func newTestGateway() *gatewaytest.Fake {
	gw := gatewaytest.New()
	gw.Events[testPayload] = &gateway.Event{
		ID:       "evt_1",
		Type:     gateway.EventIntentSucceeded,
		IntentID: "pi_1",
	}
	return gw
}

func newTestGuard(t *testing.T, store *inMemoryStore) *paymentwebhook.IdempotencyGuard {
	t.Helper()
	guard, err := paymentwebhook.NewIdempotencyGuard(store, time.Minute, "payment-webhook")
	if err != nil {
		t.Fatalf("guard setup: %v", err)
	}
	return guard
}

func postWebhook(handler http.Handler, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader([]byte(testPayload)))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPaymentWebhook_SuccessAndIdempotent(t *testing.T) {
	service := &fakeWebhookService{result: "applied"}
	handler := PaymentWebhook(service, newTestGateway(), newTestGuard(t, newInMemoryStore()), nil)

	rec := postWebhook(handler, "valid")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if service.calls != 1 {
		t.Fatalf("expected service called once, got %d", service.calls)
	}

	// Replay the same event
	rec2 := postWebhook(handler, "valid")
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on duplicate, got %d (%s)", rec2.Code, rec2.Body.String())
	}
	if service.calls != 1 {
		t.Fatalf("expected duplicate not processed, call count %d", service.calls)
	}
}

func TestPaymentWebhook_InvalidSignature(t *testing.T) {
	cases := []struct {
		name      string
		signature string
	}{
		{name: "missing", signature: ""},
		{name: "mismatch", signature: "t=1,v1=invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &fakeWebhookService{}
			store := newInMemoryStore()
			handler := PaymentWebhook(service, newTestGateway(), newTestGuard(t, store), nil)

			rec := postWebhook(handler, tc.signature)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 for invalid signature, got %d", rec.Code)
			}
			if service.calls != 0 {
				t.Fatalf("service should not be invoked on invalid signature")
			}
			if len(store.data) != 0 {
				t.Fatalf("rejected event must not be marked, got %v", store.data)
			}
		})
	}
}

func TestPaymentWebhook_FailureClearsMarker(t *testing.T) {
	service := &fakeWebhookService{err: errors.New("db down")}
	store := newInMemoryStore()
	handler := PaymentWebhook(service, newTestGateway(), newTestGuard(t, store), nil)

	rec := postWebhook(handler, "valid")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(store.data) != 0 {
		t.Fatalf("expected marker removed after failure, got %v", store.data)
	}

	// the redelivery is processed once the failure clears
	service.err = nil
	rec2 := postWebhook(handler, "valid")
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on redelivery, got %d", rec2.Code)
	}
	if service.calls != 2 {
		t.Fatalf("expected redelivery processed, call count %d", service.calls)
	}
}

func TestPaymentWebhook_InFlightEventIsDeferred(t *testing.T) {
	service := &fakeWebhookService{result: "applied"}
	store := newInMemoryStore()
	guard := newTestGuard(t, store)
	handler := PaymentWebhook(service, newTestGateway(), guard, nil)

	// another replica holds the claim
	state, err := guard.Claim(context.Background(), "evt_1")
	if err != nil || state != paymentwebhook.ClaimAcquired {
		t.Fatalf("claim: state=%v err=%v", state, err)
	}

	rec := postWebhook(handler, "valid")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while in flight, got %d (%s)", rec.Code, rec.Body.String())
	}
	if service.calls != 0 {
		t.Fatalf("in-flight event must not be applied twice")
	}

	if err := guard.Complete(context.Background(), "evt_1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec2 := postWebhook(handler, "valid")
	if rec2.Code != http.StatusOK || !bytes.Contains(rec2.Body.Bytes(), []byte("duplicate")) {
		t.Fatalf("expected duplicate ack, got %d (%s)", rec2.Code, rec2.Body.String())
	}
}

func TestPaymentWebhook_UnparseablePayload(t *testing.T) {
	service := &fakeWebhookService{}
	gw := gatewaytest.New()
	handler := PaymentWebhook(service, gw, newTestGuard(t, newInMemoryStore()), nil)

	rec := postWebhook(handler, "valid")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if service.calls != 0 {
		t.Fatalf("service should not be invoked for an unknown payload")
	}
}

type fakeWebhookService struct {
	calls  int
	result string
	err    error
}

func (f *fakeWebhookService) Handle(ctx context.Context, event *gateway.Event) (string, error) {
	f.calls++
	return f.result, f.err
}

type inMemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newInMemoryStore() *inMemoryStore {
	return &inMemoryStore{
		data: make(map[string]string),
	}
}

func (s *inMemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *inMemoryStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = fmt.Sprintf("%v", value)
	return nil
}

func (s *inMemoryStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = fmt.Sprintf("%v", value)
	return true, nil
}

func (s *inMemoryStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("stl:idempotency:%s:%s", scope, id)
}

func (s *inMemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}
