package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
)

type fakeStore struct {
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	f.data[key] = fmt.Sprintf("%v", value)
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = fmt.Sprintf("%v", value)
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("fake:%s:%s", scope, id)
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

func idempotentRequest(caller uuid.UUID, key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/7/cancel", strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	return req.WithContext(WithCallerID(req.Context(), caller))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse error response: %v", err)
	}
	return payload.Error.Code
}

func TestIdempotencyRequiresUsableKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"missing", ""},
		{"too long", strings.Repeat("k", maxIdempotencyKeyLen+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := Idempotency(newFakeStore(), nil, MoneyIdempotency)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, idempotentRequest(uuid.New(), tt.key, `{}`))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", rec.Code)
			}
			if called {
				t.Fatalf("handler should not run")
			}
		})
	}
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	store := newFakeStore()
	caller := uuid.New()
	var calls int
	handler := Idempotency(store, nil, MoneyIdempotency)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, idempotentRequest(caller, "abc", `{"reason":"x"}`))
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", first.Code)
	}
	if first.Header().Get(ReplayedHeader) != "" {
		t.Fatalf("first response must not be marked as replayed")
	}

	replay := httptest.NewRecorder()
	handler.ServeHTTP(replay, idempotentRequest(caller, "abc", `{"reason":"x"}`))
	if replay.Code != http.StatusCreated {
		t.Fatalf("expected replay status 201 got %d", replay.Code)
	}
	if replay.Header().Get("Content-Type") != "application/json" || replay.Header().Get(ReplayedHeader) != "true" {
		t.Fatalf("unexpected replay headers %v", replay.Header())
	}
	if strings.TrimSpace(replay.Body.String()) != `{"ok":true}` {
		t.Fatalf("expected stored body got %s", replay.Body.String())
	}
	if calls != 1 {
		t.Fatalf("handler executed %d times, expected 1", calls)
	}
	for key, ttl := range store.ttls {
		if ttl != MoneyIdempotency.TTL {
			t.Fatalf("record %s stored with ttl %v", key, ttl)
		}
	}
}

func TestIdempotencyScopesKeysPerCaller(t *testing.T) {
	store := newFakeStore()
	var calls int
	handler := Idempotency(store, nil, StandardIdempotency)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest(uuid.New(), "same", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest(uuid.New(), "same", `{}`))
	if calls != 2 {
		t.Fatalf("expected each caller to run once, got %d calls", calls)
	}
}

func TestIdempotencyDetectsBodyChange(t *testing.T) {
	store := newFakeStore()
	caller := uuid.New()
	handler := Idempotency(store, nil, MoneyIdempotency)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest(caller, "xyz", `{"reason":"a"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, idempotentRequest(caller, "xyz", `{"reason":"b"}`))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != string(pkgerrors.CodeIdempotency) {
		t.Fatalf("expected %s got %s", pkgerrors.CodeIdempotency, code)
	}
}

func TestIdempotencyRejectsConcurrentDuplicate(t *testing.T) {
	store := newFakeStore()
	caller := uuid.New()
	var inner *httptest.ResponseRecorder
	var handler http.Handler
	handler = Idempotency(store, nil, MoneyIdempotency)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inner == nil {
			inner = httptest.NewRecorder()
			handler.ServeHTTP(inner, idempotentRequest(caller, "dup", `{}`))
		}
		w.WriteHeader(http.StatusOK)
	}))

	outer := httptest.NewRecorder()
	handler.ServeHTTP(outer, idempotentRequest(caller, "dup", `{}`))
	if outer.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", outer.Code)
	}
	if inner.Code != http.StatusConflict {
		t.Fatalf("expected in-flight duplicate to get 409, got %d", inner.Code)
	}
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	store := newFakeStore()
	caller := uuid.New()
	status := http.StatusBadGateway
	var calls int
	handler := Idempotency(store, nil, MoneyIdempotency)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest(caller, "retry", `{}`))
	if len(store.data) != 0 {
		t.Fatalf("expected claim released after 502, store has %v", store.data)
	}

	status = http.StatusOK
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, idempotentRequest(caller, "retry", `{}`))
	if rec.Code != http.StatusOK || calls != 2 {
		t.Fatalf("expected retry to run the handler, code=%d calls=%d", rec.Code, calls)
	}
}

func TestIdempotencyKeepsClientErrors(t *testing.T) {
	store := newFakeStore()
	caller := uuid.New()
	var calls int
	handler := Idempotency(store, nil, StandardIdempotency)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest(caller, "k", `{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, idempotentRequest(caller, "k", `{}`))
	if rec.Code != http.StatusUnprocessableEntity || calls != 1 {
		t.Fatalf("expected replayed 422, code=%d calls=%d", rec.Code, calls)
	}
}

func TestIdempotencyReplayNamesOriginalRequest(t *testing.T) {
	store := newFakeStore()
	caller := uuid.New()
	handler := RequestID(nil)(Idempotency(store, nil, StandardIdempotency)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	first := httptest.NewRecorder()
	req := idempotentRequest(caller, "abc", `{}`)
	req.Header.Set(RequestIDHeader, "req-first")
	handler.ServeHTTP(first, req)

	replay := httptest.NewRecorder()
	req = idempotentRequest(caller, "abc", `{}`)
	req.Header.Set(RequestIDHeader, "req-second")
	handler.ServeHTTP(replay, req)

	if got := replay.Header().Get(OriginalRequestHeader); got != "req-first" {
		t.Fatalf("expected original request id, got %q", got)
	}
	if got := replay.Header().Get(RequestIDHeader); got != "req-second" {
		t.Fatalf("replay keeps its own request id, got %q", got)
	}
}
