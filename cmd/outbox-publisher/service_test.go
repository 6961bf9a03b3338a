package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/config"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
	"github.com/angelmondragon/marketplace-settlement/pkg/metrics"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox/registry"
)

func TestDrainRecordsEachAcknowledgement(t *testing.T) {
	first := newEvent(t, enums.EventOrderCreated, 0)
	second := newEvent(t, enums.EventOrderCreated, 0)
	store := &fakeStore{events: []models.OutboxEvent{first, second}}
	pub := &fakePublisher{errs: []error{errors.New("deadline exceeded"), nil}}
	reg := prometheus.NewRegistry()
	svc := newTestService(t, store, pub, &fakeResolver{}, config.OutboxConfig{MaxAttempts: 5}, reg)

	claimed, err := svc.drainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if claimed != 2 {
		t.Fatalf("expected 2 claimed rows, got %d", claimed)
	}
	if len(store.failed) != 1 || store.failed[0] != first.ID {
		t.Fatalf("expected first row marked failed, got %v", store.failed)
	}
	if len(store.published) != 1 || store.published[0] != second.ID {
		t.Fatalf("expected second row marked published, got %v", store.published)
	}
	if len(pub.resumed) != 1 || pub.resumed[0] != first.AggregateID.String() {
		t.Fatalf("expected failed ordering key resumed, got %v", pub.resumed)
	}

	want := `
# HELP settlement_outbox_events_total Outbox rows handled by the publisher, by event type and outcome.
# TYPE settlement_outbox_events_total counter
settlement_outbox_events_total{event_type="order_created",outcome="published"} 1
settlement_outbox_events_total{event_type="order_created",outcome="retry"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "settlement_outbox_events_total"); err != nil {
		t.Fatalf("unexpected outbox metrics: %v", err)
	}
}

func TestDrainDispatchesBeforeWaiting(t *testing.T) {
	events := []models.OutboxEvent{
		newEvent(t, enums.EventOrderCreated, 0),
		newEvent(t, enums.EventOrderPaid, 0),
		newEvent(t, enums.EventOrderCancelled, 0),
	}
	store := &fakeStore{events: events}
	pub := &fakePublisher{}
	svc := newTestService(t, store, pub, &fakeResolver{}, config.OutboxConfig{}, nil)

	if _, err := svc.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if pub.publishedBeforeFirstGet != len(events) {
		t.Fatalf("expected all %d messages handed off before waiting, got %d", len(events), pub.publishedBeforeFirstGet)
	}
	if len(store.published) != len(events) {
		t.Fatalf("expected every row published, got %d", len(store.published))
	}
}

func TestMessageCarriesOrderingKeyAndAttributes(t *testing.T) {
	event := newEvent(t, enums.EventOrderPaid, 0)
	pub := &fakePublisher{}
	svc := newTestService(t, &fakeStore{events: []models.OutboxEvent{event}}, pub, &fakeResolver{}, config.OutboxConfig{}, nil)

	if _, err := svc.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.messages))
	}
	msg := pub.messages[0]
	if msg.OrderingKey != event.AggregateID.String() {
		t.Fatalf("unexpected ordering key %q", msg.OrderingKey)
	}
	attrs := map[string]string{
		"event_id":       event.ID.String(),
		"event_type":     string(enums.EventOrderPaid),
		"aggregate_type": string(enums.AggregateOrder),
		"aggregate_id":   event.AggregateID.String(),
	}
	for key, want := range attrs {
		if got := msg.Attributes[key]; got != want {
			t.Fatalf("attribute %s = %q, want %q", key, got, want)
		}
	}
	if string(msg.Data) != string(event.Payload) {
		t.Fatalf("expected payload forwarded untouched")
	}
}

func TestDrainParksUnroutableEvent(t *testing.T) {
	event := newEvent(t, enums.EventOrderCreated, 0)
	store := &fakeStore{events: []models.OutboxEvent{event}}
	resolver := &fakeResolver{err: registry.NewNonRetryableError(errors.New("invalid payload"))}
	pub := &fakePublisher{}
	svc := newTestService(t, store, pub, resolver, config.OutboxConfig{MaxAttempts: 5}, nil)

	if _, err := svc.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(store.terminal) != 1 || store.terminal[0] != event.ID {
		t.Fatalf("expected row parked, got %v", store.terminal)
	}
	if store.terminalAttempts != 5 {
		t.Fatalf("expected row parked at the attempt ceiling, got %d", store.terminalAttempts)
	}
	if len(pub.messages) != 0 || len(store.failed) != 0 || len(store.published) != 0 {
		t.Fatalf("unroutable row must not be published or retried")
	}
}

func TestDrainParksExhaustedEvent(t *testing.T) {
	event := newEvent(t, enums.EventOrderCreated, 1)
	store := &fakeStore{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{errs: []error{errors.New("unavailable")}}
	svc := newTestService(t, store, pub, &fakeResolver{}, config.OutboxConfig{MaxAttempts: 2}, nil)

	if _, err := svc.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(store.terminal) != 1 {
		t.Fatalf("expected terminal row, got %d", len(store.terminal))
	}
	if len(store.failed) != 0 {
		t.Fatalf("expected no retry mark, got %d", len(store.failed))
	}
	if len(pub.resumed) != 1 {
		t.Fatalf("expected paused key resumed after parking, got %v", pub.resumed)
	}
}

func TestDrainResumesPausedKeyOnce(t *testing.T) {
	first := newEvent(t, enums.EventOrderCreated, 0)
	second := newEvent(t, enums.EventOrderPaid, 0)
	second.AggregateID = first.AggregateID
	store := &fakeStore{events: []models.OutboxEvent{first, second}}
	pub := &fakePublisher{errs: []error{errors.New("unavailable"), errors.New("ordering key paused")}}
	svc := newTestService(t, store, pub, &fakeResolver{}, config.OutboxConfig{MaxAttempts: 5}, nil)

	if _, err := svc.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(store.failed) != 2 {
		t.Fatalf("expected both rows left for retry, got %d", len(store.failed))
	}
	if len(pub.resumed) != 1 || pub.resumed[0] != first.AggregateID.String() {
		t.Fatalf("expected a single resume for the shared key, got %v", pub.resumed)
	}
}

func TestDrainPropagatesStoreErrors(t *testing.T) {
	store := &fakeStore{
		events:     []models.OutboxEvent{newEvent(t, enums.EventOrderCreated, 0)},
		publishErr: errors.New("connection reset"),
	}
	svc := newTestService(t, store, &fakePublisher{}, &fakeResolver{}, config.OutboxConfig{}, nil)

	if _, err := svc.drainOnce(context.Background()); err == nil {
		t.Fatalf("expected mark failure to abort the batch")
	}
}

func TestNewServiceReportsEveryMissingDependency(t *testing.T) {
	_, err := NewService(ServiceParams{})
	if err == nil {
		t.Fatalf("expected error for empty params")
	}
	for _, want := range []string{"config", "logger", "database", "pubsub", "outbox store", "event resolver"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	svc := newTestService(t, &fakeStore{}, &fakePublisher{}, &fakeResolver{}, config.OutboxConfig{PollIntervalMS: 5}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := svc.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestRunFailsWhenDependencyUnreachable(t *testing.T) {
	svc := newTestService(t, &fakeStore{}, &fakePublisher{}, &fakeResolver{}, config.OutboxConfig{}, nil)
	svc.pubsub = &fakePubSubClient{pingErr: errors.New("permission denied")}

	err := svc.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "pubsub ping") {
		t.Fatalf("expected pubsub ping failure, got %v", err)
	}
}

func newTestService(t *testing.T, store outboxStore, pub publisher, resolver eventResolver, outboxCfg config.OutboxConfig, reg prometheus.Registerer) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Config:       &config.Config{Outbox: outboxCfg},
		Logger:       logger.New(logger.Options{ServiceName: "outbox-publisher-test", Output: io.Discard}),
		DB:           &fakeDB{},
		PubSub:       &fakePubSubClient{},
		Store:        store,
		Resolver:     resolver,
		Metrics:      metrics.NewOutboxMetrics(reg),
		PublisherFor: func(string) publisher { return pub },
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return svc
}

func newEvent(tb testing.TB, eventType enums.OutboxEventType, attempts int) models.OutboxEvent {
	tb.Helper()
	id := uuid.New()
	payload, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    id.String(),
		OccurredAt: time.Now().UTC(),
		Data:       json.RawMessage(`{}`),
	})
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return models.OutboxEvent{
		ID:            id,
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       payload,
		AttemptCount:  attempts,
		CreatedAt:     time.Now(),
	}
}

type fakeStore struct {
	events           []models.OutboxEvent
	publishErr       error
	published        []uuid.UUID
	failed           []uuid.UUID
	terminal         []uuid.UUID
	terminalAttempts int
}

func (f *fakeStore) FetchUnpublishedForPublish(_ *gorm.DB, _, _ int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeStore) MarkPublishedTx(_ *gorm.DB, id uuid.UUID) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, id)
	return nil
}

func (f *fakeStore) MarkFailedTx(_ *gorm.DB, id uuid.UUID, _ error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeStore) MarkTerminalTx(_ *gorm.DB, id uuid.UUID, _ error, terminalAttempts int) error {
	f.terminal = append(f.terminal, id)
	f.terminalAttempts = terminalAttempts
	return nil
}

type fakeDB struct{}

func (fakeDB) Ping(context.Context) error { return nil }

func (fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error {
	return fn(nil)
}

type fakePubSubClient struct {
	pingErr error
}

func (f *fakePubSubClient) Ping(context.Context) error { return f.pingErr }

func (f *fakePubSubClient) Publisher(string) *gcppubsub.Publisher { return nil }

// fakePublisher answers Get calls with errs in publish order.
type fakePublisher struct {
	errs                    []error
	messages                []*gcppubsub.Message
	resumed                 []string
	waited                  bool
	publishedBeforeFirstGet int
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	if !f.waited {
		f.publishedBeforeFirstGet++
	}
	var err error
	if idx := len(f.messages) - 1; idx < len(f.errs) {
		err = f.errs[idx]
	}
	return &fakeResult{pub: f, err: err}
}

func (f *fakePublisher) ResumePublish(key string) {
	f.resumed = append(f.resumed, key)
}

type fakeResult struct {
	pub *fakePublisher
	err error
}

func (r *fakeResult) Get(context.Context) (string, error) {
	r.pub.waited = true
	if r.err != nil {
		return "", r.err
	}
	return "server-id", nil
}

type fakeResolver struct {
	err error
}

func (f *fakeResolver) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			Topic:         "settlement-domain-events",
			AggregateType: event.AggregateType,
		},
		Envelope: outbox.PayloadEnvelope{
			EventID:    event.ID.String(),
			OccurredAt: event.CreatedAt,
		},
	}, nil
}
