// Package registry maps outbox rows to their topic and typed payload.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-settlement/pkg/config"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox/payloads"
)

// EventDescriptor links an event type to its aggregate, topic and payload.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	AggregateType  enums.OutboxAggregateType
	Topic          string
	PayloadFactory func() any
}

// ResolvedEvent is a decoded outbox row ready to publish.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// NonRetryableError marks a row that will never publish, however often it is
// retried. The publisher parks such rows.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func newPayload[T any]() func() any {
	return func() any { return new(T) }
}

// catalog is every event the settlement engine emits.
var catalog = []struct {
	aggregate enums.OutboxAggregateType
	payload   func() any
	events    []enums.OutboxEventType
}{
	{enums.AggregateOrder, newPayload[payloads.OrderCreatedEvent](), []enums.OutboxEventType{enums.EventOrderCreated}},
	{enums.AggregateOrder, newPayload[payloads.OrderPaidEvent](), []enums.OutboxEventType{enums.EventOrderPaid}},
	{enums.AggregateOrder, newPayload[payloads.OrderClosedEvent](), []enums.OutboxEventType{
		enums.EventOrderExpired,
		enums.EventOrderCancelled,
		enums.EventCheckoutAbandoned,
	}},
	{enums.AggregateOrder, newPayload[payloads.PaymentFailedEvent](), []enums.OutboxEventType{enums.EventPaymentFailed}},
	{enums.AggregateOrder, newPayload[payloads.PaymentOrphanedEvent](), []enums.OutboxEventType{enums.EventPaymentOrphaned}},
	{enums.AggregateOrderItem, newPayload[payloads.ItemEvent](), []enums.OutboxEventType{
		enums.EventItemShipped,
		enums.EventItemDelivered,
		enums.EventItemRefunded,
		enums.EventEscrowReleased,
		enums.EventEscrowTransferred,
		enums.EventTransferFailed,
		enums.EventTransferEscalated,
		enums.EventRefundEscalated,
	}},
	{enums.AggregateTransaction, newPayload[payloads.DisputeEvent](), []enums.OutboxEventType{
		enums.EventDisputeOpened,
		enums.EventDisputeResolved,
	}},
}

// EventRegistry resolves outbox rows against the catalog.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NewEventRegistry routes every event to the domain topic; consumers filter
// on the event_type attribute.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	topic := strings.TrimSpace(cfg.DomainTopic)
	if topic == "" {
		return nil, errors.New("domain topic is required")
	}
	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	for _, group := range catalog {
		for _, eventType := range group.events {
			if !eventType.IsValid() {
				return nil, fmt.Errorf("event %q is not a known event type", eventType)
			}
			if _, dup := reg.entries[eventType]; dup {
				return nil, fmt.Errorf("event %s registered twice", eventType)
			}
			reg.entries[eventType] = EventDescriptor{
				EventType:      eventType,
				AggregateType:  group.aggregate,
				Topic:          topic,
				PayloadFactory: group.payload,
			}
		}
	}
	for _, eventType := range enums.OutboxEventTypes() {
		if _, ok := reg.entries[eventType]; !ok {
			return nil, fmt.Errorf("event %s has no registration", eventType)
		}
	}
	return reg, nil
}

// Descriptor returns the registration for eventType.
func (r *EventRegistry) Descriptor(eventType enums.OutboxEventType) (EventDescriptor, bool) {
	desc, ok := r.entries[eventType]
	return desc, ok
}

// Resolve checks the row against its registration and decodes the payload.
// Every failure is non-retryable: the row itself is wrong.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	switch {
	case !ok:
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	case desc.AggregateType != event.AggregateType:
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	case event.AggregateID == uuid.Nil:
		return nil, NewNonRetryableError(errors.New("missing aggregate_id"))
	}

	envelope, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", event.EventType))
	}
	payload := desc.PayloadFactory()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
