package enums

import (
	"fmt"
	"slices"
)

// OutboxAggregateType names the aggregate an outbox event describes.
type OutboxAggregateType string

const (
	AggregateOrder       OutboxAggregateType = "order"
	AggregateOrderItem   OutboxAggregateType = "order_item"
	AggregateTransaction OutboxAggregateType = "transaction"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateOrder,
	AggregateOrderItem,
	AggregateTransaction,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType is the domain event name published downstream.
type OutboxEventType string

const (
	EventOrderCreated      OutboxEventType = "order_created"
	EventOrderPaid         OutboxEventType = "order_paid"
	EventOrderExpired      OutboxEventType = "order_expired"
	EventOrderCancelled    OutboxEventType = "order_cancelled"
	EventPaymentFailed     OutboxEventType = "payment_failed"
	EventPaymentOrphaned   OutboxEventType = "payment_orphaned"
	EventItemShipped       OutboxEventType = "item_shipped"
	EventItemDelivered     OutboxEventType = "item_delivered"
	EventItemRefunded      OutboxEventType = "item_refunded"
	EventEscrowReleased    OutboxEventType = "escrow_released"
	EventEscrowTransferred OutboxEventType = "escrow_transferred"
	EventTransferFailed    OutboxEventType = "transfer_failed"
	EventTransferEscalated OutboxEventType = "transfer_escalated"
	EventRefundEscalated   OutboxEventType = "refund_escalated"
	EventDisputeOpened     OutboxEventType = "dispute_opened"
	EventDisputeResolved   OutboxEventType = "dispute_resolved"
	EventCheckoutAbandoned OutboxEventType = "checkout_abandoned"
)

var validOutboxEventTypes = []OutboxEventType{
	EventOrderCreated,
	EventOrderPaid,
	EventOrderExpired,
	EventOrderCancelled,
	EventPaymentFailed,
	EventPaymentOrphaned,
	EventItemShipped,
	EventItemDelivered,
	EventItemRefunded,
	EventEscrowReleased,
	EventEscrowTransferred,
	EventTransferFailed,
	EventTransferEscalated,
	EventRefundEscalated,
	EventDisputeOpened,
	EventDisputeResolved,
	EventCheckoutAbandoned,
}

// OutboxEventTypes lists every event type, in declaration order.
func OutboxEventTypes() []OutboxEventType {
	return slices.Clone(validOutboxEventTypes)
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
