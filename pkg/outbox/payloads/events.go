package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// OrderCreatedEvent signals a new checkout holding product reservations.
type OrderCreatedEvent struct {
	OrderID          uuid.UUID      `json:"order_id"`
	BuyerID          uuid.UUID      `json:"buyer_id"`
	ItemIDs          []uuid.UUID    `json:"item_ids"`
	SellerIDs        []uuid.UUID    `json:"seller_ids"`
	TotalAmountCents int64          `json:"total_amount_cents"`
	Currency         enums.Currency `json:"currency"`
}

// OrderPaidEvent reports captured funds now held in escrow.
type OrderPaidEvent struct {
	OrderID          uuid.UUID `json:"order_id"`
	BuyerID          uuid.UUID `json:"buyer_id"`
	IntentRef        string    `json:"intent_ref"`
	TotalAmountCents int64     `json:"total_amount_cents"`
	PaidAt           time.Time `json:"paid_at"`
}

// OrderClosedEvent covers orders that ended without settlement: cancelled by
// the buyer, abandoned, or expired with their payment intent.
type OrderClosedEvent struct {
	OrderID  uuid.UUID         `json:"order_id"`
	BuyerID  uuid.UUID         `json:"buyer_id"`
	Status   enums.OrderStatus `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	ClosedAt time.Time         `json:"closed_at"`
}

// PaymentFailedEvent reports a declined attempt on an order that stays open
// for another attempt.
type PaymentFailedEvent struct {
	OrderID   uuid.UUID `json:"order_id"`
	BuyerID   uuid.UUID `json:"buyer_id"`
	IntentRef string    `json:"intent_ref,omitempty"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// PaymentOrphanedEvent flags a captured payment for an order that was already
// closed. Ops must refund it manually.
type PaymentOrphanedEvent struct {
	OrderID     uuid.UUID         `json:"order_id"`
	IntentRef   string            `json:"intent_ref"`
	OrderStatus enums.OrderStatus `json:"order_status"`
}

// ItemEvent is shared by per-item fulfilment and escrow events.
type ItemEvent struct {
	OrderID       uuid.UUID             `json:"order_id"`
	OrderItemID   uuid.UUID             `json:"order_item_id"`
	TransactionID uuid.UUID             `json:"transaction_id,omitempty"`
	SellerID      uuid.UUID             `json:"seller_id"`
	Status        enums.OrderItemStatus `json:"status"`
	EscrowStatus  enums.EscrowStatus    `json:"escrow_status"`
	AmountCents   int64                 `json:"amount_cents,omitempty"`
	Ref           string                `json:"ref,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Attempts      int                   `json:"attempts,omitempty"`
}

// DisputeEvent reports dispute markers on a transaction.
type DisputeEvent struct {
	OrderID       uuid.UUID `json:"order_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}
