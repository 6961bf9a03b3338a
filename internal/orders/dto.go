package orders

import (
	"time"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/google/uuid"
)

// OrderList is a page of buyer orders.
type OrderList struct {
	Orders     []OrderSummary `json:"orders"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// OrderSummary is the list-row projection of an order.
type OrderSummary struct {
	ID                    uuid.UUID         `json:"id"`
	Status                enums.OrderStatus `json:"status"`
	Currency              enums.Currency    `json:"currency"`
	TotalAmountCents      int64             `json:"total_amount_cents"`
	TotalAmount           string            `json:"total_amount"`
	TotalShippingFeeCents int64             `json:"total_shipping_fee_cents"`
	ItemCount             int               `json:"item_count"`
	PaidAt                *time.Time        `json:"paid_at,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

// OrderDetail is the full read model returned to buyers and sellers.
type OrderDetail struct {
	ID                    uuid.UUID         `json:"id"`
	BuyerID               uuid.UUID         `json:"buyer_id"`
	ShippingAddressID     uuid.UUID         `json:"shipping_address_id"`
	Status                enums.OrderStatus `json:"status"`
	Currency              enums.Currency    `json:"currency"`
	TotalAmountCents      int64             `json:"total_amount_cents"`
	TotalAmount           string            `json:"total_amount"`
	TotalPlatformFeeCents int64             `json:"total_platform_fee_cents"`
	TotalShippingFeeCents int64             `json:"total_shipping_fee_cents"`
	PaymentIntentRef      *string           `json:"payment_intent_ref,omitempty"`
	LastPaymentError      *string           `json:"last_payment_error,omitempty"`
	CancelReason          *string           `json:"cancel_reason,omitempty"`
	Items                 []ItemDetail      `json:"items"`
	PaidAt                *time.Time        `json:"paid_at,omitempty"`
	ShippedAt             *time.Time        `json:"shipped_at,omitempty"`
	DeliveredAt           *time.Time        `json:"delivered_at,omitempty"`
	CancelledAt           *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// ItemDetail is one seller line with its escrow state and transaction.
type ItemDetail struct {
	ID               uuid.UUID             `json:"id"`
	ProductID        uuid.UUID             `json:"product_id"`
	SellerID         uuid.UUID             `json:"seller_id"`
	PriceCents       int64                 `json:"price_cents"`
	PlatformFeeCents int64                 `json:"platform_fee_cents"`
	PayoutCents      int64                 `json:"payout_cents"`
	FeePercentage    string                `json:"fee_percentage"`
	Status           enums.OrderItemStatus `json:"status"`
	EscrowStatus     enums.EscrowStatus    `json:"escrow_status"`
	TransferRef      *string               `json:"transfer_ref,omitempty"`
	RefundRef        *string               `json:"refund_ref,omitempty"`
	TransferAttempts int                   `json:"transfer_attempts"`
	EscalatedAt      *time.Time            `json:"escalated_at,omitempty"`
	Transaction      *TransactionDetail    `json:"transaction,omitempty"`
}

// TransactionDetail exposes the settlement record paired with an item.
type TransactionDetail struct {
	ID                      uuid.UUID               `json:"id"`
	Status                  enums.TransactionStatus `json:"status"`
	EscrowStatus            enums.EscrowStatus      `json:"escrow_status"`
	TrackingNumber          *string                 `json:"tracking_number,omitempty"`
	ShippedAt               *time.Time              `json:"shipped_at,omitempty"`
	DeliveredAt             *time.Time              `json:"delivered_at,omitempty"`
	BuyerProtectionEligible bool                    `json:"buyer_protection_eligible"`
	DisputeOpenedAt         *time.Time              `json:"dispute_opened_at,omitempty"`
	DisputeReason           *string                 `json:"dispute_reason,omitempty"`
	DisputeResolvedAt       *time.Time              `json:"dispute_resolved_at,omitempty"`
}

func summarize(order *models.Order) OrderSummary {
	return OrderSummary{
		ID:                    order.ID,
		Status:                order.Status,
		Currency:              order.Currency,
		TotalAmountCents:      order.TotalAmountCents,
		TotalAmount:           order.Currency.FormatMinor(order.TotalAmountCents),
		TotalShippingFeeCents: order.TotalShippingFeeCents,
		ItemCount:             len(order.Items),
		PaidAt:                order.PaidAt,
		CreatedAt:             order.CreatedAt,
	}
}

// NewOrderDetail projects a loaded order (items and transactions preloaded).
func NewOrderDetail(order *models.Order) OrderDetail {
	detail := OrderDetail{
		ID:                    order.ID,
		BuyerID:               order.BuyerID,
		ShippingAddressID:     order.ShippingAddressID,
		Status:                order.Status,
		Currency:              order.Currency,
		TotalAmountCents:      order.TotalAmountCents,
		TotalAmount:           order.Currency.FormatMinor(order.TotalAmountCents),
		TotalPlatformFeeCents: order.TotalPlatformFeeCents,
		TotalShippingFeeCents: order.TotalShippingFeeCents,
		PaymentIntentRef:      order.PaymentIntentRef,
		LastPaymentError:      order.LastPaymentError,
		CancelReason:          order.CancelReason,
		Items:                 make([]ItemDetail, 0, len(order.Items)),
		PaidAt:                order.PaidAt,
		ShippedAt:             order.ShippedAt,
		DeliveredAt:           order.DeliveredAt,
		CancelledAt:           order.CancelledAt,
		CreatedAt:             order.CreatedAt,
		UpdatedAt:             order.UpdatedAt,
	}
	for i := range order.Items {
		detail.Items = append(detail.Items, newItemDetail(&order.Items[i]))
	}
	return detail
}

func newItemDetail(item *models.OrderItem) ItemDetail {
	detail := ItemDetail{
		ID:               item.ID,
		ProductID:        item.ProductID,
		SellerID:         item.SellerID,
		PriceCents:       item.PriceCents,
		PlatformFeeCents: item.PlatformFeeCents,
		PayoutCents:      item.PayoutCents(),
		FeePercentage:    item.FeePercentage.StringFixed(4),
		Status:           item.Status,
		EscrowStatus:     item.EscrowStatus,
		TransferRef:      item.TransferRef,
		RefundRef:        item.RefundRef,
		TransferAttempts: item.TransferAttempts,
		EscalatedAt:      item.EscalatedAt,
	}
	if txn := item.Transaction; txn != nil {
		txnDetail := NewTransactionDetail(txn)
		detail.Transaction = &txnDetail
	}
	return detail
}

// NewTransactionDetail projects a single settlement transaction.
func NewTransactionDetail(txn *models.Transaction) TransactionDetail {
	return TransactionDetail{
		ID:                      txn.ID,
		Status:                  txn.Status,
		EscrowStatus:            txn.EscrowStatus,
		TrackingNumber:          txn.TrackingNumber,
		ShippedAt:               txn.ShippedAt,
		DeliveredAt:             txn.DeliveredAt,
		BuyerProtectionEligible: txn.BuyerProtectionEligible,
		DisputeOpenedAt:         txn.DisputeOpenedAt,
		DisputeReason:           txn.DisputeReason,
		DisputeResolvedAt:       txn.DisputeResolvedAt,
	}
}

// HistoryEntry is one audit row exposed on the order history endpoint.
type HistoryEntry struct {
	EntityType enums.StatusEntity `json:"entity_type"`
	EntityID   uuid.UUID          `json:"entity_id"`
	FromStatus string             `json:"from_status"`
	ToStatus   string             `json:"to_status"`
	Reason     *string            `json:"reason,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// NewHistory builds an audit row for a status change.
func NewHistory(orderID uuid.UUID, entity enums.StatusEntity, entityID uuid.UUID, from, to fmtStringer, reason string) models.StatusHistory {
	entry := models.StatusHistory{
		OrderID:    orderID,
		EntityType: entity,
		EntityID:   entityID,
		FromStatus: from.String(),
		ToStatus:   to.String(),
	}
	if reason != "" {
		entry.Reason = &reason
	}
	return entry
}

type fmtStringer interface {
	String() string
}
