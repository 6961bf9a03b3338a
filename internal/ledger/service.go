package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service records money movements. Entries are append-only; corrections are new
// entries, never updates.
type Service interface {
	WithTx(tx *gorm.DB) Service
	RecordEvent(ctx context.Context, input RecordLedgerEventInput) (*models.LedgerEvent, error)
	RecordOnce(ctx context.Context, input RecordLedgerEventInput) (bool, error)
	Summarize(ctx context.Context, orderID uuid.UUID) (Summary, error)
}

type service struct {
	repo Repository
}

// RecordLedgerEventInput captures the immutable data a ledger event requires.
type RecordLedgerEventInput struct {
	OrderID     uuid.UUID             `json:"order_id"`
	OrderItemID *uuid.UUID            `json:"order_item_id,omitempty"`
	SellerID    *uuid.UUID            `json:"seller_id,omitempty"`
	Type        enums.LedgerEventType `json:"type"`
	AmountCents int64                 `json:"amount_cents"`
	Currency    enums.Currency        `json:"currency"`
	Ref         *string               `json:"ref,omitempty"`
	Metadata    json.RawMessage       `json:"metadata,omitempty"`
}

// Summary totals an order's ledger by event type.
type Summary struct {
	CapturedCents    int64
	PlatformFeeCents int64
	PayoutCents      int64
	RefundedCents    int64

	held int64
}

// HeldCents is what the platform still holds for the order: captured funds not
// yet paid out or refunded. Fees stay held until the item settles.
func (s Summary) HeldCents() int64 {
	return s.held
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	return &service{repo: s.repo.WithTx(tx)}
}

func (s *service) RecordEvent(ctx context.Context, input RecordLedgerEventInput) (*models.LedgerEvent, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	event := &models.LedgerEvent{
		OrderID:     input.OrderID,
		OrderItemID: input.OrderItemID,
		SellerID:    input.SellerID,
		Type:        input.Type,
		AmountCents: input.AmountCents,
		Currency:    input.Currency,
		Ref:         input.Ref,
		Metadata:    input.Metadata,
	}

	if err := s.repo.Create(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// RecordOnce writes the entry unless one of the same type already exists for
// the order (and item, when set). It reports whether a row was written.
func (s *service) RecordOnce(ctx context.Context, input RecordLedgerEventInput) (bool, error) {
	if err := validateInput(input); err != nil {
		return false, err
	}
	exists, err := s.repo.Exists(ctx, input.OrderID, input.OrderItemID, input.Type)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := s.RecordEvent(ctx, input); err != nil {
		return false, err
	}
	return true, nil
}

func (s *service) Summarize(ctx context.Context, orderID uuid.UUID) (Summary, error) {
	if orderID == uuid.Nil {
		return Summary{}, fmt.Errorf("order id is required")
	}
	totals, err := s.repo.TotalsByType(ctx, orderID)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		CapturedCents:    totals[enums.LedgerEventTypePaymentCaptured],
		PlatformFeeCents: totals[enums.LedgerEventTypePlatformFee],
		PayoutCents:      totals[enums.LedgerEventTypeSellerPayout],
		RefundedCents:    totals[enums.LedgerEventTypeRefund],
	}
	for typ, total := range totals {
		summary.held += typ.EscrowDelta(total)
	}
	return summary, nil
}

func validateInput(input RecordLedgerEventInput) error {
	if input.OrderID == uuid.Nil {
		return fmt.Errorf("order id is required")
	}
	if !input.Type.IsValid() {
		return fmt.Errorf("invalid ledger event type %q", input.Type)
	}
	if !input.Currency.IsValid() {
		return fmt.Errorf("invalid currency %q", input.Currency)
	}
	if input.AmountCents < 0 {
		return fmt.Errorf("amount must not be negative")
	}
	return nil
}
