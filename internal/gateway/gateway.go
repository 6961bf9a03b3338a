// Package gateway defines the payment provider boundary: payment intents,
// refunds, seller transfers, and signed webhook notifications.
package gateway

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
)

// Gateway is implemented by payment provider adapters. Money-moving calls
// carry an idempotency key so retries never duplicate a charge, refund, or
// transfer.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	ConfirmIntent(ctx context.Context, intentID string) (IntentStatus, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	VerifySignature(payload []byte, signature string) bool
	ParseEvent(payload []byte) (*Event, error)
}

type IntentStatus string

// IntentFailed is a declined attempt the buyer may retry on the same intent.
// IntentCanceled is final.
const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentCanceled  IntentStatus = "canceled"
)

type IntentRequest struct {
	OrderRef    string
	AmountCents int64
	Currency    enums.Currency
}

// IdempotencyKey is stable per order so a retried create returns the same intent.
func (r IntentRequest) IdempotencyKey() string {
	return "intent-" + r.OrderRef
}

type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
}

type RefundRequest struct {
	IntentRef      string
	AmountCents    int64
	IdempotencyKey string
}

type TransferRequest struct {
	SellerAccountRef string
	AmountCents      int64
	Currency         enums.Currency
	IdempotencyKey   string
	GroupRef         string
}

// RefundKey and TransferKey derive the per-item idempotency keys.
func RefundKey(itemID uuid.UUID) string {
	return "refund-" + itemID.String()
}

func TransferKey(itemID uuid.UUID) string {
	return "transfer-" + itemID.String()
}

type EventType string

const (
	EventIntentSucceeded EventType = "intent.succeeded"
	EventIntentFailed    EventType = "intent.failed"
	EventIntentCanceled  EventType = "intent.canceled"
	EventUnknown         EventType = "unknown"
)

// Event is a provider notification normalised to what settlement acts on.
type Event struct {
	ID            string
	Type          EventType
	ProviderType  string
	IntentID      string
	FailureReason string
}

// Wrap tags a provider failure as a retryable gateway error.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if pkgerrors.IsCode(err, pkgerrors.CodeGateway) {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeGateway, err, op)
}
