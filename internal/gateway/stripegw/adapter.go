// Package stripegw implements gateway.Gateway on Stripe payment intents,
// refunds, and Connect transfers.
package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/refund"
	"github.com/stripe/stripe-go/v84/transfer"

	"github.com/angelmondragon/marketplace-settlement/internal/gateway"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	pkgstripe "github.com/angelmondragon/marketplace-settlement/pkg/stripe"
)

const (
	eventIntentSucceeded = "payment_intent.succeeded"
	eventIntentFailed    = "payment_intent.payment_failed"
	eventIntentCanceled  = "payment_intent.canceled"
)

type payloadVerifier interface {
	VerifyPayload(payload []byte, header string) error
}

// Adapter calls Stripe through the backend installed by pkg/stripe.NewClient.
type Adapter struct {
	verifier payloadVerifier
}

var _ gateway.Gateway = (*Adapter)(nil)

func New(client *pkgstripe.Client) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("stripe client required")
	}
	return &Adapter{verifier: client}, nil
}

func (a *Adapter) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	if req.OrderRef == "" || req.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order ref and positive amount required")
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency.Lower()),
		TransferGroup: stripe.String(req.OrderRef),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderRef)
	params.SetIdempotencyKey(req.IdempotencyKey())

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, wrapStripe(err, "create payment intent")
	}
	return &gateway.Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi),
	}, nil
}

func (a *Adapter) ConfirmIntent(ctx context.Context, intentID string) (gateway.IntentStatus, error) {
	if intentID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "intent id required")
	}
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	pi, err := paymentintent.Confirm(intentID, params)
	if err != nil {
		return "", wrapStripe(err, "confirm payment intent")
	}
	return intentStatus(pi), nil
}

func (a *Adapter) Refund(ctx context.Context, req gateway.RefundRequest) (string, error) {
	if req.IntentRef == "" || req.IdempotencyKey == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "intent ref and idempotency key required")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentRef),
		Amount:        stripe.Int64(req.AmountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	r, err := refund.New(params)
	if err != nil {
		return "", wrapStripe(err, "create refund")
	}
	return r.ID, nil
}

func (a *Adapter) Transfer(ctx context.Context, req gateway.TransferRequest) (string, error) {
	if req.SellerAccountRef == "" || req.IdempotencyKey == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "seller account and idempotency key required")
	}
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(req.Currency.Lower()),
		Destination: stripe.String(req.SellerAccountRef),
	}
	if req.GroupRef != "" {
		params.TransferGroup = stripe.String(req.GroupRef)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := transfer.New(params)
	if err != nil {
		return "", wrapStripe(err, "create transfer")
	}
	return tr.ID, nil
}

// VerifySignature checks the Stripe-Signature header, including its
// timestamp tolerance.
func (a *Adapter) VerifySignature(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	return a.verifier.VerifyPayload(payload, signature) == nil
}

// ParseEvent decodes a verified payload. Only payment intent events carry an
// intent id; everything else maps to gateway.EventUnknown.
func (a *Adapter) ParseEvent(payload []byte) (*gateway.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe event")
	}
	if event.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event id missing")
	}

	out := &gateway.Event{
		ID:           event.ID,
		Type:         gateway.EventUnknown,
		ProviderType: string(event.Type),
	}
	switch string(event.Type) {
	case eventIntentSucceeded:
		out.Type = gateway.EventIntentSucceeded
	case eventIntentFailed:
		out.Type = gateway.EventIntentFailed
	case eventIntentCanceled:
		out.Type = gateway.EventIntentCanceled
	default:
		return out, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent")
	}
	if pi.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
	}
	out.IntentID = pi.ID
	if out.Type != gateway.EventIntentSucceeded {
		out.FailureReason = failureReason(&pi, string(event.Type))
	}
	return out, nil
}

func intentStatus(pi *stripe.PaymentIntent) gateway.IntentStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return gateway.IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return gateway.IntentCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return gateway.IntentFailed
		}
	}
	return gateway.IntentPending
}

func failureReason(pi *stripe.PaymentIntent, fallback string) string {
	if pi.LastPaymentError != nil {
		if pi.LastPaymentError.Msg != "" {
			return pi.LastPaymentError.Msg
		}
		if pi.LastPaymentError.Code != "" {
			return string(pi.LastPaymentError.Code)
		}
	}
	if pi.CancellationReason != "" {
		return string(pi.CancellationReason)
	}
	return fallback
}

func wrapStripe(err error, op string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return pkgerrors.Wrap(pkgerrors.CodeGateway, err, op).WithDetails(map[string]any{
			"type":      stripeErr.Type,
			"code":      stripeErr.Code,
			"requestId": stripeErr.RequestID,
		})
	}
	return gateway.Wrap(err, fmt.Sprintf("stripe %s", op))
}
