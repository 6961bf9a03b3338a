package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/marketplace-settlement/api/responses"
	"github.com/angelmondragon/marketplace-settlement/internal/gateway"
	paymentwebhook "github.com/angelmondragon/marketplace-settlement/internal/webhooks/payments"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
)

// SignatureHeader carries the provider's HMAC over the raw body.
const SignatureHeader = "Stripe-Signature"

const maxPayloadBytes = 1 << 16

type PaymentWebhookService interface {
	Handle(ctx context.Context, event *gateway.Event) (string, error)
}

type PaymentWebhookGuard interface {
	Claim(ctx context.Context, eventID string) (paymentwebhook.ClaimState, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

type eventVerifier interface {
	VerifySignature(payload []byte, signature string) bool
	ParseEvent(payload []byte) (*gateway.Event, error)
}

// PaymentWebhook applies signed payment notifications from the gateway.
func PaymentWebhook(svc PaymentWebhookService, verifier eventVerifier, guard PaymentWebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment gateway unavailable"))
			return
		}
		if guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get(SignatureHeader)
		if sigHeader == "" || !verifier.VerifySignature(payload, sigHeader) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInvalidSignature, "webhook signature invalid"))
			return
		}

		event, err := verifier.ParseEvent(payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse webhook event"))
			return
		}

		state, err := guard.Claim(ctx, event.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
			return
		}
		switch state {
		case paymentwebhook.ClaimDone:
			responses.WriteSuccess(w, map[string]string{"result": "duplicate"})
			return
		case paymentwebhook.ClaimInFlight:
			// non-2xx so the gateway redelivers after the holder finishes
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "event is being processed"))
			return
		}

		result, err := svc.Handle(ctx, event)
		if err != nil {
			if relErr := guard.Release(context.WithoutCancel(ctx), event.ID); relErr != nil && logg != nil {
				logg.Error(logg.WithField(ctx, "event_id", event.ID), "release webhook claim", relErr)
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := guard.Complete(context.WithoutCancel(ctx), event.ID); err != nil && logg != nil {
			// the processing claim still expires; a redelivery then hits the status guards
			logg.Error(logg.WithField(ctx, "event_id", event.ID), "complete webhook claim", err)
		}

		responses.WriteSuccess(w, map[string]string{"result": result})
	}
}
