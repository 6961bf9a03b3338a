package transactions

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-settlement/api/middleware"
	"github.com/angelmondragon/marketplace-settlement/api/responses"
	"github.com/angelmondragon/marketplace-settlement/api/validators"
	internalorders "github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
)

const (
	maxTrackingLen = 64
	maxReasonLen   = 500
)

// FulfilmentService moves a transaction through shipping and delivery.
type FulfilmentService interface {
	MarkShipped(ctx context.Context, transactionID, sellerID uuid.UUID, trackingNumber string) (*models.Order, error)
	ConfirmDelivery(ctx context.Context, transactionID, buyerID uuid.UUID, proofPhotos []string) (*models.Order, error)
}

// DisputeService opens and withdraws buyer disputes.
type DisputeService interface {
	OpenDispute(ctx context.Context, transactionID, buyerID uuid.UUID, reason string) (*models.Transaction, error)
	ResolveDispute(ctx context.Context, transactionID, buyerID uuid.UUID) (*models.Transaction, error)
}

type shipRequest struct {
	TrackingNumber string `json:"trackingNumber" validate:"required,max=64"`
}

type deliverRequest struct {
	Photos []string `json:"photos,omitempty" validate:"max=10,dive,required,url"`
}

type disputeRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Ship records the seller's shipment with its tracking number.
func Ship(svc FulfilmentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}
		sellerID, txnID, ok := callerAndTransaction(w, r, logg)
		if !ok {
			return
		}
		var payload shipRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.MarkShipped(r.Context(), txnID, sellerID, validators.SanitizeString(payload.TrackingNumber, maxTrackingLen))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderDetail(order))
	}
}

// Deliver records the buyer's delivery confirmation and starts the
// protection window.
func Deliver(svc FulfilmentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}
		buyerID, txnID, ok := callerAndTransaction(w, r, logg)
		if !ok {
			return
		}
		var payload deliverRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.ConfirmDelivery(r.Context(), txnID, buyerID, payload.Photos)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderDetail(order))
	}
}

// Dispute freezes the escrow of a delivered transaction.
func Dispute(svc DisputeService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}
		buyerID, txnID, ok := callerAndTransaction(w, r, logg)
		if !ok {
			return
		}
		var payload disputeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		txn, err := svc.OpenDispute(r.Context(), txnID, buyerID, validators.SanitizeString(payload.Reason, maxReasonLen))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewTransactionDetail(txn))
	}
}

// ResolveDispute withdraws the buyer's dispute and lets the release job
// pick the item up again.
func ResolveDispute(svc DisputeService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}
		buyerID, txnID, ok := callerAndTransaction(w, r, logg)
		if !ok {
			return
		}
		txn, err := svc.ResolveDispute(r.Context(), txnID, buyerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewTransactionDetail(txn))
	}
}

func callerAndTransaction(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (uuid.UUID, uuid.UUID, bool) {
	callerID, ok := middleware.CallerID(r.Context())
	if !ok {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
		return uuid.Nil, uuid.Nil, false
	}
	txnID, err := validators.ParseUUIDParam(r, "transactionId")
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return callerID, txnID, true
}
