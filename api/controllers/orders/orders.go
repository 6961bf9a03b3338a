package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-settlement/api/middleware"
	"github.com/angelmondragon/marketplace-settlement/api/responses"
	"github.com/angelmondragon/marketplace-settlement/api/validators"
	"github.com/angelmondragon/marketplace-settlement/internal/checkout"
	"github.com/angelmondragon/marketplace-settlement/internal/escrow"
	internalorders "github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/internal/payments"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
)

const maxReasonLen = 500

// CancelService unwinds orders and single items for buyers and sellers.
type CancelService interface {
	CancelOrder(ctx context.Context, orderID, buyerID uuid.UUID, reason string) (*escrow.CancelResult, error)
	RefundItem(ctx context.Context, orderID, itemID, callerID uuid.UUID, reason string) (*models.Order, error)
}

type createOrderRequest struct {
	ShippingAddressID uuid.UUID          `json:"shippingAddressId" validate:"required"`
	Currency          string             `json:"currency,omitempty" validate:"omitempty,currency"`
	Items             []orderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type orderItemRequest struct {
	ProductID uuid.UUID  `json:"productId" validate:"required"`
	OfferID   *uuid.UUID `json:"offerId,omitempty"`
}

type confirmPaymentRequest struct {
	IntentID string `json:"intentId" validate:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type cancelResponse struct {
	Order     internalorders.OrderDetail `json:"order"`
	Refunded  []uuid.UUID                `json:"refunded"`
	Conflicts []escrow.ItemConflict      `json:"conflicts"`
}

// Create checks out the caller's selection into a pending order.
func Create(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		buyerID, ok := middleware.CallerID(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		var payload createOrderRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var currency enums.Currency
		if payload.Currency != "" {
			// already checked by the currency tag; this only normalizes case
			currency, _ = enums.ParseCurrency(payload.Currency)
		}
		input := checkout.CreateOrderInput{
			BuyerID:           buyerID,
			ShippingAddressID: payload.ShippingAddressID,
			Currency:          currency,
			Items:             make([]checkout.ItemInput, 0, len(payload.Items)),
		}
		for _, item := range payload.Items {
			input.Items = append(input.Items, checkout.ItemInput{ProductID: item.ProductID, OfferID: item.OfferID})
		}

		order, err := svc.CreateOrder(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithOrderID(r.Context(), order.ID.String()), "order created")
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, internalorders.NewOrderDetail(order))
	}
}

// List pages through the caller's orders as a buyer.
func List(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		buyerID, ok := middleware.CallerID(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		params, err := validators.ParsePageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.ListBuyerOrders(r.Context(), buyerID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// Detail returns the order to its buyer or to a seller on it.
func Detail(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		viewerID, orderID, ok := callerAndOrder(w, r, logg)
		if !ok {
			return
		}
		detail, err := svc.GetOrder(r.Context(), orderID, viewerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detail)
	}
}

// History returns the status audit trail of an order.
func History(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		viewerID, orderID, ok := callerAndOrder(w, r, logg)
		if !ok {
			return
		}
		entries, err := svc.History(r.Context(), orderID, viewerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, entries)
	}
}

// CreatePaymentIntent opens the gateway intent for a pending order.
func CreatePaymentIntent(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		buyerID, orderID, ok := callerAndOrder(w, r, logg)
		if !ok {
			return
		}
		result, err := svc.CreatePaymentIntent(r.Context(), orderID, buyerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// ConfirmPayment checks the intent with the gateway and settles the order
// when it succeeded.
func ConfirmPayment(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		buyerID, orderID, ok := callerAndOrder(w, r, logg)
		if !ok {
			return
		}
		var payload confirmPaymentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithIntentID(ctx, payload.IntentID)
		}
		order, err := svc.ConfirmPayment(ctx, orderID, buyerID, strings.TrimSpace(payload.IntentID))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderDetail(order))
	}
}

// Cancel cancels an unpaid order, or refunds every item still in escrow.
func Cancel(svc CancelService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}
		buyerID, orderID, ok := callerAndOrder(w, r, logg)
		if !ok {
			return
		}
		var payload reasonRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.CancelOrder(r.Context(), orderID, buyerID, validators.SanitizeString(payload.Reason, maxReasonLen))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		refunded := result.Refunded
		if refunded == nil {
			refunded = []uuid.UUID{}
		}
		conflicts := result.Conflicts
		if conflicts == nil {
			conflicts = []escrow.ItemConflict{}
		}
		responses.WriteSuccess(w, cancelResponse{
			Order:     internalorders.NewOrderDetail(result.Order),
			Refunded:  refunded,
			Conflicts: conflicts,
		})
	}
}

// RefundItem refunds one item while its funds are still held.
func RefundItem(svc CancelService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}
		callerID, orderID, ok := callerAndOrder(w, r, logg)
		if !ok {
			return
		}
		itemID, err := validators.ParseUUIDParam(r, "itemId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload reasonRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.RefundItem(r.Context(), orderID, itemID, callerID, validators.SanitizeString(payload.Reason, maxReasonLen))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.NewOrderDetail(order))
	}
}

func callerAndOrder(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (uuid.UUID, uuid.UUID, bool) {
	callerID, ok := middleware.CallerID(r.Context())
	if !ok {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
		return uuid.Nil, uuid.Nil, false
	}
	orderID, err := validators.ParseUUIDParam(r, "orderId")
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return callerID, orderID, true
}
