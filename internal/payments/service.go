package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/internal/gateway"
	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/internal/settlement"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service starts and confirms buyer payments for pending orders.
type Service interface {
	CreatePaymentIntent(ctx context.Context, orderID, buyerID uuid.UUID) (*IntentResult, error)
	ConfirmPayment(ctx context.Context, orderID, buyerID uuid.UUID, intentID string) (*models.Order, error)
}

// IntentResult is what the client needs to complete payment.
type IntentResult struct {
	OrderID      uuid.UUID            `json:"orderId"`
	IntentID     string               `json:"intentId"`
	ClientSecret string               `json:"clientSecret"`
	Status       gateway.IntentStatus `json:"status"`
	AmountCents  int64                `json:"amountCents"`
	Currency     enums.Currency       `json:"currency"`
}

type service struct {
	tx      txRunner
	orders  orders.Repository
	gateway gateway.Gateway
	engine  *settlement.Engine
	logg    *logger.Logger
}

func NewService(tx txRunner, ordersRepo orders.Repository, gw gateway.Gateway, engine *settlement.Engine, logg *logger.Logger) (Service, error) {
	switch {
	case tx == nil:
		return nil, fmt.Errorf("tx runner required")
	case ordersRepo == nil:
		return nil, fmt.Errorf("orders repository required")
	case gw == nil:
		return nil, fmt.Errorf("payment gateway required")
	case engine == nil:
		return nil, fmt.Errorf("settlement engine required")
	case logg == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &service{tx: tx, orders: ordersRepo, gateway: gw, engine: engine, logg: logg}, nil
}

// CreatePaymentIntent opens (or re-opens) the gateway intent for the order's
// total. The gateway call is keyed by order, so a retry returns the same intent.
func (s *service) CreatePaymentIntent(ctx context.Context, orderID, buyerID uuid.UUID) (*IntentResult, error) {
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	order, err := s.loadOwnedOrder(ctx, orderID, buyerID)
	if err != nil {
		return nil, err
	}
	if order.Status != enums.OrderStatusPending {
		return nil, notPending(order)
	}

	intent, err := s.gateway.CreateIntent(ctx, gateway.IntentRequest{
		OrderRef:    order.ID.String(),
		AmountCents: order.TotalAmountCents,
		Currency:    order.Currency,
	})
	if err != nil {
		s.logg.Error(ctx, "create payment intent failed", err)
		return nil, gateway.Wrap(err, "create payment intent")
	}
	ctx = s.logg.WithIntentID(ctx, intent.ID)

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		ok, err := repo.SetPaymentIntentRef(ctx, order.ID, intent.ID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		current, err := repo.FindOrder(ctx, order.ID)
		if err != nil {
			return orders.MapLookupError(err, "order")
		}
		if current.Status != enums.OrderStatusPending {
			return notPending(current)
		}
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order already has a different payment intent").
			WithDetails(map[string]any{"orderId": order.ID})
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(ctx, "payment intent attached")
	return &IntentResult{
		OrderID:      order.ID,
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       intent.Status,
		AmountCents:  order.TotalAmountCents,
		Currency:     order.Currency,
	}, nil
}

// ConfirmPayment confirms the intent with the gateway and applies the result
// through the same settlement primitives the webhook uses. A pending result
// leaves the order unchanged; a declined attempt only records the error.
func (s *service) ConfirmPayment(ctx context.Context, orderID, buyerID uuid.UUID, intentID string) (*models.Order, error) {
	ctx = s.logg.WithIntentID(s.logg.WithOrderID(ctx, orderID.String()), intentID)
	order, err := s.loadOwnedOrder(ctx, orderID, buyerID)
	if err != nil {
		return nil, err
	}
	if intentID == "" || order.PaymentIntentRef == nil || *order.PaymentIntentRef != intentID {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment intent does not belong to order").
			WithDetails(map[string]any{"orderId": order.ID, "intentId": intentID})
	}
	if order.Status != enums.OrderStatusPending {
		return order, nil
	}

	status, err := s.gateway.ConfirmIntent(ctx, intentID)
	if err != nil {
		s.logg.Error(ctx, "confirm payment intent failed", err)
		return nil, gateway.Wrap(err, "confirm payment intent")
	}

	var outcome settlement.Outcome
	switch status {
	case gateway.IntentSucceeded:
		err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			var applyErr error
			outcome, applyErr = s.engine.ApplyPaymentSucceeded(ctx, tx, order.ID, intentID)
			return applyErr
		})
	case gateway.IntentFailed:
		err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			var applyErr error
			outcome, applyErr = s.engine.ApplyPaymentFailed(ctx, tx, order.ID, "payment confirmation failed")
			return applyErr
		})
	case gateway.IntentCanceled:
		err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			var applyErr error
			outcome, applyErr = s.engine.ApplyPaymentCanceled(ctx, tx, order.ID, "payment intent canceled")
			return applyErr
		})
	default:
		return order, nil
	}
	if err != nil {
		return nil, err
	}
	s.logg.Info(ctx, fmt.Sprintf("payment confirmation %s: %s", status, outcome))

	updated, err := s.orders.FindOrder(ctx, order.ID)
	if err != nil {
		return nil, orders.MapLookupError(err, "order")
	}
	return updated, nil
}

func (s *service) loadOwnedOrder(ctx context.Context, orderID, buyerID uuid.UUID) (*models.Order, error) {
	order, err := s.orders.FindOrder(ctx, orderID)
	if err != nil {
		return nil, orders.MapLookupError(err, "order")
	}
	if order.BuyerID != buyerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer can pay for an order")
	}
	return order, nil
}

func notPending(order *models.Order) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, "order is not awaiting payment").
		WithDetails(map[string]any{"orderId": order.ID, "status": order.Status})
}
