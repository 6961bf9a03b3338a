package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/internal/ledger"
	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox/payloads"
)

// Close-out reasons recorded on orders and in the status history.
const (
	ReasonPaymentSucceeded  = "payment_succeeded"
	ReasonPaymentFailed     = "payment_failed"
	ReasonPaymentCanceled   = "payment_canceled"
	ReasonCheckoutAbandoned = "checkout_abandoned"
	ReasonBuyerCancelled    = "buyer_cancelled"
)

// ApplyPaymentSucceeded moves a pending order to paid: items start
// processing, transactions are paid, funds are held in escrow and every
// reservation is consumed. A repeated call is a no-op. A payment landing on a
// cancelled or expired order is reported as orphaned and changes nothing.
func (e *Engine) ApplyPaymentSucceeded(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, intentRef string) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	order, err := e.loadOrder(ctx, repo, orderID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if intentRef == "" && order.PaymentIntentRef != nil {
		intentRef = *order.PaymentIntentRef
	}

	if order.Status != enums.OrderStatusPending {
		return e.classifyLatePayment(ctx, tx, order, intentRef)
	}

	now := e.clock()
	updates := map[string]any{"paid_at": now, "last_payment_error": nil}
	if order.PaymentIntentRef == nil && intentRef != "" {
		updates["payment_intent_ref"] = intentRef
	}
	ok, err := repo.TransitionOrder(ctx, order.ID, enums.OrderStatusPending, enums.OrderStatusPaid, updates)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !ok {
		reloaded, err := repo.FindOrder(ctx, order.ID)
		if err != nil {
			return OutcomeSkipped, orders.MapLookupError(err, "order")
		}
		return e.classifyLatePayment(ctx, tx, reloaded, intentRef)
	}

	history := []models.StatusHistory{
		orders.NewHistory(order.ID, enums.StatusEntityOrder, order.ID, enums.OrderStatusPending, enums.OrderStatusPaid, ReasonPaymentSucceeded),
	}
	ledgerTx := e.ledger.WithTx(tx)
	for i := range order.Items {
		item := &order.Items[i]
		if item.Transaction == nil {
			return OutcomeSkipped, pkgerrors.New(pkgerrors.CodeInconsistentState, "order item has no transaction")
		}
		if ok, err := repo.TransitionItem(ctx, item.ID, enums.OrderItemStatusPending, enums.OrderItemStatusProcessing, nil); err != nil {
			return OutcomeSkipped, err
		} else if !ok {
			return OutcomeSkipped, lost("order item")
		}
		if ok, err := repo.TransitionTransaction(ctx, item.Transaction.ID, enums.TransactionStatusPending, enums.TransactionStatusPaid, map[string]any{
			"buyer_protection_eligible": true,
		}); err != nil {
			return OutcomeSkipped, err
		} else if !ok {
			return OutcomeSkipped, lost("transaction")
		}

		consumed, err := e.locks.Consume(ctx, tx, item.ProductID, order.ID)
		if err != nil {
			return OutcomeSkipped, err
		}
		if !consumed {
			return OutcomeSkipped, pkgerrors.New(pkgerrors.CodeInconsistentState, "reservation not held by paid order").
				WithDetails(map[string]any{"productId": item.ProductID, "orderId": order.ID})
		}

		if err := e.recordCapture(ctx, ledgerTx, order, item, intentRef); err != nil {
			return OutcomeSkipped, err
		}
		history = append(history,
			orders.NewHistory(order.ID, enums.StatusEntityOrderItem, item.ID, enums.OrderItemStatusPending, enums.OrderItemStatusProcessing, ReasonPaymentSucceeded),
			orders.NewHistory(order.ID, enums.StatusEntityTransaction, item.Transaction.ID, enums.TransactionStatusPending, enums.TransactionStatusPaid, ReasonPaymentSucceeded),
		)
	}
	if order.TotalShippingFeeCents > 0 {
		if _, err := ledgerTx.RecordOnce(ctx, ledger.RecordLedgerEventInput{
			OrderID:     order.ID,
			Type:        enums.LedgerEventTypePaymentCaptured,
			AmountCents: order.TotalShippingFeeCents,
			Currency:    order.Currency,
			Ref:         strPtr(intentRef),
		}); err != nil {
			return OutcomeSkipped, err
		}
	}

	if err := repo.AppendHistory(ctx, history...); err != nil {
		return OutcomeSkipped, err
	}
	if err := e.emit(ctx, tx, enums.EventOrderPaid, enums.AggregateOrder, order.ID, outbox.GatewayActor(), payloads.OrderPaidEvent{
		OrderID:          order.ID,
		BuyerID:          order.BuyerID,
		IntentRef:        intentRef,
		TotalAmountCents: order.TotalAmountCents,
		PaidAt:           now,
	}); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}

func (e *Engine) recordCapture(ctx context.Context, ledgerTx ledger.Service, order *models.Order, item *models.OrderItem, intentRef string) error {
	entries := []ledger.RecordLedgerEventInput{
		{
			OrderID:     order.ID,
			OrderItemID: uuidPtr(item.ID),
			SellerID:    uuidPtr(item.SellerID),
			Type:        enums.LedgerEventTypePaymentCaptured,
			AmountCents: item.PriceCents,
			Currency:    order.Currency,
			Ref:         strPtr(intentRef),
		},
		{
			OrderID:     order.ID,
			OrderItemID: uuidPtr(item.ID),
			SellerID:    uuidPtr(item.SellerID),
			Type:        enums.LedgerEventTypePlatformFee,
			AmountCents: item.PlatformFeeCents,
			Currency:    order.Currency,
			Ref:         strPtr(intentRef),
		},
	}
	for _, entry := range entries {
		if _, err := ledgerTx.RecordOnce(ctx, entry); err != nil {
			return fmt.Errorf("record %s: %w", entry.Type, err)
		}
	}
	return nil
}

func (e *Engine) classifyLatePayment(ctx context.Context, tx *gorm.DB, order *models.Order, intentRef string) (Outcome, error) {
	switch {
	case order.Status.IsPaidOrLater(), order.Status == enums.OrderStatusRefunded:
		return OutcomeAlreadyApplied, nil
	case order.Status == enums.OrderStatusCancelled, order.Status == enums.OrderStatusExpired:
		logCtx := e.logg.WithFields(ctx, map[string]any{
			"order_id":     order.ID.String(),
			"order_status": order.Status,
			"intent_ref":   intentRef,
		})
		e.logg.Error(logCtx, "payment captured for closed order", pkgerrors.New(pkgerrors.CodeInconsistentState, "orphaned payment"))
		err := e.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentOrphaned,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         outbox.GatewayActor(),
			OccurredAt:    e.clock(),
			Data: payloads.PaymentOrphanedEvent{
				OrderID:     order.ID,
				IntentRef:   intentRef,
				OrderStatus: order.Status,
			},
		})
		if err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeOrphaned, nil
	}
	return OutcomeSkipped, nil
}

// ApplyPaymentFailed records a declined payment attempt. The intent stays
// open for the buyer to retry, so the order stays pending and its products
// stay locked until the reservation lease runs out.
func (e *Engine) ApplyPaymentFailed(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, reason string) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	if reason == "" {
		reason = ReasonPaymentFailed
	}
	repo := e.orders.WithTx(tx)
	order, err := e.loadOrder(ctx, repo, orderID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if order.Status != enums.OrderStatusPending {
		return OutcomeSkipped, nil
	}
	if err := repo.UpdateOrderFields(ctx, order.ID, map[string]any{"last_payment_error": reason}); err != nil {
		return OutcomeSkipped, err
	}
	intentRef := ""
	if order.PaymentIntentRef != nil {
		intentRef = *order.PaymentIntentRef
	}
	if err := e.emit(ctx, tx, enums.EventPaymentFailed, enums.AggregateOrder, order.ID, outbox.GatewayActor(), payloads.PaymentFailedEvent{
		OrderID:   order.ID,
		BuyerID:   order.BuyerID,
		IntentRef: intentRef,
		Reason:    reason,
		FailedAt:  e.clock(),
	}); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}

// ApplyPaymentCanceled expires a pending order whose intent was canceled at
// the gateway. No later attempt can capture, so every product is released.
func (e *Engine) ApplyPaymentCanceled(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, reason string) (Outcome, error) {
	if reason == "" {
		reason = ReasonPaymentCanceled
	}
	return e.closePending(ctx, tx, orderID, closeSpec{
		orderTo:    enums.OrderStatusExpired,
		escrowTo:   enums.EscrowStatusCancelled,
		reason:     ReasonPaymentCanceled,
		detail:     reason,
		event:      enums.EventOrderExpired,
		actor:      outbox.GatewayActor(),
		paymentErr: true,
	})
}

// CancelUnpaidOrder cancels a pending order on the buyer's request. No money
// moved yet, so no gateway call is involved.
func (e *Engine) CancelUnpaidOrder(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, reason string, actor *outbox.ActorRef) (Outcome, error) {
	if reason == "" {
		reason = ReasonBuyerCancelled
	}
	return e.closePending(ctx, tx, orderID, closeSpec{
		orderTo:  enums.OrderStatusCancelled,
		escrowTo: enums.EscrowStatusCancelled,
		reason:   reason,
		detail:   reason,
		event:    enums.EventOrderCancelled,
		actor:    actor,
	})
}

// CloseAbandonedOrder expires a pending order whose reservations timed out
// without payment. Escrow is closed as refunded for bookkeeping; no funds were
// captured.
func (e *Engine) CloseAbandonedOrder(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (Outcome, error) {
	return e.closePending(ctx, tx, orderID, closeSpec{
		orderTo:  enums.OrderStatusExpired,
		escrowTo: enums.EscrowStatusRefunded,
		reason:   ReasonCheckoutAbandoned,
		detail:   ReasonCheckoutAbandoned,
		event:    enums.EventCheckoutAbandoned,
		actor:    outbox.SystemActor(),
	})
}

type closeSpec struct {
	orderTo    enums.OrderStatus
	escrowTo   enums.EscrowStatus
	reason     string
	detail     string
	event      enums.OutboxEventType
	actor      *outbox.ActorRef
	paymentErr bool
}

func (e *Engine) closePending(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, spec closeSpec) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	order, err := e.loadOrder(ctx, repo, orderID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if order.Status == spec.orderTo {
		return OutcomeAlreadyApplied, nil
	}
	if order.Status != enums.OrderStatusPending {
		return OutcomeSkipped, nil
	}

	now := e.clock()
	updates := map[string]any{
		"cancel_reason": spec.detail,
		"cancelled_at":  now,
	}
	if spec.paymentErr {
		updates["last_payment_error"] = spec.detail
	}
	ok, err := repo.TransitionOrder(ctx, order.ID, enums.OrderStatusPending, spec.orderTo, updates)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !ok {
		return OutcomeSkipped, nil
	}

	history := []models.StatusHistory{
		orders.NewHistory(order.ID, enums.StatusEntityOrder, order.ID, enums.OrderStatusPending, spec.orderTo, spec.reason),
	}
	for i := range order.Items {
		entries, err := e.closeUnpaidItem(ctx, tx, repo, order, &order.Items[i], spec)
		if err != nil {
			return OutcomeSkipped, err
		}
		history = append(history, entries...)
	}
	if err := repo.AppendHistory(ctx, history...); err != nil {
		return OutcomeSkipped, err
	}

	if err := e.emit(ctx, tx, spec.event, enums.AggregateOrder, order.ID, spec.actor, payloads.OrderClosedEvent{
		OrderID:  order.ID,
		BuyerID:  order.BuyerID,
		Status:   spec.orderTo,
		Reason:   spec.detail,
		ClosedAt: now,
	}); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}

// closeUnpaidItem cancels one unpaid item and its transaction, closes its
// escrow and hands the product back to the catalog.
func (e *Engine) closeUnpaidItem(ctx context.Context, tx *gorm.DB, repo orders.Repository, order *models.Order, item *models.OrderItem, spec closeSpec) ([]models.StatusHistory, error) {
	var history []models.StatusHistory
	if item.Status == enums.OrderItemStatusPending {
		if ok, err := repo.TransitionItem(ctx, item.ID, enums.OrderItemStatusPending, enums.OrderItemStatusCancelled, nil); err != nil {
			return nil, err
		} else if !ok {
			return nil, lost("order item")
		}
		history = append(history, orders.NewHistory(order.ID, enums.StatusEntityOrderItem, item.ID, enums.OrderItemStatusPending, enums.OrderItemStatusCancelled, spec.reason))
	}
	if item.EscrowStatus == enums.EscrowStatusHolding {
		extra := map[string]any{}
		if spec.escrowTo == enums.EscrowStatusRefunded {
			extra["refunded_at"] = e.clock()
		}
		if ok, err := repo.TransitionItemEscrow(ctx, item.ID, enums.EscrowStatusHolding, spec.escrowTo, extra); err != nil {
			return nil, err
		} else if !ok {
			return nil, lost("escrow")
		}
		history = append(history, orders.NewHistory(order.ID, enums.StatusEntityEscrow, item.ID, enums.EscrowStatusHolding, spec.escrowTo, spec.reason))
	}
	if txn := item.Transaction; txn != nil && txn.Status == enums.TransactionStatusPending {
		if ok, err := repo.TransitionTransaction(ctx, txn.ID, enums.TransactionStatusPending, enums.TransactionStatusCancelled, nil); err != nil {
			return nil, err
		} else if !ok {
			return nil, lost("transaction")
		}
		history = append(history, orders.NewHistory(order.ID, enums.StatusEntityTransaction, txn.ID, enums.TransactionStatusPending, enums.TransactionStatusCancelled, spec.reason))
	}
	// A reservation already released or taken over by another order is fine.
	if _, err := e.locks.Release(ctx, tx, item.ProductID, order.ID); err != nil {
		return nil, err
	}
	return history, nil
}
