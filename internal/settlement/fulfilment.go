package settlement

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox/payloads"
)

// MarkShipped records the seller's shipment of one transaction.
func (e *Engine) MarkShipped(ctx context.Context, tx *gorm.DB, transactionID uuid.UUID, trackingNumber string, actor *outbox.ActorRef) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	txn, item, err := e.loadTransaction(ctx, repo, transactionID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if _, err := e.loadOrder(ctx, repo, txn.OrderID); err != nil {
		return OutcomeSkipped, err
	}
	switch txn.Status {
	case enums.TransactionStatusShipped:
		return OutcomeAlreadyApplied, nil
	case enums.TransactionStatusPaid:
	default:
		return OutcomeSkipped, stateConflict("transaction cannot be shipped", map[string]any{"status": txn.Status})
	}
	if !item.Status.CanTransitionTo(enums.OrderItemStatusShipped) {
		return OutcomeSkipped, stateConflict("order item cannot be shipped", map[string]any{"status": item.Status})
	}

	now := e.clock()
	ok, err := repo.TransitionTransaction(ctx, txn.ID, enums.TransactionStatusPaid, enums.TransactionStatusShipped, map[string]any{
		"tracking_number": strPtr(trackingNumber),
		"shipped_at":      now,
	})
	if err != nil {
		return OutcomeSkipped, err
	}
	if !ok {
		return OutcomeSkipped, lost("transaction")
	}
	if ok, err := repo.TransitionItem(ctx, item.ID, item.Status, enums.OrderItemStatusShipped, nil); err != nil {
		return OutcomeSkipped, err
	} else if !ok {
		return OutcomeSkipped, lost("order item")
	}

	if err := repo.AppendHistory(ctx,
		orders.NewHistory(txn.OrderID, enums.StatusEntityTransaction, txn.ID, enums.TransactionStatusPaid, enums.TransactionStatusShipped, "shipped"),
		orders.NewHistory(txn.OrderID, enums.StatusEntityOrderItem, item.ID, item.Status, enums.OrderItemStatusShipped, "shipped"),
	); err != nil {
		return OutcomeSkipped, err
	}
	if _, err := e.SyncOrderStatus(ctx, tx, txn.OrderID); err != nil {
		return OutcomeSkipped, err
	}
	if err := e.emit(ctx, tx, enums.EventItemShipped, enums.AggregateOrderItem, item.ID, actor, payloads.ItemEvent{
		OrderID:       txn.OrderID,
		OrderItemID:   item.ID,
		TransactionID: txn.ID,
		SellerID:      item.SellerID,
		Status:        enums.OrderItemStatusShipped,
		EscrowStatus:  item.EscrowStatus,
		Ref:           trackingNumber,
	}); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}

// MarkDelivered records delivery and starts the buyer-protection window.
func (e *Engine) MarkDelivered(ctx context.Context, tx *gorm.DB, transactionID uuid.UUID, proof json.RawMessage, actor *outbox.ActorRef) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	txn, item, err := e.loadTransaction(ctx, repo, transactionID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if _, err := e.loadOrder(ctx, repo, txn.OrderID); err != nil {
		return OutcomeSkipped, err
	}
	switch txn.Status {
	case enums.TransactionStatusDelivered:
		return OutcomeAlreadyApplied, nil
	case enums.TransactionStatusPaid, enums.TransactionStatusShipped:
	default:
		return OutcomeSkipped, stateConflict("transaction cannot be delivered", map[string]any{"status": txn.Status})
	}
	if !item.Status.CanTransitionTo(enums.OrderItemStatusDelivered) {
		return OutcomeSkipped, stateConflict("order item cannot be delivered", map[string]any{"status": item.Status})
	}

	now := e.clock()
	updates := map[string]any{"delivered_at": now}
	if len(proof) > 0 {
		updates["delivery_proof"] = proof
	}
	ok, err := repo.TransitionTransaction(ctx, txn.ID, txn.Status, enums.TransactionStatusDelivered, updates)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !ok {
		return OutcomeSkipped, lost("transaction")
	}
	if ok, err := repo.TransitionItem(ctx, item.ID, item.Status, enums.OrderItemStatusDelivered, nil); err != nil {
		return OutcomeSkipped, err
	} else if !ok {
		return OutcomeSkipped, lost("order item")
	}

	if err := repo.AppendHistory(ctx,
		orders.NewHistory(txn.OrderID, enums.StatusEntityTransaction, txn.ID, txn.Status, enums.TransactionStatusDelivered, "delivered"),
		orders.NewHistory(txn.OrderID, enums.StatusEntityOrderItem, item.ID, item.Status, enums.OrderItemStatusDelivered, "delivered"),
	); err != nil {
		return OutcomeSkipped, err
	}
	if _, err := e.SyncOrderStatus(ctx, tx, txn.OrderID); err != nil {
		return OutcomeSkipped, err
	}
	if err := e.emit(ctx, tx, enums.EventItemDelivered, enums.AggregateOrderItem, item.ID, actor, payloads.ItemEvent{
		OrderID:       txn.OrderID,
		OrderItemID:   item.ID,
		TransactionID: txn.ID,
		SellerID:      item.SellerID,
		Status:        enums.OrderItemStatusDelivered,
		EscrowStatus:  item.EscrowStatus,
	}); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}

// SyncOrderStatus recomputes the order status from its items and applies it
// when the transition table allows the move.
func (e *Engine) SyncOrderStatus(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (enums.OrderStatus, error) {
	if err := requireTx(tx); err != nil {
		return "", err
	}
	repo := e.orders.WithTx(tx)
	order, err := repo.FindOrder(ctx, orderID)
	if err != nil {
		return "", orders.MapLookupError(err, "order")
	}
	target := deriveOrderStatus(order.Status, order.Items)
	if target == order.Status || !order.Status.CanTransitionTo(target) {
		return order.Status, nil
	}

	now := e.clock()
	extra := map[string]any{}
	switch target {
	case enums.OrderStatusShipped:
		extra["shipped_at"] = now
	case enums.OrderStatusDelivered:
		extra["delivered_at"] = now
		if order.ShippedAt == nil {
			extra["shipped_at"] = now
		}
	case enums.OrderStatusCancelled, enums.OrderStatusRefunded:
		extra["cancelled_at"] = now
	}
	ok, err := repo.TransitionOrder(ctx, order.ID, order.Status, target, extra)
	if err != nil {
		return "", err
	}
	if !ok {
		return order.Status, lost("order")
	}
	if err := repo.AppendHistory(ctx, orders.NewHistory(order.ID, enums.StatusEntityOrder, order.ID, order.Status, target, "derived")); err != nil {
		return "", err
	}
	return target, nil
}

// deriveOrderStatus folds item statuses into the order status. A paid order
// that lost some items to refunds before anything shipped is processing: the
// captured amount no longer matches what is being fulfilled. It returns
// current when no rule applies.
func deriveOrderStatus(current enums.OrderStatus, items []models.OrderItem) enums.OrderStatus {
	if len(items) == 0 {
		return current
	}
	var cancelled, refunded, delivered, shipped int
	for _, item := range items {
		switch item.Status {
		case enums.OrderItemStatusCancelled:
			cancelled++
		case enums.OrderItemStatusRefunded:
			refunded++
		case enums.OrderItemStatusDelivered:
			delivered++
		case enums.OrderItemStatusShipped:
			shipped++
		}
	}
	total := len(items)
	open := total - cancelled - refunded
	switch {
	case cancelled == total:
		return enums.OrderStatusCancelled
	case open == 0:
		return enums.OrderStatusRefunded
	case delivered == open:
		return enums.OrderStatusDelivered
	case shipped+delivered > 0:
		return enums.OrderStatusShipped
	case refunded > 0 && current == enums.OrderStatusPaid:
		return enums.OrderStatusProcessing
	}
	return current
}
