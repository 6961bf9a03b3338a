package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/internal/ledger"
	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox/payloads"
)

// ReleaseEscrow moves a delivered item's escrow from holding to released,
// ahead of the seller transfer. Items claimed for a refund stay in holding.
// The returned item reflects the new state.
func (e *Engine) ReleaseEscrow(ctx context.Context, tx *gorm.DB, itemID uuid.UUID) (*models.OrderItem, Outcome, error) {
	if err := requireTx(tx); err != nil {
		return nil, OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	item, err := e.lockItem(ctx, repo, itemID)
	if err != nil {
		return nil, OutcomeSkipped, err
	}
	txn := item.Transaction
	if item.EscrowStatus != enums.EscrowStatusHolding ||
		item.RefundRequestedAt != nil ||
		txn.Status != enums.TransactionStatusDelivered ||
		!txn.BuyerProtectionEligible ||
		txn.DisputeOpen() {
		return item, OutcomeSkipped, nil
	}

	now := e.clock()
	ok, err := repo.TransitionItemEscrow(ctx, item.ID, enums.EscrowStatusHolding, enums.EscrowStatusReleased, map[string]any{"released_at": now})
	if err != nil {
		return nil, OutcomeSkipped, err
	}
	if !ok {
		return item, OutcomeSkipped, nil
	}
	if err := repo.AppendHistory(ctx, orders.NewHistory(item.OrderID, enums.StatusEntityEscrow, item.ID, enums.EscrowStatusHolding, enums.EscrowStatusReleased, "protection_window_elapsed")); err != nil {
		return nil, OutcomeSkipped, err
	}
	if err := e.emit(ctx, tx, enums.EventEscrowReleased, enums.AggregateOrderItem, item.ID, outbox.SystemActor(), payloads.ItemEvent{
		OrderID:       item.OrderID,
		OrderItemID:   item.ID,
		TransactionID: txn.ID,
		SellerID:      item.SellerID,
		Status:        item.Status,
		EscrowStatus:  enums.EscrowStatusReleased,
		AmountCents:   item.PayoutCents(),
	}); err != nil {
		return nil, OutcomeSkipped, err
	}
	item.EscrowStatus = enums.EscrowStatusReleased
	item.ReleasedAt = &now
	return item, OutcomeApplied, nil
}

// MarkTransferred records a completed seller payout and its ledger entry.
func (e *Engine) MarkTransferred(ctx context.Context, tx *gorm.DB, itemID uuid.UUID, transferRef string, currency enums.Currency) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	item, err := e.loadItem(ctx, repo, itemID)
	if err != nil {
		return OutcomeSkipped, err
	}
	from := item.EscrowStatus
	switch from {
	case enums.EscrowStatusTransferred:
		return OutcomeAlreadyApplied, nil
	case enums.EscrowStatusReleased, enums.EscrowStatusTransferFailed:
	default:
		return OutcomeSkipped, nil
	}

	now := e.clock()
	ok, err := repo.TransitionItemEscrow(ctx, item.ID, from, enums.EscrowStatusTransferred, map[string]any{
		"transfer_ref":        transferRef,
		"transferred_at":      now,
		"next_transfer_at":    nil,
		"last_transfer_error": nil,
	})
	if err != nil {
		return OutcomeSkipped, err
	}
	if !ok {
		return OutcomeSkipped, nil
	}
	if _, err := e.ledger.WithTx(tx).RecordOnce(ctx, ledger.RecordLedgerEventInput{
		OrderID:     item.OrderID,
		OrderItemID: uuidPtr(item.ID),
		SellerID:    uuidPtr(item.SellerID),
		Type:        enums.LedgerEventTypeSellerPayout,
		AmountCents: item.PayoutCents(),
		Currency:    currency,
		Ref:         strPtr(transferRef),
	}); err != nil {
		return OutcomeSkipped, err
	}
	if err := repo.AppendHistory(ctx, orders.NewHistory(item.OrderID, enums.StatusEntityEscrow, item.ID, from, enums.EscrowStatusTransferred, "transfer_succeeded")); err != nil {
		return OutcomeSkipped, err
	}
	if err := e.emit(ctx, tx, enums.EventEscrowTransferred, enums.AggregateOrderItem, item.ID, outbox.SystemActor(), payloads.ItemEvent{
		OrderID:       item.OrderID,
		OrderItemID:   item.ID,
		TransactionID: item.Transaction.ID,
		SellerID:      item.SellerID,
		Status:        item.Status,
		EscrowStatus:  enums.EscrowStatusTransferred,
		AmountCents:   item.PayoutCents(),
		Ref:           transferRef,
		Attempts:      item.TransferAttempts + 1,
	}); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}

// TransferFailure describes a failed payout attempt.
type TransferFailure struct {
	Attempts int
	NextAt   time.Time
	Error    string
	Escalate bool
}

// MarkTransferFailed parks the item in transfer_failed with its next retry
// time. Escalated items are never picked up again automatically.
func (e *Engine) MarkTransferFailed(ctx context.Context, tx *gorm.DB, itemID uuid.UUID, failure TransferFailure) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	item, err := e.loadItem(ctx, repo, itemID)
	if err != nil {
		return OutcomeSkipped, err
	}
	from := item.EscrowStatus
	if from != enums.EscrowStatusReleased && from != enums.EscrowStatusTransferFailed {
		return OutcomeSkipped, nil
	}

	now := e.clock()
	updates := map[string]any{
		"transfer_attempts":   failure.Attempts,
		"next_transfer_at":    failure.NextAt.UTC(),
		"last_transfer_error": failure.Error,
	}
	if failure.Escalate {
		updates["escalated_at"] = now
		updates["next_transfer_at"] = nil
	}
	ok, err := repo.TransitionItemEscrow(ctx, item.ID, from, enums.EscrowStatusTransferFailed, updates)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !ok {
		return OutcomeSkipped, nil
	}
	if from != enums.EscrowStatusTransferFailed {
		if err := repo.AppendHistory(ctx, orders.NewHistory(item.OrderID, enums.StatusEntityEscrow, item.ID, from, enums.EscrowStatusTransferFailed, failure.Error)); err != nil {
			return OutcomeSkipped, err
		}
	}

	event := payloads.ItemEvent{
		OrderID:       item.OrderID,
		OrderItemID:   item.ID,
		TransactionID: item.Transaction.ID,
		SellerID:      item.SellerID,
		Status:        item.Status,
		EscrowStatus:  enums.EscrowStatusTransferFailed,
		AmountCents:   item.PayoutCents(),
		Reason:        failure.Error,
		Attempts:      failure.Attempts,
	}
	if err := e.emit(ctx, tx, enums.EventTransferFailed, enums.AggregateOrderItem, item.ID, outbox.SystemActor(), event); err != nil {
		return OutcomeSkipped, err
	}
	if failure.Escalate {
		if err := e.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventTransferEscalated,
			AggregateType: enums.AggregateOrderItem,
			AggregateID:   item.ID,
			Actor:         outbox.SystemActor(),
			Data:          event,
			OccurredAt:    now,
		}); err != nil {
			return OutcomeSkipped, err
		}
	}
	return OutcomeApplied, nil
}

// ClaimRefund reserves a holding item for a gateway refund while holding the
// order lock. A claim left by an earlier attempt is reused: the refund
// idempotency key makes the repeated gateway call return the same refund.
func (e *Engine) ClaimRefund(ctx context.Context, tx *gorm.DB, itemID uuid.UUID) (*models.Order, *models.OrderItem, Outcome, error) {
	if err := requireTx(tx); err != nil {
		return nil, nil, OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	item, err := e.lockItem(ctx, repo, itemID)
	if err != nil {
		return nil, nil, OutcomeSkipped, err
	}
	order, err := e.loadOrder(ctx, repo, item.OrderID)
	if err != nil {
		return nil, nil, OutcomeSkipped, err
	}
	if err := RefundableState(order, item); err != nil {
		return nil, nil, OutcomeSkipped, err
	}
	if item.RefundRequestedAt != nil {
		return order, item, OutcomeAlreadyApplied, nil
	}
	now := e.clock()
	ok, err := repo.ClaimItemRefund(ctx, item.ID, now)
	if err != nil {
		return nil, nil, OutcomeSkipped, err
	}
	if !ok {
		return nil, nil, OutcomeSkipped, lost("refund claim")
	}
	item.RefundRequestedAt = &now
	return order, item, OutcomeApplied, nil
}

// DropRefundClaim returns a claimed item to the release queue after the
// gateway refused the refund.
func (e *Engine) DropRefundClaim(ctx context.Context, tx *gorm.DB, itemID uuid.UUID) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	ok, err := e.orders.WithTx(tx).ClearItemRefundClaim(ctx, itemID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !ok {
		return OutcomeSkipped, nil
	}
	return OutcomeApplied, nil
}

// EscalateRefund keeps the reference of a refund the gateway completed but
// the item could not record. The item is parked for an operator and leaves
// every automatic release and retry pass.
func (e *Engine) EscalateRefund(ctx context.Context, tx *gorm.DB, itemID uuid.UUID, refundRef, cause string) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	item, err := e.loadItem(ctx, repo, itemID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if item.EscrowStatus == enums.EscrowStatusRefunded {
		return OutcomeAlreadyApplied, nil
	}
	now := e.clock()
	if err := repo.UpdateItemFields(ctx, item.ID, map[string]any{
		"refund_ref":   refundRef,
		"escalated_at": now,
	}); err != nil {
		return OutcomeSkipped, err
	}
	if err := e.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventRefundEscalated,
		AggregateType: enums.AggregateOrderItem,
		AggregateID:   item.ID,
		Actor:         outbox.SystemActor(),
		Data: payloads.ItemEvent{
			OrderID:       item.OrderID,
			OrderItemID:   item.ID,
			TransactionID: item.Transaction.ID,
			SellerID:      item.SellerID,
			Status:        item.Status,
			EscrowStatus:  item.EscrowStatus,
			AmountCents:   item.PriceCents,
			Ref:           refundRef,
			Reason:        cause,
		},
		OccurredAt: now,
	}); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}

// MarkItemRefunded closes a paid item after the gateway refunded it. The
// product returns to the catalog unless a later sale already took it.
func (e *Engine) MarkItemRefunded(ctx context.Context, tx *gorm.DB, itemID uuid.UUID, refundRef, reason string, actor *outbox.ActorRef) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	item, err := e.loadItem(ctx, repo, itemID)
	if err != nil {
		return OutcomeSkipped, err
	}
	order, err := e.loadOrder(ctx, repo, item.OrderID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if item.EscrowStatus == enums.EscrowStatusRefunded {
		return OutcomeAlreadyApplied, nil
	}
	if err := RefundableState(order, item); err != nil {
		return OutcomeSkipped, err
	}
	txn := item.Transaction

	now := e.clock()
	if ok, err := repo.TransitionItemEscrow(ctx, item.ID, enums.EscrowStatusHolding, enums.EscrowStatusRefunded, map[string]any{
		"refund_ref":  refundRef,
		"refunded_at": now,
	}); err != nil {
		return OutcomeSkipped, err
	} else if !ok {
		return OutcomeSkipped, lost("escrow")
	}
	if ok, err := repo.TransitionItem(ctx, item.ID, item.Status, enums.OrderItemStatusRefunded, nil); err != nil {
		return OutcomeSkipped, err
	} else if !ok {
		return OutcomeSkipped, lost("order item")
	}
	if ok, err := repo.TransitionTransaction(ctx, txn.ID, txn.Status, enums.TransactionStatusRefunded, nil); err != nil {
		return OutcomeSkipped, err
	} else if !ok {
		return OutcomeSkipped, lost("transaction")
	}
	if _, err := e.locks.RestoreAfterRefund(ctx, tx, item.ProductID, order.ID); err != nil {
		return OutcomeSkipped, err
	}
	if _, err := e.ledger.WithTx(tx).RecordOnce(ctx, ledger.RecordLedgerEventInput{
		OrderID:     order.ID,
		OrderItemID: uuidPtr(item.ID),
		SellerID:    uuidPtr(item.SellerID),
		Type:        enums.LedgerEventTypeRefund,
		AmountCents: item.PriceCents,
		Currency:    order.Currency,
		Ref:         strPtr(refundRef),
	}); err != nil {
		return OutcomeSkipped, err
	}
	if err := repo.AppendHistory(ctx,
		orders.NewHistory(order.ID, enums.StatusEntityEscrow, item.ID, enums.EscrowStatusHolding, enums.EscrowStatusRefunded, reason),
		orders.NewHistory(order.ID, enums.StatusEntityOrderItem, item.ID, item.Status, enums.OrderItemStatusRefunded, reason),
		orders.NewHistory(order.ID, enums.StatusEntityTransaction, txn.ID, txn.Status, enums.TransactionStatusRefunded, reason),
	); err != nil {
		return OutcomeSkipped, err
	}
	if _, err := e.SyncOrderStatus(ctx, tx, order.ID); err != nil {
		return OutcomeSkipped, err
	}
	if err := e.emit(ctx, tx, enums.EventItemRefunded, enums.AggregateOrderItem, item.ID, actor, payloads.ItemEvent{
		OrderID:       order.ID,
		OrderItemID:   item.ID,
		TransactionID: txn.ID,
		SellerID:      item.SellerID,
		Status:        enums.OrderItemStatusRefunded,
		EscrowStatus:  enums.EscrowStatusRefunded,
		AmountCents:   item.PriceCents,
		Ref:           refundRef,
		Reason:        reason,
	}); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}

// RefundableState reports whether the gateway may be asked to refund item.
// Only funds still held in escrow on a paid order can be refunded.
func RefundableState(order *models.Order, item *models.OrderItem) error {
	details := map[string]any{
		"orderStatus":  order.Status,
		"itemStatus":   item.Status,
		"escrowStatus": item.EscrowStatus,
	}
	if !order.Status.IsPaidOrLater() {
		return stateConflict("order has no captured payment to refund", details)
	}
	if item.EscrowStatus != enums.EscrowStatusHolding {
		return stateConflict("escrow no longer holds funds for this item", details)
	}
	if item.Transaction == nil || !item.Status.CanTransitionTo(enums.OrderItemStatusRefunded) ||
		!item.Transaction.Status.CanTransitionTo(enums.TransactionStatusRefunded) {
		return stateConflict("order item cannot be refunded", details)
	}
	return nil
}
