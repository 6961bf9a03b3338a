package settlement

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox/payloads"
)

// OpenDispute flags a paid transaction whose funds are still held. While the
// dispute is open the escrow is not released.
func (e *Engine) OpenDispute(ctx context.Context, tx *gorm.DB, transactionID uuid.UUID, reason string, actor *outbox.ActorRef) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	txn, _, err := e.loadTransaction(ctx, repo, transactionID)
	if err != nil {
		return OutcomeSkipped, err
	}
	item, err := e.lockItem(ctx, repo, txn.OrderItemID)
	if err != nil {
		return OutcomeSkipped, err
	}
	txn = item.Transaction
	if txn.DisputeOpen() {
		return OutcomeAlreadyApplied, nil
	}
	switch txn.Status {
	case enums.TransactionStatusPaid, enums.TransactionStatusShipped, enums.TransactionStatusDelivered:
	default:
		return OutcomeSkipped, stateConflict("transaction cannot be disputed", map[string]any{"transactionStatus": txn.Status})
	}
	if item.EscrowStatus != enums.EscrowStatusHolding {
		return OutcomeSkipped, stateConflict("escrow already left holding", map[string]any{"escrowStatus": item.EscrowStatus})
	}

	now := e.clock()
	ok, err := repo.OpenDispute(ctx, txn.ID, reason, now)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !ok {
		return OutcomeAlreadyApplied, nil
	}
	if err := e.emit(ctx, tx, enums.EventDisputeOpened, enums.AggregateTransaction, txn.ID, actor, payloads.DisputeEvent{
		OrderID:       txn.OrderID,
		TransactionID: txn.ID,
		Reason:        reason,
		At:            now,
	}); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}

// ResolveDispute clears an open dispute. Release becomes possible again on
// the next escrow pass if the protection window has elapsed.
func (e *Engine) ResolveDispute(ctx context.Context, tx *gorm.DB, transactionID uuid.UUID, actor *outbox.ActorRef) (Outcome, error) {
	if err := requireTx(tx); err != nil {
		return OutcomeSkipped, err
	}
	repo := e.orders.WithTx(tx)
	txn, _, err := e.loadTransaction(ctx, repo, transactionID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if _, err := e.loadOrder(ctx, repo, txn.OrderID); err != nil {
		return OutcomeSkipped, err
	}
	if txn.DisputeOpenedAt == nil {
		return OutcomeSkipped, stateConflict("transaction has no dispute", nil)
	}

	now := e.clock()
	ok, err := repo.ResolveDispute(ctx, txn.ID, now)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !ok {
		return OutcomeAlreadyApplied, nil
	}
	if err := e.emit(ctx, tx, enums.EventDisputeResolved, enums.AggregateTransaction, txn.ID, actor, payloads.DisputeEvent{
		OrderID:       txn.OrderID,
		TransactionID: txn.ID,
		At:            now,
	}); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}
