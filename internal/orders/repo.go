package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/marketplace-settlement/pkg/db"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/angelmondragon/marketplace-settlement/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTransitionNotAllowed is returned when a caller asks for a move the
// transition tables forbid. It signals a programming error, not contention.
var ErrTransitionNotAllowed = errors.New("status transition not allowed")

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// CreateOrder inserts the order, its items and each item's transaction.
func (r *repository) CreateOrder(ctx context.Context, order *models.Order) error {
	db := r.db.WithContext(ctx)
	if err := db.Omit(clause.Associations).Create(order).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		if err := db.Omit(clause.Associations).Create(item).Error; err != nil {
			return fmt.Errorf("create order item: %w", err)
		}
		if item.Transaction == nil {
			continue
		}
		item.Transaction.OrderItemID = item.ID
		item.Transaction.OrderID = order.ID
		if err := db.Create(item.Transaction).Error; err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
	}
	return nil
}

func (r *repository) FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return r.findOrder(r.db.WithContext(ctx), "id = ?", orderID)
}

// FindOrderForUpdate locks the order row for the rest of the transaction.
func (r *repository) FindOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	locked := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	return r.findOrder(locked, "id = ?", orderID)
}

func (r *repository) FindOrderByIntentRef(ctx context.Context, intentRef string) (*models.Order, error) {
	return r.findOrder(r.db.WithContext(ctx), "payment_intent_ref = ?", intentRef)
}

func (r *repository) findOrder(db *gorm.DB, query string, args ...any) (*models.Order, error) {
	var order models.Order
	err := db.
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at ASC").Order("id ASC") }).
		Preload("Items.Transaction").
		Where(query, args...).
		Take(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindItem(ctx context.Context, itemID uuid.UUID) (*models.OrderItem, error) {
	var item models.OrderItem
	err := r.db.WithContext(ctx).
		Preload("Transaction").
		Where("id = ?", itemID).
		Take(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) FindTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", transactionID).Take(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) ListBuyerOrders(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error) {
	query, err := pagination.Newest(r.db.WithContext(ctx).Preload("Items").Where("buyer_id = ?", buyerID), params)
	if err != nil {
		return nil, err
	}
	var rows []models.Order
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	rows, next := pagination.Trim(rows, params, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})
	list := &OrderList{Orders: make([]OrderSummary, 0, len(rows)), NextCursor: next}
	for i := range rows {
		list.Orders = append(list.Orders, summarize(&rows[i]))
	}
	return list, nil
}

func (r *repository) TransitionOrder(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus, extra map[string]any) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: order %s -> %s", ErrTransitionNotAllowed, from, to)
	}
	return r.guardedUpdate(ctx, &models.Order{}, "id = ? AND status = ?", []any{orderID, from}, withStatus(extra, "status", to))
}

func (r *repository) TransitionItem(ctx context.Context, itemID uuid.UUID, from, to enums.OrderItemStatus, extra map[string]any) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: order item %s -> %s", ErrTransitionNotAllowed, from, to)
	}
	return r.guardedUpdate(ctx, &models.OrderItem{}, "id = ? AND status = ?", []any{itemID, from}, withStatus(extra, "status", to))
}

// TransitionItemEscrow moves the item's escrow status and mirrors it onto the
// paired transaction in the same statement batch.
func (r *repository) TransitionItemEscrow(ctx context.Context, itemID uuid.UUID, from, to enums.EscrowStatus, extra map[string]any) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: escrow %s -> %s", ErrTransitionNotAllowed, from, to)
	}
	ok, err := r.guardedUpdate(ctx, &models.OrderItem{}, "id = ? AND escrow_status = ?", []any{itemID, from}, withStatus(extra, "escrow_status", to))
	if err != nil || !ok {
		return ok, err
	}
	if err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("order_item_id = ?", itemID).
		Update("escrow_status", to).Error; err != nil {
		return false, fmt.Errorf("mirror escrow status: %w", err)
	}
	return true, nil
}

func (r *repository) TransitionTransaction(ctx context.Context, transactionID uuid.UUID, from, to enums.TransactionStatus, extra map[string]any) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: transaction %s -> %s", ErrTransitionNotAllowed, from, to)
	}
	return r.guardedUpdate(ctx, &models.Transaction{}, "id = ? AND status = ?", []any{transactionID, from}, withStatus(extra, "status", to))
}

// SetPaymentIntentRef stores the intent on a pending order. Re-setting the same
// ref succeeds; a different ref does not overwrite, and a ref already owned by
// another order reports false.
func (r *repository) SetPaymentIntentRef(ctx context.Context, orderID uuid.UUID, intentRef string) (bool, error) {
	ok, err := r.guardedUpdate(ctx, &models.Order{},
		"id = ? AND status = ? AND (payment_intent_ref IS NULL OR payment_intent_ref = ?)",
		[]any{orderID, enums.OrderStatusPending, intentRef},
		map[string]any{"payment_intent_ref": intentRef},
	)
	if db.IsUniqueViolation(err, "payment_intent_ref") {
		return false, nil
	}
	return ok, err
}

func (r *repository) UpdateOrderFields(ctx context.Context, orderID uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", orderID).Updates(updates).Error
}

func (r *repository) UpdateItemFields(ctx context.Context, itemID uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.OrderItem{}).Where("id = ?", itemID).Updates(updates).Error
}

// ClaimItemRefund marks a holding item as being refunded. Release passes skip
// claimed items, so the gateway refund cannot race a seller payout.
func (r *repository) ClaimItemRefund(ctx context.Context, itemID uuid.UUID, at time.Time) (bool, error) {
	return r.guardedUpdate(ctx, &models.OrderItem{},
		"id = ? AND escrow_status = ? AND refund_requested_at IS NULL",
		[]any{itemID, enums.EscrowStatusHolding},
		map[string]any{"refund_requested_at": at.UTC()})
}

func (r *repository) ClearItemRefundClaim(ctx context.Context, itemID uuid.UUID) (bool, error) {
	return r.guardedUpdate(ctx, &models.OrderItem{},
		"id = ? AND escrow_status = ? AND refund_requested_at IS NOT NULL",
		[]any{itemID, enums.EscrowStatusHolding},
		map[string]any{"refund_requested_at": nil})
}

func (r *repository) OpenDispute(ctx context.Context, transactionID uuid.UUID, reason string, at time.Time) (bool, error) {
	return r.guardedUpdate(ctx, &models.Transaction{},
		"id = ? AND (dispute_opened_at IS NULL OR dispute_resolved_at IS NOT NULL)",
		[]any{transactionID},
		map[string]any{
			"dispute_opened_at":   at,
			"dispute_reason":      reason,
			"dispute_resolved_at": nil,
		},
	)
}

func (r *repository) ResolveDispute(ctx context.Context, transactionID uuid.UUID, at time.Time) (bool, error) {
	return r.guardedUpdate(ctx, &models.Transaction{},
		"id = ? AND dispute_opened_at IS NOT NULL AND dispute_resolved_at IS NULL",
		[]any{transactionID},
		map[string]any{"dispute_resolved_at": at},
	)
}

// ListReleaseDue returns delivered items still holding escrow whose
// buyer-protection window ended and that carry no open dispute or refund claim.
func (r *repository) ListReleaseDue(ctx context.Context, deliveredBefore time.Time, limit int) ([]models.OrderItem, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []models.OrderItem
	err := r.db.WithContext(ctx).
		Preload("Transaction").
		Joins("JOIN transactions t ON t.order_item_id = order_items.id").
		Where("order_items.escrow_status = ? AND order_items.status = ?", enums.EscrowStatusHolding, enums.OrderItemStatusDelivered).
		Where("order_items.refund_requested_at IS NULL").
		Where("t.status = ? AND t.buyer_protection_eligible = ?", enums.TransactionStatusDelivered, true).
		Where("t.delivered_at IS NOT NULL AND t.delivered_at <= ?", deliveredBefore.UTC()).
		Where("(t.dispute_opened_at IS NULL OR t.dispute_resolved_at IS NOT NULL)").
		Order("t.delivered_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repository) ListTransferRetryDue(ctx context.Context, query TransferRetryQuery) ([]models.OrderItem, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	var items []models.OrderItem
	err := r.db.WithContext(ctx).
		Preload("Transaction").
		Where("escalated_at IS NULL AND transfer_attempts < ?", query.MaxAttempts).
		Where(
			r.db.Where("escrow_status = ? AND next_transfer_at <= ?", enums.EscrowStatusTransferFailed, query.Now.UTC()).
				Or("escrow_status = ? AND released_at <= ?", enums.EscrowStatusReleased, query.StaleReleasedBefore.UTC()),
		).
		Order("updated_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repository) AppendHistory(ctx context.Context, entries ...models.StatusHistory) error {
	if len(entries) == 0 {
		return nil
	}
	for i := range entries {
		if !entries[i].EntityType.IsValid() {
			return fmt.Errorf("invalid status entity %q", entries[i].EntityType)
		}
	}
	return r.db.WithContext(ctx).Create(&entries).Error
}

func (r *repository) ListHistory(ctx context.Context, orderID uuid.UUID) ([]models.StatusHistory, error) {
	var rows []models.StatusHistory
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) guardedUpdate(ctx context.Context, model any, where string, args []any, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(model).Where(where, args...).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func withStatus(extra map[string]any, column string, status any) map[string]any {
	updates := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		updates[k] = v
	}
	updates[column] = status
	return updates
}
