package orders

import (
	"context"
	"time"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/angelmondragon/marketplace-settlement/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository defines persistence operations for orders, items and their
// settlement transactions. Every Transition* call is a status-guarded update:
// it reports false when the row was not in the expected state, which is how
// concurrent writers learn they lost.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateOrder(ctx context.Context, order *models.Order) error
	FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	FindOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	FindOrderByIntentRef(ctx context.Context, intentRef string) (*models.Order, error)
	FindItem(ctx context.Context, itemID uuid.UUID) (*models.OrderItem, error)
	FindTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Transaction, error)
	ListBuyerOrders(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error)

	TransitionOrder(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus, extra map[string]any) (bool, error)
	TransitionItem(ctx context.Context, itemID uuid.UUID, from, to enums.OrderItemStatus, extra map[string]any) (bool, error)
	TransitionItemEscrow(ctx context.Context, itemID uuid.UUID, from, to enums.EscrowStatus, extra map[string]any) (bool, error)
	TransitionTransaction(ctx context.Context, transactionID uuid.UUID, from, to enums.TransactionStatus, extra map[string]any) (bool, error)
	SetPaymentIntentRef(ctx context.Context, orderID uuid.UUID, intentRef string) (bool, error)
	UpdateOrderFields(ctx context.Context, orderID uuid.UUID, updates map[string]any) error
	UpdateItemFields(ctx context.Context, itemID uuid.UUID, updates map[string]any) error
	ClaimItemRefund(ctx context.Context, itemID uuid.UUID, at time.Time) (bool, error)
	ClearItemRefundClaim(ctx context.Context, itemID uuid.UUID) (bool, error)
	OpenDispute(ctx context.Context, transactionID uuid.UUID, reason string, at time.Time) (bool, error)
	ResolveDispute(ctx context.Context, transactionID uuid.UUID, at time.Time) (bool, error)

	ListReleaseDue(ctx context.Context, deliveredBefore time.Time, limit int) ([]models.OrderItem, error)
	ListTransferRetryDue(ctx context.Context, query TransferRetryQuery) ([]models.OrderItem, error)

	AppendHistory(ctx context.Context, entries ...models.StatusHistory) error
	ListHistory(ctx context.Context, orderID uuid.UUID) ([]models.StatusHistory, error)
}

// TransferRetryQuery selects items whose seller transfer should be attempted again.
type TransferRetryQuery struct {
	Now         time.Time
	MaxAttempts int
	// StaleReleasedBefore picks up items left RELEASED by a crash between the
	// release commit and the gateway call.
	StaleReleasedBefore time.Time
	Limit               int
}
