// Package settlement holds the state transitions shared by the webhook,
// HTTP and scheduler paths. Every exported method runs inside a caller-owned
// DB transaction and relies on status-guarded updates, so two callers racing
// on the same order linearize on the first guarded write.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/internal/ledger"
	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/internal/reservation"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
)

// Outcome describes what a transition did.
type Outcome int

const (
	// OutcomeApplied means this call moved the state.
	OutcomeApplied Outcome = iota
	// OutcomeAlreadyApplied means the target state was reached earlier.
	OutcomeAlreadyApplied
	// OutcomeOrphaned means money arrived for an order that was already closed.
	OutcomeOrphaned
	// OutcomeSkipped means the record was not in a state this transition accepts.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyApplied:
		return "already_applied"
	case OutcomeOrphaned:
		return "orphaned"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// Engine applies settlement transitions.
type Engine struct {
	orders orders.Repository
	ledger ledger.Service
	locks  *reservation.Manager
	outbox outbox.Emitter
	logg   *logger.Logger
	now    func() time.Time
}

// NewEngine wires the engine's collaborators.
func NewEngine(ordersRepo orders.Repository, ledgerSvc ledger.Service, locks *reservation.Manager, emitter outbox.Emitter, logg *logger.Logger) (*Engine, error) {
	if ordersRepo == nil {
		return nil, errors.New("orders repository required")
	}
	if ledgerSvc == nil {
		return nil, errors.New("ledger service required")
	}
	if locks == nil {
		return nil, errors.New("reservation manager required")
	}
	if emitter == nil {
		return nil, errors.New("outbox emitter required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &Engine{
		orders: ordersRepo,
		ledger: ledgerSvc,
		locks:  locks,
		outbox: emitter,
		logg:   logg,
		now:    time.Now,
	}, nil
}

// NewEngineFromDB builds an engine whose repositories all share conn.
func NewEngineFromDB(conn *gorm.DB, lease time.Duration, logg *logger.Logger) (*Engine, error) {
	if conn == nil {
		return nil, errors.New("db connection required")
	}
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn))
	if err != nil {
		return nil, err
	}
	return NewEngine(
		orders.NewRepository(conn),
		ledgerSvc,
		reservation.NewManager(lease),
		outbox.NewService(outbox.NewRepository(conn), logg),
		logg,
	)
}

// WithClock returns a copy of the engine reading time from now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	clone := *e
	clone.now = now
	return &clone
}

// Locks exposes the reservation manager to callers that sweep reservations.
func (e *Engine) Locks() *reservation.Manager {
	return e.locks
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

func requireTx(tx *gorm.DB) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "settlement transition requires a transaction")
	}
	return nil
}

func (e *Engine) loadOrder(ctx context.Context, repo orders.Repository, orderID uuid.UUID) (*models.Order, error) {
	order, err := repo.FindOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, orders.MapLookupError(err, "order")
	}
	return order, nil
}

func (e *Engine) loadItem(ctx context.Context, repo orders.Repository, itemID uuid.UUID) (*models.OrderItem, error) {
	item, err := repo.FindItem(ctx, itemID)
	if err != nil {
		return nil, orders.MapLookupError(err, "order item")
	}
	if item.Transaction == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInconsistentState, "order item has no transaction")
	}
	return item, nil
}

// lockItem takes the owning order's row lock and then re-reads the item, so
// checks on the item see every write committed before the lock.
func (e *Engine) lockItem(ctx context.Context, repo orders.Repository, itemID uuid.UUID) (*models.OrderItem, error) {
	item, err := e.loadItem(ctx, repo, itemID)
	if err != nil {
		return nil, err
	}
	if _, err := e.loadOrder(ctx, repo, item.OrderID); err != nil {
		return nil, err
	}
	return e.loadItem(ctx, repo, itemID)
}

func (e *Engine) loadTransaction(ctx context.Context, repo orders.Repository, transactionID uuid.UUID) (*models.Transaction, *models.OrderItem, error) {
	txn, err := repo.FindTransaction(ctx, transactionID)
	if err != nil {
		return nil, nil, orders.MapLookupError(err, "transaction")
	}
	item, err := e.loadItem(ctx, repo, txn.OrderItemID)
	if err != nil {
		return nil, nil, err
	}
	return txn, item, nil
}

// lost reports a guarded update that matched no row. Inside a transition that
// already holds the order, this means the rows disagree with each other.
func lost(what string) error {
	return pkgerrors.New(pkgerrors.CodeInconsistentState, what+" changed concurrently")
}

func stateConflict(msg string, details map[string]any) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, msg).WithDetails(details)
}

func strPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}

func (e *Engine) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, aggregateID uuid.UUID, actor *outbox.ActorRef, data any) error {
	return e.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: aggregate,
		AggregateID:   aggregateID,
		Actor:         actor,
		Data:          data,
		OccurredAt:    e.clock(),
	})
}
