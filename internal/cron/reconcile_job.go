package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/internal/reservation"
	"github.com/angelmondragon/marketplace-settlement/internal/settlement"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
	"github.com/angelmondragon/marketplace-settlement/pkg/metrics"
)

// Reconcile actions, also used as metric labels.
const (
	ActionExpired  = "expired"
	ActionConsumed = "consumed"
	ActionReleased = "released"
	ActionOrphan   = "orphan_released"
	ActionSkipped  = "skipped"
)

const defaultReconcileBatch = 200

// ReconcileJobParams configure the reservation reconciliation pass.
type ReconcileJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Reader     *gorm.DB
	OrdersRepo orders.Repository
	Engine     *settlement.Engine
	Metrics    *metrics.SettlementMetrics
	// PendingTimeout is the minimum age of a pending_payment product with no
	// reservation row before it is handed back to the catalog.
	PendingTimeout time.Duration
	BatchSize      int
}

// ReconcileReport counts the actions of one pass.
type ReconcileReport map[string]int

// NewReconcileJob builds the job that repairs expired checkout locks.
func NewReconcileJob(params ReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Reader == nil {
		return nil, fmt.Errorf("db reader required")
	}
	if params.OrdersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("settlement engine required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	timeout := params.PendingTimeout
	if timeout <= 0 {
		timeout = params.Engine.Locks().Lease()
	}
	return &reconcileJob{
		logg:    params.Logger,
		db:      params.DB,
		reader:  params.Reader,
		orders:  params.OrdersRepo,
		engine:  params.Engine,
		locks:   params.Engine.Locks(),
		metrics: params.Metrics,
		timeout: timeout,
		batch:   batch,
		now:     time.Now,
	}, nil
}

type reconcileJob struct {
	logg    *logger.Logger
	db      txRunner
	reader  *gorm.DB
	orders  orders.Repository
	engine  *settlement.Engine
	locks   *reservation.Manager
	metrics *metrics.SettlementMetrics
	timeout time.Duration
	batch   int
	now     func() time.Time
}

func (j *reconcileJob) Name() string { return "reconcile" }

func (j *reconcileJob) Run(ctx context.Context) error {
	_, err := j.pass(ctx)
	return err
}

// pass repairs one batch of expired reservations and orphaned products. A
// failing candidate is logged and left for the next pass.
func (j *reconcileJob) pass(ctx context.Context) (ReconcileReport, error) {
	now := j.now().UTC()
	report := ReconcileReport{}
	var errs []error

	expired, err := j.locks.FindExpired(ctx, j.reader, now, j.batch)
	if err != nil {
		return report, fmt.Errorf("query expired reservations: %w", err)
	}
	for _, row := range expired {
		action, err := j.reconcileReservation(ctx, row, now)
		if err != nil {
			errCtx := j.logg.WithFields(ctx, map[string]any{
				"product_id": row.ProductID.String(),
				"order_id":   row.OrderID.String(),
			})
			j.logg.Error(errCtx, "reconcile reservation failed", err)
			errs = append(errs, err)
			continue
		}
		report[action]++
	}

	orphans, err := j.locks.FindOrphanProducts(ctx, j.reader, now.Add(-j.timeout), j.batch)
	if err != nil {
		errs = append(errs, fmt.Errorf("query orphan products: %w", err))
	}
	for _, productID := range orphans {
		released, err := j.releaseOrphan(ctx, productID)
		if err != nil {
			j.logg.Error(j.logg.WithField(ctx, "product_id", productID.String()), "release orphan product failed", err)
			errs = append(errs, err)
			continue
		}
		if released {
			report[ActionOrphan]++
		} else {
			report[ActionSkipped]++
		}
	}

	j.record(ctx, report)
	return report, multierr.Combine(errs...)
}

// reconcileReservation re-reads the reservation and its order under the
// order lock and applies the one repair that fits.
func (j *reconcileJob) reconcileReservation(ctx context.Context, candidate models.ProductReservation, now time.Time) (string, error) {
	action := ActionSkipped
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := j.orders.WithTx(tx)
		order, err := repo.FindOrderForUpdate(ctx, candidate.OrderID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		current, err := j.locks.Get(ctx, tx, candidate.ProductID)
		if err != nil {
			return err
		}
		if current == nil || current.Status != enums.ReservationStatusHeld ||
			current.OrderID != candidate.OrderID || current.LeaseExpiresAt.After(now) {
			return nil
		}

		if order == nil {
			ok, err := j.locks.Release(ctx, tx, candidate.ProductID, candidate.OrderID)
			if ok {
				action = ActionReleased
			}
			return err
		}

		switch {
		case order.Status == enums.OrderStatusPending:
			outcome, err := j.engine.CloseAbandonedOrder(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if outcome == settlement.OutcomeApplied {
				action = ActionExpired
			}
			return nil
		case order.Status.IsTerminal() || !itemStillSold(order, candidate.ProductID):
			ok, err := j.locks.Release(ctx, tx, candidate.ProductID, candidate.OrderID)
			if ok {
				action = ActionReleased
			}
			return err
		default:
			ok, err := j.locks.Consume(ctx, tx, candidate.ProductID, candidate.OrderID)
			if ok {
				action = ActionConsumed
			}
			return err
		}
	})
	if err != nil {
		return ActionSkipped, err
	}
	return action, nil
}

func (j *reconcileJob) releaseOrphan(ctx context.Context, productID uuid.UUID) (bool, error) {
	var released bool
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := j.locks.ReleaseOrphanProduct(ctx, tx, productID)
		released = ok
		return err
	})
	return released, err
}

func (j *reconcileJob) record(ctx context.Context, report ReconcileReport) {
	fields := map[string]any{}
	for action, n := range report {
		fields[action] = n
		if action != ActionSkipped {
			j.metrics.AddReconciled(action, n)
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, fields), "reconcile pass complete")
}

// itemStillSold reports whether the paid order still owns a live item for
// productID. Refunded or cancelled items no longer claim the product.
func itemStillSold(order *models.Order, productID uuid.UUID) bool {
	for _, item := range order.Items {
		if item.ProductID != productID {
			continue
		}
		return item.Status != enums.OrderItemStatusCancelled && item.Status != enums.OrderItemStatusRefunded
	}
	return false
}
