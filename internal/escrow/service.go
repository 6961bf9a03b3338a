// Package escrow drives fulfilment, disputes, refunds, and seller payouts for
// paid order items. Gateway calls always happen outside database
// transactions; the item is left in a retryable status when a call fails.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/internal/gateway"
	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/internal/settlement"
	"github.com/angelmondragon/marketplace-settlement/pkg/config"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
	"github.com/angelmondragon/marketplace-settlement/pkg/metrics"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Config tunes release timing and retry behaviour.
type Config struct {
	ProtectionWindow    time.Duration
	TransferMaxAttempts int
	TransferBaseBackoff time.Duration
	TransferMaxBackoff  time.Duration
	RefundMaxAttempts   int
	RefundBackoff       time.Duration
	BatchSize           int
	// StaleReleaseAfter is how long an item may sit in released before the
	// retry pass assumes its transfer call never ran.
	StaleReleaseAfter time.Duration
}

func ConfigFrom(cfg config.EscrowConfig) Config {
	return Config{
		ProtectionWindow:    cfg.ProtectionWindow,
		TransferMaxAttempts: cfg.TransferMaxAttempts,
		TransferBaseBackoff: cfg.TransferBaseBackoff,
		TransferMaxBackoff:  cfg.TransferMaxBackoff,
		RefundMaxAttempts:   cfg.RefundMaxAttempts,
		RefundBackoff:       cfg.RefundBackoff,
		BatchSize:           cfg.BatchSize,
		StaleReleaseAfter:   10 * time.Minute,
	}
}

// PassReport counts what one release or retry pass did.
type PassReport struct {
	Released    int `json:"released"`
	Transferred int `json:"transferred"`
	Failed      int `json:"failed"`
	Escalated   int `json:"escalated"`
	Skipped     int `json:"skipped"`
}

// ItemConflict names an item CancelOrder could not unwind.
type ItemConflict struct {
	ItemID       uuid.UUID          `json:"itemId"`
	EscrowStatus enums.EscrowStatus `json:"escrowStatus"`
	Reason       string             `json:"reason"`
}

// CancelResult is the order after cancellation plus the per-item outcome.
type CancelResult struct {
	Order     *models.Order  `json:"-"`
	Refunded  []uuid.UUID    `json:"refunded"`
	Conflicts []ItemConflict `json:"conflicts"`
}

type ServiceParams struct {
	TransactionRunner txRunner
	OrdersRepo        orders.Repository
	Engine            *settlement.Engine
	Gateway           gateway.Gateway
	Accounts          SellerAccounts
	Metrics           *metrics.SettlementMetrics
	Logger            *logger.Logger
	Config            Config
}

type Service struct {
	tx       txRunner
	orders   orders.Repository
	engine   *settlement.Engine
	gateway  gateway.Gateway
	accounts SellerAccounts
	metrics  *metrics.SettlementMetrics
	logg     *logger.Logger
	cfg      Config
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.TransactionRunner == nil:
		return nil, errors.New("transaction runner required")
	case params.OrdersRepo == nil:
		return nil, errors.New("orders repository required")
	case params.Engine == nil:
		return nil, errors.New("settlement engine required")
	case params.Gateway == nil:
		return nil, errors.New("payment gateway required")
	case params.Accounts == nil:
		return nil, errors.New("seller accounts required")
	case params.Logger == nil:
		return nil, errors.New("logger required")
	}
	cfg := params.Config
	if cfg.TransferMaxAttempts <= 0 {
		return nil, errors.New("transfer max attempts must be positive")
	}
	if cfg.RefundMaxAttempts <= 0 {
		cfg.RefundMaxAttempts = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Service{
		tx:       params.TransactionRunner,
		orders:   params.OrdersRepo,
		engine:   params.Engine,
		gateway:  params.Gateway,
		accounts: params.Accounts,
		metrics:  params.Metrics,
		logg:     params.Logger,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// WithClock returns a copy reading time from now. The engine keeps its own clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	clone := *s
	clone.now = now
	return &clone
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// MarkShipped records the seller's shipment of one transaction.
func (s *Service) MarkShipped(ctx context.Context, transactionID, sellerID uuid.UUID, trackingNumber string) (*models.Order, error) {
	txn, err := s.findTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.SellerID != sellerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the seller can ship this item")
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := s.engine.MarkShipped(ctx, tx, transactionID, trackingNumber, outbox.UserActor(sellerID, outbox.ActorSeller))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.findOrder(ctx, txn.OrderID)
}

type deliveryProof struct {
	Photos      []string  `json:"photos"`
	ConfirmedBy uuid.UUID `json:"confirmedBy"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// ConfirmDelivery is the buyer's acknowledgement of receipt. It starts the
// buyer-protection window for the transaction.
func (s *Service) ConfirmDelivery(ctx context.Context, transactionID, buyerID uuid.UUID, proofPhotos []string) (*models.Order, error) {
	txn, order, err := s.buyerTransaction(ctx, transactionID, buyerID)
	if err != nil {
		return nil, err
	}
	if proofPhotos == nil {
		proofPhotos = []string{}
	}
	proof, err := json.Marshal(deliveryProof{Photos: proofPhotos, ConfirmedBy: buyerID, ConfirmedAt: s.clock()})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode delivery proof")
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := s.engine.MarkDelivered(ctx, tx, txn.ID, proof, outbox.UserActor(buyerID, outbox.ActorBuyer))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.findOrder(ctx, order.ID)
}

// OpenDispute blocks release of the transaction's escrow until resolved.
func (s *Service) OpenDispute(ctx context.Context, transactionID, buyerID uuid.UUID, reason string) (*models.Transaction, error) {
	if _, _, err := s.buyerTransaction(ctx, transactionID, buyerID); err != nil {
		return nil, err
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := s.engine.OpenDispute(ctx, tx, transactionID, reason, outbox.UserActor(buyerID, outbox.ActorBuyer))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.findTransaction(ctx, transactionID)
}

// ResolveDispute clears the dispute. Only the buyer who could open it may
// withdraw it; adjudication happens outside this service.
func (s *Service) ResolveDispute(ctx context.Context, transactionID, buyerID uuid.UUID) (*models.Transaction, error) {
	if _, _, err := s.buyerTransaction(ctx, transactionID, buyerID); err != nil {
		return nil, err
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := s.engine.ResolveDispute(ctx, tx, transactionID, outbox.UserActor(buyerID, outbox.ActorBuyer))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.findTransaction(ctx, transactionID)
}

// ReleaseDue releases every delivered item whose protection window elapsed
// and pays its seller. Items are independent: one failure never stops the pass.
func (s *Service) ReleaseDue(ctx context.Context) (PassReport, error) {
	var report PassReport
	cutoff := s.clock().Add(-s.cfg.ProtectionWindow)
	due, err := s.orders.ListReleaseDue(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return report, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list release due")
	}

	for i := range due {
		itemID := due[i].ID
		itemCtx := s.logg.WithFields(ctx, map[string]any{"order_id": due[i].OrderID.String(), "order_item_id": itemID.String()})

		var released *models.OrderItem
		err := s.tx.WithTx(itemCtx, func(tx *gorm.DB) error {
			item, outcome, err := s.engine.ReleaseEscrow(itemCtx, tx, itemID)
			if err != nil {
				return err
			}
			if outcome == settlement.OutcomeApplied {
				released = item
			}
			return nil
		})
		if err != nil {
			s.logg.Error(itemCtx, "release escrow failed", err)
			report.Skipped++
			continue
		}
		if released == nil {
			report.Skipped++
			continue
		}
		report.Released++
		s.transfer(itemCtx, released, &report)
	}
	return report, nil
}

// RetryFailedTransfers re-attempts due transfer failures, plus items stuck in
// released after a crash. The idempotency key is the same on every attempt.
func (s *Service) RetryFailedTransfers(ctx context.Context) (PassReport, error) {
	var report PassReport
	now := s.clock()
	due, err := s.orders.ListTransferRetryDue(ctx, orders.TransferRetryQuery{
		Now:                 now,
		MaxAttempts:         s.cfg.TransferMaxAttempts,
		StaleReleasedBefore: now.Add(-s.cfg.StaleReleaseAfter),
		Limit:               s.cfg.BatchSize,
	})
	if err != nil {
		return report, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list transfer retries")
	}
	for i := range due {
		item := &due[i]
		itemCtx := s.logg.WithFields(ctx, map[string]any{"order_id": item.OrderID.String(), "order_item_id": item.ID.String()})
		s.transfer(itemCtx, item, &report)
	}
	return report, nil
}

// transfer pays the seller for a released (or previously failed) item and
// records the outcome. Errors are logged and counted, never returned.
func (s *Service) transfer(ctx context.Context, item *models.OrderItem, report *PassReport) {
	order, err := s.orders.FindOrder(ctx, item.OrderID)
	if err != nil {
		s.logg.Error(ctx, "load order for transfer failed", err)
		report.Skipped++
		return
	}

	ref, transferErr := s.callTransfer(ctx, order, item)
	if transferErr == nil {
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			_, err := s.engine.MarkTransferred(ctx, tx, item.ID, ref, order.Currency)
			return err
		})
		if err != nil {
			// The gateway moved the money; the next retry pass replays the
			// same key and records it.
			s.logg.Error(ctx, "record transfer failed", err)
			report.Skipped++
			return
		}
		s.metrics.IncTransfer("succeeded")
		report.Transferred++
		return
	}

	attempts := item.TransferAttempts + 1
	failure := settlement.TransferFailure{
		Attempts: attempts,
		NextAt:   s.clock().Add(transferBackoff(s.cfg.TransferBaseBackoff, s.cfg.TransferMaxBackoff, attempts)),
		Error:    transferErr.Error(),
		Escalate: attempts >= s.cfg.TransferMaxAttempts,
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := s.engine.MarkTransferFailed(ctx, tx, item.ID, failure)
		return err
	})
	if err != nil {
		s.logg.Error(ctx, "record transfer failure failed", err)
		report.Skipped++
		return
	}
	s.metrics.IncTransfer("failed")
	report.Failed++
	if failure.Escalate {
		s.metrics.IncEscalation()
		report.Escalated++
		s.logg.Error(ctx, fmt.Sprintf("seller transfer escalated after %d attempts", attempts), transferErr)
		return
	}
	s.logg.Warn(ctx, fmt.Sprintf("seller transfer failed (attempt %d): %v", attempts, transferErr))
}

func (s *Service) callTransfer(ctx context.Context, order *models.Order, item *models.OrderItem) (string, error) {
	account, err := s.accounts.AccountRef(ctx, item.SellerID)
	if err != nil {
		return "", err
	}
	return s.gateway.Transfer(ctx, gateway.TransferRequest{
		SellerAccountRef: account,
		AmountCents:      item.PayoutCents(),
		Currency:         order.Currency,
		IdempotencyKey:   gateway.TransferKey(item.ID),
		GroupRef:         order.ID.String(),
	})
}

// CancelOrder cancels an unpaid order outright. For a paid order each item
// still held in escrow is refunded; items whose funds already left escrow are
// reported as conflicts.
func (s *Service) CancelOrder(ctx context.Context, orderID, buyerID uuid.UUID, reason string) (*CancelResult, error) {
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer can cancel an order")
	}
	if reason == "" {
		reason = settlement.ReasonBuyerCancelled
	}
	actor := outbox.UserActor(buyerID, outbox.ActorBuyer)
	result := &CancelResult{Refunded: []uuid.UUID{}, Conflicts: []ItemConflict{}}

	switch order.Status {
	case enums.OrderStatusCancelled, enums.OrderStatusExpired, enums.OrderStatusRefunded:
		result.Order = order
		return result, nil
	case enums.OrderStatusPending:
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			outcome, err := s.engine.CancelUnpaidOrder(ctx, tx, orderID, reason, actor)
			if err != nil {
				return err
			}
			if outcome == settlement.OutcomeSkipped {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "order changed while cancelling; retry").
					WithDetails(map[string]any{"orderId": orderID})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		result.Order, err = s.findOrder(ctx, orderID)
		return result, err
	}

	for i := range order.Items {
		item := &order.Items[i]
		switch item.EscrowStatus {
		case enums.EscrowStatusRefunded, enums.EscrowStatusCancelled:
			continue
		case enums.EscrowStatusHolding:
			if _, err := s.refund(ctx, order, item, reason, actor); err != nil {
				return nil, err
			}
			result.Refunded = append(result.Refunded, item.ID)
		default:
			result.Conflicts = append(result.Conflicts, ItemConflict{
				ItemID:       item.ID,
				EscrowStatus: item.EscrowStatus,
				Reason:       "funds already released to seller",
			})
		}
	}
	if len(result.Refunded) == 0 && len(result.Conflicts) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no order item can be refunded").
			WithDetails(map[string]any{"conflicts": result.Conflicts})
	}
	result.Order, err = s.findOrder(ctx, orderID)
	return result, err
}

// RefundItem refunds one item whose funds are still in escrow. The buyer or
// the item's seller may request it.
func (s *Service) RefundItem(ctx context.Context, orderID, itemID, callerID uuid.UUID, reason string) (*models.Order, error) {
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var item *models.OrderItem
	for i := range order.Items {
		if order.Items[i].ID == itemID {
			item = &order.Items[i]
		}
	}
	if item == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order item not found")
	}

	var actor *outbox.ActorRef
	switch callerID {
	case order.BuyerID:
		actor = outbox.UserActor(callerID, outbox.ActorBuyer)
	case item.SellerID:
		actor = outbox.UserActor(callerID, outbox.ActorSeller)
	default:
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer or seller can refund this item")
	}
	if reason == "" {
		reason = "refund_requested"
	}
	if _, err := s.refund(ctx, order, item, reason, actor); err != nil {
		return nil, err
	}
	return s.findOrder(ctx, orderID)
}

// refund claims the item under the order lock, asks the gateway for the money
// back with bounded retries, and then closes the item. A claimed item is
// never released to the seller. Exhausted retries drop the claim and change
// nothing else.
func (s *Service) refund(ctx context.Context, order *models.Order, item *models.OrderItem, reason string, actor *outbox.ActorRef) (settlement.Outcome, error) {
	if order.PaymentIntentRef == nil && order.Status.IsPaidOrLater() {
		return settlement.OutcomeSkipped, pkgerrors.New(pkgerrors.CodeInconsistentState, "paid order has no payment intent")
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		order, item, _, err = s.engine.ClaimRefund(ctx, tx, item.ID)
		return err
	})
	if err != nil {
		return settlement.OutcomeSkipped, err
	}
	if order.PaymentIntentRef == nil {
		return settlement.OutcomeSkipped, pkgerrors.New(pkgerrors.CodeInconsistentState, "paid order has no payment intent")
	}

	req := gateway.RefundRequest{
		IntentRef:      *order.PaymentIntentRef,
		AmountCents:    item.PriceCents,
		IdempotencyKey: gateway.RefundKey(item.ID),
	}
	refundRef, err := retry.DoValue(ctx, refundBackoff(s.cfg.RefundBackoff, s.cfg.RefundMaxAttempts), func(ctx context.Context) (string, error) {
		ref, err := s.gateway.Refund(ctx, req)
		if err != nil {
			s.logg.Warn(ctx, fmt.Sprintf("refund attempt failed: %v", err))
			return "", retry.RetryableError(err)
		}
		return ref, nil
	})
	if err != nil {
		s.metrics.IncRefund(metrics.OutcomeFailed)
		s.logg.Error(ctx, "refund exhausted retries", err)
		if dropErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			_, err := s.engine.DropRefundClaim(ctx, tx, item.ID)
			return err
		}); dropErr != nil {
			s.logg.Error(ctx, "drop refund claim", dropErr)
		}
		return settlement.OutcomeSkipped, gateway.Wrap(err, "refund order item")
	}

	var outcome settlement.Outcome
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		outcome, err = s.engine.MarkItemRefunded(ctx, tx, item.ID, refundRef, reason, actor)
		return err
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			s.escalateRefund(ctx, item.ID, refundRef, err)
		}
		return settlement.OutcomeSkipped, err
	}
	s.metrics.IncRefund(metrics.OutcomeSucceeded)
	return outcome, nil
}

// escalateRefund records a refund the gateway completed but the item state
// rejected, so the money movement is never lost.
func (s *Service) escalateRefund(ctx context.Context, itemID uuid.UUID, refundRef string, cause error) {
	s.metrics.IncRefund("escalated")
	s.metrics.IncEscalation()
	s.logg.Error(ctx, "refund succeeded but item could not be closed", cause)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := s.engine.EscalateRefund(ctx, tx, itemID, refundRef, cause.Error())
		return err
	})
	if err != nil {
		s.logg.Error(ctx, "escalate refund "+refundRef, err)
	}
}

func (s *Service) buyerTransaction(ctx context.Context, transactionID, buyerID uuid.UUID) (*models.Transaction, *models.Order, error) {
	txn, err := s.findTransaction(ctx, transactionID)
	if err != nil {
		return nil, nil, err
	}
	order, err := s.findOrder(ctx, txn.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if order.BuyerID != buyerID {
		return nil, nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer can act on this transaction")
	}
	return txn, order, nil
}

func (s *Service) findTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Transaction, error) {
	txn, err := s.orders.FindTransaction(ctx, transactionID)
	if err != nil {
		return nil, orders.MapLookupError(err, "transaction")
	}
	return txn, nil
}

func (s *Service) findOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.orders.FindOrder(ctx, orderID)
	if err != nil {
		return nil, orders.MapLookupError(err, "order")
	}
	return order, nil
}
