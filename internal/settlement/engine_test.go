package settlement_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/internal/ledger"
	"github.com/angelmondragon/marketplace-settlement/internal/settlement"
	"github.com/angelmondragon/marketplace-settlement/internal/settlement/settlementtest"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/dbtest"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
)

type fixture struct {
	conn     *gorm.DB
	engine   *settlement.Engine
	order    models.Order
	products []models.Product
}

func newFixture(t *testing.T, prices ...int64) fixture {
	t.Helper()
	conn := dbtest.Open(t)
	products := make([]models.Product, 0, len(prices))
	for _, price := range prices {
		products = append(products, dbtest.SeedProduct(t, conn, uuid.New(), price))
	}
	order := dbtest.SeedPendingOrder(t, conn, uuid.New(), time.Now().Add(time.Hour), products...)
	return fixture{conn: conn, engine: settlementtest.NewEngine(t, conn), order: order, products: products}
}

func (f fixture) run(t *testing.T, fn func(tx *gorm.DB) (settlement.Outcome, error)) (settlement.Outcome, error) {
	t.Helper()
	var outcome settlement.Outcome
	err := f.conn.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = fn(tx)
		return err
	})
	return outcome, err
}

func (f fixture) pay(t *testing.T) {
	t.Helper()
	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.ApplyPaymentSucceeded(context.Background(), tx, f.order.ID, "pi_test")
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeApplied, outcome)
}

func (f fixture) countEvents(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func (f fixture) summary(t *testing.T) ledger.Summary {
	t.Helper()
	svc, err := ledger.NewService(ledger.NewRepository(f.conn))
	require.NoError(t, err)
	summary, err := svc.Summarize(context.Background(), f.order.ID)
	require.NoError(t, err)
	return summary
}

func TestApplyPaymentSucceededSettlesEveryItem(t *testing.T) {
	f := newFixture(t, 100000, 50000)
	f.pay(t)

	order := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	require.Equal(t, enums.OrderStatusPaid, order.Status)
	require.NotNil(t, order.PaidAt)
	for _, item := range order.Items {
		require.Equal(t, enums.OrderItemStatusProcessing, item.Status)
		require.Equal(t, enums.EscrowStatusHolding, item.EscrowStatus)
		require.Equal(t, enums.TransactionStatusPaid, item.Transaction.Status)
		require.True(t, item.Transaction.BuyerProtectionEligible)

		product := dbtest.ReloadProduct(t, f.conn, item.ProductID)
		require.Equal(t, enums.ProductStatusSold, product.Status)
		require.NotNil(t, product.SoldAt)
		require.Equal(t, enums.ReservationStatusConsumed, dbtest.ReloadReservation(t, f.conn, item.ProductID).Status)
	}

	summary := f.summary(t)
	require.EqualValues(t, 150000, summary.CapturedCents)
	require.EqualValues(t, 15000, summary.PlatformFeeCents)
	require.EqualValues(t, 1, f.countEvents(t, enums.EventOrderPaid))
}

func TestApplyPaymentSucceededIsIdempotent(t *testing.T) {
	f := newFixture(t, 100000)
	f.pay(t)

	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.ApplyPaymentSucceeded(context.Background(), tx, f.order.ID, "pi_test")
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeAlreadyApplied, outcome)
	require.EqualValues(t, 100000, f.summary(t).CapturedCents)
	require.EqualValues(t, 1, f.countEvents(t, enums.EventOrderPaid))
}

func TestLatePaymentOnAbandonedOrderIsOrphaned(t *testing.T) {
	f := newFixture(t, 30000)
	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.CloseAbandonedOrder(context.Background(), tx, f.order.ID)
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeApplied, outcome)

	outcome, err = f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.ApplyPaymentSucceeded(context.Background(), tx, f.order.ID, "pi_late")
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeOrphaned, outcome)

	order := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	require.Equal(t, enums.OrderStatusExpired, order.Status)
	require.Equal(t, enums.ProductStatusActive, dbtest.ReloadProduct(t, f.conn, f.products[0].ID).Status)
	require.EqualValues(t, 1, f.countEvents(t, enums.EventPaymentOrphaned))
	require.Zero(t, f.summary(t).CapturedCents)
}

func TestCloseAbandonedOrderReleasesProducts(t *testing.T) {
	f := newFixture(t, 30000, 20000)
	_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.CloseAbandonedOrder(context.Background(), tx, f.order.ID)
	})
	require.NoError(t, err)

	order := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	require.Equal(t, enums.OrderStatusExpired, order.Status)
	for _, item := range order.Items {
		require.Equal(t, enums.OrderItemStatusCancelled, item.Status)
		require.Equal(t, enums.EscrowStatusRefunded, item.EscrowStatus)
		require.Equal(t, enums.TransactionStatusCancelled, item.Transaction.Status)
		require.Equal(t, enums.EscrowStatusRefunded, item.Transaction.EscrowStatus)
		require.Equal(t, enums.ProductStatusActive, dbtest.ReloadProduct(t, f.conn, item.ProductID).Status)
		require.Equal(t, enums.ReservationStatusReleased, dbtest.ReloadReservation(t, f.conn, item.ProductID).Status)
	}
	require.EqualValues(t, 1, f.countEvents(t, enums.EventCheckoutAbandoned))

	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.CloseAbandonedOrder(context.Background(), tx, f.order.ID)
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeAlreadyApplied, outcome)
}

func TestApplyPaymentFailedKeepsOrderOpenForRetry(t *testing.T) {
	f := newFixture(t, 30000)
	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.ApplyPaymentFailed(context.Background(), tx, f.order.ID, "card_declined")
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeApplied, outcome)

	order := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	require.Equal(t, enums.OrderStatusPending, order.Status)
	require.NotNil(t, order.LastPaymentError)
	require.Equal(t, "card_declined", *order.LastPaymentError)
	require.Equal(t, enums.OrderItemStatusPending, order.Items[0].Status)
	require.Equal(t, enums.ProductStatusPendingPayment, dbtest.ReloadProduct(t, f.conn, f.products[0].ID).Status)
	require.EqualValues(t, 1, f.countEvents(t, enums.EventPaymentFailed))

	// the buyer retries with another card on the same intent
	f.pay(t)
	order = dbtest.ReloadOrder(t, f.conn, f.order.ID)
	require.Equal(t, enums.OrderStatusPaid, order.Status)
	require.Nil(t, order.LastPaymentError)
	require.Equal(t, enums.ProductStatusSold, dbtest.ReloadProduct(t, f.conn, f.products[0].ID).Status)
	require.Zero(t, f.countEvents(t, enums.EventPaymentOrphaned))
}

func TestApplyPaymentCanceledExpiresOrder(t *testing.T) {
	f := newFixture(t, 30000)
	_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.ApplyPaymentCanceled(context.Background(), tx, f.order.ID, "abandoned")
	})
	require.NoError(t, err)

	order := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	require.Equal(t, enums.OrderStatusExpired, order.Status)
	require.NotNil(t, order.LastPaymentError)
	require.Equal(t, "abandoned", *order.LastPaymentError)
	require.Equal(t, enums.EscrowStatusCancelled, order.Items[0].EscrowStatus)
	require.Equal(t, enums.OrderItemStatusCancelled, order.Items[0].Status)
	require.Equal(t, enums.ProductStatusActive, dbtest.ReloadProduct(t, f.conn, f.products[0].ID).Status)
	require.EqualValues(t, 1, f.countEvents(t, enums.EventOrderExpired))

	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.ApplyPaymentCanceled(context.Background(), tx, f.order.ID, "abandoned")
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeAlreadyApplied, outcome)
}

func TestApplyPaymentFailedAfterSuccessIsIgnored(t *testing.T) {
	f := newFixture(t, 30000)
	f.pay(t)
	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.ApplyPaymentFailed(context.Background(), tx, f.order.ID, "late failure")
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeSkipped, outcome)
	require.Equal(t, enums.OrderStatusPaid, dbtest.ReloadOrder(t, f.conn, f.order.ID).Status)
}

func TestCancelUnpaidOrder(t *testing.T) {
	f := newFixture(t, 30000)
	buyer := outbox.UserActor(f.order.BuyerID, outbox.ActorBuyer)
	_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.CancelUnpaidOrder(context.Background(), tx, f.order.ID, "", buyer)
	})
	require.NoError(t, err)

	order := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	require.Equal(t, enums.OrderStatusCancelled, order.Status)
	require.Equal(t, settlement.ReasonBuyerCancelled, *order.CancelReason)
	require.Equal(t, enums.EscrowStatusCancelled, order.Items[0].EscrowStatus)
	require.EqualValues(t, 1, f.countEvents(t, enums.EventOrderCancelled))
}

func TestShipAndDeliverDeriveOrderStatus(t *testing.T) {
	f := newFixture(t, 100000, 50000)
	f.pay(t)
	ctx := context.Background()
	order := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	seller := outbox.UserActor(order.Items[0].SellerID, outbox.ActorSeller)

	_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.MarkShipped(ctx, tx, order.Items[0].Transaction.ID, "TRACK-1", seller)
	})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusShipped, dbtest.ReloadOrder(t, f.conn, f.order.ID).Status)

	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.MarkShipped(ctx, tx, order.Items[0].Transaction.ID, "TRACK-1", seller)
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeAlreadyApplied, outcome)

	proof, _ := json.Marshal([]string{"photo-1.jpg"})
	for _, item := range order.Items {
		_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
			return f.engine.MarkDelivered(ctx, tx, item.Transaction.ID, proof, outbox.UserActor(order.BuyerID, outbox.ActorBuyer))
		})
		require.NoError(t, err)
	}

	reloaded := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	require.Equal(t, enums.OrderStatusDelivered, reloaded.Status)
	require.NotNil(t, reloaded.DeliveredAt)
	for _, item := range reloaded.Items {
		require.Equal(t, enums.TransactionStatusDelivered, item.Transaction.Status)
		require.NotNil(t, item.Transaction.DeliveredAt)
		require.JSONEq(t, `["photo-1.jpg"]`, string(item.Transaction.DeliveryProof))
	}
}

func TestMarkShippedRejectsUnpaidTransaction(t *testing.T) {
	f := newFixture(t, 100000)
	_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.MarkShipped(context.Background(), tx, f.order.Items[0].Transaction.ID, "T", nil)
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestRefundItemsIndependently(t *testing.T) {
	f := newFixture(t, 100000, 50000)
	f.pay(t)
	ctx := context.Background()
	order := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	first, second := order.Items[0], order.Items[1]

	_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.MarkItemRefunded(ctx, tx, first.ID, "re_1", "buyer_request", nil)
	})
	require.NoError(t, err)

	reloaded := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	require.Equal(t, enums.OrderStatusProcessing, reloaded.Status, "a partial refund moves the paid order to processing")
	for _, item := range reloaded.Items {
		if item.ID == first.ID {
			require.Equal(t, enums.OrderItemStatusRefunded, item.Status)
			require.Equal(t, enums.EscrowStatusRefunded, item.EscrowStatus)
			require.Equal(t, enums.TransactionStatusRefunded, item.Transaction.Status)
			require.Equal(t, "re_1", *item.RefundRef)
		} else {
			require.Equal(t, enums.EscrowStatusHolding, item.EscrowStatus)
		}
	}
	require.Equal(t, enums.ProductStatusActive, dbtest.ReloadProduct(t, f.conn, first.ProductID).Status)
	require.Equal(t, enums.ProductStatusSold, dbtest.ReloadProduct(t, f.conn, second.ProductID).Status)

	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.MarkItemRefunded(ctx, tx, first.ID, "re_1", "buyer_request", nil)
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeAlreadyApplied, outcome)

	_, err = f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.MarkItemRefunded(ctx, tx, second.ID, "re_2", "buyer_request", nil)
	})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusRefunded, dbtest.ReloadOrder(t, f.conn, f.order.ID).Status)
	require.EqualValues(t, first.PriceCents+second.PriceCents, f.summary(t).RefundedCents)
	require.EqualValues(t, 2, f.countEvents(t, enums.EventItemRefunded))
}

func TestRefundableStateRequiresHeldFunds(t *testing.T) {
	f := newFixture(t, 100000)
	order := dbtest.ReloadOrder(t, f.conn, f.order.ID)
	err := settlement.RefundableState(&order, &order.Items[0])
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "pending order has nothing to refund")

	f.pay(t)
	order = dbtest.ReloadOrder(t, f.conn, f.order.ID)
	require.NoError(t, settlement.RefundableState(&order, &order.Items[0]))

	order.Items[0].EscrowStatus = enums.EscrowStatusTransferred
	err = settlement.RefundableState(&order, &order.Items[0])
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestReleaseAndTransferRecordsPayout(t *testing.T) {
	f := newFixture(t, 100000)
	f.pay(t)
	ctx := context.Background()
	item := dbtest.ReloadOrder(t, f.conn, f.order.ID).Items[0]

	_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.MarkDelivered(ctx, tx, item.Transaction.ID, nil, nil)
	})
	require.NoError(t, err)

	var released *models.OrderItem
	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		var out settlement.Outcome
		var err error
		released, out, err = f.engine.ReleaseEscrow(ctx, tx, item.ID)
		return out, err
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeApplied, outcome)
	require.Equal(t, enums.EscrowStatusReleased, released.EscrowStatus)
	require.EqualValues(t, 90000, released.PayoutCents())

	_, err = f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.MarkTransferred(ctx, tx, item.ID, "tr_1", enums.CurrencyKRW)
	})
	require.NoError(t, err)

	reloaded := dbtest.ReloadOrder(t, f.conn, f.order.ID).Items[0]
	require.Equal(t, enums.EscrowStatusTransferred, reloaded.EscrowStatus)
	require.Equal(t, enums.EscrowStatusTransferred, reloaded.Transaction.EscrowStatus)
	require.Equal(t, "tr_1", *reloaded.TransferRef)

	summary := f.summary(t)
	require.EqualValues(t, 90000, summary.PayoutCents)
	require.EqualValues(t, 10000, summary.HeldCents())
}

func TestReleaseEscrowSkipsDisputedItem(t *testing.T) {
	f := newFixture(t, 100000)
	f.pay(t)
	ctx := context.Background()
	item := dbtest.ReloadOrder(t, f.conn, f.order.ID).Items[0]
	_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.MarkDelivered(ctx, tx, item.Transaction.ID, nil, nil)
	})
	require.NoError(t, err)
	require.NoError(t, f.conn.Model(&models.Transaction{}).Where("id = ?", item.Transaction.ID).
		Update("dispute_opened_at", time.Now().UTC()).Error)

	outcome, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		_, out, err := f.engine.ReleaseEscrow(ctx, tx, item.ID)
		return out, err
	})
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeSkipped, outcome)
}

func TestTransferFailureEscalates(t *testing.T) {
	f := newFixture(t, 100000)
	f.pay(t)
	ctx := context.Background()
	item := dbtest.ReloadOrder(t, f.conn, f.order.ID).Items[0]
	_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		return f.engine.MarkDelivered(ctx, tx, item.Transaction.ID, nil, nil)
	})
	require.NoError(t, err)
	_, err = f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
		_, out, err := f.engine.ReleaseEscrow(ctx, tx, item.ID)
		return out, err
	})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := f.run(t, func(tx *gorm.DB) (settlement.Outcome, error) {
			return f.engine.MarkTransferFailed(ctx, tx, item.ID, settlement.TransferFailure{
				Attempts: attempt,
				NextAt:   time.Now().Add(time.Minute),
				Error:    "account restricted",
				Escalate: attempt == 2,
			})
		})
		require.NoError(t, err)
	}

	reloaded := dbtest.ReloadOrder(t, f.conn, f.order.ID).Items[0]
	require.Equal(t, enums.EscrowStatusTransferFailed, reloaded.EscrowStatus)
	require.Equal(t, 2, reloaded.TransferAttempts)
	require.NotNil(t, reloaded.EscalatedAt)
	require.Nil(t, reloaded.NextTransferAt)
	require.EqualValues(t, 2, f.countEvents(t, enums.EventTransferFailed))
	require.EqualValues(t, 1, f.countEvents(t, enums.EventTransferEscalated))
}

func TestTransitionsRequireTransaction(t *testing.T) {
	f := newFixture(t, 1000)
	_, err := f.engine.ApplyPaymentSucceeded(context.Background(), nil, f.order.ID, "pi")
	require.Error(t, err)
}
