package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/dbtest"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	"github.com/angelmondragon/marketplace-settlement/pkg/pagination"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestRepositoryCreateOrderPersistsItemsAndTransactions(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	seller := uuid.New()
	product := dbtest.SeedProduct(t, conn, seller, 50000)

	order := &models.Order{
		BuyerID:           uuid.New(),
		ShippingAddressID: uuid.New(),
		Status:            enums.OrderStatusPending,
		Currency:          enums.CurrencyKRW,
		TotalAmountCents:  50000,
		Items: []models.OrderItem{{
			ProductID:        product.ID,
			SellerID:         seller,
			PriceCents:       50000,
			PlatformFeeCents: 5000,
			FeePercentage:    decimal.RequireFromString("0.1"),
			Status:           enums.OrderItemStatusPending,
			EscrowStatus:     enums.EscrowStatusHolding,
			Transaction: &models.Transaction{
				ProductID:    product.ID,
				SellerID:     seller,
				Status:       enums.TransactionStatusPending,
				EscrowStatus: enums.EscrowStatusHolding,
			},
		}},
	}
	if err := repo.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	loaded, err := repo.FindOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if len(loaded.Items) != 1 || loaded.Items[0].Transaction == nil {
		t.Fatalf("expected item with transaction, got %+v", loaded.Items)
	}
	txn := loaded.Items[0].Transaction
	if txn.OrderID != order.ID || txn.OrderItemID != loaded.Items[0].ID {
		t.Fatalf("transaction not linked: %+v", txn)
	}
}

func TestRepositoryTransitionOrderIsGuarded(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	product := dbtest.SeedProduct(t, conn, uuid.New(), 1000)
	order := dbtest.SeedPendingOrder(t, conn, uuid.New(), time.Now().Add(time.Hour), product)

	ok, err := repo.TransitionOrder(ctx, order.ID, enums.OrderStatusPending, enums.OrderStatusPaid, map[string]any{"paid_at": time.Now().UTC()})
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	ok, err = repo.TransitionOrder(ctx, order.ID, enums.OrderStatusPending, enums.OrderStatusExpired, nil)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Fatal("expected stale transition to lose")
	}

	reloaded := dbtest.ReloadOrder(t, conn, order.ID)
	if reloaded.Status != enums.OrderStatusPaid || reloaded.PaidAt == nil {
		t.Fatalf("unexpected order state %s paid_at=%v", reloaded.Status, reloaded.PaidAt)
	}
}

func TestRepositoryRejectsIllegalTransition(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	_, err := repo.TransitionOrder(context.Background(), uuid.New(), enums.OrderStatusDelivered, enums.OrderStatusPending, nil)
	if !errors.Is(err, ErrTransitionNotAllowed) {
		t.Fatalf("expected ErrTransitionNotAllowed, got %v", err)
	}
}

func TestRepositoryEscrowTransitionMirrorsTransaction(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	product := dbtest.SeedProduct(t, conn, uuid.New(), 1000)
	order := dbtest.SeedPendingOrder(t, conn, uuid.New(), time.Now().Add(time.Hour), product)
	item := order.Items[0]

	ok, err := repo.TransitionItemEscrow(ctx, item.ID, enums.EscrowStatusHolding, enums.EscrowStatusReleased, map[string]any{"released_at": time.Now().UTC()})
	if err != nil || !ok {
		t.Fatalf("escrow transition: ok=%v err=%v", ok, err)
	}

	reloaded, err := repo.FindItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("find item: %v", err)
	}
	if reloaded.EscrowStatus != enums.EscrowStatusReleased || reloaded.Transaction.EscrowStatus != enums.EscrowStatusReleased {
		t.Fatalf("expected released on both rows, item=%s txn=%s", reloaded.EscrowStatus, reloaded.Transaction.EscrowStatus)
	}

	ok, err = repo.TransitionItemEscrow(ctx, item.ID, enums.EscrowStatusHolding, enums.EscrowStatusRefunded, nil)
	if err != nil || ok {
		t.Fatalf("expected guarded miss, ok=%v err=%v", ok, err)
	}
}

func TestRepositorySetPaymentIntentRef(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	product := dbtest.SeedProduct(t, conn, uuid.New(), 1000)
	order := dbtest.SeedPendingOrder(t, conn, uuid.New(), time.Now().Add(time.Hour), product)

	if ok, err := repo.SetPaymentIntentRef(ctx, order.ID, "pi_1"); err != nil || !ok {
		t.Fatalf("set ref: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.SetPaymentIntentRef(ctx, order.ID, "pi_1"); err != nil || !ok {
		t.Fatalf("same ref should be accepted: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.SetPaymentIntentRef(ctx, order.ID, "pi_2"); err != nil || ok {
		t.Fatalf("different ref must not overwrite: ok=%v err=%v", ok, err)
	}

	found, err := repo.FindOrderByIntentRef(ctx, "pi_1")
	if err != nil || found.ID != order.ID {
		t.Fatalf("find by intent: %v %v", found, err)
	}

	other := dbtest.SeedPendingOrder(t, conn, uuid.New(), time.Now().Add(time.Hour), dbtest.SeedProduct(t, conn, uuid.New(), 500))
	if ok, err := repo.SetPaymentIntentRef(ctx, other.ID, "pi_1"); err != nil || ok {
		t.Fatalf("ref owned by another order must be refused: ok=%v err=%v", ok, err)
	}
}

func TestRepositoryDisputeLifecycle(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	product := dbtest.SeedProduct(t, conn, uuid.New(), 1000)
	order := dbtest.SeedPendingOrder(t, conn, uuid.New(), time.Now().Add(time.Hour), product)
	txnID := order.Items[0].Transaction.ID
	now := time.Now().UTC()

	if ok, err := repo.OpenDispute(ctx, txnID, "damaged", now); err != nil || !ok {
		t.Fatalf("open dispute: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.OpenDispute(ctx, txnID, "again", now); ok {
		t.Fatal("expected second open to be rejected while dispute is open")
	}
	if ok, err := repo.ResolveDispute(ctx, txnID, now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("resolve dispute: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.ResolveDispute(ctx, txnID, now.Add(time.Minute)); ok {
		t.Fatal("expected resolve of closed dispute to be rejected")
	}
}

func TestRepositoryListReleaseDue(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	now := time.Now().UTC()

	dueProduct := dbtest.SeedProduct(t, conn, uuid.New(), 1000)
	disputedProduct := dbtest.SeedProduct(t, conn, uuid.New(), 2000)
	freshProduct := dbtest.SeedProduct(t, conn, uuid.New(), 3000)
	order := dbtest.SeedPendingOrder(t, conn, uuid.New(), now.Add(time.Hour), dueProduct, disputedProduct, freshProduct)

	deliveredAt := map[uuid.UUID]time.Time{
		dueProduct.ID:      now.Add(-8 * 24 * time.Hour),
		disputedProduct.ID: now.Add(-8 * 24 * time.Hour),
		freshProduct.ID:    now.Add(-time.Hour),
	}
	for _, item := range order.Items {
		markDelivered(t, repo, item, deliveredAt[item.ProductID])
		if item.ProductID == disputedProduct.ID {
			if _, err := repo.OpenDispute(ctx, item.Transaction.ID, "not as described", now); err != nil {
				t.Fatalf("open dispute: %v", err)
			}
		}
	}

	due, err := repo.ListReleaseDue(ctx, now.Add(-7*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("list release due: %v", err)
	}
	if len(due) != 1 || due[0].ProductID != dueProduct.ID {
		t.Fatalf("expected only the undisputed expired item, got %d", len(due))
	}
}

func TestRepositoryListTransferRetryDue(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	now := time.Now().UTC()

	failed := dbtest.SeedProduct(t, conn, uuid.New(), 1000)
	stale := dbtest.SeedProduct(t, conn, uuid.New(), 2000)
	notYet := dbtest.SeedProduct(t, conn, uuid.New(), 3000)
	order := dbtest.SeedPendingOrder(t, conn, uuid.New(), now.Add(time.Hour), failed, stale, notYet)

	for _, item := range order.Items {
		releasedAt := now.Add(-time.Hour)
		if item.ProductID == notYet.ID {
			releasedAt = now
		}
		if ok, err := repo.TransitionItemEscrow(ctx, item.ID, enums.EscrowStatusHolding, enums.EscrowStatusReleased, map[string]any{"released_at": releasedAt}); err != nil || !ok {
			t.Fatalf("release: ok=%v err=%v", ok, err)
		}
		if item.ProductID == failed.ID {
			if _, err := repo.TransitionItemEscrow(ctx, item.ID, enums.EscrowStatusReleased, enums.EscrowStatusTransferFailed, map[string]any{
				"transfer_attempts": 1,
				"next_transfer_at":  now.Add(-time.Minute),
			}); err != nil {
				t.Fatalf("fail transfer: %v", err)
			}
		}
	}

	due, err := repo.ListTransferRetryDue(ctx, TransferRetryQuery{
		Now:                 now,
		MaxAttempts:         5,
		StaleReleasedBefore: now.Add(-10 * time.Minute),
		Limit:               10,
	})
	if err != nil {
		t.Fatalf("list retry due: %v", err)
	}
	got := map[uuid.UUID]bool{}
	for _, item := range due {
		got[item.ProductID] = true
	}
	if len(due) != 2 || !got[failed.ID] || !got[stale.ID] {
		t.Fatalf("unexpected retry set %+v", got)
	}
}

func TestRepositoryListBuyerOrdersPaginates(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	buyer := uuid.New()
	for i := 0; i < 3; i++ {
		product := dbtest.SeedProduct(t, conn, uuid.New(), int64(1000*(i+1)))
		dbtest.SeedPendingOrder(t, conn, buyer, time.Now().Add(time.Hour), product)
	}
	dbtest.SeedPendingOrder(t, conn, uuid.New(), time.Now().Add(time.Hour), dbtest.SeedProduct(t, conn, uuid.New(), 10))

	first, err := repo.ListBuyerOrders(ctx, buyer, pagination.Params{Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Orders) != 2 || first.NextCursor == "" {
		t.Fatalf("expected two orders and a cursor, got %d cursor=%q", len(first.Orders), first.NextCursor)
	}
	second, err := repo.ListBuyerOrders(ctx, buyer, pagination.Params{Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Orders) != 1 || second.NextCursor != "" {
		t.Fatalf("expected final page of one, got %d cursor=%q", len(second.Orders), second.NextCursor)
	}
}

func TestRepositoryHistoryRoundTrip(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	orderID := uuid.New()

	if err := repo.AppendHistory(ctx,
		NewHistory(orderID, enums.StatusEntityOrder, orderID, enums.OrderStatusPending, enums.OrderStatusPaid, "payment_succeeded"),
	); err != nil {
		t.Fatalf("append history: %v", err)
	}
	rows, err := repo.ListHistory(ctx, orderID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(rows) != 1 || rows[0].ToStatus != "paid" || rows[0].Reason == nil {
		t.Fatalf("unexpected history %+v", rows)
	}

	bad := NewHistory(orderID, enums.StatusEntity("bogus"), orderID, enums.OrderStatusPending, enums.OrderStatusPaid, "")
	if err := repo.AppendHistory(ctx, bad); err == nil {
		t.Fatal("expected invalid entity to be rejected")
	}
}

func markDelivered(t *testing.T, repo Repository, item models.OrderItem, at time.Time) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		from, to enums.TransactionStatus
	}{
		{enums.TransactionStatusPending, enums.TransactionStatusPaid},
		{enums.TransactionStatusPaid, enums.TransactionStatusDelivered},
	}
	for _, step := range steps {
		extra := map[string]any{}
		if step.to == enums.TransactionStatusDelivered {
			extra["delivered_at"] = at.UTC()
			extra["buyer_protection_eligible"] = true
		}
		if ok, err := repo.TransitionTransaction(ctx, item.Transaction.ID, step.from, step.to, extra); err != nil || !ok {
			t.Fatalf("transaction %s -> %s: ok=%v err=%v", step.from, step.to, ok, err)
		}
	}
	if ok, err := repo.TransitionItem(ctx, item.ID, enums.OrderItemStatusPending, enums.OrderItemStatusProcessing, nil); err != nil || !ok {
		t.Fatalf("item processing: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.TransitionItem(ctx, item.ID, enums.OrderItemStatusProcessing, enums.OrderItemStatusDelivered, nil); err != nil || !ok {
		t.Fatalf("item delivered: ok=%v err=%v", ok, err)
	}
}
