package dbtest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// FixtureFeeRate is the platform fee applied by SeedPendingOrder.
var FixtureFeeRate = decimal.RequireFromString("0.10")

// SeedPendingOrder writes a PENDING order holding each product the way a
// successful checkout would: one item and transaction per product, a HELD
// reservation leased until leaseUntil and the product mirrored to
// pending_payment.
func SeedPendingOrder(t testing.TB, conn *gorm.DB, buyerID uuid.UUID, leaseUntil time.Time, products ...models.Product) models.Order {
	t.Helper()
	order := models.Order{
		ID:                uuid.New(),
		BuyerID:           buyerID,
		ShippingAddressID: uuid.New(),
		Status:            enums.OrderStatusPending,
		Currency:          enums.CurrencyKRW,
	}
	if err := conn.Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}

	for _, product := range products {
		fee := decimal.NewFromInt(product.PriceCents).Mul(FixtureFeeRate).IntPart()
		item := models.OrderItem{
			OrderID:          order.ID,
			ProductID:        product.ID,
			SellerID:         product.SellerID,
			PriceCents:       product.PriceCents,
			PlatformFeeCents: fee,
			FeePercentage:    FixtureFeeRate,
			Status:           enums.OrderItemStatusPending,
			EscrowStatus:     enums.EscrowStatusHolding,
		}
		if err := conn.Omit("Transaction").Create(&item).Error; err != nil {
			t.Fatalf("seed order item: %v", err)
		}
		txn := models.Transaction{
			OrderItemID:  item.ID,
			OrderID:      order.ID,
			ProductID:    product.ID,
			SellerID:     product.SellerID,
			Status:       enums.TransactionStatusPending,
			EscrowStatus: enums.EscrowStatusHolding,
		}
		if err := conn.Create(&txn).Error; err != nil {
			t.Fatalf("seed transaction: %v", err)
		}
		reservation := models.ProductReservation{
			ProductID:      product.ID,
			OrderID:        order.ID,
			Status:         enums.ReservationStatusHeld,
			LeaseExpiresAt: leaseUntil.UTC(),
			Version:        1,
		}
		if err := conn.Create(&reservation).Error; err != nil {
			t.Fatalf("seed reservation: %v", err)
		}
		if err := conn.Model(&models.Product{}).Where("id = ?", product.ID).
			Update("status", enums.ProductStatusPendingPayment).Error; err != nil {
			t.Fatalf("seed product status: %v", err)
		}
		order.TotalAmountCents += product.PriceCents
		order.TotalPlatformFeeCents += fee
	}

	if err := conn.Model(&models.Order{}).Where("id = ?", order.ID).Updates(map[string]any{
		"total_amount_cents":       order.TotalAmountCents,
		"total_platform_fee_cents": order.TotalPlatformFeeCents,
	}).Error; err != nil {
		t.Fatalf("seed order totals: %v", err)
	}
	return ReloadOrder(t, conn, order.ID)
}

// ReloadOrder reads the order with items and transactions.
func ReloadOrder(t testing.TB, conn *gorm.DB, id uuid.UUID) models.Order {
	t.Helper()
	var order models.Order
	err := conn.
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at ASC").Order("id ASC") }).
		Preload("Items.Transaction").
		Where("id = ?", id).
		Take(&order).Error
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	return order
}

// ReloadReservation reads the reservation row for productID.
func ReloadReservation(t testing.TB, conn *gorm.DB, productID uuid.UUID) models.ProductReservation {
	t.Helper()
	var reservation models.ProductReservation
	if err := conn.Where("product_id = ?", productID).Take(&reservation).Error; err != nil {
		t.Fatalf("reload reservation: %v", err)
	}
	return reservation
}
