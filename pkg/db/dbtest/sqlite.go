// Package dbtest opens throwaway sqlite databases carrying the settlement schema.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
)

// Open returns an isolated in-memory database migrated with every settlement
// model. The pool is pinned to one connection so concurrent transactions
// serialise the way row locks would on Postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

// SeedProduct inserts an active product listed by sellerID.
func SeedProduct(t testing.TB, conn *gorm.DB, sellerID uuid.UUID, priceCents int64) models.Product {
	t.Helper()
	product := models.Product{
		SellerID:   sellerID,
		Title:      fmt.Sprintf("listing-%d", priceCents),
		PriceCents: priceCents,
		Status:     enums.ProductStatusActive,
	}
	if err := conn.Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return product
}

// ReloadProduct reads the product row back.
func ReloadProduct(t testing.TB, conn *gorm.DB, id uuid.UUID) models.Product {
	t.Helper()
	var product models.Product
	if err := conn.Where("id = ?", id).Take(&product).Error; err != nil {
		t.Fatalf("reload product: %v", err)
	}
	return product
}
