package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
)

// ErrNoPayoutAccount means the seller has not connected a payout destination.
// Transfers for such sellers fail and are retried on the normal schedule.
var ErrNoPayoutAccount = errors.New("seller has no payout account")

// SellerAccounts resolves the gateway account that receives a seller's transfers.
type SellerAccounts interface {
	AccountRef(ctx context.Context, sellerID uuid.UUID) (string, error)
}

// AccountDirectory stores payout accounts in seller_payout_accounts.
type AccountDirectory struct {
	db *gorm.DB
}

func NewAccountDirectory(db *gorm.DB) *AccountDirectory {
	return &AccountDirectory{db: db}
}

func (d *AccountDirectory) AccountRef(ctx context.Context, sellerID uuid.UUID) (string, error) {
	var row models.SellerPayoutAccount
	err := d.db.WithContext(ctx).Where("seller_id = ?", sellerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoPayoutAccount
	}
	if err != nil {
		return "", fmt.Errorf("load payout account: %w", err)
	}
	return row.AccountRef, nil
}

// Upsert connects or replaces the seller's payout account.
func (d *AccountDirectory) Upsert(ctx context.Context, sellerID uuid.UUID, accountRef string) error {
	accountRef = strings.TrimSpace(accountRef)
	if accountRef == "" {
		return errors.New("account ref required")
	}
	row := models.SellerPayoutAccount{SellerID: sellerID, AccountRef: accountRef}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "seller_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_ref", "updated_at"}),
	}).Create(&row).Error
}
