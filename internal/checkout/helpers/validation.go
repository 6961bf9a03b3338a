package helpers

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
)

// Unavailability reasons reported to the buyer.
const (
	ReasonNotFound   = "not_found"
	ReasonNotActive  = "not_active"
	ReasonOwnListing = "own_listing"
	ReasonReserved   = "reserved"
)

// ValidateProduct checks that buyerID may check out product at now. A nil
// product means the id did not resolve; a nil reservation means none exists.
func ValidateProduct(productID uuid.UUID, product *models.Product, reservation *models.ProductReservation, buyerID uuid.UUID, now time.Time) error {
	reason := ""
	switch {
	case product == nil:
		reason = ReasonNotFound
	case product.Status != enums.ProductStatusActive:
		reason = ReasonNotActive
	case product.SellerID == buyerID:
		reason = ReasonOwnListing
	case reservation != nil && reservation.LeaseActive(now):
		reason = ReasonReserved
	}
	if reason == "" {
		return nil
	}
	return Unavailable(productID, reason)
}

// Unavailable builds the PRODUCT_UNAVAILABLE error for productID.
func Unavailable(productID uuid.UUID, reason string) error {
	return pkgerrors.New(pkgerrors.CodeProductUnavailable, "product unavailable").
		WithDetails(map[string]any{"productId": productID, "reason": reason})
}

// FindDuplicate returns the first product id requested twice.
func FindDuplicate(ids []uuid.UUID) (uuid.UUID, bool) {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return id, true
		}
		seen[id] = struct{}{}
	}
	return uuid.Nil, false
}
