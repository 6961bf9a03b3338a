package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/marketplace-settlement/internal/checkout/helpers"
)

// ErrUnknownAddress is returned by an AddressBook that cannot resolve the
// shipping address for the buyer.
var ErrUnknownAddress = errors.New("unknown shipping address")

// ErrOfferNotAccepted is returned by an OfferLookup when the offer does not
// exist, belongs to someone else, or was not accepted.
var ErrOfferNotAccepted = errors.New("offer not accepted")

// AddressBook resolves a buyer's shipping address and the fee to ship to it.
type AddressBook interface {
	ShippingFee(ctx context.Context, buyerID, addressID uuid.UUID) (int64, error)
}

// OfferLookup resolves the agreed price of an accepted offer.
type OfferLookup interface {
	AcceptedPrice(ctx context.Context, offerID, buyerID, productID uuid.UUID) (int64, error)
}

// FeeTierLookup returns the platform fee percentage applied to a seller.
type FeeTierLookup interface {
	FeeRate(ctx context.Context, sellerID uuid.UUID) (decimal.Decimal, error)
}

// FlatRateAddressBook accepts any address and charges one flat shipping fee.
// It stands in for the address service in single-binary deployments.
type FlatRateAddressBook struct {
	FeeCents int64
}

func (b FlatRateAddressBook) ShippingFee(_ context.Context, _, addressID uuid.UUID) (int64, error) {
	if addressID == uuid.Nil {
		return 0, ErrUnknownAddress
	}
	return b.FeeCents, nil
}

// NoOffers rejects every offer.
type NoOffers struct{}

func (NoOffers) AcceptedPrice(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (int64, error) {
	return 0, ErrOfferNotAccepted
}

// StaticFeeTiers applies a default rate with per-seller overrides.
type StaticFeeTiers struct {
	Default   decimal.Decimal
	Overrides map[uuid.UUID]decimal.Decimal
}

// NewStaticFeeTiers parses the default rate and a sellerID -> rate map.
func NewStaticFeeTiers(defaultRate string, overrides map[string]string) (*StaticFeeTiers, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(defaultRate))
	if err != nil {
		return nil, fmt.Errorf("parse default fee rate: %w", err)
	}
	if err := helpers.ValidateFeeRate(rate); err != nil {
		return nil, err
	}
	tiers := &StaticFeeTiers{Default: rate, Overrides: make(map[uuid.UUID]decimal.Decimal, len(overrides))}
	for rawSeller, rawRate := range overrides {
		sellerID, err := uuid.Parse(strings.TrimSpace(rawSeller))
		if err != nil {
			return nil, fmt.Errorf("parse fee override seller %q: %w", rawSeller, err)
		}
		sellerRate, err := decimal.NewFromString(strings.TrimSpace(rawRate))
		if err != nil {
			return nil, fmt.Errorf("parse fee override for %s: %w", sellerID, err)
		}
		if err := helpers.ValidateFeeRate(sellerRate); err != nil {
			return nil, err
		}
		tiers.Overrides[sellerID] = sellerRate
	}
	return tiers, nil
}

func (t *StaticFeeTiers) FeeRate(_ context.Context, sellerID uuid.UUID) (decimal.Decimal, error) {
	if rate, ok := t.Overrides[sellerID]; ok {
		return rate, nil
	}
	return t.Default, nil
}
