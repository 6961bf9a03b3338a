package enums

import (
	"fmt"
	"slices"
)

// LedgerEventType classifies money movements recorded in the ledger.
type LedgerEventType string

const (
	// Buyer funds entering escrow for one item.
	LedgerEventTypePaymentCaptured LedgerEventType = "payment_captured"
	// The platform's share of a captured item. A memo; it does not move
	// escrow on its own.
	LedgerEventTypePlatformFee LedgerEventType = "platform_fee"
	// Funds transferred out of escrow to the seller.
	LedgerEventTypeSellerPayout LedgerEventType = "seller_payout"
	// Funds returned to the buyer.
	LedgerEventTypeRefund LedgerEventType = "refund"
)

var validLedgerEventTypes = []LedgerEventType{
	LedgerEventTypePaymentCaptured,
	LedgerEventTypePlatformFee,
	LedgerEventTypeSellerPayout,
	LedgerEventTypeRefund,
}

func (t LedgerEventType) IsValid() bool {
	return slices.Contains(validLedgerEventTypes, t)
}

// EscrowDelta is the signed effect of an entry of amount on the escrow
// balance: captures add, payouts and refunds subtract, fees are neutral.
func (t LedgerEventType) EscrowDelta(amount int64) int64 {
	switch t {
	case LedgerEventTypePaymentCaptured:
		return amount
	case LedgerEventTypeSellerPayout, LedgerEventTypeRefund:
		return -amount
	default:
		return 0
	}
}

func ParseLedgerEventType(value string) (LedgerEventType, error) {
	t := LedgerEventType(value)
	if !t.IsValid() {
		return "", fmt.Errorf("invalid ledger event type %q", value)
	}
	return t, nil
}
