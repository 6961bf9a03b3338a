package enums

import "fmt"

// TransactionStatus tracks the settlement record paired with an order item.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusPaid      TransactionStatus = "paid"
	TransactionStatusShipped   TransactionStatus = "shipped"
	TransactionStatusDelivered TransactionStatus = "delivered"
	TransactionStatusCancelled TransactionStatus = "cancelled"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

var validTransactionStatuses = []TransactionStatus{
	TransactionStatusPending,
	TransactionStatusPaid,
	TransactionStatusShipped,
	TransactionStatusDelivered,
	TransactionStatusCancelled,
	TransactionStatusRefunded,
}

// String implements fmt.Stringer.
func (s TransactionStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known TransactionStatus.
func (s TransactionStatus) IsValid() bool {
	for _, candidate := range validTransactionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsPaidOrLater reports whether funds were captured for the transaction and it
// has not been closed out.
func (s TransactionStatus) IsPaidOrLater() bool {
	switch s {
	case TransactionStatusPaid, TransactionStatusShipped, TransactionStatusDelivered:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return allowed(transactionTransitions, s, next)
}

// ParseTransactionStatus converts raw input into a TransactionStatus.
func ParseTransactionStatus(value string) (TransactionStatus, error) {
	for _, candidate := range validTransactionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction status %q", value)
}
