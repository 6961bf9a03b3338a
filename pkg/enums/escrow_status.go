package enums

import "fmt"

// EscrowStatus tracks platform-held funds for one order item.
type EscrowStatus string

const (
	EscrowStatusHolding        EscrowStatus = "holding"
	EscrowStatusReleased       EscrowStatus = "released"
	EscrowStatusTransferred    EscrowStatus = "transferred"
	EscrowStatusRefunded       EscrowStatus = "refunded"
	EscrowStatusCancelled      EscrowStatus = "cancelled"
	EscrowStatusTransferFailed EscrowStatus = "transfer_failed"
)

var validEscrowStatuses = []EscrowStatus{
	EscrowStatusHolding,
	EscrowStatusReleased,
	EscrowStatusTransferred,
	EscrowStatusRefunded,
	EscrowStatusCancelled,
	EscrowStatusTransferFailed,
}

// String implements fmt.Stringer.
func (s EscrowStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known EscrowStatus.
func (s EscrowStatus) IsValid() bool {
	for _, candidate := range validEscrowStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s EscrowStatus) CanTransitionTo(next EscrowStatus) bool {
	return allowed(escrowTransitions, s, next)
}

// ParseEscrowStatus converts raw input into an EscrowStatus.
func ParseEscrowStatus(value string) (EscrowStatus, error) {
	for _, candidate := range validEscrowStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid escrow status %q", value)
}
