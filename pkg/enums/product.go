package enums

import "fmt"

// ProductStatus is the catalog status of a listing. Settlement only moves a
// product between active, pending_payment and sold.
type ProductStatus string

const (
	ProductStatusActive         ProductStatus = "active"
	ProductStatusPendingPayment ProductStatus = "pending_payment"
	ProductStatusSold           ProductStatus = "sold"
	ProductStatusHidden         ProductStatus = "hidden"
)

var validProductStatuses = []ProductStatus{
	ProductStatusActive,
	ProductStatusPendingPayment,
	ProductStatusSold,
	ProductStatusHidden,
}

// String implements fmt.Stringer.
func (s ProductStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known ProductStatus.
func (s ProductStatus) IsValid() bool {
	for _, candidate := range validProductStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether settlement may move the product from s to next.
func (s ProductStatus) CanTransitionTo(next ProductStatus) bool {
	return allowed(productTransitions, s, next)
}

// ParseProductStatus converts raw input into a ProductStatus.
func ParseProductStatus(value string) (ProductStatus, error) {
	for _, candidate := range validProductStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid product status %q", value)
}
