package enums

import "fmt"

// StatusEntity names the record kind a status history row belongs to.
type StatusEntity string

const (
	StatusEntityOrder       StatusEntity = "order"
	StatusEntityOrderItem   StatusEntity = "order_item"
	StatusEntityTransaction StatusEntity = "transaction"
	StatusEntityEscrow      StatusEntity = "escrow"
)

var validStatusEntities = []StatusEntity{
	StatusEntityOrder,
	StatusEntityOrderItem,
	StatusEntityTransaction,
	StatusEntityEscrow,
}

// IsValid reports whether the value is a known StatusEntity.
func (e StatusEntity) IsValid() bool {
	for _, candidate := range validStatusEntities {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseStatusEntity converts raw input into a StatusEntity.
func ParseStatusEntity(value string) (StatusEntity, error) {
	for _, candidate := range validStatusEntities {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid status entity %q", value)
}
