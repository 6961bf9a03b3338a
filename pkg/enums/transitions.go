package enums

// Transition tables for every settlement status field. Services consult these
// before issuing a status-guarded update; nothing else decides reachability.

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusPaid, OrderStatusCancelled, OrderStatusExpired},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusDelivered, OrderStatusRefunded, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:  {OrderStatusRefunded},
}

var orderItemTransitions = map[OrderItemStatus][]OrderItemStatus{
	OrderItemStatusPending:    {OrderItemStatusProcessing, OrderItemStatusCancelled},
	OrderItemStatusProcessing: {OrderItemStatusShipped, OrderItemStatusDelivered, OrderItemStatusRefunded},
	OrderItemStatusShipped:    {OrderItemStatusDelivered, OrderItemStatusRefunded},
	OrderItemStatusDelivered:  {OrderItemStatusRefunded},
}

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending:   {TransactionStatusPaid, TransactionStatusCancelled},
	TransactionStatusPaid:      {TransactionStatusShipped, TransactionStatusDelivered, TransactionStatusRefunded},
	TransactionStatusShipped:   {TransactionStatusDelivered, TransactionStatusRefunded},
	TransactionStatusDelivered: {TransactionStatusRefunded},
}

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowStatusHolding:        {EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusCancelled},
	EscrowStatusReleased:       {EscrowStatusTransferred, EscrowStatusTransferFailed},
	EscrowStatusTransferFailed: {EscrowStatusTransferred, EscrowStatusTransferFailed},
}

var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusHeld:     {ReservationStatusReleased, ReservationStatusConsumed},
	ReservationStatusReleased: {ReservationStatusHeld},
	ReservationStatusConsumed: {ReservationStatusReleased},
}

var productTransitions = map[ProductStatus][]ProductStatus{
	ProductStatusActive:         {ProductStatusPendingPayment},
	ProductStatusPendingPayment: {ProductStatusActive, ProductStatusSold},
	ProductStatusSold:           {ProductStatusActive},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, candidate := range table[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
