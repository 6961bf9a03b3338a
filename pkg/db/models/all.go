package models

// All lists every settlement model, in dependency order, for AutoMigrate.
func All() []any {
	return []any{
		&Product{},
		&Order{},
		&OrderItem{},
		&Transaction{},
		&ProductReservation{},
		&ProcessedGatewayEvent{},
		&StatusHistory{},
		&LedgerEvent{},
		&OutboxEvent{},
		&SellerPayoutAccount{},
	}
}
