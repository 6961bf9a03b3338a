package helpers

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// PricedItem is one requested product after price resolution.
type PricedItem struct {
	ProductID  uuid.UUID
	SellerID   uuid.UUID
	OfferID    *uuid.UUID
	PriceCents int64
}

// SellerGroup holds the items a single seller contributes to an order.
type SellerGroup struct {
	SellerID      uuid.UUID
	Items         []PricedItem
	SubtotalCents int64
}

// GroupItemsBySeller groups items by seller. Groups are ordered by seller id
// and items by product id, so reservations are always taken in the same order.
func GroupItemsBySeller(items []PricedItem) []SellerGroup {
	index := make(map[uuid.UUID]int, len(items))
	groups := make([]SellerGroup, 0, len(items))
	for _, item := range items {
		pos, ok := index[item.SellerID]
		if !ok {
			pos = len(groups)
			index[item.SellerID] = pos
			groups = append(groups, SellerGroup{SellerID: item.SellerID})
		}
		groups[pos].Items = append(groups[pos].Items, item)
		groups[pos].SubtotalCents += item.PriceCents
	}
	sort.Slice(groups, func(i, j int) bool {
		return bytes.Compare(groups[i].SellerID[:], groups[j].SellerID[:]) < 0
	})
	for i := range groups {
		items := groups[i].Items
		sort.Slice(items, func(a, b int) bool {
			return bytes.Compare(items[a].ProductID[:], items[b].ProductID[:]) < 0
		})
	}
	return groups
}
