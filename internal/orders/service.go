package orders

import (
	"context"
	"errors"

	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service exposes the read side of orders to buyers and sellers.
type Service interface {
	GetOrder(ctx context.Context, orderID, viewerID uuid.UUID) (*OrderDetail, error)
	ListBuyerOrders(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error)
	History(ctx context.Context, orderID, viewerID uuid.UUID) ([]HistoryEntry, error)
}

type service struct {
	repo Repository
}

// NewService builds the order read service.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "orders repository is required")
	}
	return &service{repo: repo}, nil
}

func (s *service) GetOrder(ctx context.Context, orderID, viewerID uuid.UUID) (*OrderDetail, error) {
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, mapLookupError(err, "order")
	}
	if !CanView(order.BuyerID, sellerIDs(order.Items), viewerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order not accessible")
	}
	detail := NewOrderDetail(order)
	return &detail, nil
}

func (s *service) ListBuyerOrders(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error) {
	if buyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "buyer identity required")
	}
	list, err := s.repo.ListBuyerOrders(ctx, buyerID, params)
	switch {
	case errors.Is(err, pagination.ErrInvalidCursor):
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor").WithDetails(map[string]any{"field": "cursor"})
	case err != nil:
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list orders")
	}
	return list, nil
}

func (s *service) History(ctx context.Context, orderID, viewerID uuid.UUID) ([]HistoryEntry, error) {
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, mapLookupError(err, "order")
	}
	if !CanView(order.BuyerID, sellerIDs(order.Items), viewerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order not accessible")
	}
	rows, err := s.repo.ListHistory(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load history")
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, HistoryEntry{
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			FromStatus: row.FromStatus,
			ToStatus:   row.ToStatus,
			Reason:     row.Reason,
			CreatedAt:  row.CreatedAt,
		})
	}
	return out, nil
}

// CanView reports whether viewer is the buyer or sells at least one item.
func CanView(buyerID uuid.UUID, sellers []uuid.UUID, viewer uuid.UUID) bool {
	if viewer == uuid.Nil {
		return false
	}
	if viewer == buyerID {
		return true
	}
	for _, seller := range sellers {
		if seller == viewer {
			return true
		}
	}
	return false
}

func sellerIDs(items []models.OrderItem) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		out = append(out, item.SellerID)
	}
	return out
}

// MapLookupError converts gorm's not-found into the NOT_FOUND code.
func MapLookupError(err error, what string) error {
	return mapLookupError(err, what)
}

func mapLookupError(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, what+" not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load "+what)
}
