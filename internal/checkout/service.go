package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/internal/checkout/helpers"
	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/internal/reservation"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service creates orders from a buyer's selection.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error)
}

// CreateOrderInput captures a checkout request.
type CreateOrderInput struct {
	BuyerID           uuid.UUID      `json:"buyerId" validate:"required"`
	ShippingAddressID uuid.UUID      `json:"shippingAddressId" validate:"required"`
	Currency          enums.Currency `json:"currency,omitempty"`
	Items             []ItemInput    `json:"items" validate:"required,min=1,dive"`
}

// ItemInput selects one product, optionally at an accepted offer price.
type ItemInput struct {
	ProductID uuid.UUID  `json:"productId" validate:"required"`
	OfferID   *uuid.UUID `json:"offerId,omitempty"`
}

// Collaborators are the external lookups checkout depends on.
type Collaborators struct {
	Addresses AddressBook
	Offers    OfferLookup
	FeeTiers  FeeTierLookup
}

type service struct {
	tx       txRunner
	repo     Repository
	orders   orders.Repository
	locks    *reservation.Manager
	collab   Collaborators
	outbox   outboxPublisher
	currency enums.Currency
	validate *validator.Validate
	now      func() time.Time
}

// NewService builds the checkout service.
func NewService(
	tx txRunner,
	repo Repository,
	ordersRepo orders.Repository,
	locks *reservation.Manager,
	collab Collaborators,
	publisher outboxPublisher,
	defaultCurrency enums.Currency,
) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("checkout repository required")
	}
	if ordersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if locks == nil {
		return nil, fmt.Errorf("reservation manager required")
	}
	if collab.Addresses == nil {
		return nil, fmt.Errorf("address book required")
	}
	if collab.FeeTiers == nil {
		return nil, fmt.Errorf("fee tier lookup required")
	}
	if collab.Offers == nil {
		collab.Offers = NoOffers{}
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if !defaultCurrency.IsValid() {
		return nil, fmt.Errorf("invalid default currency %q", defaultCurrency)
	}
	return &service{
		tx:       tx,
		repo:     repo,
		orders:   ordersRepo,
		locks:    locks,
		collab:   collab,
		outbox:   publisher,
		currency: defaultCurrency,
		validate: validator.New(),
		now:      time.Now,
	}, nil
}

// CreateOrder validates the request, prices every item, and then inside one
// transaction reserves each product and writes the order with its items and
// transactions. Nothing is persisted unless every reservation succeeds.
func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	if err := s.validateInput(&input); err != nil {
		return nil, err
	}

	shippingFee, err := s.collab.Addresses.ShippingFee(ctx, input.BuyerID, input.ShippingAddressID)
	if err != nil {
		if errors.Is(err, ErrUnknownAddress) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown shipping address").
				WithDetails(map[string]any{"shippingAddressId": input.ShippingAddressID})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve shipping address")
	}

	priced, err := s.priceItems(ctx, input)
	if err != nil {
		return nil, err
	}
	groups := helpers.GroupItemsBySeller(priced)

	order := &models.Order{
		ID:                    uuid.New(),
		BuyerID:               input.BuyerID,
		ShippingAddressID:     input.ShippingAddressID,
		Status:                enums.OrderStatusPending,
		Currency:              input.Currency,
		TotalShippingFeeCents: shippingFee,
	}
	for _, group := range groups {
		rate, err := s.collab.FeeTiers.FeeRate(ctx, group.SellerID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve seller fee tier")
		}
		if err := helpers.ValidateFeeRate(rate); err != nil {
			return nil, err
		}
		for _, item := range group.Items {
			fee := helpers.PlatformFee(item.PriceCents, rate)
			order.Items = append(order.Items, models.OrderItem{
				ProductID:        item.ProductID,
				SellerID:         item.SellerID,
				OfferID:          item.OfferID,
				PriceCents:       item.PriceCents,
				PlatformFeeCents: fee,
				FeePercentage:    rate,
				Status:           enums.OrderItemStatusPending,
				EscrowStatus:     enums.EscrowStatusHolding,
				Transaction: &models.Transaction{
					ProductID:    item.ProductID,
					SellerID:     item.SellerID,
					Status:       enums.TransactionStatusPending,
					EscrowStatus: enums.EscrowStatusHolding,
				},
			})
			order.TotalPlatformFeeCents += fee
		}
		order.TotalAmountCents += group.SubtotalCents
	}
	order.TotalAmountCents += shippingFee

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		for _, item := range order.Items {
			if _, err := s.locks.Acquire(ctx, tx, item.ProductID, order.ID); err != nil {
				if errors.Is(err, reservation.ErrConflict) {
					return pkgerrors.Wrap(pkgerrors.CodeConcurrentCheckout, err, "product is being checked out by another buyer").
						WithDetails(map[string]any{"productId": item.ProductID})
				}
				return err
			}
		}

		ordersRepo := s.orders.WithTx(tx)
		if err := ordersRepo.CreateOrder(ctx, order); err != nil {
			return err
		}
		if err := ordersRepo.AppendHistory(ctx, creationHistory(order)...); err != nil {
			return err
		}
		return s.emitOrderCreated(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}

	created, err := s.orders.FindOrder(ctx, order.ID)
	if err != nil {
		return nil, orders.MapLookupError(err, "order")
	}
	return created, nil
}

func (s *service) validateInput(input *CreateOrderInput) error {
	if input.Currency == "" {
		input.Currency = s.currency
	}
	if err := s.validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Namespace()] = fe.Tag()
			}
			return pkgerrors.New(pkgerrors.CodeValidation, "invalid order request").WithDetails(details)
		}
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order request")
	}
	if !input.Currency.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency").
			WithDetails(map[string]any{"currency": input.Currency})
	}
	ids := make([]uuid.UUID, 0, len(input.Items))
	for _, item := range input.Items {
		ids = append(ids, item.ProductID)
	}
	if dup, ok := helpers.FindDuplicate(ids); ok {
		return pkgerrors.New(pkgerrors.CodeValidation, "product requested more than once").
			WithDetails(map[string]any{"productId": dup})
	}
	return nil
}

// priceItems runs the availability precheck and resolves each item's price.
// The precheck is advisory; Acquire inside the transaction is authoritative.
func (s *service) priceItems(ctx context.Context, input CreateOrderInput) ([]helpers.PricedItem, error) {
	ids := make([]uuid.UUID, 0, len(input.Items))
	for _, item := range input.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.FindProducts(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load products")
	}

	held, err := s.repo.FindReservations(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load reservations")
	}

	now := s.now()
	priced := make([]helpers.PricedItem, 0, len(input.Items))
	for _, item := range input.Items {
		product := products[item.ProductID]
		if err := helpers.ValidateProduct(item.ProductID, product, held[item.ProductID], input.BuyerID, now); err != nil {
			return nil, err
		}

		price := product.PriceCents
		if item.OfferID != nil {
			price, err = s.collab.Offers.AcceptedPrice(ctx, *item.OfferID, input.BuyerID, item.ProductID)
			if err != nil {
				if errors.Is(err, ErrOfferNotAccepted) {
					return nil, pkgerrors.New(pkgerrors.CodeValidation, "offer is not accepted").
						WithDetails(map[string]any{"offerId": *item.OfferID})
				}
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve offer price")
			}
		}
		if price <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product price must be positive").
				WithDetails(map[string]any{"productId": item.ProductID})
		}
		priced = append(priced, helpers.PricedItem{
			ProductID:  item.ProductID,
			SellerID:   product.SellerID,
			OfferID:    item.OfferID,
			PriceCents: price,
		})
	}
	return priced, nil
}

// creationHistory opens the audit trail of every entity the checkout wrote.
func creationHistory(order *models.Order) []models.StatusHistory {
	const reason = "order_created"
	history := []models.StatusHistory{
		orders.NewHistory(order.ID, enums.StatusEntityOrder, order.ID, enums.OrderStatus(""), order.Status, reason),
	}
	for _, item := range order.Items {
		history = append(history,
			orders.NewHistory(order.ID, enums.StatusEntityOrderItem, item.ID, enums.OrderItemStatus(""), item.Status, reason),
			orders.NewHistory(order.ID, enums.StatusEntityEscrow, item.ID, enums.EscrowStatus(""), item.EscrowStatus, reason),
		)
		if txn := item.Transaction; txn != nil {
			history = append(history, orders.NewHistory(order.ID, enums.StatusEntityTransaction, txn.ID, enums.TransactionStatus(""), txn.Status, reason))
		}
	}
	return history
}

func (s *service) emitOrderCreated(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	itemIDs := make([]uuid.UUID, 0, len(order.Items))
	sellerIDs := make([]uuid.UUID, 0, len(order.Items))
	seen := map[uuid.UUID]struct{}{}
	for _, item := range order.Items {
		itemIDs = append(itemIDs, item.ID)
		if _, ok := seen[item.SellerID]; !ok {
			seen[item.SellerID] = struct{}{}
			sellerIDs = append(sellerIDs, item.SellerID)
		}
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         outbox.UserActor(order.BuyerID, outbox.ActorBuyer),
		Data: payloads.OrderCreatedEvent{
			OrderID:          order.ID,
			BuyerID:          order.BuyerID,
			ItemIDs:          itemIDs,
			SellerIDs:        sellerIDs,
			TotalAmountCents: order.TotalAmountCents,
			Currency:         order.Currency,
		},
		Version: 1,
	})
}
