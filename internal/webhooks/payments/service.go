// Package paymentwebhook applies verified gateway notifications to orders.
package paymentwebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/marketplace-settlement/internal/gateway"
	"github.com/angelmondragon/marketplace-settlement/internal/orders"
	"github.com/angelmondragon/marketplace-settlement/internal/settlement"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
	"github.com/angelmondragon/marketplace-settlement/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Result values reported per event.
const (
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultUnmatched = "unmatched"
)

type ServiceParams struct {
	OrdersRepo        orders.Repository
	Engine            *settlement.Engine
	TransactionRunner txRunner
	Metrics           *metrics.SettlementMetrics
	Logger            *logger.Logger
}

type Service struct {
	orders   orders.Repository
	engine   *settlement.Engine
	txRunner txRunner
	metrics  *metrics.SettlementMetrics
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.OrdersRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repo required")
	}
	if params.Engine == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "settlement engine required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		orders:   params.OrdersRepo,
		engine:   params.Engine,
		txRunner: params.TransactionRunner,
		metrics:  params.Metrics,
		logg:     params.Logger,
		now:      time.Now,
	}, nil
}

// Handle records the event as processed and dispatches it in one transaction.
// A redelivered event id is a no-op; a failure rolls back the processed marker
// so the redelivery is applied.
func (s *Service) Handle(ctx context.Context, event *gateway.Event) (string, error) {
	if event == nil || event.ID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "gateway event id required")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"event_id": event.ID, "event_type": string(event.Type)})
	if event.IntentID != "" {
		ctx = s.logg.WithIntentID(ctx, event.IntentID)
	}

	var result string
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		fresh, err := markProcessed(ctx, tx, event, s.now().UTC())
		if err != nil {
			return err
		}
		if !fresh {
			result = ResultDuplicate
			return nil
		}
		result, err = s.dispatch(ctx, tx, event)
		return err
	})
	if err != nil {
		s.metrics.IncWebhook(string(event.Type), "error")
		return "", err
	}
	s.metrics.IncWebhook(string(event.Type), result)
	s.logg.Info(ctx, fmt.Sprintf("gateway event handled: %s", result))
	return result, nil
}

func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, event *gateway.Event) (string, error) {
	switch event.Type {
	case gateway.EventIntentSucceeded, gateway.EventIntentFailed, gateway.EventIntentCanceled:
	default:
		return ResultIgnored, nil
	}
	if event.IntentID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
	}

	order, err := s.orders.WithTx(tx).FindOrderByIntentRef(ctx, event.IntentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logg.Warn(ctx, "no order carries this payment intent")
			return ResultUnmatched, nil
		}
		return "", orders.MapLookupError(err, "order")
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	var outcome settlement.Outcome
	switch event.Type {
	case gateway.EventIntentSucceeded:
		outcome, err = s.engine.ApplyPaymentSucceeded(ctx, tx, order.ID, event.IntentID)
	case gateway.EventIntentFailed:
		reason := event.FailureReason
		if reason == "" {
			reason = settlement.ReasonPaymentFailed
		}
		outcome, err = s.engine.ApplyPaymentFailed(ctx, tx, order.ID, reason)
	case gateway.EventIntentCanceled:
		outcome, err = s.engine.ApplyPaymentCanceled(ctx, tx, order.ID, event.FailureReason)
	}
	if err != nil {
		return "", err
	}
	return outcome.String(), nil
}

// markProcessed inserts the event id; zero affected rows means another
// delivery already committed it.
func markProcessed(ctx context.Context, tx *gorm.DB, event *gateway.Event, at time.Time) (bool, error) {
	row := models.ProcessedGatewayEvent{
		EventID:     event.ID,
		EventType:   string(event.Type),
		IntentRef:   event.IntentID,
		ProcessedAt: at,
	}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "record gateway event")
	}
	return res.RowsAffected == 1, nil
}
