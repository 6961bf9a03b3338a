package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/pkg/config"
	"github.com/angelmondragon/marketplace-settlement/pkg/db/models"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
	"github.com/angelmondragon/marketplace-settlement/pkg/metrics"
	"github.com/angelmondragon/marketplace-settlement/pkg/outbox/registry"
)

const (
	defaultBatchSize    = 50
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxAttempts  = 10

	publishTimeout = 15 * time.Second
	maxIdleBackoff = 10 * time.Second
	backoffJitter  = 250 * time.Millisecond

	parkUnroutable = "unroutable"
	parkExhausted  = "exhausted"
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type eventResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// publisher is the slice of *pubsub.Publisher the relay needs. A failed
// publish pauses its ordering key until ResumePublish is called.
type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config       *config.Config
	Logger       *logger.Logger
	DB           dbClient
	PubSub       pubSubClient
	Store        outboxStore
	Resolver     eventResolver
	Metrics      *metrics.OutboxMetrics
	PublisherFor func(topic string) publisher
}

// Service relays committed outbox rows to Pub/Sub. Each pass claims a batch
// under a row lock, hands every row to the client at once, then records each
// acknowledgement on the row before committing.
type Service struct {
	logg         *logger.Logger
	db           dbClient
	pubsub       pubSubClient
	store        outboxStore
	resolver     eventResolver
	metrics      *metrics.OutboxMetrics
	publisherFor func(topic string) publisher

	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	var missing error
	if params.Config == nil {
		missing = multierr.Append(missing, errors.New("config is required"))
	}
	if params.Logger == nil {
		missing = multierr.Append(missing, errors.New("logger is required"))
	}
	if params.DB == nil {
		missing = multierr.Append(missing, errors.New("database client is required"))
	}
	if params.PubSub == nil {
		missing = multierr.Append(missing, errors.New("pubsub client is required"))
	}
	if params.Store == nil {
		missing = multierr.Append(missing, errors.New("outbox store is required"))
	}
	if params.Resolver == nil {
		missing = multierr.Append(missing, errors.New("event resolver is required"))
	}
	if missing != nil {
		return nil, missing
	}

	s := &Service{
		logg:         params.Logger,
		db:           params.DB,
		pubsub:       params.PubSub,
		store:        params.Store,
		resolver:     params.Resolver,
		metrics:      params.Metrics,
		publisherFor: params.PublisherFor,
		batchSize:    orDefault(params.Config.Outbox.BatchSize, defaultBatchSize),
		maxAttempts:  orDefault(params.Config.Outbox.MaxAttempts, defaultMaxAttempts),
		pollInterval: defaultPollInterval,
	}
	if ms := params.Config.Outbox.PollIntervalMS; ms > 0 {
		s.pollInterval = time.Duration(ms) * time.Millisecond
	}
	if s.publisherFor == nil {
		s.publisherFor = s.topicPublisher
	}
	return s, nil
}

func (s *Service) topicPublisher(topic string) publisher {
	p := s.pubsub.Publisher(topic)
	if p == nil {
		return nil
	}
	return gcpPublisher{Publisher: p}
}

// Run drains until ctx is cancelled. A full batch is followed immediately by
// another pass; otherwise the relay sleeps, backing off after failed passes.
func (s *Service) Run(ctx context.Context) error {
	if err := s.checkDependencies(ctx); err != nil {
		return err
	}

	backoff := s.newBackoff()
	for {
		if err := ctx.Err(); err != nil {
			s.logg.Info(ctx, "outbox publisher stopping")
			return err
		}

		claimed, err := s.drainOnce(ctx)
		wait := s.pollInterval
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox drain failed", err)
			wait, _ = backoff.Next()
		case claimed >= s.batchSize:
			backoff = s.newBackoff()
			continue
		default:
			backoff = s.newBackoff()
		}

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Service) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(maxIdleBackoff,
		retry.WithJitter(backoffJitter, retry.NewExponential(s.pollInterval)))
}

func (s *Service) checkDependencies(ctx context.Context) error {
	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"database", s.db.Ping},
		{"pubsub", s.pubsub.Ping},
	}
	var errs error
	for _, c := range checks {
		if err := c.ping(ctx); err != nil {
			s.logg.Error(ctx, c.name+" unreachable", err)
			errs = multierr.Append(errs, fmt.Errorf("%s ping: %w", c.name, err))
		}
	}
	return errs
}

// delivery is one claimed row on its way through a batch.
type delivery struct {
	event   models.OutboxEvent
	topic   string
	eventID string
	pub     publisher
	result  publishResult
	err     error
}

type pausedKey struct {
	topic string
	key   string
}

// drainOnce runs a single claim/publish/settle pass and reports how many rows
// it claimed.
func (s *Service) drainOnce(ctx context.Context) (int, error) {
	started := time.Now()
	claimed := 0
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := s.store.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return fmt.Errorf("claim outbox batch: %w", err)
		}
		claimed = len(rows)
		if claimed == 0 {
			return nil
		}

		publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return s.settle(ctx, publishCtx, tx, s.dispatch(publishCtx, rows))
	})
	if claimed > 0 {
		s.metrics.ObserveBatch(time.Since(started))
	}
	return claimed, err
}

// dispatch hands every routable row to its publisher without waiting.
func (s *Service) dispatch(ctx context.Context, rows []models.OutboxEvent) []delivery {
	out := make([]delivery, 0, len(rows))
	for _, row := range rows {
		d := delivery{event: row}
		resolved, err := s.resolver.Resolve(row)
		if err != nil {
			d.err = err
			out = append(out, d)
			continue
		}
		d.topic = resolved.Descriptor.Topic
		d.eventID = resolved.Envelope.EventID
		d.pub = s.publisherFor(d.topic)
		switch {
		case d.pub == nil:
			d.err = registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %s", d.topic))
		default:
			d.result = d.pub.Publish(ctx, buildMessage(row, d.eventID))
			if d.result == nil {
				d.err = registry.NewNonRetryableError(fmt.Errorf("publisher for topic %s returned no result", d.topic))
			}
		}
		out = append(out, d)
	}
	return out
}

// settle waits for each acknowledgement in claim order and records it. Keys
// paused by a failure are resumed once the batch is written; their later rows
// failed with them and are retried in order on the next pass.
func (s *Service) settle(ctx, publishCtx context.Context, tx *gorm.DB, deliveries []delivery) error {
	paused := map[pausedKey]publisher{}
	for _, d := range deliveries {
		err := d.err
		if err == nil {
			_, err = d.result.Get(publishCtx)
		}
		logCtx := s.logg.WithFields(ctx, deliveryFields(d))
		eventType := string(d.event.EventType)

		switch {
		case err == nil:
			if markErr := s.store.MarkPublishedTx(tx, d.event.ID); markErr != nil {
				return fmt.Errorf("mark published %s: %w", d.event.ID, markErr)
			}
			s.metrics.IncEvent(eventType, metrics.OutboxPublished)
			s.logg.Info(logCtx, "outbox event published")
			continue
		case isNonRetryable(err):
			if markErr := s.park(logCtx, tx, d.event, parkUnroutable, err); markErr != nil {
				return markErr
			}
		case d.event.FinalAttempt(s.maxAttempts):
			if markErr := s.park(logCtx, tx, d.event, parkExhausted, fmt.Errorf("max publish attempts reached: %w", err)); markErr != nil {
				return markErr
			}
		default:
			s.logg.Warn(s.logg.WithFields(logCtx, map[string]any{
				"error":         err.Error(),
				"attempt_count": d.event.AttemptCount + 1,
			}), "outbox publish failed, will retry")
			if markErr := s.store.MarkFailedTx(tx, d.event.ID, err); markErr != nil {
				return fmt.Errorf("mark failure %s: %w", d.event.ID, markErr)
			}
			s.metrics.IncEvent(eventType, metrics.OutboxRetry)
		}

		if d.pub != nil {
			paused[pausedKey{topic: d.topic, key: d.event.OrderingKey()}] = d.pub
		}
	}

	for k, pub := range paused {
		pub.ResumePublish(k.key)
	}
	return nil
}

// park moves a row to the attempt ceiling so it is never claimed again. It
// stays in outbox_events with last_error set until retention prunes it.
func (s *Service) park(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason string, err error) error {
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"park_reason": reason,
		"error":       err.Error(),
	}), "outbox event parked")
	if markErr := s.store.MarkTerminalTx(tx, event.ID, err, s.maxAttempts); markErr != nil {
		return fmt.Errorf("park %s: %w", event.ID, markErr)
	}
	s.metrics.IncEvent(string(event.EventType), metrics.OutboxParked)
	return nil
}

func isNonRetryable(err error) bool {
	var nonRetry registry.NonRetryableError
	return errors.As(err, &nonRetry)
}

func buildMessage(event models.OutboxEvent, eventID string) *gcppubsub.Message {
	return &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: event.OrderingKey(),
		Attributes:  event.Attributes(eventID),
	}
}

func deliveryFields(d delivery) map[string]any {
	fields := map[string]any{
		"outbox_id":      d.event.ID.String(),
		"event_type":     d.event.EventType,
		"aggregate_type": d.event.AggregateType,
		"aggregate_id":   d.event.AggregateID.String(),
		"attempt_count":  d.event.AttemptCount,
	}
	if d.eventID != "" {
		fields["event_id"] = d.eventID
	}
	if d.topic != "" {
		fields["topic"] = d.topic
	}
	return fields
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// gcpPublisher adapts *pubsub.Publisher; *pubsub.PublishResult already
// satisfies publishResult.
type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.Publisher.Publish(ctx, msg)
}
