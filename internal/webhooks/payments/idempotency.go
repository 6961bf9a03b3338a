package paymentwebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	pkgredis "github.com/angelmondragon/marketplace-settlement/pkg/redis"
)

// ClaimState is the outcome of claiming a delivery.
type ClaimState int

const (
	// ClaimAcquired means this caller owns the event and must Complete or
	// Release it.
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means another replica is applying the event right now.
	ClaimInFlight
	// ClaimDone means the event was already applied.
	ClaimDone
)

const (
	markerProcessing = "processing"
	markerDone       = "done"

	// maxClaimTTL bounds how long a crashed replica can block redelivery.
	maxClaimTTL = 2 * time.Minute
)

var errEventIDRequired = errors.New("event id is required")

// IdempotencyGuard de-duplicates gateway deliveries across API replicas with a
// two-phase Redis marker: a short-lived processing claim, replaced by a done
// marker that lives for ttl once the event has been applied.
type IdempotencyGuard struct {
	store    pkgredis.IdempotencyStore
	scope    string
	claimTTL time.Duration
	doneTTL  time.Duration
}

func NewIdempotencyGuard(store pkgredis.IdempotencyStore, ttl time.Duration, scope string) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	claimTTL := maxClaimTTL
	if ttl > 0 && ttl < claimTTL {
		claimTTL = ttl
	}
	return &IdempotencyGuard{store: store, scope: scope, claimTTL: claimTTL, doneTTL: ttl}, nil
}

// Claim takes the processing marker for eventID, or reports who holds it.
func (g *IdempotencyGuard) Claim(ctx context.Context, eventID string) (ClaimState, error) {
	if eventID == "" {
		return 0, errEventIDRequired
	}
	key := g.key(eventID)
	acquired, err := g.store.SetNX(ctx, key, markerProcessing, g.claimTTL)
	if err != nil {
		return 0, fmt.Errorf("claim webhook event: %w", err)
	}
	if acquired {
		return ClaimAcquired, nil
	}

	marker, err := g.store.Get(ctx, key)
	switch {
	case errors.Is(err, redis.Nil):
		// the holder's claim expired between the two calls
		return ClaimInFlight, nil
	case err != nil:
		return 0, fmt.Errorf("read webhook marker: %w", err)
	case marker == markerDone:
		return ClaimDone, nil
	default:
		return ClaimInFlight, nil
	}
}

// Complete records eventID as applied.
func (g *IdempotencyGuard) Complete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errEventIDRequired
	}
	return g.store.Set(ctx, g.key(eventID), markerDone, g.doneTTL)
}

// Release drops the claim so the gateway's redelivery is processed.
func (g *IdempotencyGuard) Release(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errEventIDRequired
	}
	return g.store.Del(ctx, g.key(eventID))
}

func (g *IdempotencyGuard) key(eventID string) string {
	return g.store.IdempotencyKey(g.scope, eventID)
}
