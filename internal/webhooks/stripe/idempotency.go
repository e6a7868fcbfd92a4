package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	pkgredis "github.com/angelmondragon/tradehold-backend/pkg/redis"
)

const (
	markerProcessing = "processing"
	markerDone       = "done"

	defaultProcessingTTL = 2 * time.Minute
)

// Claim is what a delivery learns about an event id.
type Claim int

const (
	// ClaimAcquired means this delivery owns the event and must Complete or
	// Release it.
	ClaimAcquired Claim = iota
	// ClaimInFlight means another delivery is handling the event right now.
	ClaimInFlight
	// ClaimDone means the event was fully handled before.
	ClaimDone
)

// IdempotencyGuard dedupes processor deliveries by event id. A claim left
// behind by a crashed worker expires after the processing TTL so a later
// redelivery can pick it up.
type IdempotencyGuard struct {
	store         pkgredis.IdempotencyStore
	doneTTL       time.Duration
	processingTTL time.Duration
	scope         string
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
	processing := defaultProcessingTTL
	if ttl > 0 && ttl < processing {
		processing = ttl
	}
	return &IdempotencyGuard{store: store, doneTTL: ttl, processingTTL: processing, scope: scope}, nil
}

func (g *IdempotencyGuard) Claim(ctx context.Context, eventID string) (Claim, error) {
	key, err := g.key(eventID)
	if err != nil {
		return 0, err
	}
	acquired, err := g.store.SetNX(ctx, key, markerProcessing, g.processingTTL)
	if err != nil {
		return 0, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if acquired {
		return ClaimAcquired, nil
	}
	marker, err := g.store.Get(ctx, key)
	switch {
	case errors.Is(err, redis.Nil):
		// released between the two calls; let the processor redeliver
		return ClaimInFlight, nil
	case err != nil:
		return 0, fmt.Errorf("read event marker %s: %w", eventID, err)
	case marker == markerDone:
		return ClaimDone, nil
	default:
		return ClaimInFlight, nil
	}
}

// Complete marks the event handled for the guard's full TTL.
func (g *IdempotencyGuard) Complete(ctx context.Context, eventID string) error {
	key, err := g.key(eventID)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, key, markerDone, g.doneTTL)
}

// Release drops a claim so the next delivery of the event is handled again.
func (g *IdempotencyGuard) Release(ctx context.Context, eventID string) error {
	key, err := g.key(eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *IdempotencyGuard) key(eventID string) (string, error) {
	if eventID == "" {
		return "", errors.New("event id is required")
	}
	return g.store.IdempotencyKey(g.scope, eventID), nil
}
