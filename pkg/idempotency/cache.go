// Package idempotency answers "has this request key already been handled?"
// from a volatile mirror first and the durable store second. The durable
// record, written inside the transition transaction, is the source of truth;
// the mirror only saves a database round trip.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/pkg/telemetry"
)

// ErrMiss is returned by a Mirror that has no entry for a key.
var ErrMiss = errors.New("idempotency: mirror miss")

// Mirror is a volatile key-value copy of idempotency records.
type Mirror interface {
	Get(ctx context.Context, key string) (*store.IdempotencyRecord, error)
	Set(ctx context.Context, rec *store.IdempotencyRecord, ttl time.Duration) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithMirror enables the volatile tier. ttl caps how long an entry stays
// mirrored; it never outlives the durable expiry.
func WithMirror(m Mirror, ttl time.Duration) Option {
	return func(c *Cache) {
		c.mirror = m
		c.mirrorTTL = ttl
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the two-tier idempotency lookup.
type Cache struct {
	durable   store.IdempotencyRepository
	mirror    Mirror
	mirrorTTL time.Duration
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

func New(durable store.IdempotencyRepository, opts ...Option) *Cache {
	c := &Cache{durable: durable, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lookup returns the stored result for key. The boolean is false on a miss.
// Mirror failures are logged and fall through to the durable tier.
func (c *Cache) Lookup(ctx context.Context, key string) (*store.TransitionResult, bool, error) {
	now := c.now()

	if c.mirror != nil {
		rec, err := c.mirror.Get(ctx, key)
		switch {
		case err == nil && rec.Live(now):
			if result, err := store.DecodeResult(rec.Result); err == nil {
				c.metrics.Replay("volatile")
				return &result, true, nil
			}
			c.logger.Warn("discarding undecodable mirror entry", "key", key)
		case err == nil, errors.Is(err, ErrMiss):
		default:
			c.logger.Warn("idempotency mirror read failed", "key", key, "error", err)
		}
	}

	rec, err := c.durable.GetIdempotency(ctx, key, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	result, err := store.DecodeResult(rec.Result)
	if err != nil {
		return nil, false, err
	}
	c.metrics.Replay("durable")
	c.populate(ctx, rec, now)
	return &result, true, nil
}

// Remember copies a freshly committed result into the mirror.
func (c *Cache) Remember(ctx context.Context, key, entityID string, result store.TransitionResult, expiresAt time.Time) {
	if c.mirror == nil {
		return
	}
	now := c.now()
	b, err := store.EncodeResult(result)
	if err != nil {
		c.logger.Warn("encode idempotency result", "key", key, "error", err)
		return
	}
	c.populate(ctx, &store.IdempotencyRecord{
		Key:       key,
		EntityID:  entityID,
		Result:    b,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, now)
}

func (c *Cache) populate(ctx context.Context, rec *store.IdempotencyRecord, now time.Time) {
	if c.mirror == nil {
		return
	}
	ttl := rec.ExpiresAt.Sub(now)
	if c.mirrorTTL > 0 && c.mirrorTTL < ttl {
		ttl = c.mirrorTTL
	}
	if ttl <= 0 {
		return
	}
	if err := c.mirror.Set(ctx, rec, ttl); err != nil {
		c.logger.Warn("idempotency mirror write failed", "key", rec.Key, "error", err)
	}
}
