// Package admission bounds how many pipelines may run at once, per principal
// and across the whole fleet.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/pkg/telemetry"
)

// GlobalKey is the counter shared by every principal.
const GlobalKey = "global"

// PrincipalKey returns the counter key of one principal.
func PrincipalKey(principal string) string {
	return "principal:" + principal
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller performs the atomic check-and-increment of the principal and
// global counters. The counters live in any store.SlotRepository: the durable
// store or RedisSlots.
type Controller struct {
	slots       store.SlotRepository
	globalLimit int
	ttl         time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// NewController creates a controller. ttl bounds how long a leaked slot can
// block admissions; globalLimit <= 0 disables the global counter.
func NewController(slots store.SlotRepository, globalLimit int, ttl time.Duration, opts ...Option) *Controller {
	c := &Controller{
		slots:       slots,
		globalLimit: globalLimit,
		ttl:         ttl,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TryAcquire takes one slot for principal if both the principal (limit) and
// the global counter have room. Either both counters move or neither does.
func (c *Controller) TryAcquire(ctx context.Context, principal string, limit int) (bool, error) {
	slots := []store.SlotLimit{{Key: PrincipalKey(principal), Limit: limit}}
	if c.globalLimit > 0 {
		slots = append(slots, store.SlotLimit{Key: GlobalKey, Limit: c.globalLimit})
	}

	ok, err := c.slots.AcquireSlots(ctx, slots, c.ttl, c.now())
	if err != nil {
		return false, fmt.Errorf("acquire slot for %s: %w", principal, err)
	}
	c.metrics.Admission(ok)
	if !ok {
		c.logger.Info("admission rejected", "principal", principal, "limit", limit)
	}
	return ok, nil
}

// Release returns principal's slot. Counters never go below zero, so a
// duplicate release is harmless.
func (c *Controller) Release(ctx context.Context, principal string) error {
	keys := []string{PrincipalKey(principal)}
	if c.globalLimit > 0 {
		keys = append(keys, GlobalKey)
	}
	if err := c.slots.ReleaseSlots(ctx, keys, c.now()); err != nil {
		return fmt.Errorf("release slot for %s: %w", principal, err)
	}
	return nil
}

// InFlight returns the live count for principal.
func (c *Controller) InFlight(ctx context.Context, principal string) (int, error) {
	return c.slots.SlotCount(ctx, PrincipalKey(principal), c.now())
}
