// Package lock provides non-blocking (entity, stage) leases on top of the
// durable store. A lease is held until released, force-released, or until its
// expires_at passes without a heartbeat.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/pkg/telemetry"
)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager hands out leases stored in a store.LockRepository.
type Manager struct {
	repo    store.LockRepository
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewManager(repo store.LockRepository, opts ...Option) *Manager {
	m := &Manager{repo: repo, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AcquireOption decorates the lease row written by Acquire.
type AcquireOption func(*store.Lock)

// WithJob records the job the holder is about to run so recovery can
// re-enqueue it.
func WithJob(job *store.LeasedJob) AcquireOption {
	return func(l *store.Lock) { l.Job = job }
}

// Acquire takes the lease for (entityID, stage) if nobody holds a live one.
// Contention is reported as false, never as an error.
func (m *Manager) Acquire(ctx context.Context, entityID string, stage fsm.State, holder string, ttl time.Duration, opts ...AcquireOption) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	now := m.now()
	l := &store.Lock{
		EntityID:    entityID,
		Stage:       stage,
		HolderID:    holder,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
		HeartbeatAt: now,
	}
	for _, o := range opts {
		o(l)
	}

	ok, err := m.repo.AcquireLock(ctx, l, now)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s/%s: %w", entityID, stage, err)
	}
	m.metrics.LockAcquire(ok)
	if !ok {
		m.logger.Debug("lock contended", "entity_id", entityID, "stage", stage, "holder", holder)
	}
	return ok, nil
}

// Release drops the lease if holder still owns it.
func (m *Manager) Release(ctx context.Context, entityID string, stage fsm.State, holder string) (bool, error) {
	ok, err := m.repo.ReleaseLock(ctx, entityID, stage, holder, false)
	if err != nil {
		return false, fmt.Errorf("release lock %s/%s: %w", entityID, stage, err)
	}
	return ok, nil
}

// ForceRelease drops the lease regardless of holder.
func (m *Manager) ForceRelease(ctx context.Context, entityID string, stage fsm.State) (bool, error) {
	ok, err := m.repo.ReleaseLock(ctx, entityID, stage, "", true)
	if err != nil {
		return false, fmt.Errorf("force release lock %s/%s: %w", entityID, stage, err)
	}
	if ok {
		m.logger.Warn("lock force released", "entity_id", entityID, "stage", stage)
	}
	return ok, nil
}

// Check returns the live lease for the key, if any. An expired row that
// recovery has not swept yet counts as free.
func (m *Manager) Check(ctx context.Context, entityID string, stage fsm.State) (*store.Lock, bool, error) {
	l, err := m.repo.GetLock(ctx, entityID, stage)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if l.Expired(m.now()) {
		return nil, false, nil
	}
	return l, true, nil
}

// Heartbeat pushes expires_at to now+ttl. False means the lease was lost.
func (m *Manager) Heartbeat(ctx context.Context, entityID string, stage fsm.State, holder string, ttl time.Duration) (bool, error) {
	now := m.now()
	return m.repo.ExtendLock(ctx, entityID, stage, holder, now.Add(ttl), now)
}

// KeepAlive heartbeats every interval until ctx ends. The returned channel
// is closed when the lease is lost. Store errors are logged and retried on
// the next tick.
func (m *Manager) KeepAlive(ctx context.Context, entityID string, stage fsm.State, holder string, ttl, interval time.Duration) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := m.Heartbeat(ctx, entityID, stage, holder, ttl)
				if err != nil {
					if ctx.Err() == nil {
						m.logger.Warn("lock heartbeat failed", "entity_id", entityID, "stage", stage, "error", err)
					}
					continue
				}
				if !ok {
					m.logger.Error("lock lease lost", "entity_id", entityID, "stage", stage, "holder", holder)
					close(lost)
					return
				}
			}
		}
	}()
	return lost
}
