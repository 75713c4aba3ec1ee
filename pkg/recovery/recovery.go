// Package recovery finds work abandoned by crashed workers and re-enters it
// through the orchestrator, and purges rows past their retention.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zoff-tech/go-stageflow/pkg/config"
	"github.com/zoff-tech/go-stageflow/pkg/fsm"
	"github.com/zoff-tech/go-stageflow/pkg/orchestrator"
	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/pkg/telemetry"
	"github.com/zoff-tech/go-stageflow/pkg/worker"
)

// Repository is the part of the store recovery reads and cleans.
type Repository interface {
	store.LockRepository
	GetState(ctx context.Context, entityID string) (*store.FSMState, error)
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

type Option func(*Recovery)

func WithLogger(l *slog.Logger) Option {
	return func(r *Recovery) { r.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Recovery) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recovery) { r.now = now }
}

type Recovery struct {
	repo   Repository
	orch   worker.Initiator
	cfg    config.RecoverySettings
	worker config.WorkerSettings

	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New builds a Recovery. The worker settings supply the retry budget and
// backoff applied to recovered jobs.
func New(repo Repository, orch worker.Initiator, cfg config.RecoverySettings, workerCfg config.WorkerSettings, opts ...Option) *Recovery {
	r := &Recovery{
		repo:   repo,
		orch:   orch,
		cfg:    cfg,
		worker: workerCfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.cfg.BatchSize < 1 {
		r.cfg.BatchSize = 50
	}
	if r.worker.MaxAttempts < 1 {
		r.worker.MaxAttempts = 1
	}
	r.logger = r.logger.With("component", "recovery")
	return r
}

// Sweep reclaims expired and stale leases and re-enters their jobs. It
// returns the number of leases reclaimed.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("recovery").Start(ctx, "Sweep")
	defer span.End()

	now := r.now()
	locks, err := r.repo.ReclaimLocks(ctx, now, now.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("reclaim locks: %w", err)
	}
	span.SetAttributes(attribute.Int("stageflow.reclaimed", len(locks)))

	for i := range locks {
		r.recover(ctx, &locks[i])
	}
	return len(locks), nil
}

func (r *Recovery) recover(ctx context.Context, l *store.Lock) {
	logger := r.logger.With("entity_id", l.EntityID, "stage", l.Stage, "holder", l.HolderID)
	if l.Job == nil {
		logger.Info("reclaimed lease without a job")
		r.metrics.Recovery("released")
		return
	}
	job := l.Job

	st, err := r.repo.GetState(ctx, l.EntityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("dropping orphan of unknown entity")
		r.metrics.Recovery("dropped")
		return
	case err != nil:
		logger.Error("failed to read state for orphan", "error", err)
		r.restore(ctx, l, logger)
		return
	case st.State != job.Stage || st.Version != job.Version:
		logger.Info("dropping obsolete orphan", "current_state", st.State, "current_version", st.Version)
		r.metrics.Recovery("dropped")
		return
	}

	req, action := r.requestFor(l, st.CancelRequested)
	res, err := r.orch.InitiateStage(ctx, req)
	switch {
	case err == nil:
		logger.Warn("orphaned job recovered", "action", action, "state", res.State, "attempt", job.Attempt)
		r.metrics.Recovery(action)
	case errors.Is(err, store.ErrVersionMismatch), errors.Is(err, orchestrator.ErrInvalidTransition):
		logger.Info("dropping obsolete orphan", "error", err)
		r.metrics.Recovery("dropped")
	default:
		logger.Error("failed to recover orphan", "error", err)
		r.restore(ctx, l, logger)
	}
}

// requestFor re-runs the stage while the retry budget lasts and fails the
// entity afterwards. The key is derived from the lease so that a sweep
// repeated after a partial failure replays instead of re-applying.
func (r *Recovery) requestFor(l *store.Lock, cancelRequested bool) (orchestrator.Request, string) {
	job := l.Job
	req := orchestrator.Request{
		EntityID:        l.EntityID,
		Principal:       job.Principal,
		Tier:            job.Tier,
		IdempotencyKey:  fmt.Sprintf("recover:%s:%s:%s:%d", l.EntityID, l.Stage, l.HolderID, l.AcquiredAt.UnixNano()),
		CreatedBy:       store.CreatedByRecovery,
		ExpectedVersion: job.Version,
		Attempt:         1,
		Admission:       orchestrator.AdmissionInherit,
		HoldsSlot:       job.HoldsSlot,
	}

	switch {
	case cancelRequested:
		req.TargetState = fsm.StateCancelled
		req.EventData = detail(orchestrator.EventDetail{Attempt: job.Attempt, Reason: "cancellation requested"})
		return req, "cancelled"
	case job.Attempt < r.worker.MaxAttempts:
		req.TargetState = job.Stage
		req.Attempt = job.Attempt + 1
		req.Jobs = []orchestrator.JobSpec{worker.RetryJob(job.Queue, job.Payload, 0, nil, 0)}
		req.EventData = detail(orchestrator.EventDetail{Error: "worker lease lost", Attempt: job.Attempt, Reason: "retry"})
		return req, "requeued"
	default:
		req.TargetState = fsm.StateFailed
		req.EventData = detail(orchestrator.EventDetail{Error: "worker lease lost", Attempt: job.Attempt, Reason: "retries exhausted"})
		return req, "failed"
	}
}

// restore puts a reclaimed lease back, already expired, so the next sweep
// retries it under the same idempotency key.
func (r *Recovery) restore(ctx context.Context, l *store.Lock, logger *slog.Logger) {
	now := r.now()
	back := *l
	back.ExpiresAt = now
	if _, err := r.repo.AcquireLock(ctx, &back, now); err != nil {
		logger.Error("failed to restore reclaimed lease, job is lost", "error", err)
		r.metrics.Recovery("lost")
		return
	}
	r.metrics.Recovery("deferred")
}

// Purge deletes processed outbox entries older than the retention window
// and idempotency records past their expiry.
func (r *Recovery) Purge(ctx context.Context) error {
	now := r.now()
	entries, err := r.repo.PurgeProcessed(ctx, now.Add(-r.cfg.OutboxRetention))
	if err != nil {
		return fmt.Errorf("purge outbox: %w", err)
	}
	r.metrics.Purge("outbox_entries", entries)

	keys, err := r.repo.PurgeExpiredIdempotency(ctx, now)
	if err != nil {
		return fmt.Errorf("purge idempotency records: %w", err)
	}
	r.metrics.Purge("idempotency_records", keys)

	if entries > 0 || keys > 0 {
		r.logger.Info("purged expired rows", "outbox_entries", entries, "idempotency_records", keys)
	}
	return nil
}

func detail(d orchestrator.EventDetail) []byte {
	b, _ := json.Marshal(d)
	return b
}
