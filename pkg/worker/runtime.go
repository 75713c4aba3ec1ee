// Package worker runs stage jobs delivered by the broker. For each job it
// takes the (entity, stage) lock, executes the queue's handler while
// heartbeating the lease, and then chains the entity into its next state
// through the orchestrator: the next stage on success, the same stage with
// attempt+1 on a transient failure, failed once the budget is spent, or
// cancelled when cancellation was requested.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-stageflow/pkg/broker"
	"github.com/zoff-tech/go-stageflow/pkg/config"
	"github.com/zoff-tech/go-stageflow/pkg/fsm"
	"github.com/zoff-tech/go-stageflow/pkg/lock"
	"github.com/zoff-tech/go-stageflow/pkg/orchestrator"
	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/pkg/telemetry"
	"github.com/zoff-tech/go-stageflow/schema"
)

const maxJobRetryDelay = 30 * time.Minute

// Initiator is the orchestrator entry point the runtime chains through.
type Initiator interface {
	InitiateStage(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// StateReader reads the durable FSM row.
type StateReader interface {
	GetState(ctx context.Context, entityID string) (*store.FSMState, error)
}

type Option func(*Runtime)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// Runtime consumes job queues and drives each job to its next transition.
type Runtime struct {
	consumer broker.Consumer
	orch     Initiator
	states   StateReader
	locks    *lock.Manager
	registry *Registry
	cfg      config.WorkerSettings
	workerID string

	tracer  trace.Tracer
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(consumer broker.Consumer, orch Initiator, states StateReader, locks *lock.Manager, registry *Registry, cfg config.WorkerSettings, opts ...Option) *Runtime {
	r := &Runtime{
		consumer: consumer,
		orch:     orch,
		states:   states,
		locks:    locks,
		registry: registry,
		cfg:      cfg,
		workerID: cfg.ID,
		tracer:   otel.Tracer("worker"),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.workerID == "" {
		host, _ := os.Hostname()
		r.workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if r.cfg.Concurrency < 1 {
		r.cfg.Concurrency = 1
	}
	if r.cfg.MaxAttempts < 1 {
		r.cfg.MaxAttempts = 1
	}
	if r.cfg.LockTTL <= 0 {
		r.cfg.LockTTL = 5 * time.Minute
	}
	if r.cfg.HeartbeatInterval <= 0 || r.cfg.HeartbeatInterval >= r.cfg.LockTTL {
		r.cfg.HeartbeatInterval = r.cfg.LockTTL / 3
	}
	r.logger = r.logger.With("worker_id", r.workerID)
	return r
}

// ID returns the worker identity used as the lock holder prefix.
func (r *Runtime) ID() string { return r.workerID }

// Run consumes every configured queue (all registered queues when none are
// configured) with Concurrency consumers each, until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	queues := r.cfg.Queues
	if len(queues) == 0 {
		queues = r.registry.Queues()
	}
	if len(queues) == 0 {
		return errors.New("worker: no queues to consume")
	}
	for _, q := range queues {
		if _, ok := r.registry.Get(q); !ok {
			return fmt.Errorf("worker: no handler registered for queue %q", q)
		}
	}

	r.logger.Info("worker starting", "queues", queues, "concurrency", r.cfg.Concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		for i := 0; i < r.cfg.Concurrency; i++ {
			queue := q
			g.Go(func() error {
				err := r.consumer.Consume(ctx, queue, r.HandleDelivery)
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("consume %s: %w", queue, err)
			})
		}
	}
	return g.Wait()
}

// HandleDelivery processes one broker delivery. A nil return acknowledges
// it; an error asks the broker to redeliver. Redelivery is only requested
// when no durable decision about the job was recorded.
func (r *Runtime) HandleDelivery(ctx context.Context, d broker.Delivery) error {
	msg, err := schema.Decode(d.Body)
	if err != nil {
		r.logger.Error("dropping malformed job", "queue", d.Queue, "outbox_id", d.Headers[schema.HeaderOutboxID], "error", err)
		r.metrics.Job(d.Queue, "malformed", 0)
		return nil
	}
	return r.process(ctx, msg)
}

func (r *Runtime) process(ctx context.Context, msg *schema.JobMessage) (err error) {
	started := r.now()
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}
	stage := fsm.State(msg.Stage)
	logger := r.logger.With("entity_id", msg.EntityID, "stage", stage, "outbox_id", msg.OutboxID, "attempt", msg.Attempt)

	ctx, span := r.tracer.Start(ctx, "ProcessJob", trace.WithAttributes(
		attribute.String("stageflow.entity_id", msg.EntityID),
		attribute.String("stageflow.stage", msg.Stage),
		attribute.String("stageflow.queue", msg.Queue),
		attribute.Int("stageflow.attempt", msg.Attempt),
	))
	outcome := "dropped"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			outcome = "redelivered"
		}
		span.SetAttributes(attribute.String("stageflow.outcome", outcome))
		span.End()
		r.metrics.Job(msg.Queue, outcome, r.now().Sub(started))
	}()

	st, err := r.states.GetState(ctx, msg.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("dropping job for unknown entity")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if st.State != stage {
		logger.Info("dropping obsolete job", "current_state", st.State)
		return nil
	}
	if st.CancelRequested {
		outcome = "cancelled"
		return r.chain(ctx, logger, r.cancelRequest(msg, st.Version))
	}

	holder := r.workerID + "/" + uuid.NewString()
	ok, err := r.locks.Acquire(ctx, msg.EntityID, stage, holder, r.cfg.LockTTL, lock.WithJob(&store.LeasedJob{
		OutboxID:  msg.OutboxID,
		Queue:     msg.Queue,
		Payload:   msg.Payload,
		Attempt:   msg.Attempt,
		Version:   st.Version,
		Principal: msg.Principal,
		Tier:      msg.Tier,
		HoldsSlot: msg.HoldsSlot,
		Stage:     stage,
	}))
	if err != nil {
		return err
	}
	if !ok {
		return r.contended(ctx, logger, msg, stage, &outcome)
	}
	defer func() {
		// a fresh context so the lease is dropped even during shutdown
		if _, rerr := r.locks.Release(context.WithoutCancel(ctx), msg.EntityID, stage, holder); rerr != nil {
			logger.Error("failed to release lock", "error", rerr)
		}
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := r.locks.KeepAlive(jobCtx, msg.EntityID, stage, holder, r.cfg.LockTTL, r.cfg.HeartbeatInterval)
	go func() {
		select {
		case <-lost:
			cancel()
		case <-jobCtx.Done():
		}
	}()

	res, execErr := r.execute(jobCtx, r.jobFor(msg))

	select {
	case <-lost:
		// recovery owns the job now
		logger.Warn("lock lease lost during execution, abandoning result")
		outcome = "lease_lost"
		return nil
	default:
	}
	if ctx.Err() != nil {
		// shutting down; the broker redelivers the job
		return ctx.Err()
	}

	req, outcome := r.decide(msg, st.Version, res, execErr)
	if execErr != nil {
		logger.Warn("job failed", "error", execErr, "next", req.TargetState)
	}
	return r.chain(ctx, logger, req)
}

// contended decides what to do with a delivery whose stage is leased. Only
// a redelivery of the job the lease was taken for is acknowledged. Anything
// else, such as a retry committed while its predecessor still holds the
// lease, goes back to the broker until the lease is gone.
func (r *Runtime) contended(ctx context.Context, logger *slog.Logger, msg *schema.JobMessage, stage fsm.State, outcome *string) error {
	held, ok, err := r.locks.Check(ctx, msg.EntityID, stage)
	if err != nil {
		return err
	}
	if ok && held.Job != nil && held.Job.OutboxID == msg.OutboxID {
		logger.Info("job already running elsewhere, dropping duplicate", "holder", held.HolderID)
		*outcome = "contended"
		return nil
	}
	logger.Info("stage leased by another job, requesting redelivery")
	return ErrStageBusy
}

func (r *Runtime) execute(ctx context.Context, job Job) (out Outcome, err error) {
	h, ok := r.registry.Get(job.Queue)
	if !ok {
		return Outcome{}, Permanent(fmt.Errorf("no handler registered for queue %q", job.Queue))
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	if err := job.Checkpoint(ctx); err != nil {
		return Outcome{}, err
	}
	return h.Execute(ctx, job)
}

func (r *Runtime) jobFor(msg *schema.JobMessage) Job {
	return Job{
		OutboxID:  msg.OutboxID,
		EntityID:  msg.EntityID,
		Stage:     fsm.State(msg.Stage),
		Queue:     msg.Queue,
		Attempt:   msg.Attempt,
		Principal: msg.Principal,
		Tier:      msg.Tier,
		Priority:  msg.Priority,
		Headers:   msg.Headers,
		Payload:   msg.Payload,
		checkpoint: func(ctx context.Context) error {
			st, err := r.states.GetState(ctx, msg.EntityID)
			if err != nil {
				return err
			}
			if st.CancelRequested {
				return ErrCancelled
			}
			return nil
		},
	}
}

// decide maps a handler result to the transition that records it.
func (r *Runtime) decide(msg *schema.JobMessage, version int64, res Outcome, execErr error) (orchestrator.Request, string) {
	if errors.Is(execErr, ErrCancelled) {
		return r.cancelRequest(msg, version), "cancelled"
	}

	var (
		errMsg    string
		retryable bool
	)
	switch {
	case execErr != nil:
		errMsg, retryable = execErr.Error(), !IsPermanent(execErr)
	case !res.Success:
		errMsg, retryable = res.Error, res.Retryable
		if errMsg == "" {
			errMsg = "job reported failure"
		}
	default:
		next := res.NextStage
		if next == fsm.StateNone {
			next = fsm.StateCompleted
		}
		req := r.baseRequest(msg, version, msg.OutboxID+":next", next)
		req.Jobs = res.Jobs
		return req, "succeeded"
	}

	if retryable && msg.Attempt < r.cfg.MaxAttempts {
		req := r.baseRequest(msg, version, "retry:"+msg.OutboxID, fsm.State(msg.Stage))
		req.Attempt = msg.Attempt + 1
		req.Jobs = []orchestrator.JobSpec{RetryJob(msg.Queue, msg.Payload, msg.Priority, msg.Headers, r.retryDelay(msg.Attempt))}
		req.EventData = eventDetail(orchestrator.EventDetail{Error: errMsg, Attempt: msg.Attempt, Reason: "retry"})
		return req, "retried"
	}

	reason := "retries exhausted"
	if !retryable {
		reason = "permanent failure"
	}
	req := r.baseRequest(msg, version, "fail:"+msg.OutboxID, fsm.StateFailed)
	req.EventData = eventDetail(orchestrator.EventDetail{Error: errMsg, Attempt: msg.Attempt, Reason: reason})
	return req, "failed"
}

func (r *Runtime) cancelRequest(msg *schema.JobMessage, version int64) orchestrator.Request {
	req := r.baseRequest(msg, version, "cancel:"+msg.OutboxID, fsm.StateCancelled)
	req.EventData = eventDetail(orchestrator.EventDetail{Attempt: msg.Attempt, Reason: "cancellation requested"})
	return req
}

func (r *Runtime) baseRequest(msg *schema.JobMessage, version int64, key string, target fsm.State) orchestrator.Request {
	return orchestrator.Request{
		EntityID:        msg.EntityID,
		Principal:       msg.Principal,
		Tier:            msg.Tier,
		IdempotencyKey:  key,
		TargetState:     target,
		CreatedBy:       store.CreatedByWorker,
		ExpectedVersion: version,
		Attempt:         1,
		Admission:       orchestrator.AdmissionInherit,
		HoldsSlot:       msg.HoldsSlot,
	}
}

// chain records the transition. A rejected transition means the entity
// moved on while the job ran, so the result is dropped.
func (r *Runtime) chain(ctx context.Context, logger *slog.Logger, req orchestrator.Request) error {
	res, err := r.orch.InitiateStage(ctx, req)
	switch {
	case err == nil:
		logger.Info("job chained", "state", res.State, "version", res.Version, "jobs", len(res.OutboxEntryIDs))
		return nil
	case errors.Is(err, store.ErrVersionMismatch), errors.Is(err, orchestrator.ErrInvalidTransition):
		logger.Info("entity moved on, dropping job result", "target", req.TargetState, "error", err)
		return nil
	default:
		return fmt.Errorf("chain %s to %s: %w", req.EntityID, req.TargetState, err)
	}
}

// retryDelay doubles RetryBackoff per attempt.
func (r *Runtime) retryDelay(attempt int) time.Duration {
	if r.cfg.RetryBackoff <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.cfg.RetryBackoff),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(maxJobRetryDelay),
		backoff.WithMaxElapsedTime(0),
	)
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// RetryJob rebuilds the job spec that re-runs a stage.
func RetryJob(queue string, payload []byte, priority int, headers map[string]string, delay time.Duration) orchestrator.JobSpec {
	return orchestrator.JobSpec{
		Queue:   queue,
		Payload: payload,
		Options: store.JobOptions{Priority: priority, Delay: delay, Headers: headers},
	}
}

func eventDetail(d orchestrator.EventDetail) []byte {
	b, _ := json.Marshal(d)
	return b
}
