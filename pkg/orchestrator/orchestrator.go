// Package orchestrator is the single entry point for moving an entity through
// its pipeline. API callers, the worker runtime and orphan recovery all call
// InitiateStage; none of them write state directly.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/zoff-tech/go-stageflow/pkg/admission"
	"github.com/zoff-tech/go-stageflow/pkg/config"
	"github.com/zoff-tech/go-stageflow/pkg/fsm"
	"github.com/zoff-tech/go-stageflow/pkg/idempotency"
	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/pkg/telemetry"
	"github.com/zoff-tech/go-stageflow/schema"
)

var (
	ErrConcurrencyExceeded = errors.New("orchestrator: concurrency limit exceeded")
	ErrTransientStore      = errors.New("orchestrator: transient store failure")
	ErrInvalidRequest      = errors.New("orchestrator: invalid request")

	// Re-exported so callers need not import fsm and store for the
	// synchronous error contract.
	ErrInvalidTransition = fsm.ErrInvalidTransition
	ErrNotFound          = store.ErrNotFound

	errNotCommitted = errors.New("orchestrator: key not committed")
)

// AdmissionMode says whether a request takes a new concurrency slot.
type AdmissionMode int

const (
	// AdmissionAcquire takes a slot for a new pipeline run.
	AdmissionAcquire AdmissionMode = iota
	// AdmissionInherit continues a run that was admitted earlier.
	AdmissionInherit
)

// JobSpec is one job to enqueue with the transition.
type JobSpec struct {
	Queue   string
	Payload []byte
	Options store.JobOptions
}

// Request is the input of InitiateStage.
type Request struct {
	EntityID       string
	Principal      string
	Tier           string
	IdempotencyKey string
	TargetState    fsm.State
	Jobs           []JobSpec
	CreatedBy      store.CreatedBy
	EventData      []byte

	// ExpectedVersion, when non-zero, rejects the request with
	// store.ErrVersionMismatch if the entity has moved on.
	ExpectedVersion int64
	// Attempt is stamped on the enqueued jobs. Zero means 1.
	Attempt   int
	Admission AdmissionMode
	// HoldsSlot marks an inherited run that owns a slot; the slot is
	// returned when the run reaches a terminal state.
	HoldsSlot bool
}

// Result is returned by InitiateStage and replayed verbatim for a repeated key.
type Result = store.TransitionResult

// EntityResolver checks that the business entity exists.
type EntityResolver interface {
	Exists(ctx context.Context, entityID string) (bool, error)
}

// Repository is the part of the durable store the orchestrator needs.
type Repository interface {
	store.TransitionStore
	store.AuditRepository
}

type Option func(*Orchestrator)

func WithResolver(r EntityResolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithRules replaces fsm.DefaultTable.
func WithRules(r fsm.Rules) Option {
	return func(o *Orchestrator) { o.rules = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides uuid generation for outbox entries and events.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

type Orchestrator struct {
	repo      Repository
	cache     *idempotency.Cache
	admission *admission.Controller
	saga      *Compensator
	cfg       config.OrchestratorSettings

	resolver EntityResolver
	rules    fsm.Rules
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
	newID    func() string
}

func New(repo Repository, cache *idempotency.Cache, adm *admission.Controller, cfg config.OrchestratorSettings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:      repo,
		cache:     cache,
		admission: adm,
		cfg:       cfg,
		rules:     fsm.DefaultTable(),
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.saga = NewCompensator(cfg.SagaAttempts, cfg.SagaBackoff, o.logger, o.metrics)
	return o
}

// InitiateStage moves req.EntityID to req.TargetState and enqueues req.Jobs
// in one atomic step.
//
// A key seen before returns the original result without side effects. A
// rejected transition returns ErrInvalidTransition, a full admission
// counter ErrConcurrencyExceeded, and an exhausted retry budget
// ErrTransientStore; in all three cases nothing was written.
func (o *Orchestrator) InitiateStage(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "InitiateStage")
	span.SetAttributes(
		attribute.String("stageflow.entity_id", req.EntityID),
		attribute.String("stageflow.target", string(req.TargetState)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := validate(req); err != nil {
		return nil, err
	}

	if o.resolver != nil {
		ok, err := o.resolver.Exists(ctx, req.EntityID)
		if err != nil {
			return nil, fmt.Errorf("resolve entity %s: %w", req.EntityID, err)
		}
		if !ok {
			return nil, fmt.Errorf("entity %s: %w", req.EntityID, ErrNotFound)
		}
	}

	cached, hit, err := o.cache.Lookup(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if hit {
		span.SetAttributes(attribute.Bool("stageflow.replayed", true))
		return cached, nil
	}

	acquired := false
	if req.Admission == AdmissionAcquire {
		ok, err := o.admission.TryAcquire(ctx, req.Principal, o.cfg.LimitFor(req.Tier))
		if err != nil {
			return nil, err
		}
		if !ok {
			if cached, hit := o.replayAfterRejection(ctx, req.IdempotencyKey); hit {
				span.SetAttributes(attribute.Bool("stageflow.replayed", true))
				return cached, nil
			}
			return nil, fmt.Errorf("principal %s: %w", req.Principal, ErrConcurrencyExceeded)
		}
		acquired = true
	}
	release := func() {
		if acquired {
			o.releaseSlot(ctx, req.Principal)
		}
	}

	t, err := o.buildTransition(ctx, req)
	if err != nil {
		release()
		return nil, err
	}

	out, err := o.saga.Apply(ctx, func(ctx context.Context) (*store.TransitionOutcome, error) {
		t.Now = o.now()
		return o.repo.ApplyTransition(ctx, t)
	}, release)
	if err != nil {
		if store.IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", ErrTransientStore, err)
		}
		return nil, err
	}

	if out.Replayed {
		// a concurrent request with the same key committed first
		release()
		span.SetAttributes(attribute.Bool("stageflow.replayed", true))
		return &out.Result, nil
	}

	o.metrics.Transition(string(req.TargetState), string(req.CreatedBy))
	o.cache.Remember(ctx, req.IdempotencyKey, req.EntityID, out.Result, t.Now.Add(o.cfg.IdempotencyTTL))
	o.logger.Info("stage initiated",
		"entity_id", req.EntityID,
		"state", out.Result.State,
		"version", out.Result.Version,
		"jobs", len(out.Result.OutboxEntryIDs),
		"created_by", req.CreatedBy,
	)

	switch {
	case acquired && (len(req.Jobs) == 0 || req.TargetState.IsTerminal()):
		// nothing is left running that would hand the slot back
		release()
	case req.Admission == AdmissionInherit && req.HoldsSlot && req.TargetState.IsTerminal():
		o.releaseSlot(ctx, req.Principal)
	}
	return &out.Result, nil
}

// replayAfterRejection looks key up again for a short while after admission
// said no. The slot may be held by a request with the same key whose
// transaction has not committed yet; once it does, this request replays it.
func (o *Orchestrator) replayAfterRejection(ctx context.Context, key string) (*Result, bool) {
	var res *Result
	b := retry.WithMaxRetries(o.saga.attempts, retry.NewExponential(o.saga.base))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		cached, hit, err := o.cache.Lookup(ctx, key)
		if err != nil {
			return err
		}
		if !hit {
			return retry.RetryableError(errNotCommitted)
		}
		res = cached
		return nil
	})
	return res, err == nil
}

func (o *Orchestrator) releaseSlot(ctx context.Context, principal string) {
	if err := o.admission.Release(ctx, principal); err != nil {
		o.logger.Error("release admission slot", "principal", principal, "error", err)
	}
}

func validate(req Request) error {
	switch {
	case req.EntityID == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidRequest)
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	case req.TargetState == fsm.StateNone:
		return fmt.Errorf("%w: target state is required", ErrInvalidRequest)
	case req.Admission == AdmissionAcquire && req.Principal == "":
		return fmt.Errorf("%w: principal is required for admission", ErrInvalidRequest)
	}
	for _, j := range req.Jobs {
		if j.Queue == "" {
			return fmt.Errorf("%w: job queue is required", ErrInvalidRequest)
		}
	}
	return nil
}

func (o *Orchestrator) buildTransition(ctx context.Context, req Request) (*store.Transition, error) {
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = store.CreatedByAPI
	}
	attempt := req.Attempt
	if attempt < 1 {
		attempt = 1
	}
	holdsSlot := req.Admission == AdmissionAcquire || req.HoldsSlot

	entries := make([]store.OutboxEntry, 0, len(req.Jobs))
	for _, j := range req.Jobs {
		id := o.newID()
		msg := schema.NewJobMessage(id, req.EntityID, string(req.TargetState), j.Queue, j.Payload)
		msg.Attempt = attempt
		msg.Principal = req.Principal
		msg.Tier = req.Tier
		msg.HoldsSlot = holdsSlot && !req.TargetState.IsTerminal()
		msg.Priority = j.Options.Priority
		msg.Headers = j.Options.Headers
		body, err := msg.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode job for %s: %w", j.Queue, err)
		}

		opts := j.Options
		opts.Headers = make(map[string]string, len(j.Options.Headers)+2)
		for k, v := range j.Options.Headers {
			opts.Headers[k] = v
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(opts.Headers))

		entries = append(entries, store.OutboxEntry{
			ID:        id,
			EntityID:  req.EntityID,
			QueueName: j.Queue,
			Payload:   body,
			Options:   opts,
		})
	}

	return &store.Transition{
		EntityID:        req.EntityID,
		Target:          req.TargetState,
		ExpectedVersion: req.ExpectedVersion,
		CreatedBy:       createdBy,
		Rules:           o.rules,
		Entries:         entries,
		Event: store.AuditEvent{
			ID:        o.newID(),
			EntityID:  req.EntityID,
			EventType: string(req.TargetState),
			Data:      req.EventData,
			CreatedBy: createdBy,
		},
		IdempotencyKey: req.IdempotencyKey,
		IdempotencyTTL: o.cfg.IdempotencyTTL,
	}, nil
}

// RequestCancel flags the entity for cooperative cancellation. Workers
// notice the flag at their next checkpoint.
func (o *Orchestrator) RequestCancel(ctx context.Context, entityID string) error {
	if err := o.repo.RequestCancel(ctx, entityID); err != nil {
		return fmt.Errorf("request cancel %s: %w", entityID, err)
	}
	o.logger.Info("cancellation requested", "entity_id", entityID)
	return nil
}

// EventDetail is the structured event_data written by the worker runtime
// and recovery.
type EventDetail struct {
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// StatusReport is built from the durable state row and the latest audit event.
type StatusReport struct {
	EntityID        string            `json:"entity_id"`
	State           fsm.State         `json:"state"`
	Version         int64             `json:"version"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CancelRequested bool              `json:"cancel_requested"`
	LastEvent       *store.AuditEvent `json:"last_event,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Status returns the entity's durable state. It never consults worker memory.
func (o *Orchestrator) Status(ctx context.Context, entityID string) (*StatusReport, error) {
	st, err := o.repo.GetState(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", entityID, err)
	}
	report := &StatusReport{
		EntityID:        st.EntityID,
		State:           st.State,
		Version:         st.Version,
		UpdatedAt:       st.UpdatedAt,
		CancelRequested: st.CancelRequested,
	}

	ev, err := o.repo.LatestEvent(ctx, entityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return report, nil
	case err != nil:
		return nil, fmt.Errorf("status %s: %w", entityID, err)
	}
	report.LastEvent = ev
	if st.State == fsm.StateFailed && len(ev.Data) > 0 {
		var d EventDetail
		if json.Unmarshal(ev.Data, &d) == nil {
			report.Error = d.Error
		}
	}
	return report, nil
}
