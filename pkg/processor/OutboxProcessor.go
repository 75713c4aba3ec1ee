package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-stageflow/pkg/broker"
	"github.com/zoff-tech/go-stageflow/pkg/config"
	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/pkg/telemetry"
	"github.com/zoff-tech/go-stageflow/schema"
)

const (
	headerLastError = "x-last-error"
	maxRetryDelay   = time.Hour
)

type Option func(*OutboxProcessor)

func WithLogger(l *slog.Logger) Option {
	return func(p *OutboxProcessor) { p.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *OutboxProcessor) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *OutboxProcessor) { p.now = now }
}

// OutboxProcessor moves outbox entries to the job queue.
type OutboxProcessor struct {
	repo    store.OutBoxRepository
	broker  broker.MessageBroker
	tracer  trace.Tracer
	cfg     config.ProcessorSettings
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewOutboxProcessor creates a new instance of OutboxProcessor.
func NewOutboxProcessor(repo store.OutBoxRepository, broker broker.MessageBroker, cfg config.ProcessorSettings, opts ...Option) *OutboxProcessor {
	p := &OutboxProcessor{
		repo:   repo,
		broker: broker,
		tracer: otel.Tracer("go-stageflow"),
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.cfg.Pollers < 1 {
		p.cfg.Pollers = 1
	}
	if p.cfg.BatchSize < 1 {
		p.cfg.BatchSize = 1
	}
	return p
}

// ProcessEvents runs the configured number of pollers until ctx is done.
// Pollers coordinate only through the store's claim lease.
func (p *OutboxProcessor) ProcessEvents(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Pollers; i++ {
		poller := i
		g.Go(func() error {
			p.poll(ctx, poller)
			return nil
		})
	}
	return g.Wait()
}

// poll waits PollInterval after a poll that found work and backs off
// exponentially toward MaxPollInterval while the outbox is empty. A full
// batch is followed immediately by the next poll.
func (p *OutboxProcessor) poll(ctx context.Context, poller int) {
	idle := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.cfg.PollInterval),
		backoff.WithMaxInterval(p.cfg.MaxPollInterval),
		backoff.WithMaxElapsedTime(0),
	)
	logger := p.logger.With("poller", poller)

	for {
		n, err := p.ProcessBatch(ctx)
		if ctx.Err() != nil {
			return
		}

		var wait time.Duration
		switch {
		case err != nil:
			logger.Error("failed to fetch outbox entries", "error", err)
			wait = idle.NextBackOff()
		case n >= p.cfg.BatchSize:
			idle.Reset()
			continue
		case n > 0:
			idle.Reset()
			wait = p.cfg.PollInterval
		default:
			wait = idle.NextBackOff()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// ProcessBatch claims one batch and dispatches it. It returns how many
// entries were claimed.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	entries, err := p.repo.FetchPending(ctx, p.cfg.BatchSize, p.cfg.Lease)
	if err != nil {
		return 0, err
	}
	p.metrics.Batch(len(entries))

	for i := range entries {
		if ctx.Err() != nil {
			break
		}
		p.dispatch(ctx, &entries[i])
	}
	return len(entries), nil
}

func (p *OutboxProcessor) dispatch(ctx context.Context, entry *store.OutboxEntry) {
	// continue the trace of the request that wrote the entry
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(entry.Options.Headers))
	ctx, span := p.tracer.Start(ctx, "ProcessOutboxEntry", trace.WithAttributes(
		attribute.String("outbox.id", entry.ID),
		attribute.String("outbox.entity_id", entry.EntityID),
		attribute.String("outbox.queue", entry.QueueName),
		attribute.Int("outbox.attempts", entry.Attempts),
		attribute.String("outbox.created_at", entry.CreatedAt.String()),
	))
	defer span.End()

	msg := broker.Message{
		Queue:   entry.QueueName,
		Key:     entry.EntityID,
		Body:    entry.Payload,
		Headers: headersFor(entry),
	}

	if err := p.broker.Publish(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.recordFailure(ctx, entry, msg, err)
		return
	}

	marked, err := p.repo.MarkProcessed(ctx, entry.ID)
	if err != nil {
		// the entry is published; a later poll publishes it again
		p.logger.Error("failed to mark entry processed", "outbox_id", entry.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if !marked {
		p.logger.Debug("entry already processed by another poller", "outbox_id", entry.ID)
	}
	p.metrics.Dispatch("published")
}

func (p *OutboxProcessor) recordFailure(ctx context.Context, entry *store.OutboxEntry, msg broker.Message, cause error) {
	attempts := entry.Attempts + 1
	deadLetter := attempts >= p.cfg.MaxRetries
	retryAt := p.now().Add(p.retryDelay(attempts))

	if err := p.repo.RecordFailure(ctx, entry.ID, cause.Error(), retryAt, deadLetter); err != nil {
		p.logger.Error("failed to record dispatch failure", "outbox_id", entry.ID, "error", err)
		return
	}

	if !deadLetter {
		p.logger.Warn("failed to publish entry",
			"outbox_id", entry.ID, "queue", entry.QueueName, "attempts", attempts, "retry_at", retryAt, "error", cause)
		p.metrics.Dispatch("failed")
		return
	}

	p.logger.Error("entry dead-lettered",
		"outbox_id", entry.ID, "entity_id", entry.EntityID, "queue", entry.QueueName, "attempts", attempts, "error", cause)
	p.metrics.Dispatch("dead_lettered")

	if p.cfg.DeadLetterTopic == "" {
		return
	}
	msg.Queue = p.cfg.DeadLetterTopic
	msg.Headers[headerLastError] = cause.Error()
	if err := p.broker.Publish(ctx, msg); err != nil {
		p.logger.Error("failed to publish to dead-letter topic", "outbox_id", entry.ID, "topic", p.cfg.DeadLetterTopic, "error", err)
	}
}

// retryDelay doubles RetryBackoff per attempt, capped at maxRetryDelay.
func (p *OutboxProcessor) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.cfg.RetryBackoff),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(maxRetryDelay),
		backoff.WithMaxElapsedTime(0),
	)
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func headersFor(entry *store.OutboxEntry) map[string]string {
	h := make(map[string]string, len(entry.Options.Headers)+4)
	for k, v := range entry.Options.Headers {
		h[k] = v
	}
	h[schema.HeaderOutboxID] = entry.ID
	h[schema.HeaderEntityID] = entry.EntityID
	h[schema.HeaderDispatchAttempt] = strconv.Itoa(entry.Attempts + 1)
	if entry.Options.Priority != 0 {
		h["x-priority"] = fmt.Sprint(entry.Options.Priority)
	}
	return h
}
