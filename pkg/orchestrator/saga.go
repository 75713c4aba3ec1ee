package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/pkg/telemetry"
)

// Compensator runs the atomic transaction with bounded exponential retries
// on transient store errors and unwinds the surrounding side effects when
// the transaction cannot be committed.
type Compensator struct {
	attempts uint64
	base     time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// NewCompensator allows attempts tries in total, the first retry waiting base.
func NewCompensator(attempts int, base time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *Compensator {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{attempts: uint64(attempts), base: base, logger: logger, metrics: metrics}
}

// Apply runs apply until it succeeds, fails permanently, or the attempt
// budget is spent. compensate runs exactly once on any failure.
func (c *Compensator) Apply(
	ctx context.Context,
	apply func(ctx context.Context) (*store.TransitionOutcome, error),
	compensate func(),
) (*store.TransitionOutcome, error) {
	b := retry.WithMaxRetries(c.attempts-1, retry.NewExponential(c.base))

	attempt := 0
	out, err := retry.DoValue(ctx, b, func(ctx context.Context) (*store.TransitionOutcome, error) {
		attempt++
		if attempt > 1 {
			c.metrics.SagaRetry()
		}
		out, err := apply(ctx)
		if err != nil && store.IsTransient(err) {
			c.logger.Warn("transition attempt failed", "attempt", attempt, "error", err)
			return nil, retry.RetryableError(err)
		}
		return out, err
	})
	if err != nil {
		compensate()
		return nil, err
	}
	return out, nil
}
