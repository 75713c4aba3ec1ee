package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
)

const tracerName = "go-stageflow/store"

func startSpan(ctx context.Context, dbSystem, op string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("db.system", dbSystem))
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func addDBStatsToSpan(span trace.Span, statement string, rowsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("rowsCount", rowsCount),
		attribute.String("db.operation", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// planTransition validates t against the current row (nil when the entity
// has never been initiated) and returns the row to write and the result to
// report.
func planTransition(t *Transition, current *FSMState) (*FSMState, TransitionResult, error) {
	from := fsm.StateNone
	var version int64
	if current != nil {
		from = current.State
		version = current.Version
	}

	if t.ExpectedVersion != 0 && t.ExpectedVersion != version {
		return nil, TransitionResult{}, fmt.Errorf("%w: entity %s at version %d, expected %d",
			ErrVersionMismatch, t.EntityID, version, t.ExpectedVersion)
	}
	if err := t.Rules.Validate(from, t.Target); err != nil {
		return nil, TransitionResult{}, err
	}

	next := &FSMState{
		EntityID:  t.EntityID,
		State:     t.Target,
		Version:   version + 1,
		CreatedBy: t.CreatedBy,
		CreatedAt: t.Now,
		UpdatedAt: t.Now,
	}
	if current != nil {
		next.CreatedAt = current.CreatedAt
		// the flag is consumed once the run ends or restarts
		next.CancelRequested = current.CancelRequested &&
			t.Target != fsm.StatePending && !t.Target.IsTerminal()
	}

	ids := make([]string, 0, len(t.Entries))
	for _, e := range t.Entries {
		ids = append(ids, e.ID)
	}
	return next, TransitionResult{State: next.State, Version: next.Version, OutboxEntryIDs: ids}, nil
}

// EncodeResult serializes a result the way idempotency records store it.
func EncodeResult(r TransitionResult) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResult parses a stored idempotency result.
func DecodeResult(b []byte) (TransitionResult, error) {
	var r TransitionResult
	err := json.Unmarshal(b, &r)
	return r, err
}

func idempotencyRecordFor(t *Transition, result TransitionResult) (*IdempotencyRecord, error) {
	b, err := EncodeResult(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &IdempotencyRecord{
		Key:       t.IdempotencyKey,
		EntityID:  t.EntityID,
		Result:    b,
		CreatedAt: t.Now,
		ExpiresAt: t.Now.Add(t.IdempotencyTTL),
	}, nil
}
