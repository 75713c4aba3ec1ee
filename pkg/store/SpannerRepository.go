package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
)

const dbSystemSpanner = "spanner"

//go:embed migrations/spanner.ddl
var spannerDDL string

var _ Store = (*SpannerRepository)(nil)

type SpannerRepository struct {
	client *spanner.Client
	now    func() time.Time
}

func (s *SpannerRepository) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

// Migrate submits the embedded DDL through the database admin API. Every
// statement is idempotent.
func (s *SpannerRepository) Migrate(ctx context.Context) error {
	admin, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		return err
	}
	defer admin.Close()

	var stmts []string
	for _, stmt := range strings.Split(spannerDDL, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	op, err := admin.UpdateDatabaseDdl(ctx, &databasepb.UpdateDatabaseDdlRequest{
		Database:   s.client.DatabaseName(),
		Statements: stmts,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

var (
	spannerStateCols  = []string{"entity_id", "state", "version", "created_by", "cancel_requested", "created_at", "updated_at"}
	spannerIdemCols   = []string{"key", "entity_id", "result", "created_at", "expires_at"}
	spannerOutboxCols = []string{"outbox_id", "entity_id", "queue_name", "job_payload", "job_options", "created_at", "available_at",
		"processed_at", "attempts", "last_error", "last_attempt_at", "locked_until", "dead_lettered_at"}
	spannerLockCols = []string{"entity_id", "stage", "holder_id", "acquired_at", "expires_at", "heartbeat_at", "job"}
)

func (s *SpannerRepository) ApplyTransition(ctx context.Context, t *Transition) (*TransitionOutcome, error) {
	var outcome *TransitionOutcome
	err := s.withTransaction(ctx, "ApplyTransition", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		outcome = nil

		current, err := readState(ctx, txn, t.EntityID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}

		row, err := txn.ReadRow(ctx, "idempotency_records", spanner.Key{t.IdempotencyKey}, spannerIdemCols)
		if err == nil {
			rec, err := decodeSpannerIdempotency(row)
			if err != nil {
				return 0, err
			}
			if rec.Live(t.Now) {
				result, err := DecodeResult(rec.Result)
				if err != nil {
					return 0, err
				}
				outcome = &TransitionOutcome{Result: result, Replayed: true}
				return 0, nil
			}
		} else if spanner.ErrCode(err) != codes.NotFound {
			return 0, err
		}

		next, result, err := planTransition(t, current)
		if err != nil {
			return 0, err
		}
		idem, err := idempotencyRecordFor(t, result)
		if err != nil {
			return 0, err
		}

		muts := []*spanner.Mutation{
			spanner.InsertOrUpdate("fsm_states", spannerStateCols, []interface{}{
				next.EntityID, string(next.State), next.Version, string(next.CreatedBy), next.CancelRequested, next.CreatedAt, next.UpdatedAt,
			}),
			spanner.Insert("audit_events",
				[]string{"event_id", "entity_id", "event_type", "event_data", "created_by", "created_at"},
				[]interface{}{t.Event.ID, t.Event.EntityID, t.Event.EventType, t.Event.Data, string(t.Event.CreatedBy), t.Now}),
			spanner.InsertOrUpdate("idempotency_records", spannerIdemCols, []interface{}{
				idem.Key, idem.EntityID, idem.Result, idem.CreatedAt, idem.ExpiresAt,
			}),
		}
		for _, e := range t.Entries {
			opts, err := json.Marshal(e.Options)
			if err != nil {
				return 0, fmt.Errorf("encode job options: %w", err)
			}
			muts = append(muts, spanner.Insert("outbox_entries",
				[]string{"outbox_id", "entity_id", "queue_name", "job_payload", "job_options", "created_at", "available_at", "attempts"},
				[]interface{}{e.ID, e.EntityID, e.QueueName, e.Payload, opts, t.Now, t.Now.Add(e.Options.Delay), 0}))
		}

		outcome = &TransitionOutcome{Result: result}
		return len(muts), txn.BufferWrite(muts)
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *SpannerRepository) GetState(ctx context.Context, entityID string) (*FSMState, error) {
	ctx, span := startSpan(ctx, dbSystemSpanner, "GetState")
	state, err := readState(ctx, s.client.Single(), entityID)
	endSpan(span, ignoreNotFound(err))
	return state, err
}

func (s *SpannerRepository) RequestCancel(ctx context.Context, entityID string) error {
	return s.withTransaction(ctx, "RequestCancel", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		if _, err := readState(ctx, txn, entityID); err != nil {
			return 0, err
		}
		return 1, txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("fsm_states", []string{"entity_id", "cancel_requested", "updated_at"},
				[]interface{}{entityID, true, s.clock()}),
		})
	})
}

func (s *SpannerRepository) FetchPending(ctx context.Context, batchSize int, lease time.Duration) ([]OutboxEntry, error) {
	var events []OutboxEntry
	err := s.withTransaction(ctx, "FetchPending", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		events = nil
		now := s.clock()
		stmt := spanner.Statement{
			SQL: `SELECT ` + strings.Join(spannerOutboxCols, ", ") + ` FROM outbox_entries
			      WHERE processed_at IS NULL AND dead_lettered_at IS NULL AND available_at <= @now
			        AND (locked_until IS NULL OR locked_until < @now)
			      ORDER BY created_at
			      LIMIT @batchSize`,
			Params: map[string]interface{}{
				"now":       now,
				"batchSize": int64(batchSize),
			},
		}

		until := now.Add(lease)
		var muts []*spanner.Mutation
		err := txn.Query(ctx, stmt).Do(func(row *spanner.Row) error {
			e, err := decodeSpannerOutbox(row)
			if err != nil {
				return err
			}
			e.LockedUntil = &until
			events = append(events, *e)
			muts = append(muts, spanner.Update("outbox_entries", []string{"outbox_id", "locked_until"},
				[]interface{}{e.ID, until}))
			return nil
		})
		if err != nil {
			return 0, err
		}
		if len(muts) == 0 {
			return 0, nil
		}
		return len(events), txn.BufferWrite(muts)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SpannerRepository) MarkProcessed(ctx context.Context, entryID string) (bool, error) {
	var marked bool
	err := s.withTransaction(ctx, "MarkProcessed", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		marked = false
		row, err := txn.ReadRow(ctx, "outbox_entries", spanner.Key{entryID}, []string{"processed_at"})
		if err != nil {
			return 0, notFound(err)
		}
		var processedAt spanner.NullTime
		if err := row.Columns(&processedAt); err != nil {
			return 0, err
		}
		if processedAt.Valid {
			return 0, nil
		}
		marked = true
		return 1, txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("outbox_entries", []string{"outbox_id", "processed_at", "locked_until"},
				[]interface{}{entryID, s.clock(), spanner.NullTime{}}),
		})
	})
	return marked, err
}

func (s *SpannerRepository) RecordFailure(ctx context.Context, entryID string, errMsg string, retryAt time.Time, deadLetter bool) error {
	return s.withTransaction(ctx, "RecordFailure", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		row, err := txn.ReadRow(ctx, "outbox_entries", spanner.Key{entryID}, []string{"attempts"})
		if err != nil {
			return 0, notFound(err)
		}
		var attempts int64
		if err := row.Columns(&attempts); err != nil {
			return 0, err
		}
		now := s.clock()
		deadAt := spanner.NullTime{}
		if deadLetter {
			deadAt = spanner.NullTime{Time: now, Valid: true}
		}
		return 1, txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("outbox_entries",
				[]string{"outbox_id", "attempts", "last_error", "last_attempt_at", "locked_until", "available_at", "dead_lettered_at"},
				[]interface{}{entryID, attempts + 1, errMsg, now, spanner.NullTime{}, retryAt, deadAt}),
		})
	})
}

func (s *SpannerRepository) GetEntry(ctx context.Context, entryID string) (*OutboxEntry, error) {
	ctx, span := startSpan(ctx, dbSystemSpanner, "GetEntry")
	row, err := s.client.Single().ReadRow(ctx, "outbox_entries", spanner.Key{entryID}, spannerOutboxCols)
	if err != nil {
		err = notFound(err)
		endSpan(span, ignoreNotFound(err))
		return nil, err
	}
	e, err := decodeSpannerOutbox(row)
	endSpan(span, err)
	return e, err
}

func (s *SpannerRepository) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := startSpan(ctx, dbSystemSpanner, "PurgeProcessed")
	n, err := s.client.PartitionedUpdate(ctx, spanner.Statement{
		SQL:    `DELETE FROM outbox_entries WHERE processed_at IS NOT NULL AND processed_at < @before`,
		Params: map[string]interface{}{"before": before},
	})
	endSpan(span, err)
	return n, err
}

func (s *SpannerRepository) GetIdempotency(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	ctx, span := startSpan(ctx, dbSystemSpanner, "GetIdempotency")
	defer span.End()

	row, err := s.client.Single().ReadRow(ctx, "idempotency_records", spanner.Key{key}, spannerIdemCols)
	if err != nil {
		return nil, notFound(err)
	}
	rec, err := decodeSpannerIdempotency(row)
	if err != nil {
		return nil, err
	}
	if !rec.Live(now) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *SpannerRepository) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := startSpan(ctx, dbSystemSpanner, "PurgeExpiredIdempotency")
	n, err := s.client.PartitionedUpdate(ctx, spanner.Statement{
		SQL:    `DELETE FROM idempotency_records WHERE expires_at <= @now`,
		Params: map[string]interface{}{"now": now},
	})
	endSpan(span, err)
	return n, err
}

func (s *SpannerRepository) LatestEvent(ctx context.Context, entityID string) (*AuditEvent, error) {
	events, err := s.queryEvents(ctx, entityID, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

func (s *SpannerRepository) ListEvents(ctx context.Context, entityID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	events, err := s.queryEvents(ctx, entityID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *SpannerRepository) queryEvents(ctx context.Context, entityID string, limit int) ([]AuditEvent, error) {
	ctx, span := startSpan(ctx, dbSystemSpanner, "ListEvents")
	stmt := spanner.Statement{
		SQL: `SELECT event_id, entity_id, event_type, event_data, created_by, created_at FROM audit_events
		      WHERE entity_id = @entityID ORDER BY created_at DESC LIMIT @limit`,
		Params: map[string]interface{}{"entityID": entityID, "limit": int64(limit)},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []AuditEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			endSpan(span, err)
			return nil, err
		}
		var (
			ev        AuditEvent
			createdBy string
		)
		if err := row.Columns(&ev.ID, &ev.EntityID, &ev.EventType, &ev.Data, &createdBy, &ev.CreatedAt); err != nil {
			endSpan(span, err)
			return nil, err
		}
		ev.CreatedBy = CreatedBy(createdBy)
		events = append(events, ev)
	}
	endSpan(span, nil)
	return events, nil
}

func (s *SpannerRepository) AcquireLock(ctx context.Context, l *Lock, now time.Time) (bool, error) {
	var job []byte
	if l.Job != nil {
		b, err := json.Marshal(l.Job)
		if err != nil {
			return false, err
		}
		job = b
	}

	var acquired bool
	err := s.withTransaction(ctx, "AcquireLock", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		acquired = false
		cur, err := readLock(ctx, txn, l.EntityID, l.Stage)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		if cur != nil && !cur.Expired(now) {
			return 0, nil
		}
		acquired = true
		return 1, txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate("stage_locks", spannerLockCols, []interface{}{
				l.EntityID, string(l.Stage), l.HolderID, l.AcquiredAt, l.ExpiresAt, l.HeartbeatAt, job,
			}),
		})
	})
	return acquired, err
}

func (s *SpannerRepository) ReleaseLock(ctx context.Context, entityID string, stage fsm.State, holderID string, force bool) (bool, error) {
	var released bool
	err := s.withTransaction(ctx, "ReleaseLock", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		released = false
		cur, err := readLock(ctx, txn, entityID, stage)
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		if !force && cur.HolderID != holderID {
			return 0, nil
		}
		released = true
		return 1, txn.BufferWrite([]*spanner.Mutation{
			spanner.Delete("stage_locks", spanner.Key{entityID, string(stage)}),
		})
	})
	return released, err
}

func (s *SpannerRepository) ExtendLock(ctx context.Context, entityID string, stage fsm.State, holderID string, expiresAt, now time.Time) (bool, error) {
	var extended bool
	err := s.withTransaction(ctx, "ExtendLock", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		extended = false
		cur, err := readLock(ctx, txn, entityID, stage)
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		if cur.HolderID != holderID || cur.Expired(now) {
			return 0, nil
		}
		extended = true
		return 1, txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("stage_locks", []string{"entity_id", "stage", "expires_at", "heartbeat_at"},
				[]interface{}{entityID, string(stage), expiresAt, now}),
		})
	})
	return extended, err
}

func (s *SpannerRepository) GetLock(ctx context.Context, entityID string, stage fsm.State) (*Lock, error) {
	ctx, span := startSpan(ctx, dbSystemSpanner, "GetLock")
	l, err := readLock(ctx, s.client.Single(), entityID, stage)
	endSpan(span, ignoreNotFound(err))
	return l, err
}

func (s *SpannerRepository) ReclaimLocks(ctx context.Context, now, staleBefore time.Time, limit int) ([]Lock, error) {
	var locks []Lock
	err := s.withTransaction(ctx, "ReclaimLocks", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		locks = nil
		stmt := spanner.Statement{
			SQL: `SELECT ` + strings.Join(spannerLockCols, ", ") + ` FROM stage_locks
			      WHERE expires_at < @now OR heartbeat_at < @stale
			      ORDER BY expires_at LIMIT @limit`,
			Params: map[string]interface{}{"now": now, "stale": staleBefore, "limit": int64(limit)},
		}
		var muts []*spanner.Mutation
		err := txn.Query(ctx, stmt).Do(func(row *spanner.Row) error {
			l, err := decodeSpannerLock(row)
			if err != nil {
				return err
			}
			locks = append(locks, *l)
			muts = append(muts, spanner.Delete("stage_locks", spanner.Key{l.EntityID, string(l.Stage)}))
			return nil
		})
		if err != nil || len(muts) == 0 {
			return 0, err
		}
		return len(locks), txn.BufferWrite(muts)
	})
	return locks, err
}

func (s *SpannerRepository) AcquireSlots(ctx context.Context, slots []SlotLimit, ttl time.Duration, now time.Time) (bool, error) {
	var acquired bool
	err := s.withTransaction(ctx, "AcquireSlots", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		acquired = false
		muts := make([]*spanner.Mutation, 0, len(slots))
		for _, sl := range slots {
			count, err := readSlot(ctx, txn, sl.Key, now)
			if err != nil {
				return 0, err
			}
			if count >= int64(sl.Limit) {
				return 0, nil
			}
			muts = append(muts, spanner.InsertOrUpdate("concurrency_slots",
				[]string{"slot_key", "count", "expires_at"},
				[]interface{}{sl.Key, count + 1, now.Add(ttl)}))
		}
		acquired = true
		return len(muts), txn.BufferWrite(muts)
	})
	return acquired, err
}

func (s *SpannerRepository) ReleaseSlots(ctx context.Context, keys []string, now time.Time) error {
	return s.withTransaction(ctx, "ReleaseSlots", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		var muts []*spanner.Mutation
		for _, k := range keys {
			count, err := readSlot(ctx, txn, k, now)
			if err != nil {
				return 0, err
			}
			if count == 0 {
				continue
			}
			muts = append(muts, spanner.Update("concurrency_slots", []string{"slot_key", "count"},
				[]interface{}{k, count - 1}))
		}
		if len(muts) == 0 {
			return 0, nil
		}
		return len(muts), txn.BufferWrite(muts)
	})
}

func (s *SpannerRepository) SlotCount(ctx context.Context, key string, now time.Time) (int, error) {
	ctx, span := startSpan(ctx, dbSystemSpanner, "SlotCount")
	count, err := readSlot(ctx, s.client.Single(), key, now)
	endSpan(span, err)
	return int(count), err
}

func (s *SpannerRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error)) (err error) {
	ctx, span := startSpan(ctx, dbSystemSpanner, spanName)
	defer func() { endSpan(span, err) }()
	start := time.Now()

	var rows int
	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var err error
		rows, err = fn(ctx, txn)
		return err
	})
	if err != nil {
		return classifySpanner(spanName, err)
	}
	addDBStatsToSpan(span, spanName, rows, time.Since(start))
	return nil
}

func classifySpanner(op string, err error) error {
	switch spanner.ErrCode(err) {
	case codes.Aborted, codes.Unavailable, codes.DeadlineExceeded:
		return transient(op, err)
	}
	return err
}

type spannerReader interface {
	ReadRow(ctx context.Context, table string, key spanner.Key, columns []string) (*spanner.Row, error)
}

func readState(ctx context.Context, r spannerReader, entityID string) (*FSMState, error) {
	row, err := r.ReadRow(ctx, "fsm_states", spanner.Key{entityID}, spannerStateCols)
	if err != nil {
		return nil, notFound(err)
	}
	var (
		st               FSMState
		state, createdBy string
	)
	if err := row.Columns(&st.EntityID, &state, &st.Version, &createdBy, &st.CancelRequested, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.State = fsm.State(state)
	st.CreatedBy = CreatedBy(createdBy)
	return &st, nil
}

func readLock(ctx context.Context, r spannerReader, entityID string, stage fsm.State) (*Lock, error) {
	row, err := r.ReadRow(ctx, "stage_locks", spanner.Key{entityID, string(stage)}, spannerLockCols)
	if err != nil {
		return nil, notFound(err)
	}
	return decodeSpannerLock(row)
}

func readSlot(ctx context.Context, r spannerReader, key string, now time.Time) (int64, error) {
	row, err := r.ReadRow(ctx, "concurrency_slots", spanner.Key{key}, []string{"count", "expires_at"})
	if spanner.ErrCode(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var (
		count     int64
		expiresAt time.Time
	)
	if err := row.Columns(&count, &expiresAt); err != nil {
		return 0, err
	}
	if !now.Before(expiresAt) {
		return 0, nil
	}
	return count, nil
}

func decodeSpannerIdempotency(row *spanner.Row) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	if err := row.Columns(&rec.Key, &rec.EntityID, &rec.Result, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeSpannerOutbox(row *spanner.Row) (*OutboxEntry, error) {
	var (
		e                                               OutboxEntry
		opts                                            []byte
		attempts                                        int64
		lastError                                       spanner.NullString
		processedAt, lastAttemptAt, lockedUntil, deadAt spanner.NullTime
	)
	if err := row.Columns(&e.ID, &e.EntityID, &e.QueueName, &e.Payload, &opts, &e.CreatedAt, &e.AvailableAt,
		&processedAt, &attempts, &lastError, &lastAttemptAt, &lockedUntil, &deadAt); err != nil {
		return nil, err
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &e.Options); err != nil {
			return nil, err
		}
	}
	e.Attempts = int(attempts)
	e.LastError = lastError.StringVal
	e.ProcessedAt = spannerTime(processedAt)
	e.LastAttemptAt = spannerTime(lastAttemptAt)
	e.LockedUntil = spannerTime(lockedUntil)
	e.DeadLetteredAt = spannerTime(deadAt)
	return &e, nil
}

func decodeSpannerLock(row *spanner.Row) (*Lock, error) {
	var (
		l     Lock
		stage string
		job   []byte
	)
	if err := row.Columns(&l.EntityID, &stage, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt, &job); err != nil {
		return nil, err
	}
	l.Stage = fsm.State(stage)
	if len(job) > 0 {
		l.Job = &LeasedJob{}
		if err := json.Unmarshal(job, l.Job); err != nil {
			return nil, err
		}
	}
	return &l, nil
}

func spannerTime(t spanner.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func notFound(err error) error {
	if spanner.ErrCode(err) == codes.NotFound {
		return ErrNotFound
	}
	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
