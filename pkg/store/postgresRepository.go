package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"
)

const dbSystemPostgres = "postgresql"

//go:embed migrations/*.sql
var migrations embed.FS

var _ Store = (*PostgresRepository)(nil)

type PostgresRepository struct {
	db  *sql.DB // using database/sql
	now func() time.Time
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

func (p *PostgresRepository) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

// Migrate applies every embedded migration not yet recorded in schema_migrations.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		err = p.withTransaction(ctx, "Migrate", func(ctx context.Context, tx *sql.Tx) (int, error) {
			var applied bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, name).Scan(&applied); err != nil {
				return 0, err
			}
			if applied {
				return 0, nil
			}
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return 0, fmt.Errorf("apply %s: %w", name, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, name, p.clock())
			return 1, err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// errReplayRace signals that another transaction committed the same
// idempotency key first; the caller rolls back and replays the stored result.
var errReplayRace = errors.New("idempotency key committed concurrently")

func (p *PostgresRepository) ApplyTransition(ctx context.Context, t *Transition) (*TransitionOutcome, error) {
	var outcome *TransitionOutcome
	err := p.withTransaction(ctx, "ApplyTransition", func(ctx context.Context, tx *sql.Tx) (int, error) {
		current, err := scanState(tx.QueryRowContext(ctx,
			`SELECT `+stateColumns+` FROM fsm_states WHERE entity_id = $1 FOR UPDATE`, t.EntityID))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}

		// read after the row lock so a same-key request that just committed is visible
		rec, err := scanIdempotency(tx.QueryRowContext(ctx,
			`SELECT `+idempotencyColumns+` FROM idempotency_records WHERE key = $1 AND expires_at > $2`,
			t.IdempotencyKey, t.Now))
		switch {
		case err == nil:
			result, err := DecodeResult(rec.Result)
			if err != nil {
				return 0, err
			}
			outcome = &TransitionOutcome{Result: result, Replayed: true}
			return 0, nil
		case !errors.Is(err, ErrNotFound):
			return 0, err
		}

		next, result, err := planTransition(t, current)
		if err != nil {
			return 0, err
		}

		var res sql.Result
		if current == nil {
			res, err = tx.ExecContext(ctx,
				`INSERT INTO fsm_states (entity_id, state, version, created_by, cancel_requested, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (entity_id) DO NOTHING`,
				next.EntityID, next.State, next.Version, next.CreatedBy, next.CancelRequested, next.CreatedAt, next.UpdatedAt)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE fsm_states SET state = $2, version = $3, created_by = $4, cancel_requested = $5, updated_at = $6
				 WHERE entity_id = $1 AND version = $7`,
				next.EntityID, next.State, next.Version, next.CreatedBy, next.CancelRequested, next.UpdatedAt, current.Version)
		}
		if err != nil {
			return 0, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return 0, err
		} else if n == 0 {
			return 0, transient("ApplyTransition", fmt.Errorf("entity %s changed concurrently", t.EntityID))
		}

		for _, e := range t.Entries {
			opts, err := json.Marshal(e.Options)
			if err != nil {
				return 0, fmt.Errorf("encode job options: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO outbox_entries (outbox_id, entity_id, queue_name, job_payload, job_options, created_at, available_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				e.ID, e.EntityID, e.QueueName, e.Payload, string(opts), t.Now, t.Now.Add(e.Options.Delay)); err != nil {
				return 0, err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_events (event_id, entity_id, event_type, event_data, created_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			t.Event.ID, t.Event.EntityID, t.Event.EventType, t.Event.Data, t.Event.CreatedBy, t.Now); err != nil {
			return 0, err
		}

		idem, err := idempotencyRecordFor(t, result)
		if err != nil {
			return 0, err
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency_records (key, entity_id, result, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (key) DO UPDATE SET entity_id = EXCLUDED.entity_id, result = EXCLUDED.result,
			   created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
			 WHERE idempotency_records.expires_at <= EXCLUDED.created_at`,
			idem.Key, idem.EntityID, string(idem.Result), idem.CreatedAt, idem.ExpiresAt)
		if err != nil {
			return 0, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return 0, err
		} else if n == 0 {
			return 0, errReplayRace
		}

		outcome = &TransitionOutcome{Result: result}
		return 3 + len(t.Entries), nil
	})

	if errors.Is(err, errReplayRace) {
		rec, err := p.GetIdempotency(ctx, t.IdempotencyKey, t.Now)
		if err != nil {
			return nil, err
		}
		result, err := DecodeResult(rec.Result)
		if err != nil {
			return nil, err
		}
		return &TransitionOutcome{Result: result, Replayed: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (p *PostgresRepository) GetState(ctx context.Context, entityID string) (*FSMState, error) {
	var state *FSMState
	err := p.withSpan(ctx, "GetState", func(ctx context.Context) (int, error) {
		var err error
		state, err = scanState(p.db.QueryRowContext(ctx,
			`SELECT `+stateColumns+` FROM fsm_states WHERE entity_id = $1`, entityID))
		return 1, err
	})
	return state, err
}

func (p *PostgresRepository) RequestCancel(ctx context.Context, entityID string) error {
	return p.withSpan(ctx, "RequestCancel", func(ctx context.Context) (int, error) {
		res, err := p.db.ExecContext(ctx,
			`UPDATE fsm_states SET cancel_requested = TRUE, updated_at = $2 WHERE entity_id = $1`,
			entityID, p.clock())
		if err != nil {
			return 0, err
		}
		return requireRow(res)
	})
}

func (p *PostgresRepository) GetIdempotency(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	var rec *IdempotencyRecord
	err := p.withSpan(ctx, "GetIdempotency", func(ctx context.Context) (int, error) {
		var err error
		rec, err = scanIdempotency(p.db.QueryRowContext(ctx,
			`SELECT `+idempotencyColumns+` FROM idempotency_records WHERE key = $1 AND expires_at > $2`, key, now))
		return 1, err
	})
	return rec, err
}

func (p *PostgresRepository) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := p.withSpan(ctx, "PurgeExpiredIdempotency", func(ctx context.Context) (int, error) {
		res, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
		if err != nil {
			return 0, err
		}
		n, err = res.RowsAffected()
		return int(n), err
	})
	return n, err
}

func (p *PostgresRepository) LatestEvent(ctx context.Context, entityID string) (*AuditEvent, error) {
	events, err := p.listEvents(ctx, "LatestEvent", entityID, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

// ListEvents returns up to limit of the newest events, oldest first.
func (p *PostgresRepository) ListEvents(ctx context.Context, entityID string, limit int) ([]AuditEvent, error) {
	events, err := p.listEvents(ctx, "ListEvents", entityID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (p *PostgresRepository) listEvents(ctx context.Context, op, entityID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	var events []AuditEvent
	err := p.withSpan(ctx, op, func(ctx context.Context) (int, error) {
		rows, err := p.db.QueryContext(ctx,
			`SELECT event_id, entity_id, event_type, event_data, created_by, created_at FROM audit_events
			 WHERE entity_id = $1 ORDER BY created_at DESC, event_id DESC LIMIT $2`, entityID, limit)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			var ev AuditEvent
			if err := rows.Scan(&ev.ID, &ev.EntityID, &ev.EventType, &ev.Data, &ev.CreatedBy, &ev.CreatedAt); err != nil {
				return 0, err
			}
			events = append(events, ev)
		}
		return len(events), rows.Err()
	})
	return events, err
}

// withTransaction runs fn in a transaction under a span named spanName. fn
// returns the number of rows it touched for the span attributes.
func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) (err error) {
	ctx, span := startSpan(ctx, dbSystemPostgres, spanName)
	defer func() { endSpan(span, err) }()
	start := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPostgres(spanName, err)
	}

	rows, err := fn(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return classifyPostgres(spanName, err)
	}
	if err = tx.Commit(); err != nil {
		return classifyPostgres(spanName, err)
	}

	addDBStatsToSpan(span, spanName, rows, time.Since(start))
	return nil
}

func (p *PostgresRepository) withSpan(ctx context.Context, spanName string, fn func(ctx context.Context) (int, error)) (err error) {
	ctx, span := startSpan(ctx, dbSystemPostgres, spanName)
	defer func() { endSpan(span, err) }()
	start := time.Now()

	rows, err := fn(ctx)
	if err != nil {
		return classifyPostgres(spanName, err)
	}
	addDBStatsToSpan(span, spanName, rows, time.Since(start))
	return nil
}

// classifyPostgres marks serialization failures, deadlocks and dropped
// connections as transient. Other errors pass through unchanged.
func classifyPostgres(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return transient(op, err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) {
		return transient(op, err)
	}
	return err
}

func requireRow(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return int(n), nil
}

const (
	stateColumns       = `entity_id, state, version, created_by, cancel_requested, created_at, updated_at`
	idempotencyColumns = `key, entity_id, result, created_at, expires_at`
)

func scanState(row *sql.Row) (*FSMState, error) {
	var s FSMState
	err := row.Scan(&s.EntityID, &s.State, &s.Version, &s.CreatedBy, &s.CancelRequested, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanIdempotency(row *sql.Row) (*IdempotencyRecord, error) {
	var r IdempotencyRecord
	err := row.Scan(&r.Key, &r.EntityID, &r.Result, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
