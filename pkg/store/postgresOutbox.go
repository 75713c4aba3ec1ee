package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

const outboxColumns = `outbox_id, entity_id, queue_name, job_payload, job_options, created_at, available_at,
	processed_at, attempts, last_error, last_attempt_at, locked_until, dead_lettered_at`

func (p *PostgresRepository) FetchPending(ctx context.Context, batchSize int, lease time.Duration) ([]OutboxEntry, error) {
	var events []OutboxEntry
	err := p.withTransaction(ctx, "FetchPending", func(ctx context.Context, tx *sql.Tx) (int, error) {
		now := p.clock()
		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox_entries
			 WHERE processed_at IS NULL AND dead_lettered_at IS NULL AND available_at <= $1
			   AND (locked_until IS NULL OR locked_until < $1)
			 ORDER BY created_at
			 FOR UPDATE SKIP LOCKED LIMIT $2`, now, batchSize)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			event, err := scanOutboxEntry(rows)
			if err != nil {
				return 0, err
			}
			events = append(events, *event)
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}
		if len(events) == 0 {
			return 0, nil
		}

		ids := make([]string, len(events))
		until := now.Add(lease)
		for i := range events {
			ids[i] = events[i].ID
			events[i].LockedUntil = &until
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_entries SET locked_until = $1 WHERE outbox_id = ANY($2)`,
			until, pq.Array(ids)); err != nil {
			return 0, err
		}
		return len(events), nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (p *PostgresRepository) MarkProcessed(ctx context.Context, entryID string) (bool, error) {
	var marked bool
	err := p.withSpan(ctx, "MarkProcessed", func(ctx context.Context) (int, error) {
		res, err := p.db.ExecContext(ctx,
			`UPDATE outbox_entries SET processed_at = $2, locked_until = NULL
			 WHERE outbox_id = $1 AND processed_at IS NULL`, entryID, p.clock())
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		marked = n == 1
		return int(n), err
	})
	return marked, err
}

func (p *PostgresRepository) RecordFailure(ctx context.Context, entryID string, errMsg string, retryAt time.Time, deadLetter bool) error {
	return p.withSpan(ctx, "RecordFailure", func(ctx context.Context) (int, error) {
		now := p.clock()
		var deadLetteredAt *time.Time
		if deadLetter {
			deadLetteredAt = &now
		}
		res, err := p.db.ExecContext(ctx,
			`UPDATE outbox_entries SET attempts = attempts + 1, last_error = $2, last_attempt_at = $3,
			   locked_until = NULL, available_at = $4, dead_lettered_at = $5
			 WHERE outbox_id = $1`, entryID, errMsg, now, retryAt, deadLetteredAt)
		if err != nil {
			return 0, err
		}
		return requireRow(res)
	})
}

func (p *PostgresRepository) GetEntry(ctx context.Context, entryID string) (*OutboxEntry, error) {
	var entry *OutboxEntry
	err := p.withSpan(ctx, "GetEntry", func(ctx context.Context) (int, error) {
		var err error
		entry, err = scanOutboxEntry(p.db.QueryRowContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox_entries WHERE outbox_id = $1`, entryID))
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 1, err
	})
	return entry, err
}

func (p *PostgresRepository) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := p.withSpan(ctx, "PurgeProcessed", func(ctx context.Context) (int, error) {
		res, err := p.db.ExecContext(ctx,
			`DELETE FROM outbox_entries WHERE processed_at IS NOT NULL AND processed_at < $1`, before)
		if err != nil {
			return 0, err
		}
		n, err = res.RowsAffected()
		return int(n), err
	})
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxEntry(row rowScanner) (*OutboxEntry, error) {
	var (
		e                                               OutboxEntry
		opts                                            []byte
		lastError                                       sql.NullString
		processedAt, lastAttemptAt, lockedUntil, deadAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.EntityID, &e.QueueName, &e.Payload, &opts, &e.CreatedAt, &e.AvailableAt,
		&processedAt, &e.Attempts, &lastError, &lastAttemptAt, &lockedUntil, &deadAt); err != nil {
		return nil, err
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &e.Options); err != nil {
			return nil, err
		}
	}
	e.LastError = lastError.String
	e.ProcessedAt = nullTime(processedAt)
	e.LastAttemptAt = nullTime(lastAttemptAt)
	e.LockedUntil = nullTime(lockedUntil)
	e.DeadLetteredAt = nullTime(deadAt)
	return &e, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
