package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
)

const lockColumns = `entity_id, stage, holder_id, acquired_at, expires_at, heartbeat_at, job`

func (p *PostgresRepository) AcquireLock(ctx context.Context, l *Lock, now time.Time) (bool, error) {
	var job []byte
	if l.Job != nil {
		b, err := json.Marshal(l.Job)
		if err != nil {
			return false, err
		}
		job = b
	}

	var acquired bool
	err := p.withTransaction(ctx, "AcquireLock", func(ctx context.Context, tx *sql.Tx) (int, error) {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stage_locks WHERE entity_id = $1 AND stage = $2 AND expires_at < $3`,
			l.EntityID, l.Stage, now); err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO stage_locks (`+lockColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (entity_id, stage) DO NOTHING`,
			l.EntityID, l.Stage, l.HolderID, l.AcquiredAt, l.ExpiresAt, l.HeartbeatAt, nullJSON(job))
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		acquired = n == 1
		return int(n), err
	})
	return acquired, err
}

func (p *PostgresRepository) ReleaseLock(ctx context.Context, entityID string, stage fsm.State, holderID string, force bool) (bool, error) {
	var released bool
	err := p.withSpan(ctx, "ReleaseLock", func(ctx context.Context) (int, error) {
		var (
			res sql.Result
			err error
		)
		if force {
			res, err = p.db.ExecContext(ctx,
				`DELETE FROM stage_locks WHERE entity_id = $1 AND stage = $2`, entityID, stage)
		} else {
			res, err = p.db.ExecContext(ctx,
				`DELETE FROM stage_locks WHERE entity_id = $1 AND stage = $2 AND holder_id = $3`,
				entityID, stage, holderID)
		}
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		released = n == 1
		return int(n), err
	})
	return released, err
}

func (p *PostgresRepository) ExtendLock(ctx context.Context, entityID string, stage fsm.State, holderID string, expiresAt, now time.Time) (bool, error) {
	var extended bool
	err := p.withSpan(ctx, "ExtendLock", func(ctx context.Context) (int, error) {
		res, err := p.db.ExecContext(ctx,
			`UPDATE stage_locks SET expires_at = $4, heartbeat_at = $5
			 WHERE entity_id = $1 AND stage = $2 AND holder_id = $3 AND expires_at >= $5`,
			entityID, stage, holderID, expiresAt, now)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		extended = n == 1
		return int(n), err
	})
	return extended, err
}

func (p *PostgresRepository) GetLock(ctx context.Context, entityID string, stage fsm.State) (*Lock, error) {
	var lock *Lock
	err := p.withSpan(ctx, "GetLock", func(ctx context.Context) (int, error) {
		var err error
		lock, err = scanLock(p.db.QueryRowContext(ctx,
			`SELECT `+lockColumns+` FROM stage_locks WHERE entity_id = $1 AND stage = $2`, entityID, stage))
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 1, err
	})
	return lock, err
}

func (p *PostgresRepository) ReclaimLocks(ctx context.Context, now, staleBefore time.Time, limit int) ([]Lock, error) {
	var locks []Lock
	err := p.withTransaction(ctx, "ReclaimLocks", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`DELETE FROM stage_locks WHERE (entity_id, stage) IN (
			   SELECT entity_id, stage FROM stage_locks
			   WHERE expires_at < $1 OR heartbeat_at < $2
			   ORDER BY expires_at
			   FOR UPDATE SKIP LOCKED LIMIT $3)
			 RETURNING `+lockColumns, now, staleBefore, limit)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			l, err := scanLock(rows)
			if err != nil {
				return 0, err
			}
			locks = append(locks, *l)
		}
		return len(locks), rows.Err()
	})
	return locks, err
}

// errSlotsFull rolls back a partially incremented admission.
var errSlotsFull = errors.New("slot limit reached")

func (p *PostgresRepository) AcquireSlots(ctx context.Context, slots []SlotLimit, ttl time.Duration, now time.Time) (bool, error) {
	for _, s := range slots {
		if s.Limit <= 0 {
			return false, nil
		}
	}

	err := p.withTransaction(ctx, "AcquireSlots", func(ctx context.Context, tx *sql.Tx) (int, error) {
		for _, s := range slots {
			var count int
			err := tx.QueryRowContext(ctx,
				`INSERT INTO concurrency_slots (slot_key, count, expires_at) VALUES ($1, 1, $2)
				 ON CONFLICT (slot_key) DO UPDATE SET
				   count = CASE WHEN concurrency_slots.expires_at <= $3 THEN 1 ELSE concurrency_slots.count + 1 END,
				   expires_at = EXCLUDED.expires_at
				 WHERE concurrency_slots.expires_at <= $3 OR concurrency_slots.count < $4
				 RETURNING count`, s.Key, now.Add(ttl), now, s.Limit).Scan(&count)
			if errors.Is(err, sql.ErrNoRows) {
				return 0, errSlotsFull
			}
			if err != nil {
				return 0, err
			}
		}
		return len(slots), nil
	})
	if errors.Is(err, errSlotsFull) {
		return false, nil
	}
	return err == nil, err
}

func (p *PostgresRepository) ReleaseSlots(ctx context.Context, keys []string, now time.Time) error {
	return p.withTransaction(ctx, "ReleaseSlots", func(ctx context.Context, tx *sql.Tx) (int, error) {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx,
				`UPDATE concurrency_slots SET count = GREATEST(count - 1, 0)
				 WHERE slot_key = $1 AND expires_at > $2`, k, now); err != nil {
				return 0, err
			}
		}
		return len(keys), nil
	})
}

func (p *PostgresRepository) SlotCount(ctx context.Context, key string, now time.Time) (int, error) {
	var count int
	err := p.withSpan(ctx, "SlotCount", func(ctx context.Context) (int, error) {
		err := p.db.QueryRowContext(ctx,
			`SELECT count FROM concurrency_slots WHERE slot_key = $1 AND expires_at > $2`, key, now).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 1, err
	})
	return count, err
}

func scanLock(row rowScanner) (*Lock, error) {
	var (
		l   Lock
		job []byte
	)
	if err := row.Scan(&l.EntityID, &l.Stage, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt, &job); err != nil {
		return nil, err
	}
	if len(job) > 0 {
		l.Job = &LeasedJob{}
		if err := json.Unmarshal(job, l.Job); err != nil {
			return nil, err
		}
	}
	return &l, nil
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
