package store

import (
	"context"
	"time"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
)

// TransitionStore owns FSM state and applies transitions atomically together
// with their outbox entries, audit event and idempotency record.
type TransitionStore interface {
	// ApplyTransition runs the whole transition in one transaction. If the
	// idempotency key was already committed it returns the stored result
	// with Replayed set and changes nothing.
	ApplyTransition(ctx context.Context, t *Transition) (*TransitionOutcome, error)
	// GetState returns ErrNotFound for entities never initiated.
	GetState(ctx context.Context, entityID string) (*FSMState, error)
	// RequestCancel sets the cooperative cancellation flag.
	RequestCancel(ctx context.Context, entityID string) error
}

// OutBoxRepository defines the database operations for outbox entries.
type OutBoxRepository interface {
	// FetchPending claims up to batchSize dispatchable entries, oldest first,
	// leasing them for lease so other pollers skip them.
	FetchPending(ctx context.Context, batchSize int, lease time.Duration) ([]OutboxEntry, error)
	// MarkProcessed sets processed_at if it is still unset. It reports
	// whether this call performed the update.
	MarkProcessed(ctx context.Context, entryID string) (bool, error)
	// RecordFailure increments attempts and stores the error. The entry
	// becomes dispatchable again at retryAt, or is dead-lettered.
	RecordFailure(ctx context.Context, entryID string, errMsg string, retryAt time.Time, deadLetter bool) error
	// GetEntry returns ErrNotFound for unknown ids.
	GetEntry(ctx context.Context, entryID string) (*OutboxEntry, error)
	// PurgeProcessed deletes entries processed before the given time.
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}

// IdempotencyRepository reads the durable tier of the idempotency cache.
// Records are written only by ApplyTransition.
type IdempotencyRepository interface {
	// GetIdempotency returns ErrNotFound when the key is unknown or expired at now.
	GetIdempotency(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// AuditRepository reads the audit log. There is deliberately no update or
// delete operation.
type AuditRepository interface {
	// LatestEvent returns ErrNotFound if the entity has no events.
	LatestEvent(ctx context.Context, entityID string) (*AuditEvent, error)
	ListEvents(ctx context.Context, entityID string, limit int) ([]AuditEvent, error)
}

// LockRepository persists (entity, stage) leases.
type LockRepository interface {
	// AcquireLock removes an expired lease for the key and inserts l if no
	// live lease remains. It reports whether l was inserted.
	AcquireLock(ctx context.Context, l *Lock, now time.Time) (bool, error)
	// ReleaseLock deletes the lease held by holderID, or any holder when force is set.
	ReleaseLock(ctx context.Context, entityID string, stage fsm.State, holderID string, force bool) (bool, error)
	// ExtendLock moves expires_at and heartbeat_at forward if holderID still holds a live lease.
	ExtendLock(ctx context.Context, entityID string, stage fsm.State, holderID string, expiresAt, now time.Time) (bool, error)
	// GetLock returns ErrNotFound when no lease row exists.
	GetLock(ctx context.Context, entityID string, stage fsm.State) (*Lock, error)
	// ReclaimLocks deletes and returns up to limit leases that expired
	// before now or whose last heartbeat is older than staleBefore.
	ReclaimLocks(ctx context.Context, now, staleBefore time.Time, limit int) ([]Lock, error)
}

// SlotRepository keeps admission counters.
type SlotRepository interface {
	// AcquireSlots increments every counter in one atomic step, or none of
	// them if any would exceed its limit. Counters idle past their expiry
	// restart from zero; each successful increment pushes expiry to now+ttl.
	AcquireSlots(ctx context.Context, slots []SlotLimit, ttl time.Duration, now time.Time) (bool, error)
	// ReleaseSlots decrements each counter, never below zero.
	ReleaseSlots(ctx context.Context, keys []string, now time.Time) error
	// SlotCount returns the live count of a counter.
	SlotCount(ctx context.Context, key string, now time.Time) (int, error)
}

// Store is the full durable store used by the orchestrator and its background workers.
type Store interface {
	TransitionStore
	OutBoxRepository
	IdempotencyRepository
	AuditRepository
	LockRepository
	SlotRepository

	Migrate(ctx context.Context) error
	Close() error
}
