package store

import (
	"time"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
)

// CreatedBy identifies which part of the system caused a transition.
type CreatedBy string

const (
	CreatedByAPI      CreatedBy = "API"
	CreatedByQueue    CreatedBy = "QUEUE"
	CreatedByWorker   CreatedBy = "WORKER"
	CreatedByRecovery CreatedBy = "RECOVERY"
)

// FSMState is the single row of pipeline state kept per entity.
type FSMState struct {
	EntityID        string    `json:"entity_id" bson:"_id"`
	State           fsm.State `json:"state" bson:"state"`
	Version         int64     `json:"version" bson:"version"`
	CreatedBy       CreatedBy `json:"created_by" bson:"created_by"`
	CancelRequested bool      `json:"cancel_requested" bson:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}

// JobOptions are the per-job dispatch options stored with an outbox entry.
type JobOptions struct {
	Priority int               `json:"priority,omitempty" bson:"priority,omitempty"`
	Delay    time.Duration     `json:"delay,omitempty" bson:"delay,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
}

// OutboxEntry is a unit of work waiting to be dispatched to the job queue.
type OutboxEntry struct {
	ID             string     `json:"outbox_id" bson:"_id"`
	EntityID       string     `json:"entity_id" bson:"entity_id"`
	QueueName      string     `json:"queue_name" bson:"queue_name"`
	Payload        []byte     `json:"job_payload" bson:"job_payload"`
	Options        JobOptions `json:"job_options" bson:"job_options"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
	AvailableAt    time.Time  `json:"available_at" bson:"available_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	Attempts       int        `json:"attempts" bson:"attempts"`
	LastError      string     `json:"last_error,omitempty" bson:"last_error,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty" bson:"last_attempt_at,omitempty"`
	LockedUntil    *time.Time `json:"locked_until,omitempty" bson:"locked_until,omitempty"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty" bson:"dead_lettered_at,omitempty"`
}

// Pending reports whether the entry still waits for dispatch.
func (e *OutboxEntry) Pending() bool {
	return e.ProcessedAt == nil && e.DeadLetteredAt == nil
}

// IdempotencyRecord maps a caller-supplied key to the result of the request
// that first used it.
type IdempotencyRecord struct {
	Key       string    `json:"key" bson:"_id"`
	EntityID  string    `json:"entity_id" bson:"entity_id"`
	Result    []byte    `json:"result" bson:"result"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

// Live reports whether the record is still valid at now.
func (r *IdempotencyRecord) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// AuditEvent is an immutable record of one transition.
type AuditEvent struct {
	ID        string    `json:"event_id" bson:"_id"`
	EntityID  string    `json:"entity_id" bson:"entity_id"`
	EventType string    `json:"event_type" bson:"event_type"`
	Data      []byte    `json:"event_data" bson:"event_data"`
	CreatedBy CreatedBy `json:"created_by" bson:"created_by"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// LeasedJob describes the job a lock holder is executing, so that recovery
// can re-enqueue it if the holder disappears.
type LeasedJob struct {
	OutboxID  string    `json:"outbox_id" bson:"outbox_id"`
	Queue     string    `json:"queue" bson:"queue"`
	Payload   []byte    `json:"payload" bson:"payload"`
	Attempt   int       `json:"attempt" bson:"attempt"`
	Version   int64     `json:"version" bson:"version"`
	Principal string    `json:"principal,omitempty" bson:"principal,omitempty"`
	Tier      string    `json:"tier,omitempty" bson:"tier,omitempty"`
	HoldsSlot bool      `json:"holds_slot,omitempty" bson:"holds_slot,omitempty"`
	Stage     fsm.State `json:"stage" bson:"stage"`
}

// Lock is a mutual-exclusion lease on (EntityID, Stage).
type Lock struct {
	EntityID    string     `json:"entity_id" bson:"entity_id"`
	Stage       fsm.State  `json:"stage" bson:"stage"`
	HolderID    string     `json:"holder_id" bson:"holder_id"`
	AcquiredAt  time.Time  `json:"acquired_at" bson:"acquired_at"`
	ExpiresAt   time.Time  `json:"expires_at" bson:"expires_at"`
	HeartbeatAt time.Time  `json:"heartbeat_at" bson:"heartbeat_at"`
	Job         *LeasedJob `json:"job,omitempty" bson:"job,omitempty"`
}

// Expired reports whether the lease has lapsed at now. A lock expiring
// exactly at now is still held.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// SlotLimit is one counter an admission must increment without exceeding Limit.
type SlotLimit struct {
	Key   string
	Limit int
}

// TransitionResult is what InitiateStage returns and what idempotency
// replays return verbatim.
type TransitionResult struct {
	State          fsm.State `json:"state"`
	Version        int64     `json:"version"`
	OutboxEntryIDs []string  `json:"outbox_entry_ids"`
}

// Transition is everything the atomic transaction needs to apply. Entry and
// event identifiers are assigned by the caller.
type Transition struct {
	EntityID        string
	Target          fsm.State
	ExpectedVersion int64 // zero skips the check
	CreatedBy       CreatedBy
	Rules           fsm.Rules
	Entries         []OutboxEntry
	Event           AuditEvent
	IdempotencyKey  string
	IdempotencyTTL  time.Duration
	Now             time.Time
}

// TransitionOutcome is the committed (or replayed) result of a Transition.
type TransitionOutcome struct {
	Result   TransitionResult
	Replayed bool
}
