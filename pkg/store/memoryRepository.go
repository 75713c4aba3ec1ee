package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
)

var _ Store = (*MemoryRepository)(nil)

// MemoryRepository is an in-process Store. Every operation runs under one
// mutex, which gives it the same atomicity the SQL backends get from
// transactions. Intended for tests and single-process development.
type MemoryRepository struct {
	mu    sync.Mutex
	clock func() time.Time

	states  map[string]*FSMState
	outbox  map[string]*OutboxEntry
	order   []string
	idem    map[string]*IdempotencyRecord
	audit   map[string][]AuditEvent
	locks   map[string]*Lock
	slots   map[string]*memorySlot
	applied int
}

type memorySlot struct {
	count     int
	expiresAt time.Time
}

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithClock overrides time.Now for operations that do not take an explicit time.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryRepository) { m.clock = clock }
}

func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	m := &MemoryRepository{
		clock:  time.Now,
		states: make(map[string]*FSMState),
		outbox: make(map[string]*OutboxEntry),
		idem:   make(map[string]*IdempotencyRecord),
		audit:  make(map[string][]AuditEvent),
		locks:  make(map[string]*Lock),
		slots:  make(map[string]*memorySlot),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MemoryRepository) Migrate(context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) ApplyTransition(_ context.Context, t *Transition) (*TransitionOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.idem[t.IdempotencyKey]; ok && rec.Live(t.Now) {
		result, err := DecodeResult(rec.Result)
		if err != nil {
			return nil, err
		}
		return &TransitionOutcome{Result: result, Replayed: true}, nil
	}

	next, result, err := planTransition(t, m.states[t.EntityID])
	if err != nil {
		return nil, err
	}
	rec, err := idempotencyRecordFor(t, result)
	if err != nil {
		return nil, err
	}

	m.states[t.EntityID] = next
	for _, e := range t.Entries {
		entry := e
		entry.CreatedAt = t.Now
		entry.AvailableAt = t.Now.Add(e.Options.Delay)
		m.outbox[entry.ID] = &entry
		m.order = append(m.order, entry.ID)
	}
	event := t.Event
	event.CreatedAt = t.Now
	m.audit[t.EntityID] = append(m.audit[t.EntityID], event)
	m.idem[t.IdempotencyKey] = rec
	m.applied++

	return &TransitionOutcome{Result: result}, nil
}

// AppliedTransitions counts committed, non-replayed transitions.
func (m *MemoryRepository) AppliedTransitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

func (m *MemoryRepository) GetState(_ context.Context, entityID string) (*FSMState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) RequestCancel(_ context.Context, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[entityID]
	if !ok {
		return ErrNotFound
	}
	s.CancelRequested = true
	s.UpdatedAt = m.clock()
	return nil
}

func (m *MemoryRepository) FetchPending(_ context.Context, batchSize int, lease time.Duration) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var events []OutboxEntry
	for _, id := range m.order {
		if len(events) >= batchSize {
			break
		}
		e, ok := m.outbox[id]
		if !ok || !e.Pending() || e.AvailableAt.After(now) {
			continue
		}
		if e.LockedUntil != nil && e.LockedUntil.After(now) {
			continue
		}
		until := now.Add(lease)
		e.LockedUntil = &until
		events = append(events, *e)
	}
	return events, nil
}

func (m *MemoryRepository) MarkProcessed(_ context.Context, entryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.outbox[entryID]
	if !ok {
		return false, ErrNotFound
	}
	if e.ProcessedAt != nil {
		return false, nil
	}
	now := m.clock()
	e.ProcessedAt = &now
	e.LockedUntil = nil
	return true, nil
}

func (m *MemoryRepository) RecordFailure(_ context.Context, entryID string, errMsg string, retryAt time.Time, deadLetter bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.outbox[entryID]
	if !ok {
		return ErrNotFound
	}
	now := m.clock()
	e.Attempts++
	e.LastError = errMsg
	e.LastAttemptAt = &now
	e.LockedUntil = nil
	e.AvailableAt = retryAt
	if deadLetter {
		e.DeadLetteredAt = &now
	}
	return nil
}

func (m *MemoryRepository) GetEntry(_ context.Context, entryID string) (*OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.outbox[entryID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Entries returns every outbox entry in creation order.
func (m *MemoryRepository) Entries() []OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]OutboxEntry, 0, len(m.order))
	for _, id := range m.order {
		if e, ok := m.outbox[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

func (m *MemoryRepository) PurgeProcessed(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	kept := m.order[:0]
	for _, id := range m.order {
		e := m.outbox[id]
		if e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(m.outbox, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return n, nil
}

func (m *MemoryRepository) GetIdempotency(_ context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idem[key]
	if !ok || !rec.Live(now) {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRepository) PurgeExpiredIdempotency(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.idem {
		if !rec.Live(now) {
			delete(m.idem, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) LatestEvent(_ context.Context, entityID string) (*AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.audit[entityID]
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	ev := events[len(events)-1]
	return &ev, nil
}

func (m *MemoryRepository) ListEvents(_ context.Context, entityID string, limit int) ([]AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.audit[entityID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]AuditEvent, len(events))
	copy(out, events)
	return out, nil
}

func lockKey(entityID string, stage fsm.State) string {
	return entityID + "\x00" + string(stage)
}

func (m *MemoryRepository) AcquireLock(_ context.Context, l *Lock, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey(l.EntityID, l.Stage)
	if cur, ok := m.locks[key]; ok {
		if !cur.Expired(now) {
			return false, nil
		}
		delete(m.locks, key)
	}
	cp := *l
	m.locks[key] = &cp
	return true, nil
}

func (m *MemoryRepository) ReleaseLock(_ context.Context, entityID string, stage fsm.State, holderID string, force bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey(entityID, stage)
	cur, ok := m.locks[key]
	if !ok || (!force && cur.HolderID != holderID) {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *MemoryRepository) ExtendLock(_ context.Context, entityID string, stage fsm.State, holderID string, expiresAt, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[lockKey(entityID, stage)]
	if !ok || cur.HolderID != holderID || cur.Expired(now) {
		return false, nil
	}
	cur.ExpiresAt = expiresAt
	cur.HeartbeatAt = now
	return true, nil
}

func (m *MemoryRepository) GetLock(_ context.Context, entityID string, stage fsm.State) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[lockKey(entityID, stage)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

func (m *MemoryRepository) ReclaimLocks(_ context.Context, now, staleBefore time.Time, limit int) ([]Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*Lock
	for _, l := range m.locks {
		if l.Expired(now) || l.HeartbeatAt.Before(staleBefore) {
			candidates = append(candidates, l)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Lock, 0, len(candidates))
	for _, l := range candidates {
		delete(m.locks, lockKey(l.EntityID, l.Stage))
		out = append(out, *l)
	}
	return out, nil
}

func (m *MemoryRepository) AcquireSlots(_ context.Context, slots []SlotLimit, ttl time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range slots {
		if m.liveCount(s.Key, now) >= s.Limit {
			return false, nil
		}
	}
	for _, s := range slots {
		m.slots[s.Key] = &memorySlot{count: m.liveCount(s.Key, now) + 1, expiresAt: now.Add(ttl)}
	}
	return true, nil
}

func (m *MemoryRepository) ReleaseSlots(_ context.Context, keys []string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		if s, ok := m.slots[k]; ok && now.Before(s.expiresAt) && s.count > 0 {
			s.count--
		}
	}
	return nil
}

func (m *MemoryRepository) SlotCount(_ context.Context, key string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCount(key, now), nil
}

func (m *MemoryRepository) liveCount(key string, now time.Time) int {
	s, ok := m.slots[key]
	if !ok || !now.Before(s.expiresAt) {
		return 0
	}
	return s.count
}
