package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
	"github.com/zoff-tech/go-stageflow/pkg/store"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// countingDurable wraps the memory repository and counts durable reads.
type countingDurable struct {
	*store.MemoryRepository
	reads int
}

func (c *countingDurable) GetIdempotency(ctx context.Context, key string, now time.Time) (*store.IdempotencyRecord, error) {
	c.reads++
	return c.MemoryRepository.GetIdempotency(ctx, key, now)
}

func seed(t *testing.T, repo *store.MemoryRepository, key string, ttl time.Duration) store.TransitionResult {
	t.Helper()
	out, err := repo.ApplyTransition(context.Background(), &store.Transition{
		EntityID:       "e1",
		Target:         fsm.StateStage1Init,
		CreatedBy:      store.CreatedByAPI,
		Rules:          fsm.DefaultTable(),
		Entries:        []store.OutboxEntry{{ID: "o1", EntityID: "e1", QueueName: "stage1"}},
		Event:          store.AuditEvent{ID: "ev1", EntityID: "e1", EventType: "stage1_init"},
		IdempotencyKey: key,
		IdempotencyTTL: ttl,
		Now:            testNow,
	})
	require.NoError(t, err)
	return out.Result
}

func newMirror(t *testing.T) (*miniredis.Miniredis, *RedisMirror) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisMirror(client, "")
}

func TestCache_Miss(t *testing.T) {
	_, mirror := newMirror(t)
	c := New(store.NewMemoryRepository(), WithMirror(mirror, time.Hour), WithClock(func() time.Time { return testNow }))

	res, hit, err := c.Lookup(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Nil(t, res)
}

func TestCache_DurableHitPopulatesMirror(t *testing.T) {
	mr, mirror := newMirror(t)
	durable := &countingDurable{MemoryRepository: store.NewMemoryRepository()}
	want := seed(t, durable.MemoryRepository, "k1", 24*time.Hour)

	c := New(durable, WithMirror(mirror, time.Hour), WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	got, hit, err := c.Lookup(ctx, "k1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, want, *got)
	assert.Equal(t, 1, durable.reads)
	assert.Equal(t, time.Hour, mr.TTL(defaultKeyPrefix+"k1"), "mirror ttl is capped")

	got, hit, err = c.Lookup(ctx, "k1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, want, *got)
	assert.Equal(t, 1, durable.reads, "second lookup served from the mirror")
}

func TestCache_MirrorTTLNeverOutlivesRecord(t *testing.T) {
	mr, mirror := newMirror(t)
	repo := store.NewMemoryRepository()
	want := seed(t, repo, "k1", 10*time.Minute)

	c := New(repo, WithMirror(mirror, time.Hour), WithClock(func() time.Time { return testNow }))
	c.Remember(context.Background(), "k1", "e1", want, testNow.Add(10*time.Minute))
	assert.Equal(t, 10*time.Minute, mr.TTL(defaultKeyPrefix+"k1"))
}

func TestCache_ExpiredMirrorEntryIgnored(t *testing.T) {
	_, mirror := newMirror(t)
	repo := store.NewMemoryRepository()
	seed(t, repo, "k1", time.Minute)

	now := testNow
	c := New(repo, WithMirror(mirror, time.Hour), WithClock(func() time.Time { return now }))
	_, hit, err := c.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, hit)

	now = testNow.Add(time.Minute)
	_, hit, err = c.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, hit, "a record is dead once expires_at is reached")
}

func TestCache_MirrorOutageFallsBackToDurable(t *testing.T) {
	mr, mirror := newMirror(t)
	repo := store.NewMemoryRepository()
	want := seed(t, repo, "k1", time.Hour)
	mr.SetError("LOADING")

	c := New(repo, WithMirror(mirror, time.Hour), WithClock(func() time.Time { return testNow }))
	got, hit, err := c.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, want, *got)
}

func TestCache_WithoutMirror(t *testing.T) {
	repo := store.NewMemoryRepository()
	want := seed(t, repo, "k1", time.Hour)

	c := New(repo, WithClock(func() time.Time { return testNow }))
	c.Remember(context.Background(), "k1", "e1", want, testNow.Add(time.Hour))
	got, hit, err := c.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, want, *got)
}
