package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zoff-tech/go-stageflow/pkg/broker"
	"github.com/zoff-tech/go-stageflow/pkg/config"
	"github.com/zoff-tech/go-stageflow/pkg/fsm"
	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/schema"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// flakyBroker fails the first failures publishes to each queue in failQueues.
type flakyBroker struct {
	*broker.MemoryBroker
	mu         sync.Mutex
	failures   int
	failQueues map[string]bool
	calls      map[string]int
}

func newFlakyBroker(failures int, queues ...string) *flakyBroker {
	fq := make(map[string]bool)
	for _, q := range queues {
		fq[q] = true
	}
	return &flakyBroker{MemoryBroker: broker.NewMemoryBroker(), failures: failures, failQueues: fq, calls: map[string]int{}}
}

func (f *flakyBroker) Publish(ctx context.Context, msg broker.Message) error {
	f.mu.Lock()
	f.calls[msg.Queue]++
	n := f.calls[msg.Queue]
	f.mu.Unlock()
	if f.failQueues[msg.Queue] && n <= f.failures {
		return fmt.Errorf("broker unavailable (%d)", n)
	}
	return f.MemoryBroker.Publish(ctx, msg)
}

func testSettings() config.ProcessorSettings {
	return config.ProcessorSettings{
		Pollers:         1,
		BatchSize:       10,
		PollInterval:    time.Millisecond,
		MaxPollInterval: 5 * time.Millisecond,
		MaxRetries:      5,
		Lease:           time.Minute,
	}
}

func seedEntry(t *testing.T, repo *store.MemoryRepository, id string) {
	t.Helper()
	_, err := repo.ApplyTransition(context.Background(), &store.Transition{
		EntityID:       "e-" + id,
		Target:         fsm.StateStage1Init,
		CreatedBy:      store.CreatedByAPI,
		Rules:          fsm.DefaultTable(),
		Entries:        []store.OutboxEntry{{ID: id, EntityID: "e-" + id, QueueName: "stage1", Payload: []byte(`{}`), Options: store.JobOptions{Headers: map[string]string{"lang": "en"}}}},
		Event:          store.AuditEvent{ID: "ev-" + id, EntityID: "e-" + id, EventType: "stage1_init"},
		IdempotencyKey: "k-" + id,
		IdempotencyTTL: time.Hour,
		Now:            testNow,
	})
	require.NoError(t, err)
}

func TestProcessBatch_RetriesUntilPublished(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository(store.WithClock(func() time.Time { return testNow }))
	seedEntry(t, repo, "o1")
	b := newFlakyBroker(2, "stage1")
	p := NewOutboxProcessor(repo, b, testSettings(), WithClock(func() time.Time { return testNow }))

	for i := 0; i < 3; i++ {
		n, err := p.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "poll %d", i+1)
	}

	e, err := repo.GetEntry(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, "broker unavailable (2)", e.LastError)
	assert.NotNil(t, e.ProcessedAt)
	assert.Nil(t, e.DeadLetteredAt)

	published := b.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "stage1", published[0].Queue)
	assert.Equal(t, "e-o1", published[0].Key)
	assert.Equal(t, "o1", published[0].Headers[schema.HeaderOutboxID])
	assert.Equal(t, "3", published[0].Headers[schema.HeaderDispatchAttempt])
	assert.Equal(t, "en", published[0].Headers["lang"])

	n, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "processed entries are not redelivered")
}

func TestProcessBatch_DeadLetters(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository(store.WithClock(func() time.Time { return testNow }))
	seedEntry(t, repo, "o1")
	b := newFlakyBroker(100, "stage1")
	cfg := testSettings()
	cfg.MaxRetries = 3
	cfg.DeadLetterTopic = "stageflow.dead"
	p := NewOutboxProcessor(repo, b, cfg, WithClock(func() time.Time { return testNow }))

	for i := 0; i < 5; i++ {
		_, err := p.ProcessBatch(ctx)
		require.NoError(t, err)
	}

	e, err := repo.GetEntry(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 3, e.Attempts)
	assert.NotNil(t, e.DeadLetteredAt, "flagged for operator attention, not dropped")
	assert.Nil(t, e.ProcessedAt)

	published := b.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "stageflow.dead", published[0].Queue)
	assert.Equal(t, "broker unavailable (3)", published[0].Headers[headerLastError])
}

func TestProcessBatch_FailureDelaysRetry(t *testing.T) {
	ctx := context.Background()
	now := testNow
	repo := store.NewMemoryRepository(store.WithClock(func() time.Time { return now }))
	seedEntry(t, repo, "o1")
	cfg := testSettings()
	cfg.RetryBackoff = time.Second
	p := NewOutboxProcessor(repo, newFlakyBroker(1, "stage1"), cfg, WithClock(func() time.Time { return now }))

	_, err := p.ProcessBatch(ctx)
	require.NoError(t, err)

	n, _ := p.ProcessBatch(ctx)
	assert.Zero(t, n, "entry waits out its retry backoff")

	now = now.Add(time.Second)
	n, _ = p.ProcessBatch(ctx)
	assert.Equal(t, 1, n)
}

func TestRetryDelay(t *testing.T) {
	p := NewOutboxProcessor(nil, nil, config.ProcessorSettings{RetryBackoff: time.Second})
	assert.Equal(t, time.Second, p.retryDelay(1))
	assert.Equal(t, 2*time.Second, p.retryDelay(2))
	assert.Equal(t, 8*time.Second, p.retryDelay(4))
	assert.Equal(t, maxRetryDelay, p.retryDelay(40))
}

type failingRepo struct{ store.OutBoxRepository }

func (failingRepo) FetchPending(context.Context, int, time.Duration) ([]store.OutboxEntry, error) {
	return nil, errors.New("connection refused")
}

func TestProcessBatch_FetchError(t *testing.T) {
	p := NewOutboxProcessor(failingRepo{}, broker.NewMemoryBroker(), testSettings())
	_, err := p.ProcessBatch(context.Background())
	assert.EqualError(t, err, "connection refused")
}

func TestProcessEvents_EventuallyPublishesEverything(t *testing.T) {
	repo := store.NewMemoryRepository()
	for i := 0; i < 5; i++ {
		_, err := repo.ApplyTransition(context.Background(), &store.Transition{
			EntityID:       fmt.Sprintf("e%d", i),
			Target:         fsm.StateStage1Init,
			CreatedBy:      store.CreatedByAPI,
			Rules:          fsm.DefaultTable(),
			Entries:        []store.OutboxEntry{{ID: fmt.Sprintf("o%d", i), EntityID: fmt.Sprintf("e%d", i), QueueName: "stage1"}},
			Event:          store.AuditEvent{ID: fmt.Sprintf("ev%d", i)},
			IdempotencyKey: fmt.Sprintf("k%d", i),
			IdempotencyTTL: time.Hour,
			Now:            time.Now(),
		})
		require.NoError(t, err)
	}
	b := newFlakyBroker(3, "stage1")
	cfg := testSettings()
	cfg.Pollers = 3
	cfg.BatchSize = 2
	p := NewOutboxProcessor(repo, b, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ProcessEvents(ctx) }()

	require.Eventually(t, func() bool {
		for _, e := range repo.Entries() {
			if e.ProcessedAt == nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pollers did not stop")
	}
	assert.Len(t, b.Published(), 5)
}

func TestDispatch_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := context.Background()
	repo := store.NewMemoryRepository(store.WithClock(func() time.Time { return testNow }))
	seedEntry(t, repo, "o1")
	p := NewOutboxProcessor(repo, newFlakyBroker(1, "stage1"), testSettings(), WithClock(func() time.Time { return testNow }))

	for i := 0; i < 2; i++ {
		_, err := p.ProcessBatch(ctx)
		require.NoError(t, err)
	}

	var spans []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "ProcessOutboxEntry" {
			spans = append(spans, s)
		}
	}
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.String("outbox.id", "o1"))
	assert.Contains(t, spans[1].Attributes(), attribute.Int("outbox.attempts", 1))
}
