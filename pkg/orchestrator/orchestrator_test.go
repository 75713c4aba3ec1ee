package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-stageflow/pkg/admission"
	"github.com/zoff-tech/go-stageflow/pkg/config"
	"github.com/zoff-tech/go-stageflow/pkg/fsm"
	"github.com/zoff-tech/go-stageflow/pkg/idempotency"
	"github.com/zoff-tech/go-stageflow/pkg/store"
	"github.com/zoff-tech/go-stageflow/schema"
)

func testSettings() config.OrchestratorSettings {
	return config.OrchestratorSettings{
		IdempotencyTTL: 24 * time.Hour,
		SagaAttempts:   3,
		SagaBackoff:    time.Millisecond,
		SlotTTL:        time.Hour,
		GlobalLimit:    100,
		DefaultLimit:   2,
		Tiers:          map[string]int{"pro": 5},
	}
}

type harness struct {
	repo *store.MemoryRepository
	adm  *admission.Controller
	orch *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mem := store.NewMemoryRepository()
	cfg := testSettings()
	adm := admission.NewController(mem, cfg.GlobalLimit, cfg.SlotTTL)
	return &harness{
		repo: mem,
		adm:  adm,
		orch: New(mem, idempotency.New(mem), adm, cfg, opts...),
	}
}

func (h *harness) inFlight(t *testing.T, principal string) int {
	t.Helper()
	n, err := h.adm.InFlight(context.Background(), principal)
	require.NoError(t, err)
	return n
}

func stage2Request(key string) Request {
	return Request{
		EntityID:       "course-1",
		Principal:      "user-A",
		IdempotencyKey: key,
		TargetState:    fsm.StateStage2Init,
		Jobs:           []JobSpec{{Queue: "stage2", Payload: []byte(`{"lesson":1}`)}},
	}
}

func TestInitiateStage_ConcurrentSameKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.orch.InitiateStage(ctx, stage2Request("key-abc"))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, fsm.StateStage2Init, results[0].State)
	assert.Equal(t, int64(1), results[0].Version)
	assert.Len(t, results[0].OutboxEntryIDs, 1)

	assert.Equal(t, 1, h.repo.AppliedTransitions())
	assert.Len(t, h.repo.Entries(), 1)
	events, _ := h.repo.ListEvents(ctx, "course-1", 0)
	assert.Len(t, events, 1)
	assert.Equal(t, 1, h.inFlight(t, "user-A"), "the replayed call gave its slot back")
}

func TestInitiateStage_ReplayAfterCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.InitiateStage(ctx, stage2Request("key-abc"))
	require.NoError(t, err)
	second, err := h.orch.InitiateStage(ctx, stage2Request("key-abc"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.repo.AppliedTransitions())
	assert.Equal(t, 1, h.inFlight(t, "user-A"), "a cache hit never takes a slot")
}

func TestInitiateStage_InvalidTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.InitiateStage(ctx, stage2Request("k1"))
	require.NoError(t, err)

	req := stage2Request("k2")
	req.TargetState = fsm.StateStage4Init
	_, err = h.orch.InitiateStage(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, 1, h.repo.AppliedTransitions())
	assert.Len(t, h.repo.Entries(), 1)
	events, _ := h.repo.ListEvents(ctx, "course-1", 0)
	assert.Len(t, events, 1)
	assert.Equal(t, 1, h.inFlight(t, "user-A"), "the rejected call released its slot")
}

func TestInitiateStage_ConcurrencyExceeded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		req := stage2Request(fmt.Sprintf("k%d", i))
		req.EntityID = fmt.Sprintf("course-%d", i)
		_, err := h.orch.InitiateStage(ctx, req)
		require.NoError(t, err)
	}

	req := stage2Request("k3")
	req.EntityID = "course-3"
	_, err := h.orch.InitiateStage(ctx, req)
	assert.ErrorIs(t, err, ErrConcurrencyExceeded)
	assert.Equal(t, 2, h.inFlight(t, "user-A"))
	_, err = h.repo.GetState(ctx, "course-3")
	assert.ErrorIs(t, err, store.ErrNotFound)

	req.Tier = "pro"
	_, err = h.orch.InitiateStage(ctx, req)
	assert.NoError(t, err, "tier limit applies")
}

// gatedRepo holds the first ApplyTransition until the third idempotency
// read, and lets that read through only once the transition has committed.
type gatedRepo struct {
	*store.MemoryRepository
	entered chan struct{}
	proceed chan struct{}
	applied chan struct{}
	once    sync.Once
	applies atomic.Int32
	reads   atomic.Int32
}

func newGatedRepo() *gatedRepo {
	return &gatedRepo{
		MemoryRepository: store.NewMemoryRepository(),
		entered:          make(chan struct{}),
		proceed:          make(chan struct{}),
		applied:          make(chan struct{}),
	}
}

func (g *gatedRepo) open() { g.once.Do(func() { close(g.proceed) }) }

func (g *gatedRepo) ApplyTransition(ctx context.Context, t *store.Transition) (*store.TransitionOutcome, error) {
	if g.applies.Add(1) != 1 {
		return g.MemoryRepository.ApplyTransition(ctx, t)
	}
	close(g.entered)
	<-g.proceed
	defer close(g.applied)
	return g.MemoryRepository.ApplyTransition(ctx, t)
}

func (g *gatedRepo) GetIdempotency(ctx context.Context, key string, now time.Time) (*store.IdempotencyRecord, error) {
	if g.reads.Add(1) == 3 {
		g.open()
		<-g.applied
	}
	return g.MemoryRepository.GetIdempotency(ctx, key, now)
}

func TestInitiateStage_SameKeyReplaysWhenLastSlotTaken(t *testing.T) {
	gated := newGatedRepo()
	t.Cleanup(gated.open)
	cfg := testSettings()
	cfg.DefaultLimit = 1
	cfg.SagaBackoff = 10 * time.Millisecond
	adm := admission.NewController(gated.MemoryRepository, cfg.GlobalLimit, cfg.SlotTTL)
	orch := New(gated, idempotency.New(gated), adm, cfg)
	ctx := context.Background()

	type outcome struct {
		res *Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := orch.InitiateStage(ctx, stage2Request("key-abc"))
		first <- outcome{res, err}
	}()

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first call never reached the store")
	}

	second, err := orch.InitiateStage(ctx, stage2Request("key-abc"))
	gated.open()
	require.NoError(t, err, "the holder of the only slot shares the key")

	var got outcome
	select {
	case got = <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first call did not finish")
	}
	require.NoError(t, got.err)
	assert.Equal(t, got.res, second)
	assert.Equal(t, int32(1), gated.applies.Load())
	assert.Equal(t, 1, gated.AppliedTransitions())

	n, err := adm.InFlight(ctx, "user-A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInitiateStage_JobEnvelope(t *testing.T) {
	ids := 0
	h := newHarness(t, WithIDGenerator(func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}))
	req := stage2Request("k1")
	req.Jobs[0].Options = store.JobOptions{Priority: 3, Headers: map[string]string{"lang": "en"}}

	res, err := h.orch.InitiateStage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-1"}, res.OutboxEntryIDs)

	entries := h.repo.Entries()
	require.Len(t, entries, 1)
	msg, err := schema.Decode(entries[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "id-1", msg.OutboxID)
	assert.Equal(t, "stage2_init", msg.Stage)
	assert.Equal(t, 1, msg.Attempt)
	assert.Equal(t, "user-A", msg.Principal)
	assert.True(t, msg.HoldsSlot)
	assert.Equal(t, 3, msg.Priority)
	assert.Equal(t, []byte(`{"lesson":1}`), msg.Payload)
	assert.Equal(t, "en", entries[0].Options.Headers["lang"])

	ev, err := h.repo.LatestEvent(context.Background(), "course-1")
	require.NoError(t, err)
	assert.Equal(t, "id-2", ev.ID)
	assert.Equal(t, store.CreatedByAPI, ev.CreatedBy)
}

func TestInitiateStage_ValidatesRequest(t *testing.T) {
	h := newHarness(t)
	for name, mutate := range map[string]func(*Request){
		"entity":    func(r *Request) { r.EntityID = "" },
		"key":       func(r *Request) { r.IdempotencyKey = "" },
		"target":    func(r *Request) { r.TargetState = fsm.StateNone },
		"principal": func(r *Request) { r.Principal = "" },
		"queue":     func(r *Request) { r.Jobs[0].Queue = "" },
	} {
		t.Run(name, func(t *testing.T) {
			req := stage2Request("k1")
			mutate(&req)
			_, err := h.orch.InitiateStage(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

type resolverFunc func(ctx context.Context, id string) (bool, error)

func (f resolverFunc) Exists(ctx context.Context, id string) (bool, error) { return f(ctx, id) }

func TestInitiateStage_UnknownEntity(t *testing.T) {
	h := newHarness(t, WithResolver(resolverFunc(func(context.Context, string) (bool, error) {
		return false, nil
	})))
	_, err := h.orch.InitiateStage(context.Background(), stage2Request("k1"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, h.inFlight(t, "user-A"))
}

// flakyRepo fails ApplyTransition with err for the first n calls.
type flakyRepo struct {
	*store.MemoryRepository
	n     int32
	err   error
	calls atomic.Int32
}

func (f *flakyRepo) ApplyTransition(ctx context.Context, t *store.Transition) (*store.TransitionOutcome, error) {
	if f.calls.Add(1) <= f.n {
		return nil, f.err
	}
	return f.MemoryRepository.ApplyTransition(ctx, t)
}

func transientErr() error {
	return fmt.Errorf("apply: %w: %w", store.ErrTransient, errors.New("could not serialize access"))
}

func TestInitiateStage_SagaRetriesTransientFailures(t *testing.T) {
	mem := store.NewMemoryRepository()
	flaky := &flakyRepo{MemoryRepository: mem, n: 2, err: transientErr()}
	cfg := testSettings()
	adm := admission.NewController(mem, cfg.GlobalLimit, cfg.SlotTTL)
	orch := New(flaky, idempotency.New(mem), adm, cfg)

	res, err := orch.InitiateStage(context.Background(), stage2Request("k1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, int32(3), flaky.calls.Load())
	n, _ := adm.InFlight(context.Background(), "user-A")
	assert.Equal(t, 1, n)
}

func TestInitiateStage_SagaExhaustionReleasesSlot(t *testing.T) {
	mem := store.NewMemoryRepository()
	flaky := &flakyRepo{MemoryRepository: mem, n: 10, err: transientErr()}
	cfg := testSettings()
	adm := admission.NewController(mem, cfg.GlobalLimit, cfg.SlotTTL)
	orch := New(flaky, idempotency.New(mem), adm, cfg)

	_, err := orch.InitiateStage(context.Background(), stage2Request("k1"))
	assert.ErrorIs(t, err, ErrTransientStore)
	assert.ErrorIs(t, err, store.ErrTransient)
	assert.Equal(t, int32(3), flaky.calls.Load())

	n, _ := adm.InFlight(context.Background(), "user-A")
	assert.Equal(t, 0, n)
	_, err = mem.GetState(context.Background(), "course-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInitiateStage_PermanentErrorNotRetried(t *testing.T) {
	mem := store.NewMemoryRepository()
	flaky := &flakyRepo{MemoryRepository: mem, n: 10, err: errors.New("disk full")}
	cfg := testSettings()
	orch := New(flaky, idempotency.New(mem), admission.NewController(mem, cfg.GlobalLimit, cfg.SlotTTL), cfg)

	_, err := orch.InitiateStage(context.Background(), stage2Request("k1"))
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, int32(1), flaky.calls.Load())
}

func TestInitiateStage_InheritedRunReleasesSlotAtTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.orch.InitiateStage(ctx, stage2Request("k1"))
	require.NoError(t, err)
	require.Equal(t, 1, h.inFlight(t, "user-A"))

	next := Request{
		EntityID:        "course-1",
		Principal:       "user-A",
		IdempotencyKey:  "k2",
		TargetState:     fsm.StateStage3Init,
		Jobs:            []JobSpec{{Queue: "stage3"}},
		CreatedBy:       store.CreatedByWorker,
		ExpectedVersion: first.Version,
		Admission:       AdmissionInherit,
		HoldsSlot:       true,
	}
	_, err = h.orch.InitiateStage(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 1, h.inFlight(t, "user-A"), "chaining keeps the slot")

	fail := next
	fail.IdempotencyKey = "k3"
	fail.TargetState = fsm.StateFailed
	fail.Jobs = nil
	fail.ExpectedVersion = 2
	_, err = h.orch.InitiateStage(ctx, fail)
	require.NoError(t, err)
	assert.Equal(t, 0, h.inFlight(t, "user-A"))

	_, err = h.orch.InitiateStage(ctx, fail)
	require.NoError(t, err)
	assert.Equal(t, 0, h.inFlight(t, "user-A"), "replay does not release twice")
}

func TestInitiateStage_StaleVersionRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.InitiateStage(ctx, stage2Request("k1"))
	require.NoError(t, err)

	req := stage2Request("k2")
	req.Admission = AdmissionInherit
	req.ExpectedVersion = 7
	_, err = h.orch.InitiateStage(ctx, req)
	assert.ErrorIs(t, err, store.ErrVersionMismatch)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Status(ctx, "course-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.orch.InitiateStage(ctx, stage2Request("k1"))
	require.NoError(t, err)
	require.NoError(t, h.orch.RequestCancel(ctx, "course-1"))

	report, err := h.orch.Status(ctx, "course-1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateStage2Init, report.State)
	assert.True(t, report.CancelRequested)
	require.NotNil(t, report.LastEvent)
	assert.Equal(t, "stage2_init", report.LastEvent.EventType)
	assert.Empty(t, report.Error)

	_, err = h.orch.InitiateStage(ctx, Request{
		EntityID:       "course-1",
		Principal:      "user-A",
		IdempotencyKey: "k2",
		TargetState:    fsm.StateFailed,
		CreatedBy:      store.CreatedByWorker,
		EventData:      []byte(`{"error":"converter crashed","attempt":3}`),
		Admission:      AdmissionInherit,
	})
	require.NoError(t, err)

	report, err = h.orch.Status(ctx, "course-1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateFailed, report.State)
	assert.Equal(t, "converter crashed", report.Error)
	assert.False(t, report.CancelRequested)
}
