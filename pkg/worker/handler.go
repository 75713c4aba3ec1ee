package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
	"github.com/zoff-tech/go-stageflow/pkg/orchestrator"
)

// ErrCancelled is returned by Job.Checkpoint once cancellation was requested
// for the entity. Handlers return it (possibly wrapped) to stop early.
var ErrCancelled = errors.New("worker: cancellation requested")

// ErrStageBusy asks the broker to redeliver a job whose stage is leased by
// a different job.
var ErrStageBusy = errors.New("worker: stage leased by another job")

// Job is what a handler receives for one delivery.
type Job struct {
	OutboxID  string
	EntityID  string
	Stage     fsm.State
	Queue     string
	Attempt   int
	Principal string
	Tier      string
	Priority  int
	Headers   map[string]string
	Payload   []byte

	checkpoint func(context.Context) error
}

// Checkpoint reports ErrCancelled if the entity was flagged for
// cancellation since the job started. Long handlers should call it between
// expensive steps.
func (j Job) Checkpoint(ctx context.Context) error {
	if j.checkpoint == nil {
		return nil
	}
	return j.checkpoint(ctx)
}

// Outcome is a handler's verdict on a job that ran to completion.
type Outcome struct {
	Success bool
	// NextStage is the state to chain into on success. Empty completes the run.
	NextStage fsm.State
	// Jobs are enqueued atomically with NextStage.
	Jobs []orchestrator.JobSpec
	// Error and Retryable describe an unsuccessful outcome.
	Error     string
	Retryable bool
}

// Handler executes jobs from one queue. A returned error is treated as
// transient unless wrapped with Permanent.
type Handler interface {
	Execute(ctx context.Context, job Job) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) (Outcome, error)

func (f HandlerFunc) Execute(ctx context.Context, job Job) (Outcome, error) {
	return f(ctx, job)
}

// PermanentError marks a job failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the runtime fails the entity instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var target *PermanentError
	return errors.As(err, &target)
}

// Registry maps queue names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to queue. Registering a queue twice is an error.
func (r *Registry) Register(queue string, h Handler) error {
	if queue == "" || h == nil {
		return errors.New("worker: queue and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[queue]; ok {
		return fmt.Errorf("worker: handler for queue %q already registered", queue)
	}
	r.handlers[queue] = h
	return nil
}

func (r *Registry) Get(queue string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	return h, ok
}

// Queues lists the registered queue names, sorted.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for q := range r.handlers {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}
