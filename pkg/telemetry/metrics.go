package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stageflow"

// Metrics holds the Prometheus collectors shared by every component. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Transitions     *prometheus.CounterVec
	Replays         *prometheus.CounterVec
	Admissions      *prometheus.CounterVec
	SagaRetries     prometheus.Counter
	LockAcquires    *prometheus.CounterVec
	OutboxDispatch  *prometheus.CounterVec
	OutboxBatchSize prometheus.Histogram
	Jobs            *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	Recovered       *prometheus.CounterVec
	Purged          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed state transitions by target state and creator.",
		}, []string{"target", "created_by"}),
		Replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_replays_total",
			Help:      "Requests answered from the idempotency cache, by tier.",
		}, []string{"tier"}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions.",
		}, []string{"result"}),
		SagaRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_retries_total",
			Help:      "Transaction attempts retried after a transient store failure.",
		}),
		LockAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Stage lock acquisition attempts.",
		}, []string{"result"}),
		OutboxDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dispatch_total",
			Help:      "Outbox entries handled by the processor.",
		}, []string{"result"}),
		OutboxBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_batch_size",
			Help:      "Entries claimed per poll.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs executed by the worker runtime.",
		}, []string{"queue", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"queue"}),
		Recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_locks_total",
			Help:      "Orphaned locks reclaimed by the recovery sweep, by action taken.",
		}, []string{"action"}),
		Purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_total",
			Help:      "Rows removed by the janitor.",
		}, []string{"table"}),
	}

	for _, c := range []prometheus.Collector{
		m.Transitions, m.Replays, m.Admissions, m.SagaRetries, m.LockAcquires,
		m.OutboxDispatch, m.OutboxBatchSize, m.Jobs, m.JobDuration, m.Recovered, m.Purged,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Transition(target, createdBy string) {
	if m != nil {
		m.Transitions.WithLabelValues(target, createdBy).Inc()
	}
}

func (m *Metrics) Replay(tier string) {
	if m != nil {
		m.Replays.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) Admission(admitted bool) {
	if m != nil {
		m.Admissions.WithLabelValues(result(admitted, "admitted", "rejected")).Inc()
	}
}

func (m *Metrics) SagaRetry() {
	if m != nil {
		m.SagaRetries.Inc()
	}
}

func (m *Metrics) LockAcquire(acquired bool) {
	if m != nil {
		m.LockAcquires.WithLabelValues(result(acquired, "acquired", "contended")).Inc()
	}
}

// Dispatch records an outbox outcome: published, failed or dead_lettered.
func (m *Metrics) Dispatch(outcome string) {
	if m != nil {
		m.OutboxDispatch.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Batch(n int) {
	if m != nil {
		m.OutboxBatchSize.Observe(float64(n))
	}
}

func (m *Metrics) Job(queue, outcome string, took time.Duration) {
	if m != nil {
		m.Jobs.WithLabelValues(queue, outcome).Inc()
		m.JobDuration.WithLabelValues(queue).Observe(took.Seconds())
	}
}

func (m *Metrics) Recovery(action string) {
	if m != nil {
		m.Recovered.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) Purge(table string, n int64) {
	if m != nil && n > 0 {
		m.Purged.WithLabelValues(table).Add(float64(n))
	}
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
