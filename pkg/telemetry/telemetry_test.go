package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/go-stageflow/pkg/config"
)

func TestInit_RequiresServiceName(t *testing.T) {
	_, err := Init(config.Observability{})
	assert.EqualError(t, err, "service name cannot be empty")
}

func TestInit_WithoutExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Init(config.Observability{ServiceName: "stageflow-test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.Transition("stage1_init", "API")
	m.Transition("stage1_init", "API")
	m.Admission(false)
	m.Dispatch("dead_lettered")
	m.Job("stage1", "success", 150*time.Millisecond)
	m.Purge("outbox_entries", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("stage1_init", "API")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxDispatch.WithLabelValues("dead_lettered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Jobs.WithLabelValues("stage1", "success")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.Purged))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("a", "b")
		m.Replay("durable")
		m.LockAcquire(true)
		m.Recovery("requeued")
	})
}
