package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-safeflow"
	"github.com/goliatone/go-safeflow/flow"
	"github.com/goliatone/go-safeflow/metrics"
)

var _ flow.MetricsRecorder = (*metrics.Recorder)(nil)

func TestRecorderCountsSignalsAndConflicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(metrics.WithRegisterer(reg))
	require.NoError(t, err)

	rec.CountSignal(flow.StageExec, "Alpha", safeflow.SignalRetry)
	rec.CountSignal(flow.StageExec, "Alpha", safeflow.SignalRetry)
	rec.CountSignal(flow.StagePost, "Alpha", safeflow.SignalContinue)
	rec.CountConflict(flow.StagePre)

	assert.Equal(t, float64(2), testutil.ToFloat64(rec.Signals.WithLabelValues("exec", "Alpha", "retry")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.Signals.WithLabelValues("post", "Alpha", "continue")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.Conflicts.WithLabelValues("pre")))

	rec.Reset()
	assert.Equal(t, 0, testutil.CollectAndCount(rec.Signals))
}

func TestRecorderObservesStageLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(metrics.WithRegisterer(reg), metrics.WithNamespace("test"))
	require.NoError(t, err)

	rec.ObserveStage(flow.StageExec, "Bravo", safeflow.StateCompleted, 250*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(rec.StageLatency, "test_stage_latency_seconds"))
}

func TestRecorderRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.NewRecorder(metrics.WithRegisterer(reg))
	require.NoError(t, err)

	_, err = metrics.NewRecorder(metrics.WithRegisterer(reg))
	assert.Error(t, err)
}
