// Package metrics exports guard observations to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-safeflow"
)

const (
	labelStage    = "stage"
	labelActivity = "activity"
	labelState    = "state"
	labelSignal   = "signal"
)

// Recorder implements flow.MetricsRecorder on top of Prometheus
// collectors. Collectors are registered with the registerer given to
// NewRecorder so tests can use a private registry.
type Recorder struct {
	StageLatency *prometheus.HistogramVec
	Signals      *prometheus.CounterVec
	Conflicts    *prometheus.CounterVec
}

type Option func(*config)

type config struct {
	namespace  string
	registerer prometheus.Registerer
	buckets    []float64
}

// WithNamespace prefixes every metric name.
func WithNamespace(ns string) Option {
	return func(c *config) {
		c.namespace = ns
	}
}

// WithRegisterer registers the collectors with r instead of the default
// registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *config) {
		if r != nil {
			c.registerer = r
		}
	}
}

func WithBuckets(buckets []float64) Option {
	return func(c *config) {
		if len(buckets) > 0 {
			c.buckets = buckets
		}
	}
}

// NewRecorder builds and registers the collectors.
func NewRecorder(opts ...Option) (*Recorder, error) {
	cfg := config{
		namespace:  "safeflow",
		registerer: prometheus.DefaultRegisterer,
		buckets:    []float64{0.001, 0.01, 0.1, 1, 5, 10, 60, 300, 3600},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	r := &Recorder{
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "stage_latency_seconds",
			Help:      "Time spent in a guard stage, by resulting state",
			Buckets:   cfg.buckets,
		}, []string{labelStage, labelActivity, labelState}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "signal_count",
			Help:      "Signals returned to the scheduler",
		}, []string{labelStage, labelActivity, labelSignal}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "sequence_conflict_count",
			Help:      "Lost compare-and-swap writes on the metadata store",
		}, []string{labelStage}),
	}

	for _, c := range []prometheus.Collector{r.StageLatency, r.Signals, r.Conflicts} {
		if err := cfg.registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ObserveStage(stage, activity string, state safeflow.ActivityState, duration time.Duration) {
	r.StageLatency.WithLabelValues(stage, activity, state.String()).Observe(duration.Seconds())
}

func (r *Recorder) CountSignal(stage, activity string, signal safeflow.Signal) {
	r.Signals.WithLabelValues(stage, activity, signal.String()).Inc()
}

func (r *Recorder) CountConflict(stage string) {
	r.Conflicts.WithLabelValues(stage).Inc()
}

// Reset clears every series.
func (r *Recorder) Reset() {
	r.StageLatency.Reset()
	r.Signals.Reset()
	r.Conflicts.Reset()
}
