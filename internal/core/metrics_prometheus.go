package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports operation counters and latency histograms.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers the herbtrace service collectors on reg.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	r := &PrometheusMetricsRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herbtrace",
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Service operations by outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "herbtrace",
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Service operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.operations.WithLabelValues(operation, outcome(success)).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}
