package server

import (
	"strconv"
	"time"

	"github.com/rendezvous-labs/rendezvous/internal/observability"
)

// metricsRecorder adapts observability.Metrics's generic HTTP gauges to the
// reference server's middleware, so a nil *observability.Metrics (as in
// tests) simply turns metrics collection off.
type metricsRecorder struct {
	metrics *observability.Metrics
}

func newMetricsRecorder(m *observability.Metrics) *metricsRecorder {
	if m == nil {
		return nil
	}
	return &metricsRecorder{metrics: m}
}

func (m *metricsRecorder) observe(method, path string, status int, d time.Duration) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(float64(d.Milliseconds()))
}
