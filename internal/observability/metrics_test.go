package observability

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	testMetrics     *Metrics
	testMetricsOnce sync.Once
)

// getTestMetrics returns a singleton metrics instance for all tests
// This prevents duplicate Prometheus registration errors since metrics
// are registered globally
func getTestMetrics() *Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = NewMetrics()
	})
	return testMetrics
}

func TestNewMetrics(t *testing.T) {
	metrics := getTestMetrics()
	assert.NotNil(t, metrics)
	assert.NotNil(t, metrics.DeviceOperationsTotal)
	assert.NotNil(t, metrics.CryptoOperationsTotal)
	assert.NotNil(t, metrics.ChainUpdatesIngested)
	assert.NotNil(t, metrics.ChainInvalidTotal)
	assert.NotNil(t, metrics.HTTPRequestsTotal)
	assert.NotNil(t, metrics.HTTPRequestDuration)
	assert.NotNil(t, metrics.PushConnectionsActive)
	assert.NotNil(t, metrics.FilesUploaded)
	assert.NotNil(t, metrics.FilesDownloaded)
}

func TestMetrics_IncrementDeviceOperations(t *testing.T) {
	metrics := getTestMetrics()

	metrics.DeviceOperationsTotal.WithLabelValues("create_topic", "ok").Inc()
	metrics.DeviceOperationsTotal.WithLabelValues("upload", "error").Inc()
}

func TestMetrics_RecordChainUpdates(t *testing.T) {
	metrics := getTestMetrics()

	metrics.ChainUpdatesIngested.WithLabelValues("verified").Inc()
	metrics.ChainUpdatesIngested.WithLabelValues("pending").Inc()
	metrics.ChainInvalidTotal.WithLabelValues("bad_fold").Inc()
}

func TestMetrics_SetPushConnectionsActive(t *testing.T) {
	metrics := getTestMetrics()

	metrics.PushConnectionsActive.WithLabelValues().Set(42)
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	metrics := getTestMetrics()

	metrics.HTTPRequestsTotal.WithLabelValues("POST", "/topic/message", "200").Inc()
	metrics.HTTPRequestDuration.WithLabelValues("POST", "/topic/message").Observe(100.0)
}
