package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Ticks.Add(3)
	m.RecordReconcile(2, 5, 1, 6)
	m.UpdateReconcileLatency(1500 * time.Microsecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "overlay_ticks_total 3")
	assert.Contains(t, text, "overlay_detections_added_total 2")
	assert.Contains(t, text, "overlay_detections_updated_total 5")
	assert.Contains(t, text, "overlay_detections_removed_total 1")
	assert.Contains(t, text, "overlay_detections_displayed 6")
	assert.Contains(t, text, "overlay_reconcile_latency_us 1500")
}

func TestDecStopsAtZero(t *testing.T) {
	m := New()
	m.SSEClients.Add(1)
	Dec(&m.SSEClients)
	Dec(&m.SSEClients)
	assert.Equal(t, uint64(0), m.SSEClients.Load())
}
