package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordProgress(1, 2, 3, 4)
		m.RecordReceived("PREPARE")
		m.RecordDropped("bad_signature")
		m.RecordFinalized(time.Second)
		m.RecordViewChange()
		m.RecordCheckpoint()
		m.RecordEquivocation()
		m.RecordOutOfSync()
		m.SetPeers(3)
	})
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordProgress(7, 100, 142, 50)
	m.RecordReceived("PREPARE")
	m.RecordReceived("PREPARE")
	m.RecordDropped("stale")
	m.RecordFinalized(20 * time.Millisecond)
	m.RecordViewChange()
	m.SetPeers(3)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.View))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.LowWatermark))
	assert.Equal(t, 142.0, testutil.ToFloat64(m.LastFinalized))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.LogSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("PREPARE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlocksFinalized))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ViewChanges))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Peers))
}

func TestSeparateRegistries(t *testing.T) {
	// Two engines in one process must not collide.
	require.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordCheckpoint()

	srv := NewServer(":0", reg, func() any {
		return map[string]uint64{"view": 3}
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pbft_stable_checkpoints_total 1"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]uint64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(3), got["view"])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "OK", rec.Body.String())
}
