package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectors(t *testing.T) {
	m := New()
	m.Refresh("schedule", nil)
	m.Refresh("schedule", errors.New("boom"))
	m.Refresh("livestream", nil)
	m.Notified("room")
	m.Notified("main")
	m.Notified("main")
	m.DispatchError("post")
	m.RecordSize(3)
	now := time.Unix(1760688000, 0)
	m.ScanDone(now.Add(-time.Second), now)

	out := scrape(t, m)
	assert.Contains(t, out, `confbot_refresh_total{result="ok",source="schedule"} 1`)
	assert.Contains(t, out, `confbot_refresh_total{result="error",source="schedule"} 1`)
	assert.Contains(t, out, `confbot_notifications_total{channel="main"} 2`)
	assert.Contains(t, out, `confbot_dispatch_errors_total{op="post"} 1`)
	assert.Contains(t, out, "confbot_notified_sessions 3")
	assert.Contains(t, out, "confbot_scan_duration_seconds_count 1")
	assert.Contains(t, out, "go_goroutines")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Refresh("schedule", nil)
		m.Notified("room")
		m.DispatchError("topic")
		m.RecordSize(1)
		m.ScanDone(time.Now(), time.Now())
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
