package metrics

import (
	"errors"
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
	var instruments *Metrics
	instruments.RoomOpened()
	instruments.PeerJoined()
	instruments.MessageRelayed("update")
	instruments.SnapshotAttempt(errors.New("boom"))
	instruments.ObserveHTTP("GET", "/healthz", 200, time.Millisecond)
	assert.NotNil(t, instruments.Handler())
}

func TestMetricsRecordOutcomes(t *testing.T) {
	registry := prometheus.NewRegistry()
	instruments := NewWithRegistry(registry, registry)

	instruments.SnapshotAttempt(nil)
	instruments.SnapshotAttempt(errors.New("write failed"))
	instruments.SnapshotAttempt(nil)
	instruments.MessageDropped("buffer_full")
	instruments.RoomOpened()
	instruments.RoomOpened()
	instruments.RoomClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(instruments.snapshots.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(instruments.snapshots.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(instruments.messagesDropped.WithLabelValues("buffer_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(instruments.roomsActive))
}

func TestHandlerExposesRegisteredSeries(t *testing.T) {
	registry := prometheus.NewRegistry()
	instruments := NewWithRegistry(registry, registry)
	instruments.ObserveHTTP("POST", "/contracts/:id/snapshot", 201, 20*time.Millisecond)

	recorder := httptest.NewRecorder()
	instruments.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, recorder.Code)
	body := recorder.Body.String()
	assert.True(t, strings.Contains(body, `pactum_http_requests_total{code="201",method="POST",route="/contracts/:id/snapshot"} 1`), body)
}
