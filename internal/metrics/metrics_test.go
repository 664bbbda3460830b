package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordMessage(OutcomeAnswered)
	m.RecordMessage(OutcomeAnswered)
	m.RecordMessage(OutcomeIgnored)
	m.RecordRetry()
	m.RecordShorten()
	m.RecordPrune()
	m.RecordIdleSpeak(OutcomeAnswered)
	m.SetSubscribers(3)
	m.ObserveGeneration(time.Second, nil)
	m.ObserveGeneration(time.Second, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues(OutcomeAnswered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues(OutcomeIgnored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShortenRequestsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionPrunesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdleSpeaksTotal.WithLabelValues(OutcomeAnswered)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OutboundSubscribers))
	assert.Equal(t, 2, testutil.CollectAndCount(m.GenerationDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMessage(OutcomeFailed)
		m.RecordRetry()
		m.RecordShorten()
		m.RecordPrune()
		m.RecordIdleSpeak(OutcomeFailed)
		m.SetSubscribers(1)
		m.ObserveGeneration(time.Second, nil)
	})
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	m := New()
	m.RecordMessage(OutcomeAnswered)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_messages_total{outcome="answered"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
