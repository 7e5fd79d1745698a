package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/whisperlink/internal/registry"
)

type discardChannel struct{}

func (discardChannel) Send([]byte) error { return nil }

func TestMetricsObserveSessions(t *testing.T) {
	reg := registry.New()
	m := NewMetrics(reg)

	m.SessionOpened("alice")
	m.SessionOpened("bob")
	m.SessionRefused("alice")
	m.SessionClosed("bob")
	m.MessageRelayed(true)
	m.MessageRelayed(false)
	m.MessageRelayed(false)
	m.FrameRejected("undecodable")

	assert.InDelta(t, 2, testutil.ToFloat64(m.sessions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.refused), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.closed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.messages.WithLabelValues("true")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.messages.WithLabelValues("false")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rejected.WithLabelValues("undecodable")), 0)
}

func TestMetricsHandlerExposesGauges(t *testing.T) {
	reg := registry.New()
	require.True(t, reg.Reserve("alice", discardChannel{}))
	reg.Record(registry.NewMessage("alice", "bob", "hi", true, time.Now()))

	m := NewMetrics(reg)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "whisperlink_sessions_active 1")
	assert.Contains(t, rr.Body.String(), "whisperlink_transcript_entries 1")
}
