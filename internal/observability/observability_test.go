package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Readiness(t *testing.T) {
	h := NewHealthChecker()

	probe := func(handler http.HandlerFunc) (int, string) {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec.Code, body["status"].(string)
	}

	code, status := probe(h.ReadinessHandler)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", status)

	h.SetReady(true)
	code, status = probe(h.ReadinessHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", status)

	code, status = probe(h.LivenessHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", status)
}

func TestHealthChecker_ChecksGateReadiness(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(true)

	short := errors.New("custody holds 90 of 100")
	var failing bool
	h.AddCheck("postgres", func(context.Context) error { return nil })
	h.AddCheck("custody", func(context.Context) error {
		if failing {
			return short
		}
		return nil
	})

	ok, results := h.Status(context.Background())
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"postgres": "ok", "custody": "ok"}, results)

	failing = true
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, short.Error(), body.Checks["custody"])
	assert.Equal(t, "ok", body.Checks["postgres"])

	h.SetReady(false)
	failing = false
	ok, results = h.Status(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "pending", results["recovery"])
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLogLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLogLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel("verbose"))
}

func TestConfigureLogging_LevelApplies(t *testing.T) {
	closer := ConfigureLogging(LogConfig{Level: "error"})
	defer func() {
		require.NoError(t, closer.Close())
		ConfigureLogging(LogConfig{})
	}()
	assert.Equal(t, zerolog.ErrorLevel, NewLogger("engine").GetLevel())
}

func TestMetrics_ChannelUtilization(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 256, 1024)

	assert.Equal(t, 256.0, promtest.ToFloat64(m.ChannelSize.WithLabelValues("persist")))
	assert.Equal(t, 0.25, promtest.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))

	m.SetChannelMetrics("empty", 0, 0)
	assert.Equal(t, 0.0, promtest.ToFloat64(m.ChannelUtilization.WithLabelValues("empty")))
}
