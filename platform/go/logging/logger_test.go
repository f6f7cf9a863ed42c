package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerEmitsCloudSeverity(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewLogger(Config{Component: "report-worker", Level: "debug", EnvLabel: "dev", Output: &buf})
	require.NoError(t, err)

	logger.Warn("history chain broken", zap.Int64("id", 7))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "WARNING", entry["severity"])
	require.Equal(t, "report-worker", entry["component"])
	require.Equal(t, "dev", entry["env"])
	require.Equal(t, "history chain broken", entry["message"])
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := NewLogger(Config{Level: "loud"})
	require.Error(t, err)
}

func TestRequestLoggerStoresLoggerOnContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base, err := NewLogger(Config{Output: &buf})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(RequestLogger(base))
	router.Get("/reporting/excel-reports/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, ok := FromContext(r.Context())
		require.True(t, ok)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/reporting/excel-reports/12", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Contains(t, buf.String(), `"route":"/reporting/excel-reports/{id}"`)
	require.Contains(t, buf.String(), `"status":204`)
}

func TestFromContextOrFallsBack(t *testing.T) {
	t.Parallel()

	fallback := zap.NewNop()
	require.Same(t, fallback, FromContextOr(context.Background(), fallback))
}

func TestRequestLoggerQuietPathsAndServerErrors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base, err := NewLogger(Config{Output: &buf})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(RequestLogger(base, "/healthz"))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {})
	router.Get("/fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Empty(t, buf.String())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))
	require.Contains(t, buf.String(), `"severity":"ERROR"`)
	require.Contains(t, buf.String(), `"status":502`)
}
