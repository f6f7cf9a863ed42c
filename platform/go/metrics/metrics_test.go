package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.CacheLookup(true)
	m.JobFinished("VUOSIRAPORTTI", "FINISHED", 1)
	m.UploadAttempt(false)
	m.FeedRowsEmitted("aloittaneet", "v1", 3)
	m.TelemetryDrop()
	m.Violations("VP003", 1)
	m.ObserveRequest("GET", "/x", "200", 0.1)
}

func TestCollectorsAreExposed(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.FeedRowsEmitted("aloittaneet", "v2", 5)

	require.Equal(t, 2.0, testutil.ToFloat64(m.AuthzCache.WithLabelValues("miss")))
	require.Equal(t, 5.0, testutil.ToFloat64(m.FeedRows.WithLabelValues("aloittaneet", "v2")))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "varda_reporting_authz_cache_lookups_total")
}
