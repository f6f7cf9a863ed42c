package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Opetushallitus/varda-reporting/domains/telemetry/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/metrics"
	"github.com/Opetushallitus/varda-reporting/platform/go/middleware"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
)

type mockStore struct {
	writeFn     func(ctx context.Context, rec repo.Request) error
	rollupFn    func(ctx context.Context, day time.Time) (int64, error)
	logsFn      func(ctx context.Context, q sqlq.Query) ([]repo.LogRow, error)
	summariesFn func(ctx context.Context, q sqlq.Query) ([]repo.SummaryRow, error)
	outagesFn   func(ctx context.Context, q sqlq.Query) ([]repo.OutageRow, error)
}

func (m *mockStore) Write(ctx context.Context, rec repo.Request) error {
	if m.writeFn == nil {
		panic("writeFn not configured")
	}
	return m.writeFn(ctx, rec)
}

func (m *mockStore) Rollup(ctx context.Context, day time.Time) (int64, error) {
	if m.rollupFn == nil {
		panic("rollupFn not configured")
	}
	return m.rollupFn(ctx, day)
}

func (m *mockStore) Logs(ctx context.Context, q sqlq.Query) ([]repo.LogRow, error) {
	if m.logsFn == nil {
		panic("logsFn not configured")
	}
	return m.logsFn(ctx, q)
}

func (m *mockStore) Summaries(ctx context.Context, q sqlq.Query) ([]repo.SummaryRow, error) {
	if m.summariesFn == nil {
		panic("summariesFn not configured")
	}
	return m.summariesFn(ctx, q)
}

func (m *mockStore) Outages(ctx context.Context, q sqlq.Query) ([]repo.OutageRow, error) {
	if m.outagesFn == nil {
		panic("outagesFn not configured")
	}
	return m.outagesFn(ctx, q)
}

// recorder collects written requests.
type recorder struct {
	mu      sync.Mutex
	written []repo.Request
}

func (r *recorder) store(fail string) *mockStore {
	return &mockStore{writeFn: func(_ context.Context, rec repo.Request) error {
		if rec.PrincipalID == fail {
			return errors.New("connection reset")
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.written = append(r.written, rec)
		return nil
	}}
}

func (r *recorder) principals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.written))
	for _, rec := range r.written {
		out = append(out, rec.PrincipalID)
	}
	return out
}

func record(principal string) middleware.RequestRecord {
	return middleware.RequestRecord{
		Method:         "GET",
		URL:            "/reporting/excel-reports/?page_size=5",
		URLTemplate:    "/reporting/excel-reports/",
		ResponseCode:   200,
		PrincipalID:    principal,
		ServiceAccount: principal == "robot",
		At:             time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestSinkDropsWhenFull(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := metrics.New(prometheus.NewRegistry())
	sink := NewSink(SinkConfig{Store: rec.store(""), Buffer: 2, Metrics: m, Logger: zaptest.NewLogger(t)})

	sink.Record(record("u1"))
	sink.Record(record("robot"))
	sink.Record(record("u3"))
	require.Equal(t, float64(1), testutil.ToFloat64(m.TelemetryDropped))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sink.Run(ctx))
	require.Equal(t, []string{"u1", "robot"}, rec.principals())
	require.True(t, rec.written[1].ServiceAccount)
	require.Equal(t, "/reporting/excel-reports/", rec.written[0].URLTemplate)
}

func TestSinkKeepsRunningAfterWriteFailure(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sink := NewSink(SinkConfig{Store: rec.store("u1"), Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	sink.Record(record("u1"))
	sink.Record(record("u2"))
	require.Eventually(t, func() bool { return len(rec.principals()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []string{"u2"}, rec.principals())
}

func TestSinkNilMetrics(t *testing.T) {
	t.Parallel()

	sink := NewSink(SinkConfig{Store: (&recorder{}).store(""), Buffer: 1})
	sink.Record(record("u1"))
	require.NotPanics(t, func() { sink.Record(record("u2")) })
}
