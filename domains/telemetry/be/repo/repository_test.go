package repo

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence/pgtest"
)

func TestLogQueryBindsFilters(t *testing.T) {
	t.Parallel()

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	q := LogQuery(LogFilter{PrincipalID: "u1", ProviderOIDs: []string{"1.2.246.562.10.1"}, ResponseCodes: []int{500, 503}, From: &from})
	require.Contains(t, q.SQL, "l.principal_id = $1")
	require.Contains(t, q.SQL, "l.provider_oid = ANY($2)")
	require.Contains(t, q.SQL, "l.response_code = ANY($3)")
	require.Contains(t, q.SQL, "l.created_at >= $4")
	require.Contains(t, q.SQL, "o.id AS organization_id")
	require.Len(t, q.Args, 4)

	_, err := LogPageQuery(q, nil, 0)
	require.Error(t, err)
	page, err := LogPageQuery(q, &LogCursor{CreatedAt: from, ID: 3}, 11)
	require.NoError(t, err)
	require.Contains(t, page.SQL, "(r.created_at, r.id) < ($5, $6)")
	require.Contains(t, page.SQL, "LIMIT $7")
}

func TestOutageFilterValidation(t *testing.T) {
	t.Parallel()

	before := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	cases := []OutageFilter{
		{GroupBy: AxisURL, Before: before},
		{GroupBy: AxisProvider},
		{GroupBy: AxisProvider, Before: before, CompanyType: "valtiollinen"},
		{GroupBy: AxisProvider, Before: before, ActiveOrganizations: true},
	}
	for _, f := range cases {
		_, err := OutageQuery(f)
		require.Error(t, err, "%+v", f)
	}

	after := before.AddDate(0, -1, 0)
	f := OutageFilter{GroupBy: AxisSourceSystem, Before: before, After: &after, CompanyType: CompanyMunicipal}
	base, err := OutageQuery(f)
	require.NoError(t, err)
	require.Contains(t, base.SQL, "o.form_code = ANY($1)")
	page, err := OutagePageQuery(base, f, "kunta-app", 5)
	require.NoError(t, err)
	require.Contains(t, page.SQL, `r."source_system" > $2`)
	require.Contains(t, page.SQL, "MAX(r.last_successful) < $3")
	require.Contains(t, page.SQL, "MAX(r.last_successful) >= $4")
	require.Contains(t, page.SQL, "LIMIT $5")
}

func TestSummaryQueryRejectsUnknownAxis(t *testing.T) {
	t.Parallel()

	_, err := SummaryQuery(SummaryFilter{Axis: "tenant"})
	require.Error(t, err)
}

var (
	day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1  = day.Add(8 * time.Hour)
	t2  = day.Add(9 * time.Hour)
)

func request(principal, provider string, code int, at time.Time) Request {
	return Request{
		Method:       "GET",
		URL:          "/reporting/excel-reports/",
		URLTemplate:  "/reporting/excel-reports/",
		ResponseCode: code,
		PrincipalID:  principal,
		ProviderOID:  provider,
		At:           at,
	}
}

func seedTelemetry(t *testing.T) (*pgxpool.Pool, Store) {
	t.Helper()
	pool := pgtest.Pool(t)
	pgtest.Exec(t, pool, `INSERT INTO organization (id, oid, name, form_code, start_date, end_date) VALUES
		(1, '1.2.246.562.10.1', 'Kunta', '41', '2000-01-01', NULL),
		(2, '1.2.246.562.10.2', 'Yksityinen', '71', '2000-01-01', '2020-01-01')`)
	store := NewPostgresStore(persistence.NewDB(persistence.DBConfig{Pool: pool}))

	ctx := context.Background()
	first := request("u1", "1.2.246.562.10.1", 200, t1)
	first.SourceSystem = "kunta-app"
	failed := first
	failed.ResponseCode, failed.At = 500, t2
	earlier := first
	earlier.At = day.Add(7 * time.Hour)
	robot := request("u2", "", 404, t2)
	robot.ServiceAccount = true
	old := request("u3", "1.2.246.562.10.2", 200, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))

	for _, rec := range []Request{first, failed, earlier, robot, old} {
		require.NoError(t, store.Write(ctx, rec))
	}
	return pool, store
}

func summaries(t *testing.T, store Store, axis Axis) map[string]SummaryRow {
	t.Helper()
	q, err := SummaryQuery(SummaryFilter{Axis: axis, From: &day, Until: &day})
	require.NoError(t, err)
	q, err = SummaryPageQuery(q, nil, 100)
	require.NoError(t, err)
	rows, err := store.Summaries(context.Background(), q)
	require.NoError(t, err)
	out := map[string]SummaryRow{}
	for _, r := range rows {
		out[r.Value] = r
	}
	return out
}

func TestWriteAgainstPostgres(t *testing.T) {
	pool, store := seedTelemetry(t)
	ctx := context.Background()

	var ok, failed *time.Time
	var serviceAccount bool
	err := pool.QueryRow(ctx, `SELECT last_successful, last_unsuccessful, service_account FROM last_request
		WHERE principal_id = 'u1' AND provider_oid = '1.2.246.562.10.1' AND source_system = 'kunta-app'`).
		Scan(&ok, &failed, &serviceAccount)
	require.NoError(t, err)
	require.True(t, ok.Equal(t1), "an older success must not move the mark back")
	require.True(t, failed.Equal(t2))
	require.False(t, serviceAccount)

	principals := summaries(t, store, AxisPrincipal)
	require.Len(t, principals, 2)
	require.Equal(t, int64(2), principals["u1"].SuccessfulCount)
	require.Equal(t, int64(1), principals["u1"].UnsuccessfulCount)
	require.ElementsMatch(t, []Breakdown{
		{URLTemplate: "/reporting/excel-reports/", Method: "GET", ResponseCode: 200, Count: 2},
		{URLTemplate: "/reporting/excel-reports/", Method: "GET", ResponseCode: 500, Count: 1},
	}, principals["u1"].Breakdown)

	urls := summaries(t, store, AxisURL)
	require.Equal(t, int64(2), urls["/reporting/excel-reports/"].SuccessfulCount)
	require.Equal(t, int64(2), urls["/reporting/excel-reports/"].UnsuccessfulCount)

	sources := summaries(t, store, AxisSourceSystem)
	require.Len(t, sources, 1)
	require.Equal(t, int64(3), sources["kunta-app"].SuccessfulCount+sources["kunta-app"].UnsuccessfulCount)

	logs, err := LogPageQuery(LogQuery(LogFilter{PrincipalID: "u1"}), nil, 2)
	require.NoError(t, err)
	rows, err := store.Logs(ctx, logs)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 500, rows[0].ResponseCode)
	require.Equal(t, "kunta-app", rows[0].SourceSystem)
	require.True(t, rows[1].CreatedAt.Equal(t1))

	_, err = store.Logs(ctx, LogQuery(LogFilter{}))
	require.NoError(t, err)
	require.Error(t, store.Write(ctx, Request{At: t1}))
}

func TestRollupRebuildsWrittenCounts(t *testing.T) {
	pool, store := seedTelemetry(t)
	ctx := context.Background()

	before := summaries(t, store, AxisPrincipal)
	pgtest.Exec(t, pool, `UPDATE request_summary SET successful_count = 99 WHERE summary_date = '2024-03-01'`)

	for i := 0; i < 2; i++ {
		n, err := store.Rollup(ctx, t2)
		require.NoError(t, err)
		require.Equal(t, int64(5), n)
	}

	after := summaries(t, store, AxisPrincipal)
	require.Len(t, after, len(before))
	for value, row := range before {
		require.Equal(t, row.SuccessfulCount, after[value].SuccessfulCount, value)
		require.Equal(t, row.UnsuccessfulCount, after[value].UnsuccessfulCount, value)
		require.ElementsMatch(t, row.Breakdown, after[value].Breakdown, value)
	}

	var january int
	require.NoError(t, pool.QueryRow(ctx, `SELECT successful_count FROM request_summary
		WHERE axis = 'principal' AND axis_value = 'u3'`).Scan(&january))
	require.Equal(t, 1, january, "other days are left alone")
}

func outages(t *testing.T, store Store, f OutageFilter) []string {
	t.Helper()
	base, err := OutageQuery(f)
	require.NoError(t, err)
	q, err := OutagePageQuery(base, f, "", 10)
	require.NoError(t, err)
	rows, err := store.Outages(context.Background(), q)
	require.NoError(t, err)
	var values []string
	for _, r := range rows {
		values = append(values, r.Value)
	}
	return values
}

func TestOutagesAgainstPostgres(t *testing.T) {
	_, store := seedTelemetry(t)
	cutoff := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	require.Equal(t, []string{"1.2.246.562.10.2"}, outages(t, store, OutageFilter{GroupBy: AxisProvider, Before: cutoff}))
	require.Empty(t, outages(t, store, OutageFilter{GroupBy: AxisProvider, Before: cutoff, ActiveOrganizations: true, On: day}))
	require.Equal(t, []string{"1.2.246.562.10.2"}, outages(t, store, OutageFilter{GroupBy: AxisProvider, Before: cutoff, CompanyType: CompanyPrivate}))
	require.Empty(t, outages(t, store, OutageFilter{GroupBy: AxisProvider, Before: cutoff, CompanyType: CompanyMunicipal}))

	require.Equal(t, []string{"u2", "u3"}, outages(t, store, OutageFilter{GroupBy: AxisPrincipal, Before: cutoff}))
	require.Equal(t, []string{"u2"}, outages(t, store, OutageFilter{GroupBy: AxisPrincipal, Before: cutoff, ServiceAccounts: true}))

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, []string{"u3"}, outages(t, store, OutageFilter{GroupBy: AxisPrincipal, Before: cutoff, After: &since}))
	require.Empty(t, outages(t, store, OutageFilter{GroupBy: AxisSourceSystem, Before: cutoff}))
}
