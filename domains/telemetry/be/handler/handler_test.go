package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Opetushallitus/varda-reporting/domains/telemetry/be/repo"
	"github.com/Opetushallitus/varda-reporting/domains/telemetry/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/pagination"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
)

type mockService struct {
	logsFn      func(ctx context.Context, caller requesttrace.AuditInfo, req service.LogRequest) ([]repo.LogRow, error)
	summariesFn func(ctx context.Context, caller requesttrace.AuditInfo, req service.SummaryRequest) ([]repo.SummaryRow, error)
	outagesFn   func(ctx context.Context, caller requesttrace.AuditInfo, req service.OutageRequest) ([]repo.OutageRow, error)
}

func (m *mockService) Logs(ctx context.Context, caller requesttrace.AuditInfo, req service.LogRequest) ([]repo.LogRow, error) {
	if m.logsFn == nil {
		panic("logsFn not configured")
	}
	return m.logsFn(ctx, caller, req)
}

func (m *mockService) Summaries(ctx context.Context, caller requesttrace.AuditInfo, req service.SummaryRequest) ([]repo.SummaryRow, error) {
	if m.summariesFn == nil {
		panic("summariesFn not configured")
	}
	return m.summariesFn(ctx, caller, req)
}

func (m *mockService) Outages(ctx context.Context, caller requesttrace.AuditInfo, req service.OutageRequest) ([]repo.OutageRow, error) {
	if m.outagesFn == nil {
		panic("outagesFn not configured")
	}
	return m.outagesFn(ctx, caller, req)
}

func (m *mockService) Rollup(context.Context, time.Time) (int64, error) {
	panic("rollup is not served over HTTP")
}

func newRouter(t *testing.T, svc service.Service) http.Handler {
	t.Helper()
	h := New(svc, zaptest.NewLogger(t), pagination.Limits{Default: 2, Max: 10})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			caller := requesttrace.AuditInfo{ActorKind: requesttrace.ActorKindUser, PrincipalID: "paakayttaja"}
			next.ServeHTTP(w, req.WithContext(requesttrace.IntoContext(req.Context(), caller)))
		})
	})
	h.Register(r)
	return r
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

type page struct {
	Next    *string          `json:"next"`
	Results []map[string]any `json:"results"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) page {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

var at = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func logRow(id int64) repo.LogRow {
	return repo.LogRow{
		ID:           id,
		Method:       "GET",
		URL:          "/reporting/excel-reports/5/",
		URLTemplate:  "/reporting/excel-reports/{id}/",
		ResponseCode: 200,
		PrincipalID:  "kuntakayttaja",
		ProviderOID:  "1.2.246.562.10.1",
		CreatedAt:    at.Add(-time.Duration(id) * time.Minute),
	}
}

func TestLogsFiltersAndPages(t *testing.T) {
	t.Parallel()

	var requests []service.LogRequest
	svc := &mockService{logsFn: func(_ context.Context, caller requesttrace.AuditInfo, req service.LogRequest) ([]repo.LogRow, error) {
		require.Equal(t, "paakayttaja", caller.PrincipalID)
		requests = append(requests, req)
		return []repo.LogRow{logRow(1), logRow(2), logRow(3)}, nil
	}}
	router := newRouter(t, svc)

	p := decode(t, get(t, router, "/tiedonsiirto/?username=kuntakayttaja&vakajarjestajat=1.2.246.562.10.1,1.2.246.562.10.2&response_code=200,500&timestamp_after=2024-03-01"))
	require.Len(t, p.Results, 2)
	require.Equal(t, "/reporting/excel-reports/{id}/", p.Results[0]["request_url_template"])
	require.Equal(t, false, p.Results[0]["palvelukayttaja"])
	require.NotContains(t, p.Results[0], "lahdejarjestelma")

	f := requests[0].Filter
	require.Equal(t, "kuntakayttaja", f.PrincipalID)
	require.Equal(t, []string{"1.2.246.562.10.1", "1.2.246.562.10.2"}, f.ProviderOIDs)
	require.Equal(t, []int{200, 500}, f.ResponseCodes)
	require.True(t, f.From.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.Nil(t, f.Until)
	require.Equal(t, 3, requests[0].Limit)

	require.NotNil(t, p.Next)
	decode(t, get(t, router, *p.Next))
	require.Equal(t, int64(2), requests[1].After.ID)
	require.True(t, requests[1].After.CreatedAt.Equal(logRow(2).CreatedAt))

	next, err := url.Parse(*p.Next)
	require.NoError(t, err)
	q := next.Query()
	q.Set("username", "toinen")
	rec := get(t, router, "/tiedonsiirto/?"+q.Encode())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), httpapi.CodeInvalidCursor)
}

func TestLogsRejectBadParameters(t *testing.T) {
	t.Parallel()

	router := newRouter(t, &mockService{})
	cases := map[string]string{
		"/tiedonsiirto/?response_code=abc":                                                 httpapi.CodeInvalidQueryParam,
		"/tiedonsiirto/?response_code=700":                                                 httpapi.CodeInvalidQueryParam,
		"/tiedonsiirto/?timestamp_after=eilen":                                             httpapi.CodeInvalidDate,
		"/tiedonsiirto/?timestamp_before=2024-03-01":                                       httpapi.CodeUpperWithoutLower,
		"/tiedonsiirto/?timestamp_after=2024-03-02&timestamp_before=2024-03-01T10:00:00Z": httpapi.CodeUpperBeforeLower,
	}
	for target, code := range cases {
		rec := get(t, router, target)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
		require.Contains(t, rec.Body.String(), code, target)
	}
}

func TestLogsHiddenFromCallersWithoutScope(t *testing.T) {
	t.Parallel()

	svc := &mockService{logsFn: func(context.Context, requesttrace.AuditInfo, service.LogRequest) ([]repo.LogRow, error) {
		return nil, service.ErrNotFound
	}}
	require.Equal(t, http.StatusNotFound, get(t, newRouter(t, svc), "/tiedonsiirto/").Code)
}

func TestSummariesGroupAndBreakdown(t *testing.T) {
	t.Parallel()

	var got service.SummaryRequest
	svc := &mockService{summariesFn: func(_ context.Context, _ requesttrace.AuditInfo, req service.SummaryRequest) ([]repo.SummaryRow, error) {
		got = req
		return []repo.SummaryRow{
			{ID: 1, Axis: repo.AxisSourceSystem, Value: "kunta-app", Date: at, SuccessfulCount: 3, UnsuccessfulCount: 1,
				Breakdown: []repo.Breakdown{{URLTemplate: "/reporting/excel-reports/", Method: "POST", ResponseCode: 201, Count: 3}}},
			{ID: 2, Axis: repo.AxisSourceSystem, Value: "pk-app", Date: at},
		}, nil
	}}

	p := decode(t, get(t, newRouter(t, svc), "/tiedonsiirto/yhteenveto/?group_by=Lahdejarjestelma&date_after=2024-03-01&date_before=2024-03-01"))
	require.Equal(t, repo.AxisSourceSystem, got.Filter.Axis)
	require.True(t, got.Filter.From.Equal(*got.Filter.Until))
	require.Nil(t, p.Next)
	require.Len(t, p.Results, 2)
	require.Equal(t, "lahdejarjestelma", p.Results[0]["group"])
	require.Equal(t, "2024-03-01", p.Results[0]["summary_date"])
	require.Equal(t, float64(3), p.Results[0]["successful"])
	breakdown := p.Results[0]["breakdown"].([]any)
	require.Equal(t, "POST", breakdown[0].(map[string]any)["request_method"])
	require.Equal(t, []any{}, p.Results[1]["breakdown"])
}

func TestSummariesDefaultToProviders(t *testing.T) {
	t.Parallel()

	var got service.SummaryRequest
	svc := &mockService{summariesFn: func(_ context.Context, _ requesttrace.AuditInfo, req service.SummaryRequest) ([]repo.SummaryRow, error) {
		got = req
		return nil, nil
	}}
	router := newRouter(t, svc)
	decode(t, get(t, router, "/tiedonsiirto/yhteenveto/?value=1.2.246.562.10.1"))
	require.Equal(t, repo.AxisProvider, got.Filter.Axis)
	require.Equal(t, []string{"1.2.246.562.10.1"}, got.Filter.Values)

	rec := get(t, router, "/tiedonsiirto/yhteenveto/?group_by=kunta")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), httpapi.CodeInvalidQueryParam)
}

func TestOutages(t *testing.T) {
	t.Parallel()

	var requests []service.OutageRequest
	svc := &mockService{outagesFn: func(_ context.Context, _ requesttrace.AuditInfo, req service.OutageRequest) ([]repo.OutageRow, error) {
		requests = append(requests, req)
		return []repo.OutageRow{{Value: "u2"}, {Value: "u3", LastSuccessfulMax: &at}, {Value: "u4"}}, nil
	}}
	router := newRouter(t, svc)

	p := decode(t, get(t, router, "/transfer-outage/?group_by=palvelukayttaja&timestamp_before=2024-03-01&service_accounts=true&company_type=Yksityinen"))
	require.Len(t, p.Results, 2)
	require.Nil(t, p.Results[0]["last_successful_max"])
	require.Equal(t, "2024-03-01T08:00:00Z", p.Results[1]["last_successful_max"])

	f := requests[0].Filter
	require.Equal(t, repo.AxisPrincipal, f.GroupBy)
	require.True(t, f.ServiceAccounts)
	require.False(t, f.ActiveOrganizations)
	require.Equal(t, repo.CompanyPrivate, f.CompanyType)
	require.True(t, f.Before.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.Nil(t, f.After)

	require.NotNil(t, p.Next)
	decode(t, get(t, router, *p.Next))
	require.Equal(t, "u3", requests[1].After)
}

func TestOutagesRejectBadParameters(t *testing.T) {
	t.Parallel()

	router := newRouter(t, &mockService{})
	cases := map[string]string{
		"/transfer-outage/?group_by=url":                                                     httpapi.CodeInvalidQueryParam,
		"/transfer-outage/?company_type=valtio":                                              httpapi.CodeInvalidQueryParam,
		"/transfer-outage/?active_organizations=joo":                                         httpapi.CodeInvalidQueryParam,
		"/transfer-outage/?timestamp_after=2024-03-02&timestamp_before=2024-03-01T00:00:00Z": httpapi.CodeUpperBeforeLower,
	}
	for target, code := range cases {
		rec := get(t, router, target)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
		require.Contains(t, rec.Body.String(), code, target)
	}
}
