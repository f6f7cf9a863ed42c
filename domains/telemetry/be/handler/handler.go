package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/domains/telemetry/be/repo"
	"github.com/Opetushallitus/varda-reporting/domains/telemetry/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/pagination"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
)

const (
	paramAfter        = "timestamp_after"
	paramBefore       = "timestamp_before"
	paramDateAfter    = "date_after"
	paramDateBefore   = "date_before"
	paramGroupBy      = "group_by"
	paramPrincipal    = "username"
	paramProviders    = "vakajarjestajat"
	paramSource       = "lahdejarjestelma"
	paramURL          = "request_url"
	paramCodes        = "response_code"
	paramValues       = "value"
	paramActive       = "active_organizations"
	paramCompanyType  = "company_type"
	paramServiceUsers = "service_accounts"
)

// groupNames maps the public group_by values to summary axes.
var groupNames = map[string]repo.Axis{
	"palvelukayttaja":  repo.AxisPrincipal,
	"organisaatio":     repo.AxisProvider,
	"lahdejarjestelma": repo.AxisSourceSystem,
	"url":              repo.AxisURL,
}

type Handler struct {
	svc    service.Service
	logger *zap.Logger
	pages  pagination.Limits
}

func New(svc service.Service, logger *zap.Logger, pages pagination.Limits) *Handler {
	if svc == nil {
		panic("telemetry service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger, pages: pages}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/tiedonsiirto/", h.logs)
	r.Get("/tiedonsiirto/yhteenveto/", h.summaries)
	r.Get("/transfer-outage/", h.outages)
}

type apiLog struct {
	ID             int64     `json:"id"`
	Method         string    `json:"request_method"`
	URL            string    `json:"request_url"`
	URLTemplate    string    `json:"request_url_template"`
	ResponseCode   int       `json:"response_code"`
	PrincipalID    string    `json:"username"`
	ProviderOID    string    `json:"vakajarjestaja_oid,omitempty"`
	SourceSystem   string    `json:"lahdejarjestelma,omitempty"`
	ServiceAccount bool      `json:"palvelukayttaja"`
	TargetKind     string    `json:"target_model,omitempty"`
	TargetID       string    `json:"target_id,omitempty"`
	CreatedAt      time.Time `json:"timestamp"`

	cursor repo.LogCursor
}

type apiSummary struct {
	Group        string           `json:"group"`
	Value        string           `json:"value"`
	Date         string           `json:"summary_date"`
	Successful   int64            `json:"successful"`
	Unsuccessful int64            `json:"unsuccessful"`
	Breakdown    []repo.Breakdown `json:"breakdown"`

	cursor repo.SummaryCursor
}

type apiOutage struct {
	Value               string     `json:"value"`
	LastSuccessfulMax   *time.Time `json:"last_successful_max"`
	LastUnsuccessfulMax *time.Time `json:"last_unsuccessful_max"`
}

func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	const op = "telemetry.logs"

	page, err := h.pages.Parse(r)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	filter, err := parseLogFilter(r)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	fp := pagination.Fingerprint(map[string]string{
		"principal": filter.PrincipalID,
		"providers": strings.Join(filter.ProviderOIDs, ","),
		"source":    filter.SourceSystem,
		"url":       filter.URLTemplate,
		"codes":     r.URL.Query().Get(paramCodes),
		"after":     r.URL.Query().Get(paramAfter),
		"before":    r.URL.Query().Get(paramBefore),
	})
	req := service.LogRequest{Filter: filter, Limit: page.Size + 1}
	if page.Cursor != "" {
		var after repo.LogCursor
		if err := pagination.Decode(page.Cursor, fp, &after); err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}
		req.After = &after
	}

	rows, err := h.svc.Logs(r.Context(), requesttrace.FromContextOrAnonymous(r.Context()), req)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	out := make([]apiLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, apiLog{
			ID:             row.ID,
			Method:         row.Method,
			URL:            row.URL,
			URLTemplate:    row.URLTemplate,
			ResponseCode:   row.ResponseCode,
			PrincipalID:    row.PrincipalID,
			ProviderOID:    row.ProviderOID,
			SourceSystem:   row.SourceSystem,
			ServiceAccount: row.ServiceAccount,
			TargetKind:     row.TargetKind,
			TargetID:       row.TargetID,
			CreatedAt:      row.CreatedAt,
			cursor:         row.Cursor(),
		})
	}
	body, err := pagination.Build(r, out, page.Size, fp, func(row apiLog) any { return row.cursor })
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, body)
}

func parseLogFilter(r *http.Request) (repo.LogFilter, error) {
	q := r.URL.Query()
	f := repo.LogFilter{
		PrincipalID:  strings.TrimSpace(q.Get(paramPrincipal)),
		ProviderOIDs: httpapi.SplitList(r, paramProviders),
		SourceSystem: strings.TrimSpace(q.Get(paramSource)),
		URLTemplate:  strings.TrimSpace(q.Get(paramURL)),
	}
	for _, raw := range httpapi.SplitList(r, paramCodes) {
		code, err := strconv.Atoi(raw)
		if err != nil || code < 100 || code > 599 {
			return repo.LogFilter{}, httpapi.Invalid(paramCodes, httpapi.CodeInvalidQueryParam)
		}
		f.ResponseCodes = append(f.ResponseCodes, code)
	}
	from, until, err := parseBounds(r, paramAfter, paramBefore, httpapi.ParseDateTime)
	if err != nil {
		return repo.LogFilter{}, err
	}
	f.From, f.Until = from, until
	return f, nil
}

// parseBounds reads an optional [lower, upper) range. An upper bound needs a lower one.
func parseBounds(r *http.Request, lower, upper string, parse func(*http.Request, string) (*time.Time, error)) (*time.Time, *time.Time, error) {
	from, err := parse(r, lower)
	if err != nil {
		return nil, nil, err
	}
	until, err := parse(r, upper)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case until != nil && from == nil:
		return nil, nil, httpapi.Invalid(upper, httpapi.CodeUpperWithoutLower)
	case until != nil && until.Before(*from):
		return nil, nil, httpapi.Invalid(upper, httpapi.CodeUpperBeforeLower)
	}
	return from, until, nil
}

func parseGroup(r *http.Request, allowed ...repo.Axis) (repo.Axis, error) {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(paramGroupBy)))
	if raw == "" {
		return repo.AxisProvider, nil
	}
	axis, ok := groupNames[raw]
	if !ok {
		return "", httpapi.Invalid(paramGroupBy, httpapi.CodeInvalidQueryParam)
	}
	for _, a := range allowed {
		if a == axis {
			return axis, nil
		}
	}
	return "", httpapi.Invalid(paramGroupBy, httpapi.CodeInvalidQueryParam)
}

func groupName(axis repo.Axis) string {
	for name, a := range groupNames {
		if a == axis {
			return name
		}
	}
	return string(axis)
}

func (h *Handler) summaries(w http.ResponseWriter, r *http.Request) {
	const op = "telemetry.summaries"

	page, err := h.pages.Parse(r)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	axis, err := parseGroup(r, repo.Axes()...)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	from, until, err := parseBounds(r, paramDateAfter, paramDateBefore, httpapi.ParseDate)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	filter := repo.SummaryFilter{Axis: axis, Values: httpapi.SplitList(r, paramValues), From: from, Until: until}
	fp := pagination.Fingerprint(map[string]string{
		"axis":   string(axis),
		"values": strings.Join(filter.Values, ","),
		"after":  r.URL.Query().Get(paramDateAfter),
		"before": r.URL.Query().Get(paramDateBefore),
	})
	req := service.SummaryRequest{Filter: filter, Limit: page.Size + 1}
	if page.Cursor != "" {
		var after repo.SummaryCursor
		if err := pagination.Decode(page.Cursor, fp, &after); err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}
		req.After = &after
	}

	rows, err := h.svc.Summaries(r.Context(), requesttrace.FromContextOrAnonymous(r.Context()), req)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	out := make([]apiSummary, 0, len(rows))
	for _, row := range rows {
		breakdown := row.Breakdown
		if breakdown == nil {
			breakdown = []repo.Breakdown{}
		}
		out = append(out, apiSummary{
			Group:        groupName(row.Axis),
			Value:        row.Value,
			Date:         row.Date.Format(time.DateOnly),
			Successful:   row.SuccessfulCount,
			Unsuccessful: row.UnsuccessfulCount,
			Breakdown:    breakdown,
			cursor:       row.Cursor(),
		})
	}
	body, err := pagination.Build(r, out, page.Size, fp, func(row apiSummary) any { return row.cursor })
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, body)
}

func (h *Handler) outages(w http.ResponseWriter, r *http.Request) {
	const op = "telemetry.outages"

	page, err := h.pages.Parse(r)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	filter, err := parseOutageFilter(r)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	q := r.URL.Query()
	fp := pagination.Fingerprint(map[string]string{
		"group":   string(filter.GroupBy),
		"before":  q.Get(paramBefore),
		"after":   q.Get(paramAfter),
		"active":  strconv.FormatBool(filter.ActiveOrganizations),
		"company": string(filter.CompanyType),
		"service": strconv.FormatBool(filter.ServiceAccounts),
	})
	req := service.OutageRequest{Filter: filter, Limit: page.Size + 1}
	if page.Cursor != "" {
		if err := pagination.Decode(page.Cursor, fp, &req.After); err != nil {
			httpapi.WriteError(w, r, h.logger, op, err)
			return
		}
	}

	rows, err := h.svc.Outages(r.Context(), requesttrace.FromContextOrAnonymous(r.Context()), req)
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	out := make([]apiOutage, 0, len(rows))
	for _, row := range rows {
		out = append(out, apiOutage{Value: row.Value, LastSuccessfulMax: row.LastSuccessfulMax, LastUnsuccessfulMax: row.LastUnsuccessfulMax})
	}
	body, err := pagination.Build(r, out, page.Size, fp, func(row apiOutage) any { return row.Value })
	if err != nil {
		httpapi.WriteError(w, r, h.logger, op, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, body)
}

func parseOutageFilter(r *http.Request) (repo.OutageFilter, error) {
	axis, err := parseGroup(r, repo.AxisPrincipal, repo.AxisProvider, repo.AxisSourceSystem)
	if err != nil {
		return repo.OutageFilter{}, err
	}
	before, err := httpapi.ParseDateTime(r, paramBefore)
	if err != nil {
		return repo.OutageFilter{}, err
	}
	after, err := httpapi.ParseDateTime(r, paramAfter)
	if err != nil {
		return repo.OutageFilter{}, err
	}
	if before != nil && after != nil && before.Before(*after) {
		return repo.OutageFilter{}, httpapi.Invalid(paramBefore, httpapi.CodeUpperBeforeLower)
	}
	active, err := httpapi.ParseBool(r, paramActive)
	if err != nil {
		return repo.OutageFilter{}, err
	}
	serviceAccounts, err := httpapi.ParseBool(r, paramServiceUsers)
	if err != nil {
		return repo.OutageFilter{}, err
	}

	f := repo.OutageFilter{GroupBy: axis, After: after, ActiveOrganizations: active, ServiceAccounts: serviceAccounts}
	if before != nil {
		f.Before = *before
	}
	switch company := repo.CompanyType(strings.ToLower(strings.TrimSpace(r.URL.Query().Get(paramCompanyType)))); company {
	case "", repo.CompanyMunicipal, repo.CompanyPrivate:
		f.CompanyType = company
	default:
		return repo.OutageFilter{}, httpapi.Invalid(paramCompanyType, httpapi.CodeInvalidQueryParam)
	}
	return f, nil
}
