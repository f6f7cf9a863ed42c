package repo

import (
	"errors"
	"fmt"
	"time"

	yrrepo "github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

// Every base query exposes organization_id, the registry id of the row's provider, so the
// authorization filter can narrow it.

// LogFilter selects request log rows. Empty fields do not filter.
type LogFilter struct {
	PrincipalID   string
	ProviderOIDs  []string
	SourceSystem  string
	URLTemplate   string
	ResponseCodes []int
	From          *time.Time
	Until         *time.Time
}

func LogQuery(f LogFilter) sqlq.Query {
	b := sqlq.New()
	var where sqlq.Where
	if f.PrincipalID != "" {
		where.Addf("l.principal_id = %s", b.Arg(f.PrincipalID))
	}
	if len(f.ProviderOIDs) > 0 {
		where.Addf("l.provider_oid = ANY(%s)", b.Arg(f.ProviderOIDs))
	}
	if f.SourceSystem != "" {
		where.Addf("l.source_system = %s", b.Arg(f.SourceSystem))
	}
	if f.URLTemplate != "" {
		where.Addf("l.url_template = %s", b.Arg(f.URLTemplate))
	}
	if len(f.ResponseCodes) > 0 {
		where.Addf("l.response_code = ANY(%s)", b.Arg(f.ResponseCodes))
	}
	if f.From != nil {
		where.Addf("l.created_at >= %s", b.Arg(*f.From))
	}
	if f.Until != nil {
		where.Addf("l.created_at < %s", b.Arg(*f.Until))
	}
	return b.Build(fmt.Sprintf(`SELECT l.id, l.method, l.url, l.url_template, l.response_code, l.principal_id,
       l.provider_oid, l.source_system, l.service_account, l.target_kind, l.target_id, l.created_at,
       o.id AS organization_id
FROM request_log l
LEFT JOIN organization o ON o.oid = l.provider_oid
%s`, where.SQL()))
}

// LogPageQuery orders filtered rows newest first and cuts one page after the cursor.
func LogPageQuery(filtered sqlq.Query, after *LogCursor, limit int) (sqlq.Query, error) {
	if limit <= 0 {
		return sqlq.Query{}, errors.New("page limit must be positive")
	}
	b := sqlq.From(filtered)
	var where sqlq.Where
	if after != nil {
		where.Addf("(r.created_at, r.id) < (%s, %s)", b.Arg(after.CreatedAt), b.Arg(after.ID))
	}
	return b.Build(fmt.Sprintf(`SELECT r.id, r.method, r.url, r.url_template, r.response_code, r.principal_id,
       r.provider_oid, r.source_system, r.service_account, r.target_kind, r.target_id, r.created_at
FROM (%s) r
%s
ORDER BY r.created_at DESC, r.id DESC
LIMIT %s`, filtered.SQL, where.SQL(), b.Arg(limit))), nil
}

// SummaryFilter selects the daily summaries of one axis.
type SummaryFilter struct {
	Axis   Axis
	Values []string
	From   *time.Time
	Until  *time.Time
}

func SummaryQuery(f SummaryFilter) (sqlq.Query, error) {
	if !f.Axis.Valid() {
		return sqlq.Query{}, fmt.Errorf("unknown summary axis %q", f.Axis)
	}
	b := sqlq.New()
	var where sqlq.Where
	where.Addf("s.axis = %s", b.Arg(string(f.Axis)))
	if len(f.Values) > 0 {
		where.Addf("s.axis_value = ANY(%s)", b.Arg(f.Values))
	}
	if f.From != nil {
		where.Addf("s.summary_date >= %s::date", b.Arg(temporal.Date(*f.From)))
	}
	if f.Until != nil {
		where.Addf("s.summary_date <= %s::date", b.Arg(temporal.Date(*f.Until)))
	}
	return b.Build(fmt.Sprintf(`SELECT s.id, s.axis, s.axis_value, s.summary_date, s.successful_count,
       s.unsuccessful_count, o.id AS organization_id
FROM request_summary s
LEFT JOIN organization o ON s.axis = 'provider' AND o.oid = s.axis_value
%s`, where.SQL())), nil
}

// SummaryPageQuery orders summaries by day, newest first, then by axis value.
func SummaryPageQuery(filtered sqlq.Query, after *SummaryCursor, limit int) (sqlq.Query, error) {
	if limit <= 0 {
		return sqlq.Query{}, errors.New("page limit must be positive")
	}
	b := sqlq.From(filtered)
	var where sqlq.Where
	if after != nil {
		d := b.Arg(temporal.Date(after.Date))
		where.Add(sqlq.Or(
			fmt.Sprintf("r.summary_date < %s::date", d),
			fmt.Sprintf("r.summary_date = %s::date AND (r.axis_value, r.id) > (%s, %s)", d, b.Arg(after.Value), b.Arg(after.ID)),
		))
	}
	return b.Build(fmt.Sprintf(`SELECT r.id, r.axis, r.axis_value, r.summary_date, r.successful_count, r.unsuccessful_count
FROM (%s) r
%s
ORDER BY r.summary_date DESC, r.axis_value, r.id
LIMIT %s`, filtered.SQL, where.SQL(), b.Arg(limit))), nil
}

// CompanyType narrows providers by company form.
type CompanyType string

const (
	CompanyMunicipal CompanyType = "kunnallinen"
	CompanyPrivate   CompanyType = "yksityinen"
)

// OutageFilter selects the LastRequest rows an outage report groups.
type OutageFilter struct {
	GroupBy Axis
	// Before is the instant the newest success of a group must precede.
	Before time.Time
	// After, when set, is the instant the newest success must not precede. Groups that never
	// succeeded are then excluded.
	After               *time.Time
	ServiceAccounts     bool
	ActiveOrganizations bool
	// On is the date providers are checked for activity on.
	On          time.Time
	CompanyType CompanyType
}

func (f OutageFilter) validate() error {
	switch f.GroupBy {
	case AxisPrincipal, AxisProvider, AxisSourceSystem:
	default:
		return fmt.Errorf("outages cannot be grouped by %q", f.GroupBy)
	}
	if f.Before.IsZero() {
		return errors.New("outage upper bound is required")
	}
	switch f.CompanyType {
	case "", CompanyMunicipal, CompanyPrivate:
	default:
		return fmt.Errorf("unknown company type %q", f.CompanyType)
	}
	if f.ActiveOrganizations && f.On.IsZero() {
		return errors.New("activity date is required")
	}
	return nil
}

// OutageQuery is the per-row base of an outage report.
func OutageQuery(f OutageFilter) (sqlq.Query, error) {
	if err := f.validate(); err != nil {
		return sqlq.Query{}, err
	}
	b := sqlq.New()
	var where sqlq.Where
	if f.ServiceAccounts {
		where.Add("lr.service_account")
	}
	if f.ActiveOrganizations {
		where.Addf("o.id IS NOT NULL AND (o.end_date IS NULL OR o.end_date >= %s::date)", b.Arg(temporal.Date(f.On)))
	}
	switch f.CompanyType {
	case CompanyMunicipal:
		where.Addf("o.form_code = ANY(%s)", b.Arg(yrrepo.MunicipalForms))
	case CompanyPrivate:
		where.Addf("o.id IS NOT NULL AND o.form_code <> ALL(%s)", b.Arg(yrrepo.MunicipalForms))
	}
	return b.Build(fmt.Sprintf(`SELECT lr.principal_id, lr.provider_oid, lr.source_system, lr.last_successful,
       lr.last_unsuccessful, o.id AS organization_id
FROM last_request lr
LEFT JOIN organization o ON o.oid = lr.provider_oid
%s`, where.SQL())), nil
}

// OutagePageQuery groups the filtered rows and keeps the groups whose newest success falls
// outside the window.
func OutagePageQuery(filtered sqlq.Query, f OutageFilter, after string, limit int) (sqlq.Query, error) {
	if err := f.validate(); err != nil {
		return sqlq.Query{}, err
	}
	if limit <= 0 {
		return sqlq.Query{}, errors.New("page limit must be positive")
	}
	col := "r." + sqlq.Ident(axisColumns[f.GroupBy])
	b := sqlq.From(filtered)

	var where sqlq.Where
	where.Addf("%s <> ''", col)
	if after != "" {
		where.Addf("%s > %s", col, b.Arg(after))
	}
	var having sqlq.Where
	having.Addf("MAX(r.last_successful) IS NULL OR MAX(r.last_successful) < %s", b.Arg(f.Before))
	if f.After != nil {
		having.Addf("MAX(r.last_successful) >= %s", b.Arg(*f.After))
	}
	return b.Build(fmt.Sprintf(`SELECT %[1]s AS value, MAX(r.last_successful), MAX(r.last_unsuccessful)
FROM (%[2]s) r
%[3]s
GROUP BY %[1]s
HAVING %[4]s
ORDER BY %[1]s
LIMIT %[5]s`, col, filtered.SQL, where.SQL(), having.Join(), b.Arg(limit))), nil
}
