package repo

import (
	"errors"
	"fmt"
	"time"

	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

// MunicipalForms are the company form codes of municipalities and joint municipal authorities.
// Only these providers report support data.
var MunicipalForms = []string{"41", "42"}

// Params pins a report to a snapshot instant and a statistical date.
type Params struct {
	// At is the instant whose revisions are visible.
	At time.Time
	// On is the statistical date membership is evaluated on.
	On time.Time
	// ProviderOID narrows the report to one provider when set.
	ProviderOID string
}

func (p Params) Validate() error {
	if p.At.IsZero() || p.On.IsZero() {
		return errors.New("yearly report requires a snapshot instant and a statistical date")
	}
	return nil
}

// Aggregation is one grouped query. The first Keys columns are text dimension keys where NULL
// means all, the remaining columns are bigint measures.
type Aggregation struct {
	Name  string
	Query sqlq.Query
	Keys  int
}

// Membership query names. Every membership query yields (id, owner_id) and is filtered by the
// caller on the column named by its MemberSpec.
const (
	MembersDecisions   = "decisions"
	MembersSites       = "sites"
	MembersProviders   = "providers"
	MembersEmployments = "employments"
)

// MemberSpec describes how to authorize a membership query.
type MemberSpec struct {
	Name   string
	Kind   temporal.Kind
	Column string
	Query  sqlq.Query
}

// providerMatch renders a predicate on a provider id expression matching p.ProviderOID, or TRUE.
func providerMatch(b *sqlq.Builder, p Params, idExprs ...string) (string, error) {
	if p.ProviderOID == "" {
		return "TRUE", nil
	}
	orgs, err := temporal.SnapshotAt(b, temporal.KindOrganization, temporal.SnapshotOptions{At: p.At})
	if err != nil {
		return "", err
	}
	conds := make([]string, 0, len(idExprs))
	oid := b.Arg(p.ProviderOID)
	for _, expr := range idExprs {
		conds = append(conds, fmt.Sprintf("po.id = %s", expr))
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM (%s) po WHERE po.oid = %s AND %s)", orgs, oid, sqlq.Or(conds...)), nil
}

// DecisionMembers lists decisions valid on the statistical date that have an assignment valid on
// the same date, paired with their child. Cross-purchase children belong to both providers.
func DecisionMembers(p Params) (MemberSpec, error) {
	if err := p.Validate(); err != nil {
		return MemberSpec{}, err
	}
	b := sqlq.New()
	on := p.On
	decisions, err := temporal.SnapshotAt(b, temporal.KindDecision, temporal.SnapshotOptions{At: p.At, On: &on})
	if err != nil {
		return MemberSpec{}, err
	}
	assignments, err := temporal.SnapshotAt(b, temporal.KindAssignment, temporal.SnapshotOptions{At: p.At, On: &on})
	if err != nil {
		return MemberSpec{}, err
	}
	children, err := temporal.SnapshotAt(b, temporal.KindChild, temporal.SnapshotOptions{At: p.At})
	if err != nil {
		return MemberSpec{}, err
	}
	provider, err := providerMatch(b, p, "c.provider_id", "c.own_provider_id", "c.external_provider_id")
	if err != nil {
		return MemberSpec{}, err
	}

	q := b.Build(fmt.Sprintf(`SELECT DISTINCT d.id, d.child_id AS owner_id
FROM (%s) d
JOIN (%s) c ON c.id = d.child_id
WHERE EXISTS (SELECT 1 FROM (%s) a WHERE a.decision_id = d.id)
  AND %s`, decisions, children, assignments, provider))
	return MemberSpec{Name: MembersDecisions, Kind: temporal.KindChild, Column: "owner_id", Query: q}, nil
}

// SiteMembers lists sites valid on the statistical date with their provider.
func SiteMembers(p Params) (MemberSpec, error) {
	if err := p.Validate(); err != nil {
		return MemberSpec{}, err
	}
	b := sqlq.New()
	on := p.On
	sites, err := temporal.SnapshotAt(b, temporal.KindSite, temporal.SnapshotOptions{At: p.At, On: &on})
	if err != nil {
		return MemberSpec{}, err
	}
	provider, err := providerMatch(b, p, "s.provider_id")
	if err != nil {
		return MemberSpec{}, err
	}
	q := b.Build(fmt.Sprintf(`SELECT s.id, s.provider_id AS owner_id FROM (%s) s WHERE %s`, sites, provider))
	return MemberSpec{Name: MembersSites, Kind: temporal.KindSite, Column: "id", Query: q}, nil
}

// ProviderMembers lists providers valid on the statistical date.
func ProviderMembers(p Params) (MemberSpec, error) {
	if err := p.Validate(); err != nil {
		return MemberSpec{}, err
	}
	b := sqlq.New()
	on := p.On
	orgs, err := temporal.SnapshotAt(b, temporal.KindOrganization, temporal.SnapshotOptions{At: p.At, On: &on})
	if err != nil {
		return MemberSpec{}, err
	}
	var where sqlq.Where
	if p.ProviderOID != "" {
		where.Addf("o.oid = %s", b.Arg(p.ProviderOID))
	}
	q := b.Build(fmt.Sprintf(`SELECT o.id, o.id AS owner_id FROM (%s) o %s`, orgs, where.SQL()))
	return MemberSpec{Name: MembersProviders, Kind: temporal.KindOrganization, Column: "id", Query: q}, nil
}

// EmploymentMembers lists employments valid on the statistical date with their employee.
func EmploymentMembers(p Params) (MemberSpec, error) {
	if err := p.Validate(); err != nil {
		return MemberSpec{}, err
	}
	b := sqlq.New()
	on := p.On
	employments, err := temporal.SnapshotAt(b, temporal.KindEmployment, temporal.SnapshotOptions{At: p.At, On: &on})
	if err != nil {
		return MemberSpec{}, err
	}
	employees, err := temporal.SnapshotAt(b, temporal.KindEmployee, temporal.SnapshotOptions{At: p.At})
	if err != nil {
		return MemberSpec{}, err
	}
	provider, err := providerMatch(b, p, "e.provider_id")
	if err != nil {
		return MemberSpec{}, err
	}
	q := b.Build(fmt.Sprintf(`SELECT em.id, em.employee_id AS owner_id
FROM (%s) em
JOIN (%s) e ON e.id = em.employee_id
WHERE %s`, employments, employees, provider))
	return MemberSpec{Name: MembersEmployments, Kind: temporal.KindEmployee, Column: "owner_id", Query: q}, nil
}

// MemberQuery selects the authorized membership in id order.
func MemberQuery(filtered sqlq.Query) sqlq.Query {
	b := sqlq.From(filtered)
	return b.Build(fmt.Sprintf("SELECT DISTINCT m.id, m.owner_id FROM (%s) m ORDER BY m.id, m.owner_id", filtered.SQL))
}

// Aggregation names.
const (
	AggChildCare   = "child_care"
	AggFees        = "fees"
	AggSites       = "sites"
	AggLinguistic  = "linguistic_emphasis"
	AggFunctional  = "functional_emphasis"
	AggSupport     = "support"
	AggEmployees   = "employees"
	AggTitles      = "titles"
	AggEmployments = "employments"
	AggLeased      = "leased"
	AggTemporary   = "temporary"
)

func ids(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

// ChildCareAggregation groups assignments of member decisions by cross-purchase and operating
// mode. Measures: persons, children, part-day, full-day, shift care, assignments, decisions.
func ChildCareAggregation(p Params, decisionIDs []int64) (Aggregation, error) {
	b := sqlq.New()
	on := p.On
	decisions, err := temporal.SnapshotAt(b, temporal.KindDecision, temporal.SnapshotOptions{At: p.At, IDs: ids(decisionIDs)})
	if err != nil {
		return Aggregation{}, err
	}
	assignments, err := temporal.SnapshotAt(b, temporal.KindAssignment, temporal.SnapshotOptions{At: p.At, On: &on})
	if err != nil {
		return Aggregation{}, err
	}
	children, err := temporal.SnapshotAt(b, temporal.KindChild, temporal.SnapshotOptions{At: p.At})
	if err != nil {
		return Aggregation{}, err
	}
	sites, err := temporal.SnapshotAt(b, temporal.KindSite, temporal.SnapshotOptions{At: p.At})
	if err != nil {
		return Aggregation{}, err
	}
	members := b.Arg(ids(decisionIDs))

	q := b.Build(fmt.Sprintf(`SELECT c.cross_purchase::text, lower(s.operating_mode_code),
    count(DISTINCT c.person_id),
    count(DISTINCT c.id),
    count(DISTINCT d.id) FILTER (WHERE NOT d.full_day),
    count(DISTINCT d.id) FILTER (WHERE d.full_day),
    count(DISTINCT d.id) FILTER (WHERE d.shift_care),
    count(DISTINCT a.id),
    count(DISTINCT d.id)
FROM (%s) a
JOIN (%s) d ON d.id = a.decision_id
JOIN (%s) c ON c.id = d.child_id
JOIN (%s) s ON s.id = a.site_id
WHERE a.decision_id = ANY(%s)
GROUP BY GROUPING SETS ((), (c.cross_purchase), (lower(s.operating_mode_code)), (c.cross_purchase, lower(s.operating_mode_code)))`,
		assignments, decisions, children, sites, members))
	return Aggregation{Name: AggChildCare, Query: q, Keys: 2}, nil
}

// FeeAggregation counts fees valid on the statistical date per cross-purchase and fee basis.
func FeeAggregation(p Params, childIDs []int64) (Aggregation, error) {
	b := sqlq.New()
	on := p.On
	fees, err := temporal.SnapshotAt(b, temporal.KindFee, temporal.SnapshotOptions{At: p.At, On: &on})
	if err != nil {
		return Aggregation{}, err
	}
	children, err := temporal.SnapshotAt(b, temporal.KindChild, temporal.SnapshotOptions{At: p.At, IDs: ids(childIDs)})
	if err != nil {
		return Aggregation{}, err
	}
	members := b.Arg(ids(childIDs))

	q := b.Build(fmt.Sprintf(`SELECT c.cross_purchase::text, lower(f.basis_code), count(DISTINCT f.id)
FROM (%s) f
JOIN (%s) c ON c.id = f.child_id
WHERE f.child_id = ANY(%s)
GROUP BY GROUPING SETS ((), (c.cross_purchase), (lower(f.basis_code)), (c.cross_purchase, lower(f.basis_code)))`,
		fees, children, members))
	return Aggregation{Name: AggFees, Query: q, Keys: 2}, nil
}

// SiteAggregation counts member sites and sums their capacity per operating mode.
func SiteAggregation(p Params, siteIDs []int64) (Aggregation, error) {
	b := sqlq.New()
	sites, err := temporal.SnapshotAt(b, temporal.KindSite, temporal.SnapshotOptions{At: p.At, IDs: ids(siteIDs)})
	if err != nil {
		return Aggregation{}, err
	}
	members := b.Arg(ids(siteIDs))

	q := b.Build(fmt.Sprintf(`SELECT lower(s.operating_mode_code), count(*), COALESCE(sum(s.capacity), 0)::bigint
FROM (%s) s
WHERE s.id = ANY(%s)
GROUP BY GROUPING SETS ((), (lower(s.operating_mode_code)))`, sites, members))
	return Aggregation{Name: AggSites, Query: q, Keys: 1}, nil
}

// LinguisticAggregation counts linguistic emphases of member sites per language.
func LinguisticAggregation(p Params, siteIDs []int64) (Aggregation, error) {
	return emphasisAggregation(p, siteIDs, AggLinguistic, temporal.KindLinguisticEmphasis, "language_code")
}

// FunctionalAggregation counts functional emphases of member sites per emphasis code.
func FunctionalAggregation(p Params, siteIDs []int64) (Aggregation, error) {
	return emphasisAggregation(p, siteIDs, AggFunctional, temporal.KindFunctionalEmphasis, "code")
}

func emphasisAggregation(p Params, siteIDs []int64, name string, kind temporal.Kind, codeColumn string) (Aggregation, error) {
	b := sqlq.New()
	on := p.On
	emphases, err := temporal.SnapshotAt(b, kind, temporal.SnapshotOptions{At: p.At, On: &on})
	if err != nil {
		return Aggregation{}, err
	}
	members := b.Arg(ids(siteIDs))
	col := "lower(e." + sqlq.Ident(codeColumn) + ")"

	q := b.Build(fmt.Sprintf(`SELECT %[1]s, count(*)
FROM (%[2]s) e
WHERE e.site_id = ANY(%[3]s)
GROUP BY GROUPING SETS ((), (%[1]s))`, col, emphases, members))
	return Aggregation{Name: name, Query: q, Keys: 1}, nil
}

// SupportAggregation sums the support data of municipal member providers for the statistical
// date per support level and age group.
func SupportAggregation(p Params, providerIDs []int64) (Aggregation, error) {
	b := sqlq.New()
	orgs, err := temporal.SnapshotAt(b, temporal.KindOrganization, temporal.SnapshotOptions{At: p.At, IDs: ids(providerIDs)})
	if err != nil {
		return Aggregation{}, err
	}
	members := b.Arg(ids(providerIDs))
	forms := b.Arg(MunicipalForms)
	day := b.Arg(temporal.Date(p.On))

	q := b.Build(fmt.Sprintf(`SELECT lower(sd.support_level_code), lower(sd.age_group_code), COALESCE(sum(sd.child_count), 0)::bigint
FROM support_data sd
JOIN (%s) o ON o.id = sd.provider_id
WHERE sd.provider_id = ANY(%s)
  AND o.form_code = ANY(%s)
  AND sd.statistical_date = %s::date
GROUP BY GROUPING SETS ((), (lower(sd.support_level_code)), (lower(sd.support_level_code), lower(sd.age_group_code)))`,
		orgs, members, forms, day))
	return Aggregation{Name: AggSupport, Query: q, Keys: 2}, nil
}

// EmployeeAggregation counts distinct employees of member employments and the roaming ones
// among them.
func EmployeeAggregation(p Params, employmentIDs []int64) (Aggregation, error) {
	b := sqlq.New()
	on := p.On
	employments, err := temporal.SnapshotAt(b, temporal.KindEmployment, temporal.SnapshotOptions{At: p.At, IDs: ids(employmentIDs)})
	if err != nil {
		return Aggregation{}, err
	}
	locations, err := temporal.SnapshotAt(b, temporal.KindWorkLocation, temporal.SnapshotOptions{At: p.At, On: &on})
	if err != nil {
		return Aggregation{}, err
	}
	members := b.Arg(ids(employmentIDs))

	q := b.Build(fmt.Sprintf(`SELECT count(DISTINCT em.employee_id),
    count(DISTINCT em.employee_id) FILTER (WHERE wl.roaming)
FROM (%s) em
LEFT JOIN (%s) wl ON wl.employment_id = em.id
WHERE em.id = ANY(%s)`, employments, locations, members))
	return Aggregation{Name: AggEmployees, Query: q, Keys: 0}, nil
}

// TitleAggregation counts distinct employees per task title, and the qualified ones.
func TitleAggregation(p Params, employmentIDs []int64) (Aggregation, error) {
	b := sqlq.New()
	on := p.On
	employments, err := temporal.SnapshotAt(b, temporal.KindEmployment, temporal.SnapshotOptions{At: p.At, IDs: ids(employmentIDs)})
	if err != nil {
		return Aggregation{}, err
	}
	locations, err := temporal.SnapshotAt(b, temporal.KindWorkLocation, temporal.SnapshotOptions{At: p.At, On: &on})
	if err != nil {
		return Aggregation{}, err
	}
	members := b.Arg(ids(employmentIDs))

	q := b.Build(fmt.Sprintf(`SELECT lower(wl.task_title_code),
    count(DISTINCT em.employee_id),
    count(DISTINCT em.employee_id) FILTER (WHERE wl.qualified)
FROM (%s) em
JOIN (%s) wl ON wl.employment_id = em.id
WHERE em.id = ANY(%s)
GROUP BY lower(wl.task_title_code)`, employments, locations, members))
	return Aggregation{Name: AggTitles, Query: q, Keys: 1}, nil
}

// EmploymentAggregation distributes member employments by type and workload.
func EmploymentAggregation(p Params, employmentIDs []int64) (Aggregation, error) {
	b := sqlq.New()
	employments, err := temporal.SnapshotAt(b, temporal.KindEmployment, temporal.SnapshotOptions{At: p.At, IDs: ids(employmentIDs)})
	if err != nil {
		return Aggregation{}, err
	}
	members := b.Arg(ids(employmentIDs))

	q := b.Build(fmt.Sprintf(`SELECT lower(em.type_code), lower(em.workload_code), count(*)
FROM (%s) em
WHERE em.id = ANY(%s)
GROUP BY GROUPING SETS ((), (lower(em.type_code)), (lower(em.type_code), lower(em.workload_code)))`, employments, members))
	return Aggregation{Name: AggEmployments, Query: q, Keys: 2}, nil
}

// LeasedAggregation totals leased personnel per month of the statistical year.
func LeasedAggregation(p Params, providerIDs []int64) (Aggregation, error) {
	return monthlyAggregation(p, providerIDs, AggLeased, "leased_personnel")
}

// TemporaryAggregation totals temporary personnel per month of the statistical year.
func TemporaryAggregation(p Params, providerIDs []int64) (Aggregation, error) {
	return monthlyAggregation(p, providerIDs, AggTemporary, "temporary_personnel")
}

func monthlyAggregation(p Params, providerIDs []int64, name, table string) (Aggregation, error) {
	b := sqlq.New()
	year := time.Date(p.On.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	members := b.Arg(ids(providerIDs))
	from := b.Arg(year)
	until := b.Arg(year.AddDate(1, 0, 0))

	q := b.Build(fmt.Sprintf(`SELECT to_char(t.month, 'YYYY-MM'), COALESCE(sum(t.person_count), 0)::bigint
FROM %s t
WHERE t.provider_id = ANY(%s)
  AND t.month >= %s::date AND t.month < %s::date
GROUP BY GROUPING SETS ((), (to_char(t.month, 'YYYY-MM')))`, sqlq.Ident(table), members, from, until))
	return Aggregation{Name: name, Query: q, Keys: 1}, nil
}
