package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

// ErrUnknownModel is returned by Validity for models without a validity interval.
var ErrUnknownModel = errors.New("model has no validity interval")

// Violation groups the sub-records of one root that break one invariant.
type Violation struct {
	Code  string  `json:"code"`
	Model string  `json:"model"`
	IDs   []int64 `json:"ids"`
}

// Row is one root entity with its violations.
type Row struct {
	ID         int64
	OID        string
	PersonID   int64
	FirstNames string
	LastName   string
	Name       string
	ProviderID int64
	ModifiedAt time.Time
	SortName   string
	Violations []Violation
}

// Cursor is the keyset position of a row in (modified_at DESC, sort_name, id) order.
type Cursor struct {
	ModifiedAt time.Time `json:"m"`
	SortName   string    `json:"n"`
	ID         int64     `json:"i"`
}

func (r Row) Cursor() Cursor {
	return Cursor{ModifiedAt: r.ModifiedAt, SortName: r.SortName, ID: r.ID}
}

// Interval is the validity of a sub-record.
type Interval struct {
	Start time.Time
	End   *time.Time
}

// RootFilter narrows the root entities before invariants are evaluated.
type RootFilter struct {
	ProviderOID string
	// Search matches names, OIDs and integer ids. SearchHash is the national id hash of the
	// same term and is only compared for person roots.
	Search     string
	SearchHash string
	HideIDs    []int64
}

// ScanParams configures one grouped evaluation.
type ScanParams struct {
	Invariants []Invariant
	Today      time.Time
	FeeLimit   int
	// FeeIDs narrows fee sub-records when FeeRestricted is set.
	FeeRestricted bool
	FeeIDs        []int64
	After         *Cursor
	Limit         int
}

type rootSpec struct {
	kind     temporal.Kind
	base     string
	provider string
	person   bool
	alias    string
}

var roots = map[Root]rootSpec{
	RootChild: {
		kind:  temporal.KindChild,
		alias: "c",
		base: `SELECT c.id, COALESCE(p.oid, '') AS oid, p.id AS person_id, p.first_names, p.last_name, '' AS name,
       COALESCE(c.provider_id, c.own_provider_id) AS provider_id,
       GREATEST(c.modified_at, p.modified_at) AS modified_at, p.last_name AS sort_name
FROM child c
JOIN person p ON p.id = c.person_id`,
		provider: "EXISTS (SELECT 1 FROM organization po WHERE po.oid = %s AND po.id IN (c.provider_id, c.own_provider_id, c.external_provider_id))",
		person:   true,
	},
	RootEmployee: {
		kind:  temporal.KindEmployee,
		alias: "e",
		base: `SELECT e.id, COALESCE(p.oid, '') AS oid, p.id AS person_id, p.first_names, p.last_name, '' AS name,
       e.provider_id, GREATEST(e.modified_at, p.modified_at) AS modified_at, p.last_name AS sort_name
FROM employee e
JOIN person p ON p.id = e.person_id`,
		provider: "e.provider_id IN (SELECT po.id FROM organization po WHERE po.oid = %s)",
		person:   true,
	},
	RootSite: {
		kind:  temporal.KindSite,
		alias: "s",
		base: `SELECT s.id, COALESCE(s.oid, '') AS oid, 0::bigint AS person_id, '' AS first_names, '' AS last_name, s.name,
       s.provider_id, s.modified_at, s.name AS sort_name
FROM site s`,
		provider: "s.provider_id IN (SELECT po.id FROM organization po WHERE po.oid = %s)",
	},
	RootOrganization: {
		kind:  temporal.KindOrganization,
		alias: "o",
		base: `SELECT o.id, o.oid, 0::bigint AS person_id, '' AS first_names, '' AS last_name, o.name,
       o.id AS provider_id, o.modified_at, o.name AS sort_name
FROM organization o`,
		provider: "o.oid = %s",
	},
}

// KindOf returns the authorization kind of the root entity.
func KindOf(root Root) (temporal.Kind, bool) {
	spec, ok := roots[root]
	return spec.kind, ok
}

// BuildRootQuery renders the filtered root selection. The result exposes the root id as "id" so it
// can be narrowed by the authorization filter before scanning.
func BuildRootQuery(root Root, f RootFilter) (sqlq.Query, error) {
	spec, ok := roots[root]
	if !ok {
		return sqlq.Query{}, fmt.Errorf("unknown root %q", root)
	}

	b := sqlq.New()
	var where sqlq.Where
	if oid := strings.TrimSpace(f.ProviderOID); oid != "" {
		where.Addf(spec.provider, b.Arg(oid))
	}
	if len(f.HideIDs) > 0 {
		where.Addf("%s.id <> ALL(%s)", spec.alias, b.Arg(f.HideIDs))
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		where.Add(searchCondition(b, spec, term, f.SearchHash))
	}

	return b.Build(spec.base + "\n" + where.SQL()), nil
}

func searchCondition(b *sqlq.Builder, spec rootSpec, term, hash string) string {
	like := b.Arg("%" + escapeLike(term) + "%")
	exact := b.Arg(term)

	var conds []string
	if spec.person {
		conds = append(conds,
			fmt.Sprintf("p.first_names ILIKE %s", like),
			fmt.Sprintf("p.last_name ILIKE %s", like),
			fmt.Sprintf("p.oid = %s", exact),
		)
		if hash != "" {
			conds = append(conds, fmt.Sprintf("p.national_id_hash = %s", b.Arg(hash)))
		}
	} else {
		conds = append(conds,
			fmt.Sprintf("%s.name ILIKE %s", spec.alias, like),
			fmt.Sprintf("%s.oid = %s", spec.alias, exact),
		)
	}
	if id, err := strconv.ParseInt(term, 10, 64); err == nil {
		conds = append(conds, fmt.Sprintf("%s.id = %s", spec.alias, b.Arg(id)))
	}
	return sqlq.Or(conds...)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// BuildScanQuery wraps an already filtered root query with the grouped evaluation of every
// invariant in p. Roots without violations are not returned.
func BuildScanQuery(rootsQ sqlq.Query, p ScanParams) (sqlq.Query, error) {
	if len(p.Invariants) == 0 {
		return sqlq.Query{}, fmt.Errorf("scan requires at least one invariant")
	}
	if p.Limit <= 0 {
		return sqlq.Query{}, fmt.Errorf("scan requires a positive limit")
	}

	b := sqlq.From(rootsQ)
	params := newTemplateParams(b, p)

	branches := make([]string, 0, len(p.Invariants))
	for _, inv := range p.Invariants {
		pred, err := params.expand(inv.Predicate)
		if err != nil {
			return sqlq.Query{}, fmt.Errorf("invariant %s: %w", inv.Code, err)
		}
		branches = append(branches, fmt.Sprintf(
			"SELECT %s::text AS code, %s::text AS model, %s AS root_id, %s AS sub_id FROM %s WHERE (%s) AND %s IN (SELECT id FROM roots)",
			b.Arg(inv.Code), b.Arg(inv.Model), inv.RootExpr, inv.IDExpr, inv.From, pred, inv.RootExpr,
		))
	}

	var outer sqlq.Where
	if p.After != nil {
		m := b.Arg(p.After.ModifiedAt)
		n := b.Arg(p.After.SortName)
		id := b.Arg(p.After.ID)
		outer.Addf("r.modified_at < %[1]s OR (r.modified_at = %[1]s AND (r.sort_name > %[2]s OR (r.sort_name = %[2]s AND r.id > %[3]s)))", m, n, id)
	}
	limit := b.Arg(p.Limit)

	sql := fmt.Sprintf(`WITH roots AS (
%s
),
violations AS (
%s
),
grouped AS (
    SELECT root_id, code, model, array_agg(DISTINCT sub_id ORDER BY sub_id) AS ids
    FROM violations
    GROUP BY root_id, code, model
)
SELECT r.id, r.oid, r.person_id, r.first_names, r.last_name, r.name, r.provider_id, r.modified_at, r.sort_name,
       jsonb_agg(jsonb_build_object('code', g.code, 'model', g.model, 'ids', g.ids) ORDER BY g.code, g.model) AS violations
FROM roots r
JOIN grouped g ON g.root_id = r.id
%s
GROUP BY r.id, r.oid, r.person_id, r.first_names, r.last_name, r.name, r.provider_id, r.modified_at, r.sort_name
ORDER BY r.modified_at DESC, r.sort_name, r.id
LIMIT %s`, rootsQ.SQL, strings.Join(branches, "\nUNION ALL\n"), outer.SQL(), limit)

	return b.Build(sql), nil
}

type templateParams struct {
	b      *sqlq.Builder
	p      ScanParams
	placed map[string]string
}

func newTemplateParams(b *sqlq.Builder, p ScanParams) *templateParams {
	return &templateParams{b: b, p: p, placed: map[string]string{}}
}

func (t *templateParams) placeholder(name string) string {
	if ph, ok := t.placed[name]; ok {
		return ph
	}
	today := temporal.Date(t.p.Today)
	var ph string
	switch name {
	case paramToday:
		ph = t.b.Arg(today)
	case paramOverAge:
		ph = t.b.Arg(today.AddDate(-overAgeYears, 0, 0))
	case paramFeeLimit:
		ph = t.b.Arg(t.p.FeeLimit)
	case paramFeeMax:
		ph = t.b.Arg(MunicipalFeeMax)
	case paramFeeScope:
		ph = "TRUE"
		if t.p.FeeRestricted {
			ids := t.p.FeeIDs
			if ids == nil {
				ids = []int64{}
			}
			ph = fmt.Sprintf("f.id = ANY(%s)", t.b.Arg(ids))
		}
	}
	t.placed[name] = ph
	return ph
}

func (t *templateParams) expand(predicate string) (string, error) {
	out := predicate
	for _, name := range []string{paramToday, paramOverAge, paramFeeLimit, paramFeeMax, paramFeeScope} {
		if strings.Contains(out, name) {
			out = strings.ReplaceAll(out, name, t.placeholder(name))
		}
	}
	if strings.Contains(out, "{{") {
		return "", fmt.Errorf("unbound template parameter in %q", predicate)
	}
	return out, nil
}

var datedModels = map[string]temporal.Kind{
	ModelOrganization:       temporal.KindOrganization,
	ModelSite:               temporal.KindSite,
	ModelLinguisticEmphasis: temporal.KindLinguisticEmphasis,
	ModelFunctionalEmphasis: temporal.KindFunctionalEmphasis,
	ModelDecision:           temporal.KindDecision,
	ModelAssignment:         temporal.KindAssignment,
	ModelFee:                temporal.KindFee,
	ModelEmployment:         temporal.KindEmployment,
	ModelWorkLocation:       temporal.KindWorkLocation,
	ModelExtendedAbsence:    temporal.KindExtendedAbsence,
}

// Dated reports whether sub-records of model carry a validity interval.
func Dated(model string) bool {
	_, ok := datedModels[model]
	return ok
}

// Repository runs the scanner queries.
type Repository interface {
	Scan(ctx context.Context, q sqlq.Query) ([]Row, error)
	Validity(ctx context.Context, model string, ids []int64) (map[int64]Interval, error)
}

type postgresRepository struct {
	q persistence.Querier
}

// NewPostgresRepository binds the scanner to a pool or to a snapshot transaction.
func NewPostgresRepository(q persistence.Querier) Repository {
	if q == nil {
		panic("querier is required")
	}
	return &postgresRepository{q: q}
}

func (r *postgresRepository) Scan(ctx context.Context, q sqlq.Query) ([]Row, error) {
	rows, err := r.q.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("scan invariants: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Row, error) {
		var res Row
		err := row.Scan(&res.ID, &res.OID, &res.PersonID, &res.FirstNames, &res.LastName, &res.Name,
			&res.ProviderID, &res.ModifiedAt, &res.SortName, &res.Violations)
		return res, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect violations: %w", err)
	}
	return out, nil
}

func (r *postgresRepository) Validity(ctx context.Context, model string, ids []int64) (map[int64]Interval, error) {
	kind, ok := datedModels[model]
	if !ok {
		return nil, fmt.Errorf("%s: %w", model, ErrUnknownModel)
	}
	out := make(map[int64]Interval, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.q.Query(ctx, fmt.Sprintf("SELECT id, start_date, end_date FROM %s WHERE id = ANY($1)", kind.Table()), ids)
	if err != nil {
		return nil, fmt.Errorf("load %s validity: %w", model, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  int64
			itv Interval
		)
		if err := rows.Scan(&id, &itv.Start, &itv.End); err != nil {
			return nil, fmt.Errorf("scan %s validity: %w", model, err)
		}
		out[id] = itv
	}
	return out, rows.Err()
}
