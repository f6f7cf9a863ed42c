package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

// Scope limits a report to one provider, optionally to one of its sites. A zero ProviderID is
// the national scope of super-viewer reports.
type Scope struct {
	ProviderID int64
	SiteID     int64
}

// Params pins a report to snapshot instant At and validity date On.
type Params struct {
	At    time.Time
	On    time.Time
	Scope Scope
}

func (p Params) validate() error {
	if p.At.IsZero() {
		return errors.New("report requires a snapshot instant")
	}
	if p.On.IsZero() {
		return errors.New("report requires a target date")
	}
	if p.Scope.SiteID > 0 && p.Scope.ProviderID <= 0 {
		return errors.New("site scope requires provider")
	}
	return nil
}

// snapshots renders TQL subqueries against one builder and keeps the first error.
type snapshots struct {
	b   *sqlq.Builder
	at  time.Time
	err error
}

func (s *snapshots) of(kind temporal.Kind, on *time.Time) string {
	if s.err != nil {
		return "(SELECT NULL)"
	}
	sub, err := temporal.SnapshotAt(s.b, kind, temporal.SnapshotOptions{At: s.at, On: on})
	if err != nil {
		s.err = err
		return "(SELECT NULL)"
	}
	return "(" + sub + ")"
}

func childOfProvider(b *sqlq.Builder, alias string, providerID int64) string {
	p := b.Arg(providerID)
	return fmt.Sprintf("(%[1]s.provider_id = %[2]s OR %[1]s.own_provider_id = %[2]s OR %[1]s.external_provider_id = %[2]s)", alias, p)
}

// Ordered wraps q, which may already carry authorization scopes, with a final ordering.
func Ordered(q sqlq.Query, columns ...string) sqlq.Query {
	cols := make([]string, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, "r."+sqlq.Ident(c))
	}
	return sqlq.From(q).Build(fmt.Sprintf("SELECT r.* FROM (%s) r ORDER BY %s", q.SQL, strings.Join(cols, ", ")))
}

// CareQuery lists assignments active on the target date with their decision, child, person and
// site. Authorization applies to child_id.
func CareQuery(p Params) (sqlq.Query, error) {
	if err := p.validate(); err != nil {
		return sqlq.Query{}, err
	}
	b := sqlq.New()
	s := &snapshots{b: b, at: p.At}
	on := temporal.Date(p.On)

	var where sqlq.Where
	if p.Scope.ProviderID > 0 {
		where.Add(childOfProvider(b, "c", p.Scope.ProviderID))
	}
	if p.Scope.SiteID > 0 {
		where.Addf("s.id = %s", b.Arg(p.Scope.SiteID))
	}

	sql := fmt.Sprintf(`SELECT p.id AS person_id, COALESCE(p.oid, '') AS person_oid, p.first_names, p.last_name, p.birth_date,
    c.id AS child_id, c.cross_purchase, COALESCE(oo.name, '') AS own_provider_name, COALESCE(eo.name, '') AS external_provider_name,
    d.id AS decision_id, d.application_date, d.start_date AS decision_start, d.end_date AS decision_end,
    d.weekly_hours::float8 AS weekly_hours, d.provision_mode_code, d.shift_care, d.daily, d.full_day, d.temporary, d.express_processed,
    a.id AS assignment_id, a.start_date AS assignment_start, a.end_date AS assignment_end,
    s.id AS site_id, COALESCE(s.oid, '') AS site_oid, s.name AS site_name, s.operating_mode_code
FROM %s a
JOIN %s d ON d.id = a.decision_id
JOIN %s c ON c.id = d.child_id
JOIN %s p ON p.id = c.person_id
JOIN %s s ON s.id = a.site_id
LEFT JOIN %s oo ON oo.id = c.own_provider_id
LEFT JOIN %s eo ON eo.id = c.external_provider_id
%s`,
		s.of(temporal.KindAssignment, &on),
		s.of(temporal.KindDecision, &on),
		s.of(temporal.KindChild, nil),
		s.of(temporal.KindPerson, nil),
		s.of(temporal.KindSite, nil),
		s.of(temporal.KindOrganization, nil),
		s.of(temporal.KindOrganization, nil),
		where.SQL())
	if s.err != nil {
		return sqlq.Query{}, s.err
	}
	return b.Build(sql), nil
}

// FeeQuery lists fees active on the target date for the provider's children. Authorization
// applies to fee_id.
func FeeQuery(p Params) (sqlq.Query, error) {
	if err := p.validate(); err != nil {
		return sqlq.Query{}, err
	}
	if p.Scope.ProviderID <= 0 {
		return sqlq.Query{}, errors.New("fee listing requires provider")
	}
	b := sqlq.New()
	s := &snapshots{b: b, at: p.At}
	on := temporal.Date(p.On)

	sql := fmt.Sprintf(`SELECT f.id AS fee_id, c.id AS child_id, p.id AS person_id, COALESCE(p.oid, '') AS person_oid,
    p.first_names, p.last_name, f.basis_code, f.family_size::bigint AS family_size,
    f.customer_fee::float8 AS customer_fee, f.voucher_value::float8 AS voucher_value, f.start_date, f.end_date
FROM %s f
JOIN %s c ON c.id = f.child_id
JOIN %s p ON p.id = c.person_id
WHERE %s`,
		s.of(temporal.KindFee, &on),
		s.of(temporal.KindChild, nil),
		s.of(temporal.KindPerson, nil),
		childOfProvider(b, "c", p.Scope.ProviderID))
	if s.err != nil {
		return sqlq.Query{}, s.err
	}
	return b.Build(sql), nil
}

// IdentityQuery lists, once per person, everyone with an assignment active on the target date.
// Authorization applies to child_id.
func IdentityQuery(p Params) (sqlq.Query, error) {
	if err := p.validate(); err != nil {
		return sqlq.Query{}, err
	}
	b := sqlq.New()
	s := &snapshots{b: b, at: p.At}
	on := temporal.Date(p.On)

	var where sqlq.Where
	if p.Scope.ProviderID > 0 {
		where.Add(childOfProvider(b, "c", p.Scope.ProviderID))
	}

	sql := fmt.Sprintf(`SELECT DISTINCT ON (p.id) p.id AS person_id, COALESCE(p.oid, '') AS person_oid,
    COALESCE(p.national_id_encrypted, '') AS national_id_encrypted, c.id AS child_id
FROM %s a
JOIN %s d ON d.id = a.decision_id
JOIN %s c ON c.id = d.child_id
JOIN %s p ON p.id = c.person_id
%s
ORDER BY p.id, c.id`,
		s.of(temporal.KindAssignment, &on),
		s.of(temporal.KindDecision, &on),
		s.of(temporal.KindChild, nil),
		s.of(temporal.KindPerson, nil),
		where.SQL())
	if s.err != nil {
		return sqlq.Query{}, s.err
	}
	return b.Build(sql), nil
}

// Row parts of the employee listing.
const (
	PartWorkLocation = 0
	PartAbsence      = 1
	PartHeaderOnly   = 2
)

// EmployeeQuery lists employments active on the target date, one row per work location and one
// per extended absence, or a single header row when the employment has neither. The
// qualification is the latest one recorded for the same provider, falling back to the
// employment's own code. Authorization applies to employee_id.
func EmployeeQuery(p Params) (sqlq.Query, error) {
	if err := p.validate(); err != nil {
		return sqlq.Query{}, err
	}
	if p.Scope.ProviderID <= 0 {
		return sqlq.Query{}, errors.New("employee listing requires provider")
	}
	b := sqlq.New()
	s := &snapshots{b: b, at: p.At}
	on := temporal.Date(p.On)
	at := b.Arg(p.At)

	employments := fmt.Sprintf(`(SELECT e.id AS employee_id, p.id AS person_id, COALESCE(p.oid, '') AS person_oid,
    p.first_names, p.last_name, em.id AS employment_id, em.type_code, em.workload_code,
    COALESCE((SELECT q.code FROM qualification q
        WHERE q.person_id = e.person_id AND q.provider_id = e.provider_id AND q.created_at <= %s
        ORDER BY q.created_at DESC, q.id DESC LIMIT 1), em.qualification_code) AS qualification_code,
    em.weekly_hours::float8 AS weekly_hours, em.start_date AS employment_start, em.end_date AS employment_end
FROM %s em
JOIN %s e ON e.id = em.employee_id
JOIN %s p ON p.id = e.person_id
WHERE e.provider_id = %s)`,
		at,
		s.of(temporal.KindEmployment, &on),
		s.of(temporal.KindEmployee, nil),
		s.of(temporal.KindPerson, nil),
		b.Arg(p.Scope.ProviderID))
	locations := s.of(temporal.KindWorkLocation, nil)
	absences := s.of(temporal.KindExtendedAbsence, nil)
	sites := s.of(temporal.KindSite, nil)

	sql := fmt.Sprintf(`SELECT m.*, %[5]d AS part, wl.id AS work_location_id, COALESCE(ws.name, '') AS work_location_site,
    wl.task_title_code, wl.qualified, wl.roaming, wl.start_date AS work_location_start, wl.end_date AS work_location_end,
    NULL::bigint AS absence_id, NULL::date AS absence_start, NULL::date AS absence_end
FROM %[1]s m
JOIN %[2]s wl ON wl.employment_id = m.employment_id
LEFT JOIN %[4]s ws ON ws.id = wl.site_id
UNION ALL
SELECT m.*, %[6]d, NULL::bigint, NULL::text, NULL::text, NULL::boolean, NULL::boolean, NULL::date, NULL::date,
    ab.id, ab.start_date, ab.end_date
FROM %[1]s m
JOIN %[3]s ab ON ab.employment_id = m.employment_id
UNION ALL
SELECT m.*, %[7]d, NULL::bigint, NULL::text, NULL::text, NULL::boolean, NULL::boolean, NULL::date, NULL::date,
    NULL::bigint, NULL::date, NULL::date
FROM %[1]s m
WHERE NOT EXISTS (SELECT 1 FROM %[2]s x WHERE x.employment_id = m.employment_id)
  AND NOT EXISTS (SELECT 1 FROM %[3]s y WHERE y.employment_id = m.employment_id)`,
		employments, locations, absences, sites, PartWorkLocation, PartAbsence, PartHeaderOnly)
	if s.err != nil {
		return sqlq.Query{}, s.err
	}
	return b.Build(sql), nil
}

// SiteQuery lists sites active on the target date, one row per emphasis active on that date or
// a single row without emphasis columns. Authorization applies to site_id.
func SiteQuery(p Params) (sqlq.Query, error) {
	if err := p.validate(); err != nil {
		return sqlq.Query{}, err
	}
	if p.Scope.ProviderID <= 0 {
		return sqlq.Query{}, errors.New("site listing requires provider")
	}
	b := sqlq.New()
	s := &snapshots{b: b, at: p.At}
	on := temporal.Date(p.On)

	var where sqlq.Where
	where.Addf("s.provider_id = %s", b.Arg(p.Scope.ProviderID))
	if p.Scope.SiteID > 0 {
		where.Addf("s.id = %s", b.Arg(p.Scope.SiteID))
	}

	sql := fmt.Sprintf(`SELECT s.id AS site_id, COALESCE(s.oid, '') AS site_oid, s.name AS site_name,
    o.oid AS provider_oid, o.name AS provider_name, s.operating_mode_code, s.provision_mode_codes, s.language_codes,
    s.capacity::bigint AS capacity, s.status_code, s.start_date, s.end_date,
    COALESCE(x.model, '') AS emphasis_model, COALESCE(x.code, '') AS emphasis_code,
    x.start_date AS emphasis_start, x.end_date AS emphasis_end
FROM %s s
JOIN %s o ON o.id = s.provider_id
LEFT JOIN (
    SELECT le.site_id, 'KieliPainotus' AS model, le.language_code AS code, le.start_date, le.end_date FROM %s le
    UNION ALL
    SELECT fe.site_id, 'ToiminnallinenPainotus', fe.code, fe.start_date, fe.end_date FROM %s fe
) x ON x.site_id = s.id
%s`,
		s.of(temporal.KindSite, &on),
		s.of(temporal.KindOrganization, nil),
		s.of(temporal.KindLinguisticEmphasis, &on),
		s.of(temporal.KindFunctionalEmphasis, &on),
		where.SQL())
	if s.err != nil {
		return sqlq.Query{}, s.err
	}
	return b.Build(sql), nil
}

// MissingFeeQuery lists children with an assignment active on the target date and no fee active
// on that date. Authorization applies to child_id.
func MissingFeeQuery(p Params) (sqlq.Query, error) {
	if err := p.validate(); err != nil {
		return sqlq.Query{}, err
	}
	if p.Scope.ProviderID <= 0 {
		return sqlq.Query{}, errors.New("missing fee listing requires provider")
	}
	b := sqlq.New()
	s := &snapshots{b: b, at: p.At}
	on := temporal.Date(p.On)

	site := ""
	if p.Scope.SiteID > 0 {
		site = " AND a.site_id = " + b.Arg(p.Scope.SiteID)
	}

	sql := fmt.Sprintf(`SELECT c.id AS child_id, p.id AS person_id, COALESCE(p.oid, '') AS person_oid,
    p.first_names, p.last_name, p.birth_date, c.cross_purchase
FROM %s c
JOIN %s p ON p.id = c.person_id
WHERE %s
  AND EXISTS (
    SELECT 1 FROM %s a JOIN %s d ON d.id = a.decision_id
    WHERE d.child_id = c.id%s)
  AND NOT EXISTS (SELECT 1 FROM %s f WHERE f.child_id = c.id)`,
		s.of(temporal.KindChild, nil),
		s.of(temporal.KindPerson, nil),
		childOfProvider(b, "c", p.Scope.ProviderID),
		s.of(temporal.KindAssignment, &on),
		s.of(temporal.KindDecision, &on),
		site,
		s.of(temporal.KindFee, &on))
	if s.err != nil {
		return sqlq.Query{}, s.err
	}
	return b.Build(sql), nil
}

// CareRow is one assignment of the active-care listing.
type CareRow struct {
	PersonID             int64
	PersonOID            string
	FirstNames           string
	LastName             string
	BirthDate            *time.Time
	ChildID              int64
	CrossPurchase        bool
	OwnProviderName      string
	ExternalProviderName string
	DecisionID           int64
	ApplicationDate      time.Time
	DecisionStart        time.Time
	DecisionEnd          *time.Time
	WeeklyHours          float64
	ProvisionMode        string
	ShiftCare            bool
	Daily                bool
	FullDay              bool
	Temporary            bool
	ExpressProcessed     bool
	AssignmentID         int64
	AssignmentStart      time.Time
	AssignmentEnd        *time.Time
	SiteID               int64
	SiteOID              string
	SiteName             string
	OperatingMode        string
}

type FeeRow struct {
	FeeID        int64
	ChildID      int64
	PersonID     int64
	PersonOID    string
	FirstNames   string
	LastName     string
	Basis        string
	FamilySize   int64
	CustomerFee  float64
	VoucherValue float64
	Start        time.Time
	End          *time.Time
}

// IdentityRow carries the encrypted national id; decryption happens while writing.
type IdentityRow struct {
	PersonID            int64
	PersonOID           string
	NationalIDEncrypted string
	ChildID             int64
}

type EmployeeRow struct {
	EmployeeID        int64
	PersonID          int64
	PersonOID         string
	FirstNames        string
	LastName          string
	EmploymentID      int64
	EmploymentType    string
	Workload          string
	Qualification     string
	WeeklyHours       float64
	EmploymentStart   time.Time
	EmploymentEnd     *time.Time
	Part              int
	WorkLocationID    *int64
	WorkLocationSite  *string
	TaskTitle         *string
	Qualified         *bool
	Roaming           *bool
	WorkLocationStart *time.Time
	WorkLocationEnd   *time.Time
	AbsenceID         *int64
	AbsenceStart      *time.Time
	AbsenceEnd        *time.Time
}

type SiteRow struct {
	SiteID         int64
	SiteOID        string
	SiteName       string
	ProviderOID    string
	ProviderName   string
	OperatingMode  string
	ProvisionModes []string
	Languages      []string
	Capacity       int64
	Status         string
	Start          time.Time
	End            *time.Time
	EmphasisModel  string
	EmphasisCode   string
	EmphasisStart  *time.Time
	EmphasisEnd    *time.Time
}

type MissingFeeRow struct {
	ChildID       int64
	PersonID      int64
	PersonOID     string
	FirstNames    string
	LastName      string
	BirthDate     *time.Time
	CrossPurchase bool
}

// Organization is a provider resolved at the snapshot instant.
type Organization struct {
	ID       int64
	OID      string
	Name     string
	FormCode string
}

// SiteRef is a site resolved at the snapshot instant.
type SiteRef struct {
	ID         int64
	ProviderID int64
	Name       string
}

// Snapshotter runs fn in a read-only snapshot transaction.
type Snapshotter interface {
	WithSnapshot(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Sources streams report rows. Each call runs in its own snapshot transaction; rows of
// different calls agree because every query pins the same snapshot instant.
type Sources interface {
	ProviderByOID(ctx context.Context, at time.Time, oid string) (Organization, error)
	ProviderByID(ctx context.Context, at time.Time, id int64) (Organization, error)
	SiteByID(ctx context.Context, at time.Time, id int64) (SiteRef, error)
	Care(ctx context.Context, q sqlq.Query, fn func(CareRow) error) error
	Fees(ctx context.Context, q sqlq.Query, fn func(FeeRow) error) error
	Identities(ctx context.Context, q sqlq.Query, fn func(IdentityRow) error) error
	Employees(ctx context.Context, q sqlq.Query, fn func(EmployeeRow) error) error
	Sites(ctx context.Context, q sqlq.Query, fn func(SiteRow) error) error
	MissingFees(ctx context.Context, q sqlq.Query, fn func(MissingFeeRow) error) error
}

type postgresSources struct {
	db     Snapshotter
	chains *temporal.Checker
}

// NewPostgresSources reads from db. When chains is set, the assignments of each care listing
// are checked for broken history chains afterwards.
func NewPostgresSources(db Snapshotter, chains *temporal.Checker) Sources {
	if db == nil {
		panic("report sources require database")
	}
	return &postgresSources{db: db, chains: chains}
}

// stream scans every row of q with scan and hands it to fn. fn errors stop the stream.
func stream[T any](ctx context.Context, db Snapshotter, q sqlq.Query, scan func(pgx.Rows) (T, error), fn func(T) error) error {
	return db.WithSnapshot(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, q.SQL, q.Args...)
		if err != nil {
			return fmt.Errorf("query report rows: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			v, err := scan(rows)
			if err != nil {
				return fmt.Errorf("scan report row: %w", err)
			}
			if err := fn(v); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

func (s *postgresSources) ProviderByOID(ctx context.Context, at time.Time, oid string) (Organization, error) {
	return s.provider(ctx, at, "oid "+oid, func(b *sqlq.Builder) string { return "o.oid = " + b.Arg(oid) })
}

func (s *postgresSources) ProviderByID(ctx context.Context, at time.Time, id int64) (Organization, error) {
	return s.provider(ctx, at, fmt.Sprintf("id %d", id), func(b *sqlq.Builder) string { return "o.id = " + b.Arg(id) })
}

func (s *postgresSources) provider(ctx context.Context, at time.Time, label string, cond func(*sqlq.Builder) string) (Organization, error) {
	b := sqlq.New()
	sub, err := temporal.SnapshotAt(b, temporal.KindOrganization, temporal.SnapshotOptions{At: at})
	if err != nil {
		return Organization{}, err
	}
	q := b.Build(fmt.Sprintf(`SELECT o.id, o.oid, o.name, o.form_code FROM (%s) o WHERE %s`, sub, cond(b)))

	var org Organization
	err = s.db.WithSnapshot(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, q.SQL, q.Args...).Scan(&org.ID, &org.OID, &org.Name, &org.FormCode)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, fmt.Errorf("resolve provider by %s: %w", label, err)
	}
	return org, nil
}

func (s *postgresSources) SiteByID(ctx context.Context, at time.Time, id int64) (SiteRef, error) {
	b := sqlq.New()
	sub, err := temporal.SnapshotAt(b, temporal.KindSite, temporal.SnapshotOptions{At: at, IDs: []int64{id}})
	if err != nil {
		return SiteRef{}, err
	}
	q := b.Build(fmt.Sprintf(`SELECT s.id, s.provider_id, s.name FROM (%s) s`, sub))

	var site SiteRef
	err = s.db.WithSnapshot(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, q.SQL, q.Args...).Scan(&site.ID, &site.ProviderID, &site.Name)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return SiteRef{}, ErrNotFound
	}
	if err != nil {
		return SiteRef{}, fmt.Errorf("resolve site %d: %w", id, err)
	}
	return site, nil
}

func (s *postgresSources) Care(ctx context.Context, q sqlq.Query, fn func(CareRow) error) error {
	var assignments []int64
	err := stream(ctx, s.db, q, func(rows pgx.Rows) (CareRow, error) {
		var r CareRow
		err := rows.Scan(&r.PersonID, &r.PersonOID, &r.FirstNames, &r.LastName, &r.BirthDate,
			&r.ChildID, &r.CrossPurchase, &r.OwnProviderName, &r.ExternalProviderName,
			&r.DecisionID, &r.ApplicationDate, &r.DecisionStart, &r.DecisionEnd,
			&r.WeeklyHours, &r.ProvisionMode, &r.ShiftCare, &r.Daily, &r.FullDay, &r.Temporary, &r.ExpressProcessed,
			&r.AssignmentID, &r.AssignmentStart, &r.AssignmentEnd,
			&r.SiteID, &r.SiteOID, &r.SiteName, &r.OperatingMode)
		if err == nil && s.chains != nil {
			assignments = append(assignments, r.AssignmentID)
		}
		return r, err
	}, fn)
	if err != nil || len(assignments) == 0 {
		return err
	}

	// Chain problems are logged only; the listing already succeeded.
	_ = s.db.WithSnapshot(ctx, func(tx pgx.Tx) error {
		s.chains.Warn(ctx, tx, temporal.KindAssignment, time.Now(), assignments)
		return nil
	})
	return nil
}

func (s *postgresSources) Fees(ctx context.Context, q sqlq.Query, fn func(FeeRow) error) error {
	return stream(ctx, s.db, q, func(rows pgx.Rows) (FeeRow, error) {
		var r FeeRow
		err := rows.Scan(&r.FeeID, &r.ChildID, &r.PersonID, &r.PersonOID, &r.FirstNames, &r.LastName,
			&r.Basis, &r.FamilySize, &r.CustomerFee, &r.VoucherValue, &r.Start, &r.End)
		return r, err
	}, fn)
}

func (s *postgresSources) Identities(ctx context.Context, q sqlq.Query, fn func(IdentityRow) error) error {
	return stream(ctx, s.db, q, func(rows pgx.Rows) (IdentityRow, error) {
		var r IdentityRow
		err := rows.Scan(&r.PersonID, &r.PersonOID, &r.NationalIDEncrypted, &r.ChildID)
		return r, err
	}, fn)
}

func (s *postgresSources) Employees(ctx context.Context, q sqlq.Query, fn func(EmployeeRow) error) error {
	return stream(ctx, s.db, q, func(rows pgx.Rows) (EmployeeRow, error) {
		var r EmployeeRow
		err := rows.Scan(&r.EmployeeID, &r.PersonID, &r.PersonOID, &r.FirstNames, &r.LastName,
			&r.EmploymentID, &r.EmploymentType, &r.Workload, &r.Qualification, &r.WeeklyHours,
			&r.EmploymentStart, &r.EmploymentEnd, &r.Part,
			&r.WorkLocationID, &r.WorkLocationSite, &r.TaskTitle, &r.Qualified, &r.Roaming,
			&r.WorkLocationStart, &r.WorkLocationEnd,
			&r.AbsenceID, &r.AbsenceStart, &r.AbsenceEnd)
		return r, err
	}, fn)
}

func (s *postgresSources) Sites(ctx context.Context, q sqlq.Query, fn func(SiteRow) error) error {
	return stream(ctx, s.db, q, func(rows pgx.Rows) (SiteRow, error) {
		var r SiteRow
		err := rows.Scan(&r.SiteID, &r.SiteOID, &r.SiteName, &r.ProviderOID, &r.ProviderName,
			&r.OperatingMode, &r.ProvisionModes, &r.Languages, &r.Capacity, &r.Status, &r.Start, &r.End,
			&r.EmphasisModel, &r.EmphasisCode, &r.EmphasisStart, &r.EmphasisEnd)
		return r, err
	}, fn)
}

func (s *postgresSources) MissingFees(ctx context.Context, q sqlq.Query, fn func(MissingFeeRow) error) error {
	return stream(ctx, s.db, q, func(rows pgx.Rows) (MissingFeeRow, error) {
		var r MissingFeeRow
		err := rows.Scan(&r.ChildID, &r.PersonID, &r.PersonOID, &r.FirstNames, &r.LastName, &r.BirthDate, &r.CrossPurchase)
		return r, err
	}, fn)
}
