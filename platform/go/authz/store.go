package authz

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

// Ownership queries take the qualifying organization OIDs as $1. An OID may name a provider
// (everything it owns) or a site (objects attached to that site).
const (
	providerIDs = `SELECT o.id FROM organization o WHERE o.oid = ANY($1)`
	siteIDs     = `SELECT s.id FROM site s WHERE s.oid = ANY($1) OR s.provider_id IN (` + providerIDs + `)`

	childByProvider = `SELECT c.id FROM child c
WHERE c.provider_id IN (` + providerIDs + `)
   OR c.own_provider_id IN (` + providerIDs + `)
   OR c.external_provider_id IN (` + providerIDs + `)`

	assignmentBySite = `SELECT a.id, a.decision_id FROM assignment a JOIN site s ON s.id = a.site_id WHERE s.oid = ANY($1)`

	employeeByProvider = `SELECT e.id FROM employee e WHERE e.provider_id IN (` + providerIDs + `)`

	workLocationBySite = `SELECT wl.id, wl.employment_id FROM work_location wl JOIN site s ON s.id = wl.site_id WHERE s.oid = ANY($1)`
)

var ownershipQueries = map[temporal.Kind]string{
	temporal.KindOrganization: providerIDs + `
UNION SELECT s.provider_id FROM site s WHERE s.oid = ANY($1)`,

	temporal.KindSite: siteIDs,

	temporal.KindLinguisticEmphasis: `SELECT le.id FROM linguistic_emphasis le WHERE le.site_id IN (` + siteIDs + `)`,
	temporal.KindFunctionalEmphasis: `SELECT fe.id FROM functional_emphasis fe WHERE fe.site_id IN (` + siteIDs + `)`,

	temporal.KindChild: childByProvider + `
UNION SELECT d.child_id FROM decision d JOIN (` + assignmentBySite + `) sa ON sa.decision_id = d.id`,

	temporal.KindDecision: `SELECT d.id FROM decision d WHERE d.child_id IN (` + childByProvider + `)
UNION SELECT sa.decision_id FROM (` + assignmentBySite + `) sa`,

	temporal.KindAssignment: `SELECT a.id FROM assignment a JOIN decision d ON d.id = a.decision_id WHERE d.child_id IN (` + childByProvider + `)
UNION SELECT sa.id FROM (` + assignmentBySite + `) sa`,

	temporal.KindFee: `SELECT f.id FROM fee f WHERE f.child_id IN (` + childByProvider + `)`,

	temporal.KindEmployee: employeeByProvider + `
UNION SELECT em.employee_id FROM employment em JOIN (` + workLocationBySite + `) sw ON sw.employment_id = em.id`,

	temporal.KindEmployment: `SELECT em.id FROM employment em WHERE em.employee_id IN (` + employeeByProvider + `)
UNION SELECT sw.employment_id FROM (` + workLocationBySite + `) sw`,

	temporal.KindWorkLocation: `SELECT wl.id FROM work_location wl JOIN employment em ON em.id = wl.employment_id WHERE em.employee_id IN (` + employeeByProvider + `)
UNION SELECT sw.id FROM (` + workLocationBySite + `) sw`,

	temporal.KindExtendedAbsence: `SELECT ea.id FROM extended_absence ea JOIN employment em ON em.id = ea.employment_id WHERE em.employee_id IN (` + employeeByProvider + `)
UNION SELECT ea.id FROM extended_absence ea JOIN (` + workLocationBySite + `) sw ON sw.employment_id = ea.employment_id`,
}

// PostgresStore reads principal_role, object_grant and the ownership graph.
type PostgresStore struct {
	q persistence.Querier
}

func NewPostgresStore(q persistence.Querier) *PostgresStore {
	if q == nil {
		panic("authz store requires querier")
	}
	return &PostgresStore{q: q}
}

func (s *PostgresStore) Roles(ctx context.Context, principalID string) ([]RoleGrant, error) {
	rows, err := s.q.Query(ctx, `
SELECT role, organization_oid
FROM principal_role
WHERE principal_id = $1
ORDER BY organization_oid, role`, principalID)
	if err != nil {
		return nil, err
	}

	var (
		out       []RoleGrant
		role, oid string
	)
	_, err = pgx.ForEachRow(rows, []any{&role, &oid}, func() error {
		out = append(out, RoleGrant{Role: Role(role), OrganizationOID: oid})
		return nil
	})
	return out, err
}

func (s *PostgresStore) ObjectGrants(ctx context.Context, principalID string, kind temporal.Kind, verb Verb) ([]int64, error) {
	verbs := []string{string(verb)}
	if verb == VerbView {
		verbs = []string{string(VerbView), string(VerbChange), string(VerbDelete)}
	}

	rows, err := s.q.Query(ctx, `
SELECT DISTINCT object_id
FROM object_grant
WHERE principal_id = $1 AND object_kind = $2 AND verb = ANY($3)`, principalID, string(kind), verbs)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *PostgresStore) ResolveIDs(ctx context.Context, kind temporal.Kind, oids []string) ([]int64, error) {
	query, ok := ownershipQueries[kind]
	if !ok {
		return nil, fmt.Errorf("no ownership query for %s", kind)
	}
	rows, err := s.q.Query(ctx, query, oids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// GrantRole inserts a principal_role row and notifies listeners. Used by tooling and tests.
func (s *PostgresStore) GrantRole(ctx context.Context, principalID string, grant RoleGrant, grantedBy string) error {
	if _, err := s.q.Exec(ctx, `
INSERT INTO principal_role (principal_id, role, organization_oid, granted_by)
VALUES ($1, $2, $3, $4)
ON CONFLICT (principal_id, role, organization_oid) DO NOTHING`,
		principalID, string(grant.Role), grant.OrganizationOID, grantedBy); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return Notify(ctx, s.q, principalID)
}
