package repo

import (
	"fmt"
	"sort"
)

// Root is the entity a defect report is keyed on.
type Root string

const (
	RootChild        Root = "child"
	RootEmployee     Root = "employee"
	RootSite         Root = "site"
	RootOrganization Root = "organization"
)

func (r Root) Valid() bool {
	_, ok := roots[r]
	return ok
}

// Referenced model names. They match the registry model names consumers already know.
const (
	ModelOrganization       = "Organisaatio"
	ModelSite               = "Toimipaikka"
	ModelLinguisticEmphasis = "KieliPainotus"
	ModelFunctionalEmphasis = "ToiminnallinenPainotus"
	ModelPerson             = "Henkilo"
	ModelChild              = "Lapsi"
	ModelDecision           = "Varhaiskasvatuspaatos"
	ModelAssignment         = "Varhaiskasvatussuhde"
	ModelFee                = "Maksutieto"
	ModelEmployee           = "Tyontekija"
	ModelQualification      = "Tutkinto"
	ModelEmployment         = "Palvelussuhde"
	ModelWorkLocation       = "Tyoskentelypaikka"
	ModelExtendedAbsence    = "PidempiPoissaolo"
)

// MunicipalFeeMax is the highest customer fee a municipal provider may charge per month.
const MunicipalFeeMax = 311

// Template parameters. The scanner binds each one once per query.
const (
	paramToday     = "{{today}}"
	paramFeeLimit  = "{{fee_limit}}"
	paramFeeMax    = "{{fee_max}}"
	paramFeeScope  = "{{fee_scope}}"
	paramOverAge   = "{{over_age}}"
	infinityDate   = "'infinity'::date"
	overAgeYears   = 8
	activeTodayFmt = "(%[1]s.start_date <= {{today}}::date AND (%[1]s.end_date IS NULL OR %[1]s.end_date >= {{today}}::date))"
)

// Invariant is one entry of the defect catalog. Each violation yields a (root id, sub id) pair:
// RootExpr and IDExpr are evaluated over From filtered by Predicate.
type Invariant struct {
	Code  string
	Root  Root
	Model string
	// Fee marks invariants that read fee rows; they only apply to principals with fee access.
	Fee       bool
	From      string
	Predicate string
	RootExpr  string
	IDExpr    string
}

func activeToday(alias string) string {
	return fmt.Sprintf(activeTodayFmt, alias)
}

func overlaps(a, b string) string {
	return fmt.Sprintf("(%[1]s.start_date <= COALESCE(%[2]s.end_date, %[3]s) AND %[2]s.start_date <= COALESCE(%[1]s.end_date, %[3]s))", a, b, infinityDate)
}

var catalog = []Invariant{
	// child root
	{
		Code: "VP002", Root: RootChild, Model: ModelAssignment,
		From:      "assignment a JOIN decision d ON d.id = a.decision_id",
		Predicate: "a.start_date < d.start_date",
		RootExpr:  "d.child_id", IDExpr: "a.id",
	},
	{
		Code: "VP003", Root: RootChild, Model: ModelAssignment,
		From:      "assignment a JOIN decision d ON d.id = a.decision_id",
		Predicate: "a.end_date IS NOT NULL AND d.end_date IS NOT NULL AND a.end_date > d.end_date",
		RootExpr:  "d.child_id", IDExpr: "a.id",
	},
	{
		Code: "VS012", Root: RootChild, Model: ModelAssignment,
		From:      "assignment a JOIN decision d ON d.id = a.decision_id",
		Predicate: "d.end_date IS NOT NULL AND a.end_date IS NULL",
		RootExpr:  "d.child_id", IDExpr: "a.id",
	},
	{
		Code: "VP012", Root: RootChild, Model: ModelChild,
		From:      "child c",
		Predicate: "NOT EXISTS (SELECT 1 FROM decision d WHERE d.child_id = c.id)",
		RootExpr:  "c.id", IDExpr: "c.id",
	},
	{
		Code: "VS014", Root: RootChild, Model: ModelDecision,
		From:      "decision d",
		Predicate: "NOT EXISTS (SELECT 1 FROM assignment a WHERE a.decision_id = d.id)",
		RootExpr:  "d.child_id", IDExpr: "d.id",
	},
	{
		Code: "VP013", Root: RootChild, Model: ModelDecision,
		From:      "decision d JOIN child c ON c.id = d.child_id JOIN person p ON p.id = c.person_id",
		Predicate: "d.end_date IS NULL AND p.birth_date IS NOT NULL AND p.birth_date <= {{over_age}}::date",
		RootExpr:  "d.child_id", IDExpr: "d.id",
	},
	{
		Code: "VS015", Root: RootChild, Model: ModelAssignment,
		From:      "assignment a JOIN decision d ON d.id = a.decision_id JOIN site s ON s.id = a.site_id",
		Predicate: "s.end_date IS NOT NULL AND COALESCE(a.end_date, " + infinityDate + ") > s.end_date",
		RootExpr:  "d.child_id", IDExpr: "a.id",
	},
	{
		Code: "HE017", Root: RootChild, Model: ModelPerson,
		From:      "child c JOIN person p ON p.id = c.person_id",
		Predicate: "NOT p.identification_confirmed",
		RootExpr:  "c.id", IDExpr: "p.id",
	},
	{
		Code: "HE018", Root: RootChild, Model: ModelPerson,
		From:      "child c JOIN person p ON p.id = c.person_id",
		Predicate: "COALESCE(p.national_id_hash, '') = ''",
		RootExpr:  "c.id", IDExpr: "p.id",
	},
	{
		Code: "MA015", Root: RootChild, Model: ModelFee, Fee: true,
		From:      "fee f",
		Predicate: "{{fee_scope}} AND NOT EXISTS (SELECT 1 FROM decision d WHERE d.child_id = f.child_id AND " + overlaps("d", "f") + ")",
		RootExpr:  "f.child_id", IDExpr: "f.id",
	},
	{
		Code: "MA016", Root: RootChild, Model: ModelFee, Fee: true,
		From:      "fee f JOIN child c ON c.id = f.child_id JOIN person p ON p.id = c.person_id",
		Predicate: "{{fee_scope}} AND f.end_date IS NULL AND p.birth_date IS NOT NULL AND p.birth_date <= {{over_age}}::date",
		RootExpr:  "f.child_id", IDExpr: "f.id",
	},
	{
		Code: "MA019", Root: RootChild, Model: ModelFee, Fee: true,
		From: "fee f",
		Predicate: "{{fee_scope}} AND (SELECT count(*) FROM fee f2 WHERE f2.child_id = f.child_id AND f2.id <> f.id AND " +
			overlaps("f", "f2") + ") >= {{fee_limit}}",
		RootExpr: "f.child_id", IDExpr: "f.id",
	},
	{
		Code: "MA020", Root: RootChild, Model: ModelFee, Fee: true,
		From:      "fee f",
		Predicate: "{{fee_scope}} AND NOT f.private AND f.customer_fee > {{fee_max}}",
		RootExpr:  "f.child_id", IDExpr: "f.id",
	},
	{
		Code: "MA021", Root: RootChild, Model: ModelFee, Fee: true,
		From: "fee f",
		Predicate: "{{fee_scope}} AND f.voucher_value = 0 AND EXISTS (SELECT 1 FROM decision d WHERE d.child_id = f.child_id " +
			"AND lower(d.provision_mode_code) = 'jm03' AND " + overlaps("d", "f") + ")",
		RootExpr: "f.child_id", IDExpr: "f.id",
	},

	// employee root
	{
		Code: "PS008", Root: RootEmployee, Model: ModelEmployee,
		From:      "employee e",
		Predicate: "NOT EXISTS (SELECT 1 FROM employment em WHERE em.employee_id = e.id)",
		RootExpr:  "e.id", IDExpr: "e.id",
	},
	{
		Code: "PS009", Root: RootEmployee, Model: ModelEmployment,
		From: "employment em",
		Predicate: activeToday("em") +
			" AND NOT EXISTS (SELECT 1 FROM work_location wl WHERE wl.employment_id = em.id AND " + activeToday("wl") + ")" +
			" AND NOT EXISTS (SELECT 1 FROM extended_absence ea WHERE ea.employment_id = em.id AND " + activeToday("ea") + ")",
		RootExpr: "em.employee_id", IDExpr: "em.id",
	},
	{
		Code: "TU004", Root: RootEmployee, Model: ModelEmployee,
		From: "employee e",
		Predicate: "NOT EXISTS (SELECT 1 FROM qualification q WHERE q.person_id = e.person_id AND q.provider_id = e.provider_id)" +
			" AND NOT EXISTS (SELECT 1 FROM employment em WHERE em.employee_id = e.id AND em.qualification_code <> '')",
		RootExpr: "e.id", IDExpr: "e.id",
	},
	{
		Code: "TA006", Root: RootEmployee, Model: ModelWorkLocation,
		From:      "work_location wl JOIN employment em ON em.id = wl.employment_id",
		Predicate: "wl.start_date < em.start_date",
		RootExpr:  "em.employee_id", IDExpr: "wl.id",
	},
	{
		Code: "TA008", Root: RootEmployee, Model: ModelWorkLocation,
		From:      "work_location wl JOIN employment em ON em.id = wl.employment_id",
		Predicate: "wl.end_date IS NOT NULL AND em.end_date IS NOT NULL AND wl.end_date > em.end_date",
		RootExpr:  "em.employee_id", IDExpr: "wl.id",
	},
	{
		Code: "TA013", Root: RootEmployee, Model: ModelWorkLocation,
		From:      "work_location wl JOIN employment em ON em.id = wl.employment_id",
		Predicate: "em.end_date IS NOT NULL AND wl.end_date IS NULL",
		RootExpr:  "em.employee_id", IDExpr: "wl.id",
	},
	{
		Code: "TA014", Root: RootEmployee, Model: ModelEmployment,
		From:      "employment em",
		Predicate: "NOT EXISTS (SELECT 1 FROM work_location wl WHERE wl.employment_id = em.id)",
		RootExpr:  "em.employee_id", IDExpr: "em.id",
	},
	{
		Code: "TA016", Root: RootEmployee, Model: ModelExtendedAbsence,
		From:      "extended_absence ea JOIN employment em ON em.id = ea.employment_id",
		Predicate: "ea.start_date < em.start_date OR ea.end_date > COALESCE(em.end_date, " + infinityDate + ")",
		RootExpr:  "em.employee_id", IDExpr: "ea.id",
	},

	// site root
	{
		Code: "TO001", Root: RootSite, Model: ModelSite,
		From:      "site s",
		Predicate: "s.has_functional_emphasis AND NOT EXISTS (SELECT 1 FROM functional_emphasis fe WHERE fe.site_id = s.id)",
		RootExpr:  "s.id", IDExpr: "s.id",
	},
	{
		Code: "TO002", Root: RootSite, Model: ModelSite,
		From:      "site s",
		Predicate: "NOT s.has_functional_emphasis AND EXISTS (SELECT 1 FROM functional_emphasis fe WHERE fe.site_id = s.id)",
		RootExpr:  "s.id", IDExpr: "s.id",
	},
	{
		Code: "KP001", Root: RootSite, Model: ModelSite,
		From:      "site s",
		Predicate: "s.has_linguistic_emphasis AND NOT EXISTS (SELECT 1 FROM linguistic_emphasis le WHERE le.site_id = s.id)",
		RootExpr:  "s.id", IDExpr: "s.id",
	},
	{
		Code: "KP002", Root: RootSite, Model: ModelSite,
		From:      "site s",
		Predicate: "NOT s.has_linguistic_emphasis AND EXISTS (SELECT 1 FROM linguistic_emphasis le WHERE le.site_id = s.id)",
		RootExpr:  "s.id", IDExpr: "s.id",
	},
	{
		Code: "TP021", Root: RootSite, Model: ModelSite,
		From:      "site s",
		Predicate: "s.capacity = 0 AND EXISTS (SELECT 1 FROM assignment a WHERE a.site_id = s.id AND " + activeToday("a") + ")",
		RootExpr:  "s.id", IDExpr: "s.id",
	},
	{
		Code: "TP022", Root: RootSite, Model: ModelLinguisticEmphasis,
		From:      "linguistic_emphasis le JOIN site s ON s.id = le.site_id",
		Predicate: "s.end_date IS NOT NULL AND COALESCE(le.end_date, " + infinityDate + ") > s.end_date",
		RootExpr:  "s.id", IDExpr: "le.id",
	},
	{
		Code: "TP022", Root: RootSite, Model: ModelFunctionalEmphasis,
		From:      "functional_emphasis fe JOIN site s ON s.id = fe.site_id",
		Predicate: "s.end_date IS NOT NULL AND COALESCE(fe.end_date, " + infinityDate + ") > s.end_date",
		RootExpr:  "s.id", IDExpr: "fe.id",
	},

	// organization root
	{
		Code: "VJ001", Root: RootOrganization, Model: ModelOrganization,
		From:      "organization o",
		Predicate: activeToday("o") + " AND NOT EXISTS (SELECT 1 FROM site s WHERE s.provider_id = o.id AND " + activeToday("s") + ")",
		RootExpr:  "o.id", IDExpr: "o.id",
	},
	{
		Code: "VJ002", Root: RootOrganization, Model: ModelSite,
		From:      "site s JOIN organization o ON o.id = s.provider_id",
		Predicate: "o.end_date IS NOT NULL AND COALESCE(s.end_date, " + infinityDate + ") > o.end_date",
		RootExpr:  "s.provider_id", IDExpr: "s.id",
	},
}

// Catalog returns the invariants of root in declaration order.
func Catalog(root Root) []Invariant {
	var out []Invariant
	for _, inv := range catalog {
		if inv.Root == root {
			out = append(out, inv)
		}
	}
	return out
}

// Codes returns the distinct codes of root, sorted.
func Codes(root Root) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, inv := range Catalog(root) {
		if _, ok := seen[inv.Code]; ok {
			continue
		}
		seen[inv.Code] = struct{}{}
		out = append(out, inv.Code)
	}
	sort.Strings(out)
	return out
}

// Select narrows the invariants of root by code. With exclude set, codes are removed instead of
// kept. Unknown codes select nothing. Fee invariants are dropped unless withFee is set.
func Select(root Root, codes []string, exclude, withFee bool) []Invariant {
	wanted := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		wanted[c] = struct{}{}
	}

	var out []Invariant
	for _, inv := range Catalog(root) {
		if inv.Fee && !withFee {
			continue
		}
		if len(wanted) > 0 {
			_, listed := wanted[inv.Code]
			if listed == exclude {
				continue
			}
		}
		out = append(out, inv)
	}
	return out
}
