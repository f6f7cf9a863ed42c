package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
)

// Report is one yearly report. A section is nil when the principal may not view it.
type Report struct {
	SnapshotAt      time.Time        `json:"poiminta_pvm"`
	StatisticalDate string           `json:"tilastointi_pvm"`
	ProviderOID     string           `json:"organisaatio_oid,omitempty"`
	ChildCare       *ChildCareReport `json:"varhaiskasvatus,omitempty"`
	Employees       *EmployeeReport  `json:"henkilosto,omitempty"`
}

// Measures are the counts of one child-care cell.
type Measures struct {
	Persons     int64 `json:"henkilo_lkm"`
	Children    int64 `json:"lapsi_lkm"`
	PartDay     int64 `json:"osapaivainen_lkm"`
	FullDay     int64 `json:"kokopaivainen_lkm"`
	ShiftCare   int64 `json:"vuorohoito_lkm"`
	Assignments int64 `json:"vakasuhde_lkm"`
	Decisions   int64 `json:"vakapaatos_lkm"`
}

// ChildCareCell is one (cross-purchase, operating mode) bucket. A nil CrossPurchase and an
// empty OperatingMode mean all.
type ChildCareCell struct {
	CrossPurchase     *bool  `json:"paos"`
	OperatingMode     string `json:"toimintamuoto,omitempty"`
	OperatingModeName string `json:"toimintamuoto_nimi,omitempty"`
	Measures
}

// FeeCell is one (cross-purchase, fee basis) bucket.
type FeeCell struct {
	CrossPurchase *bool  `json:"paos"`
	Basis         string `json:"maksun_peruste,omitempty"`
	BasisName     string `json:"maksun_peruste_nimi,omitempty"`
	Count         int64  `json:"lkm"`
}

// Coded is a count for one code.
type Coded struct {
	Code  string `json:"koodi"`
	Name  string `json:"nimi"`
	Count int64  `json:"lkm"`
}

// SupportCell is the number of children per support level and age group. An empty AgeGroup is
// the level total.
type SupportCell struct {
	Level        string `json:"tuen_taso"`
	LevelName    string `json:"tuen_taso_nimi"`
	AgeGroup     string `json:"ikaryhma,omitempty"`
	AgeGroupName string `json:"ikaryhma_nimi,omitempty"`
	Count        int64  `json:"lkm"`
}

type ChildCareReport struct {
	Cells                []ChildCareCell `json:"lapset"`
	Fees                 []FeeCell       `json:"maksutiedot"`
	Sites                int64           `json:"toimipaikka_lkm"`
	SitesByMode          []Coded         `json:"toimipaikat_toimintamuodoittain"`
	Capacity             int64           `json:"varhaiskasvatuspaikat_summa"`
	LinguisticEmphases   int64           `json:"kielipainotus_lkm"`
	LinguisticByLanguage []Coded         `json:"kielipainotukset_kielittain"`
	FunctionalEmphases   int64           `json:"toiminnallinen_painotus_lkm"`
	FunctionalByCode     []Coded         `json:"toiminnalliset_painotukset"`
	SupportTotal         int64           `json:"tuen_piirissa_lkm"`
	Support              []SupportCell   `json:"tuen_tasot"`
}

// Cell returns the measures of one bucket, zero when absent.
func (r *ChildCareReport) Cell(crossPurchase *bool, mode string) Measures {
	for _, c := range r.Cells {
		if sameBool(c.CrossPurchase, crossPurchase) && c.OperatingMode == mode {
			return c.Measures
		}
	}
	return Measures{}
}

// FeeCount returns the count of one fee bucket, zero when absent.
func (r *ChildCareReport) FeeCount(crossPurchase *bool, basis string) int64 {
	for _, c := range r.Fees {
		if sameBool(c.CrossPurchase, crossPurchase) && c.Basis == basis {
			return c.Count
		}
	}
	return 0
}

// TitleCount is the number of employees holding a task title.
type TitleCount struct {
	Code      string `json:"tehtavanimike"`
	Name      string `json:"nimi"`
	Employees int64  `json:"lkm"`
	Qualified int64  `json:"kelpoinen_lkm"`
}

// EmploymentCell is one (type, workload) bucket. An empty Workload is the type total and an
// empty Type is the grand total.
type EmploymentCell struct {
	Type         string `json:"tyosuhde,omitempty"`
	TypeName     string `json:"tyosuhde_nimi,omitempty"`
	Workload     string `json:"tyoaika,omitempty"`
	WorkloadName string `json:"tyoaika_nimi,omitempty"`
	Count        int64  `json:"lkm"`
}

// MonthCount is a monthly total. Month is YYYY-MM.
type MonthCount struct {
	Month string `json:"kuukausi"`
	Count int64  `json:"lkm"`
}

type EmployeeReport struct {
	Employees     int64            `json:"tyontekija_lkm"`
	Titles        []TitleCount     `json:"tehtavanimikkeet"`
	Roaming       int64            `json:"kiertava_lkm"`
	Employments   []EmploymentCell `json:"palvelussuhteet"`
	Leased        []MonthCount     `json:"vuokrattu_henkilosto"`
	LeasedTotal   int64            `json:"vuokrattu_henkilosto_yhteensa"`
	Temporary     []MonthCount     `json:"tilapainen_henkilosto"`
	TemporaryYear int64            `json:"tilapainen_henkilosto_koko_vuosi"`
}

func sameBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

var crossPurchaseBuckets = []*bool{nil, ptr(false), ptr(true)}

func ptr[T any](v T) *T { return &v }

func boolKey(b *bool) string {
	if b == nil {
		return "*"
	}
	return fmt.Sprint(*b)
}

func (s *service) childCareReport(ctx context.Context, groups map[string][]repo.Group, lang codes.Language) ChildCareReport {
	var out ChildCareReport

	cells := make(map[string]Measures)
	var modes []string
	for _, g := range groups[repo.AggChildCare] {
		mode := keyOf(g.Key(1))
		modes = append(modes, mode)
		cells[boolKey(crossPurchase(g.Key(0)))+"|"+mode] = Measures{
			Persons:     g.Value(0),
			Children:    g.Value(1),
			PartDay:     g.Value(2),
			FullDay:     g.Value(3),
			ShiftCare:   g.Value(4),
			Assignments: g.Value(5),
			Decisions:   g.Value(6),
		}
	}
	modeList := append([]string{""}, s.codeList(ctx, codes.KoodistoOperatingMode, modes)...)
	for _, cp := range crossPurchaseBuckets {
		for _, mode := range modeList {
			out.Cells = append(out.Cells, ChildCareCell{
				CrossPurchase:     cp,
				OperatingMode:     mode,
				OperatingModeName: s.codes.Name(ctx, codes.KoodistoOperatingMode, mode, lang),
				Measures:          cells[boolKey(cp)+"|"+mode],
			})
		}
	}

	fees := make(map[string]int64)
	var bases []string
	for _, g := range groups[repo.AggFees] {
		basis := keyOf(g.Key(1))
		bases = append(bases, basis)
		fees[boolKey(crossPurchase(g.Key(0)))+"|"+basis] = g.Value(0)
	}
	basisList := append([]string{""}, s.codeList(ctx, codes.KoodistoFeeBasis, bases)...)
	for _, cp := range crossPurchaseBuckets {
		for _, basis := range basisList {
			out.Fees = append(out.Fees, FeeCell{
				CrossPurchase: cp,
				Basis:         basis,
				BasisName:     s.codes.Name(ctx, codes.KoodistoFeeBasis, basis, lang),
				Count:         fees[boolKey(cp)+"|"+basis],
			})
		}
	}

	out.Sites, out.SitesByMode = s.coded(ctx, groups[repo.AggSites], codes.KoodistoOperatingMode, lang, 0)
	for _, g := range groups[repo.AggSites] {
		if g.Key(0) == nil {
			out.Capacity = g.Value(1)
		}
	}
	out.LinguisticEmphases, out.LinguisticByLanguage = s.coded(ctx, groups[repo.AggLinguistic], codes.KoodistoLanguage, lang, 0)
	out.FunctionalEmphases, out.FunctionalByCode = s.coded(ctx, groups[repo.AggFunctional], codes.KoodistoFunctionalEmphasis, lang, 0)

	for _, g := range groups[repo.AggSupport] {
		level := g.Key(0)
		if level == nil {
			out.SupportTotal = g.Value(0)
			continue
		}
		cell := SupportCell{
			Level:     *level,
			LevelName: s.codes.Name(ctx, codes.KoodistoSupportLevel, *level, lang),
			Count:     g.Value(0),
		}
		if age := g.Key(1); age != nil {
			cell.AgeGroup = *age
			cell.AgeGroupName = s.codes.Name(ctx, codes.KoodistoAgeGroup, *age, lang)
		}
		out.Support = append(out.Support, cell)
	}
	sortSupport(out.Support)
	return out
}

// coded splits a one-key aggregation into its total and per-code counts, naming every code of
// the koodisto.
func (s *service) coded(ctx context.Context, groups []repo.Group, koodisto string, lang codes.Language, value int) (int64, []Coded) {
	var total int64
	counts := make(map[string]int64)
	var seen []string
	for _, g := range groups {
		if g.Key(0) == nil {
			total = g.Value(value)
			continue
		}
		counts[*g.Key(0)] = g.Value(value)
		seen = append(seen, *g.Key(0))
	}
	list := s.codeList(ctx, koodisto, seen)
	out := make([]Coded, 0, len(list))
	for _, code := range list {
		out = append(out, Coded{Code: code, Name: s.codes.Name(ctx, koodisto, code, lang), Count: counts[code]})
	}
	return total, out
}

func (s *service) employeeReport(ctx context.Context, groups map[string][]repo.Group, year int, lang codes.Language) EmployeeReport {
	var out EmployeeReport

	for _, g := range groups[repo.AggEmployees] {
		out.Employees = g.Value(0)
		out.Roaming = g.Value(1)
	}

	titles := make(map[string]repo.Group)
	var seen []string
	for _, g := range groups[repo.AggTitles] {
		code := keyOf(g.Key(0))
		titles[code] = g
		seen = append(seen, code)
	}
	for _, code := range s.codeList(ctx, codes.KoodistoTaskTitle, seen) {
		g := titles[code]
		out.Titles = append(out.Titles, TitleCount{
			Code:      code,
			Name:      s.codes.Name(ctx, codes.KoodistoTaskTitle, code, lang),
			Employees: g.Value(0),
			Qualified: g.Value(1),
		})
	}

	for _, g := range groups[repo.AggEmployments] {
		cell := EmploymentCell{Count: g.Value(0)}
		if t := g.Key(0); t != nil {
			cell.Type = *t
			cell.TypeName = s.codes.Name(ctx, codes.KoodistoEmploymentType, *t, lang)
		}
		if w := g.Key(1); w != nil {
			cell.Workload = *w
			cell.WorkloadName = s.codes.Name(ctx, codes.KoodistoWorkload, *w, lang)
		}
		out.Employments = append(out.Employments, cell)
	}
	sortEmployments(out.Employments)

	out.Leased, out.LeasedTotal = months(groups[repo.AggLeased], year)
	out.Temporary, out.TemporaryYear = months(groups[repo.AggTemporary], year)
	return out
}

// months lays a monthly aggregation over every month of the year.
func months(groups []repo.Group, year int) ([]MonthCount, int64) {
	var total int64
	byMonth := make(map[string]int64)
	for _, g := range groups {
		if g.Key(0) == nil {
			total = g.Value(0)
			continue
		}
		byMonth[*g.Key(0)] = g.Value(0)
	}
	out := make([]MonthCount, 0, 12)
	for m := time.January; m <= time.December; m++ {
		key := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
		out = append(out, MonthCount{Month: key, Count: byMonth[key]})
	}
	return out, total
}
