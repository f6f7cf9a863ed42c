package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	dqrepo "github.com/Opetushallitus/varda-reporting/domains/dataquality/be/repo"
	dqservice "github.com/Opetushallitus/varda-reporting/domains/dataquality/be/service"
	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/repo"
	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/xlsx"
	yrservice "github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/audit"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/nationalid"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

type mockDefects struct {
	scanFn     func(ctx context.Context, caller requesttrace.AuditInfo, f dqservice.Filter) ([]dqservice.Record, error)
	validityFn func(ctx context.Context, model string, ids []int64) (map[int64]dqrepo.Interval, error)
}

func (m *mockDefects) Scan(ctx context.Context, caller requesttrace.AuditInfo, f dqservice.Filter) ([]dqservice.Record, error) {
	if m.scanFn == nil {
		panic("scanFn not configured")
	}
	return m.scanFn(ctx, caller, f)
}

func (m *mockDefects) Validity(ctx context.Context, model string, ids []int64) (map[int64]dqrepo.Interval, error) {
	if m.validityFn == nil {
		panic("validityFn not configured")
	}
	return m.validityFn(ctx, model, ids)
}

type mockYearly struct {
	buildFn func(ctx context.Context, caller requesttrace.AuditInfo, req yrservice.Request) (yrservice.Report, error)
}

func (m *mockYearly) Build(ctx context.Context, caller requesttrace.AuditInfo, req yrservice.Request) (yrservice.Report, error) {
	if m.buildFn == nil {
		panic("buildFn not configured")
	}
	return m.buildFn(ctx, caller, req)
}

// upperCodes names every code as its koodisto and value.
type upperCodes struct{}

func (upperCodes) Name(_ context.Context, koodisto, code string, _ codes.Language) string {
	return koodisto + ":" + code
}

var buildAt = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type builderFixture struct {
	sources *mockSources
	authz   *mockAuthz
	defects *mockDefects
	yearly  *mockYearly
	cipher  *nationalid.Cipher
	page    int
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()
	sources := kunta()
	sources.providerByIDFn = func(_ context.Context, _ time.Time, id int64) (repo.Organization, error) {
		return repo.Organization{ID: id, OID: "1.2.246.562.10.1", Name: "Kunta"}, nil
	}
	az := permits(false, []int64{1}, []int64{10})
	az.filterQueryOnFn = passThrough(nil)
	return &builderFixture{
		sources: sources,
		authz:   az,
		defects: &mockDefects{},
		yearly:  &mockYearly{},
		cipher:  newCipher(t),
	}
}

// build runs job and reopens the saved workbook.
func (f *builderFixture) build(t *testing.T, job repo.Job) (*excelize.File, []int, *audit.PersonSet) {
	t.Helper()
	b := NewBuilder(BuilderConfig{
		Sources:    f.sources,
		Authz:      f.authz,
		Defects:    f.defects,
		Yearly:     f.yearly,
		Codes:      upperCodes{},
		Translator: codes.MustLoadCatalog(),
		Cipher:     f.cipher,
		DefectPage: f.page,
		Logger:     zaptest.NewLogger(t),
	})
	wb, err := xlsx.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wb.Close() })

	persons := &audit.PersonSet{}
	require.NoError(t, b.Build(context.Background(), job, buildAt, wb, persons))
	path := filepath.Join(t.TempDir(), "out.xlsx")
	require.NoError(t, wb.SaveAs(path))

	file, err := excelize.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })
	return file, wb.RowsPerSheet(), persons
}

func providerJob(reportType string) repo.Job {
	provider := int64(1)
	return repo.Job{
		ID:          7,
		ReportType:  reportType,
		TargetDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Language:    "FI",
		RequesterID: "paakayttaja",
		ProviderID:  &provider,
	}
}

func TestFormatInterval(t *testing.T) {
	t.Parallel()

	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "01.01.2024-31.12.2024", formatInterval(dqrepo.Interval{Start: start, End: &end}))
	require.Equal(t, "01.01.2024-", formatInterval(dqrepo.Interval{Start: start}))
	require.Empty(t, formatInterval(dqrepo.Interval{}))
}

func TestBuildActiveCareWithFees(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	var filteredOn []string
	f.authz.filterQueryOnFn = passThrough(&filteredOn)
	born := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	f.sources.careFn = func(_ context.Context, q sqlq.Query, fn func(repo.CareRow) error) error {
		require.Contains(t, q.SQL, `ORDER BY r."last_name"`)
		return fn(repo.CareRow{
			PersonID: 100, PersonOID: "1.2.246.562.24.100", FirstNames: "Aino", LastName: "Aalto", BirthDate: &born,
			ChildID: 200, ProvisionMode: "jm01", FullDay: true, AssignmentID: 300, SiteID: 10, SiteName: "Paivakoti",
		})
	}
	f.sources.feesFn = func(_ context.Context, _ sqlq.Query, fn func(repo.FeeRow) error) error {
		return fn(repo.FeeRow{FeeID: 400, ChildID: 200, PersonID: 100, PersonOID: "1.2.246.562.24.100", Basis: "mp01", FamilySize: 3})
	}
	f.authz.permittedIDsFn = func(context.Context, string, temporal.Kind, authz.Verb) (authz.Set, error) {
		return authz.Set{IDs: []int64{400}}, nil
	}

	file, rows, persons := f.build(t, providerJob(TypeActiveCare))
	require.Equal(t, []string{"Varhaiskasvatustiedot", "Maksutiedot"}, file.GetSheetList())
	require.Equal(t, []int{1, 1}, rows)
	require.Equal(t, 1, persons.Len())
	require.Equal(t, []string{"child_id", "fee_id"}, filteredOn)

	name, err := file.GetCellValue("Varhaiskasvatustiedot", "D2")
	require.NoError(t, err)
	require.Equal(t, "Aalto", name)
	mode, err := file.GetCellValue("Varhaiskasvatustiedot", "N2")
	require.NoError(t, err)
	require.Equal(t, codes.KoodistoProvisionMode+":jm01", mode)
	fullDay, err := file.GetCellValue("Varhaiskasvatustiedot", "Q2")
	require.NoError(t, err)
	require.Equal(t, "Kylla", fullDay)
}

func TestBuildActiveCareSkipsFeesForSite(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	f.sources.careFn = func(context.Context, sqlq.Query, func(repo.CareRow) error) error { return nil }

	job := providerJob(TypeActiveCare)
	site := int64(10)
	job.SiteID = &site
	file, rows, _ := f.build(t, job)
	require.Equal(t, []string{"Varhaiskasvatustiedot"}, file.GetSheetList())
	require.Equal(t, []int{0}, rows)
}

func TestBuildIdentitiesForSuperViewer(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	sealed, err := f.cipher.Encrypt("010520A123B")
	require.NoError(t, err)
	f.sources.identitiesFn = func(_ context.Context, _ sqlq.Query, fn func(repo.IdentityRow) error) error {
		if err := fn(repo.IdentityRow{PersonID: 1, PersonOID: "1.2.246.562.24.1", NationalIDEncrypted: sealed}); err != nil {
			return err
		}
		return fn(repo.IdentityRow{PersonID: 2, PersonOID: "1.2.246.562.24.2"})
	}

	job := providerJob(TypeActiveCare)
	job.ProviderID = nil
	job.SuperViewer = true
	file, rows, persons := f.build(t, job)
	require.Equal(t, []string{"Henkilotunnukset"}, file.GetSheetList())
	require.Equal(t, []int{2}, rows)
	require.Zero(t, persons.Len())

	id, err := file.GetCellValue("Henkilotunnukset", "B2")
	require.NoError(t, err)
	require.Equal(t, "010520A123B", id)
	blank, err := file.GetCellValue("Henkilotunnukset", "B3")
	require.NoError(t, err)
	require.Empty(t, blank)
}

func TestBuildQualityDefectsPages(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	f.page = 2
	var calls []dqservice.Filter
	record := func(id int64, errs ...dqservice.Error) dqservice.Record {
		return dqservice.Record{ID: id, OID: "oid", PersonID: id + 1000, FirstNames: "Aino", LastName: "Aalto", Errors: errs}
	}
	f.defects.scanFn = func(_ context.Context, caller requesttrace.AuditInfo, filter dqservice.Filter) ([]dqservice.Record, error) {
		require.Equal(t, "paakayttaja", caller.PrincipalID)
		calls = append(calls, filter)
		if len(calls) == 1 {
			return []dqservice.Record{
				record(1, dqservice.Error{Code: "MA003", Description: "Maksutieto puuttuu", Model: "Maksutieto", IDs: []int64{11, 12}}),
				record(2, dqservice.Error{Code: "VP002", Description: "Ei paatosta", Model: "Lapsi"}),
			}, nil
		}
		return []dqservice.Record{record(3, dqservice.Error{Code: "VP002", Description: "Ei paatosta", Model: "Lapsi"})}, nil
	}
	f.defects.validityFn = func(_ context.Context, model string, ids []int64) (map[int64]dqrepo.Interval, error) {
		require.Equal(t, "Maksutieto", model)
		require.Equal(t, []int64{11, 12}, ids)
		return map[int64]dqrepo.Interval{11: {Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}}, nil
	}

	job := providerJob(TypeQualityDefects)
	job.ReportSubtype = SubtypeChildren
	file, rows, persons := f.build(t, job)

	require.Len(t, calls, 2)
	require.Nil(t, calls[0].After)
	require.NotNil(t, calls[1].After)
	require.Equal(t, dqrepo.RootChild, calls[0].Root)
	require.Equal(t, "1.2.246.562.10.1", calls[0].ProviderOID)
	require.Equal(t, 2, calls[0].Limit)

	require.Equal(t, []int{4}, rows)
	require.Equal(t, 3, persons.Len())
	validity, err := file.GetCellValue("Lapset", "I2")
	require.NoError(t, err)
	require.Equal(t, "01.01.2024-", validity)
	model, err := file.GetCellValue("Lapset", "G2")
	require.NoError(t, err)
	require.Equal(t, "Maksutieto", model)
	noID, err := file.GetCellValue("Lapset", "H4")
	require.NoError(t, err)
	require.Empty(t, noID)
}

func TestBuildSitesNamesEmphasis(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	f.sources.sitesFn = func(_ context.Context, _ sqlq.Query, fn func(repo.SiteRow) error) error {
		rows := []repo.SiteRow{
			{SiteID: 10, SiteName: "Paivakoti", Languages: []string{"FI", "SV"}, EmphasisModel: dqrepo.ModelLinguisticEmphasis, EmphasisCode: "SV"},
			{SiteID: 10, SiteName: "Paivakoti", EmphasisModel: dqrepo.ModelFunctionalEmphasis, EmphasisCode: "tp01"},
			{SiteID: 11, SiteName: "Perhepaivahoito"},
		}
		for _, r := range rows {
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	}

	file, rows, persons := f.build(t, providerJob(TypeActiveSites))
	require.Equal(t, []int{3}, rows)
	require.Zero(t, persons.Len())

	get := func(axis string) string {
		v, err := file.GetCellValue("Toimipaikat", axis)
		require.NoError(t, err)
		return v
	}
	require.Equal(t, codes.KoodistoLanguage+":FI, "+codes.KoodistoLanguage+":SV", get("H2"))
	require.Equal(t, "Kielipainotus", get("M2"))
	require.Equal(t, codes.KoodistoLanguage+":SV", get("N2"))
	require.Equal(t, codes.KoodistoFunctionalEmphasis+":tp01", get("N3"))
	require.Empty(t, get("M4"))
}

func TestBuildYearlyReportCapsSnapshot(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	var got yrservice.Request
	f.yearly.buildFn = func(_ context.Context, _ requesttrace.AuditInfo, req yrservice.Request) (yrservice.Report, error) {
		got = req
		return yrservice.Report{
			ChildCare: &yrservice.ChildCareReport{Cells: []yrservice.ChildCareCell{{Measures: yrservice.Measures{Children: 10}}}},
			Employees: &yrservice.EmployeeReport{Employees: 4},
		}, nil
	}

	job := providerJob(TypeYearly)
	job.ReportSubtype = SubtypeStaff
	secondary := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	job.TargetDateSecondary = &secondary

	file, rows, _ := f.build(t, job)
	require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), got.Params.At)
	require.Equal(t, job.TargetDate, got.Params.On)
	require.Equal(t, "1.2.246.562.10.1", got.Params.ProviderOID)
	require.Equal(t, []string{"Henkilosto"}, file.GetSheetList())
	require.Len(t, rows, 1)
	require.Greater(t, rows[0], 1)

	label, err := file.GetCellValue("Henkilosto", "A2")
	require.NoError(t, err)
	require.Equal(t, "Tilastointipaiva", label)
}

func TestBuildMissingFees(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	var filteredOn []string
	f.authz.filterQueryOnFn = passThrough(&filteredOn)
	f.sources.missingFeesFn = func(_ context.Context, _ sqlq.Query, fn func(repo.MissingFeeRow) error) error {
		return fn(repo.MissingFeeRow{ChildID: 101, PersonID: 1, PersonOID: "1.2.246.562.24.1", LastName: "Blom", CrossPurchase: true})
	}

	file, rows, persons := f.build(t, providerJob(TypeMissingFees))
	require.Equal(t, []int{1}, rows)
	require.Equal(t, 1, persons.Len())
	require.Equal(t, []string{"child_id"}, filteredOn)
	paos, err := file.GetCellValue("Lapset", "F2")
	require.NoError(t, err)
	require.Equal(t, "Kylla", paos)
}
