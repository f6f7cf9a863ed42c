package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	dqrepo "github.com/Opetushallitus/varda-reporting/domains/dataquality/be/repo"
	dqservice "github.com/Opetushallitus/varda-reporting/domains/dataquality/be/service"
	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/repo"
	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/xlsx"
	yrrepo "github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/repo"
	yrservice "github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/audit"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/nationalid"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

const defaultDefectPage = 500

// Codes names koodisto codes. Unknown codes render as "(code)".
type Codes interface {
	Name(ctx context.Context, koodisto, code string, lang codes.Language) string
}

type BuilderConfig struct {
	Sources    repo.Sources
	Authz      Authorizer
	Defects    dqservice.Service
	Yearly     yrservice.Service
	Codes      Codes
	Translator codes.Translator
	Cipher     *nationalid.Cipher
	// DefectPage is the number of roots fetched per error scan.
	DefectPage int
	Logger     *zap.Logger
}

// Builder writes the sheets of one report kind into a workbook.
type Builder struct {
	sources    repo.Sources
	authz      Authorizer
	defects    dqservice.Service
	yearly     yrservice.Service
	codes      Codes
	tr         codes.Translator
	cipher     *nationalid.Cipher
	defectPage int
	logger     *zap.Logger
}

func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Sources == nil {
		panic("report sources are required")
	}
	if cfg.Authz == nil {
		panic("authorizer is required")
	}
	if cfg.Defects == nil {
		panic("error scanner is required")
	}
	if cfg.Yearly == nil {
		panic("yearly report engine is required")
	}
	if cfg.Codes == nil {
		panic("code names are required")
	}
	if cfg.Translator == nil {
		panic("translator is required")
	}
	if cfg.Cipher == nil {
		panic("national id cipher is required")
	}
	if cfg.DefectPage <= 0 {
		cfg.DefectPage = defaultDefectPage
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Builder{
		sources:    cfg.Sources,
		authz:      cfg.Authz,
		defects:    cfg.Defects,
		yearly:     cfg.Yearly,
		codes:      cfg.Codes,
		tr:         cfg.Translator,
		cipher:     cfg.Cipher,
		defectPage: cfg.DefectPage,
		logger:     cfg.Logger,
	}
}

// run carries the state of one build.
type run struct {
	*Builder
	job      repo.Job
	at       time.Time
	lang     codes.Language
	params   repo.Params
	provider repo.Organization
	wb       *xlsx.Workbook
	persons  *audit.PersonSet
}

// Build writes the sheets of job as seen at instant at. Every person written to a sheet is
// added to persons.
func (b *Builder) Build(ctx context.Context, job repo.Job, at time.Time, wb *xlsx.Workbook, persons *audit.PersonSet) error {
	lang, err := codes.ParseLanguage(job.Language)
	if err != nil {
		lang = codes.FI
	}
	r := &run{
		Builder: b,
		job:     job,
		at:      at,
		lang:    lang,
		wb:      wb,
		persons: persons,
		params:  repo.Params{At: at, On: temporal.Date(job.TargetDate)},
	}
	if job.ProviderID != nil {
		r.params.Scope.ProviderID = *job.ProviderID
		if r.provider, err = b.sources.ProviderByID(ctx, at, *job.ProviderID); err != nil {
			return fmt.Errorf("resolve report provider: %w", err)
		}
	}
	if job.SiteID != nil {
		r.params.Scope.SiteID = *job.SiteID
	}

	switch job.ReportType {
	case TypeActiveCare:
		if job.SuperViewer {
			return r.identities(ctx)
		}
		return r.activeCare(ctx)
	case TypeQualityDefects:
		return r.qualityDefects(ctx)
	case TypeActiveEmployees:
		return r.activeEmployees(ctx)
	case TypeActiveSites:
		return r.activeSites(ctx)
	case TypeYearly:
		return r.yearlyReport(ctx)
	case TypeMissingFees:
		return r.missingFees(ctx)
	}
	return fmt.Errorf("unknown report type %q", job.ReportType)
}

func (r *run) t(key string) string {
	return r.tr.Translate(key, r.lang)
}

func (r *run) sheet(key string, columns ...string) (*xlsx.Sheet, error) {
	headers := make([]string, len(columns))
	for i, c := range columns {
		headers[i] = r.t("col." + c)
	}
	return r.wb.AddSheet(r.t(key), headers)
}

func (r *run) yesNo(v bool) string {
	if v {
		return r.t("common.kylla")
	}
	return r.t("common.ei")
}

func (r *run) yesNoPtr(v *bool) string {
	if v == nil {
		return ""
	}
	return r.yesNo(*v)
}

func (r *run) code(ctx context.Context, koodisto, code string) string {
	if code == "" {
		return ""
	}
	return r.codes.Name(ctx, koodisto, code, r.lang)
}

func (r *run) codePtr(ctx context.Context, koodisto string, code *string) string {
	if code == nil {
		return ""
	}
	return r.code(ctx, koodisto, *code)
}

func (r *run) codeList(ctx context.Context, koodisto string, values []string) string {
	names := make([]string, 0, len(values))
	for _, v := range values {
		names = append(names, r.code(ctx, koodisto, v))
	}
	return strings.Join(names, ", ")
}

// filtered narrows q to the rows whose column the requester may view.
func (r *run) filtered(ctx context.Context, q sqlq.Query, kind temporal.Kind, column string) (sqlq.Query, error) {
	return r.authz.FilterQueryOn(ctx, r.job.RequesterID, kind, q, column)
}

func (r *run) caller() requesttrace.AuditInfo {
	caller := requesttrace.System(r.job.RequesterID, "export_job:"+strconv.FormatInt(r.job.ID, 10))
	caller.Language = string(r.lang)
	caller.ProviderOID = r.provider.OID
	return caller
}

func (r *run) activeCare(ctx context.Context) error {
	q, err := repo.CareQuery(r.params)
	if err != nil {
		return err
	}
	if q, err = r.filtered(ctx, q, temporal.KindChild, "child_id"); err != nil {
		return err
	}
	q = repo.Ordered(q, "last_name", "first_names", "child_id", "assignment_id")

	sheet, err := r.sheet("sheet.vakatiedot",
		"lapsi_id", "henkilo_oid", "etunimet", "sukunimi", "syntyma_pvm",
		"paos", "oma_organisaatio", "paos_organisaatio",
		"vakapaatos_id", "hakemus_pvm", "alkamis_pvm", "paattymis_pvm", "tuntimaara_viikossa",
		"jarjestamismuoto", "vuorohoito", "paivittainen", "kokopaivainen", "tilapainen", "pikakasittely",
		"vakasuhde_id", "vakasuhde_alkamis_pvm", "vakasuhde_paattymis_pvm",
		"toimipaikka_id", "toimipaikka_oid", "toimipaikka_nimi", "toimintamuoto")
	if err != nil {
		return err
	}
	err = r.sources.Care(ctx, q, func(row repo.CareRow) error {
		r.persons.Add(row.PersonID, row.PersonOID)
		return sheet.WriteRow(
			row.ChildID, row.PersonOID, row.FirstNames, row.LastName, row.BirthDate,
			r.yesNo(row.CrossPurchase), row.OwnProviderName, row.ExternalProviderName,
			row.DecisionID, row.ApplicationDate, row.DecisionStart, row.DecisionEnd, row.WeeklyHours,
			r.code(ctx, codes.KoodistoProvisionMode, row.ProvisionMode),
			r.yesNo(row.ShiftCare), r.yesNo(row.Daily), r.yesNo(row.FullDay), r.yesNo(row.Temporary), r.yesNo(row.ExpressProcessed),
			row.AssignmentID, row.AssignmentStart, row.AssignmentEnd,
			row.SiteID, row.SiteOID, row.SiteName, r.code(ctx, codes.KoodistoOperatingMode, row.OperatingMode),
		)
	})
	if err != nil {
		return fmt.Errorf("write care sheet: %w", err)
	}

	withFees, err := r.feeSheetAllowed(ctx)
	if err != nil || !withFees {
		return err
	}
	return r.fees(ctx)
}

// feeSheetAllowed is true for provider-wide reports of principals that are not super-viewers
// and may view at least one fee.
func (r *run) feeSheetAllowed(ctx context.Context) (bool, error) {
	if r.params.Scope.ProviderID <= 0 || r.params.Scope.SiteID > 0 {
		return false, nil
	}
	principal, err := r.authz.Principal(ctx, r.job.RequesterID)
	if err != nil {
		return false, err
	}
	if r.authz.IsSuperViewer(principal) {
		return false, nil
	}
	fees, err := r.authz.PermittedIDs(ctx, r.job.RequesterID, temporal.KindFee, authz.VerbView)
	if err != nil {
		return false, err
	}
	return !fees.Empty(), nil
}

func (r *run) fees(ctx context.Context) error {
	q, err := repo.FeeQuery(r.params)
	if err != nil {
		return err
	}
	if q, err = r.filtered(ctx, q, temporal.KindFee, "fee_id"); err != nil {
		return err
	}
	q = repo.Ordered(q, "last_name", "first_names", "child_id", "fee_id")

	sheet, err := r.sheet("sheet.maksutiedot",
		"maksutieto_id", "lapsi_id", "henkilo_oid", "etunimet", "sukunimi",
		"maksun_peruste", "perheen_koko", "asiakasmaksu", "palveluseteli_arvo", "alkamis_pvm", "paattymis_pvm")
	if err != nil {
		return err
	}
	err = r.sources.Fees(ctx, q, func(row repo.FeeRow) error {
		r.persons.Add(row.PersonID, row.PersonOID)
		return sheet.WriteRow(
			row.FeeID, row.ChildID, row.PersonOID, row.FirstNames, row.LastName,
			r.code(ctx, codes.KoodistoFeeBasis, row.Basis), row.FamilySize, row.CustomerFee, row.VoucherValue,
			row.Start, row.End,
		)
	})
	if err != nil {
		return fmt.Errorf("write fee sheet: %w", err)
	}
	return nil
}

// identities is the super-viewer variant of the care report: person OID and national id only.
func (r *run) identities(ctx context.Context) error {
	q, err := repo.IdentityQuery(r.params)
	if err != nil {
		return err
	}
	if q, err = r.filtered(ctx, q, temporal.KindChild, "child_id"); err != nil {
		return err
	}
	q = repo.Ordered(q, "person_oid", "person_id")

	sheet, err := r.sheet("sheet.henkilotunnukset", "henkilo_oid", "henkilotunnus")
	if err != nil {
		return err
	}
	err = r.sources.Identities(ctx, q, func(row repo.IdentityRow) error {
		nationalID := ""
		if row.NationalIDEncrypted != "" {
			plain, err := r.cipher.Decrypt(row.NationalIDEncrypted)
			if err != nil {
				return fmt.Errorf("decrypt national id of person %d: %w", row.PersonID, err)
			}
			nationalID = plain
		}
		return sheet.WriteRow(row.PersonOID, nationalID)
	})
	if err != nil {
		return fmt.Errorf("write identity sheet: %w", err)
	}
	return nil
}

var defectSheets = map[dqrepo.Root]string{
	dqrepo.RootChild:        "sheet.puutteelliset_lapset",
	dqrepo.RootEmployee:     "sheet.puutteelliset_tyontekijat",
	dqrepo.RootSite:         "sheet.puutteelliset_toimipaikat",
	dqrepo.RootOrganization: "sheet.puutteelliset_organisaatiot",
}

// qualityDefects writes one row per (root, error, sub-record).
func (r *run) qualityDefects(ctx context.Context) error {
	root, ok := DefectRoot(r.job.ReportSubtype)
	if !ok {
		return fmt.Errorf("unknown defect subtype %q", r.job.ReportSubtype)
	}
	personal := root == dqrepo.RootChild || root == dqrepo.RootEmployee

	var columns []string
	if personal {
		columns = []string{"tunniste", "henkilo_oid", "etunimet", "sukunimi"}
	} else {
		columns = []string{"tunniste", "organisaatio_oid", "nimi"}
	}
	columns = append(columns, "virhe_koodi", "virhe", "malli", "malli_id", "voimassaolo")
	sheet, err := r.sheet(defectSheets[root], columns...)
	if err != nil {
		return err
	}

	caller := r.caller()
	var after *dqrepo.Cursor
	for {
		records, err := r.defects.Scan(ctx, caller, dqservice.Filter{
			Root:        root,
			ProviderOID: r.provider.OID,
			After:       after,
			Limit:       r.defectPage,
		})
		if err != nil {
			return fmt.Errorf("scan %s errors: %w", root, err)
		}
		for _, rec := range records {
			if err := r.writeDefects(ctx, sheet, rec, personal); err != nil {
				return err
			}
		}
		if len(records) < r.defectPage {
			return nil
		}
		c := records[len(records)-1].Cursor()
		after = &c
	}
}

func (r *run) writeDefects(ctx context.Context, sheet *xlsx.Sheet, rec dqservice.Record, personal bool) error {
	identity := []any{rec.ID, rec.OID, rec.Name}
	if personal {
		r.persons.Add(rec.PersonID, rec.OID)
		identity = []any{rec.ID, rec.OID, rec.FirstNames, rec.LastName}
	}
	for _, e := range rec.Errors {
		model := r.t("model." + e.Model)
		if len(e.IDs) == 0 {
			if err := sheet.WriteRow(append(identity, e.Code, e.Description, model, nil, nil)...); err != nil {
				return err
			}
			continue
		}
		validity, err := r.defects.Validity(ctx, e.Model, e.IDs)
		if err != nil {
			return fmt.Errorf("validity of %s: %w", e.Model, err)
		}
		for _, id := range e.IDs {
			row := append(append([]any(nil), identity...), e.Code, e.Description, model, id, formatInterval(validity[id]))
			if err := sheet.WriteRow(row...); err != nil {
				return err
			}
		}
	}
	return nil
}

// formatInterval renders dd.mm.yyyy-dd.mm.yyyy with an open end left blank.
func formatInterval(iv dqrepo.Interval) string {
	if iv.Start.IsZero() {
		return ""
	}
	out := iv.Start.Format("02.01.2006") + "-"
	if iv.End != nil {
		out += iv.End.Format("02.01.2006")
	}
	return out
}

func (r *run) activeEmployees(ctx context.Context) error {
	q, err := repo.EmployeeQuery(r.params)
	if err != nil {
		return err
	}
	if q, err = r.filtered(ctx, q, temporal.KindEmployee, "employee_id"); err != nil {
		return err
	}
	q = repo.Ordered(q, "last_name", "first_names", "employee_id", "employment_id", "part", "work_location_id", "absence_id")

	sheet, err := r.sheet("sheet.tyontekijatiedot",
		"tyontekija_id", "henkilo_oid", "etunimet", "sukunimi",
		"palvelussuhde_id", "tyosuhde", "tyoaika", "tutkinto", "tyotunnit_viikossa", "alkamis_pvm", "paattymis_pvm",
		"tyoskentelypaikka_id", "toimipaikka_nimi", "tehtavanimike", "kelpoinen", "kiertava",
		"tyoskentelypaikka_alkamis_pvm", "tyoskentelypaikka_paattymis_pvm",
		"poissaolo_id", "poissaolo_alkamis_pvm", "poissaolo_paattymis_pvm")
	if err != nil {
		return err
	}
	err = r.sources.Employees(ctx, q, func(row repo.EmployeeRow) error {
		r.persons.Add(row.PersonID, row.PersonOID)
		return sheet.WriteRow(
			row.EmployeeID, row.PersonOID, row.FirstNames, row.LastName,
			row.EmploymentID,
			r.code(ctx, codes.KoodistoEmploymentType, row.EmploymentType),
			r.code(ctx, codes.KoodistoWorkload, row.Workload),
			r.code(ctx, codes.KoodistoQualification, row.Qualification),
			row.WeeklyHours, row.EmploymentStart, row.EmploymentEnd,
			row.WorkLocationID, row.WorkLocationSite, r.codePtr(ctx, codes.KoodistoTaskTitle, row.TaskTitle),
			r.yesNoPtr(row.Qualified), r.yesNoPtr(row.Roaming), row.WorkLocationStart, row.WorkLocationEnd,
			row.AbsenceID, row.AbsenceStart, row.AbsenceEnd,
		)
	})
	if err != nil {
		return fmt.Errorf("write employee sheet: %w", err)
	}
	return nil
}

func (r *run) activeSites(ctx context.Context) error {
	q, err := repo.SiteQuery(r.params)
	if err != nil {
		return err
	}
	if q, err = r.filtered(ctx, q, temporal.KindSite, "site_id"); err != nil {
		return err
	}
	q = repo.Ordered(q, "site_name", "site_id", "emphasis_model", "emphasis_code")

	sheet, err := r.sheet("sheet.toimipaikat",
		"toimipaikka_id", "toimipaikka_oid", "toimipaikka_nimi", "organisaatio_oid", "vakajarjestaja",
		"toimintamuoto", "jarjestamismuodot", "toimintakielet", "varhaiskasvatuspaikat", "toimipaikan_tila",
		"alkamis_pvm", "paattymis_pvm",
		"painotus_tyyppi", "painotus_koodi", "painotus_alkamis_pvm", "painotus_paattymis_pvm")
	if err != nil {
		return err
	}
	err = r.sources.Sites(ctx, q, func(row repo.SiteRow) error {
		emphasisType, emphasis := "", ""
		switch row.EmphasisModel {
		case dqrepo.ModelLinguisticEmphasis:
			emphasisType = r.t("model." + row.EmphasisModel)
			emphasis = r.code(ctx, codes.KoodistoLanguage, row.EmphasisCode)
		case dqrepo.ModelFunctionalEmphasis:
			emphasisType = r.t("model." + row.EmphasisModel)
			emphasis = r.code(ctx, codes.KoodistoFunctionalEmphasis, row.EmphasisCode)
		}
		return sheet.WriteRow(
			row.SiteID, row.SiteOID, row.SiteName, row.ProviderOID, row.ProviderName,
			r.code(ctx, codes.KoodistoOperatingMode, row.OperatingMode),
			r.codeList(ctx, codes.KoodistoProvisionMode, row.ProvisionModes),
			r.codeList(ctx, codes.KoodistoLanguage, row.Languages),
			row.Capacity, r.code(ctx, codes.KoodistoSiteStatus, row.Status),
			row.Start, row.End,
			emphasisType, emphasis, row.EmphasisStart, row.EmphasisEnd,
		)
	})
	if err != nil {
		return fmt.Errorf("write site sheet: %w", err)
	}
	return nil
}

// yearlyReport tabulates the aggregated report. The secondary date caps the snapshot instant at
// the end of that day.
func (r *run) yearlyReport(ctx context.Context) error {
	at := r.at
	if d := r.job.TargetDateSecondary; d != nil {
		if end := temporal.Date(*d).AddDate(0, 0, 1); end.Before(at) {
			at = end
		}
	}
	report, err := r.yearly.Build(ctx, r.caller(), yrservice.Request{
		Params:   yrrepo.Params{At: at, On: temporal.Date(r.job.TargetDate), ProviderOID: r.provider.OID},
		Language: r.lang,
	})
	if err != nil {
		return fmt.Errorf("build yearly report: %w", err)
	}
	switch r.job.ReportSubtype {
	case SubtypeChildCare:
		report.Employees = nil
	case SubtypeStaff:
		report.ChildCare = nil
	}

	sheets := yrservice.Tabulate(report, r.tr, r.lang)
	if len(sheets) == 0 {
		_, err := r.sheet("sheet.vuosiraportti_varhaiskasvatus", "otsikko", "arvo")
		return err
	}
	for _, s := range sheets {
		sheet, err := r.sheet(s.Key, "otsikko", "arvo")
		if err != nil {
			return err
		}
		if err := sheet.WriteRow(r.t("col.tilastointi_pvm"), r.job.TargetDate); err != nil {
			return err
		}
		for _, line := range s.Lines {
			if err := sheet.WriteRow(line.Label, line.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) missingFees(ctx context.Context) error {
	q, err := repo.MissingFeeQuery(r.params)
	if err != nil {
		return err
	}
	if q, err = r.filtered(ctx, q, temporal.KindChild, "child_id"); err != nil {
		return err
	}
	q = repo.Ordered(q, "last_name", "first_names", "child_id")

	sheet, err := r.sheet("sheet.lapset_ilman_maksutietoa",
		"lapsi_id", "henkilo_oid", "etunimet", "sukunimi", "syntyma_pvm", "paos")
	if err != nil {
		return err
	}
	err = r.sources.MissingFees(ctx, q, func(row repo.MissingFeeRow) error {
		r.persons.Add(row.PersonID, row.PersonOID)
		return sheet.WriteRow(row.ChildID, row.PersonOID, row.FirstNames, row.LastName, row.BirthDate, r.yesNo(row.CrossPurchase))
	})
	if err != nil {
		return fmt.Errorf("write missing fee sheet: %w", err)
	}
	return nil
}
