package service

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	dqrepo "github.com/Opetushallitus/varda-reporting/domains/dataquality/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
)

// Report types.
const (
	TypeActiveCare       = "VAKATIEDOT_VOIMASSA"
	TypeQualityDefects   = "PUUTTEELLISET_TIEDOT"
	TypeActiveEmployees  = "TYONTEKIJATIEDOT_VOIMASSA"
	TypeActiveSites      = "TOIMIPAIKAT_VOIMASSA"
	TypeYearly           = "VUOSIRAPORTTI"
	TypeMissingFees      = "LAPSET_ILMAN_MAKSUTIETOA"
)

// Subtypes of the quality-defect report name the root entity walked.
const (
	SubtypeChildren      = "LAPSET"
	SubtypeEmployees     = "TYONTEKIJAT"
	SubtypeSites         = "TOIMIPAIKAT"
	SubtypeOrganizations = "ORGANISAATIOT"
)

// Subtypes of the yearly report select its sections. Empty means all.
const (
	SubtypeAll       = "KAIKKI"
	SubtypeChildCare = "VARHAISKASVATUS"
	SubtypeStaff     = "HENKILOSTO"
)

type typeRule struct {
	subtypes map[string]struct{}
	// subtypeRequired rejects an empty subtype.
	subtypeRequired bool
	siteScope       bool
	superViewer     bool
	secondaryDate   bool
}

func set(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

var rules = map[string]typeRule{
	TypeActiveCare:      {siteScope: true, superViewer: true},
	TypeQualityDefects:  {subtypes: set(SubtypeChildren, SubtypeEmployees, SubtypeSites, SubtypeOrganizations), subtypeRequired: true},
	TypeActiveEmployees: {},
	TypeActiveSites:     {siteScope: true},
	TypeYearly:          {subtypes: set("", SubtypeAll, SubtypeChildCare, SubtypeStaff), superViewer: true, secondaryDate: true},
	TypeMissingFees:     {siteScope: true},
}

// ReportTypes lists the accepted report types.
func ReportTypes() []string {
	return []string{TypeActiveCare, TypeQualityDefects, TypeActiveEmployees, TypeActiveSites, TypeYearly, TypeMissingFees}
}

// DefectRoot maps a quality-defect subtype to the root entity scanned.
func DefectRoot(subtype string) (dqrepo.Root, bool) {
	switch subtype {
	case SubtypeChildren:
		return dqrepo.RootChild, true
	case SubtypeEmployees:
		return dqrepo.RootEmployee, true
	case SubtypeSites:
		return dqrepo.RootSite, true
	case SubtypeOrganizations:
		return dqrepo.RootOrganization, true
	}
	return "", false
}

// CreateRequest is the body of a report order.
type CreateRequest struct {
	ReportType          string `json:"report_type" validate:"required"`
	ReportSubtype       string `json:"report_subtype"`
	TargetDate          string `json:"target_date" validate:"required,datetime=2006-01-02"`
	TargetDateSecondary string `json:"target_date_secondary" validate:"omitempty,datetime=2006-01-02"`
	Language            string `json:"language" validate:"required"`
	ProviderOID         string `json:"organisaatio_oid" validate:"omitempty,max=128"`
	SiteID              int64  `json:"toimipaikka_id" validate:"omitempty,gt=0"`
}

// Normalize trims input and upper-cases enumerations.
func (r *CreateRequest) Normalize() {
	r.ReportType = strings.ToUpper(strings.TrimSpace(r.ReportType))
	r.ReportSubtype = strings.ToUpper(strings.TrimSpace(r.ReportSubtype))
	r.TargetDate = strings.TrimSpace(r.TargetDate)
	r.TargetDateSecondary = strings.TrimSpace(r.TargetDateSecondary)
	r.Language = strings.TrimSpace(r.Language)
	r.ProviderOID = strings.TrimSpace(r.ProviderOID)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldCodes maps request fields to the catalog code reported for any tag failure on them.
var fieldCodes = map[string]string{
	"report_type":           httpapi.CodeInvalidReportType,
	"target_date":           httpapi.CodeInvalidTargetDate,
	"target_date_secondary": httpapi.CodeInvalidTargetDate,
	"language":              httpapi.CodeInvalidLanguage,
	"organisaatio_oid":      httpapi.CodeScopeNotPermitted,
	"toimipaikka_id":        httpapi.CodeScopeNotPermitted,
}

// Order is a validated CreateRequest.
type Order struct {
	ReportType          string
	ReportSubtype       string
	TargetDate          time.Time
	TargetDateSecondary *time.Time
	Language            codes.Language
	ProviderOID         string
	SiteID              int64
}

// Check validates the request shape and the per-type rules that need no principal.
func (r *CreateRequest) Check() (Order, error) {
	r.Normalize()
	verr := &httpapi.ValidationError{}

	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return Order{}, err
		}
		for _, fe := range fieldErrs {
			code, ok := fieldCodes[fe.Field()]
			if !ok {
				code = httpapi.CodeInvalidBody
			}
			verr.Add(fe.Field(), code)
		}
		return Order{}, verr
	}

	order := Order{ReportType: r.ReportType, ReportSubtype: r.ReportSubtype, ProviderOID: r.ProviderOID, SiteID: r.SiteID}

	rule, ok := rules[r.ReportType]
	if !ok {
		verr.Add("report_type", httpapi.CodeInvalidReportType)
	} else {
		_, known := rule.subtypes[r.ReportSubtype]
		switch {
		case rule.subtypes == nil && r.ReportSubtype != "":
			verr.Add("report_subtype", httpapi.CodeInvalidReportType)
		case rule.subtypes != nil && !known:
			verr.Add("report_subtype", httpapi.CodeInvalidReportType)
		case rule.subtypeRequired && r.ReportSubtype == "":
			verr.Add("report_subtype", httpapi.CodeInvalidReportType)
		}
		if r.SiteID > 0 && !rule.siteScope {
			verr.Add("toimipaikka_id", httpapi.CodeScopeNotPermitted)
		}
		if r.SiteID > 0 && r.ProviderOID == "" {
			verr.Add("organisaatio_oid", httpapi.CodeScopeNotPermitted)
		}
		if r.TargetDateSecondary != "" && !rule.secondaryDate {
			verr.Add("target_date_secondary", httpapi.CodeInvalidTargetDate)
		}
	}

	if lang, err := codes.ParseLanguage(r.Language); err != nil {
		verr.Add("language", httpapi.CodeInvalidLanguage)
	} else {
		order.Language = lang
	}

	target, _ := time.Parse(time.DateOnly, r.TargetDate)
	order.TargetDate = target
	if r.TargetDateSecondary != "" {
		secondary, _ := time.Parse(time.DateOnly, r.TargetDateSecondary)
		if secondary.Before(target) {
			verr.Add("target_date_secondary", httpapi.CodeInvalidTargetDate)
		}
		order.TargetDateSecondary = &secondary
	}

	if err := verr.OrNil(); err != nil {
		return Order{}, err
	}
	return order, nil
}

// SuperViewerAllowed reports whether the type may run without a provider for super-viewers.
func SuperViewerAllowed(reportType string) bool {
	return rules[reportType].superViewer
}
