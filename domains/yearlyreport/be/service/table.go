package service

import (
	"sort"
	"strings"

	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
)

// Sheet keys of the tabulated report.
const (
	SheetChildCare = "sheet.vuosiraportti_varhaiskasvatus"
	SheetEmployees = "sheet.vuosiraportti_henkilosto"
)

// Line is one header-value pair of a tabulated report.
type Line struct {
	Label string
	Value int64
}

// Sheet is one tabulated report section.
type Sheet struct {
	Key   string
	Lines []Line
}

// Tabulate lays the report out as header-value pairs, one sheet per present section.
func Tabulate(r Report, tr codes.Translator, lang codes.Language) []Sheet {
	label := func(key string, qualifiers ...string) string {
		parts := append([]string{tr.Translate(key, lang)}, qualifiers...)
		return strings.Join(parts, " / ")
	}
	paos := func(b *bool) string {
		switch {
		case b == nil:
			return tr.Translate("common.kaikki", lang)
		case *b:
			return tr.Translate("common.paos", lang)
		default:
			return tr.Translate("common.ei_paos", lang)
		}
	}

	var sheets []Sheet
	if cc := r.ChildCare; cc != nil {
		var lines []Line
		measures := []struct {
			key string
			get func(Measures) int64
		}{
			{"yearly.lapsi_lkm", func(m Measures) int64 { return m.Children }},
			{"yearly.henkilo_lkm", func(m Measures) int64 { return m.Persons }},
			{"yearly.osapaivainen_lkm", func(m Measures) int64 { return m.PartDay }},
			{"yearly.kokopaivainen_lkm", func(m Measures) int64 { return m.FullDay }},
			{"yearly.vuorohoito_lkm", func(m Measures) int64 { return m.ShiftCare }},
			{"yearly.vakasuhde_lkm", func(m Measures) int64 { return m.Assignments }},
			{"yearly.vakapaatos_lkm", func(m Measures) int64 { return m.Decisions }},
		}
		for _, m := range measures {
			for _, c := range cc.Cells {
				if c.OperatingMode == "" {
					lines = append(lines, Line{Label: label(m.key, paos(c.CrossPurchase)), Value: m.get(c.Measures)})
				}
			}
			for _, c := range cc.Cells {
				if c.OperatingMode != "" && c.CrossPurchase == nil {
					lines = append(lines, Line{Label: label(m.key, c.OperatingModeName), Value: m.get(c.Measures)})
				}
			}
		}
		for _, f := range cc.Fees {
			if f.Basis == "" {
				lines = append(lines, Line{Label: label("yearly.maksutieto_lkm", paos(f.CrossPurchase)), Value: f.Count})
			}
		}
		for _, f := range cc.Fees {
			if f.Basis != "" && f.CrossPurchase == nil {
				lines = append(lines, Line{Label: label("yearly.maksutieto_lkm", f.BasisName), Value: f.Count})
			}
		}
		lines = append(lines, Line{Label: label("yearly.toimipaikka_lkm"), Value: cc.Sites})
		for _, c := range cc.SitesByMode {
			lines = append(lines, Line{Label: label("yearly.toimipaikka_lkm", c.Name), Value: c.Count})
		}
		lines = append(lines, Line{Label: label("yearly.varhaiskasvatuspaikat_summa"), Value: cc.Capacity})
		lines = append(lines, Line{Label: label("yearly.kielipainotus_lkm"), Value: cc.LinguisticEmphases})
		for _, c := range cc.LinguisticByLanguage {
			lines = append(lines, Line{Label: label("yearly.kielipainotus_lkm", c.Name), Value: c.Count})
		}
		lines = append(lines, Line{Label: label("yearly.toiminnallinen_painotus_lkm"), Value: cc.FunctionalEmphases})
		for _, c := range cc.FunctionalByCode {
			lines = append(lines, Line{Label: label("yearly.toiminnallinen_painotus_lkm", c.Name), Value: c.Count})
		}
		for _, c := range cc.Support {
			if c.AgeGroup == "" {
				lines = append(lines, Line{Label: label("yearly.tuen_taso", c.LevelName), Value: c.Count})
				continue
			}
			lines = append(lines, Line{Label: label("yearly.tuen_taso", c.LevelName, c.AgeGroupName), Value: c.Count})
		}
		sheets = append(sheets, Sheet{Key: SheetChildCare, Lines: lines})
	}

	if er := r.Employees; er != nil {
		lines := []Line{{Label: label("yearly.tyontekija_lkm"), Value: er.Employees}}
		for _, t := range er.Titles {
			lines = append(lines, Line{Label: label("yearly.tehtavanimike_lkm", t.Name), Value: t.Employees})
		}
		for _, t := range er.Titles {
			lines = append(lines, Line{Label: label("yearly.tehtavanimike_kelpoinen_lkm", t.Name), Value: t.Qualified})
		}
		lines = append(lines, Line{Label: label("yearly.kiertava_lkm"), Value: er.Roaming})
		for _, e := range er.Employments {
			var qualifiers []string
			switch {
			case e.Type == "":
				qualifiers = append(qualifiers, tr.Translate("common.kaikki", lang))
			case e.Workload == "":
				qualifiers = append(qualifiers, e.TypeName)
			default:
				qualifiers = append(qualifiers, e.TypeName, e.WorkloadName)
			}
			lines = append(lines, Line{Label: label("yearly.palvelussuhde_lkm", qualifiers...), Value: e.Count})
		}
		for _, m := range er.Leased {
			lines = append(lines, Line{Label: label("yearly.vuokrattu_lkm", m.Month), Value: m.Count})
		}
		lines = append(lines, Line{Label: label("yearly.vuokrattu_lkm", tr.Translate("yearly.koko_vuosi", lang)), Value: er.LeasedTotal})
		for _, m := range er.Temporary {
			lines = append(lines, Line{Label: label("yearly.tilapainen_lkm", m.Month), Value: m.Count})
		}
		lines = append(lines, Line{Label: label("yearly.tilapainen_lkm", tr.Translate("yearly.koko_vuosi", lang)), Value: er.TemporaryYear})
		sheets = append(sheets, Sheet{Key: SheetEmployees, Lines: lines})
	}
	return sheets
}

func sortSupport(cells []SupportCell) {
	sort.SliceStable(cells, func(i, j int) bool {
		if cells[i].Level != cells[j].Level {
			return cells[i].Level < cells[j].Level
		}
		return cells[i].AgeGroup < cells[j].AgeGroup
	})
}

func sortEmployments(cells []EmploymentCell) {
	sort.SliceStable(cells, func(i, j int) bool {
		if cells[i].Type != cells[j].Type {
			return cells[i].Type < cells[j].Type
		}
		return cells[i].Workload < cells[j].Workload
	})
}
