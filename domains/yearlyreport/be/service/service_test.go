package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

type mockRepository struct {
	membersFn   func(ctx context.Context, q sqlq.Query) ([]repo.Member, error)
	aggregateFn func(ctx context.Context, a repo.Aggregation) ([]repo.Group, error)
}

func (m *mockRepository) Members(ctx context.Context, q sqlq.Query) ([]repo.Member, error) {
	if m.membersFn == nil {
		panic("membersFn not configured")
	}
	return m.membersFn(ctx, q)
}

func (m *mockRepository) Aggregate(ctx context.Context, a repo.Aggregation) ([]repo.Group, error) {
	if m.aggregateFn == nil {
		panic("aggregateFn not configured")
	}
	return m.aggregateFn(ctx, a)
}

type mockAuthorizer struct {
	permittedIDsFn  func(ctx context.Context, principalID string, kind temporal.Kind, verb authz.Verb) (authz.Set, error)
	filterQueryOnFn func(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query, column string) (sqlq.Query, error)
}

func (m *mockAuthorizer) PermittedIDs(ctx context.Context, principalID string, kind temporal.Kind, verb authz.Verb) (authz.Set, error) {
	if m.permittedIDsFn == nil {
		panic("permittedIDsFn not configured")
	}
	return m.permittedIDsFn(ctx, principalID, kind, verb)
}

func (m *mockAuthorizer) FilterQueryOn(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query, column string) (sqlq.Query, error) {
	if m.filterQueryOnFn == nil {
		panic("filterQueryOnFn not configured")
	}
	return m.filterQueryOnFn(ctx, principalID, kind, base, column)
}

// scoped grants view on the given kinds and passes queries through, tagging them with the kind.
func scoped(kinds ...temporal.Kind) *mockAuthorizer {
	return &mockAuthorizer{
		permittedIDsFn: func(_ context.Context, _ string, kind temporal.Kind, _ authz.Verb) (authz.Set, error) {
			for _, k := range kinds {
				if k == kind {
					return authz.Set{IDs: []int64{1}}, nil
				}
			}
			return authz.Set{}, nil
		},
		filterQueryOnFn: func(_ context.Context, _ string, kind temporal.Kind, base sqlq.Query, _ string) (sqlq.Query, error) {
			return base.WithScope("kind:" + string(kind)), nil
		},
	}
}

type fakeCodes map[string][]codes.Code

func (f fakeCodes) Codes(_ context.Context, koodisto string) ([]codes.Code, error) {
	list, ok := f[koodisto]
	if !ok {
		return nil, errors.New("koodisto not synced")
	}
	return list, nil
}

func (f fakeCodes) Name(_ context.Context, koodisto, code string, lang codes.Language) string {
	if code == "" {
		return ""
	}
	for _, c := range f[koodisto] {
		if strings.EqualFold(c.Code, code) {
			return c.Name(lang)
		}
	}
	return codes.Missing(code)
}

var (
	caller = requesttrace.AuditInfo{ActorKind: requesttrace.ActorKindUser, PrincipalID: "paakayttaja", Language: "FI"}
	req    = Request{
		Params:   repo.Params{At: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), On: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		Language: codes.FI,
	}
	catalog = fakeCodes{
		codes.KoodistoOperatingMode: {
			{Code: "TM01", Names: map[codes.Language]string{codes.FI: "Paivakoti"}},
			{Code: "TM02", Names: map[codes.Language]string{codes.FI: "Perhepaivahoito"}},
			{Code: "TM03", Names: map[codes.Language]string{codes.FI: "Ryhmaperhepaivahoito"}},
		},
		codes.KoodistoFeeBasis: {
			{Code: "MP01", Names: map[codes.Language]string{codes.FI: "Kunnallinen"}},
		},
	}
)

func str(s string) *string { return &s }

func group(keys []*string, values ...int64) repo.Group {
	return repo.Group{Keys: keys, Values: values}
}

// yearGroups is a provider with 10 children, 7 in tm01 and 3 in tm02, 4 of them cross-purchase.
func yearGroups(a repo.Aggregation) []repo.Group {
	switch a.Name {
	case repo.AggChildCare:
		return []repo.Group{
			group([]*string{nil, nil}, 10, 10, 6, 4, 1, 10, 10),
			group([]*string{str("false"), nil}, 6, 6, 3, 3, 1, 6, 6),
			group([]*string{str("true"), nil}, 4, 4, 3, 1, 0, 4, 4),
			group([]*string{nil, str("tm01")}, 7, 7, 4, 3, 1, 7, 7),
			group([]*string{nil, str("tm02")}, 3, 3, 2, 1, 0, 3, 3),
			group([]*string{str("false"), str("tm01")}, 6, 6, 3, 3, 1, 6, 6),
			group([]*string{str("true"), str("tm01")}, 1, 1, 1, 0, 0, 1, 1),
			group([]*string{str("true"), str("tm02")}, 3, 3, 2, 1, 0, 3, 3),
		}
	case repo.AggFees:
		return []repo.Group{
			group([]*string{nil, nil}, 2),
			group([]*string{nil, str("mp01")}, 1),
			group([]*string{nil, str("mp09")}, 1),
		}
	case repo.AggSites:
		return []repo.Group{group([]*string{nil}, 2, 64), group([]*string{str("tm01")}, 1, 60), group([]*string{str("tm02")}, 1, 4)}
	case repo.AggSupport:
		return []repo.Group{
			group([]*string{nil, nil}, 5),
			group([]*string{str("tt01"), nil}, 5),
			group([]*string{str("tt01"), str("ir01")}, 3),
		}
	case repo.AggEmployees:
		return []repo.Group{group(nil, 2, 1)}
	case repo.AggTitles:
		return []repo.Group{group([]*string{str("39407")}, 2, 1)}
	case repo.AggLeased:
		return []repo.Group{group([]*string{nil}, 5), group([]*string{str("2024-03")}, 3), group([]*string{str("2024-01")}, 2)}
	}
	return nil
}

func TestBuildHidesReportFromPrincipalsWithoutRoles(t *testing.T) {
	t.Parallel()

	svc := New(Config{Repo: &mockRepository{}, Authz: scoped(), Codes: catalog})

	_, err := svc.Build(context.Background(), caller, req)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, httpapi.ErrNotFound)

	_, err = svc.Build(context.Background(), requesttrace.Anonymous("r1"), req)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBuildChildCareTotals(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		resolved []string
		ran      []string
	)
	r := &mockRepository{
		membersFn: func(_ context.Context, q sqlq.Query) ([]repo.Member, error) {
			mu.Lock()
			defer mu.Unlock()
			resolved = append(resolved, q.Scopes()...)
			return []repo.Member{{ID: 1, OwnerID: 7}, {ID: 2, OwnerID: 7}}, nil
		},
		aggregateFn: func(_ context.Context, a repo.Aggregation) ([]repo.Group, error) {
			mu.Lock()
			ran = append(ran, a.Name)
			mu.Unlock()
			return yearGroups(a), nil
		},
	}
	svc := New(Config{Repo: r, Authz: scoped(temporal.KindChild), Codes: catalog, Parallelism: 2, Logger: zaptest.NewLogger(t)})

	report, err := svc.Build(context.Background(), caller, req)
	require.NoError(t, err)
	require.Nil(t, report.Employees)
	require.NotNil(t, report.ChildCare)
	require.Equal(t, "2024-01-01", report.StatisticalDate)
	require.ElementsMatch(t, []string{"kind:child", "kind:site", "kind:organization"}, resolved)
	require.NotContains(t, ran, repo.AggEmployees)

	cc := report.ChildCare
	require.Equal(t, int64(10), cc.Cell(nil, "").Children)
	require.Equal(t, int64(6), cc.Cell(ptr(false), "").Children)
	require.Equal(t, int64(4), cc.Cell(ptr(true), "").Children)

	var byMode int64
	for _, c := range cc.Cells {
		if c.CrossPurchase == nil && c.OperatingMode != "" {
			byMode += c.Children
		}
	}
	require.Equal(t, int64(10), byMode)

	// every koodisto mode is listed, zero when unused
	require.Equal(t, int64(0), cc.Cell(nil, "tm03").Children)
	require.Len(t, cc.Cells, 3*4)

	require.Equal(t, int64(1), cc.FeeCount(nil, "mp09"))
	for _, f := range cc.Fees {
		if f.Basis == "mp09" {
			require.Equal(t, "(mp09)", f.BasisName)
		}
	}
	require.Equal(t, int64(64), cc.Capacity)
	require.Equal(t, int64(2), cc.Sites)
	require.Equal(t, int64(5), cc.SupportTotal)
	require.Equal(t, "tt01", cc.Support[0].Level)
	require.Empty(t, cc.Support[0].AgeGroup)
}

func TestBuildEmployeeSection(t *testing.T) {
	t.Parallel()

	r := &mockRepository{
		membersFn: func(context.Context, sqlq.Query) ([]repo.Member, error) {
			return []repo.Member{{ID: 600, OwnerID: 500}}, nil
		},
		aggregateFn: func(_ context.Context, a repo.Aggregation) ([]repo.Group, error) {
			return yearGroups(a), nil
		},
	}
	svc := New(Config{Repo: r, Authz: scoped(temporal.KindEmployee), Codes: catalog})

	report, err := svc.Build(context.Background(), caller, req)
	require.NoError(t, err)
	require.Nil(t, report.ChildCare)

	er := report.Employees
	require.Equal(t, int64(2), er.Employees)
	require.Equal(t, int64(1), er.Roaming)
	require.Equal(t, []TitleCount{{Code: "39407", Name: "(39407)", Employees: 2, Qualified: 1}}, er.Titles)
	require.Len(t, er.Leased, 12)
	require.Equal(t, MonthCount{Month: "2024-03", Count: 3}, er.Leased[2])
	require.Equal(t, int64(5), er.LeasedTotal)
	require.Len(t, er.Temporary, 12)
	require.Zero(t, er.TemporaryYear)
}

func TestBuildFailsWhenAnAggregationFails(t *testing.T) {
	t.Parallel()

	boom := errors.New("statement timeout")
	r := &mockRepository{
		membersFn: func(context.Context, sqlq.Query) ([]repo.Member, error) { return nil, nil },
		aggregateFn: func(_ context.Context, a repo.Aggregation) ([]repo.Group, error) {
			if a.Name == repo.AggFees {
				return nil, boom
			}
			return nil, nil
		},
	}
	svc := New(Config{Repo: r, Authz: scoped(temporal.KindChild, temporal.KindEmployee), Codes: catalog})

	_, err := svc.Build(context.Background(), caller, req)
	require.ErrorIs(t, err, boom)
}

func TestTabulateLaysOutHeaderValuePairs(t *testing.T) {
	t.Parallel()

	r := &mockRepository{
		membersFn: func(context.Context, sqlq.Query) ([]repo.Member, error) { return nil, nil },
		aggregateFn: func(_ context.Context, a repo.Aggregation) ([]repo.Group, error) {
			return yearGroups(a), nil
		},
	}
	svc := New(Config{Repo: r, Authz: scoped(temporal.KindChild, temporal.KindEmployee), Codes: catalog})
	report, err := svc.Build(context.Background(), caller, req)
	require.NoError(t, err)

	sheets := Tabulate(report, codes.MustLoadCatalog(), codes.FI)
	require.Len(t, sheets, 2)
	require.Equal(t, SheetChildCare, sheets[0].Key)
	require.Equal(t, SheetEmployees, sheets[1].Key)

	lines := map[string]int64{}
	for _, l := range sheets[0].Lines {
		lines[l.Label] = l.Value
	}
	require.Equal(t, int64(10), lines["Lasten lukumaara / Kaikki"])
	require.Equal(t, int64(6), lines["Lasten lukumaara / Ei PAOS"])
	require.Equal(t, int64(4), lines["Lasten lukumaara / PAOS"])
	require.Equal(t, int64(7), lines["Lasten lukumaara / Paivakoti"])

	last := sheets[1].Lines[len(sheets[1].Lines)-1]
	require.Equal(t, "Tilapainen henkilosto kuukausittain / Koko vuosi", last.Label)
}
