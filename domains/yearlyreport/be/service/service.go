package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Opetushallitus/varda-reporting/domains/yearlyreport/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/logging"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
	"github.com/Opetushallitus/varda-reporting/platform/go/tracing"
)

// ErrNotFound is returned to principals without a view role for either report section.
var ErrNotFound = fmt.Errorf("yearly report: %w", httpapi.ErrNotFound)

const defaultParallelism = 4

// Authorizer is the part of the authorization filter the engine needs.
type Authorizer interface {
	PermittedIDs(ctx context.Context, principalID string, kind temporal.Kind, verb authz.Verb) (authz.Set, error)
	FilterQueryOn(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query, column string) (sqlq.Query, error)
}

// Codes lists and names koodisto codes. Names of unknown codes render as "(code)".
type Codes interface {
	Codes(ctx context.Context, koodisto string) ([]codes.Code, error)
	Name(ctx context.Context, koodisto, code string, lang codes.Language) string
}

// Request selects one yearly report.
type Request struct {
	Params   repo.Params
	Language codes.Language
}

// Service computes yearly statistical reports.
type Service interface {
	Build(ctx context.Context, caller requesttrace.AuditInfo, req Request) (Report, error)
}

type Config struct {
	Repo  repo.Repository
	Authz Authorizer
	Codes Codes
	// Parallelism bounds the number of concurrent aggregation queries.
	Parallelism int
	Logger      *zap.Logger
}

type service struct {
	repo        repo.Repository
	authz       Authorizer
	codes       Codes
	parallelism int
	logger      *zap.Logger
}

// New creates the aggregation engine.
func New(cfg Config) Service {
	if cfg.Repo == nil {
		panic("yearly report repository is required")
	}
	if cfg.Authz == nil {
		panic("authorizer is required")
	}
	if cfg.Codes == nil {
		panic("code names are required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &service{
		repo:        cfg.Repo,
		authz:       cfg.Authz,
		codes:       cfg.Codes,
		parallelism: cfg.Parallelism,
		logger:      cfg.Logger,
	}
}

// membership holds the resolved member ids per membership query.
type membership struct {
	decisions   []int64
	children    []int64
	sites       []int64
	providers   []int64
	employments []int64
}

func (s *service) Build(ctx context.Context, caller requesttrace.AuditInfo, req Request) (report Report, err error) {
	if caller.PrincipalID == "" {
		return Report{}, ErrNotFound
	}
	if err := req.Params.Validate(); err != nil {
		return Report{}, err
	}
	if req.Language == "" {
		req.Language = codes.FI
	}

	ctx, span := tracing.Start(ctx, "yearlyreport.build",
		attribute.String("statistical_date", req.Params.On.Format(time.DateOnly)),
		attribute.String("provider_oid", req.Params.ProviderOID),
	)
	defer func() { tracing.End(span, err) }()

	childCare, err := s.permitted(ctx, caller.PrincipalID, temporal.KindChild)
	if err != nil {
		return Report{}, err
	}
	staff, err := s.permitted(ctx, caller.PrincipalID, temporal.KindEmployee)
	if err != nil {
		return Report{}, err
	}
	if !childCare && !staff {
		return Report{}, ErrNotFound
	}

	m, err := s.resolve(ctx, caller.PrincipalID, req.Params, childCare, staff)
	if err != nil {
		return Report{}, err
	}
	logging.FromContextOr(ctx, s.logger).Debug("yearly report membership resolved",
		zap.Int("decisions", len(m.decisions)),
		zap.Int("sites", len(m.sites)),
		zap.Int("providers", len(m.providers)),
		zap.Int("employments", len(m.employments)),
	)

	groups, err := s.aggregate(ctx, req.Params, m, childCare, staff)
	if err != nil {
		return Report{}, err
	}

	report = Report{
		SnapshotAt:      req.Params.At.UTC(),
		StatisticalDate: req.Params.On.Format(time.DateOnly),
		ProviderOID:     req.Params.ProviderOID,
	}
	if childCare {
		cc := s.childCareReport(ctx, groups, req.Language)
		report.ChildCare = &cc
	}
	if staff {
		er := s.employeeReport(ctx, groups, req.Params.On.Year(), req.Language)
		report.Employees = &er
	}
	return report, nil
}

func (s *service) permitted(ctx context.Context, principalID string, kind temporal.Kind) (bool, error) {
	set, err := s.authz.PermittedIDs(ctx, principalID, kind, authz.VerbView)
	if err != nil {
		return false, err
	}
	return !set.Empty(), nil
}

// resolve runs every needed membership query through the authorization filter once.
func (s *service) resolve(ctx context.Context, principalID string, p repo.Params, childCare, staff bool) (membership, error) {
	var builders []func(repo.Params) (repo.MemberSpec, error)
	if childCare {
		builders = append(builders, repo.DecisionMembers, repo.SiteMembers)
	}
	builders = append(builders, repo.ProviderMembers)
	if staff {
		builders = append(builders, repo.EmploymentMembers)
	}

	var (
		mu  sync.Mutex
		out membership
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, build := range builders {
		g.Go(func() error {
			spec, err := build(p)
			if err != nil {
				return err
			}
			filtered, err := s.authz.FilterQueryOn(gctx, principalID, spec.Kind, spec.Query, spec.Column)
			if err != nil {
				return err
			}
			members, err := s.repo.Members(gctx, repo.MemberQuery(filtered))
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			switch spec.Name {
			case repo.MembersDecisions:
				out.decisions = distinct(members, func(m repo.Member) int64 { return m.ID })
				out.children = distinct(members, func(m repo.Member) int64 { return m.OwnerID })
			case repo.MembersSites:
				out.sites = distinct(members, func(m repo.Member) int64 { return m.ID })
			case repo.MembersProviders:
				out.providers = distinct(members, func(m repo.Member) int64 { return m.ID })
			case repo.MembersEmployments:
				out.employments = distinct(members, func(m repo.Member) int64 { return m.ID })
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return membership{}, err
	}
	return out, nil
}

// aggregate runs one grouped query per dimension in parallel.
func (s *service) aggregate(ctx context.Context, p repo.Params, m membership, childCare, staff bool) (map[string][]repo.Group, error) {
	type plan func() (repo.Aggregation, error)
	var plans []plan
	if childCare {
		plans = append(plans,
			func() (repo.Aggregation, error) { return repo.ChildCareAggregation(p, m.decisions) },
			func() (repo.Aggregation, error) { return repo.FeeAggregation(p, m.children) },
			func() (repo.Aggregation, error) { return repo.SiteAggregation(p, m.sites) },
			func() (repo.Aggregation, error) { return repo.LinguisticAggregation(p, m.sites) },
			func() (repo.Aggregation, error) { return repo.FunctionalAggregation(p, m.sites) },
			func() (repo.Aggregation, error) { return repo.SupportAggregation(p, m.providers) },
		)
	}
	if staff {
		plans = append(plans,
			func() (repo.Aggregation, error) { return repo.EmployeeAggregation(p, m.employments) },
			func() (repo.Aggregation, error) { return repo.TitleAggregation(p, m.employments) },
			func() (repo.Aggregation, error) { return repo.EmploymentAggregation(p, m.employments) },
			func() (repo.Aggregation, error) { return repo.LeasedAggregation(p, m.providers) },
			func() (repo.Aggregation, error) { return repo.TemporaryAggregation(p, m.providers) },
		)
	}

	var mu sync.Mutex
	out := make(map[string][]repo.Group, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, build := range plans {
		g.Go(func() error {
			agg, err := build()
			if err != nil {
				return err
			}
			groups, err := s.repo.Aggregate(gctx, agg)
			if err != nil {
				return err
			}
			mu.Lock()
			out[agg.Name] = groups
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func distinct(members []repo.Member, key func(repo.Member) int64) []int64 {
	seen := make(map[int64]struct{}, len(members))
	out := make([]int64, 0, len(members))
	for _, m := range members {
		id := key(m)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// codeList merges the koodisto with the codes seen in the data, in code order. A koodisto that
// cannot be loaded contributes nothing.
func (s *service) codeList(ctx context.Context, koodisto string, seen []string) []string {
	set := make(map[string]struct{})
	if list, err := s.codes.Codes(ctx, koodisto); err == nil {
		for _, c := range list {
			set[strings.ToLower(c.Code)] = struct{}{}
		}
	} else {
		logging.FromContextOr(ctx, s.logger).Warn("koodisto unavailable, listing observed codes only",
			zap.String("koodisto", koodisto), zap.Error(err))
	}
	for _, code := range seen {
		if code != "" {
			set[code] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func keyOf(k *string) string {
	if k == nil {
		return ""
	}
	return *k
}

// crossPurchase maps the textual boolean key. Nil is the "all" bucket.
func crossPurchase(k *string) *bool {
	if k == nil {
		return nil
	}
	v := *k == "true"
	return &v
}
