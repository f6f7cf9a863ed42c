package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/domains/telemetry/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

// ErrNotFound hides telemetry the caller has no organization role for.
var ErrNotFound = fmt.Errorf("request telemetry: %w", httpapi.ErrNotFound)

// organizationColumn is the provider id every telemetry base query exposes.
const organizationColumn = "organization_id"

type Authorizer interface {
	PermittedIDs(ctx context.Context, principalID string, kind temporal.Kind, verb authz.Verb) (authz.Set, error)
	FilterQueryOn(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query, column string) (sqlq.Query, error)
}

type LogRequest struct {
	Filter repo.LogFilter
	After  *repo.LogCursor
	Limit  int
}

type SummaryRequest struct {
	Filter repo.SummaryFilter
	After  *repo.SummaryCursor
	Limit  int
}

type OutageRequest struct {
	Filter repo.OutageFilter
	After  string
	Limit  int
}

// Service is the read side of request telemetry plus the daily rollup.
type Service interface {
	Logs(ctx context.Context, caller requesttrace.AuditInfo, req LogRequest) ([]repo.LogRow, error)
	Summaries(ctx context.Context, caller requesttrace.AuditInfo, req SummaryRequest) ([]repo.SummaryRow, error)
	Outages(ctx context.Context, caller requesttrace.AuditInfo, req OutageRequest) ([]repo.OutageRow, error)
	Rollup(ctx context.Context, day time.Time) (int64, error)
}

type Config struct {
	Store  repo.Store
	Authz  Authorizer
	Logger *zap.Logger
	Now    func() time.Time
}

type service struct {
	store  repo.Store
	authz  Authorizer
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg Config) Service {
	if cfg.Store == nil {
		panic("telemetry store is required")
	}
	if cfg.Authz == nil {
		panic("authorizer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &service{store: cfg.Store, authz: cfg.Authz, logger: cfg.Logger, now: cfg.Now}
}

// organizations returns the provider scope of the caller, failing with ErrNotFound when it is empty.
func (s *service) organizations(ctx context.Context, caller requesttrace.AuditInfo) (authz.Set, error) {
	if caller.PrincipalID == "" {
		return authz.Set{}, ErrNotFound
	}
	set, err := s.authz.PermittedIDs(ctx, caller.PrincipalID, temporal.KindOrganization, authz.VerbView)
	if err != nil {
		return authz.Set{}, err
	}
	if set.Empty() {
		return authz.Set{}, ErrNotFound
	}
	return set, nil
}

func (s *service) narrow(ctx context.Context, caller requesttrace.AuditInfo, q sqlq.Query) (sqlq.Query, error) {
	return s.authz.FilterQueryOn(ctx, caller.PrincipalID, temporal.KindOrganization, q, organizationColumn)
}

func (s *service) Logs(ctx context.Context, caller requesttrace.AuditInfo, req LogRequest) ([]repo.LogRow, error) {
	if _, err := s.organizations(ctx, caller); err != nil {
		return nil, err
	}
	q, err := s.narrow(ctx, caller, repo.LogQuery(req.Filter))
	if err != nil {
		return nil, err
	}
	if q, err = repo.LogPageQuery(q, req.After, req.Limit); err != nil {
		return nil, err
	}
	return s.store.Logs(ctx, q)
}

// Summaries of the principal, source-system and URL axes are not tied to a provider and are
// shown to principals with a national scope only.
func (s *service) Summaries(ctx context.Context, caller requesttrace.AuditInfo, req SummaryRequest) ([]repo.SummaryRow, error) {
	set, err := s.organizations(ctx, caller)
	if err != nil {
		return nil, err
	}
	if req.Filter.Axis != repo.AxisProvider && !set.All {
		return nil, ErrNotFound
	}
	q, err := repo.SummaryQuery(req.Filter)
	if err != nil {
		return nil, err
	}
	if q, err = s.narrow(ctx, caller, q); err != nil {
		return nil, err
	}
	if q, err = repo.SummaryPageQuery(q, req.After, req.Limit); err != nil {
		return nil, err
	}
	return s.store.Summaries(ctx, q)
}

func (s *service) Outages(ctx context.Context, caller requesttrace.AuditInfo, req OutageRequest) ([]repo.OutageRow, error) {
	if _, err := s.organizations(ctx, caller); err != nil {
		return nil, err
	}
	f := req.Filter
	if f.Before.IsZero() {
		f.Before = s.now().UTC()
	}
	if f.On.IsZero() {
		f.On = temporal.Date(s.now().UTC())
	}
	q, err := repo.OutageQuery(f)
	if err != nil {
		return nil, err
	}
	if q, err = s.narrow(ctx, caller, q); err != nil {
		return nil, err
	}
	if q, err = repo.OutagePageQuery(q, f, req.After, req.Limit); err != nil {
		return nil, err
	}
	return s.store.Outages(ctx, q)
}

func (s *service) Rollup(ctx context.Context, day time.Time) (int64, error) {
	n, err := s.store.Rollup(ctx, day)
	if err != nil {
		return 0, fmt.Errorf("rollup %s: %w", day.Format(time.DateOnly), err)
	}
	s.logger.Info("request summaries rebuilt", zap.String("date", day.Format(time.DateOnly)), zap.Int64("summaries", n))
	return n, nil
}
