package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/domains/dataquality/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/metrics"
	"github.com/Opetushallitus/varda-reporting/platform/go/nationalid"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

// ErrNotFound hides both unknown roots and roots the principal has no role for.
var ErrNotFound = fmt.Errorf("error report: %w", httpapi.ErrNotFound)

// Authorizer is the part of the authorization filter the scanner needs.
type Authorizer interface {
	PermittedIDs(ctx context.Context, principalID string, kind temporal.Kind, verb authz.Verb) (authz.Set, error)
	FilterQuery(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query) (sqlq.Query, error)
}

// Filter selects roots and codes for one scan.
type Filter struct {
	Root        repo.Root
	ProviderOID string
	Codes       []string
	Exclude     bool
	Search      string
	HideIDs     []int64
	After       *repo.Cursor
	// Limit is the number of rows to fetch. Pagers ask for one more than the page size.
	Limit int
}

// Error is one violated invariant with the sub-records that break it.
type Error struct {
	Code        string
	Description string
	Model       string
	IDs         []int64
}

// Record is a root entity with its violations.
type Record struct {
	ID         int64
	OID        string
	PersonID   int64
	FirstNames string
	LastName   string
	Name       string
	ProviderID int64
	ModifiedAt time.Time
	Errors     []Error

	cursor repo.Cursor
}

// Cursor is the keyset position of the record.
func (r Record) Cursor() repo.Cursor {
	return r.cursor
}

// Service evaluates the defect catalog for a principal's scope.
type Service interface {
	Scan(ctx context.Context, audit requesttrace.AuditInfo, f Filter) ([]Record, error)
	Validity(ctx context.Context, model string, ids []int64) (map[int64]repo.Interval, error)
}

type Config struct {
	Repo       repo.Repository
	Authz      Authorizer
	Translator codes.Translator
	// Hasher resolves national ids in search terms. Without it such searches match names only.
	Hasher   *nationalid.Hasher
	FeeLimit int
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

type service struct {
	repo       repo.Repository
	authz      Authorizer
	translator codes.Translator
	hasher     *nationalid.Hasher
	feeLimit   int
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a scanner service.
func New(cfg Config) Service {
	if cfg.Repo == nil {
		panic("dataquality repository is required")
	}
	if cfg.Authz == nil {
		panic("authorizer is required")
	}
	if cfg.Translator == nil {
		panic("translator is required")
	}
	if cfg.FeeLimit <= 0 {
		cfg.FeeLimit = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &service{
		repo:       cfg.Repo,
		authz:      cfg.Authz,
		translator: cfg.Translator,
		hasher:     cfg.Hasher,
		feeLimit:   cfg.FeeLimit,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

func (s *service) Scan(ctx context.Context, audit requesttrace.AuditInfo, f Filter) ([]Record, error) {
	if audit.PrincipalID == "" {
		return nil, ErrNotFound
	}
	kind, ok := repo.KindOf(f.Root)
	if !ok {
		return nil, ErrNotFound
	}
	if f.Limit <= 0 {
		return nil, fmt.Errorf("scan limit must be positive")
	}

	rootSet, err := s.authz.PermittedIDs(ctx, audit.PrincipalID, kind, authz.VerbView)
	if err != nil {
		return nil, err
	}
	if rootSet.Empty() {
		return nil, ErrNotFound
	}

	params := repo.ScanParams{
		Today:    s.now(),
		FeeLimit: s.feeLimit,
		After:    f.After,
		Limit:    f.Limit,
	}

	withFee := false
	if f.Root == repo.RootChild {
		feeSet, err := s.authz.PermittedIDs(ctx, audit.PrincipalID, temporal.KindFee, authz.VerbView)
		if err != nil {
			return nil, err
		}
		withFee = !feeSet.Empty()
		params.FeeRestricted = !feeSet.All
		params.FeeIDs = feeSet.IDs
	}

	params.Invariants = repo.Select(f.Root, f.Codes, f.Exclude, withFee)
	if len(params.Invariants) == 0 {
		return []Record{}, nil
	}

	rootFilter := repo.RootFilter{ProviderOID: f.ProviderOID, Search: f.Search, HideIDs: f.HideIDs}
	if s.hasher != nil && nationalid.LooksValid(f.Search) {
		rootFilter.SearchHash = s.hasher.Hash(f.Search)
	}

	rootsQ, err := repo.BuildRootQuery(f.Root, rootFilter)
	if err != nil {
		return nil, err
	}
	rootsQ, err = s.authz.FilterQuery(ctx, audit.PrincipalID, kind, rootsQ)
	if err != nil {
		return nil, err
	}
	q, err := repo.BuildScanQuery(rootsQ, params)
	if err != nil {
		return nil, err
	}

	rows, err := s.repo.Scan(ctx, q)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("invariants scanned",
		zap.String("root", string(f.Root)),
		zap.Int("invariants", len(params.Invariants)),
		zap.Int("rows", len(rows)),
	)

	lang := language(audit)
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.toRecord(row, lang))
	}
	return out, nil
}

func (s *service) Validity(ctx context.Context, model string, ids []int64) (map[int64]repo.Interval, error) {
	if !repo.Dated(model) {
		return map[int64]repo.Interval{}, nil
	}
	return s.repo.Validity(ctx, model, ids)
}

func (s *service) toRecord(row repo.Row, lang codes.Language) Record {
	rec := Record{
		ID:         row.ID,
		OID:        row.OID,
		PersonID:   row.PersonID,
		FirstNames: row.FirstNames,
		LastName:   row.LastName,
		Name:       row.Name,
		ProviderID: row.ProviderID,
		ModifiedAt: row.ModifiedAt,
		Errors:     make([]Error, 0, len(row.Violations)),
		cursor:     row.Cursor(),
	}
	for _, v := range row.Violations {
		rec.Errors = append(rec.Errors, Error{
			Code:        v.Code,
			Description: s.translator.Translate("error."+v.Code, lang),
			Model:       v.Model,
			IDs:         v.IDs,
		})
		s.metrics.Violations(v.Code, len(v.IDs))
	}
	return rec
}

func language(audit requesttrace.AuditInfo) codes.Language {
	lang, err := codes.ParseLanguage(audit.Language)
	if err != nil {
		return codes.FI
	}
	return lang
}
