package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/domains/changefeed/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/audit"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/logging"
	"github.com/Opetushallitus/varda-reporting/platform/go/metrics"
	"github.com/Opetushallitus/varda-reporting/platform/go/nationalid"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
	"github.com/Opetushallitus/varda-reporting/platform/go/tracing"
)

var ErrNotFound = fmt.Errorf("change feed: %w", httpapi.ErrNotFound)

// Version selects the emitted columns. V2 adds assignment, site, provider and change time.
type Version string

const (
	V1 Version = "v1"
	V2 Version = "v2"
)

// TargetKind labels audit entries written for feed pages.
const TargetKind = "changefeed"

// Authorizer narrows a feed to the children the principal may view.
type Authorizer interface {
	FilterQueryOn(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query, column string) (sqlq.Query, error)
}

// Request is one page of one feed.
type Request struct {
	Feed    repo.Feed
	Version Version
	Window  repo.Window
	After   *repo.Cursor
	Size    int
}

// Change is one emitted row.
type Change struct {
	PersonOID    string
	NationalID   string
	StartDate    time.Time
	EndDate      *time.Time
	OldStartDate *time.Time
	OldEndDate   *time.Time

	AssignmentID int64
	SiteOID      string
	ProviderOID  string
	ChangedAt    time.Time
}

// Page is a feed page. Next is nil on the last page.
type Page struct {
	Changes []Change
	Next    *repo.Cursor
}

// Service streams the benefit-calculation change feeds.
type Service interface {
	Feed(ctx context.Context, caller requesttrace.AuditInfo, req Request) (Page, error)
}

type Config struct {
	Repo   repo.Repository
	Authz  Authorizer
	Gating repo.Gating
	// Cipher decrypts national ids. Without it rows carry no national id.
	Cipher  *nationalid.Cipher
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type service struct {
	repo    repo.Repository
	authz   Authorizer
	gating  repo.Gating
	cipher  *nationalid.Cipher
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a change feed service.
func New(cfg Config) Service {
	if cfg.Repo == nil {
		panic("changefeed repository is required")
	}
	if cfg.Authz == nil {
		panic("authorizer is required")
	}
	if cfg.Gating.Genesis.IsZero() || cfg.Gating.GenesisEnd.IsZero() {
		panic("feed gating dates are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &service{
		repo:    cfg.Repo,
		authz:   cfg.Authz,
		gating:  cfg.Gating,
		cipher:  cfg.Cipher,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

func (s *service) Feed(ctx context.Context, caller requesttrace.AuditInfo, req Request) (page Page, err error) {
	if caller.PrincipalID == "" || !req.Feed.Valid() {
		return Page{}, ErrNotFound
	}
	if req.Version != V1 && req.Version != V2 {
		return Page{}, ErrNotFound
	}
	if req.Size <= 0 {
		return Page{}, errors.New("feed page size must be positive")
	}

	ctx, span := tracing.Start(ctx, "changefeed.page",
		attribute.String("feed", string(req.Feed)),
		attribute.String("version", string(req.Version)),
		attribute.Int("size", req.Size),
	)
	defer func() { tracing.End(span, err) }()

	base, err := repo.BuildFeedQuery(req.Feed, req.Window, s.gating)
	if err != nil {
		return Page{}, err
	}
	filtered, err := s.authz.FilterQueryOn(ctx, caller.PrincipalID, temporal.KindChild, base, "child_id")
	if err != nil {
		return Page{}, err
	}
	q, err := repo.BuildPageQuery(filtered, req.After, req.Size+1)
	if err != nil {
		return Page{}, err
	}

	rows, err := s.repo.Page(ctx, q)
	if err != nil {
		return Page{}, err
	}
	if len(rows) > req.Size {
		next := rows[req.Size-1].Cursor()
		page.Next = &next
		rows = rows[:req.Size]
	}

	var persons audit.PersonSet
	page.Changes = make([]Change, 0, len(rows))
	for _, row := range rows {
		change, ok := s.toChange(ctx, row)
		if !ok {
			continue
		}
		persons.Add(row.PersonID, row.PersonOID)
		page.Changes = append(page.Changes, change)
	}

	if persons.Len() > 0 {
		err = s.repo.RecordAccess(ctx, audit.Entry{
			PrincipalID: caller.PrincipalID,
			Action:      audit.ActionExportPersons,
			TargetKind:  TargetKind,
			TargetID:    string(req.Feed) + "/" + string(req.Version),
			Payload: map[string]any{
				"window_after": req.Window.After,
				"window_until": req.Window.Until,
				"persons":      persons.Refs(),
			},
		})
		if err != nil {
			return Page{}, fmt.Errorf("audit feed page: %w", err)
		}
	}

	s.metrics.FeedRowsEmitted(string(req.Feed), string(req.Version), len(page.Changes))
	return page, nil
}

// toChange decrypts the national id. Rows whose national id cannot be opened are logged and skipped.
func (s *service) toChange(ctx context.Context, row repo.Row) (Change, bool) {
	change := Change{
		PersonOID:    row.PersonOID,
		StartDate:    row.StartDate,
		EndDate:      row.EndDate,
		OldStartDate: row.OldStartDate,
		OldEndDate:   row.OldEndDate,
		AssignmentID: row.AssignmentID,
		SiteOID:      row.SiteOID,
		ProviderOID:  row.ProviderOID,
		ChangedAt:    row.ChangedAt,
	}
	if s.cipher == nil || row.NationalIDEncrypted == "" {
		return change, true
	}
	plain, err := s.cipher.Decrypt(row.NationalIDEncrypted)
	if err != nil {
		logging.FromContextOr(ctx, s.logger).Warn("national id could not be decrypted, row skipped",
			zap.Int64("person_id", row.PersonID),
			zap.Int64("assignment_id", row.AssignmentID),
			zap.Error(err),
		)
		return Change{}, false
	}
	change.NationalID = plain
	return change, true
}
