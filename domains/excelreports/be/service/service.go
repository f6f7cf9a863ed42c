// Package service queues spreadsheet report orders and builds them in the background.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
	"github.com/Opetushallitus/varda-reporting/platform/go/nationalid"
	"github.com/Opetushallitus/varda-reporting/platform/go/requesttrace"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/storage"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

// ErrNotFound hides jobs of other principals and scopes the caller cannot see.
var ErrNotFound = fmt.Errorf("excel report: %w", httpapi.ErrNotFound)

// ErrNotReady is returned when a download is asked for before the job finished.
var ErrNotReady = fmt.Errorf("excel report not finished: %w", httpapi.ErrConflict)

const (
	passwordLength = 16
	alphanumeric   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Authorizer is the part of the authorization filter report jobs need.
type Authorizer interface {
	Principal(ctx context.Context, principalID string) (authz.Principal, error)
	IsSuperViewer(p authz.Principal) bool
	PermittedIDs(ctx context.Context, principalID string, kind temporal.Kind, verb authz.Verb) (authz.Set, error)
	FilterQueryOn(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query, column string) (sqlq.Query, error)
}

// ListRequest selects one page of the caller's jobs.
type ListRequest struct {
	ReportType  string
	Status      repo.Status
	ProviderOID string
	SiteID      int64
	After       *repo.Cursor
	Limit       int
}

// Detail is a job as shown to its requester.
type Detail struct {
	Job      repo.Job
	Password string
}

// JobService is the request-side API of report jobs.
type JobService interface {
	Create(ctx context.Context, caller requesttrace.AuditInfo, req CreateRequest) (repo.Job, error)
	List(ctx context.Context, caller requesttrace.AuditInfo, req ListRequest) ([]repo.Job, error)
	// Get returns a job of the caller with its spreadsheet password.
	Get(ctx context.Context, caller requesttrace.AuditInfo, id int64) (Detail, error)
	// Open streams the finished artifact of a job owned by the caller.
	Open(ctx context.Context, caller requesttrace.AuditInfo, id int64) (io.ReadCloser, repo.Job, error)
}

type Config struct {
	Jobs    repo.JobStore
	Sources repo.Sources
	Authz   Authorizer
	Cipher  *nationalid.Cipher
	Store   storage.Store
	Logger  *zap.Logger
	Now     func() time.Time
}

type jobService struct {
	jobs    repo.JobStore
	sources repo.Sources
	authz   Authorizer
	cipher  *nationalid.Cipher
	store   storage.Store
	logger  *zap.Logger
	now     func() time.Time
}

func NewJobService(cfg Config) JobService {
	if cfg.Jobs == nil {
		panic("job store is required")
	}
	if cfg.Sources == nil {
		panic("report sources are required")
	}
	if cfg.Authz == nil {
		panic("authorizer is required")
	}
	if cfg.Cipher == nil {
		panic("password cipher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &jobService{
		jobs:    cfg.Jobs,
		sources: cfg.Sources,
		authz:   cfg.Authz,
		cipher:  cfg.Cipher,
		store:   cfg.Store,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

func (s *jobService) Create(ctx context.Context, caller requesttrace.AuditInfo, req CreateRequest) (repo.Job, error) {
	if caller.PrincipalID == "" {
		return repo.Job{}, ErrNotFound
	}
	order, err := req.Check()
	if err != nil {
		return repo.Job{}, err
	}

	principal, err := s.authz.Principal(ctx, caller.PrincipalID)
	if err != nil {
		return repo.Job{}, err
	}

	n := repo.NewJob{
		ReportType:          order.ReportType,
		ReportSubtype:       order.ReportSubtype,
		TargetDate:          temporal.Date(order.TargetDate),
		TargetDateSecondary: order.TargetDateSecondary,
		Language:            string(order.Language),
		RequesterID:         caller.PrincipalID,
	}

	if order.ProviderOID == "" {
		if !SuperViewerAllowed(order.ReportType) || !s.authz.IsSuperViewer(principal) {
			return repo.Job{}, httpapi.Invalid("organisaatio_oid", httpapi.CodeScopeNotPermitted)
		}
		n.SuperViewer = true
	} else {
		providerID, siteID, err := s.resolveScope(ctx, caller.PrincipalID, order)
		if err != nil {
			return repo.Job{}, err
		}
		n.ProviderID = &providerID
		if siteID > 0 {
			n.SiteID = &siteID
		}
	}

	password, err := randomString(passwordLength, alphanumeric)
	if err != nil {
		return repo.Job{}, err
	}
	if n.PasswordEncrypted, err = s.cipher.Encrypt(password); err != nil {
		return repo.Job{}, fmt.Errorf("encrypt report password: %w", err)
	}

	job, err := s.jobs.Create(ctx, n)
	if err != nil {
		return repo.Job{}, err
	}
	s.logger.Info("report job queued",
		zap.Int64("job_id", job.ID),
		zap.String("report_type", job.ReportType),
		zap.String("principal_id", caller.PrincipalID),
		zap.Bool("super_viewer", job.SuperViewer),
	)
	return job, nil
}

// resolveScope turns the ordered provider and site into registry ids the caller can see.
func (s *jobService) resolveScope(ctx context.Context, principalID string, order Order) (int64, int64, error) {
	at := s.now()
	org, err := s.sources.ProviderByOID(ctx, at, order.ProviderOID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	orgs, err := s.authz.PermittedIDs(ctx, principalID, temporal.KindOrganization, authz.VerbView)
	if err != nil {
		return 0, 0, err
	}
	if !orgs.Contains(org.ID) {
		return 0, 0, ErrNotFound
	}
	if order.SiteID <= 0 {
		return org.ID, 0, nil
	}

	site, err := s.sources.SiteByID(ctx, at, order.SiteID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && site.ProviderID != org.ID) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	sites, err := s.authz.PermittedIDs(ctx, principalID, temporal.KindSite, authz.VerbView)
	if err != nil {
		return 0, 0, err
	}
	if !sites.Contains(site.ID) {
		return 0, 0, ErrNotFound
	}
	return org.ID, site.ID, nil
}

func (s *jobService) List(ctx context.Context, caller requesttrace.AuditInfo, req ListRequest) ([]repo.Job, error) {
	if caller.PrincipalID == "" {
		return nil, ErrNotFound
	}
	if req.Status != "" && !req.Status.Valid() {
		return nil, httpapi.Invalid("status", httpapi.CodeInvalidQueryParam)
	}
	f := repo.ListFilter{
		RequesterID: caller.PrincipalID,
		ReportType:  req.ReportType,
		Status:      req.Status,
		After:       req.After,
		Limit:       req.Limit,
	}
	if req.ProviderOID != "" {
		org, err := s.sources.ProviderByOID(ctx, s.now(), req.ProviderOID)
		if errors.Is(err, repo.ErrNotFound) {
			return []repo.Job{}, nil
		}
		if err != nil {
			return nil, err
		}
		f.ProviderID = &org.ID
	}
	if req.SiteID > 0 {
		f.SiteID = &req.SiteID
	}
	return s.jobs.List(ctx, f)
}

func (s *jobService) Get(ctx context.Context, caller requesttrace.AuditInfo, id int64) (Detail, error) {
	job, err := s.owned(ctx, caller, id)
	if err != nil {
		return Detail{}, err
	}
	password, err := s.cipher.Decrypt(job.PasswordEncrypted)
	if err != nil {
		return Detail{}, fmt.Errorf("decrypt report password: %w", err)
	}
	return Detail{Job: job, Password: password}, nil
}

func (s *jobService) owned(ctx context.Context, caller requesttrace.AuditInfo, id int64) (repo.Job, error) {
	if caller.PrincipalID == "" {
		return repo.Job{}, ErrNotFound
	}
	job, err := s.jobs.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.Job{}, ErrNotFound
	}
	if err != nil {
		return repo.Job{}, err
	}
	if job.RequesterID != caller.PrincipalID {
		return repo.Job{}, ErrNotFound
	}
	return job, nil
}

func (s *jobService) Open(ctx context.Context, caller requesttrace.AuditInfo, id int64) (io.ReadCloser, repo.Job, error) {
	job, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, repo.Job{}, err
	}
	if job.Status != repo.StatusFinished || job.StoragePath == "" {
		return nil, repo.Job{}, ErrNotReady
	}
	if s.store == nil {
		return nil, repo.Job{}, ErrNotFound
	}
	rc, err := s.store.Open(ctx, job.StoragePath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, repo.Job{}, ErrNotFound
	}
	if err != nil {
		return nil, repo.Job{}, err
	}
	return rc, job, nil
}

func randomString(n int, alphabet string) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		k, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random string: %w", err)
		}
		out[i] = alphabet[k.Int64()]
	}
	return string(out), nil
}
