package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/repo"
	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/xlsx"
	"github.com/Opetushallitus/varda-reporting/platform/go/audit"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/encryption"
	"github.com/Opetushallitus/varda-reporting/platform/go/metrics"
	"github.com/Opetushallitus/varda-reporting/platform/go/nationalid"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/storage"
	"github.com/Opetushallitus/varda-reporting/platform/go/tracing"
)

const (
	filenameAttempts = 5
	filenameSuffix   = 8
	lowerAlphanum    = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxErrorMessage  = 1000
	failTimeout      = 30 * time.Second
)

// ReportBuilder writes the sheets of one job.
type ReportBuilder interface {
	Build(ctx context.Context, job repo.Job, at time.Time, wb *xlsx.Workbook, persons *audit.PersonSet) error
}

// AuditLogger appends audit entries.
type AuditLogger interface {
	Log(ctx context.Context, q persistence.Querier, e audit.Entry) error
}

type WorkerConfig struct {
	Jobs       repo.JobStore
	Locker     repo.Locker
	Builder    ReportBuilder
	Encrypter  encryption.Encrypter
	Uploader   storage.Uploader
	Cipher     *nationalid.Cipher
	Audit      AuditLogger
	AuditDB    persistence.Querier
	Translator codes.Translator
	TempDir    string
	// Concurrency is the number of jobs built at the same time.
	Concurrency  int
	PollInterval time.Duration
	MaxDuration  time.Duration
	// Wake, when set, shortens the wait for newly queued jobs.
	Wake    <-chan struct{}
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Worker is a pool of job loops.
type Worker struct {
	jobs         repo.JobStore
	locker       repo.Locker
	builder      ReportBuilder
	encrypter    encryption.Encrypter
	uploader     storage.Uploader
	cipher       *nationalid.Cipher
	audit        AuditLogger
	auditDB      persistence.Querier
	tr           codes.Translator
	tempDir      string
	concurrency  int
	pollInterval time.Duration
	maxDuration  time.Duration
	wake         <-chan struct{}
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

func NewWorker(cfg WorkerConfig) *Worker {
	switch {
	case cfg.Jobs == nil:
		panic("job store is required")
	case cfg.Locker == nil:
		panic("job locker is required")
	case cfg.Builder == nil:
		panic("report builder is required")
	case cfg.Encrypter == nil:
		panic("encrypter is required")
	case cfg.Uploader.Store == nil:
		panic("upload store is required")
	case cfg.Cipher == nil:
		panic("password cipher is required")
	case cfg.Audit == nil || cfg.AuditDB == nil:
		panic("audit log is required")
	case cfg.Translator == nil:
		panic("translator is required")
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 2 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{
		jobs:         cfg.Jobs,
		locker:       cfg.Locker,
		builder:      cfg.Builder,
		encrypter:    cfg.Encrypter,
		uploader:     cfg.Uploader,
		cipher:       cfg.Cipher,
		audit:        cfg.Audit,
		auditDB:      cfg.AuditDB,
		tr:           cfg.Translator,
		tempDir:      cfg.TempDir,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		maxDuration:  cfg.MaxDuration,
		wake:         cfg.Wake,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Run fails jobs abandoned by a previous process, then runs the job loops until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	stale, err := w.jobs.FailStale(ctx, w.now().Add(-w.maxDuration))
	if err != nil {
		return fmt.Errorf("fail stale jobs: %w", err)
	}
	if stale > 0 {
		w.logger.Warn("failed stale report jobs", zap.Int64("count", stale))
	}

	kick := make(chan struct{}, w.concurrency)
	g, ctx := errgroup.WithContext(ctx)
	if w.wake != nil {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-w.wake:
					for i := 0; i < w.concurrency; i++ {
						select {
						case kick <- struct{}{}:
						default:
						}
					}
				}
			}
		})
	}
	for i := 0; i < w.concurrency; i++ {
		slot := i
		g.Go(func() error { return w.loop(ctx, slot, kick) })
	}
	w.logger.Info("report worker started", zap.Int("concurrency", w.concurrency), zap.Duration("poll_interval", w.pollInterval))
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, slot int, kick <-chan struct{}) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	logger := w.logger.With(zap.Int("slot", slot))

	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("report job loop failed", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-kick:
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one job. worked is false when the queue was empty.
func (w *Worker) RunOnce(ctx context.Context) (worked bool, err error) {
	job, ok, err := w.jobs.Claim(ctx)
	if err != nil || !ok {
		return false, err
	}
	release, locked, err := w.locker.TryLock(ctx, repo.JobLockKey(job.ID))
	if err != nil {
		w.fail(ctx, job, err)
		return true, err
	}
	if !locked {
		w.logger.Warn("report job already running elsewhere", zap.Int64("job_id", job.ID))
		return true, nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
		defer cancel()
		if rerr := release(relCtx); rerr != nil {
			w.logger.Warn("release job lock", zap.Int64("job_id", job.ID), zap.Error(rerr))
		}
	}()
	return true, w.Process(ctx, job)
}

// Process builds, encrypts and uploads one claimed job and records its outcome. The job is
// FAILED when any step fails or the maximum duration is exceeded.
func (w *Worker) Process(ctx context.Context, job repo.Job) (err error) {
	start := w.now()
	ctx, cancel := context.WithTimeout(ctx, w.maxDuration)
	defer cancel()

	ctx, span := tracing.Start(ctx, "excelreports.job",
		attribute.Int64("job_id", job.ID),
		attribute.String("report_type", job.ReportType),
	)
	defer func() { tracing.End(span, err) }()

	logger := w.logger.With(zap.Int64("job_id", job.ID), zap.String("report_type", job.ReportType))
	err = w.process(ctx, job, start, logger)

	status := repo.StatusFinished
	if err != nil {
		status = repo.StatusFailed
		w.fail(ctx, job, err)
		logger.Error("report job failed", zap.Error(err))
	}
	w.metrics.JobFinished(job.ReportType, string(status), w.now().Sub(start).Seconds())
	return err
}

func (w *Worker) fail(ctx context.Context, job repo.Job, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()
	msg := cause.Error()
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	if err := w.jobs.Fail(ctx, job.ID, msg); err != nil && !errors.Is(err, repo.ErrInvalidTransition) {
		w.logger.Error("mark report job failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) process(ctx context.Context, job repo.Job, start time.Time, logger *zap.Logger) error {
	if err := w.jobs.WriteLog(ctx, repo.Log{JobID: job.ID, StartedAt: start}); err != nil {
		return err
	}
	filename, err := w.assignFilename(ctx, job, start)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.tempDir, 0o700); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	path := filepath.Join(w.tempDir, filename)
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("remove report file", zap.String("path", path), zap.Error(err))
		}
	}()

	persons := &audit.PersonSet{}
	rows, err := w.write(ctx, job, start, path, persons)
	if err != nil {
		return err
	}

	password, err := w.cipher.Decrypt(job.PasswordEncrypted)
	if err != nil {
		return fmt.Errorf("decrypt report password: %w", err)
	}
	encStart := w.now()
	if err := w.encrypt(ctx, path, password); err != nil {
		return err
	}
	encDuration := w.now().Sub(encStart)

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat report file: %w", err)
	}

	loc, err := storage.ResolveObjectLocation(storage.Scope{
		SuperViewer: job.SuperViewer,
		ProviderID:  deref(job.ProviderID),
		SiteID:      deref(job.SiteID),
	}, w.uploader.Store.Bucket(), filename)
	if err != nil {
		return err
	}
	err = w.uploader.Upload(ctx, loc.FullPath, func() (io.ReadCloser, error) { return os.Open(path) })
	if err != nil {
		return fmt.Errorf("upload %s: %w", loc, err)
	}

	if err := w.auditExport(ctx, job, persons); err != nil {
		return err
	}
	if err := w.jobs.Finish(ctx, job.ID, loc.FullPath); err != nil {
		return err
	}

	finished := w.now()
	err = w.jobs.WriteLog(ctx, repo.Log{
		JobID:              job.ID,
		StartedAt:          start,
		FinishedAt:         &finished,
		TotalDuration:      finished.Sub(start),
		EncryptionDuration: encDuration,
		FileSizeBytes:      info.Size(),
		RowsPerSheet:       rows,
	})
	if err != nil {
		logger.Warn("write finished job log", zap.Error(err))
	}
	logger.Info("report job finished",
		zap.String("location", loc.String()),
		zap.Int64("size_bytes", info.Size()),
		zap.Ints("rows_per_sheet", rows),
		zap.Int("persons", persons.Len()),
		zap.Duration("duration", finished.Sub(start)),
	)
	return nil
}

func (w *Worker) write(ctx context.Context, job repo.Job, at time.Time, path string, persons *audit.PersonSet) ([]int, error) {
	wb, err := xlsx.New()
	if err != nil {
		return nil, err
	}
	defer func() { _ = wb.Close() }()

	if err := w.builder.Build(ctx, job, at, wb, persons); err != nil {
		return nil, err
	}
	if err := wb.SaveAs(path); err != nil {
		return nil, err
	}
	return wb.RowsPerSheet(), nil
}

func (w *Worker) encrypt(ctx context.Context, path, password string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	defer f.Close()
	if err := w.encrypter.EncryptFile(ctx, f, password); err != nil {
		return fmt.Errorf("encrypt report: %w", err)
	}
	return nil
}

// auditExport records the persons written. Super-viewer exports are recorded without them.
func (w *Worker) auditExport(ctx context.Context, job repo.Job, persons *audit.PersonSet) error {
	entry := audit.Entry{
		PrincipalID: job.RequesterID,
		TargetKind:  "export_job",
		TargetID:    strconv.FormatInt(job.ID, 10),
	}
	if job.SuperViewer {
		entry.Action = audit.ActionSuperViewerExport
		entry.Payload = map[string]any{"report_type": job.ReportType}
	} else {
		entry.Action = audit.ActionExportPersons
		entry.Payload = map[string]any{"report_type": job.ReportType, "persons": persons.Refs()}
	}
	if err := w.audit.Log(ctx, w.auditDB, entry); err != nil {
		return fmt.Errorf("audit report export: %w", err)
	}
	return nil
}

// assignFilename stores <report name>_<YYYYMMDD_HHMMSS>_<random>.xlsx, drawing a new suffix
// while the name is taken.
func (w *Worker) assignFilename(ctx context.Context, job repo.Job, start time.Time) (string, error) {
	lang, err := codes.ParseLanguage(job.Language)
	if err != nil {
		lang = codes.FI
	}
	base := FileBase(w.tr.Translate("report."+job.ReportType, lang))
	stamp := start.UTC().Format("20060102_150405")

	for i := 0; i < filenameAttempts; i++ {
		suffix, err := randomString(filenameSuffix, lowerAlphanum)
		if err != nil {
			return "", err
		}
		name := base + "_" + stamp + "_" + suffix + ".xlsx"
		err = w.jobs.SetFilename(ctx, job.ID, name)
		if errors.Is(err, repo.ErrFilenameTaken) {
			continue
		}
		if err != nil {
			return "", err
		}
		return name, nil
	}
	return "", fmt.Errorf("no free report filename after %d attempts", filenameAttempts)
}

// FileBase keeps letters, digits, dashes and underscores; anything else becomes an underscore.
func FileBase(name string) string {
	out := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, strings.TrimSpace(name))
	if out == "" {
		return "raportti"
	}
	return out
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
