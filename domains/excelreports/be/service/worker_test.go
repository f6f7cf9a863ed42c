package service

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/repo"
	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/xlsx"
	"github.com/Opetushallitus/varda-reporting/platform/go/audit"
	"github.com/Opetushallitus/varda-reporting/platform/go/codes"
	"github.com/Opetushallitus/varda-reporting/platform/go/encryption"
	"github.com/Opetushallitus/varda-reporting/platform/go/nationalid"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/storage"
)

type mockBuilder struct {
	buildFn func(ctx context.Context, job repo.Job, at time.Time, wb *xlsx.Workbook, persons *audit.PersonSet) error
}

func (m *mockBuilder) Build(ctx context.Context, job repo.Job, at time.Time, wb *xlsx.Workbook, persons *audit.PersonSet) error {
	if m.buildFn == nil {
		panic("buildFn not configured")
	}
	return m.buildFn(ctx, job, at, wb, persons)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Log(_ context.Context, _ persistence.Querier, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingAudit) all() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...)
}

// nopQuerier stands in for the audit database; recordingAudit never touches it.
type nopQuerier struct{}

func (nopQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (nopQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (nopQuerier) QueryRow(context.Context, string, ...any) pgx.Row       { return nil }

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) TryLock(_ context.Context, key string) (repo.Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, true, nil
}

// twoChildren writes one sheet with two persons.
func twoChildren(_ context.Context, _ repo.Job, _ time.Time, wb *xlsx.Workbook, persons *audit.PersonSet) error {
	s, err := wb.AddSheet("Lapset", []string{"Nimi", "Oid"})
	if err != nil {
		return err
	}
	for i, oid := range []string{"1.2.246.562.24.1", "1.2.246.562.24.2"} {
		persons.Add(int64(i+1), oid)
		if err := s.WriteRow("Lapsi", oid); err != nil {
			return err
		}
	}
	return nil
}

type workerFixture struct {
	jobs    *memJobs
	store   *storage.LocalStore
	audit   *recordingAudit
	locker  *memLocker
	cipher  *nationalid.Cipher
	tempDir string
	worker  *Worker
}

func newWorkerFixture(t *testing.T, build func(context.Context, repo.Job, time.Time, *xlsx.Workbook, *audit.PersonSet) error) *workerFixture {
	t.Helper()
	f := &workerFixture{
		jobs:    newMemJobs(),
		store:   storage.NewLocalStore(t.TempDir(), "raportit"),
		audit:   &recordingAudit{},
		locker:  &memLocker{},
		cipher:  newCipher(t),
		tempDir: t.TempDir(),
	}
	f.worker = NewWorker(WorkerConfig{
		Jobs:         f.jobs,
		Locker:       f.locker,
		Builder:      &mockBuilder{buildFn: build},
		Encrypter:    encryption.Noop{},
		Uploader:     storage.Uploader{Store: f.store, Attempts: 2, Backoff: time.Millisecond},
		Cipher:       f.cipher,
		Audit:        f.audit,
		AuditDB:      nopQuerier{},
		Translator:   codes.MustLoadCatalog(),
		TempDir:      f.tempDir,
		PollInterval: time.Hour,
		Logger:       zaptest.NewLogger(t),
		Now:          func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) },
	})
	return f
}

func (f *workerFixture) queue(t *testing.T, reportType string, superViewer bool) repo.Job {
	t.Helper()
	sealed, err := f.cipher.Encrypt("salasana")
	require.NoError(t, err)
	n := repo.NewJob{
		ReportType:        reportType,
		TargetDate:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Language:          "FI",
		RequesterID:       "paakayttaja",
		SuperViewer:       superViewer,
		PasswordEncrypted: sealed,
	}
	if !superViewer {
		provider, site := int64(1), int64(10)
		n.ProviderID, n.SiteID = &provider, &site
	}
	job, err := f.jobs.Create(context.Background(), n)
	require.NoError(t, err)
	return job
}

func TestWorkerFinishesJob(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, twoChildren)
	f.jobs.taken = 2
	job := f.queue(t, TypeMissingFees, false)
	ctx := context.Background()

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusFinished, got.Status)
	require.True(t, strings.HasPrefix(got.Filename, "Lapset_ilman_maksutietoa_20240301_080000_"), got.Filename)
	require.True(t, strings.HasSuffix(got.Filename, ".xlsx"))
	require.Len(t, strings.TrimSuffix(strings.TrimPrefix(got.Filename, "Lapset_ilman_maksutietoa_20240301_080000_"), ".xlsx"), filenameSuffix)
	require.Equal(t, "vakajarjestajat/1/toimipaikat/10/"+got.Filename, got.StoragePath)

	rc, err := f.store.Open(ctx, got.StoragePath)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	l, err := f.jobs.GetLog(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, l.FinishedAt)
	require.Positive(t, l.FileSizeBytes)
	require.Equal(t, []int{2}, l.RowsPerSheet)

	entries := f.audit.all()
	require.Len(t, entries, 1)
	require.Equal(t, audit.ActionExportPersons, entries[0].Action)
	require.Equal(t, "paakayttaja", entries[0].PrincipalID)
	payload := entries[0].Payload.(map[string]any)
	require.Len(t, payload["persons"], 2)

	left, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	require.Empty(t, left)

	worked, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, worked)
}

func TestWorkerSuperViewerExport(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, twoChildren)
	job := f.queue(t, TypeActiveCare, true)
	ctx := context.Background()

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusFinished, got.Status)
	require.True(t, strings.HasPrefix(got.StoragePath, "admin/"))

	entries := f.audit.all()
	require.Len(t, entries, 1)
	require.Equal(t, audit.ActionSuperViewerExport, entries[0].Action)
	require.NotContains(t, entries[0].Payload.(map[string]any), "persons")
}

func TestWorkerFailsJob(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, func(context.Context, repo.Job, time.Time, *xlsx.Workbook, *audit.PersonSet) error {
		return errors.New("registry unavailable")
	})
	job := f.queue(t, TypeActiveSites, false)
	ctx := context.Background()

	worked, err := f.worker.RunOnce(ctx)
	require.Error(t, err)
	require.True(t, worked)

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "registry unavailable")
	require.Empty(t, got.StoragePath)

	l, err := f.jobs.GetLog(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, l.FinishedAt)
	require.Empty(t, f.audit.all())
}

func TestWorkerLeavesLockedJob(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, twoChildren)
	job := f.queue(t, TypeActiveSites, false)
	ctx := context.Background()

	release, ok, err := f.locker.TryLock(ctx, repo.JobLockKey(job.ID))
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = release(ctx) }()

	worked, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusCreating, got.Status)
}

func TestWorkerGivesUpOnTakenFilenames(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, twoChildren)
	f.jobs.taken = filenameAttempts
	job := f.queue(t, TypeActiveSites, false)
	ctx := context.Background()

	_, err := f.worker.RunOnce(ctx)
	require.Error(t, err)
	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusFailed, got.Status)
}

func TestWorkerRunWakesOnNotify(t *testing.T) {
	t.Parallel()

	wake := make(chan struct{}, 1)
	f := newWorkerFixture(t, twoChildren)
	f.worker.wake = wake
	f.worker.concurrency = 2

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	job := f.queue(t, TypeActiveSites, false)
	wake <- struct{}{}

	require.Eventually(t, func() bool {
		got, err := f.jobs.Get(context.Background(), job.ID)
		return err == nil && got.Status == repo.StatusFinished
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestFileBase(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Lapset_ilman_maksutietoa", FileBase("Lapset_ilman_maksutietoa"))
	require.Equal(t, "Årsrapport_2024", FileBase(" Årsrapport 2024 "))
	require.Equal(t, "a_b_c", FileBase("a/b.c"))
	require.Equal(t, "raportti", FileBase("  "))
}
