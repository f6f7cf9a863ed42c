package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Opetushallitus/varda-reporting/domains/excelreports/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/authz"
	"github.com/Opetushallitus/varda-reporting/platform/go/nationalid"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

type mockSources struct {
	providerByOIDFn func(ctx context.Context, at time.Time, oid string) (repo.Organization, error)
	providerByIDFn  func(ctx context.Context, at time.Time, id int64) (repo.Organization, error)
	siteByIDFn      func(ctx context.Context, at time.Time, id int64) (repo.SiteRef, error)
	careFn          func(ctx context.Context, q sqlq.Query, fn func(repo.CareRow) error) error
	feesFn          func(ctx context.Context, q sqlq.Query, fn func(repo.FeeRow) error) error
	identitiesFn    func(ctx context.Context, q sqlq.Query, fn func(repo.IdentityRow) error) error
	employeesFn     func(ctx context.Context, q sqlq.Query, fn func(repo.EmployeeRow) error) error
	sitesFn         func(ctx context.Context, q sqlq.Query, fn func(repo.SiteRow) error) error
	missingFeesFn   func(ctx context.Context, q sqlq.Query, fn func(repo.MissingFeeRow) error) error
}

func (m *mockSources) ProviderByOID(ctx context.Context, at time.Time, oid string) (repo.Organization, error) {
	if m.providerByOIDFn == nil {
		panic("providerByOIDFn not configured")
	}
	return m.providerByOIDFn(ctx, at, oid)
}

func (m *mockSources) ProviderByID(ctx context.Context, at time.Time, id int64) (repo.Organization, error) {
	if m.providerByIDFn == nil {
		panic("providerByIDFn not configured")
	}
	return m.providerByIDFn(ctx, at, id)
}

func (m *mockSources) SiteByID(ctx context.Context, at time.Time, id int64) (repo.SiteRef, error) {
	if m.siteByIDFn == nil {
		panic("siteByIDFn not configured")
	}
	return m.siteByIDFn(ctx, at, id)
}

func (m *mockSources) Care(ctx context.Context, q sqlq.Query, fn func(repo.CareRow) error) error {
	if m.careFn == nil {
		panic("careFn not configured")
	}
	return m.careFn(ctx, q, fn)
}

func (m *mockSources) Fees(ctx context.Context, q sqlq.Query, fn func(repo.FeeRow) error) error {
	if m.feesFn == nil {
		panic("feesFn not configured")
	}
	return m.feesFn(ctx, q, fn)
}

func (m *mockSources) Identities(ctx context.Context, q sqlq.Query, fn func(repo.IdentityRow) error) error {
	if m.identitiesFn == nil {
		panic("identitiesFn not configured")
	}
	return m.identitiesFn(ctx, q, fn)
}

func (m *mockSources) Employees(ctx context.Context, q sqlq.Query, fn func(repo.EmployeeRow) error) error {
	if m.employeesFn == nil {
		panic("employeesFn not configured")
	}
	return m.employeesFn(ctx, q, fn)
}

func (m *mockSources) Sites(ctx context.Context, q sqlq.Query, fn func(repo.SiteRow) error) error {
	if m.sitesFn == nil {
		panic("sitesFn not configured")
	}
	return m.sitesFn(ctx, q, fn)
}

func (m *mockSources) MissingFees(ctx context.Context, q sqlq.Query, fn func(repo.MissingFeeRow) error) error {
	if m.missingFeesFn == nil {
		panic("missingFeesFn not configured")
	}
	return m.missingFeesFn(ctx, q, fn)
}

type mockAuthz struct {
	principalFn     func(ctx context.Context, principalID string) (authz.Principal, error)
	isSuperViewerFn func(p authz.Principal) bool
	permittedIDsFn  func(ctx context.Context, principalID string, kind temporal.Kind, verb authz.Verb) (authz.Set, error)
	filterQueryOnFn func(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query, column string) (sqlq.Query, error)
}

func (m *mockAuthz) Principal(ctx context.Context, principalID string) (authz.Principal, error) {
	if m.principalFn == nil {
		panic("principalFn not configured")
	}
	return m.principalFn(ctx, principalID)
}

func (m *mockAuthz) IsSuperViewer(p authz.Principal) bool {
	if m.isSuperViewerFn == nil {
		panic("isSuperViewerFn not configured")
	}
	return m.isSuperViewerFn(p)
}

func (m *mockAuthz) PermittedIDs(ctx context.Context, principalID string, kind temporal.Kind, verb authz.Verb) (authz.Set, error) {
	if m.permittedIDsFn == nil {
		panic("permittedIDsFn not configured")
	}
	return m.permittedIDsFn(ctx, principalID, kind, verb)
}

func (m *mockAuthz) FilterQueryOn(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query, column string) (sqlq.Query, error) {
	if m.filterQueryOnFn == nil {
		panic("filterQueryOnFn not configured")
	}
	return m.filterQueryOnFn(ctx, principalID, kind, base, column)
}

// passThrough leaves queries unfiltered and records the columns filtered on.
func passThrough(columns *[]string) func(context.Context, string, temporal.Kind, sqlq.Query, string) (sqlq.Query, error) {
	var mu sync.Mutex
	return func(_ context.Context, _ string, _ temporal.Kind, base sqlq.Query, column string) (sqlq.Query, error) {
		mu.Lock()
		defer mu.Unlock()
		if columns != nil {
			*columns = append(*columns, column)
		}
		return base, nil
	}
}

// memJobs is an in-memory JobStore honouring the status machine.
type memJobs struct {
	mu        sync.Mutex
	jobs      map[int64]*repo.Job
	logs      map[int64]repo.Log
	filenames map[string]int64
	next      int64
	// taken makes SetFilename report ErrFilenameTaken this many times first.
	taken int
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[int64]*repo.Job{}, logs: map[int64]repo.Log{}, filenames: map[string]int64{}}
}

func (m *memJobs) Create(_ context.Context, n repo.NewJob) (repo.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	j := repo.Job{
		ID:                  m.next,
		ReportType:          n.ReportType,
		ReportSubtype:       n.ReportSubtype,
		TargetDate:          n.TargetDate,
		TargetDateSecondary: n.TargetDateSecondary,
		Language:            n.Language,
		RequesterID:         n.RequesterID,
		ProviderID:          n.ProviderID,
		SiteID:              n.SiteID,
		SuperViewer:         n.SuperViewer,
		Status:              repo.StatusPending,
		PasswordEncrypted:   n.PasswordEncrypted,
		CreatedAt:           time.Date(2024, 3, 1, 8, 0, 0, int(m.next), time.UTC),
	}
	m.jobs[j.ID] = &j
	return j, nil
}

func (m *memJobs) Get(_ context.Context, id int64) (repo.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return repo.Job{}, repo.ErrNotFound
	}
	return *j, nil
}

func (m *memJobs) List(_ context.Context, f repo.ListFilter) ([]repo.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Job
	for id := m.next; id > 0 && len(out) < f.Limit; id-- {
		j, ok := m.jobs[id]
		if ok && j.RequesterID == f.RequesterID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) Claim(_ context.Context) (repo.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := int64(1); id <= m.next; id++ {
		if j, ok := m.jobs[id]; ok && j.Status == repo.StatusPending {
			j.Status = repo.StatusCreating
			return *j, true, nil
		}
	}
	return repo.Job{}, false, nil
}

func (m *memJobs) SetFilename(_ context.Context, id int64, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taken > 0 {
		m.taken--
		return repo.ErrFilenameTaken
	}
	if _, dup := m.filenames[filename]; dup {
		return repo.ErrFilenameTaken
	}
	j, ok := m.jobs[id]
	if !ok || j.Status != repo.StatusCreating {
		return repo.ErrInvalidTransition
	}
	j.Filename = filename
	m.filenames[filename] = id
	return nil
}

func (m *memJobs) move(id int64, to repo.Status, set func(*repo.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if !repo.CanTransition(j.Status, to) {
		return repo.ErrInvalidTransition
	}
	j.Status = to
	set(j)
	return nil
}

func (m *memJobs) Finish(_ context.Context, id int64, storagePath string) error {
	return m.move(id, repo.StatusFinished, func(j *repo.Job) { j.StoragePath = storagePath })
}

func (m *memJobs) Fail(_ context.Context, id int64, message string) error {
	return m.move(id, repo.StatusFailed, func(j *repo.Job) { j.ErrorMessage = message })
}

func (m *memJobs) FailStale(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memJobs) WriteLog(_ context.Context, l repo.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[l.JobID] = l
	return nil
}

func (m *memJobs) GetLog(_ context.Context, jobID int64) (repo.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[jobID]
	if !ok {
		return repo.Log{}, repo.ErrNotFound
	}
	return l, nil
}

var _ repo.JobStore = (*memJobs)(nil)

func newCipher(t *testing.T) *nationalid.Cipher {
	t.Helper()
	key, err := nationalid.GenerateKey()
	require.NoError(t, err)
	c, err := nationalid.NewCipher(key)
	require.NoError(t, err)
	return c
}
