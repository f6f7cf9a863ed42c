package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
)

// NotifyChannel wakes report workers when a job is queued.
const NotifyChannel = "export_jobs"

var (
	ErrNotFound          = errors.New("export job not found")
	ErrInvalidTransition = errors.New("invalid export job transition")
	ErrFilenameTaken     = errors.New("report filename already taken")
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusCreating Status = "CREATING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCreating, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// CanTransition encodes PENDING -> CREATING -> FINISHED|FAILED. A pending job may also fail
// directly when it cannot be started at all.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCreating || to == StatusFailed
	case StatusCreating:
		return to == StatusFinished || to == StatusFailed
	}
	return false
}

// Job is one export_job row.
type Job struct {
	ID                  int64
	ReportType          string
	ReportSubtype       string
	TargetDate          time.Time
	TargetDateSecondary *time.Time
	Language            string
	RequesterID         string
	ProviderID          *int64
	SiteID              *int64
	SuperViewer         bool
	Status              Status
	Filename            string
	PasswordEncrypted   string
	StoragePath         string
	ErrorMessage        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewJob carries the columns a caller chooses.
type NewJob struct {
	ReportType          string
	ReportSubtype       string
	TargetDate          time.Time
	TargetDateSecondary *time.Time
	Language            string
	RequesterID         string
	ProviderID          *int64
	SiteID              *int64
	SuperViewer         bool
	PasswordEncrypted   string
}

// ListFilter narrows the jobs of one requester. After is the keyset position of the previous page.
type ListFilter struct {
	RequesterID string
	ReportType  string
	Status      Status
	ProviderID  *int64
	SiteID      *int64
	After       *Cursor
	Limit       int
}

// Cursor orders jobs newest first.
type Cursor struct {
	CreatedAt time.Time `json:"c"`
	ID        int64     `json:"i"`
}

func (j Job) Cursor() Cursor {
	return Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
}

// Log is the export_job_log row written while a job runs. FinishedAt stays nil for failed jobs.
type Log struct {
	JobID              int64
	StartedAt          time.Time
	FinishedAt         *time.Time
	TotalDuration      time.Duration
	EncryptionDuration time.Duration
	FileSizeBytes      int64
	RowsPerSheet       []int
}

// JobStore is the durable job queue.
type JobStore interface {
	Create(ctx context.Context, j NewJob) (Job, error)
	Get(ctx context.Context, id int64) (Job, error)
	List(ctx context.Context, f ListFilter) ([]Job, error)
	// Claim moves the oldest pending job to CREATING. It returns false when the queue is empty.
	Claim(ctx context.Context) (Job, bool, error)
	SetFilename(ctx context.Context, id int64, filename string) error
	Finish(ctx context.Context, id int64, storagePath string) error
	Fail(ctx context.Context, id int64, message string) error
	// FailStale fails CREATING jobs that have not been touched since before.
	FailStale(ctx context.Context, before time.Time) (int64, error)
	WriteLog(ctx context.Context, l Log) error
	GetLog(ctx context.Context, jobID int64) (Log, error)
}

type postgresJobStore struct {
	q persistence.Querier
}

func NewPostgresJobStore(q persistence.Querier) JobStore {
	if q == nil {
		panic("export job store requires querier")
	}
	return &postgresJobStore{q: q}
}

const jobColumns = `id, report_type, report_subtype, target_date, target_date_secondary, language, requester_id,
    provider_id, site_id, super_viewer, status, COALESCE(filename, ''), password_encrypted,
    COALESCE(storage_path, ''), COALESCE(error_message, ''), created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var status string
	err := row.Scan(
		&j.ID, &j.ReportType, &j.ReportSubtype, &j.TargetDate, &j.TargetDateSecondary, &j.Language, &j.RequesterID,
		&j.ProviderID, &j.SiteID, &j.SuperViewer, &status, &j.Filename, &j.PasswordEncrypted,
		&j.StoragePath, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt,
	)
	j.Status = Status(status)
	return j, err
}

func (s *postgresJobStore) Create(ctx context.Context, n NewJob) (Job, error) {
	row := s.q.QueryRow(ctx, `
INSERT INTO export_job (report_type, report_subtype, target_date, target_date_secondary, language, requester_id,
    provider_id, site_id, super_viewer, password_encrypted)
VALUES ($1, $2, $3::date, $4::date, $5, $6, $7, $8, $9, $10)
RETURNING `+jobColumns,
		n.ReportType, n.ReportSubtype, n.TargetDate, n.TargetDateSecondary, n.Language, n.RequesterID,
		n.ProviderID, n.SiteID, n.SuperViewer, n.PasswordEncrypted)
	job, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("insert export job: %w", err)
	}
	if _, err := s.q.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, strconv.FormatInt(job.ID, 10)); err != nil {
		return Job{}, fmt.Errorf("notify export job %d: %w", job.ID, err)
	}
	return job, nil
}

func (s *postgresJobStore) Get(ctx context.Context, id int64) (Job, error) {
	job, err := scanJob(s.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_job WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get export job %d: %w", id, err)
	}
	return job, nil
}

// ListQuery renders the requester's jobs newest first.
func ListQuery(f ListFilter) (sqlq.Query, error) {
	if f.RequesterID == "" {
		return sqlq.Query{}, fmt.Errorf("job listing requires requester")
	}
	if f.Limit <= 0 {
		return sqlq.Query{}, fmt.Errorf("job listing limit must be positive")
	}

	b := sqlq.New()
	var where sqlq.Where
	where.Addf("requester_id = %s", b.Arg(f.RequesterID))
	if f.ReportType != "" {
		where.Addf("report_type = %s", b.Arg(f.ReportType))
	}
	if f.Status != "" {
		where.Addf("status = %s", b.Arg(string(f.Status)))
	}
	if f.ProviderID != nil {
		where.Addf("provider_id = %s", b.Arg(*f.ProviderID))
	}
	if f.SiteID != nil {
		where.Addf("site_id = %s", b.Arg(*f.SiteID))
	}
	if f.After != nil {
		where.Addf("(created_at, id) < (%s, %s)", b.Arg(f.After.CreatedAt), b.Arg(f.After.ID))
	}
	return b.Build(fmt.Sprintf(`SELECT %s FROM export_job %s ORDER BY created_at DESC, id DESC LIMIT %s`,
		jobColumns, where.SQL(), b.Arg(f.Limit))), nil
}

func (s *postgresJobStore) List(ctx context.Context, f ListFilter) ([]Job, error) {
	q, err := ListQuery(f)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Job, error) { return scanJob(row) })
	if err != nil {
		return nil, fmt.Errorf("collect export jobs: %w", err)
	}
	return jobs, nil
}

func (s *postgresJobStore) Claim(ctx context.Context) (Job, bool, error) {
	job, err := scanJob(s.q.QueryRow(ctx, `
UPDATE export_job SET status = 'CREATING', updated_at = now()
WHERE id = (
    SELECT id FROM export_job
    WHERE status = 'PENDING'
    ORDER BY created_at, id
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING `+jobColumns))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("claim export job: %w", err)
	}
	return job, true, nil
}

func (s *postgresJobStore) SetFilename(ctx context.Context, id int64, filename string) error {
	tag, err := s.q.Exec(ctx, `
UPDATE export_job SET filename = $2, updated_at = now()
WHERE id = $1 AND status = 'CREATING'`, id, filename)
	if persistence.IsUniqueViolation(err) {
		return ErrFilenameTaken
	}
	if err != nil {
		return fmt.Errorf("set filename of export job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %d is not being created", ErrInvalidTransition, id)
	}
	return nil
}

func (s *postgresJobStore) Finish(ctx context.Context, id int64, storagePath string) error {
	return s.transition(ctx, id, StatusFinished, `storage_path = $3`, storagePath)
}

func (s *postgresJobStore) Fail(ctx context.Context, id int64, message string) error {
	return s.transition(ctx, id, StatusFailed, `error_message = $3`, message)
}

// transition moves id to `to` from any status allowed to reach it. The status predicate in the
// UPDATE keeps concurrent transitions linearizable.
func (s *postgresJobStore) transition(ctx context.Context, id int64, to Status, set string, arg any) error {
	var from []string
	for _, st := range []Status{StatusPending, StatusCreating, StatusFinished, StatusFailed} {
		if CanTransition(st, to) {
			from = append(from, string(st))
		}
	}
	tag, err := s.q.Exec(ctx, fmt.Sprintf(`
UPDATE export_job SET status = $2, %s, updated_at = now()
WHERE id = $1 AND status = ANY($4)`, set), id, string(to), arg, from)
	if err != nil {
		return fmt.Errorf("move export job %d to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %d to %s", ErrInvalidTransition, id, to)
	}
	return nil
}

func (s *postgresJobStore) FailStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `
UPDATE export_job SET status = 'FAILED', error_message = 'exceeded maximum duration', updated_at = now()
WHERE status = 'CREATING' AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("fail stale export jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *postgresJobStore) WriteLog(ctx context.Context, l Log) error {
	rows := l.RowsPerSheet
	if rows == nil {
		rows = []int{}
	}
	_, err := s.q.Exec(ctx, `
INSERT INTO export_job_log (job_id, started_at, finished_at, total_duration_sec, encryption_duration_sec,
    file_size_bytes, rows_per_sheet)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (job_id) DO UPDATE SET
    finished_at = EXCLUDED.finished_at,
    total_duration_sec = EXCLUDED.total_duration_sec,
    encryption_duration_sec = EXCLUDED.encryption_duration_sec,
    file_size_bytes = EXCLUDED.file_size_bytes,
    rows_per_sheet = EXCLUDED.rows_per_sheet`,
		l.JobID, l.StartedAt, l.FinishedAt, int(l.TotalDuration.Seconds()), int(l.EncryptionDuration.Seconds()),
		l.FileSizeBytes, rows)
	if err != nil {
		return fmt.Errorf("write log of export job %d: %w", l.JobID, err)
	}
	return nil
}

func (s *postgresJobStore) GetLog(ctx context.Context, jobID int64) (Log, error) {
	var l Log
	var total, enc int
	var rows []int32
	err := s.q.QueryRow(ctx, `
SELECT job_id, started_at, finished_at, total_duration_sec, encryption_duration_sec, file_size_bytes, rows_per_sheet
FROM export_job_log WHERE job_id = $1`, jobID).
		Scan(&l.JobID, &l.StartedAt, &l.FinishedAt, &total, &enc, &l.FileSizeBytes, &rows)
	if errors.Is(err, pgx.ErrNoRows) {
		return Log{}, ErrNotFound
	}
	if err != nil {
		return Log{}, fmt.Errorf("get log of export job %d: %w", jobID, err)
	}
	l.TotalDuration = time.Duration(total) * time.Second
	l.EncryptionDuration = time.Duration(enc) * time.Second
	l.RowsPerSheet = make([]int, len(rows))
	for i, n := range rows {
		l.RowsPerSheet[i] = int(n)
	}
	return l, nil
}
