package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
)

// Axis is a dimension requests are counted along.
type Axis string

const (
	AxisPrincipal    Axis = "principal"
	AxisProvider     Axis = "provider"
	AxisSourceSystem Axis = "source_system"
	AxisURL          Axis = "url"
)

// Axes lists every summary axis.
func Axes() []Axis {
	return []Axis{AxisPrincipal, AxisProvider, AxisSourceSystem, AxisURL}
}

func (a Axis) Valid() bool {
	switch a {
	case AxisPrincipal, AxisProvider, AxisSourceSystem, AxisURL:
		return true
	}
	return false
}

// Request is one completed request as written to the log.
type Request struct {
	Method         string
	URL            string
	URLTemplate    string
	ResponseCode   int
	PrincipalID    string
	ProviderOID    string
	SourceSystem   string
	ServiceAccount bool
	TargetKind     string
	TargetID       string
	At             time.Time
}

func (r Request) Successful() bool {
	return r.ResponseCode >= 200 && r.ResponseCode < 300
}

// axisValues are the summary rows a request increments. Blank values are not counted.
func (r Request) axisValues() map[Axis]string {
	out := make(map[Axis]string, 4)
	for axis, v := range map[Axis]string{
		AxisPrincipal:    r.PrincipalID,
		AxisProvider:     r.ProviderOID,
		AxisSourceSystem: r.SourceSystem,
		AxisURL:          r.URLTemplate,
	} {
		if v != "" {
			out[axis] = v
		}
	}
	return out
}

// LogRow is a stored request.
type LogRow struct {
	ID             int64
	Method         string
	URL            string
	URLTemplate    string
	ResponseCode   int
	PrincipalID    string
	ProviderOID    string
	SourceSystem   string
	ServiceAccount bool
	TargetKind     string
	TargetID       string
	CreatedAt      time.Time
}

type LogCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        int64     `json:"i"`
}

func (r LogRow) Cursor() LogCursor {
	return LogCursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

// Breakdown counts the requests of a summary by route, method and status.
type Breakdown struct {
	URLTemplate  string `json:"request_url"`
	Method       string `json:"request_method"`
	ResponseCode int    `json:"response_code"`
	Count        int64  `json:"count"`
}

// SummaryRow is the daily count of one axis value.
type SummaryRow struct {
	ID                int64
	Axis              Axis
	Value             string
	Date              time.Time
	SuccessfulCount   int64
	UnsuccessfulCount int64
	Breakdown         []Breakdown
}

type SummaryCursor struct {
	Date  time.Time `json:"d"`
	Value string    `json:"v"`
	ID    int64     `json:"i"`
}

func (r SummaryRow) Cursor() SummaryCursor {
	return SummaryCursor{Date: r.Date, Value: r.Value, ID: r.ID}
}

// OutageRow is one group of LastRequest rows.
type OutageRow struct {
	Value               string
	LastSuccessfulMax   *time.Time
	LastUnsuccessfulMax *time.Time
}

// Store persists request telemetry.
type Store interface {
	// Write appends rec to the log and increments its LastRequest and summary rows in one transaction.
	Write(ctx context.Context, rec Request) error
	// Rollup rebuilds the summaries of day from the request log and returns the number of
	// summary rows written.
	Rollup(ctx context.Context, day time.Time) (int64, error)
	Logs(ctx context.Context, q sqlq.Query) ([]LogRow, error)
	Summaries(ctx context.Context, q sqlq.Query) ([]SummaryRow, error)
	Outages(ctx context.Context, q sqlq.Query) ([]OutageRow, error)
}

type postgresStore struct {
	db *persistence.DB
}

func NewPostgresStore(db *persistence.DB) Store {
	if db == nil {
		panic("database is required")
	}
	return &postgresStore{db: db}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *postgresStore) Write(ctx context.Context, rec Request) error {
	if rec.PrincipalID == "" {
		return errors.New("request telemetry requires a principal")
	}
	at := rec.At.UTC()
	var ok, failed *time.Time
	successes, failures := 0, 1
	if rec.Successful() {
		ok, successes, failures = &at, 1, 0
	} else {
		failed = &at
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO request_log (method, url, url_template, response_code, principal_id, provider_oid, source_system,
                         service_account, target_kind, target_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.Method, rec.URL, rec.URLTemplate, rec.ResponseCode, rec.PrincipalID, nullable(rec.ProviderOID),
			nullable(rec.SourceSystem), rec.ServiceAccount, nullable(rec.TargetKind), nullable(rec.TargetID), at)
		if err != nil {
			return fmt.Errorf("append request log: %w", err)
		}

		// GREATEST skips NULLs, so the side that did not change keeps its value.
		_, err = tx.Exec(ctx, `
INSERT INTO last_request (principal_id, provider_oid, source_system, service_account, last_successful, last_unsuccessful)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT ON CONSTRAINT last_request_triple_key DO UPDATE SET
    service_account   = last_request.service_account OR EXCLUDED.service_account,
    last_successful   = GREATEST(last_request.last_successful, EXCLUDED.last_successful),
    last_unsuccessful = GREATEST(last_request.last_unsuccessful, EXCLUDED.last_unsuccessful)`,
			rec.PrincipalID, rec.ProviderOID, rec.SourceSystem, rec.ServiceAccount, ok, failed)
		if err != nil {
			return fmt.Errorf("upsert last request: %w", err)
		}

		day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		values := rec.axisValues()
		// Fixed axis order keeps concurrent writers from locking summary rows in opposite orders.
		for _, axis := range Axes() {
			value, present := values[axis]
			if !present {
				continue
			}
			var summaryID int64
			err := tx.QueryRow(ctx, `
INSERT INTO request_summary (axis, axis_value, summary_date, successful_count, unsuccessful_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT ON CONSTRAINT request_summary_axis_day_key DO UPDATE SET
    successful_count   = request_summary.successful_count + EXCLUDED.successful_count,
    unsuccessful_count = request_summary.unsuccessful_count + EXCLUDED.unsuccessful_count
RETURNING id`, string(axis), value, day, successes, failures).Scan(&summaryID)
			if err != nil {
				return fmt.Errorf("increment %s summary: %w", axis, err)
			}
			_, err = tx.Exec(ctx, `
INSERT INTO request_summary_breakdown (summary_id, url_template, method, response_code, count)
VALUES ($1, $2, $3, $4, 1)
ON CONFLICT (summary_id, url_template, method, response_code) DO UPDATE SET
    count = request_summary_breakdown.count + 1`, summaryID, rec.URLTemplate, rec.Method, rec.ResponseCode)
			if err != nil {
				return fmt.Errorf("increment %s breakdown: %w", axis, err)
			}
		}
		return nil
	})
}

// axisColumns maps each axis to its request_log column.
var axisColumns = map[Axis]string{
	AxisPrincipal:    "principal_id",
	AxisProvider:     "provider_oid",
	AxisSourceSystem: "source_system",
	AxisURL:          "url_template",
}

func (s *postgresStore) Rollup(ctx context.Context, day time.Time) (int64, error) {
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	next := day.AddDate(0, 0, 1)

	var written int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		written = 0
		if _, err := tx.Exec(ctx, `DELETE FROM request_summary WHERE summary_date = $1`, day); err != nil {
			return fmt.Errorf("clear summaries of %s: %w", day.Format(time.DateOnly), err)
		}
		for _, axis := range Axes() {
			col := sqlq.Ident(axisColumns[axis])
			tag, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO request_summary (axis, axis_value, summary_date, successful_count, unsuccessful_count)
SELECT $1, l.%[1]s, $2,
       COUNT(*) FILTER (WHERE l.response_code BETWEEN 200 AND 299),
       COUNT(*) FILTER (WHERE l.response_code NOT BETWEEN 200 AND 299)
FROM request_log l
WHERE l.created_at >= $2 AND l.created_at < $3 AND COALESCE(l.%[1]s, '') <> ''
GROUP BY l.%[1]s`, col), string(axis), day, next)
			if err != nil {
				return fmt.Errorf("rebuild %s summaries: %w", axis, err)
			}
			written += tag.RowsAffected()

			_, err = tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO request_summary_breakdown (summary_id, url_template, method, response_code, count)
SELECT s.id, l.url_template, l.method, l.response_code, COUNT(*)
FROM request_log l
JOIN request_summary s ON s.axis = $1 AND s.axis_value = l.%[1]s AND s.summary_date = $2
WHERE l.created_at >= $2 AND l.created_at < $3
GROUP BY s.id, l.url_template, l.method, l.response_code`, col), string(axis), day, next)
			if err != nil {
				return fmt.Errorf("rebuild %s breakdowns: %w", axis, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s *postgresStore) Logs(ctx context.Context, q sqlq.Query) ([]LogRow, error) {
	rows, err := s.db.Querier().Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LogRow, error) {
		var r LogRow
		var provider, source, kind, target *string
		err := row.Scan(&r.ID, &r.Method, &r.URL, &r.URLTemplate, &r.ResponseCode, &r.PrincipalID,
			&provider, &source, &r.ServiceAccount, &kind, &target, &r.CreatedAt)
		r.ProviderOID, r.SourceSystem, r.TargetKind, r.TargetID = deref(provider), deref(source), deref(kind), deref(target)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan request log: %w", err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *postgresStore) Summaries(ctx context.Context, q sqlq.Query) ([]SummaryRow, error) {
	var out []SummaryRow
	err := s.db.WithSnapshot(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, q.SQL, q.Args...)
		if err != nil {
			return fmt.Errorf("query summaries: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (SummaryRow, error) {
			var r SummaryRow
			var axis string
			err := row.Scan(&r.ID, &axis, &r.Value, &r.Date, &r.SuccessfulCount, &r.UnsuccessfulCount)
			r.Axis = Axis(axis)
			return r, err
		})
		if err != nil {
			return fmt.Errorf("scan summaries: %w", err)
		}
		if len(out) == 0 {
			return nil
		}

		ids := make([]int64, len(out))
		index := make(map[int64]int, len(out))
		for i, r := range out {
			ids[i] = r.ID
			index[r.ID] = i
		}
		rows, err = tx.Query(ctx, `
SELECT summary_id, url_template, method, response_code, count
FROM request_summary_breakdown
WHERE summary_id = ANY($1)
ORDER BY summary_id, url_template, method, response_code`, ids)
		if err != nil {
			return fmt.Errorf("query breakdowns: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var b Breakdown
			if err := rows.Scan(&id, &b.URLTemplate, &b.Method, &b.ResponseCode, &b.Count); err != nil {
				return fmt.Errorf("scan breakdown: %w", err)
			}
			i := index[id]
			out[i].Breakdown = append(out[i].Breakdown, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *postgresStore) Outages(ctx context.Context, q sqlq.Query) ([]OutageRow, error) {
	rows, err := s.db.Querier().Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query outages: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutageRow, error) {
		var r OutageRow
		err := row.Scan(&r.Value, &r.LastSuccessfulMax, &r.LastUnsuccessfulMax)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outages: %w", err)
	}
	return out, nil
}
