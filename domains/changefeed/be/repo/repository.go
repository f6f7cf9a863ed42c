package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Opetushallitus/varda-reporting/platform/go/audit"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
)

// Row is one emitted change. Old dates are set only by the corrections feed.
type Row struct {
	PersonID            int64
	PersonOID           string
	NationalIDEncrypted string
	ChildID             int64
	AssignmentID        int64
	SiteOID             string
	ProviderOID         string
	StartDate           time.Time
	EndDate             *time.Time
	OldStartDate        *time.Time
	OldEndDate          *time.Time
	ChangedAt           time.Time
	Seq                 int64
	SortEnd             time.Time
}

// Cursor is the keyset position of a row. SortEnd is the end date with open ends mapped to
// 9999-12-31 so the tuple comparison never meets NULL.
type Cursor struct {
	PersonID     int64     `json:"p"`
	StartDate    time.Time `json:"s"`
	SortEnd      time.Time `json:"e"`
	AssignmentID int64     `json:"a"`
	Seq          int64     `json:"n"`
}

func (r Row) Cursor() Cursor {
	return Cursor{PersonID: r.PersonID, StartDate: r.StartDate, SortEnd: r.SortEnd, AssignmentID: r.AssignmentID, Seq: r.Seq}
}

// Repository reads feed pages and records who received them.
type Repository interface {
	Page(ctx context.Context, q sqlq.Query) ([]Row, error)
	RecordAccess(ctx context.Context, e audit.Entry) error
}

type postgresRepository struct {
	db    *persistence.DB
	audit audit.Logger
}

// NewPostgresRepository serves every page from its own snapshot transaction.
func NewPostgresRepository(db *persistence.DB) Repository {
	if db == nil {
		panic("database is required")
	}
	return &postgresRepository{db: db}
}

func (r *postgresRepository) Page(ctx context.Context, q sqlq.Query) ([]Row, error) {
	var out []Row
	err := r.db.WithSnapshot(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, q.SQL, q.Args...)
		if err != nil {
			return fmt.Errorf("query feed: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Row, error) {
			var res Row
			err := row.Scan(&res.PersonID, &res.PersonOID, &res.NationalIDEncrypted, &res.ChildID, &res.AssignmentID,
				&res.SiteOID, &res.ProviderOID, &res.StartDate, &res.EndDate, &res.OldStartDate, &res.OldEndDate,
				&res.ChangedAt, &res.Seq, &res.SortEnd)
			return res, err
		})
		if err != nil {
			return fmt.Errorf("collect feed rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *postgresRepository) RecordAccess(ctx context.Context, e audit.Entry) error {
	return r.audit.Log(ctx, r.db.Querier(), e)
}
