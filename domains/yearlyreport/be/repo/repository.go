package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
)

// Member is one resolved member with the object it is authorized through.
type Member struct {
	ID      int64
	OwnerID int64
}

// Group is one grouped row. A nil key is the "all" bucket of that dimension.
type Group struct {
	Keys   []*string
	Values []int64
}

// Key returns key i, or nil when out of range.
func (g Group) Key(i int) *string {
	if i < 0 || i >= len(g.Keys) {
		return nil
	}
	return g.Keys[i]
}

// Value returns measure i, or zero when out of range.
func (g Group) Value(i int) int64 {
	if i < 0 || i >= len(g.Values) {
		return 0
	}
	return g.Values[i]
}

// Repository runs membership and aggregation queries.
type Repository interface {
	Members(ctx context.Context, q sqlq.Query) ([]Member, error)
	Aggregate(ctx context.Context, a Aggregation) ([]Group, error)
}

type postgresRepository struct {
	q persistence.Querier
}

// NewPostgresRepository reads through q. Aggregations see one consistent history because every
// query pins the same snapshot instant, so q may be a pool shared by parallel queries.
func NewPostgresRepository(q persistence.Querier) Repository {
	if q == nil {
		panic("yearly report repository requires querier")
	}
	return &postgresRepository{q: q}
}

func (r *postgresRepository) Members(ctx context.Context, q sqlq.Query) ([]Member, error) {
	rows, err := r.q.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("resolve members: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Member, error) {
		var m Member
		err := row.Scan(&m.ID, &m.OwnerID)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect members: %w", err)
	}
	return out, nil
}

func (r *postgresRepository) Aggregate(ctx context.Context, a Aggregation) ([]Group, error) {
	rows, err := r.q.Query(ctx, a.Query.SQL, a.Query.Args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", a.Name, err)
	}
	width := len(rows.FieldDescriptions())
	if width < a.Keys {
		rows.Close()
		return nil, fmt.Errorf("aggregate %s: %d columns for %d keys", a.Name, width, a.Keys)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Group, error) {
		g := Group{Keys: make([]*string, a.Keys), Values: make([]int64, width-a.Keys)}
		dest := make([]any, 0, width)
		for i := range g.Keys {
			dest = append(dest, &g.Keys[i])
		}
		for i := range g.Values {
			dest = append(dest, &g.Values[i])
		}
		err := row.Scan(dest...)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", a.Name, err)
	}
	return out, nil
}
