package temporal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
)

// ChainIssue describes a revision sequence that does not start with a creation, or that
// continues after a deletion without a new creation.
type ChainIssue struct {
	Kind     Kind
	ID       int64
	Position int
	Type     HistoryType
	Reason   string
}

// CheckChain inspects the revision types of one identity in chronological order.
func CheckChain(kind Kind, id int64, types []HistoryType) []ChainIssue {
	var issues []ChainIssue
	alive := false
	for i, t := range types {
		switch t {
		case Created:
			alive = true
		case Updated, Deleted:
			if !alive {
				reason := "update without preceding creation"
				if t == Deleted {
					reason = "deletion without preceding creation"
				}
				issues = append(issues, ChainIssue{Kind: kind, ID: id, Position: i, Type: t, Reason: reason})
			}
			alive = t == Updated
		default:
			issues = append(issues, ChainIssue{Kind: kind, ID: id, Position: i, Type: t, Reason: "unknown history type"})
		}
	}
	return issues
}

// ChainQuery selects the ordered revision types of identities whose first visible revision is
// not a creation, or that have an update directly after a deletion.
func ChainQuery(kind Kind, at time.Time, ids []int64) (sqlq.Query, error) {
	if !kind.Valid() {
		return sqlq.Query{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	b := sqlq.New()
	var where sqlq.Where
	where.Addf("h.history_date <= %s", b.Arg(at))
	if len(ids) > 0 {
		where.Addf("h.id = ANY(%s)", b.Arg(ids))
	}
	return b.Build(fmt.Sprintf(`SELECT chain.id, chain.types FROM (
    SELECT h.id, array_agg(h.history_type::text ORDER BY h.history_date, h.history_id) AS types
    FROM %s h
    %s
    GROUP BY h.id
) chain
WHERE chain.types[1] <> '+' OR array_to_string(chain.types, '') LIKE '%%-~%%'
ORDER BY chain.id`, kind.HistoryTable(), where.SQL())), nil
}

// Checker logs inconsistent history chains as structured warnings. It never fails a read.
type Checker struct {
	logger *zap.Logger
}

func NewChecker(logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{logger: logger}
}

// Warn runs ChainQuery and logs every issue. Query failures are logged and swallowed so the
// surrounding stream continues.
func (c *Checker) Warn(ctx context.Context, q persistence.Querier, kind Kind, at time.Time, ids []int64) []ChainIssue {
	query, err := ChainQuery(kind, at, ids)
	if err != nil {
		c.logger.Warn("history chain check skipped", zap.String("kind", string(kind)), zap.Error(err))
		return nil
	}

	rows, err := q.Query(ctx, query.SQL, query.Args...)
	if err != nil {
		c.logger.Warn("history chain check failed", zap.String("kind", string(kind)), zap.Error(err))
		return nil
	}

	var (
		issues []ChainIssue
		id     int64
		raw    []string
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &raw}, func() error {
		types := make([]HistoryType, len(raw))
		for i, t := range raw {
			types[i] = HistoryType(t)
		}
		issues = append(issues, CheckChain(kind, id, types)...)
		return nil
	})
	if err != nil {
		c.logger.Warn("history chain check failed", zap.String("kind", string(kind)), zap.Error(err))
	}

	for _, issue := range issues {
		c.logger.Warn("inconsistent history chain",
			zap.String("kind", string(issue.Kind)),
			zap.Int64("id", issue.ID),
			zap.Int("position", issue.Position),
			zap.String("history_type", string(issue.Type)),
			zap.String("reason", issue.Reason),
		)
	}
	return issues
}
