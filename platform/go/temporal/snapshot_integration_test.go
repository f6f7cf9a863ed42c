package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence/pgtest"
)

func TestSnapshotAgainstPostgres(t *testing.T) {
	pool := pgtest.Pool(t)
	ctx := context.Background()

	pgtest.Exec(t, pool,
		`INSERT INTO historical_organization (id, oid, name, start_date, history_date, history_type) VALUES (1, '1.2.246.562.10.1', 'P', '2020-01-01', '2020-01-01', '+')`,
		// assignment 1: created, then end-dated, visible as ended at T2
		`INSERT INTO historical_assignment (id, decision_id, site_id, start_date, end_date, history_date, history_type) VALUES
			(1, 1, 1, '2023-01-01', NULL, '2023-01-01 10:00Z', '+'),
			(1, 1, 1, '2023-01-01', '2023-06-30', '2023-07-01 10:00Z', '~')`,
		// assignment 2: created then deleted
		`INSERT INTO historical_assignment (id, decision_id, site_id, start_date, end_date, history_date, history_type) VALUES
			(2, 1, 1, '2023-01-01', NULL, '2023-01-01 10:00Z', '+'),
			(2, 1, 1, '2023-01-01', NULL, '2023-03-01 10:00Z', '-')`,
		// assignment 3: update without creation
		`INSERT INTO historical_assignment (id, decision_id, site_id, start_date, end_date, history_date, history_type) VALUES
			(3, 1, 1, '2023-01-01', NULL, '2023-01-01 10:00Z', '~')`,
	)

	ids := func(at time.Time, on *time.Time) []int64 {
		q, err := Snapshot(KindAssignment, SnapshotOptions{At: at, On: on})
		require.NoError(t, err)
		rows, err := pool.Query(ctx, "SELECT s.id FROM ("+q.SQL+") s", q.Args...)
		require.NoError(t, err)
		out, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		require.NoError(t, err)
		return out
	}

	feb := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	require.ElementsMatch(t, []int64{1, 2, 3}, ids(feb, nil))

	aug := time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC)
	require.ElementsMatch(t, []int64{1, 3}, ids(aug, nil))

	// Validity is evaluated on the latest revision: at T=aug assignment 1 ended on 2023-06-30.
	require.ElementsMatch(t, []int64{3}, ids(aug, &aug))
	// An instant before the end-dating sees the open revision.
	may := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	require.ElementsMatch(t, []int64{1, 3}, ids(may, &aug))

	issues := NewChecker(zaptest.NewLogger(t)).Warn(ctx, pool, KindAssignment, aug, nil)
	require.Len(t, issues, 1)
	require.Equal(t, int64(3), issues[0].ID)
}
