package repo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Opetushallitus/varda-reporting/platform/go/audit"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence/pgtest"
)

var gating = Gating{
	Genesis:    time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
	GenesisEnd: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
}

func TestBuildFeedQueryValidates(t *testing.T) {
	t.Parallel()

	w := Window{After: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), Until: time.Date(2024, 2, 11, 0, 0, 0, 0, time.UTC)}

	_, err := BuildFeedQuery("tuntematon", w, gating)
	require.Error(t, err)

	_, err = BuildFeedQuery(FeedStarted, Window{After: w.Until, Until: w.After}, gating)
	require.Error(t, err)

	for _, feed := range Feeds {
		q, err := BuildFeedQuery(feed, w, gating)
		require.NoError(t, err, feed)
		require.Equal(t, w.After, q.Args[0])
		require.Equal(t, w.Until, q.Args[1])
		require.Contains(t, q.SQL, "picked AS")
		require.Contains(t, q.SQL, "NOT d.temporary")
		require.Contains(t, q.Args, ProvisionModes)
	}
}

func TestBuildPageQueryAppendsKeyset(t *testing.T) {
	t.Parallel()

	w := Window{After: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), Until: time.Date(2024, 2, 11, 0, 0, 0, 0, time.UTC)}
	base, err := BuildFeedQuery(FeedEnded, w, gating)
	require.NoError(t, err)

	first, err := BuildPageQuery(base, nil, 11)
	require.NoError(t, err)
	require.NotContains(t, first.SQL, "(f.person_id, f.start_date")
	require.Equal(t, 11, first.Args[len(first.Args)-1])

	after := &Cursor{PersonID: 5, StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), SortEnd: time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC), AssignmentID: 9, Seq: 1}
	next, err := BuildPageQuery(base, after, 11)
	require.NoError(t, err)
	require.True(t, strings.Contains(next.SQL, "(f.person_id, f.start_date, f.sort_end, f.assignment_id, f.seq) >"))
	require.Len(t, next.Args, len(base.Args)+6)

	_, err = BuildPageQuery(base, nil, 0)
	require.Error(t, err)
}

func seedFeeds(t *testing.T) *persistence.DB {
	t.Helper()
	pool := pgtest.Pool(t)

	pgtest.Exec(t, pool,
		`INSERT INTO historical_organization (id, oid, name, start_date, history_date, history_type)
		 VALUES (1, '1.2.246.562.10.1', 'Kunta', '2020-01-01', '2020-01-01Z', '+')`,
		`INSERT INTO historical_site (id, provider_id, name, oid, operating_mode_code, start_date, history_date, history_type)
		 VALUES (10, 1, 'Paivakoti', '1.2.246.562.10.10', 'tm01', '2020-01-01', '2020-01-01Z', '+')`,
		`INSERT INTO historical_person (id, oid, national_id_hash, history_date, history_type) VALUES
			(100, '1.2.246.562.24.100', 'h100', '2023-01-01Z', '+'),
			(101, '1.2.246.562.24.101', 'h101', '2023-01-01Z', '+'),
			(102, '1.2.246.562.24.102', NULL, '2023-01-01Z', '+'),
			(103, '1.2.246.562.24.103', 'h103', '2023-01-01Z', '+'),
			(104, '1.2.246.562.24.104', 'h104', '2023-01-01Z', '+'),
			(105, '1.2.246.562.24.105', 'h105', '2023-01-01Z', '+'),
			(106, '1.2.246.562.24.106', 'h106', '2023-01-01Z', '+'),
			(107, '1.2.246.562.24.107', 'h107', '2023-01-01Z', '+')`,
		`INSERT INTO historical_child (id, person_id, provider_id, history_date, history_type)
		 SELECT 900 + id, id, 1, '2023-01-01Z', '+' FROM historical_person`,
		`INSERT INTO historical_decision (id, child_id, application_date, start_date, provision_mode_code, temporary, created_at, history_date, history_type)
		 SELECT 1900 + id, 900 + id, '2022-12-01', '2023-01-01', 'JM01', id = 103, '2023-01-05Z', '2023-01-05Z', '+'
		 FROM historical_person`,
		// started: created inside the window, open ended
		`INSERT INTO historical_assignment (id, decision_id, site_id, start_date, end_date, created_at, history_date, history_type) VALUES
			(3000, 2000, 10, '2024-02-15', NULL, '2024-02-10 12:00Z', '2024-02-10 12:00Z', '+')`,
		// ended: open since 2023, end-dated inside the window
		`INSERT INTO historical_assignment (id, decision_id, site_id, start_date, end_date, created_at, history_date, history_type) VALUES
			(3001, 2001, 10, '2023-01-01', NULL, '2023-01-01Z', '2023-01-01Z', '+'),
			(3001, 2001, 10, '2023-01-01', '2024-02-29', '2023-01-01Z', '2024-02-10 09:00Z', '~')`,
		// gated out: no national id, temporary decision
		`INSERT INTO historical_assignment (id, decision_id, site_id, start_date, end_date, created_at, history_date, history_type) VALUES
			(3002, 2002, 10, '2024-02-15', NULL, '2024-02-10 12:00Z', '2024-02-10 12:00Z', '+'),
			(3003, 2003, 10, '2024-02-15', NULL, '2024-02-10 12:00Z', '2024-02-10 12:00Z', '+')`,
		// delete and recreate with the same dates inside the window
		`INSERT INTO historical_assignment (id, decision_id, site_id, start_date, end_date, created_at, history_date, history_type) VALUES
			(3004, 2004, 10, '2024-02-20', NULL, '2024-02-10 08:00Z', '2024-02-10 08:00Z', '+'),
			(3004, 2004, 10, '2024-02-20', NULL, '2024-02-10 08:00Z', '2024-02-10 09:00Z', '-'),
			(3005, 2004, 10, '2024-02-20', NULL, '2024-02-10 10:00Z', '2024-02-10 10:00Z', '+')`,
		// correction of the start date
		`INSERT INTO historical_assignment (id, decision_id, site_id, start_date, end_date, created_at, history_date, history_type) VALUES
			(3006, 2005, 10, '2023-01-01', NULL, '2023-01-01Z', '2023-01-01Z', '+'),
			(3006, 2005, 10, '2023-02-01', NULL, '2023-01-01Z', '2024-02-10 11:00Z', '~')`,
		// deletion of an old assignment
		`INSERT INTO historical_assignment (id, decision_id, site_id, start_date, end_date, created_at, history_date, history_type) VALUES
			(3007, 2006, 10, '2023-01-01', NULL, '2023-01-01Z', '2023-01-01Z', '+'),
			(3007, 2006, 10, '2023-01-01', NULL, '2023-01-01Z', '2024-02-10 13:00Z', '-')`,
		// fixed term placement
		`INSERT INTO historical_assignment (id, decision_id, site_id, start_date, end_date, created_at, history_date, history_type) VALUES
			(3008, 2007, 10, '2024-03-01', '2024-06-30', '2024-02-10 14:00Z', '2024-02-10 14:00Z', '+')`,
	)
	return persistence.NewDB(persistence.DBConfig{Pool: pool, SnapshotWorkMem: "64MB"})
}

func TestFeedsAgainstPostgres(t *testing.T) {
	db := seedFeeds(t)
	r := NewPostgresRepository(db)
	ctx := context.Background()

	day := Window{
		After: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2024, 2, 10, 23, 59, 59, 0, time.UTC),
	}

	load := func(feed Feed, w Window, after *Cursor, limit int) []Row {
		base, err := BuildFeedQuery(feed, w, gating)
		require.NoError(t, err)
		q, err := BuildPageQuery(base, after, limit)
		require.NoError(t, err)
		rows, err := r.Page(ctx, q)
		require.NoError(t, err)
		return rows
	}
	assignments := func(rows []Row) []int64 {
		out := make([]int64, 0, len(rows))
		for _, row := range rows {
			out = append(out, row.AssignmentID)
		}
		return out
	}

	started := load(FeedStarted, day, nil, 10)
	require.Equal(t, []int64{3000, 3005}, assignments(started))
	require.Equal(t, "1.2.246.562.24.100", started[0].PersonOID)
	require.Equal(t, "2024-02-15", started[0].StartDate.Format(time.DateOnly))
	require.Nil(t, started[0].EndDate)
	require.Equal(t, "1.2.246.562.10.10", started[0].SiteOID)
	require.Equal(t, "1.2.246.562.10.1", started[0].ProviderOID)
	require.Equal(t, int64(1000), started[0].ChildID)

	first := load(FeedStarted, day, nil, 1)
	require.Equal(t, []int64{3000}, assignments(first))
	cursor := first[0].Cursor()
	rest := load(FeedStarted, day, &cursor, 10)
	require.Equal(t, []int64{3005}, assignments(rest))

	ended := load(FeedEnded, day, nil, 10)
	require.Equal(t, []int64{3001}, assignments(ended))
	require.Equal(t, "2024-02-29", ended[0].EndDate.Format(time.DateOnly))

	later := Window{
		After: time.Date(2024, 2, 11, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC),
	}
	require.Empty(t, load(FeedEnded, later, nil, 10))

	corrections := load(FeedCorrections, day, nil, 10)
	require.Equal(t, []int64{3006}, assignments(corrections))
	require.Equal(t, "2023-02-01", corrections[0].StartDate.Format(time.DateOnly))
	require.Equal(t, "2023-01-01", corrections[0].OldStartDate.Format(time.DateOnly))
	require.Nil(t, corrections[0].OldEndDate)

	deletions := load(FeedDeletions, day, nil, 10)
	require.Equal(t, []int64{3007}, assignments(deletions))

	fixed := load(FeedFixedTerm, day, nil, 10)
	require.Equal(t, []int64{3008}, assignments(fixed))
	require.Equal(t, "2024-06-30", fixed[0].EndDate.Format(time.DateOnly))

	require.NoError(t, r.RecordAccess(ctx, audit.Entry{PrincipalID: "kela", Action: audit.ActionExportPersons, TargetKind: "changefeed", TargetID: "aloittaneet/v1"}))
	var count int
	require.NoError(t, db.Querier().QueryRow(ctx, `SELECT count(*) FROM audit_log WHERE principal_id = 'kela'`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestStartedEmitsOneRowPerNetCreation(t *testing.T) {
	db := seedFeeds(t)

	_, err := db.Querier().Exec(context.Background(), `INSERT INTO historical_assignment
		(id, decision_id, site_id, start_date, end_date, created_at, history_date, history_type) VALUES
		(3009, 2000, 10, '2024-02-15', NULL, '2024-02-10 15:00Z', '2024-02-10 15:00Z', '+')`)
	require.NoError(t, err)

	base, err := BuildFeedQuery(FeedStarted, Window{
		After: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2024, 2, 11, 0, 0, 0, 0, time.UTC),
	}, gating)
	require.NoError(t, err)
	q, err := BuildPageQuery(base, nil, 10)
	require.NoError(t, err)

	rows, err := NewPostgresRepository(db).Page(context.Background(), q)
	require.NoError(t, err)

	var forPerson []Row
	for _, row := range rows {
		if row.PersonID == 100 {
			forPerson = append(forPerson, row)
		}
	}
	require.Len(t, forPerson, 2)
	require.Equal(t, forPerson[0].AssignmentID, forPerson[1].AssignmentID)
	require.Equal(t, []int64{1, 2}, []int64{forPerson[0].Seq, forPerson[1].Seq})
}
