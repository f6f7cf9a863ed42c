package repo

import (
	"errors"
	"fmt"
	"time"

	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

// Feed is one categorical change stream. The value is its path segment.
type Feed string

const (
	FeedStarted     Feed = "aloittaneet"
	FeedEnded       Feed = "lopettaneet"
	FeedFixedTerm   Feed = "maaraaikaiset"
	FeedCorrections Feed = "korjaustiedot"
	FeedDeletions   Feed = "korjaustiedotpoistetut"
)

// Feeds lists every feed in route order.
var Feeds = []Feed{FeedStarted, FeedEnded, FeedFixedTerm, FeedCorrections, FeedDeletions}

// Valid reports whether f is a known feed.
func (f Feed) Valid() bool {
	switch f {
	case FeedStarted, FeedEnded, FeedFixedTerm, FeedCorrections, FeedDeletions:
		return true
	}
	return false
}

// ProvisionModes are the provision mode codes a feed row may carry, compared in lower case.
var ProvisionModes = []string{"jm01", "jm02", "jm03"}

// farFuture stands in for an open end date in the sort key.
const farFuture = "9999-12-31"

// Gating holds the cut-over dates of the common gating predicate.
type Gating struct {
	// Genesis is the earliest decision creation instant a row may come from.
	Genesis time.Time
	// GenesisEnd is the earliest assignment end date a row may carry.
	GenesisEnd time.Time
}

// Window is the half-open change window (After, Until].
type Window struct {
	After time.Time
	Until time.Time
}

func (w Window) Validate() error {
	if w.After.IsZero() || w.Until.IsZero() {
		return errors.New("change window requires both bounds")
	}
	if w.Until.Before(w.After) {
		return errors.New("change window ends before it starts")
	}
	return nil
}

// BuildFeedQuery renders the unordered rows of feed over w. The result exposes child_id for
// the authorization filter and the sort columns used by BuildPageQuery.
func BuildFeedQuery(feed Feed, w Window, g Gating) (sqlq.Query, error) {
	if !feed.Valid() {
		return sqlq.Query{}, fmt.Errorf("unknown feed %q", feed)
	}
	if err := w.Validate(); err != nil {
		return sqlq.Query{}, err
	}

	b := sqlq.New()
	after := b.Arg(w.After)
	until := b.Arg(w.Until)

	var picked string
	switch feed {
	case FeedStarted:
		picked = createdPicked("l.end_date IS NULL")
	case FeedFixedTerm:
		picked = createdPicked("l.end_date IS NOT NULL")
	case FeedEnded:
		picked = endedPicked(until)
	case FeedCorrections:
		picked = correctionsPicked(after)
	case FeedDeletions:
		picked = deletionsPicked(after)
	}

	var gate sqlq.Where
	gate.Add("NOT d.temporary")
	gate.Add("COALESCE(pe.national_id_hash, '') <> ''")
	gate.Addf("d.created_at >= %s", b.Arg(g.Genesis))
	gate.Addf("lower(d.provision_mode_code) = ANY(%s)", b.Arg(ProvisionModes))
	gate.Addf("(p.end_date IS NULL OR p.end_date >= %s::date)", b.Arg(temporal.Date(g.GenesisEnd)))

	sql := fmt.Sprintf(`WITH win AS (
    SELECT h.* FROM historical_assignment h
    WHERE h.history_date > %[1]s AND h.history_date <= %[2]s
),
last_in_window AS (
    SELECT DISTINCT ON (w.id) w.* FROM win w
    ORDER BY w.id, w.history_date DESC, w.history_id DESC
),
created_in_window AS (
    SELECT DISTINCT w.id FROM win w WHERE w.history_type = '+'
),
%[3]s
SELECT pe.id AS person_id,
       COALESCE(pe.oid, '') AS person_oid,
       COALESCE(pe.national_id_encrypted, '') AS national_id_encrypted,
       c.id AS child_id,
       p.assignment_id,
       COALESCE(s.oid, '') AS site_oid,
       COALESCE(o.oid, '') AS provider_oid,
       p.start_date,
       p.end_date,
       p.old_start_date,
       p.old_end_date,
       p.changed_at,
       seq.n AS seq,
       COALESCE(p.end_date, '%[4]s'::date) AS sort_end
FROM picked p
JOIN LATERAL (%[5]s) d ON true
JOIN LATERAL (%[6]s) c ON true
JOIN LATERAL (%[7]s) pe ON true
LEFT JOIN LATERAL (%[8]s) s ON true
LEFT JOIN LATERAL (%[9]s) o ON true
CROSS JOIN LATERAL generate_series(1, p.copies) AS seq(n)
%[10]s`,
		after, until, picked, farFuture,
		revisionAt(temporal.KindDecision, "p.decision_id", until),
		revisionAt(temporal.KindChild, "d.child_id", until),
		revisionAt(temporal.KindPerson, "c.person_id", until),
		revisionAt(temporal.KindSite, "p.site_id", until),
		revisionAt(temporal.KindOrganization, "COALESCE(c.provider_id, c.own_provider_id)", until),
		gate.SQL(),
	)
	return b.Build(sql), nil
}

// revisionAt selects the latest revision of one identity at the instant, deletions included,
// so rows about removed parents still resolve.
func revisionAt(kind temporal.Kind, idExpr, at string) string {
	return fmt.Sprintf(`SELECT r.* FROM %s r WHERE r.id = %s AND r.history_date <= %s
        ORDER BY r.history_date DESC, r.history_id DESC LIMIT 1`, kind.HistoryTable(), idExpr, at)
}

// createdPicked keeps assignments created in the window whose latest revision is alive. Rows
// that share a decision and dates collapse into one representative emitted
// max(1, created - deleted) times, so a delete-and-recreate is reported once.
func createdPicked(endCond string) string {
	return fmt.Sprintf(`counts AS (
    SELECT w.decision_id, w.start_date, w.end_date,
           count(*) FILTER (WHERE w.history_type = '+') AS created,
           count(*) FILTER (WHERE w.history_type = '-') AS deleted
    FROM win w
    GROUP BY w.decision_id, w.start_date, w.end_date
),
picked AS (
    SELECT DISTINCT ON (l.decision_id, l.start_date, l.end_date)
           l.id AS assignment_id, l.decision_id, l.site_id, l.start_date, l.end_date,
           NULL::date AS old_start_date, NULL::date AS old_end_date,
           l.history_date AS changed_at,
           GREATEST(1, k.created - k.deleted) AS copies
    FROM last_in_window l
    JOIN created_in_window ci ON ci.id = l.id
    JOIN counts k ON k.decision_id = l.decision_id
        AND k.start_date = l.start_date
        AND k.end_date IS NOT DISTINCT FROM l.end_date
    WHERE l.history_type <> '-' AND %s
    ORDER BY l.decision_id, l.start_date, l.end_date, l.id
)`, endCond)
}

// endedPicked keeps assignments whose latest revision set an end date the previous revision lacked.
func endedPicked(until string) string {
	return fmt.Sprintf(`ranked AS (
    SELECT h.*, row_number() OVER (PARTITION BY h.id ORDER BY h.history_date DESC, h.history_id DESC) AS rn
    FROM historical_assignment h
    WHERE h.id IN (SELECT id FROM last_in_window) AND h.history_date <= %s
),
picked AS (
    SELECT cur.id AS assignment_id, cur.decision_id, cur.site_id, cur.start_date, cur.end_date,
           NULL::date AS old_start_date, NULL::date AS old_end_date,
           cur.history_date AS changed_at,
           1::bigint AS copies
    FROM ranked cur
    JOIN ranked prev ON prev.id = cur.id AND prev.rn = 2
    WHERE cur.rn = 1
      AND cur.history_type = '~'
      AND cur.end_date IS NOT NULL
      AND prev.end_date IS NULL
)`, until)
}

// correctionsPicked compares the latest revision in the window with the last revision before it.
// Pure end-datings belong to the ended feed and are skipped.
func correctionsPicked(after string) string {
	return fmt.Sprintf(`before AS (
    SELECT DISTINCT ON (h.id) h.* FROM historical_assignment h
    WHERE h.id IN (SELECT id FROM last_in_window) AND h.history_date <= %s
    ORDER BY h.id, h.history_date DESC, h.history_id DESC
),
picked AS (
    SELECT l.id AS assignment_id, l.decision_id, l.site_id, l.start_date, l.end_date,
           b.start_date AS old_start_date, b.end_date AS old_end_date,
           l.history_date AS changed_at,
           1::bigint AS copies
    FROM last_in_window l
    JOIN before b ON b.id = l.id
    WHERE l.history_type = '~'
      AND b.history_type <> '-'
      AND (l.start_date <> b.start_date OR l.end_date IS DISTINCT FROM b.end_date)
      AND NOT (b.end_date IS NULL AND l.end_date IS NOT NULL AND l.start_date = b.start_date)
)`, after)
}

// deletionsPicked keeps assignments created before the window and deleted inside it, unless an
// assignment with the same decision and dates was created in the window and is still alive.
func deletionsPicked(after string) string {
	return fmt.Sprintf(`picked AS (
    SELECT l.id AS assignment_id, l.decision_id, l.site_id, l.start_date, l.end_date,
           NULL::date AS old_start_date, NULL::date AS old_end_date,
           l.history_date AS changed_at,
           1::bigint AS copies
    FROM last_in_window l
    WHERE l.history_type = '-'
      AND l.created_at < %s
      AND NOT EXISTS (
          SELECT 1 FROM last_in_window r
          JOIN created_in_window rc ON rc.id = r.id
          WHERE r.id <> l.id
            AND r.history_type <> '-'
            AND r.decision_id = l.decision_id
            AND r.start_date = l.start_date
            AND r.end_date IS NOT DISTINCT FROM l.end_date
      )
)`, after)
}

// BuildPageQuery orders the filtered feed by (person, start, end, assignment, copy) and cuts one
// page after the cursor.
func BuildPageQuery(filtered sqlq.Query, after *Cursor, limit int) (sqlq.Query, error) {
	if limit <= 0 {
		return sqlq.Query{}, errors.New("page limit must be positive")
	}
	b := sqlq.From(filtered)

	var where sqlq.Where
	if after != nil {
		where.Addf("(f.person_id, f.start_date, f.sort_end, f.assignment_id, f.seq) > (%s, %s::date, %s::date, %s, %s)",
			b.Arg(after.PersonID), b.Arg(temporal.Date(after.StartDate)), b.Arg(temporal.Date(after.SortEnd)),
			b.Arg(after.AssignmentID), b.Arg(after.Seq))
	}

	sql := fmt.Sprintf(`SELECT f.person_id, f.person_oid, f.national_id_encrypted, f.child_id, f.assignment_id,
       f.site_oid, f.provider_oid, f.start_date, f.end_date, f.old_start_date, f.old_end_date,
       f.changed_at, f.seq, f.sort_end
FROM (%s) f
%s
ORDER BY f.person_id, f.start_date, f.sort_end, f.assignment_id, f.seq
LIMIT %s`, filtered.SQL, where.SQL(), b.Arg(limit))
	return b.Build(sql), nil
}
