// Package temporal turns business-time predicates into snapshot views over the
// historical_<entity> revision tables.
//
// A revision table carries every column of its entity plus history_id, history_date,
// history_type ('+' create, '~' update, '-' delete) and history_user_id. Revisions of one
// identity are ordered by history_date, ties broken by history_id (insert order).
package temporal

import (
	"fmt"
	"time"

	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
)

// Kind names a versioned entity. The value doubles as its table name.
type Kind string

const (
	KindOrganization       Kind = "organization"
	KindSite               Kind = "site"
	KindLinguisticEmphasis Kind = "linguistic_emphasis"
	KindFunctionalEmphasis Kind = "functional_emphasis"
	KindPerson             Kind = "person"
	KindChild              Kind = "child"
	KindDecision           Kind = "decision"
	KindAssignment         Kind = "assignment"
	KindGuardianship       Kind = "guardianship"
	KindFee                Kind = "fee"
	KindEmployee           Kind = "employee"
	KindEmployment         Kind = "employment"
	KindWorkLocation       Kind = "work_location"
	KindExtendedAbsence    Kind = "extended_absence"
	KindCrossPurchaseRight Kind = "cross_purchase_right"
)

var kinds = map[Kind]bool{
	KindOrganization:       true,
	KindSite:               true,
	KindLinguisticEmphasis: true,
	KindFunctionalEmphasis: true,
	KindPerson:             false,
	KindChild:              false,
	KindDecision:           true,
	KindAssignment:         true,
	KindGuardianship:       false,
	KindFee:                true,
	KindEmployee:           false,
	KindEmployment:         true,
	KindWorkLocation:       true,
	KindExtendedAbsence:    true,
	KindCrossPurchaseRight: false,
}

// Valid reports whether k is a known versioned entity.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Dated reports whether the entity carries a start_date/end_date validity interval.
func (k Kind) Dated() bool {
	return kinds[k]
}

// Table is the current-state table.
func (k Kind) Table() string {
	return string(k)
}

// HistoryTable is the revision table.
func (k Kind) HistoryTable() string {
	return "historical_" + string(k)
}

// HistoryType marks what a revision did to its identity.
type HistoryType string

const (
	Created HistoryType = "+"
	Updated HistoryType = "~"
	Deleted HistoryType = "-"
)

// ActiveOn renders start_date <= D AND (end_date IS NULL OR end_date >= D) for the given alias,
// binding D once.
func ActiveOn(b *sqlq.Builder, alias string, d time.Time) string {
	p := b.Arg(Date(d))
	return fmt.Sprintf("(%[1]s.start_date <= %[2]s::date AND (%[1]s.end_date IS NULL OR %[1]s.end_date >= %[2]s::date))", alias, p)
}

// ActiveOnPlaceholder is ActiveOn for a date that is already bound.
func ActiveOnPlaceholder(alias, placeholder string) string {
	return fmt.Sprintf("(%[1]s.start_date <= %[2]s::date AND (%[1]s.end_date IS NULL OR %[1]s.end_date >= %[2]s::date))", alias, placeholder)
}

// Overlaps renders the interval intersection test between two aliases, treating NULL end dates as open.
func Overlaps(a, b string) string {
	return fmt.Sprintf("(%[1]s.start_date <= COALESCE(%[2]s.end_date, 'infinity'::date) AND %[2]s.start_date <= COALESCE(%[1]s.end_date, 'infinity'::date))", a, b)
}

// SnapshotOptions narrows a snapshot.
type SnapshotOptions struct {
	// At is the wall-clock instant; revisions with history_date > At are invisible.
	At time.Time
	// On, when set, keeps only identities whose visible revision is active on that date.
	On *time.Time
	// IDs, when non-empty, restricts the snapshot to these identities.
	IDs []int64
}

// SnapshotAt renders a subquery yielding, per identity, the latest revision visible at opts.At.
// Identities whose latest visible revision is a deletion are suppressed. The validity filter is
// applied after the latest revision is chosen, so an older active revision never resurfaces.
func SnapshotAt(b *sqlq.Builder, kind Kind, opts SnapshotOptions) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
	if opts.At.IsZero() {
		return "", fmt.Errorf("snapshot of %s requires an instant", kind)
	}
	if opts.On != nil && !kind.Dated() {
		return "", fmt.Errorf("%s has no validity interval", kind)
	}

	var inner sqlq.Where
	inner.Addf("h.history_date <= %s", b.Arg(opts.At))
	if len(opts.IDs) > 0 {
		inner.Addf("h.id = ANY(%s)", b.Arg(opts.IDs))
	}

	var outer sqlq.Where
	outer.Addf("latest.history_type <> '%s'", Deleted)
	if opts.On != nil {
		outer.Add(ActiveOn(b, "latest", *opts.On))
	}

	return fmt.Sprintf(`SELECT latest.* FROM (
    SELECT DISTINCT ON (h.id) h.*
    FROM %s h
    %s
    ORDER BY h.id, h.history_date DESC, h.history_id DESC
) latest
%s`, kind.HistoryTable(), inner.SQL(), outer.SQL()), nil
}

// Snapshot is SnapshotAt as a standalone query ordered by id.
func Snapshot(kind Kind, opts SnapshotOptions) (sqlq.Query, error) {
	b := sqlq.New()
	sub, err := SnapshotAt(b, kind, opts)
	if err != nil {
		return sqlq.Query{}, err
	}
	return b.Build("SELECT s.* FROM (" + sub + ") s ORDER BY s.id"), nil
}

// Date drops the clock part so the value binds as a calendar date.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
