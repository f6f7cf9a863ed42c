package temporal

import (
	"fmt"
	"sort"
	"time"

	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
)

// DependencyMap is a directed acyclic graph from a trigger kind to the parent kinds a change
// of the trigger propagates to. Writers insert one change_propagation row per reachable parent.
type DependencyMap struct {
	edges map[Kind][]Kind
}

// DefaultDependencies mirrors the ownership graph of the registry.
var DefaultDependencies = MustDependencyMap(map[Kind][]Kind{
	KindPerson:             {KindChild, KindEmployee},
	KindDecision:           {KindChild},
	KindAssignment:         {KindDecision},
	KindGuardianship:       {KindChild},
	KindFee:                {KindChild},
	KindEmployment:         {KindEmployee},
	KindWorkLocation:       {KindEmployment},
	KindExtendedAbsence:    {KindEmployment},
	KindLinguisticEmphasis: {KindSite},
	KindFunctionalEmphasis: {KindSite},
	KindSite:               {KindOrganization},
})

// NewDependencyMap validates that edges reference known kinds and contain no cycle.
func NewDependencyMap(edges map[Kind][]Kind) (DependencyMap, error) {
	copied := make(map[Kind][]Kind, len(edges))
	for from, tos := range edges {
		if !from.Valid() {
			return DependencyMap{}, fmt.Errorf("unknown kind %q", from)
		}
		for _, to := range tos {
			if !to.Valid() {
				return DependencyMap{}, fmt.Errorf("unknown kind %q", to)
			}
			if to == from {
				return DependencyMap{}, fmt.Errorf("%s depends on itself", from)
			}
		}
		copied[from] = append([]Kind(nil), tos...)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[Kind]int, len(copied))
	var visit func(k Kind) error
	visit = func(k Kind) error {
		switch state[k] {
		case visiting:
			return fmt.Errorf("dependency cycle through %s", k)
		case done:
			return nil
		}
		state[k] = visiting
		for _, next := range copied[k] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[k] = done
		return nil
	}
	for k := range copied {
		if err := visit(k); err != nil {
			return DependencyMap{}, err
		}
	}

	return DependencyMap{edges: copied}, nil
}

// MustDependencyMap panics when the map is invalid.
func MustDependencyMap(edges map[Kind][]Kind) DependencyMap {
	m, err := NewDependencyMap(edges)
	if err != nil {
		panic(err)
	}
	return m
}

// Parents returns every kind a change of trigger propagates to, transitively, sorted.
func (m DependencyMap) Parents(trigger Kind) []Kind {
	seen := map[Kind]struct{}{}
	var walk func(k Kind)
	walk = func(k Kind) {
		for _, p := range m.edges[k] {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			walk(p)
		}
	}
	walk(trigger)
	return sortedKinds(seen)
}

// Related returns every kind whose changes count as a change of parent, transitively, sorted.
func (m DependencyMap) Related(parent Kind) []Kind {
	seen := map[Kind]struct{}{}
	for from := range m.edges {
		for _, p := range m.Parents(from) {
			if p == parent {
				seen[from] = struct{}{}
			}
		}
	}
	return sortedKinds(seen)
}

func sortedKinds(set map[Kind]struct{}) []Kind {
	out := make([]Kind, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Window is the half-open interval (After, Until].
type Window struct {
	After time.Time
	Until time.Time
}

// Validate rejects inverted windows.
func (w Window) Validate() error {
	if w.Until.Before(w.After) {
		return fmt.Errorf("window end %s is before its start %s", w.Until.Format(time.RFC3339), w.After.Format(time.RFC3339))
	}
	return nil
}

// RelatedFilter narrows RelatedChanged.
type RelatedFilter struct {
	// Related overrides the kinds taken from the dependency map.
	Related []Kind
	// IDs restricts the candidate identities.
	IDs []int64
}

// RelatedChanged returns the ids of kind whose own row, or a row of a related kind, changed
// strictly after w.After and at or before w.Until. Related changes are read from the
// change_propagation table with a single indexed scan.
func RelatedChanged(deps DependencyMap, kind Kind, w Window, filter RelatedFilter) (sqlq.Query, error) {
	if !kind.Valid() {
		return sqlq.Query{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err := w.Validate(); err != nil {
		return sqlq.Query{}, err
	}

	related := filter.Related
	if related == nil {
		related = deps.Related(kind)
	}
	names := make([]string, 0, len(related))
	for _, k := range related {
		names = append(names, string(k))
	}

	b := sqlq.New()
	after := b.Arg(w.After)
	until := b.Arg(w.Until)

	var own, prop sqlq.Where
	own.Addf("h.history_date > %s AND h.history_date <= %s", after, until)
	prop.Addf("cp.parent_kind = %s", b.Arg(string(kind)))
	prop.Addf("cp.trigger_kind = ANY(%s)", b.Arg(names))
	prop.Addf("cp.changed_at > %s AND cp.changed_at <= %s", after, until)
	if len(filter.IDs) > 0 {
		ids := b.Arg(filter.IDs)
		own.Addf("h.id = ANY(%s)", ids)
		prop.Addf("cp.parent_id = ANY(%s)", ids)
	}

	return b.Build(fmt.Sprintf(`SELECT changed.id FROM (
    SELECT h.id FROM %s h %s
    UNION
    SELECT cp.parent_id FROM change_propagation cp %s
) changed
ORDER BY changed.id`, kind.HistoryTable(), own.SQL(), prop.SQL())), nil
}

// Change is one mutation of a versioned entity.
type Change struct {
	Kind Kind
	ID   int64
	Type HistoryType
	At   time.Time
}

// Propagation is one change_propagation row.
type Propagation struct {
	ParentKind  Kind
	ParentID    int64
	TriggerKind Kind
	TriggerID   int64
	Type        HistoryType
	At          time.Time
}

// Propagate expands a change into propagation rows for every parent reachable in the map.
// parents resolves the id of each ancestor of the changed row; kinds it does not resolve are skipped.
func (m DependencyMap) Propagate(c Change, parents map[Kind]int64) []Propagation {
	var out []Propagation
	for _, p := range m.Parents(c.Kind) {
		id, ok := parents[p]
		if !ok {
			continue
		}
		out = append(out, Propagation{
			ParentKind:  p,
			ParentID:    id,
			TriggerKind: c.Kind,
			TriggerID:   c.ID,
			Type:        c.Type,
			At:          c.At,
		})
	}
	return out
}

// InsertPropagation renders the insert for one propagation row.
func InsertPropagation(p Propagation) sqlq.Query {
	b := sqlq.New()
	return b.Build(fmt.Sprintf(
		`INSERT INTO change_propagation (parent_kind, parent_id, trigger_kind, trigger_id, history_type, changed_at) VALUES (%s, %s, %s, %s, %s, %s)`,
		b.Arg(string(p.ParentKind)), b.Arg(p.ParentID), b.Arg(string(p.TriggerKind)), b.Arg(p.TriggerID), b.Arg(string(p.Type)), b.Arg(p.At),
	))
}
