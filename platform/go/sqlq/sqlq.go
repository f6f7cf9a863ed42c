// Package sqlq builds parameterised SQL. Every query in the reporting core is assembled as
// a Query value so filters, authorization narrowing and pagination compose through one binder.
package sqlq

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Query is a SQL statement with its positional arguments.
type Query struct {
	SQL  string
	Args []any

	scopes map[string]struct{}
}

// HasScope reports whether the named narrowing step was already applied to the query.
func (q Query) HasScope(name string) bool {
	_, ok := q.scopes[name]
	return ok
}

// Scopes returns the applied narrowing steps in sorted order.
func (q Query) Scopes() []string {
	out := make([]string, 0, len(q.scopes))
	for name := range q.scopes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// WithScope marks the query as narrowed by name. The receiver is not modified.
func (q Query) WithScope(name string) Query {
	scopes := make(map[string]struct{}, len(q.scopes)+1)
	for k := range q.scopes {
		scopes[k] = struct{}{}
	}
	scopes[name] = struct{}{}
	q.scopes = scopes
	return q
}

// String renders the statement for logs.
func (q Query) String() string {
	return fmt.Sprintf("%s %v", strings.Join(strings.Fields(q.SQL), " "), q.Args)
}

// Builder allocates $n placeholders in argument order.
type Builder struct {
	args   []any
	scopes map[string]struct{}
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// From seeds a builder with the arguments of an existing query so the caller can wrap it
// without renumbering placeholders.
func From(q Query) *Builder {
	return &Builder{args: append([]any(nil), q.Args...), scopes: q.scopes}
}

// Arg binds v and returns its placeholder.
func (b *Builder) Arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// Len is the number of arguments bound so far.
func (b *Builder) Len() int {
	return len(b.args)
}

// Build freezes the builder into a Query with the given SQL text.
func (b *Builder) Build(sql string) Query {
	return Query{SQL: sql, Args: append([]any(nil), b.args...), scopes: b.scopes}
}

// Where collects AND-ed conditions.
type Where struct {
	parts []string
}

// Add appends a condition; empty strings are ignored.
func (w *Where) Add(cond string) {
	if strings.TrimSpace(cond) != "" {
		w.parts = append(w.parts, cond)
	}
}

// Addf appends a formatted condition.
func (w *Where) Addf(format string, a ...any) {
	w.Add(fmt.Sprintf(format, a...))
}

// Empty reports whether no condition was added.
func (w *Where) Empty() bool {
	return len(w.parts) == 0
}

// SQL renders "WHERE a AND b", or "" when empty.
func (w *Where) SQL() string {
	if len(w.parts) == 0 {
		return ""
	}
	return "WHERE " + w.Join()
}

// Join renders the conditions joined by AND without the WHERE keyword, or "TRUE" when empty.
func (w *Where) Join() string {
	if len(w.parts) == 0 {
		return "TRUE"
	}
	return "(" + strings.Join(w.parts, ") AND (") + ")"
}

// Or renders conditions joined by OR, or "FALSE" when empty.
func Or(conds ...string) string {
	kept := make([]string, 0, len(conds))
	for _, c := range conds {
		if strings.TrimSpace(c) != "" {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return "FALSE"
	}
	return "(" + strings.Join(kept, ") OR (") + ")"
}

// Ident quotes a column alias.
func Ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
