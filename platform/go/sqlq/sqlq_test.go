package sqlq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderAllocatesPlaceholdersInOrder(t *testing.T) {
	t.Parallel()

	b := New()
	p1 := b.Arg("2024-01-01")
	p2 := b.Arg(int64(7))

	require.Equal(t, "$1", p1)
	require.Equal(t, "$2", p2)

	q := b.Build("SELECT 1 WHERE a = " + p1 + " AND b = " + p2)
	require.Equal(t, []any{"2024-01-01", int64(7)}, q.Args)
}

func TestFromKeepsArgumentsAndScopes(t *testing.T) {
	t.Parallel()

	base := New()
	base.Arg("x")
	q := base.Build("SELECT id FROM child WHERE name = $1").WithScope("alice/child")

	wrapped := From(q)
	p := wrapped.Arg([]int64{1, 2})
	require.Equal(t, "$2", p)

	out := wrapped.Build("SELECT * FROM (" + q.SQL + ") AS af WHERE af.id = ANY(" + p + ")")
	require.True(t, out.HasScope("alice/child"))
	require.Len(t, out.Args, 2)
}

func TestWithScopeDoesNotMutateReceiver(t *testing.T) {
	t.Parallel()

	q := New().Build("SELECT 1")
	scoped := q.WithScope("a")
	require.False(t, q.HasScope("a"))
	require.True(t, scoped.HasScope("a"))
	require.Equal(t, []string{"a"}, scoped.Scopes())
}

func TestWhereRendering(t *testing.T) {
	t.Parallel()

	var w Where
	require.Equal(t, "", w.SQL())
	require.Equal(t, "TRUE", w.Join())

	w.Add("a = $1")
	w.Add("  ")
	w.Addf("b = %s", "$2")
	require.Equal(t, "WHERE (a = $1) AND (b = $2)", w.SQL())
}

func TestOr(t *testing.T) {
	t.Parallel()

	require.Equal(t, "FALSE", Or())
	require.Equal(t, "(x) OR (y)", Or("x", "", "y"))
}
