package compositor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowRegistry_FocusIsExclusive(t *testing.T) {
	r := NewWindowRegistry()
	a := r.Create(1, "A", "app.a", "App A", false)
	b := r.Create(2, "B", "app.b", "App B", false)
	c := r.Create(3, "C", "app.c", "App C", true)

	require.True(t, r.Focus(b))

	for _, id := range []int{a, b, c} {
		w, ok := r.Get(id)
		require.True(t, ok)
		require.Equal(t, id == b, w.Focused)
	}
}

func TestWindowRegistry_FocusIdempotent(t *testing.T) {
	r := NewWindowRegistry()
	id := r.Create(1, "A", "app.a", "App A", false)

	require.True(t, r.Focus(id))
	require.True(t, r.TakeDirty())

	require.True(t, r.Focus(id))
	require.False(t, r.TakeDirty(), "repeated focus,id must produce at most one state change")
}

func TestWindowRegistry_IDsNeverReused(t *testing.T) {
	r := NewWindowRegistry()
	first := r.Create(1, "A", "app.a", "", false)
	r.Destroy(first)
	second := r.Create(2, "B", "app.b", "", false)

	require.NotEqual(t, first, second)
}

func TestWindowRegistry_FocusUnknownIDFails(t *testing.T) {
	r := NewWindowRegistry()
	require.False(t, r.Focus(999))
}

func TestWindowRegistry_DestroyMarksDirtyAndRemoves(t *testing.T) {
	r := NewWindowRegistry()
	id := r.Create(1, "A", "app.a", "", false)
	r.TakeDirty()

	r.Destroy(id)
	require.True(t, r.TakeDirty())
	_, ok := r.Get(id)
	require.False(t, ok)
}
