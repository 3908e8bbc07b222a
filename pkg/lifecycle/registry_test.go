package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterReturnsPrevious(t *testing.T) {
	r := NewRegistry()
	first, second := &fakeHandle{}, &fakeHandle{}

	assert.Nil(t, r.Register("USER_1", first))
	prev := r.Register("USER_1", second)
	assert.Same(t, first, prev)

	h, ok := r.Lookup("USER_1")
	require.True(t, ok)
	assert.Same(t, second, h)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ReleaseOnlyMatchingHandle(t *testing.T) {
	r := NewRegistry()
	old, current := &fakeHandle{}, &fakeHandle{}
	r.Register("USER_1", current)
	r.Index("USER_1", "1", "alpha")

	assert.False(t, r.Release("USER_1", old))
	_, ok := r.Lookup("USER_1")
	assert.True(t, ok)

	assert.True(t, r.Release("USER_1", current))
	_, ok = r.Lookup("USER_1")
	assert.False(t, ok)

	// Indexes survive a release.
	key, ok := r.LookupByDisplayName("alpha")
	require.True(t, ok)
	assert.Equal(t, "USER_1", key)
	assert.True(t, r.Known("USER_1"))
}

func TestRegistry_LatestNameWins(t *testing.T) {
	r := NewRegistry()
	r.Index("USER_1", "1", "shared")
	r.Index("USER_2", "2", "shared")

	key, ok := r.LookupByDisplayName("shared")
	require.True(t, ok)
	assert.Equal(t, "USER_2", key)

	// Renaming the older holder must not steal the name back or drop it.
	r.Index("USER_1", "", "solo")
	key, ok = r.LookupByDisplayName("shared")
	require.True(t, ok)
	assert.Equal(t, "USER_2", key)
	key, ok = r.LookupByDisplayName("solo")
	require.True(t, ok)
	assert.Equal(t, "USER_1", key)
	assert.Equal(t, "solo", r.DisplayName("USER_1"))
}

func TestRegistry_RemoveDropsIndexes(t *testing.T) {
	r := NewRegistry()
	r.Register("USER_1", &fakeHandle{})
	r.Index("USER_1", "1", "alpha")
	r.Index("USER_2", "2", "beta")

	r.Remove("USER_1")

	assert.False(t, r.Known("USER_1"))
	_, ok := r.LookupByDisplayName("alpha")
	assert.False(t, ok)
	_, ok = r.LookupByExternalIdentity("1")
	assert.False(t, ok)
	assert.Equal(t, []string{"USER_2"}, r.Keys())
	assert.Equal(t, 0, r.Len())
}
