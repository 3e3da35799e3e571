package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synpatico/client/pkg/shape"
)

func deriveDef(t *testing.T, doc string) *shape.Definition {
	t.Helper()
	def, err := shape.New().Derive([]byte(doc))
	require.NoError(t, err)
	return def
}

// =============================================================================
// ENDPOINT KEYS
// =============================================================================

func TestEndpointKey_StripsQueryAndFragment(t *testing.T) {
	key, origin, err := EndpointKey("https://api.example.com/users/42?fields=all#section")
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/users/42", key)
	assert.Equal(t, "https://api.example.com", origin)
}

func TestEndpointKey_SameRouteDifferentQuery(t *testing.T) {
	a, _, err := EndpointKey("https://api.example.com/users?page=1")
	require.NoError(t, err)
	b, _, err := EndpointKey("https://api.example.com/users?page=2")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestEndpointKey_RejectsRelativeURL(t *testing.T) {
	_, _, err := EndpointKey("/users/42")
	assert.Error(t, err)

	_, _, err = EndpointKey("not a url at all\x7f://")
	assert.Error(t, err)
}

// =============================================================================
// REGISTRATION AND LOOKUP
// =============================================================================

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	def := deriveDef(t, `{"id": 1, "name": "x"}`)

	entry := r.Register("https://api/users", def)
	assert.Equal(t, def.StructureID, entry.StructureID)

	got, ok := r.Lookup("https://api/users")
	require.True(t, ok)
	assert.Same(t, entry, got)

	byID, ok := r.LookupByStructureID(def.StructureID)
	require.True(t, ok)
	assert.Same(t, entry, byID)

	_, ok = r.Lookup("https://api/other")
	assert.False(t, ok)
}

func TestRegistry_RegisterReplacesEntry(t *testing.T) {
	r := New()
	oldDef := deriveDef(t, `{"a": 1}`)
	newDef := deriveDef(t, `{"a": 1, "b": 2}`)

	r.Register("https://api/users", oldDef)
	r.Register("https://api/users", newDef)

	entry, ok := r.Lookup("https://api/users")
	require.True(t, ok)
	assert.Equal(t, newDef.StructureID, entry.StructureID)

	// The superseded structure is unregistered.
	_, ok = r.LookupByStructureID(oldDef.StructureID)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Ordinals(t *testing.T) {
	r := New()
	def := deriveDef(t, `{"zebra": 1, "apple": 2}`)
	r.Register("https://api/x", def)

	ord, ok := r.Ordinal(def.StructureID, "apple")
	require.True(t, ok)
	assert.Equal(t, 0, ord)

	ord, ok = r.Ordinal(def.StructureID, "zebra")
	require.True(t, ok)
	assert.Equal(t, 1, ord)

	_, ok = r.Ordinal(def.StructureID, "missing")
	assert.False(t, ok)
	_, ok = r.Ordinal("s1_unknown", "apple")
	assert.False(t, ok)
}

func TestRegistry_Forget(t *testing.T) {
	r := New()
	def := deriveDef(t, `{"a": 1}`)
	r.Register("https://api/x", def)

	r.Forget("https://api/x")

	_, ok := r.Lookup("https://api/x")
	assert.False(t, ok)
	_, ok = r.LookupByStructureID(def.StructureID)
	assert.False(t, ok)

	// Forgetting an unknown key is a no-op.
	r.Forget("https://api/never")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ForgetKeepsSharedStructure(t *testing.T) {
	r := New()
	def := deriveDef(t, `{"a": 1}`)
	r.Register("https://api/x", def)
	r.Register("https://api/y", def)

	r.Forget("https://api/x")

	// The other endpoint still decodes against the shared structure.
	_, ok := r.LookupByStructureID(def.StructureID)
	assert.True(t, ok)
	_, ok = r.Lookup("https://api/y")
	assert.True(t, ok)
}

// =============================================================================
// ORIGINS AND REQUEST CACHE
// =============================================================================

func TestRegistry_Origins(t *testing.T) {
	r := New()

	assert.False(t, r.IsOriginOptimizable("https://api.example.com"))
	r.MarkOriginOptimizable("https://api.example.com")
	assert.True(t, r.IsOriginOptimizable("https://api.example.com"))
	assert.False(t, r.IsOriginOptimizable("https://other.example.com"))
}

func TestRegistry_RequestCache(t *testing.T) {
	r := New()

	r.RememberRequest("https://api/users?page=1", "s1_aaaa")
	id, ok := r.StructureIDForRequest("https://api/users?page=1")
	require.True(t, ok)
	assert.Equal(t, "s1_aaaa", id)

	_, ok = r.StructureIDForRequest("https://api/users?page=2")
	assert.False(t, ok)
}

// =============================================================================
// RESET
// =============================================================================

func TestRegistry_Reset(t *testing.T) {
	r := New()
	def := deriveDef(t, `{"a": 1}`)

	r.Register("https://api/x", def)
	r.MarkOriginOptimizable("https://api")
	r.RememberRequest("https://api/x?q=1", def.StructureID)

	r.Reset()

	assert.Equal(t, 0, r.Len())
	_, ok := r.Lookup("https://api/x")
	assert.False(t, ok)
	_, ok = r.LookupByStructureID(def.StructureID)
	assert.False(t, ok)
	assert.False(t, r.IsOriginOptimizable("https://api"))
	_, ok = r.StructureIDForRequest("https://api/x?q=1")
	assert.False(t, ok)
}
