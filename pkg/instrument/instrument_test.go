package instrument

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

type capture struct {
	events []AccessEvent
}

func (c *capture) record(e AccessEvent) { c.events = append(c.events, e) }

// =============================================================================
// ACCESS RECORDING
// =============================================================================

func TestValue_Get_RecordsRead(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"user": {"name": "alice"}}`), Context{URL: "http://api/users"}, Options{}, cap.record)

	name := v.Get("user").Get("name")
	assert.Equal(t, "alice", name.String())

	require.Len(t, cap.events, 2)
	assert.Equal(t, []string{"user"}, cap.events[0].Path)
	assert.Equal(t, KindRead, cap.events[0].Kind)
	assert.Equal(t, "object", cap.events[0].ValueType)
	assert.Equal(t, []string{"user", "name"}, cap.events[1].Path)
	assert.Equal(t, "string", cap.events[1].ValueType)
	assert.Equal(t, "http://api/users", cap.events[1].URL)
}

func TestValue_Get_MissingKey(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"a": 1}`), Context{}, Options{}, cap.record)

	missing := v.Get("nope")
	assert.True(t, missing.IsNil())

	require.Len(t, cap.events, 1)
	assert.Equal(t, "null", cap.events[0].ValueType)
}

func TestValue_Has_RecordsCheck(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"a": 1}`), Context{}, Options{}, cap.record)

	assert.True(t, v.Has("a"))
	assert.False(t, v.Has("b"))

	require.Len(t, cap.events, 2)
	assert.Equal(t, KindHas, cap.events[0].Kind)
}

func TestValue_Keys_RecordsEnumeration(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"a": 1, "b": 2}`), Context{}, Options{}, cap.record)

	keys := v.Keys()
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	require.Len(t, cap.events, 1)
	assert.Equal(t, KindKeys, cap.events[0].Kind)
}

func TestValue_Set_RecordsWrite(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"a": 1}`), Context{}, Options{}, cap.record)

	v.Set("a", 2.0)
	assert.Equal(t, 2.0, v.Get("a").Float64())

	require.GreaterOrEqual(t, len(cap.events), 1)
	assert.Equal(t, KindWrite, cap.events[0].Kind)
	assert.Equal(t, []string{"a"}, cap.events[0].Path)
}

func TestValue_Len_RecordsNothing(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"items": [1, 2, 3]}`), Context{}, Options{}, cap.record)

	items := v.Get("items")
	assert.Equal(t, 3, items.Len())

	// Only the Get, never the Len.
	assert.Len(t, cap.events, 1)
}

func TestValue_ContextStampedOnEvents(t *testing.T) {
	var cap capture
	ctx := Context{
		URL:            "http://api/x",
		StructureID:    "s1_abcdef0123456789",
		WasOptimized:   true,
		OriginalSize:   1000,
		CompressedSize: 400,
	}
	v := Wrap(decode(t, `{"a": 1}`), ctx, Options{}, cap.record)

	v.Get("a")

	require.Len(t, cap.events, 1)
	e := cap.events[0]
	assert.Equal(t, "s1_abcdef0123456789", e.StructureID)
	assert.True(t, e.WasOptimized)
	assert.Equal(t, 1000, e.OriginalSize)
	assert.Equal(t, 400, e.CompressedSize)
	assert.False(t, e.Timestamp.IsZero())
}

// =============================================================================
// ARRAYS
// =============================================================================

func TestValue_Index_UntrackedByDefault(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"items": [{"id": 1}]}`), Context{}, Options{}, cap.record)

	first := v.Get("items").Index(0)
	assert.Equal(t, 1, first.Get("id").Int())

	// The Get("items") event only; the element and everything beneath it
	// are unobserved.
	assert.Len(t, cap.events, 1)
}

func TestValue_Index_Tracked(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"items": [{"id": 7}]}`), Context{}, Options{TrackArrays: true}, cap.record)

	id := v.Get("items").Index(0).Get("id")
	assert.Equal(t, 7, id.Int())

	require.Len(t, cap.events, 3)
	assert.Equal(t, []string{"items", "[0]"}, cap.events[1].Path)
	assert.Equal(t, []string{"items", "[0]", "id"}, cap.events[2].Path)
}

func TestValue_Index_OutOfRange(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `[1, 2]`), Context{}, Options{TrackArrays: true}, cap.record)

	assert.True(t, v.Index(5).IsNil())
	assert.True(t, v.Index(-1).IsNil())
	assert.Empty(t, cap.events)
}

// =============================================================================
// DEPTH AND EXCLUSIONS
// =============================================================================

func TestValue_DepthBudget(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"a": {"b": {"c": {"d": 1}}}}`), Context{}, Options{MaxDepth: 2}, cap.record)

	d := v.Get("a").Get("b").Get("c").Get("d")

	// Values keep flowing past the budget even though observation stops.
	assert.Equal(t, 1, d.Int())
	require.Len(t, cap.events, 2)
	assert.Equal(t, []string{"a"}, cap.events[0].Path)
	assert.Equal(t, []string{"a", "b"}, cap.events[1].Path)
}

func TestValue_DefaultExclusions(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"constructor": "x", "toString": "y", "name": "z"}`), Context{}, Options{}, cap.record)

	// Excluded names return their value but record nothing.
	assert.Equal(t, "x", v.Get("constructor").String())
	assert.Equal(t, "y", v.Get("toString").String())
	assert.Equal(t, "z", v.Get("name").String())

	require.Len(t, cap.events, 1)
	assert.Equal(t, []string{"name"}, cap.events[0].Path)
}

func TestValue_CustomExclusions(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"secret": 1, "constructor": 2}`), Context{}, Options{ExcludePaths: []string{"secret"}}, cap.record)

	v.Get("secret")
	v.Get("constructor")

	// Custom list replaces the defaults entirely.
	require.Len(t, cap.events, 1)
	assert.Equal(t, []string{"constructor"}, cap.events[0].Path)
}

func TestValue_ExcludedSubtreeUnobserved(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"prototype": {"deep": 1}}`), Context{}, Options{}, cap.record)

	deep := v.Get("prototype").Get("deep")
	assert.Equal(t, 1, deep.Int())
	assert.Empty(t, cap.events)
}

// =============================================================================
// OPAQUE VALUES AND DOUBLE WRAPPING
// =============================================================================

func TestWrap_OpaqueValuesNotObserved(t *testing.T) {
	var cap capture
	for _, opaque := range []any{time.Now(), 5 * time.Second, []byte("raw")} {
		v := Wrap(opaque, Context{}, Options{}, cap.record)
		assert.Equal(t, opaque, v.Raw())
		v.Get("anything")
	}
	assert.Empty(t, cap.events)
}

func TestWrap_DoubleWrapReturnsSameValue(t *testing.T) {
	var cap capture
	v := Wrap(decode(t, `{"a": 1}`), Context{}, Options{}, cap.record)

	again := Wrap(v, Context{URL: "other"}, Options{}, nil)
	assert.Same(t, v, again)
}

func TestWrap_NilRecorderStillReturnsValues(t *testing.T) {
	v := Wrap(decode(t, `{"a": {"b": 1}}`), Context{}, Options{}, nil)
	assert.Equal(t, 1, v.Get("a").Get("b").Int())
}

// =============================================================================
// COERCIONS
// =============================================================================

func TestValue_Coercions(t *testing.T) {
	v := Wrap(decode(t, `{"s": "hi", "n": 2.5, "b": true, "nul": null}`), Context{}, Options{}, nil)

	assert.Equal(t, "hi", v.Get("s").String())
	assert.Equal(t, 2.5, v.Get("n").Float64())
	assert.Equal(t, 2, v.Get("n").Int())
	assert.True(t, v.Get("b").Bool())
	assert.True(t, v.Get("nul").IsNil())

	// Mismatched coercions return zero values.
	assert.Equal(t, "", v.Get("n").String())
	assert.Equal(t, 0.0, v.Get("s").Float64())
	assert.False(t, v.Get("s").Bool())
}
