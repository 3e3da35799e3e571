// Package instrument wraps decoded JSON values so field accesses are
// observable. Go has no transparent property interception, so the wrapper is
// an explicit value type: reading through its accessor methods records the
// access as a side effect without changing what the caller gets back.
package instrument

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Kind classifies what the caller did with a field.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
	KindHas   Kind = "has"
	KindKeys  Kind = "keys"
)

// AccessEvent describes one observed access on an instrumented value.
type AccessEvent struct {
	Path           []string  `json:"path"`
	Kind           Kind      `json:"kind"`
	ValueType      string    `json:"valueType"`
	Depth          int       `json:"depth"`
	StructureID    string    `json:"structureId,omitempty"`
	URL            string    `json:"url,omitempty"`
	WasOptimized   bool      `json:"wasOptimized"`
	OriginalSize   int       `json:"originalSize,omitempty"`
	CompressedSize int       `json:"compressedSize,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Context carries the call metadata stamped onto every event from one wrap.
// The instrumentation layer knows nothing else about the network.
type Context struct {
	URL            string
	StructureID    string
	WasOptimized   bool
	OriginalSize   int
	CompressedSize int
}

// Recorder receives access events. It must not block; the telemetry layer
// behind it enqueues and returns.
type Recorder func(AccessEvent)

// Options control how deep and how wide instrumentation goes.
type Options struct {
	// MaxDepth stops recursion; deeper values come back unwrapped.
	MaxDepth int
	// TrackArrays enables per-element instrumentation of arrays.
	TrackArrays bool
	// ExcludePaths lists property names that are never instrumented.
	ExcludePaths []string
}

// DefaultMaxDepth bounds recursion when Options.MaxDepth is zero.
const DefaultMaxDepth = 10

// defaultExcluded mirrors the property names a JSON decode should never
// surface but defensive callers probe anyway.
var defaultExcluded = []string{"constructor", "prototype", "__proto__", "toString", "valueOf", "hasOwnProperty"}

// Value is an instrumented view over a decoded JSON value. Accessor methods
// record events and return child Values; Raw returns the underlying data
// untouched.
type Value struct {
	raw     any
	path    []string
	depth   int
	ctx     Context
	opts    Options
	rec     Recorder
	exclude map[string]struct{}
	// live is false past the depth budget, for opaque values, and for
	// disabled array elements: the value is still returned, but nothing
	// beneath it is observed.
	live bool
}

// Wrap instruments a decoded value. Wrapping an already-instrumented Value
// returns it unchanged, so double wrapping is impossible.
func Wrap(v any, ctx Context, opts Options, rec Recorder) *Value {
	if wrapped, ok := v.(*Value); ok {
		return wrapped
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	names := opts.ExcludePaths
	if names == nil {
		names = defaultExcluded
	}
	exclude := make(map[string]struct{}, len(names))
	for _, n := range names {
		exclude[n] = struct{}{}
	}
	return &Value{
		raw:     v,
		ctx:     ctx,
		opts:    opts,
		rec:     rec,
		exclude: exclude,
		live:    rec != nil && !isOpaque(v),
	}
}

// Get reads a field of an object value. Excluded names pass through without
// an event. Missing keys and non-object receivers return a null Value.
func (v *Value) Get(key string) *Value {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return v.child(nil, key, false)
	}
	child, exists := m[key]
	if _, excluded := v.exclude[key]; excluded {
		return v.child(child, key, false)
	}
	if !exists {
		v.record(KindRead, append(v.path, key), nil)
		return v.child(nil, key, true)
	}
	v.record(KindRead, append(v.path, key), child)
	return v.child(child, key, true)
}

// Index reads an element of an array value. Element accesses are only
// observed when array tracking is enabled.
func (v *Value) Index(i int) *Value {
	s, ok := v.raw.([]any)
	key := fmt.Sprintf("[%d]", i)
	if !ok || i < 0 || i >= len(s) {
		return v.child(nil, key, false)
	}
	if !v.opts.TrackArrays {
		return v.child(s[i], key, false)
	}
	v.record(KindRead, append(v.path, key), s[i])
	return v.child(s[i], key, true)
}

// Has reports whether an object value carries the key, recording an
// existence check.
func (v *Value) Has(key string) bool {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return false
	}
	_, exists := m[key]
	if _, excluded := v.exclude[key]; !excluded {
		v.record(KindHas, append(v.path, key), nil)
	}
	return exists
}

// Keys returns the key set of an object value, recording an enumeration.
func (v *Value) Keys() []string {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return nil
	}
	v.record(KindKeys, v.path, v.raw)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Set writes a field of an object value, recording the write. Writes to
// non-object receivers are dropped.
func (v *Value) Set(key string, val any) {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return
	}
	if _, excluded := v.exclude[key]; !excluded {
		v.record(KindWrite, append(v.path, key), val)
	}
	m[key] = val
}

// Len returns the element count for arrays, the key count for objects, and
// zero otherwise. Len is not an access and records nothing.
func (v *Value) Len() int {
	switch t := v.raw.(type) {
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 0
	}
}

// Raw returns the underlying value unchanged.
func (v *Value) Raw() any { return v.raw }

// IsNil reports whether the underlying value is absent or JSON null.
func (v *Value) IsNil() bool { return v.raw == nil }

// String returns the value as a string, or "" for non-strings.
func (v *Value) String() string {
	s, _ := v.raw.(string)
	return s
}

// Float64 returns the value as a float64, or 0 for non-numbers.
func (v *Value) Float64() float64 {
	switch t := v.raw.(type) {
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return 0
	}
}

// Int returns the value as an int, truncating JSON numbers.
func (v *Value) Int() int { return int(v.Float64()) }

// Bool returns the value as a bool, or false for non-bools.
func (v *Value) Bool() bool {
	b, _ := v.raw.(bool)
	return b
}

// child builds the Value for a nested access. Depth budget, opaque kinds,
// and live-ness of the parent all cap what the child may observe.
func (v *Value) child(raw any, segment string, observed bool) *Value {
	path := make([]string, len(v.path), len(v.path)+1)
	copy(path, v.path)
	path = append(path, segment)

	live := observed && v.live && v.depth+1 < v.opts.MaxDepth && !isOpaque(raw)
	return &Value{
		raw:     raw,
		path:    path,
		depth:   v.depth + 1,
		ctx:     v.ctx,
		opts:    v.opts,
		rec:     v.rec,
		exclude: v.exclude,
		live:    live,
	}
}

func (v *Value) record(kind Kind, path []string, val any) {
	if !v.live || v.rec == nil {
		return
	}
	cp := make([]string, len(path))
	copy(cp, path)
	v.rec(AccessEvent{
		Path:           cp,
		Kind:           kind,
		ValueType:      typeTag(val),
		Depth:          v.depth,
		StructureID:    v.ctx.StructureID,
		URL:            v.ctx.URL,
		WasOptimized:   v.ctx.WasOptimized,
		OriginalSize:   v.ctx.OriginalSize,
		CompressedSize: v.ctx.CompressedSize,
		Timestamp:      time.Now(),
	})
}

// isOpaque reports built-in kinds that are returned as-is and never
// recursed into.
func isOpaque(v any) bool {
	switch v.(type) {
	case time.Time, *time.Time, time.Duration:
		return true
	case *regexp.Regexp:
		return true
	case error:
		return true
	case []byte:
		return true
	default:
		return false
	}
}

func typeTag(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64, json.Number, int, int64:
		return "number"
	case bool:
		return "bool"
	default:
		return "opaque"
	}
}
