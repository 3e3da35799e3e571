// Package shape fingerprints the key/nesting structure of JSON documents
// and encodes/decodes compact values-only packets against a known structure.
//
// DESIGN: A structure ID depends only on key sets and nesting, never on
// primitive values. Two payloads with the same keys and shape always map to
// the same ID, so a server and client that have both seen the shape can
// exchange a flat value list instead of a full document.
package shape

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// IDPrefix namespaces structure IDs so they are recognizable in headers
// and telemetry payloads.
const IDPrefix = "s1_"

// Definition is the decode contract for one structure: the ID plus every
// leaf path in deterministic (sorted-key) order. Packet values are listed
// in exactly this path order.
type Definition struct {
	StructureID string   `json:"structureId"`
	Paths       []string `json:"paths"`
}

// Packet is a values-only wire body referencing a known structure.
type Packet struct {
	StructureID string            `json:"structureId"`
	Values      []json.RawMessage `json:"values"`
}

// Codec derives definitions and converts between full documents and packets.
// It is stateless; the zero value is usable.
type Codec struct{}

// New returns a packet codec.
func New() Codec { return Codec{} }

// Derive computes the structure definition for a JSON document.
// The document must be a plain JSON object.
func (Codec) Derive(doc []byte) (*Definition, error) {
	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		return nil, fmt.Errorf("shape: document root is %s, want object", typeName(root))
	}

	var sig strings.Builder
	signature(root, &sig)

	sum := sha256.Sum256([]byte(sig.String()))

	def := &Definition{
		StructureID: IDPrefix + hex.EncodeToString(sum[:])[:16],
	}
	collectPaths(root, "", &def.Paths)
	return def, nil
}

// Encode flattens a document into a packet against its definition.
// The document must carry every leaf path the definition names.
func (c Codec) Encode(doc []byte, def *Definition) (*Packet, error) {
	pkt := &Packet{
		StructureID: def.StructureID,
		Values:      make([]json.RawMessage, 0, len(def.Paths)),
	}
	for _, path := range def.Paths {
		v := gjson.GetBytes(doc, path)
		if !v.Exists() {
			return nil, fmt.Errorf("shape: document missing path %q", path)
		}
		pkt.Values = append(pkt.Values, json.RawMessage(v.Raw))
	}
	return pkt, nil
}

// Decode rebuilds a full document from a packet and its definition. The
// document is grown as a node tree and marshaled once, so segment kinds
// (object key vs array index) come from the definition's escaping, never
// from guessing at partially built JSON.
func (c Codec) Decode(pkt *Packet, def *Definition) ([]byte, error) {
	if pkt.StructureID != def.StructureID {
		return nil, fmt.Errorf("shape: packet structure %s does not match definition %s",
			pkt.StructureID, def.StructureID)
	}
	if len(pkt.Values) != len(def.Paths) {
		return nil, fmt.Errorf("shape: packet carries %d values, definition expects %d",
			len(pkt.Values), len(def.Paths))
	}

	root := &node{obj: map[string]*node{}}
	for i, path := range def.Paths {
		if err := root.insert(splitPath(path), pkt.Values[i]); err != nil {
			return nil, fmt.Errorf("shape: rebuilding path %q: %w", path, err)
		}
	}
	return json.Marshal(root)
}

// segment is one step of a definition path. index is -1 for object keys;
// all-digit object keys were escaped by collectPaths, so an unescaped
// digit run is always an array index.
type segment struct {
	key   string
	index int
}

func splitPath(path string) []segment {
	var segs []segment
	var sb strings.Builder
	sawEscape := false
	esc := false
	flush := func() {
		raw := sb.String()
		idx := -1
		if !sawEscape && allDigits(raw) {
			idx, _ = strconv.Atoi(raw)
		}
		segs = append(segs, segment{key: raw, index: idx})
		sb.Reset()
		sawEscape = false
	}
	for i := 0; i < len(path); i++ {
		switch {
		case esc:
			sb.WriteByte(path[i])
			esc = false
		case path[i] == '\\':
			esc = true
			sawEscape = true
		case path[i] == '.':
			flush()
		default:
			sb.WriteByte(path[i])
		}
	}
	flush()
	return segs
}

// node is one container or leaf of a document under reconstruction.
// Exactly one of leaf, obj, and arr is set.
type node struct {
	leaf json.RawMessage
	obj  map[string]*node
	arr  []*node
}

func (n *node) insert(segs []segment, value json.RawMessage) error {
	cur := n
	for _, seg := range segs {
		if cur.leaf != nil {
			return fmt.Errorf("segment %q descends into a leaf", seg.key)
		}
		if seg.index >= 0 {
			if cur.obj != nil {
				return fmt.Errorf("index %d into an object", seg.index)
			}
			for len(cur.arr) <= seg.index {
				cur.arr = append(cur.arr, &node{})
			}
			cur = cur.arr[seg.index]
		} else {
			if cur.arr != nil {
				return fmt.Errorf("key %q into an array", seg.key)
			}
			if cur.obj == nil {
				cur.obj = map[string]*node{}
			}
			child := cur.obj[seg.key]
			if child == nil {
				child = &node{}
				cur.obj[seg.key] = child
			}
			cur = child
		}
	}
	if cur.leaf != nil || cur.obj != nil || cur.arr != nil {
		return fmt.Errorf("path already occupied")
	}
	cur.leaf = value
	return nil
}

func (n *node) MarshalJSON() ([]byte, error) {
	switch {
	case n.leaf != nil:
		return n.leaf, nil
	case n.arr != nil:
		return json.Marshal(n.arr)
	case n.obj != nil:
		return json.Marshal(n.obj)
	default:
		return []byte("null"), nil
	}
}

// ParsePacket reads a packet body. Values keep their raw JSON encoding so
// numeric precision survives the round trip.
func ParsePacket(body []byte) (*Packet, error) {
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("shape: packet body is %s, want object", typeName(root))
	}

	id := root.Get("structureId")
	if id.Type != gjson.String || id.Str == "" {
		return nil, fmt.Errorf("shape: packet missing structureId")
	}
	values := root.Get("values")
	if !values.IsArray() {
		return nil, fmt.Errorf("shape: packet missing values array")
	}

	pkt := &Packet{StructureID: id.Str}
	values.ForEach(func(_, v gjson.Result) bool {
		pkt.Values = append(pkt.Values, json.RawMessage(v.Raw))
		return true
	})
	return pkt, nil
}

type member struct {
	key   string
	value gjson.Result
}

// sortedMembers returns an object's members with keys sorted, so document
// key order never changes the ID or the path order.
func sortedMembers(r gjson.Result) []member {
	var members []member
	r.ForEach(func(k, v gjson.Result) bool {
		members = append(members, member{key: k.Str, value: v})
		return true
	})
	sort.Slice(members, func(i, j int) bool { return members[i].key < members[j].key })
	return members
}

// signature writes a canonical, value-independent shape description.
func signature(r gjson.Result, sb *strings.Builder) {
	switch {
	case r.IsObject():
		sb.WriteByte('{')
		for _, m := range sortedMembers(r) {
			sb.WriteString(strconv.Quote(m.key))
			sb.WriteByte(':')
			signature(m.value, sb)
			sb.WriteByte(';')
		}
		sb.WriteByte('}')
	case r.IsArray():
		sb.WriteByte('[')
		r.ForEach(func(_, v gjson.Result) bool {
			signature(v, sb)
			sb.WriteByte(';')
			return true
		})
		sb.WriteByte(']')
	default:
		// All primitives collapse to one token: values never affect the ID.
		sb.WriteByte('$')
	}
}

// collectPaths appends every leaf path under r in the same sorted-key order
// signature uses. Empty containers count as leaves so decode can restore them.
func collectPaths(r gjson.Result, prefix string, paths *[]string) {
	switch {
	case r.IsObject():
		members := sortedMembers(r)
		if len(members) == 0 && prefix != "" {
			*paths = append(*paths, prefix)
			return
		}
		for _, m := range members {
			collectPaths(m.value, joinPath(prefix, escapeSegment(m.key)), paths)
		}
	case r.IsArray():
		n := 0
		r.ForEach(func(_, v gjson.Result) bool {
			collectPaths(v, joinPath(prefix, strconv.Itoa(n)), paths)
			n++
			return true
		})
		if n == 0 && prefix != "" {
			*paths = append(*paths, prefix)
		}
	default:
		*paths = append(*paths, prefix)
	}
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + "." + segment
}

// escapeSegment protects gjson path metacharacters inside object keys.
// All-digit keys are escaped as well, so splitPath can tell an object key
// "0" apart from array index 0 when the document is rebuilt.
func escapeSegment(key string) string {
	if allDigits(key) {
		return `\` + key
	}
	if !strings.ContainsAny(key, `.\*?#|@`) {
		return key
	}
	var sb strings.Builder
	for _, r := range key {
		switch r {
		case '.', '\\', '*', '?', '#', '|', '@':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func typeName(r gjson.Result) string {
	switch {
	case r.IsObject():
		return "object"
	case r.IsArray():
		return "array"
	case r.Type == gjson.Null:
		return "null"
	case r.Type == gjson.String:
		return "string"
	case r.Type == gjson.Number:
		return "number"
	case r.Type == gjson.True, r.Type == gjson.False:
		return "bool"
	default:
		return "invalid"
	}
}
