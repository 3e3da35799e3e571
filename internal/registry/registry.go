// Package registry caches learned structure definitions per endpoint and
// tracks which origins cooperate with the negotiation protocol.
//
// DESIGN: Pure in-memory state, no I/O. The registry is shared by every
// in-flight call, so all maps sit behind one RWMutex. Entries are replaced
// wholesale on re-registration and destroyed only by Reset.
package registry

import (
	"fmt"
	"net/url"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/synpatico/client/pkg/shape"
)

// RequestCacheSize bounds the full-URL → structure ID cache. Endpoint
// entries are keyed with the query stripped, so this secondary cache is the
// only one that can grow per distinct query string.
const RequestCacheSize = 4096

// Entry is one learned structure for an endpoint.
type Entry struct {
	StructureID string
	Definition  *shape.Definition
	// PathOrdinals maps each definition path to its position, for the
	// ordinal telemetry mode.
	PathOrdinals map[string]int
}

// Registry holds learned structures. The zero value is not usable; call New.
type Registry struct {
	mu          sync.RWMutex
	byEndpoint  map[string]*Entry
	byStructure map[string]*Entry
	origins     map[string]struct{}
	byRequest   *lru.Cache[string, string]
}

// New creates an empty registry.
func New() *Registry {
	cache, _ := lru.New[string, string](RequestCacheSize)
	return &Registry{
		byEndpoint:  make(map[string]*Entry),
		byStructure: make(map[string]*Entry),
		origins:     make(map[string]struct{}),
		byRequest:   cache,
	}
}

// EndpointKey derives the cache key and origin for an absolute URL.
// Query and fragment are stripped so parameterized calls to the same route
// share one learned shape.
func EndpointKey(raw string) (key, origin string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("registry: parsing url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("registry: url %q is not absolute", raw)
	}
	origin = u.Scheme + "://" + u.Host
	return origin + u.EscapedPath(), origin, nil
}

// Lookup returns the entry learned for an endpoint key.
func (r *Registry) Lookup(key string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byEndpoint[key]
	return e, ok
}

// LookupByStructureID returns the entry for a structure ID, used when a
// packet references a structure directly.
func (r *Registry) LookupByStructureID(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byStructure[id]
	return e, ok
}

// Register stores a learned definition under an endpoint key, replacing any
// prior entry. Registration is idempotent for identical input.
func (r *Registry) Register(key string, def *shape.Definition) *Entry {
	ordinals := make(map[string]int, len(def.Paths))
	for i, p := range def.Paths {
		ordinals[p] = i
	}
	entry := &Entry{
		StructureID:  def.StructureID,
		Definition:   def,
		PathOrdinals: ordinals,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byEndpoint[key]; ok && old.StructureID != def.StructureID {
		delete(r.byStructure, old.StructureID)
	}
	r.byEndpoint[key] = entry
	r.byStructure[def.StructureID] = entry
	return entry
}

// Forget drops the entry for an endpoint key, so the next call to it is
// unhinted and relearns. The structure index entry survives while another
// endpoint still shares the same structure.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byEndpoint[key]
	if !ok {
		return
	}
	delete(r.byEndpoint, key)
	for _, other := range r.byEndpoint {
		if other.StructureID == e.StructureID {
			return
		}
	}
	delete(r.byStructure, e.StructureID)
}

// MarkOriginOptimizable records that an origin runs a cooperating server.
func (r *Registry) MarkOriginOptimizable(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origins[origin] = struct{}{}
}

// IsOriginOptimizable reports whether an origin is known to cooperate.
func (r *Registry) IsOriginOptimizable(origin string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.origins[origin]
	return ok
}

// RememberRequest associates a full request URL with the structure it
// resolved to.
func (r *Registry) RememberRequest(url, structureID string) {
	r.byRequest.Add(url, structureID)
}

// StructureIDForRequest returns the structure a full URL last resolved to.
func (r *Registry) StructureIDForRequest(url string) (string, bool) {
	return r.byRequest.Get(url)
}

// Ordinal resolves a path to its ordinal within a structure's definition.
func (r *Registry) Ordinal(structureID, path string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byStructure[structureID]
	if !ok {
		return 0, false
	}
	ord, ok := e.PathOrdinals[path]
	return ord, ok
}

// Len returns the number of endpoint entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEndpoint)
}

// Reset clears every entry, origin, and cached request association.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEndpoint = make(map[string]*Entry)
	r.byStructure = make(map[string]*Entry)
	r.origins = make(map[string]struct{})
	r.byRequest.Purge()
}
