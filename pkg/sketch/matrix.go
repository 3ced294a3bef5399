package sketch

import (
	"fmt"
	"sort"
	"sync"
)

// Matrix maps vertex identities to the sketch of their ancestors.
//
// At most one sketch exists per identity. A missing entry means no ancestry has been
// observed yet, not that the ancestry is empty. Entries are created lazily by Add and
// MergeAncestors and are never removed.
//
// Thread Safety:
//
//	The entry map is guarded by an RWMutex and every sketch carries its own lock, so
//	concurrent Add/MergeAncestors calls on the same identity never lose an update.
type Matrix struct {
	mu      sync.RWMutex
	params  Params
	entries map[string]*AncestrySketch
}

// NewMatrix creates an empty matrix whose sketches are built from p.
func NewMatrix(p Params) *Matrix {
	return &Matrix{
		params:  p.withDefaults(),
		entries: make(map[string]*AncestrySketch),
	}
}

// Params returns the sketch parameters of the matrix.
func (m *Matrix) Params() Params {
	return m.params
}

// Get returns a snapshot of the sketch for id.
func (m *Matrix) Get(id string) (*AncestrySketch, bool) {
	m.mu.RLock()
	s, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Add records ancestorID as an ancestor of id.
func (m *Matrix) Add(id, ancestorID string) {
	m.entry(id).Insert(ancestorID)
}

// MergeAncestors unions incoming into the sketch for id. A nil or empty incoming
// sketch is a no-op; an incompatible one fails without creating an entry.
func (m *Matrix) MergeAncestors(id string, incoming *AncestrySketch) error {
	if incoming == nil || incoming.IsEmpty() {
		return nil
	}

	ref := NewAncestrySketch(m.params)
	if !ref.Compatible(incoming) {
		return fmt.Errorf("%w: merging into %q", ErrConfigurationMismatch, id)
	}
	return m.entry(id).MergeFrom(incoming)
}

// MayBeAncestor reports whether ancestorID may be an ancestor of id.
func (m *Matrix) MayBeAncestor(id, ancestorID string) bool {
	m.mu.RLock()
	s, ok := m.entries[id]
	m.mu.RUnlock()
	return ok && s.MayContain(ancestorID)
}

// Len returns the number of tracked identities.
func (m *Matrix) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Keys returns the tracked identities in sorted order.
func (m *Matrix) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Snapshot returns copies of every sketch keyed by identity.
func (m *Matrix) Snapshot() map[string]*AncestrySketch {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*AncestrySketch, len(m.entries))
	for k, s := range m.entries {
		out[k] = s.Clone()
	}
	return out
}

// Clone returns an independent copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	return &Matrix{params: m.params, entries: m.Snapshot()}
}

// NewMatrixFromSketches builds a matrix from decoded sketches. Every sketch must have
// been built from p.
func NewMatrixFromSketches(p Params, sketches map[string]*AncestrySketch) (*Matrix, error) {
	m := NewMatrix(p)
	ref := NewAncestrySketch(m.params)
	for id, s := range sketches {
		if s == nil {
			continue
		}
		if !ref.Compatible(s) {
			return nil, fmt.Errorf("%w: entry %q", ErrConfigurationMismatch, id)
		}
		m.entries[id] = s
	}
	return m, nil
}

// entry returns the live sketch for id, creating it if absent.
func (m *Matrix) entry(id string) *AncestrySketch {
	m.mu.RLock()
	s, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.entries[id]; ok {
		return s
	}
	s = NewAncestrySketch(m.params)
	m.entries[id] = s
	return s
}
