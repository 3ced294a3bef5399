package storage

import (
	"sort"
	"sync"

	"github.com/orneryd/lineagesketch/pkg/provenance"
)

// MemoryEngine is a thread-safe in-memory Engine.
type MemoryEngine struct {
	mu       sync.RWMutex
	vertices map[string]*provenance.Vertex
	edges    map[string]EdgeRecord

	// Indexes for efficient lookups
	outgoing    map[string]map[string]struct{}
	incoming    map[string]map[string]struct{}
	connections map[string]map[string]struct{}

	closed bool
}

// NewMemoryEngine creates an empty engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		vertices:    make(map[string]*provenance.Vertex),
		edges:       make(map[string]EdgeRecord),
		outgoing:    make(map[string]map[string]struct{}),
		incoming:    make(map[string]map[string]struct{}),
		connections: make(map[string]map[string]struct{}),
	}
}

// PutVertex implements Engine.
func (m *MemoryEngine) PutVertex(v *provenance.Vertex) (string, error) {
	if v == nil {
		return "", ErrInvalidData
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrStorageClosed
	}
	return m.putVertexLocked(v), nil
}

func (m *MemoryEngine) putVertexLocked(v *provenance.Vertex) string {
	id := v.Identity()
	if _, ok := m.vertices[id]; ok {
		return id
	}
	m.vertices[id] = v
	if v.IsNetwork() {
		addToIndex(m.connections, connectionKey(v.Connection()), id)
	}
	return id
}

// PutEdge implements Engine.
func (m *MemoryEngine) PutEdge(e *provenance.Edge) (string, error) {
	if err := validEdge(e); err != nil {
		return "", err
	}
	rec := edgeRecord(e)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrStorageClosed
	}

	m.putVertexLocked(e.Source)
	m.putVertexLocked(e.Destination)
	if _, ok := m.edges[rec.ID]; ok {
		return rec.ID, nil
	}
	m.edges[rec.ID] = rec
	addToIndex(m.outgoing, rec.Source, rec.ID)
	addToIndex(m.incoming, rec.Destination, rec.ID)
	return rec.ID, nil
}

// GetVertex implements Engine.
func (m *MemoryEngine) GetVertex(id string) (*provenance.Vertex, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	v, ok := m.vertices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Outgoing implements Engine.
func (m *MemoryEngine) Outgoing(id string) ([]EdgeRecord, error) {
	return m.adjacent(m.outgoing, id)
}

// Incoming implements Engine.
func (m *MemoryEngine) Incoming(id string) ([]EdgeRecord, error) {
	return m.adjacent(m.incoming, id)
}

func (m *MemoryEngine) adjacent(index map[string]map[string]struct{}, id string) ([]EdgeRecord, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	edgeIDs := sortedKeys(index[id])
	out := make([]EdgeRecord, 0, len(edgeIDs))
	for _, eid := range edgeIDs {
		out = append(out, m.edges[eid])
	}
	return out, nil
}

// FindByConnection implements Engine.
func (m *MemoryEngine) FindByConnection(tuple provenance.ConnectionTuple) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := sortedKeys(m.connections[connectionKey(tuple)])
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, Record{ID: id, Vertex: m.vertices[id]})
	}
	return out, nil
}

// FindVertices implements Engine.
func (m *MemoryEngine) FindVertices(match func(*provenance.Vertex) bool) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	var out []Record
	for id, v := range m.vertices {
		if match == nil || match(v) {
			out = append(out, Record{ID: id, Vertex: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// VertexCount implements Engine.
func (m *MemoryEngine) VertexCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.vertices)), nil
}

// EdgeCount implements Engine.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Close implements Engine. Later calls fail with ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func addToIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
