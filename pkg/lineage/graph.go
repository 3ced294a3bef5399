package lineage

import "github.com/orneryd/lineagesketch/pkg/provenance"

// Graph is the vertex set returned by a query, in discovery order.
type Graph struct {
	vertices []*provenance.Vertex
	seen     map[string]struct{}
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{seen: make(map[string]struct{})}
}

// Add appends v under storage id id unless id is already present.
func (g *Graph) Add(id string, v *provenance.Vertex) bool {
	if _, ok := g.seen[id]; ok {
		return false
	}
	g.seen[id] = struct{}{}
	g.vertices = append(g.vertices, v)
	return true
}

// Vertices returns the vertex set.
func (g *Graph) Vertices() []*provenance.Vertex {
	if g == nil {
		return nil
	}
	out := make([]*provenance.Vertex, len(g.vertices))
	copy(out, g.vertices)
	return out
}

// NetworkVertices returns the network-boundary vertices of the set.
func (g *Graph) NetworkVertices() []*provenance.Vertex {
	if g == nil {
		return nil
	}
	var out []*provenance.Vertex
	for _, v := range g.vertices {
		if v.IsNetwork() {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of vertices.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.vertices)
}
