package lineage

import (
	"context"
	"fmt"

	"github.com/orneryd/lineagesketch/pkg/provenance"
	"github.com/orneryd/lineagesketch/pkg/storage"
)

// Engine executes lineage queries against a provenance graph.
//
// Implementations must be safe for concurrent use. Every returned error wraps
// ErrLineageQuery.
type Engine interface {
	Execute(ctx context.Context, q Query) (*Graph, error)
}

// StorageEngine answers queries from a local storage.Engine. Storage identifiers
// are the store's vertex ids.
type StorageEngine struct {
	store        storage.Engine
	storageIDKey string
}

// NewStorageEngine creates an engine over store. Result vertices carry their id
// under storageIDKey, or DefaultStorageIDKey when empty.
func NewStorageEngine(store storage.Engine, storageIDKey string) *StorageEngine {
	if storageIDKey == "" {
		storageIDKey = DefaultStorageIDKey
	}
	return &StorageEngine{store: store, storageIDKey: storageIDKey}
}

// StorageIDKey returns the annotation key results carry their id under.
func (e *StorageEngine) StorageIDKey() string {
	return e.storageIDKey
}

// Execute implements Engine.
func (e *StorageEngine) Execute(ctx context.Context, q Query) (*Graph, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLineageQuery, err)
	}

	var (
		g   *Graph
		err error
	)
	switch q.Kind {
	case KindMatch:
		g, err = e.match(q.Match)
	default:
		g, err = e.lineage(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLineageQuery, q, err)
	}
	return g, nil
}

func (e *StorageEngine) match(tuple provenance.ConnectionTuple) (*Graph, error) {
	records, err := e.store.FindByConnection(tuple)
	if err != nil {
		return nil, err
	}
	g := NewGraph()
	for _, rec := range records {
		g.Add(rec.ID, rec.Vertex.WithAnnotation(e.storageIDKey, rec.ID))
	}
	return g, nil
}

// lineage walks breadth first from the start vertex. Ancestors follow outgoing
// edges (effect to cause), descendants follow incoming edges. The start vertex is
// part of the result.
func (e *StorageEngine) lineage(ctx context.Context, q Query) (*Graph, error) {
	start, err := e.store.GetVertex(q.StorageID)
	if err != nil {
		return nil, err
	}

	g := NewGraph()
	g.Add(q.StorageID, start.WithAnnotation(e.storageIDKey, q.StorageID))

	frontier := []string{q.StorageID}
	for depth := 0; depth < q.MaxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next []string
		for _, id := range frontier {
			neighbours, err := e.neighbours(id, q.Direction)
			if err != nil {
				return nil, err
			}
			for _, nid := range neighbours {
				v, err := e.store.GetVertex(nid)
				if err != nil {
					return nil, fmt.Errorf("loading %s: %w", nid, err)
				}
				if g.Add(nid, v.WithAnnotation(e.storageIDKey, nid)) {
					next = append(next, nid)
				}
			}
		}
		frontier = next
	}
	return g, nil
}

func (e *StorageEngine) neighbours(id string, dir Direction) ([]string, error) {
	if dir == Descendants {
		edges, err := e.store.Incoming(id)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(edges))
		for i, edge := range edges {
			out[i] = edge.Source
		}
		return out, nil
	}

	edges, err := e.store.Outgoing(id)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(edges))
	for i, edge := range edges {
		out[i] = edge.Destination
	}
	return out, nil
}
