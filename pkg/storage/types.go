// Package storage persists the local provenance graph that lineage queries run on.
//
// The storage package defines the Engine interface and two implementations:
//   - MemoryEngine: in-memory storage for tests and short-lived hosts
//   - BadgerEngine: persistent storage on BadgerDB
//
// Vertices are keyed by provenance.Vertex.Identity, so recording the same vertex
// twice is a no-op. Edges are keyed by a digest of their type and endpoints and
// keep the OPM direction: Source is the effect, Destination the cause. Outgoing
// therefore leads to causes (ancestors) and Incoming to effects (descendants).
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	edge := provenance.NewEdge("WasGeneratedBy", file, process)
//	if _, err := engine.PutEdge(edge); err != nil {
//		log.Fatal(err)
//	}
//
//	causes, _ := engine.Outgoing(file.Identity())
//	fmt.Printf("%d direct causes\n", len(causes))
package storage

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/lineagesketch/pkg/provenance"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrStorageClosed = errors.New("storage closed")
)

// Record is a stored vertex with its id.
type Record struct {
	ID     string
	Vertex *provenance.Vertex
}

// EdgeRecord is a stored edge referring to its endpoints by id.
type EdgeRecord struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Engine stores a provenance graph.
//
// All implementations are safe for concurrent use.
type Engine interface {
	// PutVertex stores v if absent and returns its id.
	PutVertex(v *provenance.Vertex) (string, error)
	// PutEdge stores both endpoints and the edge if absent and returns the edge id.
	PutEdge(e *provenance.Edge) (string, error)
	GetVertex(id string) (*provenance.Vertex, error)

	// Outgoing returns the edges whose source is id.
	Outgoing(id string) ([]EdgeRecord, error)
	// Incoming returns the edges whose destination is id.
	Incoming(id string) ([]EdgeRecord, error)

	// FindByConnection returns the network vertices carrying exactly tuple.
	FindByConnection(tuple provenance.ConnectionTuple) ([]Record, error)
	// FindVertices returns every vertex for which match returns true.
	FindVertices(match func(*provenance.Vertex) bool) ([]Record, error)

	VertexCount() (int64, error)
	EdgeCount() (int64, error)
	Close() error
}

// EdgeID returns the id an edge is stored under.
func EdgeID(e *provenance.Edge) string {
	t := e.RawType
	if t == "" {
		t = string(e.Type)
	}
	sum := blake2b.Sum256([]byte(t + "\x00" + e.Source.Identity() + "\x00" + e.Destination.Identity()))
	return "e:" + hex.EncodeToString(sum[:16])
}

// connectionKey renders a tuple for the connection index. The order of the fields
// is kept, so the two ends of a connection index under different keys.
func connectionKey(t provenance.ConnectionTuple) string {
	return strings.Join([]string{t.SourceHost, t.SourcePort, t.DestinationHost, t.DestinationPort}, "\x1f")
}

func validEdge(e *provenance.Edge) error {
	if e == nil || e.Source == nil || e.Destination == nil {
		return ErrInvalidData
	}
	return nil
}

func edgeRecord(e *provenance.Edge) EdgeRecord {
	t := e.RawType
	if t == "" {
		t = string(e.Type)
	}
	return EdgeRecord{
		ID:          EdgeID(e),
		Type:        t,
		Source:      e.Source.Identity(),
		Destination: e.Destination.Identity(),
	}
}
