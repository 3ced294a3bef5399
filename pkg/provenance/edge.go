package provenance

import (
	"encoding/json"
	"strings"
)

// EdgeType classifies a causal edge.
type EdgeType string

const (
	// EdgeUsed: a process (source) consumed an artifact (destination).
	EdgeUsed EdgeType = "Used"
	// EdgeWasGeneratedBy: an artifact (source) was produced by a process (destination).
	EdgeWasGeneratedBy EdgeType = "WasGeneratedBy"
	// EdgeOther covers every type the sketch pipeline ignores.
	EdgeOther EdgeType = "Other"
)

// ParseEdgeType maps a recorder's edge type string onto an EdgeType.
// Matching is case-insensitive; unknown types map to EdgeOther.
func ParseEdgeType(s string) EdgeType {
	switch {
	case strings.EqualFold(s, string(EdgeUsed)):
		return EdgeUsed
	case strings.EqualFold(s, string(EdgeWasGeneratedBy)):
		return EdgeWasGeneratedBy
	default:
		return EdgeOther
	}
}

// Edge is an immutable directed causal relation from Source (effect) to
// Destination (cause).
type Edge struct {
	Type        EdgeType
	Source      *Vertex
	Destination *Vertex
	// RawType preserves the recorder's original spelling for EdgeOther edges.
	RawType string
}

// NewEdge creates an edge, classifying rawType with ParseEdgeType.
func NewEdge(rawType string, source, destination *Vertex) *Edge {
	return &Edge{
		Type:        ParseEdgeType(rawType),
		Source:      source,
		Destination: destination,
		RawType:     rawType,
	}
}

// edgeJSON is the on-disk and import form of an edge.
type edgeJSON struct {
	Type        string  `json:"type"`
	Source      *Vertex `json:"source"`
	Destination *Vertex `json:"destination"`
}

// MarshalJSON encodes the edge with its vertices inline.
func (e *Edge) MarshalJSON() ([]byte, error) {
	t := e.RawType
	if t == "" {
		t = string(e.Type)
	}
	return json.Marshal(edgeJSON{Type: t, Source: e.Source, Destination: e.Destination})
}

// UnmarshalJSON decodes an edge and classifies its type.
func (e *Edge) UnmarshalJSON(data []byte) error {
	var raw edgeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = *NewEdge(raw.Type, raw.Source, raw.Destination)
	return nil
}
