// Package provenance defines the vertices and edges observed by the audit pipeline.
//
// Vertices carry an open-ended set of string annotations. The handful of annotations
// that matter for lineage sketches (the network flag and the four connection tuple
// fields) have typed accessors; everything else is reachable through Annotation.
//
// Edges follow the OPM direction convention used by the provenance recorders:
// the source of an edge is the effect and the destination is the cause. Walking
// edges forward therefore yields ancestors, walking them backward yields descendants.
//
// Example:
//
//	netVertex := provenance.NewVertex(map[string]string{
//		provenance.KeyNetwork:         "true",
//		provenance.KeySourceHost:      "10.0.0.1",
//		provenance.KeySourcePort:      "41234",
//		provenance.KeyDestinationHost: "10.0.0.2",
//		provenance.KeyDestinationPort: "443",
//	})
//	fmt.Println(netVertex.IsNetwork(), netVertex.Identity())
package provenance

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Well-known annotation keys.
const (
	KeyNetwork         = "network"
	KeySourceHost      = "source host"
	KeySourcePort      = "source port"
	KeyDestinationHost = "destination host"
	KeyDestinationPort = "destination port"
)

// identity prefixes keep network and content-derived identities in disjoint spaces.
const (
	networkIdentityPrefix = "net:"
	contentIdentityPrefix = "v:"
)

// Vertex is an immutable provenance graph vertex.
//
// Construct with NewVertex; the annotation map is copied so later mutation of the
// caller's map has no effect.
type Vertex struct {
	annotations map[string]string
}

// NewVertex creates a vertex from its annotations.
func NewVertex(annotations map[string]string) *Vertex {
	copied := make(map[string]string, len(annotations))
	for k, v := range annotations {
		copied[k] = v
	}
	return &Vertex{annotations: copied}
}

// values returns the annotation map; a nil vertex has no annotations.
func (v *Vertex) values() map[string]string {
	if v == nil {
		return nil
	}
	return v.annotations
}

// Annotation returns the annotation value for key, or "" when absent.
func (v *Vertex) Annotation(key string) string {
	return v.values()[key]
}

// HasAnnotation reports whether key is present, even with an empty value.
func (v *Vertex) HasAnnotation(key string) bool {
	_, ok := v.values()[key]
	return ok
}

// Annotations returns a copy of all annotations.
func (v *Vertex) Annotations() map[string]string {
	values := v.values()
	out := make(map[string]string, len(values))
	for k, val := range values {
		out[k] = val
	}
	return out
}

// WithAnnotation returns a copy of v with key set to value.
func (v *Vertex) WithAnnotation(key, value string) *Vertex {
	next := NewVertex(v.values())
	next.annotations[key] = value
	return next
}

// IsNetwork reports whether the vertex is a network-boundary vertex.
func (v *Vertex) IsNetwork() bool {
	return strings.EqualFold(strings.TrimSpace(v.Annotation(KeyNetwork)), "true")
}

func (v *Vertex) SourceHost() string      { return v.Annotation(KeySourceHost) }
func (v *Vertex) SourcePort() string      { return v.Annotation(KeySourcePort) }
func (v *Vertex) DestinationHost() string { return v.Annotation(KeyDestinationHost) }
func (v *Vertex) DestinationPort() string { return v.Annotation(KeyDestinationPort) }

// StorageID returns the canonical storage identifier stored under key.
func (v *Vertex) StorageID(key string) string {
	return v.Annotation(key)
}

// Connection returns the connection tuple of a network vertex.
func (v *Vertex) Connection() ConnectionTuple {
	return ConnectionTuple{
		SourceHost:      v.SourceHost(),
		SourcePort:      v.SourcePort(),
		DestinationHost: v.DestinationHost(),
		DestinationPort: v.DestinationPort(),
	}
}

// Identity returns the key under which the vertex is tracked in ancestry sketches.
//
// Network vertices are identified by their connection tuple with the two endpoints in
// sorted order, so the two hosts at either end of a connection agree on the identity.
// Other vertices are identified by a digest of their sorted annotations. A nil vertex
// has no identity.
func (v *Vertex) Identity() string {
	if v == nil {
		return ""
	}
	if v.IsNetwork() {
		return networkIdentityPrefix + v.Connection().Canonical()
	}

	keys := make([]string, 0, len(v.annotations))
	for k := range v.annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v.annotations[k])
		b.WriteByte('\n')
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return contentIdentityPrefix + hex.EncodeToString(sum[:16])
}

// MarshalJSON encodes the vertex as its annotation map.
func (v *Vertex) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.values())
}

// UnmarshalJSON decodes an annotation map.
func (v *Vertex) UnmarshalJSON(data []byte) error {
	var annotations map[string]string
	if err := json.Unmarshal(data, &annotations); err != nil {
		return err
	}
	if annotations == nil {
		annotations = make(map[string]string)
	}
	v.annotations = annotations
	return nil
}

// ConnectionTuple holds the four connection annotations of a network vertex.
type ConnectionTuple struct {
	SourceHost      string `json:"sourceHost"`
	SourcePort      string `json:"sourcePort"`
	DestinationHost string `json:"destinationHost"`
	DestinationPort string `json:"destinationPort"`
}

// Complete reports whether all four fields are set.
func (c ConnectionTuple) Complete() bool {
	return c.SourceHost != "" && c.SourcePort != "" && c.DestinationHost != "" && c.DestinationPort != ""
}

// Matches reports whether v carries exactly this tuple.
func (c ConnectionTuple) Matches(v *Vertex) bool {
	return v.SourceHost() == c.SourceHost &&
		v.SourcePort() == c.SourcePort &&
		v.DestinationHost() == c.DestinationHost &&
		v.DestinationPort() == c.DestinationPort
}

// Canonical renders the tuple with endpoints in sorted order.
func (c ConnectionTuple) Canonical() string {
	a := c.SourceHost + ":" + c.SourcePort
	b := c.DestinationHost + ":" + c.DestinationPort
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
