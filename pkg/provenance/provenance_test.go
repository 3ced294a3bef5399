package provenance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func netVertex(srcHost, srcPort, dstHost, dstPort string) *Vertex {
	return NewVertex(map[string]string{
		KeyNetwork:         "true",
		KeySourceHost:      srcHost,
		KeySourcePort:      srcPort,
		KeyDestinationHost: dstHost,
		KeyDestinationPort: dstPort,
	})
}

func TestVertex_IsNetwork(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{" True ", true},
		{"false", false},
		{"", false},
		{"yes", false},
	}
	for _, tt := range tests {
		v := NewVertex(map[string]string{KeyNetwork: tt.value})
		assert.Equal(t, tt.want, v.IsNetwork(), "network=%q", tt.value)
	}

	assert.False(t, NewVertex(nil).IsNetwork())
}

func TestVertex_CopiesAnnotations(t *testing.T) {
	src := map[string]string{"name": "bash"}
	v := NewVertex(src)
	src["name"] = "sh"

	assert.Equal(t, "bash", v.Annotation("name"))

	out := v.Annotations()
	out["name"] = "zsh"
	assert.Equal(t, "bash", v.Annotation("name"))

	w := v.WithAnnotation("pid", "42")
	assert.False(t, v.HasAnnotation("pid"))
	assert.Equal(t, "42", w.Annotation("pid"))
}

func TestVertex_IdentityIsSymmetricAcrossHosts(t *testing.T) {
	// The same connection as recorded on each end.
	onA := netVertex("10.0.0.1", "41234", "10.0.0.2", "443")
	onB := netVertex("10.0.0.2", "443", "10.0.0.1", "41234")

	assert.Equal(t, onA.Identity(), onB.Identity())
	assert.Contains(t, onA.Identity(), "net:")

	other := netVertex("10.0.0.1", "41235", "10.0.0.2", "443")
	assert.NotEqual(t, onA.Identity(), other.Identity())
}

func TestVertex_ContentIdentity(t *testing.T) {
	a := NewVertex(map[string]string{"type": "Process", "pid": "1"})
	b := NewVertex(map[string]string{"pid": "1", "type": "Process"})
	c := NewVertex(map[string]string{"pid": "2", "type": "Process"})

	assert.Equal(t, a.Identity(), b.Identity())
	assert.NotEqual(t, a.Identity(), c.Identity())
	assert.Contains(t, a.Identity(), "v:")
}

func TestVertex_NilIsEmpty(t *testing.T) {
	var v *Vertex

	assert.Equal(t, "", v.Annotation("pid"))
	assert.False(t, v.HasAnnotation("pid"))
	assert.Empty(t, v.Annotations())
	assert.False(t, v.IsNetwork())
	assert.Equal(t, ConnectionTuple{}, v.Connection())
	assert.Equal(t, "", v.Identity())

	next := v.WithAnnotation("pid", "1")
	require.NotNil(t, next)
	assert.Equal(t, "1", next.Annotation("pid"))

	data, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestConnectionTuple(t *testing.T) {
	v := netVertex("h1", "1", "h2", "2")
	tuple := v.Connection()

	assert.True(t, tuple.Complete())
	assert.True(t, tuple.Matches(v))
	assert.False(t, tuple.Matches(netVertex("h1", "1", "h2", "3")))
	assert.False(t, ConnectionTuple{SourceHost: "h1"}.Complete())
}

func TestParseEdgeType(t *testing.T) {
	assert.Equal(t, EdgeUsed, ParseEdgeType("used"))
	assert.Equal(t, EdgeUsed, ParseEdgeType("Used"))
	assert.Equal(t, EdgeWasGeneratedBy, ParseEdgeType("wasgeneratedby"))
	assert.Equal(t, EdgeOther, ParseEdgeType("WasTriggeredBy"))
	assert.Equal(t, EdgeOther, ParseEdgeType(""))
}

func TestEdge_JSON(t *testing.T) {
	e := NewEdge("WasGeneratedBy", netVertex("a", "1", "b", "2"), NewVertex(map[string]string{"type": "Process"}))

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded Edge
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EdgeWasGeneratedBy, decoded.Type)
	assert.True(t, decoded.Source.IsNetwork())
	assert.Equal(t, "Process", decoded.Destination.Annotation("type"))
	assert.Equal(t, e.Source.Identity(), decoded.Source.Identity())
}
