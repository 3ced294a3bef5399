package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/lineagesketch/pkg/sketch"
)

// MatrixDoc is the schema of a MATRIX payload.
type MatrixDoc struct {
	Schema                   int               `json:"schema"`
	FalsePositiveProbability float64           `json:"falsePositiveProbability"`
	ExpectedSize             int               `json:"expectedSize"`
	Entries                  map[string][]byte `json:"entries"`
}

// BundleDoc is the schema of a BUNDLE payload: host → that host's matrix.
type BundleDoc struct {
	Schema int                  `json:"schema"`
	Peers  map[string]MatrixDoc `json:"peers"`
}

// The zstd encoder and decoder are shared; EncodeAll and DecodeAll are safe for
// concurrent use.
var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			codecErr = fmt.Errorf("creating zstd encoder: %w", codecErr)
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(DefaultMaxMessageSize))
		if codecErr != nil {
			codecErr = fmt.Errorf("creating zstd decoder: %w", codecErr)
		}
	})
	return encoder, decoder, codecErr
}

// NewMatrixDoc converts a matrix to its wire document.
func NewMatrixDoc(m *sketch.Matrix) (MatrixDoc, error) {
	p := m.Params()
	doc := MatrixDoc{
		Schema:                   SchemaVersion,
		FalsePositiveProbability: p.FalsePositiveProbability,
		ExpectedSize:             p.ExpectedSize,
		Entries:                  make(map[string][]byte, m.Len()),
	}
	for id, s := range m.Snapshot() {
		data, err := s.MarshalBinary()
		if err != nil {
			return MatrixDoc{}, fmt.Errorf("encoding sketch %q: %w", id, err)
		}
		doc.Entries[id] = data
	}
	return doc, nil
}

// Matrix rebuilds the matrix described by doc. The document's parameters must equal
// expected; otherwise the error wraps both ErrDeserialization and
// sketch.ErrConfigurationMismatch.
func (doc MatrixDoc) Matrix(expected sketch.Params) (*sketch.Matrix, error) {
	if doc.Schema != SchemaVersion {
		return nil, fmt.Errorf("%w: matrix schema %d, want %d", ErrDeserialization, doc.Schema, SchemaVersion)
	}
	got := sketch.Params{FalsePositiveProbability: doc.FalsePositiveProbability, ExpectedSize: doc.ExpectedSize}
	if got != expected {
		return nil, fmt.Errorf("%w: %w: peer uses p=%v n=%d, local p=%v n=%d",
			ErrDeserialization, sketch.ErrConfigurationMismatch,
			got.FalsePositiveProbability, got.ExpectedSize,
			expected.FalsePositiveProbability, expected.ExpectedSize)
	}

	sketches := make(map[string]*sketch.AncestrySketch, len(doc.Entries))
	for id, data := range doc.Entries {
		s, err := sketch.DecodeAncestrySketch(expected, data)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %w", ErrDeserialization, id, err)
		}
		sketches[id] = s
	}
	m, err := sketch.NewMatrixFromSketches(expected, sketches)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	return m, nil
}

// EncodeMatrix produces a MATRIX payload.
func EncodeMatrix(m *sketch.Matrix) ([]byte, error) {
	doc, err := NewMatrixDoc(m)
	if err != nil {
		return nil, err
	}
	return seal(doc)
}

// DecodeMatrix parses a MATRIX payload.
func DecodeMatrix(payload []byte, expected sketch.Params) (*sketch.Matrix, error) {
	var doc MatrixDoc
	if err := open(payload, &doc); err != nil {
		return nil, err
	}
	return doc.Matrix(expected)
}

// EncodeBundle produces a BUNDLE payload from host → matrix. Nil matrices are skipped.
func EncodeBundle(peers map[string]*sketch.Matrix) ([]byte, error) {
	doc := BundleDoc{Schema: SchemaVersion, Peers: make(map[string]MatrixDoc, len(peers))}
	for host, m := range peers {
		if m == nil {
			continue
		}
		md, err := NewMatrixDoc(m)
		if err != nil {
			return nil, fmt.Errorf("encoding peer %q: %w", host, err)
		}
		doc.Peers[host] = md
	}
	return seal(doc)
}

// DecodeBundle parses a BUNDLE payload.
func DecodeBundle(payload []byte, expected sketch.Params) (map[string]*sketch.Matrix, error) {
	var doc BundleDoc
	if err := open(payload, &doc); err != nil {
		return nil, err
	}
	if doc.Schema != SchemaVersion {
		return nil, fmt.Errorf("%w: bundle schema %d, want %d", ErrDeserialization, doc.Schema, SchemaVersion)
	}

	peers := make(map[string]*sketch.Matrix, len(doc.Peers))
	for host, md := range doc.Peers {
		m, err := md.Matrix(expected)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", host, err)
		}
		peers[host] = m
	}
	return peers, nil
}

// seal marshals v to JSON, compresses it and appends the digest of the JSON.
func seal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	enc, _, err := codecs()
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(raw)
	out := enc.EncodeAll(raw, make([]byte, 0, len(raw)/2+blake2b.Size256))
	return append(out, sum[:]...), nil
}

// open reverses seal.
func open(payload []byte, v any) error {
	if len(payload) <= blake2b.Size256 {
		return fmt.Errorf("%w: payload too short (%d bytes)", ErrDeserialization, len(payload))
	}
	body := payload[:len(payload)-blake2b.Size256]
	digest := payload[len(payload)-blake2b.Size256:]

	_, dec, err := codecs()
	if err != nil {
		return err
	}
	raw, err := dec.DecodeAll(body, nil)
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrDeserialization, err)
	}
	sum := blake2b.Sum256(raw)
	if !bytes.Equal(sum[:], digest) {
		return fmt.Errorf("%w: digest mismatch", ErrDeserialization)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return nil
}
