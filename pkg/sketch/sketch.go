// Package sketch provides the probabilistic ancestry summaries exchanged between hosts.
//
// An AncestrySketch is a Bloom filter over vertex identities: membership tests may
// return false positives at the configured rate but never false negatives. A Matrix
// maps each network-boundary vertex to the sketch of its ancestors, and a Bundle is
// what one host hands to another: its own matrix plus the matrices it has collected.
//
// All sketches in one process are built from a single Params pair. Merging sketches
// built from different parameters fails with ErrConfigurationMismatch.
//
// Example:
//
//	m := sketch.NewMatrix(sketch.DefaultParams())
//	m.Add(netVertex.Identity(), ancestor.Identity())
//	if m.MayBeAncestor(netVertex.Identity(), ancestor.Identity()) {
//		// plausibly an ancestor
//	}
package sketch

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Default sizing used when nothing else is configured.
const (
	DefaultFalsePositiveProbability = 0.1
	DefaultExpectedSize             = 20
)

var (
	// ErrConfigurationMismatch is returned when two sketches with different size or
	// hash parameters are merged.
	ErrConfigurationMismatch = errors.New("sketch configuration mismatch")
	// ErrInvalidParams is returned by Params.Validate.
	ErrInvalidParams = errors.New("invalid sketch parameters")
)

// Params sizes an AncestrySketch.
type Params struct {
	FalsePositiveProbability float64 `json:"falsePositiveProbability" yaml:"false_positive_probability"`
	ExpectedSize             int     `json:"expectedSize" yaml:"expected_size"`
}

// DefaultParams returns the default sizing (p=0.1, n=20).
func DefaultParams() Params {
	return Params{
		FalsePositiveProbability: DefaultFalsePositiveProbability,
		ExpectedSize:             DefaultExpectedSize,
	}
}

// Validate checks that the parameters describe a usable filter.
func (p Params) Validate() error {
	if p.FalsePositiveProbability <= 0 || p.FalsePositiveProbability >= 1 {
		return fmt.Errorf("%w: false positive probability %v not in (0,1)", ErrInvalidParams, p.FalsePositiveProbability)
	}
	if p.ExpectedSize <= 0 {
		return fmt.Errorf("%w: expected size %d must be positive", ErrInvalidParams, p.ExpectedSize)
	}
	return nil
}

// withDefaults replaces unusable fields with the defaults.
func (p Params) withDefaults() Params {
	if p.FalsePositiveProbability <= 0 || p.FalsePositiveProbability >= 1 {
		p.FalsePositiveProbability = DefaultFalsePositiveProbability
	}
	if p.ExpectedSize <= 0 {
		p.ExpectedSize = DefaultExpectedSize
	}
	return p
}

// geometry returns the bit count and hash count a filter built from p will have.
func (p Params) geometry() (m, k uint) {
	f := bloom.NewWithEstimates(uint(p.ExpectedSize), p.FalsePositiveProbability)
	return f.Cap(), f.K()
}

// AncestrySketch is a concurrency-safe Bloom filter over vertex identities.
type AncestrySketch struct {
	params Params // immutable after construction

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewAncestrySketch creates an empty sketch. Invalid fields of p fall back to the
// defaults.
func NewAncestrySketch(p Params) *AncestrySketch {
	p = p.withDefaults()
	return &AncestrySketch{
		params: p,
		filter: bloom.NewWithEstimates(uint(p.ExpectedSize), p.FalsePositiveProbability),
	}
}

// Params returns the parameters the sketch was built from.
func (s *AncestrySketch) Params() Params {
	return s.params
}

// Insert adds a vertex identity.
func (s *AncestrySketch) Insert(id string) {
	s.mu.Lock()
	s.filter.AddString(id)
	s.mu.Unlock()
}

// MayContain reports whether id may have been inserted. False positives are possible,
// false negatives are not.
func (s *AncestrySketch) MayContain(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.TestString(id)
}

// IsEmpty reports whether nothing has been inserted or merged in.
func (s *AncestrySketch) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.BitSet().None()
}

// ApproximateCount estimates the number of distinct identities inserted.
func (s *AncestrySketch) ApproximateCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.ApproximatedSize()
}

// Compatible reports whether other can be merged into s.
func (s *AncestrySketch) Compatible(other *AncestrySketch) bool {
	if other == nil {
		return true
	}
	s.mu.RLock()
	m, k := s.filter.Cap(), s.filter.K()
	s.mu.RUnlock()

	other.mu.RLock()
	defer other.mu.RUnlock()
	return m == other.filter.Cap() && k == other.filter.K()
}

// MergeFrom unions other into s. A nil other is a no-op.
func (s *AncestrySketch) MergeFrom(other *AncestrySketch) error {
	if other == nil {
		return nil
	}

	// Copy first so the two locks are never held together.
	other.mu.RLock()
	incoming := other.filter.Copy()
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter.Cap() != incoming.Cap() || s.filter.K() != incoming.K() {
		return fmt.Errorf("%w: m=%d k=%d vs m=%d k=%d",
			ErrConfigurationMismatch, s.filter.Cap(), s.filter.K(), incoming.Cap(), incoming.K())
	}
	if err := s.filter.Merge(incoming); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigurationMismatch, err)
	}
	return nil
}

// Clone returns an independent copy.
func (s *AncestrySketch) Clone() *AncestrySketch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &AncestrySketch{params: s.params, filter: s.filter.Copy()}
}

// Equal reports whether both sketches hold the same bits and parameters.
func (s *AncestrySketch) Equal(other *AncestrySketch) bool {
	if other == nil {
		return false
	}
	a := s.Clone()
	b := other.Clone()
	return a.filter.Equal(b.filter)
}

// MarshalBinary encodes the filter bits (parameters travel separately).
func (s *AncestrySketch) MarshalBinary() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	if _, err := s.filter.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAncestrySketch restores a sketch encoded with MarshalBinary and checks that its
// geometry matches p.
func DecodeAncestrySketch(p Params, data []byte) (*AncestrySketch, error) {
	p = p.withDefaults()

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decoding sketch: %w", err)
	}

	m, k := p.geometry()
	if filter.Cap() != m || filter.K() != k {
		return nil, fmt.Errorf("%w: decoded m=%d k=%d, expected m=%d k=%d",
			ErrConfigurationMismatch, filter.Cap(), filter.K(), m, k)
	}
	return &AncestrySketch{params: p, filter: filter}, nil
}
