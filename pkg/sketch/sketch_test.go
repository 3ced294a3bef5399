package sketch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Params Tests
// =============================================================================

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())

	assert.ErrorIs(t, Params{FalsePositiveProbability: 0, ExpectedSize: 20}.Validate(), ErrInvalidParams)
	assert.ErrorIs(t, Params{FalsePositiveProbability: 1, ExpectedSize: 20}.Validate(), ErrInvalidParams)
	assert.ErrorIs(t, Params{FalsePositiveProbability: 0.1, ExpectedSize: 0}.Validate(), ErrInvalidParams)
}

func TestNewAncestrySketch_ZeroParamsUseDefaults(t *testing.T) {
	s := NewAncestrySketch(Params{})
	assert.Equal(t, DefaultParams(), s.Params())
	assert.True(t, s.Compatible(NewAncestrySketch(DefaultParams())))
}

// =============================================================================
// AncestrySketch Tests
// =============================================================================

func TestAncestrySketch_NoFalseNegatives(t *testing.T) {
	s := NewAncestrySketch(DefaultParams())
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = fmt.Sprintf("net:10.0.0.%d:%d|10.0.1.1:443", i%250, 1000+i)
		s.Insert(ids[i])
	}

	for _, id := range ids {
		assert.True(t, s.MayContain(id), "inserted id %s reported absent", id)
	}
}

func TestAncestrySketch_FalsePositiveRate(t *testing.T) {
	p := DefaultParams()

	// Averaging over many filters removes the spread between individual member sets.
	const filters, strangers = 200, 1000
	falsePositives := 0
	for f := 0; f < filters; f++ {
		s := NewAncestrySketch(p)
		for i := 0; i < p.ExpectedSize; i++ {
			s.Insert(fmt.Sprintf("member-%d-%d", f, i))
		}
		for i := 0; i < strangers; i++ {
			if s.MayContain(fmt.Sprintf("stranger-%d-%d", f, i)) {
				falsePositives++
			}
		}
	}

	// Rounding m and k up puts the expected rate at about 0.102 for p=0.1; the
	// standard error over 200000 samples is under 0.001.
	rate := float64(falsePositives) / (filters * strangers)
	assert.LessOrEqual(t, rate, p.FalsePositiveProbability+0.01, "observed false positive rate %.4f", rate)
}

func TestAncestrySketch_EmptyAndCount(t *testing.T) {
	s := NewAncestrySketch(DefaultParams())
	assert.True(t, s.IsEmpty())
	assert.Equal(t, uint32(0), s.ApproximateCount())

	s.Insert("a")
	s.Insert("b")
	assert.False(t, s.IsEmpty())
	assert.InDelta(t, 2, float64(s.ApproximateCount()), 1)
}

func TestAncestrySketch_MergeIsCommutative(t *testing.T) {
	a := NewAncestrySketch(DefaultParams())
	b := NewAncestrySketch(DefaultParams())
	a.Insert("a1")
	a.Insert("a2")
	b.Insert("b1")

	ab := a.Clone()
	require.NoError(t, ab.MergeFrom(b))
	ba := b.Clone()
	require.NoError(t, ba.MergeFrom(a))

	assert.True(t, ab.Equal(ba))
	for _, id := range []string{"a1", "a2", "b1"} {
		assert.Equal(t, ab.MayContain(id), ba.MayContain(id))
		assert.True(t, ab.MayContain(id))
	}
}

func TestAncestrySketch_MergeIsIdempotent(t *testing.T) {
	a := NewAncestrySketch(DefaultParams())
	b := NewAncestrySketch(DefaultParams())
	a.Insert("a1")
	b.Insert("b1")

	require.NoError(t, a.MergeFrom(b))
	once := a.Clone()
	require.NoError(t, a.MergeFrom(b))
	assert.True(t, once.Equal(a))

	// Self merge is harmless.
	require.NoError(t, a.MergeFrom(a))
	assert.True(t, once.Equal(a))
}

func TestAncestrySketch_MergeNil(t *testing.T) {
	a := NewAncestrySketch(DefaultParams())
	assert.NoError(t, a.MergeFrom(nil))
	assert.True(t, a.IsEmpty())
}

func TestAncestrySketch_MergeMismatch(t *testing.T) {
	a := NewAncestrySketch(DefaultParams())
	b := NewAncestrySketch(Params{FalsePositiveProbability: 0.001, ExpectedSize: 5000})
	b.Insert("x")

	assert.False(t, a.Compatible(b))
	err := a.MergeFrom(b)
	assert.ErrorIs(t, err, ErrConfigurationMismatch)
	assert.True(t, a.IsEmpty())
}

func TestAncestrySketch_BinaryRoundTrip(t *testing.T) {
	s := NewAncestrySketch(DefaultParams())
	s.Insert("alpha")
	s.Insert("beta")

	data, err := s.MarshalBinary()
	require.NoError(t, err)

	decoded, err := DecodeAncestrySketch(DefaultParams(), data)
	require.NoError(t, err)
	assert.True(t, s.Equal(decoded))
	assert.True(t, decoded.MayContain("alpha"))

	_, err = DecodeAncestrySketch(Params{FalsePositiveProbability: 0.01, ExpectedSize: 1000}, data)
	assert.ErrorIs(t, err, ErrConfigurationMismatch)

	_, err = DecodeAncestrySketch(DefaultParams(), []byte{0x01})
	assert.Error(t, err)
}

func TestAncestrySketch_ConcurrentReadsAndWrites(t *testing.T) {
	s := NewAncestrySketch(DefaultParams())
	other := NewAncestrySketch(DefaultParams())
	other.Insert("merged")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Insert(fmt.Sprintf("id-%d-%d", i, j))
				assert.Equal(t, DefaultParams(), s.Params())
				assert.NoError(t, s.MergeFrom(other))
				_, err := s.MarshalBinary()
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.True(t, s.MayContain("merged"))
	assert.True(t, s.MayContain("id-7-99"))
}

// =============================================================================
// Matrix Tests
// =============================================================================

func TestMatrix_AddCreatesEntry(t *testing.T) {
	m := NewMatrix(DefaultParams())

	_, ok := m.Get("n1")
	assert.False(t, ok, "absent key must report unknown")

	m.Add("n1", "a1")
	s, ok := m.Get("n1")
	require.True(t, ok)
	assert.True(t, s.MayContain("a1"))
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.MayBeAncestor("n1", "a1"))
	assert.False(t, m.MayBeAncestor("n2", "a1"))
}

func TestMatrix_AddIsCumulative(t *testing.T) {
	m := NewMatrix(DefaultParams())
	for i := 0; i < 10; i++ {
		m.Add("n1", fmt.Sprintf("a%d", i))
		for j := 0; j <= i; j++ {
			assert.True(t, m.MayBeAncestor("n1", fmt.Sprintf("a%d", j)))
		}
	}
	assert.Equal(t, []string{"n1"}, m.Keys())
}

func TestMatrix_GetReturnsSnapshot(t *testing.T) {
	m := NewMatrix(DefaultParams())
	m.Add("n1", "a1")

	s, _ := m.Get("n1")
	s.Insert("intruder")

	assert.False(t, m.MayBeAncestor("n1", "intruder"))
}

func TestMatrix_MergeAncestors(t *testing.T) {
	t.Run("creates missing entry", func(t *testing.T) {
		m := NewMatrix(DefaultParams())
		incoming := NewAncestrySketch(DefaultParams())
		incoming.Insert("r1")

		require.NoError(t, m.MergeAncestors("n1", incoming))
		assert.True(t, m.MayBeAncestor("n1", "r1"))
	})

	t.Run("unions into existing entry", func(t *testing.T) {
		m := NewMatrix(DefaultParams())
		m.Add("n1", "local")
		incoming := NewAncestrySketch(DefaultParams())
		incoming.Insert("remote")

		require.NoError(t, m.MergeAncestors("n1", incoming))
		assert.True(t, m.MayBeAncestor("n1", "local"))
		assert.True(t, m.MayBeAncestor("n1", "remote"))
	})

	t.Run("nil and empty are no-ops", func(t *testing.T) {
		m := NewMatrix(DefaultParams())
		require.NoError(t, m.MergeAncestors("n1", nil))
		require.NoError(t, m.MergeAncestors("n1", NewAncestrySketch(DefaultParams())))
		assert.Equal(t, 0, m.Len())
	})

	t.Run("mismatch leaves matrix untouched", func(t *testing.T) {
		m := NewMatrix(DefaultParams())
		incoming := NewAncestrySketch(Params{FalsePositiveProbability: 0.001, ExpectedSize: 5000})
		incoming.Insert("r1")

		err := m.MergeAncestors("n1", incoming)
		assert.ErrorIs(t, err, ErrConfigurationMismatch)
		assert.Equal(t, 0, m.Len())
	})
}

func TestMatrix_ConcurrentMergeNoLostUpdate(t *testing.T) {
	m := NewMatrix(DefaultParams())

	left := NewAncestrySketch(DefaultParams())
	right := NewAncestrySketch(DefaultParams())
	left.Insert("left-ancestor")
	right.Insert("right-ancestor")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.MergeAncestors("shared", left))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, m.MergeAncestors("shared", right))
		}()
	}
	wg.Wait()

	assert.True(t, m.MayBeAncestor("shared", "left-ancestor"))
	assert.True(t, m.MayBeAncestor("shared", "right-ancestor"))
	assert.Equal(t, 1, m.Len())
}

func TestMatrix_FromSketches(t *testing.T) {
	s := NewAncestrySketch(DefaultParams())
	s.Insert("a")

	m, err := NewMatrixFromSketches(DefaultParams(), map[string]*AncestrySketch{"n1": s, "skip": nil})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.MayBeAncestor("n1", "a"))

	bad := NewAncestrySketch(Params{FalsePositiveProbability: 0.01, ExpectedSize: 1000})
	_, err = NewMatrixFromSketches(DefaultParams(), map[string]*AncestrySketch{"n1": bad})
	assert.ErrorIs(t, err, ErrConfigurationMismatch)
}

// =============================================================================
// Bundle Tests
// =============================================================================

func TestBundle_Without(t *testing.T) {
	b := &Bundle{
		Host:   "h1",
		Matrix: NewMatrix(DefaultParams()),
		Peers: map[string]*Matrix{
			"h2": NewMatrix(DefaultParams()),
			"h3": NewMatrix(DefaultParams()),
			"h4": nil,
		},
	}

	rest := b.Without("h2")
	assert.Len(t, rest, 1)
	assert.Contains(t, rest, "h3")
	assert.Len(t, b.Peers, 3, "original map must be untouched")
	assert.ElementsMatch(t, []string{"h2", "h3", "h4"}, b.PeerHosts())
}
