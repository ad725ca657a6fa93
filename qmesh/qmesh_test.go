package qmesh

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadDimensions(t *testing.T) {
	for _, dims := range [][3]int{{0, 3, 3}, {3, -1, 3}, {3, 3, 0}} {
		_, err := New(dims, nil)
		require.Error(t, err)
		var ime *InvalidMeshError
		assert.True(t, errors.As(err, &ime), "want InvalidMeshError, got %v", err)
	}
}

func TestNewRejectsNonUnimodularOp(t *testing.T) {
	op := SymmetryOp{{2, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	_, err := New([3]int{2, 2, 2}, []SymmetryOp{op})
	var ime *InvalidMeshError
	require.True(t, errors.As(err, &ime))
}

func TestNewRejectsOpIncompatibleWithGrid(t *testing.T) {
	// Swapping x and y on a 2x3x1 grid maps 1/2 onto the y axis, which
	// only carries thirds.
	swap := SymmetryOp{{0, 1, 0}, {1, 0, 0}, {0, 0, 1}}
	_, err := New([3]int{2, 3, 1}, []SymmetryOp{Identity()[0], swap})
	var ime *InvalidMeshError
	require.True(t, errors.As(err, &ime))
}

func TestIdentityMeshIsFullyIrreducible(t *testing.T) {
	m, err := New([3]int{3, 3, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 18, m.N())
	assert.Len(t, m.Irreducible(), 18)
	total := 0
	for i := range m.Irreducible() {
		assert.Equal(t, 1, m.Weight(i))
		total += m.Weight(i)
	}
	assert.Equal(t, m.N(), total)
}

func TestCubicReductionWeightsSumToMeshVolume(t *testing.T) {
	m, err := New([3]int{4, 4, 4}, CubicOps())
	require.NoError(t, err)
	total := 0
	for i := range m.Irreducible() {
		total += m.Weight(i)
	}
	assert.Equal(t, 64, total)
	assert.Less(t, len(m.Irreducible()), 64, "cubic group must reduce the mesh")

	// Every point must point at a representative that is its own
	// representative.
	for _, p := range m.Points {
		rep := m.Points[p.Irr]
		assert.Equal(t, rep.Index, rep.Irr)
	}
}

func TestCubicOpsCount(t *testing.T) {
	assert.Len(t, CubicOps(), 48)
	for _, op := range CubicOps() {
		d := op.det()
		assert.True(t, d == 1 || d == -1)
	}
}

// fracMod returns x modulo 1 in [0,1).
func fracMod(x float64) float64 {
	f := math.Mod(x, 1)
	if f < 0 {
		f += 1
	}
	return f
}

func TestFoldingConservesMomentumExactly(t *testing.T) {
	m, err := New([3]int{3, 4, 5}, nil)
	require.NoError(t, err)
	for i := 0; i < m.N(); i++ {
		for j := 0; j < m.N(); j++ {
			sum := m.FoldSum(i, j)
			diff := m.FoldDiff(i, j)
			for a := 0; a < 3; a++ {
				want := fracMod(m.Points[i].Coords[a] + m.Points[j].Coords[a])
				assert.InDelta(t, want, m.Points[sum].Coords[a], 1e-12)
				want = fracMod(m.Points[i].Coords[a] - m.Points[j].Coords[a])
				assert.InDelta(t, want, m.Points[diff].Coords[a], 1e-12)
			}
			// FoldDiff undoes FoldSum.
			assert.Equal(t, i, m.FoldDiff(sum, j))
		}
	}
}
