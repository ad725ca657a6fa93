// Package qmesh builds the reciprocal-space sampling grid used by the
// transport calculation: the full Monkhorst-Pack-style mesh, its
// symmetry-reduced irreducible wedge, and the exact integer folding of
// wavevector sums back onto the grid.
package qmesh

import "fmt"

// InvalidMeshError reports malformed mesh dimensions or symmetry
// operations that are inconsistent with the grid. It is fatal and is
// raised before any computation starts.
type InvalidMeshError struct {
	Reason string
}

func (e *InvalidMeshError) Error() string {
	return "qmesh: invalid mesh: " + e.Reason
}

// SymmetryOp is a crystal symmetry operation acting on fractional
// reciprocal coordinates. Entries are integers so that grid points map
// exactly onto grid points.
type SymmetryOp [3][3]int

// Identity returns the trivial symmetry group.
func Identity() []SymmetryOp {
	return []SymmetryOp{{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// CubicOps returns the full cubic point group m-3m: the 48 signed
// permutation matrices. Valid on any mesh with equal dimensions.
func CubicOps() []SymmetryOp {
	perms := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	ops := make([]SymmetryOp, 0, 48)
	for _, p := range perms {
		for signs := 0; signs < 8; signs++ {
			var op SymmetryOp
			for a := 0; a < 3; a++ {
				s := 1
				if signs&(1<<a) != 0 {
					s = -1
				}
				op[a][p[a]] = s
			}
			ops = append(ops, op)
		}
	}
	return ops
}

// det computes the determinant of the operation.
func (s SymmetryOp) det() int {
	return s[0][0]*(s[1][1]*s[2][2]-s[1][2]*s[2][1]) -
		s[0][1]*(s[1][0]*s[2][2]-s[1][2]*s[2][0]) +
		s[0][2]*(s[1][0]*s[2][1]-s[1][1]*s[2][0])
}

// Point is one wavevector of the full mesh. Points are immutable once
// the mesh is built.
type Point struct {
	Index  int        // flat index into the full mesh
	Coords [3]float64 // fractional reciprocal coordinates in [0,1)
	Irr    int        // flat index of this point's irreducible representative
}

// Mesh is the reciprocal-space sampling grid. Construction is pure:
// building a Mesh has no side effects and the result is read-only.
type Mesh struct {
	Dims   [3]int
	Points []Point

	ops     []SymmetryOp
	irr     []int // flat indices of irreducible representatives
	weights []int // orbit size per representative, aligned with irr
}

// New builds the mesh and reduces it under the given symmetry
// operations. Pass Identity() for no reduction. It fails with
// *InvalidMeshError when a dimension is non-positive, an operation is
// not unimodular, or an operation does not map the grid onto itself.
func New(dims [3]int, ops []SymmetryOp) (*Mesh, error) {
	for a := 0; a < 3; a++ {
		if dims[a] <= 0 {
			return nil, &InvalidMeshError{Reason: fmt.Sprintf("dimension %d is %d, must be positive", a, dims[a])}
		}
	}
	if len(ops) == 0 {
		ops = Identity()
	}
	for i, op := range ops {
		if d := op.det(); d != 1 && d != -1 {
			return nil, &InvalidMeshError{Reason: fmt.Sprintf("operation %d has determinant %d, not unimodular", i, d)}
		}
	}

	n := dims[0] * dims[1] * dims[2]
	m := &Mesh{Dims: dims, Points: make([]Point, n), ops: ops}
	for idx := 0; idx < n; idx++ {
		g := m.gridOf(idx)
		m.Points[idx] = Point{
			Index: idx,
			Coords: [3]float64{
				float64(g[0]) / float64(dims[0]),
				float64(g[1]) / float64(dims[1]),
				float64(g[2]) / float64(dims[2]),
			},
			Irr: -1,
		}
	}

	// Orbit construction: the first unassigned point in flat order
	// becomes the representative of its symmetry orbit.
	for idx := 0; idx < n; idx++ {
		if m.Points[idx].Irr >= 0 {
			continue
		}
		weight := 0
		for _, op := range ops {
			img, err := m.apply(op, idx)
			if err != nil {
				return nil, err
			}
			if m.Points[img].Irr < 0 {
				m.Points[img].Irr = idx
				weight++
			} else if m.Points[img].Irr != idx {
				return nil, &InvalidMeshError{Reason: fmt.Sprintf(
					"operations are not a group: point %d reachable from two orbits", img)}
			}
		}
		m.irr = append(m.irr, idx)
		m.weights = append(m.weights, weight)
	}
	return m, nil
}

// N returns the number of points in the full mesh.
func (m *Mesh) N() int { return len(m.Points) }

// Irreducible returns the flat indices of the orbit representatives.
func (m *Mesh) Irreducible() []int { return m.irr }

// Ops returns the symmetry operations the mesh was reduced with.
func (m *Mesh) Ops() []SymmetryOp { return m.ops }

// Weight returns the integer symmetry multiplicity of the i-th
// irreducible point. The weights sum to N().
func (m *Mesh) Weight(i int) int { return m.weights[i] }

// gridOf converts a flat index to integer grid coordinates.
func (m *Mesh) gridOf(idx int) [3]int {
	nz := m.Dims[2]
	ny := m.Dims[1]
	return [3]int{idx / (ny * nz), (idx / nz) % ny, idx % nz}
}

// indexOf converts integer grid coordinates, reduced modulo the grid,
// to a flat index.
func (m *Mesh) indexOf(g [3]int) int {
	for a := 0; a < 3; a++ {
		g[a] %= m.Dims[a]
		if g[a] < 0 {
			g[a] += m.Dims[a]
		}
	}
	return (g[0]*m.Dims[1]+g[1])*m.Dims[2] + g[2]
}

// apply maps point idx through op, verifying the image lands on the
// grid. Operations act on fractional coordinates, so the image of grid
// node g is S·g scaled by the mismatch between dimensions; any
// non-integer image means op is incompatible with the mesh.
func (m *Mesh) apply(op SymmetryOp, idx int) (int, error) {
	g := m.gridOf(idx)
	var img [3]int
	for a := 0; a < 3; a++ {
		num := 0
		for b := 0; b < 3; b++ {
			// op[a][b] * g[b]/Dims[b] must be a multiple of 1/Dims[a].
			num += op[a][b] * g[b] * m.Dims[a] * (m.Dims[0] * m.Dims[1] * m.Dims[2] / m.Dims[b])
		}
		den := m.Dims[0] * m.Dims[1] * m.Dims[2]
		if num%den != 0 {
			return 0, &InvalidMeshError{Reason: fmt.Sprintf(
				"operation maps point %d off the %dx%dx%d grid", idx, m.Dims[0], m.Dims[1], m.Dims[2])}
		}
		img[a] = num / den
	}
	return m.indexOf(img), nil
}

// FoldSum returns the flat index of q_i + q_j folded back into the
// first Brillouin zone. The folding is exact integer arithmetic, so
// momentum conservation on the discrete mesh holds with no tolerance.
func (m *Mesh) FoldSum(i, j int) int {
	gi, gj := m.gridOf(i), m.gridOf(j)
	return m.indexOf([3]int{gi[0] + gj[0], gi[1] + gj[1], gi[2] + gj[2]})
}

// FoldDiff returns the flat index of q_i - q_j folded back into the
// first Brillouin zone.
func (m *Mesh) FoldDiff(i, j int) int {
	gi, gj := m.gridOf(i), m.gridOf(j)
	return m.indexOf([3]int{gi[0] - gj[0], gi[1] - gj[1], gi[2] - gj[2]})
}
