package harmonic

import (
	"fmt"
	"math"
	"math/cmplx"
)

// DenseThirdOrder is an in-memory third-order force-constant tensor,
// mass-rescaled, indexed (i, r2*N+j, r3*N+k) where N is the number of
// modes per unit cell and r2, r3 run over lattice replicas. Replicas
// holds the fractional translation of each replica; a nil/empty slice
// means a single cell with no phase factors (the amorphous limit).
type DenseThirdOrder struct {
	N        int
	Replicas [][3]float64
	Phi      []float64 // length N * (R*N) * (R*N), R = max(1, len(Replicas))
}

// NewDenseThirdOrder validates tensor dimensions.
func NewDenseThirdOrder(n int, replicas [][3]float64, phi []float64) (*DenseThirdOrder, error) {
	r := len(replicas)
	if r == 0 {
		r = 1
	}
	if want := n * r * n * r * n; len(phi) != want {
		return nil, fmt.Errorf("harmonic: third order tensor has %d entries, want %d", len(phi), want)
	}
	return &DenseThirdOrder{N: n, Replicas: replicas, Phi: phi}, nil
}

// Project contracts the tensor with the triplet eigenvectors, applying
// the replica phase factors exp(2*pi*i q·R) for the second partner and
// the conjugate phase for the third. The scattering engine passes
// eigenvectors conjugated per process type, so one formula serves both
// absorption and emission.
func (d *DenseThirdOrder) Project(e1, e2, e3 []complex128, q2, q3 [3]float64) complex128 {
	r := len(d.Replicas)
	if r == 0 {
		r = 1
	}
	n := d.N
	chi2 := d.phases(q2, false)
	chi3 := d.phases(q3, true)

	nr := n * r
	var v complex128
	for i := 0; i < n; i++ {
		if e1[i] == 0 {
			continue
		}
		base1 := i * nr * nr
		for jr := 0; jr < nr; jr++ {
			w2 := e2[jr%n] * chi2[jr/n]
			if w2 == 0 {
				continue
			}
			base2 := base1 + jr*nr
			for kr := 0; kr < nr; kr++ {
				phi := d.Phi[base2+kr]
				if phi == 0 {
					continue
				}
				v += complex(phi, 0) * e1[i] * w2 * e3[kr%n] * chi3[kr/n]
			}
		}
	}
	return v
}

// phases evaluates exp(+-2*pi*i q·R) over the replica list.
func (d *DenseThirdOrder) phases(q [3]float64, conjugate bool) []complex128 {
	if len(d.Replicas) == 0 {
		return []complex128{1}
	}
	out := make([]complex128, len(d.Replicas))
	sign := 1.0
	if conjugate {
		sign = -1.0
	}
	for r, t := range d.Replicas {
		arg := 2 * math.Pi * (q[0]*t[0] + q[1]*t[1] + q[2]*t[2])
		out[r] = cmplx.Exp(complex(0, sign*arg))
	}
	return out
}

// Tabulated is a Provider backed by precomputed harmonic data on a
// fixed fractional-coordinate table, the form in which an external
// harmonic solver hands its results to this core.
type Tabulated struct {
	NBranches int
	Table     map[[3]float64]Modes
}

func (t *Tabulated) Branches() int { return t.NBranches }

// At looks the wavevector up in the table; it fails on a miss rather
// than interpolate, since harmonic data is only ever requested on the
// mesh it was produced for.
func (t *Tabulated) At(q [3]float64) (Modes, error) {
	m, ok := t.Table[q]
	if !ok {
		return Modes{}, fmt.Errorf("harmonic: no tabulated data at q = %v", q)
	}
	return m, nil
}
