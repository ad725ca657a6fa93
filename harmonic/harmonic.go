// Package harmonic defines the interface to the external harmonic
// solver and force-constant providers, and the temperature-dependent
// observables (occupation, heat capacity, density of states) derived
// from harmonic data.
package harmonic

import (
	"fmt"
	"math"
)

// Physical constants, SI.
const (
	HBar = 1.054571817e-34 // J s
	KB   = 1.380649e-23    // J/K
)

// Statistics selects the thermal population model.
type Statistics int

const (
	Quantum   Statistics = iota // Bose-Einstein
	Classical                   // equipartition
)

func (s Statistics) String() string {
	if s == Classical {
		return "classical"
	}
	return "quantum"
}

// Modes holds the harmonic data for all branches at a single q-point:
// angular frequencies in rad/s, cartesian group velocities in m/s and
// mass-rescaled polarization eigenvectors.
type Modes struct {
	Omega       []float64
	Velocity    [][3]float64
	Eigenvector [][]complex128
}

// Provider is the external harmonic solver. It is treated as a pure
// function of the wavevector: no side effects, stable results.
type Provider interface {
	// Branches returns the number of phonon branches (3 x atoms per cell).
	Branches() int
	// At diagonalizes at fractional wavevector q.
	At(q [3]float64) (Modes, error)
}

// SecondOrderSource exposes second-order force constants queryable by
// atom pair and lattice translation, as supplied by the upstream force
// calculator. Consumed by harmonic solvers, carried here as the data
// contract only.
type SecondOrderSource interface {
	// Constant returns the 3x3 force-constant block between atom i in
	// the unit cell and atom j translated by the fractional lattice
	// vector r.
	Constant(i, j int, r [3]float64) [3][3]float64
}

// ThirdOrderSource projects third-order force constants onto a phonon
// triplet's eigenvectors. Callers pass eigenvectors already conjugated
// according to the process type; q2 and q3 carry the partner phases.
type ThirdOrderSource interface {
	Project(e1, e2, e3 []complex128, q2, q3 [3]float64) complex128
}

// Occupation returns the thermal population of a mode of angular
// frequency omega at temperature T. Frequencies at or below the floor
// are clamped to it; the second return reports whether clamping
// happened so callers can surface a numeric warning.
func Occupation(omega, temperature, floor float64, stats Statistics) (n float64, clamped bool) {
	if omega < floor {
		omega = floor
		clamped = true
	}
	x := HBar * omega / (KB * temperature)
	if stats == Classical {
		return 1 / x, clamped
	}
	// expm1 keeps precision at small x; at large x the population
	// underflows to zero, which is the correct limit.
	return 1 / math.Expm1(x), clamped
}

// HeatCapacity returns the per-mode heat capacity in J/K. Quantum:
// kB x^2 n(n+1) with x = hbar omega / kB T; classical: kB.
func HeatCapacity(omega, temperature, floor float64, stats Statistics) float64 {
	if stats == Classical {
		return KB
	}
	n, _ := Occupation(omega, temperature, floor, Quantum)
	if omega < floor {
		omega = floor
	}
	x := HBar * omega / (KB * temperature)
	return KB * x * x * n * (n + 1)
}

// DOS computes a Gaussian-smeared density of states over nbins
// uniformly spaced frequencies covering [0, max(omega)]; nbins must be
// at least 2. Weights give the mesh multiplicity per frequency entry;
// pass nil for unit weights.
func DOS(omega []float64, weights []int, sigma float64, nbins int) (grid, dos []float64) {
	if len(omega) == 0 || nbins < 2 || sigma <= 0 {
		return nil, nil
	}
	max := omega[0]
	for _, w := range omega {
		if w > max {
			max = w
		}
	}
	max += 4 * sigma // keep the topmost kernel inside the grid
	grid = make([]float64, nbins)
	dos = make([]float64, nbins)
	norm := 1 / (sigma * math.Sqrt(2*math.Pi))
	total := 0.0
	for i := range omega {
		if weights == nil {
			total++
		} else {
			total += float64(weights[i])
		}
	}
	for b := 0; b < nbins; b++ {
		grid[b] = max * float64(b) / float64(nbins-1)
		for i, w := range omega {
			wt := 1.0
			if weights != nil {
				wt = float64(weights[i])
			}
			d := grid[b] - w
			dos[b] += wt * norm * math.Exp(-d*d/(2*sigma*sigma))
		}
		dos[b] /= total
	}
	return grid, dos
}

// PhysicalMask flags the modes that participate in transport. A mode
// is excluded when its frequency falls below floor (the acoustic
// branches at the zone center) or outside the optional [min,max]
// window; pass max <= 0 for no upper bound. Layout is flat: q*B+b.
func PhysicalMask(omega []float64, floor, min, max float64) []bool {
	mask := make([]bool, len(omega))
	for i, w := range omega {
		ok := w > floor && w >= min
		if max > 0 && w > max {
			ok = false
		}
		mask[i] = ok
	}
	return mask
}

// ValidateModes checks shape consistency of harmonic data returned by
// a Provider.
func ValidateModes(m Modes, branches int) error {
	if len(m.Omega) != branches || len(m.Velocity) != branches || len(m.Eigenvector) != branches {
		return fmt.Errorf("harmonic: provider returned %d/%d/%d entries, want %d branches",
			len(m.Omega), len(m.Velocity), len(m.Eigenvector), branches)
	}
	for b, e := range m.Eigenvector {
		if len(e) == 0 {
			return fmt.Errorf("harmonic: empty eigenvector for branch %d", b)
		}
	}
	return nil
}
