// Package phasespace enumerates the energy- and momentum-conserving
// three-phonon processes available to each mode. Enumeration is lazy:
// triplets are produced one at a time by a restartable Scanner, never
// materialized, since fine meshes generate millions of them.
package phasespace

import (
	"math"

	"github.com/lattix/kappa/qmesh"
)

// Process tags a triplet as absorption (q1 + q2 -> q3) or emission
// (q1 -> q2 + q3).
type Process int

const (
	Absorption Process = iota
	Emission
)

func (p Process) String() string {
	if p == Emission {
		return "emission"
	}
	return "absorption"
}

// Shape selects the energy-conservation smearing kernel.
type Shape int

const (
	Gauss Shape = iota
	Lorentz
	Triangle
)

// Kernel evaluates the normalized broadening kernel of the given shape
// at energy mismatch delta and width sigma. All shapes integrate to
// one over delta.
func Kernel(shape Shape, delta, sigma float64) float64 {
	switch shape {
	case Lorentz:
		return sigma / (math.Pi * (delta*delta + sigma*sigma))
	case Triangle:
		a := math.Abs(delta)
		if a >= sigma {
			return 0
		}
		return (1 - a/sigma) / sigma
	default:
		return math.Exp(-delta*delta/(2*sigma*sigma)) / (sigma * math.Sqrt(2*math.Pi))
	}
}

// Triplet is one allowed three-phonon process for a fixed decaying
// mode. Q2, Q3 index the full mesh; B2, B3 are branch indices.
type Triplet struct {
	Process Process
	Q2, Q3  int
	B2, B3  int
	Delta   float64 // energy mismatch w1 +- w2 - w3, rad/s
	Sigma   float64 // broadening width used for the acceptance test
}

// Config fixes the broadening policy. Sigma > 0 selects a fixed width;
// Sigma == 0 selects the adaptive width derived from the partner
// group-velocity spread across one mesh cell, floored at MinSigma.
type Config struct {
	Shape        Shape
	Sigma        float64 // rad/s; 0 means adaptive
	MinSigma     float64 // rad/s floor for the adaptive width
	CutoffSigmas float64 // acceptance window half-width in units of sigma
	// OmegaFloor excludes sub-floor decaying modes (the acoustic
	// branches at the zone center): their scans are empty and their
	// phase-space weight is zero. They may still appear as partners.
	OmegaFloor float64 // rad/s
}

// Engine enumerates triplets on a mesh from per-point harmonic data.
// All inputs are read-only after construction, so one Engine may be
// shared by concurrent scanners.
type Engine struct {
	mesh     *qmesh.Mesh
	omega    [][]float64      // [q][branch], rad/s
	velocity [][][3]float64   // [q][branch], m/s
	steps    [3][3]float64    // reciprocal-cell step per mesh axis, rad/m
	cfg      Config
}

// NewEngine builds an enumeration engine. recipCell rows are the
// reciprocal lattice vectors in rad/m; they are only used by the
// adaptive broadening policy and may be zero when Config.Sigma is
// fixed.
func NewEngine(mesh *qmesh.Mesh, omega [][]float64, velocity [][][3]float64,
	recipCell [3][3]float64, cfg Config) *Engine {
	if cfg.CutoffSigmas <= 0 {
		cfg.CutoffSigmas = 2
	}
	e := &Engine{mesh: mesh, omega: omega, velocity: velocity, cfg: cfg}
	for a := 0; a < 3; a++ {
		for c := 0; c < 3; c++ {
			e.steps[a][c] = recipCell[a][c] / float64(mesh.Dims[a])
		}
	}
	return e
}

// Branches returns the branch count of the harmonic data.
func (e *Engine) Branches() int { return len(e.omega[0]) }

// Config returns the broadening policy the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// sigma returns the broadening width for a partner pair.
func (e *Engine) sigma(q2, b2, q3, b3 int) float64 {
	if e.cfg.Sigma > 0 {
		return e.cfg.Sigma
	}
	v2 := e.velocity[q2][b2]
	v3 := e.velocity[q3][b3]
	s := 0.0
	for a := 0; a < 3; a++ {
		d := 0.0
		for c := 0; c < 3; c++ {
			d += (v2[c] - v3[c]) * e.steps[a][c]
		}
		s += d * d
	}
	s = math.Sqrt(s / 6)
	if s < e.cfg.MinSigma {
		s = e.cfg.MinSigma
	}
	return s
}

// Scan returns a restartable scanner over the allowed triplets of the
// decaying mode (q1, b1). Decaying modes at or below Config.OmegaFloor
// yield an empty scan; any further exclusion (a min/max frequency
// window) is the caller's. Partners are enumerated over the full mesh
// regardless.
func (e *Engine) Scan(q1, b1 int) *Scanner {
	s := &Scanner{engine: e, q1: q1, b1: b1}
	s.Reset()
	return s
}

// Weight integrates the broadening kernel over all allowed triplets of
// a mode, the phase-space measure exposed for diagnostics. Returned
// per process type, normalized by the mesh volume.
func (e *Engine) Weight(q1, b1 int) (plus, minus float64) {
	sc := e.Scan(q1, b1)
	n := float64(e.mesh.N())
	for sc.Next() {
		t := sc.Triplet()
		k := Kernel(e.cfg.Shape, t.Delta, t.Sigma)
		if t.Process == Absorption {
			plus += k / n
		} else {
			minus += k / n
		}
	}
	return plus, minus
}

// Scanner walks the triplet sequence of one decaying mode. Next
// advances to the following allowed triplet; Reset restarts the walk
// from the beginning.
type Scanner struct {
	engine *Engine
	q1, b1 int

	proc   Process
	q2, b2 int
	b3     int
	done   bool
	cur    Triplet
}

// Reset restarts the scan. A sub-floor decaying mode restarts into the
// exhausted state.
func (s *Scanner) Reset() {
	s.proc = Absorption
	s.q2, s.b2, s.b3 = 0, 0, -1
	s.done = s.engine.omega[s.q1][s.b1] <= s.engine.cfg.OmegaFloor
	s.cur = Triplet{}
}

// Triplet returns the triplet found by the last successful Next.
func (s *Scanner) Triplet() Triplet { return s.cur }

// Next advances to the next triplet satisfying momentum conservation
// (exact, by mesh folding) and energy conservation within the cutoff
// window. It returns false when the sequence is exhausted.
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}
	e := s.engine
	nb := e.Branches()
	nq := e.mesh.N()
	w1 := e.omega[s.q1][s.b1]

	for {
		// Advance the odometer: b3, then b2, then q2, then process.
		s.b3++
		if s.b3 == nb {
			s.b3 = 0
			s.b2++
			if s.b2 == nb {
				s.b2 = 0
				s.q2++
				if s.q2 == nq {
					s.q2 = 0
					if s.proc == Emission {
						s.done = true
						return false
					}
					s.proc = Emission
				}
			}
		}

		var q3 int
		var delta float64
		w2 := e.omega[s.q2][s.b2]
		if s.proc == Absorption {
			q3 = e.mesh.FoldSum(s.q1, s.q2)
			delta = w1 + w2 - e.omega[q3][s.b3]
		} else {
			q3 = e.mesh.FoldDiff(s.q1, s.q2)
			delta = w1 - w2 - e.omega[q3][s.b3]
		}

		sigma := e.sigma(s.q2, s.b2, q3, s.b3)
		if math.Abs(delta) > e.cfg.CutoffSigmas*sigma {
			continue
		}
		s.cur = Triplet{
			Process: s.proc,
			Q2:      s.q2, Q3: q3,
			B2: s.b2, B3: s.b3,
			Delta: delta,
			Sigma: sigma,
		}
		return true
	}
}
