// Package scattering turns the allowed three-phonon processes into
// transition rates: per-mode scattering-rate records, and the full
// mode-indexed scattering matrix consumed by the self-consistent and
// direct-inversion BTE solvers.
package scattering

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/lattix/kappa/harmonic"
	"github.com/lattix/kappa/phasespace"
	"github.com/lattix/kappa/qmesh"
)

// Record is the scattering result for one mode: the total rate
// (inverse lifetime, rad/s), its absorption/emission decomposition and
// the phase-space measure per process type. Total is always >= 0; a
// zero Total means the mode does not decay (its lifetime is treated as
// undefined, never as infinity, by the solvers).
type Record struct {
	Mode            int // flat index q*B + b
	Total           float64
	Plus, Minus     float64
	PhaseSpacePlus  float64
	PhaseSpaceMinus float64
}

// Lifetime returns 1/Total and true, or 0 and false for a
// non-decaying mode.
func (r Record) Lifetime() (float64, bool) {
	if r.Total <= 0 {
		return 0, false
	}
	return 1 / r.Total, true
}

// DegenerateModeError flags a pair of branches whose frequencies
// coincide within tolerance at the same q-point. Rate evaluation in a
// degenerate eigenvector basis is only approximate; the condition is
// surfaced as a diagnostic alongside results, never aborts.
type DegenerateModeError struct {
	Q      int
	B1, B2 int
	Omega  float64 // rad/s, the shared frequency
}

func (e *DegenerateModeError) Error() string {
	return fmt.Sprintf("scattering: degenerate branches %d and %d at q-point %d (omega %.6g rad/s)",
		e.B1, e.B2, e.Q, e.Omega)
}

// Summary carries the per-mode records plus the non-fatal diagnostics
// accumulated while they were computed.
type Summary struct {
	Temperature float64
	Records     []Record
	Degenerate  []*DegenerateModeError
	// Clamped counts numeric clamps: occupation factors evaluated at
	// floored frequencies and negative contributions zeroed. Non-zero
	// values are logged as warnings, results are still valid.
	Clamped int
}

// Config fixes the numeric policy of the rate evaluation.
type Config struct {
	Temperature   float64              // K
	Statistics    harmonic.Statistics  // quantum or classical occupation
	OmegaFloor    float64              // rad/s; replaces near-zero frequencies
	DegeneracyTol float64              // relative frequency coincidence tolerance
	Workers       int                  // parallel workers; <= 0 means GOMAXPROCS
}

// Engine evaluates transition rates from third-order force constants
// and harmonic data. All inputs are read-only after construction; rate
// evaluation is parallel over q-points with each record written exactly
// once by exactly one worker.
type Engine struct {
	mesh  *qmesh.Mesh
	modes []harmonic.Modes // per full-mesh q-point
	third harmonic.ThirdOrderSource
	ps    *phasespace.Engine
	mask  []bool // physical modes, flat q*B+b
	cfg   Config
	log   *slog.Logger
}

// NewEngine wires the rate engine. mask flags the physical modes (see
// harmonic.PhysicalMask); logger nil means slog.Default().
func NewEngine(mesh *qmesh.Mesh, modes []harmonic.Modes, third harmonic.ThirdOrderSource,
	ps *phasespace.Engine, mask []bool, cfg Config, logger *slog.Logger) (*Engine, error) {
	if len(modes) != mesh.N() {
		return nil, fmt.Errorf("scattering: %d mode sets for %d mesh points", len(modes), mesh.N())
	}
	b := len(modes[0].Omega)
	if len(mask) != mesh.N()*b {
		return nil, fmt.Errorf("scattering: mask length %d, want %d", len(mask), mesh.N()*b)
	}
	if cfg.Temperature <= 0 {
		return nil, fmt.Errorf("scattering: temperature %g K is not positive", cfg.Temperature)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{mesh: mesh, modes: modes, third: third, ps: ps, mask: mask, cfg: cfg, log: logger}, nil
}

// Branches returns the number of phonon branches.
func (e *Engine) Branches() int { return len(e.modes[0].Omega) }

// NumModes returns the total mode count N*B.
func (e *Engine) NumModes() int { return e.mesh.N() * e.Branches() }

// Rates computes the scattering-rate record of every mode, in parallel
// over q-point ranges.
func (e *Engine) Rates(ctx context.Context) (*Summary, error) {
	return e.run(ctx, nil)
}

// Matrix assembles the full mode-indexed scattering operator together
// with the per-mode records. The diagonal holds total rates; the
// off-diagonal holds coupling coefficients between physical modes with
// the detailed-balance sign convention. The returned matrix is
// explicitly symmetrized to prevent accumulation drift.
func (e *Engine) Matrix(ctx context.Context) (*mat.Dense, *Summary, error) {
	nm := e.NumModes()
	a := mat.NewDense(nm, nm, nil)
	sum, err := e.run(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	// Symmetrize in place: A <- (A + A^T)/2.
	for i := 0; i < nm; i++ {
		for j := i + 1; j < nm; j++ {
			v := (a.At(i, j) + a.At(j, i)) / 2
			a.Set(i, j, v)
			a.Set(j, i, v)
		}
	}
	return a, sum, nil
}

// run evaluates all modes; when a is non-nil it also scatters the
// off-diagonal couplings. Workers own disjoint q-point ranges, hence
// disjoint record entries and matrix rows.
func (e *Engine) run(ctx context.Context, a *mat.Dense) (*Summary, error) {
	nq := e.mesh.N()
	nb := e.Branches()
	sum := &Summary{Temperature: e.cfg.Temperature, Records: make([]Record, nq*nb)}
	e.findDegeneracies(sum)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	clamped := make([]int, e.cfg.Workers)
	chunk := (nq + e.cfg.Workers - 1) / e.cfg.Workers
	for w := 0; w < e.cfg.Workers; w++ {
		lo, hi := w*chunk, (w+1)*chunk
		if hi > nq {
			hi = nq
		}
		if lo >= hi {
			break
		}
		w := w
		g.Go(func() error {
			for q1 := lo; q1 < hi; q1++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				for b1 := 0; b1 < nb; b1++ {
					m1 := q1*nb + b1
					rec, nclamp := e.mode(q1, b1, a)
					sum.Records[m1] = rec
					clamped[w] += nclamp
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, c := range clamped {
		sum.Clamped += c
	}
	if sum.Clamped > 0 {
		e.log.Warn("numeric clamps during rate evaluation",
			"count", sum.Clamped, "temperature", e.cfg.Temperature)
	}
	if a != nil {
		for _, rec := range sum.Records {
			a.Set(rec.Mode, rec.Mode, rec.Total)
		}
	}
	return sum, nil
}

// mode accumulates the record of one decaying mode, writing couplings
// into its row of a when a matrix is being assembled.
func (e *Engine) mode(q1, b1 int, a *mat.Dense) (Record, int) {
	nb := e.Branches()
	m1 := q1*nb + b1
	rec := Record{Mode: m1}
	if !e.mask[m1] {
		return rec, 0
	}

	cfg := e.cfg
	psCfg := e.ps.Config()
	w1 := floorOmega(e.modes[q1].Omega[b1], cfg.OmegaFloor)
	e1 := e.modes[q1].Eigenvector[b1]
	nq := float64(e.mesh.N())
	clamps := 0

	sc := e.ps.Scan(q1, b1)
	for sc.Next() {
		t := sc.Triplet()
		// Occupation sees the raw frequencies so sub-floor partners
		// register as clamps; the prefactor uses the floored values.
		rawW2 := e.modes[t.Q2].Omega[t.B2]
		rawW3 := e.modes[t.Q3].Omega[t.B3]
		w2 := floorOmega(rawW2, cfg.OmegaFloor)
		w3 := floorOmega(rawW3, cfg.OmegaFloor)
		n2, c2 := harmonic.Occupation(rawW2, cfg.Temperature, cfg.OmegaFloor, cfg.Statistics)
		n3, c3 := harmonic.Occupation(rawW3, cfg.Temperature, cfg.OmegaFloor, cfg.Statistics)
		if c2 {
			clamps++
		}
		if c3 {
			clamps++
		}

		var occ float64
		var e2 []complex128
		var q2 [3]float64
		if t.Process == phasespace.Absorption {
			occ = n2 - n3
			e2 = e.modes[t.Q2].Eigenvector[t.B2]
			q2 = e.mesh.Points[t.Q2].Coords
		} else {
			occ = (1 + n2 + n3) / 2
			e2 = conj(e.modes[t.Q2].Eigenvector[t.B2])
			c := e.mesh.Points[t.Q2].Coords
			q2 = [3]float64{-c[0], -c[1], -c[2]}
		}
		e3 := conj(e.modes[t.Q3].Eigenvector[t.B3])
		v3 := e.third.Project(e1, e2, e3, q2, e.mesh.Points[t.Q3].Coords)

		kern := phasespace.Kernel(psCfg.Shape, t.Delta, t.Sigma)
		pot := real(v3)*real(v3) + imag(v3)*imag(v3)
		g := harmonic.HBar * math.Pi / (4 * nq * w1 * w2 * w3) * pot * occ * kern
		if g < 0 {
			// Floored occupations can push an absorption factor
			// slightly negative; rates stay non-negative.
			g = 0
			clamps++
		}

		if t.Process == phasespace.Absorption {
			rec.Plus += g
			rec.PhaseSpacePlus += kern / nq
		} else {
			rec.Minus += g
			rec.PhaseSpaceMinus += kern / nq
		}

		if a != nil && g != 0 {
			// Self-partners fold into the diagonal total; only true
			// cross couplings populate the off-diagonal.
			m2 := t.Q2*nb + t.B2
			m3 := t.Q3*nb + t.B3
			if m2 != m1 && e.mask[m2] {
				if t.Process == phasespace.Absorption {
					a.Set(m1, m2, a.At(m1, m2)-g)
				} else {
					a.Set(m1, m2, a.At(m1, m2)+g)
				}
			}
			if m3 != m1 && e.mask[m3] {
				a.Set(m1, m3, a.At(m1, m3)+g)
			}
		}
	}
	rec.Total = rec.Plus + rec.Minus
	return rec, clamps
}

// findDegeneracies records branch pairs whose frequencies coincide
// within the relative tolerance at the same q-point.
func (e *Engine) findDegeneracies(sum *Summary) {
	tol := e.cfg.DegeneracyTol
	if tol <= 0 {
		return
	}
	nb := e.Branches()
	for q, m := range e.modes {
		for b1 := 0; b1 < nb; b1++ {
			if !e.mask[q*nb+b1] {
				continue
			}
			for b2 := b1 + 1; b2 < nb; b2++ {
				if !e.mask[q*nb+b2] {
					continue
				}
				w1, w2 := m.Omega[b1], m.Omega[b2]
				if w1 > 0 && math.Abs(w1-w2) < tol*w1 {
					d := &DegenerateModeError{Q: q, B1: b1, B2: b2, Omega: w1}
					sum.Degenerate = append(sum.Degenerate, d)
					e.log.Warn("degenerate mode pair", "q", q, "b1", b1, "b2", b2, "omega", w1)
				}
			}
		}
	}
}

func floorOmega(w, floor float64) float64 {
	if w < floor {
		return floor
	}
	return w
}

func conj(e []complex128) []complex128 {
	out := make([]complex128, len(e))
	for i, c := range e {
		out[i] = cmplx.Conj(c)
	}
	return out
}
