// Package bte solves the linearized phonon Boltzmann transport
// equation. Three interchangeable strategies share one interface:
// relaxation-time approximation, self-consistent iteration and direct
// inversion of the scattering matrix. All three report results in the
// same shape so they are directly comparable.
package bte

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/lattix/kappa/qmesh"
	"github.com/lattix/kappa/scattering"
)

// DefaultMaxMatrixModes bounds the mode count for the strategies that
// assemble the O(modes^2) scattering matrix. The bound is a checked
// precondition, never a silent truncation.
const DefaultMaxMatrixModes = 16384

// SingularMatrixError reports that the direct-inversion solve hit a
// singular (or numerically singular) scattering matrix, typically
// because the uniform-translation null space was not projected out.
// It aborts the affected temperature point only.
type SingularMatrixError struct {
	Cause error
}

func (e *SingularMatrixError) Error() string {
	return fmt.Sprintf("bte: scattering matrix is singular: %v", e.Cause)
}

func (e *SingularMatrixError) Unwrap() error { return e.Cause }

// Inputs is the shared data contract of the three strategies. Matrix
// may be nil for RTA; everything else is indexed flat by mode q*B+b.
type Inputs struct {
	Mesh         *qmesh.Mesh
	Branches     int
	Omega        []float64    // rad/s
	Velocity     [][3]float64 // m/s
	HeatCapacity []float64    // J/K
	Physical     []bool
	Records      []scattering.Record
	Matrix       *mat.Dense // scattering operator; nil for RTA
	Volume       float64    // unit-cell volume, m^3
	Temperature  float64    // K
	PhaseSpace   []float64  // per-mode phase-space measure
	Degenerate   []*scattering.DegenerateModeError
}

func (in Inputs) numModes() int { return in.Mesh.N() * in.Branches }

func (in Inputs) validate(needMatrix bool, maxModes int) error {
	nm := in.numModes()
	if len(in.Omega) != nm || len(in.Velocity) != nm || len(in.HeatCapacity) != nm ||
		len(in.Physical) != nm || len(in.Records) != nm {
		return fmt.Errorf("bte: inconsistent input lengths for %d modes", nm)
	}
	if in.Volume <= 0 {
		return fmt.Errorf("bte: unit-cell volume %g is not positive", in.Volume)
	}
	if !needMatrix {
		return nil
	}
	if in.Matrix == nil {
		return fmt.Errorf("bte: strategy requires the scattering matrix")
	}
	if maxModes <= 0 {
		maxModes = DefaultMaxMatrixModes
	}
	if nm > maxModes {
		return fmt.Errorf("bte: %d modes exceeds the matrix budget of %d", nm, maxModes)
	}
	if r, c := in.Matrix.Dims(); r != nm || c != nm {
		return fmt.Errorf("bte: scattering matrix is %dx%d, want %dx%d", r, c, nm, nm)
	}
	return nil
}

// Result is the conductivity record produced by every strategy.
type Result struct {
	Temperature float64
	Strategy    string
	Tensor      [3][3]float64 // W/m/K
	// Per-mode transport data, flat q*B+b. Lifetime is zero for modes
	// that do not decay.
	Lifetime     []float64
	MeanFreePath [][3]float64
	Omega        []float64
	PhaseSpace   []float64
	Physical     []bool
	Records      []scattering.Record // raw rate records, reusable as a checkpoint
	// Self-consistent bookkeeping; RTA and inverse report Converged
	// true with zero iterations.
	Converged  bool
	Iterations int
	// Non-fatal diagnostics carried through from rate evaluation.
	Degenerate []*scattering.DegenerateModeError
}

// LifetimeSpectrum returns (frequency, lifetime) pairs of the decaying
// modes sorted by frequency, for the external plotting collaborator.
func (r *Result) LifetimeSpectrum() (omega, lifetime []float64) {
	return r.spectrum(r.Lifetime)
}

// PhaseSpaceSpectrum returns (frequency, phase space) pairs of the
// physical modes sorted by frequency.
func (r *Result) PhaseSpaceSpectrum() (omega, ps []float64) {
	return r.spectrum(r.PhaseSpace)
}

func (r *Result) spectrum(val []float64) (x, y []float64) {
	idx := make([]int, 0, len(val))
	for m := range val {
		if r.Physical[m] {
			idx = append(idx, m)
		}
	}
	sort.Slice(idx, func(i, j int) bool { return r.Omega[idx[i]] < r.Omega[idx[j]] })
	x = make([]float64, len(idx))
	y = make([]float64, len(idx))
	for i, m := range idx {
		x[i] = r.Omega[m]
		y[i] = val[m]
	}
	return x, y
}

// Solver is one BTE solution strategy.
type Solver interface {
	Name() string
	// NeedsMatrix reports whether the strategy consumes the full
	// scattering matrix or only per-mode rates.
	NeedsMatrix() bool
	Solve(in Inputs) (*Result, error)
}

// newResult seeds a result with the shared per-mode data.
func newResult(in Inputs, strategy string) *Result {
	r := &Result{
		Temperature:  in.Temperature,
		Strategy:     strategy,
		Lifetime:     make([]float64, in.numModes()),
		MeanFreePath: make([][3]float64, in.numModes()),
		Omega:        in.Omega,
		PhaseSpace:   in.PhaseSpace,
		Physical:     in.Physical,
		Records:      in.Records,
		Degenerate:   in.Degenerate,
		Converged:    true,
	}
	for m, rec := range in.Records {
		if tau, ok := rec.Lifetime(); ok && in.Physical[m] {
			r.Lifetime[m] = tau
		}
	}
	return r
}

// accumulate integrates per-mode contributions over the irreducible
// mesh: kappa_ab = sum_mode w c v_a lambda_b / (V Nmesh). Each
// representative's tensor contribution is symmetrized over the point
// group (O T O^T averaged over the operations), which reproduces the
// exact full-mesh orbit sum; with the identity group this degenerates
// to a plain sum over all points. The result is symmetrized since
// group velocity and mean free path enter on equal footing.
func accumulate(in Inputs, lambda [][3]float64) [3][3]float64 {
	var k [3][3]float64
	ops := in.Mesh.Ops()
	norm := 1 / (in.Volume * float64(in.Mesh.N()) * float64(len(ops)))
	for i, irr := range in.Mesh.Irreducible() {
		w := float64(in.Mesh.Weight(i))
		for b := 0; b < in.Branches; b++ {
			m := irr*in.Branches + b
			if !in.Physical[m] {
				continue
			}
			c := in.HeatCapacity[m]
			var t [3][3]float64
			for a := 0; a < 3; a++ {
				for g := 0; g < 3; g++ {
					t[a][g] = c * in.Velocity[m][a] * lambda[m][g]
				}
			}
			for _, op := range ops {
				for a := 0; a < 3; a++ {
					for g := 0; g < 3; g++ {
						s := 0.0
						for r := 0; r < 3; r++ {
							for u := 0; u < 3; u++ {
								s += float64(op[a][r]) * t[r][u] * float64(op[g][u])
							}
						}
						k[a][g] += w * s * norm
					}
				}
			}
		}
	}
	for a := 0; a < 3; a++ {
		for g := a + 1; g < 3; g++ {
			s := (k[a][g] + k[g][a]) / 2
			k[a][g], k[g][a] = s, s
		}
	}
	return k
}

// RTA is the relaxation-time approximation: each mode relaxes
// independently with its own total rate. Single pass, always
// terminates.
type RTA struct{}

func (RTA) Name() string      { return "rta" }
func (RTA) NeedsMatrix() bool { return false }

func (s RTA) Solve(in Inputs) (*Result, error) {
	if err := in.validate(false, 0); err != nil {
		return nil, err
	}
	res := newResult(in, s.Name())
	for m := range res.MeanFreePath {
		tau := res.Lifetime[m]
		for a := 0; a < 3; a++ {
			res.MeanFreePath[m][a] = in.Velocity[m][a] * tau
		}
	}
	res.Tensor = accumulate(in, res.MeanFreePath)
	return res, nil
}

// SelfConsistent iterates a fixed-point update of the mean free path
// through the off-diagonal scattering couplings, seeded with the RTA
// solution. Exceeding MaxIter returns the last result flagged as
// non-converged rather than an error.
type SelfConsistent struct {
	MaxIter  int
	Tol      float64 // relative tensor change at convergence
	MaxModes int     // 0 means DefaultMaxMatrixModes
	Log      *slog.Logger
}

func (SelfConsistent) Name() string      { return "sc" }
func (SelfConsistent) NeedsMatrix() bool { return true }

func (s SelfConsistent) Solve(in Inputs) (*Result, error) {
	if err := in.validate(true, s.MaxModes); err != nil {
		return nil, err
	}
	maxIter := s.MaxIter
	if maxIter <= 0 {
		maxIter = 200
	}
	tol := s.Tol
	if tol <= 0 {
		tol = 1e-6
	}
	logger := s.Log
	if logger == nil {
		logger = slog.Default()
	}

	rta, err := RTA{}.Solve(in)
	if err != nil {
		return nil, err
	}
	res := newResult(in, s.Name())
	nm := in.numModes()

	lambda := make([][3]float64, nm)
	copy(lambda, rta.MeanFreePath)
	next := make([][3]float64, nm)
	prev := rta.Tensor

	res.Converged = false
	for it := 1; it <= maxIter; it++ {
		// lambda' = tau (v - offdiag(A) lambda), per mode and axis.
		for m := 0; m < nm; m++ {
			tau := res.Lifetime[m]
			if tau == 0 {
				next[m] = [3]float64{}
				continue
			}
			var coup [3]float64
			row := in.Matrix.RawRowView(m)
			for n, a := range row {
				if n == m || a == 0 {
					continue
				}
				coup[0] += a * lambda[n][0]
				coup[1] += a * lambda[n][1]
				coup[2] += a * lambda[n][2]
			}
			for a := 0; a < 3; a++ {
				next[m][a] = tau * (in.Velocity[m][a] - coup[a])
			}
		}
		lambda, next = next, lambda

		tensor := accumulate(in, lambda)
		if relChange(prev, tensor) < tol {
			res.Converged = true
			res.Iterations = it
			res.Tensor = tensor
			break
		}
		prev = tensor
		res.Iterations = it
		res.Tensor = tensor
	}
	if !res.Converged {
		logger.Warn("self-consistent iteration did not converge",
			"iterations", res.Iterations, "temperature", in.Temperature)
	}
	copy(res.MeanFreePath, lambda)
	return res, nil
}

// relChange is the Frobenius-norm relative difference of two tensors.
func relChange(a, b [3][3]float64) float64 {
	var num, den float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d := b[i][j] - a[i][j]
			num += d * d
			den += b[i][j] * b[i][j]
		}
	}
	if den == 0 {
		return 0
	}
	return math.Sqrt(num / den)
}

// Inverse solves the full linear system A lambda = v exactly. With
// Project set, the uniform-translation null vector is projected out of
// the physical-mode block first; without it a matrix carrying that
// null space fails with *SingularMatrixError.
type Inverse struct {
	Project  bool
	MaxModes int // 0 means DefaultMaxMatrixModes
}

func (Inverse) Name() string      { return "inverse" }
func (Inverse) NeedsMatrix() bool { return true }

func (s Inverse) Solve(in Inputs) (*Result, error) {
	if err := in.validate(true, s.MaxModes); err != nil {
		return nil, err
	}
	res := newResult(in, s.Name())

	// Restrict to the physical-mode block; non-physical rows are
	// identically zero and would make any solve singular.
	var phys []int
	for m, ok := range in.Physical {
		if ok {
			phys = append(phys, m)
		}
	}
	p := len(phys)
	if p == 0 {
		res.Tensor = [3][3]float64{}
		return res, nil
	}

	a := mat.NewDense(p, p, nil)
	v := mat.NewDense(p, 3, nil)
	for i, m := range phys {
		for j, n := range phys {
			a.Set(i, j, in.Matrix.At(m, n))
		}
		for c := 0; c < 3; c++ {
			v.Set(i, c, in.Velocity[m][c])
		}
	}

	if s.Project {
		projectTranslation(a, v)
	}

	var x mat.Dense
	if err := x.Solve(a, v); err != nil {
		return nil, &SingularMatrixError{Cause: err}
	}

	lambda := make([][3]float64, in.numModes())
	for i, m := range phys {
		for c := 0; c < 3; c++ {
			lambda[m][c] = x.At(i, c)
		}
	}
	res.MeanFreePath = lambda
	res.Tensor = accumulate(in, lambda)
	return res, nil
}

// projectTranslation removes the uniform-translation direction u
// (constant vector) from the operator and right-hand side, then
// re-inserts it with a neutral eigenvalue so the LU factorization
// stays non-singular on the orthogonal complement:
// A <- P A P + alpha u u^T, v <- P v, with P = I - u u^T.
func projectTranslation(a, v *mat.Dense) {
	p, _ := a.Dims()
	u := mat.NewVecDense(p, nil)
	for i := 0; i < p; i++ {
		u.SetVec(i, 1/math.Sqrt(float64(p)))
	}

	// alpha: mean diagonal, a scale-matched positive eigenvalue for u.
	alpha := 0.0
	for i := 0; i < p; i++ {
		alpha += a.At(i, i)
	}
	alpha /= float64(p)
	if alpha == 0 {
		alpha = 1
	}

	// P A P = A - u (u^T A) - (A u) u^T + u (u^T A u) u^T.
	au := mat.NewVecDense(p, nil)
	au.MulVec(a, u)
	ua := mat.NewVecDense(p, nil)
	ua.MulVec(a.T(), u)
	uau := mat.Dot(u, au)
	for i := 0; i < p; i++ {
		ui := u.AtVec(i)
		for j := 0; j < p; j++ {
			uj := u.AtVec(j)
			val := a.At(i, j) - ui*ua.AtVec(j) - au.AtVec(i)*uj + ui*uau*uj + alpha*ui*uj
			a.Set(i, j, val)
		}
	}

	// v <- v - u (u^T v) per column.
	for c := 0; c < 3; c++ {
		dot := 0.0
		for i := 0; i < p; i++ {
			dot += u.AtVec(i) * v.At(i, c)
		}
		for i := 0; i < p; i++ {
			v.Set(i, c, v.At(i, c)-u.AtVec(i)*dot)
		}
	}
}
