package bte

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lattix/kappa/harmonic"
	"github.com/lattix/kappa/phasespace"
	"github.com/lattix/kappa/qmesh"
	"github.com/lattix/kappa/scattering"
)

// PipelineConfig is the immutable run configuration shared by every
// stage: mesh sampling is fixed by the Mesh itself, everything
// temperature-independent lives here.
type PipelineConfig struct {
	Statistics     harmonic.Statistics
	Broadening     phasespace.Config
	OmegaFloor     float64       // rad/s numeric floor
	MinOmega       float64       // optional physical-mode window
	MaxOmega       float64       // <= 0 means unbounded
	DegeneracyTol  float64       // relative; 0 disables the diagnostic
	Workers        int           // parallel rate workers
	Volume         float64       // unit-cell volume, m^3
	RecipCell      [3][3]float64 // reciprocal lattice vectors, rad/m
	MaxMatrixModes int           // 0 means DefaultMaxMatrixModes
}

// Pipeline wires the stages together: mesh -> harmonic provider ->
// phase space -> scattering -> solver. Harmonic data is gathered once
// at construction and shared read-only by all temperatures.
type Pipeline struct {
	Mesh  *qmesh.Mesh
	Third harmonic.ThirdOrderSource
	Cfg   PipelineConfig
	Log   *slog.Logger

	modes    []harmonic.Modes
	omega    []float64 // flat q*B+b
	velocity [][3]float64
	physical []bool
	ps       *phasespace.Engine
}

// NewPipeline queries the harmonic provider on every full-mesh point
// and prepares the phase-space engine. The provider is treated as
// pure; it is not retained.
func NewPipeline(mesh *qmesh.Mesh, provider harmonic.Provider,
	third harmonic.ThirdOrderSource, cfg PipelineConfig, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nb := provider.Branches()
	p := &Pipeline{
		Mesh:     mesh,
		Third:    third,
		Cfg:      cfg,
		Log:      logger,
		modes:    make([]harmonic.Modes, mesh.N()),
		omega:    make([]float64, mesh.N()*nb),
		velocity: make([][3]float64, mesh.N()*nb),
	}
	psOmega := make([][]float64, mesh.N())
	psVel := make([][][3]float64, mesh.N())
	for _, pt := range mesh.Points {
		m, err := provider.At(pt.Coords)
		if err != nil {
			return nil, fmt.Errorf("bte: harmonic data at q-point %d: %w", pt.Index, err)
		}
		if err := harmonic.ValidateModes(m, nb); err != nil {
			return nil, err
		}
		p.modes[pt.Index] = m
		psOmega[pt.Index] = m.Omega
		psVel[pt.Index] = m.Velocity
		for b := 0; b < nb; b++ {
			p.omega[pt.Index*nb+b] = m.Omega[b]
			p.velocity[pt.Index*nb+b] = m.Velocity[b]
		}
	}
	p.physical = harmonic.PhysicalMask(p.omega, cfg.OmegaFloor, cfg.MinOmega, cfg.MaxOmega)
	bcfg := cfg.Broadening
	bcfg.OmegaFloor = cfg.OmegaFloor
	p.ps = phasespace.NewEngine(mesh, psOmega, psVel, cfg.RecipCell, bcfg)
	return p, nil
}

// Branches returns the phonon branch count.
func (p *Pipeline) Branches() int { return len(p.modes[0].Omega) }

// Inputs computes the scattering stage at one temperature and packages
// the solver inputs. Matrix assembly runs only when the strategy needs
// it; assembly is parallel and the subsequent solve is sequential,
// with the errgroup barrier inside the engine separating the phases.
func (p *Pipeline) Inputs(ctx context.Context, temperature float64, needMatrix bool) (Inputs, error) {
	eng, err := scattering.NewEngine(p.Mesh, p.modes, p.Third, p.ps, p.physical, scattering.Config{
		Temperature:   temperature,
		Statistics:    p.Cfg.Statistics,
		OmegaFloor:    p.Cfg.OmegaFloor,
		DegeneracyTol: p.Cfg.DegeneracyTol,
		Workers:       p.Cfg.Workers,
	}, p.Log)
	if err != nil {
		return Inputs{}, err
	}

	in := Inputs{
		Mesh:        p.Mesh,
		Branches:    p.Branches(),
		Omega:       p.omega,
		Velocity:    p.velocity,
		Physical:    p.physical,
		Volume:      p.Cfg.Volume,
		Temperature: temperature,
	}

	if needMatrix {
		max := p.Cfg.MaxMatrixModes
		if max <= 0 {
			max = DefaultMaxMatrixModes
		}
		if nm := eng.NumModes(); nm > max {
			return Inputs{}, fmt.Errorf("bte: %d modes exceeds the matrix budget of %d", nm, max)
		}
		matrix, sum, err := eng.Matrix(ctx)
		if err != nil {
			return Inputs{}, err
		}
		in.Matrix = matrix
		p.fill(&in, sum)
		return in, nil
	}

	sum, err := eng.Rates(ctx)
	if err != nil {
		return Inputs{}, err
	}
	p.fill(&in, sum)
	return in, nil
}

func (p *Pipeline) fill(in *Inputs, sum *scattering.Summary) {
	in.Records = sum.Records
	in.Degenerate = sum.Degenerate
	in.PhaseSpace = make([]float64, len(sum.Records))
	in.HeatCapacity = make([]float64, len(sum.Records))
	for m, rec := range sum.Records {
		in.PhaseSpace[m] = rec.PhaseSpacePlus + rec.PhaseSpaceMinus
		in.HeatCapacity[m] = harmonic.HeatCapacity(in.Omega[m], in.Temperature, p.Cfg.OmegaFloor, p.Cfg.Statistics)
	}
}

// InputsFromRecords packages previously computed rate records as solver
// inputs, skipping phase-space enumeration and rate evaluation
// entirely. Only rate-based strategies can run from records: the
// off-diagonal couplings of the scattering matrix are not part of the
// record payload and a matrix strategy must recompute.
func (p *Pipeline) InputsFromRecords(temperature float64, records []scattering.Record) (Inputs, error) {
	if temperature <= 0 {
		return Inputs{}, fmt.Errorf("bte: temperature %g K is not positive", temperature)
	}
	if want := p.Mesh.N() * p.Branches(); len(records) != want {
		return Inputs{}, fmt.Errorf("bte: %d records, want %d modes", len(records), want)
	}
	in := Inputs{
		Mesh:        p.Mesh,
		Branches:    p.Branches(),
		Omega:       p.omega,
		Velocity:    p.velocity,
		Physical:    p.physical,
		Volume:      p.Cfg.Volume,
		Temperature: temperature,
	}
	p.fill(&in, &scattering.Summary{Temperature: temperature, Records: records})
	return in, nil
}

// Run computes the conductivity at one temperature with the given
// strategy.
func (p *Pipeline) Run(ctx context.Context, temperature float64, solver Solver) (*Result, error) {
	in, err := p.Inputs(ctx, temperature, solver.NeedsMatrix())
	if err != nil {
		return nil, err
	}
	return solver.Solve(in)
}

// SweepEntry is one temperature point of a sweep. A failed point
// carries its error and a nil result; it is reported, never silently
// dropped.
type SweepEntry struct {
	Temperature float64
	Result      *Result
	Err         error
}

// Sweep runs the strategy across a temperature list. Failures are
// isolated per temperature: one singular solve or budget violation
// does not abort the remaining points. Context cancellation does stop
// the sweep.
func (p *Pipeline) Sweep(ctx context.Context, temperatures []float64, solver Solver) []SweepEntry {
	entries := make([]SweepEntry, 0, len(temperatures))
	for _, t := range temperatures {
		if err := ctx.Err(); err != nil {
			entries = append(entries, SweepEntry{Temperature: t, Err: err})
			continue
		}
		res, err := p.Run(ctx, t, solver)
		if err != nil {
			p.Log.Error("temperature point failed", "temperature", t, "err", err)
			entries = append(entries, SweepEntry{Temperature: t, Err: err})
			continue
		}
		entries = append(entries, SweepEntry{Temperature: t, Result: res})
	}
	return entries
}
