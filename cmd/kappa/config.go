package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lattix/kappa/bte"
	"github.com/lattix/kappa/harmonic"
	"github.com/lattix/kappa/phasespace"
	"github.com/lattix/kappa/qmesh"
)

// runConfig is the YAML run configuration. It is materialized into the
// immutable per-component configuration structs at startup; nothing
// reads it after the pipeline is built.
type runConfig struct {
	Mesh         [3]int    `yaml:"mesh"`
	Symmetry     string    `yaml:"symmetry"` // "none" (default) or "cubic"
	Temperatures []float64 `yaml:"temperatures"`
	Statistics   string    `yaml:"statistics"` // "quantum" (default) or "classical"

	Broadening struct {
		Shape    string  `yaml:"shape"` // gauss, lorentz, triangle
		Sigma    float64 `yaml:"sigma"` // rad/s; 0 selects adaptive
		MinSigma float64 `yaml:"min_sigma"`
		Cutoff   float64 `yaml:"cutoff"`
	} `yaml:"broadening"`

	Solver string `yaml:"solver"` // rta, sc, inverse
	SC     struct {
		MaxIterations int     `yaml:"max_iterations"`
		Tolerance     float64 `yaml:"tolerance"`
	} `yaml:"sc"`

	OmegaFloor     float64 `yaml:"omega_floor"` // rad/s
	MinOmega       float64 `yaml:"min_omega"`
	MaxOmega       float64 `yaml:"max_omega"`
	DegeneracyTol  float64 `yaml:"degeneracy_tol"`
	Workers        int     `yaml:"workers"`
	MaxMatrixModes int     `yaml:"max_matrix_modes"`

	System     string `yaml:"system"`     // gob system file from the upstream calculator
	Checkpoint string `yaml:"checkpoint"` // optional rate-record checkpoint path
}

func loadConfig(path string) (*runConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &runConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Temperatures) == 0 {
		cfg.Temperatures = []float64{300}
	}
	if cfg.System == "" {
		return nil, fmt.Errorf("config: system file path is required")
	}
	return cfg, nil
}

func (c *runConfig) symmetryOps() ([]qmesh.SymmetryOp, error) {
	switch c.Symmetry {
	case "", "none":
		return qmesh.Identity(), nil
	case "cubic":
		return qmesh.CubicOps(), nil
	default:
		return nil, fmt.Errorf("config: unknown symmetry %q", c.Symmetry)
	}
}

func (c *runConfig) statistics() (harmonic.Statistics, error) {
	switch c.Statistics {
	case "", "quantum":
		return harmonic.Quantum, nil
	case "classical":
		return harmonic.Classical, nil
	default:
		return 0, fmt.Errorf("config: unknown statistics %q", c.Statistics)
	}
}

func (c *runConfig) shape() (phasespace.Shape, error) {
	switch c.Broadening.Shape {
	case "", "gauss":
		return phasespace.Gauss, nil
	case "lorentz":
		return phasespace.Lorentz, nil
	case "triangle":
		return phasespace.Triangle, nil
	default:
		return 0, fmt.Errorf("config: unknown broadening shape %q", c.Broadening.Shape)
	}
}

func (c *runConfig) solver() (bte.Solver, error) {
	switch c.Solver {
	case "", "rta":
		return bte.RTA{}, nil
	case "sc":
		return bte.SelfConsistent{
			MaxIter:  c.SC.MaxIterations,
			Tol:      c.SC.Tolerance,
			MaxModes: c.MaxMatrixModes,
		}, nil
	case "inverse":
		return bte.Inverse{Project: true, MaxModes: c.MaxMatrixModes}, nil
	default:
		return nil, fmt.Errorf("config: unknown solver %q", c.Solver)
	}
}
