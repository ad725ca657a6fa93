package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattix/kappa/bte"
	"github.com/lattix/kappa/harmonic"
	"github.com/lattix/kappa/phasespace"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kappa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
mesh: [4, 4, 4]
symmetry: cubic
temperatures: [100, 300, 500]
statistics: classical
broadening:
  shape: lorentz
  sigma: 0
  min_sigma: 1.0e10
  cutoff: 2
solver: sc
sc:
  max_iterations: 300
  tolerance: 1.0e-8
omega_floor: 1.0e9
workers: 4
system: system.gob
checkpoint: rates
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, [3]int{4, 4, 4}, cfg.Mesh)
	assert.Equal(t, []float64{100, 300, 500}, cfg.Temperatures)

	ops, err := cfg.symmetryOps()
	require.NoError(t, err)
	assert.Len(t, ops, 48)

	stats, err := cfg.statistics()
	require.NoError(t, err)
	assert.Equal(t, harmonic.Classical, stats)

	shape, err := cfg.shape()
	require.NoError(t, err)
	assert.Equal(t, phasespace.Lorentz, shape)

	solver, err := cfg.solver()
	require.NoError(t, err)
	sc, ok := solver.(bte.SelfConsistent)
	require.True(t, ok)
	assert.Equal(t, 300, sc.MaxIter)
	assert.Equal(t, 1e-8, sc.Tol)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "mesh: [2, 2, 2]\nsystem: system.gob\n"))
	require.NoError(t, err)

	assert.Equal(t, []float64{300}, cfg.Temperatures, "temperature list defaults to room temperature")

	ops, err := cfg.symmetryOps()
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	stats, err := cfg.statistics()
	require.NoError(t, err)
	assert.Equal(t, harmonic.Quantum, stats)

	shape, err := cfg.shape()
	require.NoError(t, err)
	assert.Equal(t, phasespace.Gauss, shape)

	solver, err := cfg.solver()
	require.NoError(t, err)
	assert.Equal(t, "rta", solver.Name())
}

func TestLoadConfigRejectsMissingSystem(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "mesh: [2, 2, 2]\n"))
	assert.Error(t, err)
}

func TestConfigRejectsUnknownEnums(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "mesh: [2, 2, 2]\nsystem: s.gob\n"))
	require.NoError(t, err)

	cfg.Symmetry = "hexagonal"
	_, err = cfg.symmetryOps()
	assert.Error(t, err)

	cfg.Statistics = "boltzmann"
	_, err = cfg.statistics()
	assert.Error(t, err)

	cfg.Broadening.Shape = "box"
	_, err = cfg.shape()
	assert.Error(t, err)

	cfg.Solver = "exact"
	_, err = cfg.solver()
	assert.Error(t, err)
}
