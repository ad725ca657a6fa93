package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattix/kappa/bte"
	"github.com/lattix/kappa/harmonic"
	"github.com/lattix/kappa/phasespace"
	"github.com/lattix/kappa/qmesh"
	"github.com/lattix/kappa/scattering"
)

// twoModePipeline is a zone-center-only lattice with a single decay
// channel, small enough to solve instantly in checkpoint tests.
func twoModePipeline(t *testing.T) *bte.Pipeline {
	t.Helper()
	mesh, err := qmesh.New([3]int{1, 1, 1}, nil)
	require.NoError(t, err)

	w := 1e13
	provider := &harmonic.Tabulated{
		NBranches: 2,
		Table: map[[3]float64]harmonic.Modes{
			{0, 0, 0}: {
				Omega:    []float64{2 * w, w},
				Velocity: [][3]float64{{800, 0, 0}, {0, 0, 0}},
				Eigenvector: [][]complex128{
					{1, 0},
					{0, 1},
				},
			},
		},
	}
	phi := make([]float64, 8)
	phi[0*4+1*2+1] = 1e30
	third, err := harmonic.NewDenseThirdOrder(2, nil, phi)
	require.NoError(t, err)

	p, err := bte.NewPipeline(mesh, provider, third, bte.PipelineConfig{
		Statistics: harmonic.Quantum,
		Broadening: phasespace.Config{
			Shape: phasespace.Gauss, Sigma: 1e11, CutoffSigmas: 2,
		},
		OmegaFloor: 1e9,
		Workers:    1,
		Volume:     1e-29,
	}, nil)
	require.NoError(t, err)
	return p
}

// doubleRates writes a checkpoint whose totals are twice the given
// records', at the given nominal temperature.
func doubleRates(t *testing.T, path string, temperature float64, records []scattering.Record) {
	t.Helper()
	doubled := make([]scattering.Record, len(records))
	copy(doubled, records)
	for i := range doubled {
		doubled[i].Total *= 2
		doubled[i].Plus *= 2
		doubled[i].Minus *= 2
	}
	sum := &scattering.Summary{Temperature: temperature, Records: doubled}
	require.NoError(t, scattering.SaveRecords(path, harmonic.Quantum, sum))
}

func TestSweepPointReusesCheckpointRecords(t *testing.T) {
	p := twoModePipeline(t)
	ctx := context.Background()
	base := filepath.Join(t.TempDir(), "rates")

	fresh := sweepPoint(ctx, p, bte.RTA{}, harmonic.Quantum, "", 300)
	require.NoError(t, fresh.Err)

	// A checkpoint with doubled totals halves the lifetimes; the
	// conductivity halving proves the records were actually reused
	// instead of recomputed.
	doubleRates(t, checkpointFile(base, 300), 300, fresh.Result.Records)

	got := sweepPoint(ctx, p, bte.RTA{}, harmonic.Quantum, base, 300)
	require.NoError(t, got.Err)
	assert.InEpsilon(t, fresh.Result.Tensor[0][0]/2, got.Result.Tensor[0][0], 1e-12)
}

func TestSweepPointRecomputesForMatrixStrategies(t *testing.T) {
	p := twoModePipeline(t)
	ctx := context.Background()
	base := filepath.Join(t.TempDir(), "rates")
	sc := bte.SelfConsistent{MaxIter: 50, Tol: 1e-10}

	fresh := sweepPoint(ctx, p, sc, harmonic.Quantum, "", 300)
	require.NoError(t, fresh.Err)

	// The record payload cannot rebuild the off-diagonal couplings, so
	// matrix strategies must ignore the checkpoint and recompute.
	doubleRates(t, checkpointFile(base, 300), 300, fresh.Result.Records)

	got := sweepPoint(ctx, p, sc, harmonic.Quantum, base, 300)
	require.NoError(t, got.Err)
	assert.InEpsilon(t, fresh.Result.Tensor[0][0], got.Result.Tensor[0][0], 1e-12)
}

func TestSweepPointRejectsMismatchedCheckpoint(t *testing.T) {
	p := twoModePipeline(t)
	ctx := context.Background()
	base := filepath.Join(t.TempDir(), "rates")

	fresh := sweepPoint(ctx, p, bte.RTA{}, harmonic.Quantum, "", 300)
	require.NoError(t, fresh.Err)

	// Same file name, wrong nominal temperature: the poisoned records
	// must be rejected and the point recomputed.
	doubleRates(t, checkpointFile(base, 300), 400, fresh.Result.Records)

	got := sweepPoint(ctx, p, bte.RTA{}, harmonic.Quantum, base, 300)
	require.NoError(t, got.Err)
	assert.InEpsilon(t, fresh.Result.Tensor[0][0], got.Result.Tensor[0][0], 1e-12)

	// The recomputation writes the checkpoint back in matching form.
	temp, stats, records, err := scattering.LoadRecords(checkpointFile(base, 300))
	require.NoError(t, err)
	assert.Equal(t, 300.0, temp)
	assert.Equal(t, harmonic.Quantum, stats)
	assert.Equal(t, got.Result.Records, records)
}
