package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lattix/kappa/bte"
	"github.com/lattix/kappa/harmonic"
	"github.com/lattix/kappa/phasespace"
	"github.com/lattix/kappa/qmesh"
	"github.com/lattix/kappa/scattering"
)

var configPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a temperature sweep from a YAML config and a system file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		return run(cmd, cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "kappa.yaml", "run configuration file")
}

func run(cmd *cobra.Command, cfg *runConfig) error {
	ops, err := cfg.symmetryOps()
	if err != nil {
		return err
	}
	stats, err := cfg.statistics()
	if err != nil {
		return err
	}
	shape, err := cfg.shape()
	if err != nil {
		return err
	}
	solver, err := cfg.solver()
	if err != nil {
		return err
	}

	mesh, err := qmesh.New(cfg.Mesh, ops)
	if err != nil {
		return err
	}
	system, err := harmonic.LoadSystem(cfg.System)
	if err != nil {
		return err
	}
	third, err := system.ThirdOrder()
	if err != nil {
		return err
	}

	pipeline, err := bte.NewPipeline(mesh, system.Provider(), third, bte.PipelineConfig{
		Statistics: stats,
		Broadening: phasespace.Config{
			Shape:        shape,
			Sigma:        cfg.Broadening.Sigma,
			MinSigma:     cfg.Broadening.MinSigma,
			CutoffSigmas: cfg.Broadening.Cutoff,
		},
		OmegaFloor:     cfg.OmegaFloor,
		MinOmega:       cfg.MinOmega,
		MaxOmega:       cfg.MaxOmega,
		DegeneracyTol:  cfg.DegeneracyTol,
		Workers:        cfg.Workers,
		Volume:         system.Volume,
		RecipCell:      system.RecipCell,
		MaxMatrixModes: cfg.MaxMatrixModes,
	}, slog.Default())
	if err != nil {
		return err
	}

	slog.Info("starting sweep",
		"mesh", fmt.Sprintf("%dx%dx%d", cfg.Mesh[0], cfg.Mesh[1], cfg.Mesh[2]),
		"modes", mesh.N()*system.Branches,
		"solver", solver.Name(),
		"temperatures", len(cfg.Temperatures))

	for _, temp := range cfg.Temperatures {
		printEntry(cmd, sweepPoint(cmd.Context(), pipeline, solver, stats, cfg.Checkpoint, temp))
	}
	return nil
}

func checkpointFile(base string, temperature float64) string {
	return fmt.Sprintf("%s-T%g.gob.gz", base, temperature)
}

// sweepPoint solves one temperature, re-solving from checkpointed rate
// records when a matching checkpoint exists so that switching among the
// rate-based strategies does not repeat phase-space enumeration. Matrix
// strategies always recompute: the off-diagonal couplings are not part
// of the record payload. A fresh computation writes its records back.
func sweepPoint(ctx context.Context, p *bte.Pipeline, solver bte.Solver,
	stats harmonic.Statistics, base string, temperature float64) bte.SweepEntry {
	if base != "" && !solver.NeedsMatrix() {
		path := checkpointFile(base, temperature)
		if records, ok := reloadRecords(path, temperature, stats); ok {
			if in, err := p.InputsFromRecords(temperature, records); err != nil {
				slog.Warn("checkpoint unusable, recomputing", "path", path, "err", err)
			} else if res, err := solver.Solve(in); err != nil {
				slog.Warn("checkpoint unusable, recomputing", "path", path, "err", err)
			} else {
				slog.Info("re-solved from checkpoint", "path", path, "temperature", temperature)
				return bte.SweepEntry{Temperature: temperature, Result: res}
			}
		}
	}

	e := p.Sweep(ctx, []float64{temperature}, solver)[0]
	if base != "" && e.Result != nil {
		path := checkpointFile(base, temperature)
		sum := &scattering.Summary{Temperature: temperature, Records: e.Result.Records}
		if err := scattering.SaveRecords(path, stats, sum); err != nil {
			slog.Warn("checkpoint write failed", "path", path, "err", err)
		}
	}
	return e
}

// reloadRecords loads a record checkpoint and accepts it only when its
// temperature and statistics match the requested point.
func reloadRecords(path string, temperature float64, stats harmonic.Statistics) ([]scattering.Record, bool) {
	temp, s, records, err := scattering.LoadRecords(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("checkpoint unreadable, recomputing", "path", path, "err", err)
		}
		return nil, false
	}
	if temp != temperature || s != stats {
		slog.Warn("checkpoint mismatch, recomputing",
			"path", path, "temperature", temp, "statistics", s.String())
		return nil, false
	}
	return records, true
}

func printEntry(cmd *cobra.Command, e bte.SweepEntry) {
	if e.Err != nil {
		cmd.Printf("T = %8.2f K   FAILED: %v\n", e.Temperature, e.Err)
		return
	}
	r := e.Result
	flag := ""
	if !r.Converged {
		flag = "   (not converged)"
	}
	cmd.Printf("T = %8.2f K   solver=%s iterations=%d%s\n", r.Temperature, r.Strategy, r.Iterations, flag)
	for a := 0; a < 3; a++ {
		cmd.Printf("    %12.6f %12.6f %12.6f  W/m/K\n", r.Tensor[a][0], r.Tensor[a][1], r.Tensor[a][2])
	}
	if len(r.Degenerate) > 0 {
		cmd.Printf("    %d degenerate mode pairs flagged\n", len(r.Degenerate))
	}
}
