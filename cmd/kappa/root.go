package main

import (
	"github.com/spf13/cobra"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "kappa",
	Short: "kappa - lattice thermal conductivity from the phonon BTE",
	Long: `kappa computes the lattice thermal conductivity of crystalline solids
from second- and third-order interatomic force constants by solving the
phonon Boltzmann transport equation. Harmonic data and force constants
are produced by an external calculator and loaded from a system file;
kappa evaluates three-phonon scattering rates and solves the BTE with
the relaxation-time approximation, self-consistent iteration, or direct
inversion of the scattering matrix.`,
	Version: version,
}

func init() {
	rootCmd.SetVersionTemplate("kappa version {{.Version}}\n")
	rootCmd.AddCommand(runCmd)
}
