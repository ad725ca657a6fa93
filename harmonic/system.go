package harmonic

import (
	"encoding/gob"
	"fmt"
	"os"
)

// System is the on-disk contract between an external force calculator
// / harmonic solver and this core: tabulated harmonic data on the full
// mesh plus the dense third-order tensor. The file format is a gob
// stream; producing it is the upstream tool's job.
type System struct {
	Branches  int
	Volume    float64       // unit-cell volume, m^3
	RecipCell [3][3]float64 // reciprocal lattice vectors, rad/m

	QPoints [][3]float64 // fractional coordinates, full mesh order
	Modes   []Modes      // aligned with QPoints

	ThirdN        int
	ThirdReplicas [][3]float64
	ThirdPhi      []float64
}

// LoadSystem reads a gob-encoded system file.
func LoadSystem(path string) (*System, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("harmonic: open system file: %w", err)
	}
	defer f.Close()
	var s System
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("harmonic: decode system file: %w", err)
	}
	if len(s.QPoints) != len(s.Modes) {
		return nil, fmt.Errorf("harmonic: system file has %d q-points but %d mode sets",
			len(s.QPoints), len(s.Modes))
	}
	return &s, nil
}

// SaveSystem writes a gob-encoded system file.
func SaveSystem(path string, s *System) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("harmonic: create system file: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(s); err != nil {
		return fmt.Errorf("harmonic: encode system file: %w", err)
	}
	return f.Close()
}

// Provider exposes the tabulated harmonic data as the pure Provider
// interface consumed by the pipeline.
func (s *System) Provider() Provider {
	t := &Tabulated{NBranches: s.Branches, Table: make(map[[3]float64]Modes, len(s.QPoints))}
	for i, q := range s.QPoints {
		t.Table[q] = s.Modes[i]
	}
	return t
}

// ThirdOrder builds the dense third-order projector from the stored
// tensor.
func (s *System) ThirdOrder() (*DenseThirdOrder, error) {
	return NewDenseThirdOrder(s.ThirdN, s.ThirdReplicas, s.ThirdPhi)
}
