package scattering

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/lattix/kappa/harmonic"
)

// checkpointVersion guards against loading records written by an
// incompatible layout.
const checkpointVersion = 1

type checkpoint struct {
	Version     int
	Temperature float64
	Statistics  harmonic.Statistics
	Records     []Record
}

// SaveRecords persists a rate summary so that a later run can re-solve
// the BTE with a different strategy without repeating phase-space
// enumeration. The file is a gzip-compressed gob stream.
func SaveRecords(path string, stats harmonic.Statistics, sum *Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("scattering: create checkpoint: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	cp := checkpoint{
		Version:     checkpointVersion,
		Temperature: sum.Temperature,
		Statistics:  stats,
		Records:     sum.Records,
	}
	if err := gob.NewEncoder(zw).Encode(cp); err != nil {
		return fmt.Errorf("scattering: encode checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("scattering: flush checkpoint: %w", err)
	}
	return f.Close()
}

// LoadRecords reads a checkpoint written by SaveRecords. The caller
// must verify that temperature and statistics match its configuration
// before reusing the records.
func LoadRecords(path string) (temperature float64, stats harmonic.Statistics, records []Record, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("scattering: open checkpoint: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("scattering: checkpoint not gzip: %w", err)
	}
	defer zr.Close()

	var cp checkpoint
	if err := gob.NewDecoder(zr).Decode(&cp); err != nil {
		return 0, 0, nil, fmt.Errorf("scattering: decode checkpoint: %w", err)
	}
	if cp.Version != checkpointVersion {
		return 0, 0, nil, fmt.Errorf("scattering: checkpoint version %d, want %d", cp.Version, checkpointVersion)
	}
	return cp.Temperature, cp.Statistics, cp.Records, nil
}
