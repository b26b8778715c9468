package profile

import (
	"sort"

	"github.com/pkg/errors"
)

// HardwareCalib holds the device figures of the roofline estimate.
type HardwareCalib struct {
	TFlopsPeak float64 `yaml:"tflops_peak"` // Peak TFLOP/s
	BwPeakTBs  float64 `yaml:"bw_peak_tbs"` // Peak memory bandwidth in TB/s

	// BwEfficiency is the sustained-to-peak bandwidth ratio. 0 means
	// disabled (use raw peak).
	BwEfficiency float64 `yaml:"bw_efficiency"`

	// MFU is the achievable fraction of peak compute. 0 means 1.
	MFU float64 `yaml:"mfu"`

	// PerOpOverheadUs is the fixed dispatch cost of one operator in
	// microseconds.
	PerOpOverheadUs float64 `yaml:"per_op_overhead_us"`
}

// Validate checks that the calibration can drive an estimate.
func (h HardwareCalib) Validate() error {
	switch {
	case h.TFlopsPeak <= 0:
		return errors.Errorf("tflops_peak must be positive, got %v", h.TFlopsPeak)
	case h.BwPeakTBs <= 0:
		return errors.Errorf("bw_peak_tbs must be positive, got %v", h.BwPeakTBs)
	case h.BwEfficiency < 0 || h.BwEfficiency > 1:
		return errors.Errorf("bw_efficiency must be in [0, 1], got %v", h.BwEfficiency)
	case h.MFU < 0 || h.MFU > 1:
		return errors.Errorf("mfu must be in [0, 1], got %v", h.MFU)
	case h.PerOpOverheadUs < 0:
		return errors.Errorf("per_op_overhead_us must be non-negative, got %v", h.PerOpOverheadUs)
	}
	return nil
}

// LookupHardware returns the calibration named name from table.
func LookupHardware(table map[string]HardwareCalib, name string) (HardwareCalib, error) {
	hw, ok := table[name]
	if !ok {
		available := make([]string, 0, len(table))
		for k := range table {
			available = append(available, k)
		}
		sort.Strings(available)
		return HardwareCalib{}, errors.Errorf("hardware %q not found in config (available: %v)", name, available)
	}
	if err := hw.Validate(); err != nil {
		return HardwareCalib{}, errors.Wrapf(err, "hardware %q", name)
	}
	return hw, nil
}
