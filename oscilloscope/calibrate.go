package oscilloscope

import (
	"fmt"
	"math"
)

// Calibration is an affine map from raw ADC codes to physical units,
// physical = Scale*raw + Offset
type Calibration struct {
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`

	// MeasuredMin and MeasuredMax are the reference extrema in physical
	// units the map was fit to, when fit by extrema
	MeasuredMin float64 `json:"measuredMin"`
	MeasuredMax float64 `json:"measuredMax"`

	// RawMin and RawMax are the extrema of the raw codes the map was fit to
	RawMin int `json:"rawMin"`
	RawMax int `json:"rawMax"`
}

// NewCalibration fits the map that sends rawMin to vmin and rawMax to vmax.
// Equal raw extrema are a CalibrationError.
func NewCalibration(vmin, vmax float64, rawMin, rawMax int) (Calibration, error) {
	if rawMax == rawMin {
		return Calibration{}, &CalibrationError{
			Reason: fmt.Sprintf("all samples have raw code %d, scale is undefined", rawMin)}
	}
	if math.IsNaN(vmin) || math.IsNaN(vmax) || math.IsInf(vmin, 0) || math.IsInf(vmax, 0) {
		return Calibration{}, &CalibrationError{
			Reason: fmt.Sprintf("reference extrema %g, %g are not finite", vmin, vmax)}
	}
	scale := (vmax - vmin) / float64(rawMax-rawMin)
	return Calibration{
		Scale:       scale,
		Offset:      vmin - scale*float64(rawMin),
		MeasuredMin: vmin,
		MeasuredMax: vmax,
		RawMin:      rawMin,
		RawMax:      rawMax,
	}, nil
}

// Apply maps every raw code to physical units.  The output has the same
// length and order as raw.
func (c Calibration) Apply(raw []int) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = c.Scale*float64(v) + c.Offset
	}
	return out
}

// Extent is the range of raw codes over the samples that are trustworthy,
// those not belonging to a degraded window.  Valid is false when there were
// no such samples.
type Extent struct {
	Min, Max int
	Valid    bool
}

// Rescale maps raw codes linearly onto [measuredMin, measuredMax] using the
// extrema of raw itself.  raw must be non-empty and not constant.
func Rescale(raw []int, measuredMin, measuredMax float64) ([]float64, Calibration, error) {
	ext := extentOf(raw, nil)
	if !ext.Valid {
		return nil, Calibration{}, &CalibrationError{Reason: "no samples to rescale"}
	}
	cal, err := NewCalibration(measuredMin, measuredMax, ext.Min, ext.Max)
	if err != nil {
		return nil, cal, err
	}
	return cal.Apply(raw), cal, nil
}

// extentOf computes the extrema of raw, skipping the samples of any window
// in skip
func extentOf(raw []int, skip []Window) Extent {
	var ext Extent
	consider := func(v int) {
		if !ext.Valid {
			ext = Extent{Min: v, Max: v, Valid: true}
			return
		}
		if v < ext.Min {
			ext.Min = v
		}
		if v > ext.Max {
			ext.Max = v
		}
	}
	// skip is ascending and non-overlapping, so a single cursor suffices
	k := 0
	for i, v := range raw {
		idx := i + 1
		for k < len(skip) && skip[k].End < idx {
			k++
		}
		if k < len(skip) && skip[k].Start <= idx {
			continue
		}
		consider(v)
	}
	return ext
}

// Calibrator produces the map from raw codes to physical units once all
// windows of a trace have been read
type Calibrator interface {
	Calibrate(ext Extent) (Calibration, error)
}

// ReferenceSource reports the physical extrema of the acquired trace.
// Rigol scopes answer these with :MEAS:ITEM? VMIN and VMAX.
type ReferenceSource interface {
	QueryMinVoltage() (float64, error)
	QueryMaxVoltage() (float64, error)
}

// MinMaxCalibrator fits the raw extrema to the instrument's own measurement
// of the minimum and maximum voltage of the trace
type MinMaxCalibrator struct {
	Source ReferenceSource
}

// Calibrate queries the reference extrema and fits the map
func (e MinMaxCalibrator) Calibrate(ext Extent) (Calibration, error) {
	if !ext.Valid {
		return Calibration{}, &CalibrationError{Reason: "every window is degraded, there are no raw extrema"}
	}
	vmin, err := e.Source.QueryMinVoltage()
	if err != nil {
		return Calibration{}, &CalibrationError{Reason: "querying minimum voltage", Err: err}
	}
	vmax, err := e.Source.QueryMaxVoltage()
	if err != nil {
		return Calibration{}, &CalibrationError{Reason: "querying maximum voltage", Err: err}
	}
	return NewCalibration(vmin, vmax, ext.Min, ext.Max)
}

// PreambleCalibrator uses the vertical increment, origin, and reference
// reported in the waveform preamble, volts = (raw - YOrigin - YReference) * YIncrement.
// It does not depend on the raw extrema and works for a flat trace.
type PreambleCalibrator struct {
	YIncrement float64
	YOrigin    float64
	YReference float64
}

// Calibrate returns the map described by the preamble
func (p PreambleCalibrator) Calibrate(ext Extent) (Calibration, error) {
	if p.YIncrement == 0 || math.IsNaN(p.YIncrement) {
		return Calibration{}, &CalibrationError{Reason: "preamble vertical increment is zero"}
	}
	cal := Calibration{
		Scale:  p.YIncrement,
		Offset: -(p.YOrigin + p.YReference) * p.YIncrement,
	}
	if ext.Valid {
		cal.RawMin, cal.RawMax = ext.Min, ext.Max
		cal.MeasuredMin = cal.Scale*float64(ext.Min) + cal.Offset
		cal.MeasuredMax = cal.Scale*float64(ext.Max) + cal.Offset
	}
	return cal, nil
}
