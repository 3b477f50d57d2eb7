package rigol

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/rigolcap/oscilloscope"
)

// Preamble is the parsed response to :WAV:PRE?
type Preamble struct {
	// Format is 0 for BYTE, 1 for WORD, 2 for ASC
	Format int `json:"format"`

	// Type is 0 for NORM, 1 for MAX, 2 for RAW
	Type int `json:"type"`

	// Points is the number of points the current read mode covers
	Points int `json:"points"`

	// Count is the number of averages, 1 outside average mode
	Count int `json:"count"`

	XIncrement float64 `json:"xIncrement"`
	XOrigin    float64 `json:"xOrigin"`
	XReference float64 `json:"xReference"`
	YIncrement float64 `json:"yIncrement"`
	YOrigin    float64 `json:"yOrigin"`
	YReference float64 `json:"yReference"`
}

// ParsePreamble parses the ten comma separated fields of :WAV:PRE?
func ParsePreamble(s string) (Preamble, error) {
	var p Preamble
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) != 10 {
		return p, errors.Errorf("rigol: preamble has %d fields, expected 10: %q", len(fields), s)
	}
	vals := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return p, errors.Wrapf(err, "rigol: preamble field %d", i)
		}
		vals[i] = v
	}
	p.Format = int(vals[0])
	p.Type = int(vals[1])
	p.Points = int(vals[2])
	p.Count = int(vals[3])
	p.XIncrement = vals[4]
	p.XOrigin = vals[5]
	p.XReference = vals[6]
	p.YIncrement = vals[7]
	p.YOrigin = vals[8]
	p.YReference = vals[9]
	return p, nil
}

// Calibrator returns the calibration the preamble's vertical registers describe
func (p Preamble) Calibrator() oscilloscope.PreambleCalibrator {
	return oscilloscope.PreambleCalibrator{
		YIncrement: p.YIncrement,
		YOrigin:    p.YOrigin,
		YReference: p.YReference,
	}
}

// Preamble reads the waveform preamble for the current waveform source
func (s *Scope) Preamble() (Preamble, error) {
	str, err := s.ReadString(":WAV:PRE?")
	if err != nil {
		return Preamble{}, err
	}
	return ParsePreamble(str)
}
