package oscilloscope

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/snksoft/crc"
)

var crcTable = crc.NewTable(crc.XMODEM)

// Session is an exclusively held connection to an instrument whose
// acquisition buffer has stopped.  The window position lives on the
// instrument, so calls must be strictly sequential.
type Session interface {
	// SetWindow positions the instrument to read samples [start, end].  It
	// returns a ProtocolError without touching the instrument if the window
	// exceeds the chunk ceiling
	SetWindow(start, end int) error

	// ReadChunk reads the samples of the current window
	ReadChunk() ([]int, error)

	ReferenceSource
}

// Releaser is implemented by sessions that hold a lock or connection for the
// duration of a fetch
type Releaser interface {
	Release()
}

// Ceiling is implemented by sessions that know the largest window their
// instrument will serve
type Ceiling interface {
	MaxChunk() int
}

// Trace is the result of one fetch
type Trace struct {
	// Raw holds one code per sample, memoryDepth long.  Samples of degraded
	// windows are zero
	Raw []int `json:"raw"`

	// Physical is Raw mapped through Calibration.  It is nil when
	// calibration failed
	Physical []float64 `json:"physical"`

	Calibration Calibration `json:"calibration"`

	// Windows is the partition the trace was read in
	Windows []Window `json:"windows"`

	// Degraded holds the indices of windows whose read failed, ascending
	Degraded []int `json:"degraded"`

	// Failures holds the error for each entry in Degraded
	Failures []error `json:"-"`
}

// IsDegraded returns true if any window failed to read
func (t Trace) IsDegraded() bool {
	return len(t.Degraded) > 0
}

// DegradedWindows returns the windows whose read failed
func (t Trace) DegradedWindows() []Window {
	out := make([]Window, 0, len(t.Degraded))
	for _, idx := range t.Degraded {
		out = append(out, t.Windows[idx])
	}
	return out
}

// Checksum is the CRC-16/XMODEM of the raw codes, each as a big endian uint16
func (t Trace) Checksum() uint16 {
	buf := make([]byte, 2*len(t.Raw))
	for i, v := range t.Raw {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return uint16(crcTable.CalculateCRC(buf))
}

// FetchTrace reads memoryDepth samples from s in windows of at most maxChunk
// and converts them to physical units with cal.  A nil cal fits the raw
// extrema to the session's own min and max voltage measurement.
//
// A window whose positioning or read fails is zero filled and recorded in
// Trace.Degraded; the fetch continues with the next window.  Invalid sizes
// are a ProtocolError returned before any request is made.  A failure to
// calibrate returns the raw trace alongside a CalibrationError.
//
// The raw extent handed to cal covers only samples of windows that were
// read; the zero fill of degraded windows never becomes the raw minimum.
//
// If s is a Releaser, it is released before FetchTrace returns.
func FetchTrace(s Session, memoryDepth, maxChunk int, cal Calibrator) (Trace, error) {
	if r, ok := s.(Releaser); ok {
		defer r.Release()
	}
	if c, ok := s.(Ceiling); ok && maxChunk > c.MaxChunk() {
		return Trace{}, &ProtocolError{
			Reason: fmt.Sprintf("chunk size %d exceeds the instrument ceiling of %d", maxChunk, c.MaxChunk())}
	}
	windows, err := Partition(memoryDepth, maxChunk)
	if err != nil {
		return Trace{}, err
	}
	t := Trace{Raw: make([]int, 0, memoryDepth), Windows: windows}
	for _, w := range windows {
		chunk, err := readWindow(s, w)
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				return Trace{}, err
			}
			t.Degraded = append(t.Degraded, w.Index)
			t.Failures = append(t.Failures, err)
			t.Raw = append(t.Raw, make([]int, w.Len())...)
			continue
		}
		t.Raw = append(t.Raw, chunk...)
	}

	if cal == nil {
		cal = MinMaxCalibrator{Source: s}
	}
	ext := extentOf(t.Raw, t.DegradedWindows())
	t.Calibration, err = cal.Calibrate(ext)
	if err != nil {
		var cerr *CalibrationError
		if !errors.As(err, &cerr) {
			err = &CalibrationError{Reason: "calibrator failed", Err: err}
		}
		return t, err
	}
	t.Physical = t.Calibration.Apply(t.Raw)
	return t, nil
}

// readWindow positions and reads a single window.  Anything but a
// ProtocolError is returned as a TransportError
func readWindow(s Session, w Window) ([]int, error) {
	err := s.SetWindow(w.Start, w.End)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, &TransportError{Op: "set window", Window: w.Index, Err: err}
	}
	chunk, err := s.ReadChunk()
	if err != nil {
		return nil, &TransportError{Op: "read chunk", Window: w.Index, Err: err}
	}
	if len(chunk) != w.Len() {
		return nil, &TransportError{Op: "read chunk", Window: w.Index,
			Err: errors.Errorf("expected %d samples, got %d", w.Len(), len(chunk))}
	}
	return chunk, nil
}
