package oscilloscope

import "fmt"

// ProtocolError is generated when a request would violate the instrument's
// read protocol: a window larger than the chunk ceiling, or a non-positive
// memory depth or chunk ceiling.  It is fatal to a fetch, and is raised
// before any request for the offending window is sent.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "oscilloscope protocol error: " + e.Reason
}

// TransportError is generated when a single request to the instrument fails,
// by timeout or malformed response.  Window is the index of the window being
// read, or -1 for reference queries that are not tied to a window.
type TransportError struct {
	Op     string
	Window int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Window < 0 {
		return fmt.Sprintf("oscilloscope transport error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("oscilloscope transport error during %s of window %d: %v", e.Op, e.Window, e.Err)
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// CalibrationError is generated when raw codes cannot be mapped to physical
// units, most often because every sample has the same code and the scale
// would be a division by zero.
type CalibrationError struct {
	Reason string
	Err    error
}

func (e *CalibrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oscilloscope calibration error: %s: %v", e.Reason, e.Err)
	}
	return "oscilloscope calibration error: " + e.Reason
}

// Unwrap returns the underlying error, if any
func (e *CalibrationError) Unwrap() error {
	return e.Err
}
