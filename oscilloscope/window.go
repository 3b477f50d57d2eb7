package oscilloscope

import "fmt"

// Window is an inclusive range [Start, End] of 1-based sample indices in the
// instrument's waveform memory, as addressed by :WAV:STAR and :WAV:STOP
type Window struct {
	// Index is the position of the window in its partition, starting at 0
	Index int `json:"index"`

	// Start is the first sample in the window
	Start int `json:"start"`

	// End is the last sample in the window
	End int `json:"end"`
}

// Len is the number of samples in the window
func (w Window) Len() int {
	return w.End - w.Start + 1
}

// Partition splits [1, memoryDepth] into consecutive windows of maxChunk
// samples.  The final window holds whatever remains.  The windows are
// contiguous, ascending, non-overlapping, and cover every sample exactly once.
//
// A memory depth that fits in a single chunk still produces one window.
func Partition(memoryDepth, maxChunk int) ([]Window, error) {
	if memoryDepth < 1 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("memory depth must be positive, got %d", memoryDepth)}
	}
	if maxChunk < 1 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("chunk ceiling must be positive, got %d", maxChunk)}
	}
	n := (memoryDepth + maxChunk - 1) / maxChunk
	windows := make([]Window, n)
	for i := 0; i < n; i++ {
		start := i*maxChunk + 1
		end := start + maxChunk - 1
		if end > memoryDepth {
			end = memoryDepth
		}
		windows[i] = Window{Index: i, Start: start, End: end}
	}
	return windows, nil
}
