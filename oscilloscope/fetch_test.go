package oscilloscope

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeSession serves codes[i-1] for sample i, failing reads of any window
// that starts at a sample in failAt
type fakeSession struct {
	codes    []int
	failAt   map[int]bool
	ceiling  int
	vmin     float64
	vmax     float64
	refErr   error
	start    int
	end      int
	calls    []string
	released int
}

func newFakeSession(depth int) *fakeSession {
	codes := make([]int, depth)
	for i := range codes {
		codes[i] = 10 + i%200
	}
	return &fakeSession{codes: codes, failAt: map[int]bool{}, vmin: -1, vmax: 1}
}

func (f *fakeSession) SetWindow(start, end int) error {
	if f.ceiling > 0 && end-start+1 > f.ceiling {
		return &ProtocolError{Reason: "window too large"}
	}
	f.calls = append(f.calls, fmt.Sprintf("set %d %d", start, end))
	f.start, f.end = start, end
	return nil
}

func (f *fakeSession) ReadChunk() ([]int, error) {
	f.calls = append(f.calls, "read")
	if f.failAt[f.start] {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]int, f.end-f.start+1)
	copy(out, f.codes[f.start-1:f.end])
	return out, nil
}

func (f *fakeSession) QueryMinVoltage() (float64, error) {
	f.calls = append(f.calls, "vmin")
	return f.vmin, f.refErr
}

func (f *fakeSession) QueryMaxVoltage() (float64, error) {
	f.calls = append(f.calls, "vmax")
	return f.vmax, f.refErr
}

func (f *fakeSession) Release() {
	f.released++
}

func TestFetchTraceAllSuccess(t *testing.T) {
	s := newFakeSession(1200)
	tr, err := FetchTrace(s, 1200, 489, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Physical) != 1200 || len(tr.Raw) != 1200 {
		t.Fatalf("expected 1200 samples, got %d raw %d physical", len(tr.Raw), len(tr.Physical))
	}
	if diff := cmp.Diff(s.codes, tr.Raw); diff != "" {
		t.Errorf("raw trace out of order (-want +got):\n%s", diff)
	}
	if tr.IsDegraded() {
		t.Errorf("expected no degraded windows, got %v", tr.Degraded)
	}
	if s.released != 1 {
		t.Errorf("expected the session to be released once, got %d", s.released)
	}
	wantCalls := []string{"set 1 489", "read", "set 490 978", "read", "set 979 1200", "read", "vmin", "vmax"}
	if diff := cmp.Diff(wantCalls, s.calls); diff != "" {
		t.Errorf("request sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchTraceDegradesFailedWindow(t *testing.T) {
	s := newFakeSession(1200)
	s.failAt[490] = true
	tr, err := FetchTrace(s, 1200, 489, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1}, tr.Degraded); diff != "" {
		t.Errorf("degraded windows mismatch (-want +got):\n%s", diff)
	}
	if len(tr.Raw) != 1200 {
		t.Fatalf("expected a full length trace, got %d", len(tr.Raw))
	}
	for i := 489; i < 978; i++ {
		if tr.Raw[i] != 0 {
			t.Fatalf("expected zero fill at sample %d, got %d", i+1, tr.Raw[i])
		}
	}
	if tr.Raw[488] != s.codes[488] || tr.Raw[978] != s.codes[978] {
		t.Error("windows around the degraded one were not preserved")
	}
	var terr *TransportError
	if len(tr.Failures) != 1 || !errors.As(tr.Failures[0], &terr) || terr.Window != 1 {
		t.Errorf("expected a TransportError for window 1, got %v", tr.Failures)
	}
	// zero fill must not drag the raw minimum down to 0
	if tr.Calibration.RawMin != 10 {
		t.Errorf("expected raw min 10 from valid windows, got %d", tr.Calibration.RawMin)
	}
}

func TestFetchTraceDegradesTruncatedFinalWindow(t *testing.T) {
	s := newFakeSession(1200)
	s.failAt[979] = true
	tr, err := FetchTrace(s, 1200, 489, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Raw) != 1200 {
		t.Fatalf("expected a full length trace, got %d", len(tr.Raw))
	}
	if diff := cmp.Diff([]Window{{Index: 2, Start: 979, End: 1200}}, tr.DegradedWindows()); diff != "" {
		t.Errorf("degraded windows mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchTraceShortChunkDegrades(t *testing.T) {
	s := &shortSession{fakeSession: newFakeSession(100), shortAt: 51}
	tr, err := FetchTrace(s, 100, 50, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1}, tr.Degraded); diff != "" {
		t.Errorf("expected the short window degraded (-want +got):\n%s", diff)
	}
	if len(tr.Raw) != 100 {
		t.Fatalf("expected a full length trace, got %d", len(tr.Raw))
	}
	for i := 50; i < 100; i++ {
		if tr.Raw[i] != 0 {
			t.Fatalf("expected zero fill at sample %d, got %d", i+1, tr.Raw[i])
		}
	}
}

func TestFetchTraceAllShortChunksFailCalibration(t *testing.T) {
	s := &shortSession{fakeSession: newFakeSession(100)}
	tr, err := FetchTrace(s, 100, 50, nil)
	var cerr *CalibrationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CalibrationError with every window degraded, got %v", err)
	}
	if diff := cmp.Diff([]int{0, 1}, tr.Degraded); diff != "" {
		t.Errorf("expected every short window degraded (-want +got):\n%s", diff)
	}
	if tr.Physical != nil {
		t.Error("expected no physical trace when calibration fails")
	}
}

// shortSession drops the last sample of the window starting at shortAt, or
// of every window when shortAt is zero
type shortSession struct {
	*fakeSession
	shortAt int
}

func (s *shortSession) ReadChunk() ([]int, error) {
	chunk, err := s.fakeSession.ReadChunk()
	if err != nil || (s.shortAt != 0 && s.start != s.shortAt) {
		return chunk, err
	}
	return chunk[:len(chunk)-1], nil
}

func TestFetchTraceProtocolErrorBeforeIO(t *testing.T) {
	cases := []struct {
		name       string
		depth, max int
	}{
		{"zero depth", 0, 489},
		{"zero chunk", 1200, 0},
		{"negative depth", -4, 489},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newFakeSession(10)
			_, err := FetchTrace(s, c.depth, c.max, nil)
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProtocolError, got %v", err)
			}
			if len(s.calls) != 0 {
				t.Errorf("expected no requests, got %v", s.calls)
			}
			if s.released != 1 {
				t.Error("session was not released after a protocol error")
			}
		})
	}
}

type ceilingSession struct {
	*fakeSession
}

func (ceilingSession) MaxChunk() int { return 250000 }

func TestFetchTraceRespectsCeiling(t *testing.T) {
	s := ceilingSession{newFakeSession(10)}
	_, err := FetchTrace(s, 500000, 300000, nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if len(s.calls) != 0 {
		t.Errorf("expected no requests, got %v", s.calls)
	}
}

func TestFetchTraceSessionProtocolErrorIsFatal(t *testing.T) {
	s := newFakeSession(1200)
	s.ceiling = 100
	_, err := FetchTrace(s, 1200, 489, nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if len(s.calls) != 0 {
		t.Errorf("expected no requests, got %v", s.calls)
	}
}

func TestFetchTraceFlatIsCalibrationError(t *testing.T) {
	s := newFakeSession(300)
	for i := range s.codes {
		s.codes[i] = 100
	}
	tr, err := FetchTrace(s, 300, 100, nil)
	var cerr *CalibrationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CalibrationError, got %v", err)
	}
	if tr.Physical != nil {
		t.Error("expected no physical trace on calibration failure")
	}
	if len(tr.Raw) != 300 {
		t.Errorf("expected the raw trace to be returned, got %d samples", len(tr.Raw))
	}
}

func TestFetchTraceEveryWindowDegraded(t *testing.T) {
	s := newFakeSession(20)
	s.failAt[1] = true
	s.failAt[11] = true
	tr, err := FetchTrace(s, 20, 10, nil)
	var cerr *CalibrationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CalibrationError, got %v", err)
	}
	if len(tr.Degraded) != 2 {
		t.Errorf("expected both windows degraded, got %v", tr.Degraded)
	}
}

func TestFetchTraceReferenceFailureIsCalibrationError(t *testing.T) {
	s := newFakeSession(20)
	s.refErr = io.ErrUnexpectedEOF
	_, err := FetchTrace(s, 20, 10, nil)
	var cerr *CalibrationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CalibrationError, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("expected the reference failure to be wrapped")
	}
}

func TestFetchTracePluggableCalibrator(t *testing.T) {
	s := newFakeSession(20)
	tr, err := FetchTrace(s, 20, 10, PreambleCalibrator{YIncrement: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range s.calls {
		if c == "vmin" || c == "vmax" {
			t.Fatal("preamble calibration should not query reference extrema")
		}
	}
	if tr.Physical[0] != 0.5*float64(s.codes[0]) {
		t.Errorf("expected %g, got %g", 0.5*float64(s.codes[0]), tr.Physical[0])
	}
}

func TestChecksumStable(t *testing.T) {
	a := Trace{Raw: []int{1, 2, 3, 255}}
	b := Trace{Raw: []int{1, 2, 3, 255}}
	if a.Checksum() != b.Checksum() {
		t.Error("identical traces have different checksums")
	}
	b.Raw[3] = 254
	if a.Checksum() == b.Checksum() {
		t.Error("different traces have the same checksum")
	}
}
