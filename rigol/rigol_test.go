package rigol

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/l0nax/go-spew/spew"

	"github.com/nasa-jpl/rigolcap/oscilloscope"
)

var pprint = spew.ConfigState{
	Indent:                  "\t",
	SortKeys:                true,
	DisablePointerAddresses: true,
}

func mockScope(t *testing.T) (*Mock, *Scope) {
	t.Helper()
	m := NewMock(12000)
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.MaxChunk = 489
	return m, NewMockScope(m, cfg)
}

// roundTrip makes a query so that every command written before it has been
// applied by the mock
func roundTrip(t *testing.T, s *Scope) {
	t.Helper()
	if _, err := s.ReadString("*OPC?"); err != nil {
		t.Fatal(err)
	}
}

func TestChannelName(t *testing.T) {
	cases := map[string]string{"1": "CHAN1", "chan2": "CHAN2", "CHAN3": "CHAN3", " channel4 ": "CHAN4"}
	for in, want := range cases {
		got, err := ChannelName(in)
		if err != nil || got != want {
			t.Errorf("ChannelName(%q) = %q, %v; expected %q", in, got, err, want)
		}
	}
	for _, in := range []string{"0", "5", "MATH", ""} {
		if _, err := ChannelName(in); err != ErrBadChannel {
			t.Errorf("ChannelName(%q) expected ErrBadChannel, got %v", in, err)
		}
	}
}

func TestConfigMaker(t *testing.T) {
	for _, tr := range []string{"tcp", "USB", "serial", ""} {
		cfg := DefaultConfig()
		cfg.Transport = tr
		if _, err := cfg.Maker(); err != nil {
			t.Errorf("transport %q: %v", tr, err)
		}
	}
	cfg := DefaultConfig()
	cfg.Transport = "gpib"
	if _, err := NewScope(cfg); err == nil {
		t.Error("expected an error for an unknown transport")
	}
}

func TestMemoryDepthFor(t *testing.T) {
	if got := MemoryDepthFor(1e7, 1e-4); got != 12000 {
		t.Errorf("expected 12000, got %d", got)
	}
	if got := MemoryDepthFor(5e8, 2e-5); got != 120000 {
		t.Errorf("expected 120000, got %d", got)
	}
}

func TestParsePreamble(t *testing.T) {
	p, err := ParsePreamble("0,2,12000,1,1.000000e-07,-6.000000e-04,0,4.000000e-02,0.000000e+00,1.270000e+02\n")
	if err != nil {
		t.Fatal(err)
	}
	want := Preamble{Format: 0, Type: 2, Points: 12000, Count: 1,
		XIncrement: 1e-7, XOrigin: -6e-4, YIncrement: 0.04, YReference: 127}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("preamble mismatch (-want +got):\n%s\n%s", diff, pprint.Sdump(p))
	}
	if _, err := ParsePreamble("0,2,12000"); err == nil {
		t.Error("expected an error for a short preamble")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	m, s := mockScope(t)
	if err := s.SetTimebaseScale(2e-5); err != nil {
		t.Fatal(err)
	}
	ts, err := s.GetTimebaseScale()
	if err != nil || ts != 2e-5 {
		t.Errorf("expected 2e-5, got %g (%v)", ts, err)
	}
	if err := s.SetChannelScale("1", 50); err != nil {
		t.Fatal(err)
	}
	roundTrip(t, s)
	if m.Setting(":CHAN1:SCAL") != "50" {
		t.Errorf("expected :CHAN1:SCAL 50, got %q", m.Setting(":CHAN1:SCAL"))
	}
	if err := s.SetTriggerSource("2"); err != nil {
		t.Fatal(err)
	}
	src, err := s.GetTriggerSource()
	if err != nil || src != "CHAN2" {
		t.Errorf("expected CHAN2, got %q (%v)", src, err)
	}
	on, err := s.GetChannelDisplay("1")
	if err != nil || !on {
		t.Errorf("expected CHAN1 displayed, got %v (%v)", on, err)
	}
	if err := s.SetMemoryDepth(0); err != nil {
		t.Fatal(err)
	}
	depth, err := s.GetMemoryDepth()
	if err != nil || depth != 0 {
		t.Errorf("expected AUTO depth as 0, got %d (%v)", depth, err)
	}
	idn, err := s.Identify()
	if err != nil || !strings.HasPrefix(idn, "RIGOL") {
		t.Errorf("unexpected identity %q (%v)", idn, err)
	}
}

func TestResetAppliesLabDefaults(t *testing.T) {
	m, s := mockScope(t)
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	checks := map[string]string{
		":TRIG:EDG:SLOP": "NEG",
		":TIM:SCAL":      "2E-05",
		":ACQ:MDEP":      "12000",
		":WAV:MODE":      "RAW",
	}
	for k, want := range checks {
		if got := m.Setting(k); got != want {
			t.Errorf("%s: expected %q, got %q", k, want, got)
		}
	}
}

func TestWaitForStop(t *testing.T) {
	_, s := mockScope(t)
	if err := s.Single(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitForStop(ctx, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := s.WaitForStop(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while running, got %v", err)
	}
}

func TestSessionIsExclusive(t *testing.T) {
	_, s := mockScope(t)
	ctx := context.Background()
	sess, err := s.NewSession(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewSession(ctx, "1"); err != ErrBusy {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	sess.Release()
	sess.Release()
	again, err := s.NewSession(ctx, "1")
	if err != nil {
		t.Fatalf("expected the lock to be free after release, got %v", err)
	}
	again.Release()
}

func TestSessionRejectsOversizeWindow(t *testing.T) {
	m, s := mockScope(t)
	sess, err := s.NewSession(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Release()
	err = sess.SetWindow(1, 490)
	var perr *oscilloscope.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if len(m.Commands()) != 0 {
		t.Errorf("expected nothing sent, got %v", m.Commands())
	}
}

func TestFetchTraceFromMock(t *testing.T) {
	m, s := mockScope(t)
	sess, err := s.NewSession(context.Background(), "CHAN1")
	if err != nil {
		t.Fatal(err)
	}
	tr, err := oscilloscope.FetchTrace(sess, 12000, s.MaxChunk, nil)
	if err != nil {
		t.Fatal(err)
	}
	mem := m.Memory("CHAN1")
	for i, v := range tr.Raw {
		if v != int(mem[i]) {
			t.Fatalf("sample %d: expected %d, got %d", i+1, mem[i], v)
		}
	}
	if len(tr.Windows) != 25 {
		t.Errorf("expected 25 windows of 489, got %d", len(tr.Windows))
	}
	if tr.Calibration.MeasuredMin != -4 || tr.Calibration.MeasuredMax != 4 {
		t.Errorf("unexpected reference extrema\n%s", pprint.Sdump(tr.Calibration))
	}
	// the lock must have been released by the fetch
	if _, err := s.NewSession(context.Background(), "1"); err != nil {
		t.Errorf("fetch did not release the session: %v", err)
	}
	// reading the window stop after data crashes real scopes
	log := m.Commands()
	sawData := false
	for _, c := range log {
		if c == ":WAV:DATA?" {
			sawData = true
		}
		if sawData && (c == ":WAV:STOP?" || c == ":WAV:STAR?") {
			t.Fatal("window bounds queried after a data read")
		}
	}
}

func TestFetchTraceDegradesOnGarbage(t *testing.T) {
	m, s := mockScope(t)
	m.FailStarts[490] = true
	sess, err := s.NewSession(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	tr, err := oscilloscope.FetchTrace(sess, 1200, 489, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1}, tr.Degraded); diff != "" {
		t.Errorf("degraded mismatch (-want +got):\n%s", diff)
	}
	mem := m.Memory("CHAN1")
	if tr.Raw[978] != int(mem[978]) {
		t.Error("the window after the failure was not read correctly")
	}
}

func TestCaptureMinMaxAndPreambleAgree(t *testing.T) {
	_, s := mockScope(t)
	ctx := context.Background()
	opts := CaptureOptions{Channel: "1", Settle: time.Millisecond}
	a, err := s.Capture(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	opts.Calibration = "preamble"
	b, err := s.Capture(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if a.MemoryDepth != 12000 || len(a.Trace.Physical) != 12000 {
		t.Fatalf("expected 12000 samples, got depth %d and %d samples", a.MemoryDepth, len(a.Trace.Physical))
	}
	for i := range a.Trace.Physical {
		if d := a.Trace.Physical[i] - b.Trace.Physical[i]; d > 1e-9 || d < -1e-9 {
			t.Fatalf("sample %d: min/max %g and preamble %g disagree", i, a.Trace.Physical[i], b.Trace.Physical[i])
		}
	}
	times := a.Waveform.TimeAxis(12000)
	if d := times[11999] - 6e-4; d > 1e-12 || d < -1e-12 {
		t.Errorf("expected the time axis to end at +6 divisions, got %g", times[11999])
	}
	if d := a.Waveform.T0 + 6e-4; d > 1e-15 || d < -1e-15 {
		t.Errorf("expected T0 -6e-4, got %g", a.Waveform.T0)
	}
}

func TestCaptureLeavesScopeRunning(t *testing.T) {
	m, s := mockScope(t)
	level := -1.5
	_, err := s.Capture(context.Background(), CaptureOptions{
		Channel: "1", TriggerChannel: "2", TriggerLevel: &level, Single: true, Poll: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	roundTrip(t, s)
	if m.Setting(":TRIG:STAT") != "RUN" {
		t.Errorf("expected the scope to be running, got %s", m.Setting(":TRIG:STAT"))
	}
	if m.Setting(":TRIG:EDG:SOUR") != "CHAN2" || m.Setting(":TRIG:EDG:LEV") != "-1.5" {
		t.Error("trigger overrides were not applied")
	}
}

func TestCaptureFlatChannelIsCalibrationError(t *testing.T) {
	_, s := mockScope(t)
	acq, err := s.Capture(context.Background(), CaptureOptions{Channel: "2", Settle: time.Millisecond})
	var cerr *oscilloscope.CalibrationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CalibrationError, got %v", err)
	}
	if len(acq.Trace.Raw) != 12000 {
		t.Errorf("expected the raw trace, got %d samples", len(acq.Trace.Raw))
	}
	if len(acq.Waveform.Channels) != 0 {
		t.Error("expected no calibrated channel")
	}
}
