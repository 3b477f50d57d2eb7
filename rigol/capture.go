package rigol

import (
	"context"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/rigolcap/mathx"
	"github.com/nasa-jpl/rigolcap/oscilloscope"
)

// divisions is the number of horizontal divisions on a DS1000Z screen
const divisions = 12

// LabDefaults are written after *RST by Reset
var LabDefaults = []string{
	":TRIG:SWE NORM",
	":TRIG:MODE EDGE",
	":TRIG:EDG:SOUR CHAN1",
	":TRIG:EDG:SLOP NEG",
	":TRIG:EDG:LEV -15",
	":WAV:SOUR CHAN1",
	":WAV:FORM BYTE",
	":WAV:MODE RAW",
	":TIM:OFFS 0",
	":TIM:SCAL 2E-05",
	":CHAN1:SCAL 50",
	":CHAN1:OFFS 0",
	":ACQ:MDEP 12000",
}

// Reset restores factory settings, starts acquisition, then applies
// LabDefaults.  Any errors left in the scope's queue are returned joined
func (s *Scope) Reset() error {
	if err := s.Write("*RST"); err != nil {
		return errors.Wrap(err, "reset")
	}
	// *RST takes a moment; *OPC? blocks until it is done
	if _, err := s.ReadString("*OPC?"); err != nil {
		return errors.Wrap(err, "waiting for reset")
	}
	if err := s.Run(); err != nil {
		return err
	}
	for _, cmd := range LabDefaults {
		if err := s.Write(cmd); err != nil {
			return errors.Wrapf(err, "writing %s", cmd)
		}
	}
	str, err := s.AllErrorsString()
	if err != nil {
		return errors.New(str)
	}
	return nil
}

// WaitForStop polls the trigger status every poll until the scope reports
// STOP or ctx is done
func (s *Scope) WaitForStop(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		status, err := s.TriggerStatus()
		if err != nil {
			return err
		}
		if strings.EqualFold(status, "STOP") {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for trigger, last status %s", status)
		case <-ticker.C:
		}
	}
}

// CaptureOptions controls a single capture
type CaptureOptions struct {
	// Channel is the channel to read, CHAN1 if empty
	Channel string

	// TriggerChannel and TriggerLevel override the edge trigger when set
	TriggerChannel string
	TriggerLevel   *float64

	// Single arms a single shot and waits for it instead of running for
	// Settle and stopping
	Single bool

	// Settle is how long to let the scope run before stopping.  Zero is one second
	Settle time.Duration

	// Poll is the trigger status polling interval in single mode.  Zero is 100 ms
	Poll time.Duration

	// MemoryDepth overrides the depth derived from the sample rate and timebase
	MemoryDepth int

	// Calibration is minmax (the default) or preamble
	Calibration string
}

// Acquisition is the result of a capture
type Acquisition struct {
	Channel        string             `json:"channel"`
	TimebaseScale  float64            `json:"timebaseScale"`
	TimebaseOffset float64            `json:"timebaseOffset"`
	SampleRate     float64            `json:"sampleRate"`
	MemoryDepth    int                `json:"memoryDepth"`
	Trace          oscilloscope.Trace `json:"trace"`

	// Waveform has one channel named Channel.  It has no channels if
	// calibration failed
	Waveform oscilloscope.Waveform `json:"waveform"`
}

// FITSCards describes the acquisition as FITS header cards
func (a Acquisition) FITSCards() []fitsio.Card {
	return []fitsio.Card{
		{Name: "CHANNEL", Value: a.Channel},
		{Name: "SRATE", Value: a.SampleRate, Comment: "sample rate, Sa/s"},
		{Name: "TSCALE", Value: a.TimebaseScale, Comment: "timebase scale, s/div"},
		{Name: "TOFFSET", Value: a.TimebaseOffset, Comment: "timebase offset, s"},
		{Name: "MDEPTH", Value: a.MemoryDepth},
		{Name: "DEGRADED", Value: len(a.Trace.Degraded), Comment: "windows zero filled"},
		{Name: "RAWCRC", Value: int(a.Trace.Checksum()), Comment: "CRC-16/XMODEM of raw codes"},
	}
}

// MemoryDepthFor is the number of samples in memory at a sample rate and
// timebase scale, across all divisions
func MemoryDepthFor(sampleRate, timebaseScale float64) int {
	return int(mathx.Round(sampleRate*timebaseScale*divisions, 1))
}

// Capture runs the scope, freezes it, and reads back the full memory of one
// channel.  The scope is left running.
//
// A degraded trace is not an error; inspect Acquisition.Trace.Degraded.  A
// CalibrationError returns the acquisition with the raw trace.
func (s *Scope) Capture(ctx context.Context, opts CaptureOptions) (acq Acquisition, err error) {
	if opts.Channel == "" {
		opts.Channel = "CHAN1"
	}
	ch, err := ChannelName(opts.Channel)
	if err != nil {
		return acq, err
	}
	acq.Channel = ch
	sess, err := s.NewSession(ctx, ch)
	if err != nil {
		return acq, err
	}
	defer sess.Release()

	if err = s.Run(); err != nil {
		return acq, err
	}
	defer func() {
		if rerr := s.Run(); rerr != nil && err == nil {
			err = errors.Wrap(rerr, "restarting acquisition")
		}
	}()
	if opts.TriggerChannel != "" {
		if err = s.SetTriggerSource(opts.TriggerChannel); err != nil {
			return acq, err
		}
	}
	if opts.TriggerLevel != nil {
		if err = s.SetTriggerLevel(*opts.TriggerLevel); err != nil {
			return acq, err
		}
	}
	if err = s.freeze(ctx, opts); err != nil {
		return acq, err
	}

	if acq.TimebaseScale, err = s.GetTimebaseScale(); err != nil {
		return acq, err
	}
	if acq.TimebaseOffset, err = s.GetTimebaseOffset(); err != nil {
		return acq, err
	}
	if acq.SampleRate, err = s.SampleRate(); err != nil {
		return acq, err
	}
	for _, cmd := range []string{":WAV:SOUR " + ch, ":WAV:MODE RAW", ":WAV:FORM BYTE"} {
		if err = s.Write(cmd); err != nil {
			return acq, err
		}
	}
	acq.MemoryDepth = opts.MemoryDepth
	if acq.MemoryDepth == 0 {
		acq.MemoryDepth = MemoryDepthFor(acq.SampleRate, acq.TimebaseScale)
	}

	var cal oscilloscope.Calibrator
	switch strings.ToLower(opts.Calibration) {
	case "", "minmax":
	case "preamble":
		pre, perr := s.Preamble()
		if perr != nil {
			err = perr
			return acq, err
		}
		cal = pre.Calibrator()
	default:
		err = errors.Errorf("rigol: unknown calibration %q, expected minmax or preamble", opts.Calibration)
		return acq, err
	}

	acq.Trace, err = oscilloscope.FetchTrace(sess, acq.MemoryDepth, s.MaxChunk, cal)
	n := len(acq.Trace.Raw)
	acq.Waveform.T0 = acq.TimebaseOffset - divisions/2*acq.TimebaseScale
	if n > 1 {
		acq.Waveform.DT = divisions * acq.TimebaseScale / float64(n-1)
	}
	acq.Waveform.Channels = map[string]oscilloscope.Channel{}
	if err == nil {
		acq.Waveform.Channels[ch] = oscilloscope.ChannelFromTrace(acq.Trace)
	}
	return acq, err
}

// freeze stops acquisition, either after a settle time or once a single shot fires
func (s *Scope) freeze(ctx context.Context, opts CaptureOptions) error {
	if opts.Single {
		if err := s.Single(); err != nil {
			return err
		}
		poll := opts.Poll
		if poll == 0 {
			poll = 100 * time.Millisecond
		}
		return s.WaitForStop(ctx, poll)
	}
	settle := opts.Settle
	if settle == 0 {
		settle = time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settle):
	}
	return s.Stop()
}
