package rigol

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/rigolcap/oscilloscope"
)

// invalidMeasurement is what the scope reports for a measurement it could not make
const invalidMeasurement = 9.9e37

// Session is an exclusive hold on the scope's waveform readout.  It
// implements oscilloscope.Session.  Only one session per scope exists at a
// time; Release ends it
type Session struct {
	scope  *Scope
	ctx    context.Context
	source string
	once   sync.Once
}

// NewSession takes the scope's fetch lock and returns a session reading
// channel.  It returns ErrBusy without blocking if another session is open.
// ctx bounds the pacing of requests
func (s *Scope) NewSession(ctx context.Context, channel string) (*Session, error) {
	ch, err := ChannelName(channel)
	if err != nil {
		return nil, err
	}
	if !s.fetching.TryLock() {
		return nil, ErrBusy
	}
	return &Session{scope: s, ctx: ctx, source: ch}, nil
}

// Release returns the fetch lock.  It is safe to call more than once
func (ss *Session) Release() {
	ss.once.Do(ss.scope.fetching.Unlock)
}

// MaxChunk is the most samples the scope serves in one BYTE read
func (ss *Session) MaxChunk() int {
	return ByteChunkCeiling
}

func (ss *Session) pace() error {
	return ss.scope.limiter.Wait(ss.ctx)
}

// SetWindow sets :WAV:STAR and :WAV:STOP
func (ss *Session) SetWindow(start, end int) error {
	if start < 1 || end < start {
		return &oscilloscope.ProtocolError{Reason: fmt.Sprintf("invalid window [%d, %d]", start, end)}
	}
	ceiling := ss.scope.MaxChunk
	if ceiling > ByteChunkCeiling {
		ceiling = ByteChunkCeiling
	}
	if n := end - start + 1; n > ceiling {
		return &oscilloscope.ProtocolError{
			Reason: fmt.Sprintf("window [%d, %d] of %d samples exceeds the chunk ceiling of %d", start, end, n, ceiling)}
	}
	if err := ss.pace(); err != nil {
		return err
	}
	if err := ss.scope.Write(":WAV:STAR", strconv.Itoa(start)); err != nil {
		return errors.Wrap(err, "setting window start")
	}
	if err := ss.pace(); err != nil {
		return err
	}
	return errors.Wrap(ss.scope.Write(":WAV:STOP", strconv.Itoa(end)), "setting window stop")
}

// ReadChunk reads the current window as unsigned byte codes
func (ss *Session) ReadChunk() ([]int, error) {
	if err := ss.pace(); err != nil {
		return nil, err
	}
	buf, err := ss.scope.ReadBlock(":WAV:DATA?")
	if err != nil {
		return nil, err
	}
	out := make([]int, len(buf))
	for i, b := range buf {
		out[i] = int(b)
	}
	return out, nil
}

func (ss *Session) measure(item string) (float64, error) {
	if err := ss.pace(); err != nil {
		return 0, err
	}
	v, err := ss.scope.ReadFloat(fmt.Sprintf(":MEAS:ITEM? %s,%s", item, ss.source))
	if err != nil {
		return 0, &oscilloscope.TransportError{Op: "measure " + item, Window: -1, Err: err}
	}
	if v >= invalidMeasurement {
		return 0, &oscilloscope.TransportError{Op: "measure " + item, Window: -1,
			Err: errors.Errorf("scope could not measure %s on %s", item, ss.source)}
	}
	return v, nil
}

// QueryMinVoltage measures the minimum voltage of the source channel
func (ss *Session) QueryMinVoltage() (float64, error) {
	return ss.measure("VMIN")
}

// QueryMaxVoltage measures the maximum voltage of the source channel
func (ss *Session) QueryMaxVoltage() (float64, error) {
	return ss.measure("VMAX")
}
