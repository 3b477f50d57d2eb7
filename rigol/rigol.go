// Package rigol provides an interface to Rigol DS1000Z / MSO1000Z series
// oscilloscopes over raw TCP sockets, USBTMC, or RS232.
//
// Waveform memory is read back in windows through the oscilloscope package's
// chunked fetcher; see Scope.Capture for the full acquisition sequence.
package rigol

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/rigolcap/comm"
	"github.com/nasa-jpl/rigolcap/scpi"
	"github.com/nasa-jpl/rigolcap/usbtmc"
)

const (
	// DefaultPort is the raw socket port of the LXI interface
	DefaultPort = "5555"

	// ByteChunkCeiling is the most samples :WAV:DATA? returns at once in BYTE format
	ByteChunkCeiling = 250000

	// DefaultMaxChunk is the window size used when none is configured
	DefaultMaxChunk = ByteChunkCeiling
)

var (
	// ErrBusy is generated when a fetch is requested while another is in progress
	ErrBusy = errors.New("rigol: a waveform fetch is already in progress")

	// ErrBadChannel is generated when a channel is not one of 1-4 or CHAN1-CHAN4
	ErrBadChannel = errors.New("rigol: channel must be 1-4 or CHAN1-CHAN4")
)

// Config holds the connection and transfer parameters of a scope
type Config struct {
	// Transport is one of tcp, usb, serial
	Transport string `koanf:"transport" yaml:"transport"`

	// Addr is host[:port] for tcp or the device path for serial.  It is
	// ignored for usb
	Addr string `koanf:"addr" yaml:"addr"`

	// Baud is the serial baud rate
	Baud int `koanf:"baud" yaml:"baud"`

	// VID and PID select the USB device
	VID int `koanf:"vid" yaml:"vid"`
	PID int `koanf:"pid" yaml:"pid"`

	// Timeout bounds each request
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`

	// MaxChunk is the number of samples requested per window
	MaxChunk int `koanf:"maxchunk" yaml:"maxchunk"`

	// CommandInterval is the minimum spacing between requests during a
	// fetch.  Zero disables pacing
	CommandInterval time.Duration `koanf:"commandinterval" yaml:"commandinterval"`

	// Handshaking checks the error queue after every setting
	Handshaking bool `koanf:"handshaking" yaml:"handshaking"`
}

// DefaultConfig returns the configuration of a DS1000Z on the LAN
func DefaultConfig() Config {
	return Config{
		Transport: "tcp",
		Addr:      "192.168.0.100:" + DefaultPort,
		Baud:      38400,
		VID:       usbtmc.RigolVID,
		PID:       usbtmc.DS1000ZPID,
		Timeout:   2 * time.Second,
		MaxChunk:  DefaultMaxChunk,
	}
}

// Scope is an interface to a Rigol DS1000Z oscilloscope
type Scope struct {
	scpi.SCPI

	// MaxChunk is the number of samples requested per window
	MaxChunk int

	limiter  *rate.Limiter
	fetching sync.Mutex
}

// Maker returns the connection maker for the configured transport
func (c Config) Maker() (comm.CreationFunc, error) {
	switch strings.ToLower(c.Transport) {
	case "", "tcp":
		addr := c.Addr
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, DefaultPort)
		}
		return comm.BackingOffTCPConnMaker(addr, c.Timeout), nil
	case "usb":
		vid, pid := uint16(c.VID), uint16(c.PID)
		return func() (io.ReadWriteCloser, error) {
			return usbtmc.NewUSBDevice(vid, pid)
		}, nil
	case "serial":
		return comm.SerialConnMaker(&serial.Config{Name: c.Addr, Baud: c.Baud, ReadTimeout: c.Timeout}), nil
	default:
		return nil, fmt.Errorf("rigol: unknown transport %q, expected tcp, usb, or serial", c.Transport)
	}
}

// NewScope creates a new scope instance.  No connection is made until the
// first request
func NewScope(cfg Config) (*Scope, error) {
	maker, err := cfg.Maker()
	if err != nil {
		return nil, err
	}
	return newScope(cfg, maker), nil
}

func newScope(cfg Config, maker comm.CreationFunc) *Scope {
	pool := comm.NewPool(1, time.Hour, maker)
	maxChunk := cfg.MaxChunk
	if maxChunk == 0 {
		maxChunk = DefaultMaxChunk
	}
	limit := rate.Inf
	if cfg.CommandInterval > 0 {
		limit = rate.Every(cfg.CommandInterval)
	}
	return &Scope{
		SCPI: scpi.SCPI{
			Pool:        pool,
			Handshaking: cfg.Handshaking,
			Timeout:     cfg.Timeout,
			MaxBlock:    ByteChunkCeiling,
		},
		MaxChunk: maxChunk,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// ChannelName converts 1, "1", "chan1", or "CHAN1" to CHAN1
func ChannelName(channel string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(channel))
	s = strings.TrimPrefix(s, "CHANNEL")
	s = strings.TrimPrefix(s, "CHAN")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 4 {
		return "", ErrBadChannel
	}
	return "CHAN" + s, nil
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// Identify returns the *IDN? string of the scope
func (s *Scope) Identify() (string, error) {
	return s.ReadString("*IDN?")
}

// Run starts continuous acquisition
func (s *Scope) Run() error {
	return s.Write(":RUN")
}

// Stop freezes acquisition so waveform memory can be read
func (s *Scope) Stop() error {
	return s.Write(":STOP")
}

// Single arms a single shot acquisition
func (s *Scope) Single() error {
	return s.Write(":SING")
}

// TriggerStatus returns one of TD, WAIT, RUN, AUTO, STOP
func (s *Scope) TriggerStatus() (string, error) {
	return s.ReadString(":TRIG:STAT?")
}

// SetTriggerSweep sets the sweep to AUTO, NORM, or SING
func (s *Scope) SetTriggerSweep(sweep string) error {
	return s.Write(":TRIG:SWE", strings.ToUpper(sweep))
}

// GetTriggerSweep returns the trigger sweep
func (s *Scope) GetTriggerSweep() (string, error) {
	return s.ReadString(":TRIG:SWE?")
}

// SetTriggerMode sets the trigger type, e.g. EDGE
func (s *Scope) SetTriggerMode(mode string) error {
	return s.Write(":TRIG:MODE", strings.ToUpper(mode))
}

// GetTriggerMode returns the trigger type
func (s *Scope) GetTriggerMode() (string, error) {
	return s.ReadString(":TRIG:MODE?")
}

// SetTriggerSource sets the channel the edge trigger watches
func (s *Scope) SetTriggerSource(channel string) error {
	ch, err := ChannelName(channel)
	if err != nil {
		return err
	}
	return s.Write(":TRIG:EDG:SOUR", ch)
}

// GetTriggerSource returns the channel the edge trigger watches
func (s *Scope) GetTriggerSource() (string, error) {
	return s.ReadString(":TRIG:EDG:SOUR?")
}

// SetTriggerSlope sets the edge trigger slope to POS, NEG, or RFAL
func (s *Scope) SetTriggerSlope(slope string) error {
	return s.Write(":TRIG:EDG:SLOP", strings.ToUpper(slope))
}

// GetTriggerSlope returns the edge trigger slope
func (s *Scope) GetTriggerSlope() (string, error) {
	return s.ReadString(":TRIG:EDG:SLOP?")
}

// SetTriggerLevel sets the edge trigger level in volts
func (s *Scope) SetTriggerLevel(volts float64) error {
	return s.Write(fmt.Sprintf(":TRIG:EDG:LEV %G", volts))
}

// GetTriggerLevel returns the edge trigger level in volts
func (s *Scope) GetTriggerLevel() (float64, error) {
	return s.ReadFloat(":TRIG:EDG:LEV?")
}

// SetTimebaseScale sets the main timebase in seconds per division
func (s *Scope) SetTimebaseScale(secondsPerDiv float64) error {
	return s.Write(fmt.Sprintf(":TIM:SCAL %G", secondsPerDiv))
}

// GetTimebaseScale returns the main timebase in seconds per division
func (s *Scope) GetTimebaseScale() (float64, error) {
	return s.ReadFloat(":TIM:SCAL?")
}

// SetTimebaseOffset sets the horizontal offset in seconds
func (s *Scope) SetTimebaseOffset(seconds float64) error {
	return s.Write(fmt.Sprintf(":TIM:OFFS %G", seconds))
}

// GetTimebaseOffset returns the horizontal offset in seconds
func (s *Scope) GetTimebaseOffset() (float64, error) {
	return s.ReadFloat(":TIM:OFFS?")
}

// SetChannelScale sets the vertical scale of a channel in volts per division
func (s *Scope) SetChannelScale(channel string, voltsPerDiv float64) error {
	ch, err := ChannelName(channel)
	if err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":%s:SCAL %G", ch, voltsPerDiv))
}

// GetChannelScale returns the vertical scale of a channel in volts per division
func (s *Scope) GetChannelScale(channel string) (float64, error) {
	ch, err := ChannelName(channel)
	if err != nil {
		return 0, err
	}
	return s.ReadFloat(":" + ch + ":SCAL?")
}

// SetChannelOffset sets the vertical offset of a channel in volts
func (s *Scope) SetChannelOffset(channel string, volts float64) error {
	ch, err := ChannelName(channel)
	if err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":%s:OFFS %G", ch, volts))
}

// GetChannelOffset returns the vertical offset of a channel in volts
func (s *Scope) GetChannelOffset(channel string) (float64, error) {
	ch, err := ChannelName(channel)
	if err != nil {
		return 0, err
	}
	return s.ReadFloat(":" + ch + ":OFFS?")
}

// SetChannelDisplay turns a channel on or off
func (s *Scope) SetChannelDisplay(channel string, on bool) error {
	ch, err := ChannelName(channel)
	if err != nil {
		return err
	}
	return s.Write(":"+ch+":DISP", onOff(on))
}

// GetChannelDisplay returns true if a channel is displayed
func (s *Scope) GetChannelDisplay(channel string) (bool, error) {
	ch, err := ChannelName(channel)
	if err != nil {
		return false, err
	}
	return s.ReadBool(":" + ch + ":DISP?")
}

// SetChannelProbe sets the probe attenuation ratio of a channel
func (s *Scope) SetChannelProbe(channel string, ratio float64) error {
	ch, err := ChannelName(channel)
	if err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":%s:PROB %G", ch, ratio))
}

// GetChannelProbe returns the probe attenuation ratio of a channel
func (s *Scope) GetChannelProbe(channel string) (float64, error) {
	ch, err := ChannelName(channel)
	if err != nil {
		return 0, err
	}
	return s.ReadFloat(":" + ch + ":PROB?")
}

// SetMemoryDepth sets the acquisition memory depth.  Zero selects AUTO
func (s *Scope) SetMemoryDepth(points int) error {
	if points == 0 {
		return s.Write(":ACQ:MDEP AUTO")
	}
	return s.Write(":ACQ:MDEP", strconv.Itoa(points))
}

// GetMemoryDepth returns the acquisition memory depth, or zero when it is AUTO
func (s *Scope) GetMemoryDepth() (int, error) {
	str, err := s.ReadString(":ACQ:MDEP?")
	if err != nil {
		return 0, err
	}
	if strings.EqualFold(strings.TrimSpace(str), "AUTO") {
		return 0, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	return int(f), err
}

// SampleRate returns the current sample rate in samples per second
func (s *Scope) SampleRate() (float64, error) {
	return s.ReadFloat(":ACQ:SRAT?")
}

// SetAcquireType sets the acquisition type to NORM, AVER, PEAK, or HRES
func (s *Scope) SetAcquireType(typ string) error {
	return s.Write(":ACQ:TYPE", strings.ToUpper(typ))
}

// AcquireType returns the acquisition type
func (s *Scope) AcquireType() (string, error) {
	return s.ReadString(":ACQ:TYPE?")
}

// SetWaveformSource selects the channel :WAV:DATA? reads
func (s *Scope) SetWaveformSource(channel string) error {
	ch, err := ChannelName(channel)
	if err != nil {
		return err
	}
	return s.Write(":WAV:SOUR", ch)
}

// GetWaveformSource returns the channel :WAV:DATA? reads
func (s *Scope) GetWaveformSource() (string, error) {
	return s.ReadString(":WAV:SOUR?")
}

// SetWaveformMode sets the read mode to NORM (screen), MAX, or RAW (memory)
func (s *Scope) SetWaveformMode(mode string) error {
	return s.Write(":WAV:MODE", strings.ToUpper(mode))
}

// SetWaveformFormat sets the read format to BYTE, WORD, or ASC
func (s *Scope) SetWaveformFormat(format string) error {
	return s.Write(":WAV:FORM", strings.ToUpper(format))
}
