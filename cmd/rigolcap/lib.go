package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"gonum.org/v1/plot/vg"

	"github.com/nasa-jpl/rigolcap/generichttp"
	"github.com/nasa-jpl/rigolcap/generichttp/tmc"
	"github.com/nasa-jpl/rigolcap/oscilloscope"
	"github.com/nasa-jpl/rigolcap/rigol"
	"github.com/nasa-jpl/rigolcap/server/middleware/locker"
)

// EnvPrefix marks environment variables read as configuration.
// RIGOLCAP_SCOPE__ADDR sets scope.addr
const EnvPrefix = "RIGOLCAP_"

// mockDepth is the memory depth of the simulated scope
const mockDepth = 12000

// CaptureConfig holds the parameters of the capture command
type CaptureConfig struct {
	// Channel is the channel to read, CHAN1 if empty
	Channel string `koanf:"channel" yaml:"channel"`

	// TriggerChannel and TriggerLevel override the edge trigger.  Empty
	// leaves the scope's setting alone
	TriggerChannel string `koanf:"triggerchannel" yaml:"triggerchannel"`
	TriggerLevel   string `koanf:"triggerlevel" yaml:"triggerlevel"`

	// Output is the prefix of the files written
	Output string `koanf:"output" yaml:"output"`

	// Format is dat, csv, or fits
	Format string `koanf:"format" yaml:"format"`

	// Plot also writes <Output>.png
	Plot bool `koanf:"plot" yaml:"plot"`

	Single      bool          `koanf:"single" yaml:"single"`
	Settle      time.Duration `koanf:"settle" yaml:"settle"`
	MemoryDepth int           `koanf:"memorydepth" yaml:"memorydepth"`

	// Calibration is minmax or preamble
	Calibration string `koanf:"calibration" yaml:"calibration"`
}

// Config is the full configuration of rigolcap
type Config struct {
	// Addr is the address to listen at for the run command
	Addr string `koanf:"addr" yaml:"addr"`

	// Endpoint is the path the scope's routes are served under
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	// Mock replaces the scope with a simulated one
	Mock bool `koanf:"mock" yaml:"mock"`

	Verbose bool `koanf:"verbose" yaml:"verbose"`

	Scope   rigol.Config  `koanf:"scope" yaml:"scope"`
	Capture CaptureConfig `koanf:"capture" yaml:"capture"`
}

// DefaultConfig is the configuration before any file, environment, or flag
func DefaultConfig() Config {
	return Config{
		Addr:     ":8000",
		Endpoint: "/scope",
		Scope:    rigol.DefaultConfig(),
		Capture: CaptureConfig{
			Channel:     "CHAN1",
			Output:      "trace",
			Format:      "dat",
			Settle:      time.Second,
			Calibration: "minmax",
		},
	}
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"addr":            "addr",
	"endpoint":        "endpoint",
	"mock":            "mock",
	"verbose":         "verbose",
	"transport":       "scope.transport",
	"scope":           "scope.addr",
	"baud":            "scope.baud",
	"timeout":         "scope.timeout",
	"max-chunk":       "scope.maxchunk",
	"interval":        "scope.commandinterval",
	"handshaking":     "scope.handshaking",
	"channel":         "capture.channel",
	"trigger-channel": "capture.triggerchannel",
	"trigger-level":   "capture.triggerlevel",
	"output":          "capture.output",
	"format":          "capture.format",
	"plot":            "capture.plot",
	"single":          "capture.single",
	"settle":          "capture.settle",
	"depth":           "capture.memorydepth",
	"calibration":     "capture.calibration",
}

// Flags returns the command line flags of every command.  Defaults shown
// in the usage are those of DefaultConfig; a flag only overrides the file
// and environment when given
func Flags() *flag.FlagSet {
	d := DefaultConfig()
	fs := flag.NewFlagSet("rigolcap", flag.ContinueOnError)
	fs.String("addr", d.Addr, "address to listen at (run)")
	fs.String("endpoint", d.Endpoint, "path the scope is served under (run)")
	fs.Bool("mock", false, "use a simulated scope")
	fs.BoolP("verbose", "v", false, "debug logging")
	fs.String("transport", d.Scope.Transport, "tcp, usb, or serial")
	fs.String("scope", d.Scope.Addr, "host[:port] or serial device of the scope")
	fs.Int("baud", d.Scope.Baud, "serial baud rate")
	fs.Duration("timeout", d.Scope.Timeout, "timeout of each request")
	fs.Int("max-chunk", d.Scope.MaxChunk, "samples per waveform window")
	fs.Duration("interval", 0, "minimum spacing of requests during a fetch")
	fs.Bool("handshaking", false, "check the error queue after every setting")
	fs.StringP("channel", "c", d.Capture.Channel, "channel to read")
	fs.String("trigger-channel", "", "edge trigger source")
	fs.String("trigger-level", "", "edge trigger level, V")
	fs.StringP("output", "o", d.Capture.Output, "output file prefix")
	fs.StringP("format", "f", d.Capture.Format, "dat, csv, or fits")
	fs.Bool("plot", false, "also write <output>.png")
	fs.Bool("single", false, "wait for a single trigger instead of settling")
	fs.Duration("settle", d.Capture.Settle, "time to run before stopping")
	fs.Int("depth", 0, "memory depth; 0 derives it from the sample rate and timebase")
	fs.String("calibration", d.Capture.Calibration, "minmax or preamble")
	return fs
}

// LoadConfig layers the defaults, the file at path, the environment, and
// parsed flags into ko.  A missing file is not an error
func LoadConfig(ko *koanf.Koanf, path string, fs *flag.FlagSet) error {
	if err := ko.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return errors.Wrap(err, "loading defaults")
	}
	if err := ko.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return errors.Wrapf(err, "loading %s", path)
		}
	}
	err := ko.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return errors.Wrap(err, "loading environment")
	}
	if fs == nil {
		return nil
	}
	err = ko.Load(posflag.ProviderWithFlag(fs, ".", ko, func(f *flag.Flag) (string, interface{}) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed {
			return "", nil
		}
		return key, f.Value.String()
	}), nil)
	return errors.Wrap(err, "loading flags")
}

// Options converts the capture configuration to the driver's options
func (c CaptureConfig) Options() (rigol.CaptureOptions, error) {
	opts := rigol.CaptureOptions{
		Channel:        c.Channel,
		TriggerChannel: c.TriggerChannel,
		Single:         c.Single,
		Settle:         c.Settle,
		MemoryDepth:    c.MemoryDepth,
		Calibration:    c.Calibration,
	}
	if c.TriggerLevel != "" {
		lvl, err := strconv.ParseFloat(c.TriggerLevel, 64)
		if err != nil {
			return opts, errors.Wrap(err, "trigger level")
		}
		opts.TriggerLevel = &lvl
	}
	switch strings.ToLower(c.Format) {
	case "dat", "csv", "fits":
	default:
		return opts, errors.Errorf("format %q not understood, expected dat, csv, or fits", c.Format)
	}
	return opts, nil
}

// OpenScope returns the configured scope, or a simulated one when c.Mock
func OpenScope(c Config) (*rigol.Scope, error) {
	if c.Mock {
		log.Debug("using a simulated scope", "depth", mockDepth)
		return rigol.NewMockScope(rigol.NewMock(mockDepth), c.Scope), nil
	}
	return rigol.NewScope(c.Scope)
}

// Capture acquires one trace and writes it to disk, returning the paths
// written.  When calibration fails the raw codes are written instead of volts
func Capture(ctx context.Context, scope *rigol.Scope, c CaptureConfig) ([]string, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	acq, err := scope.Capture(ctx, opts)
	var cerr *oscilloscope.CalibrationError
	calibrated := true
	switch {
	case errors.As(err, &cerr):
		log.Error("calibration failed, writing raw codes", "err", err)
		calibrated = false
		acq.Waveform.Channels[acq.Channel+"-raw"] = oscilloscope.Channel{Data: acq.Trace.Raw, Scale: 1}
	case err != nil:
		return nil, err
	}
	if acq.Trace.IsDegraded() {
		log.Warn("windows were zero filled", "windows", acq.Trace.Degraded, "of", len(acq.Trace.Windows))
		for i, ferr := range acq.Trace.Failures {
			log.Debug("window failure", "window", acq.Trace.Degraded[i], "err", ferr)
		}
	}
	log.Info("captured",
		"channel", acq.Channel,
		"depth", acq.MemoryDepth,
		"srate", acq.SampleRate,
		"scale", acq.Trace.Calibration.Scale,
		"offset", acq.Trace.Calibration.Offset,
		"crc", acq.Trace.Checksum())

	paths, err := WriteAcquisition(acq, c)
	if err == nil && !calibrated {
		err = cerr
	}
	return paths, err
}

// WriteAcquisition writes the waveform of acq in the configured format
func WriteAcquisition(acq rigol.Acquisition, c CaptureConfig) ([]string, error) {
	wav := &acq.Waveform
	var paths []string
	switch strings.ToLower(c.Format) {
	case "dat":
		for _, l := range wav.Labels() {
			prefix := c.Output
			if l != acq.Channel {
				prefix += strings.TrimPrefix(l, acq.Channel)
			}
			p, err := oscilloscope.WriteDat(prefix, wav, l)
			paths = append(paths, p...)
			if err != nil {
				return paths, err
			}
		}
	case "csv":
		p := c.Output + ".csv"
		if err := writeFile(p, wav.EncodeCSV); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	case "fits":
		p := c.Output + ".fits"
		err := writeFile(p, func(w io.Writer) error {
			return wav.EncodeFITS(w, acq.FITSCards()...)
		})
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	if c.Plot {
		p := c.Output + ".png"
		err := writeFile(p, func(w io.Writer) error {
			return wav.PlotPNG(w, acq.Channel, 8*vg.Inch, 4*vg.Inch)
		})
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func writeFile(path string, enc func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = enc(f)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "writing %s", path)
}

// BuildMux takes a scope and the configuration and uses them to construct a
// chi mux with populated handlers.
// The mux serves a special route, /endpoints, which returns a map of the
// scope's path to all of its routes as JSON.
func BuildMux(c Config, scope tmc.Oscilloscope) chi.Router {
	// make the root handler
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	lock := locker.New()
	httper := tmc.NewHTTPOscilloscope(scope, lock)
	locker.Inject(httper, lock)

	// prepare the URL, "omc/scope" => "/omc/scope"
	hndlS := generichttp.SubMuxSanitize(c.Endpoint)
	supergraph[hndlS] = httper.RT().Endpoints()

	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(hndlS, r)

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
