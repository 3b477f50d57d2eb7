// Package tmc provides an HTTP interface to test and measurement devices
package tmc

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"gonum.org/v1/plot/vg"

	"github.com/nasa-jpl/rigolcap/generichttp"
	"github.com/nasa-jpl/rigolcap/generichttp/ascii"
	"github.com/nasa-jpl/rigolcap/oscilloscope"
	"github.com/nasa-jpl/rigolcap/rigol"
	"github.com/nasa-jpl/rigolcap/server"
	"github.com/nasa-jpl/rigolcap/server/middleware/locker"
)

// Oscilloscope describes an interface to an oscilloscope that can capture
// and read back its full waveform memory
type Oscilloscope interface {
	Identify() (string, error)
	Raw(string) (string, error)

	Run() error
	Stop() error
	Single() error
	Reset() error

	GetTimebaseScale() (float64, error)
	SetTimebaseScale(float64) error
	GetTimebaseOffset() (float64, error)
	SetTimebaseOffset(float64) error

	GetChannelScale(string) (float64, error)
	SetChannelScale(string, float64) error
	GetChannelOffset(string) (float64, error)
	SetChannelOffset(string, float64) error
	GetChannelDisplay(string) (bool, error)
	SetChannelDisplay(string, bool) error

	GetTriggerLevel() (float64, error)
	SetTriggerLevel(float64) error
	GetTriggerSource() (string, error)
	SetTriggerSource(string) error
	GetTriggerSweep() (string, error)
	SetTriggerSweep(string) error
	TriggerStatus() (string, error)

	GetMemoryDepth() (int, error)
	SetMemoryDepth(int) error
	SampleRate() (float64, error)

	Preamble() (rigol.Preamble, error)
	Capture(context.Context, rigol.CaptureOptions) (rigol.Acquisition, error)
}

// HTTPOscilloscope wraps an oscilloscope in an HTTP interface
type HTTPOscilloscope struct {
	Scope Oscilloscope

	// Lock, if not nil, is held for the duration of a trace capture so
	// settings cannot change underneath it
	Lock locker.ManipulableLock

	RouteTable generichttp.RouteTable
}

// NewHTTPOscilloscope returns a new HTTP wrapper with routes bound
func NewHTTPOscilloscope(o Oscilloscope, lock locker.ManipulableLock) HTTPOscilloscope {
	h := HTTPOscilloscope{Scope: o, Lock: lock, RouteTable: generichttp.RouteTable{}}
	rt := h.RouteTable
	get := func(path string, fcn http.HandlerFunc) {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: path}] = fcn
	}
	post := func(path string, fcn http.HandlerFunc) {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: path}] = fcn
	}
	get("/identify", generichttp.GetString(o.Identify))

	post("/run", action(o.Run))
	post("/stop", action(o.Stop))
	post("/single", action(o.Single))
	post("/reset", action(o.Reset))

	get("/timebase/scale", generichttp.GetFloat(o.GetTimebaseScale))
	post("/timebase/scale", generichttp.SetFloat(o.SetTimebaseScale))
	get("/timebase/offset", generichttp.GetFloat(o.GetTimebaseOffset))
	post("/timebase/offset", generichttp.SetFloat(o.SetTimebaseOffset))

	get("/channel/{ch}/scale", channelGetFloat(o.GetChannelScale))
	post("/channel/{ch}/scale", channelSetFloat(o.SetChannelScale))
	get("/channel/{ch}/offset", channelGetFloat(o.GetChannelOffset))
	post("/channel/{ch}/offset", channelSetFloat(o.SetChannelOffset))
	get("/channel/{ch}/display", channelGetBool(o.GetChannelDisplay))
	post("/channel/{ch}/display", channelSetBool(o.SetChannelDisplay))

	get("/trigger/level", generichttp.GetFloat(o.GetTriggerLevel))
	post("/trigger/level", generichttp.SetFloat(o.SetTriggerLevel))
	get("/trigger/source", generichttp.GetString(o.GetTriggerSource))
	post("/trigger/source", generichttp.SetString(o.SetTriggerSource))
	get("/trigger/sweep", generichttp.GetString(o.GetTriggerSweep))
	post("/trigger/sweep", generichttp.SetString(o.SetTriggerSweep))
	get("/trigger/status", generichttp.GetString(o.TriggerStatus))

	get("/memory-depth", generichttp.GetInt(o.GetMemoryDepth))
	post("/memory-depth", generichttp.SetInt(o.SetMemoryDepth))
	get("/sample-rate", generichttp.GetFloat(o.SampleRate))

	get("/preamble", h.preamble)
	get("/trace", h.trace)

	ascii.InjectRawComm(rt, o)
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPOscilloscope) RT() generichttp.RouteTable {
	return h.RouteTable
}

func action(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func channelGetFloat(fcn func(string) (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := chi.URLParam(r, "ch")
		generichttp.GetFloat(func() (float64, error) { return fcn(ch) })(w, r)
	}
}

func channelSetFloat(fcn func(string, float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := chi.URLParam(r, "ch")
		generichttp.SetFloat(func(f float64) error { return fcn(ch, f) })(w, r)
	}
}

func channelGetBool(fcn func(string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := chi.URLParam(r, "ch")
		generichttp.GetBool(func() (bool, error) { return fcn(ch) })(w, r)
	}
}

func channelSetBool(fcn func(string, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := chi.URLParam(r, "ch")
		generichttp.SetBool(func(b bool) error { return fcn(ch, b) })(w, r)
	}
}

func (h HTTPOscilloscope) preamble(w http.ResponseWriter, r *http.Request) {
	p, err := h.Scope.Preamble()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.RespondJSON(w, p)
}

// traceResponse is the JSON form of a capture
type traceResponse struct {
	rigol.Acquisition
	Checksum uint16 `json:"checksum"`
	Error    string `json:"error,omitempty"`
}

// parseCaptureOptions reads channel, calibration, single, settle, and depth
// from the query string
func parseCaptureOptions(r *http.Request) (rigol.CaptureOptions, error) {
	q := r.URL.Query()
	opts := rigol.CaptureOptions{
		Channel:        q.Get("channel"),
		TriggerChannel: q.Get("trigger-channel"),
		Calibration:    q.Get("calibration"),
	}
	var err error
	if s := q.Get("trigger-level"); s != "" {
		lvl, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return opts, err
		}
		opts.TriggerLevel = &lvl
	}
	if s := q.Get("single"); s != "" {
		if opts.Single, err = strconv.ParseBool(s); err != nil {
			return opts, err
		}
	}
	if s := q.Get("settle"); s != "" {
		if opts.Settle, err = time.ParseDuration(s); err != nil {
			return opts, err
		}
	}
	if s := q.Get("depth"); s != "" {
		if opts.MemoryDepth, err = strconv.Atoi(s); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// trace captures a waveform and returns it in the format given by ?format=,
// json (default), csv, fits, or png
func (h HTTPOscilloscope) trace(w http.ResponseWriter, r *http.Request) {
	opts, err := parseCaptureOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	switch format {
	case "json", "csv", "fits", "png":
	default:
		http.Error(w, "format must be json, csv, fits, or png", http.StatusBadRequest)
		return
	}
	if h.Lock != nil {
		if !h.Lock.TryLock() {
			w.WriteHeader(http.StatusLocked)
			return
		}
		defer h.Lock.Unlock()
	}

	acq, err := h.Scope.Capture(r.Context(), opts)
	var cerr *oscilloscope.CalibrationError
	switch {
	case errors.Is(err, rigol.ErrBusy):
		http.Error(w, err.Error(), http.StatusLocked)
		return
	case errors.As(err, &cerr) && format == "json":
		// the raw trace is still useful
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if acq.Trace.IsDegraded() {
		idx := make([]string, len(acq.Trace.Degraded))
		for i, d := range acq.Trace.Degraded {
			idx[i] = strconv.Itoa(d)
		}
		w.Header().Set("X-Degraded-Windows", strings.Join(idx, ","))
	}

	switch format {
	case "json":
		resp := traceResponse{Acquisition: acq, Checksum: acq.Trace.Checksum()}
		if err != nil {
			resp.Error = err.Error()
		}
		server.RespondJSON(w, resp)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		err = acq.Waveform.EncodeCSV(w)
	case "fits":
		w.Header().Set("Content-Type", "image/fits")
		err = acq.Waveform.EncodeFITS(w, acq.FITSCards()...)
	case "png":
		w.Header().Set("Content-Type", "image/png")
		err = acq.Waveform.PlotPNG(w, acq.Channel, 8*vg.Inch, 4*vg.Inch)
	}
	if err != nil && format != "json" {
		// the status may already be sent if the encoder failed midway
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
