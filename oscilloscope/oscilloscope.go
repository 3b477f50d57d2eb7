// Package oscilloscope provides type and interface definitions for
// oscilloscopes, and the chunked fetch that reads a full waveform memory from
// an instrument which serves only a limited number of samples per query.
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"sort"
	"strconv"
)

// ErrNoChannels is generated when encoding a waveform without any channels
var ErrNoChannels = errors.New("oscilloscope: waveform has no channels")

// Waveform describes a waveform recording from a scope
type Waveform struct {
	// DT is the temporal sample spacing in seconds
	DT float64 `json:"dt"`

	// T0 is the time of the first sample in seconds, relative to the trigger
	T0 float64 `json:"t0"`

	// Channels holds named data streams
	Channels map[string]Channel `json:"channels"`
}

// Channel represents a stream of data from an ADC.  To convert to physical units,
// compute (data-reference)*scale + offset
type Channel struct {
	// Data is the actual buffer, []int, []byte, []int16, []float64, or similar
	Data Data `json:"data"`

	// Scale is the vertical scale of the data or size of a single increment
	// in Data's native dtype
	Scale float64 `json:"scale"`

	// Offset is the offset applied to the data
	Offset float64 `json:"offset"`

	// Reference is the reference value for the given channel in DN
	Reference float64 `json:"reference"`
}

// ChannelFromTrace packs the raw codes of a trace with its calibration
func ChannelFromTrace(t Trace) Channel {
	return Channel{Data: t.Raw, Scale: t.Calibration.Scale, Offset: t.Calibration.Offset}
}

// Data is a moniker for an empty interface, expected to be a slice of a concrete
// numerical type
type Data interface{}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func physical[T number](v []T, c Channel) []float64 {
	ret := make([]float64, len(v))
	for i := range v {
		ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
	}
	return ret
}

// Physical computes the data scaled to real units
func (c Channel) Physical() []float64 {
	switch v := c.Data.(type) {
	case []int:
		return physical(v, c)
	case []uint8:
		return physical(v, c)
	case []uint16:
		return physical(v, c)
	case []uint32:
		return physical(v, c)
	case []uint64:
		return physical(v, c)
	case []int8:
		return physical(v, c)
	case []int16:
		return physical(v, c)
	case []int32:
		return physical(v, c)
	case []int64:
		return physical(v, c)
	case []float32:
		return physical(v, c)
	case []float64:
		return physical(v, c)
	default:
		panic("attempt to convert non numerical data to physical units")
	}
}

// Len is the number of samples in the channel
func (c Channel) Len() int {
	switch v := c.Data.(type) {
	case []int:
		return len(v)
	case []uint8:
		return len(v)
	case []uint16:
		return len(v)
	case []uint32:
		return len(v)
	case []uint64:
		return len(v)
	case []int8:
		return len(v)
	case []int16:
		return len(v)
	case []int32:
		return len(v)
	case []int64:
		return len(v)
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	}
	return 0
}

// Labels returns the channel names in sorted order
func (wav *Waveform) Labels() []string {
	labels := make([]string, 0, len(wav.Channels))
	for k := range wav.Channels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// TimeAxis returns the time of each of n samples, T0 + i*DT
func (wav *Waveform) TimeAxis(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = wav.T0 + float64(i)*wav.DT
	}
	return out
}

// EncodeCSV converts the waveform data to physical units
// and writes it to a CSV in streaming fashion.  The first column is time,
// the rest are the channels in sorted order
func (wav *Waveform) EncodeCSV(w io.Writer) error {
	labels := wav.Labels()
	if len(labels) == 0 {
		return ErrNoChannels
	}
	data := make([][]float64, len(labels))
	n := 0
	for j, l := range labels {
		data[j] = wav.Channels[l].Physical()
		if j == 0 || len(data[j]) < n {
			n = len(data[j])
		}
	}
	times := wav.TimeAxis(n)

	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	row := append([]string{"time"}, labels...)
	if err := writer.Write(row); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		row[0] = strconv.FormatFloat(times[i], 'G', -1, 64)
		for j := range data {
			row[j+1] = strconv.FormatFloat(data[j][i], 'G', -1, 64)
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return bw.Flush()
}
