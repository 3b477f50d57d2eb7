package oscilloscope

import (
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotPNG renders every channel of the waveform against time as a PNG
func (wav *Waveform) PlotPNG(w io.Writer, title string, width, height vg.Length) error {
	labels := wav.Labels()
	if len(labels) == 0 {
		return ErrNoChannels
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Voltage (V)"
	p.Add(plotter.NewGrid())

	for i, l := range labels {
		volts := wav.Channels[l].Physical()
		times := wav.TimeAxis(len(volts))
		xys := make(plotter.XYs, len(volts))
		for j := range volts {
			xys[j].X = times[j]
			xys[j].Y = volts[j]
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(l, line)
	}

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
