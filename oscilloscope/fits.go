package oscilloscope

import (
	"io"

	"github.com/astrogo/fitsio"
)

// EncodeFITS streams the waveform in physical units to w as a FITS file with
// one 1-D float64 image HDU per channel, in sorted order.  metadata is
// appended to the header of every HDU
func (wav *Waveform) EncodeFITS(w io.Writer, metadata ...fitsio.Card) error {
	labels := wav.Labels()
	if len(labels) == 0 {
		return ErrNoChannels
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	for _, l := range labels {
		data := wav.Channels[l].Physical()
		im := fitsio.NewImage(-64, []int{len(data)})
		cards := []fitsio.Card{
			{Name: "EXTNAME", Value: l},
			{Name: "BUNIT", Value: "V"},
			{Name: "CDELT1", Value: wav.DT, Comment: "sample spacing, s"},
			{Name: "CRVAL1", Value: wav.T0, Comment: "time of first sample, s"},
			{Name: "CRPIX1", Value: 1.0},
			{Name: "CUNIT1", Value: "s"},
		}
		err = im.Header().Append(append(cards, metadata...)...)
		if err != nil {
			im.Close()
			return err
		}
		err = im.Write(data)
		if err != nil {
			im.Close()
			return err
		}
		err = fits.Write(im)
		im.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
