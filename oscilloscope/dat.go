package oscilloscope

import (
	"bufio"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// EncodeDat writes one value per line in %.18e form
func EncodeDat(w io.Writer, values []float64) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 32)
	for _, v := range values {
		buf = strconv.AppendFloat(buf[:0], v, 'e', 18, 64)
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteDat writes prefix-Voltages.dat and prefix-Times.dat for one channel
// of the waveform, returning the paths written
func WriteDat(prefix string, wav *Waveform, channel string) ([]string, error) {
	ch, ok := wav.Channels[channel]
	if !ok {
		return nil, errors.Errorf("waveform has no channel %q", channel)
	}
	volts := ch.Physical()
	times := wav.TimeAxis(len(volts))
	files := []struct {
		path string
		data []float64
	}{
		{prefix + "-Voltages.dat", volts},
		{prefix + "-Times.dat", times},
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		fid, err := os.Create(f.path)
		if err != nil {
			return paths, err
		}
		err = EncodeDat(fid, f.data)
		cerr := fid.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			return paths, errors.Wrapf(err, "writing %s", f.path)
		}
		paths = append(paths, f.path)
	}
	return paths, nil
}
