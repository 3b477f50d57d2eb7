package oscilloscope

import (
	"errors"
	"fmt"
	"testing"

	c "github.com/smartystreets/goconvey/convey"
)

func TestRescaleFullByteRange(t *testing.T) {
	testCases := []struct {
		raw  int
		volt float64
	}{
		{0, -1.0},
		{255, 1.0},
		{127, -0.00392156862745098},
	}
	c.Convey("Given raw codes spanning [0, 255] measured as [-1, 1] V", t, func() {
		raw := []int{0, 255, 127}
		phys, cal, err := Rescale(raw, -1, 1)
		c.So(err, c.ShouldBeNil)
		c.Convey("Then the scale should be 2/255 and the offset -1", func() {
			c.So(cal.Scale, c.ShouldAlmostEqual, 2.0/255)
			c.So(cal.Offset, c.ShouldAlmostEqual, -1.0)
		})
		for i, testCase := range testCases {
			conveyance := fmt.Sprintf("Then raw code %d should be %.4f V", testCase.raw, testCase.volt)
			c.Convey(conveyance, func() {
				c.So(phys[i], c.ShouldAlmostEqual, testCase.volt, 1e-9)
			})
		}
	})
}

func TestRescaleIsPure(t *testing.T) {
	c.Convey("Given the same raw trace and reference extrema", t, func() {
		raw := []int{3, 9, 200, 17, 45, 45, 0}
		a, _, errA := Rescale(raw, -0.4, 2.2)
		b, _, errB := Rescale(raw, -0.4, 2.2)
		c.Convey("Then two rescales are bit-identical", func() {
			c.So(errA, c.ShouldBeNil)
			c.So(errB, c.ShouldBeNil)
			c.So(a, c.ShouldResemble, b)
		})
	})
}

func TestRescaleFlatIsCalibrationError(t *testing.T) {
	raw := make([]int, 50)
	for i := range raw {
		raw[i] = 100
	}
	_, _, err := Rescale(raw, -1, 1)
	var cerr *CalibrationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CalibrationError, got %v", err)
	}
}

func TestExtentSkipsDegradedWindows(t *testing.T) {
	raw := []int{5, 6, 0, 0, 7, 9}
	skip := []Window{{Index: 1, Start: 3, End: 4}}
	ext := extentOf(raw, skip)
	if !ext.Valid || ext.Min != 5 || ext.Max != 9 {
		t.Errorf("expected extent [5, 9], got %+v", ext)
	}
	ext = extentOf(raw, []Window{{Start: 1, End: 6}})
	if ext.Valid {
		t.Errorf("expected no valid extent when everything is skipped, got %+v", ext)
	}
}

func TestPreambleCalibrator(t *testing.T) {
	c.Convey("Given a DS1000Z preamble with yinc 0.04, yorigin -127 and yref 127", t, func() {
		p := PreambleCalibrator{YIncrement: 0.04, YOrigin: -127, YReference: 127}
		cal, err := p.Calibrate(Extent{Min: 0, Max: 255, Valid: true})
		c.So(err, c.ShouldBeNil)
		c.Convey("Then code 0 should be 0 V and code 25 should be 1 V", func() {
			v := cal.Apply([]int{0, 25})
			c.So(v[0], c.ShouldAlmostEqual, 0.0)
			c.So(v[1], c.ShouldAlmostEqual, 1.0)
		})
		c.Convey("Then a flat trace still calibrates", func() {
			_, err := p.Calibrate(Extent{Min: 100, Max: 100, Valid: true})
			c.So(err, c.ShouldBeNil)
		})
	})
	c.Convey("Given a preamble with zero vertical increment", t, func() {
		_, err := PreambleCalibrator{}.Calibrate(Extent{})
		var cerr *CalibrationError
		c.So(errors.As(err, &cerr), c.ShouldBeTrue)
	})
}
