package oscilloscope

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPartitionExample(t *testing.T) {
	got, err := Partition(1200, 489)
	if err != nil {
		t.Fatal(err)
	}
	want := []Window{
		{Index: 0, Start: 1, End: 489},
		{Index: 1, Start: 490, End: 978},
		{Index: 2, Start: 979, End: 1200},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("partition mismatch (-want +got):\n%s", diff)
	}
}

func TestPartitionBoundaries(t *testing.T) {
	cases := []struct {
		name        string
		depth, max  int
		wantLengths []int
	}{
		{"single sample", 1, 1, []int{1}},
		{"exactly one chunk", 489, 489, []int{489}},
		{"one over", 490, 489, []int{489, 1}},
		{"smaller than a chunk", 12, 250000, []int{12}},
		{"divisible", 1000, 250, []int{250, 250, 250, 250}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ws, err := Partition(c.depth, c.max)
			if err != nil {
				t.Fatal(err)
			}
			lengths := make([]int, len(ws))
			for i, w := range ws {
				lengths[i] = w.Len()
			}
			if diff := cmp.Diff(c.wantLengths, lengths); diff != "" {
				t.Errorf("window lengths mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPartitionCoversExactly(t *testing.T) {
	for depth := 1; depth <= 64; depth++ {
		for max := 1; max <= 70; max++ {
			ws, err := Partition(depth, max)
			if err != nil {
				t.Fatal(err)
			}
			next := 1
			for i, w := range ws {
				if w.Index != i {
					t.Fatalf("depth %d max %d: window %d has index %d", depth, max, i, w.Index)
				}
				if w.Start != next {
					t.Fatalf("depth %d max %d: window %d starts at %d, expected %d", depth, max, i, w.Start, next)
				}
				if w.Len() < 1 || w.Len() > max {
					t.Fatalf("depth %d max %d: window %d has length %d", depth, max, i, w.Len())
				}
				next = w.End + 1
			}
			if next != depth+1 {
				t.Fatalf("depth %d max %d: windows end at %d", depth, max, next-1)
			}
		}
	}
}

func TestPartitionRejectsNonPositive(t *testing.T) {
	for _, args := range [][2]int{{0, 10}, {-1, 10}, {10, 0}, {10, -5}} {
		_, err := Partition(args[0], args[1])
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Errorf("Partition(%d, %d): expected ProtocolError, got %v", args[0], args[1], err)
		}
	}
}
