package frame

import (
	"errors"
	"testing"
)

func TestSettingsKey(t *testing.T) {
	s := Settings{ExposureTime: 5, Gain: 100, Offset: 30, ReadoutMode: 1}
	if got, want := s.Key(), "exp5.000s_g100_o30_r1"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestSubClampsAtZero(t *testing.T) {
	a := New(2, 2, 1)
	b := New(2, 2, 1)
	a.Pix = []float64{100, 50, 10, 0}
	b.Pix = []float64{30, 60, 10, 5}

	out, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	want := []float64{70, 0, 0, 0}
	for i, v := range out.Pix {
		if v != want[i] {
			t.Fatalf("pixel %d = %v, want %v", i, v, want[i])
		}
	}
	if a.Pix[1] != 50 {
		t.Fatalf("Sub mutated its receiver")
	}
}

func TestSubShapeMismatch(t *testing.T) {
	if _, err := New(2, 2, 1).Sub(New(4, 4, 1)); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestGrayAveragesChannels(t *testing.T) {
	f := New(2, 1, 3)
	f.Pix = []float64{30, 60, 90, 10, 20, 30}
	gray := f.Gray()
	if len(gray) != 2 || gray[0] != 60 || gray[1] != 20 {
		t.Fatalf("Gray() = %v", gray)
	}
}

func TestGraySingleChannelSharesPix(t *testing.T) {
	f := New(2, 2, 1)
	if &f.Gray()[0] != &f.Pix[0] {
		t.Fatalf("single-channel Gray must not copy")
	}
}

func TestComputeStats(t *testing.T) {
	f := New(5, 1, 1)
	f.Pix = []float64{1, 2, 3, 4, 5}
	st := f.ComputeStats()
	if st.Mean != 3 || st.Median != 3 || st.Min != 1 || st.Max != 5 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	f := New(2, 2, 1)
	f.Pix[0] = 7
	c := f.Clone()
	c.Pix[0] = 9
	if f.Pix[0] != 7 {
		t.Fatalf("Clone shares pixel storage")
	}
}
