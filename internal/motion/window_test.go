package motion

import (
	"math"
	"testing"
	"time"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	now := time.Now()
	for i := 1; i <= 5; i++ {
		w.Push(float64(i), now.Add(time.Duration(i)*time.Second))
	}
	if w.Len() != 3 || w.Cap() != 3 {
		t.Fatalf("expected len=cap=3, got len=%d cap=%d", w.Len(), w.Cap())
	}
	got := w.Magnitudes()
	want := []float64{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("magnitudes = %v, want %v", got, want)
		}
	}
}

func TestWindowRatio(t *testing.T) {
	w := NewWindow(5)
	if w.Ratio(1) != 0 {
		t.Fatalf("empty window ratio should be 0")
	}
	for _, m := range []float64{0.5, 2, 2, 0.1, 3} {
		w.Push(m, time.Now())
	}
	if r := w.Ratio(1.2); r != 0.6 {
		t.Fatalf("expected ratio 0.6, got %v", r)
	}
	if r := w.Ratio(2); r != 0.2 {
		t.Fatalf("threshold is strict, expected 0.2, got %v", r)
	}
}

func TestMagnitudeRejectsNonFinite(t *testing.T) {
	if m, ok := Magnitude(Vector{X: 3, Y: 4}); !ok || m != 5 {
		t.Fatalf("expected 5, got %v ok=%v", m, ok)
	}
	for _, v := range []Vector{
		{X: math.NaN()},
		{Y: math.Inf(1)},
		{Z: math.Inf(-1)},
	} {
		if _, ok := Magnitude(v); ok {
			t.Fatalf("expected %+v to be rejected", v)
		}
	}
}
