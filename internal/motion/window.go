package motion

import (
	"math"
	"time"
)

type entry struct {
	magnitude float64
	at        time.Time
}

// Window is a fixed-capacity ring of magnitudes; the oldest entry is
// evicted on overflow.
type Window struct {
	buf   []entry
	start int
	size  int
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]entry, capacity)}
}

func (w *Window) Push(magnitude float64, at time.Time) {
	idx := (w.start + w.size) % len(w.buf)
	w.buf[idx] = entry{magnitude: magnitude, at: at}
	if w.size < len(w.buf) {
		w.size++
		return
	}
	w.start = (w.start + 1) % len(w.buf)
}

func (w *Window) Len() int { return w.size }
func (w *Window) Cap() int { return len(w.buf) }

// Magnitudes returns the window contents, oldest first.
func (w *Window) Magnitudes() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)].magnitude
	}
	return out
}

// Ratio is the share of samples whose magnitude exceeds threshold.
func (w *Window) Ratio(threshold float64) float64 {
	if w.size == 0 {
		return 0
	}
	above := 0
	for i := 0; i < w.size; i++ {
		if w.buf[(w.start+i)%len(w.buf)].magnitude > threshold {
			above++
		}
	}
	return float64(above) / float64(w.size)
}

// Magnitude is the Euclidean norm. ok is false for non-finite input.
func Magnitude(v Vector) (float64, bool) {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return 0, false
		}
	}
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z), true
}
