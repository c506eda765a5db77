package provider

import (
	"fmt"
	"math"
)

// Size is a concrete width/height pair from a backend's size vocabulary.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return s.Format("x")
}

// Format joins the dimensions with sep, e.g. "1024*1024".
func (s Size) Format(sep string) string {
	return fmt.Sprintf("%d%s%d", s.Width, sep, s.Height)
}

// NearestSize picks the entry of sizes whose aspect ratio is closest to width:height.
// Ties go to the earlier entry. Non-positive dimensions are treated as square.
func NearestSize(width, height int, sizes []Size) Size {
	if len(sizes) == 0 {
		return Size{Width: width, Height: height}
	}
	if width <= 0 || height <= 0 {
		width, height = 1, 1
	}
	want := math.Log(float64(width) / float64(height))

	best := sizes[0]
	bestDist := math.Inf(1)
	for _, s := range sizes {
		d := math.Abs(math.Log(float64(s.Width)/float64(s.Height)) - want)
		if d < bestDist {
			best, bestDist = s, d
		}
	}
	return best
}

// ClampDimension bounds v to [lo, hi] and rounds it down to a multiple of step.
func ClampDimension(v, lo, hi, step int) int {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	if step > 1 {
		v -= v % step
		if v < lo {
			v += step
		}
	}
	return v
}
