package depth

import (
	"gonum.org/v1/gonum/mat"
)

// Epsilon is the smallest dynamic range that is still normalized.
// Flatter maps carry no contrast and normalize to all zeros.
const Epsilon = 1e-6

// Map is a per-pixel closeness estimate normalized to [0,1], where higher
// values are closer to the camera. The zero Map is empty.
type Map struct {
	grid *mat.Dense
}

// NewMap returns an all-zero map of the given size.
func NewMap(width, height int) Map {
	if width <= 0 || height <= 0 {
		return Map{}
	}
	return Map{grid: mat.NewDense(height, width, nil)}
}

// Width returns the number of columns.
func (m Map) Width() int {
	if m.grid == nil {
		return 0
	}
	_, c := m.grid.Dims()
	return c
}

// Height returns the number of rows.
func (m Map) Height() int {
	if m.grid == nil {
		return 0
	}
	r, _ := m.grid.Dims()
	return r
}

// Empty reports whether the map has no pixels.
func (m Map) Empty() bool { return m.grid == nil }

// At returns the value at column x, row y.
func (m Map) At(x, y int) float64 { return m.grid.At(y, x) }

// Set stores v at column x, row y.
func (m Map) Set(x, y int, v float64) { m.grid.Set(y, x, v) }

// Fill sets every pixel of the rectangle [x0,x1)×[y0,y1) to v, clipped to
// the map bounds.
func (m Map) Fill(x0, y0, x1, y1 int, v float64) {
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, m.Width()), min(y1, m.Height())
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			m.grid.Set(y, x, v)
		}
	}
}

// Dense exposes the underlying grid (rows = height).
func (m Map) Dense() *mat.Dense { return m.grid }

// Row returns a copy of row y.
func (m Map) Row(y int) []float64 {
	return mat.Row(nil, y, m.grid)
}

// Normalize min-max scales raw into [0,1]. When the dynamic range is at most
// Epsilon the result is an all-zero map rather than a division by ~0.
// raw is not modified.
func Normalize(raw *mat.Dense) Map {
	if raw == nil || raw.IsEmpty() {
		return Map{}
	}
	r, c := raw.Dims()
	out := mat.NewDense(r, c, nil)

	lo, hi := mat.Min(raw), mat.Max(raw)
	span := hi - lo
	if span <= Epsilon {
		return Map{grid: out}
	}

	out.Apply(func(_, _ int, v float64) float64 {
		return (v - lo) / span
	}, raw)
	return Map{grid: out}
}

// Invert applies the inverse-depth transform 1/(v+Epsilon) in place, for
// models that output distance rather than disparity.
func Invert(raw *mat.Dense) {
	raw.Apply(func(_, _ int, v float64) float64 {
		return 1.0 / (v + Epsilon)
	}, raw)
}
