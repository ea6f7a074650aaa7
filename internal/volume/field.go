package volume

import (
	"fmt"
	"math"
)

// Field is a vector field sampled on Grid. Vectors are in world units.
type Field struct {
	Grid Grid
	Data []Point
}

func NewField(g Grid) *Field {
	return &Field{Grid: g, Data: make([]Point, g.Len())}
}

func (f *Field) At(i, j, k int) Point {
	return f.Data[f.Grid.Index(i, j, k)]
}

func (f *Field) Clone() *Field {
	return &Field{Grid: f.Grid, Data: append([]Point(nil), f.Data...)}
}

func (f *Field) Scale(s float64) {
	for i := range f.Data {
		f.Data[i] = f.Data[i].Scale(s)
	}
}

// MaxNorm is the largest vector length in the field.
func (f *Field) MaxNorm() float64 {
	var m float64
	for _, v := range f.Data {
		m = math.Max(m, v.Norm())
	}
	return m
}

// Sample interpolates the field at world position p. Outside the grid the
// nearest boundary value is used.
func (f *Field) Sample(p Point) Point {
	return f.SampleVoxel(f.Grid.VoxelOf(p))
}

func (f *Field) SampleVoxel(v Point) Point {
	var lo, hi [3]int
	var w [3]float64
	for d := 0; d < 3; d++ {
		n := f.Grid.Size[d]
		x := math.Min(math.Max(v[d], 0), float64(n-1))
		if math.IsNaN(x) {
			x = 0
		}
		i := int(math.Floor(x))
		lo[d] = i
		hi[d] = min(i+1, n-1)
		w[d] = x - float64(i)
	}
	var out Point
	for c := 0; c < 8; c++ {
		weight := 1.0
		var idx [3]int
		for d := 0; d < 3; d++ {
			if (c>>d)&1 == 1 {
				weight *= w[d]
				idx[d] = hi[d]
			} else {
				weight *= 1 - w[d]
				idx[d] = lo[d]
			}
		}
		if weight == 0 {
			continue
		}
		out = out.Add(f.At(idx[0], idx[1], idx[2]).Scale(weight))
	}
	return out
}

// Resample interpolates the field onto g.
func (f *Field) Resample(g Grid) *Field {
	out := NewField(g)
	for idx, p := range g.Points() {
		out.Data[idx] = f.Sample(p)
	}
	return out
}

// Add sums another field sampled on the same grid into f.
func (f *Field) Add(o *Field) error {
	if !f.Grid.Equal(o.Grid) {
		return fmt.Errorf("%w: %s vs %s", ErrGridMismatch, f.Grid, o.Grid)
	}
	for i := range f.Data {
		f.Data[i] = f.Data[i].Add(o.Data[i])
	}
	return nil
}

// Compose returns the displacement of x -> x + f(x + g(x)) + g(x), i.e. f
// applied after g, sampled on g's grid.
func Compose(f, g *Field) *Field {
	out := NewField(g.Grid)
	points := g.Grid.Points()
	for idx, p := range points {
		u := g.Data[idx]
		out.Data[idx] = u.Add(f.Sample(p.Add(u)))
	}
	return out
}

// Components splits the field into one flat slice per axis.
func (f *Field) Components() [3][]float64 {
	var out [3][]float64
	for d := 0; d < 3; d++ {
		out[d] = make([]float64, len(f.Data))
		for i, v := range f.Data {
			out[d][i] = v[d]
		}
	}
	return out
}
