// Package volume holds the sampled images and vector fields registration
// operates on. Data is stored flat in x-fastest order; 2D volumes keep a
// single z slice.
package volume

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidGrid  = errors.New("invalid grid")
	ErrGridMismatch = errors.New("grid mismatch")
)

// Point is a position or vector in world (mm) or voxel coordinates.
type Point [3]float64

func (p Point) Add(q Point) Point { return Point{p[0] + q[0], p[1] + q[1], p[2] + q[2]} }
func (p Point) Sub(q Point) Point { return Point{p[0] - q[0], p[1] - q[1], p[2] - q[2]} }
func (p Point) Scale(s float64) Point { return Point{p[0] * s, p[1] * s, p[2] * s} }

func (p Point) Norm() float64 {
	return math.Sqrt(p[0]*p[0] + p[1]*p[1] + p[2]*p[2])
}

// Grid describes a regular sampling lattice.
type Grid struct {
	NDim    int        `json:"ndim"`
	Size    [3]int     `json:"size"`
	Spacing [3]float64 `json:"spacing"`
	Origin  [3]float64 `json:"origin"`
}

// NewGrid builds a 2D or 3D grid at the origin.
func NewGrid(size []int, spacing []float64) (Grid, error) {
	return NewGridAt(size, spacing, nil)
}

func NewGridAt(size []int, spacing []float64, origin []float64) (Grid, error) {
	ndim := len(size)
	if ndim < 2 || ndim > 3 {
		return Grid{}, fmt.Errorf("%w: %d dimensions", ErrInvalidGrid, ndim)
	}
	if len(spacing) != ndim {
		return Grid{}, fmt.Errorf("%w: %d spacings for %d dimensions", ErrInvalidGrid, len(spacing), ndim)
	}
	if origin != nil && len(origin) != ndim {
		return Grid{}, fmt.Errorf("%w: %d origin values for %d dimensions", ErrInvalidGrid, len(origin), ndim)
	}
	g := Grid{NDim: ndim, Size: [3]int{1, 1, 1}, Spacing: [3]float64{1, 1, 1}}
	for d := 0; d < ndim; d++ {
		if size[d] < 1 {
			return Grid{}, fmt.Errorf("%w: size[%d]=%d", ErrInvalidGrid, d, size[d])
		}
		if !(spacing[d] > 0) {
			return Grid{}, fmt.Errorf("%w: spacing[%d]=%v", ErrInvalidGrid, d, spacing[d])
		}
		g.Size[d] = size[d]
		g.Spacing[d] = spacing[d]
		if origin != nil {
			g.Origin[d] = origin[d]
		}
	}
	return g, nil
}

func (g Grid) Len() int {
	return g.Size[0] * g.Size[1] * g.Size[2]
}

func (g Grid) Index(i, j, k int) int {
	return (k*g.Size[1]+j)*g.Size[0] + i
}

func (g Grid) Voxel(idx int) (i, j, k int) {
	i = idx % g.Size[0]
	idx /= g.Size[0]
	j = idx % g.Size[1]
	k = idx / g.Size[1]
	return i, j, k
}

// WorldOf maps continuous voxel coordinates to world coordinates.
func (g Grid) WorldOf(v Point) Point {
	var p Point
	for d := 0; d < 3; d++ {
		p[d] = g.Origin[d] + v[d]*g.Spacing[d]
	}
	return p
}

// VoxelOf maps world coordinates to continuous voxel coordinates.
func (g Grid) VoxelOf(p Point) Point {
	var v Point
	for d := 0; d < 3; d++ {
		v[d] = (p[d] - g.Origin[d]) / g.Spacing[d]
	}
	return v
}

// Points returns the world coordinates of every voxel in index order.
func (g Grid) Points() []Point {
	out := make([]Point, 0, g.Len())
	for k := 0; k < g.Size[2]; k++ {
		for j := 0; j < g.Size[1]; j++ {
			for i := 0; i < g.Size[0]; i++ {
				out = append(out, g.WorldOf(Point{float64(i), float64(j), float64(k)}))
			}
		}
	}
	return out
}

// Center is the world position of the grid's geometric centre.
func (g Grid) Center() Point {
	var v Point
	for d := 0; d < 3; d++ {
		v[d] = float64(g.Size[d]-1) / 2
	}
	return g.WorldOf(v)
}

// WithSpacing returns a grid covering the same physical extent sampled at
// spacing. Voxel corners of both grids line up.
func (g Grid) WithSpacing(spacing []float64) (Grid, error) {
	if len(spacing) != g.NDim {
		return Grid{}, fmt.Errorf("%w: %d spacings for %d dimensions", ErrInvalidGrid, len(spacing), g.NDim)
	}
	size := make([]int, g.NDim)
	origin := make([]float64, g.NDim)
	for d := 0; d < g.NDim; d++ {
		extent := float64(g.Size[d]) * g.Spacing[d]
		size[d] = max(1, int(math.Round(extent/spacing[d])))
		origin[d] = g.Origin[d] - g.Spacing[d]/2 + spacing[d]/2
	}
	return NewGridAt(size, spacing, origin)
}

func (g Grid) Equal(o Grid) bool {
	if g.NDim != o.NDim || g.Size != o.Size {
		return false
	}
	for d := 0; d < 3; d++ {
		if !approx(g.Spacing[d], o.Spacing[d]) || !approx(g.Origin[d], o.Origin[d]) {
			return false
		}
	}
	return true
}

func (g Grid) String() string {
	return fmt.Sprintf("grid(size=%v spacing=%v origin=%v)", g.Size[:g.NDim], g.Spacing[:g.NDim], g.Origin[:g.NDim])
}

func approx(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
