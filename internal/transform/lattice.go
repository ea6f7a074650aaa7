package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"regkit/internal/config"
	"regkit/internal/volume"
)

type interpolation int

const (
	cubicBSpline interpolation = iota
	trilinear
)

// lattice is a vector-valued function given by coefficients on a control
// grid. Coefficients are stored one block per axis.
type lattice struct {
	interp interpolation
	ndim   int
	grid   volume.Grid
	coef   []float64
}

// newLattice places knots at whole strides from the domain's outer voxel
// corner, which every level of a pyramid shares, so coarse knots are also
// knots of the finer levels. The lattice is padded so every basis function
// overlapping the domain, or up to one knot past it, has a coefficient.
func newLattice(interp interpolation, domain volume.Grid, stride []int) (lattice, error) {
	n := domain.NDim
	size := make([]int, n)
	spacing := make([]float64, n)
	origin := make([]float64, n)
	for d := 0; d < n; d++ {
		sp := float64(stride[d]) * domain.Spacing[d]
		corner := domain.Origin[d] - domain.Spacing[d]/2
		lo := math.Floor((domain.Origin[d]-corner)/sp + 1e-9)
		hi := math.Floor((domain.Origin[d]+float64(domain.Size[d]-1)*domain.Spacing[d]-corner)/sp + 1e-9)
		first, last := lo-1, hi+2
		if interp == cubicBSpline {
			first, last = lo-2, hi+3
		}
		spacing[d] = sp
		size[d] = int(last-first) + 1
		origin[d] = corner + first*sp
	}
	grid, err := volume.NewGridAt(size, spacing, origin)
	if err != nil {
		return lattice{}, fmt.Errorf("control grid: %w", err)
	}
	return lattice{interp: interp, ndim: n, grid: grid, coef: make([]float64, n*grid.Len())}, nil
}

// support is the kernel radius in control-point units.
func (l *lattice) support() float64 {
	if l.interp == cubicBSpline {
		return 2
	}
	return 1
}

func kernel(interp interpolation, x float64) float64 {
	x = math.Abs(x)
	if interp == trilinear {
		if x >= 1 {
			return 0
		}
		return 1 - x
	}
	switch {
	case x < 1:
		return 2.0/3.0 - x*x + x*x*x/2
	case x < 2:
		r := 2 - x
		return r * r * r / 6
	default:
		return 0
	}
}

// stencil lists the coefficients contributing at one position.
type stencil struct {
	n   int
	idx [64]int
	w   [64]float64
}

// stencilAt fills st with the coefficient indices and weights that the
// lattice combines at world position p. Indices outside the lattice are
// clamped to its border.
func (l *lattice) stencilAt(p volume.Point, st *stencil) {
	u := l.grid.VoxelOf(p)
	var first [3]int
	var weights [3][4]float64
	var taps [3]int
	for d := 0; d < 3; d++ {
		if d >= l.ndim {
			taps[d], weights[d][0] = 1, 1
			continue
		}
		x := u[d]
		switch l.interp {
		case cubicBSpline:
			i := int(math.Floor(x))
			t := x - float64(i)
			first[d] = i - 1
			taps[d] = 4
			weights[d] = [4]float64{
				(1 - t) * (1 - t) * (1 - t) / 6,
				(3*t*t*t - 6*t*t + 4) / 6,
				(-3*t*t*t + 3*t*t + 3*t + 1) / 6,
				t * t * t / 6,
			}
		default:
			x = math.Min(math.Max(x, 0), float64(l.grid.Size[d]-1))
			i := int(math.Floor(x))
			t := x - float64(i)
			first[d] = i
			taps[d] = 2
			weights[d][0], weights[d][1] = 1-t, t
		}
	}
	st.n = 0
	for c := 0; c < taps[2]; c++ {
		k := clampIndex(first[2]+c, l.grid.Size[2])
		for b := 0; b < taps[1]; b++ {
			j := clampIndex(first[1]+b, l.grid.Size[1])
			wjk := weights[1][b] * weights[2][c]
			if wjk == 0 {
				continue
			}
			for a := 0; a < taps[0]; a++ {
				w := weights[0][a] * wjk
				if w == 0 {
					continue
				}
				st.idx[st.n] = l.grid.Index(clampIndex(first[0]+a, l.grid.Size[0]), j, k)
				st.w[st.n] = w
				st.n++
			}
		}
	}
}

// at evaluates the lattice at world position p.
func (l *lattice) at(p volume.Point) volume.Point {
	var st stencil
	l.stencilAt(p, &st)
	n := l.grid.Len()
	var out volume.Point
	for t := 0; t < st.n; t++ {
		for d := 0; d < l.ndim; d++ {
			out[d] += st.w[t] * l.coef[d*n+st.idx[t]]
		}
	}
	return out
}

func clampIndex(i, n int) int {
	return min(max(i, 0), n-1)
}

// gather evaluates the lattice at every voxel of grid.
func (l *lattice) gather(grid volume.Grid) *volume.Field {
	field := volume.NewField(grid)
	for idx, p := range grid.Points() {
		field.Data[idx] = l.at(p)
	}
	return field
}

// scatter evaluates the lattice on grid by spreading each control point's
// coefficient over the voxels in its support. It is the transposed
// formulation of gather and agrees with it on voxels inside the lattice.
func (l *lattice) scatter(grid volume.Grid) *volume.Field {
	field := volume.NewField(grid)
	n := l.grid.Len()
	radius := l.support()
	for idx := 0; idx < n; idx++ {
		var value volume.Point
		nonzero := false
		for d := 0; d < l.ndim; d++ {
			value[d] = l.coef[d*n+idx]
			nonzero = nonzero || value[d] != 0
		}
		if !nonzero {
			continue
		}
		ci, cj, ck := l.grid.Voxel(idx)
		cp := volume.Point{float64(ci), float64(cj), float64(ck)}
		center := l.grid.WorldOf(cp)
		var lo, hi [3]int
		for d := 0; d < 3; d++ {
			if d >= l.ndim {
				lo[d], hi[d] = 0, grid.Size[d]-1
				continue
			}
			reach := radius * l.grid.Spacing[d]
			lo[d] = max(0, int(math.Ceil((center[d]-reach-grid.Origin[d])/grid.Spacing[d])))
			hi[d] = min(grid.Size[d]-1, int(math.Floor((center[d]+reach-grid.Origin[d])/grid.Spacing[d])))
		}
		for k := lo[2]; k <= hi[2]; k++ {
			for j := lo[1]; j <= hi[1]; j++ {
				for i := lo[0]; i <= hi[0]; i++ {
					u := l.grid.VoxelOf(grid.WorldOf(volume.Point{float64(i), float64(j), float64(k)}))
					w := 1.0
					for d := 0; d < l.ndim; d++ {
						w *= kernel(l.interp, u[d]-cp[d])
					}
					if w == 0 {
						continue
					}
					at := grid.Index(i, j, k)
					field.Data[at] = field.Data[at].Add(value.Scale(w))
				}
			}
		}
	}
	return field
}

// resampleFrom sets the coefficients to the values of other sampled at this
// lattice's control points.
func (l *lattice) resampleFrom(other *lattice) {
	n := l.grid.Len()
	for idx, p := range l.grid.Points() {
		v := other.at(p)
		for d := 0; d < l.ndim; d++ {
			l.coef[d*n+idx] = v[d]
		}
	}
}

type refinementTap struct {
	offset int
	weight float64
}

// refinement expresses one coarse basis function in basis functions of a
// lattice ratio times finer.
func refinement(interp interpolation, ratio int) []refinementTap {
	if ratio == 1 {
		return []refinementTap{{0, 1}}
	}
	if interp == cubicBSpline {
		return []refinementTap{{-2, 1.0 / 8}, {-1, 4.0 / 8}, {0, 6.0 / 8}, {1, 4.0 / 8}, {2, 1.0 / 8}}
	}
	return []refinementTap{{-1, 0.5}, {0, 1}, {1, 0.5}}
}

// subdivide sets the coefficients to the exact refinement of other and
// reports whether it could. That needs this lattice's spacing to be
// other's or half of it, with every knot of other also a knot here.
func (l *lattice) subdivide(other *lattice) bool {
	if l.interp != other.interp || l.ndim != other.ndim {
		return false
	}
	ratio := [3]int{1, 1, 1}
	var shift [3]int
	for d := 0; d < l.ndim; d++ {
		sp := l.grid.Spacing[d]
		switch r := other.grid.Spacing[d] / sp; {
		case math.Abs(r-1) < 1e-6:
		case math.Abs(r-2) < 1e-6:
			ratio[d] = 2
		default:
			return false
		}
		offset := (other.grid.Origin[d] - l.grid.Origin[d]) / sp
		if math.Abs(offset-math.Round(offset)) > 1e-6 {
			return false
		}
		shift[d] = int(math.Round(offset))
	}
	var filters [3][]refinementTap
	for d := range filters {
		filters[d] = refinement(l.interp, ratio[d])
	}

	clear(l.coef)
	n, on := l.grid.Len(), other.grid.Len()
	for oidx := 0; oidx < on; oidx++ {
		ci, cj, ck := other.grid.Voxel(oidx)
		coarse := [3]int{ci, cj, ck}
		var base [3]int
		for d := 0; d < 3; d++ {
			base[d] = ratio[d]*coarse[d] + shift[d]
		}
		for _, c := range filters[2] {
			k := base[2] + c.offset
			if k < 0 || k >= l.grid.Size[2] {
				continue
			}
			for _, b := range filters[1] {
				j := base[1] + b.offset
				if j < 0 || j >= l.grid.Size[1] {
					continue
				}
				for _, a := range filters[0] {
					i := base[0] + a.offset
					if i < 0 || i >= l.grid.Size[0] {
						continue
					}
					w := a.weight * b.weight * c.weight
					idx := l.grid.Index(i, j, k)
					for d := 0; d < l.ndim; d++ {
						l.coef[d*n+idx] += w * other.coef[d*on+oidx]
					}
				}
			}
		}
	}
	return true
}

const (
	fitIterations = 100
	fitTolerance  = 1e-12
)

// fit moves the coefficients to the least-squares fit of values at points,
// starting from the current coefficients. It runs conjugate gradients on
// the normal equations.
func (l *lattice) fit(points, values []volume.Point) {
	n, np := l.grid.Len(), len(points)
	var st stencil
	forward := func(x, dst []float64) {
		clear(dst)
		for i, p := range points {
			l.stencilAt(p, &st)
			for t := 0; t < st.n; t++ {
				for d := 0; d < l.ndim; d++ {
					dst[d*np+i] += st.w[t] * x[d*n+st.idx[t]]
				}
			}
		}
	}
	adjoint := func(r, dst []float64) {
		clear(dst)
		for i, p := range points {
			l.stencilAt(p, &st)
			for t := 0; t < st.n; t++ {
				for d := 0; d < l.ndim; d++ {
					dst[d*n+st.idx[t]] += st.w[t] * r[d*np+i]
				}
			}
		}
	}

	b := make([]float64, l.ndim*np)
	for i, v := range values {
		for d := 0; d < l.ndim; d++ {
			b[d*np+i] = v[d]
		}
	}
	q := make([]float64, len(b))
	forward(l.coef, q)
	r := make([]float64, len(b))
	floats.SubTo(r, b, q)
	s := make([]float64, len(l.coef))
	adjoint(r, s)
	p := append([]float64(nil), s...)
	gamma := floats.Dot(s, s)
	limit := fitTolerance * gamma
	for it := 0; it < fitIterations && gamma > limit; it++ {
		forward(p, q)
		qq := floats.Dot(q, q)
		if qq == 0 {
			return
		}
		alpha := gamma / qq
		floats.AddScaled(l.coef, alpha, p)
		floats.AddScaled(r, -alpha, q)
		adjoint(r, s)
		next := floats.Dot(s, s)
		floats.AddScaledTo(p, s, next/gamma, p)
		gamma = next
	}
}

func (l lattice) clone() lattice {
	l.coef = append([]float64(nil), l.coef...)
	return l
}

// latticeModel backs FFD and DDF (displacement) and SVFFD and SVF
// (stationary velocity).
type latticeModel struct {
	name      string
	lattice   lattice
	domain    volume.Grid
	velocity  bool
	steps     int
	transpose bool
}

func latticeConstructor(name string, interp interpolation, velocity bool) Constructor {
	fallback := 4
	if interp == trilinear {
		fallback = 1
	}
	return func(spec config.TransformationSpec, grid volume.Grid) (Transform, error) {
		lat, err := newLattice(interp, grid, strideVoxels(spec, grid, fallback))
		if err != nil {
			return nil, err
		}
		return &latticeModel{
			name:      name,
			lattice:   lat,
			domain:    grid,
			velocity:  velocity,
			steps:     spec.Steps,
			transpose: spec.Transpose,
		}, nil
	}
}

func (m *latticeModel) Name() string      { return m.name }
func (m *latticeModel) Params() []float64 { return m.lattice.coef }

func (m *latticeModel) SetParams(params []float64) error {
	return setParams(m.lattice.coef, params)
}

// ControlGrid is the lattice the parameters are defined on.
func (m *latticeModel) ControlGrid() volume.Grid {
	return m.lattice.grid
}

func (m *latticeModel) field(grid volume.Grid) *volume.Field {
	if m.transpose {
		return m.lattice.scatter(grid)
	}
	return m.lattice.gather(grid)
}

func (m *latticeModel) Displacement(grid volume.Grid) *volume.Field {
	f := m.field(grid)
	if m.velocity {
		return ExpFlow(f, m.steps)
	}
	return f
}

func (m *latticeModel) Apply(points []volume.Point) []volume.Point {
	out := make([]volume.Point, len(points))
	if m.velocity {
		disp := m.Displacement(m.domain)
		for i, p := range points {
			out[i] = p.Add(disp.Sample(p))
		}
		return out
	}
	for i, p := range points {
		out[i] = p.Add(m.lattice.at(p))
	}
	return out
}

func (m *latticeModel) ComposeFrom(coarser Transform) error {
	other, ok := coarser.(*latticeModel)
	if !ok || other.name != m.name || other.lattice.ndim != m.lattice.ndim {
		return fmt.Errorf("%w: %s from %s", ErrIncompatible, m.name, coarser.Name())
	}
	if m.lattice.subdivide(&other.lattice) {
		return nil
	}
	m.lattice.resampleFrom(&other.lattice)
	m.lattice.fit(m.domain.Points(), other.lattice.gather(m.domain).Data)
	return nil
}

func (m *latticeModel) Clone() Transform {
	out := *m
	out.lattice = m.lattice.clone()
	return &out
}
