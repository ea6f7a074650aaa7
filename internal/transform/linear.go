package transform

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"regkit/internal/config"
	"regkit/internal/volume"
)

// linear is x -> c + H(x - c) about the domain centre c, where H is the
// homogeneous product of elementary factors. Params hold each factor's
// block in factor order:
//
//	A  t then M row-major, linear part I + M
//	T  translation
//	R  one angle in 2D, rotations about x, y and z in 3D (applied in that order)
//	S  log scale per axis
//	K  shears xy, xz, yz
//
// Every factor is the identity at zero.
type linear struct {
	name    string
	ndim    int
	center  volume.Point
	factors []byte
	params  []float64
}

func newLinear(name string, factors []byte, grid volume.Grid) *linear {
	n := grid.NDim
	size := 0
	for _, f := range factors {
		size += factorSize(f, n)
	}
	return &linear{
		name:    name,
		ndim:    n,
		center:  grid.Center(),
		factors: factors,
		params:  make([]float64, size),
	}
}

func newTranslation(_ config.TransformationSpec, grid volume.Grid) (Transform, error) {
	return newLinear("Translation", []byte{config.AffineTranslation}, grid), nil
}

func newAffine(spec config.TransformationSpec, grid volume.Grid) (Transform, error) {
	factors, err := config.AffineFactors(spec.AffineModel)
	if err != nil {
		return nil, fmt.Errorf("affine_model: %w", err)
	}
	return newLinear("Affine", factors, grid), nil
}

func factorSize(f byte, n int) int {
	switch f {
	case config.AffineTranslation, config.AffineScaling:
		return n
	case config.AffineRotation, config.AffineShearing:
		return n * (n - 1) / 2
	default:
		return n + n*n
	}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// factorMatrix is the homogeneous matrix of one factor.
func factorMatrix(f byte, n int, p []float64) *mat.Dense {
	m := identity(n + 1)
	switch f {
	case config.AffineTranslation:
		for d := 0; d < n; d++ {
			m.Set(d, n, p[d])
		}
	case config.AffineScaling:
		for d := 0; d < n; d++ {
			m.Set(d, d, math.Exp(p[d]))
		}
	case config.AffineShearing:
		k := 0
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				m.Set(i, j, p[k])
				k++
			}
		}
	case config.AffineRotation:
		if n == 2 {
			return rotation(n, 0, 1, p[0])
		}
		var out mat.Dense
		out.Mul(rotation(n, 0, 1, p[2]), rotation(n, 2, 0, p[1]))
		var full mat.Dense
		full.Mul(&out, rotation(n, 1, 2, p[0]))
		return &full
	default:
		for d := 0; d < n; d++ {
			m.Set(d, n, p[d])
			for e := 0; e < n; e++ {
				m.Set(d, e, m.At(d, e)+p[n+d*n+e])
			}
		}
	}
	return m
}

// rotation turns axis a towards axis b by angle.
func rotation(n, a, b int, angle float64) *mat.Dense {
	m := identity(n + 1)
	c, s := math.Cos(angle), math.Sin(angle)
	m.Set(a, a, c)
	m.Set(a, b, -s)
	m.Set(b, a, s)
	m.Set(b, b, c)
	return m
}

// matrix returns the homogeneous (n+1)x(n+1) matrix acting on coordinates
// relative to the domain centre.
func (l *linear) matrix() *mat.Dense {
	n := l.ndim
	total := identity(n + 1)
	off := 0
	for _, f := range l.factors {
		size := factorSize(f, n)
		var next mat.Dense
		next.Mul(total, factorMatrix(f, n, l.params[off:off+size]))
		total = &next
		off += size
	}
	return total
}

func (l *linear) Name() string      { return l.name }
func (l *linear) Params() []float64 { return l.params }

func (l *linear) SetParams(params []float64) error {
	return setParams(l.params, params)
}

func (l *linear) Apply(points []volume.Point) []volume.Point {
	h := l.matrix()
	n := l.ndim
	out := make([]volume.Point, len(points))
	for i, p := range points {
		q := p
		for d := 0; d < n; d++ {
			v := l.center[d] + h.At(d, n)
			for e := 0; e < n; e++ {
				v += h.At(d, e) * (p[e] - l.center[e])
			}
			q[d] = v
		}
		out[i] = q
	}
	return out
}

func (l *linear) Displacement(grid volume.Grid) *volume.Field {
	return displacementOf(l, grid)
}

func (l *linear) ComposeFrom(coarser Transform) error {
	other, ok := coarser.(*linear)
	if !ok || other.name != l.name || other.ndim != l.ndim || !slices.Equal(other.factors, l.factors) {
		return fmt.Errorf("%w: %s from %s", ErrIncompatible, l.name, coarser.Name())
	}
	copy(l.params, other.params)
	return nil
}

func (l *linear) Clone() Transform {
	out := *l
	out.params = append([]float64(nil), l.params...)
	return &out
}
