package energy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"regkit/internal/config"
	"regkit/internal/volume"
)

// derivatives computes finite differences of displacement components in
// world units with a step of stride voxels. Borders are clamped.
type derivatives struct {
	field  *volume.Field
	comps  [3][]float64
	stride [3]int
}

func newDerivatives(f *volume.Field, stride []int) derivatives {
	d := derivatives{field: f, comps: f.Components()}
	for i := 0; i < 3; i++ {
		d.stride[i] = 1
		if i < len(stride) && stride[i] > 0 {
			d.stride[i] = stride[i]
		}
	}
	return d
}

func (d derivatives) value(c, i, j, k int) float64 {
	g := d.field.Grid
	i = min(max(i, 0), g.Size[0]-1)
	j = min(max(j, 0), g.Size[1]-1)
	k = min(max(k, 0), g.Size[2]-1)
	return d.comps[c][g.Index(i, j, k)]
}

func shift(pos [3]int, axis, by int) [3]int {
	pos[axis] += by
	return pos
}

func (d derivatives) at(c int, p [3]int) float64 {
	return d.value(c, p[0], p[1], p[2])
}

// first is the central difference of component c along axis.
func (d derivatives) first(c, axis int, p [3]int) float64 {
	s := d.stride[axis]
	h := float64(s) * d.field.Grid.Spacing[axis]
	return (d.at(c, shift(p, axis, s)) - d.at(c, shift(p, axis, -s))) / (2 * h)
}

// second is the second difference of component c along axes a and b.
func (d derivatives) second(c, a, b int, p [3]int) float64 {
	sa, sb := d.stride[a], d.stride[b]
	ha := float64(sa) * d.field.Grid.Spacing[a]
	if a == b {
		return (d.at(c, shift(p, a, sa)) - 2*d.at(c, p) + d.at(c, shift(p, a, -sa))) / (ha * ha)
	}
	hb := float64(sb) * d.field.Grid.Spacing[b]
	pp := shift(shift(p, a, sa), b, sb)
	pm := shift(shift(p, a, sa), b, -sb)
	mp := shift(shift(p, a, -sa), b, sb)
	mm := shift(shift(p, a, -sa), b, -sb)
	return (d.at(c, pp) - d.at(c, pm) - d.at(c, mp) + d.at(c, mm)) / (4 * ha * hb)
}

// mean averages fn over all voxels.
func (d derivatives) mean(fn func(p [3]int) float64) float64 {
	g := d.field.Grid
	var sum float64
	for idx := 0; idx < g.Len(); idx++ {
		i, j, k := g.Voxel(idx)
		sum += fn([3]int{i, j, k})
	}
	return sum / float64(g.Len())
}

func displacementTerm(params map[string]any, eval func(d derivatives, ndim int) float64) (Term, error) {
	stride := config.IntsParam(params, "stride", 3)
	for _, s := range stride {
		if s < 1 {
			return nil, config.Errorf("stride", "must be >= 1, got %d", s)
		}
	}
	return TermFunc(func(in Inputs) (float64, error) {
		if in.Displacement == nil {
			return 0, fmt.Errorf("%w: displacement field", ErrMissingInput)
		}
		return eval(newDerivatives(in.Displacement, stride), in.Displacement.Grid.NDim), nil
	}), nil
}

// newBending is the thin-plate bending energy: squared second derivatives,
// mixed terms counted twice.
func newBending(params map[string]any) (Term, error) {
	return displacementTerm(params, func(d derivatives, ndim int) float64 {
		return d.mean(func(p [3]int) float64 {
			var e float64
			for c := 0; c < ndim; c++ {
				for a := 0; a < ndim; a++ {
					for b := a; b < ndim; b++ {
						v := d.second(c, a, b, p)
						if a == b {
							e += v * v
						} else {
							e += 2 * v * v
						}
					}
				}
			}
			return e
		})
	})
}

// newCurvature penalizes the squared Laplacian of each component.
func newCurvature(params map[string]any) (Term, error) {
	return displacementTerm(params, func(d derivatives, ndim int) float64 {
		return d.mean(func(p [3]int) float64 {
			var e float64
			for c := 0; c < ndim; c++ {
				var lap float64
				for a := 0; a < ndim; a++ {
					lap += d.second(c, a, a, p)
				}
				e += lap * lap
			}
			return e
		})
	})
}

// newDiffusion penalizes squared first derivatives.
func newDiffusion(params map[string]any) (Term, error) {
	return displacementTerm(params, func(d derivatives, ndim int) float64 {
		return d.mean(func(p [3]int) float64 {
			var e float64
			for c := 0; c < ndim; c++ {
				for a := 0; a < ndim; a++ {
					v := d.first(c, a, p)
					e += v * v
				}
			}
			return e
		})
	})
}

func newTotalVariation(params map[string]any) (Term, error) {
	return displacementTerm(params, func(d derivatives, ndim int) float64 {
		return d.mean(func(p [3]int) float64 {
			var e float64
			for c := 0; c < ndim; c++ {
				for a := 0; a < ndim; a++ {
					e += math.Abs(d.first(c, a, p))
				}
			}
			return e
		})
	})
}

func paramsTerm(eval func(params []float64) float64) Factory {
	return func(map[string]any) (Term, error) {
		return TermFunc(func(in Inputs) (float64, error) {
			if len(in.Params) == 0 {
				return 0, nil
			}
			return eval(in.Params) / float64(len(in.Params)), nil
		}), nil
	}
}

var (
	newL1Norm = paramsTerm(func(p []float64) float64 { return floats.Norm(p, 1) })
	newL2Norm = paramsTerm(func(p []float64) float64 { return floats.Dot(p, p) })
)
