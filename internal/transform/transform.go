// Package transform builds the parametric spatial transformations that a
// registration optimizes: linear families (Translation, Affine), B-spline
// free-form deformations (FFD, SVFFD) and dense fields (DDF, SVF). Velocity
// families are exponentiated by scaling and squaring.
package transform

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"regkit/internal/config"
	"regkit/internal/volume"
)

var (
	ErrIncompatible = errors.New("incompatible transformation")
	ErrParamLength  = errors.New("parameter length mismatch")
)

// Transform maps target-space world coordinates into source space. Params
// returns the live parameter vector; writes to it change the mapping.
type Transform interface {
	Name() string
	Params() []float64
	SetParams(params []float64) error
	Apply(points []volume.Point) []volume.Point
	Displacement(grid volume.Grid) *volume.Field
	// ComposeFrom initializes this transform from a converged transform of
	// the same family defined on a coarser level.
	ComposeFrom(coarser Transform) error
	Clone() Transform
}

func setParams(dst, src []float64) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: got %d want %d", ErrParamLength, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

// perturb adds seeded Gaussian noise to params.
func perturb(params []float64, sigma float64, rng *rand.Rand) {
	if sigma <= 0 || rng == nil {
		return
	}
	for i := range params {
		params[i] += sigma * rng.NormFloat64()
	}
}

// strideVoxels converts the configured control-point stride to voxels of
// grid. mm strides are rounded and never below one voxel.
func strideVoxels(spec config.TransformationSpec, grid volume.Grid, fallback int) []int {
	out := make([]int, grid.NDim)
	if len(spec.Stride) == 0 {
		for d := range out {
			out[d] = fallback
		}
		return out
	}
	stride := spec.StrideFor(grid.NDim)
	for d := range out {
		s := stride[d]
		if spec.StrideUnit == config.StrideUnitMM {
			s = int(math.Round(float64(stride[d]) / grid.Spacing[d]))
		}
		out[d] = max(1, s)
	}
	return out
}

func displacementOf(t Transform, grid volume.Grid) *volume.Field {
	points := grid.Points()
	mapped := t.Apply(points)
	field := volume.NewField(grid)
	for i := range points {
		field.Data[i] = mapped[i].Sub(points[i])
	}
	return field
}

// MappedPoints returns T(x) for every voxel x of grid.
func MappedPoints(t Transform, grid volume.Grid) []volume.Point {
	field := t.Displacement(grid)
	points := grid.Points()
	for i := range points {
		points[i] = points[i].Add(field.Data[i])
	}
	return points
}
