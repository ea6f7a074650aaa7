package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// GaussianKernel returns a normalized 1D kernel truncated at three sigma.
func GaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(-x * x / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// Smooth applies a separable Gaussian filter with per-axis sigma in voxels.
// Borders are clamped.
func Smooth(im *Image, sigma [3]float64) *Image {
	out := im.Clone()
	for d := 0; d < im.Grid.NDim; d++ {
		if sigma[d] <= 0 || im.Grid.Size[d] == 1 {
			continue
		}
		out = convolveAxis(out, d, GaussianKernel(sigma[d]))
	}
	return out
}

// BoxMean averages over a (2r+1) window along each axis. Borders are clamped.
func BoxMean(im *Image, radius [3]int) *Image {
	out := im.Clone()
	for d := 0; d < im.Grid.NDim; d++ {
		if radius[d] <= 0 {
			continue
		}
		kernel := make([]float64, 2*radius[d]+1)
		for i := range kernel {
			kernel[i] = 1 / float64(len(kernel))
		}
		out = convolveAxis(out, d, kernel)
	}
	return out
}

func convolveAxis(im *Image, axis int, kernel []float64) *Image {
	g := im.Grid
	out := NewImage(g)
	radius := len(kernel) / 2
	n := g.Size[axis]
	line := make([]float64, n)
	window := make([]float64, len(kernel))
	var stride int
	switch axis {
	case 0:
		stride = 1
	case 1:
		stride = g.Size[0]
	default:
		stride = g.Size[0] * g.Size[1]
	}
	for idx := 0; idx < g.Len(); idx++ {
		i, j, k := g.Voxel(idx)
		pos := [3]int{i, j, k}
		if pos[axis] != 0 {
			continue
		}
		for t := 0; t < n; t++ {
			line[t] = im.Data[idx+t*stride]
		}
		for t := 0; t < n; t++ {
			for s := range window {
				window[s] = line[min(max(t+s-radius, 0), n-1)]
			}
			out.Data[idx+t*stride] = floats.Dot(window, kernel)
		}
	}
	return out
}

// Resample interpolates im onto g. Positions outside im's extent get pad.
func Resample(im *Image, g Grid, pad float64) *Image {
	out := NewImage(g)
	for idx, p := range g.Points() {
		out.Data[idx] = im.Sample(p, pad)
	}
	return out
}

// Downsample smooths im against aliasing and resamples it to spacing.
func Downsample(im *Image, spacing []float64) (*Image, error) {
	g, err := im.Grid.WithSpacing(spacing)
	if err != nil {
		return nil, err
	}
	var sigma [3]float64
	for d := 0; d < g.NDim; d++ {
		if ratio := g.Spacing[d] / im.Grid.Spacing[d]; ratio > 1 {
			sigma[d] = 0.5 * ratio
		}
	}
	lo, _ := im.Range()
	return Resample(Smooth(im, sigma), g, lo), nil
}

// Warp samples src at mapped world positions, one per voxel of g.
func Warp(src *Image, g Grid, mapped []Point, pad float64) (*Image, error) {
	if len(mapped) != g.Len() {
		return nil, fmt.Errorf("%w: %d positions for %s", ErrGridMismatch, len(mapped), g)
	}
	out := NewImage(g)
	for idx, p := range mapped {
		out.Data[idx] = src.Sample(p, pad)
	}
	return out, nil
}

// WarpNearest is Warp with nearest-neighbour lookup, for label images.
func WarpNearest(src *Image, g Grid, mapped []Point, pad float64) (*Image, error) {
	if len(mapped) != g.Len() {
		return nil, fmt.Errorf("%w: %d positions for %s", ErrGridMismatch, len(mapped), g)
	}
	out := NewImage(g)
	for idx, p := range mapped {
		out.Data[idx] = src.SampleNearest(p, pad)
	}
	return out, nil
}
