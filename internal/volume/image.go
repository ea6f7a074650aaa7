package volume

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Image is a scalar volume sampled on Grid.
type Image struct {
	Grid Grid
	Data []float64
}

func NewImage(g Grid) *Image {
	return &Image{Grid: g, Data: make([]float64, g.Len())}
}

// FromData wraps data, which must hold one value per grid voxel.
func FromData(g Grid, data []float64) (*Image, error) {
	if len(data) != g.Len() {
		return nil, fmt.Errorf("%w: %d values for %s", ErrInvalidGrid, len(data), g)
	}
	return &Image{Grid: g, Data: data}, nil
}

func (im *Image) At(i, j, k int) float64 {
	return im.Data[im.Grid.Index(i, j, k)]
}

func (im *Image) Set(i, j, k int, v float64) {
	im.Data[im.Grid.Index(i, j, k)] = v
}

func (im *Image) Clone() *Image {
	return &Image{Grid: im.Grid, Data: append([]float64(nil), im.Data...)}
}

// Range returns the minimum and maximum intensity.
func (im *Image) Range() (lo, hi float64) {
	if len(im.Data) == 0 {
		return 0, 0
	}
	return floats.Min(im.Data), floats.Max(im.Data)
}

// Sample interpolates the image at world position p. Positions outside the
// sampled extent return pad.
func (im *Image) Sample(p Point, pad float64) float64 {
	return im.SampleVoxel(im.Grid.VoxelOf(p), pad)
}

// SampleVoxel interpolates trilinearly at continuous voxel coordinates.
func (im *Image) SampleVoxel(v Point, pad float64) float64 {
	var lo [3]int
	var w [3]float64
	for d := 0; d < 3; d++ {
		n := im.Grid.Size[d]
		x := v[d]
		if n == 1 {
			if math.Abs(x) > 0.5 {
				return pad
			}
			lo[d], w[d] = 0, 0
			continue
		}
		if x < -boundaryTolerance || x > float64(n-1)+boundaryTolerance || math.IsNaN(x) {
			return pad
		}
		x = math.Min(math.Max(x, 0), float64(n-1))
		i := int(math.Floor(x))
		if i >= n-1 {
			i = n - 2
		}
		lo[d], w[d] = i, x-float64(i)
	}
	var sum float64
	for c := 0; c < 8; c++ {
		weight := 1.0
		var idx [3]int
		for d := 0; d < 3; d++ {
			bit := (c >> d) & 1
			if bit == 1 {
				if im.Grid.Size[d] == 1 {
					weight = 0
					break
				}
				weight *= w[d]
			} else {
				weight *= 1 - w[d]
			}
			idx[d] = lo[d] + bit
		}
		if weight == 0 {
			continue
		}
		sum += weight * im.At(idx[0], idx[1], idx[2])
	}
	return sum
}

// SampleNearest returns the value of the voxel closest to world position p,
// or pad outside the sampled extent.
func (im *Image) SampleNearest(p Point, pad float64) float64 {
	v := im.Grid.VoxelOf(p)
	var idx [3]int
	for d := 0; d < 3; d++ {
		n := im.Grid.Size[d]
		x := v[d]
		if math.IsNaN(x) || x < -0.5 || x > float64(n)-0.5 {
			return pad
		}
		i := int(math.Floor(x + 0.5))
		idx[d] = min(max(i, 0), n-1)
	}
	return im.At(idx[0], idx[1], idx[2])
}

const boundaryTolerance = 1e-6

// Fingerprint identifies the image content and geometry.
func (im *Image) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	writeFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	writeFloat(float64(im.Grid.NDim))
	for d := 0; d < 3; d++ {
		writeFloat(float64(im.Grid.Size[d]))
		writeFloat(im.Grid.Spacing[d])
		writeFloat(im.Grid.Origin[d])
	}
	for _, v := range im.Data {
		writeFloat(v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize rescales intensities linearly to [0, 1]. Constant images map to 0.
func (im *Image) Normalize() *Image {
	out := im.Clone()
	lo, hi := im.Range()
	if hi <= lo {
		for i := range out.Data {
			out.Data[i] = 0
		}
		return out
	}
	floats.AddConst(-lo, out.Data)
	floats.Scale(1/(hi-lo), out.Data)
	return out
}
