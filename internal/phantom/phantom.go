// Package phantom generates synthetic volumes for demonstrations and tests.
package phantom

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"regkit/internal/volume"
)

var (
	ErrShapeExists   = errors.New("phantom shape already registered")
	ErrShapeNotFound = errors.New("phantom shape not found")
)

// Spec places a shape on a grid. Lengths are in world units.
type Spec struct {
	Size    []int     `json:"size"`
	Spacing []float64 `json:"spacing"`
	// Radius is the half extent per axis. A single value is broadcast.
	Radius []float64 `json:"radius"`
	// Shift moves the shape away from the grid center.
	Shift []float64 `json:"shift,omitempty"`
	// Edge is the width of the soft boundary. Zero gives a hard edge.
	Edge       float64 `json:"edge"`
	Foreground float64 `json:"foreground"`
	Background float64 `json:"background"`
}

// DefaultSpec renders a radius 8 shape on a 32x32 grid with a soft edge.
func DefaultSpec() Spec {
	return Spec{
		Size:       []int{32, 32},
		Spacing:    []float64{1, 1},
		Radius:     []float64{8},
		Edge:       1,
		Foreground: 1,
	}
}

// Shape maps a point, relative to the shape center and scaled by the
// radius, to a signed distance: negative inside, zero on the boundary.
type Shape func(p volume.Point, ndim int) float64

type Registry struct {
	mu     sync.RWMutex
	shapes map[string]Shape
}

func NewRegistry() *Registry {
	r := &Registry{shapes: make(map[string]Shape)}
	for name, shape := range map[string]Shape{
		"sphere":    sphere,
		"ellipsoid": sphere,
		"box":       box,
		"diamond":   diamond,
	} {
		r.shapes[name] = shape
	}
	return r
}

func (r *Registry) Register(name string, shape Shape) error {
	name = Normalize(name)
	if name == "" || shape == nil {
		return errors.New("phantom name and shape are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.shapes[name]; exists {
		return fmt.Errorf("%w: %s", ErrShapeExists, name)
	}
	r.shapes[name] = shape
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.shapes))
	for name := range r.shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate renders the named shape.
func (r *Registry) Generate(name string, spec Spec) (*volume.Image, error) {
	r.mu.RLock()
	shape, ok := r.shapes[Normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (valid: %s)", ErrShapeNotFound, name, strings.Join(r.Names(), ", "))
	}

	g, err := volume.NewGrid(spec.Size, spec.Spacing)
	if err != nil {
		return nil, err
	}
	radius, err := broadcast(spec.Radius, g.NDim, "radius")
	if err != nil {
		return nil, err
	}
	var shift []float64
	if len(spec.Shift) > 0 {
		if shift, err = broadcast(spec.Shift, g.NDim, "shift"); err != nil {
			return nil, err
		}
	} else {
		shift = make([]float64, g.NDim)
	}

	center := g.Center()
	var scale float64
	for d := 0; d < g.NDim; d++ {
		if radius[d] <= 0 {
			return nil, fmt.Errorf("phantom radius must be > 0, got %v", radius[d])
		}
		center[d] += shift[d]
		scale = math.Max(scale, radius[d])
	}

	img := volume.NewImage(g)
	for idx, p := range g.Points() {
		var rel volume.Point
		for d := 0; d < g.NDim; d++ {
			rel[d] = (p[d] - center[d]) / radius[d]
		}
		// Distances are normalized, so rescale to world units for the edge.
		dist := shape(rel, g.NDim) * scale
		img.Data[idx] = spec.Background + (spec.Foreground-spec.Background)*inside(dist, spec.Edge)
	}
	return img, nil
}

func inside(dist, edge float64) float64 {
	if edge <= 0 {
		if dist <= 0 {
			return 1
		}
		return 0
	}
	return 1 / (1 + math.Exp(dist/edge*4))
}

func broadcast(values []float64, ndim int, field string) ([]float64, error) {
	switch len(values) {
	case 1:
		out := make([]float64, ndim)
		for i := range out {
			out[i] = values[0]
		}
		return out, nil
	case ndim:
		return append([]float64(nil), values...), nil
	default:
		return nil, fmt.Errorf("phantom %s needs 1 or %d values, got %d", field, ndim, len(values))
	}
}

func sphere(p volume.Point, ndim int) float64 {
	var sum float64
	for d := 0; d < ndim; d++ {
		sum += p[d] * p[d]
	}
	return math.Sqrt(sum) - 1
}

func box(p volume.Point, ndim int) float64 {
	var m float64
	for d := 0; d < ndim; d++ {
		m = math.Max(m, math.Abs(p[d]))
	}
	return m - 1
}

func diamond(p volume.Point, ndim int) float64 {
	var sum float64
	for d := 0; d < ndim; d++ {
		sum += math.Abs(p[d])
	}
	return sum - 1
}

// Normalize canonicalizes shape names: case, separators and a "phantom"
// prefix are ignored.
func Normalize(name string) string {
	normalized := strings.TrimSpace(strings.ToLower(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.TrimPrefix(normalized, "phantom-")
	return strings.Trim(normalized, "-")
}
