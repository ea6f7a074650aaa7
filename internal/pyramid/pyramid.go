// Package pyramid builds multi-resolution image levels, coarsest first.
package pyramid

import (
	"fmt"
	"iter"
	"strconv"
	"strings"

	"regkit/internal/config"
	"regkit/internal/volume"
)

// Level is one resolution of the pyramid. Index 0 is the coarsest level.
type Level struct {
	Index   int
	Scale   int
	Spacing []float64
	Image   *volume.Image
}

// Builder produces pyramid levels for a validated PyramidSpec.
type Builder struct {
	spec  config.PyramidSpec
	cache *Cache
}

// New validates spec. Invalid specs yield a *config.Error.
func New(spec config.PyramidSpec) (*Builder, error) {
	if err := config.ValidatePyramid(spec); err != nil {
		return nil, err
	}
	return &Builder{spec: spec}, nil
}

// WithCache memoizes built level images in c.
func (b *Builder) WithCache(c *Cache) *Builder {
	b.cache = c
	return b
}

func (b *Builder) Count() int {
	return b.spec.Levels
}

// Scale is the downsampling factor of level index relative to the finest.
func (b *Builder) Scale(index int) int {
	return 1 << (b.spec.Levels - 1 - index)
}

// Spacing is the sampling of level index in world units.
func (b *Builder) Spacing(index int) []float64 {
	scale := float64(b.Scale(index))
	out := make([]float64, len(b.spec.Spacing))
	for d, s := range b.spec.Spacing {
		out[d] = s * scale
	}
	return out
}

// Levels lazily yields exactly Count levels from coarsest to finest. Each
// level image is derived from img alone, so ranging again yields the same
// sequence. A dimensionality mismatch is reported as the only element.
func (b *Builder) Levels(img *volume.Image) iter.Seq2[Level, error] {
	return func(yield func(Level, error) bool) {
		if img.Grid.NDim != len(b.spec.Dims) {
			yield(Level{}, config.Errorf("pyramid.dims", "image has %d dimensions, pyramid declares %d (%s)",
				img.Grid.NDim, len(b.spec.Dims), strings.Join(b.spec.Dims, ", ")))
			return
		}
		var fingerprint string
		if b.cache != nil {
			fingerprint = img.Fingerprint()
		}
		for index := 0; index < b.spec.Levels; index++ {
			level, err := b.build(img, fingerprint, index)
			if !yield(level, err) || err != nil {
				return
			}
		}
	}
}

// Level builds a single level without iterating the coarser ones.
func (b *Builder) Level(img *volume.Image, index int) (Level, error) {
	if index < 0 || index >= b.spec.Levels {
		return Level{}, fmt.Errorf("level %d out of range [0, %d)", index, b.spec.Levels)
	}
	if img.Grid.NDim != len(b.spec.Dims) {
		return Level{}, config.Errorf("pyramid.dims", "image has %d dimensions, pyramid declares %d", img.Grid.NDim, len(b.spec.Dims))
	}
	var fingerprint string
	if b.cache != nil {
		fingerprint = img.Fingerprint()
	}
	return b.build(img, fingerprint, index)
}

func (b *Builder) build(img *volume.Image, fingerprint string, index int) (Level, error) {
	spacing := b.Spacing(index)
	level := Level{Index: index, Scale: b.Scale(index), Spacing: spacing}

	key := cacheKey(fingerprint, spacing)
	if b.cache != nil {
		if cached, ok := b.cache.get(key); ok {
			level.Image = cached
			return level, nil
		}
	}
	down, err := volume.Downsample(img, spacing)
	if err != nil {
		return Level{}, fmt.Errorf("downsample level %d: %w", index, err)
	}
	level.Image = down
	if b.cache != nil {
		b.cache.set(key, down)
	}
	return level, nil
}

func cacheKey(fingerprint string, spacing []float64) string {
	var sb strings.Builder
	sb.WriteString(fingerprint)
	for _, s := range spacing {
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatFloat(s, 'g', -1, 64))
	}
	return sb.String()
}
