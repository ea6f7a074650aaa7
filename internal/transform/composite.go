package transform

import (
	"fmt"

	"regkit/internal/config"
	"regkit/internal/volume"
)

// composite chains the Affine family with one non-rigid family. Names read
// as function composition: "Affine o FFD" deforms first and "FFD o Affine"
// applies the affine part first. Params hold the affine block followed by
// the non-rigid block.
type composite struct {
	name        string
	affine      Transform
	nonrigid    Transform
	affineFirst bool
	params      []float64
}

func compositeName(nonrigid string, affineFirst bool) string {
	if affineFirst {
		return nonrigid + " o Affine"
	}
	return "Affine o " + nonrigid
}

func compositeConstructor(nonrigid Constructor, nonrigidName string, affineFirst bool) Constructor {
	name := compositeName(nonrigidName, affineFirst)
	return func(spec config.TransformationSpec, grid volume.Grid) (Transform, error) {
		aff, err := newAffine(spec, grid)
		if err != nil {
			return nil, err
		}
		nr, err := nonrigid(spec, grid)
		if err != nil {
			return nil, err
		}
		params := make([]float64, 0, len(aff.Params())+len(nr.Params()))
		params = append(append(params, aff.Params()...), nr.Params()...)
		return &composite{
			name:        name,
			affine:      aff,
			nonrigid:    nr,
			affineFirst: affineFirst,
			params:      params,
		}, nil
	}
}

// load copies the shared parameter vector into the parts.
func (c *composite) load() {
	n := len(c.affine.Params())
	copy(c.affine.Params(), c.params[:n])
	copy(c.nonrigid.Params(), c.params[n:])
}

func (c *composite) store() {
	n := copy(c.params, c.affine.Params())
	copy(c.params[n:], c.nonrigid.Params())
}

func (c *composite) Name() string      { return c.name }
func (c *composite) Params() []float64 { return c.params }

func (c *composite) SetParams(params []float64) error {
	return setParams(c.params, params)
}

func (c *composite) Apply(points []volume.Point) []volume.Point {
	c.load()
	if c.affineFirst {
		return c.nonrigid.Apply(c.affine.Apply(points))
	}
	return c.affine.Apply(c.nonrigid.Apply(points))
}

func (c *composite) Displacement(grid volume.Grid) *volume.Field {
	return displacementOf(c, grid)
}

func (c *composite) ComposeFrom(coarser Transform) error {
	other, ok := coarser.(*composite)
	if !ok || other.name != c.name {
		return fmt.Errorf("%w: %s from %s", ErrIncompatible, c.name, coarser.Name())
	}
	other.load()
	if err := c.affine.ComposeFrom(other.affine); err != nil {
		return err
	}
	if err := c.nonrigid.ComposeFrom(other.nonrigid); err != nil {
		return err
	}
	c.store()
	return nil
}

func (c *composite) Clone() Transform {
	out := *c
	out.affine = c.affine.Clone()
	out.nonrigid = c.nonrigid.Clone()
	out.params = append([]float64(nil), c.params...)
	return &out
}
