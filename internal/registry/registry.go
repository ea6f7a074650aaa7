// Package registry bundles the transformation, energy term and optimizer
// registries a run resolves names against.
package registry

import (
	"fmt"

	"regkit/internal/config"
	"regkit/internal/energy"
	"regkit/internal/optim"
	"regkit/internal/transform"
)

type Registry struct {
	Transforms *transform.Registry
	Losses     *energy.Registry
	Optimizers *optim.Registry
}

var _ config.Catalog = (*Registry)(nil)

// Empty returns a registry with no kinds registered.
func Empty() *Registry {
	return &Registry{
		Transforms: transform.NewRegistry(),
		Losses:     energy.NewRegistry(),
		Optimizers: optim.NewRegistry(),
	}
}

// New returns a registry holding every built-in kind.
func New() (*Registry, error) {
	r := Empty()
	if err := transform.RegisterBuiltins(r.Transforms); err != nil {
		return nil, fmt.Errorf("register transformations: %w", err)
	}
	if err := energy.RegisterBuiltins(r.Losses); err != nil {
		return nil, fmt.Errorf("register energy terms: %w", err)
	}
	if err := optim.RegisterBuiltins(r.Optimizers); err != nil {
		return nil, fmt.Errorf("register optimizers: %w", err)
	}
	return r, nil
}

func MustNew() *Registry {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) TransformNames() []string { return r.Transforms.Names() }
func (r *Registry) OptimizerNames() []string { return r.Optimizers.Names() }
func (r *Registry) LossNames() []string      { return r.Losses.LossNames() }

func (r *Registry) LossParams(name string) ([]config.ParamSpec, bool) {
	return r.Losses.LossParams(name)
}

// Kinds lists registered names per category.
type Kinds struct {
	Transforms []string `json:"transforms"`
	Losses     []string `json:"losses"`
	Optimizers []string `json:"optimizers"`
}

func (r *Registry) Kinds() Kinds {
	return Kinds{
		Transforms: r.TransformNames(),
		Losses:     r.LossNames(),
		Optimizers: r.OptimizerNames(),
	}
}
