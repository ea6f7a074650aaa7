// Package energy evaluates the weighted sum of loss terms that a
// registration minimizes.
package energy

import (
	"errors"
	"fmt"

	"regkit/internal/config"
	"regkit/internal/volume"
)

var ErrMissingInput = errors.New("energy input missing")

// Inputs carries everything a term may inspect for one evaluation. Warped
// is the source image resampled onto the target grid by the current
// transformation and Displacement is that transformation's field.
type Inputs struct {
	Source       *volume.Image
	Target       *volume.Image
	Warped       *volume.Image
	Displacement *volume.Field
	Params       []float64
}

// Term computes one raw loss value.
type Term interface {
	Evaluate(in Inputs) (float64, error)
}

type TermFunc func(in Inputs) (float64, error)

func (f TermFunc) Evaluate(in Inputs) (float64, error) { return f(in) }

type boundTerm struct {
	label  string
	name   string
	weight float64
	term   Term
}

// Function is the total energy: the weighted sum of its terms in
// declaration order.
type Function struct {
	terms []boundTerm
}

// TermValue is the diagnostic record of one term in an evaluation.
type TermValue struct {
	Label   string  `json:"label"`
	Name    string  `json:"name"`
	Weight  float64 `json:"weight"`
	Raw     float64 `json:"raw"`
	Skipped bool    `json:"skipped,omitempty"`
}

type Value struct {
	Total float64     `json:"total"`
	Terms []TermValue `json:"terms"`
}

// Build resolves every term of spec against reg. Unknown names, missing
// required parameters and unknown parameters are reported together as a
// *config.Error.
func Build(reg *Registry, spec config.EnergySpec) (*Function, error) {
	if cfgErr := config.CheckTerms(spec, reg); cfgErr != nil {
		return nil, cfgErr
	}
	fn := &Function{terms: make([]boundTerm, 0, len(spec.Terms))}
	errs := &config.Error{}
	for _, t := range spec.Terms {
		kind, err := reg.Get(t.Name)
		if err != nil {
			return nil, err
		}
		term, err := kind.New(t.Params)
		if err != nil {
			addTermError(errs, "energy."+t.Label, err)
			continue
		}
		fn.terms = append(fn.terms, boundTerm{label: t.Label, name: t.Name, weight: t.Weight, term: term})
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return fn, nil
}

// addTermError reports a factory error under the term's path. Factories
// name the offending parameter with a *config.Error path.
func addTermError(errs *config.Error, path string, err error) {
	cfgErr, ok := config.AsError(err)
	if !ok {
		errs.Addf(path, "%v", err)
		return
	}
	for _, v := range cfgErr.Violations {
		at := path
		if v.Path != "" {
			at = path + "." + v.Path
		}
		errs.Addf(at, "%s", v.Message)
	}
}

// Labels returns the term labels in declaration order.
func (f *Function) Labels() []string {
	out := make([]string, len(f.terms))
	for i, t := range f.terms {
		out[i] = t.label
	}
	return out
}

// Evaluate sums weight * raw over all terms. Zero-weight terms are not
// evaluated and never contribute.
func (f *Function) Evaluate(in Inputs) (Value, error) {
	value := Value{Terms: make([]TermValue, len(f.terms))}
	for i, t := range f.terms {
		tv := TermValue{Label: t.label, Name: t.name, Weight: t.weight}
		if t.weight == 0 {
			tv.Skipped = true
			value.Terms[i] = tv
			continue
		}
		raw, err := t.term.Evaluate(in)
		if err != nil {
			return Value{}, fmt.Errorf("energy term %s (%s): %w", t.label, t.name, err)
		}
		tv.Raw = raw
		value.Terms[i] = tv
		value.Total += t.weight * raw
	}
	return value, nil
}
