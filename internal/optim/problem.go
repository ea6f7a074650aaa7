package optim

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
)

// Problem is the objective minimized at one pyramid level.
type Problem interface {
	// Gradient writes the gradient at params into dst and returns the energy.
	Gradient(params, dst []float64) (float64, error)
}

type EnergyFunc func(params []float64) (float64, error)

// NumericalProblem differentiates Func with central finite differences.
type NumericalProblem struct {
	Func EnergyFunc
	// Step is the finite difference step. Zero selects gonum's default.
	Step float64
}

func (p *NumericalProblem) Gradient(params, dst []float64) (float64, error) {
	energy, err := p.Func(params)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(energy) || math.IsInf(energy, 0) || len(params) == 0 {
		return energy, nil
	}

	var evalErr error
	objective := func(x []float64) float64 {
		if evalErr != nil {
			return math.NaN()
		}
		v, err := p.Func(x)
		if err != nil {
			evalErr = err
			return math.NaN()
		}
		return v
	}
	fd.Gradient(dst, objective, params, &fd.Settings{Formula: fd.Central, Step: p.Step})
	if evalErr != nil {
		return 0, evalErr
	}
	return energy, nil
}
