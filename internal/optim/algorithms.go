package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"regkit/internal/config"
)

// Algorithm updates params in place from a gradient and learning rate.
// Implementations keep per-parameter state between steps.
type Algorithm interface {
	Name() string
	Step(params, grad []float64, lr float64)
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

type adam struct {
	beta1, beta2, epsilon float64
	m, v                  []float64
	t                     int
}

func newAdam(spec config.OptimizerSpec, n int) Algorithm {
	return &adam{
		beta1:   orDefault(spec.Beta1, 0.9),
		beta2:   orDefault(spec.Beta2, 0.999),
		epsilon: orDefault(spec.Epsilon, 1e-8),
		m:       make([]float64, n),
		v:       make([]float64, n),
	}
}

func (a *adam) Name() string { return "Adam" }

func (a *adam) Step(params, grad []float64, lr float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		params[i] -= lr * (a.m[i] / c1) / (math.Sqrt(a.v[i]/c2) + a.epsilon)
	}
}

type sgd struct {
	momentum float64
	velocity []float64
}

func newSGD(spec config.OptimizerSpec, n int) Algorithm {
	return &sgd{momentum: orDefault(spec.Momentum, 0), velocity: make([]float64, n)}
}

func (s *sgd) Name() string { return "SGD" }

func (s *sgd) Step(params, grad []float64, lr float64) {
	if s.momentum == 0 {
		floats.AddScaled(params, -lr, grad)
		return
	}
	floats.Scale(s.momentum, s.velocity)
	floats.Add(s.velocity, grad)
	floats.AddScaled(params, -lr, s.velocity)
}

type rmsprop struct {
	alpha, epsilon float64
	square         []float64
}

func newRMSprop(spec config.OptimizerSpec, n int) Algorithm {
	return &rmsprop{
		alpha:   orDefault(spec.Beta2, 0.99),
		epsilon: orDefault(spec.Epsilon, 1e-8),
		square:  make([]float64, n),
	}
}

func (r *rmsprop) Name() string { return "RMSprop" }

func (r *rmsprop) Step(params, grad []float64, lr float64) {
	for i, g := range grad {
		r.square[i] = r.alpha*r.square[i] + (1-r.alpha)*g*g
		params[i] -= lr * g / (math.Sqrt(r.square[i]) + r.epsilon)
	}
}

type adagrad struct {
	epsilon float64
	sum     []float64
}

func newAdagrad(spec config.OptimizerSpec, n int) Algorithm {
	return &adagrad{epsilon: orDefault(spec.Epsilon, 1e-10), sum: make([]float64, n)}
}

func (a *adagrad) Name() string { return "Adagrad" }

func (a *adagrad) Step(params, grad []float64, lr float64) {
	for i, g := range grad {
		a.sum[i] += g * g
		params[i] -= lr * g / (math.Sqrt(a.sum[i]) + a.epsilon)
	}
}
