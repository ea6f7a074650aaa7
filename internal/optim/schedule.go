package optim

import (
	"math"

	"regkit/internal/config"
)

// Schedule yields the learning rate for a zero-based step index.
type Schedule interface {
	Rate(step int) float64
}

type ConstantRate float64

func (c ConstantRate) Rate(int) float64 { return float64(c) }

// ExponentialDecay multiplies the base rate by Gamma every step.
type ExponentialDecay struct {
	Base  float64
	Gamma float64
}

func (e ExponentialDecay) Rate(step int) float64 {
	return e.Base * math.Pow(e.Gamma, float64(step))
}

// NewSchedule decays lr by lr_decay_rate over lr_decay_steps steps, i.e.
// gamma = rate^(1/steps). Without a decay rate below one the rate is
// constant.
func NewSchedule(spec config.OptimizerSpec) Schedule {
	if spec.LRDecayRate <= 0 || spec.LRDecayRate >= 1 || spec.LRDecaySteps <= 0 {
		return ConstantRate(spec.LR)
	}
	return ExponentialDecay{
		Base:  spec.LR,
		Gamma: math.Pow(spec.LRDecayRate, 1/float64(spec.LRDecaySteps)),
	}
}
