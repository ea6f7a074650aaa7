package optim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"regkit/internal/config"
	"regkit/internal/ctxlog"
	"regkit/internal/model"
)

var ErrNonFinite = errors.New("non-finite energy")

// FatalError stops a level: the energy or its gradient stopped being a
// finite number.
type FatalError struct {
	Level  int
	Step   int
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("level %d step %d: %s", e.Level, e.Step, e.Reason)
}

func (e *FatalError) Unwrap() error { return ErrNonFinite }

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// Driver runs the optimization loop of a single level.
type Driver struct {
	spec      config.OptimizerSpec
	algorithm AlgorithmSpec

	// OnStep observes every recorded step.
	OnStep func(model.StepRecord)
	// LogEvery logs a debug line every n steps. Zero disables it.
	LogEvery int
}

func NewDriver(reg *Registry, spec config.OptimizerSpec) (*Driver, error) {
	if reg == nil {
		return nil, errors.New("optimizer registry is required")
	}
	alg, err := reg.Get(spec.Name)
	if err != nil {
		return nil, config.Errorf("optim.name", "unknown optimizer %q (valid: %s)", spec.Name, quoteNames(reg.Names()))
	}
	if spec.LR <= 0 {
		return nil, errors.New("lr must be > 0")
	}
	if spec.MaxSteps <= 0 {
		return nil, errors.New("max_steps must be > 0")
	}
	if spec.StallSteps <= 0 {
		spec.StallSteps = config.DefaultStallSteps
	}
	return &Driver{spec: spec, algorithm: alg}, nil
}

// Run minimizes problem starting from state.Params, which it updates in
// place. A level stops when max_steps is reached, after stall_steps
// consecutive steps whose delta exceeds min_delta, or when ctx is done.
// Cancellation is an outcome, not an error. A non-finite energy or gradient
// returns a *FatalError together with the failed result.
//
// The update is skipped on the step that stops the level, so the returned
// params are the ones FinalEnergy was measured at.
func (d *Driver) Run(ctx context.Context, state *model.State, problem Problem) (model.LevelResult, error) {
	logger := ctxlog.FromContext(ctx).With(slog.Int("level", state.Level))
	n := len(state.Params)
	alg := d.algorithm.New(d.spec, n)
	schedule := NewSchedule(d.spec)
	grad := make([]float64, n)

	result := model.LevelResult{Level: state.Level}
	finish := func(outcome model.Outcome, reason model.StopReason) model.LevelResult {
		result.Outcome = outcome
		result.Reason = reason
		result.Steps = len(result.Records)
		result.Params = append([]float64(nil), state.Params...)
		result.FinalEnergy = state.LastEnergy
		result.BestEnergy = state.BestEnergy
		return result
	}

	var prev float64
	stall := 0
	for step := 1; step <= d.spec.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			logger.Info("level cancelled", slog.Int("step", step-1), slog.String("cause", err.Error()))
			return finish(model.OutcomeCancelled, model.StopNone), nil
		}

		energy, err := problem.Gradient(state.Params, grad)
		if err != nil {
			res := finish(model.OutcomeFailed, model.StopNone)
			res.Error = err.Error()
			return res, fmt.Errorf("level %d step %d: %w", state.Level, step, err)
		}
		if reason := nonFinite(energy, grad); reason != "" {
			fatal := &FatalError{Level: state.Level, Step: step, Reason: reason}
			res := finish(model.OutcomeFailed, model.StopNone)
			res.Error = fatal.Error()
			logger.Error("level failed", slog.Int("step", step), slog.String("reason", reason))
			return res, fatal
		}

		var delta float64
		if step > 1 {
			delta = energy - prev
		}
		record := model.StepRecord{Step: step, Energy: energy, Delta: delta, LR: schedule.Rate(step - 1)}
		result.Records = append(result.Records, record)
		if d.OnStep != nil {
			d.OnStep(record)
		}
		if d.LogEvery > 0 && step%d.LogEvery == 0 {
			logger.Debug("step", slog.Int("step", step), slog.Float64("energy", energy), slog.Float64("delta", delta), slog.Float64("lr", record.LR))
		}

		state.Step = step
		state.LastEnergy = energy
		if step == 1 || energy < state.BestEnergy {
			state.BestEnergy = energy
		}

		if step > 1 && delta > d.spec.MinDelta {
			stall++
		} else {
			stall = 0
		}
		if stall >= d.spec.StallSteps {
			logger.Info("level converged", slog.String("reason", string(model.StopStall)), slog.Int("steps", step), slog.Float64("energy", energy))
			return finish(model.OutcomeConverged, model.StopStall), nil
		}
		if step == d.spec.MaxSteps {
			break
		}

		alg.Step(state.Params, grad, record.LR)
		prev = energy
	}
	logger.Info("level converged", slog.String("reason", string(model.StopBudget)), slog.Int("steps", state.Step), slog.Float64("energy", state.LastEnergy))
	return finish(model.OutcomeConverged, model.StopBudget), nil
}

func nonFinite(energy float64, grad []float64) string {
	if math.IsNaN(energy) || math.IsInf(energy, 0) {
		return fmt.Sprintf("energy is %v", energy)
	}
	for i, g := range grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return fmt.Sprintf("gradient component %d is %v", i, g)
		}
	}
	return ""
}

func quoteNames(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = strconv.Quote(name)
	}
	return strings.Join(quoted, ", ")
}
