package optim

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"regkit/internal/config"
	"regkit/internal/model"
)

// scripted ignores the parameters and returns energies from a sequence.
type scripted struct {
	calls  int
	energy func(call int) float64
}

func (s *scripted) Gradient(_, dst []float64) (float64, error) {
	e := s.energy(s.calls)
	s.calls++
	for i := range dst {
		dst[i] = 0
	}
	return e, nil
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	return reg
}

func spec(name string) config.OptimizerSpec {
	return config.OptimizerSpec{
		Name:       name,
		LR:         0.1,
		MinDelta:   -0.001,
		MaxSteps:   200,
		StallSteps: 5,
	}
}

func TestRegistryNamesAndVersions(t *testing.T) {
	reg := newRegistry(t)
	require.Equal(t, []string{"Adagrad", "Adam", "RMSprop", "SGD"}, reg.Names())

	err := reg.Register(AlgorithmSpec{Name: "Adam", New: newAdam, SchemaVersion: 1, CodecVersion: 1})
	require.True(t, errors.Is(err, ErrAlgorithmExists))
	err = reg.Register(AlgorithmSpec{Name: "LBFGS", New: newAdam, SchemaVersion: 2, CodecVersion: 1})
	require.True(t, errors.Is(err, ErrAlgorithmVersion))
	_, err = reg.Get("LBFGS")
	require.True(t, errors.Is(err, ErrAlgorithmNotFound))
}

func TestNewDriverRejectsUnknownOptimizer(t *testing.T) {
	_, err := NewDriver(newRegistry(t), spec("Newton"))
	cfgErr, ok := config.AsError(err)
	require.True(t, ok)
	require.Equal(t, "optim.name", cfgErr.Violations[0].Path)
	require.Contains(t, cfgErr.Error(), `"Adam"`)
}

func TestRunStopsAtBudget(t *testing.T) {
	d, err := NewDriver(newRegistry(t), spec("Adam"))
	require.NoError(t, err)
	p := &scripted{energy: func(call int) float64 { return 10 - 0.01*float64(call) }}

	state := model.NewState(0, []float64{1, 2})
	res, err := d.Run(context.Background(), state, p)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeConverged, res.Outcome)
	require.Equal(t, model.StopBudget, res.Reason)
	require.Equal(t, 200, res.Steps)
	require.Len(t, res.Records, 200)
	require.Zero(t, res.Records[0].Delta)
	require.InDelta(t, -0.01, res.Records[1].Delta, 1e-12)
	require.InDelta(t, 10-0.01*199, res.FinalEnergy, 1e-12)
}

func TestRunStopsOnStall(t *testing.T) {
	d, err := NewDriver(newRegistry(t), spec("SGD"))
	require.NoError(t, err)
	// Three improving steps, then the energy creeps up by 0.0005 per step.
	energies := []float64{1, 0.9, 0.8, 0.7}
	p := &scripted{energy: func(call int) float64 {
		if call < len(energies) {
			return energies[call]
		}
		return 0.7 + 0.0005*float64(call-len(energies)+1)
	}}

	res, err := d.Run(context.Background(), model.NewState(1, []float64{0}), p)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeConverged, res.Outcome)
	require.Equal(t, model.StopStall, res.Reason)
	require.Equal(t, 9, res.Steps)
	require.InDelta(t, 0.7, res.BestEnergy, 1e-12)
	for _, rec := range res.Records[4:] {
		require.InDelta(t, 0.0005, rec.Delta, 1e-12)
	}
}

func TestRunReportsWorseStepsWithoutStopping(t *testing.T) {
	s := spec("Adam")
	s.MaxSteps = 10
	s.MinDelta = 0
	d, err := NewDriver(newRegistry(t), s)
	require.NoError(t, err)
	// Alternating up and down never reaches five consecutive stalls.
	p := &scripted{energy: func(call int) float64 { return float64(call % 2) }}

	res, err := d.Run(context.Background(), model.NewState(0, []float64{0}), p)
	require.NoError(t, err)
	require.Equal(t, model.StopBudget, res.Reason)
	require.Equal(t, 1.0, res.Records[1].Delta)
	require.Equal(t, -1.0, res.Records[2].Delta)
}

func TestRunNonFiniteEnergyIsFatal(t *testing.T) {
	d, err := NewDriver(newRegistry(t), spec("Adam"))
	require.NoError(t, err)
	p := &scripted{energy: func(call int) float64 {
		if call == 3 {
			return math.NaN()
		}
		return 1
	}}

	res, err := d.Run(context.Background(), model.NewState(2, []float64{0}), p)
	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.True(t, errors.Is(err, ErrNonFinite))
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	require.Equal(t, 2, fatal.Level)
	require.Equal(t, 4, fatal.Step)
	require.Equal(t, model.OutcomeFailed, res.Outcome)
	require.Len(t, res.Records, 3)
	require.NotEmpty(t, res.Error)
}

func TestRunCancelledIsNotAnError(t *testing.T) {
	d, err := NewDriver(newRegistry(t), spec("Adam"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	p := &scripted{energy: func(call int) float64 {
		if call == 4 {
			cancel()
		}
		return 1 / float64(call+1)
	}}

	res, err := d.Run(ctx, model.NewState(0, []float64{0}), p)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeCancelled, res.Outcome)
	require.Equal(t, 5, res.Steps)
}

func TestAlgorithmsMinimizeQuadratic(t *testing.T) {
	rates := map[string]float64{"Adam": 0.05, "SGD": 0.1, "RMSprop": 0.01, "Adagrad": 0.5}
	for name, lr := range rates {
		t.Run(name, func(t *testing.T) {
			s := spec(name)
			s.LR = lr
			s.MaxSteps = 400
			s.MinDelta = 0
			s.StallSteps = 50
			if name == "SGD" {
				m := 0.5
				s.Momentum = &m
			}
			d, err := NewDriver(newRegistry(t), s)
			require.NoError(t, err)

			target := []float64{1.5, -0.5}
			p := &NumericalProblem{Func: func(x []float64) (float64, error) {
				var sum float64
				for i := range x {
					sum += (x[i] - target[i]) * (x[i] - target[i])
				}
				return sum, nil
			}}
			state := model.NewState(0, []float64{0, 0})
			res, err := d.Run(context.Background(), state, p)
			require.NoError(t, err)
			require.Less(t, res.FinalEnergy, 0.05)
			require.Equal(t, res.Params, state.Params)
		})
	}
}

func TestNumericalProblemPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	p := &NumericalProblem{Func: func([]float64) (float64, error) {
		calls++
		if calls > 1 {
			return 0, boom
		}
		return 1, nil
	}}
	_, err := p.Gradient([]float64{1}, make([]float64, 1))
	require.True(t, errors.Is(err, boom))
}

func TestScheduleDecay(t *testing.T) {
	s := spec("Adam")
	require.Equal(t, ConstantRate(0.1), NewSchedule(s))

	s.LRDecayRate = 0.5
	s.LRDecaySteps = 10
	sched := NewSchedule(s)
	require.InDelta(t, 0.1, sched.Rate(0), 1e-12)
	require.InDelta(t, 0.05, sched.Rate(10), 1e-12)
	require.InDelta(t, 0.025, sched.Rate(20), 1e-12)
}
