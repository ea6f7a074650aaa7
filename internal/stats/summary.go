package stats

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"regkit/internal/model"
)

type LevelSummary struct {
	Level         int              `json:"level"`
	Outcome       model.Outcome    `json:"outcome"`
	Reason        model.StopReason `json:"reason,omitempty"`
	Steps         int              `json:"steps"`
	InitialEnergy float64          `json:"initial_energy"`
	FinalEnergy   float64          `json:"final_energy"`
	BestEnergy    float64          `json:"best_energy"`
	Improvement   float64          `json:"improvement"`
	DeltaMean     float64          `json:"delta_mean"`
	DeltaStd      float64          `json:"delta_std"`
	WorseSteps    int              `json:"worse_steps"`
}

type RunSummary struct {
	RunID     string         `json:"run_id"`
	Outcome   model.Outcome  `json:"outcome"`
	Transform string         `json:"transform"`
	Levels    []LevelSummary `json:"levels"`
	Steps     int            `json:"steps"`
}

// Summarize reduces the per-step logs of a run to per-level statistics.
// Delta statistics skip the first step, whose delta is zero by definition.
func Summarize(result model.RunResult) RunSummary {
	summary := RunSummary{
		RunID:     result.RunID,
		Outcome:   result.Outcome,
		Transform: result.Transform,
		Levels:    make([]LevelSummary, 0, len(result.Levels)),
	}
	for _, level := range result.Levels {
		ls := LevelSummary{
			Level:       level.Level,
			Outcome:     level.Outcome,
			Reason:      level.Reason,
			Steps:       level.Steps,
			FinalEnergy: level.FinalEnergy,
			BestEnergy:  level.BestEnergy,
		}
		if len(level.Records) > 0 {
			ls.InitialEnergy = level.Records[0].Energy
			ls.Improvement = ls.InitialEnergy - ls.FinalEnergy
		}
		if len(level.Records) > 1 {
			deltas := make([]float64, 0, len(level.Records)-1)
			for _, rec := range level.Records[1:] {
				deltas = append(deltas, rec.Delta)
				if rec.Delta > 0 {
					ls.WorseSteps++
				}
			}
			ls.DeltaMean, ls.DeltaStd = stat.MeanStdDev(deltas, nil)
			if len(deltas) == 1 {
				ls.DeltaStd = 0
			}
		}
		summary.Steps += level.Steps
		summary.Levels = append(summary.Levels, ls)
	}
	return summary
}

// EnergyCurve concatenates the energies of all levels in step order.
func EnergyCurve(result model.RunResult) []float64 {
	var curve []float64
	for _, level := range result.Levels {
		for _, rec := range level.Records {
			curve = append(curve, rec.Energy)
		}
	}
	return curve
}

// Span returns the min and max of values, or zeros when empty.
func Span(values []float64) (lo, hi float64) {
	if len(values) == 0 {
		return 0, 0
	}
	return floats.Min(values), floats.Max(values)
}
