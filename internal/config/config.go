// Package config defines the typed registration document: transformation
// model, weighted energy terms, optimizer schedule, image pyramid and run
// policy. Documents are YAML; see Parse.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	StrideUnitVoxel = "voxel"
	StrideUnitMM    = "mm"

	OnFailureAbort    = "abort"
	OnFailureContinue = "continue"

	DefaultStallSteps    = 5
	DefaultSquaringSteps = 6
)

type Config struct {
	Model   TransformationSpec `yaml:"model"`
	Energy  EnergySpec         `yaml:"energy"`
	Optim   OptimizerSpec      `yaml:"optim"`
	Pyramid PyramidSpec        `yaml:"pyramid"`
	Run     RunSpec            `yaml:"run"`
}

type TransformationSpec struct {
	Name        string  `yaml:"name"`
	Transpose   bool    `yaml:"transpose"`
	Stride      []int   `yaml:"stride,omitempty,flow"`
	StrideUnit  string  `yaml:"stride_unit,omitempty"`
	Steps       int     `yaml:"steps"`
	InitNoise   float64 `yaml:"init_noise,omitempty"`
	// AffineModel composes the Affine part from elementary factors, e.g.
	// "TRS" or "T o R o S". Empty means one general matrix ("A").
	AffineModel string  `yaml:"affine_model,omitempty"`
}

// Elementary affine factors accepted in affine_model.
const (
	AffineGeneral     = 'A'
	AffineTranslation = 'T'
	AffineRotation    = 'R'
	AffineScaling     = 'S'
	AffineShearing    = 'K'
)

// AffineFactors parses an affine_model into its factors in matrix product
// order, so the last factor is applied first. Each factor may appear once.
func AffineFactors(model string) ([]byte, error) {
	compact := strings.ReplaceAll(model, " o ", "")
	if compact == "" {
		return []byte{AffineGeneral}, nil
	}
	seen := make(map[byte]bool, len(compact))
	out := make([]byte, 0, len(compact))
	for i := 0; i < len(compact); i++ {
		c := compact[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		switch c {
		case AffineGeneral, AffineTranslation, AffineRotation, AffineScaling, AffineShearing:
		default:
			return nil, fmt.Errorf("invalid factor %q (valid: A, T, R, S, K)", compact[i])
		}
		if seen[c] {
			return nil, fmt.Errorf("factor %q given more than once", c)
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

// StrideFor expands the stride to ndim values. A single value is broadcast.
func (s TransformationSpec) StrideFor(ndim int) []int {
	out := make([]int, ndim)
	for i := range out {
		switch {
		case len(s.Stride) == 0:
			out[i] = 1
		case len(s.Stride) == 1:
			out[i] = s.Stride[0]
		case i < len(s.Stride):
			out[i] = s.Stride[i]
		default:
			out[i] = s.Stride[len(s.Stride)-1]
		}
	}
	return out
}

// EnergyTerm is the canonical form of a weighted loss term, whichever
// document form it was written in.
type EnergyTerm struct {
	Label  string
	Weight float64
	Name   string
	Params map[string]any
}

// ParamNames returns the term's parameter names in sorted order.
func (t EnergyTerm) ParamNames() []string {
	names := make([]string, 0, len(t.Params))
	for name := range t.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnergySpec keeps terms in document order.
type EnergySpec struct {
	Terms []EnergyTerm
}

type OptimizerSpec struct {
	Name         string   `yaml:"name"`
	LR           float64  `yaml:"lr"`
	MinDelta     float64  `yaml:"min_delta"`
	MaxSteps     int      `yaml:"max_steps"`
	StallSteps   int      `yaml:"stall_steps"`
	LRDecayRate  float64  `yaml:"lr_decay_rate,omitempty"`
	LRDecaySteps int      `yaml:"lr_decay_steps,omitempty"`
	Beta1        *float64 `yaml:"beta1,omitempty"`
	Beta2        *float64 `yaml:"beta2,omitempty"`
	Epsilon      *float64 `yaml:"epsilon,omitempty"`
	Momentum     *float64 `yaml:"momentum,omitempty"`
}

type PyramidSpec struct {
	Dims    []string  `yaml:"dims,flow"`
	Levels  int       `yaml:"levels"`
	Spacing []float64 `yaml:"spacing,flow"`
}

type RunSpec struct {
	OnLevelFailure string `yaml:"on_level_failure"`
	Seed           int64  `yaml:"seed"`
}

func (r RunSpec) ContinueOnFailure() bool {
	return r.OnLevelFailure == OnFailureContinue
}

// Defaults returns the values used for fields a document leaves out.
func Defaults() Config {
	return Config{
		Model: TransformationSpec{
			Steps: DefaultSquaringSteps,
		},
		Optim: OptimizerSpec{
			StallSteps: DefaultStallSteps,
		},
		Run: RunSpec{
			OnLevelFailure: OnFailureAbort,
		},
	}
}

// Load reads and validates a registration document. When catalog is nil
// only structural checks run.
func Load(path string, catalog Catalog) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, catalog)
	if err != nil {
		if cfgErr, ok := AsError(err); ok {
			cfgErr.Source = path
		}
		return Config{}, err
	}
	return cfg, nil
}
