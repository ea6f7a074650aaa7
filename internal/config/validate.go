package config

import (
	"math"
	"slices"
)

var knownDims = []string{"x", "y", "z"}

func validateStructure(cfg Config, errs *Error) {
	// Sections that failed to decode are already reported and are skipped
	// below so each problem is listed once.
	validatePyramid(cfg.Pyramid, errs)
	validateModel(cfg.Model, cfg.Pyramid, errs)
	validateOptim(cfg.Optim, errs)
	validateRun(cfg.Run, errs)
	if len(cfg.Energy.Terms) == 0 && !errs.Has("energy") {
		errs.Addf("energy", "at least one term is required")
	}
}

// ValidatePyramid checks a pyramid section on its own.
func ValidatePyramid(spec PyramidSpec) error {
	errs := &Error{}
	validatePyramid(spec, errs)
	return errs.Err()
}

func validatePyramid(spec PyramidSpec, errs *Error) {
	if errs.Has("pyramid") {
		return
	}
	if len(spec.Dims) < 2 || len(spec.Dims) > 3 {
		errs.Addf("pyramid.dims", "must list 2 or 3 axes, got %d", len(spec.Dims))
	}
	seen := make(map[string]bool, len(spec.Dims))
	for i, dim := range spec.Dims {
		if !slices.Contains(knownDims, dim) {
			errs.Addf(indexPath("pyramid.dims", i), "unknown axis %q (valid: %s)", dim, quoteList(knownDims))
		}
		if seen[dim] {
			errs.Addf(indexPath("pyramid.dims", i), "axis %q listed twice", dim)
		}
		seen[dim] = true
	}
	if spec.Levels < 1 {
		errs.Addf("pyramid.levels", "must be >= 1, got %d", spec.Levels)
	}
	if len(spec.Spacing) != len(spec.Dims) {
		errs.Addf("pyramid.spacing", "has %d values for %d dims", len(spec.Spacing), len(spec.Dims))
	}
	for i, s := range spec.Spacing {
		if !(s > 0) || math.IsInf(s, 0) {
			errs.Addf(indexPath("pyramid.spacing", i), "must be a positive number, got %v", s)
		}
	}
}

func validateModel(spec TransformationSpec, pyr PyramidSpec, errs *Error) {
	if errs.Has("model") {
		return
	}
	if spec.Name == "" {
		errs.Addf("model.name", "must not be empty")
	}
	if len(spec.Stride) > 0 {
		if len(spec.Stride) != 1 && len(pyr.Dims) > 0 && len(spec.Stride) != len(pyr.Dims) {
			errs.Addf("model.stride", "has %d values for %d dims", len(spec.Stride), len(pyr.Dims))
		}
		for i, s := range spec.Stride {
			if s < 1 {
				errs.Addf(indexPath("model.stride", i), "must be >= 1, got %d", s)
			}
		}
		if spec.StrideUnit == "" {
			errs.Addf("model.stride_unit", "is required when stride is set (%s)", quoteList([]string{StrideUnitVoxel, StrideUnitMM}))
		}
	}
	if spec.StrideUnit != "" && spec.StrideUnit != StrideUnitVoxel && spec.StrideUnit != StrideUnitMM {
		errs.Addf("model.stride_unit", "unknown unit %q (valid: %s)", spec.StrideUnit, quoteList([]string{StrideUnitVoxel, StrideUnitMM}))
	}
	if spec.Steps < 0 {
		errs.Addf("model.steps", "must be >= 0, got %d", spec.Steps)
	}
	if spec.InitNoise < 0 || math.IsNaN(spec.InitNoise) {
		errs.Addf("model.init_noise", "must be >= 0, got %v", spec.InitNoise)
	}
	if _, err := AffineFactors(spec.AffineModel); err != nil {
		errs.Addf("model.affine_model", "%v", err)
	}
}

func validateOptim(spec OptimizerSpec, errs *Error) {
	if errs.Has("optim") {
		return
	}
	if spec.Name == "" {
		errs.Addf("optim.name", "must not be empty")
	}
	if !(spec.LR > 0) || math.IsInf(spec.LR, 0) {
		errs.Addf("optim.lr", "must be a positive number, got %v", spec.LR)
	}
	if math.IsNaN(spec.MinDelta) || math.IsInf(spec.MinDelta, 0) {
		errs.Addf("optim.min_delta", "must be finite")
	}
	if spec.MaxSteps < 1 {
		errs.Addf("optim.max_steps", "must be >= 1, got %d", spec.MaxSteps)
	}
	if spec.StallSteps < 1 {
		errs.Addf("optim.stall_steps", "must be >= 1, got %d", spec.StallSteps)
	}
	if spec.LRDecayRate < 0 || spec.LRDecayRate > 1 {
		errs.Addf("optim.lr_decay_rate", "must be within [0, 1], got %v", spec.LRDecayRate)
	}
	if spec.LRDecaySteps < 0 {
		errs.Addf("optim.lr_decay_steps", "must be >= 0, got %d", spec.LRDecaySteps)
	}
	if spec.LRDecayRate > 0 && spec.LRDecayRate < 1 && spec.LRDecaySteps == 0 {
		errs.Addf("optim.lr_decay_steps", "is required when lr_decay_rate is set")
	}
	checkUnit := func(path string, v *float64, open bool) {
		if v == nil {
			return
		}
		if *v < 0 || *v > 1 || (open && *v == 1) {
			errs.Addf(path, "must be within [0, 1), got %v", *v)
		}
	}
	checkUnit("optim.beta1", spec.Beta1, true)
	checkUnit("optim.beta2", spec.Beta2, true)
	checkUnit("optim.momentum", spec.Momentum, true)
	if spec.Epsilon != nil && !(*spec.Epsilon > 0) {
		errs.Addf("optim.epsilon", "must be positive, got %v", *spec.Epsilon)
	}
}

func validateRun(spec RunSpec, errs *Error) {
	if errs.Has("run") {
		return
	}
	if spec.OnLevelFailure != OnFailureAbort && spec.OnLevelFailure != OnFailureContinue {
		errs.Addf("run.on_level_failure", "unknown policy %q (valid: %s)", spec.OnLevelFailure, quoteList([]string{OnFailureAbort, OnFailureContinue}))
	}
}

func validateCatalog(cfg Config, catalog Catalog, errs *Error) {
	if cfg.Model.Name != "" {
		if names := catalog.TransformNames(); !slices.Contains(names, cfg.Model.Name) {
			errs.Addf("model.name", "unknown transformation %q (valid: %s)", cfg.Model.Name, quoteList(names))
		}
	}
	if cfg.Optim.Name != "" {
		if names := catalog.OptimizerNames(); !slices.Contains(names, cfg.Optim.Name) {
			errs.Addf("optim.name", "unknown optimizer %q (valid: %s)", cfg.Optim.Name, quoteList(names))
		}
	}
	errs.merge(CheckTerms(cfg.Energy, catalog))
}

// CheckTerms resolves every energy term against the catalog: unknown loss
// names, missing required parameters, unknown parameters and parameter
// types. It returns nil when all terms resolve.
func CheckTerms(spec EnergySpec, catalog LossCatalog) *Error {
	errs := &Error{}
	for _, term := range spec.Terms {
		path := join("energy", term.Label)
		params, ok := catalog.LossParams(term.Name)
		if !ok {
			errs.Addf(join(path, "name"), "unknown energy term %q (valid: %s)", term.Name, quoteList(catalog.LossNames()))
			continue
		}
		declared := make(map[string]ParamSpec, len(params))
		for _, p := range params {
			declared[p.Name] = p
			if _, set := term.Params[p.Name]; p.Required && !set {
				errs.Addf(join(path, p.Name), "required parameter %q of %s is missing", p.Name, term.Name)
			}
		}
		for _, name := range term.ParamNames() {
			p, known := declared[name]
			if !known {
				errs.Addf(join(path, name), "unknown parameter %q for %s", name, term.Name)
				continue
			}
			if err := checkParam(p, term.Params[name]); err != nil {
				errs.Addf(join(path, name), "%v", err)
			}
		}
	}
	if len(errs.Violations) == 0 {
		return nil
	}
	return errs
}
