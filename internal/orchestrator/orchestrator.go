// Package orchestrator runs a registration coarse to fine: it resolves the
// configured kinds, builds both image pyramids and hands each level's
// converged transformation to the next finer level.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"regkit/internal/config"
	"regkit/internal/ctxlog"
	"regkit/internal/energy"
	"regkit/internal/model"
	"regkit/internal/optim"
	"regkit/internal/pyramid"
	"regkit/internal/registry"
	"regkit/internal/storage"
	"regkit/internal/tracing"
	"regkit/internal/transform"
	"regkit/internal/volume"
)

type Options struct {
	Registry *registry.Registry
	// Store, when set, receives every level and the final run record.
	Store storage.Store
	// Logger overrides the logger carried by the run context.
	Logger *slog.Logger
	Tracer trace.Tracer
	Cache  *pyramid.Cache
	// OnStep observes every optimizer step of every level.
	OnStep func(level int, rec model.StepRecord)
	// LogEvery logs a debug line every n optimizer steps.
	LogEvery int
	// FiniteDiffStep is the central difference step. Zero uses gonum's default.
	FiniteDiffStep float64

	Now   func() time.Time
	NewID func() string
}

type Orchestrator struct {
	opts Options
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Disabled().Tracer()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Orchestrator{opts: opts}, nil
}

// plan is a configuration resolved against the registry.
type plan struct {
	cfg     config.Config
	energy  *energy.Function
	driver  *optim.Driver
	pyramid *pyramid.Builder
}

// Resolve checks cfg against the registry and the input images. Every
// problem is reported in a single *config.Error before any computation.
func (o *Orchestrator) Resolve(cfg config.Config, source, target *volume.Image) error {
	_, err := o.resolve(cfg, source, target, true)
	return err
}

// ResolveConfig is Resolve without the input images: it builds every
// configured kind, so parameter range problems are reported too.
func (o *Orchestrator) ResolveConfig(cfg config.Config) error {
	_, err := o.resolve(cfg, nil, nil, false)
	return err
}

func (o *Orchestrator) resolve(cfg config.Config, source, target *volume.Image, images bool) (*plan, error) {
	errs := &config.Error{}
	collect := func(err error) bool {
		if err == nil {
			return true
		}
		if cfgErr, ok := config.AsError(err); ok {
			errs.Violations = append(errs.Violations, cfgErr.Violations...)
			return false
		}
		errs.Addf("", "%v", err)
		return false
	}

	p := &plan{cfg: cfg}
	if _, err := o.opts.Registry.Transforms.Get(cfg.Model.Name); err != nil {
		errs.Addf("model.name", "unknown transformation %q (valid: %s)", cfg.Model.Name, strings.Join(o.opts.Registry.TransformNames(), ", "))
	}
	fn, err := energy.Build(o.opts.Registry.Losses, cfg.Energy)
	if collect(err) {
		p.energy = fn
	}
	driver, err := optim.NewDriver(o.opts.Registry.Optimizers, cfg.Optim)
	if collect(err) {
		p.driver = driver
	}
	builder, err := pyramid.New(cfg.Pyramid)
	if collect(err) {
		p.pyramid = builder.WithCache(o.opts.Cache)
	}
	if p.pyramid != nil && images {
		inputs := []struct {
			name string
			img  *volume.Image
		}{{"source", source}, {"target", target}}
		for _, in := range inputs {
			if in.img == nil {
				errs.Addf(in.name, "image is required")
				continue
			}
			if in.img.Grid.NDim != len(cfg.Pyramid.Dims) {
				errs.Addf("pyramid.dims", "%s image has %d dimensions, pyramid declares %d", in.name, in.img.Grid.NDim, len(cfg.Pyramid.Dims))
			}
		}
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	p.driver.LogEvery = o.opts.LogEvery
	return p, nil
}

// Run registers source to target. Configuration problems return a
// *config.Error and no result. A level failure ends the run under the
// abort policy and restarts the next level from identity under continue.
// The returned error is non-nil exactly when the run outcome is failed.
// Cancellation yields a cancelled outcome and a nil error.
func (o *Orchestrator) Run(ctx context.Context, cfg config.Config, source, target *volume.Image) (model.RunResult, error) {
	p, err := o.resolve(cfg, source, target, true)
	if err != nil {
		return model.RunResult{}, err
	}

	runID := o.opts.NewID()
	createdAt := o.opts.Now().UTC()
	logger := o.opts.Logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	logger = logger.With(slog.String("run_id", runID))
	ctx = ctxlog.WithLogger(ctx, logger)

	ctx, span := o.opts.Tracer.Start(ctx, tracing.SpanRun, trace.WithAttributes(
		attribute.String(tracing.AttrRunID, runID),
		attribute.String(tracing.AttrTransform, cfg.Model.Name),
		attribute.String(tracing.AttrOptimizer, cfg.Optim.Name),
		attribute.Int(tracing.AttrLevels, cfg.Pyramid.Levels),
	))
	defer span.End()

	result := model.RunResult{RunID: runID, Transform: cfg.Model.Name}
	logger.Info("run started",
		slog.String("transform", cfg.Model.Name),
		slog.String("optimizer", cfg.Optim.Name),
		slog.Int("levels", cfg.Pyramid.Levels),
		slog.Any("terms", p.energy.Labels()),
	)

	rng := rand.New(rand.NewSource(cfg.Run.Seed))
	var (
		prev   transform.Transform
		runErr error
	)
	for level, err := range p.pyramid.Levels(target) {
		if err != nil {
			runErr = fmt.Errorf("build target level: %w", err)
			break
		}
		var seed *rand.Rand
		if level.Index == 0 {
			seed = rng
		}
		res, tr, levelErr := o.runLevel(ctx, p, level, source, prev, seed)
		result.Levels = append(result.Levels, res)
		o.persistLevel(ctx, runID, res)

		if res.Outcome == model.OutcomeCancelled {
			result.Outcome = model.OutcomeCancelled
			break
		}
		if levelErr != nil {
			runErr = levelErr
			if !cfg.Run.ContinueOnFailure() {
				logger.Error("run aborted", slog.Int("level", level.Index), slog.String("error", levelErr.Error()))
				break
			}
			logger.Warn("level failed, continuing from identity", slog.Int("level", level.Index), slog.String("error", levelErr.Error()))
			prev = nil
			continue
		}
		runErr = nil
		prev = tr
	}

	if result.Outcome != model.OutcomeCancelled {
		if runErr != nil {
			result.Outcome = model.OutcomeFailed
			result.Error = runErr.Error()
		} else {
			result.Outcome = model.OutcomeConverged
		}
	}
	if last, ok := result.LastConverged(); ok {
		result.Params = append([]float64(nil), last.Params...)
	}

	span.SetAttributes(attribute.String(tracing.AttrOutcome, string(result.Outcome)))
	if runErr != nil && result.Outcome == model.OutcomeFailed {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	o.persistRun(ctx, cfg, result, createdAt)
	logger.Info("run finished", slog.String("outcome", string(result.Outcome)), slog.Int("levels", len(result.Levels)))

	if result.Outcome == model.OutcomeFailed {
		return result, fmt.Errorf("run %s: %w", runID, runErr)
	}
	return result, nil
}

// runLevel optimizes one pyramid level. It returns the transform holding
// the level's final parameters.
func (o *Orchestrator) runLevel(ctx context.Context, p *plan, level pyramid.Level, source *volume.Image, prev transform.Transform, rng *rand.Rand) (model.LevelResult, transform.Transform, error) {
	logger := ctxlog.FromContext(ctx).With(slog.Int("level", level.Index))
	ctx, span := o.opts.Tracer.Start(ctx, tracing.SpanLevel, trace.WithAttributes(
		attribute.Int(tracing.AttrLevel, level.Index),
		attribute.Int(tracing.AttrLevelScale, level.Scale),
		attribute.String(tracing.AttrLevelSize, level.Image.Grid.String()),
	))
	defer span.End()

	res := model.LevelResult{Level: level.Index, Scale: level.Scale, Spacing: level.Spacing}
	fail := func(err error) (model.LevelResult, transform.Transform, error) {
		res.Outcome = model.OutcomeFailed
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, nil, err
	}

	src, err := p.pyramid.Level(source, level.Index)
	if err != nil {
		return fail(fmt.Errorf("build source level %d: %w", level.Index, err))
	}
	grid := level.Image.Grid
	tr, err := o.opts.Registry.Transforms.New(p.cfg.Model, grid, rng)
	if err != nil {
		return fail(err)
	}
	if prev != nil {
		if err := tr.ComposeFrom(prev); err != nil {
			return fail(fmt.Errorf("initialize level %d: %w", level.Index, err))
		}
	}
	logger.Info("level started",
		slog.String("grid", grid.String()),
		slog.Int("params", len(tr.Params())),
		slog.Bool("seeded", prev != nil),
	)

	problem := &optim.NumericalProblem{
		Func: energyFunc(p.energy, tr, src.Image, level.Image),
		Step: o.opts.FiniteDiffStep,
	}
	driver := *p.driver
	if o.opts.OnStep != nil {
		driver.OnStep = func(rec model.StepRecord) { o.opts.OnStep(level.Index, rec) }
	}
	state := model.NewState(level.Index, tr.Params())
	out, runErr := driver.Run(ctx, state, problem)
	out.Scale, out.Spacing = res.Scale, res.Spacing
	res = out

	span.SetAttributes(
		attribute.Int(tracing.AttrLevelSteps, res.Steps),
		attribute.Float64(tracing.AttrLevelEnergy, res.FinalEnergy),
		attribute.String(tracing.AttrStopReason, string(res.Reason)),
	)
	if runErr != nil {
		logger.Error("level failed", slog.String("error", runErr.Error()))
		return fail(runErr)
	}
	if err := tr.SetParams(res.Params); err != nil {
		return fail(err)
	}
	logger.Info("level finished",
		slog.String("outcome", string(res.Outcome)),
		slog.String("reason", string(res.Reason)),
		slog.Int("steps", res.Steps),
		slog.Float64("energy", res.FinalEnergy),
	)
	span.SetStatus(codes.Ok, "")
	return res, tr, nil
}

// energyFunc evaluates the total energy of tr's parameters on one level:
// the source level image is warped onto the target level grid.
func energyFunc(fn *energy.Function, tr transform.Transform, source, target *volume.Image) optim.EnergyFunc {
	grid := target.Grid
	points := grid.Points()
	pad, _ := source.Range()
	mapped := make([]volume.Point, len(points))
	return func(params []float64) (float64, error) {
		if err := tr.SetParams(params); err != nil {
			return 0, err
		}
		field := tr.Displacement(grid)
		for i, p := range points {
			mapped[i] = p.Add(field.Data[i])
		}
		warped, err := volume.Warp(source, grid, mapped, pad)
		if err != nil {
			return 0, err
		}
		value, err := fn.Evaluate(energy.Inputs{
			Source:       source,
			Target:       target,
			Warped:       warped,
			Displacement: field,
			Params:       params,
		})
		if err != nil {
			return 0, err
		}
		return value.Total, nil
	}
}

// FullTransform rebuilds the transformation of a converged level of a run
// made with cfg on target's full-resolution grid.
func (o *Orchestrator) FullTransform(cfg config.Config, level model.LevelResult, target *volume.Image) (transform.Transform, error) {
	if level.Outcome != model.OutcomeConverged {
		return nil, fmt.Errorf("level %d did not converge", level.Level)
	}
	builder, err := pyramid.New(cfg.Pyramid)
	if err != nil {
		return nil, err
	}
	lvl, err := builder.WithCache(o.opts.Cache).Level(target, level.Level)
	if err != nil {
		return nil, err
	}
	coarse, err := o.opts.Registry.Transforms.New(cfg.Model, lvl.Image.Grid, nil)
	if err != nil {
		return nil, err
	}
	if err := coarse.SetParams(level.Params); err != nil {
		return nil, err
	}
	full, err := o.opts.Registry.Transforms.New(cfg.Model, target.Grid, nil)
	if err != nil {
		return nil, err
	}
	if err := full.ComposeFrom(coarse); err != nil {
		return nil, err
	}
	return full, nil
}

// Warp resamples source onto target's full-resolution grid.
func (o *Orchestrator) Warp(cfg config.Config, level model.LevelResult, source, target *volume.Image) (*volume.Image, error) {
	full, err := o.FullTransform(cfg, level, target)
	if err != nil {
		return nil, err
	}
	pad, _ := source.Range()
	return volume.Warp(source, target.Grid, transform.MappedPoints(full, target.Grid), pad)
}

// WarpLabels resamples a source label image onto grid with nearest-neighbour
// lookup. Voxels that map outside the labels get label 0.
func (o *Orchestrator) WarpLabels(cfg config.Config, level model.LevelResult, labels, target *volume.Image, grid volume.Grid) (*volume.Image, error) {
	if grid.NDim != target.Grid.NDim {
		return nil, fmt.Errorf("%w: label grid %s for target %s", volume.ErrGridMismatch, grid, target.Grid)
	}
	full, err := o.FullTransform(cfg, level, target)
	if err != nil {
		return nil, err
	}
	return volume.WarpNearest(labels, grid, full.Apply(grid.Points()), 0)
}

// Displacement is the full-resolution displacement field of a converged
// level, sampled on target's grid.
func (o *Orchestrator) Displacement(cfg config.Config, level model.LevelResult, target *volume.Image) (*volume.Field, error) {
	full, err := o.FullTransform(cfg, level, target)
	if err != nil {
		return nil, err
	}
	return full.Displacement(target.Grid), nil
}

// persistLevel and persistRun outlive a cancelled run context so that the
// cancelled level and the run record still reach the store.
func (o *Orchestrator) persistLevel(ctx context.Context, runID string, res model.LevelResult) {
	if o.opts.Store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	logger := ctxlog.FromContext(ctx)
	record := model.LevelRecord{VersionedRecord: storage.Versioned(), RunID: runID, Result: res}
	if err := o.opts.Store.SaveLevel(ctx, record); err != nil {
		logger.Warn("persist level failed", slog.Int("level", res.Level), slog.String("error", err.Error()))
		return
	}
	if res.Params == nil {
		return
	}
	if err := o.opts.Store.SaveParams(ctx, runID, res.Level, res.Params); err != nil {
		logger.Warn("persist params failed", slog.Int("level", res.Level), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) persistRun(ctx context.Context, cfg config.Config, result model.RunResult, createdAt time.Time) {
	if o.opts.Store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	logger := ctxlog.FromContext(ctx)
	doc, err := config.Marshal(cfg)
	if err != nil {
		logger.Warn("marshal config failed", slog.String("error", err.Error()))
	}
	record := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              result.RunID,
		Transform:       result.Transform,
		Outcome:         result.Outcome,
		Levels:          len(result.Levels),
		Error:           result.Error,
		ConfigYAML:      string(doc),
		CreatedAtUTC:    createdAt.Format(time.RFC3339Nano),
	}
	if n := len(result.Levels); n > 0 {
		record.FinalEnergy = result.Levels[n-1].FinalEnergy
	}
	if err := o.opts.Store.SaveRun(ctx, record); err != nil {
		logger.Warn("persist run failed", slog.String("error", err.Error()))
	}
}
