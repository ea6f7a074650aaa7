package regkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"regkit/internal/config"
	"regkit/internal/model"
	"regkit/internal/orchestrator"
	"regkit/internal/phantom"
	"regkit/internal/pyramid"
	"regkit/internal/registry"
	"regkit/internal/stats"
	"regkit/internal/storage"
	"regkit/internal/volume"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "regkit.db"
	defaultRunsLimit    = 20
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
	Tracer       trace.Tracer
	// CacheTTL bounds how long downsampled pyramid levels are reused.
	CacheTTL time.Duration
	// OnStep observes every optimizer step of every level.
	OnStep func(level int, rec model.StepRecord)
}

type Client struct {
	store    storage.Store
	registry *registry.Registry
	phantoms *phantom.Registry
	orch     *orchestrator.Orchestrator

	artifactsDir string
	exportsDir   string

	initMu sync.Mutex
	inited bool
}

// ImageSource names an input volume: an NRRD file or a generated phantom.
type ImageSource struct {
	Path    string
	Phantom string
	// Spec shapes the phantom. A zero Size uses phantom.DefaultSpec.
	Spec phantom.Spec
}

func (s ImageSource) empty() bool {
	return s.Path == "" && s.Phantom == ""
}

type RegisterRequest struct {
	ConfigPath string
	// Config is used when ConfigPath is empty.
	Config      *config.Config
	Source      ImageSource
	Target      ImageSource
	WriteWarped bool
	// SourceSeg is a label image on the source grid. When set, its warped
	// copy is written on TargetSeg's grid, or on the target grid without one.
	SourceSeg ImageSource
	TargetSeg ImageSource
	// WriteDisplacement writes the full-resolution displacement field.
	WriteDisplacement bool
}

type LevelItem struct {
	Level       int
	Scale       int
	Outcome     model.Outcome
	Reason      model.StopReason
	Steps       int
	FinalEnergy float64
	BestEnergy  float64
	Params      []float64
	Error       string
}

type RegisterSummary struct {
	RunID        string
	Outcome      model.Outcome
	ArtifactsDir string
	WarpedPath   string
	// WarpedSegPath and DisplacementPath are set when requested and the run
	// has a converged level.
	WarpedSegPath    string
	DisplacementPath string
	Levels           []LevelItem
	Params       []float64
	Error        string
}

type ValidateRequest struct {
	ConfigPath string
	// Source and Target are optional; when both are set the images are
	// checked against the pyramid as well.
	Source ImageSource
	Target ImageSource
}

type ValidateSummary struct {
	Transform string
	Optimizer string
	Levels    int
	Terms     []string
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Transform    string
	Outcome      model.Outcome
	Levels       int
	FinalEnergy  float64
}

type LevelsRequest struct {
	RunID  string
	Latest bool
}

type HistoryRequest struct {
	RunID  string
	Latest bool
	// Level filters to one pyramid level; negative keeps every level.
	Level int
	Limit int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type PhantomRequest struct {
	Shape   string
	Spec    phantom.Spec
	OutPath string
}

type KindsSummary struct {
	registry.Kinds
	Phantoms []string `json:"phantoms"`
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = pyramid.DefaultExpiration
	}

	reg, err := registry.New()
	if err != nil {
		return nil, err
	}
	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Registry: reg,
		Store:    store,
		Logger:   opts.Logger,
		Tracer:   opts.Tracer,
		Cache:    pyramid.NewCache(ttl, pyramid.DefaultCleanupInterval),
		OnStep:   opts.OnStep,
		LogEvery: 25,
	})
	if err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}

	return &Client{
		store:        store,
		registry:     reg,
		phantoms:     phantom.NewRegistry(),
		orch:         orch,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.inited {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.inited = true
	return nil
}

// Register runs one registration and writes its artifacts. Configuration
// problems return a *config.Error and no summary. A failed run still writes
// artifacts and returns its summary along with the error.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterSummary, error) {
	if err := c.Init(ctx); err != nil {
		return RegisterSummary{}, err
	}
	cfg, configYAML, err := c.loadConfig(req.ConfigPath, req.Config)
	if err != nil {
		return RegisterSummary{}, err
	}
	source, err := c.loadImage("source", req.Source)
	if err != nil {
		return RegisterSummary{}, err
	}
	target, err := c.loadImage("target", req.Target)
	if err != nil {
		return RegisterSummary{}, err
	}
	labels, labelGrid, err := c.loadSegmentation(req, target)
	if err != nil {
		return RegisterSummary{}, err
	}

	result, runErr := c.orch.Run(ctx, cfg, source, target)
	if result.RunID == "" {
		return RegisterSummary{}, runErr
	}

	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, stats.RunArtifacts{
		RunID:      result.RunID,
		ConfigYAML: configYAML,
		Result:     result,
	})
	if err != nil {
		return RegisterSummary{}, fmt.Errorf("write artifacts: %w", err)
	}
	entry := stats.RunIndexEntry{
		RunID:        result.RunID,
		Transform:    result.Transform,
		Outcome:      result.Outcome,
		Levels:       len(result.Levels),
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if n := len(result.Levels); n > 0 {
		entry.FinalEnergy = result.Levels[n-1].FinalEnergy
	}
	if err := stats.AppendRunIndex(c.artifactsDir, entry); err != nil {
		return RegisterSummary{}, fmt.Errorf("update run index: %w", err)
	}

	summary := RegisterSummary{
		RunID:        result.RunID,
		Outcome:      result.Outcome,
		ArtifactsDir: filepath.Clean(runDir),
		Levels:       levelItems(result.Levels),
		Params:       result.Params,
		Error:        result.Error,
	}
	if last, ok := result.LastConverged(); ok && req.WriteWarped {
		warped, err := c.orch.Warp(cfg, last, source, target)
		if err != nil {
			return summary, fmt.Errorf("warp source: %w", err)
		}
		path := stats.WarpedPath(c.artifactsDir, result.RunID)
		if err := volume.WriteNRRDFile(path, warped); err != nil {
			return summary, err
		}
		summary.WarpedPath = path
	}
	if last, ok := result.LastConverged(); ok && labels != nil {
		warped, err := c.orch.WarpLabels(cfg, last, labels, target, labelGrid)
		if err != nil {
			return summary, fmt.Errorf("warp segmentation: %w", err)
		}
		path := stats.WarpedSegPath(c.artifactsDir, result.RunID)
		if err := volume.WriteNRRDFile(path, warped); err != nil {
			return summary, err
		}
		summary.WarpedSegPath = path
	}
	if last, ok := result.LastConverged(); ok && req.WriteDisplacement {
		field, err := c.orch.Displacement(cfg, last, target)
		if err != nil {
			return summary, fmt.Errorf("displacement: %w", err)
		}
		path := stats.DisplacementPath(c.artifactsDir, result.RunID)
		if err := volume.WriteFieldNRRDFile(path, field); err != nil {
			return summary, err
		}
		summary.DisplacementPath = path
	}
	return summary, runErr
}

// loadSegmentation returns the source labels and the grid they are warped
// onto, or nil labels when none were requested.
func (c *Client) loadSegmentation(req RegisterRequest, target *volume.Image) (*volume.Image, volume.Grid, error) {
	if req.SourceSeg.empty() {
		if !req.TargetSeg.empty() {
			return nil, volume.Grid{}, errors.New("target segmentation requires a source segmentation")
		}
		return nil, volume.Grid{}, nil
	}
	labels, err := c.loadImage("source segmentation", req.SourceSeg)
	if err != nil {
		return nil, volume.Grid{}, err
	}
	if req.TargetSeg.empty() {
		return labels, target.Grid, nil
	}
	ref, err := c.loadImage("target segmentation", req.TargetSeg)
	if err != nil {
		return nil, volume.Grid{}, err
	}
	if ref.Grid.NDim != target.Grid.NDim {
		return nil, volume.Grid{}, fmt.Errorf("target segmentation is %dD, target image is %dD", ref.Grid.NDim, target.Grid.NDim)
	}
	return labels, ref.Grid, nil
}

// Validate parses a registration document against the registered kinds.
func (c *Client) Validate(_ context.Context, req ValidateRequest) (ValidateSummary, error) {
	if req.ConfigPath == "" {
		return ValidateSummary{}, errors.New("validate requires a config path")
	}
	cfg, _, err := c.loadConfig(req.ConfigPath, nil)
	if err != nil {
		return ValidateSummary{}, err
	}
	resolveErr := c.orch.ResolveConfig(cfg)
	if !req.Source.empty() || !req.Target.empty() {
		source, err := c.loadImage("source", req.Source)
		if err != nil {
			return ValidateSummary{}, err
		}
		target, err := c.loadImage("target", req.Target)
		if err != nil {
			return ValidateSummary{}, err
		}
		resolveErr = c.orch.Resolve(cfg, source, target)
	}
	if resolveErr != nil {
		if cfgErr, ok := config.AsError(resolveErr); ok {
			cfgErr.Source = req.ConfigPath
		}
		return ValidateSummary{}, resolveErr
	}

	terms := make([]string, 0, len(cfg.Energy.Terms))
	for _, t := range cfg.Energy.Terms {
		terms = append(terms, t.Label)
	}
	return ValidateSummary{
		Transform: cfg.Model.Name,
		Optimizer: cfg.Optim.Name,
		Levels:    cfg.Pyramid.Levels,
		Terms:     terms,
	}, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = defaultRunsLimit
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			Transform:    e.Transform,
			Outcome:      e.Outcome,
			Levels:       e.Levels,
			FinalEnergy:  e.FinalEnergy,
		})
	}
	return out, nil
}

// Levels reports per-level results, preferring the store and falling back
// to the run's artifacts.
func (c *Client) Levels(ctx context.Context, req LevelsRequest) ([]LevelItem, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "levels")
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	records, ok, err := c.store.GetLevels(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		results := make([]model.LevelResult, 0, len(records))
		for _, rec := range records {
			results = append(results, rec.Result)
		}
		return levelItems(results), nil
	}

	results, ok, err := stats.ReadLevels(c.artifactsDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("levels not found for run id: %s", runID)
	}
	return levelItems(results), nil
}

func (c *Client) History(_ context.Context, req HistoryRequest) ([]stats.HistoryRow, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "energy history")
	if err != nil {
		return nil, err
	}

	rows, ok, err := stats.ReadEnergyHistory(c.artifactsDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("energy history not found for run id: %s", runID)
	}
	if req.Level >= 0 {
		filtered := rows[:0]
		for _, row := range rows {
			if row.Level == req.Level {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	return rows, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) Kinds() KindsSummary {
	return KindsSummary{Kinds: c.registry.Kinds(), Phantoms: c.phantoms.Names()}
}

// Phantom renders a synthetic volume and writes it as NRRD.
func (c *Client) Phantom(_ context.Context, req PhantomRequest) (string, error) {
	if req.OutPath == "" {
		return "", errors.New("phantom requires an output path")
	}
	img, err := c.phantom(req.Shape, req.Spec)
	if err != nil {
		return "", err
	}
	if err := volume.WriteNRRDFile(req.OutPath, img); err != nil {
		return "", err
	}
	return req.OutPath, nil
}

func (c *Client) loadConfig(path string, cfg *config.Config) (config.Config, []byte, error) {
	var loaded config.Config
	switch {
	case path != "":
		var err error
		if loaded, err = config.Load(path, c.registry); err != nil {
			return config.Config{}, nil, err
		}
	case cfg != nil:
		loaded = *cfg
	default:
		return config.Config{}, nil, errors.New("register requires a config path or config")
	}
	doc, err := config.Marshal(loaded)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("marshal config: %w", err)
	}
	return loaded, doc, nil
}

func (c *Client) loadImage(role string, src ImageSource) (*volume.Image, error) {
	switch {
	case src.Path != "" && src.Phantom != "":
		return nil, fmt.Errorf("%s: use either an image path or a phantom", role)
	case src.Path != "":
		return volume.ReadNRRDFile(src.Path)
	case src.Phantom != "":
		img, err := c.phantom(src.Phantom, src.Spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%s image is required", role)
	}
}

func (c *Client) phantom(shape string, spec phantom.Spec) (*volume.Image, error) {
	if len(spec.Size) == 0 {
		def := phantom.DefaultSpec()
		def.Shift = spec.Shift
		spec = def
	}
	return c.phantoms.Generate(shape, spec)
}

func (c *Client) resolveRunID(runID string, latest bool, what string) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "", errors.New("no runs available")
		}
		return entries[0].RunID, nil
	}
	if runID == "" {
		return "", fmt.Errorf("%s requires run id or latest", what)
	}
	return runID, nil
}

func levelItems(levels []model.LevelResult) []LevelItem {
	out := make([]LevelItem, 0, len(levels))
	for _, l := range levels {
		out = append(out, LevelItem{
			Level:       l.Level,
			Scale:       l.Scale,
			Outcome:     l.Outcome,
			Reason:      l.Reason,
			Steps:       l.Steps,
			FinalEnergy: l.FinalEnergy,
			BestEnergy:  l.BestEnergy,
			Params:      l.Params,
			Error:       l.Error,
		})
	}
	return out
}
