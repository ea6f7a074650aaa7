package regkit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"regkit/internal/config"
	"regkit/internal/model"
	"regkit/internal/phantom"
	"regkit/internal/volume"
)

const translationDoc = `
model: {name: Translation}
energy:
  sim: [SSD]
optim: {name: Adam, lr: 0.1, min_delta: 0, max_steps: 30, stall_steps: 10}
pyramid: {dims: [x, y], levels: 2, spacing: [1, 1]}
`

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	base := t.TempDir()
	client, err := New(Options{
		StoreKind:    "memory",
		ArtifactsDir: filepath.Join(base, "runs"),
		ExportsDir:   filepath.Join(base, "exports"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, base
}

func writeDoc(t *testing.T, dir, doc string) string {
	t.Helper()
	path := filepath.Join(dir, "registration.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func blobs() (ImageSource, ImageSource) {
	spec := phantom.DefaultSpec()
	spec.Size = []int{16, 16}
	spec.Radius = []float64{4}
	spec.Edge = 1.5
	shifted := spec
	shifted.Shift = []float64{1, 0}
	return ImageSource{Phantom: "sphere", Spec: shifted}, ImageSource{Phantom: "sphere", Spec: spec}
}

func TestClientRegisterRunsLevelsAndExport(t *testing.T) {
	client, base := newTestClient(t)
	ctx := context.Background()
	source, target := blobs()

	summary, err := client.Register(ctx, RegisterRequest{
		ConfigPath:  writeDoc(t, base, translationDoc),
		Source:      source,
		Target:      target,
		WriteWarped: true,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if summary.RunID == "" || summary.Outcome != model.OutcomeConverged {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.Levels) != 2 || len(summary.Params) != 2 {
		t.Fatalf("expected 2 levels and 2 params, got %d levels %v", len(summary.Levels), summary.Params)
	}
	if _, err := os.Stat(summary.WarpedPath); err != nil {
		t.Fatalf("expected warped image: %v", err)
	}

	runs, err := client.Runs(ctx, RunsRequest{Limit: 5})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID || runs[0].Transform != "Translation" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	levels, err := client.Levels(ctx, LevelsRequest{Latest: true})
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if len(levels) != 2 || levels[0].Scale != 2 || levels[1].Scale != 1 {
		t.Fatalf("unexpected levels: %+v", levels)
	}
	if levels[1].Params == nil {
		t.Fatal("expected finest level params from the store")
	}

	history, err := client.History(ctx, HistoryRequest{RunID: summary.RunID, Level: 1, Limit: 5})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 || history[0].Level != 1 || history[0].Step != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, name := range []string{"config.yaml", "levels.json", "energy_history.csv", "params.json", "warped.nrrd"} {
		if _, err := os.Stat(filepath.Join(exported.Directory, name)); err != nil {
			t.Fatalf("expected exported %s: %v", name, err)
		}
	}
}

func TestClientLevelsFallBackToArtifacts(t *testing.T) {
	client, base := newTestClient(t)
	ctx := context.Background()
	source, target := blobs()
	summary, err := client.Register(ctx, RegisterRequest{ConfigPath: writeDoc(t, base, translationDoc), Source: source, Target: target})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// A second client over the same directories has an empty memory store.
	other, err := New(Options{StoreKind: "memory", ArtifactsDir: filepath.Join(base, "runs")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = other.Close()
	})
	levels, err := other.Levels(ctx, LevelsRequest{RunID: summary.RunID})
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels from artifacts, got %d", len(levels))
	}

	if _, err := other.Levels(ctx, LevelsRequest{RunID: "missing"}); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestClientRegisterReportsConfigErrors(t *testing.T) {
	client, base := newTestClient(t)
	source, target := blobs()
	doc := strings.Replace(translationDoc, "SSD", "XYZ", 1)
	_, err := client.Register(context.Background(), RegisterRequest{ConfigPath: writeDoc(t, base, doc), Source: source, Target: target})
	cfgErr, ok := config.AsError(err)
	if !ok {
		t.Fatalf("expected config error, got %v", err)
	}
	if !cfgErr.Has("energy.sim") || !strings.Contains(err.Error(), "XYZ") {
		t.Fatalf("unexpected config error: %v", err)
	}

	runs, err := client.Runs(context.Background(), RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("config errors must not record runs: %+v", runs)
	}
}

func TestClientValidateChecksImages(t *testing.T) {
	client, base := newTestClient(t)
	path := writeDoc(t, base, translationDoc)

	summary, err := client.Validate(context.Background(), ValidateRequest{ConfigPath: path})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if summary.Transform != "Translation" || summary.Levels != 2 || len(summary.Terms) != 1 {
		t.Fatalf("unexpected validate summary: %+v", summary)
	}

	spec := phantom.DefaultSpec()
	spec.Size = []int{8, 8, 8}
	spec.Spacing = []float64{1, 1, 1}
	volume3D := ImageSource{Phantom: "box", Spec: spec}
	_, err = client.Validate(context.Background(), ValidateRequest{ConfigPath: path, Source: volume3D, Target: volume3D})
	cfgErr, ok := config.AsError(err)
	if !ok || !cfgErr.Has("pyramid.dims") {
		t.Fatalf("expected pyramid.dims violation, got %v", err)
	}
	if cfgErr.Source != path {
		t.Fatalf("expected source %q, got %q", path, cfgErr.Source)
	}
}

func TestClientValidateAgreesWithRegister(t *testing.T) {
	client, base := newTestClient(t)
	doc := strings.Replace(translationDoc, "sim: [SSD]", "sim: {name: NMI, bins: 1}", 1)
	path := writeDoc(t, base, doc)

	_, err := client.Validate(context.Background(), ValidateRequest{ConfigPath: path})
	cfgErr, ok := config.AsError(err)
	if !ok || !cfgErr.Has("energy.sim.bins") {
		t.Fatalf("expected energy.sim.bins violation from validate, got %v", err)
	}
	if cfgErr.Source != path {
		t.Fatalf("expected source %q, got %q", path, cfgErr.Source)
	}

	source, target := blobs()
	_, err = client.Register(context.Background(), RegisterRequest{ConfigPath: path, Source: source, Target: target})
	cfgErr, ok = config.AsError(err)
	if !ok || !cfgErr.Has("energy.sim.bins") {
		t.Fatalf("expected energy.sim.bins violation from register, got %v", err)
	}
}

func TestClientExportAndRunSelection(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := client.Export(ctx, ExportRequest{RunID: "a", Latest: true}); err == nil {
		t.Fatal("expected mutually exclusive selection error")
	}
	if _, err := client.Export(ctx, ExportRequest{}); err == nil {
		t.Fatal("expected missing selection error")
	}
	if _, err := client.Export(ctx, ExportRequest{Latest: true}); err == nil {
		t.Fatal("expected no runs error")
	}
	if _, err := client.History(ctx, HistoryRequest{RunID: "a", Limit: -1}); err == nil {
		t.Fatal("expected negative limit error")
	}
	if _, err := client.Levels(ctx, LevelsRequest{}); err == nil {
		t.Fatal("expected missing selection error")
	}
}

func TestClientPhantomAndKinds(t *testing.T) {
	client, base := newTestClient(t)
	out := filepath.Join(base, "blob.nrrd")
	path, err := client.Phantom(context.Background(), PhantomRequest{Shape: "Phantom_Box", OutPath: out})
	if err != nil {
		t.Fatalf("phantom: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected phantom file: %v", err)
	}
	_, err = client.Phantom(context.Background(), PhantomRequest{Shape: "torus", OutPath: out})
	if !errors.Is(err, phantom.ErrShapeNotFound) {
		t.Fatalf("expected shape not found, got %v", err)
	}

	kinds := client.Kinds()
	if len(kinds.Transforms) == 0 || len(kinds.Losses) == 0 || len(kinds.Optimizers) == 0 || len(kinds.Phantoms) != 4 {
		t.Fatalf("unexpected kinds: %+v", kinds)
	}

	source := ImageSource{Path: out}
	target := ImageSource{Path: out}
	summary, err := client.Register(context.Background(), RegisterRequest{
		ConfigPath: writeDoc(t, base, translationDoc),
		Source:     source,
		Target:     target,
	})
	if err != nil {
		t.Fatalf("register from nrrd: %v", err)
	}
	if summary.WarpedPath != "" {
		t.Fatalf("warped image written without request: %s", summary.WarpedPath)
	}
}

func writeLabels(t *testing.T, dir, name string, size []int, spacing []float64) string {
	t.Helper()
	g, err := volume.NewGrid(size, spacing)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	labels := volume.NewImage(g)
	for idx := range labels.Data {
		i, j, _ := g.Voxel(idx)
		switch {
		case i < size[0]/2 && j < size[1]/2:
			labels.Data[idx] = 1
		case i >= size[0]/2:
			labels.Data[idx] = 2
		}
	}
	path := filepath.Join(dir, name)
	if err := volume.WriteNRRDFile(path, labels); err != nil {
		t.Fatalf("write labels: %v", err)
	}
	return path
}

func TestClientRegisterWritesSegmentationAndDisplacement(t *testing.T) {
	client, base := newTestClient(t)
	ctx := context.Background()
	source, target := blobs()

	summary, err := client.Register(ctx, RegisterRequest{
		ConfigPath:        writeDoc(t, base, translationDoc),
		Source:            source,
		Target:            target,
		SourceSeg:         ImageSource{Path: writeLabels(t, base, "source_seg.nrrd", []int{16, 16}, []float64{1, 1})},
		TargetSeg:         ImageSource{Path: writeLabels(t, base, "target_seg.nrrd", []int{8, 8}, []float64{2, 2})},
		WriteDisplacement: true,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	warped, err := volume.ReadNRRDFile(summary.WarpedSegPath)
	if err != nil {
		t.Fatalf("read warped segmentation: %v", err)
	}
	if warped.Grid.Size != [3]int{8, 8, 1} || warped.Grid.Spacing[0] != 2 {
		t.Fatalf("warped segmentation not on the target segmentation grid: %s", warped.Grid)
	}
	seen := map[float64]bool{}
	for _, v := range warped.Data {
		if v != 0 && v != 1 && v != 2 {
			t.Fatalf("warped segmentation holds non-label value %v", v)
		}
		seen[v] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("expected labels 1 and 2 to survive warping, got %v", seen)
	}

	data, err := os.ReadFile(summary.DisplacementPath)
	if err != nil {
		t.Fatalf("read displacement: %v", err)
	}
	if !strings.Contains(string(data), "kinds: vector domain domain\n") || !strings.Contains(string(data), "sizes: 2 16 16\n") {
		t.Fatalf("unexpected displacement header: %q", data[:min(len(data), 200)])
	}

	exported, err := client.Export(ctx, ExportRequest{RunID: summary.RunID})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, name := range []string{"warped_seg.nrrd", "displacement.nrrd"} {
		if _, err := os.Stat(filepath.Join(exported.Directory, name)); err != nil {
			t.Fatalf("expected exported %s: %v", name, err)
		}
	}
}

func TestClientRegisterRejectsTargetSegAlone(t *testing.T) {
	client, base := newTestClient(t)
	source, target := blobs()

	summary, err := client.Register(context.Background(), RegisterRequest{
		ConfigPath: writeDoc(t, base, translationDoc),
		Source:     source,
		Target:     target,
		TargetSeg:  ImageSource{Path: writeLabels(t, base, "target_seg.nrrd", []int{8, 8}, []float64{2, 2})},
	})
	if err == nil || !strings.Contains(err.Error(), "requires a source segmentation") {
		t.Fatalf("expected missing source segmentation error, got %v", err)
	}
	if summary.RunID != "" {
		t.Fatalf("run started without a usable segmentation: %+v", summary)
	}
}
