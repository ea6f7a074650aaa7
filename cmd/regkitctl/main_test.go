package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"regkit/internal/stats"
	"regkit/internal/volume"
)

const registrationDoc = `
model: {name: Translation}
energy:
  sim: [SSD]
optim: {name: Adam, lr: 0.1, min_delta: 0, max_steps: 20, stall_steps: 10}
pyramid: {dims: [x, y], levels: 2, spacing: [1, 1]}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func writeDoc(t *testing.T, dir, doc string) string {
	t.Helper()
	path := filepath.Join(dir, "registration.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRegisterRunsLevelsAndExport(t *testing.T) {
	base := t.TempDir()
	artifacts := filepath.Join(base, "runs")
	common := []string{"--store", "memory", "--artifacts-dir", artifacts}

	args := append([]string{"register"}, common...)
	args = append(args,
		"--config", writeDoc(t, base, registrationDoc),
		"--source-phantom", "sphere",
		"--target-phantom", "sphere",
		"--phantom-size", "16,16",
		"--phantom-radius", "4",
		"--shift", "1,0",
		"--warped",
	)
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out, "outcome=converged") || !strings.Contains(out, "warped=") {
		t.Fatalf("unexpected register output:\n%s", out)
	}

	entries, err := stats.ListRunIndex(artifacts)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one indexed run, got %d", len(entries))
	}
	runID := entries[0].RunID

	out, err = execute(t, append([]string{"runs", "--json"}, common...)...)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var runs []struct{ RunID string }
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode runs: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].RunID != runID {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	// Levels come from the artifacts since each invocation has a fresh memory store.
	out, err = execute(t, append([]string{"levels", "--latest"}, common...)...)
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if strings.Count(out, "level=") != 2 {
		t.Fatalf("expected two level lines:\n%s", out)
	}

	out, err = execute(t, append([]string{"history", "--run-id", runID, "--level", "0", "--limit", "3"}, common...)...)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[1], "0,1,") {
		t.Fatalf("unexpected history output:\n%s", out)
	}

	exportDir := filepath.Join(base, "exports")
	out, err = execute(t, append([]string{"export", "--latest", "--out", exportDir}, common...)...)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exportDir, runID, "warped.nrrd")); err != nil {
		t.Fatalf("expected exported warped image: %v\n%s", err, out)
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	base := t.TempDir()
	doc := strings.NewReplacer("Translation", "Rigidish", "SSD", "XYZ").Replace(registrationDoc)
	_, err := execute(t, "validate", "--store", "memory", writeDoc(t, base, doc))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"model.name", "energy.sim", "XYZ"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in error:\n%v", want, err)
		}
	}

	out, err := execute(t, "validate", "--store", "memory", writeDoc(t, base, registrationDoc))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.HasPrefix(out, "ok transform=Translation") {
		t.Fatalf("unexpected validate output: %s", out)
	}
}

func TestRegisterWarpsSegmentation(t *testing.T) {
	base := t.TempDir()
	artifacts := filepath.Join(base, "runs")

	g, err := volume.NewGrid([]int{16, 16}, []float64{1, 1})
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	labels := volume.NewImage(g)
	for idx := range labels.Data {
		if i, _, _ := g.Voxel(idx); i >= 8 {
			labels.Data[idx] = 3
		}
	}
	segPath := filepath.Join(base, "labels.nrrd")
	if err := volume.WriteNRRDFile(segPath, labels); err != nil {
		t.Fatalf("write labels: %v", err)
	}

	out, err := execute(t, "register", "--store", "memory", "--artifacts-dir", artifacts,
		"--config", writeDoc(t, base, registrationDoc),
		"--source-phantom", "sphere",
		"--target-phantom", "sphere",
		"--phantom-size", "16,16",
		"--phantom-radius", "4",
		"--shift", "1,0",
		"--source-seg", segPath,
		"--displacement",
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out, "warped_seg=") || !strings.Contains(out, "displacement=") {
		t.Fatalf("unexpected register output:\n%s", out)
	}

	entries, err := stats.ListRunIndex(artifacts)
	if err != nil || len(entries) != 1 {
		t.Fatalf("list run index: %v %+v", err, entries)
	}
	warped, err := volume.ReadNRRDFile(stats.WarpedSegPath(artifacts, entries[0].RunID))
	if err != nil {
		t.Fatalf("read warped segmentation: %v", err)
	}
	if !warped.Grid.Equal(g) {
		t.Fatalf("warped segmentation grid %s, want %s", warped.Grid, g)
	}
	for _, v := range warped.Data {
		if v != 0 && v != 3 {
			t.Fatalf("warped segmentation holds non-label value %v", v)
		}
	}
}

func TestValidateReportsParameterRange(t *testing.T) {
	base := t.TempDir()
	doc := strings.Replace(registrationDoc, "sim: [SSD]", "sim: {name: NMI, bins: 1}", 1)
	_, err := execute(t, "validate", "--store", "memory", writeDoc(t, base, doc))
	if err == nil || !strings.Contains(err.Error(), "energy.sim.bins") {
		t.Fatalf("expected energy.sim.bins violation, got %v", err)
	}
}

func TestSettingsFromEnvironment(t *testing.T) {
	base := t.TempDir()
	artifacts := filepath.Join(base, "env-runs")
	t.Setenv("REGKIT_STORE", "memory")
	t.Setenv("REGKIT_ARTIFACTS_DIR", artifacts)

	_, err := execute(t, "register",
		"--config", writeDoc(t, base, registrationDoc),
		"--source-phantom", "box",
		"--target-phantom", "box",
		"--phantom-size", "16,16",
		"--phantom-radius", "4",
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	entries, err := stats.ListRunIndex(artifacts)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected run indexed under env artifacts dir: %v %+v", err, entries)
	}
}

func TestKindsAndPhantom(t *testing.T) {
	out, err := execute(t, "kinds", "--store", "memory")
	if err != nil {
		t.Fatalf("kinds: %v", err)
	}
	for _, want := range []string{"Translation", "SSD", "Adam", "sphere"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in kinds output:\n%s", want, out)
		}
	}

	path := filepath.Join(t.TempDir(), "box.nrrd")
	if _, err := execute(t, "phantom", "box", "--store", "memory", "--out", path, "--size", "8,8,8", "--spacing", "1,1,1"); err != nil {
		t.Fatalf("phantom: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected phantom file: %v", err)
	}
}

func TestCommandArgumentErrors(t *testing.T) {
	if _, err := execute(t, "runs", "--store", "memory", "--limit", "0"); err == nil {
		t.Fatal("expected limit error")
	}
	if _, err := execute(t, "export", "--store", "memory", "--run-id", "a", "--latest"); err == nil {
		t.Fatal("expected selection error")
	}
	if _, err := execute(t, "register", "--store", "memory"); err == nil {
		t.Fatal("expected missing --config error")
	}
	if _, err := execute(t, "bogus"); err == nil {
		t.Fatal("expected unknown command error")
	}
}
