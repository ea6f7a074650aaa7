package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCatalog struct{}

func (fakeCatalog) TransformNames() []string { return []string{"Affine", "FFD", "SVFFD"} }
func (fakeCatalog) OptimizerNames() []string { return []string{"Adam", "SGD"} }
func (fakeCatalog) LossNames() []string      { return []string{"BE", "NMI", "SSD"} }

func (fakeCatalog) LossParams(name string) ([]ParamSpec, bool) {
	switch name {
	case "BE":
		return []ParamSpec{{Name: "stride", Kind: ParamInts}}, true
	case "NMI":
		return []ParamSpec{
			{Name: "bins", Kind: ParamInt, Required: true},
			{Name: "vmin", Kind: ParamFloat},
			{Name: "vmax", Kind: ParamFloat},
		}, true
	case "SSD":
		return nil, true
	default:
		return nil, false
	}
}

const validDoc = `
model:
  name: SVFFD
  stride: &stride [4, 4, 4]
  stride_unit: voxel
energy:
  sim: {name: NMI, bins: 64}
  be: [0.001, BE, stride: *stride]
optim: {name: Adam, lr: 0.001, min_delta: -0.0001, max_steps: 200}
pyramid: {dims: [x, y, z], levels: 3, spacing: [2.0, 2.0, 2.0]}
`

func TestParseValidDocument(t *testing.T) {
	cfg, err := Parse([]byte(validDoc), fakeCatalog{})
	require.NoError(t, err)

	require.Equal(t, "SVFFD", cfg.Model.Name)
	require.Equal(t, []int{4, 4, 4}, cfg.Model.Stride)
	require.Equal(t, DefaultSquaringSteps, cfg.Model.Steps)
	require.Equal(t, DefaultStallSteps, cfg.Optim.StallSteps)
	require.Equal(t, OnFailureAbort, cfg.Run.OnLevelFailure)
	require.False(t, cfg.Run.ContinueOnFailure())
	require.Equal(t, -0.0001, cfg.Optim.MinDelta)

	require.Len(t, cfg.Energy.Terms, 2)
	sim := cfg.Energy.Terms[0]
	require.Equal(t, "sim", sim.Label)
	require.Equal(t, 1.0, sim.Weight)
	require.Equal(t, 64, IntParam(sim.Params, "bins", 0))

	be := cfg.Energy.Terms[1]
	require.Equal(t, "be", be.Label)
	require.Equal(t, "BE", be.Name)
	require.Equal(t, 0.001, be.Weight)
	require.Equal(t, []int{4, 4, 4}, IntsParam(be.Params, "stride", 3))
}

func TestCompactAndVerboseTermsAgree(t *testing.T) {
	base := `
model: {name: FFD}
optim: {name: Adam, lr: 0.1, max_steps: 10}
pyramid: {dims: [x, y], levels: 1, spacing: [1, 1]}
`
	compact, err := Parse([]byte(base+"energy:\n  be: [0.5, BE, stride: 2]\n"), fakeCatalog{})
	require.NoError(t, err)
	verbose, err := Parse([]byte(base+"energy:\n  be: {name: BE, weight: 0.5, stride: 2}\n"), fakeCatalog{})
	require.NoError(t, err)
	require.Equal(t, verbose.Energy, compact.Energy)

	unweighted, err := Parse([]byte(base+"energy:\n  ssd: [SSD]\n  alias: SSD\n"), fakeCatalog{})
	require.NoError(t, err)
	require.Equal(t, 1.0, unweighted.Energy.Terms[0].Weight)
	require.Equal(t, "SSD", unweighted.Energy.Terms[1].Name)
}

func TestUnknownEnergyTermListsValidNames(t *testing.T) {
	doc := strings.Replace(validDoc, "name: NMI, bins: 64", "name: XYZ", 1)
	_, err := Parse([]byte(doc), fakeCatalog{})
	require.Error(t, err)

	cfgErr, ok := AsError(err)
	require.True(t, ok)
	require.True(t, cfgErr.Has("energy.sim.name"))
	require.Contains(t, err.Error(), `"XYZ"`)
	for _, name := range (fakeCatalog{}).LossNames() {
		require.Contains(t, err.Error(), `"`+name+`"`)
	}
}

func TestParseAggregatesViolations(t *testing.T) {
	doc := `
model: {name: Spline, stride: [0, 4], colour: red}
energy:
  sim: {name: NMI}
  reg: [-1, BE]
optim: {name: Adam, lr: -1, max_steps: 0}
pyramid: {dims: [x, y, z], levels: 0, spacing: [1, 1]}
run: {on_level_failure: retry}
extra: true
`
	_, err := Parse([]byte(doc), fakeCatalog{})
	require.Error(t, err)
	cfgErr, ok := AsError(err)
	require.True(t, ok)

	for _, path := range []string{
		"model.colour",
		"energy.sim.bins",
		"energy.reg[0]",
		"optim.lr",
		"optim.max_steps",
		"pyramid.levels",
		"pyramid.spacing",
		"run.on_level_failure",
		"extra",
	} {
		require.Truef(t, cfgErr.Has(path), "missing violation for %s in:\n%v", path, err)
	}
	require.Greater(t, len(cfgErr.Violations), 8)
}

func TestStrideRequiresUnit(t *testing.T) {
	doc := strings.Replace(validDoc, "  stride_unit: voxel\n", "", 1)
	_, err := Parse([]byte(doc), fakeCatalog{})
	cfgErr, ok := AsError(err)
	require.True(t, ok)
	require.True(t, cfgErr.Has("model.stride_unit"))

	doc = strings.Replace(validDoc, "stride_unit: voxel", "stride_unit: pixels", 1)
	_, err = Parse([]byte(doc), fakeCatalog{})
	require.ErrorContains(t, err, `unknown unit "pixels"`)
}

func TestMissingSectionsAndRequiredFields(t *testing.T) {
	_, err := Parse([]byte("model: {transpose: true}\n"), nil)
	cfgErr, ok := AsError(err)
	require.True(t, ok)
	for _, path := range []string{"model.name", "energy", "optim", "pyramid"} {
		require.Truef(t, cfgErr.Has(path), "missing violation for %s", path)
	}

	_, err = Parse([]byte("- a\n- b\n"), nil)
	require.ErrorContains(t, err, "document must be a mapping")
}

func TestMergeKeysAndAliases(t *testing.T) {
	doc := `
defaults: &optim {name: Adam, lr: 0.01, max_steps: 50}
`
	_, err := Parse([]byte(doc), nil)
	require.ErrorContains(t, err, "unknown section")

	doc = `
model: {name: Affine}
energy: {ssd: SSD}
optim:
  <<: {name: SGD, lr: 0.01, max_steps: 50}
  lr: 0.5
pyramid: {dims: [x, y], levels: 2, spacing: [1, 1]}
`
	cfg, err := Parse([]byte(doc), fakeCatalog{})
	require.NoError(t, err)
	require.Equal(t, "SGD", cfg.Optim.Name)
	require.Equal(t, 0.5, cfg.Optim.LR)
	require.Equal(t, 50, cfg.Optim.MaxSteps)
}

func TestRepeatedKeysAreReported(t *testing.T) {
	doc := `
model: {name: Affine}
model: {name: FFD}
energy:
  sim: {name: NMI, bins: 64}
  sim: {name: SSD, name: NMI}
optim: {name: Adam, lr: 0.01, lr: 0.02, max_steps: 50}
pyramid: {dims: [x, y], levels: 2, spacing: [1, 1]}
`
	_, err := Parse([]byte(doc), fakeCatalog{})
	cfgErr, ok := AsError(err)
	require.True(t, ok)
	want := map[string]bool{"model": true, "energy.sim": true, "optim.lr": true}
	got := map[string]bool{}
	for _, v := range cfgErr.Violations {
		if v.Message == "key given twice" {
			got[v.Path] = true
		}
	}
	require.Equal(t, want, got, "violations:\n%v", err)

	// The first occurrence wins and the second is never decoded.
	doc = strings.Replace(validDoc, "energy:\n", "energy:\n  be: SSD\n", 1)
	_, err = Parse([]byte(doc), fakeCatalog{})
	require.ErrorContains(t, err, "energy.be: key given twice")
}

func TestAffineModel(t *testing.T) {
	for model, want := range map[string]string{
		"":          "A",
		"TRS":       "TRS",
		"T o R o S": "TRS",
		"trsk":      "TRSK",
	} {
		got, err := AffineFactors(model)
		require.NoError(t, err, model)
		require.Equal(t, want, string(got), model)
	}
	_, err := AffineFactors("TRT")
	require.ErrorContains(t, err, `factor 'T' given more than once`)
	_, err = AffineFactors("TQ")
	require.ErrorContains(t, err, "invalid factor")

	doc := strings.Replace(validDoc, "  stride_unit: voxel\n", "  stride_unit: voxel\n  affine_model: TXS\n", 1)
	_, err = Parse([]byte(doc), fakeCatalog{})
	cfgErr, ok := AsError(err)
	require.True(t, ok)
	require.True(t, cfgErr.Has("model.affine_model"))

	doc = strings.Replace(validDoc, "  stride_unit: voxel\n", "  stride_unit: voxel\n  affine_model: T o R\n", 1)
	cfg, err := Parse([]byte(doc), fakeCatalog{})
	require.NoError(t, err)
	require.Equal(t, "T o R", cfg.Model.AffineModel)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(validDoc), fakeCatalog{})
	require.NoError(t, err)
	data, err := Marshal(cfg)
	require.NoError(t, err)

	again, err := Parse(data, fakeCatalog{})
	require.NoError(t, err, string(data))
	require.Equal(t, cfg.Model, again.Model)
	require.Equal(t, cfg.Optim, again.Optim)
	require.Equal(t, cfg.Pyramid, again.Pyramid)
	require.Len(t, again.Energy.Terms, len(cfg.Energy.Terms))
	for i, term := range cfg.Energy.Terms {
		require.Equal(t, term.Label, again.Energy.Terms[i].Label)
		require.Equal(t, term.Name, again.Energy.Terms[i].Name)
		require.Equal(t, term.Weight, again.Energy.Terms[i].Weight)
	}
}

func TestLoadSetsSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: {}\n"), 0o644))
	_, err := Load(path, nil)
	cfgErr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, path, cfgErr.Source)
	require.Contains(t, err.Error(), path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	require.False(t, IsError(err))
}

func TestStrideFor(t *testing.T) {
	require.Equal(t, []int{1, 1, 1}, TransformationSpec{}.StrideFor(3))
	require.Equal(t, []int{5, 5}, TransformationSpec{Stride: []int{5}}.StrideFor(2))
	require.Equal(t, []int{2, 3, 4}, TransformationSpec{Stride: []int{2, 3, 4}}.StrideFor(3))
}
