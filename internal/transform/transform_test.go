package transform

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"regkit/internal/config"
	"regkit/internal/volume"
)

func builtins(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	return r
}

func grid(t *testing.T, size []int, spacing []float64) volume.Grid {
	t.Helper()
	g, err := volume.NewGrid(size, spacing)
	require.NoError(t, err)
	return g
}

func TestRegistryNamesAndErrors(t *testing.T) {
	r := builtins(t)
	require.Equal(t, []string{
		"Affine", "Affine o DDF", "Affine o FFD", "Affine o SVF", "Affine o SVFFD",
		"DDF", "DDF o Affine", "FFD", "FFD o Affine",
		"SVF", "SVF o Affine", "SVFFD", "SVFFD o Affine", "Translation",
	}, r.Names())

	err := r.Register(FamilySpec{Name: "FFD", New: newTranslation, SchemaVersion: 1, CodecVersion: 1})
	require.True(t, errors.Is(err, ErrFamilyExists))
	err = r.Register(FamilySpec{Name: "Rigid", New: newTranslation, SchemaVersion: 2, CodecVersion: 1})
	require.True(t, errors.Is(err, ErrFamilyVersion))
	_, err = r.Get("Rigid")
	require.True(t, errors.Is(err, ErrFamilyNotFound))

	_, err = r.New(config.TransformationSpec{Name: "Spline"}, grid(t, []int{4, 4}, []float64{1, 1}), nil)
	cfgErr, ok := config.AsError(err)
	require.True(t, ok)
	require.True(t, cfgErr.Has("model.name"))
	require.Contains(t, err.Error(), `"SVFFD"`)
}

func TestNewTransformsStartAtIdentity(t *testing.T) {
	r := builtins(t)
	g := grid(t, []int{9, 7, 5}, []float64{1, 1.5, 2})
	points := g.Points()
	for _, name := range r.Names() {
		tr, err := r.New(config.TransformationSpec{Name: name, Steps: 6}, g, nil)
		require.NoError(t, err, name)
		require.Equal(t, name, tr.Name())
		require.Zero(t, tr.Displacement(g).MaxNorm(), name)
		mapped := tr.Apply(points)
		for i := range points {
			require.InDeltaSlice(t, points[i][:], mapped[i][:], 1e-12, name)
		}
	}
}

func TestInitNoiseIsSeeded(t *testing.T) {
	r := builtins(t)
	g := grid(t, []int{8, 8}, []float64{1, 1})
	spec := config.TransformationSpec{Name: "FFD", Stride: []int{2}, StrideUnit: config.StrideUnitVoxel, InitNoise: 0.1}

	a, err := r.New(spec, g, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	b, err := r.New(spec, g, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	c, err := r.New(spec, g, rand.New(rand.NewSource(8)))
	require.NoError(t, err)

	require.Equal(t, a.Params(), b.Params())
	require.NotEqual(t, a.Params(), c.Params())
}

func TestTransposedPathMatchesGather(t *testing.T) {
	r := builtins(t)
	rng := rand.New(rand.NewSource(3))
	for _, name := range []string{"FFD", "DDF", "SVFFD", "SVF"} {
		for _, g := range []volume.Grid{
			grid(t, []int{11, 9}, []float64{1, 2}),
			grid(t, []int{7, 6, 5}, []float64{1, 1, 1.5}),
		} {
			spec := config.TransformationSpec{Name: name, Stride: []int{3}, StrideUnit: config.StrideUnitVoxel, Steps: 3}
			gather, err := r.New(spec, g, nil)
			require.NoError(t, err)
			for i := range gather.Params() {
				gather.Params()[i] = rng.NormFloat64()
			}
			spec.Transpose = true
			scatter, err := r.New(spec, g, nil)
			require.NoError(t, err)
			require.NoError(t, scatter.SetParams(gather.Params()))

			want := gather.Displacement(g)
			got := scatter.Displacement(g)
			for i := range want.Data {
				require.InDeltaSlice(t, want.Data[i][:], got.Data[i][:], 1e-9, "%s %s voxel %d", name, g, i)
			}
		}
	}
}

func TestBSplineReproducesConstants(t *testing.T) {
	r := builtins(t)
	g := grid(t, []int{10, 10}, []float64{1, 1})
	tr, err := r.New(config.TransformationSpec{Name: "FFD", Stride: []int{4}, StrideUnit: config.StrideUnitVoxel}, g, nil)
	require.NoError(t, err)
	params := tr.Params()
	half := len(params) / 2
	for i := range params {
		if i < half {
			params[i] = 1.5
		} else {
			params[i] = -0.5
		}
	}
	for _, v := range tr.Displacement(g).Data {
		require.InDelta(t, 1.5, v[0], 1e-12)
		require.InDelta(t, -0.5, v[1], 1e-12)
	}
}

func TestLinearFamilies(t *testing.T) {
	r := builtins(t)
	g := grid(t, []int{5, 5, 5}, []float64{1, 1, 1})

	tr, err := r.New(config.TransformationSpec{Name: "Translation"}, g, nil)
	require.NoError(t, err)
	require.NoError(t, tr.SetParams([]float64{1, -2, 0.5}))
	require.Equal(t, []volume.Point{{1, -2, 0.5}}, tr.Apply([]volume.Point{{0, 0, 0}}))
	require.True(t, errors.Is(tr.SetParams([]float64{1}), ErrParamLength))

	aff, err := r.New(config.TransformationSpec{Name: "Affine"}, g, nil)
	require.NoError(t, err)
	params := aff.Params()
	require.Len(t, params, 12)
	// Uniform 10% scaling about the centre (2, 2, 2).
	params[3], params[3+4], params[3+8] = 0.1, 0.1, 0.1
	got := aff.Apply([]volume.Point{{2, 2, 2}, {4, 2, 2}})
	require.InDeltaSlice(t, []float64{2, 2, 2}, got[0][:], 1e-12)
	require.InDeltaSlice(t, []float64{4.2, 2, 2}, got[1][:], 1e-12)

	clone := aff.Clone()
	clone.Params()[0] = 9
	require.Zero(t, aff.Params()[0])
}

func TestVelocityFamiliesExponentiate(t *testing.T) {
	r := builtins(t)
	g := grid(t, []int{8, 8}, []float64{1, 1})
	tr, err := r.New(config.TransformationSpec{Name: "SVF", Steps: 6}, g, nil)
	require.NoError(t, err)
	params := tr.Params()
	for i := 0; i < len(params)/2; i++ {
		params[i] = 0.75
	}
	for _, v := range tr.Displacement(g).Data {
		require.InDelta(t, 0.75, v[0], 1e-9)
		require.InDelta(t, 0, v[1], 1e-12)
	}

	zero := volume.NewField(g)
	require.Zero(t, ExpFlow(zero, 6).MaxNorm())
}

func TestComposeFromUpsamplesCoarserLevel(t *testing.T) {
	r := builtins(t)
	coarseGrid := grid(t, []int{8, 8}, []float64{2, 2})
	fineGrid := grid(t, []int{16, 16}, []float64{1, 1})
	spec := config.TransformationSpec{Name: "FFD", Stride: []int{4}, StrideUnit: config.StrideUnitMM}

	coarse, err := r.New(spec, coarseGrid, nil)
	require.NoError(t, err)
	for i := range coarse.Params() {
		coarse.Params()[i] = 0.25
	}
	fine, err := r.New(spec, fineGrid, nil)
	require.NoError(t, err)
	require.NoError(t, fine.ComposeFrom(coarse))
	for _, v := range fine.Displacement(fineGrid).Data {
		require.InDelta(t, 0.25, v[0], 1e-9)
		require.InDelta(t, 0.25, v[1], 1e-9)
	}

	aff, err := r.New(config.TransformationSpec{Name: "Affine"}, fineGrid, nil)
	require.NoError(t, err)
	require.True(t, errors.Is(fine.ComposeFrom(aff), ErrIncompatible))
	require.True(t, errors.Is(aff.ComposeFrom(fine), ErrIncompatible))
}

func TestStrideUnits(t *testing.T) {
	g := grid(t, []int{17, 17}, []float64{2, 2})
	require.Equal(t, []int{4, 4}, strideVoxels(config.TransformationSpec{Stride: []int{8}, StrideUnit: config.StrideUnitMM}, g, 1))
	require.Equal(t, []int{8, 8}, strideVoxels(config.TransformationSpec{Stride: []int{8}, StrideUnit: config.StrideUnitVoxel}, g, 1))
	require.Equal(t, []int{1, 1}, strideVoxels(config.TransformationSpec{Stride: []int{1}, StrideUnit: config.StrideUnitMM}, g, 1))

	r := builtins(t)
	tr, err := r.New(config.TransformationSpec{Name: "FFD", Stride: []int{8}, StrideUnit: config.StrideUnitMM}, g, nil)
	require.NoError(t, err)
	cg := tr.(*latticeModel).ControlGrid()
	require.Equal(t, [3]float64{8, 8, 1}, cg.Spacing)
	require.Equal(t, [3]int{10, 10, 1}, cg.Size)
	require.Equal(t, [3]float64{-17, -17, 0}, cg.Origin)
}

// pyramidPair returns a size x size grid and the grid one pyramid level
// above it.
func pyramidPair(t *testing.T, size int) (fine, coarse volume.Grid) {
	t.Helper()
	fine = grid(t, []int{size, size}, []float64{1, 1})
	coarse, err := fine.WithSpacing([]float64{2, 2})
	require.NoError(t, err)
	return fine, coarse
}

func TestComposeFromRefinesCoarseLatticeExactly(t *testing.T) {
	for _, size := range []int{32, 33} {
		fineGrid, coarseGrid := pyramidPair(t, size)
		refinesExactly(t, fineGrid, coarseGrid)
	}
}

func refinesExactly(t *testing.T, fineGrid, coarseGrid volume.Grid) {
	t.Helper()
	r := builtins(t)
	rng := rand.New(rand.NewSource(11))
	for _, spec := range []config.TransformationSpec{
		{Name: "FFD", Stride: []int{4}, StrideUnit: config.StrideUnitVoxel},
		{Name: "FFD", Stride: []int{4}, StrideUnit: config.StrideUnitMM},
		{Name: "SVFFD", Stride: []int{4}, StrideUnit: config.StrideUnitVoxel, Steps: 4},
		{Name: "DDF"},
		{Name: "SVF", Steps: 4},
		{Name: "Affine o FFD", Stride: []int{4}, StrideUnit: config.StrideUnitVoxel},
	} {
		coarse, err := r.New(spec, coarseGrid, nil)
		require.NoError(t, err)
		for i := range coarse.Params() {
			coarse.Params()[i] = 0.5 * rng.NormFloat64()
		}
		fine, err := r.New(spec, fineGrid, nil)
		require.NoError(t, err)
		require.NoError(t, fine.ComposeFrom(coarse))

		want := coarse.Displacement(fineGrid)
		got := fine.Displacement(fineGrid)
		for i := range want.Data {
			require.InDeltaSlice(t, want.Data[i][:2], got.Data[i][:2], 1e-9, "%s %s %s voxel %d", spec.Name, spec.StrideUnit, fineGrid, i)
		}
	}
}

func TestComposeFromFitsMisalignedLattice(t *testing.T) {
	r := builtins(t)
	fineGrid := grid(t, []int{33, 33}, []float64{1, 1})
	// Knots of a coarse grid that is not a pyramid level of fineGrid fall
	// between the fine knots.
	coarseGrid, err := volume.NewGridAt([]int{17, 17}, []float64{2, 2}, []float64{0.3, 0.3})
	require.NoError(t, err)

	spec := config.TransformationSpec{Name: "FFD", Stride: []int{4}, StrideUnit: config.StrideUnitVoxel}
	coarse, err := r.New(spec, coarseGrid, nil)
	require.NoError(t, err)
	cm := coarse.(*latticeModel)
	cg := cm.ControlGrid()
	n := cg.Len()
	for idx, p := range cg.Points() {
		cm.lattice.coef[idx] = 0.5 * math.Sin(2*math.Pi*p[0]/64)
		cm.lattice.coef[n+idx] = 0.5 * math.Cos(2*math.Pi*p[1]/64)
	}

	fine, err := r.New(spec, fineGrid, nil)
	require.NoError(t, err)
	require.NoError(t, fine.ComposeFrom(coarse))
	naive := fine.Clone().(*latticeModel)
	naive.lattice.resampleFrom(&cm.lattice)

	want := coarse.Displacement(fineGrid)
	maxErr := func(tr Transform) float64 {
		worst := 0.0
		for i, v := range tr.Displacement(fineGrid).Data {
			worst = math.Max(worst, v.Sub(want.Data[i]).Norm())
		}
		return worst
	}
	fitted, sampled := maxErr(fine), maxErr(naive)
	require.Less(t, fitted, 0.005)
	require.Less(t, fitted, sampled/4)
}

func TestAffineFactors(t *testing.T) {
	r := builtins(t)
	g := grid(t, []int{5, 5}, []float64{1, 1})
	c := g.Center()

	tr, err := r.New(config.TransformationSpec{Name: "Affine", AffineModel: "T o R o S"}, g, nil)
	require.NoError(t, err)
	require.Len(t, tr.Params(), 5)
	require.NoError(t, tr.SetParams([]float64{1, 2, math.Pi / 2, math.Log(2), 0}))
	// Scale x by 2, rotate a quarter turn, then translate.
	got := tr.Apply([]volume.Point{{c[0] + 1, c[1]}})
	require.InDeltaSlice(t, []float64{c[0] + 1, c[1] + 4}, got[0][:2], 1e-12)

	g3 := grid(t, []int{5, 5, 5}, []float64{1, 1, 1})
	c3 := g3.Center()
	rot, err := r.New(config.TransformationSpec{Name: "Affine", AffineModel: "R"}, g3, nil)
	require.NoError(t, err)
	require.NoError(t, rot.SetParams([]float64{0, 0, math.Pi / 2}))
	got = rot.Apply([]volume.Point{{c3[0] + 1, c3[1], c3[2]}})
	require.InDeltaSlice(t, []float64{c3[0], c3[1] + 1, c3[2]}, got[0][:], 1e-12)

	shear, err := r.New(config.TransformationSpec{Name: "Affine", AffineModel: "K"}, g3, nil)
	require.NoError(t, err)
	require.Len(t, shear.Params(), 3)

	_, err = r.New(config.TransformationSpec{Name: "Affine", AffineModel: "TRT"}, g, nil)
	require.ErrorContains(t, err, "more than once")

	rigid, err := r.New(config.TransformationSpec{Name: "Affine", AffineModel: "TR"}, g, nil)
	require.NoError(t, err)
	require.True(t, errors.Is(rigid.ComposeFrom(tr), ErrIncompatible))
}

func TestCompositeOrder(t *testing.T) {
	r := builtins(t)
	g := grid(t, []int{12, 12}, []float64{1, 1})
	c := g.Center()
	spec := config.TransformationSpec{Stride: []int{4}, StrideUnit: config.StrideUnitVoxel, AffineModel: "R"}

	mapped := map[string]volume.Point{}
	for _, name := range []string{"Affine o FFD", "FFD o Affine"} {
		spec.Name = name
		tr, err := r.New(spec, g, nil)
		require.NoError(t, err)
		params := tr.Params()
		ffd := len(params) - 1
		require.Equal(t, 0, ffd%2)
		// Quarter turn, then a unit shift along x everywhere.
		params[0] = math.Pi / 2
		for i := 1; i <= ffd/2; i++ {
			params[i] = 1
		}
		mapped[name] = tr.Apply([]volume.Point{c})[0]
	}
	// Deform first: the shift is rotated onto y.
	affineFFD, ffdAffine := mapped["Affine o FFD"], mapped["FFD o Affine"]
	require.InDeltaSlice(t, []float64{c[0], c[1] + 1}, affineFFD[:2], 1e-9)
	require.InDeltaSlice(t, []float64{c[0] + 1, c[1]}, ffdAffine[:2], 1e-9)

	a, err := r.New(config.TransformationSpec{Name: "Affine o SVF"}, g, nil)
	require.NoError(t, err)
	b, err := r.New(config.TransformationSpec{Name: "SVF o Affine"}, g, nil)
	require.NoError(t, err)
	require.True(t, errors.Is(a.ComposeFrom(b), ErrIncompatible))
}
