package energy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"regkit/internal/config"
	"regkit/internal/volume"
)

const defaultEpsilon = 1e-15

func imagePair(in Inputs) (warped, target []float64, err error) {
	if in.Warped == nil || in.Target == nil {
		return nil, nil, fmt.Errorf("%w: warped and target images", ErrMissingInput)
	}
	if !in.Warped.Grid.Equal(in.Target.Grid) {
		return nil, nil, fmt.Errorf("%w: warped %s, target %s", volume.ErrGridMismatch, in.Warped.Grid, in.Target.Grid)
	}
	return in.Warped.Data, in.Target.Data, nil
}

func meanSquared(norm float64) TermFunc {
	return func(in Inputs) (float64, error) {
		w, t, err := imagePair(in)
		if err != nil {
			return 0, err
		}
		d2 := floats.Distance(w, t, 2)
		return d2 * d2 / (norm * norm * float64(len(w))), nil
	}
}

// newSSD is the sum of squared differences normalized by voxel count and
// optionally by an intensity norm.
func newSSD(params map[string]any) (Term, error) {
	norm, ok := config.FloatParam(params, "norm")
	if !ok {
		norm = 1
	}
	if norm <= 0 {
		return nil, config.Errorf("norm", "must be positive, got %v", norm)
	}
	return meanSquared(norm), nil
}

func newMSE(params map[string]any) (Term, error) {
	return newSSD(params)
}

func epsilonParam(params map[string]any) (float64, error) {
	eps, ok := config.FloatParam(params, "epsilon")
	if !ok {
		return defaultEpsilon, nil
	}
	if eps <= 0 {
		return 0, config.Errorf("epsilon", "must be positive, got %v", eps)
	}
	return eps, nil
}

// newNCC is 1 - global normalized cross correlation.
func newNCC(params map[string]any) (Term, error) {
	eps, err := epsilonParam(params)
	if err != nil {
		return nil, err
	}
	return TermFunc(func(in Inputs) (float64, error) {
		w, t, err := imagePair(in)
		if err != nil {
			return 0, err
		}
		cov := stat.Covariance(w, t, nil)
		vw := stat.Variance(w, nil)
		vt := stat.Variance(t, nil)
		return 1 - cov/math.Sqrt(vw*vt+eps), nil
	}), nil
}

// newLCC is 1 - mean squared local correlation over a box window.
func newLCC(params map[string]any) (Term, error) {
	eps, err := epsilonParam(params)
	if err != nil {
		return nil, err
	}
	kernel := config.IntsParam(params, "kernel_size", 3)
	var radius [3]int
	for d, k := range kernel {
		if k < 1 {
			return nil, config.Errorf("kernel_size", "must be >= 1, got %d", k)
		}
		radius[d] = k / 2
	}
	return TermFunc(func(in Inputs) (float64, error) {
		if _, _, err := imagePair(in); err != nil {
			return 0, err
		}
		w, t := in.Warped, in.Target
		wt, ww, tt := product(w, t), product(w, w), product(t, t)
		mw, mt := volume.BoxMean(w, radius), volume.BoxMean(t, radius)
		mwt, mww, mtt := volume.BoxMean(wt, radius), volume.BoxMean(ww, radius), volume.BoxMean(tt, radius)
		var sum float64
		for i := range w.Data {
			cross := mwt.Data[i] - mw.Data[i]*mt.Data[i]
			varW := mww.Data[i] - mw.Data[i]*mw.Data[i]
			varT := mtt.Data[i] - mt.Data[i]*mt.Data[i]
			sum += cross * cross / (math.Max(varW, 0)*math.Max(varT, 0) + eps)
		}
		return 1 - sum/float64(len(w.Data)), nil
	}), nil
}

func product(a, b *volume.Image) *volume.Image {
	out := volume.NewImage(a.Grid)
	floats.MulTo(out.Data, a.Data, b.Data)
	return out
}

// newMI returns -MI, or 2 - NMI when normalized, from a joint histogram
// with linear soft binning.
func newMI(normalized bool) Factory {
	return func(params map[string]any) (Term, error) {
		bins := config.IntParam(params, "bins", 0)
		if bins < 2 {
			return nil, config.Errorf("bins", "must be >= 2, got %d", bins)
		}
		vmin, hasMin := config.FloatParam(params, "vmin")
		vmax, hasMax := config.FloatParam(params, "vmax")
		if hasMin && hasMax && vmax <= vmin {
			return nil, config.Errorf("vmax", "must exceed vmin %v, got %v", vmin, vmax)
		}
		return TermFunc(func(in Inputs) (float64, error) {
			w, t, err := imagePair(in)
			if err != nil {
				return 0, err
			}
			lo, hi := vmin, vmax
			if !hasMin {
				lo = math.Min(floats.Min(w), floats.Min(t))
			}
			if !hasMax {
				hi = math.Max(floats.Max(w), floats.Max(t))
			}
			hw, ht, hj := jointHistogram(w, t, bins, lo, hi)
			entW, entT, entJ := stat.Entropy(hw), stat.Entropy(ht), stat.Entropy(hj)
			if normalized {
				if entJ == 0 {
					return 0, nil
				}
				return 2 - (entW+entT)/entJ, nil
			}
			return -(entW + entT - entJ), nil
		}), nil
	}
}

// jointHistogram returns normalized marginal and joint histograms.
func jointHistogram(a, b []float64, bins int, lo, hi float64) (pa, pb, pab []float64) {
	pa = make([]float64, bins)
	pb = make([]float64, bins)
	pab = make([]float64, bins*bins)
	width := (hi - lo) / float64(bins-1)
	if width <= 0 {
		width = 1
	}
	locate := func(v float64) (int, float64) {
		x := math.Min(math.Max((v-lo)/width, 0), float64(bins-1))
		i := min(int(x), bins-2)
		return i, x - float64(i)
	}
	for n := range a {
		i, fi := locate(a[n])
		j, fj := locate(b[n])
		pa[i] += 1 - fi
		pa[i+1] += fi
		pb[j] += 1 - fj
		pb[j+1] += fj
		pab[i*bins+j] += (1 - fi) * (1 - fj)
		pab[i*bins+j+1] += (1 - fi) * fj
		pab[(i+1)*bins+j] += fi * (1 - fj)
		pab[(i+1)*bins+j+1] += fi * fj
	}
	total := float64(len(a))
	if total > 0 {
		floats.Scale(1/total, pa)
		floats.Scale(1/total, pb)
		floats.Scale(1/total, pab)
	}
	return pa, pb, pab
}

// newDice is 1 - the soft Dice overlap of intensities in [0, 1].
func newDice(params map[string]any) (Term, error) {
	eps, err := epsilonParam(params)
	if err != nil {
		return nil, err
	}
	return TermFunc(func(in Inputs) (float64, error) {
		w, t, err := imagePair(in)
		if err != nil {
			return 0, err
		}
		overlap := floats.Dot(w, t)
		return 1 - 2*overlap/(floats.Sum(w)+floats.Sum(t)+eps), nil
	}), nil
}
