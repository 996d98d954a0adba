// Package scaling normalizes regression data and maps fitted linear models
// back to the original units.
//
// Centering uses the median and scaling the median absolute deviation (MAD)
// rather than mean and standard deviation: a robust fit must not let the very
// outliers it is supposed to reject inflate the scale, which would inflate
// the residual threshold with it. Columns whose MAD is zero (more than half
// the values identical) fall back to the standard deviation.
//
// Fitting in normalized space keeps the robustness threshold and the
// sparsity penalty comparable across datasets; the Params returned by
// FitTransform carry everything needed to express the fitted coefficients,
// intercept and threshold in the caller's units again.
package scaling

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrDegenerateColumn indicates a feature column with (near) zero variance
// that cannot be standardized without an explicit scale floor.
var ErrDegenerateColumn = errors.New("scaling: column has zero variance")

// Params holds the centering and scaling applied to a dataset.
type Params struct {
	XCenter []float64 // per-column median of X
	XScale  []float64 // per-column MAD of X (std fallback, floored)
	YCenter float64   // median of y
	YScale  float64   // MAD of y (std fallback, floored)
}

// Option configures FitTransform.
type Option func(*config)

type config struct {
	scaleFloor float64
	noCenter   bool
}

// WithScaleFloor sets the minimum allowed column scale. Constant columns are
// clamped to this floor instead of failing with ErrDegenerateColumn. A floor
// <= 0 disables clamping.
func WithScaleFloor(floor float64) Option {
	return func(c *config) {
		c.scaleFloor = floor
	}
}

// WithoutCentering keeps all centers at zero and only divides by the scale.
// Local explanations rely on this: the data is already shifted onto the
// explained point, and re-centering would smuggle an intercept back in.
func WithoutCentering() Option {
	return func(c *config) {
		c.noCenter = true
	}
}

const degenerateTol = 1e-12

// FitTransform normalizes X column-wise and y by median and MAD. It returns
// the normalized copies together with the Params used. The inputs are never
// mutated.
//
// A column that is constant (MAD and standard deviation both at machine
// tolerance) yields ErrDegenerateColumn unless WithScaleFloor provides a
// positive floor. A constant y is always clamped to unit scale, since a
// degenerate target says nothing about the features.
func FitTransform(X [][]float64, y []float64, opts ...Option) ([][]float64, []float64, *Params, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	n := len(X)
	if n == 0 {
		return nil, nil, nil, errors.New("scaling: empty dataset")
	}
	d := len(X[0])

	p := &Params{
		XCenter: make([]float64, d),
		XScale:  make([]float64, d),
	}

	col := make([]float64, n)
	for j := 0; j < d; j++ {
		for i, row := range X {
			col[i] = row[j]
		}
		center, scale := robustMoments(col)
		if scale <= degenerateTol {
			if cfg.scaleFloor <= 0 {
				return nil, nil, nil, fmt.Errorf("%w: column %d", ErrDegenerateColumn, j)
			}
			scale = cfg.scaleFloor
		}
		p.XCenter[j] = center
		p.XScale[j] = scale
	}

	p.YCenter, p.YScale = robustMoments(y)
	if p.YScale <= degenerateTol {
		p.YScale = 1.0
	}

	if cfg.noCenter {
		for j := range p.XCenter {
			p.XCenter[j] = 0
		}
		p.YCenter = 0
	}

	Xs := make([][]float64, n)
	for i, row := range X {
		scaled := make([]float64, d)
		for j := 0; j < d; j++ {
			scaled[j] = (row[j] - p.XCenter[j]) / p.XScale[j]
		}
		Xs[i] = scaled
	}
	ys := make([]float64, n)
	for i, v := range y {
		ys[i] = (v - p.YCenter) / p.YScale
	}

	return Xs, ys, p, nil
}

// ScalePoint maps a single input vector into standardized space.
func (p *Params) ScalePoint(x []float64) []float64 {
	scaled := make([]float64, len(x))
	for j := range x {
		scaled[j] = (x[j] - p.XCenter[j]) / p.XScale[j]
	}
	return scaled
}

// ScaleY maps a single target value into standardized space.
func (p *Params) ScaleY(y float64) float64 {
	return (y - p.YCenter) / p.YScale
}

// UnscaleModel maps a linear model fitted in standardized space back to
// original units. The model is [intercept, w_1 .. w_d] when it has d+1
// entries; a model of exactly d entries is treated as intercept-free and an
// explicit zero intercept is injected before rescaling. The input slice is
// not modified.
func (p *Params) UnscaleModel(model []float64) []float64 {
	d := len(p.XCenter)
	out := make([]float64, d+1)
	switch len(model) {
	case d + 1:
		copy(out, model)
	case d:
		copy(out[1:], model)
	default:
		// Mismatched model; nothing sensible to do but pass through.
		return append([]float64(nil), model...)
	}

	shift := 0.0
	for j := 0; j < d; j++ {
		shift += out[j+1] * p.XCenter[j] / p.XScale[j]
		out[j+1] = out[j+1] / p.XScale[j] * p.YScale
	}
	out[0] = (out[0]-shift)*p.YScale + p.YCenter
	return out
}

// UnscaleEpsilon maps a residual threshold from standardized to original
// units. Residuals scale with y only.
func (p *Params) UnscaleEpsilon(epsilon float64) float64 {
	return epsilon * p.YScale
}

// robustMoments returns the median and MAD of v, falling back to the
// standard deviation when the MAD degenerates to zero.
func robustMoments(v []float64) (center, scale float64) {
	center = median(v)
	dev := make([]float64, len(v))
	for i, x := range v {
		dev[i] = math.Abs(x - center)
	}
	scale = median(dev)
	if scale <= degenerateTol {
		scale = stddev(v)
	}
	return center, scale
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return 0.5 * (s[n/2-1] + s[n/2])
}

func stddev(v []float64) float64 {
	n := float64(len(v))
	mean := 0.0
	for _, x := range v {
		mean += x
	}
	mean /= n
	ss := 0.0
	for _, x := range v {
		diff := x - mean
		ss += diff * diff
	}
	return math.Sqrt(ss / n)
}
