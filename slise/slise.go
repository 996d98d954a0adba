// Package slise implements SLISE (Sparse LInear Subset Explanations), a
// robust regression method that fits a sparse linear model to the largest
// subset of the data it can explain within a residual threshold and treats
// the rest as outliers. It can be used both as a robust regressor and, via
// Explain, to build local explanations of black-box model predictions.
//
// The non-convex subset-selection objective is attacked with graduated
// optimisation: a sequence of smoothed problems of increasing sharpness is
// solved with L-BFGS, each stage warm-started from the previous solution,
// until the smoothed loss is effectively the hard-threshold robust loss.
//
// A fit owns all of its state, so independent Fit/Explain calls may run
// concurrently as long as the shared input slices are not mutated.
package slise

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/n0madic/go-slise/optimizer"
	"github.com/n0madic/go-slise/robustloss"
	"github.com/n0madic/go-slise/scaling"
)

// ErrShapeMismatch indicates inconsistent input dimensions. It is raised
// before any optimisation starts; no partial result is produced.
var ErrShapeMismatch = errors.New("slise: input dimensions do not match")

// Explanation is the immutable result of a fit: a sparse linear model, the
// subset of the data it explains, and quality diagnostics. Coefficients,
// Intercept, Loss and Epsilon are expressed in the original (unscaled) units.
type Explanation struct {
	Coefficients []float64 // one weight per feature, original units
	Intercept    float64
	Subset       []bool // true where |residual| <= epsilon, one per row
	InlierCount  int
	InlierFrac   float64
	Loss         float64 // hard-threshold robust loss, original units, unregularized; lower (more negative) is better
	Epsilon      float64 // inlier threshold, original units
	Lambda       float64 // sparsity weight the schedule ended on
	Sharpness    float64 // sigmoid steepness reached by the schedule
	Stages       int     // annealing stages executed (including the polish stage)
	Converged    bool    // convergence flag of the last executed stage; false after a non-finite abort
	LowInliers   bool    // inlier fraction fell below the configured minimum
}

// Regression is a configured SLISE fitter. The zero value is not usable;
// construct with NewRegression. A Regression is read-only during Fit/Explain
// and may be shared by concurrent calls.
type Regression struct {
	epsilon         float64 // 0 means auto-estimate
	lambda          float64
	intercept       bool
	normalize       bool
	maxStages       int
	growthFactor    float64
	sharpnessInit   float64
	sharpnessTarget float64
	maxIterations   int
	minInlierFrac   float64
	epsilonQuantile float64
	scaleFloor      float64
}

// Option configures a Regression.
type Option func(*Regression)

// WithEpsilon fixes the inlier residual threshold, expressed in standardized
// target units when normalization is enabled. When unset (or 0) the
// threshold is estimated once, before the first stage, from the residual
// quantile of a least-squares warm start.
func WithEpsilon(epsilon float64) Option {
	return func(r *Regression) {
		r.epsilon = epsilon
	}
}

// WithLambda sets the target sparsity penalty weight. The schedule ramps the
// penalty from zero up to this value across the annealing stages.
func WithLambda(lambda float64) Option {
	return func(r *Regression) {
		r.lambda = lambda
	}
}

// WithIntercept enables or disables the intercept term. Default true.
func WithIntercept(intercept bool) Option {
	return func(r *Regression) {
		r.intercept = intercept
	}
}

// WithNormalize enables or disables standardization of the data before
// fitting. Default true.
func WithNormalize(normalize bool) Option {
	return func(r *Regression) {
		r.normalize = normalize
	}
}

// WithMaxStages bounds the number of annealing stages.
func WithMaxStages(n int) Option {
	return func(r *Regression) {
		r.maxStages = n
	}
}

// WithGrowthFactor sets the geometric factor by which the sigmoid sharpness
// grows between stages. Must be > 1 to make progress.
func WithGrowthFactor(g float64) Option {
	return func(r *Regression) {
		r.growthFactor = g
	}
}

// WithSharpnessTarget sets the final sigmoid steepness, measured relative to
// epsilon². At the default of 20 the smoothed loss is practically
// indistinguishable from the hard-threshold loss.
func WithSharpnessTarget(s float64) Option {
	return func(r *Regression) {
		r.sharpnessTarget = s
	}
}

// WithMaxIterations bounds the L-BFGS iterations per stage. The final polish
// stage gets four times this budget.
func WithMaxIterations(n int) Option {
	return func(r *Regression) {
		r.maxIterations = n
	}
}

// WithMinInlierFraction sets the inlier fraction below which the result is
// flagged with LowInliers. The fit still returns normally.
func WithMinInlierFraction(f float64) Option {
	return func(r *Regression) {
		r.minInlierFrac = f
	}
}

// WithEpsilonQuantile sets the |residual| quantile used to auto-estimate
// epsilon when none is supplied.
func WithEpsilonQuantile(q float64) Option {
	return func(r *Regression) {
		r.epsilonQuantile = q
	}
}

// WithScaleFloor forwards a minimum column scale to the standardization step
// so constant feature columns are clamped instead of rejected.
func WithScaleFloor(floor float64) Option {
	return func(r *Regression) {
		r.scaleFloor = floor
	}
}

// NewRegression creates a SLISE fitter with the given options.
func NewRegression(opts ...Option) *Regression {
	r := &Regression{
		intercept:       true,
		normalize:       true,
		maxStages:       20,
		growthFactor:    2.0,
		sharpnessInit:   0.5,
		sharpnessTarget: 20.0,
		maxIterations:   200,
		minInlierFrac:   0.1,
		epsilonQuantile: 0.8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fit runs the graduated optimisation on (X, y) and returns the resulting
// explanation. X and y are only read, never modified.
func Fit(X [][]float64, y []float64, opts ...Option) (*Explanation, error) {
	return NewRegression(opts...).Fit(X, y)
}

// Explain fits a local sparse linear approximation around the point
// (x0, y0): the data is recentered on the point and fitted without an
// intercept in the shifted space, so the returned model passes through
// (x0, y0) exactly. Restricting X to a neighborhood of x0 (for example by
// nearest neighbors) is the caller's concern. X, y and x0 are only read.
func Explain(X [][]float64, y []float64, x0 []float64, y0 float64, opts ...Option) (*Explanation, error) {
	return NewRegression(opts...).Explain(X, y, x0, y0)
}

// Fit runs the graduated optimisation on (X, y).
func (r *Regression) Fit(X [][]float64, y []float64) (*Explanation, error) {
	if err := validateShapes(X, y); err != nil {
		return nil, err
	}
	return r.fit(X, y, r.intercept, nil, 0)
}

// Explain fits a local linear model through (x0, y0). See the package-level
// Explain for details.
func (r *Regression) Explain(X [][]float64, y []float64, x0 []float64, y0 float64) (*Explanation, error) {
	if err := validateShapes(X, y); err != nil {
		return nil, err
	}
	if len(x0) != len(X[0]) {
		return nil, fmt.Errorf("%w: point has %d features, data has %d", ErrShapeMismatch, len(x0), len(X[0]))
	}

	// Shift the data so (x0, y0) sits at the origin; an intercept-free fit
	// in this space is a model anchored on the explained point.
	n, d := len(X), len(x0)
	Xl := make([][]float64, n)
	for i, row := range X {
		shifted := make([]float64, d)
		for j := range row {
			shifted[j] = row[j] - x0[j]
		}
		Xl[i] = shifted
	}
	yl := make([]float64, n)
	for i, v := range y {
		yl[i] = v - y0
	}

	return r.fit(Xl, yl, false, x0, y0)
}

// state is the value threaded through the annealing stages. Each fit owns an
// independent copy; nothing here is ever shared between calls.
type state struct {
	coef      []float64
	sharpness float64
	lambda    float64
	stage     int
	converged bool
}

// fit is the shared core of Fit and Explain. When anchor is non-nil the data
// has been recentered on (anchor, anchorY) and the resulting local model is
// translated back into global coordinates at the end.
func (r *Regression) fit(X [][]float64, y []float64, intercept bool, anchor []float64, anchorY float64) (*Explanation, error) {
	n := len(X)
	d := len(X[0])

	params, Xs, ys, err := r.standardize(X, y, anchor != nil)
	if err != nil {
		return nil, err
	}

	design := designMatrix(Xs, intercept)
	p := d
	if intercept {
		p++
	}

	// Epsilon is estimated once, before the first stage, and frozen.
	epsilon := r.epsilon
	if epsilon <= 0 {
		// An ordinary (lightly ridge-regularized) least-squares fit supplies
		// the residual distribution the quantile is taken from.
		warm, err := optimizer.Minimize(make([]float64, p),
			(&robustloss.Ridge{X: design, Y: ys, Lambda2: 1e-6}).Evaluate,
			optimizer.WithMaxIterations(r.maxIterations))
		if err != nil && !errors.Is(err, optimizer.ErrUnstableObjective) {
			return nil, fmt.Errorf("slise: epsilon estimation failed: %w", err)
		}
		epsilon = r.estimateEpsilon(design, ys, warm.X)
	}

	// The schedule starts from the zero model rather than least squares:
	// with a smooth-enough first stage the optimizer finds the least-squares
	// basin on its own, while a least-squares start can anchor the whole
	// schedule to a high-leverage outlier.
	st := state{
		coef:      make([]float64, p),
		converged: true,
	}
	schedule := r.schedule(epsilon, ys)

	var prevMask []bool
	stable := 0
	for k, stage := range schedule {
		st.sharpness = stage.sharpness
		st.lambda = stage.lambda
		st.stage = k + 1

		eval := robustloss.Evaluator{
			X:            design,
			Y:            ys,
			Epsilon:      epsilon,
			Lambda:       st.lambda,
			Sharpness:    st.sharpness,
			HasIntercept: intercept,
		}
		iters := r.maxIterations
		if stage.polish {
			iters *= 4
		}
		res, err := optimizer.Minimize(st.coef, eval.Evaluate,
			optimizer.WithMaxIterations(iters))
		if errors.Is(err, optimizer.ErrUnstableObjective) {
			// The stage blew up numerically; keep the last finite
			// coefficients and stop sharpening.
			st.converged = false
			break
		}
		st.coef = res.X
		// Intermediate stages only seed the next warm start; the flag the
		// caller sees is the one from the stage the result comes out of.
		st.converged = res.Converged

		if stage.polish {
			break
		}

		// Once the inlier assignment has settled on a non-empty subset for
		// consecutive stages, more gradual sharpening cannot move it; skip
		// ahead to the polish stage.
		mask, count := subsetMask(eval.Residuals(st.coef), epsilon)
		if prevMask != nil && count > 0 && sameMask(mask, prevMask) {
			stable++
		} else {
			stable = 0
		}
		if stable >= 2 {
			final := schedule[len(schedule)-1]
			st.sharpness = final.sharpness
			st.lambda = final.lambda
			st.stage++
			eval.Sharpness = st.sharpness
			eval.Lambda = st.lambda
			res, err = optimizer.Minimize(st.coef, eval.Evaluate,
				optimizer.WithMaxIterations(r.maxIterations*4))
			if errors.Is(err, optimizer.ErrUnstableObjective) {
				st.converged = false
			} else {
				st.coef = res.X
				st.converged = res.Converged
			}
			break
		}
		prevMask = mask
	}

	return r.buildExplanation(X, y, params, design, ys, intercept, anchor, anchorY, epsilon, st, n), nil
}

type scheduleStage struct {
	sharpness float64
	lambda    float64
	polish    bool
}

// schedule precomputes the annealing stages. The initial sharpness is scaled
// down until the largest zero-model residual sits at the edge of the sigmoid
// transition, so the first stage is genuinely smooth no matter the residual
// scale; from there sharpness grows geometrically to sharpnessTarget. If the
// geometric walk would need more than maxStages stages, the growth factor is
// widened to bridge the range in exactly maxStages. The sparsity weight
// ramps linearly from zero to its target over the same stages, and the final
// polish stage runs at the target values with an enlarged iteration budget.
func (r *Regression) schedule(epsilon float64, ys []float64) []scheduleStage {
	rmax := 0.0
	for _, v := range ys {
		if a := math.Abs(v); a > rmax {
			rmax = a
		}
	}
	eps2 := epsilon * epsilon
	sInit := math.Min(r.sharpnessInit, eps2/math.Max(rmax*rmax, eps2))

	growth := r.growthFactor
	if growth <= 1 {
		growth = 2
	}
	steps := 0
	if r.maxStages > 1 && sInit < r.sharpnessTarget {
		ratio := r.sharpnessTarget / sInit
		steps = int(math.Ceil(math.Log(ratio) / math.Log(growth)))
		if steps > r.maxStages-1 {
			steps = r.maxStages - 1
			growth = math.Pow(ratio, 1/float64(steps))
		}
	}

	stages := make([]scheduleStage, 0, steps+1)
	s := sInit
	for k := 0; k < steps; k++ {
		stages = append(stages, scheduleStage{sharpness: s})
		s *= growth
	}
	stages = append(stages, scheduleStage{sharpness: r.sharpnessTarget, polish: true})
	for k := range stages {
		stages[k].lambda = r.lambda * float64(k+1) / float64(len(stages))
	}
	return stages
}

// estimateEpsilon picks the inlier threshold as a quantile of the absolute
// warm-start residuals. Estimated once, before the first stage, and frozen.
func (r *Regression) estimateEpsilon(design *mat.Dense, y []float64, coef []float64) float64 {
	eval := robustloss.Evaluator{X: design, Y: y, Epsilon: 1}
	res := eval.Residuals(coef)
	abs := make([]float64, len(res))
	for i, v := range res {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	eps := stat.Quantile(r.epsilonQuantile, stat.Empirical, abs, nil)
	if eps <= 0 || math.IsNaN(eps) {
		eps = 0.1
	}
	return eps
}

func (r *Regression) standardize(X [][]float64, y []float64, anchored bool) (*scaling.Params, [][]float64, []float64, error) {
	if !r.normalize {
		d := len(X[0])
		params := &scaling.Params{
			XCenter: make([]float64, d),
			XScale:  ones(d),
			YScale:  1,
		}
		return params, X, y, nil
	}
	var opts []scaling.Option
	if r.scaleFloor > 0 {
		opts = append(opts, scaling.WithScaleFloor(r.scaleFloor))
	}
	if anchored {
		opts = append(opts, scaling.WithoutCentering())
	}
	Xs, ys, params, err := scaling.FitTransform(X, y, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	return params, Xs, ys, nil
}

func (r *Regression) buildExplanation(X [][]float64, y []float64, params *scaling.Params,
	design *mat.Dense, ys []float64, intercept bool, anchor []float64, anchorY float64,
	epsilon float64, st state, n int) *Explanation {

	eval := robustloss.Evaluator{X: design, Y: ys, Epsilon: epsilon}
	mask, count := subsetMask(eval.Residuals(st.coef), epsilon)

	model := params.UnscaleModel(st.coef)
	coefs := model[1:]
	interceptValue := model[0]
	if anchor != nil {
		// Translate the anchored local model back to global coordinates:
		// f(x) = y0 + w·(x − x0)  =>  intercept = y0 − w·x0.
		interceptValue = anchorY - floats.Dot(coefs, anchor)
	}

	epsOrig := params.UnscaleEpsilon(epsilon)

	// Reported loss: hard-threshold robust loss of the unscaled model on the
	// unscaled data, without the sparsity penalty. For anchored fits X and y
	// are the recentered data, for which model (with its zero intercept) is
	// the right view of the same predictions.
	origDesign := designMatrix(X, true)
	loss := robustloss.Sharp(model, origDesign, y, epsOrig, 0, true)

	frac := float64(count) / float64(n)
	return &Explanation{
		Coefficients: coefs,
		Intercept:    interceptValue,
		Subset:       mask,
		InlierCount:  count,
		InlierFrac:   frac,
		Loss:         loss,
		Epsilon:      epsOrig,
		Lambda:       st.lambda,
		Sharpness:    st.sharpness,
		Stages:       st.stage,
		Converged:    st.converged,
		LowInliers:   frac < r.minInlierFrac,
	}
}

// subsetMask marks every point whose residual magnitude stays within
// epsilon, and counts them.
func subsetMask(residuals []float64, epsilon float64) ([]bool, int) {
	mask := make([]bool, len(residuals))
	count := 0
	for i, res := range residuals {
		if math.Abs(res) <= epsilon {
			mask[i] = true
			count++
		}
	}
	return mask, count
}

func sameMask(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func validateShapes(X [][]float64, y []float64) error {
	if len(X) == 0 {
		return fmt.Errorf("%w: empty dataset", ErrShapeMismatch)
	}
	if len(X) != len(y) {
		return fmt.Errorf("%w: %d rows but %d targets", ErrShapeMismatch, len(X), len(y))
	}
	d := len(X[0])
	if d < 1 {
		return fmt.Errorf("%w: rows must have at least one feature", ErrShapeMismatch)
	}
	for i, row := range X {
		if len(row) != d {
			return fmt.Errorf("%w: row %d has %d features, expected %d", ErrShapeMismatch, i, len(row), d)
		}
	}
	return nil
}

// designMatrix packs rows into a dense matrix, prepending a column of ones
// when an intercept is fitted.
func designMatrix(X [][]float64, intercept bool) *mat.Dense {
	n := len(X)
	d := len(X[0])
	p := d
	if intercept {
		p++
	}
	m := mat.NewDense(n, p, nil)
	for i, row := range X {
		if intercept {
			m.Set(i, 0, 1)
			for j, v := range row {
				m.Set(i, j+1, v)
			}
		} else {
			for j, v := range row {
				m.Set(i, j, v)
			}
		}
	}
	return m
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
