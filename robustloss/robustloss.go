// Package robustloss implements the smoothed robust regression loss and its
// analytic gradient.
//
// Each residual r contributes sigmoid(beta*(eps²−r²)) · min(0, r²−n·eps²)/n:
// a quadratic pull for residuals inside the inlier band that flattens out,
// via the sigmoid, for residuals far outside it. The sigmoid steepness
// ("sharpness") is a free parameter: near zero the objective behaves like
// least squares, and as sharpness grows it converges (up to a constant
// offset) to the hard-threshold robust loss used for subset selection.
// Graduated optimisation exploits exactly this family, sharpening the same
// objective stage by stage.
package robustloss

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultL1Smoothing is the default curvature radius of the smoothed L1
// penalty. Coefficients below this magnitude are effectively treated as zero
// by the penalty gradient.
const DefaultL1Smoothing = 1e-6

// Sigmoid computes 1/(1+exp(-z)) without overflowing for large |z|.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1.0 / (1.0 + math.Exp(-z))
	}
	ez := math.Exp(z)
	return ez / (1.0 + ez)
}

// LogSigmoid computes log(Sigmoid(z)) stably via the softplus identity.
func LogSigmoid(z float64) float64 {
	if z >= 0 {
		return -math.Log1p(math.Exp(-z))
	}
	return z - math.Log1p(math.Exp(z))
}

// Evaluator computes the smoothed robust objective for one dataset at fixed
// (Epsilon, Lambda, Sharpness). It is a pure value: the scheduler advances a
// stage by copying the evaluator with new Lambda/Sharpness, so concurrent
// fits never share mutable state. X and Y are only ever read.
type Evaluator struct {
	X *mat.Dense // design matrix, n x p, intercept column included if any
	Y []float64  // targets, length n

	Epsilon   float64 // inlier residual threshold
	Lambda    float64 // sparsity penalty weight
	Sharpness float64 // sigmoid steepness, relative to Epsilon²

	// HasIntercept marks column 0 of X as the constant term, which is
	// excluded from the sparsity penalty.
	HasIntercept bool

	// L1Smoothing overrides DefaultL1Smoothing when positive.
	L1Smoothing float64
}

// Evaluate returns the objective and its gradient at coef in a single pass.
//
// objective = (1/n) sum_i s_i·m_i + Lambda * sum_j psi(coef_j)
//
// with r = X·coef − Y, s_i = sigmoid(beta·(eps²−r_i²)), m_i = min(0,
// r_i²−n·eps²) and psi the smoothed L1 surrogate. The n·eps² clamp keeps
// moderately distant points contributing gradient long after they have left
// the inlier band, which is what lets the graduated schedule walk out of the
// least-squares basin. The returned gradient has len(coef) entries.
func (e *Evaluator) Evaluate(coef []float64) (float64, []float64) {
	n, p := e.X.Dims()
	eps2 := e.Epsilon * e.Epsilon
	// Steepness is kept dimensionless by measuring it against eps², so the
	// same schedule works for any residual scale.
	beta := e.Sharpness / eps2
	clamp := float64(n) * eps2

	w := mat.NewVecDense(p, coef)
	r := mat.NewVecDense(n, nil)
	r.MulVec(e.X, w)

	loss := 0.0
	u := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		ri := r.AtVec(i) - e.Y[i]
		r2 := ri * ri
		s := Sigmoid(beta * (eps2 - r2))
		m := math.Min(0, r2-clamp)
		loss += s * m
		// d(s·m)/dr = (2s − 2·beta·s(1−s)·m)·r while the clamp is active,
		// zero beyond it. Every factor is bounded: |m| ≤ n·eps² and s(1−s)
		// underflows before beta·m can overflow.
		if m < 0 {
			u.SetVec(i, (2*s-2*beta*s*(1-s)*m)*ri)
		}
	}
	loss /= float64(n)

	grad := make([]float64, p)
	g := mat.NewVecDense(p, grad)
	g.MulVec(e.X.T(), u)
	floats.Scale(1.0/float64(n), grad)

	if e.Lambda > 0 {
		delta := e.L1Smoothing
		if delta <= 0 {
			delta = DefaultL1Smoothing
		}
		start := 0
		if e.HasIntercept {
			start = 1
		}
		for j := start; j < p; j++ {
			m := math.Sqrt(coef[j]*coef[j] + delta*delta)
			loss += e.Lambda * (m - delta)
			grad[j] += e.Lambda * coef[j] / m
		}
	}

	return loss, grad
}

// Residuals returns X·coef − Y.
func (e *Evaluator) Residuals(coef []float64) []float64 {
	n, p := e.X.Dims()
	r := mat.NewVecDense(n, nil)
	r.MulVec(e.X, mat.NewVecDense(p, coef))
	out := make([]float64, n)
	for i := range out {
		out[i] = r.AtVec(i) - e.Y[i]
	}
	return out
}

// Sharp evaluates the exact hard-threshold robust loss the smoothed
// objective converges to: every inlier contributes its squared residual
// minus an n·eps² reward for being explained at all,
//
//	sum_{|r_i| < eps} (r_i² − n·eps²)/n + lambda·Σ|w_j|.
//
// Lower (more negative) is better; a larger explained subset always wins
// over a marginally tighter fit. Used for reporting and ranking candidate
// fits, never for optimisation.
func Sharp(coef []float64, X *mat.Dense, y []float64, epsilon, lambda float64, hasIntercept bool) float64 {
	n, p := X.Dims()
	eps2 := epsilon * epsilon
	r := mat.NewVecDense(n, nil)
	r.MulVec(X, mat.NewVecDense(p, coef))

	loss := 0.0
	for i := 0; i < n; i++ {
		ri := r.AtVec(i) - y[i]
		if r2 := ri * ri; r2 < eps2 {
			loss += r2 - float64(n)*eps2
		}
	}
	loss /= float64(n)

	if lambda > 0 {
		start := 0
		if hasIntercept {
			start = 1
		}
		for j := start; j < p; j++ {
			loss += lambda * math.Abs(coef[j])
		}
	}
	return loss
}

// Ridge is the least-squares objective with an optional L2 term, used to
// produce the reference fit whose residuals drive epsilon auto-estimation.
type Ridge struct {
	X       *mat.Dense
	Y       []float64
	Lambda2 float64
}

// Evaluate returns 0.5·mean r² + 0.5·Lambda2·‖w‖² and its gradient.
func (q *Ridge) Evaluate(coef []float64) (float64, []float64) {
	n, p := q.X.Dims()
	r := mat.NewVecDense(n, nil)
	r.MulVec(q.X, mat.NewVecDense(p, coef))
	for i := 0; i < n; i++ {
		r.SetVec(i, r.AtVec(i)-q.Y[i])
	}

	loss := 0.0
	for i := 0; i < n; i++ {
		loss += r.AtVec(i) * r.AtVec(i)
	}
	loss /= 2 * float64(n)

	grad := make([]float64, p)
	g := mat.NewVecDense(p, grad)
	g.MulVec(q.X.T(), r)
	floats.Scale(1.0/float64(n), grad)

	if q.Lambda2 > 0 {
		for j := range coef {
			loss += 0.5 * q.Lambda2 * coef[j] * coef[j]
			grad[j] += q.Lambda2 * coef[j]
		}
	}
	return loss, grad
}
