package slise

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/n0madic/go-slise/scaling"
)

func TestFitShapeMismatch(t *testing.T) {
	tests := []struct {
		name string
		X    [][]float64
		y    []float64
	}{
		{
			name: "empty dataset",
			X:    nil,
			y:    nil,
		},
		{
			name: "row count mismatch",
			X:    [][]float64{{1}, {2}},
			y:    []float64{1},
		},
		{
			name: "ragged rows",
			X:    [][]float64{{1, 2}, {3}},
			y:    []float64{1, 2},
		},
		{
			name: "zero features",
			X:    [][]float64{{}, {}},
			y:    []float64{1, 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fit(tt.X, tt.y)
			if !errors.Is(err, ErrShapeMismatch) {
				t.Errorf("Fit() error = %v, want ErrShapeMismatch", err)
			}
		})
	}
}

func TestExplainShapeMismatch(t *testing.T) {
	X := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	y := []float64{1, 2, 3}
	_, err := Explain(X, y, []float64{1}, 0)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Explain() error = %v, want ErrShapeMismatch", err)
	}
}

func TestFitDegenerateColumn(t *testing.T) {
	X := [][]float64{{1, 7}, {2, 7}, {3, 7}, {4, 7}}
	y := []float64{1, 2, 3, 4}

	_, err := Fit(X, y)
	if !errors.Is(err, scaling.ErrDegenerateColumn) {
		t.Fatalf("Fit() error = %v, want ErrDegenerateColumn", err)
	}

	expl, err := Fit(X, y, WithScaleFloor(1e-6))
	if err != nil {
		t.Fatalf("Fit() with scale floor error = %v", err)
	}
	if len(expl.Coefficients) != 2 {
		t.Errorf("Coefficients length = %d, want 2", len(expl.Coefficients))
	}
}

// lineData builds y = 1 + 2x0 - x1 + 0.5x2 plus noise, with every fifth
// point shifted far off the plane.
func lineData(n int, outlierShift float64) ([][]float64, []float64, []bool) {
	rng := rand.New(rand.NewSource(42))
	d := 3
	wTrue := []float64{2, -1, 0.5}
	X := make([][]float64, n)
	y := make([]float64, n)
	inlier := make([]bool, n)
	for i := 0; i < n; i++ {
		row := make([]float64, d)
		pred := 1.0
		for j := range row {
			row[j] = rng.Float64()*2 - 1
			pred += wTrue[j] * row[j]
		}
		X[i] = row
		y[i] = pred + rng.NormFloat64()*0.1
		inlier[i] = true
		if i%5 == 4 {
			y[i] += outlierShift
			inlier[i] = false
		}
	}
	return X, y, inlier
}

func TestFitResultShapes(t *testing.T) {
	X, y, _ := lineData(100, 30)
	expl, err := Fit(X, y, WithEpsilon(0.5))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if len(expl.Coefficients) != 3 {
		t.Errorf("Coefficients length = %d, want 3", len(expl.Coefficients))
	}
	if len(expl.Subset) != len(X) {
		t.Errorf("Subset length = %d, want %d", len(expl.Subset), len(X))
	}
	count := 0
	for _, in := range expl.Subset {
		if in {
			count++
		}
	}
	if count != expl.InlierCount {
		t.Errorf("InlierCount = %d, mask has %d", expl.InlierCount, count)
	}
	if math.Abs(expl.InlierFrac-float64(count)/float64(len(X))) > 1e-12 {
		t.Errorf("InlierFrac = %v inconsistent with count %d", expl.InlierFrac, count)
	}
	if expl.Epsilon <= 0 {
		t.Errorf("Epsilon = %v, want positive", expl.Epsilon)
	}
	if expl.Stages < 1 {
		t.Errorf("Stages = %d, want >= 1", expl.Stages)
	}
}

func TestFitIdempotent(t *testing.T) {
	X, y, _ := lineData(80, 30)
	a, err := Fit(X, y, WithEpsilon(0.5), WithLambda(0.01))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	b, err := Fit(X, y, WithEpsilon(0.5), WithLambda(0.01))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	for j := range a.Coefficients {
		if math.Abs(a.Coefficients[j]-b.Coefficients[j]) > 1e-12 {
			t.Errorf("Coefficients[%d] differ between identical fits: %v vs %v",
				j, a.Coefficients[j], b.Coefficients[j])
		}
	}
	if math.Abs(a.Intercept-b.Intercept) > 1e-12 {
		t.Errorf("Intercept differs between identical fits: %v vs %v", a.Intercept, b.Intercept)
	}
}

func TestFitScenarioGrossOutlier(t *testing.T) {
	X := [][]float64{{0}, {1}, {2}, {3}, {100}}
	y := []float64{0, 1, 2, 3, -50}

	expl, err := Fit(X, y, WithEpsilon(0.5))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	if math.Abs(expl.Coefficients[0]-1) > 0.1 {
		t.Errorf("slope = %v, want ~1", expl.Coefficients[0])
	}
	if math.Abs(expl.Intercept) > 0.2 {
		t.Errorf("intercept = %v, want ~0", expl.Intercept)
	}
	wantMask := []bool{true, true, true, true, false}
	for i, want := range wantMask {
		if expl.Subset[i] != want {
			t.Errorf("Subset[%d] = %v, want %v", i, expl.Subset[i], want)
		}
	}
	if expl.InlierCount != 4 {
		t.Errorf("InlierCount = %d, want 4", expl.InlierCount)
	}
}

func TestFitRecoversCoefficientsUnderOutliers(t *testing.T) {
	X, y, inlier := lineData(200, 30)
	expl, err := Fit(X, y, WithEpsilon(0.3), WithNormalize(false))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	wTrue := []float64{2, -1, 0.5}
	for j := range wTrue {
		if math.Abs(expl.Coefficients[j]-wTrue[j]) > 0.15 {
			t.Errorf("Coefficients[%d] = %v, want ~%v", j, expl.Coefficients[j], wTrue[j])
		}
	}
	if math.Abs(expl.Intercept-1) > 0.15 {
		t.Errorf("Intercept = %v, want ~1", expl.Intercept)
	}

	correct := 0
	for i := range inlier {
		if expl.Subset[i] == inlier[i] {
			correct++
		}
	}
	accuracy := float64(correct) / float64(len(inlier))
	if accuracy < 0.95 {
		t.Errorf("outlier detection accuracy = %v, want >= 0.95", accuracy)
	}
}

func TestFitAutoEpsilon(t *testing.T) {
	X, y, inlier := lineData(200, 30)
	expl, err := Fit(X, y)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if expl.Epsilon <= 0 {
		t.Fatalf("auto-estimated Epsilon = %v, want positive", expl.Epsilon)
	}

	correct := 0
	for i := range inlier {
		if expl.Subset[i] == inlier[i] {
			correct++
		}
	}
	if accuracy := float64(correct) / float64(len(inlier)); accuracy < 0.9 {
		t.Errorf("outlier detection accuracy = %v, want >= 0.9", accuracy)
	}
}

func TestFitSparsityIncreasesWithLambda(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n, d := 200, 5
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, d)
		for j := range row {
			row[j] = rng.Float64()*2 - 1
		}
		X[i] = row
		y[i] = 3*row[0] - 2*row[1] + rng.NormFloat64()*0.05
	}

	countNonzero := func(coefs []float64) int {
		nz := 0
		for _, w := range coefs {
			if math.Abs(w) > 0.05 {
				nz++
			}
		}
		return nz
	}

	prev := d + 1
	for _, lambda := range []float64{0, 0.1, 0.5} {
		expl, err := Fit(X, y, WithEpsilon(0.5), WithLambda(lambda))
		if err != nil {
			t.Fatalf("Fit(lambda=%v) error = %v", lambda, err)
		}
		nz := countNonzero(expl.Coefficients)
		if nz > prev {
			t.Errorf("nonzero count grew from %d to %d as lambda increased to %v", prev, nz, lambda)
		}
		prev = nz
		if lambda == 0.1 {
			// Informative features must survive a moderate penalty.
			if math.Abs(expl.Coefficients[0]) < 0.5 || math.Abs(expl.Coefficients[1]) < 0.5 {
				t.Errorf("informative coefficients shrunk too far: %v", expl.Coefficients)
			}
		}
	}
}

func TestFitConvergesOnCleanData(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n := 100
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x := rng.Float64()*4 - 2
		X[i] = []float64{x}
		y[i] = 2*x - 1 + rng.NormFloat64()*0.05
	}

	expl, err := Fit(X, y, WithEpsilon(0.5))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if !expl.Converged {
		t.Error("Converged = false on clean data, want true")
	}
	if expl.LowInliers {
		t.Error("LowInliers = true on clean data, want false")
	}
	if math.Abs(expl.Coefficients[0]-2) > 0.1 || math.Abs(expl.Intercept+1) > 0.1 {
		t.Errorf("model = %v + %v x, want -1 + 2x", expl.Intercept, expl.Coefficients[0])
	}
}

func TestFitNonConvergenceFlag(t *testing.T) {
	X, y, _ := lineData(100, 30)
	expl, err := Fit(X, y, WithEpsilon(0.3), WithMaxIterations(1))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if expl.Converged {
		t.Error("Converged = true with a 1-iteration budget, want false")
	}
	if len(expl.Coefficients) != 3 {
		t.Errorf("Coefficients length = %d, want a usable result regardless", len(expl.Coefficients))
	}
}

func TestFitLowInlierFlag(t *testing.T) {
	X, y, _ := lineData(100, 30)
	expl, err := Fit(X, y, WithEpsilon(1e-4), WithMinInlierFraction(0.5))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if !expl.LowInliers {
		t.Error("LowInliers = false with an impossible epsilon, want true")
	}
}

func TestFitAnnealingNotWorseThanSingleStage(t *testing.T) {
	X := [][]float64{{0}, {1}, {2}, {3}, {100}}
	y := []float64{0, 1, 2, 3, -50}

	full, err := Fit(X, y, WithEpsilon(0.5))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	single, err := Fit(X, y, WithEpsilon(0.5), WithMaxStages(1))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if full.Loss > single.Loss+1e-9 {
		t.Errorf("annealed loss %v worse than single-stage loss %v", full.Loss, single.Loss)
	}
}

func TestScheduleProperties(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		epsilon float64
		ys      []float64
		wantLen int // 0 skips the exact-length check
	}{
		{
			name:    "small residuals use the default start",
			opts:    []Option{WithLambda(0.5)},
			epsilon: 0.5,
			ys:      []float64{0.1, -0.2, 0.05},
			wantLen: 7, // 0.5, 1, 2, 4, 8, 16, then the 20 target
		},
		{
			name:    "large residuals widen the growth to the stage cap",
			opts:    []Option{WithLambda(0.1), WithMaxStages(5)},
			epsilon: 0.5,
			ys:      []float64{100, -3, 0.5},
			wantLen: 5,
		},
		{
			name:    "single stage goes straight to the target",
			opts:    []Option{WithMaxStages(1)},
			epsilon: 0.5,
			ys:      []float64{2, -1},
			wantLen: 1,
		},
		{
			name:    "target below the initial sharpness",
			opts:    []Option{WithSharpnessTarget(0.3)},
			epsilon: 0.5,
			ys:      []float64{0.1, -0.1},
			wantLen: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegression(tt.opts...)
			stages := r.schedule(tt.epsilon, tt.ys)
			if len(stages) == 0 {
				t.Fatal("schedule() returned no stages")
			}
			if tt.wantLen > 0 && len(stages) != tt.wantLen {
				t.Errorf("schedule() has %d stages, want %d", len(stages), tt.wantLen)
			}
			if len(stages) > r.maxStages {
				t.Errorf("schedule() has %d stages, cap is %d", len(stages), r.maxStages)
			}

			prevSharpness := 0.0
			for k, stage := range stages {
				if stage.sharpness < prevSharpness {
					t.Errorf("sharpness decreased at stage %d: %v -> %v", k, prevSharpness, stage.sharpness)
				}
				prevSharpness = stage.sharpness
				if stage.polish != (k == len(stages)-1) {
					t.Errorf("stage %d polish = %v, only the last stage may polish", k, stage.polish)
				}
				if k > 0 {
					step := stage.lambda - stages[k-1].lambda
					if math.Abs(step-stages[0].lambda) > 1e-12 {
						t.Errorf("lambda ramp is not linear at stage %d: step %v, want %v", k, step, stages[0].lambda)
					}
				}
			}

			last := stages[len(stages)-1]
			if last.sharpness != r.sharpnessTarget {
				t.Errorf("final sharpness = %v, want target %v", last.sharpness, r.sharpnessTarget)
			}
			if math.Abs(last.lambda-r.lambda) > 1e-12 {
				t.Errorf("final lambda = %v, want target %v", last.lambda, r.lambda)
			}
		})
	}
}

func TestFitSharpnessReachesTarget(t *testing.T) {
	X, y, _ := lineData(100, 30)
	expl, err := Fit(X, y, WithEpsilon(0.3), WithSharpnessTarget(25))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if expl.Converged && expl.Sharpness != 25 {
		t.Errorf("Sharpness = %v, want the 25 target on a converged fit", expl.Sharpness)
	}
}

func TestExplainPassesThroughPoint(t *testing.T) {
	X, y, _ := lineData(150, 30)
	x0 := []float64{0.2, -0.4, 0.1}
	y0 := 1 + 2*x0[0] - x0[1] + 0.5*x0[2]

	expl, err := Explain(X, y, x0, y0, WithEpsilon(0.5))
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}

	pred := expl.Intercept
	for j := range x0 {
		pred += expl.Coefficients[j] * x0[j]
	}
	if math.Abs(pred-y0) > 1e-6 {
		t.Errorf("explanation predicts %v at the explained point, want exactly %v", pred, y0)
	}
}

func TestExplainRecoversLocalSlope(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	n := 120
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x := rng.Float64()*2 - 1
		X[i] = []float64{x}
		y[i] = 2 * x
		if i%10 == 9 {
			y[i] += 20
		}
	}

	expl, err := Explain(X, y, []float64{0.5}, 1.0, WithEpsilon(0.3))
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if math.Abs(expl.Coefficients[0]-2) > 0.15 {
		t.Errorf("local slope = %v, want ~2", expl.Coefficients[0])
	}
}

func TestConcurrentFits(t *testing.T) {
	X, y, _ := lineData(100, 30)
	const workers = 8

	results := make([]*Explanation, workers)
	errs := make([]error, workers)
	done := make(chan int, workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			results[w], errs[w] = Fit(X, y, WithEpsilon(0.3), WithNormalize(false))
			done <- w
		}(w)
	}
	for i := 0; i < workers; i++ {
		<-done
	}

	for w := 0; w < workers; w++ {
		if errs[w] != nil {
			t.Fatalf("worker %d: Fit() error = %v", w, errs[w])
		}
		for j := range results[0].Coefficients {
			if results[w].Coefficients[j] != results[0].Coefficients[j] {
				t.Errorf("worker %d produced different coefficients", w)
			}
		}
	}
}
