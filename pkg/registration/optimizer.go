package registration

import "math"

// Optimizer runs deterministic gradient descent with per-parameter step
// scales. There is no randomness anywhere: identical inputs produce an
// identical sequence of accepted steps.
type Optimizer struct {
	// MaxIterations caps each pyramid level.
	MaxIterations int

	// Epsilon is the relative metric improvement below which an accepted
	// step counts as stalled.
	Epsilon float64

	// Patience is the number of consecutive stalled accepted steps after
	// which a level stops.
	Patience int

	// InitialStep is the starting step length in scaled parameter space.
	InitialStep float64

	// MinStep is the floor the step length is clamped to after rejections.
	MinStep float64

	// MetricFloor is the absolute metric value below which a level stops
	// immediately: alignment is already as good as it can get.
	MetricFloor float64
}

// DefaultOptimizer returns the optimizer settings used by Register unless
// overridden.
func DefaultOptimizer() Optimizer {
	return Optimizer{
		MaxIterations: 200,
		Epsilon:       1e-6,
		Patience:      5,
		InitialStep:   1.0,
		MinStep:       1e-4,
		MetricFloor:   1e-9,
	}
}

// StepState carries the optimizer state between iterations of one level.
type StepState struct {
	Params  []float64
	Metric  float64
	Step    float64
	Stalled int
}

// StepResult describes one iteration.
type StepResult struct {
	State StepState
	// Accepted reports whether the candidate improved the metric.
	Accepted bool
	// Passed reports whether the improvement exceeded Epsilon relative to
	// the previous metric.
	Passed bool
}

// Step performs one descent iteration as a pure function of the current
// state: it estimates the metric gradient by central differences, moves a
// fixed distance in scaled parameter space, and accepts the candidate only
// when the metric improves; a rejected candidate halves the step length.
func (o Optimizer) Step(objective func([]float64) float64, st StepState, scales []float64) StepResult {
	grad := make([]float64, len(st.Params))
	probe := make([]float64, len(st.Params))
	norm := 0.0
	for i := range st.Params {
		h := scales[i]
		copy(probe, st.Params)
		probe[i] = st.Params[i] + h
		fwd := objective(probe)
		probe[i] = st.Params[i] - h
		bwd := objective(probe)
		grad[i] = (fwd - bwd) / (2 * h) * scales[i]
		norm += grad[i] * grad[i]
	}
	norm = math.Sqrt(norm)

	next := st
	if norm == 0 {
		// Flat objective: nothing to descend along.
		next.Step = math.Max(st.Step/2, o.MinStep)
		return StepResult{State: next}
	}

	candidate := make([]float64, len(st.Params))
	for i := range st.Params {
		candidate[i] = st.Params[i] - st.Step*scales[i]*grad[i]/norm
	}
	metric := objective(candidate)

	if metric >= st.Metric {
		next.Step = math.Max(st.Step/2, o.MinStep)
		return StepResult{State: next}
	}

	rel := (st.Metric - metric) / math.Max(math.Abs(st.Metric), o.MetricFloor)
	passed := rel >= o.Epsilon

	next.Params = candidate
	next.Metric = metric
	if passed {
		next.Stalled = 0
		next.Step = math.Min(st.Step*1.2, o.InitialStep*4)
	} else {
		next.Stalled = st.Stalled + 1
	}
	return StepResult{State: next, Accepted: true, Passed: passed}
}

// levelResult summarizes one pyramid level run.
type levelResult struct {
	params []float64
	metric float64
	// passed reports whether any accepted step beat the epsilon test.
	passed bool
	// hitCap reports whether the level exhausted its iteration budget.
	hitCap bool
}

// optimizeLevel drives Step until the patience budget, the metric floor,
// or the iteration cap is reached.
func (o Optimizer) optimizeLevel(objective func([]float64) float64, params, scales []float64) levelResult {
	st := StepState{
		Params: append([]float64(nil), params...),
		Metric: objective(params),
		Step:   o.InitialStep,
	}
	res := levelResult{}

	for it := 0; it < o.MaxIterations; it++ {
		if st.Metric <= o.MetricFloor {
			res.passed = true
			break
		}
		if st.Stalled >= o.Patience {
			break
		}
		r := o.Step(objective, st, scales)
		st = r.State
		if r.Passed {
			res.passed = true
		}
		if it == o.MaxIterations-1 {
			res.hitCap = true
		}
	}

	res.params = st.Params
	res.metric = st.Metric
	return res
}
