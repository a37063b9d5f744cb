package gradient

import (
	"math"

	"github.com/rootgo/minuit2p/paramspace"
)

// Func evaluates the likelihood/objective at a point in internal
// coordinates. It must be safe to call from any process after fork and must
// not retain or mutate x. When a Kernel runs with
// AlwaysExactlyMimicMinuit2 set, Func receives external coordinates
// instead; see Kernel.
type Func func(x []float64) float64

// Kernel implements the per-parameter adaptive central-difference
// derivative: for each free parameter, the step size is refined from the
// current curvature estimate until either the step or the derivative
// stops moving, up to the strategy's cycle budget.
type Kernel struct {
	precision paramspace.Precision

	// AlwaysExactlyMimicMinuit2, when true, chooses steps in internal
	// space, applies the finite differences in external space through
	// Transforms, and converts the resulting derivative back to internal
	// space via the transform Jacobian. Func then receives external
	// coordinates. Transforms must hold one entry per parameter.
	AlwaysExactlyMimicMinuit2 bool
	Transforms                []paramspace.Transform
}

// NewKernel creates a Kernel with freshly computed machine-precision
// constants.
func NewKernel() *Kernel {
	return &Kernel{precision: paramspace.NewPrecision()}
}

// Precision returns the kernel's machine-precision constants.
func (k *Kernel) Precision() paramspace.Precision { return k.precision }

// call holds the values computed once per Differentiate invocation and
// shared across every parameter's refinement: the baseline f(x), the
// derivative noise floor dfmin, and the underflow guard vrysml. Sharing
// this baseline is what makes distinct parameters independent of each
// other, so parallel workers can each refine a different one.
type call struct {
	k        *Kernel
	x        []float64
	settings []ParameterSettings
	fn       Func
	up       float64
	strategy Strategy

	fVal   float64
	dfmin  float64
	vrysml float64
}

// Prepare evaluates f once at x and returns a call descriptor that
// DifferentiateOne can use to independently refine any parameter's
// derivative. This is the seam the task manager parallelizes: each worker
// calls Prepare on its own replica of x (see gradientjob), then runs
// DifferentiateOne(i, ...) for the parameters it was handed.
func (k *Kernel) Prepare(x []float64, settings []ParameterSettings, fn Func, up float64, strategy Strategy) *call {
	c := &call{
		k:        k,
		x:        x,
		settings: settings,
		fn:       fn,
		up:       up,
		strategy: strategy,
	}
	c.fVal = c.eval(x)
	eps2 := k.precision.Eps2
	eps := k.precision.Eps
	c.dfmin = 8 * eps2 * (math.Abs(c.fVal) + up)
	c.vrysml = 8 * eps * eps
	return c
}

// FVal returns the cached f(x) computed by Prepare.
func (c *call) FVal() float64 { return c.fVal }

// eval invokes fn at the internal point x, mapping through the parameter
// transforms first when the kernel mimics Minuit2's external-space
// evaluation.
func (c *call) eval(x []float64) float64 {
	if !c.k.AlwaysExactlyMimicMinuit2 || len(c.k.Transforms) != len(x) {
		return c.fn(x)
	}
	ext := make([]float64, len(x))
	for j := range x {
		ext[j] = c.k.Transforms[j].Int2Ext(x[j])
	}
	return c.fn(ext)
}

// Differentiate computes the gradient triple for every parameter in
// strictly ascending order; this is the single-process path the task
// manager's per-task distribution is bytewise equivalent to.
func (k *Kernel) Differentiate(x []float64, settings []ParameterSettings, state *State, fn Func, up float64, strategy Strategy) error {
	if len(x) != len(settings) || len(x) != state.Len() {
		return ErrDimensionMismatch
	}

	c := k.Prepare(x, settings, fn, up, strategy)
	for i := 0; i < len(x); i++ {
		if err := c.DifferentiateOne(i, state); err != nil {
			return err
		}
	}
	return nil
}

// DifferentiateOne refines the derivative for a single parameter index i,
// mutating state.Grad[i], state.G2[i] and state.GStep[i] in place. Distinct
// parameters are independent given the shared call baseline, which is what
// lets the task manager run these concurrently across worker processes.
func (c *call) DifferentiateOne(i int, state *State) error {
	x := append([]float64(nil), c.x...) // local copy; restored after each probe
	settings := c.settings[i]

	mimic := c.k.AlwaysExactlyMimicMinuit2 && len(c.k.Transforms) == len(x)

	// The step convergence test must never fire on the first cycle
	// (|(step-0)/step| == 1): seeding stepPrev with the carried GStep[i]
	// would short-circuit it once the step reaches steady state across
	// rounds and leave the derivative stale at the new point.
	stepPrev := 0.0

	for cycle := 0; cycle < c.strategy.NCycles; cycle++ {
		epspri := c.k.precision.Eps2 + math.Abs(state.Grad[i])*c.k.precision.Eps2
		opt := math.Sqrt(c.dfmin / (math.Abs(state.G2[i]) + epspri))
		step := math.Max(opt, math.Abs(0.1*state.GStep[i]))

		if settings.HasLowerLimit || settings.HasUpperLimit {
			step = math.Min(step, 0.5)
		}
		step = math.Min(step, 10*math.Abs(state.GStep[i]))

		lowerBound := math.Max(c.vrysml, 8*math.Abs(c.k.precision.Eps2*x[i]))
		step = math.Max(step, lowerBound)

		if step == 0 {
			return ErrFatalNumerical
		}

		if math.Abs((step-stepPrev)/step) < c.strategy.StepTolerance {
			break
		}

		state.GStep[i] = step
		stepPrev = step

		orig := x[i]
		x[i] = orig + step
		fs1 := c.eval(x)
		x[i] = orig - step
		fs2 := c.eval(x)
		x[i] = orig

		gradPrev := state.Grad[i]
		if mimic {
			// The probes sat at external coordinates: form the difference
			// quotients over the external displacement, then pull the
			// result back to internal space through the Jacobian. The g2
			// pullback is first-order only: the df/dext * d2ext/dint2
			// term of the exact internal second derivative is dropped.
			tr := c.k.Transforms[i]
			extPlus := tr.Int2Ext(orig + step)
			extMinus := tr.Int2Ext(orig - step)
			dext := (extPlus - extMinus) / 2
			jac := tr.DInt2ExtDInt(orig)
			state.Grad[i] = (fs1 - fs2) / (2 * dext) * jac
			state.G2[i] = (fs1 + fs2 - 2*c.fVal) / (dext * dext) * jac * jac
		} else {
			state.Grad[i] = (fs1 - fs2) / (2 * step)
			state.G2[i] = (fs1 + fs2 - 2*c.fVal) / (step * step)
		}

		denom := math.Abs(state.Grad[i]) + c.dfmin/step
		if denom != 0 && math.Abs(gradPrev-state.Grad[i])/denom < c.strategy.GradTolerance {
			break
		}
	}

	return nil
}
