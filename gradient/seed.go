package gradient

import (
	"math"

	"github.com/rootgo/minuit2p/paramspace"
)

// Werr defaults to a parameter's configured step when seeding the initial
// gradient if the caller doesn't have a dedicated "parameter width" value
// on hand; Minuit2 itself typically feeds in the MINOS/Hesse error or the
// configured step.
func Werr(s ParameterSettings) float64 {
	if s.Step != 0 {
		return s.Step
	}
	return 0.1 * (1.0 + math.Abs(s.Value))
}

// SeedInitialGradient replaces state with an initial estimate derived from
// each parameter's configured width, one parameter at a time: the curvature
// of a quadratic of height up over the width sets g2, and grad/gstep follow
// from it. x is in internal coordinates; settings supplies each parameter's
// limits and width.
func (k *Kernel) SeedInitialGradient(x []float64, settings []ParameterSettings, up float64, state *State) error {
	if len(x) != len(settings) || len(x) != state.Len() {
		return ErrDimensionMismatch
	}

	for i := range x {
		if err := k.seedOne(i, x, settings[i], up, state); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) seedOne(i int, x []float64, s ParameterSettings, up float64, state *State) error {
	tr := paramspace.New(s.HasLowerLimit, s.HasUpperLimit, s.Lower, s.Upper)
	werr := Werr(s)

	sav := tr.Int2Ext(x[i])
	savPlus := tr.ClipToLimits(sav + werr)
	savMinus := tr.ClipToLimits(sav - werr)

	vplu := tr.Ext2Int(savPlus) - x[i]
	vmin := tr.Ext2Int(savMinus) - x[i]

	eps2 := k.precision.Eps2
	gsmin := 8 * eps2 * (math.Abs(x[i]) + eps2)

	dirin := math.Max((math.Abs(vplu)+math.Abs(vmin))/2.0, gsmin)
	if dirin == 0 {
		return ErrFatalNumerical
	}

	state.G2[i] = 2 * up / (dirin * dirin)
	state.GStep[i] = math.Max(gsmin, 0.1*dirin)
	state.Grad[i] = state.G2[i] * dirin

	if s.HasLowerLimit || s.HasUpperLimit {
		state.GStep[i] = math.Min(state.GStep[i], 0.5)
	}
	return nil
}
