package gradient

// Strategy carries the minimizer-facing tolerances and cycle budget
// consumed by Differentiate.
type Strategy struct {
	StepTolerance float64
	GradTolerance float64
	NCycles       int
}

// DefaultStrategy mirrors Minuit2's usual defaults for strategy 1.
func DefaultStrategy() Strategy {
	return Strategy{
		StepTolerance: 0.5,
		GradTolerance: 0.1,
		NCycles:       2,
	}
}
