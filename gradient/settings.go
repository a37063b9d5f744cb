// Package gradient implements the Minuit-compatible numerical gradient
// kernel: per-parameter adaptive central differencing with internal/external
// parameter-space awareness.
package gradient

// ParameterSettings describes one fit parameter: its current value, its
// configured step, and an optional lower/upper limit pair.
type ParameterSettings struct {
	Name           string
	Value          float64
	Step           float64
	Fixed          bool
	HasLowerLimit  bool
	HasUpperLimit  bool
	Lower          float64
	Upper          float64
}
