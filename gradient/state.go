package gradient

// State holds the per-parameter gradient triple: the current first and
// second derivative estimates and the last step size chosen. All three
// slices are always sized equal to the number of free parameters.
type State struct {
	Grad  []float64
	G2    []float64
	GStep []float64
}

// NewDefaultState returns a State of size n initialized to the default
// triple (0.1, 0.1, 0.001) for every parameter.
func NewDefaultState(n int) *State {
	s := &State{
		Grad:  make([]float64, n),
		G2:    make([]float64, n),
		GStep: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		s.Grad[i] = 0.1
		s.G2[i] = 0.1
		s.GStep[i] = 0.001
	}
	return s
}

// Len returns the number of parameters this state covers.
func (s *State) Len() int {
	return len(s.Grad)
}
