package paramspace

import "math"

// Precision holds the machine-precision constants used throughout the
// gradient kernel. They are computed once and shared by value since they
// never change for the lifetime of a process.
type Precision struct {
	// Eps is the smallest float64 increment such that 1+Eps != 1.
	Eps float64
	// Eps2 is sqrt(Eps), used as the baseline scale for finite-difference
	// step sizes.
	Eps2 float64
}

// NewPrecision computes the machine epsilon by successive halving rather
// than trusting a hardcoded constant, matching the defensive style of a
// numerical kernel that must not assume a particular float64 rounding mode.
func NewPrecision() Precision {
	eps := 1.0
	for 1.0+eps/2.0 != 1.0 {
		eps /= 2.0
	}
	return Precision{Eps: eps, Eps2: math.Sqrt(eps)}
}
