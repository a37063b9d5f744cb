package gradient

import (
	"math"

	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(SeedTestSuite))

type SeedTestSuite struct{}

func (s *SeedTestSuite) TestUnboundedSeedValues(c *gc.C) {
	k := NewKernel()
	settings := []ParameterSettings{{Name: "x0", Value: 3.0, Step: 0.5}}
	x := []float64{3.0}
	state := NewDefaultState(1)
	up := 1.0

	c.Assert(k.SeedInitialGradient(x, settings, up, state), gc.IsNil)

	// Unbounded: the transform is the identity, so the probe width is
	// exactly the configured step on both sides.
	dirin := 0.5
	eps2 := k.Precision().Eps2
	gsmin := 8 * eps2 * (math.Abs(x[0]) + eps2)
	c.Assert(state.G2[0], gc.Equals, 2*up/(dirin*dirin))
	c.Assert(state.GStep[0], gc.Equals, math.Max(gsmin, 0.1*dirin))
	c.Assert(state.Grad[0], gc.Equals, state.G2[0]*dirin)
}

func (s *SeedTestSuite) TestSeedCurvatureNonNegative(c *gc.C) {
	k := NewKernel()
	settings := []ParameterSettings{
		{Name: "a", Value: -2.0, Step: 0.3},
		{Name: "b", Value: 0.0, Step: 0.0},
		{Name: "c", Value: 7.5, Step: 1.0, HasLowerLimit: true, Lower: 0.0},
	}
	x := []float64{-2.0, 0.0, 4.0}
	state := NewDefaultState(3)

	c.Assert(k.SeedInitialGradient(x, settings, 0.5, state), gc.IsNil)
	for i := range x {
		c.Assert(state.G2[i] >= 0, gc.Equals, true, gc.Commentf("g2[%d]=%v", i, state.G2[i]))
		c.Assert(state.GStep[i] > 0, gc.Equals, true)
		c.Assert(math.IsNaN(state.Grad[i]), gc.Equals, false)
	}
}

func (s *SeedTestSuite) TestLimitedParameterStepClamp(c *gc.C) {
	k := NewKernel()
	settings := []ParameterSettings{
		{Name: "x0", HasLowerLimit: true, HasUpperLimit: true, Lower: -100, Upper: 100, Step: 90},
	}
	// A huge external step on a limited parameter: in the compressed
	// internal space the seeded step must not exceed the 0.5 clamp. At
	// x=0 with limits +-100 the internal width stays below pi/2, so the
	// seeded step here is about 0.11.
	x := []float64{0.0}
	state := NewDefaultState(1)

	c.Assert(k.SeedInitialGradient(x, settings, 1.0, state), gc.IsNil)
	c.Assert(state.GStep[0] <= 0.5, gc.Equals, true, gc.Commentf("gstep=%v", state.GStep[0]))
}

func (s *SeedTestSuite) TestWidthClippedAtLimits(c *gc.C) {
	k := NewKernel()
	trSettings := ParameterSettings{
		Name: "x0", HasLowerLimit: true, HasUpperLimit: true, Lower: -1, Upper: 1, Step: 10,
	}
	// The external probe points sav +- werr both land outside [-1, 1] and
	// are clipped back to the limits, so the seeded step must stay finite.
	x := []float64{0.0}
	state := NewDefaultState(1)

	c.Assert(k.SeedInitialGradient(x, []ParameterSettings{trSettings}, 1.0, state), gc.IsNil)
	c.Assert(math.IsInf(state.G2[0], 0), gc.Equals, false)
	c.Assert(state.GStep[0] > 0, gc.Equals, true)
}

func (s *SeedTestSuite) TestWerrFallsBackWhenStepUnset(c *gc.C) {
	c.Assert(Werr(ParameterSettings{Step: 0.25}), gc.Equals, 0.25)
	c.Assert(Werr(ParameterSettings{Value: 4.0}), gc.Equals, 0.5)
	c.Assert(Werr(ParameterSettings{}), gc.Equals, 0.1)
}

func (s *SeedTestSuite) TestSeedDimensionMismatch(c *gc.C) {
	k := NewKernel()
	err := k.SeedInitialGradient([]float64{1}, []ParameterSettings{{}, {}}, 1.0, NewDefaultState(1))
	c.Assert(err, gc.Equals, ErrDimensionMismatch)
}
