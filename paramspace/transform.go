// Package paramspace implements the bijective mapping between the bounded
// "external" parameter space seen by callers and the unbounded "internal"
// space the gradient kernel differentiates in.
package paramspace

import "math"

// Transform maps a single parameter between external (bounded, user-facing)
// and internal (unbounded, minimizer-facing) coordinates.
type Transform interface {
	// Int2Ext converts an internal coordinate to its external value.
	Int2Ext(internal float64) float64
	// Ext2Int converts an external coordinate to its internal value.
	Ext2Int(external float64) float64
	// DInt2ExtDInt returns d(Int2Ext)/d(internal) evaluated at internal.
	DInt2ExtDInt(internal float64) float64
	// ClipToLimits clamps an external value into the parameter's allowed
	// range, if any. Unbounded parameters return the value unchanged.
	ClipToLimits(external float64) float64
}

// New selects the appropriate Transform for a parameter's limit
// configuration.
func New(hasLower, hasUpper bool, lower, upper float64) Transform {
	switch {
	case hasLower && hasUpper:
		return boundedTransform{lower: lower, upper: upper}
	case hasUpper:
		return upperOnlyTransform{upper: upper}
	case hasLower:
		return lowerOnlyTransform{lower: lower}
	default:
		return identityTransform{}
	}
}

// identityTransform is used for parameters without limits.
type identityTransform struct{}

func (identityTransform) Int2Ext(internal float64) float64      { return internal }
func (identityTransform) Ext2Int(external float64) float64      { return external }
func (identityTransform) DInt2ExtDInt(internal float64) float64 { return 1.0 }
func (identityTransform) ClipToLimits(external float64) float64 { return external }

// boundedTransform implements the sine transform used when a parameter has
// both a lower and an upper limit.
type boundedTransform struct {
	lower, upper float64
}

func (t boundedTransform) Int2Ext(internal float64) float64 {
	return t.lower + (t.upper-t.lower)/2.0*(math.Sin(internal)+1.0)
}

func (t boundedTransform) Ext2Int(external float64) float64 {
	x := 2.0*(external-t.lower)/(t.upper-t.lower) - 1.0
	x = clamp(x, -1.0, 1.0)
	return math.Asin(x)
}

func (t boundedTransform) DInt2ExtDInt(internal float64) float64 {
	return (t.upper - t.lower) / 2.0 * math.Cos(internal)
}

func (t boundedTransform) ClipToLimits(external float64) float64 {
	return clamp(external, t.lower, t.upper)
}

// upperOnlyTransform implements the sqrt family transform for a parameter
// bounded only from above.
type upperOnlyTransform struct {
	upper float64
}

func (t upperOnlyTransform) Int2Ext(internal float64) float64 {
	return t.upper + 1.0 - math.Sqrt(internal*internal+1.0)
}

func (t upperOnlyTransform) Ext2Int(external float64) float64 {
	yy := t.upper - external + 1.0
	yy2 := yy * yy
	if yy2 < 1.0 {
		return 0.0
	}
	return math.Sqrt(yy2 - 1.0)
}

func (t upperOnlyTransform) DInt2ExtDInt(internal float64) float64 {
	return -internal / math.Sqrt(internal*internal+1.0)
}

func (t upperOnlyTransform) ClipToLimits(external float64) float64 {
	if external > t.upper {
		return t.upper
	}
	return external
}

// lowerOnlyTransform implements the sqrt family transform for a parameter
// bounded only from below.
type lowerOnlyTransform struct {
	lower float64
}

func (t lowerOnlyTransform) Int2Ext(internal float64) float64 {
	return t.lower - 1.0 + math.Sqrt(internal*internal+1.0)
}

func (t lowerOnlyTransform) Ext2Int(external float64) float64 {
	zz := external - t.lower + 1.0
	zz2 := zz * zz
	if zz2 < 1.0 {
		return 0.0
	}
	return math.Sqrt(zz2 - 1.0)
}

func (t lowerOnlyTransform) DInt2ExtDInt(internal float64) float64 {
	return internal / math.Sqrt(internal*internal+1.0)
}

func (t lowerOnlyTransform) ClipToLimits(external float64) float64 {
	if external < t.lower {
		return t.lower
	}
	return external
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
