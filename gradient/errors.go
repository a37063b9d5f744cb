package gradient

import "golang.org/x/xerrors"

// ErrFatalNumerical is returned when an invariant the algorithm relies on to
// never divide by zero was somehow violated. The step clamps make this
// unreachable; it exists as an assert, not an expected code path.
var ErrFatalNumerical = xerrors.New("gradient: fatal numerical invariant violated")

// ErrDimensionMismatch is returned when the point, settings and state slices
// passed to the kernel disagree on the number of free parameters.
var ErrDimensionMismatch = xerrors.New("gradient: x, settings and state must have matching length")
