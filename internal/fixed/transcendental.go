package fixed

import "github.com/shopspring/decimal"

const (
	// sqrtIterations bounds the Newton loop. Iteration count is fixed
	// rather than convergence-tested so the operation cost is constant
	// and the result is bit-identical across runs.
	sqrtIterations = 24

	// sqrtPlaces is the interior precision of the Newton loop; the
	// final result is rounded back to divPlaces.
	sqrtPlaces = divPlaces + 4
)

var half = decimal.New(5, -1)

// Sqrt returns the square root of v via Newton's method with a fixed
// iteration count. Negative input yields ErrMathDomain.
func Sqrt(v FP) (FP, error) {
	if v.d.IsNegative() {
		return Zero, ErrMathDomain
	}
	if v.d.IsZero() {
		return Zero, nil
	}

	// Seed at 10^(intDigits/2) so the loop starts within an order of
	// magnitude of the root regardless of input scale.
	intDigits := v.d.NumDigits() + int(v.d.Exponent())
	x := decimal.New(1, int32(intDigits/2))

	for i := 0; i < sqrtIterations; i++ {
		// x = (x + v/x) / 2
		x = x.Add(v.d.DivRound(x, sqrtPlaces)).Mul(half)
	}
	return FP{d: x.RoundBank(divPlaces)}, nil
}

// Ln returns the natural logarithm of v. Non-positive input yields
// ErrMathDomain.
func Ln(v FP) (FP, error) {
	if !v.d.IsPositive() {
		return Zero, ErrMathDomain
	}
	r, err := v.d.Ln(divPlaces)
	if err != nil {
		return Zero, err
	}
	return FP{d: r}, nil
}

// Exp returns e**v via the library's Taylor expansion at fixed
// precision. Results beyond the representable range yield
// ErrMathOverflow.
func Exp(v FP) (FP, error) {
	r, err := v.d.ExpTaylor(divPlaces)
	if err != nil {
		return Zero, err
	}
	if !inRange(r) {
		return Zero, ErrMathOverflow
	}
	return FP{d: r}, nil
}
