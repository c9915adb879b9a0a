// Package fixed provides the deterministic numeric kernel for risk
// calculations. Values are arbitrary-precision decimals constrained to a
// signed 64-bit whole-unit range; external boundaries exchange int64
// micro-units (6 decimal places) and convert with banker's rounding.
// No float64 appears anywhere in a computation path: identical inputs
// produce identical results on every platform.
package fixed

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrMathOverflow reports a result outside the representable range.
	ErrMathOverflow = errors.New("fixed: value exceeds representable range")
	// ErrDivisionByZero reports a zero divisor.
	ErrDivisionByZero = errors.New("fixed: division by zero")
	// ErrMathDomain reports an argument outside a function's domain,
	// e.g. sqrt of a negative or ln of a non-positive value.
	ErrMathDomain = errors.New("fixed: argument outside function domain")
)

const (
	// divPlaces is the number of fractional decimal digits retained by
	// division. 24 places exceed the resolution of any micro-unit input.
	divPlaces = 24

	// microPlaces is the fractional resolution of boundary values.
	microPlaces = 6
)

// rangeLimit bounds the whole-unit magnitude of every checked result.
var rangeLimit = decimal.NewFromInt(math.MaxInt64)

// FP is a fixed-point value. The zero value is 0.
type FP struct {
	d decimal.Decimal
}

var (
	// Zero is the additive identity.
	Zero = FP{}
	// One is the multiplicative identity.
	One = FromInt(1)
)

// FromInt returns n as a fixed-point value.
func FromInt(n int64) FP {
	return FP{d: decimal.NewFromInt(n)}
}

// FromMicros interprets n as micro-units (n * 1e-6).
func FromMicros(n int64) FP {
	return FP{d: decimal.New(n, -microPlaces)}
}

// FromBps interprets n as basis points (n * 1e-4).
func FromBps(n int64) FP {
	return FP{d: decimal.New(n, -4)}
}

// Parse converts a decimal string such as "1.5" or "-0.0003".
func Parse(s string) (FP, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, err
	}
	return FP{d: d}, nil
}

// MustParse is Parse for static literals; it panics on malformed input.
func MustParse(s string) FP {
	v, err := Parse(s)
	if err != nil {
		panic("fixed: MustParse(" + s + "): " + err.Error())
	}
	return v
}

// Micros converts to int64 micro-units with banker's rounding,
// saturating at the int64 range.
func (v FP) Micros() int64 {
	scaled := v.d.Shift(microPlaces).RoundBank(0)
	if scaled.Cmp(rangeLimit) > 0 {
		return math.MaxInt64
	}
	if scaled.Cmp(rangeLimit.Neg()) < 0 {
		return math.MinInt64
	}
	return scaled.IntPart()
}

// Bps converts to basis points with banker's rounding, saturating at
// the int64 range.
func (v FP) Bps() int64 {
	scaled := v.d.Shift(4).RoundBank(0)
	if scaled.Cmp(rangeLimit) > 0 {
		return math.MaxInt64
	}
	if scaled.Cmp(rangeLimit.Neg()) < 0 {
		return math.MinInt64
	}
	return scaled.IntPart()
}

// String renders the exact decimal value.
func (v FP) String() string {
	return v.d.String()
}

// StringFixed renders with exactly places fractional digits.
func (v FP) StringFixed(places int32) string {
	return v.d.StringFixed(places)
}

// ====================================================================
// Exact arithmetic
//
// Decimal addition, subtraction and multiplication are exact and cannot
// wrap; the Checked variants below additionally enforce the whole-unit
// range contract, and the Sat variants clamp to it.
// ====================================================================

// Add returns v + b.
func (v FP) Add(b FP) FP { return FP{d: v.d.Add(b.d)} }

// Sub returns v - b.
func (v FP) Sub(b FP) FP { return FP{d: v.d.Sub(b.d)} }

// Mul returns v * b.
func (v FP) Mul(b FP) FP { return FP{d: v.d.Mul(b.d)} }

// Neg returns -v.
func (v FP) Neg() FP { return FP{d: v.d.Neg()} }

// Abs returns |v|.
func (v FP) Abs() FP { return FP{d: v.d.Abs()} }

func inRange(d decimal.Decimal) bool {
	abs := d.Abs()
	return abs.Cmp(rangeLimit) <= 0
}

// CheckedAdd returns v + b, or ErrMathOverflow outside the range.
func (v FP) CheckedAdd(b FP) (FP, error) {
	r := v.d.Add(b.d)
	if !inRange(r) {
		return Zero, ErrMathOverflow
	}
	return FP{d: r}, nil
}

// CheckedSub returns v - b, or ErrMathOverflow outside the range.
func (v FP) CheckedSub(b FP) (FP, error) {
	r := v.d.Sub(b.d)
	if !inRange(r) {
		return Zero, ErrMathOverflow
	}
	return FP{d: r}, nil
}

// CheckedMul returns v * b, or ErrMathOverflow outside the range.
func (v FP) CheckedMul(b FP) (FP, error) {
	r := v.d.Mul(b.d)
	if !inRange(r) {
		return Zero, ErrMathOverflow
	}
	return FP{d: r}, nil
}

// CheckedDiv returns v / b rounded to divPlaces fractional digits.
// A zero divisor yields ErrDivisionByZero; a result outside the range
// yields ErrMathOverflow.
func (v FP) CheckedDiv(b FP) (FP, error) {
	if b.d.IsZero() {
		return Zero, ErrDivisionByZero
	}
	r := v.d.DivRound(b.d, divPlaces)
	if !inRange(r) {
		return Zero, ErrMathOverflow
	}
	return FP{d: r}, nil
}

func saturate(d decimal.Decimal) FP {
	if d.Cmp(rangeLimit) > 0 {
		return FP{d: rangeLimit}
	}
	if d.Cmp(rangeLimit.Neg()) < 0 {
		return FP{d: rangeLimit.Neg()}
	}
	return FP{d: d}
}

// SatAdd returns v + b clamped to the representable range.
func (v FP) SatAdd(b FP) FP { return saturate(v.d.Add(b.d)) }

// SatSub returns v - b clamped to the representable range.
func (v FP) SatSub(b FP) FP { return saturate(v.d.Sub(b.d)) }

// SatMul returns v * b clamped to the representable range.
func (v FP) SatMul(b FP) FP { return saturate(v.d.Mul(b.d)) }

// ====================================================================
// Comparison
// ====================================================================

// Cmp returns -1, 0 or +1 ordering v against b.
func (v FP) Cmp(b FP) int { return v.d.Cmp(b.d) }

// Equal reports v == b by value.
func (v FP) Equal(b FP) bool { return v.d.Equal(b.d) }

// LessThan reports v < b.
func (v FP) LessThan(b FP) bool { return v.d.Cmp(b.d) < 0 }

// GreaterThan reports v > b.
func (v FP) GreaterThan(b FP) bool { return v.d.Cmp(b.d) > 0 }

// IsZero reports v == 0.
func (v FP) IsZero() bool { return v.d.IsZero() }

// IsNegative reports v < 0.
func (v FP) IsNegative() bool { return v.d.IsNegative() }

// IsPositive reports v > 0.
func (v FP) IsPositive() bool { return v.d.IsPositive() }

// Sign returns -1, 0 or +1.
func (v FP) Sign() int { return v.d.Sign() }

// Min returns the smaller of a and b.
func Min(a, b FP) FP {
	if a.d.Cmp(b.d) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b FP) FP {
	if a.d.Cmp(b.d) >= 0 {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi]. lo must not exceed hi.
func Clamp(v, lo, hi FP) FP {
	if v.d.Cmp(lo.d) < 0 {
		return lo
	}
	if v.d.Cmp(hi.d) > 0 {
		return hi
	}
	return v
}
