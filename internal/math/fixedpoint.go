// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	QuoteConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // 0.000001 USDT
	RateConfig  = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // 0.00000001
)

// ErrOverflow is the root of every fixed-point failure.
var ErrOverflow = errors.New("fixed-point overflow")

// OverflowError is raised (via panic) when a result leaves the int64 range
// or a division by zero is attempted. The core recovers it at the command
// boundary, before anything is committed.
type OverflowError struct {
	Op     string
	Reason string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("fixed-point %s: %s", e.Op, e.Reason)
}

func (e *OverflowError) Unwrap() error {
	return ErrOverflow
}

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow.
// The caller returns the result with PutInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	tmp := getInt128()
	result.SetInt64(a)
	result.Mul(result, tmp.SetInt64(b))
	putInt128(tmp)
	return result
}

// PutInt128 hands a temporary obtained from MultiplyInt128 back to the pool.
func PutInt128(v *big.Int) {
	putInt128(v)
}

type RoundingMode int

const (
	RoundHalfEven         RoundingMode = iota // Banker's rounding
	RoundDown                                 // Truncate toward zero
	RoundUp                                   // Away from zero on any remainder
	RoundHalfAwayFromZero                     // Nearest, ties away from zero
)

// DivideInt128 performs numerator / denominator with rounding.
// Panics with *OverflowError on a zero denominator or an int64 overflow.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	if denominator == 0 {
		panic(&OverflowError{Op: "div", Reason: "division by zero"})
	}

	denom := getInt128()
	quotient := getInt128()
	remainder := getInt128()
	defer func() {
		putInt128(denom)
		putInt128(quotient)
		putInt128(remainder)
	}()

	denom.SetInt64(denominator)
	quotient.QuoRem(numerator, denom, remainder) // truncated division

	if remainder.Sign() != 0 {
		negative := (numerator.Sign() < 0) != (denominator < 0)

		away := false
		switch roundingMode {
		case RoundHalfEven, RoundHalfAwayFromZero:
			remainder.Abs(remainder)
			remainder.Lsh(remainder, 1)
			cmp := remainder.CmpAbs(denom)
			if cmp > 0 {
				away = true
			} else if cmp == 0 {
				// Exactly half
				away = roundingMode == RoundHalfAwayFromZero || quotient.Bit(0) == 1
			}
		case RoundUp:
			away = true
		}

		if away {
			if negative {
				quotient.Sub(quotient, big.NewInt(1))
			} else {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	if !quotient.IsInt64() {
		panic(&OverflowError{Op: "div", Reason: "result exceeds int64"})
	}
	return quotient.Int64()
}

// One returns the fixed-point representation of 1.
func (c DecimalConfig) One() int64 {
	return c.Scale
}

// FromInt converts a whole number into fixed-point.
func (c DecimalConfig) FromInt(v int64) int64 {
	raw := MultiplyInt128(v, c.Scale)
	defer putInt128(raw)
	if !raw.IsInt64() {
		panic(&OverflowError{Op: "from_int", Reason: "result exceeds int64"})
	}
	return raw.Int64()
}

// Mul returns round(a*b / Scale), ties away from zero.
func (c DecimalConfig) Mul(a, b int64) int64 {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	return DivideInt128(product, c.Scale, RoundHalfAwayFromZero)
}

// Div returns round(a*Scale / b), ties away from zero.
func (c DecimalConfig) Div(a, b int64) int64 {
	if b == 0 {
		panic(&OverflowError{Op: "div", Reason: "division by zero"})
	}
	numerator := MultiplyInt128(a, c.Scale)
	defer putInt128(numerator)
	return DivideInt128(numerator, b, RoundHalfAwayFromZero)
}

// MulDiv returns round(a*b / d) with a single rounding step.
func (c DecimalConfig) MulDiv(a, b, d int64) int64 {
	numerator := MultiplyInt128(a, b)
	defer putInt128(numerator)
	return DivideInt128(numerator, d, RoundHalfAwayFromZero)
}

// Add returns a + b, panicking on int64 overflow.
func (c DecimalConfig) Add(a, b int64) int64 {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		panic(&OverflowError{Op: "add", Reason: "result exceeds int64"})
	}
	return sum
}

// Sub returns a - b, panicking on int64 overflow.
func (c DecimalConfig) Sub(a, b int64) int64 {
	diff := a - b
	if (b > 0 && diff > a) || (b < 0 && diff < a) {
		panic(&OverflowError{Op: "sub", Reason: "result exceeds int64"})
	}
	return diff
}

// Abs returns |v|.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
