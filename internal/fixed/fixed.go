// Package fixed is the fixed-point arithmetic layer shared by the pool math,
// the commitment ledger and the orchestrator.
//
// Values are shopspring/decimal numbers. Ratios (prices, fees, leverage) are
// carried at quad precision: every division is truncated to Precision
// fractional digits, which matches the 34 significant decimal digits of an
// IEEE 754 binary128 significand. Token amounts are always integral base
// units; converting a ratio back to an amount truncates toward zero.
//
// Never float64 for money.
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits kept by Div.
const Precision int32 = 34

// WadDecimals is the exponent of the WAD representation (10^18).
const WadDecimals = 18

var (
	// ErrDivisionByZero aborts the calling operation.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrOverflow is returned when a value does not fit in 256 bits.
	ErrOverflow = errors.New("fixed: value overflows uint256")

	// ErrUnderflow is returned when an amount would become negative.
	ErrUnderflow = errors.New("fixed: amount underflow")

	// ErrNotInteger is returned when an amount carries a fractional part.
	ErrNotInteger = errors.New("fixed: amount is not integral")

	// One is the multiplicative identity and the bootstrap price.
	One = decimal.NewFromInt(1)

	// Wad is 10^18.
	Wad = decimal.New(1, WadDecimals)

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// Add returns a + b.
func Add(a, b decimal.Decimal) decimal.Decimal {
	return a.Add(b)
}

// Sub returns a - b. The result may be negative; use SubAmount for amounts.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b)
}

// Mul returns a * b without rounding.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b)
}

// Div returns a / b truncated to Precision fractional digits.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s / 0", ErrDivisionByZero, a)
	}
	q, _ := a.QuoRem(b, Precision)
	return q, nil
}

// Cmp compares a and b: -1 if a < b, 0 if equal, +1 if a > b.
func Cmp(a, b decimal.Decimal) int {
	return a.Cmp(b)
}

// ToAmount truncates a ratio product to an integral amount.
func ToAmount(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(0)
}

// CheckAmount verifies that d is a valid token amount: integral,
// non-negative and representable as a uint256.
func CheckAmount(d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%w: %s", ErrUnderflow, d)
	}
	if !d.IsInteger() {
		return fmt.Errorf("%w: %s", ErrNotInteger, d)
	}
	if d.BigInt().Cmp(maxUint256) > 0 {
		return fmt.Errorf("%w: %s", ErrOverflow, d)
	}
	return nil
}

// SubAmount returns a - b for token amounts and fails instead of going
// negative.
func SubAmount(a, b decimal.Decimal) (decimal.Decimal, error) {
	if a.LessThan(b) {
		return decimal.Zero, fmt.Errorf("%w: %s - %s", ErrUnderflow, a, b)
	}
	return a.Sub(b), nil
}

// AfterFee returns what is left of amount once a fee at rate is taken:
// trunc(amount * (1 - rate)). Truncating the remainder rounds the fee up,
// which keeps per-user results from summing past the pool-wide result.
func AfterFee(rate, amount decimal.Decimal) decimal.Decimal {
	return ToAmount(amount.Mul(One.Sub(rate)))
}

// FeeOf returns the fee taken from amount at rate, amount - AfterFee. For
// rate in [0, 1] the fee is in [0, amount].
func FeeOf(rate, amount decimal.Decimal) decimal.Decimal {
	return amount.Sub(AfterFee(rate, amount))
}

// FromUint256 converts raw base units into a decimal amount.
func FromUint256(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), 0)
}

// ToUint256 converts an amount into raw base units.
func ToUint256(d decimal.Decimal) (*uint256.Int, error) {
	if err := CheckAmount(d); err != nil {
		return nil, err
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrOverflow, d)
	}
	return v, nil
}

// FromWad converts a 10^18-scaled integer into a decimal ratio.
func FromWad(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -WadDecimals)
}

// ToWad converts a decimal ratio into its 10^18-scaled integer, truncating
// digits beyond the 18th.
func ToWad(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrUnderflow, d)
	}
	return ToUint256(d.Shift(WadDecimals).Truncate(0))
}

// ScaleFromDecimals returns 10^(18-decimals), the multiplier that lifts an
// amount of a token with the given decimals to WAD precision.
func ScaleFromDecimals(decimals uint8) (decimal.Decimal, error) {
	if decimals > WadDecimals {
		return decimal.Zero, fmt.Errorf("fixed: decimals %d exceed %d", decimals, WadDecimals)
	}
	return decimal.New(1, int32(WadDecimals-int(decimals))), nil
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
