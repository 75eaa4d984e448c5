package currency

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Fixed-point parameters shared by every Amount value. Amounts carry six
// fraction digits and at most twenty significant digits; every operation
// rounds half-even back onto that grid.
const (
	FractionDigits = 6
	Precision      = 20

	// Unit is the serialized representation of 1.0.
	Unit int64 = 1_000_000
)

// ErrArithmetic is the base class for all amount arithmetic failures.
// Callers can match any of them with errors.Is(err, ErrArithmetic).
var ErrArithmetic = errors.New("currency: arithmetic error")

var (
	// ErrDivisionByZero is returned by Div when the divisor is zero.
	ErrDivisionByZero = fmt.Errorf("%w: division by zero", ErrArithmetic)
	// ErrPrecisionOverflow is returned when a result does not fit within
	// the supported significant precision.
	ErrPrecisionOverflow = fmt.Errorf("%w: precision overflow", ErrArithmetic)
	// ErrSerializeRange is returned when a value cannot be represented as
	// a 64-bit minor-unit integer.
	ErrSerializeRange = fmt.Errorf("%w: serialized value out of range", ErrArithmetic)
)

// Amount is an immutable fixed-point decimal value. The zero value is 0.
type Amount struct {
	d decimal.Decimal
}

// Deserialize builds an Amount from its integer minor-unit representation,
// scaled by 10^6. It is the exact inverse of Serialize.
func Deserialize(minor int64) Amount {
	return Amount{d: decimal.New(minor, -FractionDigits)}
}

// One returns the amount 1.0.
func One() Amount {
	return Deserialize(Unit)
}

// FromDecimal quantizes an arbitrary decimal onto the amount grid.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	return quantize(d)
}

// Serialize returns the integer minor-unit representation scaled by 10^6.
func (a Amount) Serialize() (int64, error) {
	shifted := a.d.Shift(FractionDigits)
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, ErrSerializeRange
	}
	return bi.Int64(), nil
}

// Add returns a + b.
func (a Amount) Add(b Amount) (Amount, error) {
	return quantize(a.d.Add(b.d))
}

// Mul returns a * b.
func (a Amount) Mul(b Amount) (Amount, error) {
	return quantize(a.d.Mul(b.d))
}

// Div returns a / b.
func (a Amount) Div(b Amount) (Amount, error) {
	if b.d.IsZero() {
		return Amount{}, ErrDivisionByZero
	}
	// Divide on a finer grid first so the final half-even rounding sees
	// exact ties where the true quotient has one.
	quotient := a.d.DivRound(b.d, FractionDigits*2)
	return quantize(quotient)
}

// Cmp compares two amounts, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

// IsZero reports whether the amount equals zero.
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// Decimal exposes the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return a.d
}

// String renders the amount with its full six fraction digits.
func (a Amount) String() string {
	return a.d.StringFixed(FractionDigits)
}

func quantize(d decimal.Decimal) (Amount, error) {
	rounded := d.RoundBank(FractionDigits)
	// Significant digits are counted on the fixed six-fraction-digit grid,
	// so trailing zeros below the decimal point count toward precision.
	digits := int(rounded.NumDigits())
	if exp := int(rounded.Exponent()); exp > -FractionDigits {
		digits += exp + FractionDigits
	}
	if digits > Precision {
		return Amount{}, ErrPrecisionOverflow
	}
	return Amount{d: rounded}, nil
}
