package money

import "errors"

// ErrInvalidAmount is returned when a calculation receives a negative amount.
var ErrInvalidAmount = errors.New("money: amount must not be negative")

// Breakdown holds the decomposition of a tax-inclusive amount. All values are
// minor currency units (paise). TaxableValue + TotalTax equals the input and
// CGST + SGST equals TotalTax, always.
type Breakdown struct {
	TaxableValue int64 `json:"taxableValue"`
	CGST         int64 `json:"cgst"`
	SGST         int64 `json:"sgst"`
	TotalTax     int64 `json:"totalTax"`
}

// Calculator performs tax decomposition and cash rounding for tax-inclusive
// prices. It is stateless and safe for concurrent use.
type Calculator struct {
	// RateBps is the combined tax rate in basis points (18% = 1800).
	RateBps int
	// MajorUnit is the cash rounding granularity in minor units. Zero or
	// negative falls back to 100 (round to the nearest rupee).
	MajorUnit int64
}

// Decompose splits a tax-inclusive price into its taxable value and the two
// equal tax components. The taxable value is rounded half-up; the remainder
// after halving the tax goes to SGST so the components reconcile exactly.
func (c Calculator) Decompose(inclusive int64) (Breakdown, error) {
	if inclusive < 0 {
		return Breakdown{}, ErrInvalidAmount
	}
	divisor := int64(10000 + c.RateBps)
	taxable := halfUpDiv(inclusive*10000, divisor)
	totalTax := inclusive - taxable
	cgst := halfUpDiv(totalTax, 2)
	sgst := totalTax - cgst
	return Breakdown{
		TaxableValue: taxable,
		CGST:         cgst,
		SGST:         sgst,
		TotalTax:     totalTax,
	}, nil
}

// RoundToMajorUnit rounds half-up to the nearest major unit and returns the
// signed adjustment so callers can book it: rounded == amount + adjustment.
func (c Calculator) RoundToMajorUnit(amount int64) (rounded, adjustment int64, err error) {
	if amount < 0 {
		return 0, 0, ErrInvalidAmount
	}
	unit := c.MajorUnit
	if unit <= 0 {
		unit = 100
	}
	rounded = halfUpDiv(amount, unit) * unit
	return rounded, rounded - amount, nil
}

// halfUpDiv divides n by d rounding half-up. Both arguments must be
// non-negative with d > 0.
func halfUpDiv(n, d int64) int64 {
	return (n + d/2) / d
}
