// Package pricing converts between cash and shares at an outcome's
// quoted probability.
//
// The platform quotes a fixed price per share equal to the outcome's
// current probability: buying `amount` of cash yields amount/p shares,
// and selling `shares` returns shares*p cash at the same p. There is no
// cost-function market maker — trades do not move the probability, which
// is only ever set at market creation or by an admin edit.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidProbability is returned when p is outside (0,1).
	ErrInvalidProbability = errors.New("pricing: probability must be in (0,1)")

	// ErrNonPositiveAmount is returned when a cash amount or share
	// quantity is zero or negative.
	ErrNonPositiveAmount = errors.New("pricing: amount must be positive")
)

// Scale is the number of decimal places for share/cash rounding.
const Scale int32 = 8

var one = decimal.NewFromInt(1)

// ValidProbability reports whether p lies strictly inside (0,1).
func ValidProbability(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(one)
}

// SharesFor returns the number of shares `amount` of cash buys at
// probability p: shares = amount / p.
func SharesFor(p, amount decimal.Decimal) (decimal.Decimal, error) {
	if !ValidProbability(p) {
		return decimal.Zero, ErrInvalidProbability
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	return amount.DivRound(p, Scale), nil
}

// ProceedsFor returns the cash `shares` converts back to at probability
// p: amount = shares * p.
func ProceedsFor(p, shares decimal.Decimal) (decimal.Decimal, error) {
	if !ValidProbability(p) {
		return decimal.Zero, ErrInvalidProbability
	}
	if !shares.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	return shares.Mul(p).Round(Scale), nil
}
