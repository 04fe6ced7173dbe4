// Package position implements the pure aggregate math for a user's
// holding in one outcome of one market: buys merge into the aggregate
// with a recomputed average price, sells reduce shares and cost basis
// proportionally.
//
// The package never touches storage. Callers persist the returned
// aggregate, and must delete the row when Closed reports true so the
// one-row-per-(user, market, outcome) invariant stays meaningful for
// "has position" checks elsewhere.
package position

import (
	"github.com/shopspring/decimal"

	"github.com/prediq/settlement-engine/internal/model"
)

// Scale is the number of decimal places for invested/avg-price rounding.
const Scale int32 = 8

// New creates the initial aggregate for a first buy.
func New(userID, marketID, outcomeID string, shares, amount decimal.Decimal) model.Position {
	return model.Position{
		UserID:    userID,
		MarketID:  marketID,
		OutcomeID: outcomeID,
		Shares:    shares,
		Invested:  amount,
		AvgPrice:  amount.DivRound(shares, Scale),
	}
}

// Buy merges a purchase of `shares` for `amount` cash into an existing
// aggregate. The average price is recomputed over the whole holding:
// avgPrice = (invested + amount) / (shares held + shares bought).
func Buy(p model.Position, shares, amount decimal.Decimal) model.Position {
	p.Shares = p.Shares.Add(shares)
	p.Invested = p.Invested.Add(amount)
	p.AvgPrice = p.Invested.DivRound(p.Shares, Scale)
	return p
}

// Sell removes `shares` from the aggregate. The cost basis shrinks by
// the sold fraction (invested -= invested * shares/held); the average
// price is unchanged by construction. Returns ErrInsufficientShares
// without mutating anything when more shares are sold than held.
func Sell(p model.Position, shares decimal.Decimal) (model.Position, error) {
	if shares.GreaterThan(p.Shares) {
		return p, model.ErrInsufficientShares
	}
	soldFraction := shares.Div(p.Shares)
	p.Invested = p.Invested.Sub(p.Invested.Mul(soldFraction)).Round(Scale)
	p.Shares = p.Shares.Sub(shares)
	return p, nil
}

// Closed reports whether the aggregate has no shares left and its row
// should be deleted rather than persisted at zero.
func Closed(p model.Position) bool {
	return p.Shares.IsZero()
}
