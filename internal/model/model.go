// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market status values. Transitions are one-directional:
// ACTIVE → CLOSED → RESOLVED, with CANCELLED reachable from any
// non-terminal state. RESOLVED and CANCELLED are terminal.
const (
	MarketActive    = "ACTIVE"
	MarketClosed    = "CLOSED"
	MarketResolved  = "RESOLVED"
	MarketCancelled = "CANCELLED"
)

// Bet sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Transaction entry types.
const (
	TxBetPlaced       = "BET_PLACED"
	TxBetSold         = "BET_SOLD"
	TxMarketPayout    = "MARKET_PAYOUT"
	TxDeposit         = "DEPOSIT"
	TxWithdrawal      = "WITHDRAWAL"
	TxAdminAdjustment = "ADMIN_ADJUSTMENT"
)

// User holds an account's cash balance and lifetime aggregates.
// Balance is mutated only by the settlement engine, resolution payout,
// and deposits/withdrawals. Invariant: Balance >= 0 at all times.
type User struct {
	ID            string          `json:"id" db:"id"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	TotalWinnings decimal.Decimal `json:"total_winnings" db:"total_winnings"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Market is a single question with two or more outcomes.
// Volume accumulates the cash leg of every executed trade.
type Market struct {
	ID         string          `json:"id" db:"id"`
	Question   string          `json:"question" db:"question"`
	Status     string          `json:"status" db:"status"`
	Volume     decimal.Decimal `json:"volume" db:"volume"`
	Resolution *string         `json:"resolution,omitempty" db:"resolution"` // winning outcome ID once resolved
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Outcome is one answer branch of a market. Probability is the current
// price per share, always in (0,1). It is written only at market creation
// and by admin edits — trades do not move it.
type Outcome struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Name        string          `json:"name" db:"name"` // e.g. "YES" / "NO"
	Probability decimal.Decimal `json:"probability" db:"probability"`
}

// Bet is an immutable record of one executed trade. Once created, these
// are never modified or deleted.
type Bet struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OutcomeID string          `json:"outcome_id" db:"outcome_id"`
	Side      string          `json:"side" db:"side"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // cash leg
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"` // probability at execution
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's aggregate holding in one outcome of one market.
// At most one row exists per (user, market, outcome); the row is deleted
// when shares reach exactly zero.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OutcomeID string          `json:"outcome_id" db:"outcome_id"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Invested  decimal.Decimal `json:"invested" db:"invested"` // net cash basis
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
}

// PositionView is a Position annotated with mark-to-market fields for
// read-only queries.
type PositionView struct {
	Position
	OutcomeName  string          `json:"outcome_name"`
	Probability  decimal.Decimal `json:"probability"`
	CurrentValue decimal.Decimal `json:"current_value"` // shares * probability
	PnL          decimal.Decimal `json:"pnl"`           // currentValue - invested
}

// Transaction is an append-only audit record of every balance-affecting
// event. Amount is signed: credits positive, debits negative.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Type        string          `json:"type" db:"type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	MarketID    *string         `json:"market_id,omitempty" db:"market_id"`
	Description string          `json:"description" db:"description"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
