// Package store defines the persistence interface for the settlement
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/prediq/settlement-engine/internal/model"
)

// Store is the persistence interface. All state shared between trades
// lives here; the engine holds no balances or positions in memory.
type Store interface {
	// InTx runs fn inside one ACID transaction. Every settlement or
	// resolution executes as a single InTx call: if fn returns an error
	// the transaction rolls back and no partial mutation is observable.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Admin / seed writes ---

	// CreateUser persists a new user account.
	CreateUser(ctx context.Context, u *model.User) error

	// CreateMarket persists a new market with its outcomes.
	CreateMarket(ctx context.Context, m *model.Market, outcomes []model.Outcome) error

	// UpdateOutcomeProbability sets an outcome's quoted probability.
	// This is the only probability writer besides market creation.
	UpdateOutcomeProbability(ctx context.Context, outcomeID string, p decimal.Decimal) error

	// --- Reads ---

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// GetOutcome retrieves an outcome by ID.
	GetOutcome(ctx context.Context, id string) (*model.Outcome, error)

	// ListOutcomes returns a market's outcomes.
	ListOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error)

	// ListPositions returns a user's positions annotated with
	// mark-to-market value and P&L. marketID == "" means all markets.
	ListPositions(ctx context.Context, userID, marketID string) ([]model.PositionView, error)

	// ListBetsByUser returns a user's bets, oldest first.
	ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error)

	// ListTransactions returns a user's ledger entries, oldest first.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)
}

// Tx exposes the reads and writes available inside one transaction.
// ForUpdate reads take row locks so that two concurrent settlements on
// the same user, market, or position serialize rather than double-spend.
type Tx interface {
	// UserForUpdate reads a user row, locked for the transaction.
	UserForUpdate(ctx context.Context, id string) (*model.User, error)

	// MarketForUpdate reads a market row, locked for the transaction.
	MarketForUpdate(ctx context.Context, id string) (*model.Market, error)

	// Outcome reads an outcome. Probability only changes via admin
	// edits, so no lock is taken.
	Outcome(ctx context.Context, id string) (*model.Outcome, error)

	// PositionForUpdate reads a position row, locked for the
	// transaction. Returns model.ErrNotFound when no row exists.
	PositionForUpdate(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error)

	// PositionsByOutcomeForUpdate reads and locks every position on one
	// outcome. Used by resolution payout.
	PositionsByOutcomeForUpdate(ctx context.Context, marketID, outcomeID string) ([]model.Position, error)

	// InsertBet appends an immutable bet record.
	InsertBet(ctx context.Context, b *model.Bet) error

	// SavePosition inserts or updates a position row.
	SavePosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes a position row (shares reached zero).
	DeletePosition(ctx context.Context, userID, marketID, outcomeID string) error

	// SaveUser writes back balance and lifetime aggregates.
	SaveUser(ctx context.Context, u *model.User) error

	// SaveMarket writes back volume, status, and resolution fields.
	SaveMarket(ctx context.Context, m *model.Market) error

	// InsertTransaction appends an immutable ledger entry.
	InsertTransaction(ctx context.Context, t *model.Transaction) error
}
