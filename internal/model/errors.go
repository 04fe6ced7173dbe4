package model

import "errors"

// Settlement error taxonomy. All of these are detected before any
// mutation and abort the enclosing transaction; the API layer maps them
// to user-facing responses.
var (
	// ErrNotFound is returned when a referenced user, market, outcome,
	// or position does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMarketNotActive is returned when a trade targets a market that
	// is not in ACTIVE state.
	ErrMarketNotActive = errors.New("market is not active")

	// ErrInsufficientBalance is returned when a buy (or withdrawal)
	// exceeds the user's available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientShares is returned when a sell exceeds the shares
	// held in the position.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrAlreadyResolved is returned when resolution is attempted on a
	// market already in RESOLVED state.
	ErrAlreadyResolved = errors.New("market already resolved")

	// ErrConcurrencyConflict is returned when the store aborts a
	// transaction due to lock contention or timeout. Callers may retry.
	ErrConcurrencyConflict = errors.New("transaction conflict, retry")
)
