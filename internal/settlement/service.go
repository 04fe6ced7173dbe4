// Package settlement executes trades and market resolutions as atomic
// units against the ledger store, and exposes them over HTTP to the
// surrounding CRUD/API layer.
//
// All monetary values use shopspring/decimal — never float64 for money.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/prediq/settlement-engine/internal/metrics"
	"github.com/prediq/settlement-engine/internal/model"
	"github.com/prediq/settlement-engine/internal/position"
	"github.com/prediq/settlement-engine/internal/pricing"
	"github.com/prediq/settlement-engine/internal/store"
)

// Authorizer decides whether a caller may perform admin operations
// (market resolution, cancellation, probability edits). Role logic
// stays at this boundary — never inside the settlement algorithms.
type Authorizer func(callerID string) bool

// Service is the settlement engine. It holds no balances or positions
// in memory; every mutation runs inside one store transaction, which
// serializes concurrent trades on the rows they touch.
type Service struct {
	store     store.Store
	authorize Authorizer
	hub       *Hub // optional hub for real-time broadcasts
	now       func() time.Time
}

// NewService creates a settlement service. Pass nil for hub if
// broadcasting is not needed; a nil authorize denies all admin calls.
func NewService(st store.Store, authorize Authorizer, hub *Hub) *Service {
	if authorize == nil {
		authorize = func(string) bool { return false }
	}
	return &Service{
		store:     st,
		authorize: authorize,
		hub:       hub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PlaceBetParams describes one trade. Amount is the cash to spend for a
// BUY, and the share quantity to liquidate for a SELL — the sell's cash
// leg is derived from the outcome's probability at execution time.
type PlaceBetParams struct {
	UserID    string
	MarketID  string
	OutcomeID string
	Side      string
	Amount    decimal.Decimal
}

// PlaceBet executes one trade as a single atomic unit: precondition
// checks, pricing, bet record, position update, balance transfer,
// market volume, ledger entry. Any failure rolls back all of it.
func (s *Service) PlaceBet(ctx context.Context, p PlaceBetParams) (*model.Bet, error) {
	if p.Side != model.SideBuy && p.Side != model.SideSell {
		return nil, fmt.Errorf("invalid side %q", p.Side)
	}
	if !p.Amount.IsPositive() {
		return nil, pricing.ErrNonPositiveAmount
	}

	var bet *model.Bet
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		// Re-read everything inside the transaction: no stale state.
		user, err := tx.UserForUpdate(ctx, p.UserID)
		if err != nil {
			return fmt.Errorf("user %s: %w", p.UserID, err)
		}
		market, err := tx.MarketForUpdate(ctx, p.MarketID)
		if err != nil {
			return fmt.Errorf("market %s: %w", p.MarketID, err)
		}
		outcome, err := tx.Outcome(ctx, p.OutcomeID)
		if err != nil || outcome.MarketID != market.ID {
			return fmt.Errorf("outcome %s: %w", p.OutcomeID, model.ErrNotFound)
		}

		if market.Status != model.MarketActive {
			return model.ErrMarketNotActive
		}

		held, err := tx.PositionForUpdate(ctx, p.UserID, p.MarketID, p.OutcomeID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}

		// Preconditions, before any mutation is attempted.
		var shares, cash decimal.Decimal
		switch p.Side {
		case model.SideBuy:
			if user.Balance.LessThan(p.Amount) {
				return model.ErrInsufficientBalance
			}
			cash = p.Amount
			shares, err = pricing.SharesFor(outcome.Probability, cash)
			if err != nil {
				return err
			}
		case model.SideSell:
			shares = p.Amount
			if held == nil || held.Shares.LessThan(shares) {
				return model.ErrInsufficientShares
			}
			cash, err = pricing.ProceedsFor(outcome.Probability, shares)
			if err != nil {
				return err
			}
		}

		now := s.now()
		bet = &model.Bet{
			ID:        uuid.New().String(),
			UserID:    p.UserID,
			MarketID:  p.MarketID,
			OutcomeID: p.OutcomeID,
			Side:      p.Side,
			Amount:    cash,
			Shares:    shares,
			Price:     outcome.Probability,
			CreatedAt: now,
		}
		if err := tx.InsertBet(ctx, bet); err != nil {
			return err
		}

		// Position accounting.
		switch p.Side {
		case model.SideBuy:
			var next model.Position
			if held == nil {
				next = position.New(p.UserID, p.MarketID, p.OutcomeID, shares, cash)
			} else {
				next = position.Buy(*held, shares, cash)
			}
			if err := tx.SavePosition(ctx, &next); err != nil {
				return err
			}
		case model.SideSell:
			next, err := position.Sell(*held, shares)
			if err != nil {
				return err
			}
			// Zero shares deletes the row, keeping one-row-per-outcome
			// meaningful for "has position" checks.
			if position.Closed(next) {
				if err := tx.DeletePosition(ctx, p.UserID, p.MarketID, p.OutcomeID); err != nil {
					return err
				}
			} else if err := tx.SavePosition(ctx, &next); err != nil {
				return err
			}
		}

		// Balance transfer.
		entryType := model.TxBetSold
		entryAmount := cash
		if p.Side == model.SideBuy {
			user.Balance = user.Balance.Sub(cash)
			user.TotalInvested = user.TotalInvested.Add(cash)
			entryType = model.TxBetPlaced
			entryAmount = cash.Neg()
		} else {
			user.Balance = user.Balance.Add(cash)
		}
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}

		market.Volume = market.Volume.Add(cash)
		if err := tx.SaveMarket(ctx, market); err != nil {
			return err
		}

		return tx.InsertTransaction(ctx, &model.Transaction{
			ID:          uuid.New().String(),
			UserID:      p.UserID,
			Type:        entryType,
			Amount:      entryAmount,
			MarketID:    &p.MarketID,
			Description: fmt.Sprintf("%s %s %s", p.Side, shares.String(), outcome.Name),
			CreatedAt:   now,
		})
	})
	if err != nil {
		metrics.BetRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	metrics.BetsTotal.WithLabelValues(p.Side).Inc()
	slog.Info("bet settled",
		"bet_id", bet.ID,
		"user", p.UserID,
		"market", p.MarketID,
		"side", p.Side,
		"amount", bet.Amount.String(),
		"shares", bet.Shares.String(),
		"price", bet.Price.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:      "bet_settled",
			MarketID:  p.MarketID,
			OutcomeID: p.OutcomeID,
			Side:      p.Side,
			Amount:    bet.Amount.String(),
			Shares:    bet.Shares.String(),
		})
	}
	return bet, nil
}

// ResolveMarket declares the winning outcome and pays every holder of
// winning shares exactly one currency unit per share, all in one
// transaction. Losing positions are left untouched. Calling it again on
// a resolved market yields ErrAlreadyResolved with no state change.
func (s *Service) ResolveMarket(ctx context.Context, marketID, winningOutcomeID string) error {
	payouts := 0
	total := decimal.Zero

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		market, err := tx.MarketForUpdate(ctx, marketID)
		if err != nil {
			return fmt.Errorf("market %s: %w", marketID, err)
		}
		if market.Status == model.MarketResolved {
			return model.ErrAlreadyResolved
		}
		if market.Status == model.MarketCancelled {
			return model.ErrMarketNotActive
		}
		outcome, err := tx.Outcome(ctx, winningOutcomeID)
		if err != nil || outcome.MarketID != market.ID {
			return fmt.Errorf("outcome %s: %w", winningOutcomeID, model.ErrNotFound)
		}

		now := s.now()
		market.Status = model.MarketResolved
		market.Resolution = &winningOutcomeID
		market.ResolvedAt = &now
		if err := tx.SaveMarket(ctx, market); err != nil {
			return err
		}

		positions, err := tx.PositionsByOutcomeForUpdate(ctx, marketID, winningOutcomeID)
		if err != nil {
			return err
		}
		for _, pos := range positions {
			if !pos.Shares.IsPositive() {
				continue
			}
			holder, err := tx.UserForUpdate(ctx, pos.UserID)
			if err != nil {
				return fmt.Errorf("payout user %s: %w", pos.UserID, err)
			}
			// 1:1 payout: one currency unit per winning share.
			holder.Balance = holder.Balance.Add(pos.Shares)
			holder.TotalWinnings = holder.TotalWinnings.Add(pos.Shares)
			if err := tx.SaveUser(ctx, holder); err != nil {
				return err
			}
			if err := tx.InsertTransaction(ctx, &model.Transaction{
				ID:          uuid.New().String(),
				UserID:      pos.UserID,
				Type:        model.TxMarketPayout,
				Amount:      pos.Shares,
				MarketID:    &marketID,
				Description: fmt.Sprintf("payout %s %s", pos.Shares.String(), outcome.Name),
				CreatedAt:   now,
			}); err != nil {
				return err
			}
			payouts++
			total = total.Add(pos.Shares)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.ResolutionsTotal.Inc()
	metrics.PayoutTotal.Add(total.InexactFloat64())
	slog.Info("market resolved",
		"market", marketID,
		"winning_outcome", winningOutcomeID,
		"holders_paid", payouts,
		"total_payout", total.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:      "market_resolved",
			MarketID:  marketID,
			OutcomeID: winningOutcomeID,
			Amount:    total.String(),
		})
	}
	return nil
}

// Positions returns a user's holdings with mark-to-market value and
// P&L. marketID == "" returns positions across all markets.
func (s *Service) Positions(ctx context.Context, userID, marketID string) ([]model.PositionView, error) {
	views, err := s.store.ListPositions(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []model.PositionView{}
	}
	return views, nil
}

// Deposit credits a user's balance and records a DEPOSIT ledger entry.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.User, error) {
	return s.adjustBalance(ctx, userID, amount, model.TxDeposit)
}

// Withdraw debits a user's balance, rejecting with ErrInsufficientBalance
// when the amount exceeds it, and records a WITHDRAWAL ledger entry.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.User, error) {
	return s.adjustBalance(ctx, userID, amount, model.TxWithdrawal)
}

func (s *Service) adjustBalance(ctx context.Context, userID string, amount decimal.Decimal, entryType string) (*model.User, error) {
	if !amount.IsPositive() {
		return nil, pricing.ErrNonPositiveAmount
	}

	var out *model.User
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		user, err := tx.UserForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("user %s: %w", userID, err)
		}

		signed := amount
		if entryType == model.TxWithdrawal {
			if user.Balance.LessThan(amount) {
				return model.ErrInsufficientBalance
			}
			user.Balance = user.Balance.Sub(amount)
			signed = amount.Neg()
		} else {
			user.Balance = user.Balance.Add(amount)
		}
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}
		out = user

		return tx.InsertTransaction(ctx, &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      entryType,
			Amount:    signed,
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OutcomeSpec describes one outcome at market creation.
type OutcomeSpec struct {
	Name        string          `json:"name"`
	Probability decimal.Decimal `json:"probability"`
}

// CreateMarket creates an ACTIVE market with the given outcomes. Each
// probability must lie in (0,1); they are not required to sum to 1.
func (s *Service) CreateMarket(ctx context.Context, question string, specs []OutcomeSpec) (*model.Market, []model.Outcome, error) {
	if question == "" {
		return nil, nil, errors.New("question is required")
	}
	if len(specs) < 2 {
		return nil, nil, errors.New("a market needs at least two outcomes")
	}

	market := &model.Market{
		ID:        uuid.New().String(),
		Question:  question,
		Status:    model.MarketActive,
		Volume:    decimal.Zero,
		CreatedAt: s.now(),
	}
	outcomes := make([]model.Outcome, 0, len(specs))
	for _, spec := range specs {
		if !pricing.ValidProbability(spec.Probability) {
			return nil, nil, fmt.Errorf("outcome %q: %w", spec.Name, pricing.ErrInvalidProbability)
		}
		outcomes = append(outcomes, model.Outcome{
			ID:          uuid.New().String(),
			MarketID:    market.ID,
			Name:        spec.Name,
			Probability: spec.Probability,
		})
	}

	if err := s.store.CreateMarket(ctx, market, outcomes); err != nil {
		return nil, nil, err
	}
	metrics.MarketsCreated.Inc()
	slog.Info("market created", "market", market.ID, "question", question, "outcomes", len(outcomes))
	return market, outcomes, nil
}

// CreateUser creates an account with the given starting balance.
func (s *Service) CreateUser(ctx context.Context, initialBalance decimal.Decimal) (*model.User, error) {
	if initialBalance.IsNegative() {
		return nil, errors.New("initial balance cannot be negative")
	}
	user := &model.User{
		ID:            uuid.New().String(),
		Balance:       initialBalance,
		TotalInvested: decimal.Zero,
		TotalWinnings: decimal.Zero,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// CloseMarket transitions an ACTIVE market to CLOSED, stopping trades
// while leaving it resolvable.
func (s *Service) CloseMarket(ctx context.Context, marketID string) error {
	return s.transition(ctx, marketID, model.MarketClosed, func(status string) error {
		if status != model.MarketActive {
			return model.ErrMarketNotActive
		}
		return nil
	})
}

// CancelMarket transitions an ACTIVE or CLOSED market to CANCELLED, a
// terminal state. No refund pass runs; cascade cleanup of bets and
// positions is an administrative operation outside the core.
func (s *Service) CancelMarket(ctx context.Context, marketID string) error {
	return s.transition(ctx, marketID, model.MarketCancelled, func(status string) error {
		if status != model.MarketActive && status != model.MarketClosed {
			return model.ErrMarketNotActive
		}
		return nil
	})
}

func (s *Service) transition(ctx context.Context, marketID, next string, check func(status string) error) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		market, err := tx.MarketForUpdate(ctx, marketID)
		if err != nil {
			return fmt.Errorf("market %s: %w", marketID, err)
		}
		if market.Status == model.MarketResolved {
			return model.ErrAlreadyResolved
		}
		if err := check(market.Status); err != nil {
			return err
		}
		market.Status = next
		return tx.SaveMarket(ctx, market)
	})
}

// UpdateProbability sets an outcome's quoted price. This and market
// creation are the only probability writers — trades never move it.
func (s *Service) UpdateProbability(ctx context.Context, outcomeID string, p decimal.Decimal) error {
	if !pricing.ValidProbability(p) {
		return pricing.ErrInvalidProbability
	}
	return s.store.UpdateOutcomeProbability(ctx, outcomeID, p)
}

// rejectionReason maps settlement errors to a bounded metric label set.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, model.ErrMarketNotActive):
		return "market_not_active"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "other"
	}
}
