package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/prediq/settlement-engine/internal/model"
	"github.com/prediq/settlement-engine/internal/pricing"
)

// --- Request types ---

// CreateUserRequest is the JSON body for POST /api/v1/users.
type CreateUserRequest struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// CreateMarketRequest is the JSON body for POST /api/v1/markets.
type CreateMarketRequest struct {
	Question string        `json:"question"`
	Outcomes []OutcomeSpec `json:"outcomes"`
}

// PlaceBetRequest is the JSON body for POST /api/v1/bets. Amount is
// cash for a BUY and a share quantity for a SELL.
type PlaceBetRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Side      string          `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
}

// ResolveRequest is the JSON body for POST /api/v1/markets/{id}/resolve.
type ResolveRequest struct {
	OutcomeID string `json:"outcome_id"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ProbabilityRequest is the JSON body for probability edits.
type ProbabilityRequest struct {
	Probability decimal.Decimal `json:"probability"`
}

// MarketResponse bundles a market with its outcomes.
type MarketResponse struct {
	Market   *model.Market   `json:"market"`
	Outcomes []model.Outcome `json:"outcomes"`
}

// --- Handlers ---

// HandleCreateUser handles POST /api/v1/users.
func (s *Service) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.CreateUser(r.Context(), req.InitialBalance)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// HandleGetUser handles GET /api/v1/users/{userID}.
func (s *Service) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleDeposit handles POST /api/v1/users/{userID}/deposit.
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceChange(w, r, s.Deposit)
}

// HandleWithdraw handles POST /api/v1/users/{userID}/withdraw.
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceChange(w, r, s.Withdraw)
}

func (s *Service) handleBalanceChange(
	w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, userID string, amount decimal.Decimal) (*model.User, error),
) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := op(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandlePositions handles GET /api/v1/users/{userID}/positions.
func (s *Service) HandlePositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	marketID := r.URL.Query().Get("market_id")

	views, err := s.Positions(r.Context(), userID, marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleTransactions handles GET /api/v1/users/{userID}/transactions —
// the activity feed read over the append-only ledger.
func (s *Service) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListTransactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleBetsByUser handles GET /api/v1/users/{userID}/bets.
func (s *Service) HandleBetsByUser(w http.ResponseWriter, r *http.Request) {
	bets, err := s.store.ListBetsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// HandleCreateMarket handles POST /api/v1/markets.
func (s *Service) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, outcomes, err := s.CreateMarket(r.Context(), req.Question, req.Outcomes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, MarketResponse{Market: market, Outcomes: outcomes})
}

// HandleListMarkets handles GET /api/v1/markets.
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// HandleGetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	outcomes, err := s.store.ListOutcomes(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MarketResponse{Market: market, Outcomes: outcomes})
}

// HandlePlaceBet handles POST /api/v1/bets.
func (s *Service) HandlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.MarketID == "" || req.OutcomeID == "" {
		writeError(w, "user_id, market_id, and outcome_id are required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}

	bet, err := s.PlaceBet(r.Context(), PlaceBetParams{
		UserID:    req.UserID,
		MarketID:  req.MarketID,
		OutcomeID: req.OutcomeID,
		Side:      req.Side,
		Amount:    req.Amount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

// HandleResolveMarket handles POST /api/v1/markets/{marketID}/resolve.
// Admin-only: the capability check happens here at the boundary, never
// inside the settlement logic.
func (s *Service) HandleResolveMarket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(callerID(r)) {
		writeError(w, "not authorized to resolve markets", http.StatusForbidden)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OutcomeID == "" {
		writeError(w, "outcome_id is required", http.StatusBadRequest)
		return
	}

	if err := s.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), req.OutcomeID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// HandleCloseMarket handles POST /api/v1/markets/{marketID}/close.
func (s *Service) HandleCloseMarket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(callerID(r)) {
		writeError(w, "not authorized", http.StatusForbidden)
		return
	}
	if err := s.CloseMarket(r.Context(), chi.URLParam(r, "marketID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// HandleCancelMarket handles POST /api/v1/markets/{marketID}/cancel.
func (s *Service) HandleCancelMarket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(callerID(r)) {
		writeError(w, "not authorized", http.StatusForbidden)
		return
	}
	if err := s.CancelMarket(r.Context(), chi.URLParam(r, "marketID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// HandleUpdateProbability handles PUT /api/v1/outcomes/{outcomeID}/probability.
func (s *Service) HandleUpdateProbability(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(callerID(r)) {
		writeError(w, "not authorized", http.StatusForbidden)
		return
	}

	var req ProbabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.UpdateProbability(r.Context(), chi.URLParam(r, "outcomeID"), req.Probability); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// callerID extracts the caller identity the API layer forwards. The
// token is pre-validated upstream; here it only feeds the capability
// check.
func callerID(r *http.Request) string {
	return r.Header.Get("X-Admin-Token")
}

// --- Response helpers ---

// writeDomainError maps the settlement error taxonomy onto HTTP status
// codes for the API layer.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrMarketNotActive),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInsufficientShares):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrConcurrencyConflict):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, pricing.ErrInvalidProbability),
		errors.Is(err, pricing.ErrNonPositiveAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
