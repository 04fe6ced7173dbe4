package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/prediq/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized under one mutex and run against a deep
// copy of the state; the copy is swapped in only when fn succeeds, so
// rollback is a no-op discard.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

type posKey struct {
	userID, marketID, outcomeID string
}

type memState struct {
	users     map[string]model.User
	markets   map[string]model.Market
	outcomes  map[string]model.Outcome
	positions map[posKey]model.Position
	bets      []model.Bet
	ledger    []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		users:     make(map[string]model.User),
		markets:   make(map[string]model.Market),
		outcomes:  make(map[string]model.Outcome),
		positions: make(map[posKey]model.Position),
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:     make(map[string]model.User, len(s.users)),
		markets:   make(map[string]model.Market, len(s.markets)),
		outcomes:  make(map[string]model.Outcome, len(s.outcomes)),
		positions: make(map[posKey]model.Position, len(s.positions)),
		bets:      append([]model.Bet(nil), s.bets...),
		ledger:    append([]model.Transaction(nil), s.ledger...),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.markets {
		c.markets[k] = v
	}
	for k, v := range s.outcomes {
		c.outcomes[k] = v
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	return c
}

// InTx runs fn against a copy of the state and swaps it in on success.
func (s *MemoryStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// --- Admin / seed writes ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	s.st.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, outcomes []model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	s.st.markets[m.ID] = *m
	for _, o := range outcomes {
		s.st.outcomes[o.ID] = o
	}
	return nil
}

func (s *MemoryStore) UpdateOutcomeProbability(_ context.Context, outcomeID string, p decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.st.outcomes[outcomeID]
	if !ok {
		return model.ErrNotFound
	}
	o.Probability = p
	s.st.outcomes[outcomeID] = o
	return nil
}

// --- Reads ---

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.st.users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.st.markets[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.st.markets))
	for _, m := range s.st.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetOutcome(_ context.Context, id string) (*model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.st.outcomes[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) ListOutcomes(_ context.Context, marketID string) ([]model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var outcomes []model.Outcome
	for _, o := range s.st.outcomes {
		if o.MarketID == marketID {
			outcomes = append(outcomes, o)
		}
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Name < outcomes[j].Name })
	return outcomes, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID, marketID string) ([]model.PositionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var views []model.PositionView
	for k, p := range s.st.positions {
		if k.userID != userID {
			continue
		}
		if marketID != "" && k.marketID != marketID {
			continue
		}
		o := s.st.outcomes[k.outcomeID]
		value := p.Shares.Mul(o.Probability)
		views = append(views, model.PositionView{
			Position:     p,
			OutcomeName:  o.Name,
			Probability:  o.Probability,
			CurrentValue: value,
			PnL:          value.Sub(p.Invested),
		})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].MarketID != views[j].MarketID {
			return views[i].MarketID < views[j].MarketID
		}
		return views[i].OutcomeID < views[j].OutcomeID
	})
	return views, nil
}

func (s *MemoryStore) ListBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []model.Bet
	for _, b := range s.st.bets {
		if b.UserID == userID {
			bets = append(bets, b)
		}
	}
	return bets, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.Transaction
	for _, t := range s.st.ledger {
		if t.UserID == userID {
			entries = append(entries, t)
		}
	}
	return entries, nil
}

// --- Transaction view ---

// memTx mutates the working copy owned by one InTx call. The store
// mutex is held for the whole transaction, so locked reads are plain
// reads here and conflicts cannot occur.
type memTx struct {
	st *memState
}

func (t *memTx) UserForUpdate(_ context.Context, id string) (*model.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &u, nil
}

func (t *memTx) MarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.st.markets[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &m, nil
}

func (t *memTx) Outcome(_ context.Context, id string) (*model.Outcome, error) {
	o, ok := t.st.outcomes[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &o, nil
}

func (t *memTx) PositionForUpdate(_ context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	p, ok := t.st.positions[posKey{userID, marketID, outcomeID}]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) PositionsByOutcomeForUpdate(_ context.Context, marketID, outcomeID string) ([]model.Position, error) {
	var positions []model.Position
	for k, p := range t.st.positions {
		if k.marketID == marketID && k.outcomeID == outcomeID {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].UserID < positions[j].UserID })
	return positions, nil
}

func (t *memTx) InsertBet(_ context.Context, b *model.Bet) error {
	t.st.bets = append(t.st.bets, *b)
	return nil
}

func (t *memTx) SavePosition(_ context.Context, p *model.Position) error {
	t.st.positions[posKey{p.UserID, p.MarketID, p.OutcomeID}] = *p
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, userID, marketID, outcomeID string) error {
	delete(t.st.positions, posKey{userID, marketID, outcomeID})
	return nil
}

func (t *memTx) SaveUser(_ context.Context, u *model.User) error {
	if _, ok := t.st.users[u.ID]; !ok {
		return model.ErrNotFound
	}
	t.st.users[u.ID] = *u
	return nil
}

func (t *memTx) SaveMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.st.markets[m.ID]; !ok {
		return model.ErrNotFound
	}
	t.st.markets[m.ID] = *m
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	t.st.ledger = append(t.st.ledger, *tr)
	return nil
}
