package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/prediq/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for market and position reads. Writes go to the
// primary; keys for the rows a committed transaction touched are
// invalidated afterwards, so a cache entry can never outlive the state
// it was derived from by more than one commit.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// InTx delegates to the primary store and, after a successful commit,
// drops the cache keys for every user and market the transaction wrote.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{
		users:   make(map[string]struct{}),
		markets: make(map[string]struct{}),
	}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}

	var keys []string
	for id := range rec.users {
		keys = append(keys, positionsKey(id))
	}
	for id := range rec.markets {
		keys = append(keys, marketKey(id), outcomesKey(id))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market, outcomes []model.Outcome) error {
	if err := s.primary.CreateMarket(ctx, m, outcomes); err != nil {
		return err
	}
	s.cacheJSON(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) UpdateOutcomeProbability(ctx context.Context, outcomeID string, p decimal.Decimal) error {
	if err := s.primary.UpdateOutcomeProbability(ctx, outcomeID, p); err != nil {
		return err
	}
	// A probability edit changes every derived position value; drop the
	// outcome's market keys rather than chasing per-user entries.
	if o, err := s.primary.GetOutcome(ctx, outcomeID); err == nil {
		s.rdb.Del(ctx, marketKey(o.MarketID), outcomesKey(o.MarketID))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketKey(id), m)
	return m, nil
}

func (s *CachedStore) ListOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	data, err := s.rdb.Get(ctx, outcomesKey(marketID)).Bytes()
	if err == nil {
		var outcomes []model.Outcome
		if json.Unmarshal(data, &outcomes) == nil {
			return outcomes, nil
		}
	}

	outcomes, err := s.primary.ListOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, outcomesKey(marketID), outcomes)
	return outcomes, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID, marketID string) ([]model.PositionView, error) {
	// Only the unfiltered list is cached; market-scoped queries pass
	// through to keep the invalidation surface to one key per user.
	if marketID != "" {
		return s.primary.ListPositions(ctx, userID, marketID)
	}

	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var views []model.PositionView
		if json.Unmarshal(data, &views) == nil {
			return views, nil
		}
	}

	views, err := s.primary.ListPositions(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionsKey(userID), views)
	return views, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetOutcome(ctx context.Context, id string) (*model.Outcome, error) {
	return s.primary.GetOutcome(ctx, id)
}

func (s *CachedStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.primary.ListBetsByUser(ctx, userID)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, userID)
}

// --- Helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// recordingTx forwards every call to the wrapped Tx while noting which
// users and markets were written, for post-commit invalidation.
type recordingTx struct {
	Tx
	users   map[string]struct{}
	markets map[string]struct{}
}

func (r *recordingTx) InsertBet(ctx context.Context, b *model.Bet) error {
	r.users[b.UserID] = struct{}{}
	r.markets[b.MarketID] = struct{}{}
	return r.Tx.InsertBet(ctx, b)
}

func (r *recordingTx) SavePosition(ctx context.Context, p *model.Position) error {
	r.users[p.UserID] = struct{}{}
	r.markets[p.MarketID] = struct{}{}
	return r.Tx.SavePosition(ctx, p)
}

func (r *recordingTx) DeletePosition(ctx context.Context, userID, marketID, outcomeID string) error {
	r.users[userID] = struct{}{}
	r.markets[marketID] = struct{}{}
	return r.Tx.DeletePosition(ctx, userID, marketID, outcomeID)
}

func (r *recordingTx) SaveUser(ctx context.Context, u *model.User) error {
	r.users[u.ID] = struct{}{}
	return r.Tx.SaveUser(ctx, u)
}

func (r *recordingTx) SaveMarket(ctx context.Context, m *model.Market) error {
	r.markets[m.ID] = struct{}{}
	return r.Tx.SaveMarket(ctx, m)
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

func outcomesKey(id string) string { return fmt.Sprintf("outcomes:%s", id) }

func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
