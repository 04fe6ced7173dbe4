package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/prediq/settlement-engine/internal/model"
	"github.com/prediq/settlement-engine/internal/pricing"
	"github.com/prediq/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	svc   *Service
	store store.Store
	ctx   context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	return &testEnv{
		svc:   NewService(ms, func(token string) bool { return token == "test-admin" }, nil),
		store: ms,
		ctx:   context.Background(),
	}
}

func (e *testEnv) user(t *testing.T, balance float64) *model.User {
	t.Helper()
	u, err := e.svc.CreateUser(e.ctx, d(balance))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// market creates an ACTIVE market with YES at the given probability and
// NO at its complement, returning the market and the YES/NO outcomes.
func (e *testEnv) market(t *testing.T, pYes float64) (*model.Market, model.Outcome, model.Outcome) {
	t.Helper()
	m, outcomes, err := e.svc.CreateMarket(e.ctx, "Will it rain tomorrow?", []OutcomeSpec{
		{Name: "YES", Probability: d(pYes)},
		{Name: "NO", Probability: d(1 - pYes)},
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return m, outcomes[0], outcomes[1]
}

func (e *testEnv) mustGetUser(t *testing.T, id string) *model.User {
	t.Helper()
	u, err := e.store.GetUser(e.ctx, id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u
}

func (e *testEnv) buy(t *testing.T, userID, marketID, outcomeID string, cash float64) *model.Bet {
	t.Helper()
	bet, err := e.svc.PlaceBet(e.ctx, PlaceBetParams{
		UserID: userID, MarketID: marketID, OutcomeID: outcomeID,
		Side: model.SideBuy, Amount: d(cash),
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	return bet
}

func TestPlaceBet_BuySellResolveScenario(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, 100)
	m, yes, _ := env.market(t, 0.5)

	// Buy 40 at p=0.5: 80 shares.
	bet := env.buy(t, u.ID, m.ID, yes.ID, 40)
	if !bet.Shares.Equal(d(80)) {
		t.Errorf("shares = %s, want 80", bet.Shares)
	}
	if !bet.Amount.Equal(d(40)) || !bet.Price.Equal(d(0.5)) {
		t.Errorf("amount/price = %s/%s, want 40/0.5", bet.Amount, bet.Price)
	}

	u2 := env.mustGetUser(t, u.ID)
	if !u2.Balance.Equal(d(60)) {
		t.Errorf("balance after buy = %s, want 60", u2.Balance)
	}
	if !u2.TotalInvested.Equal(d(40)) {
		t.Errorf("total invested = %s, want 40", u2.TotalInvested)
	}

	views, _ := env.svc.Positions(env.ctx, u.ID, "")
	if len(views) != 1 {
		t.Fatalf("expected 1 position, got %d", len(views))
	}
	pos := views[0]
	if !pos.Shares.Equal(d(80)) || !pos.Invested.Equal(d(40)) || !pos.AvgPrice.Equal(d(0.5)) {
		t.Errorf("position = %s shares / %s invested / %s avg, want 80/40/0.5",
			pos.Shares, pos.Invested, pos.AvgPrice)
	}

	// Sell 20 shares at p=0.5: proceeds 10, basis drops proportionally.
	sell, err := env.svc.PlaceBet(env.ctx, PlaceBetParams{
		UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID,
		Side: model.SideSell, Amount: d(20),
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sell.Amount.Equal(d(10)) || !sell.Shares.Equal(d(20)) {
		t.Errorf("sell amount/shares = %s/%s, want 10/20", sell.Amount, sell.Shares)
	}

	u3 := env.mustGetUser(t, u.ID)
	if !u3.Balance.Equal(d(70)) {
		t.Errorf("balance after sell = %s, want 70", u3.Balance)
	}

	views, _ = env.svc.Positions(env.ctx, u.ID, "")
	pos = views[0]
	if !pos.Shares.Equal(d(60)) || !pos.Invested.Equal(d(30)) || !pos.AvgPrice.Equal(d(0.5)) {
		t.Errorf("position after sell = %s/%s/%s, want 60/30/0.5",
			pos.Shares, pos.Invested, pos.AvgPrice)
	}

	// Volume accumulates the cash leg of both sides.
	mkt, _ := env.store.GetMarket(env.ctx, m.ID)
	if !mkt.Volume.Equal(d(50)) {
		t.Errorf("volume = %s, want 50", mkt.Volume)
	}

	// Resolve YES: 60 winning shares pay out 1:1.
	if err := env.svc.ResolveMarket(env.ctx, m.ID, yes.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	u4 := env.mustGetUser(t, u.ID)
	if !u4.Balance.Equal(d(130)) {
		t.Errorf("balance after resolution = %s, want 130", u4.Balance)
	}
	if !u4.TotalWinnings.Equal(d(60)) {
		t.Errorf("total winnings = %s, want 60", u4.TotalWinnings)
	}

	// Three ledger entries: bet, sale, payout.
	entries, _ := env.store.ListTransactions(env.ctx, u.ID)
	if len(entries) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(entries))
	}
	byType := map[string]decimal.Decimal{}
	for _, e := range entries {
		byType[e.Type] = e.Amount
	}
	if !byType[model.TxBetPlaced].Equal(d(-40)) {
		t.Errorf("BET_PLACED amount = %s, want -40", byType[model.TxBetPlaced])
	}
	if !byType[model.TxBetSold].Equal(d(10)) {
		t.Errorf("BET_SOLD amount = %s, want 10", byType[model.TxBetSold])
	}
	if !byType[model.TxMarketPayout].Equal(d(60)) {
		t.Errorf("MARKET_PAYOUT amount = %s, want 60", byType[model.TxMarketPayout])
	}
}

func TestPlaceBet_SellAllClosesPosition(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, 100)
	m, yes, _ := env.market(t, 0.5)
	env.buy(t, u.ID, m.ID, yes.ID, 40)

	_, err := env.svc.PlaceBet(env.ctx, PlaceBetParams{
		UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID,
		Side: model.SideSell, Amount: d(80),
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	views, _ := env.svc.Positions(env.ctx, u.ID, "")
	if len(views) != 0 {
		t.Errorf("expected position deleted after full sale, got %d", len(views))
	}
	if got := env.mustGetUser(t, u.ID).Balance; !got.Equal(d(100)) {
		t.Errorf("balance = %s, want 100 after round trip at constant price", got)
	}
}

func TestPlaceBet_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, 30)
	m, yes, _ := env.market(t, 0.5)

	_, err := env.svc.PlaceBet(env.ctx, PlaceBetParams{
		UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID,
		Side: model.SideBuy, Amount: d(40),
	})
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}

	// No partial effects.
	if got := env.mustGetUser(t, u.ID).Balance; !got.Equal(d(30)) {
		t.Errorf("balance = %s, want 30 unchanged", got)
	}
	if bets, _ := env.store.ListBetsByUser(env.ctx, u.ID); len(bets) != 0 {
		t.Errorf("expected no bet records, got %d", len(bets))
	}
	if entries, _ := env.store.ListTransactions(env.ctx, u.ID); len(entries) != 0 {
		t.Errorf("expected no ledger entries, got %d", len(entries))
	}
}

func TestPlaceBet_InsufficientShares(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, 100)
	m, yes, _ := env.market(t, 0.5)

	// No position at all.
	_, err := env.svc.PlaceBet(env.ctx, PlaceBetParams{
		UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID,
		Side: model.SideSell, Amount: d(10),
	})
	if !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("error = %v, want ErrInsufficientShares", err)
	}

	// Holding fewer shares than the sale asks for.
	env.buy(t, u.ID, m.ID, yes.ID, 40) // 80 shares
	_, err = env.svc.PlaceBet(env.ctx, PlaceBetParams{
		UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID,
		Side: model.SideSell, Amount: d(81),
	})
	if !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("error = %v, want ErrInsufficientShares", err)
	}

	views, _ := env.svc.Positions(env.ctx, u.ID, "")
	if len(views) != 1 || !views[0].Shares.Equal(d(80)) {
		t.Errorf("position mutated by rejected oversell: %+v", views)
	}
	if got := env.mustGetUser(t, u.ID).Balance; !got.Equal(d(60)) {
		t.Errorf("balance = %s, want 60 unchanged", got)
	}
}

func TestPlaceBet_MarketNotActive(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, 100)
	m, yes, _ := env.market(t, 0.5)

	if err := env.svc.CloseMarket(env.ctx, m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := env.svc.PlaceBet(env.ctx, PlaceBetParams{
		UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID,
		Side: model.SideBuy, Amount: d(10),
	})
	if !errors.Is(err, model.ErrMarketNotActive) {
		t.Errorf("error on closed market = %v, want ErrMarketNotActive", err)
	}
}

func TestPlaceBet_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, 100)
	m, yes, _ := env.market(t, 0.5)
	_, yes2, _ := env.market(t, 0.3)

	tests := []struct {
		name   string
		params PlaceBetParams
		want   error
	}{
		{
			name:   "unknown user",
			params: PlaceBetParams{UserID: "nope", MarketID: m.ID, OutcomeID: yes.ID, Side: model.SideBuy, Amount: d(10)},
			want:   model.ErrNotFound,
		},
		{
			name:   "unknown market",
			params: PlaceBetParams{UserID: u.ID, MarketID: "nope", OutcomeID: yes.ID, Side: model.SideBuy, Amount: d(10)},
			want:   model.ErrNotFound,
		},
		{
			name:   "outcome from another market",
			params: PlaceBetParams{UserID: u.ID, MarketID: m.ID, OutcomeID: yes2.ID, Side: model.SideBuy, Amount: d(10)},
			want:   model.ErrNotFound,
		},
		{
			name:   "zero amount",
			params: PlaceBetParams{UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID, Side: model.SideBuy, Amount: decimal.Zero},
			want:   pricing.ErrNonPositiveAmount,
		},
		{
			name:   "negative amount",
			params: PlaceBetParams{UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID, Side: model.SideSell, Amount: d(-5)},
			want:   pricing.ErrNonPositiveAmount,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.PlaceBet(env.ctx, tt.params)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := env.svc.PlaceBet(env.ctx, PlaceBetParams{
		UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID, Side: "HOLD", Amount: d(10),
	}); err == nil {
		t.Error("expected error for invalid side")
	}
}

func TestResolveMarket_PaysWinnersOnly(t *testing.T) {
	env := newTestEnv(t)
	winner := env.user(t, 100)
	winner2 := env.user(t, 100)
	loser := env.user(t, 100)
	m, yes, no := env.market(t, 0.5)

	env.buy(t, winner.ID, m.ID, yes.ID, 40)  // 80 YES shares
	env.buy(t, winner2.ID, m.ID, yes.ID, 10) // 20 YES shares
	env.buy(t, loser.ID, m.ID, no.ID, 40)    // 80 NO shares

	if err := env.svc.ResolveMarket(env.ctx, m.ID, yes.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if got := env.mustGetUser(t, winner.ID).Balance; !got.Equal(d(140)) {
		t.Errorf("winner balance = %s, want 140", got)
	}
	if got := env.mustGetUser(t, winner2.ID).Balance; !got.Equal(d(110)) {
		t.Errorf("second winner balance = %s, want 110", got)
	}
	if got := env.mustGetUser(t, loser.ID).Balance; !got.Equal(d(60)) {
		t.Errorf("loser balance = %s, want 60 (no payout)", got)
	}

	mkt, _ := env.store.GetMarket(env.ctx, m.ID)
	if mkt.Status != model.MarketResolved {
		t.Errorf("status = %s, want RESOLVED", mkt.Status)
	}
	if mkt.Resolution == nil || *mkt.Resolution != yes.ID {
		t.Errorf("resolution = %v, want %s", mkt.Resolution, yes.ID)
	}
	if mkt.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}
}

func TestResolveMarket_SecondCallHasNoEffect(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, 100)
	m, yes, _ := env.market(t, 0.5)
	env.buy(t, u.ID, m.ID, yes.ID, 40)

	if err := env.svc.ResolveMarket(env.ctx, m.ID, yes.ID); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	after := env.mustGetUser(t, u.ID).Balance

	err := env.svc.ResolveMarket(env.ctx, m.ID, yes.ID)
	if !errors.Is(err, model.ErrAlreadyResolved) {
		t.Fatalf("second resolve error = %v, want ErrAlreadyResolved", err)
	}
	if got := env.mustGetUser(t, u.ID).Balance; !got.Equal(after) {
		t.Errorf("balance moved on repeated resolution: %s -> %s", after, got)
	}

	entries, _ := env.store.ListTransactions(env.ctx, u.ID)
	payouts := 0
	for _, e := range entries {
		if e.Type == model.TxMarketPayout {
			payouts++
		}
	}
	if payouts != 1 {
		t.Errorf("expected exactly 1 payout entry, got %d", payouts)
	}
}

func TestResolveMarket_InvalidTargets(t *testing.T) {
	env := newTestEnv(t)
	m, yes, _ := env.market(t, 0.5)
	_, yes2, _ := env.market(t, 0.5)

	if err := env.svc.ResolveMarket(env.ctx, "nope", yes.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown market error = %v, want ErrNotFound", err)
	}
	if err := env.svc.ResolveMarket(env.ctx, m.ID, yes2.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign outcome error = %v, want ErrNotFound", err)
	}

	if err := env.svc.CancelMarket(env.ctx, m.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := env.svc.ResolveMarket(env.ctx, m.ID, yes.ID); !errors.Is(err, model.ErrMarketNotActive) {
		t.Errorf("cancelled market error = %v, want ErrMarketNotActive", err)
	}
}

func TestResolveMarket_ClosedMarketIsResolvable(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, 100)
	m, yes, _ := env.market(t, 0.5)
	env.buy(t, u.ID, m.ID, yes.ID, 40)

	if err := env.svc.CloseMarket(env.ctx, m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := env.svc.ResolveMarket(env.ctx, m.ID, yes.ID); err != nil {
		t.Fatalf("resolve after close: %v", err)
	}
	if got := env.mustGetUser(t, u.ID).Balance; !got.Equal(d(140)) {
		t.Errorf("balance = %s, want 140", got)
	}
}

func TestMarketTransitions(t *testing.T) {
	env := newTestEnv(t)
	m, _, _ := env.market(t, 0.5)

	// close: ACTIVE -> CLOSED only.
	if err := env.svc.CloseMarket(env.ctx, m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := env.svc.CloseMarket(env.ctx, m.ID); !errors.Is(err, model.ErrMarketNotActive) {
		t.Errorf("re-close error = %v, want ErrMarketNotActive", err)
	}

	// cancel: CLOSED is still cancellable.
	if err := env.svc.CancelMarket(env.ctx, m.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	mkt, _ := env.store.GetMarket(env.ctx, m.ID)
	if mkt.Status != model.MarketCancelled {
		t.Errorf("status = %s, want CANCELLED", mkt.Status)
	}
	if err := env.svc.CancelMarket(env.ctx, m.ID); !errors.Is(err, model.ErrMarketNotActive) {
		t.Errorf("re-cancel error = %v, want ErrMarketNotActive", err)
	}

	// A resolved market is terminal for both transitions.
	m2, yes2, _ := env.market(t, 0.5)
	if err := env.svc.ResolveMarket(env.ctx, m2.ID, yes2.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := env.svc.CloseMarket(env.ctx, m2.ID); !errors.Is(err, model.ErrAlreadyResolved) {
		t.Errorf("close resolved error = %v, want ErrAlreadyResolved", err)
	}
	if err := env.svc.CancelMarket(env.ctx, m2.ID); !errors.Is(err, model.ErrAlreadyResolved) {
		t.Errorf("cancel resolved error = %v, want ErrAlreadyResolved", err)
	}
}

func TestDepositWithdraw(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, 50)

	after, err := env.svc.Deposit(env.ctx, u.ID, d(25))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !after.Balance.Equal(d(75)) {
		t.Errorf("balance = %s, want 75", after.Balance)
	}

	after, err = env.svc.Withdraw(env.ctx, u.ID, d(70))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !after.Balance.Equal(d(5)) {
		t.Errorf("balance = %s, want 5", after.Balance)
	}

	if _, err := env.svc.Withdraw(env.ctx, u.ID, d(6)); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Errorf("over-withdrawal error = %v, want ErrInsufficientBalance", err)
	}
	if _, err := env.svc.Deposit(env.ctx, u.ID, decimal.Zero); !errors.Is(err, pricing.ErrNonPositiveAmount) {
		t.Errorf("zero deposit error = %v, want ErrNonPositiveAmount", err)
	}

	entries, _ := env.store.ListTransactions(env.ctx, u.ID)
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	byType := map[string]decimal.Decimal{}
	for _, e := range entries {
		byType[e.Type] = e.Amount
	}
	if !byType[model.TxDeposit].Equal(d(25)) {
		t.Errorf("DEPOSIT amount = %s, want 25", byType[model.TxDeposit])
	}
	if !byType[model.TxWithdrawal].Equal(d(-70)) {
		t.Errorf("WITHDRAWAL amount = %s, want -70", byType[model.TxWithdrawal])
	}
}

func TestUpdateProbability_ChangesPricing(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, 100)
	m, yes, _ := env.market(t, 0.5)

	if err := env.svc.UpdateProbability(env.ctx, yes.ID, d(0.8)); err != nil {
		t.Fatalf("update probability: %v", err)
	}
	bet := env.buy(t, u.ID, m.ID, yes.ID, 40)
	if !bet.Shares.Equal(d(50)) {
		t.Errorf("shares at p=0.8 = %s, want 50", bet.Shares)
	}

	if err := env.svc.UpdateProbability(env.ctx, yes.ID, d(1.0)); !errors.Is(err, pricing.ErrInvalidProbability) {
		t.Errorf("p=1 error = %v, want ErrInvalidProbability", err)
	}
	if err := env.svc.UpdateProbability(env.ctx, yes.ID, decimal.Zero); !errors.Is(err, pricing.ErrInvalidProbability) {
		t.Errorf("p=0 error = %v, want ErrInvalidProbability", err)
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.svc.CreateMarket(env.ctx, "", []OutcomeSpec{
		{Name: "YES", Probability: d(0.5)}, {Name: "NO", Probability: d(0.5)},
	}); err == nil {
		t.Error("expected error for empty question")
	}
	if _, _, err := env.svc.CreateMarket(env.ctx, "q", []OutcomeSpec{
		{Name: "YES", Probability: d(0.5)},
	}); err == nil {
		t.Error("expected error for single outcome")
	}
	if _, _, err := env.svc.CreateMarket(env.ctx, "q", []OutcomeSpec{
		{Name: "YES", Probability: d(1.2)}, {Name: "NO", Probability: d(0.5)},
	}); !errors.Is(err, pricing.ErrInvalidProbability) {
		t.Errorf("error = %v, want ErrInvalidProbability", err)
	}
}

// --- Atomicity under injected write failures ---

var errInjected = errors.New("injected write failure")

// failingStore passes through to the wrapped store but makes SaveUser
// fail inside transactions, after earlier writes in the same unit have
// already run.
type failingStore struct {
	store.Store
	arm bool
}

func (f *failingStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		if f.arm {
			tx = &failingTx{Tx: tx}
		}
		return fn(tx)
	})
}

type failingTx struct {
	store.Tx
}

func (t *failingTx) SaveUser(context.Context, *model.User) error {
	return errInjected
}

func TestPlaceBet_RollsBackOnWriteFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &failingStore{Store: ms}
	svc := NewService(fs, nil, nil)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, d(100))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	m, outcomes, err := svc.CreateMarket(ctx, "q", []OutcomeSpec{
		{Name: "YES", Probability: d(0.5)}, {Name: "NO", Probability: d(0.5)},
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	yes := outcomes[0]

	// The bet insert and position save succeed before SaveUser fails;
	// none of them may survive.
	fs.arm = true
	_, err = svc.PlaceBet(ctx, PlaceBetParams{
		UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID,
		Side: model.SideBuy, Amount: d(40),
	})
	if !errors.Is(err, errInjected) {
		t.Fatalf("error = %v, want injected failure", err)
	}
	fs.arm = false

	u2, _ := ms.GetUser(ctx, u.ID)
	if !u2.Balance.Equal(d(100)) {
		t.Errorf("balance = %s, want 100 after rollback", u2.Balance)
	}
	if bets, _ := ms.ListBetsByUser(ctx, u.ID); len(bets) != 0 {
		t.Errorf("bet record survived rollback: %d", len(bets))
	}
	if views, _ := ms.ListPositions(ctx, u.ID, ""); len(views) != 0 {
		t.Errorf("position survived rollback: %d", len(views))
	}
	mkt, _ := ms.GetMarket(ctx, m.ID)
	if !mkt.Volume.IsZero() {
		t.Errorf("volume = %s, want 0 after rollback", mkt.Volume)
	}
}

func TestResolveMarket_RollsBackOnWriteFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &failingStore{Store: ms}
	svc := NewService(fs, nil, nil)
	ctx := context.Background()

	u, _ := svc.CreateUser(ctx, d(100))
	m, outcomes, _ := svc.CreateMarket(ctx, "q", []OutcomeSpec{
		{Name: "YES", Probability: d(0.5)}, {Name: "NO", Probability: d(0.5)},
	})
	yes := outcomes[0]
	if _, err := svc.PlaceBet(ctx, PlaceBetParams{
		UserID: u.ID, MarketID: m.ID, OutcomeID: yes.ID,
		Side: model.SideBuy, Amount: d(40),
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	fs.arm = true
	err := svc.ResolveMarket(ctx, m.ID, yes.ID)
	if !errors.Is(err, errInjected) {
		t.Fatalf("error = %v, want injected failure", err)
	}
	fs.arm = false

	// The status flip rolled back with the payout; a retry succeeds.
	mkt, _ := ms.GetMarket(ctx, m.ID)
	if mkt.Status != model.MarketActive {
		t.Errorf("status = %s, want ACTIVE after rollback", mkt.Status)
	}
	if err := svc.ResolveMarket(ctx, m.ID, yes.ID); err != nil {
		t.Fatalf("retry resolve: %v", err)
	}
	u2, _ := ms.GetUser(ctx, u.ID)
	if !u2.Balance.Equal(d(140)) {
		t.Errorf("balance after retry = %s, want 140", u2.Balance)
	}
}
