package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/prediq/settlement-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Concurrency control is row-level: settlement transactions lock the
// user, market, and position rows they touch with SELECT ... FOR UPDATE,
// so two concurrent trades on the same rows serialize while unrelated
// markets and users proceed in parallel.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout
// bounds how long a transaction waits for row locks; 0 waits forever.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// InitSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// mapPgError translates driver errors into the domain taxonomy.
// Lock timeouts, deadlocks, and serialization failures become
// ErrConcurrencyConflict so callers know the transaction is retryable.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %s", model.ErrConcurrencyConflict, pgErr.Code)
		}
	}
	return err
}

// InTx runs fn inside one database transaction at read-committed
// isolation with row locks taken by the ForUpdate reads.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapPgError(err)
	}
	defer pgtx.Rollback(ctx)

	if s.lockTimeout > 0 {
		if _, err := pgtx.Exec(ctx,
			fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return mapPgError(err)
		}
	}

	if err := fn(&pgTx{tx: pgtx}); err != nil {
		return err
	}
	return mapPgError(pgtx.Commit(ctx))
}

// --- Admin / seed writes ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance, total_invested, total_winnings, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)`,
		u.ID, u.Balance.String(), u.TotalInvested.String(), u.TotalWinnings.String(), u.CreatedAt,
	)
	return mapPgError(err)
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, outcomes []model.Outcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPgError(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, question, status, volume, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		m.ID, m.Question, m.Status, m.Volume.String(), m.CreatedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	for _, o := range outcomes {
		_, err := tx.Exec(ctx,
			`INSERT INTO outcomes (id, market_id, name, probability)
			 VALUES ($1, $2, $3, $4::NUMERIC)`,
			o.ID, o.MarketID, o.Name, o.Probability.String(),
		)
		if err != nil {
			return mapPgError(err)
		}
	}
	return mapPgError(tx.Commit(ctx))
}

func (s *PostgresStore) UpdateOutcomeProbability(ctx context.Context, outcomeID string, p decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outcomes SET probability = $2::NUMERIC WHERE id = $1`,
		outcomeID, p.String(),
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// --- Reads ---

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, total_invested::TEXT, total_winnings::TEXT, created_at
		 FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx,
		`SELECT id, question, status, volume::TEXT, resolution, created_at, resolved_at
		 FROM markets WHERE id = $1`, id))
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question, status, volume::TEXT, resolution, created_at, resolved_at
		 FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetOutcome(ctx context.Context, id string) (*model.Outcome, error) {
	return scanOutcome(s.pool.QueryRow(ctx,
		`SELECT id, market_id, name, probability::TEXT FROM outcomes WHERE id = $1`, id))
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, name, probability::TEXT
		 FROM outcomes WHERE market_id = $1 ORDER BY name`, marketID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, *o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID, marketID string) ([]model.PositionView, error) {
	query := `SELECT p.user_id, p.market_id, p.outcome_id,
	                 p.shares::TEXT, p.invested::TEXT, p.avg_price::TEXT,
	                 o.name, o.probability::TEXT
	          FROM positions p
	          JOIN outcomes o ON o.id = p.outcome_id
	          WHERE p.user_id = $1`
	args := []any{userID}
	if marketID != "" {
		query += ` AND p.market_id = $2`
		args = append(args, marketID)
	}
	query += ` ORDER BY p.market_id, p.outcome_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var views []model.PositionView
	for rows.Next() {
		var v model.PositionView
		var sharesS, investedS, avgS, probS string
		if err := rows.Scan(&v.UserID, &v.MarketID, &v.OutcomeID,
			&sharesS, &investedS, &avgS, &v.OutcomeName, &probS); err != nil {
			return nil, err
		}
		v.Shares, _ = decimal.NewFromString(sharesS)
		v.Invested, _ = decimal.NewFromString(investedS)
		v.AvgPrice, _ = decimal.NewFromString(avgS)
		v.Probability, _ = decimal.NewFromString(probS)
		v.CurrentValue = v.Shares.Mul(v.Probability)
		v.PnL = v.CurrentValue.Sub(v.Invested)
		views = append(views, v)
	}
	return views, rows.Err()
}

func (s *PostgresStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, outcome_id, side,
		        amount::TEXT, shares::TEXT, price::TEXT, created_at
		 FROM bets WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var amountS, sharesS, priceS string
		if err := rows.Scan(&b.ID, &b.UserID, &b.MarketID, &b.OutcomeID, &b.Side,
			&amountS, &sharesS, &priceS, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amountS)
		b.Shares, _ = decimal.NewFromString(sharesS)
		b.Price, _ = decimal.NewFromString(priceS)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, market_id, description, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var entries []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amountS string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &amountS,
			&t.MarketID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amountS)
		entries = append(entries, t)
	}
	return entries, rows.Err()
}

// --- Transaction view ---

// pgTx implements Tx over one pgx transaction. ForUpdate reads take
// row locks held until commit or rollback.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) UserForUpdate(ctx context.Context, id string) (*model.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		`SELECT id, balance::TEXT, total_invested::TEXT, total_winnings::TEXT, created_at
		 FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) MarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(t.tx.QueryRow(ctx,
		`SELECT id, question, status, volume::TEXT, resolution, created_at, resolved_at
		 FROM markets WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) Outcome(ctx context.Context, id string) (*model.Outcome, error) {
	return scanOutcome(t.tx.QueryRow(ctx,
		`SELECT id, market_id, name, probability::TEXT FROM outcomes WHERE id = $1`, id))
}

func (t *pgTx) PositionForUpdate(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	var p model.Position
	var sharesS, investedS, avgS string
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, market_id, outcome_id, shares::TEXT, invested::TEXT, avg_price::TEXT
		 FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3 FOR UPDATE`,
		userID, marketID, outcomeID).
		Scan(&p.UserID, &p.MarketID, &p.OutcomeID, &sharesS, &investedS, &avgS)
	if err != nil {
		return nil, mapPgError(err)
	}
	p.Shares, _ = decimal.NewFromString(sharesS)
	p.Invested, _ = decimal.NewFromString(investedS)
	p.AvgPrice, _ = decimal.NewFromString(avgS)
	return &p, nil
}

func (t *pgTx) PositionsByOutcomeForUpdate(ctx context.Context, marketID, outcomeID string) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, market_id, outcome_id, shares::TEXT, invested::TEXT, avg_price::TEXT
		 FROM positions
		 WHERE market_id = $1 AND outcome_id = $2
		 ORDER BY user_id FOR UPDATE`,
		marketID, outcomeID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var sharesS, investedS, avgS string
		if err := rows.Scan(&p.UserID, &p.MarketID, &p.OutcomeID,
			&sharesS, &investedS, &avgS); err != nil {
			return nil, err
		}
		p.Shares, _ = decimal.NewFromString(sharesS)
		p.Invested, _ = decimal.NewFromString(investedS)
		p.AvgPrice, _ = decimal.NewFromString(avgS)
		positions = append(positions, p)
	}
	return positions, mapPgError(rows.Err())
}

func (t *pgTx) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bets (id, user_id, market_id, outcome_id, side, amount, shares, price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		b.ID, b.UserID, b.MarketID, b.OutcomeID, b.Side,
		b.Amount.String(), b.Shares.String(), b.Price.String(), b.CreatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, outcome_id, shares, invested, avg_price)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (user_id, market_id, outcome_id)
		 DO UPDATE SET shares = EXCLUDED.shares, invested = EXCLUDED.invested, avg_price = EXCLUDED.avg_price`,
		p.UserID, p.MarketID, p.OutcomeID,
		p.Shares.String(), p.Invested.String(), p.AvgPrice.String(),
	)
	return mapPgError(err)
}

func (t *pgTx) DeletePosition(ctx context.Context, userID, marketID, outcomeID string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3`,
		userID, marketID, outcomeID)
	return mapPgError(err)
}

func (t *pgTx) SaveUser(ctx context.Context, u *model.User) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC, total_invested = $3::NUMERIC, total_winnings = $4::NUMERIC
		 WHERE id = $1`,
		u.ID, u.Balance.String(), u.TotalInvested.String(), u.TotalWinnings.String(),
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (t *pgTx) SaveMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET status = $2, volume = $3::NUMERIC, resolution = $4, resolved_at = $5
		 WHERE id = $1`,
		m.ID, m.Status, m.Volume.String(), m.Resolution, m.ResolvedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, market_id, description, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		tr.ID, tr.UserID, tr.Type, tr.Amount.String(), tr.MarketID, tr.Description, tr.CreatedAt,
	)
	return mapPgError(err)
}

// --- Scan helpers ---

type pgRow interface {
	Scan(dest ...any) error
}

func scanUser(row pgRow) (*model.User, error) {
	var u model.User
	var balanceS, investedS, winningsS string
	if err := row.Scan(&u.ID, &balanceS, &investedS, &winningsS, &u.CreatedAt); err != nil {
		return nil, mapPgError(err)
	}
	u.Balance, _ = decimal.NewFromString(balanceS)
	u.TotalInvested, _ = decimal.NewFromString(investedS)
	u.TotalWinnings, _ = decimal.NewFromString(winningsS)
	return &u, nil
}

func scanMarket(row pgRow) (*model.Market, error) {
	var m model.Market
	var volumeS string
	if err := row.Scan(&m.ID, &m.Question, &m.Status, &volumeS,
		&m.Resolution, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, mapPgError(err)
	}
	m.Volume, _ = decimal.NewFromString(volumeS)
	return &m, nil
}

func scanOutcome(row pgRow) (*model.Outcome, error) {
	var o model.Outcome
	var probS string
	if err := row.Scan(&o.ID, &o.MarketID, &o.Name, &probS); err != nil {
		return nil, mapPgError(err)
	}
	o.Probability, _ = decimal.NewFromString(probS)
	return &o, nil
}
