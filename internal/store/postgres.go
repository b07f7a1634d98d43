package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kevins-openclaw-lab/agora/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Reserves, shares and probabilities are stored as NUMERIC for exact
// decimal precision; balances and AGP amounts are BIGINT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS agents (
    id          TEXT PRIMARY KEY,
    handle      TEXT NOT NULL UNIQUE,
    balance     BIGINT NOT NULL DEFAULT 0,
    brier_sum   DOUBLE PRECISION NOT NULL DEFAULT 0,
    brier_count BIGINT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL,
    last_active TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id          TEXT PRIMARY KEY,
    question    TEXT NOT NULL,
    category    TEXT NOT NULL DEFAULT 'general',
    creator_id  TEXT NOT NULL REFERENCES agents(id),
    yes_reserve NUMERIC NOT NULL,
    no_reserve  NUMERIC NOT NULL,
    k           NUMERIC NOT NULL,
    volume      BIGINT NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'open',
    resolution  TEXT,
    evidence    TEXT,
    created_at  TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS positions (
    id         TEXT PRIMARY KEY,
    agent_id   TEXT NOT NULL REFERENCES agents(id),
    market_id  TEXT NOT NULL REFERENCES markets(id),
    yes_shares NUMERIC NOT NULL DEFAULT 0,
    no_shares  NUMERIC NOT NULL DEFAULT 0,
    total_cost BIGINT NOT NULL DEFAULT 0,
    UNIQUE (agent_id, market_id)
);

CREATE TABLE IF NOT EXISTS trades (
    id         TEXT PRIMARY KEY,
    agent_id   TEXT NOT NULL REFERENCES agents(id),
    market_id  TEXT NOT NULL REFERENCES markets(id),
    side       TEXT NOT NULL,
    amount     BIGINT NOT NULL,
    shares     NUMERIC NOT NULL,
    price      NUMERIC NOT NULL,
    fee        BIGINT NOT NULL DEFAULT 0,
    comment    TEXT,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
    id          BIGSERIAL PRIMARY KEY,
    market_id   TEXT NOT NULL REFERENCES markets(id),
    probability NUMERIC NOT NULL,
    volume      BIGINT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_status   ON markets(status);
CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(market_id);
CREATE INDEX IF NOT EXISTS idx_positions_agent  ON positions(agent_id);
CREATE INDEX IF NOT EXISTS idx_trades_market    ON trades(market_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_agent     ON trades(agent_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_history_market   ON price_history(market_id, recorded_at);
`

// Migrate applies the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const pgUniqueViolation = "23505"

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- Agents ---

func (s *PostgresStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, handle, balance, brier_sum, brier_count, created_at, last_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Handle, a.Balance, a.BrierSum, a.BrierCount, a.CreatedAt, a.LastActive,
	)
	if isPgUnique(err) {
		return ErrDuplicateHandle
	}
	return err
}

const agentColumns = `id, handle, balance, brier_sum, brier_count, created_at, last_active`

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	err := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Handle, &a.Balance, &a.BrierSum, &a.BrierCount, &a.CreatedAt, &a.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) GetAgentByHandle(ctx context.Context, handle string) (*model.Agent, error) {
	var a model.Agent
	err := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE handle = $1`, handle).
		Scan(&a.ID, &a.Handle, &a.Balance, &a.BrierSum, &a.BrierCount, &a.CreatedAt, &a.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by handle %s: %w", handle, err)
	}
	return &a, nil
}

func (s *PostgresStore) CreditAgent(ctx context.Context, id string, amount int64) error {
	return s.adjustBalance(ctx, s.pool, id, amount)
}

func (s *PostgresStore) DebitAgent(ctx context.Context, id string, amount int64) error {
	return s.adjustBalance(ctx, s.pool, id, -amount)
}

type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) adjustBalance(ctx context.Context, ex pgxExecer, id string, delta int64) error {
	tag, err := ex.Exec(ctx,
		`UPDATE agents SET balance = balance + $2, last_active = $3
		 WHERE id = $1 AND balance + $2 >= 0`,
		id, delta, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("adjust balance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := ex.QueryRow(ctx, `SELECT 1 FROM agents WHERE id = $1`, id).Scan(&exists); errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (s *PostgresStore) LeaderboardByBalance(ctx context.Context, limit int) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY balance DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgents(rows)
}

func (s *PostgresStore) LeaderboardByBrier(ctx context.Context, limit int) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE brier_count > 0
		 ORDER BY brier_sum / brier_count ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgents(rows)
}

func scanAgents(rows pgx.Rows) ([]model.Agent, error) {
	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.Handle, &a.Balance, &a.BrierSum, &a.BrierCount, &a.CreatedAt, &a.LastActive); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, category, creator_id, yes_reserve, no_reserve, k,
		                      volume, status, resolution, evidence, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12, NULL)`,
		m.ID, m.Question, m.Category, m.CreatorID,
		m.YesReserve.String(), m.NoReserve.String(), m.K.String(),
		m.Volume, m.Status, string(m.Resolution), m.Evidence, m.CreatedAt,
	)
	return err
}

const pgMarketColumns = `id, question, category, creator_id,
	yes_reserve::TEXT, no_reserve::TEXT, k::TEXT,
	volume, status, COALESCE(resolution, ''), COALESCE(evidence, ''),
	created_at, resolved_at`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgMarketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanPgMarket(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, status, category string) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMarketColumns+` FROM markets
		 WHERE ($1 = '' OR status = $1) AND ($2 = '' OR category = $2)
		 ORDER BY created_at DESC`, status, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanPgMarket(rows.Scan)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func scanPgMarket(scan func(dest ...any) error) (*model.Market, error) {
	var m model.Market
	var yes, no, k, resolution, evidence string
	var resolvedAt *time.Time

	if err := scan(&m.ID, &m.Question, &m.Category, &m.CreatorID,
		&yes, &no, &k,
		&m.Volume, &m.Status, &resolution, &evidence,
		&m.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}

	m.YesReserve, _ = decimal.NewFromString(yes)
	m.NoReserve, _ = decimal.NewFromString(no)
	m.K, _ = decimal.NewFromString(k)
	m.Resolution = model.Side(resolution)
	m.Evidence = evidence
	m.ResolvedAt = resolvedAt
	return &m, nil
}

// --- Positions ---

const pgPositionColumns = `id, agent_id, market_id, yes_shares::TEXT, no_shares::TEXT, total_cost`

func (s *PostgresStore) GetPosition(ctx context.Context, agentID, marketID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE agent_id = $1 AND market_id = $2`,
		agentID, marketID)
	p, err := scanPgPosition(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", agentID, marketID, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE market_id = $1 ORDER BY total_cost DESC`,
		marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgPositions(rows)
}

func (s *PostgresStore) GetPositionsByAgent(ctx context.Context, agentID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgPositions(rows)
}

func scanPgPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPgPosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPgPosition(scan func(dest ...any) error) (*model.Position, error) {
	var p model.Position
	var yes, no string
	if err := scan(&p.ID, &p.AgentID, &p.MarketID, &yes, &no, &p.TotalCost); err != nil {
		return nil, err
	}
	p.YesShares, _ = decimal.NewFromString(yes)
	p.NoShares, _ = decimal.NewFromString(no)
	return &p, nil
}

// --- Ledger ---

const pgTradeColumns = `id, agent_id, market_id, side, amount,
	shares::TEXT, price::TEXT, fee, COALESCE(comment, ''), created_at`

func (s *PostgresStore) GetTradesByMarket(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTradeColumns+` FROM trades
		 WHERE market_id = $1 ORDER BY created_at DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgTrades(rows)
}

func (s *PostgresStore) GetTradesByAgent(ctx context.Context, agentID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTradeColumns+` FROM trades
		 WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgTrades(rows)
}

func scanPgTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var shares, price string
		if err := rows.Scan(&t.ID, &t.AgentID, &t.MarketID, &t.Side, &t.Amount,
			&shares, &price, &t.Fee, &t.Comment, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Shares, _ = decimal.NewFromString(shares)
		t.Price, _ = decimal.NewFromString(price)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) GetPriceHistory(ctx context.Context, marketID string) ([]model.PriceSample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, probability::TEXT, volume, recorded_at
		 FROM price_history WHERE market_id = $1 ORDER BY recorded_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []model.PriceSample
	for rows.Next() {
		var ps model.PriceSample
		var prob string
		if err := rows.Scan(&ps.MarketID, &prob, &ps.Volume, &ps.Timestamp); err != nil {
			return nil, err
		}
		ps.Probability, _ = decimal.NewFromString(prob)
		samples = append(samples, ps)
	}
	return samples, rows.Err()
}

// --- Atomic composites ---

// ApplyTrade runs the full mutation set in a single transaction: balance,
// reserves, position, trade row and price sample all commit or none do.
func (s *PostgresStore) ApplyTrade(ctx context.Context, apply *TradeApply) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply trade: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM markets WHERE id = $1 FOR UPDATE`, apply.MarketID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("apply trade: lock market: %w", err)
	}
	if status != model.StatusOpen {
		return ErrMarketResolved
	}

	if err := s.adjustBalance(ctx, tx, apply.AgentID, apply.BalanceDelta); err != nil {
		return err
	}

	var posID string
	var yes, no decimal.Decimal
	var yesStr, noStr string
	err = tx.QueryRow(ctx,
		`SELECT id, yes_shares::TEXT, no_shares::TEXT FROM positions
		 WHERE agent_id = $1 AND market_id = $2 FOR UPDATE`,
		apply.AgentID, apply.MarketID).Scan(&posID, &yesStr, &noStr)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		posID = uuid.New().String()
	case err != nil:
		return fmt.Errorf("apply trade: lock position: %w", err)
	default:
		yes, _ = decimal.NewFromString(yesStr)
		no, _ = decimal.NewFromString(noStr)
	}
	newYes := yes.Add(apply.YesSharesDelta)
	newNo := no.Add(apply.NoSharesDelta)
	if newYes.IsNegative() || newNo.IsNegative() {
		return ErrShortPosition
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (id, agent_id, market_id, yes_shares, no_shares, total_cost)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (agent_id, market_id) DO UPDATE SET
		   yes_shares = EXCLUDED.yes_shares,
		   no_shares  = EXCLUDED.no_shares,
		   total_cost = positions.total_cost + EXCLUDED.total_cost`,
		posID, apply.AgentID, apply.MarketID,
		newYes.String(), newNo.String(), apply.CostDelta,
	); err != nil {
		return fmt.Errorf("apply trade: upsert position: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE markets SET yes_reserve = $2::NUMERIC, no_reserve = $3::NUMERIC, volume = volume + $4
		 WHERE id = $1`,
		apply.MarketID, apply.Reserves.Yes.String(), apply.Reserves.No.String(), apply.VolumeDelta,
	); err != nil {
		return fmt.Errorf("apply trade: update market: %w", err)
	}

	t := apply.Trade
	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, agent_id, market_id, side, amount, shares, price, fee, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, NULLIF($9, ''), $10)`,
		t.ID, t.AgentID, t.MarketID, t.Side, t.Amount,
		t.Shares.String(), t.Price.String(), t.Fee, t.Comment, t.CreatedAt,
	); err != nil {
		return fmt.Errorf("apply trade: insert trade: %w", err)
	}

	ps := apply.Sample
	if _, err := tx.Exec(ctx,
		`INSERT INTO price_history (market_id, probability, volume, recorded_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		ps.MarketID, ps.Probability.String(), ps.Volume, ps.Timestamp,
	); err != nil {
		return fmt.Errorf("apply trade: insert price sample: %w", err)
	}

	return tx.Commit(ctx)
}

// ApplyResolution resolves the market and credits all payouts in a single
// transaction.
func (s *PostgresStore) ApplyResolution(ctx context.Context, apply *ResolutionApply) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply resolution: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE markets SET status = $2, resolution = $3, evidence = NULLIF($4, ''), resolved_at = $5
		 WHERE id = $1 AND status = $6`,
		apply.MarketID, model.StatusResolved, string(apply.Resolution),
		apply.Evidence, apply.ResolvedAt, model.StatusOpen,
	)
	if err != nil {
		return fmt.Errorf("apply resolution: update market: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM markets WHERE id = $1`, apply.MarketID).Scan(&exists); errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return ErrMarketResolved
	}

	for _, p := range apply.Payouts {
		brierSum, brierInc := 0.0, int64(0)
		if p.Scored {
			brierSum, brierInc = p.Brier, 1
		}
		tag, err := tx.Exec(ctx,
			`UPDATE agents SET balance = balance + $2, brier_sum = brier_sum + $3, brier_count = brier_count + $4
			 WHERE id = $1`,
			p.AgentID, p.Credit, brierSum, brierInc,
		)
		if err != nil {
			return fmt.Errorf("apply resolution: credit agent %s: %w", p.AgentID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
	}

	return tx.Commit(ctx)
}
