package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/kevins-openclaw-lab/agora/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
    id          TEXT PRIMARY KEY,
    handle      TEXT NOT NULL UNIQUE,
    balance     INTEGER NOT NULL DEFAULT 0,
    brier_sum   REAL    NOT NULL DEFAULT 0,
    brier_count INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL,
    last_active TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id          TEXT PRIMARY KEY,
    question    TEXT NOT NULL,
    category    TEXT NOT NULL DEFAULT 'general',
    creator_id  TEXT NOT NULL REFERENCES agents(id),
    yes_reserve TEXT NOT NULL,
    no_reserve  TEXT NOT NULL,
    k           TEXT NOT NULL,
    volume      INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'open',
    resolution  TEXT,
    evidence    TEXT,
    created_at  TEXT NOT NULL,
    resolved_at TEXT
);

CREATE TABLE IF NOT EXISTS positions (
    id         TEXT PRIMARY KEY,
    agent_id   TEXT NOT NULL REFERENCES agents(id),
    market_id  TEXT NOT NULL REFERENCES markets(id),
    yes_shares TEXT NOT NULL DEFAULT '0',
    no_shares  TEXT NOT NULL DEFAULT '0',
    total_cost INTEGER NOT NULL DEFAULT 0,
    UNIQUE(agent_id, market_id)
);

CREATE TABLE IF NOT EXISTS trades (
    id         TEXT PRIMARY KEY,
    agent_id   TEXT NOT NULL REFERENCES agents(id),
    market_id  TEXT NOT NULL REFERENCES markets(id),
    side       TEXT NOT NULL,
    amount     INTEGER NOT NULL,
    shares     TEXT NOT NULL,
    price      TEXT NOT NULL,
    fee        INTEGER NOT NULL DEFAULT 0,
    comment    TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    market_id   TEXT NOT NULL REFERENCES markets(id),
    probability TEXT NOT NULL,
    volume      INTEGER NOT NULL,
    recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_status     ON markets(status);
CREATE INDEX IF NOT EXISTS idx_positions_market   ON positions(market_id);
CREATE INDEX IF NOT EXISTS idx_positions_agent    ON positions(agent_id);
CREATE INDEX IF NOT EXISTS idx_trades_market      ON trades(market_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_agent       ON trades(agent_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_history_market     ON price_history(market_id, recorded_at);
`

// SQLiteStore implements Store on an embedded SQLite database. Pure Go
// driver, no CGo. Suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at the given path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// --- Agents ---

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, handle, balance, brier_sum, brier_count, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Handle, a.Balance, a.BrierSum, a.BrierCount, fmtTime(a.CreatedAt), fmtTime(a.LastActive),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return ErrDuplicateHandle
		}
		return fmt.Errorf("store.CreateAgent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, `
		SELECT id, handle, balance, brier_sum, brier_count, created_at, last_active
		FROM agents WHERE id = ?`, id))
}

func (s *SQLiteStore) GetAgentByHandle(ctx context.Context, handle string) (*model.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, `
		SELECT id, handle, balance, brier_sum, brier_count, created_at, last_active
		FROM agents WHERE handle = ?`, handle))
}

func (s *SQLiteStore) scanAgent(row *sql.Row) (*model.Agent, error) {
	var a model.Agent
	var createdAt, lastActive string
	err := row.Scan(&a.ID, &a.Handle, &a.Balance, &a.BrierSum, &a.BrierCount, &createdAt, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan agent: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.LastActive = parseTime(lastActive)
	return &a, nil
}

func (s *SQLiteStore) CreditAgent(ctx context.Context, id string, amount int64) error {
	return s.adjustBalance(ctx, s.db, id, amount)
}

func (s *SQLiteStore) DebitAgent(ctx context.Context, id string, amount int64) error {
	return s.adjustBalance(ctx, s.db, id, -amount)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// adjustBalance applies a delta with a guard against going negative. The
// UPDATE matches zero rows when the agent is missing or the balance would
// underflow; a follow-up existence check disambiguates the two.
func (s *SQLiteStore) adjustBalance(ctx context.Context, ex execer, id string, delta int64) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE agents SET balance = balance + ?, last_active = ?
		WHERE id = ? AND balance + ? >= 0`,
		delta, fmtTime(time.Now()), id, delta,
	)
	if err != nil {
		return fmt.Errorf("store: adjust balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: adjust balance: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, id).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (s *SQLiteStore) LeaderboardByBalance(ctx context.Context, limit int) ([]model.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, handle, balance, brier_sum, brier_count, created_at, last_active
		FROM agents ORDER BY balance DESC LIMIT ?`, sqlLimit(limit))
}

func (s *SQLiteStore) LeaderboardByBrier(ctx context.Context, limit int) ([]model.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, handle, balance, brier_sum, brier_count, created_at, last_active
		FROM agents WHERE brier_count > 0
		ORDER BY brier_sum / brier_count ASC LIMIT ?`, sqlLimit(limit))
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string, args ...any) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		var createdAt, lastActive string
		if err := rows.Scan(&a.ID, &a.Handle, &a.Balance, &a.BrierSum, &a.BrierCount, &createdAt, &lastActive); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		a.LastActive = parseTime(lastActive)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Markets ---

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets (id, question, category, creator_id, yes_reserve, no_reserve, k,
		                     volume, status, resolution, evidence, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		m.ID, m.Question, m.Category, m.CreatorID,
		m.YesReserve.String(), m.NoReserve.String(), m.K.String(),
		m.Volume, m.Status, nullString(string(m.Resolution)), nullString(m.Evidence),
		fmtTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store.CreateMarket: %w", err)
	}
	return nil
}

const marketColumns = `id, question, category, creator_id, yes_reserve, no_reserve, k,
	volume, status, resolution, evidence, created_at, resolved_at`

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id)
	m, err := scanSQLiteMarket(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) ListMarkets(ctx context.Context, status, category string) ([]model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store.ListMarkets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanSQLiteMarket(rows.Scan)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func scanSQLiteMarket(scan func(dest ...any) error) (*model.Market, error) {
	var m model.Market
	var yes, no, k, createdAt string
	var resolution, evidence, resolvedAt sql.NullString
	if err := scan(&m.ID, &m.Question, &m.Category, &m.CreatorID, &yes, &no, &k,
		&m.Volume, &m.Status, &resolution, &evidence, &createdAt, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("store: scan market: %w", err)
	}

	var err error
	if m.YesReserve, err = decimal.NewFromString(yes); err != nil {
		return nil, fmt.Errorf("store: parse yes_reserve: %w", err)
	}
	if m.NoReserve, err = decimal.NewFromString(no); err != nil {
		return nil, fmt.Errorf("store: parse no_reserve: %w", err)
	}
	if m.K, err = decimal.NewFromString(k); err != nil {
		return nil, fmt.Errorf("store: parse k: %w", err)
	}
	m.CreatedAt = parseTime(createdAt)
	if resolution.Valid {
		m.Resolution = model.Side(resolution.String)
	}
	if evidence.Valid {
		m.Evidence = evidence.String
	}
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		m.ResolvedAt = &t
	}
	return &m, nil
}

// --- Positions ---

const positionColumns = `id, agent_id, market_id, yes_shares, no_shares, total_cost`

func (s *SQLiteStore) GetPosition(ctx context.Context, agentID, marketID string) (*model.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE agent_id = ? AND market_id = ?`,
		agentID, marketID)
	p, err := scanSQLitePosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) GetPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE market_id = ? ORDER BY total_cost DESC`, marketID)
}

func (s *SQLiteStore) GetPositionsByAgent(ctx context.Context, agentID string) ([]model.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE agent_id = ?`, agentID)
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanSQLitePosition(scan func(dest ...any) error) (*model.Position, error) {
	var p model.Position
	var yes, no string
	if err := scan(&p.ID, &p.AgentID, &p.MarketID, &yes, &no, &p.TotalCost); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("store: scan position: %w", err)
	}
	var err error
	if p.YesShares, err = decimal.NewFromString(yes); err != nil {
		return nil, fmt.Errorf("store: parse yes_shares: %w", err)
	}
	if p.NoShares, err = decimal.NewFromString(no); err != nil {
		return nil, fmt.Errorf("store: parse no_shares: %w", err)
	}
	return &p, nil
}

// --- Ledger ---

func (s *SQLiteStore) GetTradesByMarket(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	return s.queryTrades(ctx, `
		SELECT id, agent_id, market_id, side, amount, shares, price, fee, comment, created_at
		FROM trades WHERE market_id = ? ORDER BY created_at DESC LIMIT ?`, marketID, sqlLimit(limit))
}

func (s *SQLiteStore) GetTradesByAgent(ctx context.Context, agentID string, limit int) ([]model.Trade, error) {
	return s.queryTrades(ctx, `
		SELECT id, agent_id, market_id, side, amount, shares, price, fee, comment, created_at
		FROM trades WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, sqlLimit(limit))
}

// sqlLimit maps "no limit" to SQLite's unbounded LIMIT value.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *SQLiteStore) queryTrades(ctx context.Context, query string, args ...any) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var shares, price, createdAt string
		var comment sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentID, &t.MarketID, &t.Side, &t.Amount,
			&shares, &price, &t.Fee, &comment, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan trade: %w", err)
		}
		if t.Shares, err = decimal.NewFromString(shares); err != nil {
			return nil, fmt.Errorf("store: parse shares: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("store: parse price: %w", err)
		}
		t.Comment = comment.String
		t.CreatedAt = parseTime(createdAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) GetPriceHistory(ctx context.Context, marketID string) ([]model.PriceSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, probability, volume, recorded_at
		FROM price_history WHERE market_id = ? ORDER BY recorded_at ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("store.GetPriceHistory: %w", err)
	}
	defer rows.Close()

	var samples []model.PriceSample
	for rows.Next() {
		var ps model.PriceSample
		var prob, recordedAt string
		if err := rows.Scan(&ps.MarketID, &prob, &ps.Volume, &recordedAt); err != nil {
			return nil, fmt.Errorf("store: scan price sample: %w", err)
		}
		if ps.Probability, err = decimal.NewFromString(prob); err != nil {
			return nil, fmt.Errorf("store: parse probability: %w", err)
		}
		ps.Timestamp = parseTime(recordedAt)
		samples = append(samples, ps)
	}
	return samples, rows.Err()
}

// --- Atomic composites ---

// ApplyTrade runs the full mutation set in one transaction. All invariant
// checks happen inside the transaction so a rejected trade rolls back
// cleanly.
func (s *SQLiteStore) ApplyTrade(ctx context.Context, apply *TradeApply) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.ApplyTrade: begin tx: %w", err)
	}
	defer tx.Rollback()

	// Market must exist and still be open.
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM markets WHERE id = ?`, apply.MarketID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store.ApplyTrade: load market: %w", err)
	}
	if status != model.StatusOpen {
		return ErrMarketResolved
	}

	// Balance guard.
	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET balance = balance + ?, last_active = ?
		WHERE id = ? AND balance + ? >= 0`,
		apply.BalanceDelta, fmtTime(time.Now()), apply.AgentID, apply.BalanceDelta,
	)
	if err != nil {
		return fmt.Errorf("store.ApplyTrade: update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, apply.AgentID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}

	// Share guard. Read the current position, verify deltas keep it
	// non-negative, then upsert.
	var yes, no decimal.Decimal
	var posID string
	row := tx.QueryRowContext(ctx, `
		SELECT id, yes_shares, no_shares FROM positions WHERE agent_id = ? AND market_id = ?`,
		apply.AgentID, apply.MarketID)
	var yesStr, noStr string
	err = row.Scan(&posID, &yesStr, &noStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		posID = uuid.New().String()
	case err != nil:
		return fmt.Errorf("store.ApplyTrade: load position: %w", err)
	default:
		if yes, err = decimal.NewFromString(yesStr); err != nil {
			return fmt.Errorf("store.ApplyTrade: parse yes_shares: %w", err)
		}
		if no, err = decimal.NewFromString(noStr); err != nil {
			return fmt.Errorf("store.ApplyTrade: parse no_shares: %w", err)
		}
	}
	newYes := yes.Add(apply.YesSharesDelta)
	newNo := no.Add(apply.NoSharesDelta)
	if newYes.IsNegative() || newNo.IsNegative() {
		return ErrShortPosition
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO positions (id, agent_id, market_id, yes_shares, no_shares, total_cost)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, market_id) DO UPDATE SET
			yes_shares = excluded.yes_shares,
			no_shares  = excluded.no_shares,
			total_cost = total_cost + excluded.total_cost`,
		posID, apply.AgentID, apply.MarketID,
		newYes.String(), newNo.String(), apply.CostDelta,
	); err != nil {
		return fmt.Errorf("store.ApplyTrade: upsert position: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE markets SET yes_reserve = ?, no_reserve = ?, volume = volume + ? WHERE id = ?`,
		apply.Reserves.Yes.String(), apply.Reserves.No.String(), apply.VolumeDelta, apply.MarketID,
	); err != nil {
		return fmt.Errorf("store.ApplyTrade: update market: %w", err)
	}

	t := apply.Trade
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades (id, agent_id, market_id, side, amount, shares, price, fee, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.MarketID, t.Side, t.Amount,
		t.Shares.String(), t.Price.String(), t.Fee, nullString(t.Comment), fmtTime(t.CreatedAt),
	); err != nil {
		return fmt.Errorf("store.ApplyTrade: insert trade: %w", err)
	}

	ps := apply.Sample
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO price_history (market_id, probability, volume, recorded_at)
		VALUES (?, ?, ?, ?)`,
		ps.MarketID, ps.Probability.String(), ps.Volume, fmtTime(ps.Timestamp),
	); err != nil {
		return fmt.Errorf("store.ApplyTrade: insert price sample: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.ApplyTrade: commit: %w", err)
	}
	return nil
}

// ApplyResolution resolves the market and credits all payouts in one
// transaction.
func (s *SQLiteStore) ApplyResolution(ctx context.Context, apply *ResolutionApply) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.ApplyResolution: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE markets SET status = ?, resolution = ?, evidence = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		model.StatusResolved, string(apply.Resolution), nullString(apply.Evidence),
		fmtTime(apply.ResolvedAt), apply.MarketID, model.StatusOpen,
	)
	if err != nil {
		return fmt.Errorf("store.ApplyResolution: update market: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM markets WHERE id = ?`, apply.MarketID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrMarketResolved
	}

	for _, p := range apply.Payouts {
		brierInc := int64(0)
		if p.Scored {
			brierInc = 1
		}
		brierSum := 0.0
		if p.Scored {
			brierSum = p.Brier
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET balance = balance + ?, brier_sum = brier_sum + ?, brier_count = brier_count + ?
			WHERE id = ?`,
			p.Credit, brierSum, brierInc, p.AgentID,
		)
		if err != nil {
			return fmt.Errorf("store.ApplyResolution: credit agent %s: %w", p.AgentID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.ApplyResolution: commit: %w", err)
	}
	return nil
}

// --- helpers ---

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isSQLiteUnique reports whether err is a UNIQUE constraint violation. The
// pure Go driver exposes constraint failures through the error string.
func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
