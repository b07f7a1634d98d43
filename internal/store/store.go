// Package store defines the persistence interface for the market engine.
// Implementations include SQLite (embedded default), PostgreSQL, Redis
// (read-through cache over either), and in-memory (for testing).
//
// The store is the single source of truth for balances, reserves, positions
// and the trade ledger. ApplyTrade and ApplyResolution are the atomic
// composites behind the settlement protocol: every implementation applies
// the whole mutation set indivisibly, so a failure anywhere leaves no
// partial effects.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kevins-openclaw-lab/agora/internal/model"
)

var (
	// ErrNotFound is returned when a requested agent, market or position
	// does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateHandle is returned when an agent handle is already taken.
	ErrDuplicateHandle = errors.New("store: handle already registered")

	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero. Balances are never allowed negative.
	ErrInsufficientFunds = errors.New("store: insufficient balance")

	// ErrShortPosition is returned when a position mutation would take a
	// share count below zero.
	ErrShortPosition = errors.New("store: insufficient shares")

	// ErrMarketResolved is returned when a trade application targets a
	// market that is no longer open.
	ErrMarketResolved = errors.New("store: market is not open")
)

// TradeApply is the full mutation set of one settled trade. BalanceDelta is
// negative for buys (gross debit) and positive for sells (net credit);
// YesSharesDelta/NoSharesDelta are signed position deltas.
type TradeApply struct {
	AgentID      string
	MarketID     string
	BalanceDelta int64

	Reserves    Reserves
	VolumeDelta int64

	YesSharesDelta decimal.Decimal
	NoSharesDelta  decimal.Decimal
	CostDelta      int64

	Trade  model.Trade
	Sample model.PriceSample
}

// Reserves is the post-trade reserve pair, with the cached k.
type Reserves struct {
	Yes decimal.Decimal
	No  decimal.Decimal
}

// PayoutApply is one agent's resolution settlement: the AGP credit (payout
// plus bonus) and the Brier contribution accumulated onto the agent.
type PayoutApply struct {
	AgentID string
	Credit  int64
	Brier   float64
	Scored  bool
}

// ResolutionApply is the full mutation set of one market resolution.
type ResolutionApply struct {
	MarketID   string
	Resolution model.Side
	Evidence   string
	ResolvedAt time.Time
	Payouts    []PayoutApply
}

// Store is the persistence interface. All mutations relative to the same
// market or agent are applied indivisibly; reads return copies.
type Store interface {
	// --- Agents ---

	// CreateAgent persists a new agent. Fails with ErrDuplicateHandle when
	// the handle is taken.
	CreateAgent(ctx context.Context, agent *model.Agent) error

	// GetAgent retrieves an agent by ID.
	GetAgent(ctx context.Context, id string) (*model.Agent, error)

	// GetAgentByHandle retrieves an agent by its normalized handle.
	GetAgentByHandle(ctx context.Context, handle string) (*model.Agent, error)

	// CreditAgent adds AGP to an agent's balance.
	CreditAgent(ctx context.Context, id string, amount int64) error

	// DebitAgent removes AGP from an agent's balance. Fails with
	// ErrInsufficientFunds when amount exceeds the current balance.
	DebitAgent(ctx context.Context, id string, amount int64) error

	// LeaderboardByBalance returns the richest agents, highest first.
	LeaderboardByBalance(ctx context.Context, limit int) ([]model.Agent, error)

	// LeaderboardByBrier returns scored agents ordered by mean Brier score,
	// best (lowest) first. Agents with no scored resolutions are excluded.
	LeaderboardByBrier(ctx context.Context, limit int) ([]model.Agent, error)

	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets filtered by status ("" for all) and
	// category ("" for all), newest first.
	ListMarkets(ctx context.Context, status, category string) ([]model.Market, error)

	// --- Positions ---

	// GetPosition retrieves one agent's position in one market, or
	// ErrNotFound if the agent never traded it.
	GetPosition(ctx context.Context, agentID, marketID string) (*model.Position, error)

	// GetPositionsByMarket returns every position in a market.
	GetPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// GetPositionsByAgent returns an agent's positions across markets.
	GetPositionsByAgent(ctx context.Context, agentID string) ([]model.Position, error)

	// --- Ledger ---

	// GetTradesByMarket returns a market's trades, newest first.
	GetTradesByMarket(ctx context.Context, marketID string, limit int) ([]model.Trade, error)

	// GetTradesByAgent returns an agent's trades, newest first.
	GetTradesByAgent(ctx context.Context, agentID string, limit int) ([]model.Trade, error)

	// GetPriceHistory returns a market's price samples, oldest first.
	GetPriceHistory(ctx context.Context, marketID string) ([]model.PriceSample, error)

	// --- Atomic composites ---

	// ApplyTrade applies a settled trade in one indivisible step: balance
	// delta, new reserves and volume, position upsert, trade append, price
	// sample append. Enforces non-negative balance and shares.
	ApplyTrade(ctx context.Context, apply *TradeApply) error

	// ApplyResolution marks a market resolved and applies every payout and
	// Brier contribution in one indivisible step.
	ApplyResolution(ctx context.Context, apply *ResolutionApply) error
}
