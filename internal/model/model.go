// Package model defines the core domain types shared across the market engine.
// Reserves, shares and prices use shopspring/decimal, never float64 for money.
// AGP (the platform currency) is integer-denominated: balances, trade amounts,
// fees and volume are int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which half of a binary market an operation targets.
// The same values double as resolution outcomes.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is one of the two recognized sides.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Market lifecycle states. Resolved is terminal.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Agent is a registered trading agent. Balance is mutated by trades, credits
// and payouts; BrierSum/BrierCount accumulate squared forecast error across
// resolved markets (basis for the accuracy leaderboard).
type Agent struct {
	ID         string    `json:"id" db:"id"`
	Handle     string    `json:"handle" db:"handle"`
	Balance    int64     `json:"balance" db:"balance"`
	BrierSum   float64   `json:"brier_sum" db:"brier_sum"`
	BrierCount int64     `json:"brier_count" db:"brier_count"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	LastActive time.Time `json:"last_active" db:"last_active"`
}

// BrierScore returns the mean squared forecast error, or -1 when the agent
// has no scored resolutions yet. Lower is better.
func (a *Agent) BrierScore() float64 {
	if a.BrierCount == 0 {
		return -1
	}
	return a.BrierSum / float64(a.BrierCount)
}

// Market is a binary prediction market backed by a constant-product pool.
// K is the reserve product at creation; it is cache/audit only; live pricing
// always derives the invariant from the current reserves.
type Market struct {
	ID         string          `json:"id" db:"id"`
	Question   string          `json:"question" db:"question"`
	Category   string          `json:"category" db:"category"`
	CreatorID  string          `json:"creator_id" db:"creator_id"`
	YesReserve decimal.Decimal `json:"yes_reserve" db:"yes_reserve"`
	NoReserve  decimal.Decimal `json:"no_reserve" db:"no_reserve"`
	K          decimal.Decimal `json:"k" db:"k"`
	Volume     int64           `json:"volume" db:"volume"`
	Status     string          `json:"status" db:"status"` // "open" or "resolved"
	Resolution Side            `json:"resolution,omitempty" db:"resolution"`
	Evidence   string          `json:"evidence,omitempty" db:"evidence"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Position is an agent's accumulated share holdings in one market.
// Created lazily on first trade. Shares are non-negative; TotalCost is the
// cumulative AGP spent building the position.
type Position struct {
	ID        string          `json:"id" db:"id"`
	AgentID   string          `json:"agent_id" db:"agent_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	YesShares decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares  decimal.Decimal `json:"no_shares" db:"no_shares"`
	TotalCost int64           `json:"total_cost" db:"total_cost"`
}

// Shares returns the holdings on one side of the position.
func (p *Position) Shares(side Side) decimal.Decimal {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// ImpliedProbability returns the forecast probability implied by the mix of
// the position's holdings: yes/(yes+no). ok is false for an empty position.
func (p *Position) ImpliedProbability() (prob float64, ok bool) {
	total := p.YesShares.Add(p.NoShares)
	if !total.IsPositive() {
		return 0, false
	}
	f, _ := p.YesShares.Div(total).Float64()
	return f, true
}

// Trade is an immutable record of one settlement. Amount and Shares are
// signed: negative values indicate a sell.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	AgentID   string          `json:"agent_id" db:"agent_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Amount    int64           `json:"amount" db:"amount"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"` // average fill price
	Fee       int64           `json:"fee" db:"fee"`
	Comment   string          `json:"comment,omitempty" db:"comment"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PriceSample is an append-only probability snapshot taken after each
// settlement. Reconstructive only; live pricing never consults it.
type PriceSample struct {
	MarketID    string          `json:"market_id" db:"market_id"`
	Probability decimal.Decimal `json:"probability" db:"probability"`
	Volume      int64           `json:"volume" db:"volume"` // AGP moved by the sampled trade
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Payout is one agent's settlement line from a market resolution.
type Payout struct {
	AgentID         string  `json:"agent_id"`
	Amount          int64   `json:"amount"` // winning shares floored, plus bonus
	PredictionBonus int64   `json:"prediction_bonus"`
	Brier           float64 `json:"brier"`  // squared error contribution
	Scored          bool    `json:"scored"` // false when the position held no shares
}
