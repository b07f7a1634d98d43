// Package engine implements the exchange's settlement logic: agent
// registration, market creation, trade execution against the automated
// market maker, and market resolution with payouts and Brier scoring.
//
// All monetary values use shopspring/decimal or int64 AGP, never float64
// for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kevins-openclaw-lab/agora/internal/amm"
	"github.com/kevins-openclaw-lab/agora/internal/metrics"
	"github.com/kevins-openclaw-lab/agora/internal/model"
	"github.com/kevins-openclaw-lab/agora/internal/store"
)

const (
	// SeedBalance is the AGP grant every new agent starts with.
	SeedBalance = 1000

	// DefaultLiquidity is the AGP seeded into a market's pool when the
	// creator does not specify an amount.
	DefaultLiquidity = 100

	// MinTradeAmount is the smallest AGP spend accepted for a buy.
	MinTradeAmount = 1
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{2,30}$`)

// Engine executes exchange operations against a Store. Trades on the same
// market are serialized through a per-market mutex; distinct markets
// proceed independently. For horizontal scaling, replace with distributed
// locking or database-level optimistic concurrency.
type Engine struct {
	store store.Store

	mu          sync.Mutex
	marketLocks map[string]*sync.Mutex
}

// New creates an Engine backed by the given store.
func New(st store.Store) *Engine {
	return &Engine{
		store:       st,
		marketLocks: make(map[string]*sync.Mutex),
	}
}

// Store exposes the underlying store for read-only queries.
func (e *Engine) Store() store.Store {
	return e.store
}

func (e *Engine) marketLock(marketID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.marketLocks[marketID]
	if !ok {
		l = &sync.Mutex{}
		e.marketLocks[marketID] = l
	}
	return l
}

// --- Agents ---

// NormalizeHandle lowercases a handle and strips a leading @.
func NormalizeHandle(raw string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "@")
}

// RegisterAgent registers a new agent under the given handle, seeding its
// balance, or returns the existing agent when the handle is already taken.
// The returned bool reports whether a new agent was created.
func (e *Engine) RegisterAgent(ctx context.Context, rawHandle string) (*model.Agent, bool, error) {
	handle := NormalizeHandle(rawHandle)
	if !handlePattern.MatchString(handle) {
		return nil, false, fmt.Errorf("%w: handle must be 2-30 characters of a-z, 0-9 or _", ErrValidation)
	}

	if a, err := e.store.GetAgentByHandle(ctx, handle); err == nil {
		return a, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	agent := &model.Agent{
		ID:         uuid.New().String(),
		Handle:     handle,
		Balance:    SeedBalance,
		CreatedAt:  now,
		LastActive: now,
	}
	err := e.store.CreateAgent(ctx, agent)
	if errors.Is(err, store.ErrDuplicateHandle) {
		// Lost a registration race; return the winner.
		a, err := e.store.GetAgentByHandle(ctx, handle)
		return a, false, err
	}
	if err != nil {
		return nil, false, err
	}

	metrics.AgentsRegistered.Inc()
	slog.Info("agent registered", "id", agent.ID, "handle", handle)
	return agent, true, nil
}

// GetAgent loads an agent by ID.
func (e *Engine) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := e.store.GetAgent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return a, err
}

// ResolveAgent loads an agent by UUID or by handle, with or without a
// leading @. Anything that is not a canonical UUID is treated as a handle.
func (e *Engine) ResolveAgent(ctx context.Context, idOrHandle string) (*model.Agent, error) {
	val := strings.TrimSpace(idOrHandle)
	if val == "" {
		return nil, fmt.Errorf("%w: agent identifier is required", ErrValidation)
	}
	if len(val) == 36 {
		if _, err := uuid.Parse(val); err == nil {
			return e.GetAgent(ctx, val)
		}
	}
	a, err := e.store.GetAgentByHandle(ctx, NormalizeHandle(val))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, val)
	}
	return a, err
}

// --- Markets ---

// CreateMarketParams describes a market creation request.
type CreateMarketParams struct {
	CreatorID string
	Question  string
	Category  string
	Liquidity int64
}

// CreateMarket opens a new market. The creator funds the pool: liquidity
// is debited from their balance and split evenly between the reserves.
func (e *Engine) CreateMarket(ctx context.Context, p CreateMarketParams) (*model.Market, error) {
	if strings.TrimSpace(p.Question) == "" {
		return nil, fmt.Errorf("%w: question is required", ErrValidation)
	}
	if p.Liquidity == 0 {
		p.Liquidity = DefaultLiquidity
	}
	if p.Category == "" {
		p.Category = "general"
	}

	pool, err := amm.NewPool(p.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	creator, err := e.ResolveAgent(ctx, p.CreatorID)
	if err != nil {
		return nil, err
	}
	p.CreatorID = creator.ID

	if err := e.store.DebitAgent(ctx, p.CreatorID, p.Liquidity); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, fmt.Errorf("%w: liquidity of %d AGP exceeds balance", ErrInsufficientFunds, p.Liquidity)
		}
		return nil, err
	}

	market := &model.Market{
		ID:         uuid.New().String(),
		Question:   strings.TrimSpace(p.Question),
		Category:   p.Category,
		CreatorID:  p.CreatorID,
		YesReserve: pool.Yes,
		NoReserve:  pool.No,
		K:          pool.K(),
		Status:     model.StatusOpen,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateMarket(ctx, market); err != nil {
		// Return the liquidity; the market never existed.
		if cerr := e.store.CreditAgent(ctx, p.CreatorID, p.Liquidity); cerr != nil {
			slog.Error("liquidity refund failed", "agent", p.CreatorID, "amount", p.Liquidity, "error", cerr)
		}
		return nil, err
	}

	metrics.MarketsCreated.Inc()
	metrics.OpenMarkets.Inc()
	slog.Info("market created",
		"id", market.ID,
		"creator", p.CreatorID,
		"liquidity", p.Liquidity,
		"question", market.Question,
	)
	return market, nil
}

// GetMarket loads a market by ID.
func (e *Engine) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := e.store.GetMarket(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return m, err
}

// --- Trading ---

// TradeReceipt is the result of an executed buy or sell.
type TradeReceipt struct {
	Trade       model.Trade
	Market      model.Market
	Probability decimal.Decimal
	Position    model.Position
	Balance     int64
}

// Buy spends amount AGP on shares of the given side. The fee is withheld
// up front; the net amount moves the pool. Either every effect applies or
// none do.
func (e *Engine) Buy(ctx context.Context, agentID, marketID string, side model.Side, amount int64, comment string) (*TradeReceipt, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side must be yes or no", ErrValidation)
	}
	if amount < MinTradeAmount {
		return nil, fmt.Errorf("%w: minimum trade is %d AGP", ErrValidation, MinTradeAmount)
	}
	agent, err := e.ResolveAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agentID = agent.ID

	start := time.Now()
	lock := e.marketLock(marketID)
	lock.Lock()
	defer lock.Unlock()

	market, err := e.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Status != model.StatusOpen {
		return nil, fmt.Errorf("%w: market is %s", ErrMarketState, market.Status)
	}

	pool := amm.Pool{Yes: market.YesReserve, No: market.NoReserve}
	result, err := pool.Buy(side, amount)
	if errors.Is(err, amm.ErrTradeTooSmall) {
		return nil, fmt.Errorf("%w: %d AGP buys no shares at current prices", ErrTradeTooSmall, amount)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()
	probability := result.Pool.Probability()
	yesDelta, noDelta := sideDeltas(side, result.Shares)

	trade := model.Trade{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		MarketID:  marketID,
		Side:      side,
		Amount:    amount,
		Shares:    result.Shares,
		Price:     result.AvgPrice,
		Fee:       result.Fee,
		Comment:   comment,
		CreatedAt: now,
	}
	apply := &store.TradeApply{
		AgentID:        agentID,
		MarketID:       marketID,
		BalanceDelta:   -amount,
		Reserves:       store.Reserves{Yes: result.Pool.Yes, No: result.Pool.No},
		VolumeDelta:    amount,
		YesSharesDelta: yesDelta,
		NoSharesDelta:  noDelta,
		CostDelta:      amount,
		Trade:          trade,
		Sample: model.PriceSample{
			MarketID:    marketID,
			Probability: probability,
			Volume:      amount,
			Timestamp:   now,
		},
	}
	if err := e.applyTrade(ctx, apply); err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("buy", string(side)).Inc()
	metrics.FeesCollected.Add(float64(result.Fee))
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())
	slog.Info("trade executed",
		"trade_id", trade.ID,
		"agent", agentID,
		"market", marketID,
		"side", side,
		"amount", amount,
		"shares", result.Shares.String(),
		"fee", result.Fee,
		"probability", probability.String(),
	)

	return e.receipt(ctx, trade, probability)
}

// Sell exchanges shares of the given side back to the pool for AGP. The
// fee comes out of the gross proceeds.
func (e *Engine) Sell(ctx context.Context, agentID, marketID string, side model.Side, shares decimal.Decimal, comment string) (*TradeReceipt, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side must be yes or no", ErrValidation)
	}
	if !shares.IsPositive() {
		return nil, fmt.Errorf("%w: shares must be positive", ErrValidation)
	}
	agent, err := e.ResolveAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agentID = agent.ID

	start := time.Now()
	lock := e.marketLock(marketID)
	lock.Lock()
	defer lock.Unlock()

	market, err := e.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Status != model.StatusOpen {
		return nil, fmt.Errorf("%w: market is %s", ErrMarketState, market.Status)
	}

	pos, err := e.store.GetPosition(ctx, agentID, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no position in this market", ErrInsufficientShares)
	}
	if err != nil {
		return nil, err
	}
	held := pos.Shares(side)
	if held.LessThan(shares) {
		return nil, fmt.Errorf("%w: have %s", ErrInsufficientShares, held.String())
	}

	pool := amm.Pool{Yes: market.YesReserve, No: market.NoReserve}
	result, err := pool.Sell(side, shares)
	if errors.Is(err, amm.ErrTradeTooSmall) {
		return nil, fmt.Errorf("%w: proceeds round to zero AGP", ErrTradeTooSmall)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()
	probability := result.Pool.Probability()
	yesDelta, noDelta := sideDeltas(side, shares.Neg())

	trade := model.Trade{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		MarketID:  marketID,
		Side:      side,
		Amount:    -result.Amount,
		Shares:    shares.Neg(),
		Price:     result.AvgPrice,
		Fee:       result.Fee,
		Comment:   comment,
		CreatedAt: now,
	}
	apply := &store.TradeApply{
		AgentID:        agentID,
		MarketID:       marketID,
		BalanceDelta:   result.Amount,
		Reserves:       store.Reserves{Yes: result.Pool.Yes, No: result.Pool.No},
		VolumeDelta:    result.Amount,
		YesSharesDelta: yesDelta,
		NoSharesDelta:  noDelta,
		Trade:          trade,
		Sample: model.PriceSample{
			MarketID:    marketID,
			Probability: probability,
			Volume:      result.Amount,
			Timestamp:   now,
		},
	}
	if err := e.applyTrade(ctx, apply); err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("sell", string(side)).Inc()
	metrics.FeesCollected.Add(float64(result.Fee))
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())
	slog.Info("shares sold",
		"trade_id", trade.ID,
		"agent", agentID,
		"market", marketID,
		"side", side,
		"shares", shares.String(),
		"proceeds", result.Amount,
		"fee", result.Fee,
		"probability", probability.String(),
	)

	return e.receipt(ctx, trade, probability)
}

func (e *Engine) applyTrade(ctx context.Context, apply *store.TradeApply) error {
	err := e.store.ApplyTrade(ctx, apply)
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("%w: balance cannot cover %d AGP", ErrInsufficientFunds, -apply.BalanceDelta)
	case errors.Is(err, store.ErrShortPosition):
		return ErrInsufficientShares
	case errors.Is(err, store.ErrMarketResolved):
		return ErrMarketState
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	}
	return err
}

func (e *Engine) receipt(ctx context.Context, trade model.Trade, probability decimal.Decimal) (*TradeReceipt, error) {
	market, err := e.store.GetMarket(ctx, trade.MarketID)
	if err != nil {
		return nil, err
	}
	agent, err := e.store.GetAgent(ctx, trade.AgentID)
	if err != nil {
		return nil, err
	}
	receipt := &TradeReceipt{
		Trade:       trade,
		Market:      *market,
		Probability: probability,
		Balance:     agent.Balance,
	}
	if pos, err := e.store.GetPosition(ctx, trade.AgentID, trade.MarketID); err == nil {
		receipt.Position = *pos
	}
	return receipt, nil
}

func sideDeltas(side model.Side, shares decimal.Decimal) (yes, no decimal.Decimal) {
	if side == model.SideYes {
		return shares, decimal.Decimal{}
	}
	return decimal.Decimal{}, shares
}

// --- Resolution ---

// ResolveParams describes a resolution request.
type ResolveParams struct {
	ResolverID string
	MarketID   string
	Outcome    model.Side
	Evidence   string
}

// ResolutionReceipt reports the settled market and every payout made.
type ResolutionReceipt struct {
	Market    model.Market
	Payouts   []model.Payout
	TotalPaid int64 // sum of all payout amounts, bonuses included
}

// Resolve settles a market: each whole winning share pays 1 AGP plus a 20%
// prediction bonus, and every priced position receives a Brier score.
// Only the market's creator may resolve, and only once.
func (e *Engine) Resolve(ctx context.Context, p ResolveParams) (*ResolutionReceipt, error) {
	if !p.Outcome.Valid() {
		return nil, fmt.Errorf("%w: resolution must be yes or no", ErrValidation)
	}
	resolver, err := e.ResolveAgent(ctx, p.ResolverID)
	if err != nil {
		return nil, err
	}
	p.ResolverID = resolver.ID

	lock := e.marketLock(p.MarketID)
	lock.Lock()
	defer lock.Unlock()

	market, err := e.GetMarket(ctx, p.MarketID)
	if err != nil {
		return nil, err
	}
	if market.Status != model.StatusOpen {
		return nil, fmt.Errorf("%w: market already resolved", ErrMarketState)
	}
	if market.CreatorID != p.ResolverID {
		return nil, ErrNotCreator
	}

	positions, err := e.store.GetPositionsByMarket(ctx, p.MarketID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var payouts []model.Payout
	var applies []store.PayoutApply
	var totalPaid int64
	for i := range positions {
		pos := &positions[i]
		base := amm.Payout(pos, p.Outcome)
		bonus := amm.PredictionBonus(base)

		prob, priced := pos.ImpliedProbability()
		scored := priced && pos.TotalCost > 0
		var brier float64
		if scored {
			brier = amm.Brier(prob, p.Outcome)
		}

		payouts = append(payouts, model.Payout{
			AgentID:         pos.AgentID,
			Amount:          base + bonus,
			PredictionBonus: bonus,
			Brier:           brier,
			Scored:          scored,
		})
		applies = append(applies, store.PayoutApply{
			AgentID: pos.AgentID,
			Credit:  base + bonus,
			Brier:   brier,
			Scored:  scored,
		})
		totalPaid += base + bonus
	}

	apply := &store.ResolutionApply{
		MarketID:   p.MarketID,
		Resolution: p.Outcome,
		Evidence:   p.Evidence,
		ResolvedAt: now,
		Payouts:    applies,
	}
	err = e.store.ApplyResolution(ctx, apply)
	switch {
	case errors.Is(err, store.ErrMarketResolved):
		return nil, fmt.Errorf("%w: market already resolved", ErrMarketState)
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}

	metrics.MarketsResolved.WithLabelValues(string(p.Outcome)).Inc()
	metrics.OpenMarkets.Dec()
	metrics.PayoutsTotal.Add(float64(totalPaid))
	slog.Info("market resolved",
		"market", p.MarketID,
		"outcome", p.Outcome,
		"positions", len(positions),
		"resolver", p.ResolverID,
	)

	resolved, err := e.GetMarket(ctx, p.MarketID)
	if err != nil {
		return nil, err
	}
	return &ResolutionReceipt{Market: *resolved, Payouts: payouts, TotalPaid: totalPaid}, nil
}
