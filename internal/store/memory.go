package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kevins-openclaw-lab/agora/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	agents    map[string]*model.Agent
	byHandle  map[string]string // handle → agent ID
	markets   map[string]*model.Market
	positions map[string]*model.Position // agentID+"/"+marketID
	trades    []model.Trade
	samples   []model.PriceSample
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[string]*model.Agent),
		byHandle:  make(map[string]string),
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
	}
}

func posKey(agentID, marketID string) string {
	return agentID + "/" + marketID
}

// --- Agents ---

func (s *MemoryStore) CreateAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byHandle[a.Handle]; taken {
		return ErrDuplicateHandle
	}

	// Store a copy to avoid external mutation.
	cp := *a
	s.agents[a.ID] = &cp
	s.byHandle[a.Handle] = a.ID
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAgentByHandle(_ context.Context, handle string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHandle[handle]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.agents[id]
	return &cp, nil
}

func (s *MemoryStore) CreditAgent(_ context.Context, id string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(id, amount)
}

func (s *MemoryStore) DebitAgent(_ context.Context, id string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(id, -amount)
}

// creditLocked adjusts a balance under the write lock, refusing to go
// negative.
func (s *MemoryStore) creditLocked(id string, delta int64) error {
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	if a.Balance+delta < 0 {
		return ErrInsufficientFunds
	}
	a.Balance += delta
	a.LastActive = time.Now().UTC()
	return nil
}

func (s *MemoryStore) LeaderboardByBalance(_ context.Context, limit int) ([]model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]model.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, *a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Balance > agents[j].Balance })
	if limit > 0 && len(agents) > limit {
		agents = agents[:limit]
	}
	return agents, nil
}

func (s *MemoryStore) LeaderboardByBrier(_ context.Context, limit int) ([]model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agents []model.Agent
	for _, a := range s.agents {
		if a.BrierCount > 0 {
			agents = append(agents, *a)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].BrierScore() < agents[j].BrierScore() })
	if limit > 0 && len(agents) > limit {
		agents = agents[:limit]
	}
	return agents, nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, status, category string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if status != "" && m.Status != status {
			continue
		}
		if category != "" && m.Category != category {
			continue
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].CreatedAt.After(markets[j].CreatedAt) })
	return markets, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, agentID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(agentID, marketID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TotalCost > result[j].TotalCost })
	return result, nil
}

func (s *MemoryStore) GetPositionsByAgent(_ context.Context, agentID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.AgentID == agentID {
			result = append(result, *p)
		}
	}
	return result, nil
}

// --- Ledger ---

func (s *MemoryStore) GetTradesByMarket(_ context.Context, marketID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].MarketID == marketID {
			result = append(result, s.trades[i])
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradesByAgent(_ context.Context, agentID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].AgentID == agentID {
			result = append(result, s.trades[i])
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPriceHistory(_ context.Context, marketID string) ([]model.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceSample
	for _, ps := range s.samples {
		if ps.MarketID == marketID {
			result = append(result, ps)
		}
	}
	return result, nil
}

// --- Atomic composites ---

// ApplyTrade applies the full mutation set under one lock. Every invariant
// is checked before the first write, so a rejected application leaves the
// store untouched.
func (s *MemoryStore) ApplyTrade(_ context.Context, apply *TradeApply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[apply.AgentID]
	if !ok {
		return ErrNotFound
	}
	market, ok := s.markets[apply.MarketID]
	if !ok {
		return ErrNotFound
	}
	if market.Status != model.StatusOpen {
		return ErrMarketResolved
	}
	if agent.Balance+apply.BalanceDelta < 0 {
		return ErrInsufficientFunds
	}

	key := posKey(apply.AgentID, apply.MarketID)
	pos := s.positions[key]
	newYes := apply.YesSharesDelta
	newNo := apply.NoSharesDelta
	if pos != nil {
		newYes = pos.YesShares.Add(newYes)
		newNo = pos.NoShares.Add(newNo)
	}
	if newYes.IsNegative() || newNo.IsNegative() {
		return ErrShortPosition
	}

	// All checks passed, safe to mutate.
	agent.Balance += apply.BalanceDelta
	agent.LastActive = time.Now().UTC()

	market.YesReserve = apply.Reserves.Yes
	market.NoReserve = apply.Reserves.No
	market.Volume += apply.VolumeDelta

	if pos == nil {
		pos = &model.Position{
			ID:       uuid.New().String(),
			AgentID:  apply.AgentID,
			MarketID: apply.MarketID,
		}
		s.positions[key] = pos
	}
	pos.YesShares = newYes
	pos.NoShares = newNo
	pos.TotalCost += apply.CostDelta

	s.trades = append(s.trades, apply.Trade)
	s.samples = append(s.samples, apply.Sample)
	return nil
}

// ApplyResolution marks the market resolved and credits every payout under
// one lock.
func (s *MemoryStore) ApplyResolution(_ context.Context, apply *ResolutionApply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	market, ok := s.markets[apply.MarketID]
	if !ok {
		return ErrNotFound
	}
	if market.Status != model.StatusOpen {
		return ErrMarketResolved
	}
	for _, p := range apply.Payouts {
		if _, ok := s.agents[p.AgentID]; !ok {
			return ErrNotFound
		}
	}

	resolvedAt := apply.ResolvedAt
	market.Status = model.StatusResolved
	market.Resolution = apply.Resolution
	market.Evidence = apply.Evidence
	market.ResolvedAt = &resolvedAt

	for _, p := range apply.Payouts {
		agent := s.agents[p.AgentID]
		agent.Balance += p.Credit
		if p.Scored {
			agent.BrierSum += p.Brier
			agent.BrierCount++
		}
	}
	return nil
}
