package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kevins-openclaw-lab/agora/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the affected keys; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	if err := s.primary.CreateAgent(ctx, a); err != nil {
		return err
	}
	s.cacheAgent(ctx, a)
	return nil
}

func (s *CachedStore) CreditAgent(ctx context.Context, id string, amount int64) error {
	if err := s.primary.CreditAgent(ctx, id, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, agentKey(id))
	return nil
}

func (s *CachedStore) DebitAgent(ctx context.Context, id string, amount int64) error {
	if err := s.primary.DebitAgent(ctx, id, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, agentKey(id))
	return nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

// ApplyTrade writes to the primary and invalidates everything the trade
// touched: the market, the agent and the agent's position.
func (s *CachedStore) ApplyTrade(ctx context.Context, apply *TradeApply) error {
	if err := s.primary.ApplyTrade(ctx, apply); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(apply.MarketID), agentKey(apply.AgentID),
		positionKey(apply.AgentID, apply.MarketID))
	return nil
}

// ApplyResolution writes to the primary and invalidates the market plus
// every paid-out agent.
func (s *CachedStore) ApplyResolution(ctx context.Context, apply *ResolutionApply) error {
	if err := s.primary.ApplyResolution(ctx, apply); err != nil {
		return err
	}
	keys := []string{marketKey(apply.MarketID)}
	for _, p := range apply.Payouts {
		keys = append(keys, agentKey(p.AgentID), positionKey(p.AgentID, apply.MarketID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	data, err := s.rdb.Get(ctx, agentKey(id)).Bytes()
	if err == nil {
		var a model.Agent
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheAgent(ctx, a)
	return a, nil
}

func (s *CachedStore) GetAgentByHandle(ctx context.Context, handle string) (*model.Agent, error) {
	// Try cache via handle→ID mapping.
	id, err := s.rdb.Get(ctx, handleKey(handle)).Result()
	if err == nil {
		return s.GetAgent(ctx, id)
	}

	a, err := s.primary.GetAgentByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	s.cacheAgent(ctx, a)
	return a, nil
}

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
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, agentID, marketID string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(agentID, marketID)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, agentID, marketID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(agentID, marketID), data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LeaderboardByBalance(ctx context.Context, limit int) ([]model.Agent, error) {
	return s.primary.LeaderboardByBalance(ctx, limit)
}

func (s *CachedStore) LeaderboardByBrier(ctx context.Context, limit int) ([]model.Agent, error) {
	return s.primary.LeaderboardByBrier(ctx, limit)
}

func (s *CachedStore) ListMarkets(ctx context.Context, status, category string) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, status, category)
}

func (s *CachedStore) GetPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.GetPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) GetPositionsByAgent(ctx context.Context, agentID string) ([]model.Position, error) {
	return s.primary.GetPositionsByAgent(ctx, agentID)
}

func (s *CachedStore) GetTradesByMarket(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	return s.primary.GetTradesByMarket(ctx, marketID, limit)
}

func (s *CachedStore) GetTradesByAgent(ctx context.Context, agentID string, limit int) ([]model.Trade, error) {
	return s.primary.GetTradesByAgent(ctx, agentID, limit)
}

func (s *CachedStore) GetPriceHistory(ctx context.Context, marketID string) ([]model.PriceSample, error) {
	return s.primary.GetPriceHistory(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAgent(ctx context.Context, a *model.Agent) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, agentKey(a.ID), data, s.ttl)
		s.rdb.Set(ctx, handleKey(a.Handle), a.ID, s.ttl)
	}
}

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func agentKey(id string) string             { return fmt.Sprintf("agent:%s", id) }
func handleKey(handle string) string        { return fmt.Sprintf("handle:%s", handle) }
func marketKey(id string) string            { return fmt.Sprintf("market:%s", id) }
func positionKey(agent, market string) string { return fmt.Sprintf("position:%s:%s", agent, market) }
