// Package service provides the HTTP API for the exchange: agent
// registration, market lifecycle, trading and leaderboards.
package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/kevins-openclaw-lab/agora/internal/amm"
	"github.com/kevins-openclaw-lab/agora/internal/engine"
	"github.com/kevins-openclaw-lab/agora/internal/model"
	"github.com/kevins-openclaw-lab/agora/internal/store"
)

const defaultListLimit = 50

var validate = validator.New()

// Service exposes the engine over HTTP.
type Service struct {
	engine *engine.Engine
	store  store.Store
	wsHub  *WSHub // optional; nil disables broadcasts
}

// NewService creates a new HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(e *engine.Engine, hub *WSHub) *Service {
	return &Service{
		engine: e,
		store:  e.Store(),
		wsHub:  hub,
	}
}

// Routes mounts every handler on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/agents", s.RegisterAgent)
	r.Get("/agents/{agentID}", s.GetAgent)
	r.Get("/agents/{agentID}/positions", s.GetAgentPositions)
	r.Get("/agents/{agentID}/trades", s.GetAgentTrades)
	r.Get("/leaderboard", s.GetLeaderboard)

	r.Post("/markets", s.CreateMarket)
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/history", s.GetPriceHistory)
	r.Get("/markets/{marketID}/trades", s.GetMarketTrades)
	r.Post("/markets/{marketID}/trade", s.Trade)
	r.Post("/markets/{marketID}/sell", s.Sell)
	r.Post("/markets/{marketID}/resolve", s.Resolve)
}

// --- Request/Response types ---

// RegisterAgentRequest is the JSON body for POST /agents.
type RegisterAgentRequest struct {
	Handle string `json:"handle" validate:"required"`
}

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	CreatorID string `json:"creator_id" validate:"required"`
	Question  string `json:"question" validate:"required"`
	Category  string `json:"category"`
	Liquidity int64  `json:"liquidity" validate:"gte=0"`
}

// TradeRequest is the JSON body for POST /markets/{id}/trade.
type TradeRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
	Outcome string `json:"outcome" validate:"required,oneof=yes no"`
	Amount  int64  `json:"amount" validate:"required,gt=0"`
	Comment string `json:"comment" validate:"max=280"`
}

// SellRequest is the JSON body for POST /markets/{id}/sell.
type SellRequest struct {
	AgentID string          `json:"agent_id" validate:"required"`
	Outcome string          `json:"outcome" validate:"required,oneof=yes no"`
	Shares  decimal.Decimal `json:"shares" validate:"required"`
	Comment string          `json:"comment" validate:"max=280"`
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	ResolverID string `json:"resolver_id" validate:"required"`
	Resolution string `json:"resolution" validate:"required,oneof=yes no"`
	Evidence   string `json:"evidence"`
}

// MarketView is a market enriched with its current probability.
type MarketView struct {
	model.Market
	Probability decimal.Decimal `json:"probability"`
}

// TradeView is the trade receipt returned from buys and sells.
type TradeView struct {
	Trade    model.Trade    `json:"trade"`
	Market   MarketView     `json:"market"`
	Position model.Position `json:"position"`
	Balance  int64          `json:"balance"`
}

func marketView(m model.Market) MarketView {
	return MarketView{Market: m, Probability: amm.Probability(m.YesReserve, m.NoReserve)}
}

// --- Agents ---

// RegisterAgent handles POST /api/v1/agents. Registration is idempotent:
// re-registering an existing handle returns the existing agent.
func (s *Service) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if !s.decode(w, r, &req) {
		return
	}

	agent, created, err := s.engine.RegisterAgent(r.Context(), req.Handle)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, agent)
}

// GetAgent handles GET /api/v1/agents/{agentID}. The path segment may be
// an agent ID or a handle.
func (s *Service) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.engine.ResolveAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// GetAgentPositions handles GET /api/v1/agents/{agentID}/positions.
func (s *Service) GetAgentPositions(w http.ResponseWriter, r *http.Request) {
	agent, err := s.engine.ResolveAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	positions, err := s.store.GetPositionsByAgent(r.Context(), agent.ID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetAgentTrades handles GET /api/v1/agents/{agentID}/trades.
func (s *Service) GetAgentTrades(w http.ResponseWriter, r *http.Request) {
	agent, err := s.engine.ResolveAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	limit := queryInt(r, "limit", defaultListLimit)
	trades, err := s.store.GetTradesByAgent(r.Context(), agent.ID, limit)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetLeaderboard handles GET /api/v1/leaderboard?by=balance|brier.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)

	var agents []model.Agent
	var err error
	switch by := r.URL.Query().Get("by"); by {
	case "", "balance":
		agents, err = s.store.LeaderboardByBalance(r.Context(), limit)
	case "brier":
		agents, err = s.store.LeaderboardByBrier(r.Context(), limit)
	default:
		writeError(w, "leaderboard must be by balance or brier", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !s.decode(w, r, &req) {
		return
	}

	market, err := s.engine.CreateMarket(r.Context(), engine.CreateMarketParams{
		CreatorID: req.CreatorID,
		Question:  req.Question,
		Category:  req.Category,
		Liquidity: req.Liquidity,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, marketView(*market))
}

// ListMarkets handles GET /api/v1/markets?status=&category=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context(),
		r.URL.Query().Get("status"), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, marketView(m))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.engine.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marketView(*market))
}

// GetPriceHistory handles GET /api/v1/markets/{marketID}/history. The
// series always opens with the 0.5 starting point.
func (s *Service) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	market, err := s.engine.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	samples, err := s.store.GetPriceHistory(r.Context(), market.ID)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}

	history := make([]model.PriceSample, 0, len(samples)+1)
	history = append(history, model.PriceSample{
		MarketID:    market.ID,
		Probability: decimal.NewFromFloat(0.5),
		Timestamp:   market.CreatedAt,
	})
	history = append(history, samples...)
	writeJSON(w, http.StatusOK, history)
}

// GetMarketTrades handles GET /api/v1/markets/{marketID}/trades.
func (s *Service) GetMarketTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	trades, err := s.store.GetTradesByMarket(r.Context(), chi.URLParam(r, "marketID"), limit)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Trading ---

// Trade handles POST /api/v1/markets/{marketID}/trade.
func (s *Service) Trade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	marketID := chi.URLParam(r, "marketID")

	receipt, err := s.engine.Buy(r.Context(), req.AgentID, marketID, model.Side(req.Outcome), req.Amount, req.Comment)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.broadcastTrade("trade_executed", receipt)
	writeJSON(w, http.StatusOK, tradeView(receipt))
}

// Sell handles POST /api/v1/markets/{marketID}/sell.
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Shares.IsPositive() {
		writeError(w, "shares must be positive", http.StatusBadRequest)
		return
	}
	marketID := chi.URLParam(r, "marketID")

	receipt, err := s.engine.Sell(r.Context(), req.AgentID, marketID, model.Side(req.Outcome), req.Shares, req.Comment)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.broadcastTrade("shares_sold", receipt)
	writeJSON(w, http.StatusOK, tradeView(receipt))
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve.
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !s.decode(w, r, &req) {
		return
	}

	receipt, err := s.engine.Resolve(r.Context(), engine.ResolveParams{
		ResolverID: req.ResolverID,
		MarketID:   chi.URLParam(r, "marketID"),
		Outcome:    model.Side(req.Resolution),
		Evidence:   req.Evidence,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "market_resolved",
			MarketID:   receipt.Market.ID,
			Resolution: string(receipt.Market.Resolution),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market":     marketView(receipt.Market),
		"payouts":    receipt.Payouts,
		"total_paid": receipt.TotalPaid,
	})
}

func tradeView(r *engine.TradeReceipt) TradeView {
	return TradeView{
		Trade:    r.Trade,
		Market:   MarketView{Market: r.Market, Probability: r.Probability},
		Position: r.Position,
		Balance:  r.Balance,
	}
}

func (s *Service) broadcastTrade(msgType string, r *engine.TradeReceipt) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:        msgType,
		MarketID:    r.Market.ID,
		Probability: r.Probability.String(),
		Volume:      r.Market.Volume,
		Side:        string(r.Trade.Side),
		Amount:      r.Trade.Amount,
	})
}

// --- Helpers ---

// decode reads and validates a JSON request body, writing a 400 and
// returning false on failure.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeEngineError maps engine errors onto HTTP status codes.
func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, engine.ErrTradeTooSmall),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientShares):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrMarketState):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrNotCreator):
		writeError(w, err.Error(), http.StatusForbidden)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
