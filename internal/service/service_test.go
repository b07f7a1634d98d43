package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kevins-openclaw-lab/agora/internal/engine"
	"github.com/kevins-openclaw-lab/agora/internal/model"
	"github.com/kevins-openclaw-lab/agora/internal/service"
	"github.com/kevins-openclaw-lab/agora/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a Service on an in-memory store with a chi router.
func newTestEnv(t *testing.T) (*engine.Engine, chi.Router) {
	t.Helper()
	e := engine.New(store.NewMemoryStore())
	svc := service.NewService(e, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return e, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// seedAgent registers an agent through the engine.
func seedAgent(t *testing.T, e *engine.Engine, handle string) *model.Agent {
	t.Helper()
	a, _, err := e.RegisterAgent(context.Background(), handle)
	if err != nil {
		t.Fatalf("failed to seed agent %s: %v", handle, err)
	}
	return a
}

// seedMarket creates a funded market through the engine.
func seedMarket(t *testing.T, e *engine.Engine, creatorID string, liquidity int64) *model.Market {
	t.Helper()
	m, err := e.CreateMarket(context.Background(), engine.CreateMarketParams{
		CreatorID: creatorID,
		Question:  "Will the tests pass?",
		Liquidity: liquidity,
	})
	if err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return m
}

// --- Agents ---

func TestRegisterAgent(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/agents", service.RegisterAgentRequest{Handle: "@Trader_One"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var agent model.Agent
	json.Unmarshal(w.Body.Bytes(), &agent)
	if agent.Handle != "trader_one" {
		t.Errorf("expected normalized handle trader_one, got %s", agent.Handle)
	}
	if agent.Balance != engine.SeedBalance {
		t.Errorf("expected seed balance, got %d", agent.Balance)
	}

	// Re-registering the same handle returns 200 with the same agent.
	w = doJSON(t, router, "POST", "/api/v1/agents", service.RegisterAgentRequest{Handle: "trader_one"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on re-register, got %d", w.Code)
	}
	var again model.Agent
	json.Unmarshal(w.Body.Bytes(), &again)
	if again.ID != agent.ID {
		t.Errorf("expected same agent on re-register, got %s and %s", agent.ID, again.ID)
	}
}

func TestRegisterAgent_Invalid(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/agents", service.RegisterAgentRequest{Handle: "!!"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid handle, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/agents", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing handle, got %d", w.Code)
	}
}

func TestGetAgent_ByIDOrHandle(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")

	for _, path := range []string{
		"/api/v1/agents/" + alice.ID,
		"/api/v1/agents/alice",
		"/api/v1/agents/@alice",
	} {
		w := doJSON(t, router, "GET", path, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		var got model.Agent
		json.Unmarshal(w.Body.Bytes(), &got)
		if got.ID != alice.ID {
			t.Errorf("%s: expected agent %s, got %s", path, alice.ID, got.ID)
		}
	}
}

func TestGetAgent_NotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/agents/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Markets ---

func TestCreateMarket(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")

	w := doJSON(t, router, "POST", "/api/v1/markets", service.CreateMarketRequest{
		CreatorID: alice.ID,
		Question:  "Will it rain tomorrow?",
		Category:  "weather",
		Liquidity: 1000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var view service.MarketView
	json.Unmarshal(w.Body.Bytes(), &view)
	if !view.YesReserve.Equal(d(500)) || !view.NoReserve.Equal(d(500)) {
		t.Errorf("expected 500/500 reserves, got %s/%s", view.YesReserve, view.NoReserve)
	}
	if !view.Probability.Equal(d(0.5)) {
		t.Errorf("expected probability 0.5, got %s", view.Probability)
	}
	if view.Category != "weather" {
		t.Errorf("expected category weather, got %s", view.Category)
	}
}

func TestCreateMarket_UnknownCreator(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/markets", service.CreateMarketRequest{
		CreatorID: "ghost",
		Question:  "Does this agent exist?",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown creator, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListMarkets_StatusFilter(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")
	m1 := seedMarket(t, e, alice.ID, 100)
	seedMarket(t, e, alice.ID, 100)

	if _, err := e.Resolve(context.Background(), engine.ResolveParams{
		ResolverID: alice.ID, MarketID: m1.ID, Outcome: model.SideYes,
	}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	w := doJSON(t, router, "GET", "/api/v1/markets?status=open", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []service.MarketView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 {
		t.Fatalf("expected 1 open market, got %d", len(views))
	}
	if views[0].ID == m1.ID {
		t.Error("resolved market should be filtered out")
	}
}

// --- Trading ---

func TestTrade_Buy(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")
	bob := seedAgent(t, e, "bob")
	m := seedMarket(t, e, alice.ID, 1000)

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/trade", service.TradeRequest{
		AgentID: bob.ID,
		Outcome: "yes",
		Amount:  100,
		Comment: "confident",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var view service.TradeView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.Trade.Fee != 2 {
		t.Errorf("expected fee 2, got %d", view.Trade.Fee)
	}
	if view.Trade.Shares.Sub(d(81.9398)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected ≈81.9398 shares, got %s", view.Trade.Shares)
	}
	if view.Balance != engine.SeedBalance-100 {
		t.Errorf("expected balance %d, got %d", engine.SeedBalance-100, view.Balance)
	}
	if view.Market.Probability.LessThanOrEqual(d(0.5)) {
		t.Errorf("probability should rise after yes buy, got %s", view.Market.Probability)
	}
}

func TestTrade_ValidationErrors(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")
	m := seedMarket(t, e, alice.ID, 1000)

	cases := []struct {
		name string
		req  service.TradeRequest
		want int
	}{
		{"bad outcome", service.TradeRequest{AgentID: alice.ID, Outcome: "maybe", Amount: 10}, http.StatusBadRequest},
		{"zero amount", service.TradeRequest{AgentID: alice.ID, Outcome: "yes", Amount: 0}, http.StatusBadRequest},
		{"missing agent field", service.TradeRequest{Outcome: "yes", Amount: 10}, http.StatusBadRequest},
		{"overspend", service.TradeRequest{AgentID: alice.ID, Outcome: "yes", Amount: 1_000_000}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/trade", tc.req)
		if w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d: %s", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestTrade_MarketNotFound(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")

	w := doJSON(t, router, "POST", "/api/v1/markets/missing/trade", service.TradeRequest{
		AgentID: alice.ID, Outcome: "yes", Amount: 10,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSell_InsufficientShares(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")
	bob := seedAgent(t, e, "bob")
	m := seedMarket(t, e, alice.ID, 1000)

	if _, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 12, ""); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/sell", service.SellRequest{
		AgentID: bob.ID,
		Outcome: "yes",
		Shares:  d(15),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] == "" {
		t.Error("expected error message in response")
	}
}

func TestSell_RoundTrip(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")
	bob := seedAgent(t, e, "bob")
	m := seedMarket(t, e, alice.ID, 1000)

	buy, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 100, "")
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/sell", service.SellRequest{
		AgentID: bob.ID,
		Outcome: "yes",
		Shares:  buy.Trade.Shares,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var view service.TradeView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.Trade.Amount >= 0 {
		t.Errorf("sell amount should be negative in ledger, got %d", view.Trade.Amount)
	}
	if view.Balance >= engine.SeedBalance {
		t.Errorf("fees mean round trips lose AGP, balance %d", view.Balance)
	}
}

// --- Resolution ---

func TestResolve(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")
	bob := seedAgent(t, e, "bob")
	m := seedMarket(t, e, alice.ID, 1000)

	if _, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 100, ""); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", service.ResolveRequest{
		ResolverID: alice.ID,
		Resolution: "yes",
		Evidence:   "source: observation",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Market    service.MarketView `json:"market"`
		Payouts   []model.Payout     `json:"payouts"`
		TotalPaid int64              `json:"total_paid"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Market.Status != model.StatusResolved {
		t.Errorf("expected resolved status, got %s", resp.Market.Status)
	}
	if len(resp.Payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(resp.Payouts))
	}
	if resp.Payouts[0].Amount <= 0 {
		t.Errorf("winner should be paid, got %d", resp.Payouts[0].Amount)
	}
	var sum int64
	for _, p := range resp.Payouts {
		sum += p.Amount
	}
	if resp.TotalPaid != sum || resp.TotalPaid <= 0 {
		t.Errorf("expected total_paid %d, got %d", sum, resp.TotalPaid)
	}
}

func TestResolve_Forbidden(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")
	bob := seedAgent(t, e, "bob")
	m := seedMarket(t, e, alice.ID, 1000)

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", service.ResolveRequest{
		ResolverID: bob.ID,
		Resolution: "yes",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-creator, got %d", w.Code)
	}
}

func TestResolve_Twice(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")
	m := seedMarket(t, e, alice.ID, 1000)

	w := doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", service.ResolveRequest{
		ResolverID: alice.ID, Resolution: "no",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("first resolve failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", service.ResolveRequest{
		ResolverID: alice.ID, Resolution: "yes",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for double resolve, got %d", w.Code)
	}
}

// --- History and leaderboards ---

func TestGetPriceHistory_SeedsStartingPoint(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")
	bob := seedAgent(t, e, "bob")
	m := seedMarket(t, e, alice.ID, 1000)

	if _, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 50, ""); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	w := doJSON(t, router, "GET", "/api/v1/markets/"+m.ID+"/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var history []model.PriceSample
	json.Unmarshal(w.Body.Bytes(), &history)
	if len(history) != 2 {
		t.Fatalf("expected 2 samples (seed + trade), got %d", len(history))
	}
	if !history[0].Probability.Equal(d(0.5)) {
		t.Errorf("first sample should be 0.5, got %s", history[0].Probability)
	}
	if history[1].Probability.LessThanOrEqual(d(0.5)) {
		t.Errorf("second sample should be above 0.5, got %s", history[1].Probability)
	}
}

func TestLeaderboard(t *testing.T) {
	e, router := newTestEnv(t)
	alice := seedAgent(t, e, "alice")
	bob := seedAgent(t, e, "bob")
	m := seedMarket(t, e, alice.ID, 1000)

	if _, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 100, ""); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if _, err := e.Resolve(context.Background(), engine.ResolveParams{
		ResolverID: alice.ID, MarketID: m.ID, Outcome: model.SideYes,
	}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	w := doJSON(t, router, "GET", "/api/v1/leaderboard", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var agents []model.Agent
	json.Unmarshal(w.Body.Bytes(), &agents)
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	if agents[0].Balance < agents[1].Balance {
		t.Error("leaderboard should be sorted by balance descending")
	}

	w = doJSON(t, router, "GET", "/api/v1/leaderboard?by=brier", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &agents)
	// Only bob has a scored prediction.
	if len(agents) != 1 {
		t.Fatalf("expected 1 scored agent, got %d", len(agents))
	}
	if agents[0].Handle != "bob" {
		t.Errorf("expected bob on brier board, got %s", agents[0].Handle)
	}

	w = doJSON(t, router, "GET", "/api/v1/leaderboard?by=volume", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown sort, got %d", w.Code)
	}
}
