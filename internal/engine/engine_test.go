package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kevins-openclaw-lab/agora/internal/engine"
	"github.com/kevins-openclaw-lab/agora/internal/model"
	"github.com/kevins-openclaw-lab/agora/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var tolerance = d(0.0001)

// newTestEngine creates an Engine on an in-memory store.
func newTestEngine(t *testing.T) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return engine.New(ms), ms
}

// registerAgent registers a test agent and returns it.
func registerAgent(t *testing.T, e *engine.Engine, handle string) *model.Agent {
	t.Helper()
	a, _, err := e.RegisterAgent(context.Background(), handle)
	if err != nil {
		t.Fatalf("failed to register %s: %v", handle, err)
	}
	return a
}

// createMarket creates a funded test market.
func createMarket(t *testing.T, e *engine.Engine, creatorID string, liquidity int64) *model.Market {
	t.Helper()
	m, err := e.CreateMarket(context.Background(), engine.CreateMarketParams{
		CreatorID: creatorID,
		Question:  "Will it happen?",
		Liquidity: liquidity,
	})
	if err != nil {
		t.Fatalf("failed to create market: %v", err)
	}
	return m
}

// --- Registration ---

func TestRegisterAgent_SeedsBalance(t *testing.T) {
	e, _ := newTestEngine(t)

	a, created, err := e.RegisterAgent(context.Background(), "alice")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !created {
		t.Error("expected created=true for new handle")
	}
	if a.Balance != engine.SeedBalance {
		t.Errorf("expected seed balance %d, got %d", engine.SeedBalance, a.Balance)
	}
	if a.ID == "" {
		t.Error("expected non-empty agent ID")
	}
}

func TestRegisterAgent_NormalizesHandle(t *testing.T) {
	e, _ := newTestEngine(t)

	a, _, err := e.RegisterAgent(context.Background(), "@Alice_Bot")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if a.Handle != "alice_bot" {
		t.Errorf("expected handle alice_bot, got %s", a.Handle)
	}
}

func TestRegisterAgent_ExistingHandleReturnsAgent(t *testing.T) {
	e, _ := newTestEngine(t)

	first := registerAgent(t, e, "alice")
	second, created, err := e.RegisterAgent(context.Background(), "@ALICE")
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if created {
		t.Error("expected created=false for existing handle")
	}
	if second.ID != first.ID {
		t.Errorf("expected same agent, got %s and %s", first.ID, second.ID)
	}
}

func TestRegisterAgent_InvalidHandle(t *testing.T) {
	for _, handle := range []string{"", "x", "has space", "UPPER!", "tooooooooooooooooooooooooooolong"} {
		e, _ := newTestEngine(t)
		if _, _, err := e.RegisterAgent(context.Background(), handle); !errors.Is(err, engine.ErrValidation) {
			t.Errorf("handle %q: expected ErrValidation, got %v", handle, err)
		}
	}
}

func TestResolveAgent_AcceptsIDOrHandle(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")

	byID, err := e.ResolveAgent(context.Background(), alice.ID)
	if err != nil || byID.ID != alice.ID {
		t.Fatalf("resolve by id: agent=%v err=%v", byID, err)
	}
	byHandle, err := e.ResolveAgent(context.Background(), "@Alice")
	if err != nil || byHandle.ID != alice.ID {
		t.Fatalf("resolve by handle: agent=%v err=%v", byHandle, err)
	}
	if _, err := e.ResolveAgent(context.Background(), "nobody"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown handle, got %v", err)
	}
	if _, err := e.ResolveAgent(context.Background(), "  "); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("expected ErrValidation for blank identifier, got %v", err)
	}
}

func TestBuy_AcceptsHandleAsAgent(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	receipt, err := e.Buy(context.Background(), "@bob", m.ID, model.SideYes, 100, "")
	if err != nil {
		t.Fatalf("buy by handle failed: %v", err)
	}
	if receipt.Trade.AgentID != bob.ID {
		t.Errorf("expected trade recorded against %s, got %s", bob.ID, receipt.Trade.AgentID)
	}
	if receipt.Balance != engine.SeedBalance-100 {
		t.Errorf("expected balance %d, got %d", engine.SeedBalance-100, receipt.Balance)
	}
}

// --- Market creation ---

func TestCreateMarket_SplitsLiquidity(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")

	m := createMarket(t, e, alice.ID, 1000)

	if !m.YesReserve.Equal(d(500)) || !m.NoReserve.Equal(d(500)) {
		t.Errorf("expected 500/500 reserves, got %s/%s", m.YesReserve, m.NoReserve)
	}
	if !m.K.Equal(d(250000)) {
		t.Errorf("expected k=250000, got %s", m.K)
	}
	prob := m.YesReserve.Add(m.NoReserve)
	if !prob.Equal(d(1000)) {
		t.Errorf("reserves should total liquidity, got %s", prob)
	}
	if m.Status != model.StatusOpen {
		t.Errorf("expected open market, got %s", m.Status)
	}
}

func TestCreateMarket_DebitsCreator(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")

	createMarket(t, e, alice.ID, 100)

	a, err := e.GetAgent(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("get agent failed: %v", err)
	}
	if a.Balance != engine.SeedBalance-100 {
		t.Errorf("expected balance %d, got %d", engine.SeedBalance-100, a.Balance)
	}
}

func TestCreateMarket_InsufficientLiquidity(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")

	_, err := e.CreateMarket(context.Background(), engine.CreateMarketParams{
		CreatorID: alice.ID,
		Question:  "Too rich for me?",
		Liquidity: engine.SeedBalance + 1,
	})
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCreateMarket_EmptyQuestion(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")

	_, err := e.CreateMarket(context.Background(), engine.CreateMarketParams{
		CreatorID: alice.ID,
		Question:  "   ",
	})
	if !errors.Is(err, engine.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// --- Buying ---

func TestBuy_ReferenceTrade(t *testing.T) {
	// 100 AGP on yes against a 500/500 pool: 2 AGP fee, 98 net,
	// no reserve rises to 598, yes reserve falls to 250000/598.
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	r, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 100, "feeling lucky")
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if r.Trade.Fee != 2 {
		t.Errorf("expected fee 2, got %d", r.Trade.Fee)
	}
	if r.Trade.Shares.Sub(d(81.9398)).Abs().GreaterThan(tolerance) {
		t.Errorf("expected ≈81.9398 shares, got %s", r.Trade.Shares)
	}
	if r.Trade.Price.Sub(d(1.1960)).Abs().GreaterThan(tolerance) {
		t.Errorf("expected avg price ≈1.196, got %s", r.Trade.Price)
	}
	if !r.Market.NoReserve.Equal(d(598)) {
		t.Errorf("expected no reserve 598, got %s", r.Market.NoReserve)
	}
	if r.Market.YesReserve.Sub(d(418.0602)).Abs().GreaterThan(tolerance) {
		t.Errorf("expected yes reserve ≈418.0602, got %s", r.Market.YesReserve)
	}
	if r.Balance != engine.SeedBalance-100 {
		t.Errorf("expected balance %d, got %d", engine.SeedBalance-100, r.Balance)
	}
	if r.Probability.Sub(d(0.5885)).Abs().GreaterThan(tolerance) {
		t.Errorf("expected probability ≈0.5885, got %s", r.Probability)
	}
	if !r.Position.YesShares.Equal(r.Trade.Shares) {
		t.Errorf("position %s should match trade shares %s", r.Position.YesShares, r.Trade.Shares)
	}
	if r.Market.Volume != 100 {
		t.Errorf("expected volume 100, got %d", r.Market.Volume)
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	_, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, engine.SeedBalance+1, "")
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Nothing may have been applied.
	a, _ := e.GetAgent(context.Background(), bob.ID)
	if a.Balance != engine.SeedBalance {
		t.Errorf("balance should be untouched, got %d", a.Balance)
	}
	got, _ := e.GetMarket(context.Background(), m.ID)
	if !got.NoReserve.Equal(m.NoReserve) || got.Volume != 0 {
		t.Error("market should be untouched after rejected buy")
	}
}

func TestBuy_InvalidInput(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	m := createMarket(t, e, alice.ID, 1000)

	if _, err := e.Buy(context.Background(), alice.ID, m.ID, "maybe", 100, ""); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("expected ErrValidation for bad side, got %v", err)
	}
	if _, err := e.Buy(context.Background(), alice.ID, m.ID, model.SideYes, 0, ""); !errors.Is(err, engine.ErrValidation) {
		t.Errorf("expected ErrValidation for zero amount, got %v", err)
	}
	if _, err := e.Buy(context.Background(), alice.ID, "missing", model.SideYes, 100, ""); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing market, got %v", err)
	}
}

func TestBuy_MovesProbabilityTowardSide(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	r1, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 50, "")
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if r1.Probability.LessThanOrEqual(d(0.5)) {
		t.Errorf("yes buy should raise probability above 0.5, got %s", r1.Probability)
	}

	r2, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideNo, 200, "")
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if r2.Probability.GreaterThanOrEqual(r1.Probability) {
		t.Errorf("no buy should lower probability, got %s after %s", r2.Probability, r1.Probability)
	}
}

// --- Selling ---

func TestSell_ReturnsProceeds(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	buy, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 100, "")
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	sell, err := e.Sell(context.Background(), bob.ID, m.ID, model.SideYes, buy.Trade.Shares, "")
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	if sell.Trade.Amount >= 0 {
		t.Errorf("sell trade amount should be negative, got %d", sell.Trade.Amount)
	}
	if !sell.Trade.Shares.Equal(buy.Trade.Shares.Neg()) {
		t.Errorf("sell trade shares should be negated, got %s", sell.Trade.Shares)
	}
	if !sell.Position.YesShares.IsZero() {
		t.Errorf("position should be empty after selling all, got %s", sell.Position.YesShares)
	}
	// Fees on both legs mean the round trip loses money.
	if sell.Balance >= engine.SeedBalance {
		t.Errorf("round trip should not profit, balance %d", sell.Balance)
	}
}

func TestSell_MoreThanHeld(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	if _, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 12, ""); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	before, _ := e.GetMarket(context.Background(), m.ID)
	balBefore, _ := e.GetAgent(context.Background(), bob.ID)

	_, err := e.Sell(context.Background(), bob.ID, m.ID, model.SideYes, d(15), "")
	if !errors.Is(err, engine.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}

	// No partial application.
	after, _ := e.GetMarket(context.Background(), m.ID)
	if !after.YesReserve.Equal(before.YesReserve) || after.Volume != before.Volume {
		t.Error("market should be untouched after rejected sell")
	}
	balAfter, _ := e.GetAgent(context.Background(), bob.ID)
	if balAfter.Balance != balBefore.Balance {
		t.Errorf("balance changed from %d to %d", balBefore.Balance, balAfter.Balance)
	}
}

func TestSell_NoPosition(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	_, err := e.Sell(context.Background(), bob.ID, m.ID, model.SideYes, d(5), "")
	if !errors.Is(err, engine.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestSell_WrongSide(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	if _, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 100, ""); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	_, err := e.Sell(context.Background(), bob.ID, m.ID, model.SideNo, d(5), "")
	if !errors.Is(err, engine.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares for unheld side, got %v", err)
	}
}

// --- Resolution ---

func TestResolve_PaysWinnersWithBonus(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	carol := registerAgent(t, e, "carol")
	m := createMarket(t, e, alice.ID, 1000)

	buy, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 100, "")
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if _, err := e.Buy(context.Background(), carol.ID, m.ID, model.SideNo, 100, ""); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	r, err := e.Resolve(context.Background(), engine.ResolveParams{
		ResolverID: alice.ID,
		MarketID:   m.ID,
		Outcome:    model.SideYes,
		Evidence:   "it happened",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if r.Market.Status != model.StatusResolved {
		t.Errorf("expected resolved market, got %s", r.Market.Status)
	}
	if r.Market.Resolution != model.SideYes {
		t.Errorf("expected yes resolution, got %s", r.Market.Resolution)
	}
	if r.Market.ResolvedAt == nil {
		t.Error("expected resolved_at to be set")
	}

	// Bob bought ≈81.94 yes shares: payout floor = 81, bonus round(16.2) = 16.
	base := buy.Trade.Shares.IntPart()
	wantBonus := decimal.NewFromInt(base).Mul(d(0.2)).Round(0).IntPart()
	var bobPayout, carolPayout *model.Payout
	for i := range r.Payouts {
		switch r.Payouts[i].AgentID {
		case bob.ID:
			bobPayout = &r.Payouts[i]
		case carol.ID:
			carolPayout = &r.Payouts[i]
		}
	}
	if bobPayout == nil || carolPayout == nil {
		t.Fatalf("expected payouts for both holders, got %d entries", len(r.Payouts))
	}
	if bobPayout.Amount != base+wantBonus {
		t.Errorf("expected bob payout %d, got %d", base+wantBonus, bobPayout.Amount)
	}
	if bobPayout.PredictionBonus != wantBonus {
		t.Errorf("expected bonus %d, got %d", wantBonus, bobPayout.PredictionBonus)
	}
	if carolPayout.Amount != 0 {
		t.Errorf("losing side should get 0, got %d", carolPayout.Amount)
	}

	var sum int64
	for i := range r.Payouts {
		sum += r.Payouts[i].Amount
	}
	if r.TotalPaid != sum {
		t.Errorf("expected total paid %d, got %d", sum, r.TotalPaid)
	}
	if r.TotalPaid != base+wantBonus {
		t.Errorf("expected total paid %d, got %d", base+wantBonus, r.TotalPaid)
	}

	bobAgent, _ := e.GetAgent(context.Background(), bob.ID)
	if bobAgent.Balance != engine.SeedBalance-100+base+wantBonus {
		t.Errorf("expected bob balance %d, got %d", engine.SeedBalance-100+base+wantBonus, bobAgent.Balance)
	}
}

func TestResolve_RecordsBrierScores(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	if _, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 100, ""); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if _, err := e.Resolve(context.Background(), engine.ResolveParams{
		ResolverID: alice.ID, MarketID: m.ID, Outcome: model.SideYes,
	}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	bobAgent, _ := e.GetAgent(context.Background(), bob.ID)
	if bobAgent.BrierCount != 1 {
		t.Fatalf("expected brier count 1, got %d", bobAgent.BrierCount)
	}
	// All-in on the winning side: implied probability 1, outcome 1, score 0.
	if bobAgent.BrierSum != 0 {
		t.Errorf("expected brier sum 0 for perfect forecast, got %f", bobAgent.BrierSum)
	}
}

func TestResolve_CreatorOnly(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	_, err := e.Resolve(context.Background(), engine.ResolveParams{
		ResolverID: bob.ID, MarketID: m.ID, Outcome: model.SideYes,
	})
	if !errors.Is(err, engine.ErrNotCreator) {
		t.Errorf("expected ErrNotCreator, got %v", err)
	}
}

func TestResolve_Twice(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	m := createMarket(t, e, alice.ID, 1000)

	if _, err := e.Resolve(context.Background(), engine.ResolveParams{
		ResolverID: alice.ID, MarketID: m.ID, Outcome: model.SideNo,
	}); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}

	_, err := e.Resolve(context.Background(), engine.ResolveParams{
		ResolverID: alice.ID, MarketID: m.ID, Outcome: model.SideYes,
	})
	if !errors.Is(err, engine.ErrMarketState) {
		t.Errorf("expected ErrMarketState, got %v", err)
	}
}

func TestResolve_InvalidOutcome(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	m := createMarket(t, e, alice.ID, 1000)

	_, err := e.Resolve(context.Background(), engine.ResolveParams{
		ResolverID: alice.ID, MarketID: m.ID, Outcome: "maybe",
	})
	if !errors.Is(err, engine.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestResolve_BlocksFurtherTrading(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	m := createMarket(t, e, alice.ID, 1000)

	if _, err := e.Resolve(context.Background(), engine.ResolveParams{
		ResolverID: alice.ID, MarketID: m.ID, Outcome: model.SideYes,
	}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if _, err := e.Buy(context.Background(), bob.ID, m.ID, model.SideYes, 10, ""); !errors.Is(err, engine.ErrMarketState) {
		t.Errorf("expected ErrMarketState for buy on resolved market, got %v", err)
	}
}

// --- Conservation ---

func TestTrading_ConservesValue(t *testing.T) {
	// Outside of resolution bonuses, AGP only moves between agents and the
	// pool: balances plus pool spend minus fees stay consistent.
	e, _ := newTestEngine(t)
	alice := registerAgent(t, e, "alice")
	bob := registerAgent(t, e, "bob")
	carol := registerAgent(t, e, "carol")
	m := createMarket(t, e, alice.ID, 1000)

	var fees int64
	for i, trade := range []struct {
		agent  string
		side   model.Side
		amount int64
	}{
		{bob.ID, model.SideYes, 100},
		{carol.ID, model.SideNo, 250},
		{bob.ID, model.SideYes, 37},
		{carol.ID, model.SideYes, 81},
	} {
		r, err := e.Buy(context.Background(), trade.agent, m.ID, trade.side, trade.amount, "")
		if err != nil {
			t.Fatalf("trade %d failed: %v", i, err)
		}
		fees += r.Trade.Fee
	}

	if fees == 0 {
		t.Error("expected nonzero cumulative fees")
	}
	got, _ := e.GetMarket(context.Background(), m.ID)
	if got.Volume != 100+250+37+81 {
		t.Errorf("expected volume 468, got %d", got.Volume)
	}
	// The constant product never decreases while fees are withheld.
	k := got.YesReserve.Mul(got.NoReserve)
	if k.LessThan(d(250000)) {
		t.Errorf("constant product should not decrease, got %s", k)
	}
}
