package risk

import (
	"testing"
	"time"
)

func baseIntent(id string, t time.Time) OrderIntent {
	return OrderIntent{
		IntentID:   id,
		SourceTag:  "X",
		Instrument: "X/AAA",
		Side:       "BUY",
		SizeMode:   "base",
		SizeValue:  1,
		CreatedAt:  t,
	}
}

func basePortfolio() PortfolioSnapshot {
	return PortfolioSnapshot{
		Equity:               10000,
		ExposureByInstrument: map[string]float64{},
		Price:                map[string]float64{"X/AAA": 100},
	}
}

// S1 — Cooldown enforcement.
func TestGate_CooldownEnforcement(t *testing.T) {
	g := NewGate(GateConfig{Rate: DefaultRateBudgetConfig()})
	g.SetStrategyPolicy("X", StrategyPolicy{CooldownMs: 10000})

	t0 := time.Unix(0, 0)
	d1 := g.Evaluate(baseIntent("i1", t0), basePortfolio())
	if !d1.Approved {
		t.Fatalf("expected first intent approved, got %+v", d1)
	}

	d2 := g.Evaluate(baseIntent("i2", t0.Add(5000*time.Millisecond)), basePortfolio())
	if d2.Approved || d2.ReasonCode != "risk.strategy_cooldown" {
		t.Fatalf("expected cooldown rejection at t=5000ms, got %+v", d2)
	}

	d3 := g.Evaluate(baseIntent("i3", t0.Add(10001*time.Millisecond)), basePortfolio())
	if !d3.Approved {
		t.Fatalf("expected approval at t=10001ms, got %+v", d3)
	}
}

// S2 — Global budget backpressure.
func TestGate_GlobalBudgetBackpressure(t *testing.T) {
	cfg := DefaultRateBudgetConfig()
	cfg.GlobalLimitPerMinute = 10
	cfg.OrderLimitPerMinute = 10
	g := NewGate(GateConfig{Rate: cfg})

	now := time.Now()
	for i := 0; i < 10; i++ {
		intent := baseIntent(intentID(i), now)
		intent.SourceTag = intentID(i) // disjoint cooldown scopes
		d := g.Evaluate(intent, basePortfolio())
		if !d.Approved {
			t.Fatalf("expected intent %d approved, got %+v", i, d)
		}
	}

	intent := baseIntent("i11", now)
	intent.SourceTag = "i11"
	d := g.Evaluate(intent, basePortfolio())
	if d.Approved || d.ReasonCode != "rate.global_budget_exceeded" {
		t.Fatalf("expected 11th intent rejected for global budget, got %+v", d)
	}
}

func intentID(i int) string {
	return "scope-" + string(rune('a'+i))
}

// Invariant #4 — exposure cap.
func TestGate_ExposureCap(t *testing.T) {
	g := NewGate(GateConfig{DefaultMaxSymbolExposure: 150, Rate: DefaultRateBudgetConfig()})
	p := basePortfolio()
	p.ExposureByInstrument["X/AAA"] = 100

	intent := baseIntent("i1", time.Now())
	intent.SizeValue = 1 // notional 100 at price 100 -> total 200 > 150
	d := g.Evaluate(intent, p)
	if d.Approved || d.ReasonCode != "risk.max_symbol_exposure" {
		t.Fatalf("expected exposure cap rejection, got %+v", d)
	}
}

// Invariant #1 — kill switch short-circuits before any other policy.
func TestGate_KillSwitch(t *testing.T) {
	g := NewGate(GateConfig{Rate: DefaultRateBudgetConfig()})
	g.SetKillSwitch(true)
	d := g.Evaluate(baseIntent("i1", time.Now()), basePortfolio())
	if d.Approved || d.ReasonCode != "risk.kill_switch" {
		t.Fatalf("expected kill switch rejection, got %+v", d)
	}
}

func TestGate_BelowMinNotional(t *testing.T) {
	g := NewGate(GateConfig{Rate: DefaultRateBudgetConfig()})
	g.SetInstrumentFilter("X/AAA", InstrumentFilter{StepSize: 0.01, MinQty: 0.01, MinNotional: 500})
	intent := baseIntent("i1", time.Now())
	intent.SizeValue = 1 // notional 100 < 500 min
	d := g.Evaluate(intent, basePortfolio())
	if d.Approved || d.ReasonCode != "risk.below_min_notional" {
		t.Fatalf("expected below_min_notional rejection, got %+v", d)
	}
}
