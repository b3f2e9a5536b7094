package risk

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// OrderIntent is a caller's desire to place an order, before any policy check.
type OrderIntent struct {
	IntentID   string
	SourceTag  string // "manual" or a strategy id; manual orders get no special path
	Instrument string
	Side       string // BUY/SELL
	SizeMode   string // "quote" or "base"
	SizeValue  float64
	Reason     string
	CreatedAt  time.Time
}

// InstrumentFilter captures exchange-side precision/notional constraints.
type InstrumentFilter struct {
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// PortfolioSnapshot is the Risk Gate's view of account + exposure state.
type PortfolioSnapshot struct {
	Equity            float64
	DailyRealizedLoss float64 // positive number = amount lost today
	ExposureByInstrument map[string]float64 // notional, keyed by instrument
	Price             map[string]float64   // last known price, keyed by instrument
	KillSwitch        bool
}

// Decision is the Risk Gate's one-to-one output for an OrderIntent.
type Decision struct {
	IntentID      string
	Approved      bool
	NormalizedQty float64
	ReasonCode    string
	PolicyHits    []string
	LatencyMs     float64
	Warning       string
	Rate          RateBudgetSnapshot
}

// StrategyPolicy holds the per-strategy cooldown/max-active configuration
// consulted by steps 5 and 6 of Gate.Evaluate.
type StrategyPolicy struct {
	CooldownMs      int64
	MaxActiveOrders int
}

// Gate is the single, mandatory chokepoint between "someone wants to submit
// an order" and "we talk to the exchange" (component E). No code path
// outside this type may hand an intent to the Order Manager unevaluated.
type Gate struct {
	mu sync.Mutex

	killSwitch       bool
	equityFloor      float64
	maxDailyLoss     float64
	maxSymbolExposure map[string]float64 // per-instrument; "" = default
	defaultExposure  float64

	strategyPolicy map[string]StrategyPolicy // keyed by source_tag
	lastSignalAt   map[string]time.Time      // keyed by source_tag+instrument
	activeOrders   map[string]int            // keyed by source_tag

	filters map[string]InstrumentFilter // keyed by instrument

	rate *RateBudgetGovernor
}

// GateConfig seeds the Gate's static policy thresholds.
type GateConfig struct {
	EquityFloor       float64
	MaxDailyLoss      float64
	DefaultMaxSymbolExposure float64
	Rate              RateBudgetConfig
}

// NewGate builds a Risk/Rate Gate with the given static thresholds.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		equityFloor:       cfg.EquityFloor,
		maxDailyLoss:      cfg.MaxDailyLoss,
		defaultExposure:   cfg.DefaultMaxSymbolExposure,
		maxSymbolExposure: make(map[string]float64),
		strategyPolicy:    make(map[string]StrategyPolicy),
		lastSignalAt:      make(map[string]time.Time),
		activeOrders:      make(map[string]int),
		filters:           make(map[string]InstrumentFilter),
		rate:              NewRateBudgetGovernor(cfg.Rate),
	}
}

// SetKillSwitch flips the global emergency stop.
func (g *Gate) SetKillSwitch(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitch = on
}

// SetInstrumentFilter registers precision/notional constraints for an instrument.
func (g *Gate) SetInstrumentFilter(instrument string, f InstrumentFilter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filters[instrument] = f
}

// SetSymbolExposureCap overrides the default per-instrument exposure cap.
func (g *Gate) SetSymbolExposureCap(instrument string, cap float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxSymbolExposure[instrument] = cap
}

// SetStrategyPolicy registers cooldown/max-active settings for a source tag.
func (g *Gate) SetStrategyPolicy(sourceTag string, p StrategyPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strategyPolicy[sourceTag] = p
}

// NotifyOrderOpened/NotifyOrderClosed maintain the per-strategy active-order
// counter consulted by policy step 6.
func (g *Gate) NotifyOrderOpened(sourceTag string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activeOrders[sourceTag]++
}

func (g *Gate) NotifyOrderClosed(sourceTag string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activeOrders[sourceTag] > 0 {
		g.activeOrders[sourceTag]--
	}
}

// Evaluate runs the ordered, short-circuit policy list from §4.4 and returns
// a Decision. Deterministic given identical inputs.
func (g *Gate) Evaluate(intent OrderIntent, portfolio PortfolioSnapshot) Decision {
	start := time.Now()
	hits := make([]string, 0, 4)

	reject := func(code string) Decision {
		hits = append(hits, code)
		return Decision{
			IntentID:   intent.IntentID,
			Approved:   false,
			ReasonCode: code,
			PolicyHits: hits,
			LatencyMs:  float64(time.Since(start).Microseconds()) / 1000.0,
		}
	}

	g.mu.Lock()

	// 1. Kill-switch.
	if g.killSwitch || portfolio.KillSwitch {
		g.mu.Unlock()
		return reject("risk.kill_switch")
	}
	hits = append(hits, "kill_switch_ok")

	// 2. Account equity floor.
	if g.equityFloor > 0 && portfolio.Equity < g.equityFloor {
		g.mu.Unlock()
		return reject("risk.account_equity_floor")
	}
	hits = append(hits, "equity_floor_ok")

	// 3. Daily realized-loss cap.
	if g.maxDailyLoss > 0 && portfolio.DailyRealizedLoss >= g.maxDailyLoss {
		g.mu.Unlock()
		return reject("risk.max_daily_loss")
	}
	hits = append(hits, "daily_loss_ok")

	// 4. Per-instrument exposure cap.
	cap := g.defaultExposure
	if c, ok := g.maxSymbolExposure[intent.Instrument]; ok {
		cap = c
	}
	price := portfolio.Price[intent.Instrument]
	proposedNotional := intent.SizeValue
	if intent.SizeMode == "base" {
		proposedNotional = intent.SizeValue * price
	}
	if cap > 0 {
		existing := portfolio.ExposureByInstrument[intent.Instrument]
		if existing+proposedNotional > cap {
			g.mu.Unlock()
			return reject("risk.max_symbol_exposure")
		}
	}
	hits = append(hits, "exposure_ok")

	// 5. Per-strategy cooldown window.
	policy := g.strategyPolicy[intent.SourceTag]
	cdKey := intent.SourceTag + "|" + intent.Instrument
	if policy.CooldownMs > 0 {
		if last, ok := g.lastSignalAt[cdKey]; ok {
			elapsed := intent.CreatedAt.Sub(last).Milliseconds()
			if elapsed < policy.CooldownMs {
				g.mu.Unlock()
				return reject("risk.strategy_cooldown")
			}
		}
	}
	hits = append(hits, "cooldown_ok")

	// 6. Per-strategy max concurrent open orders.
	if policy.MaxActiveOrders > 0 && g.activeOrders[intent.SourceTag] >= policy.MaxActiveOrders {
		g.mu.Unlock()
		return reject("risk.strategy_max_active")
	}
	hits = append(hits, "max_active_ok")

	// 7. Normalize quantity to step/min filters; reject if below min_notional.
	qty := intent.SizeValue
	if intent.SizeMode == "quote" && price > 0 {
		qty = intent.SizeValue / price
	}
	filter := g.filters[intent.Instrument]
	normalizedQty := normalizeQty(qty, filter.StepSize, filter.MinQty)
	notional := normalizedQty * price
	if filter.MinNotional > 0 && notional < filter.MinNotional {
		g.mu.Unlock()
		return reject("risk.below_min_notional")
	}
	hits = append(hits, "normalize_ok")

	// Record the cooldown window advance now that the intent has cleared
	// every strategy-scoped check (recorded before unlocking so subsequent
	// concurrent intents for the same scope observe it).
	g.lastSignalAt[cdKey] = intent.CreatedAt
	g.mu.Unlock()

	// 8. Rate budget: charge weight against global + endpoint scope.
	chargeResult := g.rate.Charge(ScopeOrder, 1)
	if !chargeResult.Allowed {
		hits = append(hits, chargeResult.ReasonCode)
		return Decision{
			IntentID:   intent.IntentID,
			Approved:   false,
			ReasonCode: chargeResult.ReasonCode,
			PolicyHits: hits,
			LatencyMs:  float64(time.Since(start).Microseconds()) / 1000.0,
			Rate:       chargeResult.Global,
		}
	}
	hits = append(hits, "rate_ok")

	d := Decision{
		IntentID:      intent.IntentID,
		Approved:      true,
		NormalizedQty: normalizedQty,
		PolicyHits:    hits,
		LatencyMs:     float64(time.Since(start).Microseconds()) / 1000.0,
		Rate:          chargeResult.Global,
	}
	if chargeResult.Warn {
		d.Warning = "rate budget above warning threshold"
	}
	return d
}

// normalizeQty rounds down to the nearest step multiple and floors at minQty.
func normalizeQty(qty, step, minQty float64) float64 {
	if step > 0 {
		qty = math.Floor(qty/step) * step
	}
	if qty < minQty {
		return 0
	}
	return qty
}

// RateSnapshot exposes the governor's current per-scope view, e.g. for an
// EventRateBudget publish.
func (g *Gate) RateSnapshot() []RateBudgetSnapshot {
	return g.rate.Snapshot()
}

// String renders PolicyHits for log lines.
func (d Decision) String() string {
	return fmt.Sprintf("intent=%s approved=%v reason=%s hits=%v", d.IntentID, d.Approved, d.ReasonCode, d.PolicyHits)
}
