package risk

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateScope names an API-weight accounting bucket.
type RateScope string

const (
	ScopeGlobal  RateScope = "global"
	ScopeAccount RateScope = "account"
	ScopeOrder   RateScope = "order"
	ScopeHistory RateScope = "history"
	ScopeMarket  RateScope = "market"
)

// RateBudgetSnapshot mirrors the external view of a scope's consumption.
type RateBudgetSnapshot struct {
	Scope   RateScope `json:"scope"`
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// scopeBudget tracks one rate scope's sliding window.
type scopeBudget struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	limit       int
	used        int
	windowStart time.Time
	window      time.Duration
}

func newScopeBudget(limitPerMinute int, window time.Duration) *scopeBudget {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	ratePerSec := rate.Limit(float64(limitPerMinute) / window.Seconds())
	return &scopeBudget{
		limiter:     rate.NewLimiter(ratePerSec, limitPerMinute),
		limit:       limitPerMinute,
		windowStart: time.Now(),
		window:      window,
	}
}

func (s *scopeBudget) resetIfElapsed(now time.Time) {
	if now.Sub(s.windowStart) >= s.window {
		s.used = 0
		s.windowStart = now
	}
}

// charge attempts to debit weight against the scope. Returns (ok, usageRatio).
// The check is atomic with respect to concurrent callers via the internal mutex;
// this is the invariant-#3 ("no-budget-overrun") enforcement point.
func (s *scopeBudget) charge(weight int) (bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.resetIfElapsed(now)

	if s.used+weight > s.limit {
		return false, float64(s.used) / float64(s.limit)
	}
	if !s.limiter.AllowN(now, weight) {
		return false, float64(s.used) / float64(s.limit)
	}
	s.used += weight
	return true, float64(s.used) / float64(s.limit)
}

func (s *scopeBudget) refund(weight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= weight
	if s.used < 0 {
		s.used = 0
	}
}

func (s *scopeBudget) snapshot(scope RateScope) RateBudgetSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RateBudgetSnapshot{
		Scope:   scope,
		Used:    s.used,
		Limit:   s.limit,
		ResetAt: s.windowStart.Add(s.window),
	}
}

// RateBudgetGovernor charges order-intent weight against a global scope and an
// endpoint-class scope, enforcing the sliding-window budgets from
// rate.{global_limit_per_minute, endpoint.*_limit_per_minute}.
type RateBudgetGovernor struct {
	mu         sync.RWMutex
	scopes     map[RateScope]*scopeBudget
	warnRatio  float64
}

// RateBudgetConfig configures per-scope limits (requests per minute).
type RateBudgetConfig struct {
	GlobalLimitPerMinute  int
	AccountLimitPerMinute int
	OrderLimitPerMinute   int
	HistoryLimitPerMinute int
	MarketLimitPerMinute  int
	WarnRatio             float64
}

// DefaultRateBudgetConfig mirrors conservative Binance-class weight budgets.
func DefaultRateBudgetConfig() RateBudgetConfig {
	return RateBudgetConfig{
		GlobalLimitPerMinute:  1200,
		AccountLimitPerMinute: 180,
		OrderLimitPerMinute:   600,
		HistoryLimitPerMinute: 120,
		MarketLimitPerMinute:  600,
		WarnRatio:             0.7,
	}
}

// NewRateBudgetGovernor builds the governor with one scopeBudget per rate scope.
func NewRateBudgetGovernor(cfg RateBudgetConfig) *RateBudgetGovernor {
	if cfg.WarnRatio <= 0 {
		cfg.WarnRatio = 0.7
	}
	return &RateBudgetGovernor{
		warnRatio: cfg.WarnRatio,
		scopes: map[RateScope]*scopeBudget{
			ScopeGlobal:  newScopeBudget(cfg.GlobalLimitPerMinute, time.Minute),
			ScopeAccount: newScopeBudget(cfg.AccountLimitPerMinute, time.Minute),
			ScopeOrder:   newScopeBudget(cfg.OrderLimitPerMinute, time.Minute),
			ScopeHistory: newScopeBudget(cfg.HistoryLimitPerMinute, time.Minute),
			ScopeMarket:  newScopeBudget(cfg.MarketLimitPerMinute, time.Minute),
		},
	}
}

// ChargeResult reports the outcome of a Charge call.
type ChargeResult struct {
	Allowed    bool
	ReasonCode string // rate.global_budget_exceeded | rate.endpoint_budget_exceeded
	Warn       bool   // usage crossed warnRatio on either scope charged
	Global     RateBudgetSnapshot
	Endpoint   RateBudgetSnapshot
}

// Charge debits weight from both the global scope and the given endpoint scope.
// It is atomic per scope; if the endpoint charge fails after global succeeded,
// the global charge is refunded so partial charges never leak (invariant #3).
func (g *RateBudgetGovernor) Charge(endpoint RateScope, weight int) ChargeResult {
	g.mu.RLock()
	global := g.scopes[ScopeGlobal]
	ep, ok := g.scopes[endpoint]
	g.mu.RUnlock()
	if !ok {
		ep = global
	}

	okGlobal, globalRatio := global.charge(weight)
	if !okGlobal {
		return ChargeResult{
			Allowed:    false,
			ReasonCode: "rate.global_budget_exceeded",
			Global:     global.snapshot(ScopeGlobal),
			Endpoint:   ep.snapshot(endpoint),
		}
	}

	if ep != global {
		okEp, epRatio := ep.charge(weight)
		if !okEp {
			global.refund(weight)
			return ChargeResult{
				Allowed:    false,
				ReasonCode: "rate.endpoint_budget_exceeded",
				Global:     global.snapshot(ScopeGlobal),
				Endpoint:   ep.snapshot(endpoint),
			}
		}
		return ChargeResult{
			Allowed:  true,
			Warn:     globalRatio >= g.warnRatio || epRatio >= g.warnRatio,
			Global:   global.snapshot(ScopeGlobal),
			Endpoint: ep.snapshot(endpoint),
		}
	}

	return ChargeResult{
		Allowed:  true,
		Warn:     globalRatio >= g.warnRatio,
		Global:   global.snapshot(ScopeGlobal),
		Endpoint: ep.snapshot(endpoint),
	}
}

// UpdateFromAuthoritativeReset overrides a scope's window start from an
// exchange-provided reset signal (e.g. a rate-limit response header), per
// "Reset timestamps come from an authoritative external signal when
// available; otherwise inferred."
func (g *RateBudgetGovernor) UpdateFromAuthoritativeReset(scope RateScope, resetAt time.Time) {
	g.mu.RLock()
	s, ok := g.scopes[scope]
	g.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.windowStart = resetAt.Add(-s.window)
	s.mu.Unlock()
}

// Snapshot returns the current view of every scope.
func (g *RateBudgetGovernor) Snapshot() []RateBudgetSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]RateBudgetSnapshot, 0, len(g.scopes))
	for scope, s := range g.scopes {
		out = append(out, s.snapshot(scope))
	}
	return out
}
