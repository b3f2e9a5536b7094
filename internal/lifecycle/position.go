// Package lifecycle implements the Position Lifecycle Engine (H) and the
// Exit Orchestrator (I): per-position mark-to-market tracking, exit-trigger
// evaluation, and priority-ranked exit resolution.
package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"

	"trading-core/internal/expectancy"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpen    Status = "Open"
	StatusClosing Status = "Closing"
	StatusClosed  Status = "Closed"
)

// Position is owned exclusively by the Engine; every other component sees it
// through Engine.Position/Positions copies, never the pointer.
type Position struct {
	PositionID        string
	Instrument        string
	SourceTag         string
	OpenedAt          time.Time
	EntryPrice        float64
	QtyOpen           float64
	QtyClosed         float64
	Status            Status
	StopOrderID       string
	MFE               float64
	MAE               float64
	ExpectancyAtEntry expectancy.Snapshot
	EVLive            float64
	EVLiveUpdatedAt   time.Time
	ExitReasonCode    string
	ClosedAt          *time.Time

	evNonPositiveSince   time.Time
	evNonPositiveSamples int
}

// OrderPlacer is the Position Lifecycle Engine's view of the Order Manager.
// The two components hold each other's input channels / narrow interfaces,
// not each other's mutable state (see DESIGN.md "cyclic references").
type OrderPlacer interface {
	PlaceProtectiveStop(ctx context.Context, positionID string, stopPrice float64) (stopOrderID string, err error)
	EnsureProtectiveStop(ctx context.Context, positionID string) (ok, repaired, failed bool)
	Close(ctx context.Context, positionID, exitReasonCode string) error
	EmergencyClose(ctx context.Context, positionID, exitReasonCode string) error
}

// Config holds the exit.* configuration keys from §6.
type Config struct {
	MaxHoldMultiplier     float64 // time_stop: now-opened_at > expected_hold_ms * multiplier
	EVHysteresisSamples   int
	EVHysteresisDuration  time.Duration
	RiskDegradeThreshold  float64 // fraction of MFE given back before risk_degrade fires
	EnforceProtectiveStop bool
	DebounceWindow        time.Duration
}

// DefaultConfig mirrors the teacher's conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxHoldMultiplier:     3.0,
		EVHysteresisSamples:   3,
		EVHysteresisDuration:  5 * time.Second,
		RiskDegradeThreshold:  0.6,
		EnforceProtectiveStop: true,
		DebounceWindow:        200 * time.Millisecond,
	}
}

// Notifier is the subset of the event bus the Engine publishes through.
type Notifier interface {
	Publish(topic string, payload any)
}

// Engine is the Position Lifecycle Engine (H).
type Engine struct {
	mu         sync.RWMutex
	positions  map[string]*Position
	byInstrument map[string][]string // instrument -> position ids, for mark-price fan-out

	cfg        Config
	orders     OrderPlacer
	estimator  *expectancy.Estimator
	orch       *ExitOrchestrator
	nextID     func() string
}

// NewEngine builds a Position Lifecycle Engine. idGen generates position ids
// (e.g. uuid.NewString), injected so the package stays free of a uuid import
// it otherwise wouldn't need.
func NewEngine(cfg Config, orders OrderPlacer, estimator *expectancy.Estimator, idGen func() string) *Engine {
	e := &Engine{
		positions:    make(map[string]*Position),
		byInstrument: make(map[string][]string),
		cfg:          cfg,
		orders:       orders,
		estimator:    estimator,
		orch:         NewExitOrchestrator(cfg.DebounceWindow),
		nextID:       idGen,
	}
	e.orch.SetResolvedCallback(e.onExitResolved)
	return e
}

// onExitResolved is the ExitOrchestrator callback: it fires once a debounce
// window closes with the position's winning trigger.
func (e *Engine) onExitResolved(positionID string, t ExitTrigger) {
	e.mu.RLock()
	p, ok := e.positions[positionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.executeExit(context.Background(), p, t)
}

// OnEntryFill allocates a position on the first fill of a new entry. It
// immediately requests a protective stop; if the stop cannot be placed and
// EnforceProtectiveStop is set, it raises an exit.stop_missing trigger, which
// closes the whole position; no size reduction is attempted.
func (e *Engine) OnEntryFill(ctx context.Context, instrument, sourceTag string, qty, entryPrice float64, snap expectancy.Snapshot, stopPrice float64) *Position {
	p := &Position{
		PositionID:        e.nextID(),
		Instrument:        instrument,
		SourceTag:         sourceTag,
		OpenedAt:          time.Now(),
		EntryPrice:        entryPrice,
		QtyOpen:           qty,
		Status:            StatusOpen,
		ExpectancyAtEntry: snap,
		EVLive:            snap.EV,
		EVLiveUpdatedAt:   time.Now(),
	}

	e.mu.Lock()
	e.positions[p.PositionID] = p
	e.byInstrument[instrument] = append(e.byInstrument[instrument], p.PositionID)
	e.mu.Unlock()

	stopOrderID, err := e.orders.PlaceProtectiveStop(ctx, p.PositionID, stopPrice)
	if err != nil {
		log.Printf("lifecycle: protective stop failed for position %s: %v", p.PositionID, err)
		if e.cfg.EnforceProtectiveStop {
			e.raiseTrigger(ctx, p, ExitTrigger{Code: "exit.stop_missing", Priority: priorityOf("exit.stop_missing"), At: time.Now()})
		}
	} else {
		e.mu.Lock()
		p.StopOrderID = stopOrderID
		e.mu.Unlock()
	}

	return e.snapshot(p)
}

// OnMarkPrice updates MFE/MAE for every open position on the instrument and
// re-evaluates exit conditions. MFE is non-decreasing, MAE non-increasing
// over a position's lifetime (invariant #7).
func (e *Engine) OnMarkPrice(ctx context.Context, instrument string, price float64) {
	e.mu.RLock()
	ids := append([]string{}, e.byInstrument[instrument]...)
	e.mu.RUnlock()

	for _, id := range ids {
		e.mu.Lock()
		p, ok := e.positions[id]
		if !ok || p.Status != StatusOpen {
			e.mu.Unlock()
			continue
		}
		unrealized := (price - p.EntryPrice) * p.QtyOpen
		if unrealized > p.MFE {
			p.MFE = unrealized
		}
		if unrealized < p.MAE {
			p.MAE = unrealized
		}
		e.mu.Unlock()

		e.refreshEVLive(p)
		e.evaluateExits(ctx, p, price)
	}
}

// refreshEVLive periodically recomputes ev_live; expectancy_at_entry is left
// untouched (invariant #8, dual-EV).
func (e *Engine) refreshEVLive(p *Position) {
	if e.estimator == nil {
		return
	}
	snap := e.estimator.Estimate(nil) // no trade history is passed, so EVLive is the estimator's empty-history value
	e.mu.Lock()
	p.EVLive = snap.EV
	p.EVLiveUpdatedAt = time.Now()
	e.mu.Unlock()
}

func (e *Engine) evaluateExits(ctx context.Context, p *Position, price float64) {
	e.mu.RLock()
	opened := p.OpenedAt
	expectedHoldMs := p.ExpectancyAtEntry.ExpectedHoldMs
	mfe := p.MFE
	evLive := p.EVLive
	e.mu.RUnlock()

	var triggers []ExitTrigger
	now := time.Now()

	if expectedHoldMs > 0 {
		maxHold := time.Duration(float64(expectedHoldMs)*e.cfg.MaxHoldMultiplier) * time.Millisecond
		if now.Sub(opened) > maxHold {
			triggers = append(triggers, ExitTrigger{Code: "exit.time_stop", Priority: priorityOf("exit.time_stop"), At: now})
		}
	}

	if mfe > 0 {
		unrealized := (price - p.EntryPrice) * p.QtyOpen
		giveBack := mfe - unrealized
		if mfe > 0 && giveBack/mfe >= e.cfg.RiskDegradeThreshold {
			triggers = append(triggers, ExitTrigger{Code: "exit.risk_degrade", Priority: priorityOf("exit.risk_degrade"), At: now})
		}
	}

	if evLive <= 0 {
		e.mu.Lock()
		if p.evNonPositiveSamples == 0 {
			p.evNonPositiveSince = now
		}
		p.evNonPositiveSamples++
		samples := p.evNonPositiveSamples
		since := p.evNonPositiveSince
		e.mu.Unlock()

		if samples >= e.cfg.EVHysteresisSamples && now.Sub(since) >= e.cfg.EVHysteresisDuration {
			triggers = append(triggers, ExitTrigger{Code: "exit.ev_non_positive", Priority: priorityOf("exit.ev_non_positive"), At: now})
		}
	} else {
		e.mu.Lock()
		p.evNonPositiveSamples = 0
		e.mu.Unlock()
	}

	for _, t := range triggers {
		e.raiseTrigger(ctx, p, t)
	}
}

// OnSignalReversal is called when the owning strategy emits Sell on an open
// long (or Buy on an open short), raising the lowest-priority exit trigger.
func (e *Engine) OnSignalReversal(ctx context.Context, positionID string) {
	e.mu.RLock()
	p, ok := e.positions[positionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.raiseTrigger(ctx, p, ExitTrigger{Code: "exit.signal_reversal", Priority: priorityOf("exit.signal_reversal"), At: time.Now()})
}

// OnStopMissing is called when reconciliation discovers the protective stop
// is no longer live at the exchange.
func (e *Engine) OnStopMissing(ctx context.Context, positionID string) {
	e.mu.RLock()
	p, ok := e.positions[positionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.raiseTrigger(ctx, p, ExitTrigger{Code: "exit.stop_missing", Priority: priorityOf("exit.stop_missing"), At: time.Now()})
}

func (e *Engine) raiseTrigger(ctx context.Context, p *Position, t ExitTrigger) {
	winner, ok := e.orch.Raise(p.PositionID, t)
	if !ok {
		return // debounce window open; a higher-priority trigger may yet arrive before it closes
	}
	e.executeExit(ctx, p, winner)
}

// executeExit issues the closing order for the winning trigger, with the
// bounded retry-then-emergency-close escalation from §4.9.
func (e *Engine) executeExit(ctx context.Context, p *Position, t ExitTrigger) {
	e.mu.Lock()
	if p.Status != StatusOpen {
		e.mu.Unlock()
		return // already closing/closed via a prior trigger resolution
	}
	p.Status = StatusClosing
	p.ExitReasonCode = t.Code
	e.mu.Unlock()

	err := e.orders.Close(ctx, p.PositionID, t.Code)
	if err == nil {
		e.finalizeClose(p)
		return
	}

	log.Printf("lifecycle: close failed for position %s (%s), retrying once: %v", p.PositionID, t.Code, err)
	err = e.orders.Close(ctx, p.PositionID, t.Code)
	if err == nil {
		e.finalizeClose(p)
		return
	}

	log.Printf("lifecycle: retry failed for position %s, escalating to emergency_close: %v", p.PositionID, err)
	e.mu.Lock()
	p.ExitReasonCode = "exit.emergency_close"
	e.mu.Unlock()

	const maxEmergencyAttempts = 3
	for attempt := 1; attempt <= maxEmergencyAttempts; attempt++ {
		if err := e.orders.EmergencyClose(ctx, p.PositionID, "exit.emergency_close"); err == nil {
			e.finalizeClose(p)
			return
		}
		log.Printf("lifecycle: emergency_close attempt %d/%d failed for position %s", attempt, maxEmergencyAttempts, p.PositionID)
	}
	log.Printf("ERROR lifecycle: emergency_close exhausted retry budget for position %s; manual intervention required", p.PositionID)
}

func (e *Engine) finalizeClose(p *Position) {
	now := time.Now()
	e.mu.Lock()
	p.Status = StatusClosed
	p.ClosedAt = &now
	p.QtyClosed = p.QtyOpen
	p.QtyOpen = 0
	e.mu.Unlock()
}

// Position returns a copy of the position state, or false if unknown.
func (e *Engine) Position(positionID string) (Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[positionID]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns a snapshot copy of every tracked position.
func (e *Engine) Positions() []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// RestoreOpenPosition re-hydrates a position recovered from the History
// Store on startup (scenario S6).
func (e *Engine) RestoreOpenPosition(p Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := p
	e.positions[p.PositionID] = &cp
	e.byInstrument[p.Instrument] = append(e.byInstrument[p.Instrument], p.PositionID)
}

func (e *Engine) snapshot(p *Position) *Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := *p
	return &cp
}
