package order

import (
	"context"
	"fmt"
	"sync"
)

// positionLink is what the lifecycle adapter remembers about a position so
// it can translate "close this position" into a concrete order without the
// lifecycle package ever seeing order internals.
type positionLink struct {
	Instrument string
	Side       string // side that opened the position; closing sends the opposite
	Qty        float64
	StrategyID string
	StopID     string
}

// LifecycleAdapter implements lifecycle.OrderPlacer on top of an Executor,
// so the Position Lifecycle Engine can request protective stops and closing
// orders without depending on the order package's concrete types.
type LifecycleAdapter struct {
	executor *Executor

	mu    sync.RWMutex
	links map[string]*positionLink
}

// NewLifecycleAdapter builds an adapter bound to executor.
func NewLifecycleAdapter(executor *Executor) *LifecycleAdapter {
	return &LifecycleAdapter{
		executor: executor,
		links:    make(map[string]*positionLink),
	}
}

// Register records the order details behind a position id once its entry
// fill lands; subsequent PlaceProtectiveStop/Close calls look this up.
func (a *LifecycleAdapter) Register(positionID, instrument, side, strategyID string, qty float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.links[positionID] = &positionLink{Instrument: instrument, Side: side, Qty: qty, StrategyID: strategyID}
}

func (a *LifecycleAdapter) link(positionID string) (*positionLink, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.links[positionID]
	if !ok {
		return nil, fmt.Errorf("broker.unknown_position: %s", positionID)
	}
	return l, nil
}

func oppositeSide(side string) string {
	if side == "BUY" || side == "LONG" {
		return "SELL"
	}
	return "BUY"
}

// PlaceProtectiveStop submits a STOP_LOSS order on the opposite side of the
// entry, using a client_order_id derived from the position id so a retried
// placement after a timeout never duplicates the stop at the exchange.
func (a *LifecycleAdapter) PlaceProtectiveStop(ctx context.Context, positionID string, stopPrice float64) (string, error) {
	l, err := a.link(positionID)
	if err != nil {
		return "", err
	}

	clientID := ClientOrderID("stop:" + positionID)
	o := Order{
		ID:           clientID,
		Symbol:       l.Instrument,
		Side:         oppositeSide(l.Side),
		Type:         "STOP_LOSS",
		StopPrice:    stopPrice,
		Qty:          l.Qty,
		Status:       string(StatePendingSubmit),
		ReduceOnly:   true,
		Market:       "SPOT",
	}
	if err := a.executor.Handle(ctx, o); err != nil {
		return "", fmt.Errorf("broker.submit_failed: %w", err)
	}

	a.mu.Lock()
	l.StopID = clientID
	a.mu.Unlock()
	return clientID, nil
}

// EnsureProtectiveStop reports whether the position's stop is still tracked.
// Full exchange-side reconciliation (re-querying open orders to detect a
// stop that was canceled or filled out from under us) is the reconciliation
// service's job; this only reports what the adapter itself last placed.
func (a *LifecycleAdapter) EnsureProtectiveStop(ctx context.Context, positionID string) (ok, repaired, failed bool) {
	l, err := a.link(positionID)
	if err != nil {
		return false, false, true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return l.StopID != "", false, false
}

// Close submits a reduce-only market order flattening the position.
func (a *LifecycleAdapter) Close(ctx context.Context, positionID, exitReasonCode string) error {
	l, err := a.link(positionID)
	if err != nil {
		return err
	}
	o := Order{
		ID:         ClientOrderID("close:" + positionID + ":" + exitReasonCode),
		Symbol:     l.Instrument,
		Side:       oppositeSide(l.Side),
		Type:       "MARKET",
		Qty:        l.Qty,
		Status:     string(StatePendingSubmit),
		ReduceOnly: true,
		Market:     "SPOT",
	}
	if err := a.executor.Handle(ctx, o); err != nil {
		return fmt.Errorf("broker.submit_failed: %w", err)
	}
	return nil
}

// EmergencyClose is Close with a distinct client id namespace, so a retried
// emergency attempt after a partial failure keeps its own idempotency key
// separate from the normal close path that preceded it.
func (a *LifecycleAdapter) EmergencyClose(ctx context.Context, positionID, exitReasonCode string) error {
	l, err := a.link(positionID)
	if err != nil {
		return err
	}
	o := Order{
		ID:         ClientOrderID("emergency:" + positionID),
		Symbol:     l.Instrument,
		Side:       oppositeSide(l.Side),
		Type:       "MARKET",
		Qty:        l.Qty,
		Status:     string(StatePendingSubmit),
		ReduceOnly: true,
		Market:     "SPOT",
	}
	if err := a.executor.Handle(ctx, o); err != nil {
		return fmt.Errorf("broker.submit_failed: %w", err)
	}
	return nil
}
