package lifecycle

import (
	"context"
	"testing"
	"time"

	"trading-core/internal/expectancy"
)

type fakeOrderPlacer struct {
	stopErr  error
	closeErr error
	closes   []string
}

func (f *fakeOrderPlacer) PlaceProtectiveStop(ctx context.Context, positionID string, stopPrice float64) (string, error) {
	if f.stopErr != nil {
		return "", f.stopErr
	}
	return "stop-" + positionID, nil
}

func (f *fakeOrderPlacer) EnsureProtectiveStop(ctx context.Context, positionID string) (bool, bool, bool) {
	return true, false, false
}

func (f *fakeOrderPlacer) Close(ctx context.Context, positionID, reasonCode string) error {
	f.closes = append(f.closes, reasonCode)
	return f.closeErr
}

func (f *fakeOrderPlacer) EmergencyClose(ctx context.Context, positionID, reasonCode string) error {
	f.closes = append(f.closes, reasonCode)
	return nil
}

func noHoldSnapshot() expectancy.Snapshot {
	return expectancy.Snapshot{EV: 1, ExpectedHoldMs: 0}
}

// Invariant #7 — MFE is non-decreasing and MAE is non-increasing over a
// position's open lifetime, regardless of intermediate price oscillation.
func TestEngine_MFEMAEMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RiskDegradeThreshold = 10 // effectively disabled for this test
	cfg.EVHysteresisSamples = 1000
	orders := &fakeOrderPlacer{}
	i := 0
	engine := NewEngine(cfg, orders, nil, func() string { i++; return "pos-1" })

	p := engine.OnEntryFill(context.Background(), "X/AAA", "strat-1", 1, 100, noHoldSnapshot(), 90)
	if p.StopOrderID == "" {
		t.Fatalf("expected protective stop to be placed")
	}

	prices := []float64{105, 95, 110, 90, 102}
	var prevMFE, prevMAE float64
	for n, price := range prices {
		engine.OnMarkPrice(context.Background(), "X/AAA", price)
		cur, ok := engine.Position(p.PositionID)
		if !ok {
			t.Fatalf("position disappeared after tick %d", n)
		}
		if cur.MFE < prevMFE {
			t.Fatalf("tick %d: MFE decreased from %v to %v", n, prevMFE, cur.MFE)
		}
		if cur.MAE > prevMAE {
			t.Fatalf("tick %d: MAE increased from %v to %v", n, prevMAE, cur.MAE)
		}
		prevMFE, prevMAE = cur.MFE, cur.MAE
	}
	if prevMFE <= 0 {
		t.Fatalf("expected a positive MFE after a 110 print on a 100 entry, got %v", prevMFE)
	}
	if prevMAE >= 0 {
		t.Fatalf("expected a negative MAE after a 90 print on a 100 entry, got %v", prevMAE)
	}
}

// Invariant #9 — exit resolution always favors the highest-priority trigger
// regardless of the order candidates are collected in.
func TestResolve_PriorityOrdering(t *testing.T) {
	triggers := []ExitTrigger{
		{Code: "exit.signal_reversal", Priority: priorityOf("exit.signal_reversal")},
		{Code: "exit.time_stop", Priority: priorityOf("exit.time_stop")},
		{Code: "exit.stop_missing", Priority: priorityOf("exit.stop_missing")},
		{Code: "exit.risk_degrade", Priority: priorityOf("exit.risk_degrade")},
	}
	winner, ok := Resolve(triggers)
	if !ok || winner.Code != "exit.stop_missing" {
		t.Fatalf("expected exit.stop_missing to win, got %+v", winner)
	}
}

// Scenario S5 — two triggers land within the same debounce window; the
// orchestrator must deliver only the higher-priority one, once.
func TestExitOrchestrator_DebounceArbitration(t *testing.T) {
	orch := NewExitOrchestrator(40 * time.Millisecond)
	resolved := make(chan ExitTrigger, 4)
	orch.SetResolvedCallback(func(positionID string, t ExitTrigger) {
		resolved <- t
	})

	_, ok := orch.Raise("pos-1", ExitTrigger{Code: "exit.risk_degrade", Priority: priorityOf("exit.risk_degrade"), At: time.Now()})
	if ok {
		t.Fatalf("expected first trigger to open a debounce window, not resolve immediately")
	}
	_, ok = orch.Raise("pos-1", ExitTrigger{Code: "exit.time_stop", Priority: priorityOf("exit.time_stop"), At: time.Now()})
	if ok {
		t.Fatalf("expected second trigger within the window to merge, not resolve immediately")
	}

	select {
	case winner := <-resolved:
		if winner.Code != "exit.time_stop" {
			t.Fatalf("expected exit.time_stop (higher priority) to win, got %s", winner.Code)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("debounce window never resolved")
	}

	select {
	case extra := <-resolved:
		t.Fatalf("expected exactly one resolution, got extra %+v", extra)
	default:
	}
}

// A zero debounce window resolves every trigger synchronously, in arrival order.
func TestExitOrchestrator_ZeroWindowResolvesImmediately(t *testing.T) {
	orch := NewExitOrchestrator(0)
	winner, ok := orch.Raise("pos-1", ExitTrigger{Code: "exit.signal_reversal", Priority: priorityOf("exit.signal_reversal")})
	if !ok || winner.Code != "exit.signal_reversal" {
		t.Fatalf("expected immediate resolution with zero window, got ok=%v winner=%+v", ok, winner)
	}
}

// A missing protective stop on entry raises exit.stop_missing and drives the
// position straight to Close even though the stop itself never existed.
func TestEngine_StopPlacementFailureTriggersStopMissing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebounceWindow = 0
	orders := &fakeOrderPlacer{stopErr: context.DeadlineExceeded}
	engine := NewEngine(cfg, orders, nil, func() string { return "pos-2" })

	p := engine.OnEntryFill(context.Background(), "X/AAA", "strat-1", 1, 100, noHoldSnapshot(), 90)
	cur, ok := engine.Position(p.PositionID)
	if !ok {
		t.Fatalf("expected position to be tracked")
	}
	if cur.Status != StatusClosed {
		t.Fatalf("expected position to be closed after stop_missing, got status=%v", cur.Status)
	}
	if cur.ExitReasonCode != "exit.stop_missing" {
		t.Fatalf("expected exit reason exit.stop_missing, got %v", cur.ExitReasonCode)
	}
	if len(orders.closes) == 0 || orders.closes[0] != "exit.stop_missing" {
		t.Fatalf("expected a close call tagged exit.stop_missing, got %v", orders.closes)
	}
}
