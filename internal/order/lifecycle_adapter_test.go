package order

import (
	"context"
	"testing"

	"trading-core/internal/events"
	"trading-core/pkg/db"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return NewExecutor(database, events.NewBus(), nil, "test", true)
}

func TestLifecycleAdapter_PlaceProtectiveStopIsIdempotent(t *testing.T) {
	exec := newTestExecutor(t)
	exec.SkipExchange = true
	a := NewLifecycleAdapter(exec)
	a.Register("pos-1", "BTCUSDT", "BUY", "", 1)

	id1, err := a.PlaceProtectiveStop(context.Background(), "pos-1", 90)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := a.PlaceProtectiveStop(context.Background(), "pos-1", 90)
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected retried stop placement to reuse the same client order id, got %s vs %s", id1, id2)
	}
}

func TestLifecycleAdapter_CloseUnknownPositionFails(t *testing.T) {
	exec := newTestExecutor(t)
	a := NewLifecycleAdapter(exec)
	if err := a.Close(context.Background(), "missing", "exit.time_stop"); err == nil {
		t.Fatalf("expected an error closing an unregistered position")
	}
}

func TestLifecycleAdapter_EnsureProtectiveStopReflectsState(t *testing.T) {
	exec := newTestExecutor(t)
	exec.SkipExchange = true
	a := NewLifecycleAdapter(exec)
	a.Register("pos-1", "BTCUSDT", "BUY", "", 1)

	if ok, _, failed := a.EnsureProtectiveStop(context.Background(), "pos-1"); ok || failed {
		t.Fatalf("expected no stop tracked before placement, got ok=%v failed=%v", ok, failed)
	}

	if _, err := a.PlaceProtectiveStop(context.Background(), "pos-1", 90); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ok, _, failed := a.EnsureProtectiveStop(context.Background(), "pos-1"); !ok || failed {
		t.Fatalf("expected stop tracked after placement, got ok=%v failed=%v", ok, failed)
	}
}
