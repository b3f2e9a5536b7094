package db

import (
	"context"
	"testing"
	"time"
)

func TestPositionLifecycle_UpsertAndListOpen(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	defer database.Close()
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	ctx := context.Background()
	p := PositionLifecycle{
		PositionID: "pos-1",
		Instrument: "BTCUSDT",
		SourceTag:  "ma_cross",
		Status:     "Open",
		EntryPrice: 100,
		QtyOpen:    1,
		OpenedAt:   time.Now(),
	}
	if err := database.UpsertPositionLifecycle(ctx, p); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	open, err := database.ListOpenPositionLifecycles(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(open) != 1 || open[0].PositionID != "pos-1" {
		t.Fatalf("expected one open position, got %+v", open)
	}

	p.Status = "Closed"
	p.QtyOpen = 0
	p.QtyClosed = 1
	if err := database.UpsertPositionLifecycle(ctx, p); err != nil {
		t.Fatalf("update on close failed: %v", err)
	}

	open, err = database.ListOpenPositionLifecycles(ctx)
	if err != nil {
		t.Fatalf("list failed after close: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open positions after close, got %+v", open)
	}
}
