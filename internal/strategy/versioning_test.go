package strategy

import (
	"testing"

	"trading-core/pkg/db"
)

func TestForkOnEdit_CreatesNewVersionAndRetiresPrior(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	origID := "strat-1"
	if _, err := database.DB.Exec(`
		INSERT INTO strategy_instances (id, name, strategy_type, symbol, interval, parameters, is_active, status, version)
		VALUES (?, 'ma-cross-btc', 'ma_cross', 'BTCUSDT', '1m', '{"fast":5,"slow":20,"size":0.01}', 1, 'ACTIVE', 1)
	`, origID); err != nil {
		t.Fatalf("failed to seed strategy: %v", err)
	}

	newID, newVersion, err := ForkOnEdit(database.DB, origID, []byte(`{"fast":7,"slow":21,"size":0.02}`))
	if err != nil {
		t.Fatalf("ForkOnEdit returned error: %v", err)
	}
	if newVersion != 2 {
		t.Fatalf("expected version 2, got %d", newVersion)
	}
	if newID == origID {
		t.Fatalf("expected a distinct id for the forked version")
	}

	var status string
	var isActive bool
	if err := database.DB.QueryRow("SELECT status, is_active FROM strategy_instances WHERE id = ?", origID).Scan(&status, &isActive); err != nil {
		t.Fatalf("failed to read prior version: %v", err)
	}
	if status != "SUPERSEDED" || isActive {
		t.Fatalf("expected prior version superseded and inactive, got status=%s is_active=%v", status, isActive)
	}

	var newParams string
	var parentID string
	if err := database.DB.QueryRow("SELECT parameters, parent_instance_id FROM strategy_instances WHERE id = ?", newID).Scan(&newParams, &parentID); err != nil {
		t.Fatalf("failed to read new version: %v", err)
	}
	if newParams != `{"fast":7,"slow":21,"size":0.02}` {
		t.Fatalf("expected new params to be stored on the new row, got %s", newParams)
	}
	if parentID != origID {
		t.Fatalf("expected parent_instance_id to reference the original, got %s", parentID)
	}
}

func TestForkOnEdit_UnknownIDFails(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	if _, _, err := ForkOnEdit(database.DB, "does-not-exist", []byte(`{}`)); err == nil {
		t.Fatalf("expected an error forking an unknown strategy id")
	}
}
