package expectancy

import (
	"testing"
	"time"
)

func TestEstimate_NoHistoryUsesGlobalPrior(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEstimator(cfg)
	s := e.Estimate(nil)
	if s.PWin != cfg.GlobalPWin {
		t.Fatalf("expected p_win to fall back to global prior %v, got %v", cfg.GlobalPWin, s.PWin)
	}
	if s.Confidence != ConfidenceLow {
		t.Fatalf("expected low confidence with no history, got %v", s.Confidence)
	}
}

func TestEstimate_StrongWinHistoryRaisesPWin(t *testing.T) {
	e := NewEstimator(DefaultConfig())
	var trades []Trade
	for i := 0; i < 50; i++ {
		trades = append(trades, Trade{Win: true, PnL: 10, Age: time.Hour})
	}
	s := e.Estimate(trades)
	if s.PWin <= 0.5 {
		t.Fatalf("expected p_win above global prior with all-win history, got %v", s.PWin)
	}
	if s.Confidence != ConfidenceHigh {
		t.Fatalf("expected high confidence with 50 trades, got %v", s.Confidence)
	}
}

func TestGate_HardModeRejectsNonPositiveEV(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeHard
	cfg.EntryGateMinEV = 0
	e := NewEstimator(cfg)

	var losingTrades []Trade
	for i := 0; i < 50; i++ {
		losingTrades = append(losingTrades, Trade{Win: false, PnL: -10, Age: time.Hour})
	}
	s := e.Estimate(losingTrades)
	allow, reason := e.Gate(s)
	if allow || reason != "risk.ev_non_positive" {
		t.Fatalf("expected hard-mode rejection on losing history, got allow=%v reason=%v", allow, reason)
	}
}

func TestGate_ShadowModeNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeShadow
	e := NewEstimator(cfg)
	var losingTrades []Trade
	for i := 0; i < 50; i++ {
		losingTrades = append(losingTrades, Trade{Win: false, PnL: -10, Age: time.Hour})
	}
	s := e.Estimate(losingTrades)
	allow, _ := e.Gate(s)
	if !allow {
		t.Fatalf("expected shadow mode to never block")
	}
}
