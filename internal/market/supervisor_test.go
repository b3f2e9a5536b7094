package market

import (
	"context"
	"testing"
	"time"
)

type fakeFactory struct {
	starts  []string
	failFor map[string]bool
}

func (f *fakeFactory) Start(ctx context.Context, instrument string) (func(), error) {
	if f.failFor[instrument] {
		return nil, context.DeadlineExceeded
	}
	f.starts = append(f.starts, instrument)
	stopped := false
	return func() { stopped = true; _ = stopped }, nil
}

func TestSupervisor_SpawnsAndRetires(t *testing.T) {
	f := &fakeFactory{}
	s := NewSupervisor(f, time.Millisecond)

	s.Reconcile(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	if got := s.Running(); len(got) != 2 {
		t.Fatalf("expected 2 running workers, got %v", got)
	}

	s.Reconcile(context.Background(), []string{"BTCUSDT"})
	got := s.Running()
	if len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("expected only BTCUSDT running after retiring ETHUSDT, got %v", got)
	}
}

func TestSupervisor_NoDiffIsNoop(t *testing.T) {
	f := &fakeFactory{}
	s := NewSupervisor(f, time.Millisecond)

	s.Reconcile(context.Background(), []string{"BTCUSDT"})
	s.Reconcile(context.Background(), []string{"BTCUSDT"})

	if len(f.starts) != 1 {
		t.Fatalf("expected exactly one Start call across two identical reconciles, got %d", len(f.starts))
	}
}

func TestSupervisor_CooldownBlocksImmediateRespawn(t *testing.T) {
	f := &fakeFactory{}
	s := NewSupervisor(f, time.Hour)

	s.Reconcile(context.Background(), []string{"BTCUSDT"})
	s.Reconcile(context.Background(), []string{})      // retire
	s.Reconcile(context.Background(), []string{"BTCUSDT"}) // immediate re-add, within cooldown

	if got := s.Running(); len(got) != 0 {
		t.Fatalf("expected respawn to be blocked by cooldown, got running=%v", got)
	}
	if len(f.starts) != 1 {
		t.Fatalf("expected only the original start call, got %d", len(f.starts))
	}
}

func TestSupervisor_RespawnAllowedAfterCooldownElapses(t *testing.T) {
	f := &fakeFactory{}
	s := NewSupervisor(f, 10*time.Millisecond)

	s.Reconcile(context.Background(), []string{"BTCUSDT"})
	s.Reconcile(context.Background(), []string{})

	time.Sleep(20 * time.Millisecond)
	s.Reconcile(context.Background(), []string{"BTCUSDT"})

	if got := s.Running(); len(got) != 1 {
		t.Fatalf("expected respawn to succeed after cooldown elapsed, got running=%v", got)
	}
}

func TestSupervisor_FailedStartLeavesInstrumentUnspawned(t *testing.T) {
	f := &fakeFactory{failFor: map[string]bool{"BTCUSDT": true}}
	s := NewSupervisor(f, time.Millisecond)

	s.Reconcile(context.Background(), []string{"BTCUSDT"})
	if got := s.Running(); len(got) != 0 {
		t.Fatalf("expected no running workers after a failed start, got %v", got)
	}
}
