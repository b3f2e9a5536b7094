package market

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// WorkerFactory starts a single instrument's stream worker, returning a stop
// function the Supervisor calls to retire it.
type WorkerFactory interface {
	Start(ctx context.Context, instrument string) (stop func(), err error)
}

type runningWorker struct {
	stop      func()
	startedAt time.Time
}

// Supervisor reconciles a desired set of enabled instruments against the
// workers actually running, spawning and retiring Instrument Stream Workers
// as the set changes (component B). A cooldown guards against
// restart-thrashing when an instrument flaps on and off the enabled set in
// quick succession.
type Supervisor struct {
	mu       sync.Mutex
	factory  WorkerFactory
	cooldown time.Duration

	running     map[string]*runningWorker
	lastRetired map[string]time.Time
}

// NewSupervisor builds a Supervisor. cooldown is the minimum time an
// instrument must stay retired before it may be respawned.
func NewSupervisor(factory WorkerFactory, cooldown time.Duration) *Supervisor {
	return &Supervisor{
		factory:     factory,
		cooldown:    cooldown,
		running:     make(map[string]*runningWorker),
		lastRetired: make(map[string]time.Time),
	}
}

// Reconcile brings the running worker set in line with desired. An
// instrument already running is left untouched, so a second call with the
// same desired set starts nothing new for running instruments; a desired
// instrument that is not running (its start failed, or the cooldown held it
// back) is tried again on every call.
func (s *Supervisor) Reconcile(ctx context.Context, desired []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(desired))
	for _, inst := range desired {
		wanted[inst] = true
	}

	var toRetire []string
	for inst := range s.running {
		if !wanted[inst] {
			toRetire = append(toRetire, inst)
		}
	}
	sort.Strings(toRetire)
	for _, inst := range toRetire {
		s.retireLocked(inst)
	}

	var toSpawn []string
	for inst := range wanted {
		if _, ok := s.running[inst]; !ok {
			toSpawn = append(toSpawn, inst)
		}
	}
	sort.Strings(toSpawn)
	for _, inst := range toSpawn {
		s.spawnLocked(ctx, inst)
	}
}

func (s *Supervisor) spawnLocked(ctx context.Context, instrument string) {
	if retiredAt, ok := s.lastRetired[instrument]; ok {
		if elapsed := time.Since(retiredAt); elapsed < s.cooldown {
			log.Printf("market supervisor: %s still in restart cooldown (%v remaining), skipping spawn", instrument, s.cooldown-elapsed)
			return
		}
	}

	stop, err := s.factory.Start(ctx, instrument)
	if err != nil {
		log.Printf("market supervisor: failed to start worker for %s: %v", instrument, err)
		return
	}
	s.running[instrument] = &runningWorker{stop: stop, startedAt: time.Now()}
	log.Printf("market supervisor: spawned worker for %s", instrument)
}

func (s *Supervisor) retireLocked(instrument string) {
	w, ok := s.running[instrument]
	if !ok {
		return
	}
	if w.stop != nil {
		w.stop()
	}
	delete(s.running, instrument)
	s.lastRetired[instrument] = time.Now()
	log.Printf("market supervisor: retired worker for %s", instrument)
}

// Running returns the instruments with an active worker, sorted for
// deterministic assertions in tests.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for inst := range s.running {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Shutdown retires every running worker, e.g. on process exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for inst := range s.running {
		s.retireLocked(inst)
	}
}
