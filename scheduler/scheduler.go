// Package scheduler runs the discovery and exit-check cycles on
// independent intervals, forwarding results to a notifier.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dexrunner/strategybot/types"
)

// Engine is the subset of strategyengine.Engine the scheduler drives.
type Engine interface {
	RunDiscoveryCycle(ctx context.Context) types.DiscoveryCycleResult
	RunExitChecks(ctx context.Context) types.ExitCycleResult
}

// Notifier receives cycle results; both methods are expected to be
// no-ops internally when there is nothing worth reporting.
type Notifier interface {
	NotifyDiscoveryCycle(result types.DiscoveryCycleResult)
	NotifyExitCycle(result types.ExitCycleResult)
}

// Scheduler runs the discovery loop and the exit-check loop, each on its
// own goroutine and its own interval. The exit-check interval is read
// fresh from exitIntervalFn on every iteration, so a live config reload takes
// effect on the very next sleep.
type Scheduler struct {
	engine            Engine
	notifier          Notifier
	discoveryInterval time.Duration
	exitIntervalFn    func() time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	discoveryCycles int64
	exitCycles      int64
	lastDiscovery   time.Time
	lastExitCheck   time.Time
}

// New builds a Scheduler. exitIntervalFn is called after each exit-check
// cycle, just before the loop sleeps, allowing the caller to read a live,
// reloadable config value rather than a value frozen at construction.
func New(engine Engine, notifier Notifier, discoveryInterval time.Duration, exitIntervalFn func() time.Duration) *Scheduler {
	return &Scheduler{
		engine:            engine,
		notifier:          notifier,
		discoveryInterval: discoveryInterval,
		exitIntervalFn:    exitIntervalFn,
	}
}

// Start launches both loops. It is idempotent: calling Start while already
// running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.discoveryLoop(loopCtx)
	go s.exitLoop(loopCtx)

	log.Info().
		Dur("discovery_interval", s.discoveryInterval).
		Dur("exit_check_interval", s.exitIntervalFn()).
		Msg("🗓️ scheduler started")
}

// Stop cancels both loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

// IsRunning reports whether the scheduler's loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunDiscoveryNow triggers one discovery cycle synchronously, outside the
// normal interval.
func (s *Scheduler) RunDiscoveryNow(ctx context.Context) types.DiscoveryCycleResult {
	return s.runDiscovery(ctx)
}

// RunExitCheckNow triggers one exit-check cycle synchronously, outside the
// normal interval.
func (s *Scheduler) RunExitCheckNow(ctx context.Context) types.ExitCycleResult {
	return s.runExitCheck(ctx)
}

// Status is a point-in-time snapshot of scheduler activity.
type Status struct {
	Running            bool
	DiscoveryIntervalS int
	ExitCheckIntervalS int
	DiscoveryCycles    int64
	ExitCheckCycles    int64
	LastDiscovery      *time.Time
	LastExitCheck      *time.Time
}

// GetStatus returns a snapshot of the scheduler's counters and intervals.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:            s.running,
		DiscoveryIntervalS: int(s.discoveryInterval.Seconds()),
		ExitCheckIntervalS: int(s.exitIntervalFn().Seconds()),
		DiscoveryCycles:    s.discoveryCycles,
		ExitCheckCycles:    s.exitCycles,
	}
	if !s.lastDiscovery.IsZero() {
		t := s.lastDiscovery
		status.LastDiscovery = &t
	}
	if !s.lastExitCheck.IsZero() {
		t := s.lastExitCheck
		status.LastExitCheck = &t
	}
	return status
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOOPS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) discoveryLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.runDiscovery(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.discoveryInterval):
		}
	}
}

func (s *Scheduler) exitLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.runExitCheck(ctx)

		interval := s.exitIntervalFn()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (s *Scheduler) runDiscovery(ctx context.Context) types.DiscoveryCycleResult {
	s.mu.Lock()
	s.discoveryCycles++
	count := s.discoveryCycles
	s.lastDiscovery = time.Now().UTC()
	s.mu.Unlock()

	log.Info().Int64("cycle", count).Msg("portfolio discovery cycle starting")
	result := s.engine.RunDiscoveryCycle(ctx)
	log.Info().Int64("cycle", count).Str("summary", result.Summary).Msg("portfolio discovery cycle finished")

	if s.notifier != nil && (len(result.PositionsOpened) > 0 || len(result.Errors) > 0) {
		s.notifier.NotifyDiscoveryCycle(result)
	}
	return result
}

func (s *Scheduler) runExitCheck(ctx context.Context) types.ExitCycleResult {
	s.mu.Lock()
	s.exitCycles++
	s.lastExitCheck = time.Now().UTC()
	s.mu.Unlock()

	result := s.engine.RunExitChecks(ctx)

	if len(result.PositionsClosed) > 0 || len(result.Errors) > 0 {
		log.Info().Str("summary", result.Summary).Msg("portfolio exit check")
	}
	if s.notifier != nil && (len(result.PositionsClosed) > 0 || len(result.Errors) > 0) {
		s.notifier.NotifyExitCycle(result)
	}
	return result
}
