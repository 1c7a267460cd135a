// Package maintenance runs the engine's periodic background jobs — deadlock
// detection, buffer pool flush sweeps, vacuum, and checkpointing — on a
// robfig/cron runtime, at fixed millisecond intervals.
package maintenance

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Engine is the subset of *engine.Engine the scheduler drives. Defined here
// (rather than importing the engine package) to avoid a dependency from the
// low-level maintenance package back onto the façade that will, in
// practice, embed it.
type Engine interface {
	ForceDeadlockDetection() []uint64
	FlushBufferPool() error
	Vacuum() int
	Checkpoint() error
}

// Config controls job cadence, in milliseconds, matching config.Config's
// *Ms fields.
type Config struct {
	DeadlockDetectorMs    int
	BufferFlushIntervalMs int
	VacuumIntervalMs      int
	CheckpointIntervalMs  int
}

// Scheduler owns the cron runtime and the engine it drives.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	engine  Engine
	log     *slog.Logger
	running bool
}

// New constructs a Scheduler. Call Start to register jobs and begin
// execution.
func New(e Engine, cfg Config) *Scheduler {
	loc, _ := time.LoadLocation("UTC")
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc), cron.WithSeconds()),
		engine: e,
		log:    slog.Default().With("component", "maintenance"),
	}
	s.register(cfg)
	return s
}

func (s *Scheduler) register(cfg Config) {
	s.addJob("deadlock_detection", cfg.DeadlockDetectorMs, func() {
		victims := s.engine.ForceDeadlockDetection()
		if len(victims) > 0 {
			s.log.Warn("deadlock detected", "victims", victims)
		}
	})
	s.addJob("buffer_flush_sweep", cfg.BufferFlushIntervalMs, func() {
		if err := s.engine.FlushBufferPool(); err != nil {
			s.log.Error("buffer flush sweep failed", "err", err)
		}
	})
	s.addJob("vacuum", cfg.VacuumIntervalMs, func() {
		n := s.engine.Vacuum()
		if n > 0 {
			s.log.Info("vacuum reclaimed versions", "count", n)
		}
	})
	s.addJob("checkpoint", cfg.CheckpointIntervalMs, func() {
		if err := s.engine.Checkpoint(); err != nil {
			s.log.Error("checkpoint failed", "err", err)
		}
	})
}

// everySchedule fires a fixed interval after each run, at full
// time.Duration precision (cron's own "@every" spec rounds intervals below
// one second up to a whole second).
type everySchedule time.Duration

func (d everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// addJob schedules fn to run every intervalMs milliseconds, logging (not
// panicking) and skipping the job on a non-positive interval.
func (s *Scheduler) addJob(name string, intervalMs int, fn func()) {
	if intervalMs <= 0 {
		s.log.Warn("skipping job with non-positive interval", "job", name, "interval_ms", intervalMs)
		return
	}
	s.cron.Schedule(everySchedule(time.Duration(intervalMs)*time.Millisecond), cron.FuncJob(fn))
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	ctx := s.cron.Stop()
	<-ctx.Done()
}
