package maintenance

import (
	"sync/atomic"
	"testing"
	"time"
)

type fakeEngine struct {
	deadlockCalls int64
	flushCalls    int64
	vacuumCalls   int64
	checkpointCalls int64
}

func (f *fakeEngine) ForceDeadlockDetection() []uint64 {
	atomic.AddInt64(&f.deadlockCalls, 1)
	return nil
}

func (f *fakeEngine) FlushBufferPool() error {
	atomic.AddInt64(&f.flushCalls, 1)
	return nil
}

func (f *fakeEngine) Vacuum() int {
	atomic.AddInt64(&f.vacuumCalls, 1)
	return 0
}

func (f *fakeEngine) Checkpoint() error {
	atomic.AddInt64(&f.checkpointCalls, 1)
	return nil
}

func TestSchedulerRunsAllJobs(t *testing.T) {
	fe := &fakeEngine{}
	s := New(fe, Config{
		DeadlockDetectorMs:    10,
		BufferFlushIntervalMs: 10,
		VacuumIntervalMs:      10,
		CheckpointIntervalMs:  10,
	})
	s.Start()
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)

	if atomic.LoadInt64(&fe.deadlockCalls) == 0 {
		t.Error("expected deadlock detection job to have run")
	}
	if atomic.LoadInt64(&fe.flushCalls) == 0 {
		t.Error("expected buffer flush job to have run")
	}
	if atomic.LoadInt64(&fe.vacuumCalls) == 0 {
		t.Error("expected vacuum job to have run")
	}
	if atomic.LoadInt64(&fe.checkpointCalls) == 0 {
		t.Error("expected checkpoint job to have run")
	}
}

func TestSchedulerSkipsNonPositiveInterval(t *testing.T) {
	fe := &fakeEngine{}
	s := New(fe, Config{DeadlockDetectorMs: 0, BufferFlushIntervalMs: 10, VacuumIntervalMs: 10, CheckpointIntervalMs: 10})
	s.Start()
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt64(&fe.deadlockCalls) != 0 {
		t.Error("expected deadlock job with zero interval to never run")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fe := &fakeEngine{}
	s := New(fe, Config{DeadlockDetectorMs: 50, BufferFlushIntervalMs: 50, VacuumIntervalMs: 50, CheckpointIntervalMs: 50})
	s.Start()
	s.Stop()
	s.Stop() // must not panic or block
}
