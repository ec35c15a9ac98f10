package workers_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/workers"
)

func newTestPool(t *testing.T, cfg workers.PoolConfig) *workers.Pool {
	t.Helper()
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })
	return pool
}

func waitForStats(t *testing.T, pool *workers.Pool, ok func(workers.PoolStats) bool) workers.PoolStats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats := pool.Stats()
		if ok(stats) {
			return stats
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool never reached expected counters: %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("idle"))

	err := pool.SubmitFunc(func() error { return nil })
	if !errors.Is(err, workers.ErrPoolStopped) {
		t.Fatalf("Submit before Start = %v, want ErrPoolStopped", err)
	}
	if pool.IsRunning() {
		t.Error("pool reports running before Start")
	}
}

func TestSubmitWaitRunsTask(t *testing.T) {
	pool := newTestPool(t, workers.DefaultPoolConfig("run"))

	var ran atomic.Bool
	if err := pool.SubmitWait(workers.TaskFunc(func() error {
		ran.Store(true)
		return nil
	})); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if !ran.Load() {
		t.Fatal("task did not run")
	}

	stats := waitForStats(t, pool, func(s workers.PoolStats) bool { return s.Completed == 1 })
	if stats.Submitted != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 1 submitted, 0 failed", stats)
	}
}

func TestSubmitWaitPropagatesError(t *testing.T) {
	pool := newTestPool(t, workers.DefaultPoolConfig("fail"))

	wantErr := errors.New("fetch exploded")
	if err := pool.SubmitWait(workers.TaskFunc(func() error { return wantErr })); !errors.Is(err, wantErr) {
		t.Fatalf("SubmitWait = %v, want %v", err, wantErr)
	}

	waitForStats(t, pool, func(s workers.PoolStats) bool { return s.Failed == 1 })
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	cfg := workers.DefaultPoolConfig("full")
	cfg.NumWorkers = 1
	cfg.QueueSize = 1
	pool := newTestPool(t, cfg)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := pool.SubmitFunc(func() error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	// Worker is busy; this one parks in the queue buffer.
	if err := pool.SubmitFunc(func() error { return nil }); err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	if pool.QueueLength() != 1 {
		t.Fatalf("QueueLength = %d, want 1", pool.QueueLength())
	}

	if err := pool.SubmitFunc(func() error { return nil }); !errors.Is(err, workers.ErrQueueFull) {
		t.Fatalf("submit overflow = %v, want ErrQueueFull", err)
	}

	close(release)
	waitForStats(t, pool, func(s workers.PoolStats) bool { return s.Completed == 2 })
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	cfg := workers.DefaultPoolConfig("panic")
	cfg.NumWorkers = 1
	pool := newTestPool(t, cfg)

	if err := pool.SubmitFunc(func() error { panic("boom") }); err != nil {
		t.Fatalf("submit panicking task: %v", err)
	}
	waitForStats(t, pool, func(s workers.PoolStats) bool { return s.Panics == 1 })

	// The lone worker must survive the panic and keep serving.
	if err := pool.SubmitWait(workers.TaskFunc(func() error { return nil })); err != nil {
		t.Fatalf("SubmitWait after panic: %v", err)
	}
}

func TestTaskTimeoutIsCounted(t *testing.T) {
	cfg := workers.DefaultPoolConfig("slow")
	cfg.NumWorkers = 1
	cfg.TaskTimeout = 20 * time.Millisecond
	pool := newTestPool(t, cfg)

	if err := pool.SubmitFunc(func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}); err != nil {
		t.Fatalf("submit slow task: %v", err)
	}

	stats := waitForStats(t, pool, func(s workers.PoolStats) bool { return s.Timeouts == 1 })
	if stats.Completed != 0 {
		t.Errorf("Completed = %d, want 0 for a timed-out task", stats.Completed)
	}
}

func TestStopDrainsAndRejects(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("stop"))
	pool.Start()

	if err := pool.SubmitWait(workers.TaskFunc(func() error { return nil })); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}

	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if pool.IsRunning() {
		t.Error("pool reports running after Stop")
	}
	if err := pool.SubmitFunc(func() error { return nil }); !errors.Is(err, workers.ErrPoolStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrPoolStopped", err)
	}
}
