// Package scheduler provides the priority-ordered periodic task loop that
// drives all trading phases.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
)

// Priority orders task execution within a tick. Lower runs first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// TaskFunc is the unit of work a task executes.
type TaskFunc func(ctx context.Context) error

// TaskConfig declares a periodic task.
type TaskConfig struct {
	Name       string
	Interval   time.Duration
	Priority   Priority
	MaxRetries int
	RetryDelay time.Duration
}

// TaskInfo is a point-in-time snapshot of one task's run state.
type TaskInfo struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Priority   Priority      `json:"priority"`
	NextDue    time.Time     `json:"next_due"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	RunCount   int64         `json:"run_count"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Enabled    bool          `json:"enabled"`
}

// Observer receives the outcome of each task execution.
type Observer func(task string, duration time.Duration, err error)

type task struct {
	TaskConfig
	fn         TaskFunc
	nextDue    time.Time
	lastRun    time.Time
	hasRun     bool
	runCount   int64
	errorCount int
	lastError  string
	enabled    bool
}

// Scheduler runs registered tasks on a single cooperative tick loop.
// Due tasks execute sequentially in (priority, next due) order, so a
// critical risk check always completes before a normal trading cycle
// that falls due in the same tick.
type Scheduler struct {
	logger *zap.Logger
	clk    clock.Clock
	tick   time.Duration

	mu       sync.Mutex
	tasks    map[string]*task
	running  bool
	paused   bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	observer Observer
}

// New creates a scheduler with the given tick period.
func New(logger *zap.Logger, clk clock.Clock, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		logger: logger.Named("scheduler"),
		clk:    clk,
		tick:   tick,
		tasks:  make(map[string]*task),
	}
}

// SetObserver installs a hook called after every task execution.
func (s *Scheduler) SetObserver(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = obs
}

// Register adds a task. The first run falls due on the next tick.
func (s *Scheduler) Register(cfg TaskConfig, fn TaskFunc) error {
	if cfg.Name == "" {
		return fmt.Errorf("register task: name is required")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("register task %q: interval must be positive", cfg.Name)
	}
	if fn == nil {
		return fmt.Errorf("register task %q: nil function", cfg.Name)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.Priority == 0 {
		cfg.Priority = PriorityNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[cfg.Name]; exists {
		return fmt.Errorf("register task %q: already registered", cfg.Name)
	}
	s.tasks[cfg.Name] = &task{
		TaskConfig: cfg,
		fn:         fn,
		nextDue:    s.clk.Now(),
		enabled:    true,
	}
	s.logger.Info("task registered",
		zap.String("task", cfg.Name),
		zap.Duration("interval", cfg.Interval),
		zap.String("priority", cfg.Priority.String()))
	return nil
}

// Enable marks a task runnable again.
func (s *Scheduler) Enable(name string) error {
	return s.setEnabled(name, true)
}

// Disable excludes a task from scheduling until re-enabled.
func (s *Scheduler) Disable(name string) error {
	return s.setEnabled(name, false)
}

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("task %q not registered", name)
	}
	t.enabled = enabled
	s.logger.Info("task toggled", zap.String("task", name), zap.Bool("enabled", enabled))
	return nil
}

// Start launches the tick loop. It returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.paused = false
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.run(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the loop to exit and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	s.logger.Info("scheduler stopped")
}

// Pause suspends task execution; the loop keeps ticking idle.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.logger.Info("scheduler paused")
	}
}

// Resume reinstates task execution. Overdue tasks run on the next tick.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		s.logger.Info("scheduler resumed")
	}
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsPaused reports whether execution is suspended.
func (s *Scheduler) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		case <-stopCh:
			return
		default:
		}

		start := s.clk.Now()
		if !s.IsPaused() {
			s.RunTick(ctx, start)
		}

		elapsed := s.clk.Since(start)
		if remaining := s.tick - elapsed; remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				s.logger.Info("scheduler context cancelled")
				return
			case <-stopCh:
				return
			}
		}
	}
}

// RunTick executes every task due at now, in (priority, next due) order,
// sequentially. Exposed so tests can drive the loop with a fake clock.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) {
	due := s.collectDue(now)
	if len(due) == 0 {
		return
	}

	for _, t := range due {
		s.execute(ctx, t, now)
	}

	elapsed := s.clk.Since(now)
	s.logger.Debug("tick complete",
		zap.Int("tasks_run", len(due)),
		zap.Int64("cycle_duration_ms", elapsed.Milliseconds()))
}

func (s *Scheduler) collectDue(now time.Time) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*task
	for _, t := range s.tasks {
		if t.enabled && !t.nextDue.After(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].nextDue.Before(due[j].nextDue)
	})
	return due
}

func (s *Scheduler) execute(ctx context.Context, t *task, now time.Time) {
	started := s.clk.Now()
	err := s.runTask(ctx, t)
	duration := s.clk.Since(started)

	s.mu.Lock()
	t.lastRun = now
	t.hasRun = true
	if err != nil {
		t.errorCount++
		t.lastError = err.Error()
		backoff := time.Duration(min(t.errorCount, t.MaxRetries)) * t.RetryDelay
		t.nextDue = now.Add(backoff)
	} else {
		t.runCount++
		t.nextDue = now.Add(t.Interval)
	}
	obs := s.observer
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("task failed",
			zap.String("task", t.Name),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		s.logger.Debug("task complete",
			zap.String("task", t.Name),
			zap.Duration("duration", duration))
	}
	if obs != nil {
		obs(t.Name, duration, err)
	}
}

// runTask invokes the task function, converting a panic into an error so
// one faulty task cannot take the loop down with it.
func (s *Scheduler) runTask(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.fn(ctx)
}

// Snapshot returns the current state of all tasks, ordered by priority
// then name.
func (s *Scheduler) Snapshot() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		info := TaskInfo{
			Name:       t.Name,
			Interval:   t.Interval,
			Priority:   t.Priority,
			NextDue:    t.nextDue,
			RunCount:   t.runCount,
			ErrorCount: t.errorCount,
			LastError:  t.lastError,
			Enabled:    t.enabled,
		}
		if t.hasRun {
			lastRun := t.lastRun
			info.LastRun = &lastRun
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Priority != infos[j].Priority {
			return infos[i].Priority < infos[j].Priority
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}
