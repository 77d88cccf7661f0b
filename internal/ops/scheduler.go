package ops

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Clock abstracts time so periodic jobs can be driven by tests
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the scheduler needs
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns the current time
func (SystemClock) Now() time.Time { return time.Now() }

// NewTicker wraps time.NewTicker
func (SystemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// JobFunc is one run of a periodic job
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	trigger  chan struct{}
}

// Scheduler runs named periodic jobs until stopped. Each job runs on its own
// goroutine and never overlaps with itself.
type Scheduler struct {
	clock  Clock
	logger *Logger

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler using the given clock
func NewScheduler(clock Clock, logger *Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = Default()
	}
	return &Scheduler{
		clock:  clock,
		logger: logger.WithComponent("scheduler"),
		jobs:   make(map[string]*job),
	}
}

// Every registers a job. Jobs with a non-positive interval are skipped.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	if interval <= 0 {
		s.logger.Info("job disabled (interval not configured)", "job", name)
		return nil
	}

	s.jobs[name] = &job{
		name:     name,
		interval: interval,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
	}
	s.order = append(s.order, name)
	return nil
}

// Start launches every registered job
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, name := range s.order {
		j := s.jobs[name]
		s.wg.Add(1)
		go s.loop(runCtx, j)
		s.logger.Info("job scheduled", "job", j.name, "interval", j.interval)
	}
}

// Trigger asks a job to run now, outside its schedule. It reports false for
// unknown jobs. A pending trigger is coalesced with a new one.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case j.trigger <- struct{}{}:
	default:
	}
	return true
}

// Stop cancels all jobs and waits for in-flight runs to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("job stopped", "job", j.name)
			return
		case <-ticker.C():
			s.run(ctx, j)
		case <-j.trigger:
			s.run(ctx, j)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.LogPanic(r, j.name)
		}
	}()

	err := j.fn(ctx)
	s.logger.LogJob(j.name, s.clock.Now().Sub(start), err)
}
