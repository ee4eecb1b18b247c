// Package schedule runs named background tasks on fixed intervals or at a
// daily clock time. Task names are unique: scheduling a name that is already
// running replaces the old timer.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrStopped is returned when scheduling on a stopped scheduler.
var ErrStopped = errors.New("schedule: scheduler stopped")

// Func is the body of a scheduled task. A returned error is logged; it does
// not stop the task.
type Func func(ctx context.Context) error

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for task failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNow overrides the clock used to compute firing times.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type task struct {
	name   string
	spec   Spec
	cancel context.CancelFunc
	// Shared across replacements of the same name so that an old firing
	// finishes before the replacement can fire.
	fire *sync.Mutex
}

// Scheduler owns one timer per task name.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
	now    func() time.Time
}

// New creates a running scheduler.
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule installs fn under name. Any task already registered under name is
// cancelled first.
func (s *Scheduler) Schedule(name string, fn Func, spec Spec) error {
	if name == "" {
		return fmt.Errorf("schedule: empty task name")
	}
	if fn == nil {
		return fmt.Errorf("schedule: nil func for %q", name)
	}
	if err := validate(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return ErrStopped
	}

	fire := &sync.Mutex{}
	if old, ok := s.tasks[name]; ok {
		old.cancel()
		fire = old.fire
		s.logger.Debug("replacing scheduled task", slog.String("task", name))
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{name: name, spec: spec, cancel: cancel, fire: fire}
	s.tasks[name] = t

	s.wg.Add(1)
	go s.loop(ctx, t, fn)

	s.logger.Debug("scheduled task", slog.String("task", name), slog.String("spec", spec.String()))
	return nil
}

// Cancel stops the named task. Returns false if no such task exists. Cancel
// does not wait for an in-flight firing, so a task may cancel itself.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.tasks, name)
	return true
}

// Has reports whether a task is registered under name.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// List returns the registered task names in sorted order.
func (s *Scheduler) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop cancels every task and waits for running firings to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t *task, fn Func) {
	defer s.wg.Done()

	for {
		next := t.spec.Next(s.now())
		if next.IsZero() {
			s.logger.Warn("scheduled task has no next run", slog.String("task", t.name), slog.String("spec", t.spec.String()))
			return
		}
		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.fire.Lock()
		if ctx.Err() == nil {
			s.run(ctx, t.name, fn)
		}
		t.fire.Unlock()
	}
}

func (s *Scheduler) run(ctx context.Context, name string, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", slog.String("task", name), slog.Any("panic", r))
		}
	}()

	if err := fn(ctx); err != nil {
		s.logger.Error("scheduled task failed", slog.String("task", name), slog.String("error", err.Error()))
	}
}
