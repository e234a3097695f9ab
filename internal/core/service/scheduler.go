package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Task is a unit of work run by the Scheduler on the control loop goroutine.
type Task func(ctx context.Context) error

type periodicTask struct {
	name     string
	interval time.Duration
	next     time.Time
	fn       Task
}

type oneShotTask struct {
	due time.Time
	fn  Task
}

// Scheduler holds periodic and named one-shot tasks driven by the control
// loop's clock. Nothing runs on its own goroutine, so Stop leaves no work
// behind.
type Scheduler struct {
	clock Clock

	mu       sync.Mutex
	periodic []*periodicTask
	oneShots map[string]*oneShotTask
	stopped  bool
}

func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{clock: clock, oneShots: make(map[string]*oneShotTask)}
}

// Every registers a periodic task, first due immediately.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.periodic = append(s.periodic, &periodicTask{
		name:     name,
		interval: interval,
		next:     s.clock.Now(),
		fn:       fn,
	})
}

// Trigger makes a periodic task due on the next RunDue.
func (s *Scheduler) Trigger(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, t := range s.periodic {
		if t.name == name && t.next.After(now) {
			t.next = now
		}
	}
}

// After schedules a one-shot task, replacing any pending task with the same name.
func (s *Scheduler) After(name string, delay time.Duration, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.oneShots[name] = &oneShotTask{due: s.clock.Now().Add(delay), fn: fn}
}

// Cancel drops a pending one-shot task.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.oneShots[name]; !ok {
		return false
	}
	delete(s.oneShots, name)
	return true
}

// Pending lists the names of one-shot tasks not yet run.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.oneShots))
	for name := range s.oneShots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunDue runs every task whose time has come and returns their joined errors.
func (s *Scheduler) RunDue(ctx context.Context) error {
	type due struct {
		name string
		fn   Task
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	now := s.clock.Now()
	var run []due
	for _, t := range s.periodic {
		if !now.Before(t.next) {
			run = append(run, due{t.name, t.fn})
			t.next = now.Add(t.interval)
		}
	}
	for name, t := range s.oneShots {
		if !now.Before(t.due) {
			run = append(run, due{name, t.fn})
			delete(s.oneShots, name)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, d := range run {
		if err := d.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	return errors.Join(errs...)
}

// Stop discards every pending task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.periodic = nil
	s.oneShots = make(map[string]*oneShotTask)
}
