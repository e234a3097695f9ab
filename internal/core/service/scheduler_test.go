package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

func TestScheduler_PeriodicCadence(t *testing.T) {
	clock := newFakeClock(baseTime)
	s := NewScheduler(clock)
	runs := 0
	s.Every("count", time.Minute, func(ctx context.Context) error {
		runs++
		return nil
	})
	ctx := context.Background()

	_ = s.RunDue(ctx)
	clock.Advance(30 * time.Second)
	_ = s.RunDue(ctx)
	clock.Advance(30 * time.Second)
	_ = s.RunDue(ctx)

	if runs != 2 {
		t.Errorf("runs = %d, want 2", runs)
	}
}

func TestScheduler_TriggerRunsEarly(t *testing.T) {
	clock := newFakeClock(baseTime)
	s := NewScheduler(clock)
	runs := 0
	s.Every("restock", time.Hour, func(ctx context.Context) error {
		runs++
		return nil
	})

	_ = s.RunDue(context.Background())
	s.Trigger("restock")
	_ = s.RunDue(context.Background())

	if runs != 2 {
		t.Errorf("runs = %d, want 2", runs)
	}
}

func TestScheduler_OneShotCancelAndReplace(t *testing.T) {
	clock := newFakeClock(baseTime)
	s := NewScheduler(clock)
	fired := ""
	ctx := context.Background()

	s.After("alarm", 10*time.Second, func(ctx context.Context) error {
		fired = "first"
		return nil
	})
	s.After("alarm", 20*time.Second, func(ctx context.Context) error {
		fired = "second"
		return nil
	})

	clock.Advance(15 * time.Second)
	_ = s.RunDue(ctx)
	if fired != "" {
		t.Fatalf("replaced task fired: %s", fired)
	}

	clock.Advance(10 * time.Second)
	_ = s.RunDue(ctx)
	if fired != "second" {
		t.Fatalf("fired = %q, want second", fired)
	}
	if len(s.Pending()) != 0 {
		t.Errorf("one-shot should be removed after running")
	}

	s.After("alarm", time.Second, func(ctx context.Context) error {
		fired = "third"
		return nil
	})
	if !s.Cancel("alarm") {
		t.Fatal("Cancel() = false")
	}
	clock.Advance(time.Minute)
	_ = s.RunDue(ctx)
	if fired != "second" {
		t.Errorf("cancelled task ran")
	}
}

func TestScheduler_JoinsErrorsAndStop(t *testing.T) {
	s := NewScheduler(newFakeClock(baseTime))
	boom := errors.New("boom")
	s.Every("a", time.Minute, func(ctx context.Context) error { return boom })
	s.Every("b", time.Minute, func(ctx context.Context) error { return nil })

	if err := s.RunDue(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("RunDue() error = %v, want boom", err)
	}

	s.After("later", time.Second, func(ctx context.Context) error { return nil })
	s.Stop()
	if len(s.Pending()) != 0 {
		t.Errorf("Stop should discard pending tasks")
	}
	s.After("after-stop", 0, func(ctx context.Context) error { return boom })
	if err := s.RunDue(context.Background()); err != nil {
		t.Errorf("stopped scheduler ran a task: %v", err)
	}
}

func TestAlertRegistry_DedupUntilResolved(t *testing.T) {
	r := NewAlertRegistry(newFakeClock(baseTime))

	if _, fresh := r.Raise(domain.SeverityWarning, "temperature", "too warm", ""); !fresh {
		t.Fatal("first raise should be fresh")
	}
	if _, fresh := r.Raise(domain.SeverityWarning, "temperature", "too warm", "again"); fresh {
		t.Fatal("identical unresolved alert raised twice")
	}
	if len(r.Active(domain.SeverityWarning)) != 1 {
		t.Errorf("active warnings = %d", len(r.Active(domain.SeverityWarning)))
	}
	if len(r.Active(domain.SeverityError)) != 0 {
		t.Errorf("no errors expected")
	}

	if !r.Resolve("too warm") {
		t.Fatal("Resolve() = false")
	}
	if _, fresh := r.Raise(domain.SeverityWarning, "temperature", "too warm", ""); !fresh {
		t.Errorf("alert should be raised again after resolution")
	}
}
