package service

import (
	"sort"
	"sync"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

// AlertRegistry tracks unresolved alerts by message text so a condition that
// persists across ticks is raised once, and again only after it resolves.
type AlertRegistry struct {
	mu     sync.Mutex
	clock  Clock
	active map[string]domain.Alert
}

func NewAlertRegistry(clock Clock) *AlertRegistry {
	if clock == nil {
		clock = SystemClock()
	}
	return &AlertRegistry{clock: clock, active: make(map[string]domain.Alert)}
}

// Raise records an alert. It returns false when an unresolved alert with the
// same message already exists.
func (r *AlertRegistry) Raise(severity domain.Severity, source, message, detail string) (domain.Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[message]; ok {
		return existing, false
	}
	alert := domain.Alert{
		Message:   message,
		Severity:  severity,
		Source:    source,
		Detail:    detail,
		Timestamp: r.clock.Now(),
	}
	r.active[message] = alert
	return alert, true
}

// Resolve clears an alert. It returns false if none was active.
func (r *AlertRegistry) Resolve(message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[message]; !ok {
		return false
	}
	delete(r.active, message)
	return true
}

// Active returns unresolved alerts of a severity, oldest first.
func (r *AlertRegistry) Active(severity domain.Severity) []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Alert, 0, len(r.active))
	for _, a := range r.active {
		if a.Severity == severity {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Message < out[j].Message
	})
	return out
}
