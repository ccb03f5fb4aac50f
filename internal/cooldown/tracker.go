// Package cooldown suspends models that fail repeatedly.
//
// Each model carries a small breaker:
//
//	Closed   fail_count below threshold, calls allowed
//	Open     threshold reached and now < cooldown_until, calls skipped
//	HalfOpen cooldown elapsed without a success since, one probe allowed
//
// A success resets fail_count and closes the breaker but never shortens an
// active cooldown. A failure while HalfOpen re-opens immediately.
package cooldown

import (
	"sync"
	"time"
)

const (
	DefaultThreshold = 3
	DefaultDuration  = 5 * time.Minute
)

// State is the breaker state of one model.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is a copy of a model's cooldown bookkeeping.
type Snapshot struct {
	Model         string    `json:"model"`
	State         State     `json:"state"`
	FailCount     int       `json:"fail_count"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

type entry struct {
	failCount     int
	cooldownUntil time.Time
}

// Observer receives breaker openings; observability.Metrics satisfies it.
type Observer interface {
	RecordCooldownOpened(model string)
}

// Tracker is process-local and safe for concurrent use.
type Tracker struct {
	threshold int
	duration  time.Duration
	now       func() time.Time
	observer  Observer

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithObserver reports breaker openings.
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

// New builds a tracker; non-positive arguments fall back to the defaults.
func New(threshold int, duration time.Duration, opts ...Option) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	t := &Tracker{
		threshold: threshold,
		duration:  duration,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) get(model string) *entry {
	e, ok := t.entries[model]
	if !ok {
		e = &entry{}
		t.entries[model] = e
	}
	return e
}

// RecordFailure counts a failed call. Reaching the threshold, or failing a
// half-open probe, opens the breaker for the configured duration.
func (t *Tracker) RecordFailure(model string) {
	t.mu.Lock()
	now := t.now()
	e := t.get(model)
	e.failCount++
	opened := false
	if e.failCount >= t.threshold && !now.Before(e.cooldownUntil) {
		e.cooldownUntil = now.Add(t.duration)
		opened = true
	}
	t.mu.Unlock()

	if opened && t.observer != nil {
		t.observer.RecordCooldownOpened(model)
	}
}

// RecordSuccess resets the failure count. An active cooldown stays in force.
func (t *Tracker) RecordSuccess(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(model).failCount = 0
}

// IsCooledDown reports whether model is currently suspended.
func (t *Tracker) IsCooledDown(model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[model]
	if !ok {
		return false
	}
	return t.now().Before(e.cooldownUntil)
}

// State returns the model's breaker snapshot.
func (t *Tracker) State(model string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{Model: model, State: StateClosed}
	e, ok := t.entries[model]
	if !ok {
		return snap
	}
	snap.FailCount = e.failCount
	snap.CooldownUntil = e.cooldownUntil
	switch {
	case t.now().Before(e.cooldownUntil):
		snap.State = StateOpen
	case e.failCount >= t.threshold:
		snap.State = StateHalfOpen
	}
	return snap
}

// Reset forgets everything known about model.
func (t *Tracker) Reset(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, model)
}
