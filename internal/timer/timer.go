// Package timer provides single-shot, generation-tagged timers whose fires
// can be checked for staleness on the engine goroutine.
package timer

import (
	"sync"
	"time"
)

// Timer is a single-shot timer. Arming replaces any pending deadline and
// bumps the generation, so a fire racing a cancel or re-arm is detectable.
type Timer struct {
	name string

	mu    sync.Mutex
	gen   uint64
	armed bool
	t     *time.Timer
}

// New returns an unarmed timer.
func New(name string) *Timer {
	return &Timer{name: name}
}

// Name identifies the timer in logs.
func (t *Timer) Name() string {
	return t.name
}

// Arm schedules fire after d and returns the arming generation. fire runs on
// its own goroutine and receives that generation.
func (t *Timer) Arm(d time.Duration, fire func(gen uint64)) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.t = time.AfterFunc(d, func() {
		fire(gen)
	})
	return gen
}

// Cancel disarms the timer. Fires already in flight become stale.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	if t.armed {
		t.gen++
	}
	t.armed = false
}

// Armed reports whether a deadline is pending or fired but not yet consumed.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Consume reports whether gen is the live arming and, if so, disarms it.
// Use it as the guard of the transition a fire requests.
func (t *Timer) Consume(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed || gen != t.gen {
		return false
	}
	t.armed = false
	t.t = nil
	return true
}

// Group cancels and counts a fixed set of timers together.
type Group []*Timer

// CancelAll disarms every timer in the group.
func (g Group) CancelAll() {
	for _, t := range g {
		t.Cancel()
	}
}

// ArmedCount returns how many timers in the group are armed.
func (g Group) ArmedCount() int {
	n := 0
	for _, t := range g {
		if t.Armed() {
			n++
		}
	}
	return n
}
