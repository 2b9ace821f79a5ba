package bus

import (
	"sort"
	"sync"
	"time"
)

// Scheduler abstracts delayed execution so retry backoff can run against a
// virtual clock in tests.
type Scheduler interface {
	Now() time.Time
	// After runs fn once d has elapsed. The returned cancel stops the
	// callback if it has not fired yet and reports whether it did.
	After(d time.Duration, fn func()) (cancel func() bool)
}

// WallClock schedules on the real clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

func (WallClock) After(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// VirtualClock is a deterministic scheduler for tests. Nothing fires until
// Advance moves time past a timer's deadline; due callbacks run on the
// calling goroutine in deadline order.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*virtualTimer
}

type virtualTimer struct {
	at time.Time
	fn func()
}

// NewVirtualClock starts a virtual clock at the given instant.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start, timers: make(map[int]*virtualTimer)}
}

func (v *VirtualClock) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *VirtualClock) After(d time.Duration, fn func()) func() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextID
	v.nextID++
	v.timers[id] = &virtualTimer{at: v.now.Add(d), fn: fn}
	return func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		if _, ok := v.timers[id]; !ok {
			return false
		}
		delete(v.timers, id)
		return true
	}
}

// Advance moves the clock forward and fires every timer whose deadline has
// passed, earliest first.
func (v *VirtualClock) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	deadline := v.now
	var due []*virtualTimer
	for id, t := range v.timers {
		if !t.at.After(deadline) {
			due = append(due, t)
			delete(v.timers, id)
		}
	}
	v.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Pending returns the number of armed timers.
func (v *VirtualClock) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}
