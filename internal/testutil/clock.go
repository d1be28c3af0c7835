package testutil

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"daysync/internal/daysync"
)

// StubClock returns a settable time. Safe for concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to 2024-03-01 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t, which may be in the past.
func (c *StubClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// UnixMilli returns the clock's current time in milliseconds.
func (c *StubClock) UnixMilli() int64 {
	return c.Now().UnixMilli()
}

// StubIDGenerator returns sequential IDs: "<prefix>-1", "<prefix>-2", etc.
type StubIDGenerator struct {
	mu      sync.Mutex
	prefix  string
	counter int
}

// NewStubIDGenerator creates a generator. An empty prefix means "id".
func NewStubIDGenerator(prefix string) *StubIDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &StubIDGenerator{prefix: prefix}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("%s-%d", g.prefix, g.counter)
}

// StubScheduler runs timers against a StubClock. Nothing fires on its own:
// Advance moves the clock and runs every timer that came due, in deadline order.
type StubScheduler struct {
	clock *StubClock

	mu     sync.Mutex
	timers []*stubTimer
	seq    int
}

type stubTimer struct {
	s        *StubScheduler
	deadline time.Time
	seq      int
	fn       func()
	stopped  bool
}

// NewStubScheduler creates a scheduler driven by clock.
func NewStubScheduler(clock *StubClock) *StubScheduler {
	return &StubScheduler{clock: clock}
}

func (s *StubScheduler) AfterFunc(d time.Duration, f func()) daysync.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &stubTimer{s: s, deadline: s.clock.Now().Add(d), seq: s.seq, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *stubTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.s.removeLocked(t)
	return true
}

func (s *StubScheduler) removeLocked(t *stubTimer) {
	for i, x := range s.timers {
		if x == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (s *StubScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Advance moves the clock forward by d and fires due timers. Timers created
// by a firing callback are considered too.
func (s *StubScheduler) Advance(d time.Duration) {
	s.clock.Advance(d)
	for {
		t := s.nextDue()
		if t == nil {
			return
		}
		t.fn()
	}
}

func (s *StubScheduler) nextDue() *stubTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].deadline.Equal(s.timers[j].deadline) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].deadline.Before(s.timers[j].deadline)
	})
	if len(s.timers) == 0 || s.timers[0].deadline.After(now) {
		return nil
	}
	t := s.timers[0]
	t.stopped = true
	s.timers = s.timers[1:]
	return t
}
