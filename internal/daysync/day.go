package daysync

import (
	"sort"
	"sync"
	"time"
)

// Origin tells a Day watcher where a new in-memory record came from.
type Origin string

const (
	OriginLocal    Origin = "local"    // an edit through Mutate
	OriginStorage  Origin = "storage"  // loaded from the store on date change
	OriginRemote   Origin = "remote"   // accepted from remote reconciliation
	OriginExternal Origin = "external" // accepted from an update notification
)

// Day holds the in-memory record of the active date and publishes every
// replacement on its change stream.
type Day struct {
	clock Clock

	mu       sync.RWMutex
	rec      DayRecord
	lastEdit time.Time

	watchMu  sync.Mutex
	watchers map[uint64]func(DayRecord, Origin)
	next     uint64
}

func NewDay(clock Clock) *Day {
	return &Day{
		clock:    clock,
		watchers: make(map[uint64]func(DayRecord, Origin)),
	}
}

// Get returns a copy of the current record.
func (d *Day) Get() DayRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rec.Clone()
}

// Mutate applies fn to a copy of the payload and installs the result with a
// fresh UpdatedAt. UpdatedAt never moves backwards even if the clock does.
func (d *Day) Mutate(fn func(Payload)) DayRecord {
	d.mu.Lock()
	rec := d.rec.Clone()
	if rec.Payload == nil {
		rec.Payload = Payload{}
	}
	fn(rec.Payload)

	now := millis(d.clock)
	if now <= d.rec.UpdatedAt {
		now = d.rec.UpdatedAt + 1
	}
	rec.UpdatedAt = now
	d.rec = rec
	d.lastEdit = d.clock.Now()
	out := rec.Clone()
	d.mu.Unlock()

	d.notify(out, OriginLocal)
	return out
}

// Replace installs rec as the current record.
func (d *Day) Replace(rec DayRecord, origin Origin) {
	d.mu.Lock()
	d.rec = rec.Clone()
	if origin == OriginStorage {
		d.lastEdit = time.Time{}
	}
	out := d.rec.Clone()
	d.mu.Unlock()

	d.notify(out, origin)
}

// LastLocalEdit returns when Mutate last ran for the current date, or the zero time.
func (d *Day) LastLocalEdit() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastEdit
}

// Watch registers fn on the change stream and returns a function that removes it.
func (d *Day) Watch(fn func(DayRecord, Origin)) func() {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	d.next++
	id := d.next
	d.watchers[id] = fn
	return func() {
		d.watchMu.Lock()
		defer d.watchMu.Unlock()
		delete(d.watchers, id)
	}
}

func (d *Day) notify(rec DayRecord, origin Origin) {
	d.watchMu.Lock()
	ids := make([]uint64, 0, len(d.watchers))
	for id := range d.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(DayRecord, Origin), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.watchers[id])
	}
	d.watchMu.Unlock()

	for _, fn := range fns {
		fn(rec.Clone(), origin)
	}
}
