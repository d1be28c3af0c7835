package daysync

import (
	"encoding/json"
	"sort"
	"sync"
)

// Origin tags of update notifications.
const (
	SourceBroadcast = "broadcast"
	SourceStorage   = "storage"
	SourceCloud     = "cloud"
	SourceCloudSync = "cloud-sync"
	SourceMerge     = "merge"
	SourceFetchDays = "fetchDays"
)

// UpdateEvent notifies the hydration layer that a day record changed
// somewhere other than the in-memory copy.
type UpdateEvent struct {
	Date   string
	Source string

	// Record is the new record. When nil the record is re-read from the store.
	Record *DayRecord

	// TimestampOnly raises the watermark to UpdatedAt without replacing the
	// in-memory record.
	TimestampOnly bool
	UpdatedAt     int64

	// Force bypasses the post-edit holdoff for remote-class sources.
	Force bool
}

// Events is the same-process update-notification stream.
type Events struct {
	mu   sync.Mutex
	subs map[uint64]func(UpdateEvent)
	next uint64
}

func NewEvents() *Events {
	return &Events{subs: make(map[uint64]func(UpdateEvent))}
}

// Publish delivers ev to every subscriber synchronously, in subscription order.
func (e *Events) Publish(ev UpdateEvent) {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(UpdateEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.subs[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribe registers fn and returns a function that removes it.
func (e *Events) Subscribe(fn func(UpdateEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := e.next
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// BridgeBroadcast republishes record:update messages received on bc as
// UpdateEvents tagged SourceBroadcast. It returns the unsubscribe function.
func BridgeBroadcast(bc Broadcaster, events *Events, logger Logger) func() {
	return bc.Subscribe(func(msg Message) {
		if msg.Type != MessageTypeRecordUpdate {
			return
		}
		var rec DayRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			logger.Warn("dropping malformed broadcast", "date", msg.Date, "error", err)
			return
		}
		date := msg.Date
		if date == "" {
			date = rec.Date
		}
		events.Publish(UpdateEvent{Date: date, Source: SourceBroadcast, Record: &rec})
	})
}
