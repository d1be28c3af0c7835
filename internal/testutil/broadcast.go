package testutil

import (
	"sync"

	"daysync/internal/daysync"
)

// RecordingBroadcaster keeps every posted message and hands messages to
// subscribers only when Deliver is called, so tests control the timing.
type RecordingBroadcaster struct {
	mu     sync.Mutex
	posted []daysync.Message
	subs   map[int]func(daysync.Message)
	next   int
	err    error
	closed bool
}

var _ daysync.Broadcaster = (*RecordingBroadcaster)(nil)

func NewRecordingBroadcaster() *RecordingBroadcaster {
	return &RecordingBroadcaster{subs: make(map[int]func(daysync.Message))}
}

// FailWith makes every later Post return err.
func (b *RecordingBroadcaster) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *RecordingBroadcaster) Post(msg daysync.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return daysync.ErrChannelClosed
	}
	if b.err != nil {
		return b.err
	}
	b.posted = append(b.posted, msg)
	return nil
}

func (b *RecordingBroadcaster) Subscribe(fn func(daysync.Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *RecordingBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Posted returns a copy of the messages posted so far.
func (b *RecordingBroadcaster) Posted() []daysync.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]daysync.Message(nil), b.posted...)
}

// Deliver hands msg to every subscriber synchronously, as if another
// session had posted it.
func (b *RecordingBroadcaster) Deliver(msg daysync.Message) {
	b.mu.Lock()
	fns := make([]func(daysync.Message), 0, len(b.subs))
	for i := 1; i <= b.next; i++ {
		if fn, ok := b.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}
