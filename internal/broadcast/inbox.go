package broadcast

import (
	"sort"
	"sync"

	"daysync/internal/daysync"
)

const defaultQueueSize = 256

// inbox delivers received messages to subscribers on its own goroutine, in
// arrival order, so a sender never runs subscriber code.
type inbox struct {
	logger daysync.Logger
	queue  chan daysync.Message
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[uint64]func(daysync.Message)
	next uint64
}

func newInbox(size int, logger daysync.Logger) *inbox {
	if size <= 0 {
		size = defaultQueueSize
	}
	in := &inbox{
		logger: logger,
		queue:  make(chan daysync.Message, size),
		done:   make(chan struct{}),
		subs:   make(map[uint64]func(daysync.Message)),
	}
	go in.run()
	return in
}

func (in *inbox) subscribe(fn func(daysync.Message)) func() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.next++
	id := in.next
	in.subs[id] = fn
	return func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		delete(in.subs, id)
	}
}

// deliver queues msg. It reports false if the inbox is closed or full.
func (in *inbox) deliver(msg daysync.Message) bool {
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.queue <- msg:
		return true
	default:
		return false
	}
}

func (in *inbox) close() {
	in.once.Do(func() { close(in.done) })
}

func (in *inbox) run() {
	for {
		select {
		case <-in.done:
			return
		case msg := <-in.queue:
			in.dispatch(msg)
		}
	}
}

func (in *inbox) dispatch(msg daysync.Message) {
	in.mu.Lock()
	ids := make([]uint64, 0, len(in.subs))
	for id := range in.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(daysync.Message), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, in.subs[id])
	}
	in.mu.Unlock()

	for _, fn := range fns {
		in.call(fn, msg)
	}
}

func (in *inbox) call(fn func(daysync.Message), msg daysync.Message) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Warn("broadcast subscriber panicked", "type", msg.Type, "panic", r)
		}
	}()
	fn(msg)
}
