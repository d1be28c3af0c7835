package broadcast

import (
	"sync"
	"sync/atomic"

	"daysync/internal/daysync"
)

// LocalHub connects sessions that live in the same process. Each call to
// Open joins a named channel; a post reaches every other member of it.
type LocalHub struct {
	logger    daysync.Logger
	queueSize int

	mu       sync.RWMutex
	channels map[string]map[*LocalBroadcaster]struct{}
}

func NewLocalHub(logger daysync.Logger) *LocalHub {
	return &LocalHub{
		logger:    logger,
		queueSize: defaultQueueSize,
		channels:  make(map[string]map[*LocalBroadcaster]struct{}),
	}
}

// Open joins the named channel.
func (h *LocalHub) Open(name string) *LocalBroadcaster {
	b := &LocalBroadcaster{
		hub:   h,
		name:  name,
		inbox: newInbox(h.queueSize, h.logger),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[name] == nil {
		h.channels[name] = make(map[*LocalBroadcaster]struct{})
	}
	h.channels[name][b] = struct{}{}
	return b
}

// Members returns how many sessions are joined to the named channel.
func (h *LocalHub) Members(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[name])
}

func (h *LocalHub) publish(from *LocalBroadcaster, msg daysync.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for b := range h.channels[from.name] {
		if b == from {
			continue
		}
		if !b.inbox.deliver(msg) {
			h.logger.Warn("broadcast dropped, receiver queue full", "channel", from.name, "type", msg.Type)
		}
	}
}

func (h *LocalHub) leave(b *LocalBroadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels[b.name], b)
	if len(h.channels[b.name]) == 0 {
		delete(h.channels, b.name)
	}
}

// LocalBroadcaster is one session's membership in a LocalHub channel.
type LocalBroadcaster struct {
	hub    *LocalHub
	name   string
	inbox  *inbox
	closed atomic.Bool
}

// Post fans msg out to the other members. Posts after Close are dropped.
func (b *LocalBroadcaster) Post(msg daysync.Message) error {
	if b.closed.Load() {
		return nil
	}
	b.hub.publish(b, msg)
	return nil
}

func (b *LocalBroadcaster) Subscribe(fn func(daysync.Message)) func() {
	return b.inbox.subscribe(fn)
}

// Close leaves the channel. Queued but undelivered messages are discarded.
func (b *LocalBroadcaster) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.hub.leave(b)
	b.inbox.close()
	return nil
}

var _ daysync.Broadcaster = (*LocalBroadcaster)(nil)
