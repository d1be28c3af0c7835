package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"daysync/internal/daysync"
)

// WebSocketBroadcaster joins a channel on a Hub over a websocket connection.
type WebSocketBroadcaster struct {
	conn   *websocket.Conn
	inbox  *inbox
	logger daysync.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	lost    atomic.Bool
	done    chan struct{}
}

// DialWebSocket connects to the hub at rawURL and joins channel.
func DialWebSocket(ctx context.Context, rawURL, channel string, logger daysync.Logger) (*WebSocketBroadcaster, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing broadcast url: %w", err)
	}
	q := u.Query()
	q.Set("channel", channel)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing broadcast hub: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	b := &WebSocketBroadcaster{
		conn:   conn,
		inbox:  newInbox(defaultQueueSize, logger),
		logger: logger,
		done:   make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

// Post sends msg to the hub. Posts after Close, or after the connection
// dropped, are discarded.
func (b *WebSocketBroadcaster) Post(msg daysync.Message) error {
	if b.closed.Load() || b.lost.Load() {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding broadcast message: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing broadcast message: %w", err)
	}
	return nil
}

func (b *WebSocketBroadcaster) Subscribe(fn func(daysync.Message)) func() {
	return b.inbox.subscribe(fn)
}

// Close sends a close frame and tears the connection down.
func (b *WebSocketBroadcaster) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.writeMu.Lock()
	b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.writeMu.Unlock()

	err := b.conn.Close()
	<-b.done
	b.inbox.close()
	if err != nil {
		return fmt.Errorf("closing broadcast connection: %w", err)
	}
	return nil
}

func (b *WebSocketBroadcaster) readLoop() {
	defer close(b.done)
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if !b.closed.Load() {
				b.logger.Warn("broadcast connection lost", "error", err)
				b.lost.Store(true)
			}
			return
		}

		var msg daysync.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("invalid broadcast message ignored", "error", err)
			continue
		}
		if !b.inbox.deliver(msg) {
			b.logger.Warn("broadcast dropped, queue full", "type", msg.Type)
		}
	}
}

var _ daysync.Broadcaster = (*WebSocketBroadcaster)(nil)
