package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"daysync/internal/daysync"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
)

// Hub relays broadcast messages between websocket clients. A message from one
// client is sent to every other client joined to the same channel; the
// channel is chosen with the "channel" query parameter.
type Hub struct {
	logger   daysync.Logger
	upgrader websocket.Upgrader

	register   chan *hubClient
	unregister chan *hubClient
	relay      chan relayed
	done       chan struct{}

	// clients is owned by the Run goroutine.
	clients map[string]map[*hubClient]struct{}
}

type hubClient struct {
	hub     *Hub
	conn    *websocket.Conn
	channel string
	send    chan []byte
}

type relayed struct {
	from *hubClient
	data []byte
}

func NewHub(logger daysync.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		relay:      make(chan relayed, defaultQueueSize),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*hubClient]struct{}),
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled, after
// disconnecting every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, members := range h.clients {
				for c := range members {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*hubClient]struct{})
			return

		case c := <-h.register:
			if h.clients[c.channel] == nil {
				h.clients[c.channel] = make(map[*hubClient]struct{})
			}
			h.clients[c.channel][c] = struct{}{}
			h.logger.Debug("broadcast client connected", "channel", c.channel, "remote", c.conn.RemoteAddr().String())

		case c := <-h.unregister:
			if _, ok := h.clients[c.channel][c]; ok {
				delete(h.clients[c.channel], c)
				close(c.send)
				if len(h.clients[c.channel]) == 0 {
					delete(h.clients, c.channel)
				}
				h.logger.Debug("broadcast client disconnected", "channel", c.channel)
			}

		case m := <-h.relay:
			for c := range h.clients[m.from.channel] {
				if c == m.from {
					continue
				}
				select {
				case c.send <- m.data:
				default:
					h.logger.Warn("broadcast dropped, client buffer full", "channel", c.channel)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and joins the client to its channel.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = daysync.DefaultChannelName
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{hub: h, conn: conn, channel: channel, send: make(chan []byte, defaultQueueSize)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump forwards every valid message from the connection to the hub.
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "channel", c.channel, "error", err)
			}
			return
		}

		var msg daysync.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.hub.logger.Warn("invalid broadcast message ignored", "channel", c.channel)
			continue
		}

		select {
		case c.hub.relay <- relayed{from: c, data: data}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump sends relayed messages and keeps the connection alive with pings.
func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
