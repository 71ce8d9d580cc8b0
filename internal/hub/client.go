package hub

import (
	"sync/atomic"
	"time"

	"nexuswatch/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 4096
)

// Client is one observer connection: a websocket, a filter, and a bounded
// outbound buffer. The buffer isolates this connection from the shared
// dispatch path; when it fills, the oldest messages are dropped for this
// client only.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	filter   Filter
	channels map[string]struct{}

	send chan []byte

	// Recently forwarded event ids; global and project channels can carry
	// the same event, each observer must see exactly one copy.
	seen     map[string]struct{}
	seenRing []string
	seenIdx  int

	dropped int64
}

func newClient(h *Hub, conn *websocket.Conn, filter Filter, channels []string, buffer int) *Client {
	chanSet := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		chanSet[ch] = struct{}{}
	}
	return &Client{
		hub:      h,
		conn:     conn,
		filter:   filter,
		channels: chanSet,
		send:     make(chan []byte, buffer),
		seen:     make(map[string]struct{}, 128),
		seenRing: make([]string, 128),
	}
}

// subscribedTo reports whether this client listens on a channel.
func (c *Client) subscribedTo(channel string) bool {
	_, ok := c.channels[channel]
	return ok
}

// markSeen records an event id, returning false if it was already seen.
// Only the hub dispatch goroutine touches the ring, no locking needed.
func (c *Client) markSeen(eventID string) bool {
	if _, ok := c.seen[eventID]; ok {
		return false
	}
	if old := c.seenRing[c.seenIdx]; old != "" {
		delete(c.seen, old)
	}
	c.seen[eventID] = struct{}{}
	c.seenRing[c.seenIdx] = eventID
	c.seenIdx = (c.seenIdx + 1) % len(c.seenRing)
	return true
}

// enqueue offers a message to the outbound buffer, dropping the oldest
// queued message when full. Called only from the hub dispatch goroutine;
// it never blocks.
func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
		return
	default:
	}

	// Buffer full: evict the oldest message, then retry once
	select {
	case <-c.send:
		atomic.AddInt64(&c.dropped, 1)
	default:
	}
	select {
	case c.send <- payload:
	default:
		atomic.AddInt64(&c.dropped, 1)
	}
}

// writePump drains the outbound buffer to the websocket and sends protocol
// pings on a fixed interval. Exits on any write failure or when the hub
// closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the connection
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.Unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Unregister(c)
				return
			}
		}
	}
}

// readPump consumes inbound frames to service pong replies and detect
// closed connections. Observers never send application data.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if d := atomic.LoadInt64(&c.dropped); d > 0 {
				logger.Debugf("observer disconnected after %d dropped messages", d)
			}
			return
		}
	}
}
