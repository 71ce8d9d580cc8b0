package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nexuswatch/internal/event"
	"nexuswatch/pkg/config"
	"nexuswatch/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins, production should use stricter checks
	},
}

// Hub fans events out from the pub/sub transport to observer connections.
// One shared subscription and a single dispatch loop feed independent
// per-connection buffers; a slow observer can only lose its own messages,
// never delay the dispatch path, other observers, or producers.
type Hub struct {
	redis  *redis.Client
	cfg    config.HubConfig
	busCfg config.BusConfig

	pingInterval time.Duration
	pongTimeout  time.Duration

	mu          sync.RWMutex
	clients     map[*Client]struct{}
	channelRefs map[string]int
	closed      bool

	pubsub *redis.PubSub
	done   chan struct{}
}

// New creates a fan-out hub and starts its dispatch loop.
func New(redisClient *redis.Client, cfg config.HubConfig, busCfg config.BusConfig) *Hub {
	h := &Hub{
		redis:        redisClient,
		cfg:          cfg,
		busCfg:       busCfg,
		pingInterval: time.Duration(cfg.PingInterval) * time.Second,
		pongTimeout:  time.Duration(cfg.PongTimeout) * time.Second,
		clients:      make(map[*Client]struct{}),
		channelRefs:  make(map[string]int),
		pubsub:       redisClient.Subscribe(context.Background()),
		done:         make(chan struct{}),
	}
	go h.dispatch()
	return h
}

// ServeConnection upgrades an observer request and runs the connection
// lifecycle. The filter is parsed before any subscription exists; malformed
// parameters refuse the connection outright.
func (h *Hub) ServeConnection(w http.ResponseWriter, r *http.Request) error {
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return err
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	// Project-filtered observers listen on their project channel; everyone
	// else takes the global feed. Stats are always visible.
	channels := []string{h.busCfg.StatsChannel}
	if filter.ProjectID != "" {
		channels = append(channels, h.busCfg.ProjectPrefix+filter.ProjectID)
	} else {
		channels = append(channels, h.busCfg.GlobalChannel)
	}

	client := newClient(h, conn, filter, channels, h.cfg.ClientBuffer)
	if err := h.register(client); err != nil {
		conn.Close()
		return err
	}

	go client.writePump()
	go client.readPump()
	return nil
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("hub is shutting down")
	}

	h.clients[c] = struct{}{}
	for ch := range c.channels {
		h.channelRefs[ch]++
		if h.channelRefs[ch] == 1 {
			if err := h.pubsub.Subscribe(context.Background(), ch); err != nil {
				logger.Warnf("channel subscribe failed for %s: %v", ch, err)
			}
		}
	}
	return nil
}

// Unregister removes a connection, releases its buffer, and drops channel
// subscriptions nobody else holds. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	for ch := range c.channels {
		h.channelRefs[ch]--
		if h.channelRefs[ch] <= 0 {
			delete(h.channelRefs, ch)
			if !h.closed {
				if err := h.pubsub.Unsubscribe(context.Background(), ch); err != nil {
					logger.Debugf("channel unsubscribe failed for %s: %v", ch, err)
				}
			}
		}
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// dispatch reads the shared subscription and forwards each event to every
// matching connection's buffer. Forwarding is O(clients) per event and
// never blocks on any single connection.
func (h *Hub) dispatch() {
	defer close(h.done)

	for msg := range h.pubsub.Channel() {
		var e event.Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			logger.Debugf("discarding malformed event on %s: %v", msg.Channel, err)
			continue
		}

		payload := []byte(msg.Payload)

		h.mu.RLock()
		for c := range h.clients {
			if !c.subscribedTo(msg.Channel) {
				continue
			}
			if !c.filter.Matches(&e) {
				continue
			}
			if !c.markSeen(e.EventID) {
				continue
			}
			c.enqueue(payload)
		}
		h.mu.RUnlock()
	}
}

// Shutdown unsubscribes from all channels and closes every connection.
// In-flight forwards complete; no new connections are accepted.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	// Closing the pubsub ends the dispatch loop
	if err := h.pubsub.Close(); err != nil {
		logger.Warnf("pubsub close failed: %v", err)
	}

	select {
	case <-h.done:
	case <-ctx.Done():
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
	logger.Infof("fan-out hub stopped, %d connections closed", len(clients))
}
