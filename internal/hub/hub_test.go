package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nexuswatch/internal/event"
	"nexuswatch/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHub(t *testing.T) (*Hub, *redis.Client, *httptest.Server) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{Hub: config.HubConfig{ClientBuffer: 16}}
	cfg.ApplyDefaults()

	h := New(client, cfg.Hub, cfg.Bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeConnection(w, r)
	}))
	t.Cleanup(server.Close)

	return h, client, server
}

func dialObserver(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// publishUntilReceived republishes the payload until the observer sees a
// message, covering the window before the channel subscription takes effect.
// Duplicate publishes are safe: the per-client dedupe forwards one copy.
func publishUntilReceived(t *testing.T, client *redis.Client, conn *websocket.Conn, channel string, payload []byte) event.Event {
	received := make(chan event.Event, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var e event.Event
		if json.Unmarshal(data, &e) == nil {
			received <- e
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, client.Publish(context.Background(), channel, payload).Err())
		select {
		case e := <-received:
			return e
		case <-time.After(50 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("observer never received the event")
			}
		}
	}
}

func mustMarshal(t *testing.T, e *event.Event) []byte {
	data, err := json.Marshal(e)
	require.NoError(t, err)
	return data
}

func TestHub_ForwardsGlobalEvents(t *testing.T) {
	h, client, server := setupHub(t)

	conn := dialObserver(t, server, "")
	waitForClients(t, h, 1)

	e, err := event.NewTaskEvent(event.EventTaskCompleted, "job-1", "parent-1")
	require.NoError(t, err)

	got := publishUntilReceived(t, client, conn, "events:global", mustMarshal(t, e))
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, event.EventTaskCompleted, got.EventType)
}

func TestHub_ProjectFilterScopesDelivery(t *testing.T) {
	h, client, server := setupHub(t)

	conn := dialObserver(t, server, "project_id=proj-1")
	waitForClients(t, h, 1)

	// An event for another project goes out on the global channel only;
	// this observer is not subscribed there and must never see it.
	other, err := event.NewTaskEvent(event.EventTaskStarted, "job-other", "")
	require.NoError(t, err)
	other.ProjectID = "proj-2"
	require.NoError(t, client.Publish(context.Background(), "events:global", mustMarshal(t, other)).Err())

	mine, err := event.NewTaskEvent(event.EventTaskCompleted, "job-mine", "")
	require.NoError(t, err)
	mine.ProjectID = "proj-1"

	got := publishUntilReceived(t, client, conn, "events:project:proj-1", mustMarshal(t, mine))
	assert.Equal(t, mine.EventID, got.EventID)
}

func TestHub_TypeFilter(t *testing.T) {
	h, client, server := setupHub(t)

	conn := dialObserver(t, server, "types=task_failed")
	waitForClients(t, h, 1)

	// Matching event arrives even with non-matching traffic interleaved
	ignored, err := event.NewTaskEvent(event.EventTaskStarted, "job-1", "")
	require.NoError(t, err)
	require.NoError(t, client.Publish(context.Background(), "events:global", mustMarshal(t, ignored)).Err())

	wanted, err := event.NewTaskEvent(event.EventTaskFailed, "job-1", "")
	require.NoError(t, err)

	got := publishUntilReceived(t, client, conn, "events:global", mustMarshal(t, wanted))
	assert.Equal(t, wanted.EventID, got.EventID)
}

func TestHub_MalformedFilterRefusesConnection(t *testing.T) {
	_, _, server := setupHub(t)

	resp, err := http.Get(server.URL + "?types=bogus_type")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(server.URL + "?stats_only=banana")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_DuplicateAcrossChannelsForwardedOnce(t *testing.T) {
	h, client, server := setupHub(t)

	// Project observers listen on both the stats and project channels;
	// a project-scoped snapshot is published to both.
	conn := dialObserver(t, server, "project_id=proj-1")
	waitForClients(t, h, 1)

	snapshot := event.NewSnapshotEvent("parent-1", &event.GroupCounts{Completed: 1})
	snapshot.ProjectID = "proj-1"
	payload := mustMarshal(t, snapshot)

	got := publishUntilReceived(t, client, conn, "events:stats", payload)
	assert.Equal(t, snapshot.EventID, got.EventID)

	// The same event on the project channel must not be forwarded again;
	// the next message the observer sees is a different event.
	require.NoError(t, client.Publish(context.Background(), "events:project:proj-1", payload).Err())

	next := event.NewSnapshotEvent("parent-1", &event.GroupCounts{Completed: 2})
	next.ProjectID = "proj-1"

	got = publishUntilReceived(t, client, conn, "events:stats", mustMarshal(t, next))
	assert.Equal(t, next.EventID, got.EventID)
}

func TestHub_SlowObserverDoesNotBlockOthers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// Tiny buffers so the slow observer overflows quickly
	cfg := &config.Config{Hub: config.HubConfig{ClientBuffer: 2}}
	cfg.ApplyDefaults()
	h := New(client, cfg.Hub, cfg.Bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeConnection(w, r)
	}))
	t.Cleanup(server.Close)

	_ = dialObserver(t, server, "") // never reads
	fast := dialObserver(t, server, "")
	waitForClients(t, h, 2)

	first, err := event.NewTaskEvent(event.EventTaskStarted, "job-0", "")
	require.NoError(t, err)
	publishUntilReceived(t, client, fast, "events:global", mustMarshal(t, first))

	// Flood well past the slow observer's buffer capacity
	for i := 1; i <= 50; i++ {
		e, err := event.NewTaskEvent(event.EventTaskStarted, fmt.Sprintf("job-%d", i), "")
		require.NoError(t, err)
		require.NoError(t, client.Publish(context.Background(), "events:global", mustMarshal(t, e)).Err())
	}

	// A marker published after the flood still reaches the healthy observer;
	// the stalled one cost it nothing.
	marker, err := event.NewTaskEvent(event.EventTaskCompleted, "job-marker", "")
	require.NoError(t, err)
	require.NoError(t, client.Publish(context.Background(), "events:global", mustMarshal(t, marker)).Err())

	fast.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := fast.ReadMessage()
		require.NoError(t, err, "healthy observer stopped receiving")
		var e event.Event
		require.NoError(t, json.Unmarshal(data, &e))
		if e.EventID == marker.EventID {
			break
		}
	}
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	h, _, server := setupHub(t)

	dialObserver(t, server, "")
	waitForClients(t, h, 1)

	h.mu.RLock()
	var c *Client
	for cl := range h.clients {
		c = cl
	}
	h.mu.RUnlock()
	require.NotNil(t, c)

	h.Unregister(c)
	h.Unregister(c) // second call must not panic or double-close
	assert.Equal(t, 0, h.ClientCount())
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{Hub: config.HubConfig{ClientBuffer: 16}}
	cfg.ApplyDefaults()
	h := New(client, cfg.Hub, cfg.Bus)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeConnection(w, r)
	}))
	t.Cleanup(server.Close)

	conn := dialObserver(t, server, "")
	waitForClients(t, h, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.Shutdown(ctx)

	assert.Equal(t, 0, h.ClientCount())

	// The observer's read loop ends once the hub closes the connection
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// New connections are refused after shutdown
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if c2, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		// The upgrade may succeed before registration is rejected; the
		// connection must then be closed immediately by the server.
		c2.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c2.ReadMessage()
		assert.Error(t, err)
		c2.Close()
	}
	assert.Equal(t, 0, h.ClientCount())
}
