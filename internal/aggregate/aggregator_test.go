package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"nexuswatch/internal/bus"
	"nexuswatch/internal/event"
	"nexuswatch/pkg/config"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct{ online int }

func (f *fakeTracker) OnlineCount(now time.Time) int { return f.online }

type fakeQueues struct {
	depths map[string]int
	err    error
}

func (f *fakeQueues) QueueDepths(ctx context.Context) (map[string]int, error) {
	return f.depths, f.err
}

type fakeProgress struct {
	counts map[string]int
	err    error
}

func (f *fakeProgress) InProgressByType(ctx context.Context) (map[string]int, error) {
	return f.counts, f.err
}

type fakeGroups struct {
	active   []string
	counts   map[string]event.GroupCounts
	projects map[string]string
	failing  map[string]bool
}

func (f *fakeGroups) ActiveGroups() []string { return f.active }

func (f *fakeGroups) Snapshot(ctx context.Context, parentID string) (event.GroupCounts, error) {
	if f.failing[parentID] {
		return event.GroupCounts{}, fmt.Errorf("status store unavailable")
	}
	return f.counts[parentID], nil
}

func (f *fakeGroups) ResolveProject(ctx context.Context, payloadProjectID, parentTaskID string) string {
	return f.projects[parentTaskID]
}

// recordingPublisher collects published events per channel.
type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]event.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][]event.Event)}
}

func (r *recordingPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()

	var e event.Event
	if err := json.Unmarshal(message.([]byte), &e); err != nil {
		return redis.NewIntResult(0, err)
	}
	r.events[channel] = append(r.events[channel], e)
	return redis.NewIntResult(1, nil)
}

func (r *recordingPublisher) channelEvents(channel string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[channel]
}

func newTestBus(pub bus.Publisher) *bus.Bus {
	cfg := &config.Config{Bus: config.BusConfig{Enabled: true}}
	cfg.ApplyDefaults()
	return bus.New(pub, cfg.Bus)
}

func TestAggregator_Overview(t *testing.T) {
	agg := New(
		&fakeTracker{online: 3},
		&fakeQueues{depths: map[string]int{"critical": 2, "default": 7}},
		&fakeProgress{counts: map[string]int{"render": 4}},
		&fakeGroups{},
		newTestBus(newRecordingPublisher()),
		time.Second,
	)

	view := agg.Overview(context.Background())
	assert.Equal(t, 3, view.WorkersOnline)
	assert.Equal(t, 7, view.QueueDepths["default"])
	assert.Equal(t, 4, view.InProgressByType["render"])
	assert.False(t, view.GeneratedAt.IsZero())
}

func TestAggregator_OverviewDegradesOnUpstreamFailure(t *testing.T) {
	agg := New(
		&fakeTracker{online: 2},
		&fakeQueues{err: fmt.Errorf("inspector unavailable")},
		&fakeProgress{err: fmt.Errorf("redis unavailable")},
		&fakeGroups{},
		newTestBus(newRecordingPublisher()),
		time.Second,
	)

	// Partial data, never an error
	view := agg.Overview(context.Background())
	assert.Equal(t, 2, view.WorkersOnline)
	assert.Empty(t, view.QueueDepths)
	assert.Empty(t, view.InProgressByType)
}

func TestAggregator_RunGlobalTick(t *testing.T) {
	pub := newRecordingPublisher()
	b := newTestBus(pub)
	agg := New(
		&fakeTracker{online: 5},
		&fakeQueues{depths: map[string]int{"default": 1}},
		&fakeProgress{counts: map[string]int{"render": 2}},
		&fakeGroups{},
		b,
		time.Second,
	)

	require.NoError(t, agg.RunGlobalTick(context.Background()))
	b.Close()

	events := pub.channelEvents("events:stats")
	require.Len(t, events, 2)

	assert.Equal(t, event.EventStatsSnapshot, events[0].EventType)
	assert.Equal(t, 5, events[0].WorkersOn)
	assert.Equal(t, 2, events[0].InProgress["render"])

	assert.Equal(t, event.EventQueueDepthUpdate, events[1].EventType)
	assert.Equal(t, 1, events[1].QueueDepths["default"])
}

func TestAggregator_RunGlobalTickSkipsEmptyDepths(t *testing.T) {
	pub := newRecordingPublisher()
	b := newTestBus(pub)
	agg := New(
		&fakeTracker{},
		&fakeQueues{err: fmt.Errorf("inspector down")},
		&fakeProgress{},
		&fakeGroups{},
		b,
		time.Second,
	)

	require.NoError(t, agg.RunGlobalTick(context.Background()))
	b.Close()

	events := pub.channelEvents("events:stats")
	require.Len(t, events, 1)
	assert.Equal(t, event.EventStatsSnapshot, events[0].EventType)
}

func TestAggregator_RunProjectTick(t *testing.T) {
	pub := newRecordingPublisher()
	b := newTestBus(pub)
	groups := &fakeGroups{
		active: []string{"parent-1", "parent-2"},
		counts: map[string]event.GroupCounts{
			"parent-1": {Completed: 1, Failed: 1, Pending: 1},
			"parent-2": {Queued: 4},
		},
		projects: map[string]string{"parent-1": "proj-1"},
	}
	agg := New(&fakeTracker{}, &fakeQueues{}, &fakeProgress{}, groups, b, time.Second)

	require.NoError(t, agg.RunProjectTick(context.Background()))
	b.Close()

	stats := pub.channelEvents("events:stats")
	require.Len(t, stats, 2)

	byParent := make(map[string]event.Event)
	for _, e := range stats {
		byParent[e.ParentTaskID] = e
	}
	require.Contains(t, byParent, "parent-1")
	require.Contains(t, byParent, "parent-2")
	assert.Equal(t, &event.GroupCounts{Completed: 1, Failed: 1, Pending: 1}, byParent["parent-1"].Counts)
	assert.Equal(t, &event.GroupCounts{Queued: 4}, byParent["parent-2"].Counts)

	// The group with a known project also lands on its project channel
	projEvents := pub.channelEvents("events:project:proj-1")
	require.Len(t, projEvents, 1)
	assert.Equal(t, "parent-1", projEvents[0].ParentTaskID)
}

func TestAggregator_RunProjectTickSkipsFailingGroups(t *testing.T) {
	pub := newRecordingPublisher()
	b := newTestBus(pub)
	groups := &fakeGroups{
		active:  []string{"parent-bad", "parent-good"},
		counts:  map[string]event.GroupCounts{"parent-good": {Completed: 2}},
		failing: map[string]bool{"parent-bad": true},
	}
	agg := New(&fakeTracker{}, &fakeQueues{}, &fakeProgress{}, groups, b, time.Second)

	require.NoError(t, agg.RunProjectTick(context.Background()))
	b.Close()

	stats := pub.channelEvents("events:stats")
	require.Len(t, stats, 1)
	assert.Equal(t, "parent-good", stats[0].ParentTaskID)
}

func TestAggregator_GroupSnapshot(t *testing.T) {
	groups := &fakeGroups{
		counts: map[string]event.GroupCounts{"parent-1": {Completed: 3, Queued: 1}},
	}
	agg := New(&fakeTracker{}, &fakeQueues{}, &fakeProgress{}, groups, newTestBus(newRecordingPublisher()), time.Second)

	counts, err := agg.GroupSnapshot(context.Background(), "parent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Completed)
	assert.Equal(t, 1, counts.Queued)
}
