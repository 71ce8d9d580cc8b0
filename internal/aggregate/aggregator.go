package aggregate

import (
	"context"
	"time"

	"nexuswatch/internal/bus"
	"nexuswatch/internal/event"
	"nexuswatch/pkg/logger"
)

// WorkerCounter reports worker liveness.
type WorkerCounter interface {
	OnlineCount(now time.Time) int
}

// QueueReader reports pending depth per priority queue.
type QueueReader interface {
	QueueDepths(ctx context.Context) (map[string]int, error)
}

// ProgressReader reports in-flight work grouped by task type.
type ProgressReader interface {
	InProgressByType(ctx context.Context) (map[string]int, error)
}

// GroupReader is the registry surface the per-project tick consumes.
type GroupReader interface {
	ActiveGroups() []string
	Snapshot(ctx context.Context, parentID string) (event.GroupCounts, error)
	ResolveProject(ctx context.Context, payloadProjectID, parentTaskID string) string
}

// Overview is the point-in-time global aggregate, also served by the
// snapshot fallback endpoint.
type Overview struct {
	WorkersOnline    int            `json:"workers_online"`
	QueueDepths      map[string]int `json:"queue_depth_by_priority"`
	InProgressByType map[string]int `json:"in_progress_by_type"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// Aggregator composes global and per-project snapshots and re-enters the
// publish path as a regular producer. Every tick is independently
// best-effort under its own deadline.
type Aggregator struct {
	tracker  WorkerCounter
	queues   QueueReader
	progress ProgressReader
	groups   GroupReader
	bus      *bus.Bus

	tickTimeout time.Duration
}

// New creates an aggregator.
func New(tracker WorkerCounter, queues QueueReader, progress ProgressReader, groups GroupReader, eventBus *bus.Bus, tickTimeout time.Duration) *Aggregator {
	return &Aggregator{
		tracker:     tracker,
		queues:      queues,
		progress:    progress,
		groups:      groups,
		bus:         eventBus,
		tickTimeout: tickTimeout,
	}
}

// Overview computes the current global aggregate. Upstream failures degrade
// to partial data instead of failing the whole view.
func (a *Aggregator) Overview(ctx context.Context) Overview {
	ctx, cancel := context.WithTimeout(ctx, a.tickTimeout)
	defer cancel()

	view := Overview{
		WorkersOnline: a.tracker.OnlineCount(time.Now()),
		GeneratedAt:   time.Now().UTC(),
	}

	depths, err := a.queues.QueueDepths(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "queue depth read failed: %v", err)
	}
	view.QueueDepths = depths

	inProgress, err := a.progress.InProgressByType(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "in-progress read failed: %v", err)
	}
	view.InProgressByType = inProgress

	return view
}

// RunGlobalTick publishes the global stats_snapshot and queue_depth_update.
func (a *Aggregator) RunGlobalTick(ctx context.Context) error {
	view := a.Overview(ctx)

	snapshot := event.NewSnapshotEvent("", nil)
	snapshot.WorkersOn = view.WorkersOnline
	snapshot.InProgress = view.InProgressByType
	a.bus.Publish(ctx, snapshot, "")

	if len(view.QueueDepths) > 0 {
		a.bus.Publish(ctx, event.NewQueueDepthEvent(view.QueueDepths), "")
	}
	return nil
}

// RunProjectTick publishes a per-group stats_snapshot for every active task
// group. A failing group is skipped; the remaining groups still publish.
func (a *Aggregator) RunProjectTick(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.tickTimeout)
	defer cancel()

	for _, parentID := range a.groups.ActiveGroups() {
		counts, err := a.groups.Snapshot(ctx, parentID)
		if err != nil {
			logger.DebugCtx(ctx, "snapshot failed for group %s: %v", parentID, err)
			continue
		}

		snapshot := event.NewSnapshotEvent(parentID, &counts)
		projectID := a.groups.ResolveProject(ctx, "", parentID)
		a.bus.Publish(ctx, snapshot, projectID)
	}
	return nil
}

// GroupSnapshot serves the snapshot fallback endpoint for a single group.
func (a *Aggregator) GroupSnapshot(ctx context.Context, parentID string) (event.GroupCounts, error) {
	ctx, cancel := context.WithTimeout(ctx, a.tickTimeout)
	defer cancel()
	return a.groups.Snapshot(ctx, parentID)
}
