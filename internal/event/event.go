package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the lifecycle transition an event describes.
type EventType string

const (
	EventWorkerStarted    EventType = "worker_started"
	EventWorkerHeartbeat  EventType = "worker_heartbeat"
	EventWorkerStopped    EventType = "worker_stopped"
	EventTaskEnqueued     EventType = "task_enqueued"
	EventTaskStarted      EventType = "task_started"
	EventTaskRetry        EventType = "task_retry"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventTaskStalled      EventType = "task_stalled"
	EventPhaseStarted     EventType = "phase_started"
	EventPhaseCompleted   EventType = "phase_completed"
	EventQueueDepthUpdate EventType = "queue_depth_update"
	EventStatsSnapshot    EventType = "stats_snapshot"
)

var validTypes = map[EventType]struct{}{
	EventWorkerStarted:    {},
	EventWorkerHeartbeat:  {},
	EventWorkerStopped:    {},
	EventTaskEnqueued:     {},
	EventTaskStarted:      {},
	EventTaskRetry:        {},
	EventTaskCompleted:    {},
	EventTaskFailed:       {},
	EventTaskStalled:      {},
	EventPhaseStarted:     {},
	EventPhaseCompleted:   {},
	EventQueueDepthUpdate: {},
	EventStatsSnapshot:    {},
}

// ParseEventType validates a raw string against the closed enumeration.
func ParseEventType(raw string) (EventType, error) {
	et := EventType(raw)
	if _, ok := validTypes[et]; !ok {
		return "", fmt.Errorf("unknown event type: %q", raw)
	}
	return et, nil
}

func (t EventType) String() string {
	return string(t)
}

// GroupCounts is the per-task-group status breakdown.
type GroupCounts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
}

// Total returns the number of children accounted for.
func (c GroupCounts) Total() int {
	return c.Completed + c.Failed + c.Pending + c.Queued
}

// Event is a single monitoring signal. Events are immutable once constructed
// and are transient: current status always comes from the status store, not
// from replayed events.
type Event struct {
	EventID      string            `json:"event_id"`
	Timestamp    time.Time         `json:"timestamp"`
	EventType    EventType         `json:"event_type"`
	ProjectID    string            `json:"project_id,omitempty"`
	ParentTaskID string            `json:"parent_task_id,omitempty"`
	TaskID       string            `json:"task_id,omitempty"`
	TaskType     string            `json:"task_type,omitempty"`
	Phase        string            `json:"phase,omitempty"`
	WorkerID     string            `json:"worker_id,omitempty"`
	RetryCount   int               `json:"retry_count,omitempty"`
	Status       string            `json:"status,omitempty"`
	DurationMs   int64             `json:"duration_ms,omitempty"`
	Counts       *GroupCounts      `json:"counts,omitempty"`
	QueueDepths  map[string]int    `json:"queue_depths,omitempty"`
	InProgress   map[string]int    `json:"in_progress_by_type,omitempty"`
	WorkersOn    int               `json:"workers_online,omitempty"`
	Message      string            `json:"message,omitempty"`
	Error        string            `json:"error,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

func newEvent(t EventType) *Event {
	return &Event{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: t,
	}
}

// NewTaskEvent builds a task lifecycle event. taskID is required; the parent
// task id may be empty for standalone jobs.
func NewTaskEvent(t EventType, taskID, parentTaskID string) (*Event, error) {
	switch t {
	case EventTaskEnqueued, EventTaskStarted, EventTaskRetry,
		EventTaskCompleted, EventTaskFailed, EventTaskStalled:
	default:
		return nil, fmt.Errorf("not a task event type: %s", t)
	}
	if taskID == "" {
		return nil, fmt.Errorf("task event requires task_id")
	}

	e := newEvent(t)
	e.TaskID = taskID
	e.ParentTaskID = parentTaskID
	return e, nil
}

// NewWorkerEvent builds a worker lifecycle event.
func NewWorkerEvent(t EventType, workerID string) (*Event, error) {
	switch t {
	case EventWorkerStarted, EventWorkerHeartbeat, EventWorkerStopped:
	default:
		return nil, fmt.Errorf("not a worker event type: %s", t)
	}
	if workerID == "" {
		return nil, fmt.Errorf("worker event requires worker_id")
	}

	e := newEvent(t)
	e.WorkerID = workerID
	return e, nil
}

// NewPhaseEvent builds an orchestrator phase event for a parent task.
func NewPhaseEvent(t EventType, parentTaskID, phase string) (*Event, error) {
	switch t {
	case EventPhaseStarted, EventPhaseCompleted:
	default:
		return nil, fmt.Errorf("not a phase event type: %s", t)
	}
	if parentTaskID == "" || phase == "" {
		return nil, fmt.Errorf("phase event requires parent_task_id and phase")
	}

	e := newEvent(t)
	e.ParentTaskID = parentTaskID
	e.Phase = phase
	return e, nil
}

// NewSnapshotEvent builds a stats_snapshot event. Either counts (per-group
// snapshot) or the global fields may be set.
func NewSnapshotEvent(parentTaskID string, counts *GroupCounts) *Event {
	e := newEvent(EventStatsSnapshot)
	e.ParentTaskID = parentTaskID
	e.Counts = counts
	return e
}

// NewQueueDepthEvent builds a queue_depth_update event.
func NewQueueDepthEvent(depths map[string]int) *Event {
	e := newEvent(EventQueueDepthUpdate)
	e.QueueDepths = depths
	return e
}
