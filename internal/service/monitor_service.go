package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nexuswatch/internal/bus"
	"nexuswatch/internal/event"
	"nexuswatch/internal/liveness"
	"nexuswatch/internal/registry"
	"nexuswatch/pkg/logger"
)

// ProcessingLister is the status store slice the stalled scan needs.
type ProcessingLister interface {
	ListProcessing(ctx context.Context) ([]string, error)
}

// EventRequest is the producer-facing ingest payload.
type EventRequest struct {
	EventType    string            `json:"event_type" binding:"required"`
	ProjectID    string            `json:"project_id"`
	ParentTaskID string            `json:"parent_task_id"`
	TaskID       string            `json:"task_id"`
	TaskType     string            `json:"task_type"`
	Phase        string            `json:"phase"`
	WorkerID     string            `json:"worker_id"`
	RetryCount   int               `json:"retry_count"`
	Status       string            `json:"status"`
	DurationMs   int64             `json:"duration_ms"`
	Message      string            `json:"message"`
	Error        string            `json:"error"`
	Meta         map[string]string `json:"meta"`
}

// MonitorService coordinates event ingest: schema validation, task-group
// membership, liveness bookkeeping, project-id resolution, and publish.
type MonitorService struct {
	bus      *bus.Bus
	registry *registry.Registry
	tracker  *liveness.Tracker
	store    ProcessingLister

	mu      sync.Mutex
	stalled map[string]struct{} // jobs already signalled as stalled
}

// NewMonitorService creates the monitor service.
func NewMonitorService(eventBus *bus.Bus, reg *registry.Registry, tracker *liveness.Tracker, store ProcessingLister) *MonitorService {
	return &MonitorService{
		bus:      eventBus,
		registry: reg,
		tracker:  tracker,
		store:    store,
		stalled:  make(map[string]struct{}),
	}
}

// Ingest validates a producer event, records side effects, and publishes it.
// Validation failures are the producer's error; everything past validation
// is best-effort and never fails the call.
func (s *MonitorService) Ingest(ctx context.Context, req *EventRequest) (*event.Event, error) {
	eventType, err := event.ParseEventType(req.EventType)
	if err != nil {
		return nil, err
	}

	e, err := s.buildEvent(eventType, req)
	if err != nil {
		return nil, err
	}

	switch eventType {
	case event.EventWorkerHeartbeat, event.EventWorkerStarted:
		s.tracker.RecordHeartbeat(e.WorkerID, e.Timestamp)
	case event.EventWorkerStopped:
		s.tracker.Forget(e.WorkerID)
	}

	// Membership must be recorded before any snapshot can count the child,
	// so the insert happens ahead of the publish.
	if e.ParentTaskID != "" && e.TaskID != "" {
		if err := s.registry.AddChild(ctx, e.ParentTaskID, e.TaskID); err != nil {
			logger.WarnCtx(ctx, "group membership write failed for %s/%s: %v", e.ParentTaskID, e.TaskID, err)
		}
	}

	projectID := s.registry.ResolveProject(ctx, req.ProjectID, e.ParentTaskID)
	s.bus.Publish(ctx, e, projectID)

	return e, nil
}

func (s *MonitorService) buildEvent(t event.EventType, req *EventRequest) (*event.Event, error) {
	var e *event.Event
	var err error

	switch t {
	case event.EventWorkerStarted, event.EventWorkerHeartbeat, event.EventWorkerStopped:
		e, err = event.NewWorkerEvent(t, req.WorkerID)
	case event.EventPhaseStarted, event.EventPhaseCompleted:
		e, err = event.NewPhaseEvent(t, req.ParentTaskID, req.Phase)
	case event.EventStatsSnapshot, event.EventQueueDepthUpdate:
		return nil, fmt.Errorf("event type %s is aggregator-internal", t)
	default:
		e, err = event.NewTaskEvent(t, req.TaskID, req.ParentTaskID)
	}
	if err != nil {
		return nil, err
	}

	e.TaskType = req.TaskType
	e.WorkerID = req.WorkerID
	e.RetryCount = req.RetryCount
	e.Status = req.Status
	e.DurationMs = req.DurationMs
	e.Message = req.Message
	e.Error = req.Error
	e.Meta = req.Meta
	return e, nil
}

// Heartbeat records a worker heartbeat and publishes the corresponding event.
func (s *MonitorService) Heartbeat(ctx context.Context, workerID string) error {
	e, err := event.NewWorkerEvent(event.EventWorkerHeartbeat, workerID)
	if err != nil {
		return err
	}

	s.tracker.RecordHeartbeat(workerID, e.Timestamp)
	s.bus.Publish(ctx, e, "")
	return nil
}

// ScanStalled walks the processing set and emits a task_stalled event for
// each job whose owning worker has gone silent. A job is signalled once per
// stall; the signal is advisory, the job is never requeued or failed here.
func (s *MonitorService) ScanStalled(ctx context.Context) error {
	jobs, err := s.store.ListProcessing(ctx)
	if err != nil {
		return fmt.Errorf("failed to list processing jobs: %w", err)
	}

	active := make(map[string]struct{}, len(jobs))
	for _, jobID := range jobs {
		active[jobID] = struct{}{}

		isStalled, owner := s.tracker.DetectStalled(ctx, jobID)
		if !isStalled {
			s.clearStalled(jobID)
			continue
		}
		if !s.markStalled(jobID) {
			continue // already signalled
		}

		e, err := event.NewTaskEvent(event.EventTaskStalled, jobID, "")
		if err != nil {
			continue
		}
		e.WorkerID = owner
		e.Message = "owning worker heartbeat expired"
		s.bus.Publish(ctx, e, "")
		logger.InfoCtx(ctx, "task %s stalled, worker %s offline", jobID, owner)
	}

	// Drop bookkeeping for jobs that left the processing set
	s.mu.Lock()
	for jobID := range s.stalled {
		if _, ok := active[jobID]; !ok {
			delete(s.stalled, jobID)
		}
	}
	s.mu.Unlock()

	return nil
}

func (s *MonitorService) markStalled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stalled[jobID]; ok {
		return false
	}
	s.stalled[jobID] = struct{}{}
	return true
}

func (s *MonitorService) clearStalled(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stalled, jobID)
}

// Uptime helper for the health endpoint.
var startedAt = time.Now()

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startedAt)
}
