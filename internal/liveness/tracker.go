package liveness

import (
	"context"
	"sync"
	"time"

	redisstore "nexuswatch/pkg/store/redis"
)

// StatusReader is the slice of the status store stall detection needs.
type StatusReader interface {
	GetStatus(ctx context.Context, jobID string) (string, error)
	GetOwner(ctx context.Context, jobID string) (string, error)
}

// Tracker records worker heartbeats and derives online/offline and
// stalled-task signals. It is advisory only: it never requeues or fails a
// job itself.
type Tracker struct {
	store StatusReader
	ttl   time.Duration

	mu       sync.RWMutex
	lastSeen map[string]time.Time

	now func() time.Time // injectable for tests
}

// NewTracker creates a liveness tracker with the given heartbeat TTL.
func NewTracker(store StatusReader, ttl time.Duration) *Tracker {
	return &Tracker{
		store:    store,
		ttl:      ttl,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// RecordHeartbeat updates a worker's last-seen timestamp. Stale updates
// (older than what is already recorded) are ignored, making concurrent
// writes commutative.
func (t *Tracker) RecordHeartbeat(workerID string, at time.Time) {
	if workerID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.lastSeen[workerID]; !ok || at.After(prev) {
		t.lastSeen[workerID] = at
	}
}

// IsOnline reports whether a worker heartbeated within the TTL as of now.
func (t *Tracker) IsOnline(workerID string, now time.Time) bool {
	t.mu.RLock()
	last, ok := t.lastSeen[workerID]
	t.mu.RUnlock()

	if !ok {
		return false
	}
	return now.Sub(last) < t.ttl
}

// OnlineCount returns the number of workers currently online.
func (t *Tracker) OnlineCount(now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, last := range t.lastSeen {
		if now.Sub(last) < t.ttl {
			count++
		}
	}
	return count
}

// Workers returns the ids of all workers ever seen, online or not.
func (t *Tracker) Workers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.lastSeen))
	for id := range t.lastSeen {
		ids = append(ids, id)
	}
	return ids
}

// Forget drops a worker's liveness record (worker_stopped).
func (t *Tracker) Forget(workerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, workerID)
}

// DetectStalled reports whether a job is stalled: PROCESSING status with an
// owning worker that has not heartbeated within the TTL. Status store
// failures fail closed (not stalled) rather than surfacing an error to the
// scan loop.
func (t *Tracker) DetectStalled(ctx context.Context, jobID string) (bool, string) {
	status, err := t.store.GetStatus(ctx, jobID)
	if err != nil || status != redisstore.StatusProcessing {
		return false, ""
	}

	owner, err := t.store.GetOwner(ctx, jobID)
	if err != nil || owner == "" {
		return false, ""
	}

	if t.IsOnline(owner, t.now()) {
		return false, ""
	}
	return true, owner
}

// SetNowFunc overrides the clock, for tests.
func (t *Tracker) SetNowFunc(now func() time.Time) {
	t.now = now
}
