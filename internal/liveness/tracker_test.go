package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeStatusReader struct {
	statuses map[string]string
	owners   map[string]string
	err      error
}

func (f *fakeStatusReader) GetStatus(ctx context.Context, jobID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.statuses[jobID], nil
}

func (f *fakeStatusReader) GetOwner(ctx context.Context, jobID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.owners[jobID], nil
}

func TestTracker_OnlineWithinTTL(t *testing.T) {
	tracker := NewTracker(&fakeStatusReader{}, 30*time.Second)

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	tracker.RecordHeartbeat("worker-1", base)

	// 29 seconds of silence: still online
	assert.True(t, tracker.IsOnline("worker-1", base.Add(29*time.Second)))

	// 31 seconds of silence: offline
	assert.False(t, tracker.IsOnline("worker-1", base.Add(31*time.Second)))

	// Never seen
	assert.False(t, tracker.IsOnline("worker-2", base))
}

func TestTracker_StaleHeartbeatIgnored(t *testing.T) {
	tracker := NewTracker(&fakeStatusReader{}, 30*time.Second)

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	tracker.RecordHeartbeat("worker-1", base)

	// An out-of-order heartbeat must not move the clock backwards
	tracker.RecordHeartbeat("worker-1", base.Add(-10*time.Second))

	assert.True(t, tracker.IsOnline("worker-1", base.Add(29*time.Second)))
}

func TestTracker_OnlineCount(t *testing.T) {
	tracker := NewTracker(&fakeStatusReader{}, 30*time.Second)

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	tracker.RecordHeartbeat("worker-1", base)
	tracker.RecordHeartbeat("worker-2", base.Add(-40*time.Second)) // expired
	tracker.RecordHeartbeat("worker-3", base.Add(-5*time.Second))

	assert.Equal(t, 2, tracker.OnlineCount(base))
	assert.Len(t, tracker.Workers(), 3)
}

func TestTracker_Forget(t *testing.T) {
	tracker := NewTracker(&fakeStatusReader{}, 30*time.Second)

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	tracker.RecordHeartbeat("worker-1", base)
	tracker.Forget("worker-1")

	assert.False(t, tracker.IsOnline("worker-1", base))
	assert.Empty(t, tracker.Workers())
}

func TestTracker_DetectStalled(t *testing.T) {
	store := &fakeStatusReader{
		statuses: map[string]string{
			"job-processing": "PROCESSING",
			"job-queued":     "QUEUED",
		},
		owners: map[string]string{
			"job-processing": "worker-1",
		},
	}
	tracker := NewTracker(store, 30*time.Second)

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	tracker.SetNowFunc(func() time.Time { return base })
	tracker.RecordHeartbeat("worker-1", base.Add(-10*time.Second))
	ctx := context.Background()

	// Owner online: not stalled
	stalled, owner := tracker.DetectStalled(ctx, "job-processing")
	assert.False(t, stalled)
	assert.Empty(t, owner)

	// Owner silent past the TTL: stalled
	tracker.SetNowFunc(func() time.Time { return base.Add(31 * time.Second) })
	stalled, owner = tracker.DetectStalled(ctx, "job-processing")
	assert.True(t, stalled)
	assert.Equal(t, "worker-1", owner)

	// Non-processing jobs are never stalled
	stalled, _ = tracker.DetectStalled(ctx, "job-queued")
	assert.False(t, stalled)

	// Processing jobs without an owner are never stalled
	store.statuses["job-orphan"] = "PROCESSING"
	stalled, _ = tracker.DetectStalled(ctx, "job-orphan")
	assert.False(t, stalled)
}

func TestTracker_DetectStalledFailsClosed(t *testing.T) {
	store := &fakeStatusReader{err: context.DeadlineExceeded}
	tracker := NewTracker(store, 30*time.Second)

	stalled, owner := tracker.DetectStalled(context.Background(), "job-1")
	assert.False(t, stalled)
	assert.Empty(t, owner)
}
