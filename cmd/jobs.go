package main

import (
	"context"
	"time"

	"nexuswatch/internal/aggregate"
	"nexuswatch/internal/service"
	"nexuswatch/pkg/lock"
	"nexuswatch/pkg/logger"
)

// globalSnapshotJob publishes the global stats snapshot and queue depths.
type globalSnapshotJob struct {
	aggregator *aggregate.Aggregator
	lock       lock.DistributedLock
	interval   time.Duration
}

func newGlobalSnapshotJob(aggregator *aggregate.Aggregator, distLock lock.DistributedLock, interval time.Duration) *globalSnapshotJob {
	return &globalSnapshotJob{aggregator: aggregator, lock: distLock, interval: interval}
}

func (j *globalSnapshotJob) Name() string            { return "global-snapshot" }
func (j *globalSnapshotJob) Interval() time.Duration { return j.interval }

func (j *globalSnapshotJob) Run(ctx context.Context) error {
	return runWithLock(ctx, j.Name(), j.lock, j.aggregator.RunGlobalTick)
}

// projectSnapshotJob publishes per-group stats snapshots for active task groups.
type projectSnapshotJob struct {
	aggregator *aggregate.Aggregator
	lock       lock.DistributedLock
	interval   time.Duration
}

func newProjectSnapshotJob(aggregator *aggregate.Aggregator, distLock lock.DistributedLock, interval time.Duration) *projectSnapshotJob {
	return &projectSnapshotJob{aggregator: aggregator, lock: distLock, interval: interval}
}

func (j *projectSnapshotJob) Name() string            { return "project-snapshot" }
func (j *projectSnapshotJob) Interval() time.Duration { return j.interval }

func (j *projectSnapshotJob) Run(ctx context.Context) error {
	return runWithLock(ctx, j.Name(), j.lock, j.aggregator.RunProjectTick)
}

// stalledScanJob sweeps processing tasks whose owning worker went silent.
type stalledScanJob struct {
	monitorService *service.MonitorService
	lock           lock.DistributedLock
	interval       time.Duration
}

func newStalledScanJob(monitorService *service.MonitorService, distLock lock.DistributedLock, interval time.Duration) *stalledScanJob {
	return &stalledScanJob{monitorService: monitorService, lock: distLock, interval: interval}
}

func (j *stalledScanJob) Name() string            { return "stalled-scan" }
func (j *stalledScanJob) Interval() time.Duration { return j.interval }

func (j *stalledScanJob) Run(ctx context.Context) error {
	return runWithLock(ctx, j.Name(), j.lock, j.monitorService.ScanStalled)
}

// runWithLock executes fn only on the replica holding the distributed lock,
// so multi-replica deployments emit each snapshot exactly once per tick.
func runWithLock(ctx context.Context, name string, distLock lock.DistributedLock, fn func(context.Context) error) error {
	acquired, err := distLock.TryLock(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "job %s: failed to acquire lock: %v", name, err)
		return nil
	}
	if !acquired {
		logger.DebugCtx(ctx, "job %s: lock held by another instance, skipping", name)
		return nil
	}
	defer func() {
		if err := distLock.Unlock(ctx); err != nil {
			logger.WarnCtx(ctx, "job %s: failed to release lock: %v", name, err)
		}
	}()

	return fn(ctx)
}
