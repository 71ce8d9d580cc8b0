package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Job status values as written by the job workers.
const (
	StatusPending    = "PENDING"
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

const (
	statusKeyPrefix  = "task:status:"     // task:status:{job_id} -> status string
	ownerKeyPrefix   = "task:owner:"      // task:owner:{job_id} -> worker id
	typeKeyPrefix    = "task:type:"       // task:type:{job_id} -> task type
	groupKeyPrefix   = "taskgroup:"       // taskgroup:{parent_id} -> set of child job ids
	processingSetKey = "tasks:processing" // set of job ids currently PROCESSING

	lookupTimeout = 2 * time.Second
)

// StatusStore reads per-job status state and manages task-group membership
// sets. Job status itself is written by the workers; this subsystem only
// reads it, except for group membership which it owns.
type StatusStore struct {
	redis *redis.Client
}

// NewStatusStore creates a status store over an existing client.
func NewStatusStore(redisClient *RedisClient) *StatusStore {
	return &StatusStore{redis: redisClient.GetClient()}
}

// NewStatusStoreFromClient wraps a raw go-redis client (used in tests).
func NewStatusStoreFromClient(client *redis.Client) *StatusStore {
	return &StatusStore{redis: client}
}

// GetStatus returns the status for one job, or "" when unknown.
func (s *StatusStore) GetStatus(ctx context.Context, jobID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	val, err := s.redis.Get(ctx, statusKeyPrefix+jobID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return val, nil
}

// BatchGetStatus fetches the status of many jobs in a single pipelined
// round trip. Jobs with no status key are absent from the result map.
func (s *StatusStore) BatchGetStatus(ctx context.Context, jobIDs []string) (map[string]string, error) {
	if len(jobIDs) == 0 {
		return map[string]string{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(jobIDs))
	for _, id := range jobIDs {
		cmds = append(cmds, pipe.Get(ctx, statusKeyPrefix+id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to batch get job status: %w", err)
	}

	statuses := make(map[string]string, len(jobIDs))
	for i, cmd := range cmds {
		val, err := cmd.Result()
		if err != nil {
			// Missing key, caller buckets it as pending
			continue
		}
		statuses[jobIDs[i]] = val
	}

	return statuses, nil
}

// GetOwner returns the worker currently holding a job, or "" when unknown.
func (s *StatusStore) GetOwner(ctx context.Context, jobID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	val, err := s.redis.Get(ctx, ownerKeyPrefix+jobID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get job owner: %w", err)
	}
	return val, nil
}

// AddGroupMember inserts a child job into its parent's membership set.
// Insertion is idempotent.
func (s *StatusStore) AddGroupMember(ctx context.Context, parentID, childID string) error {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	if err := s.redis.SAdd(ctx, groupKeyPrefix+parentID, childID).Err(); err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}

// GetGroupMembers returns the full child-id set for a parent task.
func (s *StatusStore) GetGroupMembers(ctx context.Context, parentID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	members, err := s.redis.SMembers(ctx, groupKeyPrefix+parentID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get group members: %w", err)
	}
	return members, nil
}

// ListProcessing returns the ids of jobs currently in PROCESSING status.
func (s *StatusStore) ListProcessing(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	ids, err := s.redis.SMembers(ctx, processingSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	return ids, nil
}

// InProgressByType counts PROCESSING jobs grouped by task type, using one
// pipelined read over the processing set.
func (s *StatusStore) InProgressByType(ctx context.Context) (map[string]int, error) {
	ids, err := s.ListProcessing(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[string]int{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(ctx, typeKeyPrefix+id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read task types: %w", err)
	}

	counts := make(map[string]int)
	for _, cmd := range cmds {
		taskType, err := cmd.Result()
		if err != nil || taskType == "" {
			taskType = "unknown"
		}
		counts[taskType]++
	}

	return counts, nil
}
