package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nexuswatch/internal/event"
	"nexuswatch/pkg/logger"
	redisstore "nexuswatch/pkg/store/redis"

	gocache "github.com/patrickmn/go-cache"
)

// StatusReader is the slice of the status store the registry depends on.
type StatusReader interface {
	BatchGetStatus(ctx context.Context, jobIDs []string) (map[string]string, error)
	AddGroupMember(ctx context.Context, parentID, childID string) error
	GetGroupMembers(ctx context.Context, parentID string) ([]string, error)
}

// MetadataLookup resolves the project owning a parent task. Backed by the
// external task-metadata store; used only for project-id backfill.
type MetadataLookup interface {
	ProjectIDForParent(ctx context.Context, parentTaskID string) (string, error)
}

const (
	// Task groups are evicted this long after their last touch. Groups are
	// touched on every child insertion and snapshot, so an entry only
	// expires once its parent task has gone quiet.
	groupTTL = 24 * time.Hour

	projectCacheTTL = time.Hour
)

// Registry maintains parent-to-children task group membership and computes
// aggregate counts against the status store. Membership is kept in-process
// and written through to the redis set-membership store so snapshots survive
// restarts.
type Registry struct {
	store  StatusReader
	lookup MetadataLookup

	mu     sync.Mutex
	groups *gocache.Cache // parent id -> map[string]struct{} of child ids

	projects *gocache.Cache // parent id -> project id
}

// New creates a task group registry.
func New(store StatusReader, lookup MetadataLookup) *Registry {
	return &Registry{
		store:    store,
		lookup:   lookup,
		groups:   gocache.New(groupTTL, 10*time.Minute),
		projects: gocache.New(projectCacheTTL, 10*time.Minute),
	}
}

// AddChild records a child job under its parent task. Insertion is an
// idempotent set operation, safe to call concurrently from many producers.
func (r *Registry) AddChild(ctx context.Context, parentID, childID string) error {
	if parentID == "" || childID == "" {
		return fmt.Errorf("parent and child ids are required")
	}

	r.mu.Lock()
	var members map[string]struct{}
	if cached, ok := r.groups.Get(parentID); ok {
		members = cached.(map[string]struct{})
	} else {
		members = make(map[string]struct{})
	}
	members[childID] = struct{}{}
	r.groups.Set(parentID, members, groupTTL) // refreshes the eviction clock
	r.mu.Unlock()

	if err := r.store.AddGroupMember(ctx, parentID, childID); err != nil {
		return fmt.Errorf("failed to persist group membership: %w", err)
	}
	return nil
}

// Snapshot returns per-status counts for a task group. Child statuses are
// fetched in one batched round trip; children with unknown status count as
// pending. Consistency is best-effort at the moment of the batched read.
func (r *Registry) Snapshot(ctx context.Context, parentID string) (event.GroupCounts, error) {
	members, err := r.store.GetGroupMembers(ctx, parentID)
	if err != nil {
		// Status store unreachable, fall back to in-process membership
		logger.WarnCtx(ctx, "group membership read failed for %s, using local set: %v", parentID, err)
		members = r.localMembers(parentID)
	}

	counts := event.GroupCounts{}
	if len(members) == 0 {
		return counts, nil
	}

	statuses, err := r.store.BatchGetStatus(ctx, members)
	if err != nil {
		return counts, fmt.Errorf("failed to read child statuses: %w", err)
	}

	for _, id := range members {
		switch statuses[id] {
		case redisstore.StatusCompleted:
			counts.Completed++
		case redisstore.StatusFailed:
			counts.Failed++
		case redisstore.StatusQueued:
			counts.Queued++
		default:
			// PENDING, PROCESSING, or missing status
			counts.Pending++
		}
	}

	r.touch(parentID)
	return counts, nil
}

// ActiveGroups lists the parent ids of groups that have not yet expired.
func (r *Registry) ActiveGroups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := r.groups.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	return ids
}

// ResolveProject resolves a project id for an event that lacks one:
// payload value, then the cached parent mapping, then one metadata store
// query cached back. An empty result means unknown, never an error.
func (r *Registry) ResolveProject(ctx context.Context, payloadProjectID, parentTaskID string) string {
	if payloadProjectID != "" {
		if parentTaskID != "" {
			r.projects.Set(parentTaskID, payloadProjectID, projectCacheTTL)
		}
		return payloadProjectID
	}
	if parentTaskID == "" {
		return ""
	}

	if cached, ok := r.projects.Get(parentTaskID); ok {
		return cached.(string)
	}

	if r.lookup == nil {
		return ""
	}
	projectID, err := r.lookup.ProjectIDForParent(ctx, parentTaskID)
	if err != nil {
		// Metadata store down: proceed without project context
		logger.DebugCtx(ctx, "project lookup failed for parent %s: %v", parentTaskID, err)
		return ""
	}
	if projectID != "" {
		r.projects.Set(parentTaskID, projectID, projectCacheTTL)
	}
	return projectID
}

func (r *Registry) localMembers(parentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cached, ok := r.groups.Get(parentID)
	if !ok {
		return nil
	}
	set := cached.(map[string]struct{})
	members := make([]string, 0, len(set))
	for id := range set {
		members = append(members, id)
	}
	return members
}

func (r *Registry) touch(parentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.groups.Get(parentID); ok {
		r.groups.Set(parentID, cached, groupTTL)
	}
}
