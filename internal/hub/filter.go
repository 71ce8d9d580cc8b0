package hub

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"nexuswatch/internal/event"
)

// Filter is a per-connection event filter, owned exclusively by its
// connection. An unset field matches everything.
type Filter struct {
	ProjectID    string
	ParentTaskID string
	Types        map[event.EventType]struct{} // nil means all types
	StatsOnly    bool
}

// ParseFilter builds a filter from streaming-endpoint query parameters.
// Malformed parameters refuse the connection; no partial subscription is
// ever created from a bad filter.
func ParseFilter(query url.Values) (Filter, error) {
	f := Filter{
		ProjectID:    query.Get("project_id"),
		ParentTaskID: query.Get("task_id"),
	}

	if raw := query.Get("types"); raw != "" {
		f.Types = make(map[event.EventType]struct{})
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			et, err := event.ParseEventType(part)
			if err != nil {
				return Filter{}, fmt.Errorf("invalid types parameter: %w", err)
			}
			f.Types[et] = struct{}{}
		}
		if len(f.Types) == 0 {
			return Filter{}, fmt.Errorf("types parameter is empty")
		}
	}

	if raw := query.Get("stats_only"); raw != "" {
		statsOnly, err := strconv.ParseBool(raw)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid stats_only parameter: %q", raw)
		}
		f.StatsOnly = statsOnly
	}

	return f, nil
}

// Matches reports whether an event passes this filter.
func (f Filter) Matches(e *event.Event) bool {
	if f.StatsOnly {
		return e.EventType == event.EventStatsSnapshot
	}

	if f.Types != nil {
		if _, ok := f.Types[e.EventType]; !ok {
			return false
		}
	}
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.ParentTaskID != "" && e.ParentTaskID != f.ParentTaskID {
		return false
	}
	return true
}
