package engine

import (
	"time"

	"proxyrun/internal/eventbus"
)

// Event types published on the bus.
const (
	EventTaskQueued      = "task.queued"
	EventTaskStarted     = "task.started"
	EventTaskCompleted   = "task.completed"
	EventTaskFailed      = "task.failed"
	EventTaskCancelled   = "task.cancelled"
	EventRateLimited     = "resource.rate_limited"
	EventUnhealthy       = "resource.unhealthy"
	EventClusterStarted  = "cluster.started"
	EventClusterStopped  = "cluster.stopped"
	EventOwnerAssigned   = "owner.assigned"
	EventOwnerReassigned = "owner.reassigned"
	EventOwnerUnassigned = "owner.unassigned"
)

// TaskEvent is the payload of task.* events. Duration, set on terminal
// events, runs from creation to resolution.
type TaskEvent struct {
	ID       string        `json:"id"`
	Owner    string        `json:"owner"`
	Resource string        `json:"resource"`
	Action   string        `json:"action"`
	Priority Priority      `json:"priority"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ResourceEvent is the payload of resource.* and cluster.* events.
type ResourceEvent struct {
	Resource       string        `json:"resource"`
	CurrentDelay   time.Duration `json:"current_delay"`
	BaseDelay      time.Duration `json:"base_delay"`
	RateLimitUntil time.Time     `json:"rate_limit_until,omitempty"`
	Healthy        bool          `json:"healthy"`
	Successes      uint64        `json:"successes"`
	Errors         uint64        `json:"errors"`
}

// OwnerEvent is the payload of owner.* events.
type OwnerEvent struct {
	Owner    string `json:"owner"`
	Resource string `json:"resource"`
	Previous string `json:"previous,omitempty"`
}

func taskEvent(t *Task) TaskEvent {
	return TaskEvent{
		ID:       t.ID,
		Owner:    t.OwnerID,
		Resource: t.ResourceID,
		Action:   t.Action,
		Priority: t.Priority,
		Attempts: t.Attempts,
	}
}

func publish(bus eventbus.Bus, typ string, at time.Time, data any) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}
