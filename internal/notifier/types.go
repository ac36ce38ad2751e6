package notifier

import (
	"context"
	"time"

	"proxyrun/internal/task/engine"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	DedupSize     int
	// Events lists bus event types to notify on. Empty means DefaultEvents.
	Events []string
}

// DefaultEvents are the alert-worthy engine events.
var DefaultEvents = []string{engine.EventRateLimited, engine.EventUnhealthy, engine.EventTaskFailed}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one operator message.
type Notification struct {
	Kind     string         `json:"kind"`
	Severity Severity       `json:"severity"`
	Resource string         `json:"resource,omitempty"`
	Owner    string         `json:"owner,omitempty"`
	Text     string         `json:"text"`
	At       time.Time      `json:"at"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Sink delivers notifications. Send is called from worker goroutines and
// must honor ctx.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

type HistoryItem struct {
	At   time.Time
	Kind string
	Text string
}

// NotificationEvent is published on the bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind  string    `json:"kind"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Bus event types published by the notifier.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)
