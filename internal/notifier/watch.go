package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proxyrun/internal/eventbus"
	"proxyrun/internal/task/engine"
	logx "proxyrun/pkg/logx"
)

// Watch turns bus events into notifications until ctx ends.
// Only the configured event types are subscribed.
func (s *Service) Watch(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	subscribe := func() (<-chan eventbus.Event, func()) {
		s.mu.Lock()
		types := append([]string(nil), s.cfg.Events...)
		s.mu.Unlock()
		return s.bus.Subscribe(128, types...)
	}
	ch, unsub := subscribe()
	defer func() { unsub() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.resub:
			unsub()
			ch, unsub = subscribe()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			n, ok := FromEvent(ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) && !errors.Is(err, ErrStopped) {
				s.log.Debug("notify failed", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

// FromEvent maps a known bus event to a notification.
func FromEvent(ev eventbus.Event) (Notification, bool) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch d := ev.Data.(type) {
	case engine.ResourceEvent:
		n := Notification{Kind: ev.Type, Resource: d.Resource, At: at, Fields: map[string]any{
			"current_delay": d.CurrentDelay.String(),
			"base_delay":    d.BaseDelay.String(),
		}}
		switch ev.Type {
		case engine.EventRateLimited:
			n.Severity = SeverityWarning
			n.Text = fmt.Sprintf("resource %s rate limited until %s", d.Resource, d.RateLimitUntil.Format(time.RFC3339))
		case engine.EventUnhealthy:
			n.Severity = SeverityCritical
			n.Text = fmt.Sprintf("resource %s unhealthy (%d errors, %d successes)", d.Resource, d.Errors, d.Successes)
		default:
			n.Severity = SeverityInfo
			n.Text = fmt.Sprintf("%s: %s", ev.Type, d.Resource)
		}
		return n, true
	case engine.TaskEvent:
		n := Notification{Kind: ev.Type, Resource: d.Resource, Owner: d.Owner, At: at, Fields: map[string]any{
			"task":     d.ID,
			"action":   d.Action,
			"priority": d.Priority.String(),
			"attempts": d.Attempts,
		}}
		switch ev.Type {
		case engine.EventTaskFailed:
			n.Severity = SeverityWarning
			if d.Priority == engine.PriorityCritical {
				n.Severity = SeverityCritical
			}
			n.Text = fmt.Sprintf("task %s failed: %s", d.Action, d.Error)
		default:
			n.Severity = SeverityInfo
			n.Text = fmt.Sprintf("%s: %s", ev.Type, d.Action)
		}
		return n, true
	}
	return Notification{}, false
}
