package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"proxyrun/internal/eventbus"
	"proxyrun/internal/task/engine"
)

// EventObserver turns bus events into histograms and counters.
type EventObserver struct {
	ch    <-chan eventbus.Event
	unsub func()

	durations *prometheus.HistogramVec
	events    *prometheus.CounterVec
}

// NewEventObserver subscribes immediately so events published before Run
// are not lost.
func NewEventObserver(bus eventbus.Bus) *EventObserver {
	ch, unsub := bus.Subscribe(1024, "task", "resource", "owner", "cluster", "schedule")
	return &EventObserver{
		ch:    ch,
		unsub: unsub,
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from task creation to resolution.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"action", "status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus events by type.",
		}, []string{"type"}),
	}
}

func (o *EventObserver) Describe(ch chan<- *prometheus.Desc) {
	o.durations.Describe(ch)
	o.events.Describe(ch)
}

func (o *EventObserver) Collect(ch chan<- prometheus.Metric) {
	o.durations.Collect(ch)
	o.events.Collect(ch)
}

// Run consumes events until ctx ends.
func (o *EventObserver) Run(ctx context.Context) error {
	defer o.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-o.ch:
			if !ok {
				return nil
			}
			o.observe(ev)
		}
	}
}

func (o *EventObserver) observe(ev eventbus.Event) {
	o.events.WithLabelValues(ev.Type).Inc()
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok || te.Duration <= 0 {
		return
	}
	switch ev.Type {
	case engine.EventTaskCompleted, engine.EventTaskFailed, engine.EventTaskCancelled:
		status := strings.TrimPrefix(ev.Type, "task.")
		o.durations.WithLabelValues(te.Action, status).Observe(te.Duration.Seconds())
	}
}
