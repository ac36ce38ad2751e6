package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_FanoutAndFilter(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	tasks, unsubTasks := b.Subscribe(4, "task")
	defer unsubTasks()

	b.Publish(Event{Type: "task.failed", Data: "t1"})
	b.Publish(Event{Type: "tasks.other"})
	b.Publish(Event{Type: "resource.unhealthy"})

	require.Len(t, all, 3)
	require.Len(t, tasks, 1)
	ev := <-tasks
	require.Equal(t, "task.failed", ev.Type)
	require.False(t, ev.Time.IsZero())
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	require.Equal(t, uint64(1), b.Dropped())
	require.Equal(t, "a", (<-ch).Type)

	unsub()
	unsub()
	_, open := <-ch
	require.False(t, open)
	require.Zero(t, b.Subscribers())
	b.Publish(Event{Type: "c"})
}
