package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proxyrun/internal/eventbus"
	"proxyrun/internal/task/engine"
	logx "proxyrun/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     string
		kind   SpecKind
		spec   string
		source string
	}{
		{"*/5 * * * *", SpecCron, "*/5 * * * *", "cron"},
		{"@hourly", SpecCron, "@hourly", "cron"},
		{"cron: 0 30 * * * *", SpecCron, "0 30 * * * *", "cron"},
		{"daily 07:30", SpecCron, "30 7 * * *", "daily"},
		{"55m", SpecInterval, "@every 55m0s", "duration"},
		{"02:30", SpecInterval, "@every 2h30m0s", "hhmm"},
		{"every: 90s", SpecInterval, "@every 1m30s", "duration"},
		{"interval:00:50", SpecInterval, "@every 50m0s", "hhmm"},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.kind, ps.Kind, tc.in)
		require.Equal(t, tc.spec, ps.Spec(), tc.in)
		require.Equal(t, tc.source, ps.Source, tc.in)
	}

	for _, bad := range []string{"", "soon", "0s", "01:75", "daily 25:00", "cron:", "interval:-1m"} {
		_, err := ParseSchedule(bad)
		require.Error(t, err, bad)
	}
}

type blocker struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blocker) Handle(ctx context.Context, _ *engine.Task) (any, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
		return "done", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestService(t *testing.T, handlers map[string]engine.Handler) (*Service, *engine.Manager) {
	t.Helper()
	reg := engine.NewRegistry()
	for action, h := range handlers {
		reg.MustRegister(action, h)
	}
	m := engine.NewManager(context.Background(), engine.Config{
		BaseDelay:   time.Millisecond,
		MinDelay:    time.Millisecond,
		CriticalCap: time.Millisecond,
		PopWait:     10 * time.Millisecond,
		StopTimeout: 200 * time.Millisecond,
		Spacing:     map[engine.Priority]time.Duration{engine.PriorityNormal: 0, engine.PriorityHigh: 0},
	}, engine.ManagerDeps{
		Resources: engine.StaticResources{{ID: "r1"}},
		Resolver:  reg,
	})
	s := New(Config{NoSpread: true}, m, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		_ = m.Shutdown(context.Background())
	})
	return s, m
}

func TestService_SkipsWhilePreviousRunPending(t *testing.T) {
	t.Parallel()

	b := &blocker{release: make(chan struct{})}
	s, _ := newTestService(t, map[string]engine.Handler{"block": b})
	require.NoError(t, s.Add(Job{Name: "sync", Schedule: "@hourly", Owner: "acct-1", Action: "block"}))

	s.mu.Lock()
	d := s.defs["sync"]
	s.mu.Unlock()

	s.trigger(d)
	s.trigger(d)
	require.Equal(t, uint64(1), d.triggered.Load())
	require.Equal(t, uint64(1), d.skipped.Load())
	require.True(t, s.Snapshot().Schedules[0].Running)

	close(b.release)
	h := d.running.Load()
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", res)

	s.trigger(d)
	require.Equal(t, uint64(2), d.triggered.Load())
	require.Eventually(t, func() bool { return b.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestService_TimeoutCancelsQueuedRun(t *testing.T) {
	t.Parallel()

	b := &blocker{release: make(chan struct{})}
	defer close(b.release)
	s, _ := newTestService(t, map[string]engine.Handler{"block": b})

	require.NoError(t, s.Add(Job{Name: "long", Schedule: "@hourly", Owner: "acct-1", Action: "block"}))
	require.NoError(t, s.Add(Job{Name: "short", Schedule: "@hourly", Owner: "acct-1", Action: "block", Timeout: 30 * time.Millisecond}))

	s.mu.Lock()
	long, short := s.defs["long"], s.defs["short"]
	s.mu.Unlock()

	s.trigger(long)
	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.trigger(short)

	require.Eventually(t, func() bool { return short.failed.Load() == 1 }, time.Second, 5*time.Millisecond)
	h := short.running.Load()
	<-h.Done()
	require.Equal(t, engine.StatusCancelled, h.Status())
	require.Equal(t, int32(1), b.calls.Load())
}

func TestService_SyncAndSnapshot(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, nil)
	err := s.Sync([]Job{
		{Name: "a", Schedule: "*/5 * * * *", Owner: "o1", Action: "noop"},
		{Name: "b", Schedule: "nope", Owner: "o2", Action: "noop"},
		{Name: "c", Schedule: "10m", Owner: "o3", Action: "noop", Priority: engine.PriorityHigh},
	})
	require.ErrorContains(t, err, `job "b"`)

	snap := s.Snapshot()
	require.True(t, snap.Running)
	require.Len(t, snap.Schedules, 2)
	require.Equal(t, "a", snap.Schedules[0].Name)
	require.False(t, snap.Schedules[0].Next.IsZero())
	require.Equal(t, "@every 10m0s", snap.Schedules[1].Spec)
	require.Equal(t, "high", snap.Schedules[1].Priority)

	require.NoError(t, s.Sync([]Job{{Name: "c", Schedule: "10m", Owner: "o3", Action: "noop", Priority: engine.PriorityHigh}}))
	snap = s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	require.Equal(t, "c", snap.Schedules[0].Name)

	require.True(t, s.Remove("c"))
	require.False(t, s.Remove("c"))
	require.Empty(t, s.Snapshot().Schedules)
}

func TestService_AddOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s, _ := newTestService(t, map[string]engine.Handler{
		"ping": engine.HandlerFunc(func(context.Context, *engine.Task) (any, error) {
			calls.Add(1)
			return nil, nil
		}),
	})

	job := Job{Name: "once", Owner: "o1", Action: "ping"}
	require.NoError(t, s.AddOnce(job, time.Now().Add(time.Hour)))
	require.Len(t, s.Snapshot().Once, 1)
	// Re-adding replaces the pending trigger.
	require.NoError(t, s.AddOnce(job, time.Now().Add(20*time.Millisecond)))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, s.Snapshot().Once)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestService_PreviewNextUsesTimezone(t *testing.T) {
	t.Parallel()

	s := New(Config{Timezone: "UTC"}, nil, logx.Nop(), nil)
	next, err := s.PreviewNext("daily 07:30", 3)
	require.NoError(t, err)
	require.Len(t, next, 3)
	for i, n := range next {
		require.Equal(t, 7, n.Hour())
		require.Equal(t, 30, n.Minute())
		require.Equal(t, time.UTC, n.Location())
		if i > 0 {
			require.Equal(t, 24*time.Hour, n.Sub(next[i-1]))
		}
	}

	require.Error(t, s.Add(Job{Name: "x", Schedule: "61 * * * *", Owner: "o", Action: "a"}))
	require.Error(t, s.Add(Job{Name: "x", Schedule: "1m", Action: "a"}))
}
