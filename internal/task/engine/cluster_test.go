package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSpacing() map[Priority]time.Duration {
	out := map[Priority]time.Duration{}
	for _, p := range Priorities {
		out[p] = 0
	}
	return out
}

// fastConfig scales every delay down to milliseconds.
func fastConfig() Config {
	return Config{
		BaseDelay:        5 * time.Millisecond,
		MaxDelay:         200 * time.Millisecond,
		MinDelay:         time.Millisecond,
		CriticalCap:      5 * time.Millisecond,
		HealthCooldown:   20 * time.Millisecond,
		RateLimitRecheck: 10 * time.Millisecond,
		PopWait:          20 * time.Millisecond,
		ErrorPause:       5 * time.Millisecond,
		StopTimeout:      500 * time.Millisecond,
		Spacing:          noSpacing(),
	}
}

// recorder is an instrumented handler that tracks call order and overlap.
type recorder struct {
	mu     sync.Mutex
	order  []string
	starts []time.Time
	owners []string

	inflight atomic.Int32
	overlap  atomic.Int32
	hold     time.Duration
	fn       func(t *Task) (any, error)
}

func (r *recorder) Handle(ctx context.Context, t *Task) (any, error) {
	if r.inflight.Add(1) > 1 {
		r.overlap.Add(1)
	}
	defer r.inflight.Add(-1)

	r.mu.Lock()
	r.order = append(r.order, t.ID)
	r.starts = append(r.starts, time.Now())
	r.owners = append(r.owners, t.OwnerID)
	r.mu.Unlock()

	if r.hold > 0 {
		time.Sleep(r.hold)
	}
	if r.fn != nil {
		return r.fn(t)
	}
	return t.ID, nil
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) startTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.starts...)
}

// startsOf returns the start times of owner's calls in call order.
func (r *recorder) startsOf(owner string) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Time
	for i, o := range r.owners {
		if o == owner {
			out = append(out, r.starts[i])
		}
	}
	return out
}

func avgGap(ts []time.Time) time.Duration {
	if len(ts) < 2 {
		return 0
	}
	return ts[len(ts)-1].Sub(ts[0]) / time.Duration(len(ts)-1)
}

func newTestCluster(t *testing.T, cfg Config, actions map[string]Handler) *Cluster {
	t.Helper()
	reg := NewRegistry()
	for a, h := range actions {
		reg.MustRegister(a, h)
	}
	c := NewCluster(Resource{ID: "res-1"}, cfg, ClusterDeps{Resolver: reg})
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func enqueue(t *testing.T, c *Cluster, tk *Task) *Handle {
	t.Helper()
	if tk.OwnerID == "" {
		tk.OwnerID = "owner-1"
	}
	h, err := tk.prepare(time.Now(), 3)
	require.NoError(t, err)
	require.NoError(t, c.Enqueue(tk))
	return h
}

func wait(t *testing.T, h *Handle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-h.Done():
	case <-ctx.Done():
		t.Fatalf("handle for %s not resolved", h.Task().ID)
	}
	res, _ := h.Result()
	return res, h.Err()
}

func TestCluster_CriticalBeforeBackground(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newTestCluster(t, fastConfig(), map[string]Handler{"work": rec})

	bg := enqueue(t, c, &Task{ID: "bg", Action: "work", Priority: PriorityBackground})
	crit := enqueue(t, c, &Task{ID: "crit", Action: "work", Priority: PriorityCritical})
	require.NoError(t, c.Start(context.Background()))

	_, err := wait(t, crit)
	require.NoError(t, err)
	_, err = wait(t, bg)
	require.NoError(t, err)

	require.Equal(t, []string{"crit", "bg"}, rec.calls())
	require.Equal(t, StatusCompleted, crit.Status())
	require.Equal(t, 1, crit.Task().Attempts)
}

func TestCluster_AtMostOneInFlight(t *testing.T) {
	t.Parallel()

	rec := &recorder{hold: 2 * time.Millisecond}
	c := newTestCluster(t, fastConfig(), map[string]Handler{"work": rec})
	require.NoError(t, c.Start(context.Background()))

	var handles []*Handle
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				tk := NewTask(owner, "work", nil)
				h, err := tk.prepare(time.Now(), 3)
				if err != nil {
					return
				}
				if c.Enqueue(tk) == nil {
					mu.Lock()
					handles = append(handles, h)
					mu.Unlock()
				}
			}
		}([]string{"a", "b", "c", "d"}[i])
	}
	wg.Wait()
	require.Len(t, handles, 20)

	for _, h := range handles {
		_, err := wait(t, h)
		require.NoError(t, err)
	}
	require.Zero(t, rec.overlap.Load(), "handler calls overlapped")
	require.Len(t, rec.calls(), 20)
	require.Equal(t, uint64(20), c.Stats().SuccessCount)
}

func TestCluster_Dependencies(t *testing.T) {
	t.Parallel()

	rec := &recorder{fn: func(t *Task) (any, error) {
		if t.ID == "bad" {
			return Outcome{Success: false, Error: "upstream said no"}, nil
		}
		return nil, nil
	}}
	c := newTestCluster(t, fastConfig(), map[string]Handler{"work": rec})

	child := enqueue(t, c, &Task{ID: "child", Action: "work", Priority: PriorityCritical, Dependencies: []string{"parent"}})
	parent := enqueue(t, c, &Task{ID: "parent", Action: "work", Priority: PriorityBackground})
	doomed := enqueue(t, c, &Task{ID: "doomed", Action: "work", Priority: PriorityCritical, Dependencies: []string{"bad"}})
	bad := enqueue(t, c, &Task{ID: "bad", Action: "work", Priority: PriorityLow})
	require.NoError(t, c.Start(context.Background()))

	_, err := wait(t, child)
	require.NoError(t, err)
	_, err = wait(t, parent)
	require.NoError(t, err)
	_, err = wait(t, bad)
	require.Error(t, err)
	_, err = wait(t, doomed)
	require.ErrorIs(t, err, ErrDependencyFailed)

	calls := rec.calls()
	require.NotContains(t, calls, "doomed")
	require.Less(t, indexOf(calls, "parent"), indexOf(calls, "child"))
}

func indexOf(xs []string, s string) int {
	for i, x := range xs {
		if x == s {
			return i
		}
	}
	return -1
}

func TestCluster_RateLimitDefersFollowingTasks(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	rec := &recorder{fn: func(t *Task) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("HTTP 429 too many requests")
		}
		return "ok", nil
	}}
	cfg := fastConfig()
	cfg.BaseDelay = 20 * time.Millisecond
	c := newTestCluster(t, cfg, map[string]Handler{"work": rec})
	require.NoError(t, c.Start(context.Background()))

	first := enqueue(t, c, &Task{ID: "first", Action: "work"})
	_, err := wait(t, first)
	require.True(t, RateLimited(err), "got %v", err)

	st := c.Stats()
	require.Equal(t, 40*time.Millisecond, st.CurrentDelay)
	require.False(t, st.RateLimitUntil.IsZero())
	deadline := st.RateLimitUntil

	second := enqueue(t, c, &Task{ID: "second", Action: "work"})
	res, err := wait(t, second)
	require.NoError(t, err)
	require.Equal(t, "ok", res)

	starts := rec.startTimes()
	require.Len(t, starts, 2)
	require.False(t, starts[1].Before(deadline), "second task ran before the rate-limit deadline")
}

func TestCluster_BypassIgnoresRateLimit(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	cfg := fastConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	c := newTestCluster(t, cfg, map[string]Handler{"work": rec})

	now := time.Now()
	c.mu.Lock()
	c.st.rateLimitUntil = now.Add(time.Hour)
	c.mu.Unlock()
	require.NoError(t, c.Start(context.Background()))

	probe := enqueue(t, c, &Task{ID: "probe", Action: "work", BypassDelay: true})
	_, err := wait(t, probe)
	require.NoError(t, err)

	st := c.Stats()
	require.Equal(t, 100*time.Millisecond, st.CurrentDelay)
	require.Equal(t, now.Add(time.Hour), st.RateLimitUntil)
}

func TestCluster_UnhealthyCooldown(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	rec := &recorder{fn: func(t *Task) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return nil, nil
	}}
	c := newTestCluster(t, fastConfig(), map[string]Handler{"work": rec})
	require.NoError(t, c.Start(context.Background()))

	_, err := wait(t, enqueue(t, c, &Task{ID: "a", Action: "work"}))
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	require.Equal(t, FailureConnection, he.Class)

	_, err = wait(t, enqueue(t, c, &Task{ID: "b", Action: "work"}))
	require.NoError(t, err)
	require.True(t, c.Stats().Healthy)
}

func TestCluster_NoHandler(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, fastConfig(), nil)
	require.NoError(t, c.Start(context.Background()))

	_, err := wait(t, enqueue(t, c, &Task{ID: "x", Action: "missing"}))
	require.ErrorIs(t, err, ErrNoHandler)
	var nh *NoHandlerError
	require.ErrorAs(t, err, &nh)
	require.Equal(t, "missing", nh.Action)
}

func TestCluster_CancelQueued(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, fastConfig(), map[string]Handler{"work": &recorder{}})
	h := enqueue(t, c, &Task{ID: "x", Action: "work"})

	require.False(t, c.Cancel("someone-else", "x"))
	require.True(t, c.Cancel("owner-1", "x"))
	require.False(t, c.Cancel("owner-1", "x"))

	_, err := wait(t, h)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, StatusCancelled, h.Status())
	st, ok := c.Outcome("owner-1", "x")
	require.True(t, ok)
	require.Equal(t, StatusCancelled, st)
}

func TestCluster_StopResolvesPending(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, fastConfig(), map[string]Handler{"work": &recorder{}})
	require.NoError(t, c.Start(context.Background()))

	var handles []*Handle
	for i := 0; i < 5; i++ {
		// Never executable: its dependency is unknown.
		handles = append(handles, enqueue(t, c, &Task{Action: "work", Dependencies: []string{"never"}}))
	}
	require.NoError(t, c.Stop(context.Background()))
	require.Equal(t, ClusterStopped, c.State())

	for _, h := range handles {
		_, err := wait(t, h)
		require.ErrorIs(t, err, ErrStopped)
	}
	require.ErrorIs(t, c.Enqueue(NewTask("owner-1", "work", nil)), ErrStopped)
	require.Error(t, c.Start(context.Background()))
}

func TestCluster_StopForcesHungHandler(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)
	hung := HandlerFunc(func(ctx context.Context, t *Task) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})
	cfg := fastConfig()
	cfg.StopTimeout = 30 * time.Millisecond
	c := newTestCluster(t, cfg, map[string]Handler{"hang": hung})
	require.NoError(t, c.Start(context.Background()))

	inflight := enqueue(t, c, &Task{ID: "inflight", Action: "hang"})
	<-started
	queued := enqueue(t, c, &Task{ID: "queued", Action: "hang"})

	err := c.Stop(context.Background())
	require.Error(t, err, "forced stop is reported")

	_, err = wait(t, inflight)
	require.ErrorIs(t, err, ErrStopped)
	_, err = wait(t, queued)
	require.ErrorIs(t, err, ErrStopped)
}

func TestCluster_HandlerPanicIsFailure(t *testing.T) {
	t.Parallel()

	boom := HandlerFunc(func(ctx context.Context, t *Task) (any, error) { panic("boom") })
	c := newTestCluster(t, fastConfig(), map[string]Handler{"boom": boom, "ok": &recorder{}})
	require.NoError(t, c.Start(context.Background()))

	_, err := wait(t, enqueue(t, c, &Task{ID: "p", Action: "boom"}))
	require.ErrorContains(t, err, "panic")

	// The worker survives.
	_, err = wait(t, enqueue(t, c, &Task{ID: "after", Action: "ok"}))
	require.NoError(t, err)
}
