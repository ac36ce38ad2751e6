package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proxyrun/internal/eventbus"
)

func newTestManager(t *testing.T, cfg Config, resources StaticResources, reg *Registry) *Manager {
	t.Helper()
	if reg == nil {
		reg = NewRegistry()
	}
	m := NewManager(context.Background(), cfg, ManagerDeps{Resources: resources, Resolver: reg})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManager_AssignPrefersUnusedResource(t *testing.T) {
	t.Parallel()

	for _, order := range []StaticResources{
		{{ID: "A"}, {ID: "B"}},
		{{ID: "B"}, {ID: "A"}},
	} {
		m := newTestManager(t, fastConfig(), order, nil)
		got, err := m.Assign(context.Background(), "existing", "B")
		require.NoError(t, err)
		require.Equal(t, "B", got)

		got, err = m.Assign(context.Background(), "new", "")
		require.NoError(t, err)
		require.Equal(t, "A", got)
	}
}

func TestManager_AssignLeastLoadedAndIdempotent(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, fastConfig(), StaticResources{{ID: "A"}, {ID: "B"}}, nil)
	ctx := context.Background()

	for _, o := range []string{"o1", "o2", "o3"} {
		_, err := m.Assign(ctx, o, "")
		require.NoError(t, err)
	}
	st := m.Stats()
	require.Equal(t, 2, st.Resources["A"].ActiveOwners)
	require.Equal(t, 1, st.Resources["B"].ActiveOwners)

	first, _ := m.ResourceOf("o1")
	again, err := m.Assign(ctx, "o1", "B")
	require.NoError(t, err)
	require.Equal(t, first, again, "existing assignment wins")

	_, err = m.Assign(ctx, "o9", "nope")
	var ae *AssignmentError
	require.ErrorAs(t, err, &ae)
	require.ErrorIs(t, err, ErrNoResource)
}

func TestManager_SubmitWithoutResourcesFailsFast(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, fastConfig(), nil, nil)
	h := m.Submit(context.Background(), NewTask("o1", "work", nil))

	select {
	case <-h.Done():
	default:
		t.Fatal("handle must be rejected at once")
	}
	var ae *AssignmentError
	require.ErrorAs(t, h.Err(), &ae)
	require.ErrorIs(t, h.Err(), ErrNoResource)
	require.Equal(t, uint64(1), m.Stats().Totals.Failed)
}

func TestManager_SubmitTwiceRejected(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.MustRegister("work", &recorder{})
	m := newTestManager(t, fastConfig(), StaticResources{{ID: "A"}}, reg)

	tk := NewTask("o1", "work", nil)
	h := m.Submit(context.Background(), tk)
	again := m.Submit(context.Background(), tk)
	require.ErrorIs(t, again.Err(), ErrAlreadySubmitted)

	_, err := wait(t, h)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, tk.Status())
}

func TestManager_ExecuteTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	reg := NewRegistry()
	reg.MustRegister("block", HandlerFunc(func(ctx context.Context, t *Task) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))
	reg.MustRegister("work", &recorder{})
	m := newTestManager(t, fastConfig(), StaticResources{{ID: "A"}}, reg)
	ctx := context.Background()

	m.Submit(ctx, NewTask("o1", "block", nil))

	queued := NewTask("o1", "work", nil)
	start := time.Now()
	_, err := m.Execute(ctx, queued, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, StatusCancelled, queued.Status(), "timed-out queued task is cancelled")

	res, err := m.Execute(ctx, NewTask("o1", "missing", nil), 50*time.Millisecond)
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrTimeout, "still behind the blocker")
}

func TestManager_ExecuteReturnsResult(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.MustRegister("echo", HandlerFunc(func(ctx context.Context, t *Task) (any, error) {
		return t.Payload["v"], nil
	}))
	m := newTestManager(t, fastConfig(), StaticResources{{ID: "A"}}, reg)

	res, err := m.Execute(context.Background(), NewTask("o1", "echo", map[string]any{"v": 7}), time.Second)
	require.NoError(t, err)
	require.Equal(t, 7, res)

	_, err = m.Execute(context.Background(), NewTask("o1", "unknown", nil), time.Second)
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestManager_FairShareBetweenOwners(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.BaseDelay = 20 * time.Millisecond
	cfg.MaxDelay = time.Second
	rec := &recorder{}
	reg := NewRegistry()
	reg.MustRegister("work", rec)
	m := newTestManager(t, cfg, StaticResources{{ID: "A"}}, reg)
	ctx := context.Background()

	for _, o := range []string{"o1", "o2"} {
		_, err := m.Assign(ctx, o, "A")
		require.NoError(t, err)
	}

	var handles []*Handle
	for i := 0; i < 10; i++ {
		for _, o := range []string{"o1", "o2"} {
			handles = append(handles, m.Submit(ctx, NewTask(o, "work", nil)))
		}
	}
	for _, h := range handles {
		_, err := wait(t, h)
		require.NoError(t, err)
	}

	require.Zero(t, rec.overlap.Load(), "no two tasks in flight on one resource")
	starts := rec.startTimes()
	require.Len(t, starts, 20)
	gap := avgGap(starts)
	// Two owners halve the 20ms resource delay. Decay only lowers it to the floor.
	require.GreaterOrEqual(t, gap, 5*time.Millisecond)
	require.Less(t, gap, 40*time.Millisecond)

	st, ok := m.ClusterStats("A")
	require.True(t, ok)
	require.Equal(t, uint64(20), st.SuccessCount)
	require.Equal(t, 1.0, st.SuccessRate)
}

func TestManager_FairSharePerOwnerPriority(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = 40 * time.Millisecond
	cfg.MaxDelay = time.Second
	rec := &recorder{}
	reg := NewRegistry()
	reg.MustRegister("work", rec)
	m := newTestManager(t, cfg, StaticResources{{ID: "A"}}, reg)
	ctx := context.Background()

	for _, o := range []string{"fast", "slow"} {
		_, err := m.Assign(ctx, o, "A")
		require.NoError(t, err)
	}

	// High tasks drain before low ones, so each owner's run is contiguous.
	var handles []*Handle
	for _, o := range []struct {
		owner string
		prio  Priority
	}{{"fast", PriorityHigh}, {"slow", PriorityLow}} {
		for i := 0; i < 6; i++ {
			tk := NewTask(o.owner, "work", nil)
			tk.Priority = o.prio
			handles = append(handles, m.Submit(ctx, tk))
		}
	}
	for _, h := range handles {
		_, err := wait(t, h)
		require.NoError(t, err)
	}

	// current/N x multiplier: 40ms/2 x 0.5 = 10ms and 40ms/2 x 1.5 = 30ms.
	// The 10th success decays the shared delay to 38ms, so the last low gaps
	// shrink to 28.5ms.
	fast := avgGap(rec.startsOf("fast"))
	slow := avgGap(rec.startsOf("slow"))
	require.GreaterOrEqual(t, fast, 9*time.Millisecond)
	require.Less(t, fast, 25*time.Millisecond)
	require.GreaterOrEqual(t, slow, 27*time.Millisecond)
	require.Less(t, slow, 60*time.Millisecond)
	require.Greater(t, slow, 2*fast, "low priority owner is spaced further apart")
}

func TestManager_ReassignMovesQueuedTasks(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	reg := NewRegistry()
	reg.MustRegister("block", HandlerFunc(func(ctx context.Context, t *Task) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))
	reg.MustRegister("work", &recorder{})
	m := newTestManager(t, fastConfig(), StaticResources{{ID: "A"}, {ID: "B"}}, reg)
	ctx := context.Background()

	_, err := m.Assign(ctx, "o1", "A")
	require.NoError(t, err)
	_, err = m.Assign(ctx, "o2", "A")
	require.NoError(t, err)

	m.Submit(ctx, NewTask("o1", "block", nil))
	moved := NewTask("o2", "work", nil)
	h := m.Submit(ctx, moved)

	info, ok := m.OwnerInfo("o2")
	require.True(t, ok)
	require.Equal(t, "A", info.Resource)

	require.NoError(t, m.ReassignBulk(ctx, []string{"o2"}, "B"))
	_, err = wait(t, h)
	require.NoError(t, err)
	require.Equal(t, "B", moved.ResourceID)

	res, _ := m.ResourceOf("o2")
	require.Equal(t, "B", res)
	st := m.Stats()
	require.Equal(t, []string{"o1"}, st.Resources["A"].Owners)
	require.Equal(t, []string{"o2"}, st.Resources["B"].Owners)

	// No-op when already there.
	require.NoError(t, m.ReassignBulk(ctx, []string{"o2"}, "B"))
}

func TestManager_ReassignKeepsDependencyHistory(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.MustRegister("work", &recorder{})
	m := newTestManager(t, fastConfig(), StaticResources{{ID: "A"}, {ID: "B"}}, reg)
	ctx := context.Background()

	parent := NewTask("o1", "work", nil)
	_, err := m.Execute(ctx, parent, time.Second)
	require.NoError(t, err)

	require.NoError(t, m.ReassignBulk(ctx, []string{"o1"}, "B"))
	child := NewTask("o1", "work", nil)
	child.Dependencies = []string{parent.ID}
	_, err = m.Execute(ctx, child, time.Second)
	require.NoError(t, err)
	require.Equal(t, "B", child.ResourceID)
}

func TestManager_ReassignWhileParentInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	reg := NewRegistry()
	reg.MustRegister("block", HandlerFunc(func(ctx context.Context, _ *Task) (any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "parent", nil
	}))
	rec := &recorder{}
	reg.MustRegister("work", rec)
	m := newTestManager(t, fastConfig(), StaticResources{{ID: "A"}, {ID: "B"}}, reg)
	ctx := context.Background()

	// o2 keeps A alive so the parent is not cut short by a retiring cluster.
	for _, o := range []string{"o1", "o2"} {
		_, err := m.Assign(ctx, o, "A")
		require.NoError(t, err)
	}
	parent := NewTask("o1", "block", nil)
	hp := m.Submit(ctx, parent)
	<-started

	child := NewTask("o1", "work", nil)
	child.Dependencies = []string{parent.ID}
	hc := m.Submit(ctx, child)
	sibling := NewTask("o1", "work", nil)
	hs := m.Submit(ctx, sibling)

	require.NoError(t, m.ReassignBulk(ctx, []string{"o1"}, "B"))

	// One task per owner in flight: nothing of o1 starts on B yet.
	time.Sleep(60 * time.Millisecond)
	require.Empty(t, rec.calls())
	require.Equal(t, StatusPending, sibling.Status())

	close(release)
	res, err := wait(t, hp)
	require.NoError(t, err)
	require.Equal(t, "parent", res)
	require.Equal(t, "A", parent.ResourceID)

	_, err = wait(t, hc)
	require.NoError(t, err)
	_, err = wait(t, hs)
	require.NoError(t, err)
	require.Equal(t, "B", child.ResourceID)
	require.Equal(t, "B", sibling.ResourceID)
}

func TestManager_QueuedEventSeesUnstartedTask(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	queued, unsub := bus.Subscribe(64, EventTaskQueued)
	defer unsub()
	reg := NewRegistry()
	reg.MustRegister("work", &recorder{})
	m := NewManager(context.Background(), fastConfig(), ManagerDeps{Resources: StaticResources{{ID: "A"}}, Resolver: reg, Bus: bus})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	// An idle worker picks each task up the moment it is queued.
	for i := 0; i < 20; i++ {
		_, err := m.Execute(context.Background(), NewTask("o1", "work", nil), time.Second)
		require.NoError(t, err)
	}
	require.Len(t, queued, 20)
	for len(queued) > 0 {
		ev := (<-queued).Data.(TaskEvent)
		require.Zero(t, ev.Attempts, ev.ID)
	}
}

func TestManager_ConcurrentSubmitCreatesOneHandle(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.MustRegister("work", &recorder{})
	m := newTestManager(t, fastConfig(), StaticResources{{ID: "A"}}, reg)
	tk := NewTask("o1", "work", nil)

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			handles[i] = m.Submit(context.Background(), tk)
		}(i)
	}
	close(start)
	wg.Wait()

	var winners []*Handle
	for _, h := range handles {
		_, err := wait(t, h)
		if errors.Is(err, ErrAlreadySubmitted) {
			continue
		}
		require.NoError(t, err)
		winners = append(winners, h)
	}
	require.Len(t, winners, 1)
	require.Same(t, tk.Handle(), winners[0])
	require.Equal(t, StatusCompleted, tk.Status())
}

func TestManager_UnassignRetiresCluster(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.MustRegister("work", &recorder{})
	m := newTestManager(t, fastConfig(), StaticResources{{ID: "A"}}, reg)
	ctx := context.Background()

	waiting := NewTask("o1", "work", nil)
	waiting.Dependencies = []string{"never"}
	h := m.Submit(ctx, waiting)

	require.True(t, m.Unassign("o1"))
	require.False(t, m.Unassign("o1"))
	_, err := wait(t, h)
	require.ErrorIs(t, err, ErrCancelled)
	_, known := m.dep.Outcome("o1", waiting.ID)
	require.False(t, known, "history of an unassigned owner is dropped")

	require.Eventually(t, func() bool { return len(m.Resources()) == 0 }, 2*time.Second, 5*time.Millisecond)

	// The resource comes back on demand.
	_, err = m.Execute(ctx, NewTask("o2", "work", nil), time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, m.Resources())
}

func TestManager_CancelQueued(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.MustRegister("work", &recorder{})
	m := newTestManager(t, fastConfig(), StaticResources{{ID: "A"}}, reg)
	ctx := context.Background()

	tk := NewTask("o1", "work", nil)
	tk.ScheduledAt = time.Now().Add(time.Hour)
	h := m.Submit(ctx, tk)

	require.False(t, m.Cancel("o2", tk.ID))
	require.True(t, m.Cancel("o1", tk.ID))
	_, err := wait(t, h)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, uint64(1), m.Stats().Totals.Cancelled)
}

func TestManager_ShutdownFailsPending(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	reg := NewRegistry()
	reg.MustRegister("work", &recorder{})
	m := NewManager(context.Background(), fastConfig(), ManagerDeps{
		Resources: StaticResources{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Resolver:  reg,
		Bus:       bus,
	})
	ctx := context.Background()

	var handles []*Handle
	for i, o := range []string{"o1", "o2", "o3", "o4", "o5", "o6"} {
		tk := NewTask(o, "work", nil)
		tk.Dependencies = []string{"unknown"}
		if i%2 == 0 {
			tk.ScheduledAt = time.Now().Add(time.Hour)
			tk.Dependencies = nil
		}
		handles = append(handles, m.Submit(ctx, tk))
	}
	require.Len(t, m.Resources(), 3)

	require.NoError(t, m.Shutdown(ctx))
	for _, h := range handles {
		_, err := wait(t, h)
		require.ErrorIs(t, err, ErrStopped)
	}

	st := m.Stats()
	require.Empty(t, st.Resources)
	require.Empty(t, st.Assignments)
	require.Equal(t, uint64(6), st.Totals.Failed)

	late := m.Submit(ctx, NewTask("o1", "work", nil))
	require.ErrorIs(t, late.Err(), ErrManagerStopped)
	require.NoError(t, m.Shutdown(ctx), "second shutdown is a no-op")

	stopped := 0
	for {
		select {
		case ev := <-events:
			if ev.Type == EventClusterStopped {
				stopped++
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, 3, stopped)
}

type memStore struct {
	mu   sync.Mutex
	data map[string]ResourceSnapshot
}

func (s *memStore) LoadResourceState(_ context.Context, id string) (ResourceSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[id]
	return v, ok, nil
}

func (s *memStore) SaveResourceState(_ context.Context, snap ResourceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.ResourceID == "" {
		return errors.New("empty id")
	}
	s.data[snap.ResourceID] = snap
	return nil
}

func TestManager_RestoresResourceState(t *testing.T) {
	t.Parallel()

	store := &memStore{data: map[string]ResourceSnapshot{
		"A": {ResourceID: "A", CurrentDelay: 40 * time.Millisecond, SuccessCount: 5, ErrorCount: 2},
	}}
	m := NewManager(context.Background(), fastConfig(), ManagerDeps{
		Resources: StaticResources{{ID: "A", BaseDelay: 20 * time.Millisecond}},
		Store:     store,
	})
	_, err := m.Assign(context.Background(), "o1", "")
	require.NoError(t, err)

	st, ok := m.ClusterStats("A")
	require.True(t, ok)
	require.Equal(t, 40*time.Millisecond, st.CurrentDelay)
	require.Equal(t, 20*time.Millisecond, st.BaseDelay)
	require.Equal(t, uint64(5), st.SuccessCount)

	m.SetBaseDelay("A", 100*time.Millisecond)
	require.NoError(t, m.Shutdown(context.Background()))

	saved, ok, _ := store.LoadResourceState(context.Background(), "A")
	require.True(t, ok)
	require.Equal(t, 100*time.Millisecond, saved.BaseDelay)
	require.Equal(t, 50*time.Millisecond, saved.CurrentDelay, "raised to the new floor")
}
