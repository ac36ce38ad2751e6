package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"
	"golang.org/x/time/rate"

	"proxyrun/internal/eventbus"
	rtsup "proxyrun/internal/runtime/supervisor"
	logx "proxyrun/pkg/logx"
)

type ClusterState int32

const (
	ClusterCreated ClusterState = iota
	ClusterRunning
	ClusterStopping
	ClusterStopped
)

func (s ClusterState) String() string {
	switch s {
	case ClusterCreated:
		return "created"
	case ClusterRunning:
		return "running"
	case ClusterStopping:
		return "stopping"
	case ClusterStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ClusterDeps are the collaborators shared by every Cluster of a Manager.
type ClusterDeps struct {
	Clock    clock.Clock
	Log      logx.Logger
	Bus      eventbus.Bus
	Resolver Resolver
	Governor *DelayGovernor
	// OnFinish observes every terminal transition.
	OnFinish func(t *Task, status Status)

	// ledger is shared by the clusters of one Manager. Nil gives the cluster
	// a private one.
	ledger *ledger
}

// Cluster serializes all work for one resource: one queue, one adaptive
// delay/health state and one worker goroutine. At most one handler call
// per resource is in flight at any instant.
type Cluster struct {
	res  Resource
	cfg  Config
	clk  clock.Clock
	log  logx.Logger
	bus  eventbus.Bus
	reg  Resolver
	gov  *DelayGovernor
	done func(t *Task, status Status)

	limiter *rate.Limiter

	queue *PriorityQueue
	deps  *ledger

	mu sync.Mutex
	st *resourceState

	state    atomic.Int32
	startMu  sync.Mutex
	sup      *rtsup.Supervisor
	stopOnce sync.Once
	stopCh   chan struct{}
	inflight atomic.Pointer[Task]
}

func NewCluster(res Resource, cfg Config, d ClusterDeps) *Cluster {
	cfg = cfg.withDefaults()
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Governor == nil {
		d.Governor = NewDelayGovernor(cfg)
	}
	if d.Resolver == nil {
		d.Resolver = NewRegistry()
	}
	if d.ledger == nil {
		d.ledger = newLedger(cfg.LedgerSize)
	}
	base := res.BaseDelay
	if base <= 0 {
		base = cfg.BaseDelay
	}
	c := &Cluster{
		res:    res,
		cfg:    cfg,
		clk:    d.Clock,
		log:    d.Log.With(logx.String("comp", "cluster"), logx.String("resource", res.ID)),
		bus:    d.Bus,
		reg:    d.Resolver,
		gov:    d.Governor,
		done:   d.OnFinish,
		queue:  NewPriorityQueue(d.Clock),
		deps:   d.ledger,
		st:     newResourceState(res.ID, base),
		stopCh: make(chan struct{}),
	}
	if res.MaxRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(res.MaxRPS), 1)
	}
	return c
}

func (c *Cluster) ID() string { return c.res.ID }

func (c *Cluster) State() ClusterState { return ClusterState(c.state.Load()) }

// Start launches the worker. It is a no-op unless the cluster is new.
func (c *Cluster) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if !c.state.CompareAndSwap(int32(ClusterCreated), int32(ClusterRunning)) {
		if c.State() == ClusterRunning {
			return nil
		}
		return fmt.Errorf("start cluster %s: %w", c.res.ID, ErrStopped)
	}
	// Workers outlive the request that created them; only Stop ends them.
	c.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(c.log))
	c.sup.GoRestart("cluster."+c.res.ID, c.run, rtsup.WithRestartBackoff(c.cfg.ErrorPause, 30*time.Second))

	ev := c.resourceEvent()
	c.log.Info("cluster started", logx.Duration("base_delay", ev.BaseDelay), logx.Float64("max_rps", c.res.MaxRPS))
	publish(c.bus, EventClusterStarted, c.clk.Now(), ev)
	return nil
}

// Stop signals the worker, waits up to StopTimeout, force-cancels it on
// timeout and fails every unresolved task with ErrStopped.
func (c *Cluster) Stop(ctx context.Context) error {
	c.startMu.Lock()
	if prev := c.State(); prev == ClusterCreated || prev == ClusterRunning {
		c.state.Store(int32(ClusterStopping))
	}
	sup := c.sup
	c.startMu.Unlock()

	c.stopOnce.Do(func() {
		c.queue.Close()
		close(c.stopCh)
	})

	var forced error
	if sup != nil {
		wctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
		err := sup.Wait(wctx)
		cancel()
		if err != nil && wctx.Err() != nil {
			forced = fmt.Errorf("cluster %s: worker did not stop within %s, cancelled", c.res.ID, c.cfg.StopTimeout)
			c.log.Warn("cluster stop timeout, cancelling worker", logx.Duration("timeout", c.cfg.StopTimeout))
			sup.Cancel()
			// The worker never blocks without watching its context.
			_ = sup.Wait(context.WithoutCancel(ctx))
		}
	}

	if t := c.inflight.Swap(nil); t != nil {
		c.finish(t, StatusFailed, nil, fmt.Errorf("%s: %w", t.ID, ErrStopped))
	}
	c.drain()

	if ClusterState(c.state.Swap(int32(ClusterStopped))) != ClusterStopped {
		c.gov.Forget(c.res.ID)
		c.log.Info("cluster stopped")
		publish(c.bus, EventClusterStopped, c.clk.Now(), c.resourceEvent())
	}
	return forced
}

func (c *Cluster) drain() {
	for _, t := range c.queue.Drain() {
		c.finish(t, StatusFailed, nil, fmt.Errorf("%s: %w", t.ID, ErrStopped))
	}
}

// Enqueue binds t to this resource and queues it.
func (c *Cluster) Enqueue(t *Task) error {
	switch c.State() {
	case ClusterStopping, ClusterStopped:
		return fmt.Errorf("enqueue on %s: %w", c.res.ID, ErrStopped)
	}
	t.ResourceID = c.res.ID
	// The worker owns t once Put returns.
	ev := taskEvent(t)
	if err := c.queue.Put(t); err != nil {
		return fmt.Errorf("enqueue on %s: %w", c.res.ID, err)
	}
	publish(c.bus, EventTaskQueued, c.clk.Now(), ev)
	return nil
}

// Cancel removes a queued task of owner and rejects its handle. Tasks
// already inside a handler are not interrupted.
func (c *Cluster) Cancel(owner, id string) bool {
	t, ok := c.queue.RemoveOwned(owner, id)
	if !ok {
		return false
	}
	c.finish(t, StatusCancelled, nil, fmt.Errorf("%s: %w", id, ErrCancelled))
	return true
}

// AddOwner attaches owner; completions of its tasks anywhere wake this
// cluster's queue.
func (c *Cluster) AddOwner(owner string) {
	c.mu.Lock()
	c.st.owners[owner] = struct{}{}
	c.mu.Unlock()
	c.deps.attach(owner, c.queue)
}

// RemoveOwner drops owner and returns how many owners remain.
func (c *Cluster) RemoveOwner(owner string) int {
	c.mu.Lock()
	delete(c.st.owners, owner)
	n := len(c.st.owners)
	c.mu.Unlock()
	c.deps.forget(owner)
	return n
}

func (c *Cluster) HasOwner(owner string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.st.owners[owner]
	return ok
}

func (c *Cluster) OwnerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.st.owners)
}

// takeOwner detaches owner together with its queued tasks. It returns the
// number of owners left. A task of owner already inside a handler finishes
// here; the shared ledger holds owner's tasks elsewhere until it does.
func (c *Cluster) takeOwner(owner string) ([]*Task, int) {
	c.mu.Lock()
	delete(c.st.owners, owner)
	n := len(c.st.owners)
	c.mu.Unlock()
	return c.queue.TakeOwner(owner), n
}

// adoptOwner attaches owner and requeues its migrated tasks here.
func (c *Cluster) adoptOwner(owner string, tasks []*Task) {
	c.AddOwner(owner)
	for _, t := range tasks {
		if err := c.Enqueue(t); err != nil {
			c.finish(t, StatusFailed, nil, err)
		}
	}
}

// SetBaseDelay changes the resource's base delay.
func (c *Cluster) SetBaseDelay(d time.Duration) {
	c.mu.Lock()
	c.st.setBase(c.cfg, d)
	c.mu.Unlock()
}

// Restore seeds counters and the current delay from a saved snapshot.
func (c *Cluster) Restore(current time.Duration, successes, errs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current > 0 {
		c.st.current = current
		c.st.clamp(c.cfg)
	}
	c.st.successes = successes
	c.st.errors = errs
}

// Outcome exposes the dependency ledger.
func (c *Cluster) Outcome(owner, id string) (Status, bool) { return c.deps.Outcome(owner, id) }

// Stats returns a snapshot of the resource state and queue.
func (c *Cluster) Stats() ResourceStats {
	c.mu.Lock()
	st := c.st.snapshot()
	c.mu.Unlock()
	st.State = c.State().String()
	st.QueueSize = c.queue.Len()
	st.Queued = c.queue.PriorityCounts()
	return st
}

// PriorityStats reports the governor view of this resource.
func (c *Cluster) PriorityStats() map[Priority]PriorityStat {
	c.mu.Lock()
	shared, owners := c.st.current, len(c.st.owners)
	c.mu.Unlock()
	return c.gov.PriorityStats(c.res.ID, shared, owners)
}

func (c *Cluster) resourceEvent() ResourceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ResourceEvent{
		Resource:       c.res.ID,
		CurrentDelay:   c.st.current,
		BaseDelay:      c.st.base,
		RateLimitUntil: c.st.rateLimitUntil,
		Healthy:        c.st.healthy,
		Successes:      c.st.successes,
		Errors:         c.st.errors,
	}
}

// run is the worker loop. Faults inside one iteration are logged and
// followed by ErrorPause; only Stop ends the loop.
func (c *Cluster) run(ctx context.Context) error {
	for {
		select {
		case <-c.stopCh:
			c.drain()
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		err := c.step(ctx)
		switch {
		case err == nil:
		case errors.Is(err, errQueueClosed):
			select {
			case <-c.stopCh:
			case <-ctx.Done():
			}
		case ctx.Err() != nil:
			return nil
		default:
			c.log.Error("worker loop error", logx.Err(err))
			c.sleep(ctx, c.cfg.ErrorPause)
		}
	}
}

func (c *Cluster) step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			c.log.Error("worker panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			if t := c.inflight.Swap(nil); t != nil {
				c.finish(t, StatusFailed, nil, fmt.Errorf("%s: internal worker fault: %v", t.ID, r))
			}
		}
	}()

	t, doomed, err := c.queue.Pop(ctx, c.cfg.PopWait, c.deps)
	for _, d := range doomed {
		c.finish(d, StatusFailed, nil, fmt.Errorf("%s: %w", d.ID, ErrDependencyFailed))
	}
	if err != nil || t == nil {
		return err
	}

	now := c.clk.Now()
	c.mu.Lock()
	remaining := c.st.rateLimitRemaining(now)
	healthy := c.st.healthy
	c.mu.Unlock()

	if remaining > 0 && !t.BypassDelay {
		c.requeue(t)
		c.sleep(ctx, min(remaining, c.cfg.RateLimitRecheck))
		return nil
	}

	if !healthy {
		c.requeue(t)
		c.log.Warn("resource unhealthy, cooling down", logx.Duration("cooldown", c.cfg.HealthCooldown))
		if c.sleep(ctx, c.cfg.HealthCooldown) {
			c.mu.Lock()
			c.st.healthy = true
			c.mu.Unlock()
			c.log.Info("resource marked healthy")
		}
		return nil
	}

	h, ok := c.reg.Resolve(t.Action)
	if !ok {
		c.finish(t, StatusFailed, nil, &NoHandlerError{Action: t.Action})
		return nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.requeue(t)
			return err
		}
	}

	c.execute(ctx, h, t)
	return nil
}

// requeue puts a popped task back. A closed queue fails it instead.
func (c *Cluster) requeue(t *Task) {
	if err := c.queue.Put(t); err != nil {
		c.finish(t, StatusFailed, nil, fmt.Errorf("%s: %w", t.ID, ErrStopped))
	}
}

func (c *Cluster) execute(ctx context.Context, h Handler, t *Task) {
	t.Attempts++
	t.setStatus(StatusProcessing)
	c.deps.begin(t.OwnerID, t.ID)
	c.inflight.Store(t)
	start := c.clk.Now()
	publish(c.bus, EventTaskStarted, start, taskEvent(t))

	res, herr := c.invoke(ctx, h, t)
	if !c.inflight.CompareAndSwap(t, nil) {
		// Stop already resolved it.
		return
	}
	if ctx.Err() != nil {
		c.finish(t, StatusFailed, nil, fmt.Errorf("%s: %w", t.ID, ErrStopped))
		return
	}

	now := c.clk.Now()
	result, failure, ok := interpret(res, herr)
	class := FailureGeneric
	hint := retryHint(herr)
	if !ok {
		class = Classify(failure)
		if hint > 0 {
			class = FailureRateLimit
		}
	}

	c.mu.Lock()
	wasHealthy := c.st.healthy
	if ok {
		c.st.onSuccess(c.cfg, now, t.Priority, t.BypassDelay)
	} else {
		c.st.onFailure(c.cfg, now, t.Priority, class, hint, t.BypassDelay)
	}
	shared := c.st.current
	owners := len(c.st.owners)
	base := c.st.base
	remaining := c.st.rateLimitRemaining(now)
	healthy := c.st.healthy
	c.mu.Unlock()

	dur := now.Sub(start)
	if ok {
		c.finish(t, StatusCompleted, result, nil)
	} else {
		c.finish(t, StatusFailed, result, &HandlerError{Action: t.Action, Class: class, Msg: failure, Err: herr})
		if class == FailureRateLimit && !t.BypassDelay {
			c.log.Warn("resource rate limited", logx.Duration("current_delay", shared), logx.Duration("remaining", remaining))
			publish(c.bus, EventRateLimited, now, c.resourceEvent())
		}
		if wasHealthy && !healthy {
			c.log.Warn("resource marked unhealthy", logx.String("failure", failure))
			publish(c.bus, EventUnhealthy, now, c.resourceEvent())
		}
	}

	delay := c.gov.Complete(c.res.ID, t.Priority, shared, owners, now)
	if t.BypassDelay {
		delay = base
	} else if remaining > delay {
		delay = remaining
	}
	c.log.Debug("task executed",
		logx.String("task", t.ID),
		logx.String("owner", t.OwnerID),
		logx.String("action", t.Action),
		logx.Bool("ok", ok),
		logx.Duration("dur", dur),
		logx.Duration("delay", delay),
	)
	c.sleep(ctx, delay)
}

func (c *Cluster) invoke(ctx context.Context, h Handler, t *Task) (any, error) {
	type result struct {
		res any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("handler panicked", logx.String("action", t.Action), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				ch <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h.Handle(ctx, t)
		ch <- result{res: res, err: err}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sleep waits d unless the cluster stops first. It reports whether the full
// duration elapsed.
func (c *Cluster) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	tm := c.clk.Timer(d)
	defer tm.Stop()
	select {
	case <-tm.C:
		return true
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Cluster) finish(t *Task, status Status, res any, err error) {
	if !t.finish(status, res, err) {
		return
	}
	c.deps.record(t.OwnerID, t.ID, status)

	now := c.clk.Now()
	ev := taskEvent(t)
	if !t.CreatedAt.IsZero() {
		ev.Duration = now.Sub(t.CreatedAt)
	}
	typ := EventTaskCompleted
	switch status {
	case StatusFailed:
		typ = EventTaskFailed
		ev.Error = err.Error()
		c.log.Debug("task failed", logx.String("task", t.ID), logx.String("owner", t.OwnerID), logx.Err(err))
	case StatusCancelled:
		typ = EventTaskCancelled
		ev.Error = err.Error()
	}
	publish(c.bus, typ, now, ev)
	if c.done != nil {
		c.done(t, status)
	}
}
