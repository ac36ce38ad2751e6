package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"

	"proxyrun/internal/eventbus"
	logx "proxyrun/pkg/logx"
)

// ResourceSnapshot is the persisted part of a resource's adaptive state.
type ResourceSnapshot struct {
	ResourceID   string
	BaseDelay    time.Duration
	CurrentDelay time.Duration
	SuccessCount uint64
	ErrorCount   uint64
	UpdatedAt    time.Time
}

// StateStore persists resource snapshots across restarts. Queue contents
// are never persisted.
type StateStore interface {
	LoadResourceState(ctx context.Context, id string) (ResourceSnapshot, bool, error)
	SaveResourceState(ctx context.Context, s ResourceSnapshot) error
}

// ManagerDeps are the Manager's collaborators. Resources and Resolver are
// required.
type ManagerDeps struct {
	Resources ResourceSource
	Resolver  Resolver
	Clock     clock.Clock
	Log       logx.Logger
	Bus       eventbus.Bus
	Store     StateStore
}

// Manager assigns owners to resources, runs one Cluster per assigned
// resource, routes submissions and coordinates shutdown.
type Manager struct {
	ctx context.Context
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus
	reg Resolver
	src ResourceSource
	db  StateStore
	gov *DelayGovernor
	dep *ledger

	mu        sync.Mutex
	cfg       Config
	owners    map[string]string
	clusters  map[string]*Cluster
	retiring  map[string]chan struct{}
	baseDelay map[string]time.Duration
	stopped   bool

	total     atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

// NewManager builds a Manager. ctx is the parent of every cluster worker.
func NewManager(ctx context.Context, cfg Config, d ManagerDeps) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Resources == nil {
		d.Resources = StaticResources(nil)
	}
	if d.Resolver == nil {
		d.Resolver = NewRegistry()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		ctx:       ctx,
		clk:       d.Clock,
		log:       d.Log.With(logx.String("comp", "manager")),
		bus:       d.Bus,
		reg:       d.Resolver,
		src:       d.Resources,
		db:        d.Store,
		gov:       NewDelayGovernor(cfg),
		dep:       newLedger(cfg.LedgerSize),
		cfg:       cfg,
		owners:    map[string]string{},
		clusters:  map[string]*Cluster{},
		retiring:  map[string]chan struct{}{},
		baseDelay: map[string]time.Duration{},
	}
}

// Governor exposes the shared fair-share governor.
func (m *Manager) Governor() *DelayGovernor { return m.gov }

// Assign binds owner to resource, or to the least-loaded resource when
// resource is empty. An existing assignment is returned unchanged.
func (m *Manager) Assign(ctx context.Context, owner, resource string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, id, err := m.assignLocked(ctx, owner, resource)
	return id, err
}

func (m *Manager) assignLocked(ctx context.Context, owner, resource string) (*Cluster, string, error) {
	if owner == "" {
		return nil, "", &AssignmentError{Resource: resource, Err: errors.New("empty owner id")}
	}
	if m.stopped {
		return nil, "", &AssignmentError{Owner: owner, Resource: resource, Err: ErrManagerStopped}
	}
	if cur, ok := m.owners[owner]; ok {
		c, err := m.clusterLocked(ctx, cur)
		if err != nil {
			return nil, "", &AssignmentError{Owner: owner, Resource: cur, Err: err}
		}
		c.AddOwner(owner)
		return c, cur, nil
	}

	target := resource
	if target == "" {
		var err error
		if target, err = m.selectLocked(); err != nil {
			return nil, "", &AssignmentError{Owner: owner, Err: err}
		}
	}
	c, err := m.clusterLocked(ctx, target)
	if err != nil {
		return nil, "", &AssignmentError{Owner: owner, Resource: target, Err: err}
	}
	c.AddOwner(owner)
	m.owners[owner] = target
	m.log.Debug("owner assigned", logx.String("owner", owner), logx.String("resource", target))
	publish(m.bus, EventOwnerAssigned, m.clk.Now(), OwnerEvent{Owner: owner, Resource: target})
	return c, target, nil
}

// SelectResource returns the least-loaded candidate without assigning.
func (m *Manager) SelectResource() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectLocked()
}

// selectLocked picks the candidate with the fewest owners. An unused
// candidate wins at once.
func (m *Manager) selectLocked() (string, error) {
	best, bestN := "", -1
	for _, r := range m.src.Resources() {
		if r.ID == "" {
			continue
		}
		n := 0
		if c := m.clusters[r.ID]; c != nil {
			n = c.OwnerCount()
		}
		if n == 0 {
			return r.ID, nil
		}
		if bestN < 0 || n < bestN {
			best, bestN = r.ID, n
		}
	}
	if best == "" {
		return "", ErrNoResource
	}
	return best, nil
}

func (m *Manager) descriptor(id string) (Resource, bool) {
	for _, r := range m.src.Resources() {
		if r.ID == id {
			return r, true
		}
	}
	return Resource{}, false
}

// clusterLocked returns the running cluster of id, creating and starting it
// when needed. A cluster still retiring is awaited first.
func (m *Manager) clusterLocked(ctx context.Context, id string) (*Cluster, error) {
	for {
		ch, ok := m.retiring[id]
		if !ok {
			break
		}
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			m.mu.Lock()
			return nil, ctx.Err()
		}
		m.mu.Lock()
		if m.stopped {
			return nil, ErrManagerStopped
		}
	}

	if c := m.clusters[id]; c != nil {
		return c, nil
	}
	res, ok := m.descriptor(id)
	if !ok {
		return nil, fmt.Errorf("resource %q: %w", id, ErrNoResource)
	}
	if d := m.baseDelay[id]; d > 0 {
		res.BaseDelay = d
	}

	c := NewCluster(res, m.cfg, ClusterDeps{
		Clock:    m.clk,
		Log:      m.log,
		Bus:      m.bus,
		Resolver: m.reg,
		Governor: m.gov,
		OnFinish: m.onFinish,
		ledger:   m.dep,
	})
	m.restore(ctx, c)
	if err := c.Start(m.ctx); err != nil {
		return nil, err
	}
	m.clusters[id] = c
	return c, nil
}

func (m *Manager) restore(ctx context.Context, c *Cluster) {
	if m.db == nil {
		return
	}
	snap, ok, err := m.db.LoadResourceState(ctx, c.ID())
	if err != nil {
		m.log.Warn("load resource state failed", logx.String("resource", c.ID()), logx.Err(err))
		return
	}
	if ok {
		c.Restore(snap.CurrentDelay, snap.SuccessCount, snap.ErrorCount)
	}
}

func (m *Manager) save(c *Cluster) {
	if m.db == nil {
		return
	}
	st := c.Stats()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 5*time.Second)
	defer cancel()
	err := m.db.SaveResourceState(ctx, ResourceSnapshot{
		ResourceID:   st.ResourceID,
		BaseDelay:    st.BaseDelay,
		CurrentDelay: st.CurrentDelay,
		SuccessCount: st.SuccessCount,
		ErrorCount:   st.ErrorCount,
		UpdatedAt:    m.clk.Now(),
	})
	if err != nil {
		m.log.Warn("save resource state failed", logx.String("resource", st.ResourceID), logx.Err(err))
	}
}

// retireLocked unregisters an ownerless cluster and stops it in the
// background. Reassigning its resource waits for the stop to finish.
func (m *Manager) retireLocked(id string) {
	c := m.clusters[id]
	if c == nil {
		return
	}
	delete(m.clusters, id)
	done := make(chan struct{})
	m.retiring[id] = done
	go func() {
		if err := c.Stop(context.WithoutCancel(m.ctx)); err != nil {
			m.log.Warn("cluster stop", logx.String("resource", id), logx.Err(err))
		}
		m.save(c)
		m.mu.Lock()
		delete(m.retiring, id)
		m.mu.Unlock()
		close(done)
	}()
}

// ReassignBulk moves owners to resource. Queued tasks move with each owner
// and dependency history stays valid; resources left without owners are
// stopped. An owner's task still inside a handler on its old resource
// finishes there, and its other tasks wait until it does.
func (m *Manager) ReassignBulk(ctx context.Context, owners []string, resource string) error {
	if len(owners) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return &AssignmentError{Resource: resource, Err: ErrManagerStopped}
	}
	target, err := m.clusterLocked(ctx, resource)
	if err != nil {
		return &AssignmentError{Resource: resource, Err: err}
	}

	var merr *multierror.Error
	for _, owner := range owners {
		if owner == "" {
			merr = multierror.Append(merr, &AssignmentError{Resource: resource, Err: errors.New("empty owner id")})
			continue
		}
		prev, had := m.owners[owner]
		if had && prev == resource {
			target.AddOwner(owner)
			continue
		}
		var moved []*Task
		if had {
			if pc := m.clusters[prev]; pc != nil {
				var left int
				moved, left = pc.takeOwner(owner)
				if left == 0 {
					m.retireLocked(prev)
				}
			}
		}
		target.adoptOwner(owner, moved)
		m.owners[owner] = resource
		m.log.Debug("owner reassigned", logx.String("owner", owner), logx.String("from", prev), logx.String("to", resource), logx.Int("moved_tasks", len(moved)))
		publish(m.bus, EventOwnerReassigned, m.clk.Now(), OwnerEvent{Owner: owner, Resource: resource, Previous: prev})
	}
	return merr.ErrorOrNil()
}

// Unassign removes owner from its resource and cancels its queued tasks.
// It reports whether owner was assigned.
func (m *Manager) Unassign(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.owners[owner]
	if !ok {
		return false
	}
	delete(m.owners, owner)
	if c := m.clusters[res]; c != nil {
		tasks, left := c.takeOwner(owner)
		for _, t := range tasks {
			c.finish(t, StatusCancelled, nil, fmt.Errorf("%s: owner unassigned: %w", t.ID, ErrCancelled))
		}
		if left == 0 {
			m.retireLocked(res)
		}
	}
	// History goes last so the cancellations above do not outlive the owner.
	m.dep.forget(owner)
	publish(m.bus, EventOwnerUnassigned, m.clk.Now(), OwnerEvent{Owner: owner, Resource: res})
	return true
}

// ResourceOf returns owner's current resource.
func (m *Manager) ResourceOf(owner string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.owners[owner]
	return r, ok
}

// Submit routes t to its owner's resource and returns its completion
// handle. Routing failures reject the handle at once.
func (m *Manager) Submit(ctx context.Context, t *Task) *Handle {
	if t == nil {
		return rejected(nil, errors.New("nil task"))
	}
	m.mu.Lock()
	maxAttempts := m.cfg.MaxAttempts
	m.mu.Unlock()

	h, err := t.prepare(m.clk.Now(), maxAttempts)
	if err != nil {
		return rejected(nil, err)
	}
	m.total.Add(1)

	m.mu.Lock()
	c, _, err := m.assignLocked(ctx, t.OwnerID, "")
	if err == nil {
		err = c.Enqueue(t)
	}
	m.mu.Unlock()

	if err != nil {
		if t.finish(StatusFailed, nil, err) {
			m.failed.Add(1)
		}
		m.log.Debug("submit rejected", logx.String("task", t.ID), logx.String("owner", t.OwnerID), logx.Err(err))
	}
	return h
}

// Execute submits t and waits for its outcome. A positive timeout bounds
// the wait; when it elapses a still-queued task is cancelled and ErrTimeout
// is returned.
func (m *Manager) Execute(ctx context.Context, t *Task, timeout time.Duration) (any, error) {
	h := m.Submit(ctx, t)
	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-h.Done():
		res, _ := h.Result()
		return res, h.Err()
	case <-wctx.Done():
	}

	if res, done := h.Result(); done {
		return res, h.Err()
	}
	m.Cancel(t.OwnerID, t.ID)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%s after %s: %w", t.ID, timeout, ErrTimeout)
}

// Cancel removes a queued task of owner. Tasks already executing are not
// interrupted and Cancel reports false for them.
func (m *Manager) Cancel(owner, id string) bool {
	m.mu.Lock()
	c := m.clusters[m.owners[owner]]
	m.mu.Unlock()
	if c == nil {
		return false
	}
	return c.Cancel(owner, id)
}

func (m *Manager) onFinish(_ *Task, st Status) {
	switch st {
	case StatusCompleted:
		m.completed.Add(1)
	case StatusFailed:
		m.failed.Add(1)
	case StatusCancelled:
		m.cancelled.Add(1)
	}
}

// SetBaseDelay changes the base delay of resource, now and for clusters
// created later.
func (m *Manager) SetBaseDelay(resource string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.baseDelay[resource] = d
	c := m.clusters[resource]
	m.mu.Unlock()
	if c != nil {
		c.SetBaseDelay(d)
	}
}

func (m *Manager) SetPriorityMultiplier(p Priority, mult float64) { m.gov.SetMultiplier(p, mult) }

// ApplyConfig updates the governor at once; clusters created afterwards use
// the new delay settings.
func (m *Manager) ApplyConfig(cfg Config) {
	cfg = cfg.withDefaults()
	m.gov.Apply(cfg)
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Totals are manager-wide counters.
type Totals struct {
	TotalTasks     uint64 `json:"total_tasks"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	Cancelled      uint64 `json:"cancelled"`
	Queued         int    `json:"queued"`
	ActiveClusters int    `json:"active_clusters"`
	Owners         int    `json:"owners"`
}

// Stats is a point-in-time view of every resource.
type Stats struct {
	Resources   map[string]ResourceStats `json:"resources"`
	Assignments map[string]string        `json:"assignments"`
	Totals      Totals                   `json:"totals"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	clusters := make([]*Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		clusters = append(clusters, c)
	}
	assign := make(map[string]string, len(m.owners))
	for o, r := range m.owners {
		assign[o] = r
	}
	m.mu.Unlock()

	out := Stats{
		Resources:   make(map[string]ResourceStats, len(clusters)),
		Assignments: assign,
		Totals: Totals{
			TotalTasks:     m.total.Load(),
			Completed:      m.completed.Load(),
			Failed:         m.failed.Load(),
			Cancelled:      m.cancelled.Load(),
			ActiveClusters: len(clusters),
			Owners:         len(assign),
		},
	}
	for _, c := range clusters {
		st := c.Stats()
		out.Resources[st.ResourceID] = st
		out.Totals.Queued += st.QueueSize
	}
	return out
}

// ClusterStats returns the stats of one resource.
func (m *Manager) ClusterStats(resource string) (ResourceStats, bool) {
	m.mu.Lock()
	c := m.clusters[resource]
	m.mu.Unlock()
	if c == nil {
		return ResourceStats{}, false
	}
	return c.Stats(), true
}

// PriorityStats returns the governor view of one resource.
func (m *Manager) PriorityStats(resource string) (map[Priority]PriorityStat, bool) {
	m.mu.Lock()
	c := m.clusters[resource]
	m.mu.Unlock()
	if c == nil {
		return nil, false
	}
	return c.PriorityStats(), true
}

// OwnerInfo describes one owner's assignment and backlog.
type OwnerInfo struct {
	Owner    string   `json:"owner"`
	Resource string   `json:"resource"`
	Queued   int      `json:"queued"`
	TaskIDs  []string `json:"task_ids"`
}

func (m *Manager) OwnerInfo(owner string) (OwnerInfo, bool) {
	m.mu.Lock()
	res, ok := m.owners[owner]
	c := m.clusters[res]
	m.mu.Unlock()
	if !ok {
		return OwnerInfo{}, false
	}
	info := OwnerInfo{Owner: owner, Resource: res}
	if c != nil {
		for _, t := range c.queue.Pending() {
			if t.OwnerID == owner {
				info.TaskIDs = append(info.TaskIDs, t.ID)
			}
		}
	}
	info.Queued = len(info.TaskIDs)
	return info, true
}

// Resources lists resources with a live cluster.
func (m *Manager) Resources() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.clusters))
	for id := range m.clusters {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Shutdown stops every cluster concurrently and waits for all of them,
// including clusters already retiring, before clearing the maps. Every
// pending handle is failed with ErrStopped.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	clusters := make([]*Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		clusters = append(clusters, c)
	}
	retiring := make([]chan struct{}, 0, len(m.retiring))
	for _, ch := range m.retiring {
		retiring = append(retiring, ch)
	}
	m.mu.Unlock()

	m.log.Info("shutting down", logx.Int("clusters", len(clusters)), logx.Int("retiring", len(retiring)))

	var (
		g    errgroup.Group
		emu  sync.Mutex
		merr *multierror.Error
	)
	for _, c := range clusters {
		g.Go(func() error {
			err := c.Stop(ctx)
			m.save(c)
			if err != nil {
				emu.Lock()
				merr = multierror.Append(merr, err)
				emu.Unlock()
			}
			return nil
		})
	}
	for _, ch := range retiring {
		g.Go(func() error {
			select {
			case <-ch:
				return nil
			case <-ctx.Done():
				emu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("waiting for retiring cluster: %w", ctx.Err()))
				emu.Unlock()
				return nil
			}
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.owners = map[string]string{}
	m.clusters = map[string]*Cluster{}
	m.mu.Unlock()

	m.log.Info("shutdown complete", logx.Uint64("completed", m.completed.Load()), logx.Uint64("failed", m.failed.Load()))
	return merr.ErrorOrNil()
}
