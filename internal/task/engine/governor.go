package engine

import (
	"sync"
	"time"
)

// DelayGovernor divides a resource's delay across the owners sharing it and
// spaces executions of the same priority class.
//
//	delay = shared/N * multiplier(p) + spacing remaining for p
//
// clamped to [MinDelay, MaxDelay]; critical work is additionally capped at
// CriticalCap.
type DelayGovernor struct {
	mu          sync.RWMutex
	multipliers map[Priority]float64
	spacing     map[Priority]time.Duration
	minDelay    time.Duration
	maxDelay    time.Duration
	criticalCap time.Duration

	entries map[string]*governorEntry
}

type governorEntry struct {
	mu   sync.Mutex
	last map[Priority]time.Time
}

func NewDelayGovernor(cfg Config) *DelayGovernor {
	g := &DelayGovernor{entries: map[string]*governorEntry{}}
	g.Apply(cfg)
	return g
}

// Apply replaces multipliers, spacing and bounds. Execution history is kept.
func (g *DelayGovernor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	g.multipliers = cfg.Multipliers
	g.spacing = cfg.Spacing
	g.minDelay = cfg.MinDelay
	g.maxDelay = cfg.MaxDelay
	g.criticalCap = cfg.CriticalCap
	g.mu.Unlock()
}

func (g *DelayGovernor) SetMultiplier(p Priority, m float64) {
	if !p.Valid() || m <= 0 {
		return
	}
	g.mu.Lock()
	g.multipliers[p] = m
	g.mu.Unlock()
}

func (g *DelayGovernor) Multiplier(p Priority) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if m, ok := g.multipliers[p]; ok {
		return m
	}
	return 1.0
}

func (g *DelayGovernor) SetSpacing(p Priority, d time.Duration) {
	if !p.Valid() || d < 0 {
		return
	}
	g.mu.Lock()
	g.spacing[p] = d
	g.mu.Unlock()
}

func (g *DelayGovernor) entry(resource string) *governorEntry {
	g.mu.RLock()
	e := g.entries[resource]
	g.mu.RUnlock()
	if e != nil {
		return e
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e = g.entries[resource]; e == nil {
		e = &governorEntry{last: map[Priority]time.Time{}}
		g.entries[resource] = e
	}
	return e
}

// Forget drops the execution history of resource.
func (g *DelayGovernor) Forget(resource string) {
	g.mu.Lock()
	delete(g.entries, resource)
	g.mu.Unlock()
}

// OwnerDelay is the delay an owner of resource should observe after a task
// of priority p, given the resource's shared delay and its owner count.
func (g *DelayGovernor) OwnerDelay(resource string, p Priority, shared time.Duration, owners int, now time.Time) time.Duration {
	e := g.entry(resource)
	e.mu.Lock()
	last := e.last[p]
	e.mu.Unlock()
	return g.compute(p, shared, owners, last, now)
}

// Complete records an execution of priority p at now and returns the delay
// to apply afterwards. Spacing is measured against the previous execution
// of the same class.
func (g *DelayGovernor) Complete(resource string, p Priority, shared time.Duration, owners int, now time.Time) time.Duration {
	e := g.entry(resource)
	e.mu.Lock()
	last := e.last[p]
	e.last[p] = now
	e.mu.Unlock()
	return g.compute(p, shared, owners, last, now)
}

func (g *DelayGovernor) compute(p Priority, shared time.Duration, owners int, last, now time.Time) time.Duration {
	g.mu.RLock()
	mult, ok := g.multipliers[p]
	if !ok {
		mult = 1.0
	}
	gap := g.spacing[p]
	lo, hi, capCritical := g.minDelay, g.maxDelay, g.criticalCap
	g.mu.RUnlock()

	if owners < 1 {
		owners = 1
	}
	d := scale(shared, mult/float64(owners))
	if !last.IsZero() && gap > 0 {
		if since := now.Sub(last); since < gap {
			d += gap - since
		}
	}
	if d < lo {
		d = lo
	}
	if d > hi {
		d = hi
	}
	if p == PriorityCritical && d > capCritical {
		d = capCritical
	}
	return d
}

// PriorityStat describes one priority class on one resource.
type PriorityStat struct {
	Multiplier   float64       `json:"multiplier"`
	LastExecuted time.Time     `json:"last_executed"`
	OptimalDelay time.Duration `json:"optimal_delay"`
}

// PriorityStats reports, per priority, the multiplier, the last execution
// and the fair-share delay without spacing.
func (g *DelayGovernor) PriorityStats(resource string, shared time.Duration, owners int) map[Priority]PriorityStat {
	e := g.entry(resource)
	e.mu.Lock()
	last := make(map[Priority]time.Time, len(e.last))
	for p, at := range e.last {
		last[p] = at
	}
	e.mu.Unlock()

	if owners < 1 {
		owners = 1
	}
	out := make(map[Priority]PriorityStat, len(Priorities))
	for _, p := range Priorities {
		m := g.Multiplier(p)
		out[p] = PriorityStat{
			Multiplier:   m,
			LastExecuted: last[p],
			OptimalDelay: scale(shared, m/float64(owners)),
		}
	}
	return out
}
