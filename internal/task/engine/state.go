package engine

import (
	"math"
	"sort"
	"time"
)

// resourceState is the adaptive delay/health state of one resource. It is
// owned by its Cluster and only touched under the Cluster's state lock.
type resourceState struct {
	id     string
	owners map[string]struct{}

	base    time.Duration
	current time.Duration

	rateLimitUntil time.Time
	healthy        bool

	successes   uint64
	errors      uint64
	streak      int
	lastRequest time.Time

	byPriority map[Priority]*PriorityCounters
}

// PriorityCounters are per-priority execution counters of one resource.
type PriorityCounters struct {
	Executed  uint64 `json:"executed"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

func newResourceState(id string, base time.Duration) *resourceState {
	return &resourceState{
		id:         id,
		owners:     map[string]struct{}{},
		base:       base,
		current:    base,
		healthy:    true,
		byPriority: map[Priority]*PriorityCounters{},
	}
}

func (s *resourceState) floor(cfg Config) time.Duration {
	return scale(s.base, cfg.FloorRatio)
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(math.Round(float64(d) * f))
}

func (s *resourceState) clamp(cfg Config) {
	if f := s.floor(cfg); s.current < f {
		s.current = f
	}
	if s.current > cfg.MaxDelay {
		s.current = cfg.MaxDelay
	}
}

func (s *resourceState) counters(p Priority) *PriorityCounters {
	c := s.byPriority[p]
	if c == nil {
		c = &PriorityCounters{}
		s.byPriority[p] = c
	}
	return c
}

// onSuccess records a success. Every cfg.DecayEvery consecutive non-bypass
// successes decay the current delay toward the floor.
func (s *resourceState) onSuccess(cfg Config, now time.Time, p Priority, bypass bool) {
	s.successes++
	s.lastRequest = now
	pc := s.counters(p)
	pc.Executed++
	pc.Succeeded++
	if bypass {
		return
	}
	s.streak++
	if s.streak%cfg.DecayEvery == 0 {
		s.current = scale(s.current, cfg.DecayFactor)
		s.clamp(cfg)
	}
}

// onFailure applies the class-specific backoff. hint extends a rate-limit
// deadline when the handler supplied one.
func (s *resourceState) onFailure(cfg Config, now time.Time, p Priority, class FailureClass, hint time.Duration, bypass bool) {
	s.errors++
	s.lastRequest = now
	s.streak = 0
	pc := s.counters(p)
	pc.Executed++
	pc.Failed++

	if bypass {
		if class == FailureConnection {
			s.healthy = false
		}
		return
	}

	factor := cfg.GenericFactor
	switch class {
	case FailureRateLimit:
		factor = cfg.RateLimitFactor
	case FailureConnection:
		factor = cfg.ConnectionFactor
	}
	s.current = scale(s.current, factor)
	s.clamp(cfg)

	switch class {
	case FailureRateLimit:
		until := now.Add(s.current)
		if hint > 0 && now.Add(hint).After(until) {
			until = now.Add(hint)
		}
		if until.After(s.rateLimitUntil) {
			s.rateLimitUntil = until
		}
	case FailureConnection:
		s.healthy = false
	}
}

// rateLimitRemaining is the time left until the rate-limit deadline.
func (s *resourceState) rateLimitRemaining(now time.Time) time.Duration {
	if s.rateLimitUntil.IsZero() || !now.Before(s.rateLimitUntil) {
		return 0
	}
	return s.rateLimitUntil.Sub(now)
}

// setBase changes the base delay and keeps the current delay inside the
// floor/max band.
func (s *resourceState) setBase(cfg Config, base time.Duration) {
	if base <= 0 {
		return
	}
	s.base = base
	s.clamp(cfg)
}

func (s *resourceState) ownerList() []string {
	out := make([]string, 0, len(s.owners))
	for o := range s.owners {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// ResourceStats is a snapshot of one resource's state and queue.
type ResourceStats struct {
	ResourceID     string                         `json:"resource_id"`
	State          string                         `json:"state"`
	ActiveOwners   int                            `json:"active_owners"`
	Owners         []string                       `json:"owners"`
	QueueSize      int                            `json:"queue_size"`
	CurrentDelay   time.Duration                  `json:"current_delay"`
	BaseDelay      time.Duration                  `json:"base_delay"`
	SuccessCount   uint64                         `json:"success_count"`
	ErrorCount     uint64                         `json:"error_count"`
	SuccessRate    float64                        `json:"success_rate"`
	Healthy        bool                           `json:"healthy"`
	RateLimitUntil time.Time                      `json:"rate_limit_until"`
	LastRequest    time.Time                      `json:"last_request"`
	Priorities     map[Priority]*PriorityCounters `json:"priorities"`
	Queued         map[Priority]int               `json:"queued"`
}

// RateLimited reports whether the deadline lies after at.
func (r ResourceStats) RateLimited(at time.Time) bool {
	return !r.RateLimitUntil.IsZero() && at.Before(r.RateLimitUntil)
}

func (s *resourceState) snapshot() ResourceStats {
	st := ResourceStats{
		ResourceID:     s.id,
		ActiveOwners:   len(s.owners),
		Owners:         s.ownerList(),
		CurrentDelay:   s.current,
		BaseDelay:      s.base,
		SuccessCount:   s.successes,
		ErrorCount:     s.errors,
		Healthy:        s.healthy,
		RateLimitUntil: s.rateLimitUntil,
		LastRequest:    s.lastRequest,
		Priorities:     make(map[Priority]*PriorityCounters, len(s.byPriority)),
	}
	if total := s.successes + s.errors; total > 0 {
		st.SuccessRate = float64(s.successes) / float64(total)
	}
	for p, c := range s.byPriority {
		cp := *c
		st.Priorities[p] = &cp
	}
	return st
}
