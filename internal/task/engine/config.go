package engine

import "time"

// Config controls the adaptive delay state machine, the fair-share governor
// and the per-resource worker loop.
//
// The app layer maps config.engine into this struct. Zero values pick the
// defaults in withDefaults, so tests only set what they care about.
type Config struct {
	// BaseDelay is used for resources that do not declare their own.
	BaseDelay time.Duration
	// MaxDelay caps the adaptive delay.
	MaxDelay time.Duration
	// MinDelay is the lower clamp for fair-share per-owner delays.
	MinDelay time.Duration
	// CriticalCap bounds the applied delay of critical tasks.
	CriticalCap time.Duration

	// DecayEvery, DecayFactor: every Nth consecutive success multiplies the
	// current delay by DecayFactor (floored at BaseDelay*FloorRatio).
	DecayEvery  int
	DecayFactor float64
	FloorRatio  float64

	RateLimitFactor  float64
	ConnectionFactor float64
	GenericFactor    float64

	// HealthCooldown is how long an unhealthy resource rests before it is
	// marked healthy again.
	HealthCooldown time.Duration
	// RateLimitRecheck bounds a single sleep while a rate-limit deadline is active.
	RateLimitRecheck time.Duration

	// PopWait bounds a single queue wait.
	PopWait time.Duration
	// ErrorPause follows an internal worker fault.
	ErrorPause time.Duration
	// StopTimeout is how long Stop waits for the worker before cancelling it.
	StopTimeout time.Duration

	// MaxAttempts is the default for tasks that do not set one.
	MaxAttempts int
	// LedgerSize bounds the per-owner terminal-status ledger used for
	// dependency gating.
	LedgerSize int

	Multipliers map[Priority]float64
	Spacing     map[Priority]time.Duration
}

// DefaultMultipliers are the fair-share priority multipliers.
func DefaultMultipliers() map[Priority]float64 {
	return map[Priority]float64{
		PriorityCritical:   0.1,
		PriorityHigh:       0.5,
		PriorityNormal:     1.0,
		PriorityLow:        1.5,
		PriorityBackground: 2.0,
	}
}

// DefaultSpacing is the minimum gap between two executions of the same
// priority class on one resource.
func DefaultSpacing() map[Priority]time.Duration {
	return map[Priority]time.Duration{
		PriorityCritical:   100 * time.Millisecond,
		PriorityHigh:       500 * time.Millisecond,
		PriorityNormal:     time.Second,
		PriorityLow:        2 * time.Second,
		PriorityBackground: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 16 * time.Second
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 100 * time.Millisecond
	}
	if c.MinDelay > c.MaxDelay {
		c.MinDelay = c.MaxDelay
	}
	if c.CriticalCap <= 0 {
		c.CriticalCap = 500 * time.Millisecond
	}
	if c.DecayEvery <= 0 {
		c.DecayEvery = 10
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = 0.95
	}
	if c.FloorRatio <= 0 || c.FloorRatio > 1 {
		c.FloorRatio = 0.5
	}
	if c.RateLimitFactor <= 1 {
		c.RateLimitFactor = 2.0
	}
	if c.ConnectionFactor <= 1 {
		c.ConnectionFactor = 1.5
	}
	if c.GenericFactor <= 1 {
		c.GenericFactor = 1.2
	}
	if c.HealthCooldown <= 0 {
		c.HealthCooldown = 30 * time.Second
	}
	if c.RateLimitRecheck <= 0 {
		c.RateLimitRecheck = 60 * time.Second
	}
	if c.PopWait <= 0 {
		c.PopWait = time.Second
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LedgerSize <= 0 {
		c.LedgerSize = 4096
	}

	mult := DefaultMultipliers()
	for p, m := range c.Multipliers {
		if p.Valid() && m > 0 {
			mult[p] = m
		}
	}
	c.Multipliers = mult

	spacing := DefaultSpacing()
	for p, d := range c.Spacing {
		if p.Valid() && d >= 0 {
			spacing[p] = d
		}
	}
	c.Spacing = spacing
	return c
}

// Resource describes one egress path.
type Resource struct {
	ID string
	// BaseDelay overrides Config.BaseDelay when > 0.
	BaseDelay time.Duration
	// MaxRPS is a hard request ceiling enforced before each handler call.
	// 0 disables it.
	MaxRPS float64
}

// ResourceSource supplies candidate resources for load-balanced assignment.
type ResourceSource interface {
	Resources() []Resource
}

// StaticResources is a fixed ResourceSource.
type StaticResources []Resource

func (s StaticResources) Resources() []Resource { return append([]Resource(nil), s...) }
