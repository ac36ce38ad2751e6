package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"proxyrun/internal/task/engine"
	"proxyrun/internal/task/scheduler"
	logx "proxyrun/pkg/logx"
)

const defaultShutdownTimeout = 45 * time.Second

// EngineSettings converts the engine section. Zero values are left for the
// engine to default.
func (c *Config) EngineSettings() (engine.Config, error) {
	e := c.Engine
	var (
		out  engine.Config
		merr *multierror.Error
	)
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		merr = multierror.Append(merr, err)
		return d
	}
	out.BaseDelay = dur("engine.base_delay", e.BaseDelay)
	out.MaxDelay = dur("engine.max_delay", e.MaxDelay)
	out.MinDelay = dur("engine.min_delay", e.MinDelay)
	out.CriticalCap = dur("engine.critical_cap", e.CriticalCap)
	out.HealthCooldown = dur("engine.health_cooldown", e.HealthCooldown)
	out.RateLimitRecheck = dur("engine.rate_limit_recheck", e.RateLimitRecheck)
	out.StopTimeout = dur("engine.stop_timeout", e.StopTimeout)
	out.DecayEvery = e.DecayEvery
	out.DecayFactor = e.DecayFactor
	out.FloorRatio = e.FloorRatio
	out.RateLimitFactor = e.RateLimitFactor
	out.ConnectionFactor = e.ConnectionFactor
	out.GenericFactor = e.GenericFactor
	out.MaxAttempts = e.MaxAttempts
	out.LedgerSize = e.LedgerSize

	if e.DecayFactor < 0 || e.DecayFactor >= 1 {
		merr = multierror.Append(merr, fmt.Errorf("engine.decay_factor: must be in (0,1), got %v", e.DecayFactor))
	}
	if e.FloorRatio < 0 || e.FloorRatio > 1 {
		merr = multierror.Append(merr, fmt.Errorf("engine.floor_ratio: must be in (0,1], got %v", e.FloorRatio))
	}
	for name, f := range map[string]float64{
		"rate_limit_factor": e.RateLimitFactor,
		"connection_factor": e.ConnectionFactor,
		"generic_factor":    e.GenericFactor,
	} {
		if f != 0 && f <= 1 {
			merr = multierror.Append(merr, fmt.Errorf("engine.%s: must be > 1, got %v", name, f))
		}
	}
	if out.MaxDelay > 0 && out.MinDelay > out.MaxDelay {
		merr = multierror.Append(merr, fmt.Errorf("engine.min_delay: %s exceeds max_delay %s", out.MinDelay, out.MaxDelay))
	}

	if len(e.Multipliers) > 0 {
		out.Multipliers = make(map[engine.Priority]float64, len(e.Multipliers))
		for k, m := range e.Multipliers {
			p, err := engine.ParsePriority(k)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("engine.multipliers: %w", err))
				continue
			}
			if m <= 0 {
				merr = multierror.Append(merr, fmt.Errorf("engine.multipliers.%s: must be > 0", k))
				continue
			}
			out.Multipliers[p] = m
		}
	}
	if len(e.Spacing) > 0 {
		out.Spacing = make(map[engine.Priority]time.Duration, len(e.Spacing))
		for k, raw := range e.Spacing {
			p, err := engine.ParsePriority(k)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("engine.spacing: %w", err))
				continue
			}
			out.Spacing[p] = dur("engine.spacing."+k, raw)
		}
	}
	return out, merr.ErrorOrNil()
}

// ShutdownTimeout returns engine.shutdown_timeout or its default.
func (c *Config) ShutdownTimeout() time.Duration {
	d, err := ParseDurationOrDefault("engine.shutdown_timeout", c.Engine.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return defaultShutdownTimeout
	}
	return d
}

// ResourceList converts the resources section.
func (c *Config) ResourceList() (engine.StaticResources, error) {
	var merr *multierror.Error
	seen := map[string]bool{}
	out := make(engine.StaticResources, 0, len(c.Resources))
	for i, r := range c.Resources {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			merr = multierror.Append(merr, fmt.Errorf("resources[%d].id: required", i))
			continue
		}
		if seen[id] {
			merr = multierror.Append(merr, fmt.Errorf("resources[%d].id: duplicate %q", i, id))
			continue
		}
		seen[id] = true
		base, err := ParseDurationField(fmt.Sprintf("resources[%d].base_delay", i), r.BaseDelay)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if r.MaxRPS < 0 {
			merr = multierror.Append(merr, fmt.Errorf("resources[%d].max_rps: must be >= 0", i))
			continue
		}
		out = append(out, engine.Resource{ID: id, BaseDelay: base, MaxRPS: r.MaxRPS})
	}
	return out, merr.ErrorOrNil()
}

// Validate checks every section and reports all problems at once. It is
// the hot-reload gate: a config that fails here is never committed.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	var merr *multierror.Error

	if !logx.ValidLevel(c.Logging.Level) {
		merr = multierror.Append(merr, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if !logx.ValidLevel(c.Logging.Forward.MinLevel) {
		merr = multierror.Append(merr, fmt.Errorf("logging.forward.min_level: unknown level %q", c.Logging.Forward.MinLevel))
	}
	if _, err := c.EngineSettings(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if _, err := ParseDurationField("engine.shutdown_timeout", c.Engine.ShutdownTimeout); err != nil {
		merr = multierror.Append(merr, err)
	}
	if _, err := c.ResourceList(); err != nil {
		merr = multierror.Append(merr, err)
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	names := map[string]bool{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		if strings.TrimSpace(j.Name) == "" {
			merr = multierror.Append(merr, fmt.Errorf("%s.name: required", path))
		} else if names[j.Name] {
			merr = multierror.Append(merr, fmt.Errorf("%s.name: duplicate %q", path, j.Name))
		}
		names[j.Name] = true
		if err := scheduler.ValidateSchedule(j.Schedule); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s.schedule: %w", path, err))
		}
		if strings.TrimSpace(j.Owner) == "" {
			merr = multierror.Append(merr, fmt.Errorf("%s.owner: required", path))
		}
		if strings.TrimSpace(j.Action) == "" {
			merr = multierror.Append(merr, fmt.Errorf("%s.action: required", path))
		}
		if _, err := engine.ParsePriority(j.Priority); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s.priority: %w", path, err))
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			merr = multierror.Append(merr, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if m := c.Metrics; m.Enabled {
		addr := strings.TrimSpace(m.Addr)
		if addr != "" {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("metrics.addr: %w", err))
			} else if !isLoopback(host) && strings.TrimSpace(m.Token) == "" && !m.AllowInsecure {
				merr = multierror.Append(merr, fmt.Errorf("metrics.addr: %q is not loopback; set metrics.token or metrics.allow_insecure", addr))
			}
		}
		for name, raw := range map[string]string{
			"metrics.read_timeout":  m.ReadTimeout,
			"metrics.write_timeout": m.WriteTimeout,
			"metrics.idle_timeout":  m.IdleTimeout,
		} {
			if _, err := ParseDurationField(name, raw); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}

	if n := c.Notifier; n.Enabled {
		if n.Workers < 0 || n.QueueSize < 0 || n.RetryMax < 0 || n.DedupSize < 0 {
			merr = multierror.Append(merr, fmt.Errorf("notifier: workers, queue_size, retry_max and dedup_size must be >= 0"))
		}
		if n.RatePerSec < 0 {
			merr = multierror.Append(merr, fmt.Errorf("notifier.rate_per_sec: must be >= 0"))
		}
		for name, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
			"notifier.webhook.timeout": n.Webhook.Timeout,
		} {
			if _, err := ParseDurationField(name, raw); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if u := strings.TrimSpace(n.Webhook.URL); u != "" {
			pu, err := url.Parse(u)
			if err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
				merr = multierror.Append(merr, fmt.Errorf("notifier.webhook.url: want an http(s) URL, got %q", u))
			}
		}
	}
	return merr.ErrorOrNil()
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
