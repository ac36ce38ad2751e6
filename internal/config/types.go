package config

// Config is the on-disk configuration, JSON or YAML.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Engine    EngineConfig     `json:"engine"`
	Resources []ResourceConfig `json:"resources"`
	Scheduler SchedulerConfig  `json:"scheduler,omitempty"`
	Jobs      []JobConfig      `json:"jobs,omitempty"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Metrics   MetricsConfig    `json:"metrics,omitempty"`
	Notifier  NotifierConfig   `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward republishes warn+ log lines on the event bus.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// EngineConfig tunes the adaptive delay machine and the fair-share
// governor. Omitted fields keep the engine defaults:
//
//	base_delay 2s, max_delay 16s, min_delay 100ms, critical_cap 500ms,
//	decay_every 10, decay_factor 0.95, floor_ratio 0.5,
//	rate_limit_factor 2, connection_factor 1.5, generic_factor 1.2,
//	health_cooldown 30s, rate_limit_recheck 60s, stop_timeout 30s,
//	max_attempts 3
//
// Multipliers and spacing are keyed by priority name (critical, high,
// normal, low, background).
type EngineConfig struct {
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
	MinDelay    string `json:"min_delay,omitempty"`
	CriticalCap string `json:"critical_cap,omitempty"`

	DecayEvery  int     `json:"decay_every,omitempty"`
	DecayFactor float64 `json:"decay_factor,omitempty"`
	FloorRatio  float64 `json:"floor_ratio,omitempty"`

	RateLimitFactor  float64 `json:"rate_limit_factor,omitempty"`
	ConnectionFactor float64 `json:"connection_factor,omitempty"`
	GenericFactor    float64 `json:"generic_factor,omitempty"`

	HealthCooldown   string `json:"health_cooldown,omitempty"`
	RateLimitRecheck string `json:"rate_limit_recheck,omitempty"`
	StopTimeout      string `json:"stop_timeout,omitempty"`
	// ShutdownTimeout bounds the whole manager shutdown. Default 45s.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	MaxAttempts int `json:"max_attempts,omitempty"`
	LedgerSize  int `json:"ledger_size,omitempty"`

	Multipliers map[string]float64 `json:"multipliers,omitempty"`
	Spacing     map[string]string  `json:"spacing,omitempty"`
}

// ResourceConfig declares one egress path owners can be assigned to.
type ResourceConfig struct {
	ID        string  `json:"id"`
	BaseDelay string  `json:"base_delay,omitempty"`
	MaxRPS    float64 `json:"max_rps,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name; empty means the host zone.
	Timezone string `json:"timezone,omitempty"`
	// NoSpread fires interval jobs exactly one interval after start instead
	// of adding up to 30s of jitter.
	NoSpread bool `json:"no_spread,omitempty"`
}

// JobConfig is a recurring submission.
//
// Schedule accepts a cron expression (seconds optional), a descriptor
// ("@hourly", "@every 30s"), "daily 07:30", a bare duration ("45s") or an
// interval "HH:MM" ("02:30" is every two and a half hours).
type JobConfig struct {
	Name        string         `json:"name"`
	Schedule    string         `json:"schedule"`
	Owner       string         `json:"owner"`
	Action      string         `json:"action"`
	Priority    string         `json:"priority,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	BypassDelay bool           `json:"bypass_delay,omitempty"`
	// Timeout bounds the wait for the outcome; 0 waits until resolved.
	Timeout string `json:"timeout,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// StorageConfig selects the outcome journal and state snapshot backend.
//
//	"storage": { "driver": "sqlite", "path": "./proxyrun.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MetricsConfig controls the HTTP server exposing /metrics, /healthz and,
// optionally, /debug/pprof/.
//
// Prefer a loopback address. A non-loopback address needs a token or an
// explicit allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifierConfig routes alert events (rate limits, unhealthy resources,
// failed tasks) to the log and, optionally, a webhook.
type NotifierConfig struct {
	Enabled       bool    `json:"enabled"`
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	DedupWindow   string  `json:"dedup_window,omitempty"` // default 5m; "0s" disables
	DedupSize     int     `json:"dedup_size,omitempty"`
	// Events overrides the bus event types notified on.
	Events []string `json:"events,omitempty"`

	Webhook WebhookConfig `json:"webhook,omitempty"`
}

type WebhookConfig struct {
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}
