package app

import (
	"fmt"
	"strings"
	"time"

	"proxyrun/internal/config"
	"proxyrun/internal/notifier"
	"proxyrun/internal/observability/metrics"
	"proxyrun/internal/storage"
	"proxyrun/internal/task/engine"
	"proxyrun/internal/task/scheduler"
	logx "proxyrun/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    cfg.Logging.Forward.Enabled,
			MinLevel:   cfg.Logging.Forward.MinLevel,
			RatePerSec: cfg.Logging.Forward.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(sc.Path) == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.Config, error) {
	m := cfg.Metrics
	out := metrics.Config{
		Enabled:       m.Enabled,
		Addr:          m.Addr,
		Token:         m.Token,
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("metrics.read_timeout", m.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// pprof profile and trace stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("metrics.write_timeout", m.WriteTimeout, 40*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("metrics.idle_timeout", m.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: cfg.Scheduler.Timezone, NoSpread: cfg.Scheduler.NoSpread}
}

// mapJobs converts enabled jobs. Config validation already rejected bad
// priorities and timeouts, so errors here only come from direct callers.
func mapJobs(cfg *config.Config) ([]scheduler.Job, error) {
	out := make([]scheduler.Job, 0, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		if !j.IsEnabled() {
			continue
		}
		prio, err := engine.ParsePriority(j.Priority)
		if err != nil {
			return nil, fmt.Errorf("jobs[%d].priority: %w", i, err)
		}
		timeout, err := config.ParseDurationField(fmt.Sprintf("jobs[%d].timeout", i), j.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, scheduler.Job{
			Name:        j.Name,
			Schedule:    j.Schedule,
			Owner:       j.Owner,
			Action:      j.Action,
			Priority:    prio,
			Payload:     j.Payload,
			BypassDelay: j.BypassDelay,
			Timeout:     timeout,
		})
	}
	return out, nil
}

// mapNotifier converts the notifier section and builds its sink: the log
// always, plus the webhook when configured.
func mapNotifier(cfg *config.Config, log logx.Logger) (notifier.Config, notifier.Sink, error) {
	n := cfg.Notifier
	out := notifier.Config{
		Enabled:    n.Enabled,
		Workers:    n.Workers,
		QueueSize:  n.QueueSize,
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
		DedupSize:  n.DedupSize,
		Events:     n.Events,
	}
	if n.RetryMax == 0 {
		out.RetryMax = 3
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return out, nil, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return out, nil, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 5*time.Minute); err != nil {
		return out, nil, err
	}

	sink := notifier.MultiSink{notifier.LogSink{Log: log.With(logx.String("comp", "alerts"))}}
	if u := strings.TrimSpace(n.Webhook.URL); u != "" {
		timeout, err := config.ParseDurationOrDefault("notifier.webhook.timeout", n.Webhook.Timeout, 10*time.Second)
		if err != nil {
			return out, nil, err
		}
		sink = append(sink, notifier.NewWebhookSink(u, n.Webhook.Token, timeout))
	}
	return out, sink, nil
}
