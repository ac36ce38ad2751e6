package config

import (
	"reflect"
	"strings"

	logx "proxyrun/pkg/logx"
)

// SummarizeConfigChange lists changed sections and log fields describing
// the new values. Tokens are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.base_delay", newCfg.Engine.BaseDelay),
			logx.String("engine.max_delay", newCfg.Engine.MaxDelay),
			logx.Int("engine.multipliers", len(newCfg.Engine.Multipliers)),
			logx.Int("engine.spacing", len(newCfg.Engine.Spacing)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Resources, newCfg.Resources) {
		changed = append(changed, "resources")
		ids := make([]string, 0, len(newCfg.Resources))
		for _, r := range newCfg.Resources {
			ids = append(ids, r.ID)
		}
		attrs = append(attrs, logx.Strings("resources.ids", ids))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Bool("scheduler.no_spread", newCfg.Scheduler.NoSpread),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		enabled := 0
		for _, j := range newCfg.Jobs {
			if j.IsEnabled() {
				enabled++
			}
		}
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)), logx.Int("jobs.enabled", enabled))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs, logx.String("storage.driver", strings.TrimSpace(s.Driver)), logx.String("storage.path", strings.TrimSpace(s.Path)))
		}
	}

	om, nm := oldCfg.Metrics, newCfg.Metrics
	tokenChanged := strings.TrimSpace(om.Token) != strings.TrimSpace(nm.Token)
	om.Token, nm.Token = "", ""
	if om != nm || tokenChanged {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	on, nn := oldCfg.Notifier, newCfg.Notifier
	hookTokenChanged := strings.TrimSpace(on.Webhook.Token) != strings.TrimSpace(nn.Webhook.Token)
	on.Webhook.Token, nn.Webhook.Token = "", ""
	if !reflect.DeepEqual(on, nn) || hookTokenChanged {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Bool("notifier.webhook", strings.TrimSpace(nn.Webhook.URL) != ""),
			logx.Strings("notifier.events", nn.Events),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage":
			out = append(out, s)
		}
	}
	return out
}
