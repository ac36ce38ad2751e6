package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proxyrun/internal/task/engine"
)

const sampleYAML = `
logging:
  level: debug
  console: true
engine:
  base_delay: 1s
  max_delay: 8s
  multipliers:
    critical: 0.2
  spacing:
    normal: 0s
resources:
  - id: egress-a
    max_rps: 5
  - id: egress-b
    base_delay: 3s
jobs:
  - name: heartbeat
    schedule: "@every 30s"
    owner: monitor
    action: probe
    priority: high
storage:
  driver: sqlite
  path: ./state.db
`

func TestDecode_YAMLToEngine(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	ec, err := cfg.EngineSettings()
	require.NoError(t, err)
	require.Equal(t, time.Second, ec.BaseDelay)
	require.Equal(t, 8*time.Second, ec.MaxDelay)
	require.Equal(t, 0.2, ec.Multipliers[engine.PriorityCritical])
	require.Equal(t, time.Duration(0), ec.Spacing[engine.PriorityNormal])

	res, err := cfg.ResourceList()
	require.NoError(t, err)
	require.Equal(t, engine.StaticResources{
		{ID: "egress-a", MaxRPS: 5},
		{ID: "egress-b", BaseDelay: 3 * time.Second},
	}, res)
	require.Equal(t, 45*time.Second, cfg.ShutdownTimeout())
	require.True(t, cfg.Jobs[0].IsEnabled())
}

func TestDecode_Strict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"unknown":1}`))
	require.ErrorContains(t, err, "unknown")

	_, err = Decode("c.json", []byte(`{} {}`))
	require.ErrorContains(t, err, "trailing data")
}

func TestValidate_ReportsEverything(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "loud"},
		Engine: EngineConfig{
			BaseDelay:       "soon",
			DecayFactor:     1.5,
			RateLimitFactor: 0.5,
			Multipliers:     map[string]float64{"urgent": 1},
		},
		Resources: []ResourceConfig{{ID: "a"}, {ID: "a"}, {ID: ""}},
		Jobs:      []JobConfig{{Name: "j", Priority: "mega"}},
		Storage:   &StorageConfig{Driver: "redis"},
		Metrics:   MetricsConfig{Enabled: true, Addr: "0.0.0.0:9464"},
		Notifier: NotifierConfig{
			Enabled:     true,
			DedupWindow: "a while",
			Webhook:     WebhookConfig{URL: "ftp://hooks.example"},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{
		"logging.level",
		"engine.base_delay",
		"engine.decay_factor",
		"engine.rate_limit_factor",
		"engine.multipliers",
		"duplicate \"a\"",
		"resources[2].id",
		"jobs[0].schedule",
		"jobs[0].priority",
		"storage.driver",
		"metrics.addr",
		"notifier.dedup_window",
		"notifier.webhook.url",
	} {
		require.ErrorContains(t, err, want)
	}

	cfg.Metrics.Token = "secret"
	cfg.Metrics.Addr = "127.0.0.1:9464"
	require.NotContains(t, Validate(cfg).Error(), "metrics.addr")
}

func TestSummarizeConfigChange(t *testing.T) {
	a, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _ := SummarizeConfigChange(a, b)
	require.Empty(t, changed)

	b.Engine.BaseDelay = "2s"
	b.Metrics.Token = "x"
	b.Jobs = nil
	changed, _ = SummarizeConfigChange(a, b)
	require.Equal(t, []string{"engine", "jobs", "metrics"}, changed)
	require.Empty(t, RestartRequired(changed))

	b.Scheduler.Timezone = "UTC"
	b.Storage = &StorageConfig{Driver: "file", Path: "x"}
	changed, _ = SummarizeConfigChange(a, b)
	require.Equal(t, []string{"engine", "scheduler", "jobs", "storage", "metrics"}, changed)
	require.Equal(t, []string{"storage"}, RestartRequired(changed))

	b.Notifier.Webhook.Token = "rotated"
	changed, attrs := SummarizeConfigChange(a, b)
	require.Contains(t, changed, "notifier")
	require.Empty(t, RestartRequired([]string{"notifier"}))
	require.NotEmpty(t, attrs)
}

func TestConfigManager_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxyrun.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"resources":[{"id":"a"}]}`), 0o644))

	m := NewConfigManager(path)
	m.debounce = 10 * time.Millisecond
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Resources, 1)

	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"resources":[{"id":"a"},{"id":"b"}]}`), 0o644))

	select {
	case got := <-updates:
		require.Len(t, got.Resources, 2)
		require.Same(t, got, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}

	// An invalid file is rejected and the committed config stays.
	require.NoError(t, os.WriteFile(path, []byte(`{"resources":[{"id":""}]}`), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.Len(t, m.Get().Resources, 2)
}
