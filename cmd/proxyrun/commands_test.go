package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxyrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
resources:
  - id: egress-a
jobs:
  - name: ping
    schedule: "5m"
    owner: monitor
    action: probe
    enabled: false
`), 0o644))

	out, err := run(t, "validate", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "config ok: 1 resources, 1 jobs (0 enabled)")

	require.NoError(t, os.WriteFile(path, []byte("resources:\n  - id: \"\"\n"), 0o644))
	_, err = run(t, "validate", "-c", path)
	require.ErrorContains(t, err, "resources[0].id")
}

func TestScheduleCmd(t *testing.T) {
	out, err := run(t, "schedule", "daily 06:15", "--tz", "UTC", "-n", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	for _, l := range lines {
		require.True(t, strings.HasSuffix(l, "T06:15:00Z"), l)
	}

	_, err = run(t, "schedule", "whenever")
	require.Error(t, err)
}
