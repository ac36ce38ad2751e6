package engine

import (
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
)

func TestDelayGovernor_FairShare(t *testing.T) {
	t.Parallel()

	g := NewDelayGovernor(Config{})
	now := time.Now()

	cases := []struct {
		name   string
		p      Priority
		shared time.Duration
		owners int
		want   time.Duration
	}{
		{"normal two owners", PriorityNormal, 2 * time.Second, 2, time.Second},
		{"background two owners", PriorityBackground, 2 * time.Second, 2, 2 * time.Second},
		{"low single owner", PriorityLow, 2 * time.Second, 1, 3 * time.Second},
		{"zero owners counts as one", PriorityNormal, 2 * time.Second, 0, 2 * time.Second},
		{"critical under cap", PriorityCritical, 2 * time.Second, 1, 200 * time.Millisecond},
		{"critical capped", PriorityCritical, 16 * time.Second, 1, 500 * time.Millisecond},
		{"clamped to min", PriorityHigh, 100 * time.Millisecond, 4, 100 * time.Millisecond},
		{"clamped to max", PriorityBackground, 16 * time.Second, 1, 16 * time.Second},
	}
	for _, tc := range cases {
		got := g.OwnerDelay("r-"+tc.name, tc.p, tc.shared, tc.owners, now)
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestDelayGovernor_Spacing(t *testing.T) {
	t.Parallel()

	mc := clock.NewMock()
	mc.Set(time.Now())
	g := NewDelayGovernor(Config{})

	// First execution has nothing to space against.
	require.Equal(t, time.Second, g.Complete("r", PriorityNormal, time.Second, 1, mc.Now()))

	mc.Add(300 * time.Millisecond)
	require.Equal(t, 1700*time.Millisecond, g.OwnerDelay("r", PriorityNormal, time.Second, 1, mc.Now()))
	// Other classes and resources are spaced independently.
	require.Equal(t, 500*time.Millisecond, g.OwnerDelay("r", PriorityHigh, time.Second, 1, mc.Now()))
	require.Equal(t, time.Second, g.OwnerDelay("other", PriorityNormal, time.Second, 1, mc.Now()))

	require.Equal(t, 1700*time.Millisecond, g.Complete("r", PriorityNormal, time.Second, 1, mc.Now()))
	mc.Add(2 * time.Second)
	require.Equal(t, time.Second, g.OwnerDelay("r", PriorityNormal, time.Second, 1, mc.Now()))

	stats := g.PriorityStats("r", time.Second, 1)
	require.Len(t, stats, len(Priorities))
	require.False(t, stats[PriorityNormal].LastExecuted.IsZero())
	require.True(t, stats[PriorityLow].LastExecuted.IsZero())
	require.Equal(t, 1500*time.Millisecond, stats[PriorityLow].OptimalDelay)

	g.Forget("r")
	require.True(t, g.PriorityStats("r", time.Second, 1)[PriorityNormal].LastExecuted.IsZero())
}

func TestDelayGovernor_ReducesToResourceDelay(t *testing.T) {
	t.Parallel()

	g := NewDelayGovernor(Config{Spacing: noSpacing()})
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.Equal(t, 3*time.Second, g.Complete("r", PriorityNormal, 3*time.Second, 1, now))
		now = now.Add(10 * time.Millisecond)
	}
}

func TestDelayGovernor_SetMultiplier(t *testing.T) {
	t.Parallel()

	g := NewDelayGovernor(Config{})
	g.SetMultiplier(PriorityNormal, 3)
	g.SetMultiplier(PriorityNormal, -1)
	g.SetMultiplier(Priority(42), 5)
	require.Equal(t, 3.0, g.Multiplier(PriorityNormal))
	require.Equal(t, 3*time.Second, g.OwnerDelay("r", PriorityNormal, time.Second, 1, time.Now()))

	g.Apply(Config{Multipliers: map[Priority]float64{PriorityLow: 4}})
	require.Equal(t, 1.0, g.Multiplier(PriorityNormal))
	require.Equal(t, 4.0, g.Multiplier(PriorityLow))
}
