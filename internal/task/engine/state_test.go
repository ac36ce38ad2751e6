package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want FailureClass
	}{
		{"HTTP 429 Too Many Requests", FailureRateLimit},
		{"Rate limit exceeded", FailureRateLimit},
		{"read tcp: i/o timeout", FailureConnection},
		{"Connection reset by peer", FailureConnection},
		{"bad gateway", FailureGeneric},
		{"", FailureGeneric},
	}
	for _, tc := range cases {
		if got := Classify(tc.in); got != tc.want {
			t.Fatalf("Classify(%q)=%s want %s", tc.in, got, tc.want)
		}
	}
}

func TestResourceState_RateLimitBackoff(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseDelay: time.Second, MaxDelay: 16 * time.Second}.withDefaults()
	mc := clock.NewMock()
	mc.Set(time.Now())
	s := newResourceState("r", cfg.BaseDelay)

	var prevUntil time.Time
	prevDelay := s.current
	for _, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second} {
		s.onFailure(cfg, mc.Now(), PriorityNormal, Classify("status 429"), 0, false)
		require.Equal(t, want, s.current)
		require.GreaterOrEqual(t, s.current, prevDelay)
		require.True(t, s.rateLimitUntil.After(prevUntil), "deadline must advance")
		require.Equal(t, mc.Now().Add(s.current), s.rateLimitUntil)
		require.True(t, s.healthy)

		prevUntil = s.rateLimitUntil
		prevDelay = s.current
		mc.Add(100 * time.Millisecond)
	}
	require.Equal(t, uint64(5), s.errors)
}

func TestResourceState_ConnectionAndGeneric(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseDelay: time.Second}.withDefaults()
	now := time.Now()

	s := newResourceState("r", cfg.BaseDelay)
	s.onFailure(cfg, now, PriorityNormal, FailureConnection, 0, false)
	require.Equal(t, 1500*time.Millisecond, s.current)
	require.False(t, s.healthy)
	require.True(t, s.rateLimitUntil.IsZero())

	s = newResourceState("r", cfg.BaseDelay)
	s.onFailure(cfg, now, PriorityNormal, FailureGeneric, 0, false)
	require.Equal(t, 1200*time.Millisecond, s.current)
	require.True(t, s.healthy)
	require.True(t, s.rateLimitUntil.IsZero())
}

func TestResourceState_DecayFloor(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseDelay: time.Second}.withDefaults()
	s := newResourceState("r", cfg.BaseDelay)
	now := time.Now()

	for i := 0; i < 9; i++ {
		s.onSuccess(cfg, now, PriorityNormal, false)
	}
	require.Equal(t, time.Second, s.current)
	s.onSuccess(cfg, now, PriorityNormal, false)
	require.Equal(t, 950*time.Millisecond, s.current)

	for i := 0; i < 1000; i++ {
		s.onSuccess(cfg, now, PriorityNormal, false)
		require.GreaterOrEqual(t, s.current, cfg.BaseDelay/2)
	}
	require.Equal(t, cfg.BaseDelay/2, s.current)
	require.Equal(t, uint64(1010), s.successes)
}

func TestResourceState_FailureResetsStreak(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseDelay: time.Second}.withDefaults()
	s := newResourceState("r", cfg.BaseDelay)
	now := time.Now()
	for i := 0; i < 9; i++ {
		s.onSuccess(cfg, now, PriorityNormal, false)
	}
	s.onFailure(cfg, now, PriorityNormal, FailureGeneric, 0, false)
	s.onSuccess(cfg, now, PriorityNormal, false)
	require.Equal(t, 1200*time.Millisecond, s.current)
}

func TestResourceState_BypassLeavesThrottle(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseDelay: time.Second}.withDefaults()
	s := newResourceState("r", cfg.BaseDelay)
	now := time.Now()

	s.onFailure(cfg, now, PriorityNormal, FailureRateLimit, 0, true)
	require.Equal(t, time.Second, s.current)
	require.True(t, s.rateLimitUntil.IsZero())

	s.onFailure(cfg, now, PriorityNormal, FailureConnection, 0, true)
	require.Equal(t, time.Second, s.current)
	require.False(t, s.healthy, "bypass still reports broken connections")

	for i := 0; i < 20; i++ {
		s.onSuccess(cfg, now, PriorityNormal, true)
	}
	require.Equal(t, time.Second, s.current)
	require.Equal(t, uint64(2), s.errors)
	require.Equal(t, uint64(20), s.successes)
}

func TestResourceState_RetryHintExtendsDeadline(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseDelay: time.Second}.withDefaults()
	s := newResourceState("r", cfg.BaseDelay)
	now := time.Now()

	err := RetryAfter(errors.New("slow down"), 10*time.Second)
	s.onFailure(cfg, now, PriorityNormal, FailureRateLimit, retryHint(err), false)
	require.Equal(t, 2*time.Second, s.current)
	require.Equal(t, now.Add(10*time.Second), s.rateLimitUntil)
	require.Equal(t, 10*time.Second, s.rateLimitRemaining(now))
	require.Zero(t, s.rateLimitRemaining(now.Add(11*time.Second)))
}

func TestResourceState_SetBaseClamps(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseDelay: time.Second}.withDefaults()
	s := newResourceState("r", cfg.BaseDelay)
	s.setBase(cfg, 4*time.Second)
	require.Equal(t, 2*time.Second, s.current, "raised to the new floor")

	st := s.snapshot()
	require.Equal(t, 4*time.Second, st.BaseDelay)
	require.True(t, st.Healthy)
}
