package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGo_RecordsFirstErrorAndPanics(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))

	s.Go("boom", func(ctx context.Context) error { panic("bad") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorContains(t, err, "boom: panic: bad")

	snap := s.Snapshot()
	require.Equal(t, uint64(2), snap.Counters.Started)
	require.Zero(t, snap.Counters.Active)
	var boom GoroutineStats
	for _, g := range snap.Goroutines {
		if g.Name == "boom" {
			boom = g
		}
	}
	require.Equal(t, uint64(1), boom.Panics)
	require.Equal(t, "bad", boom.LastPanic)
}

func TestGo_CanceledIsClean(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(context.Background()))
}

func TestWait_TimesOut(t *testing.T) {
	s := NewSupervisor(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Wait(context.Background()))
}

func TestGoRestart_RestartsUntilClean(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("worker", func(context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("transient")
		case 2:
			panic("again")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	require.Eventually(t, func() bool { return s.Counters().Active == 0 }, 2*time.Second, time.Millisecond)
	require.Equal(t, int32(3), runs.Load())
	require.ErrorContains(t, s.Err(), "worker: transient")

	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "worker" {
			require.Equal(t, uint64(2), g.Restarts)
			require.Equal(t, uint64(1), g.Panics)
		}
	}
}

func TestGoRestart_GivesUp(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorContains(t, s.Wait(ctx), "flaky: nope")
	require.Equal(t, int32(3), runs.Load())
}
