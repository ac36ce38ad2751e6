// Package systemd reports service state to systemd through sd_notify.
// Outside a systemd unit every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "proxyrun/pkg/logx"
)

// Ready reports startup completion. sent is false when not running under
// systemd.
func Ready(status string) (sent bool, err error) {
	return notify(daemon.SdNotifyReady, status)
}

// Stopping reports the start of a graceful shutdown.
func Stopping(status string) (bool, error) {
	return notify(daemon.SdNotifyStopping, status)
}

// Reloading brackets a configuration reload; call Ready afterwards.
func Reloading() (bool, error) {
	return notify(daemon.SdNotifyReloading, "")
}

func Status(status string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+status)
}

func notify(state, status string) (bool, error) {
	if status != "" {
		state += "\nSTATUS=" + status
	}
	return daemon.SdNotify(false, state)
}

// Watchdog pings the systemd watchdog at half the configured interval while
// healthy returns nil. It returns at once when the unit has no watchdog.
func Watchdog(ctx context.Context, healthy func() error, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					log.Warn("watchdog ping withheld", logx.Err(err))
					continue
				}
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
