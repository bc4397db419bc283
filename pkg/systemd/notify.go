// Package systemd reports service state to the systemd notify socket.
// Every call is a no-op outside a Type=notify unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup finished. ok is false when no notify socket is set.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Reloading marks a config reload. Call Ready again when it completes.
func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) (bool, error) { return daemon.SdNotify(false, "STATUS="+s) }

// Watchdog pings the watchdog at half of WatchdogSec until ctx is done.
// healthy gates each ping; nil means always healthy. It returns immediately when
// the watchdog is not enabled for this process.
func Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy == nil || healthy() {
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					return err
				}
			}
		}
	}
}
