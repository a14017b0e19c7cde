// Package systemd reports service state to the service manager over the
// sd_notify socket. Every call is a no-op when notifications are disabled
// or the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	logx "medremind/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notifyFunc matches daemon.SdNotify.
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

type Notifier struct {
	enabled bool
	log     logx.Logger

	notify   notifyFunc
	interval func() (time.Duration, error)
}

func NewNotifier(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		enabled: enabled,
		log:     log.With(logx.String("comp", "systemd")),
		notify:  daemon.SdNotify,
		interval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	ok, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready tells systemd startup finished (Type=notify units).
func (n *Notifier) Ready() {
	if n.send(daemon.SdNotifyReady) {
		n.log.Info("systemd notified ready")
	}
}

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) { n.send("STATUS=" + s) }

// Watchdog pings at half the WatchdogSec interval until ctx ends. It returns
// immediately when the unit has no watchdog configured.
func (n *Notifier) Watchdog(ctx context.Context) {
	if n == nil || !n.enabled {
		return
	}
	every, err := n.interval()
	if err != nil {
		n.log.Warn("watchdog interval unreadable", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	n.log.Debug("watchdog enabled", logx.Duration("every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
