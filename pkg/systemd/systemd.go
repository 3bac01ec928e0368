// Package systemd reports service state to systemd over the sd_notify
// socket. Every call is a no-op when NOTIFY_SOCKET is unset, so callers
// never need to know whether they run under a unit.
package systemd

import (
	"strings"
	"sync/atomic"

	"github.com/coreos/go-systemd/v22/daemon"

	"newsup/pkg/logx"
)

// Notifier sends READY/STATUS/STOPPING messages. The zero value is usable.
type Notifier struct {
	Log logx.Logger

	active atomic.Bool
}

func (n *Notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.Log.Debug("sd_notify failed", logx.String("state", firstLine(state)), logx.Err(err))
		return
	}
	if sent && n.active.CompareAndSwap(false, true) {
		n.Log.Debug("sd_notify socket detected")
	}
}

// Ready tells systemd startup finished (Type=notify units).
func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

// Status sets the free-form status line shown by `systemctl status`.
func (n *Notifier) Status(msg string) {
	msg = strings.ReplaceAll(msg, "\n", " ")
	n.send("STATUS=" + msg)
}

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Active reports whether a notification has reached systemd.
func (n *Notifier) Active() bool { return n.active.Load() }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
