//go:build linux

package policy

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const userActivityMinInterval = 500 * time.Millisecond

// userActivityNotifier forwards input-driven user activity to the desktop
// session so the screensaver's idle timer resets while the user types.
type userActivityNotifier struct {
	log *slog.Logger

	mu       sync.Mutex
	conn     *dbus.Conn
	lastPoke time.Time
	failed   bool
}

func newUserActivityNotifier(log *slog.Logger) *userActivityNotifier {
	return &userActivityNotifier{log: log.With("component", "user_activity")}
}

func (n *userActivityNotifier) poke(eventTime int64, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failed {
		return
	}
	now := time.Now()
	if now.Sub(n.lastPoke) < userActivityMinInterval {
		return
	}
	n.lastPoke = now

	if n.conn == nil {
		conn, err := dbus.SessionBus()
		if err != nil {
			// No session bus (headless or test environment); stop trying.
			n.log.Debug("session bus unavailable; user activity pokes disabled",
				"error", err)
			n.failed = true
			return
		}
		n.conn = conn
	}

	obj := n.conn.Object("org.freedesktop.ScreenSaver", "/org/freedesktop/ScreenSaver")
	call := obj.Call("org.freedesktop.ScreenSaver.SimulateUserActivity", dbus.FlagNoReplyExpected)
	if call.Err != nil {
		n.log.Debug("user activity poke failed", "error", call.Err)
	}
}

func currentUid() int32 {
	return int32(os.Getuid())
}
