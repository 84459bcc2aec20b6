//go:build linux

package notification

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest = "org.freedesktop.Notifications"
	notifyPath = dbus.ObjectPath("/org/freedesktop/Notifications")
)

var (
	mu     sync.Mutex
	lastID uint32
)

// show sends the notification over the session bus. Each call replaces the
// previous notification so a burst of triggers leaves one bubble.
func show(summary, body string, timeoutMs int32) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("session bus: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	obj := conn.Object(notifyDest, notifyPath)
	call := obj.Call(notifyDest+".Notify", 0,
		appName,
		lastID,
		"accessories-text-editor",
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{},
		timeoutMs,
	)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err == nil {
		lastID = id
	}
	return nil
}
