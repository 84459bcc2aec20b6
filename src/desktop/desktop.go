// Package desktop simulates the paste keystroke and identifies the focused
// window through robotgo.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/go-vgo/robotgo"

	"selection-grammar-llm/src/worker"
)

var errNoWindow = errors.New("no focused window")

// Desktop talks to the windowing system. The zero value is not usable; call
// New.
type Desktop struct {
	goos   string
	pid    func() int
	title  func() string
	keyTap func(key string, mods ...interface{}) error
}

func New() *Desktop {
	return &Desktop{
		goos:   runtime.GOOS,
		pid:    robotgo.GetPid,
		title:  func() string { return robotgo.GetTitle() },
		keyTap: robotgo.KeyTap,
	}
}

// ActiveWindow returns an identifier of the focused window, "<pid>:<title>".
// Two calls return the same value only while the same window keeps focus.
func (d *Desktop) ActiveWindow(ctx context.Context) (string, error) {
	return worker.Do(ctx, func() (string, error) {
		pid := d.pid()
		title := strings.TrimSpace(d.title())
		if pid <= 0 && title == "" {
			return "", errNoWindow
		}
		return fmt.Sprintf("%d:%s", pid, title), nil
	})
}

// Paste sends the platform paste shortcut to the focused window.
func (d *Desktop) Paste(ctx context.Context) error {
	mod := "ctrl"
	if d.goos == "darwin" {
		mod = "cmd"
	}
	_, err := worker.Do(ctx, func() (struct{}, error) {
		return struct{}{}, d.keyTap("v", mod)
	})
	if err != nil {
		return fmt.Errorf("paste keystroke: %w", err)
	}
	slog.Debug("desktop: paste sent", "modifier", mod)
	return nil
}
