package clipboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.design/x/clipboard"

	"selection-grammar-llm/src/worker"
)

// Backend names accepted by New.
const (
	BackendAuto    = "auto"
	BackendSystem  = "system"
	BackendCommand = "command"
)

// Backend reads and writes plain text on the system clipboard. Write
// returns a channel that is closed when another program takes the
// clipboard over, or nil when the backend cannot tell.
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) (<-chan struct{}, error)
}

var (
	initOnce sync.Once
	initErr  error
)

// Init prepares the native clipboard. It is safe to call more than once.
func Init() error {
	initOnce.Do(func() { initErr = clipboard.Init() })
	return initErr
}

// New returns the backend named by name. Auto prefers wl-copy/wl-paste on
// Wayland sessions, where the native X11 path only sees XWayland clients.
func New(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendAuto:
		if os.Getenv("WAYLAND_DISPLAY") != "" && commandsAvailable() {
			slog.Info("clipboard: using wl-clipboard backend")
			return NewCommand(), nil
		}
		return NewSystem()
	case BackendSystem:
		return NewSystem()
	case BackendCommand:
		if !commandsAvailable() {
			return nil, errors.New("wl-copy and wl-paste are required for the command clipboard backend")
		}
		return NewCommand(), nil
	default:
		return nil, fmt.Errorf("unknown clipboard backend %q", name)
	}
}

// ErrWriteRefused is returned when the native clipboard would not take the
// new content.
var ErrWriteRefused = errors.New("clipboard write refused")

// System uses the native clipboard through golang.design/x/clipboard.
type System struct {
	writeMu sync.Mutex
	// write reports failure by returning a nil channel.
	write func(t clipboard.Format, buf []byte) <-chan struct{}
}

func NewSystem() (*System, error) {
	if err := Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize clipboard: %w", err)
	}
	return &System{write: clipboard.Write}, nil
}

// Read returns the current text content, or nil when the clipboard holds
// no text.
func (s *System) Read(ctx context.Context) ([]byte, error) {
	return worker.Do(ctx, func() ([]byte, error) {
		return clipboard.Read(clipboard.FmtText), nil
	})
}

// Write performs a mutex-guarded clipboard write to prevent corruption under
// parallel writes.
func (s *System) Write(ctx context.Context, data []byte) (<-chan struct{}, error) {
	return worker.Do(ctx, func() (<-chan struct{}, error) {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if data == nil {
			data = []byte{}
		}
		changed := s.write(clipboard.FmtText, data)
		if changed == nil {
			return nil, ErrWriteRefused
		}
		return changed, nil
	})
}

// Command drives wl-copy and wl-paste.
type Command struct {
	run func(ctx context.Context, stdin []byte, capture bool, name string, args ...string) ([]byte, error)
}

func NewCommand() *Command { return &Command{run: runCommand} }

func commandsAvailable() bool {
	for _, name := range []string{"wl-copy", "wl-paste"} {
		if _, err := exec.LookPath(name); err != nil {
			return false
		}
	}
	return true
}

func (c *Command) Read(ctx context.Context) ([]byte, error) {
	out, err := c.run(ctx, nil, true, "wl-paste", "--no-newline", "--type", "text")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// wl-paste exits 1 when the clipboard is empty.
			return nil, nil
		}
		return nil, fmt.Errorf("wl-paste: %w", err)
	}
	return out, nil
}

func (c *Command) Write(ctx context.Context, data []byte) (<-chan struct{}, error) {
	if len(data) == 0 {
		if _, err := c.run(ctx, nil, false, "wl-copy", "--clear"); err != nil {
			return nil, fmt.Errorf("wl-copy --clear: %w", err)
		}
		return nil, nil
	}
	if _, err := c.run(ctx, data, false, "wl-copy", "--type", "text/plain;charset=utf-8"); err != nil {
		return nil, fmt.Errorf("wl-copy: %w", err)
	}
	return nil, nil
}

// runCommand runs name. wl-copy forks a child that keeps serving the
// clipboard, so its output is never captured.
func runCommand(ctx context.Context, stdin []byte, capture bool, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	if capture {
		return cmd.Output()
	}
	return nil, cmd.Run()
}
