// Package selection reads the user's current highlighted text.
//
// On Linux the highlighted text lives in the PRIMARY selection, which is
// separate from the clipboard. Reading it never changes what the user last
// copied.
package selection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"selection-grammar-llm/src/correction"
)

// DefaultTimeout bounds a single selection read.
const DefaultTimeout = 400 * time.Millisecond

// Snapshot is the text captured at trigger time.
type Snapshot struct {
	Text       string
	CapturedAt time.Time
}

// Source produces a Snapshot or fails with correction.KindSelectionUnavailable.
type Source interface {
	Capture(ctx context.Context) (Snapshot, error)
}

// command is a selection reader invocation.
type command struct {
	Name string
	Args []string
}

func (c command) String() string { return strings.Join(append([]string{c.Name}, c.Args...), " ") }

var (
	waylandCommand = command{Name: "wl-paste", Args: []string{"--primary", "--no-newline", "--type", "text"}}
	xclipCommand   = command{Name: "xclip", Args: []string{"-o", "-selection", "primary"}}
	xselCommand    = command{Name: "xsel", Args: []string{"--primary", "--output"}}
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Reader captures the PRIMARY selection with the first available tool.
type Reader struct {
	timeout  time.Duration
	run      runFunc
	getenv   func(string) string
	lookPath func(string) (string, error)
	goos     string
	now      func() time.Time
}

// NewReader returns a Reader with the given per-read timeout; zero selects
// DefaultTimeout.
func NewReader(timeout time.Duration) *Reader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reader{
		timeout:  timeout,
		run:      runCommand,
		getenv:   os.Getenv,
		lookPath: exec.LookPath,
		goos:     runtime.GOOS,
		now:      time.Now,
	}
}

// Capture reads the selection. The read is abandoned after the configured
// timeout, or earlier when ctx is cancelled.
func (r *Reader) Capture(ctx context.Context) (Snapshot, error) {
	cmd, err := r.command()
	if err != nil {
		return Snapshot{}, err
	}

	readCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.run(readCtx, cmd.Name, cmd.Args...)
	if err != nil {
		if ctx.Err() != nil {
			return Snapshot{}, correction.Cancelled(ctx.Err())
		}
		if errors.Is(readCtx.Err(), context.DeadlineExceeded) {
			return Snapshot{}, correction.Unavailable(correction.ReasonTimeout,
				fmt.Errorf("%s did not answer within %s", cmd.Name, r.timeout))
		}
		// wl-paste and xclip exit non-zero when nothing is selected.
		return Snapshot{}, correction.Unavailable(correction.ReasonEmpty, fmt.Errorf("%s: %w", cmd, err))
	}

	if !utf8.Valid(out) || bytes.IndexByte(out, 0) >= 0 {
		return Snapshot{}, correction.Unavailable(correction.ReasonNonText, nil)
	}
	text := string(out)
	if strings.TrimSpace(text) == "" {
		return Snapshot{}, correction.Unavailable(correction.ReasonEmpty, nil)
	}
	return Snapshot{Text: text, CapturedAt: r.now()}, nil
}

// command picks the reader for the current display server.
func (r *Reader) command() (command, error) {
	if r.goos != "linux" && r.goos != "freebsd" && r.goos != "openbsd" {
		return command{}, correction.Unavailable(correction.ReasonUnsupported,
			fmt.Errorf("no primary selection on %s", r.goos))
	}

	var candidates []command
	if r.getenv("WAYLAND_DISPLAY") != "" {
		candidates = append(candidates, waylandCommand)
	}
	if r.getenv("DISPLAY") != "" {
		candidates = append(candidates, xclipCommand, xselCommand)
	}
	if len(candidates) == 0 {
		return command{}, correction.Unavailable(correction.ReasonUnsupported,
			errors.New("neither WAYLAND_DISPLAY nor DISPLAY is set"))
	}

	for _, c := range candidates {
		if _, err := r.lookPath(c.Name); err == nil {
			return c, nil
		}
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return command{}, correction.Unavailable(correction.ReasonUnsupported,
		fmt.Errorf("none of %s found in PATH", strings.Join(names, ", ")))
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 100 * time.Millisecond
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// Literal is a Source that returns fixed text, used when the text is given
// on the command line instead of selected.
type Literal string

func (l Literal) Capture(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, correction.Cancelled(err)
	}
	if strings.TrimSpace(string(l)) == "" {
		return Snapshot{}, correction.Unavailable(correction.ReasonEmpty, nil)
	}
	return Snapshot{Text: string(l), CapturedAt: time.Now()}, nil
}
