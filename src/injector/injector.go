// Package injector puts corrected text on the clipboard, optionally pastes it
// into the focused window, and always puts the user's previous clipboard
// content back afterwards.
package injector

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"selection-grammar-llm/src/correction"
)

const (
	DefaultGraceWindow    = 8 * time.Second
	DefaultPasteSettle    = 250 * time.Millisecond
	DefaultRestoreTimeout = 2 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
)

// Mode selects what Apply does with the corrected text.
type Mode int

const (
	// ModeNone reports the result only and leaves the clipboard alone.
	ModeNone Mode = iota
	// ModeCopy leaves the text on the clipboard for a grace window.
	ModeCopy
	// ModeReplace pastes the text over the selection in the focused window.
	ModeReplace
)

func (m Mode) String() string {
	switch m {
	case ModeCopy:
		return "copy"
	case ModeReplace:
		return "replace"
	default:
		return "none"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "copy", "copyonly":
		return ModeCopy, nil
	case "replace", "replaceselection", "paste":
		return ModeReplace, nil
	case "none", "off":
		return ModeNone, nil
	default:
		return ModeNone, fmt.Errorf("unknown inject mode %q (want copy, replace or none)", s)
	}
}

// Clipboard is the general-purpose clipboard. Write returns a channel closed
// when another program replaces the content, or nil if that cannot be
// observed.
type Clipboard interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) (<-chan struct{}, error)
}

// Desktop identifies the focused window and sends the paste keystroke.
type Desktop interface {
	ActiveWindow(ctx context.Context) (string, error)
	Paste(ctx context.Context) error
}

type Options struct {
	GraceWindow    time.Duration
	PasteSettle    time.Duration
	RestoreTimeout time.Duration
	// PollInterval is how often the clipboard is re-read during the grace
	// window when the backend cannot signal an external change.
	PollInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.PasteSettle <= 0 {
		o.PasteSettle = DefaultPasteSettle
	}
	if o.RestoreTimeout <= 0 {
		o.RestoreTimeout = DefaultRestoreTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
}

// Job is one injection request.
type Job struct {
	Text string
	Mode Mode
	// Target is the focused window recorded when the selection was
	// captured. Replace mode refuses to paste anywhere else.
	Target string
	// OnWritten, if set, is called in copy mode once the text is on the
	// clipboard and before the grace window starts.
	OnWritten func()
}

// Applied describes what Apply did.
type Applied struct {
	Mode     Mode
	Written  bool
	Pasted   bool
	Restored bool
	// TakenOver is set when the user copied something else during the
	// grace window and the restore was skipped.
	TakenOver bool
	// RestoreErr is a secondary failure: the correction itself went
	// through but the previous clipboard content could not be put back.
	RestoreErr error
}

// Injector serializes clipboard write/restore cycles. It is safe for
// concurrent use.
type Injector struct {
	clip    Clipboard
	desktop Desktop
	opts    Options
	sem     chan struct{}
}

func New(clip Clipboard, desktop Desktop, opts Options) *Injector {
	opts.applyDefaults()
	return &Injector{
		clip:    clip,
		desktop: desktop,
		opts:    opts,
		sem:     make(chan struct{}, 1),
	}
}

// Apply runs one write/restore cycle for job. Once the clipboard has been
// written the prior content is restored on every path, including ctx being
// cancelled mid-way.
func (inj *Injector) Apply(ctx context.Context, job Job) (res Applied, err error) {
	res.Mode = job.Mode
	if job.Mode == ModeNone {
		return res, nil
	}
	if job.Mode == ModeReplace && inj.desktop == nil {
		return res, correction.Injection(correction.ReasonPlatformRefused, fmt.Errorf("no desktop automation available"))
	}

	lease, err := inj.acquire(ctx)
	if err != nil {
		return res, err
	}
	defer func() {
		res.Restored, res.RestoreErr = lease.Release()
	}()

	if err := lease.Write(ctx, []byte(job.Text)); err != nil {
		return res, err
	}
	res.Written = true

	switch job.Mode {
	case ModeCopy:
		if job.OnWritten != nil {
			job.OnWritten()
		}
		if lease.hold(ctx, inj.opts.GraceWindow, inj.opts.PollInterval) {
			res.TakenOver = true
		}
		return res, nil
	case ModeReplace:
		if err := inj.paste(ctx, job.Target); err != nil {
			return res, err
		}
		res.Pasted = true
		// The target reads the clipboard asynchronously after the
		// keystroke; restoring too early would paste the old content.
		settle := time.NewTimer(inj.opts.PasteSettle)
		defer settle.Stop()
		<-settle.C
		return res, nil
	default:
		return res, fmt.Errorf("unknown inject mode %d", job.Mode)
	}
}

func (inj *Injector) paste(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return correction.Cancelled(err)
	}
	current, err := inj.desktop.ActiveWindow(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return correction.Cancelled(ctx.Err())
		}
		return correction.Injection(correction.ReasonPlatformRefused, err)
	}
	if target != "" && current != target {
		return correction.Injection(correction.ReasonFocusChanged,
			fmt.Errorf("focus moved from %q to %q", target, current))
	}
	if err := inj.desktop.Paste(ctx); err != nil {
		if ctx.Err() != nil {
			return correction.Cancelled(ctx.Err())
		}
		return correction.Injection(correction.ReasonPlatformRefused, err)
	}
	return nil
}

// Lease is exclusive use of the clipboard together with the content it
// held before the first write.
type Lease struct {
	inj       *Injector
	prior     []byte
	written   []byte
	changed   <-chan struct{}
	dirty     bool
	takenOver bool
	released  bool
}

// acquire waits for any other cycle to finish and snapshots the current
// clipboard content.
func (inj *Injector) acquire(ctx context.Context) (*Lease, error) {
	select {
	case inj.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, correction.Cancelled(ctx.Err())
	}
	prior, err := inj.clip.Read(ctx)
	if err != nil {
		<-inj.sem
		if ctx.Err() != nil {
			return nil, correction.Cancelled(ctx.Err())
		}
		return nil, correction.Injection(correction.ReasonPlatformRefused, fmt.Errorf("read clipboard: %w", err))
	}
	return &Lease{inj: inj, prior: prior}, nil
}

// Write replaces the clipboard content. The lease is marked dirty before
// the write so a write that fails half way is still restored. The write
// itself is not cancelled with ctx: it must have landed before Release
// puts the prior content back.
func (l *Lease) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return correction.Cancelled(err)
	}
	l.dirty = true
	changed, err := l.inj.clip.Write(context.WithoutCancel(ctx), data)
	if err != nil {
		if ctx.Err() != nil {
			return correction.Cancelled(ctx.Err())
		}
		return correction.Injection(correction.ReasonPlatformRefused, fmt.Errorf("write clipboard: %w", err))
	}
	l.written = data
	l.changed = changed
	if err := ctx.Err(); err != nil {
		return correction.Cancelled(err)
	}
	return nil
}

// hold keeps the written content on the clipboard until window elapses or
// ctx is done. It reports whether another program replaced the content in
// the meantime.
func (l *Lease) hold(ctx context.Context, window, poll time.Duration) bool {
	deadline := time.NewTimer(window)
	defer deadline.Stop()

	var tick <-chan time.Time
	if l.changed == nil {
		t := time.NewTicker(poll)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		case <-l.changed:
			l.takenOver = true
			return true
		case <-tick:
			cur, err := l.inj.clip.Read(ctx)
			if err == nil && !bytes.Equal(cur, l.written) {
				l.takenOver = true
				return true
			}
		}
	}
}

// Release puts the prior content back unless nothing was written or the
// user has since taken the clipboard over, then frees the lease. It runs
// on a context detached from the session so a cancelled session still
// restores. Only the first call has any effect.
func (l *Lease) Release() (restored bool, err error) {
	if l.released {
		return false, nil
	}
	l.released = true
	defer func() { <-l.inj.sem }()

	if !l.dirty || l.takenOver {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.inj.opts.RestoreTimeout)
	defer cancel()
	if _, err := l.inj.clip.Write(ctx, l.prior); err != nil {
		slog.Warn("injector: restore failed", "err", err)
		return false, fmt.Errorf("restore clipboard: %w", err)
	}
	slog.Debug("injector: clipboard restored", "bytes", len(l.prior))
	return true, nil
}
