package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/injector"
	"selection-grammar-llm/src/notification"
	"selection-grammar-llm/src/session"
	"selection-grammar-llm/src/singleinstance"
)

// DefaultDebounce is the minimum gap between two accepted hotkey presses.
const DefaultDebounce = 300 * time.Millisecond

// Orchestrator starts sessions; *session.Orchestrator satisfies it.
type Orchestrator interface {
	Trigger(ctx context.Context, t session.Trigger) (<-chan session.Outcome, error)
}

// Defaults fill the parts of a trigger the caller left empty.
type Defaults struct {
	Style    correction.Style
	Language correction.Language
	Inject   injector.Mode
}

type Options struct {
	Defaults Defaults
	Debounce time.Duration
	// Notify defaults to notification.Show.
	Notify func(summary, body string)
}

// Loop is the single-threaded coordinator for hotkey and delegated triggers.
type Loop struct {
	orch     Orchestrator
	srv      singleinstance.Server
	defaults Defaults
	notify   func(summary, body string)
	limiter  *rate.Limiter
	hotkeyCh chan correction.Mode
	results  chan result
	tally    map[session.Status]int
}

type result struct {
	out  session.Outcome
	conn singleinstance.Conn
}

// New creates a loop. srv may be nil when no delegation endpoint is wanted.
func New(orch Orchestrator, srv singleinstance.Server, opts Options) *Loop {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	notify := opts.Notify
	if notify == nil {
		notify = notification.Show
	}
	return &Loop{
		orch:     orch,
		srv:      srv,
		defaults: opts.Defaults,
		notify:   notify,
		limiter:  rate.NewLimiter(rate.Every(debounce), 1),
		hotkeyCh: make(chan correction.Mode, 4),
		results:  make(chan result),
		tally:    make(map[session.Status]int),
	}
}

// Hotkey returns a callback suitable for hotkey.Binding.OnPress. Presses
// closer together than the debounce interval are dropped.
func (l *Loop) Hotkey(mode correction.Mode) func() {
	return func() {
		if !l.limiter.Allow() {
			slog.Debug("eventloop: hotkey debounced", "mode", mode)
			return
		}
		select {
		case l.hotkeyCh <- mode:
		default:
		}
	}
}

// Run starts the singleinstance server, if any, and processes triggers.
// It blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	var reqCh chan singleinstance.Conn
	if l.srv != nil {
		if err := l.srv.Start(ctx); err != nil {
			return err
		}
		defer l.srv.Close()
		slog.Info("eventloop: resident listening", "port", l.srv.Port())

		// Accept loop in background to avoid blocking result handling
		reqCh = make(chan singleinstance.Conn, 4)
		go func() {
			defer close(reqCh)
			for {
				conn, err := l.srv.Next(ctx)
				if err != nil {
					return
				}
				select {
				case reqCh <- conn:
				case <-ctx.Done():
					_ = conn.Close()
					return
				}
			}
		}()
	}

	defer l.logSummary()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case mode := <-l.hotkeyCh:
			l.handleHotkey(ctx, mode)
		case conn, ok := <-reqCh:
			if !ok {
				reqCh = nil
				continue
			}
			l.handleConn(ctx, conn)
		case res := <-l.results:
			l.handleResult(res)
		}
	}
}

func (l *Loop) handleHotkey(ctx context.Context, mode correction.Mode) {
	t := session.Trigger{
		Mode:     mode,
		Style:    l.defaults.Style,
		Language: l.defaults.Language,
		Inject:   l.defaults.Inject,
	}
	l.start(ctx, t, nil)
}

func (l *Loop) handleConn(ctx context.Context, conn singleinstance.Conn) {
	t, err := TriggerFromRequest(conn.Request(), l.defaults)
	if err != nil {
		slog.Warn("eventloop: rejecting delegated request", "err", err)
		_ = conn.Respond(singleinstance.StatusFailed, singleinstance.Reply{Message: err.Error()})
		_ = conn.Close()
		return
	}
	l.start(ctx, t, conn)
}

// start hands t to the orchestrator and forwards its outcome back into
// the loop. conn is nil for hotkey triggers.
func (l *Loop) start(ctx context.Context, t session.Trigger, conn singleinstance.Conn) {
	ch, err := l.orch.Trigger(ctx, t)
	if err != nil {
		slog.Error("eventloop: trigger refused", "err", err)
		if conn != nil {
			_ = conn.Respond(singleinstance.StatusFailed, singleinstance.Reply{Message: Message(err)})
			_ = conn.Close()
		}
		return
	}
	go func() {
		out, ok := <-ch
		if !ok {
			out = session.Outcome{Status: session.StatusCancelled, Kind: correction.KindCancelled}
		}
		select {
		case l.results <- result{out: out, conn: conn}:
		case <-ctx.Done():
			// The loop is gone; answer the delegating process directly.
			if conn != nil {
				_ = conn.Respond(StatusLine(out.Status), ToReply(out))
				_ = conn.Close()
			}
		}
	}()
}

func (l *Loop) handleResult(res result) {
	out := res.out
	l.tally[out.Status]++
	if res.conn != nil {
		if err := res.conn.Respond(StatusLine(out.Status), ToReply(out)); err != nil {
			slog.Warn("eventloop: delegated reply failed", "session", out.SessionID, "err", err)
		}
		_ = res.conn.Close()
	}

	switch out.Status {
	case session.StatusCompleted:
		body := out.Response.CorrectedText
		if out.Warning != "" {
			body = out.Warning + "\n" + body
		}
		l.notify(completedSummary(out), body)
	case session.StatusFailed:
		body := out.Message
		if out.Warning != "" {
			body += "\n" + out.Warning
		}
		l.notify("Correction failed", body)
	case session.StatusCancelled:
		if out.Warning != "" {
			l.notify("Correction cancelled", out.Warning)
		}
	}
}

func (l *Loop) logSummary() {
	slog.Info("eventloop: session summary",
		"completed", l.tally[session.StatusCompleted],
		"failed", l.tally[session.StatusFailed],
		"cancelled", l.tally[session.StatusCancelled])
}

func completedSummary(out session.Outcome) string {
	switch {
	case out.Applied.Pasted:
		return "Selection corrected"
	case out.Applied.Written:
		return "Correction copied to clipboard"
	case len(out.Response.Edits) == 0 && out.Response.IsStructured:
		return "No corrections needed"
	default:
		return "Correction ready"
	}
}

// Message turns an error from Trigger into user-facing text.
func Message(err error) string {
	if errors.Is(err, session.ErrStopped) {
		return "The corrector is shutting down."
	}
	return session.Message(correction.KindOf(err), correction.ReasonOf(err))
}
