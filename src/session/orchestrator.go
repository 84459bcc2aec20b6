// Package session runs the capture, request, interpret and inject pipeline
// for one trigger at a time. A single goroutine owns the live session;
// pipeline goroutines ask it for every state change.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/injector"
	"selection-grammar-llm/src/interpret"
	"selection-grammar-llm/src/observe"
	"selection-grammar-llm/src/selection"
	"selection-grammar-llm/src/worker"
)

var (
	// ErrStopped is returned by Trigger once Run has returned or is
	// shutting down.
	ErrStopped = errors.New("orchestrator stopped")

	errSuperseded = errors.New("superseded by a newer trigger")
)

type SelectionSource interface {
	Capture(ctx context.Context) (selection.Snapshot, error)
}

type CorrectionClient interface {
	Submit(ctx context.Context, req correction.Request) (string, error)
}

type Injector interface {
	Apply(ctx context.Context, job injector.Job) (injector.Applied, error)
}

// FocusTracker reports the focused window so replace mode can refuse to
// paste into a different one.
type FocusTracker interface {
	ActiveWindow(ctx context.Context) (string, error)
}

type Deps struct {
	Selection SelectionSource
	Client    CorrectionClient
	Injector  Injector
	// Focus is optional; without it replace mode pastes unchecked.
	Focus FocusTracker
	// Parse defaults to interpret.Parse.
	Parse   func(raw, original string) (correction.Response, error)
	Metrics *observe.Metrics
	// OnTransition is called on the orchestrator goroutine for every
	// accepted state change.
	OnTransition func(id uuid.UUID, from, to State)
}

// Orchestrator owns the single live session.
type Orchestrator struct {
	deps    Deps
	msgs    chan any
	stopped chan struct{}
	group   worker.Group

	// Owned by Run.
	baseCtx  context.Context
	current  *Session
	stopping bool
}

type triggerMsg struct {
	t     Trigger
	reply chan triggerReply
}

type triggerReply struct {
	outcome <-chan Outcome
	err     error
}

type stepMsg struct {
	s     *Session
	to    State
	reply chan error
}

// writtenMsg reports that copy mode has put the correction on the
// clipboard. The outcome is delivered then, while the pipeline keeps the
// clipboard for the grace window.
type writtenMsg struct {
	s       *Session
	resp    correction.Response
	applied injector.Applied
}

type finishMsg struct {
	s       *Session
	resp    correction.Response
	applied injector.Applied
	err     error
}

func New(deps Deps) *Orchestrator {
	if deps.Parse == nil {
		deps.Parse = interpret.Parse
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.Default()
	}
	return &Orchestrator{
		deps:    deps,
		msgs:    make(chan any),
		stopped: make(chan struct{}),
	}
}

// Run processes triggers until ctx is cancelled. On shutdown it cancels
// the live session and keeps serving its pipeline until every goroutine
// has unwound, so pending clipboard restores complete and every caller
// gets its outcome.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.baseCtx = ctx
	defer close(o.stopped)

	drained := make(chan struct{})
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			o.stopping = true
			if o.current != nil && !o.current.state.Terminal() {
				o.current.cancelRequested = true
				o.current.cancel()
			}
			go func() {
				o.group.Wait()
				close(drained)
			}()
		case <-drained:
			return ctx.Err()
		case m := <-o.msgs:
			o.handle(m)
		}
	}
}

func (o *Orchestrator) handle(m any) {
	switch m := m.(type) {
	case triggerMsg:
		m.reply <- o.start(m.t)
	case stepMsg:
		m.reply <- o.advance(m.s, m.to)
	case writtenMsg:
		o.written(m)
	case finishMsg:
		o.finish(m)
	}
}

// Trigger starts a new session, superseding any live one, and returns a
// channel that receives its outcome.
func (o *Orchestrator) Trigger(ctx context.Context, t Trigger) (<-chan Outcome, error) {
	reply := make(chan triggerReply, 1)
	select {
	case o.msgs <- triggerMsg{t: t, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.stopped:
		return nil, ErrStopped
	}
	r := <-reply
	return r.outcome, r.err
}

// Correct triggers a session and waits for its outcome.
func (o *Orchestrator) Correct(ctx context.Context, t Trigger) (Outcome, error) {
	ch, err := o.Trigger(ctx, t)
	if err != nil {
		return Outcome{}, err
	}
	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (o *Orchestrator) start(t Trigger) triggerReply {
	if o.stopping {
		return triggerReply{err: ErrStopped}
	}
	if prev := o.current; prev != nil && !prev.state.Terminal() {
		slog.Info("session: superseding", "old", prev.ID, "state", prev.state)
		prev.cancelRequested = true
		prev.cancel()
		o.deps.Metrics.Supersedes.Add(o.baseCtx, 1)
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	now := time.Now()
	s := &Session{
		ID:           uuid.New(),
		state:        Idle,
		cancel:       cancel,
		started:      now,
		stageStarted: now,
		outcome:      make(chan Outcome, 1),
	}
	o.current = s
	slog.Info("session: started", "id", s.ID, "mode", t.Mode, "inject", t.Inject, "literal", t.Text != "")

	o.group.Go("session "+s.ID.String(), func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("session: pipeline panic", "id", s.ID, "panic", r)
				o.send(finishMsg{s: s, err: correction.New(correction.KindUnknown, "", fmt.Errorf("panic: %v", r))})
			}
		}()
		resp, applied, err := o.pipeline(ctx, s, t)
		o.send(finishMsg{s: s, resp: resp, applied: applied, err: err})
	})
	return triggerReply{outcome: s.outcome}
}

// Settle blocks until every pipeline has returned or ctx is done. A
// copy-mode session delivers its outcome early and keeps the clipboard for
// the grace window; callers about to exit use Settle so the correction
// stays pasteable until then.
func (o *Orchestrator) Settle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// advance applies a transition requested by the pipeline. A session whose
// cancellation was requested is moved to Cancelled instead.
func (o *Orchestrator) advance(s *Session, to State) error {
	if s.cancelRequested {
		o.transition(s, Cancelled)
		return correction.Cancelled(errSuperseded)
	}
	if !canTransition(s.state, to) {
		return fmt.Errorf("invalid transition %s -> %s", s.state, to)
	}
	o.transition(s, to)
	return nil
}

func (o *Orchestrator) transition(s *Session, to State) {
	if s.state == to || s.state.Terminal() {
		return
	}
	from := s.state
	now := time.Now()
	if from != Idle {
		o.deps.Metrics.RecordStage(o.baseCtx, from.String(), now.Sub(s.stageStarted).Seconds())
	}
	s.state = to
	s.stageStarted = now
	slog.Debug("session: transition", "id", s.ID, "from", from, "to", to)
	if o.deps.OnTransition != nil {
		o.deps.OnTransition(s.ID, from, to)
	}
}

func (o *Orchestrator) finish(m finishMsg) {
	s := m.s
	out := Outcome{SessionID: s.ID, Applied: m.applied, Elapsed: time.Since(s.started)}

	switch {
	case s.cancelRequested || correction.KindOf(m.err) == correction.KindCancelled:
		o.transition(s, Cancelled)
		out.Status = StatusCancelled
		out.Kind = correction.KindCancelled
	case m.err != nil:
		o.transition(s, Failed)
		out.Status = StatusFailed
		out.Kind = correction.KindOf(m.err)
		out.Reason = correction.ReasonOf(m.err)
		out.Message = Message(out.Kind, out.Reason)
		out.Err = m.err
	default:
		o.transition(s, Completed)
		out.Status = StatusCompleted
		out.Response = m.resp
	}

	if m.applied.RestoreErr != nil {
		out.Warning = RestoreWarning
		o.deps.Metrics.RestoreFailures.Add(o.baseCtx, 1)
	}
	if m.resp.DroppedEdits > 0 {
		o.deps.Metrics.DroppedEdits.Add(o.baseCtx, int64(m.resp.DroppedEdits))
	}
	kind := ""
	if out.Status != StatusCompleted {
		kind = out.Kind.String()
	}
	o.deps.Metrics.RecordOutcome(o.baseCtx, out.Status.String(), kind)
	s.cancel()

	slog.Info("session: finished", "id", s.ID, "status", out.Status, "kind", out.Kind,
		"elapsed", out.Elapsed.Round(time.Millisecond), "err", out.Err)
	if s.delivered {
		if m.applied.RestoreErr != nil {
			slog.Warn("session: clipboard not restored after copy", "id", s.ID, "err", m.applied.RestoreErr)
		}
		return
	}
	s.outcome <- out
	close(s.outcome)
}

// written delivers a Completed outcome as soon as the copy-mode write has
// landed. The session stays in Injecting until the grace window ends, so a
// newer trigger still supersedes it and the restore still runs.
func (o *Orchestrator) written(m writtenMsg) {
	s := m.s
	if s.delivered || s.cancelRequested || s.state.Terminal() {
		return
	}
	s.delivered = true
	out := Outcome{
		SessionID: s.ID,
		Status:    StatusCompleted,
		Response:  m.resp,
		Applied:   m.applied,
		Elapsed:   time.Since(s.started),
	}
	slog.Info("session: correction on clipboard", "id", s.ID, "elapsed", out.Elapsed.Round(time.Millisecond))
	s.outcome <- out
	close(s.outcome)
}

// step asks the orchestrator to move s to the next state. It doubles as
// the cancellation checkpoint between stages.
func (o *Orchestrator) step(s *Session, to State) error {
	reply := make(chan error, 1)
	if !o.send(stepMsg{s: s, to: to, reply: reply}) {
		return correction.Cancelled(ErrStopped)
	}
	return <-reply
}

func (o *Orchestrator) send(m any) bool {
	select {
	case o.msgs <- m:
		return true
	case <-o.stopped:
		return false
	}
}

func (o *Orchestrator) pipeline(ctx context.Context, s *Session, t Trigger) (correction.Response, injector.Applied, error) {
	var none correction.Response
	var applied injector.Applied

	if err := o.step(s, Capturing); err != nil {
		return none, applied, err
	}
	var src SelectionSource = selection.Literal(t.Text)
	var target string
	if t.Text == "" {
		src = o.deps.Selection
		// Record the window holding the selection before anything else can
		// steal focus.
		if t.Inject == injector.ModeReplace && o.deps.Focus != nil {
			w, err := o.deps.Focus.ActiveWindow(ctx)
			if err != nil {
				slog.Warn("session: focused window unknown, paste will not be checked", "err", err)
			}
			target = w
		}
	}
	if src == nil {
		return none, applied, correction.Unavailable(correction.ReasonUnsupported, errors.New("no selection source configured"))
	}
	snap, err := src.Capture(ctx)
	if err != nil {
		return none, applied, err
	}
	req, err := correction.NewRequest(snap.Text, t.Mode, t.Style, t.Language)
	if err != nil {
		return none, applied, err
	}

	if err := o.step(s, Requesting); err != nil {
		return none, applied, err
	}
	raw, err := o.deps.Client.Submit(ctx, req)
	if err != nil {
		return none, applied, err
	}

	if err := o.step(s, Interpreting); err != nil {
		return none, applied, err
	}
	resp, err := o.deps.Parse(raw, req.Text)
	if err != nil {
		return none, applied, err
	}

	if err := o.step(s, Injecting); err != nil {
		return none, applied, err
	}
	if t.Inject == injector.ModeNone {
		return resp, applied, nil
	}
	if o.deps.Injector == nil {
		return none, applied, correction.Injection(correction.ReasonPlatformRefused,
			fmt.Errorf("inject mode %s requested but no injector is configured", t.Inject))
	}
	job := injector.Job{Text: resp.CorrectedText, Mode: t.Inject, Target: target}
	if t.Inject == injector.ModeCopy {
		job.OnWritten = func() {
			o.send(writtenMsg{s: s, resp: resp, applied: injector.Applied{Mode: injector.ModeCopy, Written: true}})
		}
	}
	applied, err = o.deps.Injector.Apply(ctx, job)
	if err != nil {
		return none, applied, err
	}
	return resp, applied, nil
}
