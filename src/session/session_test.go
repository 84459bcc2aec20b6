package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/injector"
	"selection-grammar-llm/src/observe"
	"selection-grammar-llm/src/selection"
)

const (
	exampleInput = "She go to school yesterday."
	exampleReply = `{"correctedText":"She went to school yesterday.","edits":[{"span":[4,6],"original":"go","replacement":"went","category":"grammar"}]}`
)

type fakeSelection struct {
	text string
	err  error
}

func (f fakeSelection) Capture(ctx context.Context) (selection.Snapshot, error) {
	if f.err != nil {
		return selection.Snapshot{}, f.err
	}
	return selection.Literal(f.text).Capture(ctx)
}

type fakeClient struct {
	mu    sync.Mutex
	texts []string
	fn    func(ctx context.Context, req correction.Request) (string, error)
}

func (f *fakeClient) Submit(ctx context.Context, req correction.Request) (string, error) {
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeClient) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func reply(raw string) *fakeClient {
	return &fakeClient{fn: func(context.Context, correction.Request) (string, error) { return raw, nil }}
}

type fakeClipboard struct {
	mu      sync.Mutex
	content string
	writes  int
}

func (f *fakeClipboard) Read(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(f.content), nil
}

func (f *fakeClipboard) Write(_ context.Context, data []byte) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.content = string(data)
	return nil, nil
}

func (f *fakeClipboard) text() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content
}

type fakeDesktop struct {
	window   string
	pasteErr error
}

func (d fakeDesktop) ActiveWindow(context.Context) (string, error) { return d.window, nil }
func (d fakeDesktop) Paste(context.Context) error                  { return d.pasteErr }

type transitions struct {
	mu  sync.Mutex
	log map[uuid.UUID][]State
}

func (tr *transitions) record(id uuid.UUID, from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.log == nil {
		tr.log = map[uuid.UUID][]State{}
	}
	if len(tr.log[id]) == 0 {
		tr.log[id] = []State{from}
	}
	tr.log[id] = append(tr.log[id], to)
}

func (tr *transitions) of(id uuid.UUID) []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.log[id]...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	require.NoError(t, err)
	return m
}

// start runs an orchestrator until the test ends.
func start(t *testing.T, deps Deps) *Orchestrator {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = testMetrics(t)
	}
	o := New(deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return o
}

func wait(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
		return Outcome{}
	}
}

func fastInjector(clip injector.Clipboard, desk injector.Desktop) *injector.Injector {
	return injector.New(clip, desk, injector.Options{
		GraceWindow:  20 * time.Millisecond,
		PasteSettle:  time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(Idle, Capturing))
	assert.True(t, canTransition(Injecting, Completed))
	assert.True(t, canTransition(Requesting, Failed))
	assert.True(t, canTransition(Idle, Cancelled))
	assert.False(t, canTransition(Capturing, Interpreting))
	assert.False(t, canTransition(Interpreting, Requesting))
	assert.False(t, canTransition(Completed, Failed))
	assert.False(t, canTransition(Cancelled, Capturing))
	assert.False(t, canTransition(Idle, Completed))
}

func TestBlankSelectionNeverSubmitted(t *testing.T) {
	client := reply(exampleReply)
	for _, text := range []string{"", " ", "\n\t", "  "} {
		o := start(t, Deps{Selection: fakeSelection{text: text}, Client: client})
		out, err := o.Correct(context.Background(), Trigger{Mode: correction.GrammarCheck, Inject: injector.ModeNone})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, out.Status, "%q", text)
		assert.Equal(t, correction.KindSelectionUnavailable, out.Kind)
		assert.Equal(t, Message(correction.KindSelectionUnavailable, correction.ReasonEmpty), out.Message)
	}
	assert.Empty(t, client.calls())
}

func TestStructuredExampleCompletes(t *testing.T) {
	var tr transitions
	clip := &fakeClipboard{content: "before"}
	client := reply(exampleReply)
	o := start(t, Deps{
		Selection:    fakeSelection{text: exampleInput},
		Client:       client,
		Injector:     fastInjector(clip, nil),
		OnTransition: tr.record,
	})

	out, err := o.Correct(context.Background(), Trigger{Mode: correction.GrammarCheck, Inject: injector.ModeCopy})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, out.Status, out.Err)
	assert.Equal(t, "She went to school yesterday.", out.Response.CorrectedText)
	assert.True(t, out.Response.IsStructured)
	require.Len(t, out.Response.Edits, 1)
	e := out.Response.Edits[0]
	assert.Equal(t, correction.Span{Start: 4, End: 6}, e.Span)
	assert.Equal(t, "go", e.Original)
	assert.Equal(t, "went", e.Replacement)
	assert.Equal(t, "grammar", e.Category)
	assert.Empty(t, out.Message)

	assert.Equal(t, []string{exampleInput}, client.calls())
	assert.True(t, out.Applied.Written)
	require.Eventually(t, func() bool {
		states := tr.of(out.SessionID)
		return states[len(states)-1] == Completed
	}, time.Second, time.Millisecond)
	assert.Equal(t, []State{Idle, Capturing, Requesting, Interpreting, Injecting, Completed}, tr.of(out.SessionID))
	assert.Equal(t, "before", clip.text())
}

func TestLiteralTextSkipsSelection(t *testing.T) {
	client := reply(`{"corrected_text":"Hello there."}`)
	o := start(t, Deps{
		Selection: fakeSelection{err: errors.New("must not be read")},
		Client:    client,
	})
	out, err := o.Correct(context.Background(), Trigger{Text: "hello there", Mode: correction.Enhance, Inject: injector.ModeNone})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, []string{"hello there"}, client.calls())
}

func TestSupersedeYieldsSingleResult(t *testing.T) {
	var tr transitions
	release := make(chan struct{})
	firstStarted := make(chan struct{})
	client := &fakeClient{fn: func(ctx context.Context, req correction.Request) (string, error) {
		if req.Text == "first text" {
			close(firstStarted)
			// Ignores cancellation and completes late with a valid reply.
			<-release
			return `{"corrected_text":"FIRST"}`, nil
		}
		return `{"corrected_text":"SECOND"}`, nil
	}}
	clip := &fakeClipboard{content: "user"}
	o := start(t, Deps{Client: client, Injector: fastInjector(clip, nil), OnTransition: tr.record})

	first, err := o.Trigger(context.Background(), Trigger{Text: "first text", Inject: injector.ModeCopy})
	require.NoError(t, err)
	<-firstStarted

	second, err := o.Trigger(context.Background(), Trigger{Text: "second text", Inject: injector.ModeCopy})
	require.NoError(t, err)
	secondOut := wait(t, second)

	close(release)
	firstOut := wait(t, first)

	assert.Equal(t, StatusCompleted, secondOut.Status)
	assert.Equal(t, "SECOND", secondOut.Response.CorrectedText)
	assert.Equal(t, StatusCancelled, firstOut.Status)
	assert.Empty(t, firstOut.Response.CorrectedText)
	assert.Empty(t, firstOut.Message)

	// Only the second session wrote the clipboard: one write plus one restore.
	require.Eventually(t, func() bool { return clip.text() == "user" }, time.Second, time.Millisecond)
	clip.mu.Lock()
	assert.Equal(t, 2, clip.writes)
	clip.mu.Unlock()
	firstStates := tr.of(firstOut.SessionID)
	assert.Equal(t, Cancelled, firstStates[len(firstStates)-1])
	assert.NotContains(t, firstStates, Injecting)
}

func TestNetworkTimeoutLeavesClipboard(t *testing.T) {
	client := &fakeClient{fn: func(ctx context.Context, req correction.Request) (string, error) {
		attempt, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		<-attempt.Done()
		return "", correction.New(correction.KindNetwork, correction.ReasonTimeout, attempt.Err())
	}}
	clip := &fakeClipboard{content: "precious"}
	o := start(t, Deps{Selection: fakeSelection{text: exampleInput}, Client: client, Injector: fastInjector(clip, nil)})

	out, err := o.Correct(context.Background(), Trigger{Inject: injector.ModeCopy})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, correction.KindNetwork, out.Kind)
	assert.ErrorIs(t, out.Err, correction.ErrNetwork)
	assert.Equal(t, Message(correction.KindNetwork, ""), out.Message)
	assert.Equal(t, "precious", clip.text())
	assert.Zero(t, clip.writes)
}

func TestReplaceRestoresEvenWhenPasteFails(t *testing.T) {
	for _, pasteErr := range []error{nil, errors.New("keyboard grab denied")} {
		clip := &fakeClipboard{content: "precious"}
		desk := fakeDesktop{window: "1:editor", pasteErr: pasteErr}
		o := start(t, Deps{
			Selection: fakeSelection{text: exampleInput},
			Client:    reply(exampleReply),
			Injector:  fastInjector(clip, desk),
			Focus:     desk,
		})
		out, err := o.Correct(context.Background(), Trigger{Inject: injector.ModeReplace})
		require.NoError(t, err)
		if pasteErr == nil {
			assert.Equal(t, StatusCompleted, out.Status)
			assert.True(t, out.Applied.Pasted)
		} else {
			assert.Equal(t, StatusFailed, out.Status)
			assert.ErrorIs(t, out.Err, correction.ErrPlatformRefused)
			assert.Equal(t, Message(correction.KindInjection, correction.ReasonPlatformRefused), out.Message)
		}
		assert.True(t, out.Applied.Restored)
		assert.Equal(t, "precious", clip.text())
	}
}

type movingFocus struct {
	mu    sync.Mutex
	calls int
}

func (m *movingFocus) ActiveWindow(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls == 1 {
		return "1:editor", nil
	}
	return "2:terminal", nil
}

func (m *movingFocus) Paste(context.Context) error { return nil }

func TestReplaceFocusChanged(t *testing.T) {
	clip := &fakeClipboard{content: "precious"}
	focus := &movingFocus{}
	o := start(t, Deps{
		Selection: fakeSelection{text: exampleInput},
		Client:    reply(exampleReply),
		Injector:  fastInjector(clip, focus),
		Focus:     focus,
	})
	out, err := o.Correct(context.Background(), Trigger{Inject: injector.ModeReplace})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, correction.ReasonFocusChanged, out.Reason)
	assert.Equal(t, "The target window lost focus; the correction was not pasted.", out.Message)
	assert.Equal(t, "precious", clip.text())
}

func TestUnstructuredReply(t *testing.T) {
	o := start(t, Deps{Selection: fakeSelection{text: exampleInput}, Client: reply("She went to school yesterday.")})
	out, err := o.Correct(context.Background(), Trigger{Inject: injector.ModeNone})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.False(t, out.Response.IsStructured)
	assert.Empty(t, out.Response.Edits)
	assert.Equal(t, "She went to school yesterday.", out.Response.CorrectedText)

	o = start(t, Deps{Selection: fakeSelection{text: exampleInput}, Client: reply("  \n ")})
	out, err = o.Correct(context.Background(), Trigger{Inject: injector.ModeNone})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, correction.KindParse, out.Kind)
}

type failingRestore struct{ fakeClipboard }

func (f *failingRestore) Write(ctx context.Context, data []byte) (<-chan struct{}, error) {
	if string(data) == "precious" {
		return nil, errors.New("clipboard owner gone")
	}
	return f.fakeClipboard.Write(ctx, data)
}

func TestRestoreFailureIsWarning(t *testing.T) {
	clip := &failingRestore{fakeClipboard{content: "precious"}}
	desk := fakeDesktop{window: "1:editor"}
	o := start(t, Deps{
		Selection: fakeSelection{text: exampleInput},
		Client:    reply(exampleReply),
		Injector:  fastInjector(clip, desk),
		Focus:     desk,
	})
	out, err := o.Correct(context.Background(), Trigger{Inject: injector.ModeReplace})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.True(t, out.Applied.Pasted)
	assert.Equal(t, RestoreWarning, out.Warning)
	assert.Error(t, out.Applied.RestoreErr)
}

func TestPipelinePanicFailsSession(t *testing.T) {
	var tr transitions
	client := &fakeClient{fn: func(context.Context, correction.Request) (string, error) {
		panic("decoder blew up")
	}}
	o := start(t, Deps{Selection: fakeSelection{text: exampleInput}, Client: client, OnTransition: tr.record})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := o.Correct(ctx, Trigger{Inject: injector.ModeNone})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, correction.KindUnknown, out.Kind)
	assert.Equal(t, "The correction failed unexpectedly.", out.Message)
	assert.ErrorContains(t, out.Err, "decoder blew up")
	states := tr.of(out.SessionID)
	assert.Equal(t, Failed, states[len(states)-1])

	// The orchestrator keeps serving after the failure.
	client.fn = func(context.Context, correction.Request) (string, error) { return exampleReply, nil }
	out, err = o.Correct(ctx, Trigger{Inject: injector.ModeNone})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
}

func TestMissingInjectorFails(t *testing.T) {
	client := reply(exampleReply)
	o := start(t, Deps{Selection: fakeSelection{text: exampleInput}, Client: client})
	for _, mode := range []injector.Mode{injector.ModeCopy, injector.ModeReplace} {
		out, err := o.Correct(context.Background(), Trigger{Inject: mode})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, out.Status, mode.String())
		assert.ErrorIs(t, out.Err, correction.ErrPlatformRefused)
		assert.Equal(t, Message(correction.KindInjection, correction.ReasonPlatformRefused), out.Message)
	}
}

func TestCopyOutcomeArrivesWhileClipboardHeld(t *testing.T) {
	var tr transitions
	clip := &fakeClipboard{content: "before"}
	inj := injector.New(clip, nil, injector.Options{GraceWindow: 500 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	o := start(t, Deps{Selection: fakeSelection{text: exampleInput}, Client: reply(exampleReply), Injector: inj, OnTransition: tr.record})

	out, err := o.Correct(context.Background(), Trigger{Inject: injector.ModeCopy})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "She went to school yesterday.", clip.text())
	assert.Less(t, out.Elapsed, 500*time.Millisecond)
	assert.True(t, out.Applied.Written)
	assert.False(t, out.Applied.Restored)
	assert.Equal(t, Injecting, tr.of(out.SessionID)[len(tr.of(out.SessionID))-1])

	require.Eventually(t, func() bool { return clip.text() == "before" }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		states := tr.of(out.SessionID)
		return states[len(states)-1] == Completed
	}, time.Second, time.Millisecond)
}

func TestSettleWaitsForCopyHold(t *testing.T) {
	clip := &fakeClipboard{content: "before"}
	inj := injector.New(clip, nil, injector.Options{GraceWindow: 100 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	o := start(t, Deps{Selection: fakeSelection{text: exampleInput}, Client: reply(exampleReply), Injector: inj})

	out, err := o.Correct(context.Background(), Trigger{Inject: injector.ModeCopy})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "She went to school yesterday.", clip.text())

	require.NoError(t, o.Settle(context.Background()))
	assert.Equal(t, "before", clip.text())
}

func TestSupersedeDuringCopyGraceRestores(t *testing.T) {
	var tr transitions
	clip := &fakeClipboard{content: "user"}
	inj := injector.New(clip, nil, injector.Options{GraceWindow: time.Hour, PollInterval: 5 * time.Millisecond})
	client := &fakeClient{fn: func(ctx context.Context, req correction.Request) (string, error) {
		return `{"corrected_text":"` + req.Text + `!"}`, nil
	}}
	o := start(t, Deps{Client: client, Injector: inj, OnTransition: tr.record})

	first, err := o.Correct(context.Background(), Trigger{Text: "first", Inject: injector.ModeCopy})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, "first!", clip.text())

	second, err := o.Correct(context.Background(), Trigger{Text: "second", Inject: injector.ModeNone})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)

	require.Eventually(t, func() bool {
		states := tr.of(first.SessionID)
		return states[len(states)-1] == Cancelled
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return clip.text() == "user" }, time.Second, time.Millisecond)
}

// gatedClipboard holds a write of gate until proceed is closed.
type gatedClipboard struct {
	fakeClipboard
	gate    string
	writing chan struct{}
	proceed chan struct{}
}

func (g *gatedClipboard) Write(ctx context.Context, data []byte) (<-chan struct{}, error) {
	if string(data) == g.gate {
		close(g.writing)
		<-g.proceed
	}
	return g.fakeClipboard.Write(ctx, data)
}

func TestSupersedeDuringWriteCancelsAndRestores(t *testing.T) {
	clip := &gatedClipboard{
		fakeClipboard: fakeClipboard{content: "user"},
		gate:          "FIRST",
		writing:       make(chan struct{}),
		proceed:       make(chan struct{}),
	}
	inj := injector.New(clip, nil, injector.Options{GraceWindow: time.Hour, PollInterval: 5 * time.Millisecond})
	client := &fakeClient{fn: func(ctx context.Context, req correction.Request) (string, error) {
		if req.Text == "first text" {
			return `{"corrected_text":"FIRST"}`, nil
		}
		return `{"corrected_text":"SECOND"}`, nil
	}}
	o := start(t, Deps{Client: client, Injector: inj})

	first, err := o.Trigger(context.Background(), Trigger{Text: "first text", Inject: injector.ModeCopy})
	require.NoError(t, err)
	<-clip.writing

	second, err := o.Trigger(context.Background(), Trigger{Text: "second text", Inject: injector.ModeNone})
	require.NoError(t, err)
	close(clip.proceed)

	firstOut := wait(t, first)
	assert.Equal(t, StatusCancelled, firstOut.Status)
	assert.True(t, firstOut.Applied.Restored)
	assert.Equal(t, "user", clip.text())
	assert.Equal(t, StatusCompleted, wait(t, second).Status)
}

func TestShutdownCancelsLiveSession(t *testing.T) {
	client := &fakeClient{fn: func(ctx context.Context, req correction.Request) (string, error) {
		<-ctx.Done()
		return "", correction.Cancelled(ctx.Err())
	}}
	o := New(Deps{Selection: fakeSelection{text: exampleInput}, Client: client, Metrics: testMetrics(t)})
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()

	ch, err := o.Trigger(context.Background(), Trigger{Inject: injector.ModeNone})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(client.calls()) == 1 }, time.Second, time.Millisecond)
	cancel()

	out := wait(t, ch)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.ErrorIs(t, <-runErr, context.Canceled)

	_, err = o.Trigger(context.Background(), Trigger{})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMessageTable(t *testing.T) {
	assert.Empty(t, Message(correction.KindCancelled, ""))
	kinds := []correction.Kind{
		correction.KindSelectionUnavailable, correction.KindPayloadTooLarge, correction.KindNetwork,
		correction.KindAPIAuth, correction.KindAPIQuota, correction.KindRequestRejected,
		correction.KindParse, correction.KindInjection,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		msg := Message(k, "")
		assert.NotEmpty(t, msg, k.String())
		assert.False(t, seen[msg], "duplicate message for %s", k)
		seen[msg] = true
	}
	assert.NotEqual(t, Message(correction.KindInjection, correction.ReasonFocusChanged),
		Message(correction.KindInjection, correction.ReasonPlatformRefused))
}
