package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/injector"
)

// State is a step of the session lifecycle.
type State int

const (
	Idle State = iota
	Capturing
	Requesting
	Interpreting
	Injecting
	Completed
	Failed
	Cancelled
)

var stateNames = [...]string{"Idle", "Capturing", "Requesting", "Interpreting", "Injecting", "Completed", "Failed", "Cancelled"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

func (s State) Terminal() bool { return s == Completed || s == Failed || s == Cancelled }

// forward is the only successor of each non-terminal state on the happy path.
var forward = map[State]State{
	Idle:         Capturing,
	Capturing:    Requesting,
	Requesting:   Interpreting,
	Interpreting: Injecting,
	Injecting:    Completed,
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed || to == Cancelled {
		return true
	}
	next, ok := forward[from]
	return ok && next == to
}

// Session is one trigger's trip through the pipeline. Its mutable fields
// are owned by the orchestrator goroutine.
type Session struct {
	ID uuid.UUID

	state           State
	cancelRequested bool
	// delivered is set once the outcome went out ahead of the pipeline
	// finishing, which copy mode does while it holds the clipboard.
	delivered    bool
	cancel       context.CancelFunc
	started      time.Time
	stageStarted time.Time
	outcome      chan Outcome
}

// Trigger is what the caller asks for.
type Trigger struct {
	// Text is corrected as given; empty means read the current selection.
	Text     string
	Mode     correction.Mode
	Style    correction.Style
	Language correction.Language
	Inject   injector.Mode
}

// Status is the terminal result reported to the caller.
type Status int

const (
	StatusCompleted Status = iota
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return "CANCELLED"
	}
}

// Outcome is delivered exactly once per session.
type Outcome struct {
	SessionID uuid.UUID
	Status    Status
	// Response is set only when Status is StatusCompleted.
	Response correction.Response
	Applied  injector.Applied
	Kind     correction.Kind
	Reason   string
	// Message is the user-facing text for a failure; empty otherwise.
	Message string
	// Warning reports a secondary problem that did not change Status.
	Warning string
	Err     error
	Elapsed time.Duration
}

const RestoreWarning = "Your previous clipboard content could not be restored."

// Message returns the one user-facing message for a failure kind.
// Cancelled sessions are silent.
func Message(kind correction.Kind, reason string) string {
	switch kind {
	case correction.KindSelectionUnavailable:
		switch reason {
		case correction.ReasonUnsupported:
			return "Reading the selection is not supported in this session."
		case correction.ReasonTimeout:
			return "Reading the selection timed out. Try again."
		case correction.ReasonNonText:
			return "The selection does not contain text."
		}
		return "No text selected. Highlight some text and try again."
	case correction.KindPayloadTooLarge:
		return "The selected text is too long to correct in one request."
	case correction.KindNetwork:
		return "Could not reach the correction service. Check your connection and try again."
	case correction.KindAPIAuth:
		return "The correction service rejected the API key. Check your configuration."
	case correction.KindAPIQuota:
		return "The correction service quota is exhausted or rate-limited. Try again later."
	case correction.KindRequestRejected:
		return "The correction service rejected the request."
	case correction.KindParse:
		return "The correction service returned an empty result."
	case correction.KindInjection:
		if reason == correction.ReasonFocusChanged {
			return "The target window lost focus; the correction was not pasted."
		}
		return "The clipboard or keyboard could not be accessed."
	case correction.KindCancelled:
		return ""
	default:
		return "The correction failed unexpectedly."
	}
}
