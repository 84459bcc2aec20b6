package correction

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies pipeline failures. Every error leaving a pipeline stage
// carries exactly one Kind.
type Kind int

const (
	KindUnknown Kind = iota
	KindSelectionUnavailable
	KindPayloadTooLarge
	KindNetwork
	KindAPIAuth
	KindAPIQuota
	KindRequestRejected
	KindParse
	KindInjection
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:              "Unknown",
	KindSelectionUnavailable: "SelectionUnavailable",
	KindPayloadTooLarge:      "PayloadTooLarge",
	KindNetwork:              "NetworkError",
	KindAPIAuth:              "ApiAuthError",
	KindAPIQuota:             "ApiQuotaError",
	KindRequestRejected:      "RequestRejected",
	KindParse:                "ParseError",
	KindInjection:            "InjectionError",
	KindCancelled:            "Cancelled",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Transient reports whether a retry of the same request may succeed.
func (k Kind) Transient() bool { return k == KindNetwork }

// Reasons refine a Kind.
const (
	ReasonEmpty       = "empty"
	ReasonUnsupported = "unsupported"
	ReasonTimeout     = "timeout"
	ReasonNonText     = "non-text"

	ReasonFocusChanged    = "focusChanged"
	ReasonPlatformRefused = "platformRefused"
)

// Error is the typed failure passed between pipeline stages.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += "(" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind, and by Reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrSelectionUnavailable = &Error{Kind: KindSelectionUnavailable}
	ErrPayloadTooLarge      = &Error{Kind: KindPayloadTooLarge}
	ErrNetwork              = &Error{Kind: KindNetwork}
	ErrAPIAuth              = &Error{Kind: KindAPIAuth}
	ErrAPIQuota             = &Error{Kind: KindAPIQuota}
	ErrRequestRejected      = &Error{Kind: KindRequestRejected}
	ErrParse                = &Error{Kind: KindParse}
	ErrInjection            = &Error{Kind: KindInjection}
	ErrFocusChanged         = &Error{Kind: KindInjection, Reason: ReasonFocusChanged}
	ErrPlatformRefused      = &Error{Kind: KindInjection, Reason: ReasonPlatformRefused}
	ErrCancelled            = &Error{Kind: KindCancelled}
)

// New wraps err with the given kind and reason.
func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Unavailable(reason string, err error) *Error {
	return New(KindSelectionUnavailable, reason, err)
}

func Injection(reason string, err error) *Error {
	return New(KindInjection, reason, err)
}

func Cancelled(err error) *Error {
	return New(KindCancelled, "", err)
}

// KindOf returns the Kind carried by err. Bare context cancellation counts
// as Cancelled; anything else untyped is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// ReasonOf returns the Reason of the first typed error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
