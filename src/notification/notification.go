// Package notification shows short desktop notifications for correction
// outcomes.
package notification

import (
	"log/slog"
	"unicode/utf8"
)

const (
	appName        = "Selection Grammar LLM"
	maxBodyRunes   = 200
	defaultTimeout = 5000 // milliseconds
)

// Show displays a notification with the given summary and body. Failures
// are logged; a missing notification daemon never breaks a correction.
func Show(summary, body string) {
	body = Truncate(body, maxBodyRunes)
	if err := show(summary, body, defaultTimeout); err != nil {
		slog.Warn("notification: falling back to log", "err", err, "summary", summary)
	}
}

// ShowBlockingError reports an error that stops the program from starting.
// It stays on screen until dismissed where the platform allows that.
func ShowBlockingError(title, message string) {
	slog.Error(title, "message", message)
	if err := show(title, message, 0); err != nil {
		slog.Warn("notification: falling back to log", "err", err)
	}
}

// Truncate shortens text to at most n runes, appending "..." when cut.
func Truncate(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	i := 0
	for pos := range text {
		if i == n {
			return text[:pos] + "..."
		}
		i++
	}
	return text
}
