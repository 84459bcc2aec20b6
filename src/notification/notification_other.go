//go:build !linux

package notification

import "log/slog"

func show(summary, body string, timeoutMs int32) error {
	slog.Info("notification", "summary", summary, "body", body)
	return nil
}
