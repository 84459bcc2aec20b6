package logutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	logFileName  = "selection_grammar.log"
	maxSizeBytes = 10 * 1024 * 1024 // 10 MB
	maxArchives  = 3
	maxLogText   = 100
)

// logDir is where the log file and its archives live.
var logDir = "."

// Setup installs the default slog logger. With file logging enabled records
// go to a size-rotated file (10MB, max 3 archives); otherwise they are
// discarded so stdout stays clean.
func Setup(enableFileLogging bool, level slog.Level) {
	if !enableFileLogging {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return
	}
	rotateIfNeeded()
	f, err := os.OpenFile(logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return
	}
	slog.SetDefault(newLogger(&rotatingWriter{f: f}, level))
}

// SetupWriter sends log records to w, used for verbose command-line runs.
func SetupWriter(w io.Writer, level slog.Level) {
	slog.SetDefault(newLogger(w, level))
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
}

type rotatingWriter struct{ f *os.File }

func (w *rotatingWriter) Write(p []byte) (int, error) {
	// naive rotation check per write
	if st, err := w.f.Stat(); err == nil && st.Size()+int64(len(p)) > maxSizeBytes {
		_ = w.f.Close()
		rotate()
		nf, err := os.OpenFile(logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return 0, err
		}
		w.f = nf
	}
	return w.f.Write(p)
}

func rotateIfNeeded() {
	if st, err := os.Stat(logPath()); err == nil && st.Size() > maxSizeBytes {
		rotate()
	}
}

// rotate shifts archives: .1 -> .2 -> .3, the oldest is discarded.
func rotate() {
	_ = os.Remove(archiveName(maxArchives))
	for i := maxArchives - 1; i >= 1; i-- {
		_ = os.Rename(archiveName(i), archiveName(i+1))
	}
	_ = os.Rename(logPath(), archiveName(1))
}

func logPath() string { return filepath.Join(logDir, logFileName) }

func archiveName(n int) string { return fmt.Sprintf("%s.%d", logPath(), n) }

// RedactKey masks an API key, leaving first/last 4 chars: xxxx...yyyy
func RedactKey(k string) string {
	if len(k) <= 8 {
		return "********"
	}
	return fmt.Sprintf("%s...%s", k[:4], k[len(k)-4:])
}

// Sanitize makes user text safe to log: it is cut to a short prefix and
// control characters are escaped so they cannot forge log lines.
func Sanitize(text string) string {
	truncated := false
	if len(text) > maxLogText {
		cut := maxLogText
		for cut > 0 && !isRuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		truncated = true
	}

	var b strings.Builder
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 32 || r == 127:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	if truncated {
		b.WriteString("...")
	}
	return b.String()
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
