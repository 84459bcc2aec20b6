package logutil

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "********", RedactKey("short"))
	assert.Equal(t, "sk-o...wxyz", RedactKey("sk-or-v1-abcdefghijklmnopqrstuvwxyz"))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, `line one\nline two\tend?`, Sanitize("line one\nline two\tend\x07"))

	long := strings.Repeat("a", 150)
	got := Sanitize(long)
	assert.Equal(t, strings.Repeat("a", maxLogText)+"...", got)

	// Never cuts a multi-byte rune in half.
	cjk := strings.Repeat("语", 50)
	got = Sanitize(cjk)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.NotContains(t, got, "�")
}

func TestSetupWriter(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupWriter(&buf, slog.LevelInfo)
	slog.Debug("hidden")
	slog.Info("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown k=v")
}

func TestRotation(t *testing.T) {
	prevDir := logDir
	logDir = t.TempDir()
	defer func() { logDir = prevDir }()

	require.NoError(t, os.WriteFile(logPath(), bytes.Repeat([]byte("x"), maxSizeBytes+1), 0o644))
	require.NoError(t, os.WriteFile(archiveName(1), []byte("older"), 0o644))
	rotateIfNeeded()

	_, err := os.Stat(logPath())
	assert.True(t, os.IsNotExist(err))
	st, err := os.Stat(archiveName(1))
	require.NoError(t, err)
	assert.Equal(t, int64(maxSizeBytes+1), st.Size())
	older, err := os.ReadFile(archiveName(2))
	require.NoError(t, err)
	assert.Equal(t, "older", string(older))
}
