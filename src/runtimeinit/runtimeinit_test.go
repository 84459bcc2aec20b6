package runtimeinit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"selection-grammar-llm/src/config"
	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/injector"
	"selection-grammar-llm/src/session"
)

const reply = `{"corrected_text":"She went to school yesterday.","edits":[{"start":4,"end":6,"original":"go","replacement":"went","category":"grammar"}]}`

func fakeService(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/models") {
			_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
			return
		}
		body, _ := json.Marshal(map[string]any{
			"id": "gen-1", "object": "chat.completion", "created": 1700000000, "model": "test/model",
			"choices": []map[string]any{{
				"index": 0, "finish_reason": "stop",
				"message": map[string]any{"role": "assistant", "content": reply},
			}},
		})
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// environment isolates configuration from the developer's machine.
func environment(t *testing.T, baseURL string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv(config.ConfigPathEnvVar, "")
	t.Setenv(config.APIKeyPathEnvVar, filepath.Join(dir, "missing-key"))
	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	t.Setenv("MODEL", "test/model")
	t.Setenv("BASE_URL", baseURL)
	t.Setenv("INJECT_MODE", "none")
	t.Setenv("PRESETS_FILE", filepath.Join(dir, "presets.toml"))
	t.Setenv("CACHE_TTL_SEC", "0")
}

func TestBootstrapRequiresKeyAndModel(t *testing.T) {
	environment(t, "http://127.0.0.1:1")
	t.Setenv("OPENROUTER_API_KEY", "")
	_, err := Bootstrap(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENROUTER_API_KEY is required")

	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	t.Setenv("MODEL", "")
	_, err = Bootstrap(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MODEL is required")
}

func TestBootstrapPingFailure(t *testing.T) {
	environment(t, fakeService(t).URL)
	t.Setenv("OPENROUTER_API_KEY", "sk-wrong")
	_, err := Bootstrap(context.Background(), Options{Ping: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, correction.ErrAPIAuth)
}

func TestBootstrapRunsCorrection(t *testing.T) {
	environment(t, fakeService(t).URL)

	var loggingEnabled *bool
	rt, err := Bootstrap(context.Background(), Options{
		Ping:         true,
		SetupLogging: func(enable bool, _ slog.Level) { loggingEnabled = &enable },
	})
	require.NoError(t, err)
	defer rt.Close(context.Background())
	require.NotNil(t, loggingEnabled)
	assert.False(t, *loggingEnabled)
	assert.Equal(t, injector.ModeNone, rt.Config.InjectMode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Orchestrator.Run(ctx) }()

	out, err := rt.Orchestrator.Correct(ctx, session.Trigger{
		Text:   "She go to school yesterday.",
		Mode:   correction.GrammarCheck,
		Inject: injector.ModeNone,
	})
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, out.Status)
	assert.Equal(t, "She went to school yesterday.", out.Response.CorrectedText)
	assert.True(t, out.Response.IsStructured)

	cancel()
	<-done
}
