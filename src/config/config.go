package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/injector"
)

const (
	AppName           = "selection-grammar-llm"
	DefaultAPIKeyPath = "/run/secrets/api_keys/openrouter"
	APIKeyPathEnvVar  = "OPENROUTER_API_KEY_FILE"
	ConfigPathEnvVar  = "SELECTION_GRAMMAR_LLM"

	DefaultHotkey        = "Ctrl+Alt+G"
	DefaultEnhanceHotkey = "Ctrl+Alt+E"
)

// LoadOptions carries command-line overrides. Empty fields leave the
// configured value alone.
type LoadOptions struct {
	APIKeyPathOverride string
	StyleOverride      string
	LanguageOverride   string
	InjectOverride     string
}

type Config struct {
	APIKey     string
	APIKeyPath string
	Model      string
	BaseURL    string
	Providers  []string

	EnableFileLogging bool
	LogLevel          slog.Level

	Hotkey        string
	EnhanceHotkey string

	DefaultStyle correction.Style
	Language     correction.Language
	InjectMode   injector.Mode

	RequestTimeout   time.Duration
	MaxRetries       int
	SelectionTimeout time.Duration
	GraceWindow      time.Duration
	MaxInputBytes    int
	CacheTTL         time.Duration

	PresetsFile      string
	ClipboardBackend string
	MetricsAddr      string
	// EnvPath is the .env file that was loaded, if any.
	EnvPath string
}

func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (*Config, error) {
	// Load configuration from sources in priority order:
	// 1) .env in the application (executable) directory
	// 2) the file named by SELECTION_GRAMMAR_LLM
	// 3) .env in the user config directory
	// Variables already set in the process environment always win.
	envPath := resolveEnvPath()
	dotenvValues := readDotenvValues(envPath)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	}

	apiKeyPath := resolveAPIKeyPath(opts, dotenvValues)

	cfg := &Config{
		APIKey:            resolveAPIKey(apiKeyPath),
		APIKeyPath:        apiKeyPath,
		Model:             os.Getenv("MODEL"),
		BaseURL:           os.Getenv("BASE_URL"),
		Providers:         splitList(os.Getenv("PROVIDERS")),
		EnableFileLogging: strings.ToLower(os.Getenv("ENABLE_FILE_LOGGING")) == "true",
		LogLevel:          parseLevel(os.Getenv("LOG_LEVEL")),
		Hotkey:            getEnvWithDefault("HOTKEY", DefaultHotkey),
		EnhanceHotkey:     getEnvWithDefault("HOTKEY_ENHANCE", DefaultEnhanceHotkey),
		DefaultStyle:      correction.ParseStyle(override(opts.StyleOverride, "DEFAULT_STYLE")),
		Language:          resolveLanguage(override(opts.LanguageOverride, "LANGUAGE")),
		InjectMode:        resolveInjectMode(override(opts.InjectOverride, "INJECT_MODE")),
		RequestTimeout:    time.Duration(getPositiveInt("REQUEST_TIMEOUT_SEC", 15)) * time.Second,
		MaxRetries:        getNonNegativeInt("MAX_RETRIES", 2),
		SelectionTimeout:  time.Duration(getPositiveInt("SELECTION_TIMEOUT_MS", 400)) * time.Millisecond,
		GraceWindow:       time.Duration(getPositiveInt("GRACE_WINDOW_SEC", 8)) * time.Second,
		MaxInputBytes:     getPositiveInt("MAX_INPUT_BYTES", 16*1024),
		CacheTTL:          time.Duration(getNonNegativeInt("CACHE_TTL_SEC", 300)) * time.Second,
		PresetsFile:       resolvePresetsFile(envPath),
		ClipboardBackend:  getEnvWithDefault("CLIPBOARD_BACKEND", "auto"),
		MetricsAddr:       strings.TrimSpace(os.Getenv("METRICS_ADDR")),
		EnvPath:           envPath,
	}

	return cfg, nil
}

func resolveEnvPath() string {
	if execPath, err := os.Executable(); err == nil {
		exeEnv := filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(exeEnv); err == nil {
			return exeEnv
		}
	}

	if alt := os.Getenv(ConfigPathEnvVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}

	if dir, err := os.UserConfigDir(); err == nil {
		userEnv := filepath.Join(dir, AppName, ".env")
		if _, err := os.Stat(userEnv); err == nil {
			return userEnv
		}
	}

	return ""
}

func readDotenvValues(envPath string) map[string]string {
	if envPath == "" {
		return map[string]string{}
	}

	values, err := godotenv.Read(envPath)
	if err != nil {
		return map[string]string{}
	}

	return values
}

func resolveAPIKeyPath(opts LoadOptions, dotenvValues map[string]string) string {
	keyPath := DefaultAPIKeyPath

	if envPath := strings.TrimSpace(os.Getenv(APIKeyPathEnvVar)); envPath != "" {
		keyPath = envPath
	}

	if dotenvPath := strings.TrimSpace(dotenvValues[APIKeyPathEnvVar]); dotenvPath != "" {
		keyPath = dotenvPath
	}

	if overridePath := strings.TrimSpace(opts.APIKeyPathOverride); overridePath != "" {
		keyPath = overridePath
	}

	return keyPath
}

func resolveAPIKey(keyPath string) string {
	if data, err := os.ReadFile(keyPath); err == nil {
		if fileKey := strings.TrimSpace(string(data)); fileKey != "" {
			return fileKey
		}
	}

	return os.Getenv("OPENROUTER_API_KEY")
}

// resolvePresetsFile defaults to presets.toml beside the loaded .env, or in
// the user config directory.
func resolvePresetsFile(envPath string) string {
	if v := strings.TrimSpace(os.Getenv("PRESETS_FILE")); v != "" {
		return v
	}
	if envPath != "" {
		return filepath.Join(filepath.Dir(envPath), "presets.toml")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, AppName, "presets.toml")
	}
	return ""
}

func resolveLanguage(value string) correction.Language {
	lang, err := correction.ParseLanguage(value)
	if err != nil {
		slog.Warn("config: ignoring LANGUAGE", "err", err)
	}
	return lang
}

func resolveInjectMode(value string) injector.Mode {
	mode, err := injector.ParseMode(value)
	if err != nil {
		slog.Warn("config: ignoring INJECT_MODE", "err", err)
		return injector.ModeCopy
	}
	return mode
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func override(value, key string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return os.Getenv(key)
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getPositiveInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getNonNegativeInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			return n
		}
	}
	return defaultValue
}
