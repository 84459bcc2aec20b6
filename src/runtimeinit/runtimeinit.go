package runtimeinit

import (
	"context"
	"fmt"
	"log/slog"

	"selection-grammar-llm/src/clipboard"
	"selection-grammar-llm/src/config"
	"selection-grammar-llm/src/desktop"
	"selection-grammar-llm/src/injector"
	"selection-grammar-llm/src/llm"
	"selection-grammar-llm/src/logutil"
	"selection-grammar-llm/src/notification"
	"selection-grammar-llm/src/observe"
	"selection-grammar-llm/src/presets"
	"selection-grammar-llm/src/selection"
	"selection-grammar-llm/src/session"
)

type Options struct {
	LoadOptions  config.LoadOptions
	SetupLogging func(enable bool, level slog.Level)
	// Ping checks credentials against the service before returning.
	Ping                 bool
	ShowBlockingLLMError bool
	// Metrics installs the Prometheus-backed meter provider.
	Metrics bool
}

// Runtime is everything one process needs to run corrections.
type Runtime struct {
	Config       *config.Config
	Presets      *presets.Registry
	Client       *llm.Client
	Orchestrator *session.Orchestrator

	shutdownMetrics func(context.Context) error
}

// Close releases background resources. It does not stop the orchestrator.
func (r *Runtime) Close(ctx context.Context) {
	if r.Client != nil {
		r.Client.Close()
	}
	if r.shutdownMetrics != nil {
		if err := r.shutdownMetrics(ctx); err != nil {
			slog.Warn("runtimeinit: metrics shutdown", "err", err)
		}
	}
}

func Bootstrap(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadWithOptions(opts.LoadOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.SetupLogging != nil {
		opts.SetupLogging(cfg.EnableFileLogging, cfg.LogLevel)
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is required. Checked key file %s and OPENROUTER_API_KEY env var", cfg.APIKeyPath)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("MODEL is required. Please set it in your .env file")
	}
	slog.Info("runtimeinit: configuration loaded", "model", cfg.Model, "key", logutil.RedactKey(cfg.APIKey),
		"env", cfg.EnvPath, "inject", cfg.InjectMode, "style", cfg.DefaultStyle)

	rt := &Runtime{Config: cfg, Presets: presets.New()}
	if opts.Metrics {
		if rt.shutdownMetrics, err = observe.InitProvider(); err != nil {
			return nil, err
		}
	}

	if cfg.PresetsFile != "" {
		if err := rt.Presets.LoadFile(cfg.PresetsFile); err != nil {
			slog.Warn("runtimeinit: ignoring presets file", "path", cfg.PresetsFile, "err", err)
		}
	}

	rt.Client, err = llm.New(llm.Config{
		APIKey:        cfg.APIKey,
		Model:         cfg.Model,
		BaseURL:       cfg.BaseURL,
		Providers:     cfg.Providers,
		Timeout:       cfg.RequestTimeout,
		MaxRetries:    cfg.MaxRetries,
		MaxInputBytes: cfg.MaxInputBytes,
		CacheTTL:      cfg.CacheTTL,
	}, rt.Presets)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	if opts.Ping {
		if err := rt.Client.Ping(ctx); err != nil {
			if opts.ShowBlockingLLMError {
				notification.ShowBlockingError("LLM unavailable", fmt.Sprintf("Startup check failed: %v\n\nPlease verify your API key and network connectivity.", err))
			}
			rt.Close(ctx)
			return nil, fmt.Errorf("startup check failed: %w", err)
		}
		slog.Info("runtimeinit: LLM ping succeeded")
	}

	deps := session.Deps{
		Selection: selection.NewReader(cfg.SelectionTimeout),
		Client:    rt.Client,
	}
	if cfg.InjectMode != injector.ModeNone {
		clip, err := clipboard.New(cfg.ClipboardBackend)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("failed to initialize clipboard: %w", err)
		}
		desk := desktop.New()
		deps.Injector = injector.New(clip, desk, injector.Options{GraceWindow: cfg.GraceWindow})
		deps.Focus = desk
	}
	rt.Orchestrator = session.New(deps)
	return rt, nil
}
