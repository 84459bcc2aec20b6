package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"selection-grammar-llm/src/config"
	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/eventloop"
	"selection-grammar-llm/src/hotkey"
	"selection-grammar-llm/src/logutil"
	"selection-grammar-llm/src/notification"
	"selection-grammar-llm/src/observe"
	"selection-grammar-llm/src/presets"
	"selection-grammar-llm/src/runtimeinit"
	"selection-grammar-llm/src/session"
	"selection-grammar-llm/src/singleinstance"
)

type mainOptions struct {
	runOnce    bool
	enhance    bool
	style      string
	lang       string
	inject     string
	apiKeyPath string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := normalizeLegacyArgs(os.Args)
	opts := &mainOptions{}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args[1:])
	return cmd.Execute()
}

func newRootCmd(opts *mainOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "selection-grammar-llm",
		Short:         "Correct the selected text with an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.runOnce {
				return runOnce(*opts)
			}
			return runResident(*opts)
		},
	}

	cmd.Flags().BoolVar(&opts.runOnce, "run-once", false, "Correct the current selection once, delegating to a running resident if any")
	cmd.Flags().BoolVar(&opts.enhance, "enhance", false, "Rewrite in the configured style instead of checking grammar")
	cmd.Flags().StringVar(&opts.style, "style", "", "Style preset for enhance mode")
	cmd.Flags().StringVar(&opts.lang, "lang", "", "Explanation language: auto, en or zh")
	cmd.Flags().StringVar(&opts.inject, "inject", "", "What to do with the result: copy, replace or none")
	cmd.Flags().StringVar(&opts.apiKeyPath, "api-key-path", "", "Path to API key file (highest precedence)")

	return cmd
}

func normalizeLegacyArgs(args []string) []string {
	if len(args) == 0 {
		return []string{"selection-grammar-llm"}
	}

	normalized := make([]string, len(args))
	copy(normalized, args)

	legacy := []string{"run-once", "enhance", "style", "lang", "inject", "api-key-path"}
	for i := 1; i < len(normalized); i++ {
		arg := normalized[i]
		for _, name := range legacy {
			switch {
			case arg == "-"+name:
				normalized[i] = "--" + name
			case strings.HasPrefix(arg, "-"+name+"="):
				normalized[i] = "-" + arg
			}
		}
	}

	return normalized
}

func (o mainOptions) loadOptions() config.LoadOptions {
	return config.LoadOptions{
		APIKeyPathOverride: o.apiKeyPath,
		StyleOverride:      o.style,
		LanguageOverride:   o.lang,
		InjectOverride:     o.inject,
	}
}

// request carries only what was given on the command line so the resident
// fills the rest from its own configuration.
func (o mainOptions) request() singleinstance.Request {
	mode := correction.GrammarCheck
	if o.enhance {
		mode = correction.Enhance
	}
	return singleinstance.Request{
		Mode:     mode.String(),
		Style:    o.style,
		Language: o.lang,
		Inject:   o.inject,
	}
}

func runOnce(opts mainOptions) error {
	// Load .env early so SINGLEINSTANCE_PORT_* are applied before delegation scan
	_, _ = config.LoadWithOptions(opts.loadOptions())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	status, reply, delegated, err := handleRunOnceWithDelegation(ctx, opts.request(), singleinstance.NewClient(),
		func(ctx context.Context, req singleinstance.Request) (string, singleinstance.Reply, error) {
			return runStandalone(ctx, opts, req)
		})
	if err != nil {
		return err
	}
	if !delegated {
		notifyOutcome(status, reply)
	}
	return report(status, reply)
}

// handleRunOnceWithDelegation hands req to a resident if one answers and
// falls back to running the correction in this process otherwise.
func handleRunOnceWithDelegation(
	ctx context.Context,
	req singleinstance.Request,
	client singleinstance.Client,
	fallback func(context.Context, singleinstance.Request) (string, singleinstance.Reply, error),
) (string, singleinstance.Reply, bool, error) {
	delegated, status, reply, err := client.TryTrigger(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", singleinstance.Reply{}, delegated, ctx.Err()
		}
		slog.Warn("main: delegation error, falling back to standalone", "err", err)
	} else if delegated {
		slog.Info("main: delegated to resident", "status", status)
		return status, reply, true, nil
	} else {
		slog.Info("main: no resident detected, running standalone")
	}
	status, reply, err = fallback(ctx, req)
	return status, reply, false, err
}

func runStandalone(ctx context.Context, opts mainOptions, req singleinstance.Request) (string, singleinstance.Reply, error) {
	rt, err := runtimeinit.Bootstrap(ctx, runtimeinit.Options{
		LoadOptions:          opts.loadOptions(),
		SetupLogging:         logutil.Setup,
		Ping:                 true,
		ShowBlockingLLMError: true,
	})
	if err != nil {
		return "", singleinstance.Reply{}, err
	}
	defer rt.Close(context.Background())

	defaults := eventloop.Defaults{Style: rt.Config.DefaultStyle, Language: rt.Config.Language, Inject: rt.Config.InjectMode}
	t, err := eventloop.TriggerFromRequest(req, defaults)
	if err != nil {
		return "", singleinstance.Reply{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rt.Orchestrator.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	out, err := rt.Orchestrator.Correct(ctx, t)
	if err != nil {
		return "", singleinstance.Reply{}, err
	}
	slog.Info("main: standalone correction finished", "status", out.Status, "elapsed", out.Elapsed)
	return eventloop.StatusLine(out.Status), eventloop.ToReply(out), nil
}

func notifyOutcome(status string, reply singleinstance.Reply) {
	switch status {
	case singleinstance.StatusCompleted:
		notification.Show("Correction ready", strings.TrimSpace(reply.Warning+"\n"+reply.Text))
	case singleinstance.StatusFailed:
		notification.Show("Correction failed", strings.TrimSpace(reply.Message+"\n"+reply.Warning))
	}
}

// report prints the corrected text to stdout. A failed session is an error
// so the exit status reflects it; a cancelled one is not.
func report(status string, reply singleinstance.Reply) error {
	if reply.Warning != "" {
		fmt.Fprintln(os.Stderr, reply.Warning)
	}
	switch status {
	case singleinstance.StatusCompleted:
		fmt.Print(reply.Text)
		return nil
	case singleinstance.StatusCancelled:
		return nil
	default:
		return errors.New(reply.Message)
	}
}

func runResident(opts mainOptions) error {
	// Load .env early so SINGLEINSTANCE_PORT_* are available for pre-flight
	_, _ = config.LoadWithOptions(opts.loadOptions())
	detectCtx, cancelDetect := context.WithTimeout(context.Background(), 300*time.Millisecond)
	port, running := singleinstance.DetectResidentPort(detectCtx)
	cancelDetect()
	if running {
		return fmt.Errorf("a resident is already running on port %d", port)
	}
	startPort, _ := singleinstance.PortRange()
	addr := fmt.Sprintf("127.0.0.1:%d", startPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is busy: %w", startPort, err)
	}
	// We claimed the port; release it so the event loop can re-bind.
	_ = listener.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtimeinit.Bootstrap(ctx, runtimeinit.Options{
		LoadOptions:          opts.loadOptions(),
		SetupLogging:         logutil.Setup,
		Ping:                 true,
		ShowBlockingLLMError: true,
		Metrics:              true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rt.Close(shutdownCtx)
	}()
	cfg := rt.Config

	loop := eventloop.New(rt.Orchestrator, singleinstance.NewServer(), eventloop.Options{
		Defaults: eventloop.Defaults{Style: cfg.DefaultStyle, Language: cfg.Language, Inject: cfg.InjectMode},
	})

	slog.Info("main: resident starting", "model", cfg.Model, "hotkey", cfg.Hotkey, "enhance_hotkey", cfg.EnhanceHotkey, "port", startPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(rt.Orchestrator.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(loop.Run(gctx)) })
	if cfg.PresetsFile != "" {
		g.Go(func() error {
			if err := presets.Watch(gctx, rt.Presets, cfg.PresetsFile, nil); err != nil {
				slog.Warn("main: presets hot reload disabled", "err", err)
			}
			return nil
		})
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return observe.Serve(gctx, cfg.MetricsAddr) })
	}

	// Compositor bindings to --run-once keep working without the global hook.
	if err := hotkey.Listen(gctx,
		hotkey.Binding{Name: "grammar", Combo: cfg.Hotkey, OnPress: loop.Hotkey(correction.GrammarCheck)},
		hotkey.Binding{Name: "enhance", Combo: cfg.EnhanceHotkey, OnPress: loop.Hotkey(correction.Enhance)},
	); err != nil {
		slog.Warn("main: global hotkeys unavailable", "err", err)
	}

	err = g.Wait()
	slog.Info("main: resident stopped", "err", err)
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, session.ErrStopped) {
		return nil
	}
	return err
}
