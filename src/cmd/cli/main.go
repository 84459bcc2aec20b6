package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"selection-grammar-llm/src/config"
	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/eventloop"
	"selection-grammar-llm/src/logutil"
	"selection-grammar-llm/src/runtimeinit"
	"selection-grammar-llm/src/session"
	"selection-grammar-llm/src/singleinstance"
)

// maxStdinBytes caps what "--check -" reads; the service limit applies after.
const maxStdinBytes = 1 << 20

type cliOptions struct {
	checkSelection bool
	check          string
	enhance        string
	style          string
	lang           string
	inject         string
	jsonOutput     bool
	verbose        bool
	apiKeyPath     string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runWithArgs(ctx, normalizeLegacyArgs(os.Args))
}

func runWithArgs(ctx context.Context, args []string) error {
	if len(args) == 0 {
		args = []string{"grammar-tool"}
	}

	opts := &cliOptions{}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args[1:])
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "grammar-tool",
		Short:         "Check or enhance text with an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithOptions(cmd.Context(), *opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVarP(&opts.checkSelection, "check-selection", "s", false, "Check the currently selected text")
	cmd.Flags().StringVar(&opts.check, "check", "", "Check grammar of TEXT (use '-' for stdin)")
	cmd.Flags().StringVar(&opts.enhance, "enhance", "", "Rewrite TEXT in the chosen style (use '-' for stdin)")
	cmd.Flags().StringVar(&opts.style, "style", "", "Style preset for --enhance")
	cmd.Flags().StringVar(&opts.lang, "lang", "", "Explanation language: auto, en or zh")
	cmd.Flags().StringVar(&opts.inject, "inject", "none", "What to do with the result: copy, replace or none")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output to stderr")
	cmd.Flags().StringVar(&opts.apiKeyPath, "api-key-path", "", "Path to API key file (highest precedence)")
	cmd.MarkFlagsMutuallyExclusive("check-selection", "check", "enhance")
	cmd.MarkFlagsOneRequired("check-selection", "check", "enhance")

	return cmd
}

func normalizeLegacyArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}

	normalized := make([]string, len(args))
	copy(normalized, args)

	for i := 1; i < len(normalized); i++ {
		arg := normalized[i]
		switch {
		case arg == "-check-selection":
			normalized[i] = "--check-selection"
		case arg == "-check":
			normalized[i] = "--check"
		case strings.HasPrefix(arg, "-check="):
			normalized[i] = "--check=" + arg[len("-check="):]
		case arg == "-enhance":
			normalized[i] = "--enhance"
		case strings.HasPrefix(arg, "-enhance="):
			normalized[i] = "--enhance=" + arg[len("-enhance="):]
		case arg == "-json":
			normalized[i] = "--json"
		case arg == "-verbose":
			normalized[i] = "--verbose"
		case arg == "-api-key-path":
			normalized[i] = "--api-key-path"
		case strings.HasPrefix(arg, "-api-key-path="):
			normalized[i] = "--api-key-path=" + arg[len("-api-key-path="):]
		}
	}

	return normalized
}

// trigger builds the session trigger; text comes from the flag, stdin or,
// with --check-selection, the selection itself.
func (o cliOptions) trigger(stdin io.Reader) (session.Trigger, error) {
	t := session.Trigger{Mode: correction.GrammarCheck}
	text := o.check
	if o.enhance != "" {
		t.Mode = correction.Enhance
		text = o.enhance
	}
	if o.checkSelection {
		return t, nil
	}
	if text == "-" {
		data, err := io.ReadAll(io.LimitReader(stdin, maxStdinBytes))
		if err != nil {
			return t, fmt.Errorf("failed to read from stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return t, errors.New("input text is empty")
	}
	t.Text = text
	return t, nil
}

func runWithOptions(ctx context.Context, opts cliOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	// Configure logging BEFORE any other operations.
	setupLogging := func(bool, slog.Level) { logutil.SetupWriter(io.Discard, slog.LevelError) }
	if opts.verbose {
		setupLogging = func(bool, slog.Level) { logutil.SetupWriter(stderr, slog.LevelDebug) }
	}
	setupLogging(false, 0)

	t, err := opts.trigger(stdin)
	if err != nil {
		return err
	}

	rt, err := runtimeinit.Bootstrap(ctx, runtimeinit.Options{
		LoadOptions:  opts.loadOptions(),
		SetupLogging: setupLogging,
	})
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	cfg := rt.Config
	t.Style, t.Language, t.Inject = cfg.DefaultStyle, cfg.Language, cfg.InjectMode
	slog.Debug("cli: config loaded", "model", cfg.Model, "key_path", cfg.APIKeyPath, "mode", t.Mode, "style", t.Style, "inject", t.Inject)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rt.Orchestrator.Run(runCtx) }()
	defer func() {
		if err := rt.Orchestrator.Settle(ctx); err != nil {
			slog.Debug("cli: interrupted while holding the clipboard", "err", err)
		}
		cancel()
		<-done
	}()

	out, err := rt.Orchestrator.Correct(ctx, t)
	if err != nil {
		return err
	}
	slog.Debug("cli: finished", "status", out.Status, "elapsed", out.Elapsed, "edits", len(out.Response.Edits))
	return outputResult(out, t, opts.jsonOutput, stdout, stderr)
}

func (o cliOptions) loadOptions() config.LoadOptions {
	return config.LoadOptions{
		APIKeyPathOverride: o.apiKeyPath,
		StyleOverride:      o.style,
		LanguageOverride:   o.lang,
		InjectOverride:     o.inject,
	}
}

type CorrectionResult struct {
	Status     string                `json:"status"`
	Mode       string                `json:"mode"`
	Style      string                `json:"style,omitempty"`
	Text       string                `json:"text,omitempty"`
	Structured bool                  `json:"structured"`
	Edits      []singleinstance.Edit `json:"edits,omitempty"`
	Notes      []string              `json:"notes,omitempty"`
	Message    string                `json:"message,omitempty"`
	Warning    string                `json:"warning,omitempty"`
	Timestamp  string                `json:"timestamp"`
	Duration   float64               `json:"duration_seconds"`
}

func outputResult(out session.Outcome, t session.Trigger, jsonOutput bool, stdout, stderr io.Writer) error {
	reply := eventloop.ToReply(out)
	if jsonOutput {
		result := CorrectionResult{
			Status:     eventloop.StatusLine(out.Status),
			Mode:       t.Mode.String(),
			Text:       reply.Text,
			Structured: reply.Structured,
			Edits:      reply.Edits,
			Notes:      reply.Notes,
			Message:    reply.Message,
			Warning:    reply.Warning,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			Duration:   out.Elapsed.Seconds(),
		}
		if t.Mode == correction.Enhance {
			result.Style = string(t.Style)
		}
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(result); err != nil {
			return fmt.Errorf("failed to encode JSON output: %w", err)
		}
	} else if out.Status == session.StatusCompleted {
		fmt.Fprint(stdout, reply.Text)
	}

	if reply.Warning != "" {
		fmt.Fprintln(stderr, reply.Warning)
	}
	if out.Status == session.StatusFailed {
		return errors.New(reply.Message)
	}
	return nil
}
