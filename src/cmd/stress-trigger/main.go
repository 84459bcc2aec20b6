package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"selection-grammar-llm/src/singleinstance"
)

type stressOptions struct {
	n        int
	mode     string
	text     string
	inject   string
	deadline time.Duration
}

// tally counts terminal statuses; delegation failures land in errors.
type tally struct {
	mu         sync.Mutex
	statuses   map[string]int
	notRunning int
	errors     int
}

func (t *tally) add(delegated bool, status string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err != nil:
		t.errors++
	case !delegated:
		t.notRunning++
	default:
		t.statuses[status]++
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &stressOptions{}
	cmd := newRootCmd(opts)
	return cmd.Execute()
}

func newRootCmd(opts *stressOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stress-trigger",
		Short:         "Fire concurrent delegated triggers at a running resident",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithOptions(cmd.Context(), *opts, singleinstance.NewClient(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.n, "n", 50, "number of clients to launch")
	cmd.Flags().StringVar(&opts.mode, "mode", "grammar", "grammar|enhance")
	cmd.Flags().StringVar(&opts.text, "text", "She go to school yesterday.", "literal text to correct; empty reads the selection")
	cmd.Flags().StringVar(&opts.inject, "inject", "none", "copy|replace|none")
	cmd.Flags().DurationVar(&opts.deadline, "deadline", 30*time.Second, "per-client timeout")

	return cmd
}

// runWithOptions launches every client at once. All but the newest are
// expected to come back CANCELLED as each trigger supersedes the last.
func runWithOptions(ctx context.Context, opts stressOptions, client singleinstance.Client, out io.Writer) error {
	req := singleinstance.Request{Mode: opts.mode, Inject: opts.inject, Text: opts.text}
	t := &tally{statuses: make(map[string]int)}

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < opts.n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, opts.deadline)
			defer cancel()
			delegated, status, _, err := client.TryTrigger(ctx, req)
			t.add(delegated, status, err)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	fmt.Fprintf(out, "launched=%d completed=%d failed=%d cancelled=%d no_resident=%d err=%d elapsed=%s\n",
		opts.n,
		t.statuses[singleinstance.StatusCompleted],
		t.statuses[singleinstance.StatusFailed],
		t.statuses[singleinstance.StatusCancelled],
		t.notRunning, t.errors, elapsed.Round(time.Millisecond))
	if t.notRunning == opts.n && opts.n > 0 {
		return fmt.Errorf("no resident answered")
	}
	return nil
}
