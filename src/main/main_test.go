package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"selection-grammar-llm/src/singleinstance"
)

func TestNormalizeLegacyArgs(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		out  []string
	}{
		{
			name: "Normalizes long single dash flags",
			in:   []string{"selection-grammar-llm", "-run-once", "-api-key-path", "/tmp/key"},
			out:  []string{"selection-grammar-llm", "--run-once", "--api-key-path", "/tmp/key"},
		},
		{
			name: "Normalizes equals form",
			in:   []string{"selection-grammar-llm", "-run-once=true", "-inject=replace"},
			out:  []string{"selection-grammar-llm", "--run-once=true", "--inject=replace"},
		},
		{
			name: "Leaves other flags unchanged",
			in:   []string{"selection-grammar-llm", "--run-once", "--other", "-x"},
			out:  []string{"selection-grammar-llm", "--run-once", "--other", "-x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.out, normalizeLegacyArgs(tt.in))
		})
	}
}

func TestNewRootCmdParsesFlags(t *testing.T) {
	opts := &mainOptions{}
	cmd := newRootCmd(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--run-once", "--enhance", "--style", "academic", "--inject", "none", "--api-key-path", "/tmp/key"}))
	assert.True(t, opts.runOnce)
	assert.True(t, opts.enhance)
	assert.Equal(t, "/tmp/key", opts.apiKeyPath)

	req := opts.request()
	assert.Equal(t, singleinstance.Request{Mode: "enhance", Style: "academic", Inject: "none"}, req)
}

type fakeClient struct {
	delegated bool
	status    string
	reply     singleinstance.Reply
	err       error
	called    bool
}

func (f *fakeClient) TryTrigger(ctx context.Context, req singleinstance.Request) (bool, string, singleinstance.Reply, error) {
	f.called = true
	return f.delegated, f.status, f.reply, f.err
}

type fallbackRecorder struct{ called bool }

func (f *fallbackRecorder) run(ctx context.Context, req singleinstance.Request) (string, singleinstance.Reply, error) {
	f.called = true
	return singleinstance.StatusCompleted, singleinstance.Reply{Text: "standalone"}, nil
}

func TestHandleRunOnceWithDelegation_Delegated(t *testing.T) {
	client := &fakeClient{delegated: true, status: singleinstance.StatusFailed, reply: singleinstance.Reply{Message: "No text selected."}}
	fb := &fallbackRecorder{}

	status, reply, delegated, err := handleRunOnceWithDelegation(context.Background(), singleinstance.Request{Mode: "grammar"}, client, fb.run)
	require.NoError(t, err)
	assert.True(t, client.called)
	assert.False(t, fb.called, "no fallback when delegation succeeds")
	assert.True(t, delegated)
	assert.Equal(t, singleinstance.StatusFailed, status)
	assert.Equal(t, "No text selected.", reply.Message)
}

func TestHandleRunOnceWithDelegation_NoResidentFallback(t *testing.T) {
	client := &fakeClient{}
	fb := &fallbackRecorder{}

	status, reply, delegated, err := handleRunOnceWithDelegation(context.Background(), singleinstance.Request{Mode: "grammar"}, client, fb.run)
	require.NoError(t, err)
	assert.True(t, fb.called)
	assert.False(t, delegated)
	assert.Equal(t, singleinstance.StatusCompleted, status)
	assert.Equal(t, "standalone", reply.Text)
}

func TestHandleRunOnceWithDelegation_DelegationErrorFallback(t *testing.T) {
	client := &fakeClient{delegated: true, err: errors.New("connection reset")}
	fb := &fallbackRecorder{}

	_, _, delegated, err := handleRunOnceWithDelegation(context.Background(), singleinstance.Request{Mode: "grammar"}, client, fb.run)
	require.NoError(t, err)
	assert.True(t, fb.called)
	assert.False(t, delegated)
}

func TestHandleRunOnceWithDelegation_CancelledDoesNotFallBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &fakeClient{err: context.Canceled}
	fb := &fallbackRecorder{}

	_, _, _, err := handleRunOnceWithDelegation(ctx, singleinstance.Request{Mode: "grammar"}, client, fb.run)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, fb.called)
}

func TestReportExitStatus(t *testing.T) {
	assert.NoError(t, report(singleinstance.StatusCancelled, singleinstance.Reply{}))
	err := report(singleinstance.StatusFailed, singleinstance.Reply{Message: "The correction failed unexpectedly."})
	require.Error(t, err)
	assert.Equal(t, "The correction failed unexpectedly.", err.Error())
}
