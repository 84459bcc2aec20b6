package main

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"selection-grammar-llm/src/singleinstance"
)

func TestNewRootCmdDefaults(t *testing.T) {
	opts := &stressOptions{}
	cmd := newRootCmd(opts)
	require.NoError(t, cmd.ParseFlags([]string{}))
	assert.Equal(t, 50, opts.n)
	assert.Equal(t, "grammar", opts.mode)
	assert.Equal(t, "none", opts.inject)
	assert.Equal(t, 30*time.Second, opts.deadline)
}

func TestNewRootCmdCustomFlags(t *testing.T) {
	opts := &stressOptions{}
	cmd := newRootCmd(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--n", "3", "--mode", "enhance", "--text", "", "--deadline", "7s"}))
	assert.Equal(t, 3, opts.n)
	assert.Equal(t, "enhance", opts.mode)
	assert.Empty(t, opts.text)
	assert.Equal(t, 7*time.Second, opts.deadline)
}

// supersedingClient completes only the last of n calls, like a resident
// whose newest trigger cancels every earlier one.
type supersedingClient struct {
	n     int32
	calls atomic.Int32
}

func (c *supersedingClient) TryTrigger(ctx context.Context, req singleinstance.Request) (bool, string, singleinstance.Reply, error) {
	switch c.calls.Add(1) {
	case c.n:
		return true, singleinstance.StatusCompleted, singleinstance.Reply{Text: req.Text}, nil
	case 1:
		return false, "", singleinstance.Reply{}, errors.New("connection reset")
	default:
		return true, singleinstance.StatusCancelled, singleinstance.Reply{}, nil
	}
}

func TestRunTalliesStatuses(t *testing.T) {
	var out bytes.Buffer
	client := &supersedingClient{n: 5}
	err := runWithOptions(context.Background(), stressOptions{n: 5, mode: "grammar", deadline: time.Second}, client, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "launched=5 completed=1 failed=0 cancelled=3 no_resident=0 err=1")
}

type absentClient struct{}

func (absentClient) TryTrigger(context.Context, singleinstance.Request) (bool, string, singleinstance.Reply, error) {
	return false, "", singleinstance.Reply{}, nil
}

func TestRunWithoutResident(t *testing.T) {
	var out bytes.Buffer
	err := runWithOptions(context.Background(), stressOptions{n: 2, deadline: time.Second}, absentClient{}, &out)
	assert.EqualError(t, err, "no resident answered")
	assert.Contains(t, out.String(), "no_resident=2")
}
