package singleinstance

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

const dialTimeout = 2 * time.Second

type tcpClient struct{}

func newTcpClient() Client { return &tcpClient{} }

func (c *tcpClient) TryTrigger(ctx context.Context, req Request) (bool, string, Reply, error) {
	timeout := dialTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 && d < timeout {
			timeout = d
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return false, "", Reply{}, err
	}

	// scan configured range for resident using PING then request
	start, end := PortRange()
	for port := start; port <= end; port++ {
		if err := ctx.Err(); err != nil {
			return false, "", Reply{}, err
		}
		addr := residentAddr(port)
		if !ping(ctx, addr) {
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			continue
		}
		status, reply, err := exchange(ctx, conn, payload)
		return true, status, reply, err
	}
	return false, "", Reply{}, nil
}

// exchange sends one trigger and waits for the outcome, which takes as long
// as the resident's session does. Cancelling ctx abandons the wait.
func exchange(ctx context.Context, conn net.Conn, payload []byte) (string, Reply, error) {
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(triggerRequest); err != nil {
		return "", Reply{}, err
	}
	if _, err := w.Write(append(payload, '\n')); err != nil {
		return "", Reply{}, err
	}
	if err := w.Flush(); err != nil {
		return "", Reply{}, err
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return "", Reply{}, ctx.Err()
		}
		return "", Reply{}, fmt.Errorf("read status: %w", err)
	}
	status = strings.TrimSpace(status)
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return status, Reply{}, fmt.Errorf("unexpected status %q", status)
	}

	var reply Reply
	line, err := br.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return status, Reply{}, fmt.Errorf("read reply: %w", err)
	}
	if err := json.Unmarshal(line, &reply); err != nil {
		return status, Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return status, reply, nil
}
