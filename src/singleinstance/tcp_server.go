package singleinstance

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	residentHost   = "127.0.0.1"
	pingRequest    = "PING\n"
	pongResponse   = "PONG\n"
	triggerRequest = "TRIGGER\n"

	handshakeTimeout = 3 * time.Second
	maxRequestBytes  = 1 << 20
)

// tcpServer implements Server over TCP loopback.
type tcpServer struct {
	lis      net.Listener
	incoming chan *tcpConn
	port     int
}

func newTcpServer() Server { return &tcpServer{incoming: make(chan *tcpConn, 8)} }

// Start binds ONLY the start port of the configured range. If occupied, fail.
func (s *tcpServer) Start(ctx context.Context) error {
	if s.lis != nil {
		return nil
	}
	start, _ := PortRange()
	addr := fmt.Sprintf("%s:%d", residentHost, start)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("singleinstance: failed to bind", "addr", addr, "err", err)
		return err
	}
	s.lis = lis
	s.port = start
	slog.Info("singleinstance: listening", "addr", addr)
	go s.acceptLoop(ctx, lis)
	return nil
}

// Port returns the bound port (0 if not started).
func (s *tcpServer) Port() int { return s.port }

// acceptLoop hands every connection to its own goroutine, so a client
// that stalls mid-handshake cannot delay a PING behind it.
func (s *tcpServer) acceptLoop(ctx context.Context, lis net.Listener) {
	for {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		go s.serve(ctx, c)
	}
}

func (s *tcpServer) serve(ctx context.Context, c net.Conn) {
	tc, ok := s.handshake(c)
	if !ok {
		return
	}
	select {
	case s.incoming <- tc:
	case <-ctx.Done():
		_ = c.Close()
	}
}

// handshake answers PING directly and parses a TRIGGER request. It
// reports whether c carries a trigger for Next.
func (s *tcpServer) handshake(c net.Conn) (*tcpConn, bool) {
	remote := c.RemoteAddr().String()
	_ = c.SetDeadline(time.Now().Add(handshakeTimeout))
	br := bufio.NewReader(io.LimitReader(c, maxRequestBytes))
	bw := bufio.NewWriter(c)
	line, _ := br.ReadString('\n')

	switch line {
	case pingRequest:
		slog.Debug("singleinstance: PING -> PONG", "remote", remote)
		_, _ = bw.WriteString(pongResponse)
		_ = bw.Flush()
		_ = c.Close()
		return nil, false
	case triggerRequest:
	default:
		slog.Warn("singleinstance: unknown request", "remote", remote, "line", strings.TrimSpace(line))
		_ = c.Close()
		return nil, false
	}

	tc := &tcpConn{c: c, w: bw}
	payload, err := br.ReadBytes('\n')
	if err == nil {
		err = json.Unmarshal(payload, &tc.r)
	}
	if err != nil {
		slog.Warn("singleinstance: bad trigger request", "remote", remote, "err", err)
		_ = tc.Respond(StatusFailed, Reply{Message: "Malformed trigger request."})
		_ = c.Close()
		return nil, false
	}
	// The session may take much longer than the handshake.
	_ = c.SetDeadline(time.Time{})
	slog.Info("singleinstance: trigger", "remote", remote, "mode", tc.r.Mode, "inject", tc.r.Inject, "literal", tc.r.Text != "")
	return tc, true
}

func (s *tcpServer) Next(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case tc := <-s.incoming:
		return tc, nil
	}
}

func (s *tcpServer) Close() error {
	if s.lis != nil {
		_ = s.lis.Close()
		s.lis = nil
	}
	return nil
}

type tcpConn struct {
	c net.Conn
	r Request
	w *bufio.Writer
}

func (tc *tcpConn) Request() Request { return tc.r }

func (tc *tcpConn) Respond(status string, reply Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	if _, err := tc.w.WriteString(status + "\n"); err != nil {
		return err
	}
	if _, err := tc.w.Write(append(body, '\n')); err != nil {
		return err
	}
	return tc.w.Flush()
}

func (tc *tcpConn) Close() error { return tc.c.Close() }
