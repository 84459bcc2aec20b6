package singleinstance

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"time"
)

// pingTimeout bounds one PING exchange. A resident answers PING before it
// looks at anything else, so a slow reply means nobody useful is there.
const pingTimeout = 300 * time.Millisecond

// DetectResidentPort scans the port range for a resident answering PING.
// It gives up as soon as ctx is done.
func DetectResidentPort(ctx context.Context) (int, bool) {
	start, end := PortRange()
	for port := start; port <= end; port++ {
		if ctx.Err() != nil {
			return 0, false
		}
		if ping(ctx, residentAddr(port)) {
			return port, true
		}
	}
	return 0, false
}

func residentAddr(port int) string {
	return net.JoinHostPort(residentHost, strconv.Itoa(port))
}

// ping reports whether addr answers PING with PONG.
func ping(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write([]byte(pingRequest)); err != nil {
		return false
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	return err == nil && resp == pongResponse
}
