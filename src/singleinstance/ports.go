package singleinstance

import (
	"os"
	"strconv"
)

const (
	defaultPortStart = 49600
	defaultPortEnd   = 49650

	minPort = 1024
	maxPort = 65535
)

// PortRange returns the inclusive loopback port range a resident may
// listen on. SINGLEINSTANCE_PORT_START and SINGLEINSTANCE_PORT_END override
// the defaults; the result is clamped to unprivileged ports. The resident
// binds the first port only.
func PortRange() (start, end int) {
	start = envPort("SINGLEINSTANCE_PORT_START", defaultPortStart)
	end = envPort("SINGLEINSTANCE_PORT_END", defaultPortEnd)
	start = max(start, minPort)
	end = min(end, maxPort)
	if end < start {
		start, end = end, start
	}
	return start, end
}

func envPort(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
