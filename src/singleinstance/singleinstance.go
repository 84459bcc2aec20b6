package singleinstance

// This file defines the API for single-instance ownership and trigger delegation.

import (
	"context"
)

// Reply status lines.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Server owns the TCP endpoint and answers trigger requests.
type Server interface {
	// Start begins listening on the first port of the configured range.
	Start(ctx context.Context) error
	// Port returns the bound TCP port, or 0 if not started.
	Port() int
	// Next returns the next accepted trigger as a Conn, or ctx error.
	Next(ctx context.Context) (Conn, error)
	// Close releases ownership and stops accepting clients.
	Close() error
}

// Conn represents one client connection and exposes request + response API.
type Conn interface {
	// Request returns the parsed client request.
	Request() Request
	// Respond sends the terminal status line followed by the reply.
	Respond(status string, reply Reply) error
	// Close closes the underlying connection.
	Close() error
}

// Request is one delegated trigger. Empty Text means the resident reads
// the current selection itself.
type Request struct {
	Mode     string `json:"mode"`
	Style    string `json:"style,omitempty"`
	Language string `json:"language,omitempty"`
	Inject   string `json:"inject,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Edit is the wire form of one located correction.
type Edit struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Category    string `json:"category,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

// Reply carries the session outcome back to the delegating process.
type Reply struct {
	Text       string   `json:"text,omitempty"`
	Edits      []Edit   `json:"edits,omitempty"`
	Structured bool     `json:"structured"`
	Notes      []string `json:"notes,omitempty"`
	Message    string   `json:"message,omitempty"`
	Warning    string   `json:"warning,omitempty"`
}

// Client attempts to delegate a trigger to a resident server.
type Client interface {
	// TryTrigger scans the port range, performs the handshake and waits for
	// the resident's outcome. If no resident is found, returns
	// delegated=false, err=nil.
	TryTrigger(ctx context.Context, req Request) (delegated bool, status string, reply Reply, err error)
}

// NewServer returns TCP implementation.
func NewServer() Server { return newTcpServer() }

// NewClient returns TCP implementation.
func NewClient() Client { return newTcpClient() }
