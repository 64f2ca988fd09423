package hintstream

import (
	"context"
	"errors"
)

var ErrConnectionClosed = errors.New("connection closed by server")

// Message is one raw event received from the relay. A message with nil Data is a keep-alive.
type Message struct {
	ID    string
	Event string
	Data  []byte
}

// Transport opens push connections to the relay.
type Transport interface {
	// Connect returns an open connection. Cancelling ctx tears the connection down.
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a single push connection. Next blocks until a message arrives or the connection is lost,
// it is not safe for concurrent use.
type Conn interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}
