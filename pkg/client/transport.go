package client

import (
	"context"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

// Transport opens connections to the server and reports what happens to
// them. Dial returns the first connection; connections opened later by the
// transport's own reconnect policy are announced with an Opened event.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
	Events() <-chan TransportEvent
	// SetMessageHandler installs the callback invoked by the read loop for
	// every inbound message. It must be set before Dial.
	SetMessageHandler(h MessageHandler)
	// Close stops reconnecting and closes the event channel.
	Close() error
}

// MessageHandler receives one inbound message and the connection it came on.
type MessageHandler func(conn Conn, msg protocol.Message)

// Conn is one live duplex channel. It is never reused after Done is closed.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Close(code websocket.StatusCode, reason string) error
	Done() <-chan struct{}
}

// TransportEvent is one of Opened, Closed or Faulted.
type TransportEvent interface {
	transportEvent()
}

// Opened reports a connection established by the transport's reconnect policy.
type Opened struct {
	Conn Conn
}

// Closed reports the end of a connection. Code is StatusNormalClosure only
// when the close was orderly.
type Closed struct {
	Conn   Conn
	Code   websocket.StatusCode
	Reason string
}

// Faulted reports a transport error. A Closed event for the same Conn follows.
type Faulted struct {
	Conn Conn
	Err  error
}

func (Opened) transportEvent()  {}
func (Closed) transportEvent()  {}
func (Faulted) transportEvent() {}
