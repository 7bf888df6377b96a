package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-devicehive/pkg/client"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

// Responder answers one request sent on a FakeConn. Returning nil sends no
// response.
type Responder func(conn *FakeConn, req protocol.Message) protocol.Message

// FakeTransport is an in-memory client.Transport. Tests drive the
// connection lifecycle by hand with Drop and Reopen and inject server
// pushes with Push.
type FakeTransport struct {
	mu        sync.Mutex
	handler   client.MessageHandler
	responder Responder
	dialErr   error
	events    chan client.TransportEvent
	conns     []*FakeConn
	closed    bool
}

// NewFakeTransport creates a transport whose requests are answered by responder.
func NewFakeTransport(responder Responder) *FakeTransport {
	return &FakeTransport{
		responder: responder,
		events:    make(chan client.TransportEvent, 64),
	}
}

func (t *FakeTransport) Dial(ctx context.Context) (client.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	err := t.dialErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return t.open(), nil
}

func (t *FakeTransport) Events() <-chan client.TransportEvent { return t.events }

func (t *FakeTransport) SetMessageHandler(h client.MessageHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	return nil
}

// SetResponder replaces the responder for subsequent requests.
func (t *FakeTransport) SetResponder(r Responder) {
	t.mu.Lock()
	t.responder = r
	t.mu.Unlock()
}

// SetDialError makes Dial fail with err.
func (t *FakeTransport) SetDialError(err error) {
	t.mu.Lock()
	t.dialErr = err
	t.mu.Unlock()
}

// Reopen simulates the reconnect policy: a new connection is opened and
// announced with an Opened event.
func (t *FakeTransport) Reopen() *FakeConn {
	conn := t.open()
	t.emit(client.Opened{Conn: conn})
	return conn
}

// Drop closes conn from the server side with code and reports it.
func (t *FakeTransport) Drop(conn *FakeConn, code websocket.StatusCode, reason string) {
	if conn.markClosed(code, reason, false) {
		t.emit(client.Closed{Conn: conn, Code: code, Reason: reason})
	}
}

// Fault reports a transport error on conn and then closes it abnormally.
func (t *FakeTransport) Fault(conn *FakeConn, err error) {
	t.emit(client.Faulted{Conn: conn, Err: err})
	t.Drop(conn, websocket.StatusAbnormalClosure, "")
}

// Push delivers msg as if the server had sent it on conn. Messages for a
// closed connection are lost.
func (t *FakeTransport) Push(conn *FakeConn, msg protocol.Message) {
	if conn.IsClosed() {
		return
	}
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(conn, msg)
	}
}

// Conns returns every connection opened so far, oldest first.
func (t *FakeTransport) Conns() []*FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeConn(nil), t.conns...)
}

// Current returns the most recently opened connection.
func (t *FakeTransport) Current() *FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *FakeTransport) open() *FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := &FakeConn{t: t, Generation: len(t.conns) + 1, done: make(chan struct{})}
	t.conns = append(t.conns, conn)
	return conn
}

func (t *FakeTransport) emit(ev client.TransportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		panic(fmt.Sprintf("testutil: fake transport event buffer full, dropping %T", ev))
	}
}

// FakeConn is one connection of a FakeTransport.
type FakeConn struct {
	t          *FakeTransport
	Generation int

	mu          sync.Mutex
	sent        []protocol.Message
	done        chan struct{}
	closed      bool
	localClose  bool
	closeCode   websocket.StatusCode
	closeReason string
}

func (c *FakeConn) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return client.ErrConnectionClosed
	}
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	c.t.mu.Lock()
	responder := c.t.responder
	c.t.mu.Unlock()
	if responder != nil {
		if resp := responder(c, msg); resp != nil {
			go c.t.Push(c, resp)
		}
	}
	return nil
}

// Close closes the connection from the client side and reports it like a
// real transport would.
func (c *FakeConn) Close(code websocket.StatusCode, reason string) error {
	if c.markClosed(code, reason, true) {
		c.t.emit(client.Closed{Conn: c, Code: code, Reason: reason})
	}
	return nil
}

func (c *FakeConn) Done() <-chan struct{} { return c.done }

func (c *FakeConn) markClosed(code websocket.StatusCode, reason string, local bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.localClose = local
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
	return true
}

func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ClientCloseCode returns the code the client closed this connection with,
// and false when the client has not closed it.
func (c *FakeConn) ClientCloseCode() (websocket.StatusCode, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closed && c.localClose
}

// Sent returns a copy of every message sent on this connection.
func (c *FakeConn) Sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

// SentActions counts the requests sent with action.
func (c *FakeConn) SentActions(action string) int {
	n := 0
	for _, m := range c.Sent() {
		if m.Action() == action {
			n++
		}
	}
	return n
}

// LastSent returns the last request sent with action, or nil.
func (c *FakeConn) LastSent(action string) protocol.Message {
	sent := c.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Action() == action {
			return sent[i]
		}
	}
	return nil
}

// FakeServer answers requests the way the broker does, with predictable
// subscription IDs ("srv-1", "srv-2", ...) and command IDs.
type FakeServer struct {
	mu       sync.Mutex
	nextSub  int
	nextID   int64
	failures map[string]fakeFailure
	silent   map[string]bool
	issued   []string
}

type fakeFailure struct {
	code    int
	message string
}

func NewFakeServer() *FakeServer {
	return &FakeServer{
		failures: make(map[string]fakeFailure),
		silent:   make(map[string]bool),
	}
}

// Fail makes every request for action fail with code.
func (s *FakeServer) Fail(action string, code int, message string) {
	s.mu.Lock()
	s.failures[action] = fakeFailure{code: code, message: message}
	s.mu.Unlock()
}

// Silence makes requests for action go unanswered.
func (s *FakeServer) Silence(action string) {
	s.mu.Lock()
	s.silent[action] = true
	s.mu.Unlock()
}

// Reset clears failures and silenced actions.
func (s *FakeServer) Reset() {
	s.mu.Lock()
	s.failures = make(map[string]fakeFailure)
	s.silent = make(map[string]bool)
	s.mu.Unlock()
}

// IssuedSubscriptionIDs returns every subscription ID handed out so far.
func (s *FakeServer) IssuedSubscriptionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.issued...)
}

// Respond is a Responder.
func (s *FakeServer) Respond(_ *FakeConn, req protocol.Message) protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	action := req.Action()
	if s.silent[action] {
		return nil
	}
	if f, ok := s.failures[action]; ok {
		return protocol.NewErrorResponse(req, f.code, f.message)
	}

	resp := protocol.NewResponse(req)
	switch action {
	case protocol.ActionServerInfo:
		resp.Set(protocol.MemberInfo, model.ApiInfo{APIVersion: "3.0.0", ServerTimestamp: model.NewTimestamp(protocol.TimeNow())}, nil)
	case protocol.ActionCommandSubscribe, protocol.ActionNotificationSubscribe:
		s.nextSub++
		id := fmt.Sprintf("srv-%d", s.nextSub)
		s.issued = append(s.issued, id)
		resp.Set(protocol.MemberSubscriptionID, id, nil)
	case protocol.ActionCommandInsert:
		s.nextID++
		resp.Set(protocol.MemberCommand, model.DeviceCommand{ID: s.nextID, Timestamp: model.NewTimestamp(protocol.TimeNow()), UserID: 1}, protocol.PolicyCommandToClient)
	case protocol.ActionNotificationInsert:
		s.nextID++
		resp.Set(protocol.MemberNotification, model.DeviceNotification{ID: s.nextID, Timestamp: model.NewTimestamp(protocol.TimeNow())}, protocol.PolicyNotificationToDevice)
	}
	return resp
}
