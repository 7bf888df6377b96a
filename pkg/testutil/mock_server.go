package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

// MockServer is a bare websocket server for testing the client transport
// against a real socket without the broker.
type MockServer struct {
	T      *testing.T
	Server *httptest.Server
	WsURL  string

	mu          sync.Mutex
	conn        *websocket.Conn
	connections int
	handler     func(req protocol.Message) protocol.Message
}

// NewMockServer starts a server that answers each inbound message with
// handler's result (nil means no answer).
func NewMockServer(t *testing.T, handler func(req protocol.Message) protocol.Message) *MockServer {
	t.Helper()
	ms := &MockServer{T: t, handler: handler}

	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsconn, err := websocket.Accept(w, r, nil)
		if err != nil {
			ms.T.Logf("MockServer: Accept error: %v", err)
			return
		}

		ms.mu.Lock()
		ms.conn = wsconn
		ms.connections++
		ms.mu.Unlock()

		for {
			var req protocol.Message
			if err := wsjson.Read(context.Background(), wsconn, &req); err != nil {
				return
			}
			if resp := ms.handler(req); resp != nil {
				if err := wsjson.Write(context.Background(), wsconn, resp); err != nil {
					return
				}
			}
		}
	}))
	ms.WsURL = "ws" + strings.TrimPrefix(ms.Server.URL, "http")

	t.Cleanup(ms.Close)
	return ms
}

// Connections returns how many websocket connections were accepted.
func (ms *MockServer) Connections() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.connections
}

// Push sends msg on the current connection.
func (ms *MockServer) Push(msg protocol.Message) error {
	ms.mu.Lock()
	conn := ms.conn
	ms.mu.Unlock()
	if conn == nil {
		return nil // No connection, silently ignore
	}
	return wsjson.Write(context.Background(), conn, msg)
}

// CloseCurrentConnection closes the current connection with code.
func (ms *MockServer) CloseCurrentConnection(code websocket.StatusCode, reason string) {
	ms.mu.Lock()
	conn := ms.conn
	ms.conn = nil
	ms.mu.Unlock()
	if conn != nil {
		conn.Close(code, reason)
	}
}

// Close closes the current connection and the server.
func (ms *MockServer) Close() {
	ms.CloseCurrentConnection(websocket.StatusGoingAway, "mock server closing")
	if ms.Server != nil {
		ms.Server.Close()
	}
}

// EchoInfo answers server/info and acknowledges everything else.
func EchoInfo(req protocol.Message) protocol.Message {
	resp := protocol.NewResponse(req)
	if req.Action() == protocol.ActionServerInfo {
		resp.Set(protocol.MemberInfo, map[string]string{"apiVersion": "3.0.0"}, nil)
	}
	return resp
}
