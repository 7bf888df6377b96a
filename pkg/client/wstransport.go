package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand" // For jitter
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

const (
	defaultConnSendBuffer    = 16
	defaultEventBuffer       = 16
	defaultWriteTimeout      = 5 * time.Second
	defaultReadLimit         = 1024 * 1024 // 1MB
	defaultReconnectAttempts = 0           // 0 means infinite attempts once enabled
	defaultReconnectDelayMin = 1 * time.Second
	defaultReconnectDelayMax = 30 * time.Second
)

var errTransportClosed = errors.New("client: transport closed")

type transportConfig struct {
	logger            *slog.Logger
	dialOptions       *websocket.DialOptions
	writeTimeout      time.Duration
	pingInterval      time.Duration // 0 disables client pings
	autoReconnect     bool
	reconnectAttempts int
	reconnectDelayMin time.Duration
	reconnectDelayMax time.Duration
}

// TransportOption configures a WebSocketTransport.
type TransportOption func(*WebSocketTransport)

// WithTransportLogger sets the transport's logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *WebSocketTransport) {
		if logger != nil {
			t.config.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) TransportOption {
	return func(t *WebSocketTransport) {
		if opts != nil {
			t.config.dialOptions = opts
		}
	}
}

// WithWriteTimeout bounds every websocket write.
func WithWriteTimeout(timeout time.Duration) TransportOption {
	return func(t *WebSocketTransport) {
		if timeout > 0 {
			t.config.writeTimeout = timeout
		}
	}
}

// WithPingInterval enables client-initiated pings. Zero or less disables them.
func WithPingInterval(interval time.Duration) TransportOption {
	return func(t *WebSocketTransport) {
		if interval < 0 {
			interval = 0
		}
		t.config.pingInterval = interval
	}
}

// WithAutoReconnect enables reconnecting after an abnormal closure.
// maxAttempts = 0 means infinite attempts.
func WithAutoReconnect(maxAttempts int, minDelay, maxDelay time.Duration) TransportOption {
	return func(t *WebSocketTransport) {
		t.config.autoReconnect = true
		t.config.reconnectAttempts = maxAttempts
		if minDelay > 0 {
			t.config.reconnectDelayMin = minDelay
		}
		if maxDelay > 0 && maxDelay >= t.config.reconnectDelayMin {
			t.config.reconnectDelayMax = maxDelay
		} else if t.config.reconnectDelayMax < t.config.reconnectDelayMin {
			t.config.reconnectDelayMax = t.config.reconnectDelayMin
		}
	}
}

// WebSocketTransport is the Transport over github.com/coder/websocket.
type WebSocketTransport struct {
	config transportConfig
	url    string

	events chan TransportEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // pumps and the reconnect loop

	mu           sync.Mutex
	handler      MessageHandler
	closed       bool
	reconnecting bool
}

// NewWebSocketTransport creates a transport for url. Nothing is dialed yet.
func NewWebSocketTransport(url string, opts ...TransportOption) *WebSocketTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &WebSocketTransport{
		config: transportConfig{
			logger:            slog.Default(),
			dialOptions:       &websocket.DialOptions{HTTPClient: http.DefaultClient},
			writeTimeout:      defaultWriteTimeout,
			reconnectAttempts: defaultReconnectAttempts,
			reconnectDelayMin: defaultReconnectDelayMin,
			reconnectDelayMax: defaultReconnectDelayMax,
		},
		url:    url,
		events: make(chan TransportEvent, defaultEventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *WebSocketTransport) Events() <-chan TransportEvent { return t.events }

func (t *WebSocketTransport) SetMessageHandler(h MessageHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *WebSocketTransport) messageHandler() MessageHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Dial opens the first connection. It does not retry; the reconnect policy
// only covers connections that were lost after being established.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	return t.dial(ctx)
}

// Close stops the reconnect loop, tears down the pumps of any connection
// still open and closes the event channel.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	close(t.events)
	return nil
}

func (t *WebSocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WebSocketTransport) dial(ctx context.Context) (*wsConn, error) {
	if t.isClosed() {
		return nil, errTransportClosed
	}

	conn, httpResp, err := websocket.Dial(ctx, t.url, t.config.dialOptions)
	if err != nil {
		errMsg := fmt.Sprintf("dial to %s failed: %v", t.url, err)
		if httpResp != nil {
			errMsg = fmt.Sprintf("%s (status: %s)", errMsg, httpResp.Status)
		}
		return nil, errors.New(errMsg)
	}
	conn.SetReadLimit(defaultReadLimit)

	wc := &wsConn{
		t:    t,
		id:   protocol.GenerateID(),
		conn: conn,
		send: make(chan protocol.Message, defaultConnSendBuffer),
	}
	wc.ctx, wc.cancel = context.WithCancel(t.ctx)

	// Register the pumps under mu so Close cannot start waiting in between.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		wc.cancel()
		conn.Close(websocket.StatusNormalClosure, "transport closed")
		return nil, errTransportClosed
	}
	t.wg.Add(3)
	t.mu.Unlock()

	go wc.readPump()
	go wc.writePump()
	go wc.pingLoop()

	t.config.logger.Info(fmt.Sprintf("Transport: Connection %s established to %s", wc.id, t.url))
	return wc, nil
}

func (t *WebSocketTransport) emit(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// connectionEnded reports the end of wc and starts reconnecting when the
// close was not orderly.
func (t *WebSocketTransport) connectionEnded(wc *wsConn, code websocket.StatusCode, reason string, fault error) {
	if t.ctx.Err() != nil {
		return
	}
	if fault != nil {
		t.config.logger.Info(fmt.Sprintf("Transport: Connection %s faulted: %v", wc.id, fault))
		t.emit(Faulted{Conn: wc, Err: fault})
	}
	t.config.logger.Info(fmt.Sprintf("Transport: Connection %s closed (status: %d, reason: %q)", wc.id, code, reason))
	t.emit(Closed{Conn: wc, Code: code, Reason: reason})

	if code != websocket.StatusNormalClosure && t.config.autoReconnect {
		t.startReconnect()
	}
}

func (t *WebSocketTransport) startReconnect() {
	t.mu.Lock()
	if t.closed || t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.reconnectLoop()
}

func (t *WebSocketTransport) reconnectLoop() {
	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
		t.config.logger.Info("Transport: Exiting reconnect loop.")
		t.wg.Done()
	}()

	t.config.logger.Info(fmt.Sprintf("Transport: Starting reconnect loop (max_attempts: %d, delay_min: %v, delay_max: %v)",
		t.config.reconnectAttempts, t.config.reconnectDelayMin, t.config.reconnectDelayMax))

	attempts := 0
	currentDelay := t.config.reconnectDelayMin

	for {
		if t.ctx.Err() != nil {
			return
		}
		if t.config.reconnectAttempts > 0 && attempts >= t.config.reconnectAttempts {
			t.config.logger.Info(fmt.Sprintf("Transport: Max reconnect attempts (%d) reached. Stopping.", t.config.reconnectAttempts))
			return
		}

		// Jitter spreads out retries from many peers.
		jitterRange := int(currentDelay / 4)
		if jitterRange <= 0 {
			jitterRange = 1
		}
		sleepDuration := currentDelay + time.Duration(rand.Intn(jitterRange))

		t.config.logger.Info(fmt.Sprintf("Transport: Waiting %v before reconnect attempt %d...", sleepDuration, attempts+1))
		timer := time.NewTimer(sleepDuration)
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			timer.Stop()
			return
		}

		wc, err := t.dial(t.ctx)
		if err == nil {
			t.config.logger.Info(fmt.Sprintf("Transport: Reconnected (attempt %d).", attempts+1))
			t.emit(Opened{Conn: wc})
			return
		}

		t.config.logger.Info(fmt.Sprintf("Transport: Reconnect attempt %d failed: %v", attempts+1, err))
		attempts++
		currentDelay *= 2 // Exponential backoff
		if currentDelay > t.config.reconnectDelayMax {
			currentDelay = t.config.reconnectDelayMax
		}
	}
}

// wsConn is one websocket connection with its own read, write and ping pumps.
type wsConn struct {
	t    *WebSocketTransport
	id   string
	conn *websocket.Conn
	send chan protocol.Message

	ctx    context.Context
	cancel context.CancelFunc

	closeMu     sync.Mutex
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string
}

func (c *wsConn) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.closeMu.Unlock()

	err := c.conn.Close(code, reason)
	c.cancel()
	return err
}

func (c *wsConn) Done() <-chan struct{} { return c.ctx.Done() }

// status resolves the close code for a read error. A local Close wins over
// whatever the peer echoed back.
func (c *wsConn) status(err error) (websocket.StatusCode, string, error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return c.closeCode, c.closeReason, nil
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason, nil
	}
	return websocket.StatusAbnormalClosure, "", err
}

func (c *wsConn) readPump() {
	defer c.t.wg.Done()
	logger := c.t.config.logger

	var readErr error
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			readErr = err
			break
		}
		if typ != websocket.MessageText {
			logger.Info(fmt.Sprintf("Transport: Connection %s ignoring non-text frame", c.id))
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Info(fmt.Sprintf("Transport: Connection %s dropping malformed message: %v", c.id, err))
			continue
		}
		if h := c.t.messageHandler(); h != nil {
			h(c, msg)
		}
	}

	c.cancel()
	code, reason, fault := c.status(readErr)
	c.t.connectionEnded(c, code, reason, fault)
}

func (c *wsConn) writePump() {
	defer c.t.wg.Done()
	for {
		select {
		case msg := <-c.send:
			writeCtx, writeCancel := context.WithTimeout(c.ctx, c.t.config.writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, msg)
			writeCancel()
			if err != nil {
				c.t.config.logger.Info(fmt.Sprintf("Transport: Connection %s write error: %v. Connection may be stale.", c.id, err))
				// Stops readPump too, which reports the closure.
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	defer c.t.wg.Done()

	interval := c.t.config.pingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(c.ctx, interval/2)
			err := c.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				c.t.config.logger.Info(fmt.Sprintf("Transport: Connection %s ping failed: %v", c.id, err))
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
