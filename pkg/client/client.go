// pkg/client/client.go
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/cskr/pubsub"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
	"golang.org/x/sync/semaphore"
)

const (
	defaultRequestTimeout  = 1 * time.Minute
	defaultDispatchWorkers = 50
	lifecycleQueueLength   = 4
	normalCloseReason      = "Bye."
)

type clientConfig struct {
	logger          *slog.Logger
	requestTimeout  time.Duration
	dispatchWorkers int64
}

// Client is one peer of the device-to-cloud channel. It owns the current
// connection, correlates requests with responses, keeps subscriptions alive
// across reconnects and dispatches pushed events to their handlers.
type Client struct {
	config    clientConfig
	id        string
	transport Transport

	// stateMu is taken exclusively for structural transitions (connect,
	// disconnect, reconnect, authenticate, subscribe, unsubscribe) and shared
	// for message traffic.
	stateMu    sync.RWMutex
	conn       Conn
	generation int
	principal  *model.Principal
	info       *model.ApiInfo
	closed     bool

	pending          *pendingRegistry
	commandSubs      *subscriptionStore[CommandHandler]
	notificationSubs *subscriptionStore[NotificationHandler]
	serverIDs        *subscriptionIDMap
	commandUpdates   *commandUpdateHandlers

	workers   *semaphore.Weighted
	lifecycle *pubsub.PubSub

	ctx      context.Context
	cancel   context.CancelFunc
	loopOnce sync.Once
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithRequestTimeout bounds how long a request waits for its response.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.requestTimeout = timeout
		}
	}
}

// WithDispatchWorkers bounds how many pushed events are handled at once.
func WithDispatchWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.dispatchWorkers = int64(n)
		}
	}
}

// New creates a client on top of t. Call Connect before anything else.
func New(t Transport, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: clientConfig{
			logger:          slog.Default(),
			requestTimeout:  defaultRequestTimeout,
			dispatchWorkers: defaultDispatchWorkers,
		},
		id:               protocol.GenerateID(),
		transport:        t,
		pending:          newPendingRegistry(),
		commandSubs:      newSubscriptionStore[CommandHandler](),
		notificationSubs: newSubscriptionStore[NotificationHandler](),
		serverIDs:        newSubscriptionIDMap(),
		commandUpdates:   newCommandUpdateHandlers(),
		lifecycle:        pubsub.New(lifecycleQueueLength),
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.workers = semaphore.NewWeighted(c.config.dispatchWorkers)
	t.SetMessageHandler(c.handleMessage)
	return c
}

// ID returns the client's identifier used in logs.
func (c *Client) ID() string { return c.id }

// Connect dials the server and blocks until the handshake (server/info)
// completes. Failures are returned as *ConnectionError.
func (c *Client) Connect(ctx context.Context) error {
	c.loopOnce.Do(func() { go c.run() })

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.conn != nil {
		select {
		case <-c.conn.Done():
			// Restoring a lost connection is left to the transport.
			return &ConnectionError{Op: "connect", Err: ErrConnectionClosed}
		default:
			return nil
		}
	}

	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}
	info, err := c.serverInfoOn(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return &ConnectionError{Op: "handshake", Err: err}
	}

	c.conn = conn
	c.generation++
	c.info = info
	c.config.logger.Info(fmt.Sprintf("Client %s: Connected (server API %s)", c.id, info.APIVersion))
	return nil
}

// Disconnect closes the connection with a normal closure and releases the
// transport, the dispatch workers and the lifecycle listeners. Subscriptions
// are dropped. The client cannot be reused.
func (c *Client) Disconnect() error {
	// Cancel first so an in-flight resubscription stops waiting and
	// releases stateMu.
	c.cancel()

	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.principal = nil
	c.commandSubs.clear()
	c.notificationSubs.clear()
	c.serverIDs.reset()
	c.commandUpdates.clear()
	c.lifecycle.Shutdown()
	c.stateMu.Unlock()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close(websocket.StatusNormalClosure, normalCloseReason)
	}
	transportErr := c.transport.Close()
	c.config.logger.Info(fmt.Sprintf("Client %s: Disconnected", c.id))
	return errors.Join(closeErr, transportErr)
}

// Info returns the server info fetched during the handshake.
func (c *Client) Info() *model.ApiInfo {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.info
}

// SendRequest stamps req with a fresh correlation ID, sends it on the
// current connection and waits for the response. Shared access is held only
// while sending.
func (c *Client) SendRequest(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	c.stateMu.RLock()
	if c.closed {
		c.stateMu.RUnlock()
		return nil, ErrClientClosed
	}
	conn := c.conn
	id, slot, err := c.transmit(ctx, conn, req)
	c.stateMu.RUnlock()
	if err != nil {
		return nil, err
	}
	return c.await(ctx, conn, id, slot)
}

// Request sends req and decodes the named member of the successful response
// into a T, keeping only the fields policy allows.
func Request[T any](ctx context.Context, c *Client, req protocol.Message, member string, policy *protocol.Policy) (*T, error) {
	resp, err := c.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeMember[T](resp, member, policy)
}

// requestOn is SendRequest on an explicit connection. Callers hold stateMu
// exclusively, which is why it does not lock.
func (c *Client) requestOn(ctx context.Context, conn Conn, req protocol.Message) (protocol.Message, error) {
	id, slot, err := c.transmit(ctx, conn, req)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, conn, id, slot)
}

// transmit registers the slot before sending so a fast response always finds it.
func (c *Client) transmit(ctx context.Context, conn Conn, req protocol.Message) (string, <-chan protocol.Message, error) {
	if conn == nil {
		return "", nil, ErrNotConnected
	}
	id := protocol.GenerateID()
	msg := req.Clone()
	msg.SetRequestID(id)

	slot := c.pending.register(id)
	if err := conn.Send(ctx, msg); err != nil {
		c.pending.remove(id)
		return "", nil, &ConnectionError{Op: "send " + req.Action(), Err: err}
	}
	c.config.logger.Debug(fmt.Sprintf("Client %s: Sent request (ID: %s) action '%s'", c.id, id, req.Action()))
	return id, slot, nil
}

func (c *Client) await(ctx context.Context, conn Conn, id string, slot <-chan protocol.Message) (protocol.Message, error) {
	defer c.pending.remove(id)

	timer := time.NewTimer(c.config.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		return checkResponse(resp)
	case <-timer.C:
		return nil, &ServerError{
			Code:    http.StatusServiceUnavailable,
			Message: fmt.Sprintf("no response for request %s within %v", id, c.config.requestTimeout),
			Err:     ErrRequestTimeout,
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-conn.Done():
		// The response may have landed just before the connection went away.
		select {
		case resp := <-slot:
			return checkResponse(resp)
		default:
		}
		return nil, ErrConnectionClosed
	}
}

func checkResponse(resp protocol.Message) (protocol.Message, error) {
	switch resp.Status() {
	case protocol.StatusSuccess:
		return resp, nil
	case protocol.StatusError:
		code, _ := resp.Int(protocol.MemberCode)
		return nil, statusError(int(code), resp.String(protocol.MemberError))
	default:
		return nil, fmt.Errorf("%w: no status in response to '%s'", ErrMalformedResponse, resp.Action())
	}
}

func decodeMember[T any](resp protocol.Message, member string, policy *protocol.Policy) (*T, error) {
	var v T
	if err := resp.Decode(member, policy, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return &v, nil
}

// exclusive runs fn with stateMu held for writing and the current connection.
func (c *Client) exclusive(fn func(conn Conn) error) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	return fn(c.conn)
}
