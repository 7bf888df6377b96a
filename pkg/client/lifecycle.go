package client

import (
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

const (
	topicConnectionLost     = "connection.lost"
	topicConnectionRestored = "connection.restored"
)

// OnConnectionLost registers fn to run, on its own goroutine, every time the
// connection closes abnormally. The returned func removes the registration.
func (c *Client) OnConnectionLost(fn func()) (cancel func()) {
	return c.onLifecycle(topicConnectionLost, fn)
}

// OnConnectionRestored registers fn to run, on its own goroutine, every time
// a reconnect has finished replaying authentication and subscriptions.
func (c *Client) OnConnectionRestored(fn func()) (cancel func()) {
	return c.onLifecycle(topicConnectionRestored, fn)
}

func (c *Client) onLifecycle(topic string, fn func()) func() {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.closed {
		return func() {}
	}

	ch := c.lifecycle.Sub(topic)
	go func() {
		// Drain until the bus closes ch so a publisher never blocks on us.
		for range ch {
			go c.safeInvoke(topic, fn)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.stateMu.RLock()
			defer c.stateMu.RUnlock()
			if !c.closed {
				c.lifecycle.Unsub(ch, topic)
			}
		})
	}
}

// publishLifecycle must be called with stateMu held (either mode) so it
// cannot race the bus shutdown in Disconnect.
func (c *Client) publishLifecycle(topic string) {
	if c.closed {
		return
	}
	c.lifecycle.Pub(struct{}{}, topic)
}

func (c *Client) safeInvoke(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.config.logger.Error(fmt.Sprintf("Client %s: %s handler panicked: %v", c.id, what, r))
		}
	}()
	fn()
}

// run consumes transport events until the client is disconnected.
func (c *Client) run() {
	events := c.transport.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) handleEvent(ev TransportEvent) {
	switch e := ev.(type) {
	case Opened:
		c.handleOpened(e.Conn)
	case Closed:
		c.handleClosed(e)
	case Faulted:
		c.config.logger.Info(fmt.Sprintf("Client %s: Transport fault: %v", c.id, e.Err))
	default:
		c.config.logger.Info(fmt.Sprintf("Client %s: Ignoring unknown transport event %T", c.id, ev))
	}
}

func (c *Client) handleClosed(e Closed) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	if c.closed || e.Conn != c.conn {
		return
	}
	if e.Code == websocket.StatusNormalClosure {
		c.config.logger.Info(fmt.Sprintf("Client %s: Connection closed normally: %s", c.id, e.Reason))
		return
	}
	c.config.logger.Info(fmt.Sprintf("Client %s: Connection lost (status: %d, reason: %q)", c.id, e.Code, e.Reason))
	c.publishLifecycle(topicConnectionLost)
}

// handleOpened swaps in a connection opened by the transport's reconnect
// policy and restores the session on it. A connection whose session cannot
// be restored is closed with StatusInternalError; retrying is left to the
// transport.
func (c *Client) handleOpened(conn Conn) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.closed || c.generation == 0 {
		// Nothing to restore onto: either shut down or never connected.
		conn.Close(websocket.StatusNormalClosure, normalCloseReason)
		return
	}

	c.conn = conn
	c.generation++
	c.config.logger.Info(fmt.Sprintf("Client %s: Reconnected (generation %d), restoring session", c.id, c.generation))

	if err := c.resubscribe(c.ctx, conn); err != nil {
		c.config.logger.Error(fmt.Sprintf("Client %s: Failed to restore session, closing connection: %v", c.id, err))
		conn.Close(websocket.StatusInternalError, "resubscription failed")
		return
	}
	c.publishLifecycle(topicConnectionRestored)
}
