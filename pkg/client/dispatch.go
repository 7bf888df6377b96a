package client

import (
	"fmt"

	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

// handleMessage is installed as the transport's message handler and runs on
// the read loop, so it never blocks: responses resolve their pending slot,
// pushes are handed to the worker pool.
func (c *Client) handleMessage(_ Conn, msg protocol.Message) {
	if msg.IsResponse() {
		id := msg.RequestID()
		if !c.pending.resolve(id, msg) {
			c.config.logger.Debug(fmt.Sprintf("Client %s: Dropping response for unknown or expired request %s", c.id, id))
		}
		return
	}

	go func() {
		if err := c.workers.Acquire(c.ctx, 1); err != nil {
			return // client disconnected
		}
		defer c.workers.Release(1)
		c.dispatch(msg)
	}()
}

// dispatch routes one push under shared access, so it never observes a
// half-rebuilt subscription state. The handler itself runs after the lock
// is released; it may call back into the client.
func (c *Client) dispatch(msg protocol.Message) {
	c.stateMu.RLock()
	invoke := c.route(msg)
	c.stateMu.RUnlock()

	if invoke != nil {
		c.safeInvoke(msg.Action(), invoke)
	}
}

func (c *Client) route(msg protocol.Message) func() {
	switch action := msg.Action(); action {
	case protocol.ActionCommandInsert:
		var cmd model.DeviceCommand
		if err := msg.Decode(protocol.MemberCommand, protocol.PolicyCommandListed, &cmd); err != nil {
			c.config.logger.Info(fmt.Sprintf("Client %s: Dropping malformed %s push: %v", c.id, action, err))
			return nil
		}
		sub, ok := lookupSubscription(c.commandSubs, c.serverIDs, msg.SubscriptionID())
		if !ok {
			c.config.logger.Info(fmt.Sprintf("Client %s: No command subscription for server ID '%s'", c.id, msg.SubscriptionID()))
			return nil
		}
		return func() { sub.Handler(&cmd) }

	case protocol.ActionCommandUpdate:
		var cmd model.DeviceCommand
		if err := msg.Decode(protocol.MemberCommand, protocol.PolicyCommandUpdateToClient, &cmd); err != nil {
			c.config.logger.Info(fmt.Sprintf("Client %s: Dropping malformed %s push: %v", c.id, action, err))
			return nil
		}
		handler, ok := c.commandUpdates.take(cmd.ID)
		if !ok {
			c.config.logger.Debug(fmt.Sprintf("Client %s: No update handler waiting for command %d", c.id, cmd.ID))
			return nil
		}
		return func() { handler(&cmd) }

	case protocol.ActionNotificationInsert:
		var n model.DeviceNotification
		if err := msg.Decode(protocol.MemberNotification, protocol.PolicyNotificationToClient, &n); err != nil {
			c.config.logger.Info(fmt.Sprintf("Client %s: Dropping malformed %s push: %v", c.id, action, err))
			return nil
		}
		sub, ok := lookupSubscription(c.notificationSubs, c.serverIDs, msg.SubscriptionID())
		if !ok {
			c.config.logger.Info(fmt.Sprintf("Client %s: No notification subscription for server ID '%s'", c.id, msg.SubscriptionID()))
			return nil
		}
		return func() { sub.Handler(&n) }

	default:
		c.config.logger.Info(fmt.Sprintf("Client %s: Dropping push with unrecognized action '%s'", c.id, action))
		return nil
	}
}

func lookupSubscription[H any](store *subscriptionStore[H], ids *subscriptionIDMap, serverID string) (*Subscription[H], bool) {
	if serverID == "" {
		return nil, false
	}
	localID, ok := ids.local(serverID)
	if !ok {
		return nil, false
	}
	return store.get(localID)
}
