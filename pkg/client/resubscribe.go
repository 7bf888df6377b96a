package client

import (
	"context"
	"fmt"

	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

// resubscribe replays authentication and every active subscription on conn.
// The caller holds stateMu exclusively. Server IDs from the previous
// connection are dropped up front so none of them can resolve afterwards,
// even when the replay stops half way.
func (c *Client) resubscribe(ctx context.Context, conn Conn) error {
	c.serverIDs.reset()

	if c.principal != nil {
		if err := c.authenticateOn(ctx, conn, c.principal); err != nil {
			return fmt.Errorf("re-authenticate: %w", err)
		}
	}

	commands := c.commandSubs.snapshot()
	notifications := c.notificationSubs.snapshot()

	for _, sub := range commands {
		serverID, err := c.subscribeOn(ctx, conn, protocol.ActionCommandSubscribe, sub.Filter)
		if err != nil {
			return fmt.Errorf("resubscribe commands %s: %w", sub.ID, err)
		}
		c.serverIDs.set(serverID, sub.ID)
	}
	for _, sub := range notifications {
		serverID, err := c.subscribeOn(ctx, conn, protocol.ActionNotificationSubscribe, sub.Filter)
		if err != nil {
			return fmt.Errorf("resubscribe notifications %s: %w", sub.ID, err)
		}
		c.serverIDs.set(serverID, sub.ID)
	}

	c.config.logger.Info(fmt.Sprintf("Client %s: Restored %d command and %d notification subscriptions",
		c.id, len(commands), len(notifications)))
	return nil
}
