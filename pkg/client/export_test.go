package client

// Test hooks for the client_test package.

func (c *Client) PendingCount() int { return c.pending.len() }

func (c *Client) LocalSubscriptionID(serverID string) (string, bool) {
	return c.serverIDs.local(serverID)
}

func (c *Client) CommandUpdateHandlerCount() int { return c.commandUpdates.len() }

func (c *Client) SubscriptionCounts() (commands, notifications int) {
	return c.commandSubs.len(), c.notificationSubs.len()
}
