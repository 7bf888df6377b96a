package broker

import "github.com/coder/websocket"

// HasCommandRoute reports whether updates for commandID still have a recipient.
func (b *Broker) HasCommandRoute(commandID int64) bool {
	_, ok := b.commands.LookupClientForCommand(commandID)
	return ok
}

// DropPeers closes every connection with code, as a restarting server would.
func (b *Broker) DropPeers(code websocket.StatusCode) {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()
	for _, p := range b.peers {
		go p.conn.Close(code, "dropped by test")
	}
}
