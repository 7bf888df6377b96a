// pkg/broker/peer.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

// peer is one client or device connection.
type peer struct {
	id     string
	role   Role
	conn   *websocket.Conn
	broker *Broker
	send   chan protocol.Message
	ctx    context.Context
	cancel context.CancelFunc
	locks  PeerLocks
	logger *slog.Logger

	principalMu sync.RWMutex
	principal   *model.Principal

	subsMu          sync.Mutex
	subs            map[string]*busSubscription
	deviceSubID     string // command subscription that bound this device
	subsClosed      bool
	droppedMessages atomic.Int32
}

// Locks implements Routable.
func (p *peer) Locks() *PeerLocks { return &p.locks }

func (p *peer) setPrincipal(pr *model.Principal) {
	p.principalMu.Lock()
	defer p.principalMu.Unlock()
	p.principal = pr
}

func (p *peer) currentPrincipal() *model.Principal {
	p.principalMu.RLock()
	defer p.principalMu.RUnlock()
	return p.principal
}

// addSubscription records sub unless the peer is already being removed.
func (p *peer) addSubscription(sub *busSubscription) bool {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if p.subsClosed {
		return false
	}
	p.subs[sub.id] = sub
	return true
}

func (p *peer) removeSubscription(id, prefix string) (*busSubscription, bool) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	sub, ok := p.subs[id]
	if !ok || sub.prefix != prefix {
		return nil, false
	}
	delete(p.subs, id)
	return sub, true
}

func (p *peer) clearSubscriptions() []*busSubscription {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.subsClosed = true
	out := make([]*busSubscription, 0, len(p.subs))
	for _, sub := range p.subs {
		out = append(out, sub)
	}
	p.subs = nil
	return out
}

func (p *peer) setDeviceSubscription(id string) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.deviceSubID = id
}

func (p *peer) deviceSubscription() string {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	return p.deviceSubID
}

// takeDeviceSubscription clears the device subscription if it is id.
func (p *peer) takeDeviceSubscription(id string) bool {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if p.deviceSubID == "" || p.deviceSubID != id {
		return false
	}
	p.deviceSubID = ""
	return true
}

func (p *peer) readPump() {
	defer p.broker.removePeer(p)

	for {
		_, data, err := p.conn.Read(p.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				p.logger.Info(fmt.Sprintf("Broker: Peer %s readPump closing gracefully: %v", p.id, err))
			} else {
				p.logger.Info(fmt.Sprintf("Broker: Peer %s read error in readPump: %v (status: %d)", p.id, err, status))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Info(fmt.Sprintf("Broker: Peer %s sent malformed message: %v", p.id, err))
			continue
		}
		if msg.Action() == "" {
			p.trySend(protocol.NewErrorResponse(msg, 400, "Action is required"))
			continue
		}
		go p.handleRequest(msg) // Process in goroutine to not block readPump
	}
}

// trySend queues msg without blocking. A peer that keeps a full queue is
// disconnected.
func (p *peer) trySend(msg protocol.Message) {
	select {
	case p.send <- msg:
	case <-p.ctx.Done():
		p.logger.Debug(fmt.Sprintf("Broker: Peer %s context done, cannot send %s", p.id, msg.Action()))
	default:
		dropped := p.droppedMessages.Add(1)
		p.logger.Info(fmt.Sprintf("Broker: Peer %s send channel full, %s dropped.", p.id, msg.Action()))
		if dropped >= maxDroppedMessages {
			p.logger.Info(fmt.Sprintf("Broker: Peer %s dropped %d messages, disconnecting slow peer.", p.id, dropped))
			go func() {
				p.conn.Close(websocket.StatusPolicyViolation, "too many dropped messages")
				p.broker.removePeer(p)
			}()
		}
	}
}

func (p *peer) writePump() {
	defer p.logger.Debug(fmt.Sprintf("Broker: Peer %s writePump stopping.", p.id))

	for {
		select {
		case msg := <-p.send:
			writeCtx, cancel := context.WithTimeout(p.ctx, p.broker.config.writeTimeout)
			err := wsjson.Write(writeCtx, p.conn, msg)
			cancel()
			if err != nil {
				p.logger.Info(fmt.Sprintf("Broker: Peer %s write error in writePump: %v. Closing connection.", p.id, err))
				p.conn.Close(websocket.StatusInternalError, "write error")
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *peer) pingLoop() {
	interval := p.broker.config.pingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(p.ctx, interval/2)
			err := p.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if p.ctx.Err() == nil {
					p.logger.Info(fmt.Sprintf("Broker: Peer %s ping failed: %v. Closing connection.", p.id, err))
					p.conn.Close(websocket.StatusPolicyViolation, "ping failure")
				}
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// forward drains sub's bus channel until it is closed, pushing matching
// events to the peer.
func (p *peer) forward(sub *busSubscription) {
	for v := range sub.ch {
		ev, ok := v.(busEvent)
		if !ok || p.ctx.Err() != nil || !sub.filter.MatchesName(ev.name) {
			continue
		}
		msg, err := protocol.NewPush(ev.action, sub.id, ev.member, ev.payload, ev.policy)
		if err != nil {
			p.logger.Info(fmt.Sprintf("Broker: Peer %s failed to build %s push: %v", p.id, ev.action, err))
			continue
		}
		p.trySend(msg)
	}
}
