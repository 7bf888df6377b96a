package client

import (
	"sync"

	"github.com/lightforgemedia/go-devicehive/pkg/model"
)

// CommandHandler receives commands pushed through a command subscription
// and command status updates.
type CommandHandler func(cmd *model.DeviceCommand)

// NotificationHandler receives notifications pushed through a notification
// subscription.
type NotificationHandler func(n *model.DeviceNotification)

// Subscription is the local record of an active push subscription. ID is
// generated by the client and stays the same across reconnects.
type Subscription[H any] struct {
	ID      string
	Filter  *model.SubscriptionFilter
	Handler H
}

// subscriptionStore holds the subscriptions of one channel (commands or
// notifications) keyed by local ID.
type subscriptionStore[H any] struct {
	mu   sync.RWMutex
	subs map[string]*Subscription[H]
}

func newSubscriptionStore[H any]() *subscriptionStore[H] {
	return &subscriptionStore[H]{subs: make(map[string]*Subscription[H])}
}

func (s *subscriptionStore[H]) add(sub *Subscription[H]) {
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
}

func (s *subscriptionStore[H]) remove(id string) (*Subscription[H], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	return sub, ok
}

func (s *subscriptionStore[H]) get(id string) (*Subscription[H], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	return sub, ok
}

// snapshot copies the current subscriptions so callers can iterate while
// the store keeps changing.
func (s *subscriptionStore[H]) snapshot() []*Subscription[H] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscription[H], 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *subscriptionStore[H]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *subscriptionStore[H]) clear() {
	s.mu.Lock()
	s.subs = make(map[string]*Subscription[H])
	s.mu.Unlock()
}

// subscriptionIDMap translates the ID the server assigned to a subscription
// into the local ID. Server IDs are only valid for one connection, so the
// map is reset before every resubscription.
type subscriptionIDMap struct {
	mu            sync.RWMutex
	serverToLocal map[string]string
	localToServer map[string]string
}

func newSubscriptionIDMap() *subscriptionIDMap {
	return &subscriptionIDMap{
		serverToLocal: make(map[string]string),
		localToServer: make(map[string]string),
	}
}

// set maps serverID to localID, dropping any server ID localID had before.
func (m *subscriptionIDMap) set(serverID, localID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.localToServer[localID]; ok {
		delete(m.serverToLocal, old)
	}
	m.serverToLocal[serverID] = localID
	m.localToServer[localID] = serverID
}

func (m *subscriptionIDMap) local(serverID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.serverToLocal[serverID]
	return id, ok
}

// removeLocal forgets localID and returns the server ID it was mapped to.
func (m *subscriptionIDMap) removeLocal(localID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	serverID, ok := m.localToServer[localID]
	if ok {
		delete(m.localToServer, localID)
		delete(m.serverToLocal, serverID)
	}
	return serverID, ok
}

func (m *subscriptionIDMap) reset() {
	m.mu.Lock()
	m.serverToLocal = make(map[string]string)
	m.localToServer = make(map[string]string)
	m.mu.Unlock()
}

func (m *subscriptionIDMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.serverToLocal)
}

// commandUpdateHandlers holds one-shot handlers keyed by command ID.
type commandUpdateHandlers struct {
	mu       sync.Mutex
	handlers map[int64]CommandHandler
}

func newCommandUpdateHandlers() *commandUpdateHandlers {
	return &commandUpdateHandlers{handlers: make(map[int64]CommandHandler)}
}

func (h *commandUpdateHandlers) put(commandID int64, handler CommandHandler) {
	h.mu.Lock()
	h.handlers[commandID] = handler
	h.mu.Unlock()
}

// take removes and returns the handler for commandID in one step.
func (h *commandUpdateHandlers) take(commandID int64) (CommandHandler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handler, ok := h.handlers[commandID]
	if ok {
		delete(h.handlers, commandID)
	}
	return handler, ok
}

func (h *commandUpdateHandlers) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

func (h *commandUpdateHandlers) clear() {
	h.mu.Lock()
	h.handlers = make(map[int64]CommandHandler)
	h.mu.Unlock()
}
