package client

import (
	"sync"

	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

// pendingRegistry maps a correlation ID to the one-slot channel its caller
// waits on. resolve deletes the entry before writing, so a slot is filled at
// most once; the caller removes the entry unconditionally when it stops
// waiting, so a late response finds nothing and is dropped.
type pendingRegistry struct {
	mu    sync.Mutex
	slots map[string]chan protocol.Message
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{slots: make(map[string]chan protocol.Message)}
}

// register creates the slot for id. It must be called before the request
// is transmitted.
func (r *pendingRegistry) register(id string) <-chan protocol.Message {
	ch := make(chan protocol.Message, 1)
	r.mu.Lock()
	r.slots[id] = ch
	r.mu.Unlock()
	return ch
}

// resolve hands msg to the waiter for id. It reports false when nobody is
// waiting any more.
func (r *pendingRegistry) resolve(id string, msg protocol.Message) bool {
	r.mu.Lock()
	ch, ok := r.slots[id]
	if ok {
		delete(r.slots, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg // capacity 1 and removed above, never blocks
	return true
}

func (r *pendingRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.slots, id)
	r.mu.Unlock()
}

func (r *pendingRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
