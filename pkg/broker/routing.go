// pkg/broker/routing.go
package broker

import "sync"

// PeerLocks are the per-connection locks that scope routing-table mutations.
// Binders for different connections never contend.
type PeerLocks struct {
	device  sync.Mutex
	command sync.Mutex
}

// Routable is anything the routing tables can point at: a comparable
// connection handle carrying its own PeerLocks.
type Routable interface {
	comparable
	Locks() *PeerLocks
}

// DeviceRouter keeps the device ID <-> connection pairing. At most one
// connection is bound to a device, and a connection serves at most one device.
type DeviceRouter[P Routable] struct {
	devices sync.Map // deviceID -> P
	conns   sync.Map // P -> deviceID
}

// NewDeviceRouter returns an empty router.
func NewDeviceRouter[P Routable]() *DeviceRouter[P] {
	return &DeviceRouter[P]{}
}

// BindDevice routes commands for deviceID to conn. Any previous pairing of
// deviceID or of conn is removed in both directions.
//
// A connection's reverse entry is only ever mutated under that connection's
// lock, so the displaced connection is scrubbed after conn's lock is released.
func (r *DeviceRouter[P]) BindDevice(deviceID string, conn P) {
	prev, displaced := r.bind(deviceID, conn)
	if displaced {
		r.scrub(prev, deviceID)
	}
}

func (r *DeviceRouter[P]) bind(deviceID string, conn P) (prev P, displaced bool) {
	l := conn.Locks()
	l.device.Lock()
	defer l.device.Unlock()

	if old, ok := r.conns.LoadAndDelete(conn); ok && old.(string) != deviceID {
		r.devices.CompareAndDelete(old, conn)
	}
	v, loaded := r.devices.Swap(deviceID, conn)
	r.conns.Store(conn, deviceID)
	if loaded && v.(P) != conn {
		return v.(P), true
	}
	return prev, false
}

// scrub drops conn's reverse entry for deviceID unless conn owns it again.
func (r *DeviceRouter[P]) scrub(conn P, deviceID string) {
	l := conn.Locks()
	l.device.Lock()
	defer l.device.Unlock()

	if cur, ok := r.devices.Load(deviceID); ok && cur.(P) == conn {
		return
	}
	r.conns.CompareAndDelete(conn, deviceID)
}

// UnbindDevice removes whatever device is bound to conn. It is a no-op when
// the device has since moved to another connection.
func (r *DeviceRouter[P]) UnbindDevice(conn P) (deviceID string, ok bool) {
	l := conn.Locks()
	l.device.Lock()
	defer l.device.Unlock()

	v, ok := r.conns.LoadAndDelete(conn)
	if !ok {
		return "", false
	}
	deviceID = v.(string)
	return deviceID, r.devices.CompareAndDelete(deviceID, conn)
}

// LookupDeviceConnection returns the connection bound to deviceID.
func (r *DeviceRouter[P]) LookupDeviceConnection(deviceID string) (P, bool) {
	v, ok := r.devices.Load(deviceID)
	if !ok {
		var zero P
		return zero, false
	}
	return v.(P), true
}

// DeviceOf returns the device bound to conn.
func (r *DeviceRouter[P]) DeviceOf(conn P) (string, bool) {
	v, ok := r.conns.Load(conn)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// CommandRouter maps pending command IDs to the client connection that issued
// them, and tracks each connection's outstanding IDs for bulk removal.
type CommandRouter[P Routable] struct {
	commands sync.Map // commandID -> P
	tracked  sync.Map // P -> map[int64]struct{}, guarded by the connection's command lock
}

// NewCommandRouter returns an empty router.
func NewCommandRouter[P Routable]() *CommandRouter[P] {
	return &CommandRouter[P]{}
}

// BindPendingCommand routes updates for commandID back to conn.
func (r *CommandRouter[P]) BindPendingCommand(commandID int64, conn P) {
	l := conn.Locks()
	l.command.Lock()
	defer l.command.Unlock()

	v, _ := r.tracked.LoadOrStore(conn, make(map[int64]struct{}))
	v.(map[int64]struct{})[commandID] = struct{}{}
	r.commands.Store(commandID, conn)
}

// UnbindAllForConnection drops every command bound to conn. The cost is
// proportional to conn's own outstanding set.
func (r *CommandRouter[P]) UnbindAllForConnection(conn P) int {
	l := conn.Locks()
	l.command.Lock()
	defer l.command.Unlock()

	v, ok := r.tracked.LoadAndDelete(conn)
	if !ok {
		return 0
	}
	ids := v.(map[int64]struct{})
	for id := range ids {
		r.commands.CompareAndDelete(id, conn)
	}
	return len(ids)
}

// LookupClientForCommand returns the connection that issued commandID.
func (r *CommandRouter[P]) LookupClientForCommand(commandID int64) (P, bool) {
	v, ok := r.commands.Load(commandID)
	if !ok {
		var zero P
		return zero, false
	}
	return v.(P), true
}
