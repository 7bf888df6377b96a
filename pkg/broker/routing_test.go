package broker

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConn struct {
	name  string
	locks PeerLocks
}

func (c *testConn) Locks() *PeerLocks { return &c.locks }

func newTestConn(name string) *testConn { return &testConn{name: name} }

func TestDeviceRouter(t *testing.T) {
	t.Run("Rebinding a device moves it", func(t *testing.T) {
		r := NewDeviceRouter[*testConn]()
		c1, c2 := newTestConn("c1"), newTestConn("c2")

		r.BindDevice("dev", c1)
		r.BindDevice("dev", c2)

		got, ok := r.LookupDeviceConnection("dev")
		require.True(t, ok)
		assert.Same(t, c2, got)

		_, ok = r.UnbindDevice(c1)
		assert.False(t, ok, "old connection no longer owns the device")
		got, ok = r.LookupDeviceConnection("dev")
		require.True(t, ok)
		assert.Same(t, c2, got)
	})

	t.Run("Rebinding a connection drops its old device", func(t *testing.T) {
		r := NewDeviceRouter[*testConn]()
		c := newTestConn("c")

		r.BindDevice("dev-a", c)
		r.BindDevice("dev-b", c)

		_, ok := r.LookupDeviceConnection("dev-a")
		assert.False(t, ok)
		id, ok := r.DeviceOf(c)
		require.True(t, ok)
		assert.Equal(t, "dev-b", id)
	})

	t.Run("Rebinding to the same pair is stable", func(t *testing.T) {
		r := NewDeviceRouter[*testConn]()
		c := newTestConn("c")
		r.BindDevice("dev", c)
		r.BindDevice("dev", c)

		got, ok := r.LookupDeviceConnection("dev")
		require.True(t, ok)
		assert.Same(t, c, got)
		id, ok := r.UnbindDevice(c)
		assert.True(t, ok)
		assert.Equal(t, "dev", id)
		_, ok = r.LookupDeviceConnection("dev")
		assert.False(t, ok)
	})

	t.Run("Unbind without binding", func(t *testing.T) {
		r := NewDeviceRouter[*testConn]()
		_, ok := r.UnbindDevice(newTestConn("c"))
		assert.False(t, ok)
	})

	t.Run("Concurrent binders keep both directions consistent", func(t *testing.T) {
		r := NewDeviceRouter[*testConn]()
		conns := make([]*testConn, 16)
		for i := range conns {
			conns[i] = newTestConn(fmt.Sprintf("c%d", i))
		}

		var wg sync.WaitGroup
		for i, c := range conns {
			wg.Add(1)
			go func(i int, c *testConn) {
				defer wg.Done()
				for n := 0; n < 200; n++ {
					r.BindDevice(fmt.Sprintf("dev-%d", (i+n)%4), c)
					if n%7 == 0 {
						r.UnbindDevice(c)
					}
				}
			}(i, c)
		}
		wg.Wait()

		for d := 0; d < 4; d++ {
			dev := fmt.Sprintf("dev-%d", d)
			c, ok := r.LookupDeviceConnection(dev)
			if !ok {
				continue
			}
			back, ok := r.DeviceOf(c)
			assert.True(t, ok, "%s points at %s which has no reverse entry", dev, c.name)
			assert.Equal(t, dev, back)
		}
	})
}

func TestCommandRouter(t *testing.T) {
	t.Run("Unbind all for one connection", func(t *testing.T) {
		r := NewCommandRouter[*testConn]()
		c, other := newTestConn("c"), newTestConn("other")

		for _, id := range []int64{1, 2, 3} {
			r.BindPendingCommand(id, c)
		}
		r.BindPendingCommand(4, other)

		assert.Equal(t, 3, r.UnbindAllForConnection(c))
		for _, id := range []int64{1, 2, 3} {
			_, ok := r.LookupClientForCommand(id)
			assert.False(t, ok, "command %d still routed", id)
		}
		got, ok := r.LookupClientForCommand(4)
		require.True(t, ok)
		assert.Same(t, other, got)

		assert.Equal(t, 0, r.UnbindAllForConnection(c))
	})

	t.Run("Rebound command survives the old connection's cleanup", func(t *testing.T) {
		r := NewCommandRouter[*testConn]()
		c1, c2 := newTestConn("c1"), newTestConn("c2")
		r.BindPendingCommand(9, c1)
		r.BindPendingCommand(9, c2)

		r.UnbindAllForConnection(c1)
		got, ok := r.LookupClientForCommand(9)
		require.True(t, ok)
		assert.Same(t, c2, got)
	})

	t.Run("Concurrent bind and cleanup", func(t *testing.T) {
		r := NewCommandRouter[*testConn]()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c := newTestConn(fmt.Sprintf("c%d", i))
				for n := 0; n < 100; n++ {
					r.BindPendingCommand(int64(i*1000+n), c)
				}
				_, ok := r.LookupClientForCommand(int64(i * 1000))
				assert.True(t, ok)
				assert.Equal(t, 100, r.UnbindAllForConnection(c))
			}(i)
		}
		wg.Wait()

		n := 0
		r.commands.Range(func(_, _ any) bool { n++; return true })
		assert.Zero(t, n)
	})
}
