package broker

import (
	"context"
	"log/slog"
	"net/http"
	"testing"

	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDetachedPeer builds a peer with no socket, enough to run handlers on.
func newDetachedPeer(b *Broker, role Role) *peer {
	ctx, cancel := context.WithCancel(b.mainCtx)
	return &peer{
		id:     protocol.GenerateID(),
		role:   role,
		broker: b,
		send:   make(chan protocol.Message, 4),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*busSubscription),
		logger: b.config.logger,
	}
}

// detach mirrors the cleanup removePeer runs before closing the socket.
func detach(b *Broker, p *peer) {
	p.cancel()
	b.devices.UnbindDevice(p)
	b.commands.UnbindAllForConnection(p)
}

func TestLateRequestsDoNotRebindRemovedPeer(t *testing.T) {
	b, err := New(WithLogger(slog.Default()))
	require.NoError(t, err)
	t.Cleanup(func() { b.Shutdown(context.Background()) })

	t.Run("device subscribe", func(t *testing.T) {
		dev := newDetachedPeer(b, RoleDevice)
		detach(b, dev)

		resp := protocol.NewResponse(protocol.NewRequest(protocol.ActionCommandSubscribe))
		err := b.bindDeviceForCommands(dev, &model.SubscriptionFilter{DeviceGUIDs: []string{"d1"}}, resp)

		var re *requestError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, http.StatusGone, re.code)
		assert.False(t, b.DeviceOnline("d1"))
		_, bound := b.devices.DeviceOf(dev)
		assert.False(t, bound)
	})

	t.Run("command insert", func(t *testing.T) {
		cli := newDetachedPeer(b, RoleClient)
		detach(b, cli)

		req := protocol.NewRequest(protocol.ActionCommandInsert)
		require.NoError(t, req.Set(protocol.MemberDeviceGUID, "d1", nil))
		require.NoError(t, req.Set(protocol.MemberCommand, &model.DeviceCommand{Command: "blink"}, protocol.PolicyCommandFromClient))
		err := b.handleCommandInsert(cli, req, protocol.NewResponse(req))

		var re *requestError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, http.StatusGone, re.code)
		id := b.commandSeq.Load()
		require.NotZero(t, id)
		assert.False(t, b.HasCommandRoute(id))
	})

	t.Run("live peer still binds", func(t *testing.T) {
		dev := newDetachedPeer(b, RoleDevice)
		t.Cleanup(func() { detach(b, dev) })

		resp := protocol.NewResponse(protocol.NewRequest(protocol.ActionCommandSubscribe))
		require.NoError(t, b.bindDeviceForCommands(dev, &model.SubscriptionFilter{DeviceGUIDs: []string{"d2"}}, resp))
		assert.True(t, b.DeviceOnline("d2"))
	})
}
