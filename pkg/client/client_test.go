package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-devicehive/pkg/client"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
	"github.com/lightforgemedia/go-devicehive/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	transport *testutil.FakeTransport
	server    *testutil.FakeServer
	client    *client.Client
}

func newFixture(t *testing.T, opts ...client.Option) *fixture {
	t.Helper()
	fs := testutil.NewFakeServer()
	ft := testutil.NewFakeTransport(fs.Respond)
	opts = append([]client.Option{
		client.WithLogger(testutil.DefaultLogger),
		client.WithRequestTimeout(2 * time.Second),
	}, opts...)
	c := client.New(ft, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Disconnect() })

	return &fixture{transport: ft, server: fs, client: c}
}

func commandPush(t *testing.T, serverSubID string, cmd model.DeviceCommand) protocol.Message {
	t.Helper()
	msg, err := protocol.NewPush(protocol.ActionCommandInsert, serverSubID, protocol.MemberCommand, cmd, protocol.PolicyCommandListed)
	require.NoError(t, err)
	return msg
}

func notificationPush(t *testing.T, serverSubID string, n model.DeviceNotification) protocol.Message {
	t.Helper()
	msg, err := protocol.NewPush(protocol.ActionNotificationInsert, serverSubID, protocol.MemberNotification, n, protocol.PolicyNotificationToClient)
	require.NoError(t, err)
	return msg
}

func TestConnect(t *testing.T) {
	t.Run("Handshake fetches server info", func(t *testing.T) {
		f := newFixture(t)
		info := f.client.Info()
		require.NotNil(t, info)
		assert.Equal(t, "3.0.0", info.APIVersion)
		assert.Equal(t, 1, f.transport.Current().SentActions(protocol.ActionServerInfo))
	})

	t.Run("Dial failure is a connection error", func(t *testing.T) {
		ft := testutil.NewFakeTransport(testutil.NewFakeServer().Respond)
		ft.SetDialError(errors.New("connection refused"))
		c := client.New(ft, client.WithLogger(testutil.DefaultLogger))
		defer c.Disconnect()

		err := c.Connect(context.Background())
		var connErr *client.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "dial", connErr.Op)
	})

	t.Run("Handshake failure is a connection error", func(t *testing.T) {
		fs := testutil.NewFakeServer()
		fs.Fail(protocol.ActionServerInfo, http.StatusInternalServerError, "boom")
		ft := testutil.NewFakeTransport(fs.Respond)
		c := client.New(ft, client.WithLogger(testutil.DefaultLogger))
		defer c.Disconnect()

		err := c.Connect(context.Background())
		var connErr *client.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "handshake", connErr.Op)
		var serverErr *client.ServerError
		assert.ErrorAs(t, err, &serverErr)

		_, err = c.ServerInfo(context.Background())
		assert.ErrorIs(t, err, client.ErrNotConnected)
	})

	t.Run("Disconnect closes normally", func(t *testing.T) {
		f := newFixture(t)
		conn := f.transport.Current()
		require.NoError(t, f.client.Disconnect())

		code, reason, byClient := conn.ClientCloseCode()
		require.True(t, byClient)
		assert.Equal(t, websocket.StatusNormalClosure, code)
		assert.Equal(t, "Bye.", reason)

		_, err := f.client.ServerInfo(context.Background())
		assert.ErrorIs(t, err, client.ErrClientClosed)
		assert.NoError(t, f.client.Disconnect(), "second Disconnect is a no-op")
	})

	t.Run("Connect on a live connection is a no-op", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.client.Connect(context.Background()))
		assert.Len(t, f.transport.Conns(), 1)
	})

	t.Run("Connect reports a dead connection", func(t *testing.T) {
		f := newFixture(t)
		f.transport.Drop(f.transport.Current(), websocket.StatusInternalError, "resubscription failed")

		err := f.client.Connect(context.Background())
		var connErr *client.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "connect", connErr.Op)
		assert.ErrorIs(t, err, client.ErrConnectionClosed)
		assert.Len(t, f.transport.Conns(), 1, "no second dial")
	})
}

func TestRequestCorrelation(t *testing.T) {
	t.Run("Concurrent requests get distinct IDs", func(t *testing.T) {
		f := newFixture(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.client.ServerInfo(context.Background())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		seen := map[string]bool{}
		for _, m := range f.transport.Current().Sent() {
			id := m.RequestID()
			require.NotEmpty(t, id)
			assert.False(t, seen[id], "duplicate correlation ID %s", id)
			seen[id] = true
		}
		assert.Equal(t, 0, f.client.PendingCount())
	})

	t.Run("Timeout is a 503 and leaves no registry entry", func(t *testing.T) {
		f := newFixture(t, client.WithRequestTimeout(100*time.Millisecond))
		f.server.Silence(protocol.ActionServerInfo)

		_, err := f.client.ServerInfo(context.Background())
		require.ErrorIs(t, err, client.ErrRequestTimeout)
		var serverErr *client.ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Equal(t, http.StatusServiceUnavailable, serverErr.Code)
		assert.Equal(t, 0, f.client.PendingCount())
	})

	t.Run("Late response is dropped", func(t *testing.T) {
		f := newFixture(t, client.WithRequestTimeout(100*time.Millisecond))
		f.server.Silence(protocol.ActionServerInfo)
		conn := f.transport.Current()

		_, err := f.client.ServerInfo(context.Background())
		require.ErrorIs(t, err, client.ErrRequestTimeout)

		req := conn.LastSent(protocol.ActionServerInfo)
		require.NotNil(t, req)
		assert.NotPanics(t, func() {
			f.transport.Push(conn, protocol.NewResponse(req))
		})
		assert.Equal(t, 0, f.client.PendingCount())
	})

	t.Run("Response for an unknown ID is dropped", func(t *testing.T) {
		f := newFixture(t)
		var fired atomic.Int32
		_, err := f.client.SubscribeCommands(context.Background(), nil, func(*model.DeviceCommand) { fired.Add(1) })
		require.NoError(t, err)

		stray := protocol.NewRequest(protocol.ActionCommandInsert)
		stray.SetRequestID("no-such-request")
		stray.Set(protocol.MemberStatus, protocol.StatusSuccess, nil)
		f.transport.Push(f.transport.Current(), stray)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), fired.Load())
		assert.Equal(t, 0, f.client.PendingCount())
	})

	t.Run("Cancelled caller is interrupted", func(t *testing.T) {
		f := newFixture(t)
		f.server.Silence(protocol.ActionServerInfo)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)
		_, err := f.client.ServerInfo(ctx)
		assert.ErrorIs(t, err, client.ErrInterrupted)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, f.client.PendingCount())
	})

	t.Run("Connection loss ends the wait", func(t *testing.T) {
		f := newFixture(t)
		f.server.Silence(protocol.ActionServerInfo)
		conn := f.transport.Current()

		time.AfterFunc(50*time.Millisecond, func() {
			f.transport.Drop(conn, websocket.StatusAbnormalClosure, "")
		})
		_, err := f.client.ServerInfo(context.Background())
		assert.ErrorIs(t, err, client.ErrConnectionClosed)
	})

	t.Run("Error codes are classified by family", func(t *testing.T) {
		f := newFixture(t)
		f.server.Fail(protocol.ActionCommandSubscribe, http.StatusNotFound, "Device not found")
		f.server.Fail(protocol.ActionNotificationSubscribe, http.StatusInternalServerError, "db down")

		_, err := f.client.SubscribeCommands(context.Background(), nil, func(*model.DeviceCommand) {})
		var clientErr *client.ClientError
		require.ErrorAs(t, err, &clientErr)
		assert.Equal(t, http.StatusNotFound, clientErr.Code)
		assert.Equal(t, "Device not found", clientErr.Message)

		_, err = f.client.SubscribeNotifications(context.Background(), nil, func(*model.DeviceNotification) {})
		var serverErr *client.ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Equal(t, http.StatusInternalServerError, serverErr.Code)

		commands, notifications := f.client.SubscriptionCounts()
		assert.Zero(t, commands)
		assert.Zero(t, notifications)
	})

	t.Run("Missing member is a malformed response", func(t *testing.T) {
		f := newFixture(t)
		f.transport.SetResponder(func(_ *testutil.FakeConn, req protocol.Message) protocol.Message {
			return protocol.NewResponse(req) // success without the info member
		})

		_, err := f.client.ServerInfo(context.Background())
		assert.ErrorIs(t, err, client.ErrMalformedResponse)
		assert.ErrorIs(t, err, protocol.ErrMissingMember)
	})

	t.Run("Missing status is a malformed response", func(t *testing.T) {
		f := newFixture(t)
		f.transport.SetResponder(func(_ *testutil.FakeConn, req protocol.Message) protocol.Message {
			m := protocol.NewRequest(req.Action())
			m.SetRequestID(req.RequestID())
			return m
		})

		_, err := f.client.ServerInfo(context.Background())
		assert.ErrorIs(t, err, client.ErrMalformedResponse)
	})
}

func TestPushDispatch(t *testing.T) {
	t.Run("Command push reaches the subscription by server ID", func(t *testing.T) {
		f := newFixture(t)
		filter := &model.SubscriptionFilter{DeviceGUIDs: []string{"dev-1"}, Names: []string{"reboot"}}

		got := make(chan *model.DeviceCommand, 1)
		var notificationsFired atomic.Int32
		_, err := f.client.SubscribeCommands(context.Background(), filter, func(cmd *model.DeviceCommand) { got <- cmd })
		require.NoError(t, err)
		_, err = f.client.SubscribeNotifications(context.Background(), nil, func(*model.DeviceNotification) { notificationsFired.Add(1) })
		require.NoError(t, err)
		require.Equal(t, []string{"srv-1", "srv-2"}, f.server.IssuedSubscriptionIDs())

		// The filter went to the server untouched.
		var sentFilter model.SubscriptionFilter
		req := f.transport.Current().LastSent(protocol.ActionCommandSubscribe)
		require.NoError(t, req.Decode(protocol.MemberFilter, nil, &sentFilter))
		assert.Equal(t, *filter, sentFilter)

		f.transport.Push(f.transport.Current(), commandPush(t, "srv-1", model.DeviceCommand{
			ID: 42, Command: "reboot", DeviceGUID: "dev-1", Parameters: json.RawMessage(`{"delay":5}`),
		}))

		select {
		case cmd := <-got:
			assert.Equal(t, int64(42), cmd.ID)
			assert.Equal(t, "reboot", cmd.Command)
			assert.JSONEq(t, `{"delay":5}`, string(cmd.Parameters))
		case <-time.After(2 * time.Second):
			t.Fatal("command handler not invoked")
		}
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), notificationsFired.Load())
	})

	t.Run("Notification push", func(t *testing.T) {
		f := newFixture(t)
		got := make(chan *model.DeviceNotification, 1)
		_, err := f.client.SubscribeNotifications(context.Background(), nil, func(n *model.DeviceNotification) { got <- n })
		require.NoError(t, err)

		f.transport.Push(f.transport.Current(), notificationPush(t, "srv-1", model.DeviceNotification{
			ID: 9, Notification: "temperature", DeviceGUID: "dev-1",
		}))

		select {
		case n := <-got:
			assert.Equal(t, "temperature", n.Notification)
			assert.Equal(t, "dev-1", n.DeviceGUID)
		case <-time.After(2 * time.Second):
			t.Fatal("notification handler not invoked")
		}
	})

	t.Run("Unknown server ID and unknown action are dropped", func(t *testing.T) {
		f := newFixture(t)
		var fired atomic.Int32
		_, err := f.client.SubscribeCommands(context.Background(), nil, func(*model.DeviceCommand) { fired.Add(1) })
		require.NoError(t, err)

		conn := f.transport.Current()
		f.transport.Push(conn, commandPush(t, "srv-unknown", model.DeviceCommand{ID: 1}))
		f.transport.Push(conn, protocol.NewRequest("device/delete"))
		f.transport.Push(conn, protocol.Message{protocol.MemberAction: json.RawMessage(`"command/insert"`), protocol.MemberCommand: json.RawMessage(`"not an object"`)})

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, int32(0), fired.Load())
	})

	t.Run("Panicking handler does not stop dispatch", func(t *testing.T) {
		f := newFixture(t)
		var calls atomic.Int32
		_, err := f.client.SubscribeCommands(context.Background(), nil, func(*model.DeviceCommand) {
			calls.Add(1)
			panic("handler bug")
		})
		require.NoError(t, err)

		conn := f.transport.Current()
		f.transport.Push(conn, commandPush(t, "srv-1", model.DeviceCommand{ID: 1}))
		f.transport.Push(conn, commandPush(t, "srv-1", model.DeviceCommand{ID: 2}))

		require.NoError(t, testutil.WaitFor(t, "two handler calls", 2*time.Second, func() bool {
			return calls.Load() == 2
		}))
	})

	t.Run("Handler may call back into the client", func(t *testing.T) {
		f := newFixture(t)
		done := make(chan error, 1)
		_, err := f.client.SubscribeCommands(context.Background(), nil, func(cmd *model.DeviceCommand) {
			_, err := f.client.SubscribeNotifications(context.Background(), nil, func(*model.DeviceNotification) {})
			done <- err
		})
		require.NoError(t, err)

		f.transport.Push(f.transport.Current(), commandPush(t, "srv-1", model.DeviceCommand{ID: 1}))
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("handler blocked")
		}
	})

	t.Run("Unsubscribe uses the server ID and stops delivery", func(t *testing.T) {
		f := newFixture(t)
		var fired atomic.Int32
		localID, err := f.client.SubscribeCommands(context.Background(), nil, func(*model.DeviceCommand) { fired.Add(1) })
		require.NoError(t, err)

		require.NoError(t, f.client.UnsubscribeCommands(context.Background(), localID))
		req := f.transport.Current().LastSent(protocol.ActionCommandUnsubscribe)
		require.NotNil(t, req)
		assert.Equal(t, "srv-1", req.SubscriptionID())

		f.transport.Push(f.transport.Current(), commandPush(t, "srv-1", model.DeviceCommand{ID: 1}))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), fired.Load())

		err = f.client.UnsubscribeCommands(context.Background(), localID)
		assert.ErrorIs(t, err, client.ErrUnknownSubscription)
	})
}

func TestCommandUpdates(t *testing.T) {
	t.Run("One-shot handler fires exactly once", func(t *testing.T) {
		f := newFixture(t)
		var calls atomic.Int32
		var status atomic.Value

		stored, err := f.client.InsertCommand(context.Background(), "dev-1", &model.DeviceCommand{Command: "reboot"},
			func(cmd *model.DeviceCommand) {
				calls.Add(1)
				status.Store(cmd.Status)
			})
		require.NoError(t, err)
		require.NotZero(t, stored.ID)
		assert.Equal(t, "reboot", stored.Command)
		assert.Equal(t, "dev-1", stored.DeviceGUID)
		assert.Equal(t, 1, f.client.CommandUpdateHandlerCount())

		update, err := protocol.NewPush(protocol.ActionCommandUpdate, "", protocol.MemberCommand,
			model.DeviceCommand{ID: stored.ID, Status: "done"}, protocol.PolicyCommandUpdateToClient)
		require.NoError(t, err)
		conn := f.transport.Current()
		f.transport.Push(conn, update)
		f.transport.Push(conn, update)

		require.NoError(t, testutil.WaitFor(t, "update handler", 2*time.Second, func() bool {
			return calls.Load() == 1
		}))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, "done", status.Load())
		assert.Equal(t, 0, f.client.CommandUpdateHandlerCount())
	})

	t.Run("Update without a waiting handler is dropped", func(t *testing.T) {
		f := newFixture(t)
		update, err := protocol.NewPush(protocol.ActionCommandUpdate, "", protocol.MemberCommand,
			model.DeviceCommand{ID: 999, Status: "done"}, protocol.PolicyCommandUpdateToClient)
		require.NoError(t, err)
		assert.NotPanics(t, func() { f.transport.Push(f.transport.Current(), update) })
	})

	t.Run("Device reports status", func(t *testing.T) {
		f := newFixture(t)
		err := f.client.UpdateCommand(context.Background(), "dev-1", &model.DeviceCommand{
			ID: 5, Status: "done", Result: json.RawMessage(`{"ok":true}`), Command: "ignored",
		})
		require.NoError(t, err)

		req := f.transport.Current().LastSent(protocol.ActionCommandUpdate)
		require.NotNil(t, req)
		id, ok := req.Int(protocol.MemberCommandID)
		require.True(t, ok)
		assert.Equal(t, int64(5), id)

		var sent map[string]json.RawMessage
		require.NoError(t, req.Decode(protocol.MemberCommand, nil, &sent))
		assert.Contains(t, sent, "status")
		assert.NotContains(t, sent, "command")
	})

	t.Run("Notification insert returns stored notification", func(t *testing.T) {
		f := newFixture(t)
		n, err := f.client.InsertNotification(context.Background(), "dev-1", &model.DeviceNotification{Notification: "temperature"})
		require.NoError(t, err)
		assert.NotZero(t, n.ID)
		assert.NotNil(t, n.Timestamp)
		assert.Equal(t, "temperature", n.Notification)
	})

	t.Run("Nil payloads are rejected before sending", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		_, err := f.client.InsertCommand(ctx, "dev-1", nil, nil)
		assert.Error(t, err)
		assert.Error(t, f.client.UpdateCommand(ctx, "dev-1", nil))
		_, err = f.client.InsertNotification(ctx, "dev-1", nil)
		assert.Error(t, err)

		conn := f.transport.Current()
		assert.Zero(t, conn.SentActions(protocol.ActionCommandInsert))
		assert.Zero(t, conn.SentActions(protocol.ActionCommandUpdate))
		assert.Zero(t, conn.SentActions(protocol.ActionNotificationInsert))
	})
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)

	err := f.client.Authenticate(context.Background(), &model.Principal{})
	assert.ErrorIs(t, err, model.ErrInvalidPrincipal)

	require.NoError(t, f.client.Authenticate(context.Background(), model.NewUserPrincipal("admin", "secret")))
	req := f.transport.Current().LastSent(protocol.ActionAuthenticate)
	require.NotNil(t, req)
	assert.Equal(t, "admin", req.String("login"))
	assert.Equal(t, "secret", req.String("password"))

	f.server.Fail(protocol.ActionAuthenticate, http.StatusUnauthorized, "Invalid credentials")
	err = f.client.Authenticate(context.Background(), model.NewAccessKeyPrincipal("bad"))
	var clientErr *client.ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, http.StatusUnauthorized, clientErr.Code)
}
