// pkg/broker/handlers.go
package broker

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

// requestError is a failed request's status code and message.
type requestError struct {
	code int
	msg  string
}

func (e *requestError) Error() string { return fmt.Sprintf("%d %s", e.code, e.msg) }

var errPeerClosing = &requestError{http.StatusGone, "Connection is closing"}

func badRequest(format string, args ...any) error {
	return &requestError{http.StatusBadRequest, fmt.Sprintf(format, args...)}
}

type requestHandler func(p *peer, req, resp protocol.Message) error

func (b *Broker) handlerFor(action string) (requestHandler, bool) {
	switch action {
	case protocol.ActionServerInfo:
		return b.handleServerInfo, true
	case protocol.ActionAuthenticate:
		return b.handleAuthenticate, true
	case protocol.ActionCommandSubscribe:
		return b.handleCommandSubscribe, true
	case protocol.ActionCommandUnsubscribe:
		return b.handleCommandUnsubscribe, true
	case protocol.ActionNotificationSubscribe:
		return b.handleNotificationSubscribe, true
	case protocol.ActionNotificationUnsubscribe:
		return b.handleNotificationUnsubscribe, true
	case protocol.ActionCommandInsert:
		return b.handleCommandInsert, true
	case protocol.ActionCommandUpdate:
		return b.handleCommandUpdate, true
	case protocol.ActionNotificationInsert:
		return b.handleNotificationInsert, true
	}
	return nil, false
}

func (p *peer) handleRequest(req protocol.Message) {
	action := req.Action()
	handler, ok := p.broker.handlerFor(action)
	if !ok {
		p.logger.Info(fmt.Sprintf("Broker: Peer %s sent unknown action '%s'", p.id, action))
		p.trySend(protocol.NewErrorResponse(req, http.StatusBadRequest, "Unknown action requested: "+action))
		return
	}

	resp := protocol.NewResponse(req)
	if err := handler(p, req, resp); err != nil {
		var re *requestError
		if !errors.As(err, &re) {
			re = &requestError{http.StatusInternalServerError, err.Error()}
		}
		p.logger.Info(fmt.Sprintf("Broker: Peer %s %s failed: %v", p.id, action, err))
		p.trySend(protocol.NewErrorResponse(req, re.code, re.msg))
		return
	}
	p.trySend(resp)
}

func (b *Broker) handleServerInfo(_ *peer, _, resp protocol.Message) error {
	return resp.Set(protocol.MemberInfo, b.serverInfo(), nil)
}

func (b *Broker) handleAuthenticate(p *peer, req, _ protocol.Message) error {
	var payload model.AuthPayload
	if err := req.DecodeAll(&payload); err != nil {
		return badRequest("Malformed credentials: %v", err)
	}
	principal := payload.Principal()
	if err := principal.Validate(); err != nil {
		return &requestError{http.StatusUnauthorized, "Invalid credentials"}
	}
	if p.role == RoleDevice && !principal.IsDevice() {
		return &requestError{http.StatusForbidden, "Device connections must authenticate as a device"}
	}
	if err := b.config.authenticator.Authenticate(p.ctx, principal); err != nil {
		return &requestError{http.StatusUnauthorized, "Invalid credentials"}
	}
	p.setPrincipal(principal)
	p.logger.Info(fmt.Sprintf("Broker: Peer %s authenticated", p.id))
	return nil
}

func decodeFilter(req protocol.Message) (*model.SubscriptionFilter, error) {
	if !req.Has(protocol.MemberFilter) {
		return nil, nil
	}
	var f model.SubscriptionFilter
	if err := req.Decode(protocol.MemberFilter, nil, &f); err != nil {
		return nil, badRequest("Malformed filter: %v", err)
	}
	return &f, nil
}

// handleCommandSubscribe binds a device connection for command delivery, or
// opens a command observer subscription for a client.
func (b *Broker) handleCommandSubscribe(p *peer, req, resp protocol.Message) error {
	filter, err := decodeFilter(req)
	if err != nil {
		return err
	}
	if p.role == RoleDevice {
		return b.bindDeviceForCommands(p, filter, resp)
	}
	return b.subscribe(p, topicCommands, filter, resp)
}

func (b *Broker) bindDeviceForCommands(p *peer, filter *model.SubscriptionFilter, resp protocol.Message) error {
	deviceID := ""
	if pr := p.currentPrincipal(); pr.IsDevice() {
		deviceID = pr.Device.ID
	} else if filter != nil && len(filter.DeviceGUIDs) > 0 {
		deviceID = filter.DeviceGUIDs[0]
	}
	if deviceID == "" {
		return badRequest("Device ID is required")
	}

	subID := protocol.GenerateID()
	p.setDeviceSubscription(subID)
	b.devices.BindDevice(deviceID, p)
	if p.ctx.Err() != nil {
		// removePeer cancels before it unbinds, so a bind that lands after
		// the cleanup is seen here and undone.
		b.devices.UnbindDevice(p)
		return errPeerClosing
	}
	p.logger.Info(fmt.Sprintf("Broker: Device %s is subscribed to commands on %s", deviceID, p.id))
	return resp.Set(protocol.MemberSubscriptionID, subID, nil)
}

func (b *Broker) handleCommandUnsubscribe(p *peer, req, _ protocol.Message) error {
	id := req.SubscriptionID()
	if p.role == RoleDevice && p.takeDeviceSubscription(id) {
		b.devices.UnbindDevice(p)
		return nil
	}
	return b.unsubscribe(p, topicCommands, id)
}

func (b *Broker) handleNotificationSubscribe(p *peer, req, resp protocol.Message) error {
	filter, err := decodeFilter(req)
	if err != nil {
		return err
	}
	return b.subscribe(p, topicNotifications, filter, resp)
}

func (b *Broker) handleNotificationUnsubscribe(p *peer, req, _ protocol.Message) error {
	return b.unsubscribe(p, topicNotifications, req.SubscriptionID())
}

func (b *Broker) subscribe(p *peer, prefix string, filter *model.SubscriptionFilter, resp protocol.Message) error {
	ch := b.bus.subscribe(prefix, filter)
	if ch == nil {
		return &requestError{http.StatusServiceUnavailable, "Server is shutting down"}
	}
	sub := &busSubscription{id: protocol.GenerateID(), prefix: prefix, filter: filter, ch: ch}
	go p.forward(sub)
	if !p.addSubscription(sub) {
		b.bus.unsubscribe(ch)
		return errPeerClosing
	}
	return resp.Set(protocol.MemberSubscriptionID, sub.id, nil)
}

func (b *Broker) unsubscribe(p *peer, prefix, id string) error {
	if id == "" {
		return badRequest("Subscription ID is required")
	}
	sub, ok := p.removeSubscription(id, prefix)
	if !ok {
		return &requestError{http.StatusNotFound, "Subscription not found: " + id}
	}
	b.bus.unsubscribe(sub.ch)
	return nil
}

// handleCommandInsert stores nothing: the command goes straight to the bound
// device, the issuer is recorded for updates and observers get a copy.
func (b *Broker) handleCommandInsert(p *peer, req, resp protocol.Message) error {
	guid := req.String(protocol.MemberDeviceGUID)
	if guid == "" {
		return badRequest("Device GUID is required")
	}
	var cmd model.DeviceCommand
	if err := req.Decode(protocol.MemberCommand, protocol.PolicyCommandFromClient, &cmd); err != nil {
		return badRequest("Malformed command: %v", err)
	}
	if cmd.Command == "" {
		return badRequest("Command name is required")
	}
	cmd.ID = b.commandSeq.Add(1)
	cmd.Timestamp = model.NewTimestamp(protocol.TimeNow())
	cmd.DeviceGUID = guid

	// The issuer is bound before the device can see the command.
	b.commands.BindPendingCommand(cmd.ID, p)
	if p.ctx.Err() != nil {
		b.commands.UnbindAllForConnection(p)
		return errPeerClosing
	}

	if device, ok := b.devices.LookupDeviceConnection(guid); ok {
		push, err := protocol.NewPush(protocol.ActionCommandInsert, device.deviceSubscription(), protocol.MemberCommand, &cmd, protocol.PolicyCommandToDevice)
		if err != nil {
			return err
		}
		device.trySend(push)
	} else {
		p.logger.Debug(fmt.Sprintf("Broker: Device %s is not connected, command %d not delivered", guid, cmd.ID))
	}

	b.bus.publish(topicCommands, guid, busEvent{
		action:  protocol.ActionCommandInsert,
		name:    cmd.Command,
		member:  protocol.MemberCommand,
		payload: &cmd,
		policy:  protocol.PolicyCommandListed,
	})
	return resp.Set(protocol.MemberCommand, &cmd, protocol.PolicyCommandToClient)
}

// handleCommandUpdate routes a device's status report to exactly the client
// that issued the command.
func (b *Broker) handleCommandUpdate(p *peer, req, _ protocol.Message) error {
	var update model.DeviceCommand
	if err := req.Decode(protocol.MemberCommand, protocol.PolicyCommandUpdateFromDevice, &update); err != nil {
		return badRequest("Malformed command update: %v", err)
	}
	if id, ok := req.Int(protocol.MemberCommandID); ok {
		update.ID = id
	}
	if update.ID == 0 {
		return badRequest("Command ID is required")
	}
	update.DeviceGUID = req.String(protocol.MemberDeviceGUID)
	if update.DeviceGUID == "" {
		if id, ok := b.devices.DeviceOf(p); ok {
			update.DeviceGUID = id
		}
	}

	issuer, ok := b.commands.LookupClientForCommand(update.ID)
	if !ok {
		p.logger.Debug(fmt.Sprintf("Broker: No client waiting for updates of command %d", update.ID))
		return nil
	}
	push, err := protocol.NewPush(protocol.ActionCommandUpdate, "", protocol.MemberCommand, &update, protocol.PolicyCommandUpdateToClient)
	if err != nil {
		return err
	}
	issuer.trySend(push)
	return nil
}

func (b *Broker) handleNotificationInsert(p *peer, req, resp protocol.Message) error {
	guid := req.String(protocol.MemberDeviceGUID)
	if guid == "" {
		if id, ok := b.devices.DeviceOf(p); ok {
			guid = id
		} else {
			return badRequest("Device GUID is required")
		}
	}
	var n model.DeviceNotification
	if err := req.Decode(protocol.MemberNotification, protocol.PolicyNotificationFromDevice, &n); err != nil {
		return badRequest("Malformed notification: %v", err)
	}
	if n.Notification == "" {
		return badRequest("Notification name is required")
	}
	n.ID = b.notificationSeq.Add(1)
	n.Timestamp = model.NewTimestamp(protocol.TimeNow())
	n.DeviceGUID = guid

	b.bus.publish(topicNotifications, guid, busEvent{
		action:  protocol.ActionNotificationInsert,
		name:    n.Notification,
		member:  protocol.MemberNotification,
		payload: &n,
		policy:  protocol.PolicyNotificationToClient,
	})
	return resp.Set(protocol.MemberNotification, &n, protocol.PolicyNotificationToDevice)
}
