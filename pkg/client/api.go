package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

// ServerInfo fetches the server's API info.
func (c *Client) ServerInfo(ctx context.Context) (*model.ApiInfo, error) {
	return Request[model.ApiInfo](ctx, c, protocol.NewRequest(protocol.ActionServerInfo), protocol.MemberInfo, nil)
}

func (c *Client) serverInfoOn(ctx context.Context, conn Conn) (*model.ApiInfo, error) {
	resp, err := c.requestOn(ctx, conn, protocol.NewRequest(protocol.ActionServerInfo))
	if err != nil {
		return nil, err
	}
	return decodeMember[model.ApiInfo](resp, protocol.MemberInfo, nil)
}

// Authenticate identifies this peer. The principal is remembered and
// replayed after every reconnect.
func (c *Client) Authenticate(ctx context.Context, p *model.Principal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return c.exclusive(func(conn Conn) error {
		if err := c.authenticateOn(ctx, conn, p); err != nil {
			return err
		}
		c.principal = p
		return nil
	})
}

func (c *Client) authenticateOn(ctx context.Context, conn Conn, p *model.Principal) error {
	req := protocol.NewRequest(protocol.ActionAuthenticate)
	if err := req.Merge(p.Payload()); err != nil {
		return err
	}
	_, err := c.requestOn(ctx, conn, req)
	return err
}

// SubscribeCommands subscribes to commands matching filter and returns the
// local subscription ID. handler runs for every pushed command.
func (c *Client) SubscribeCommands(ctx context.Context, filter *model.SubscriptionFilter, handler CommandHandler) (string, error) {
	if handler == nil {
		return "", errors.New("client: nil command handler")
	}
	return subscribe(ctx, c, c.commandSubs, protocol.ActionCommandSubscribe, filter, handler)
}

// UnsubscribeCommands removes a command subscription by local ID.
func (c *Client) UnsubscribeCommands(ctx context.Context, subscriptionID string) error {
	return unsubscribe(ctx, c, c.commandSubs, protocol.ActionCommandUnsubscribe, subscriptionID)
}

// SubscribeNotifications subscribes to notifications matching filter and
// returns the local subscription ID.
func (c *Client) SubscribeNotifications(ctx context.Context, filter *model.SubscriptionFilter, handler NotificationHandler) (string, error) {
	if handler == nil {
		return "", errors.New("client: nil notification handler")
	}
	return subscribe(ctx, c, c.notificationSubs, protocol.ActionNotificationSubscribe, filter, handler)
}

// UnsubscribeNotifications removes a notification subscription by local ID.
func (c *Client) UnsubscribeNotifications(ctx context.Context, subscriptionID string) error {
	return unsubscribe(ctx, c, c.notificationSubs, protocol.ActionNotificationUnsubscribe, subscriptionID)
}

func subscribe[H any](ctx context.Context, c *Client, store *subscriptionStore[H], action string, filter *model.SubscriptionFilter, handler H) (string, error) {
	var localID string
	err := c.exclusive(func(conn Conn) error {
		serverID, err := c.subscribeOn(ctx, conn, action, filter)
		if err != nil {
			return err
		}
		sub := &Subscription[H]{ID: protocol.GenerateID(), Filter: filter, Handler: handler}
		store.add(sub)
		c.serverIDs.set(serverID, sub.ID)
		localID = sub.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	c.config.logger.Info(fmt.Sprintf("Client %s: Subscribed (%s, local ID %s)", c.id, action, localID))
	return localID, nil
}

// unsubscribe drops the local subscription first; the server side is told
// with the ID it assigned on the current connection.
func unsubscribe[H any](ctx context.Context, c *Client, store *subscriptionStore[H], action, localID string) error {
	return c.exclusive(func(conn Conn) error {
		if _, ok := store.remove(localID); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSubscription, localID)
		}
		serverID, ok := c.serverIDs.removeLocal(localID)
		if !ok {
			// Not live on this connection (an earlier resubscription failed).
			return nil
		}
		req := protocol.NewRequest(action)
		if err := req.Set(protocol.MemberSubscriptionID, serverID, nil); err != nil {
			return err
		}
		_, err := c.requestOn(ctx, conn, req)
		return err
	})
}

func (c *Client) subscribeOn(ctx context.Context, conn Conn, action string, filter *model.SubscriptionFilter) (string, error) {
	req := protocol.NewRequest(action)
	if filter != nil {
		if err := req.Set(protocol.MemberFilter, filter, nil); err != nil {
			return "", err
		}
	}
	resp, err := c.requestOn(ctx, conn, req)
	if err != nil {
		return "", err
	}
	serverID := resp.SubscriptionID()
	if serverID == "" {
		return "", fmt.Errorf("%w: '%s' response without subscriptionId", ErrMalformedResponse, action)
	}
	return serverID, nil
}

// OnCommandUpdate registers a one-shot handler for the next status update of
// commandID. A later registration for the same ID replaces the earlier one.
func (c *Client) OnCommandUpdate(commandID int64, handler CommandHandler) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.commandUpdates.put(commandID, handler)
}

// InsertCommand asks the server to deliver cmd to deviceGUID and returns the
// stored command (ID, timestamp, user). When onUpdate is non-nil it is
// registered as the one-shot update handler for the new command before any
// update can be dispatched.
func (c *Client) InsertCommand(ctx context.Context, deviceGUID string, cmd *model.DeviceCommand, onUpdate CommandHandler) (*model.DeviceCommand, error) {
	if cmd == nil {
		return nil, errors.New("client: nil command")
	}
	req := protocol.NewRequest(protocol.ActionCommandInsert)
	if err := req.Set(protocol.MemberDeviceGUID, deviceGUID, nil); err != nil {
		return nil, err
	}
	if err := req.Set(protocol.MemberCommand, cmd, protocol.PolicyCommandFromClient); err != nil {
		return nil, err
	}

	var stored *model.DeviceCommand
	if onUpdate == nil {
		resp, err := c.SendRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		if stored, err = decodeMember[model.DeviceCommand](resp, protocol.MemberCommand, protocol.PolicyCommandToClient); err != nil {
			return nil, err
		}
	} else {
		// Exclusive: the update push waits on the shared lock until the
		// handler is in place.
		err := c.exclusive(func(conn Conn) error {
			resp, err := c.requestOn(ctx, conn, req)
			if err != nil {
				return err
			}
			if stored, err = decodeMember[model.DeviceCommand](resp, protocol.MemberCommand, protocol.PolicyCommandToClient); err != nil {
				return err
			}
			c.commandUpdates.put(stored.ID, onUpdate)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	out := *cmd
	out.ID = stored.ID
	out.Timestamp = stored.Timestamp
	out.UserID = stored.UserID
	out.DeviceGUID = deviceGUID
	return &out, nil
}

// UpdateCommand reports the status and result of a command executed by
// deviceGUID. The server routes it to the client that issued the command.
func (c *Client) UpdateCommand(ctx context.Context, deviceGUID string, update *model.DeviceCommand) error {
	if update == nil {
		return errors.New("client: nil command update")
	}
	req := protocol.NewRequest(protocol.ActionCommandUpdate)
	if err := req.Set(protocol.MemberDeviceGUID, deviceGUID, nil); err != nil {
		return err
	}
	if err := req.Set(protocol.MemberCommandID, update.ID, nil); err != nil {
		return err
	}
	if err := req.Set(protocol.MemberCommand, update, protocol.PolicyCommandUpdateFromDevice); err != nil {
		return err
	}
	_, err := c.SendRequest(ctx, req)
	return err
}

// InsertNotification sends a notification on behalf of deviceGUID and
// returns it with the ID and timestamp the server assigned.
func (c *Client) InsertNotification(ctx context.Context, deviceGUID string, n *model.DeviceNotification) (*model.DeviceNotification, error) {
	if n == nil {
		return nil, errors.New("client: nil notification")
	}
	req := protocol.NewRequest(protocol.ActionNotificationInsert)
	if err := req.Set(protocol.MemberDeviceGUID, deviceGUID, nil); err != nil {
		return nil, err
	}
	if err := req.Set(protocol.MemberNotification, n, protocol.PolicyNotificationFromDevice); err != nil {
		return nil, err
	}
	stored, err := Request[model.DeviceNotification](ctx, c, req, protocol.MemberNotification, protocol.PolicyNotificationToDevice)
	if err != nil {
		return nil, err
	}
	out := *n
	out.ID = stored.ID
	out.Timestamp = stored.Timestamp
	out.DeviceGUID = deviceGUID
	return &out, nil
}
