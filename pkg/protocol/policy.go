package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Policy is a field-inclusion rule applied to the top-level fields of an
// object when it is encoded or decoded. Different actions expose different
// shapes of the same entity; the policy picks the shape.
type Policy struct {
	name   string
	fields map[string]struct{}
}

// NewPolicy creates a policy that keeps exactly the listed fields.
func NewPolicy(name string, fields ...string) *Policy {
	p := &Policy{name: name, fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		p.fields[f] = struct{}{}
	}
	return p
}

// Name returns the policy name, "" for a nil policy.
func (p *Policy) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

// Allows reports whether field survives the policy. A nil policy allows all.
func (p *Policy) Allows(field string) bool {
	if p == nil {
		return true
	}
	_, ok := p.fields[field]
	return ok
}

// Shapes used by the device-to-cloud actions.
var (
	// Command as pushed to a client through a command subscription.
	PolicyCommandListed = NewPolicy("command_listed",
		"id", "timestamp", "userId", "command", "parameters", "lifetime", "flags", "status", "result", "deviceGuid")
	// Command as pushed to the device that must execute it.
	PolicyCommandToDevice = NewPolicy("command_to_device",
		"id", "timestamp", "command", "parameters", "lifetime", "flags")
	// Command sent by a client for insertion.
	PolicyCommandFromClient = NewPolicy("command_from_client",
		"command", "parameters", "lifetime", "flags")
	// Stored-command acknowledgement returned to the inserting client.
	PolicyCommandToClient = NewPolicy("command_to_client", "id", "timestamp", "userId")
	// Status report sent by a device.
	PolicyCommandUpdateFromDevice = NewPolicy("command_update_from_device", "id", "status", "result")
	// Status update pushed to the client that issued the command.
	PolicyCommandUpdateToClient = NewPolicy("command_update_to_client",
		"id", "timestamp", "userId", "command", "parameters", "lifetime", "flags", "status", "result", "deviceGuid")
	// Notification sent by a device.
	PolicyNotificationFromDevice = NewPolicy("notification_from_device", "notification", "parameters")
	// Stored-notification acknowledgement returned to the device.
	PolicyNotificationToDevice = NewPolicy("notification_to_device", "id", "timestamp")
	// Notification pushed to a client through a notification subscription.
	PolicyNotificationToClient = NewPolicy("notification_to_client",
		"id", "timestamp", "notification", "parameters", "deviceGuid")
)

// Decode unmarshals data into v after dropping the fields the policy does
// not allow. Non-object data is decoded as is.
func Decode(data json.RawMessage, policy *Policy, v any) error {
	if policy == nil || !isObject(data) {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		return nil
	}
	filtered, err := filterObject(data, policy)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", policy.Name(), err)
	}
	if err := json.Unmarshal(filtered, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", policy.Name(), err)
	}
	return nil
}

// Encode marshals v and keeps only the fields the policy allows.
func Encode(v any, policy *Policy) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if policy == nil || !isObject(data) {
		return data, nil
	}
	return filterObject(data, policy)
}

func filterObject(data []byte, policy *Policy) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k := range fields {
		if !policy.Allows(k) {
			delete(fields, k)
		}
	}
	return json.Marshal(fields)
}

func isObject(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
