// pkg/protocol/message.go
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request actions.
const (
	ActionServerInfo              = "server/info"
	ActionAuthenticate            = "authenticate"
	ActionCommandSubscribe        = "command/subscribe"
	ActionCommandUnsubscribe      = "command/unsubscribe"
	ActionNotificationSubscribe   = "notification/subscribe"
	ActionNotificationUnsubscribe = "notification/unsubscribe"
)

// Actions that are both requests (peer -> server) and pushes (server -> peer).
const (
	ActionCommandInsert      = "command/insert"
	ActionCommandUpdate      = "command/update"
	ActionNotificationInsert = "notification/insert"
)

// Well-known member names.
const (
	MemberAction         = "action"
	MemberRequestID      = "requestId"
	MemberStatus         = "status"
	MemberCode           = "code"
	MemberError          = "error"
	MemberSubscriptionID = "subscriptionId"
	MemberFilter         = "filter"
	MemberInfo           = "info"
	MemberCommand        = "command"
	MemberCommandID      = "commandId"
	MemberNotification   = "notification"
	MemberDeviceGUID     = "deviceGuid"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrMissingMember is returned when a message lacks a member that was asked for.
var ErrMissingMember = errors.New("protocol: missing member")

// Message is one JSON object exchanged over the channel. Members stay raw so
// each action decodes only the part it needs, with the policy it needs.
type Message map[string]json.RawMessage

// NewRequest creates a request for action. The correlation ID is stamped by
// the sender right before transmission.
func NewRequest(action string) Message {
	m := Message{}
	m.mustSetString(MemberAction, action)
	return m
}

// NewResponse creates a successful response echoing the request's action and ID.
func NewResponse(req Message) Message {
	m := Message{}
	m.mustSetString(MemberAction, req.Action())
	if id := req.RequestID(); id != "" {
		m.mustSetString(MemberRequestID, id)
	}
	m.mustSetString(MemberStatus, StatusSuccess)
	return m
}

// NewErrorResponse creates a failed response carrying an HTTP-like status code.
func NewErrorResponse(req Message, code int, message string) Message {
	m := Message{}
	m.mustSetString(MemberAction, req.Action())
	if id := req.RequestID(); id != "" {
		m.mustSetString(MemberRequestID, id)
	}
	m.mustSetString(MemberStatus, StatusError)
	m[MemberCode] = json.RawMessage(fmt.Sprintf("%d", code))
	m.mustSetString(MemberError, message)
	return m
}

// NewPush creates a server-initiated message for a subscription. The payload
// is encoded under member with the given policy.
func NewPush(action, subscriptionID, member string, payload any, policy *Policy) (Message, error) {
	raw, err := Encode(payload, policy)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to encode %s push: %w", action, err)
	}
	m := Message{}
	m.mustSetString(MemberAction, action)
	if subscriptionID != "" {
		m.mustSetString(MemberSubscriptionID, subscriptionID)
	}
	m[member] = raw
	return m, nil
}

// Set encodes v (with an optional policy) under name.
func (m Message) Set(name string, v any, policy *Policy) error {
	raw, err := Encode(v, policy)
	if err != nil {
		return fmt.Errorf("protocol: failed to encode member %q: %w", name, err)
	}
	m[name] = raw
	return nil
}

func (m Message) mustSetString(name, value string) {
	raw, _ := json.Marshal(value)
	m[name] = raw
}

// Has reports whether the member is present and not JSON null.
func (m Message) Has(name string) bool {
	raw, ok := m[name]
	return ok && len(raw) > 0 && string(raw) != "null"
}

// String returns a string member, or "" when absent or not a string.
func (m Message) String(name string) string {
	raw, ok := m[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Int returns an integer member.
func (m Message) Int(name string) (int64, bool) {
	raw, ok := m[name]
	if !ok {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// Decode unmarshals member name into v, keeping only the fields the policy
// allows. A nil policy keeps every field.
func (m Message) Decode(name string, policy *Policy, v any) error {
	if !m.Has(name) {
		return fmt.Errorf("%w %q", ErrMissingMember, name)
	}
	return Decode(m[name], policy, v)
}

func (m Message) Action() string         { return m.String(MemberAction) }
func (m Message) RequestID() string      { return m.String(MemberRequestID) }
func (m Message) Status() string         { return m.String(MemberStatus) }
func (m Message) SubscriptionID() string { return m.String(MemberSubscriptionID) }

// SetRequestID stamps the correlation ID.
func (m Message) SetRequestID(id string) {
	m.mustSetString(MemberRequestID, id)
}

// IsResponse reports whether the message answers a request.
func (m Message) IsResponse() bool {
	return m.RequestID() != ""
}

// Clone returns a shallow copy; raw members are shared and never mutated.
func (m Message) Clone() Message {
	c := make(Message, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Merge encodes v as an object and copies its fields into m as top-level
// members. Existing members with the same name are overwritten.
func (m Message) Merge(v any) error {
	raw, err := Encode(v, nil)
	if err != nil {
		return fmt.Errorf("protocol: failed to encode merged value: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("protocol: merged value is not an object: %w", err)
	}
	for k, f := range fields {
		m[k] = f
	}
	return nil
}

// DecodeAll unmarshals the whole message into v.
func (m Message) DecodeAll(v any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
