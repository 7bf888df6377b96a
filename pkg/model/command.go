package model

import (
	"encoding/json"
	"time"
)

// DeviceCommand is a command issued by a client and executed by a device.
// Status and Result are filled in by the device through command/update.
type DeviceCommand struct {
	ID         int64           `json:"id,omitempty"`
	Timestamp  *Timestamp      `json:"timestamp,omitempty"`
	UserID     int64           `json:"userId,omitempty"`
	Command    string          `json:"command,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Lifetime   int             `json:"lifetime,omitempty"`
	Flags      int             `json:"flags,omitempty"`
	Status     string          `json:"status,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	DeviceGUID string          `json:"deviceGuid,omitempty"`
}

// DeviceNotification is an event reported by a device.
type DeviceNotification struct {
	ID           int64           `json:"id,omitempty"`
	Timestamp    *Timestamp      `json:"timestamp,omitempty"`
	Notification string          `json:"notification,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	DeviceGUID   string          `json:"deviceGuid,omitempty"`
}

// Timestamp is a UTC instant encoded the way the platform does on the wire.
type Timestamp struct {
	time.Time
}

// TimestampLayout is the wire layout of timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// NewTimestamp wraps t, truncated to microseconds.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t.UTC().Truncate(time.Microsecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TimestampLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TimestampLayout, s)
	if err != nil {
		// Accept RFC 3339 from peers that do not use the platform layout.
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
	}
	t.Time = parsed.UTC()
	return nil
}
