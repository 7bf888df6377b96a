package model

import "errors"

// ErrInvalidPrincipal is returned for a principal that carries no identity,
// or more than one.
var ErrInvalidPrincipal = errors.New("model: principal must carry exactly one of user, device or access key")

// Credentials is a login/secret pair.
type Credentials struct {
	ID     string
	Secret string
}

// Principal identifies the peer on authenticate. Exactly one of User, Device
// or AccessKey is set.
type Principal struct {
	User      *Credentials
	Device    *Credentials
	AccessKey string
}

func NewUserPrincipal(login, password string) *Principal {
	return &Principal{User: &Credentials{ID: login, Secret: password}}
}

func NewDevicePrincipal(deviceID, deviceKey string) *Principal {
	return &Principal{Device: &Credentials{ID: deviceID, Secret: deviceKey}}
}

func NewAccessKeyPrincipal(key string) *Principal {
	return &Principal{AccessKey: key}
}

// Validate checks that exactly one identity is present.
func (p *Principal) Validate() error {
	if p == nil {
		return ErrInvalidPrincipal
	}
	n := 0
	if p.User != nil {
		n++
	}
	if p.Device != nil {
		n++
	}
	if p.AccessKey != "" {
		n++
	}
	if n != 1 {
		return ErrInvalidPrincipal
	}
	return nil
}

// IsDevice reports whether the principal authenticates a device.
func (p *Principal) IsDevice() bool { return p != nil && p.Device != nil }

// AuthPayload is the wire shape of an authenticate request.
type AuthPayload struct {
	Login     string `json:"login,omitempty"`
	Password  string `json:"password,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	DeviceKey string `json:"deviceKey,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
}

// Payload converts the principal to its wire shape.
func (p *Principal) Payload() AuthPayload {
	var a AuthPayload
	switch {
	case p.User != nil:
		a.Login, a.Password = p.User.ID, p.User.Secret
	case p.Device != nil:
		a.DeviceID, a.DeviceKey = p.Device.ID, p.Device.Secret
	default:
		a.AccessKey = p.AccessKey
	}
	return a
}

// Principal converts a wire payload back into a principal.
func (a AuthPayload) Principal() *Principal {
	switch {
	case a.Login != "":
		return NewUserPrincipal(a.Login, a.Password)
	case a.DeviceID != "":
		return NewDevicePrincipal(a.DeviceID, a.DeviceKey)
	case a.AccessKey != "":
		return NewAccessKeyPrincipal(a.AccessKey)
	}
	return &Principal{}
}
