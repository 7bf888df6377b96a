package broker

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"

	"github.com/lightforgemedia/go-devicehive/pkg/model"
)

// ErrUnauthorized is returned by an Authenticator that rejects a principal.
var ErrUnauthorized = errors.New("broker: invalid credentials")

// Authenticator checks the principal presented on authenticate.
type Authenticator interface {
	Authenticate(ctx context.Context, p *model.Principal) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, p *model.Principal) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, p *model.Principal) error {
	return f(ctx, p)
}

// AllowAll accepts every well-formed principal.
var AllowAll Authenticator = AuthenticatorFunc(func(context.Context, *model.Principal) error { return nil })

// StaticAuthenticator checks principals against fixed credential tables,
// typically loaded from the server config file.
type StaticAuthenticator struct {
	Users      map[string]string `yaml:"users"`   // login -> password
	Devices    map[string]string `yaml:"devices"` // device ID -> device key
	AccessKeys []string          `yaml:"accessKeys"`
}

func (s *StaticAuthenticator) Authenticate(_ context.Context, p *model.Principal) error {
	switch {
	case p.User != nil:
		return checkSecret(s.Users, p.User)
	case p.Device != nil:
		return checkSecret(s.Devices, p.Device)
	case slices.Contains(s.AccessKeys, p.AccessKey):
		return nil
	}
	return ErrUnauthorized
}

func checkSecret(table map[string]string, c *model.Credentials) error {
	want, ok := table[c.ID]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(c.Secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
