// devicehive.go
package devicehive

import (
	"context"

	"github.com/lightforgemedia/go-devicehive/pkg/broker"
	"github.com/lightforgemedia/go-devicehive/pkg/client"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
)

// Re-export core types
type (
	Client             = client.Client
	ClientOptions      = client.Options
	Broker             = broker.Broker
	BrokerOptions      = broker.Options
	DeviceCommand      = model.DeviceCommand
	DeviceNotification = model.DeviceNotification
	SubscriptionFilter = model.SubscriptionFilter
	Principal          = model.Principal
	ClientError        = client.ClientError
	ServerError        = client.ServerError
	ConnectionError    = client.ConnectionError
)

// Re-export error types
var (
	ErrNotConnected        = client.ErrNotConnected
	ErrClientClosed        = client.ErrClientClosed
	ErrConnectionClosed    = client.ErrConnectionClosed
	ErrRequestTimeout      = client.ErrRequestTimeout
	ErrInterrupted         = client.ErrInterrupted
	ErrUnknownSubscription = client.ErrUnknownSubscription
	ErrInvalidPrincipal    = model.ErrInvalidPrincipal
	ErrUnauthorized        = broker.ErrUnauthorized
)

// DefaultClientOptions returns the client library defaults.
func DefaultClientOptions() client.Options {
	return client.DefaultOptions()
}

// DefaultBrokerOptions returns the broker library defaults.
func DefaultBrokerOptions() broker.Options {
	return broker.DefaultOptions()
}

// Connect dials url with the default options and completes the handshake.
func Connect(ctx context.Context, url string) (*client.Client, error) {
	return client.ConnectWithOptions(ctx, url, client.DefaultOptions())
}

// NewBroker creates a broker from opts. Serve it with Broker.Handler.
func NewBroker(opts broker.Options) (*broker.Broker, error) {
	return broker.NewWithOptions(opts)
}
