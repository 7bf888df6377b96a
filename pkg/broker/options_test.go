package broker_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-yaml"
	"github.com/lightforgemedia/go-devicehive/pkg/broker"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := broker.DefaultOptions()

	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.AcceptOptions)
	assert.NotNil(t, opts.Authenticator)
	assert.Greater(t, opts.ClientSendBuffer, 0)
	assert.Greater(t, opts.WriteTimeout, time.Duration(0))
	assert.Greater(t, opts.ReadLimit, int64(0))
	assert.Greater(t, opts.PingInterval, time.Duration(0))
	assert.Greater(t, opts.BusQueueLength, 0)
	assert.Equal(t, broker.APIVersion, opts.APIVersion)
}

func TestNewWithOptions_Valid(t *testing.T) {
	tests := []struct {
		name string
		opts broker.Options
	}{
		{
			name: "default options",
			opts: broker.DefaultOptions(),
		},
		{
			name: "custom values",
			opts: broker.Options{
				Logger:           slog.Default(),
				AcceptOptions:    &websocket.AcceptOptions{OriginPatterns: []string{"*"}},
				ClientSendBuffer: 32,
				WriteTimeout:     15 * time.Second,
				ReadLimit:        4096,
				PingInterval:     20 * time.Second,
				BusQueueLength:   8,
			},
		},
		{
			name: "zero values (should use defaults)",
			opts: broker.Options{},
		},
		{
			name: "disabled ping (negative value)",
			opts: broker.Options{PingInterval: -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := broker.NewWithOptions(tt.opts)
			require.NoError(t, err)
			require.NotNil(t, b)
			require.NoError(t, b.Shutdown(context.Background()))
		})
	}
}

func TestNewWithOptions_Validation(t *testing.T) {
	tests := []struct {
		name        string
		opts        broker.Options
		expectError string
	}{
		{"negative ClientSendBuffer", broker.Options{ClientSendBuffer: -1}, "ClientSendBuffer must be non-negative"},
		{"negative WriteTimeout", broker.Options{WriteTimeout: -time.Second}, "WriteTimeout must be non-negative"},
		{"negative ReadLimit", broker.Options{ReadLimit: -1}, "ReadLimit must be non-negative"},
		{"negative BusQueueLength", broker.Options{BusQueueLength: -1}, "BusQueueLength must be non-negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := broker.NewWithOptions(tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestOptionsFromYAML(t *testing.T) {
	src := `
clientSendBuffer: 64
writeTimeout: 3s
pingInterval: 15s
webSocketServerUrl: ws://hive.local/websocket
`
	opts := broker.DefaultOptions()
	require.NoError(t, yaml.Unmarshal([]byte(src), &opts))
	assert.Equal(t, 64, opts.ClientSendBuffer)
	assert.Equal(t, 3*time.Second, opts.WriteTimeout)
	assert.Equal(t, 15*time.Second, opts.PingInterval)
	assert.Equal(t, "ws://hive.local/websocket", opts.WebSocketServerURL)
	assert.Equal(t, broker.APIVersion, opts.APIVersion, "unset keys keep their defaults")
}

func TestStaticAuthenticator(t *testing.T) {
	src := `
users:
  admin: secret
devices:
  dev-1: key
accessKeys:
  - abc123
`
	var auth broker.StaticAuthenticator
	require.NoError(t, yaml.Unmarshal([]byte(src), &auth))
	ctx := context.Background()

	assert.NoError(t, auth.Authenticate(ctx, model.NewUserPrincipal("admin", "secret")))
	assert.NoError(t, auth.Authenticate(ctx, model.NewDevicePrincipal("dev-1", "key")))
	assert.NoError(t, auth.Authenticate(ctx, model.NewAccessKeyPrincipal("abc123")))

	assert.ErrorIs(t, auth.Authenticate(ctx, model.NewUserPrincipal("admin", "nope")), broker.ErrUnauthorized)
	assert.ErrorIs(t, auth.Authenticate(ctx, model.NewDevicePrincipal("dev-2", "key")), broker.ErrUnauthorized)
	assert.ErrorIs(t, auth.Authenticate(ctx, model.NewAccessKeyPrincipal("zzz")), broker.ErrUnauthorized)
}
