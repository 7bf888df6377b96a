package client

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Options contains configuration values for ConnectWithOptions.
type Options struct {
	Logger            *slog.Logger
	DialOptions       *websocket.DialOptions
	RequestTimeout    time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	DispatchWorkers   int
	AutoReconnect     bool
	ReconnectAttempts int
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:            slog.Default(),
		DialOptions:       &websocket.DialOptions{HTTPClient: http.DefaultClient},
		RequestTimeout:    defaultRequestTimeout,
		WriteTimeout:      defaultWriteTimeout,
		DispatchWorkers:   defaultDispatchWorkers,
		AutoReconnect:     true,
		ReconnectAttempts: defaultReconnectAttempts,
		ReconnectDelayMin: defaultReconnectDelayMin,
		ReconnectDelayMax: defaultReconnectDelayMax,
	}
}

// ConnectWithOptions builds a WebSocketTransport for url, wraps it in a
// Client and connects. Zero values fall back to the defaults.
func ConnectWithOptions(ctx context.Context, url string, opts Options) (*Client, error) {
	topts := []TransportOption{
		WithTransportLogger(opts.Logger),
		WithDialOptions(opts.DialOptions),
		WithWriteTimeout(opts.WriteTimeout),
		WithPingInterval(opts.PingInterval),
	}
	if opts.AutoReconnect {
		topts = append(topts, WithAutoReconnect(opts.ReconnectAttempts, opts.ReconnectDelayMin, opts.ReconnectDelayMax))
	}

	cli := New(NewWebSocketTransport(url, topts...),
		WithLogger(opts.Logger),
		WithRequestTimeout(opts.RequestTimeout),
		WithDispatchWorkers(opts.DispatchWorkers),
	)
	if err := cli.Connect(ctx); err != nil {
		cli.Disconnect()
		return nil, err
	}
	return cli, nil
}
