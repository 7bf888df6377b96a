package broker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// Options contains configuration values for creating a Broker using NewWithOptions.
// All fields have reasonable defaults provided by DefaultOptions(). The yaml
// tags let the server binary load them from a config file.
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`

	// AcceptOptions configures the WebSocket accept behavior.
	// Defaults to &websocket.AcceptOptions{}.
	AcceptOptions *websocket.AcceptOptions `yaml:"-"`

	// Authenticator checks credentials on authenticate. Defaults to AllowAll.
	Authenticator Authenticator `yaml:"-"`

	// ClientSendBuffer sets the buffer size for outgoing messages per peer.
	// Must be greater than 0. Defaults to 16.
	ClientSendBuffer int `yaml:"clientSendBuffer"`

	// WriteTimeout is the timeout for writing messages to peers.
	// Defaults to 10 seconds.
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	// ReadLimit is the largest message accepted from a peer. Defaults to 1MB.
	ReadLimit int64 `yaml:"readLimit"`

	// PingInterval is the interval between ping messages.
	// Use 0 for library default (30s), negative to disable.
	PingInterval time.Duration `yaml:"pingInterval"`

	// BusQueueLength is the per-subscription buffer of the fan-out bus.
	// Defaults to 64.
	BusQueueLength int `yaml:"busQueueLength"`

	// APIVersion, WebSocketServerURL and RestServerURL are reported by
	// server/info and GET /info.
	APIVersion         string `yaml:"apiVersion"`
	WebSocketServerURL string `yaml:"webSocketServerUrl"`
	RestServerURL      string `yaml:"restServerUrl"`
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:           slog.Default(),
		AcceptOptions:    &websocket.AcceptOptions{},
		Authenticator:    AllowAll,
		ClientSendBuffer: defaultClientSendBuffer,
		WriteTimeout:     defaultWriteTimeout,
		ReadLimit:        defaultReadLimit,
		PingInterval:     libraryDefaultPingInterval,
		BusQueueLength:   defaultBusQueueLength,
		APIVersion:       APIVersion,
	}
}

// NewWithOptions creates a new Broker using an Options struct.
// It validates the options and converts them to functional options before calling New().
// Additional functional options may be supplied and will override values from the struct.
//
// Example:
//
//	opts := broker.DefaultOptions()
//	opts.Logger = myLogger
//	opts.PingInterval = 15 * time.Second
//	b, err := broker.NewWithOptions(opts)
func NewWithOptions(opts Options, extraOpts ...Option) (*Broker, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	optionFns := []Option{
		WithLogger(opts.Logger),
		WithAcceptOptions(opts.AcceptOptions),
		WithAuthenticator(opts.Authenticator),
		WithServerInfo(opts.APIVersion, opts.WebSocketServerURL, opts.RestServerURL),
	}

	// Only apply non-zero values to avoid overriding defaults
	if opts.ClientSendBuffer > 0 {
		optionFns = append(optionFns, WithClientSendBuffer(opts.ClientSendBuffer))
	}
	if opts.WriteTimeout > 0 {
		optionFns = append(optionFns, WithWriteTimeout(opts.WriteTimeout))
	}
	if opts.ReadLimit > 0 {
		optionFns = append(optionFns, WithReadLimit(opts.ReadLimit))
	}
	// PingInterval: 0 means default, negative means disable, both are valid
	if opts.PingInterval != 0 {
		optionFns = append(optionFns, WithPingInterval(opts.PingInterval))
	}
	if opts.BusQueueLength > 0 {
		optionFns = append(optionFns, WithBusQueueLength(opts.BusQueueLength))
	}

	optionFns = append(optionFns, extraOpts...)
	return New(optionFns...)
}

// validateOptions validates the Options struct fields.
func validateOptions(opts Options) error {
	if opts.ClientSendBuffer < 0 {
		return errors.New("ClientSendBuffer must be non-negative")
	}
	if opts.WriteTimeout < 0 {
		return errors.New("WriteTimeout must be non-negative")
	}
	if opts.ReadLimit < 0 {
		return errors.New("ReadLimit must be non-negative")
	}
	if opts.BusQueueLength < 0 {
		return errors.New("BusQueueLength must be non-negative")
	}
	return nil
}
