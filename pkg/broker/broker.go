// pkg/broker/broker.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/lightforgemedia/go-devicehive/pkg/protocol"
)

// APIVersion is the protocol version reported by server/info.
const APIVersion = "3.0.0"

const (
	defaultClientSendBuffer    = 16
	defaultWriteTimeout        = 10 * time.Second
	defaultReadLimit           = 1024 * 1024
	libraryDefaultPingInterval = 30 * time.Second // Library's own default if user passes 0 to WithPingInterval
	defaultBusQueueLength      = 64
	maxDroppedMessages         = 3
)

// Role is the kind of peer behind a connection.
type Role string

const (
	RoleClient Role = "client"
	RoleDevice Role = "device"
)

type brokerConfig struct {
	logger           *slog.Logger
	acceptOptions    *websocket.AcceptOptions
	authenticator    Authenticator
	clientSendBuffer int
	writeTimeout     time.Duration
	readLimit        int64
	pingInterval     time.Duration // 0 means use libraryDefaultPingInterval, <0 means disable
	busQueueLength   int
	info             model.ApiInfo
}

// Broker accepts client and device connections, routes commands to devices,
// routes command updates back to the issuing client and fans events out to
// subscriptions.
type Broker struct {
	config brokerConfig

	peersMu sync.RWMutex
	peers   map[string]*peer

	devices  *DeviceRouter[*peer]
	commands *CommandRouter[*peer]
	bus      *eventBus

	commandSeq      atomic.Int64
	notificationSeq atomic.Int64

	shutdownOnce sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.config.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(b *Broker) {
		b.config.acceptOptions = opts
	}
}

// WithAuthenticator sets the credential check used by authenticate.
func WithAuthenticator(a Authenticator) Option {
	return func(b *Broker) {
		if a != nil {
			b.config.authenticator = a
		}
	}
}

// WithClientSendBuffer sets the buffer size for outgoing messages per peer.
// Default is 16. Large buffers only delay, not prevent, issues with slow peers.
func WithClientSendBuffer(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.config.clientSendBuffer = size
		}
	}
}

// WithPingInterval sets the server-initiated ping interval.
// interval < 0: Disables server pings.
// interval == 0: Uses the library's default ping interval (30s).
// interval > 0: Uses the specified interval.
func WithPingInterval(interval time.Duration) Option {
	return func(b *Broker) {
		b.config.pingInterval = interval
	}
}

// WithWriteTimeout sets the write timeout for sending messages to peers.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.config.writeTimeout = timeout
		}
	}
}

// WithReadLimit sets the largest message accepted from a peer.
func WithReadLimit(n int64) Option {
	return func(b *Broker) {
		if n > 0 {
			b.config.readLimit = n
		}
	}
}

// WithBusQueueLength sets the per-subscription buffer of the fan-out bus.
func WithBusQueueLength(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.config.busQueueLength = n
		}
	}
}

// WithServerInfo sets what server/info reports. Empty values keep the defaults.
func WithServerInfo(apiVersion, webSocketURL, restURL string) Option {
	return func(b *Broker) {
		if apiVersion != "" {
			b.config.info.APIVersion = apiVersion
		}
		if webSocketURL != "" {
			b.config.info.WebSocketServerURL = webSocketURL
		}
		if restURL != "" {
			b.config.info.RestServerURL = restURL
		}
	}
}

// New creates a new Broker.
func New(opts ...Option) (*Broker, error) {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	b := &Broker{
		config: brokerConfig{
			logger:           slog.Default(),
			authenticator:    AllowAll,
			clientSendBuffer: defaultClientSendBuffer,
			writeTimeout:     defaultWriteTimeout,
			readLimit:        defaultReadLimit,
			busQueueLength:   defaultBusQueueLength,
			info:             model.ApiInfo{APIVersion: APIVersion},
		},
		peers:        make(map[string]*peer),
		devices:      NewDeviceRouter[*peer](),
		commands:     NewCommandRouter[*peer](),
		shutdownChan: make(chan struct{}),
		mainCtx:      mainCtx,
		mainCancel:   mainCancel,
	}
	for _, opt := range opts {
		opt(b)
	}

	// Finalize ping interval logic
	if b.config.pingInterval == 0 {
		b.config.pingInterval = libraryDefaultPingInterval
	} else if b.config.pingInterval < 0 {
		b.config.pingInterval = 0
	}

	if b.config.acceptOptions == nil {
		b.config.acceptOptions = &websocket.AcceptOptions{} // Default allows same-origin only, no compression
	}
	b.bus = newEventBus(b.config.busQueueLength)

	b.config.logger.Info(fmt.Sprintf("Broker: Initialized. Ping interval: %v, Client send buffer: %d", b.config.pingInterval, b.config.clientSendBuffer))
	return b, nil
}

// Handler returns the broker's HTTP routes:
//
//	GET /info               server info as JSON
//	GET /websocket          client connection
//	GET /websocket/{role}   client or device connection
func (b *Broker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/info", b.InfoHandler())
	r.Get("/websocket", b.UpgradeHandler(RoleClient))
	r.Get("/websocket/{role}", func(w http.ResponseWriter, r *http.Request) {
		switch role := Role(chi.URLParam(r, "role")); role {
		case RoleClient, RoleDevice:
			b.UpgradeHandler(role)(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	return r
}

// InfoHandler serves the same ApiInfo as server/info.
func (b *Broker) InfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(b.serverInfo()); err != nil {
			b.config.logger.Info(fmt.Sprintf("Broker: Failed to write info response: %v", err))
		}
	}
}

func (b *Broker) serverInfo() model.ApiInfo {
	info := b.config.info
	info.ServerTimestamp = model.NewTimestamp(protocol.TimeNow())
	return info
}

// UpgradeHandler returns an http.HandlerFunc that accepts peers of the given role.
func (b *Broker) UpgradeHandler(role Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-b.shutdownChan:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			b.config.logger.Info("Broker: Rejected connection, server shutting down.")
			return
		default:
		}

		conn, err := websocket.Accept(w, r, b.config.acceptOptions)
		if err != nil {
			b.config.logger.Info(fmt.Sprintf("Broker: Failed to accept websocket connection: %v", err))
			return
		}
		conn.SetReadLimit(b.config.readLimit)

		peerCtx, peerCancel := context.WithCancel(b.mainCtx)
		p := &peer{
			id:     protocol.GenerateID(),
			role:   role,
			conn:   conn,
			broker: b,
			send:   make(chan protocol.Message, b.config.clientSendBuffer),
			ctx:    peerCtx,
			cancel: peerCancel,
			subs:   make(map[string]*busSubscription),
			logger: b.config.logger.With("peer", r.RemoteAddr),
		}

		b.addPeer(p)
		p.logger.Info(fmt.Sprintf("Broker: %s %s connected", role, p.id))

		go p.writePump()
		go p.readPump()
		if b.config.pingInterval > 0 {
			go p.pingLoop()
		}
	}
}

func (b *Broker) addPeer(p *peer) {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	b.peers[p.id] = p
}

// removePeer drops every routing entry and subscription owned by p.
func (b *Broker) removePeer(p *peer) {
	p.cancel()

	b.peersMu.Lock()
	if _, exists := b.peers[p.id]; !exists {
		b.peersMu.Unlock()
		return
	}
	delete(b.peers, p.id)
	b.peersMu.Unlock()

	if deviceID, ok := b.devices.UnbindDevice(p); ok {
		p.logger.Info(fmt.Sprintf("Broker: Device %s unbound from %s", deviceID, p.id))
	}
	n := b.commands.UnbindAllForConnection(p)
	subs := p.clearSubscriptions()
	for _, sub := range subs {
		b.bus.unsubscribe(sub.ch)
	}

	p.conn.CloseNow()
	p.logger.Info(fmt.Sprintf("Broker: %s %s disconnected and removed (%d pending commands, %d subscriptions dropped)", p.role, p.id, n, len(subs)))
}

// PeerCount returns the number of live connections.
func (b *Broker) PeerCount() int {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()
	return len(b.peers)
}

// DeviceOnline reports whether deviceID is bound to a live connection.
func (b *Broker) DeviceOnline(deviceID string) bool {
	_, ok := b.devices.LookupDeviceConnection(deviceID)
	return ok
}

// Shutdown closes every connection with StatusGoingAway and waits for the
// peers to be removed.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.config.logger.Info("Broker: Initiating shutdown...")
		close(b.shutdownChan)

		b.peersMu.RLock()
		peers := make([]*peer, 0, len(b.peers))
		for _, p := range b.peers {
			peers = append(peers, p)
		}
		b.peersMu.RUnlock()
		b.config.logger.Info(fmt.Sprintf("Broker: Waiting for %d peers to disconnect...", len(peers)))

		for _, p := range peers {
			go p.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	})

	defer func() {
		b.mainCancel()
		b.bus.shutdown()
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		remaining := b.PeerCount()
		if remaining == 0 {
			b.config.logger.Info("Broker: Shutdown complete.")
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			b.config.logger.Info(fmt.Sprintf("Broker: Shutdown context done with %d peers remaining: %v", remaining, ctx.Err()))
			return errors.Join(errors.New("broker shutdown timed out"), ctx.Err())
		}
	}
}
