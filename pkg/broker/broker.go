package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/mqttsh/pkg/logging"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// DefaultPort is the standard MQTT port.
const DefaultPort = 1883

// Errors returned by the broker.
var (
	ErrAlreadyRunning = errors.New("broker is already running")
	ErrNotRunning     = errors.New("broker is not running")
	ErrClientNotFound = errors.New("client not found")
)

// Broker is an embedded MQTT broker.
type Broker struct {
	config    *Config
	server    *mqtt.Server
	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	log       *slog.Logger
	events    *EventHook

	// stopping is set during shutdown so hook callbacks skip b.mu, which
	// would deadlock with server.Close().
	stopping atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger. mochi's own logging goes to the same logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// New creates a broker. It does not listen until Start is called.
func New(config *Config, opts ...Option) (*Broker, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.Port <= 0 {
		config.Port = DefaultPort
	}

	b := &Broker{
		config: config,
		log:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.server = mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       b.log.With("component", "mochi"),
	})

	// mochi-mqtt requires an auth hook - use AllowHook to allow all connections
	if config.Auth != nil && config.Auth.Enabled {
		if err := b.server.AddHook(NewAuthHook(config.Auth), nil); err != nil {
			return nil, fmt.Errorf("failed to add auth hook: %w", err)
		}
	} else {
		if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("failed to add allow hook: %w", err)
		}
	}

	b.events = NewEventHook(b)
	if err := b.server.AddHook(b.events, nil); err != nil {
		return nil, fmt.Errorf("failed to add event hook: %w", err)
	}

	return b, nil
}

// Start adds the configured listeners and serves in the background.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyRunning
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var tlsConfig *tls.Config
	if b.config.TLS != nil && b.config.TLS.Enabled {
		cert, err := b.loadCertificate()
		if err != nil {
			return err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:        "tcp-" + strconv.Itoa(b.config.Port),
		Address:   b.addr(b.config.Port),
		TLSConfig: tlsConfig,
	})
	if err := b.server.AddListener(tcp); err != nil {
		return fmt.Errorf("failed to add listener: %w", err)
	}

	if b.config.WebSocketPort > 0 {
		ws := listeners.NewWebsocket(listeners.Config{
			ID:        "ws-" + strconv.Itoa(b.config.WebSocketPort),
			Address:   b.addr(b.config.WebSocketPort),
			TLSConfig: tlsConfig,
		})
		if err := b.server.AddListener(ws); err != nil {
			return fmt.Errorf("failed to add websocket listener: %w", err)
		}
	}

	go func() {
		if err := b.server.Serve(); err != nil {
			b.log.Error("MQTT server error", "error", err)
		}
	}()

	b.running = true
	b.startedAt = time.Now()
	b.stopping.Store(false)

	b.log.Info("broker started", "address", b.addr(b.config.Port), "tls", tlsConfig != nil, "websocketPort", b.config.WebSocketPort)
	return nil
}

func (b *Broker) addr(port int) string {
	return net.JoinHostPort(b.config.Host, strconv.Itoa(port))
}

func (b *Broker) loadCertificate() (tls.Certificate, error) {
	if b.config.TLS.CertFile == "" && b.config.TLS.KeyFile == "" {
		gen, err := GenerateSelfSignedCert(DefaultCertificateConfig())
		if err != nil {
			return tls.Certificate{}, err
		}
		return tls.X509KeyPair(gen.CertPEM, gen.KeyPEM)
	}
	cert, err := tls.LoadX509KeyPair(b.config.TLS.CertFile, b.config.TLS.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	return cert, nil
}

// Stop closes every listener and client connection. If timeout expires the
// shutdown is abandoned and an error returned.
func (b *Broker) Stop(ctx context.Context, timeout time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.stopping.Store(true)
	b.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Closing disconnects clients, which calls hooks. b.mu must not be held.
	done := make(chan error, 1)
	go func() {
		done <- b.server.Close()
	}()

	var closeErr error
	select {
	case err := <-done:
		closeErr = err
	case <-shutdownCtx.Done():
		closeErr = fmt.Errorf("shutdown timed out: %w", shutdownCtx.Err())
	}

	b.mu.Lock()
	b.running = false
	b.startedAt = time.Time{}
	b.mu.Unlock()

	if closeErr != nil {
		return fmt.Errorf("failed to close server: %w", closeErr)
	}
	b.log.Info("broker stopped")
	return nil
}

// IsRunning returns true if broker is running
func (b *Broker) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// StartedAt returns when the broker was started, or the zero time.
func (b *Broker) StartedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startedAt
}

// Port returns the TCP listener port.
func (b *Broker) Port() int {
	return b.config.Port
}

// Publish publishes a message from the broker itself.
func (b *Broker) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if !b.IsRunning() {
		return ErrNotRunning
	}
	return b.server.Publish(topic, payload, retain, qos)
}

// Clients returns the identifiers of connected clients, sorted.
func (b *Broker) Clients() []string {
	clients := b.server.Clients.GetAll()
	ids := make([]string, 0, len(clients))
	for id, cl := range clients {
		if cl.Closed() {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Kick ends a client session from the broker side. MQTT 5 clients receive
// a DISCONNECT with reason "administrative action"; older clients see the
// connection close.
func (b *Broker) Kick(clientID string) error {
	if !b.IsRunning() {
		return ErrNotRunning
	}
	cl, ok := b.server.Clients.Get(clientID)
	if !ok || cl.Closed() {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}

	b.log.Info("kicking client", "clientId", clientID)
	// DisconnectClient returns the reason code itself as the error.
	_ = b.server.DisconnectClient(cl, packets.ErrAdministrativeAction)
	return nil
}

// OnClientEvent registers fn to be called for client lifecycle events.
func (b *Broker) OnClientEvent(fn func(ClientEvent)) {
	b.events.subscribe(fn)
}
