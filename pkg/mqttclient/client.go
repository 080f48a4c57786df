package mqttclient

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a handle over one live broker connection.
type Client interface {
	ClientID() string
	Host() string
	Port() int
	Version() Version
	ConnectedAt() time.Time
	TLSEnabled() bool

	// IsConnected reports liveness. Once false it never becomes true again.
	IsConnected() bool

	// Subscriptions returns a snapshot of the active topic filters.
	Subscriptions() []Subscription

	Publish(ctx context.Context, opts PublishOptions) error
	Subscribe(ctx context.Context, opts SubscribeOptions) error
	Unsubscribe(ctx context.Context, opts UnsubscribeOptions) error

	// Disconnect closes the connection. Listeners see SourceUser.
	Disconnect(ctx context.Context, opts DisconnectOptions) error
}

// ServerCapabilities are the limits a broker announced in its MQTT 5
// CONNACK. Absent properties hold their protocol defaults.
type ServerCapabilities struct {
	RetainAvailable         bool
	WildcardSubscriptions   bool
	SharedSubscriptions     bool
	SubscriptionIdentifiers bool
	MaximumQoS              byte
	ReceiveMaximum          uint16
	// MaximumPacketSize is 0 when the broker sets no limit.
	MaximumPacketSize uint32
	TopicAliasMaximum uint16
	// SessionExpiryInterval and ServerKeepAlive are nil when the broker
	// keeps the client's values.
	SessionExpiryInterval *uint32
	ServerKeepAlive       *uint16
}

// Capabilities returns what the broker announced for c. MQTT 3.1.1 has no
// such announcement, so the second result is false for V3 clients.
func Capabilities(c Client) (ServerCapabilities, bool) {
	if v5, ok := c.(*v5Client); ok {
		return v5.server, true
	}
	return ServerCapabilities{}, false
}

// DisconnectSource tells who ended a connection.
type DisconnectSource int

const (
	// SourceUser is a disconnect requested through Client.Disconnect.
	SourceUser DisconnectSource = iota
	// SourceClient is a client-side failure such as a socket error or a
	// missed keep-alive.
	SourceClient
	// SourceServer is a DISCONNECT or connection close by the broker.
	SourceServer
)

func (s DisconnectSource) String() string {
	switch s {
	case SourceUser:
		return "USER"
	case SourceClient:
		return "CLIENT"
	case SourceServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// DisconnectedEvent is delivered once per client when it disconnects.
type DisconnectedEvent struct {
	Client   Client
	ClientID string
	Host     string
	Source   DisconnectSource
	Cause    error
}

// DisconnectedListener observes disconnects. It runs on the goroutine that
// noticed the disconnect and must not block.
type DisconnectedListener func(DisconnectedEvent)

// handle is the state shared by both protocol variants.
type handle struct {
	self        Client
	clientID    string
	host        string
	port        int
	version     Version
	tls         bool
	connectedAt time.Time
	log         *slog.Logger

	connected atomic.Bool
	listeners []DisconnectedListener

	mu       sync.Mutex
	subs     []Subscription
	handlers map[string]MessageHandler
}

func newHandle(opts ConnectOptions, logger *slog.Logger, listeners []DisconnectedListener) *handle {
	return &handle{
		clientID:  opts.ClientID,
		host:      opts.Host,
		port:      opts.Port,
		version:   opts.Version,
		tls:       opts.TLS != nil,
		log:       logger.With("clientId", opts.ClientID, "host", opts.Host),
		listeners: slices.Clone(listeners),
		handlers:  make(map[string]MessageHandler),
	}
}

func (h *handle) ClientID() string       { return h.clientID }
func (h *handle) Host() string           { return h.host }
func (h *handle) Port() int              { return h.port }
func (h *handle) Version() Version       { return h.version }
func (h *handle) ConnectedAt() time.Time { return h.connectedAt }
func (h *handle) TLSEnabled() bool       { return h.tls }
func (h *handle) IsConnected() bool      { return h.connected.Load() }

func (h *handle) String() string {
	return h.clientID + "@" + h.host
}

func (h *handle) Subscriptions() []Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.subs)
}

// markConnected is called once the CONNACK was accepted.
func (h *handle) markConnected() {
	h.connectedAt = time.Now()
	h.connected.Store(true)
}

// reportDisconnected flips liveness and notifies listeners. Only the first
// call after markConnected has any effect.
func (h *handle) reportDisconnected(source DisconnectSource, cause error) bool {
	if !h.connected.CompareAndSwap(true, false) {
		return false
	}

	ev := DisconnectedEvent{
		Client:   h.self,
		ClientID: h.clientID,
		Host:     h.host,
		Source:   source,
		Cause:    cause,
	}
	for _, l := range h.listeners {
		h.notify(l, ev)
	}
	return true
}

func (h *handle) notify(l DisconnectedListener, ev DisconnectedEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("disconnect listener panicked", "panic", fmt.Sprint(r))
		}
	}()
	l(ev)
}

// registerHandler routes messages for topics to handler. It is set before
// SUBSCRIBE is sent so retained messages arriving with the SUBACK are not lost.
func (h *handle) registerHandler(topics []string, handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		if handler != nil {
			h.handlers[t] = handler
		} else {
			delete(h.handlers, t)
		}
	}
}

func (h *handle) addSubscriptions(subs []Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range subs {
		h.subs = slices.DeleteFunc(h.subs, func(existing Subscription) bool { return existing.Topic == s.Topic })
		h.subs = append(h.subs, s)
	}
}

func (h *handle) removeSubscriptions(topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = slices.DeleteFunc(h.subs, func(s Subscription) bool { return slices.Contains(topics, s.Topic) })
	for _, t := range topics {
		delete(h.handlers, t)
	}
}

// dispatch delivers msg to the handlers whose filter matches. Messages with
// no matching handler are logged.
func (h *handle) dispatch(msg Message) {
	h.mu.Lock()
	var targets []MessageHandler
	for filter, handler := range h.handlers {
		if MatchTopic(filter, msg.Topic) {
			targets = append(targets, handler)
		}
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.log.Debug("received PUBLISH", "topic", msg.Topic, "qos", msg.QoS, "payload", string(msg.Payload))
		return
	}
	for _, handler := range targets {
		handler(msg)
	}
}

// logDisconnected is the builder's own listener, registered before any
// caller listener so it always sees the event.
func logDisconnected(logger *slog.Logger) DisconnectedListener {
	return func(ev DisconnectedEvent) {
		if ev.Source == SourceUser {
			logger.Debug("client disconnected", "clientId", ev.ClientID, "host", ev.Host, "source", ev.Source.String())
			return
		}
		logger.Debug("client DISCONNECTED", "clientId", ev.ClientID, "host", ev.Host, "source", ev.Source.String(), "error", ev.Cause)
	}
}
