package broker

import (
	"bytes"
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/getmockd/mqttsh/pkg/mqttclient"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// AuthHook handles authentication and ACL for the broker
type AuthHook struct {
	mqtt.HookBase
	config *AuthConfig
}

// NewAuthHook creates a new authentication hook
func NewAuthHook(config *AuthConfig) *AuthHook {
	return &AuthHook{config: config}
}

// ID returns the hook identifier
func (h *AuthHook) ID() string {
	return "auth-hook"
}

// Provides indicates which hook methods this hook provides
func (h *AuthHook) Provides(b byte) bool {
	//nolint:gocritic // argument order is intentional
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

// OnConnectAuthenticate compares credentials in constant time.
func (h *AuthHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	if h.config == nil || !h.config.Enabled {
		return true
	}

	username := cl.Properties.Username
	password := pk.Connect.Password

	for _, user := range h.config.Users {
		usernameMatch := subtle.ConstantTimeCompare([]byte(user.Username), username) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(user.Password), password) == 1
		if usernameMatch && passwordMatch {
			return true
		}
	}
	return false
}

// OnACLCheck verifies if a client has permission for a topic operation.
// Any matching deny rule wins; a user without rules may do anything.
func (h *AuthHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if h.config == nil || !h.config.Enabled {
		return true
	}

	username := string(cl.Properties.Username)
	for _, user := range h.config.Users {
		if user.Username != username {
			continue
		}
		if len(user.ACL) == 0 {
			return true
		}

		matched := false
		for _, rule := range user.ACL {
			if !mqttclient.MatchTopic(rule.Topic, topic) {
				continue
			}
			matched = true
			if !checkAccess(rule.Access, write) {
				return false
			}
		}
		return matched
	}
	return false
}

// checkAccess verifies if the access level allows the operation
func checkAccess(access string, write bool) bool {
	switch strings.ToLower(access) {
	case "readwrite", "all":
		return true
	case "read", "subscribe":
		return !write
	case "write", "publish":
		return write
	default:
		return false
	}
}

// ClientEventType identifies a ClientEvent.
type ClientEventType string

const (
	EventConnected    ClientEventType = "connected"
	EventDisconnected ClientEventType = "disconnected"
	EventSubscribed   ClientEventType = "subscribed"
	EventUnsubscribed ClientEventType = "unsubscribed"
)

// ClientEvent describes a client lifecycle change seen by the broker.
type ClientEvent struct {
	Type            ClientEventType
	ClientID        string
	ProtocolVersion byte
	Topics          []string
	Err             error
}

// EventHook logs client lifecycle changes and fans them out to subscribers.
type EventHook struct {
	mqtt.HookBase
	broker *Broker

	mu   sync.RWMutex
	subs []func(ClientEvent)
}

// NewEventHook creates the lifecycle hook for b.
func NewEventHook(b *Broker) *EventHook {
	return &EventHook{broker: b}
}

// ID returns the hook identifier
func (h *EventHook) ID() string {
	return "event-hook"
}

// Provides indicates which hook methods this hook provides
func (h *EventHook) Provides(b byte) bool {
	//nolint:gocritic // argument order is intentional
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
	}, []byte{b})
}

func (h *EventHook) subscribe(fn func(ClientEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

func (h *EventHook) emit(ev ClientEvent) {
	if h.broker.stopping.Load() {
		return
	}
	h.mu.RLock()
	subs := h.subs
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// OnSessionEstablished is called once CONNACK has been sent.
func (h *EventHook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	h.broker.log.Debug("client connected", "clientId", cl.ID, "remote", cl.Net.Remote, "protocolVersion", cl.Properties.ProtocolVersion)
	h.emit(ClientEvent{Type: EventConnected, ClientID: cl.ID, ProtocolVersion: cl.Properties.ProtocolVersion})
}

// OnDisconnect is called when a client connection closes for any reason.
func (h *EventHook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	h.broker.log.Debug("client disconnected", "clientId", cl.ID, "error", err)
	h.emit(ClientEvent{Type: EventDisconnected, ClientID: cl.ID, ProtocolVersion: cl.Properties.ProtocolVersion, Err: err})
}

// OnSubscribed is called after a SUBACK was sent.
func (h *EventHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, _ []byte) {
	topics := filters(pk)
	h.broker.log.Debug("client subscribed", "clientId", cl.ID, "topics", topics)
	h.emit(ClientEvent{Type: EventSubscribed, ClientID: cl.ID, ProtocolVersion: cl.Properties.ProtocolVersion, Topics: topics})
}

// OnUnsubscribed is called after an UNSUBACK was sent.
func (h *EventHook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	topics := filters(pk)
	h.broker.log.Debug("client unsubscribed", "clientId", cl.ID, "topics", topics)
	h.emit(ClientEvent{Type: EventUnsubscribed, ClientID: cl.ID, ProtocolVersion: cl.Properties.ProtocolVersion, Topics: topics})
}

func filters(pk packets.Packet) []string {
	out := make([]string, 0, len(pk.Filters))
	for _, f := range pk.Filters {
		out = append(out, f.Filter)
	}
	return out
}
