package mqttclient

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version selects the protocol variant.
type Version int

// Supported protocol versions.
const (
	V3 Version = 3
	V5 Version = 5
)

func (v Version) String() string {
	switch v {
	case V3:
		return "MQTT_3_1_1"
	case V5:
		return "MQTT_5_0"
	default:
		return fmt.Sprintf("MQTT_UNKNOWN(%d)", int(v))
	}
}

// ParseVersion accepts "3", "3.1.1", "5" and "5.0".
func ParseVersion(s string) (Version, error) {
	switch strings.TrimSpace(s) {
	case "3", "3.1.1", "311":
		return V3, nil
	case "5", "5.0", "":
		return V5, nil
	default:
		return 0, &CapabilityError{Option: "version", Reason: fmt.Sprintf("unsupported MQTT version %q", s)}
	}
}

// Defaults applied by ConnectOptions.WithDefaults.
const (
	DefaultHost           = "localhost"
	DefaultPort           = 1883
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultClientIDPrefix = "mqttsh"
	DefaultWebSocketPath  = "/mqtt"
)

// UserProperty is an MQTT 5 user property.
type UserProperty struct {
	Key   string
	Value string
}

// AuthOptions holds simple username/password authentication.
type AuthOptions struct {
	Username string
	Password string
}

// WillOptions configures the last will message.
type WillOptions struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// DelayInterval is the MQTT 5 will delay in seconds.
	DelayInterval *uint32
}

// TLSOptions configures a TLS transport. A non-nil TLSOptions enables TLS.
type TLSOptions struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// WebSocketOptions selects the websocket transport when non-nil.
type WebSocketOptions struct {
	Path string
}

// ConnectOptions are the parameters of a connection.
type ConnectOptions struct {
	Version  Version
	Host     string
	Port     int
	ClientID string

	// ClientIDPrefix is used to generate ClientID when it is empty.
	ClientIDPrefix string

	Auth      AuthOptions
	Will      *WillOptions
	TLS       *TLSOptions
	WebSocket *WebSocketOptions

	// KeepSession disables clean start / clean session.
	KeepSession    bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// MQTT 5 only.
	SessionExpiryInterval      *uint32
	ReceiveMaximum             *uint16
	MaximumPacketSize          *uint32
	TopicAliasMaximum          *uint16
	RequestProblemInformation  *bool
	RequestResponseInformation *bool
	UserProperties             []UserProperty
}

// WithDefaults returns a copy with host, port, timeouts and client
// identifier filled in. The registry uses it to know the (host, clientID)
// key before connecting.
func (o ConnectOptions) WithDefaults() ConnectOptions {
	if o.Version == 0 {
		o.Version = V5
	}
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ClientID == "" {
		prefix := o.ClientIDPrefix
		if prefix == "" {
			prefix = DefaultClientIDPrefix
		}
		o.ClientID = GenerateClientID(prefix)
	}
	if o.WebSocket != nil && o.WebSocket.Path == "" {
		ws := *o.WebSocket
		ws.Path = DefaultWebSocketPath
		o.WebSocket = &ws
	}
	return o
}

// GenerateClientID returns prefix-<8 random hex chars>.
func GenerateClientID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Validate reports options the selected version cannot honour. It never
// touches the network.
func (o ConnectOptions) Validate() error {
	switch o.Version {
	case V3, V5:
	default:
		return &CapabilityError{Version: o.Version, Option: "version", Reason: fmt.Sprintf("unsupported MQTT version %d", int(o.Version))}
	}

	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("%w: port %d is out of range", ErrInvalidOptions, o.Port)
	}
	if o.KeepAlive < 0 || o.KeepAlive > 65535*time.Second {
		return fmt.Errorf("%w: keep alive %s is out of range", ErrInvalidOptions, o.KeepAlive)
	}

	if o.Will != nil {
		if o.Will.QoS > 2 {
			return fmt.Errorf("%w: will QoS %d is invalid", ErrInvalidOptions, o.Will.QoS)
		}
	}

	if o.Version == V5 {
		return nil
	}

	if o.Auth.Password != "" && o.Auth.Username == "" {
		return &CapabilityError{Version: V3, Option: "password", Reason: "password-only authentication is not allowed in MQTT 3"}
	}

	v5Only := []struct {
		name string
		set  bool
	}{
		{"sessionExpiryInterval", o.SessionExpiryInterval != nil},
		{"receiveMaximum", o.ReceiveMaximum != nil},
		{"maximumPacketSize", o.MaximumPacketSize != nil},
		{"topicAliasMaximum", o.TopicAliasMaximum != nil},
		{"requestProblemInformation", o.RequestProblemInformation != nil},
		{"requestResponseInformation", o.RequestResponseInformation != nil},
		{"userProperties", len(o.UserProperties) > 0},
		{"willDelayInterval", o.Will != nil && o.Will.DelayInterval != nil},
	}
	for _, opt := range v5Only {
		if opt.set {
			return &CapabilityError{Version: V3, Option: opt.name}
		}
	}
	return nil
}

// Subscription is an active topic filter of a client.
type Subscription struct {
	Topic string
	QoS   byte
}

// Message is an application message delivered to a subscription.
type Message struct {
	ClientID   string
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	ReceivedAt time.Time

	// MQTT 5 only.
	ContentType    string
	UserProperties []UserProperty
}

// MessageHandler receives messages for a subscription. It runs on a library
// goroutine and must not block.
type MessageHandler func(Message)

// PublishOptions publishes one payload to one or more topics.
type PublishOptions struct {
	Topics  []string
	QoS     []byte
	Payload []byte
	Retain  bool

	// MQTT 5 only.
	MessageExpiryInterval *uint32
	ContentType           string
	UserProperties        []UserProperty
}

// pairQoS pairs topics with QoS levels; a single QoS applies to every topic.
func pairQoS(topics []string, qos []byte) ([]byte, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: at least one topic is required", ErrInvalidOptions)
	}
	switch len(qos) {
	case 0:
		return make([]byte, len(topics)), nil
	case 1:
		out := make([]byte, len(topics))
		for i := range out {
			out[i] = qos[0]
		}
		qos = out
	case len(topics):
	default:
		return nil, fmt.Errorf("%w: topics size (%d) does not match QoS size (%d)", ErrInvalidOptions, len(topics), len(qos))
	}
	for _, q := range qos {
		if q > 2 {
			return nil, fmt.Errorf("%w: QoS %d is invalid", ErrInvalidOptions, q)
		}
	}
	return qos, nil
}

// SubscribeOptions subscribes to one or more topic filters.
type SubscribeOptions struct {
	Topics    []string
	QoS       []byte
	OnMessage MessageHandler

	// MQTT 5 only.
	NoLocal        bool
	UserProperties []UserProperty
}

// UnsubscribeOptions removes topic filters.
type UnsubscribeOptions struct {
	Topics []string
}

// DisconnectOptions are sent with a user-initiated DISCONNECT. The MQTT 5
// fields are ignored by V3 clients.
type DisconnectOptions struct {
	ReasonString          string
	SessionExpiryInterval *uint32
	UserProperties        []UserProperty

	// Quiesce bounds how long V3 waits for in-flight work. Zero means 250ms.
	Quiesce time.Duration
}
