package broker

// Config configures the embedded broker.
type Config struct {
	// Host is the bind address. Empty binds all interfaces.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port"`

	// WebSocketPort enables a websocket listener when non-zero.
	WebSocketPort int `yaml:"webSocketPort,omitempty"`

	TLS  *TLSConfig  `yaml:"tls,omitempty"`
	Auth *AuthConfig `yaml:"auth,omitempty"`
}

// TLSConfig enables TLS on every listener. When CertFile and KeyFile are
// empty a self-signed certificate for localhost is generated.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile,omitempty"`
	KeyFile  string `yaml:"keyFile,omitempty"`
}

// AuthConfig configures username/password authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Users   []User `yaml:"users,omitempty"`
}

// User is an account allowed to connect.
type User struct {
	Username string    `yaml:"username"`
	Password string    `yaml:"password"`
	ACL      []ACLRule `yaml:"acl,omitempty"`
}

// ACLRule defines access control for topics
type ACLRule struct {
	Topic  string `yaml:"topic"`  // e.g., "sensors/#"
	Access string `yaml:"access"` // "read", "write", "readwrite"
}
