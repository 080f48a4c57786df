package mqttclient

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors. Compare with errors.Is.
var (
	// ErrConnectFailed is matched by every error returned from a failed connect.
	ErrConnectFailed = errors.New("connect failed")

	// ErrInvalidCapability is matched when an option is not supported by the
	// selected protocol version. It is raised before any network I/O.
	ErrInvalidCapability = errors.New("invalid capability")

	// ErrNotConnected is returned by operations on a disconnected client.
	ErrNotConnected = errors.New("client is not connected")

	// ErrInvalidOptions is matched by malformed publish/subscribe options.
	ErrInvalidOptions = errors.New("invalid options")
)

// ConnectError describes a failed handshake, auth rejection or transport error.
type ConnectError struct {
	ClientID string
	Host     string
	Port     int
	Err      error
}

func (e *ConnectError) Error() string {
	return "connect failed for " + e.ClientID + "@" + e.Host + ":" + strconv.Itoa(e.Port) + ": " + e.Err.Error()
}

// Unwrap exposes both ErrConnectFailed and the underlying cause.
func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectFailed, e.Err}
}

// CapabilityError names the option the selected protocol version cannot honour.
type CapabilityError struct {
	Version Version
	Option  string
	Reason  string
}

func (e *CapabilityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", ErrInvalidCapability, e.Reason)
	}
	return fmt.Sprintf("%s: option %s is not supported by %s", ErrInvalidCapability, e.Option, e.Version)
}

// Unwrap returns ErrInvalidCapability.
func (e *CapabilityError) Unwrap() error {
	return ErrInvalidCapability
}

// ServerDisconnectError is the cause reported when the broker sent DISCONNECT.
type ServerDisconnectError struct {
	ReasonCode byte
	Reason     string
}

func (e *ServerDisconnectError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("server sent DISCONNECT (reason code 0x%02x): %s", e.ReasonCode, e.Reason)
	}
	return fmt.Sprintf("server sent DISCONNECT (reason code 0x%02x)", e.ReasonCode)
}
