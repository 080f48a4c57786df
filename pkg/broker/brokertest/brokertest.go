// Package brokertest starts embedded brokers for tests.
package brokertest

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/getmockd/mqttsh/pkg/broker"
	"github.com/stretchr/testify/require"
)

// FreePort returns an available TCP port on 127.0.0.1.
func FreePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// Start runs a broker on a free port bound to 127.0.0.1 and stops it when
// the test ends. cfg may be nil; a zero Port is replaced by a free one.
func Start(t testing.TB, cfg *broker.Config) *broker.Broker {
	t.Helper()
	if cfg == nil {
		cfg = &broker.Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = FreePort(t)
	}

	b, err := broker.New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		_ = b.Stop(context.Background(), 5*time.Second)
	})

	waitListening(t, net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)))
	return b
}

// waitListening polls until addr accepts connections.
func waitListening(t testing.TB, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond, "broker did not start listening on %s", addr)
	// Let mochi drop the readiness connection before the test starts.
	time.Sleep(50 * time.Millisecond)
}

// Events records broker client events for assertions.
type Events struct {
	ch chan broker.ClientEvent
}

// Record subscribes to b's client events.
func Record(b *broker.Broker) *Events {
	e := &Events{ch: make(chan broker.ClientEvent, 256)}
	b.OnClientEvent(func(ev broker.ClientEvent) {
		select {
		case e.ch <- ev:
		default:
		}
	})
	return e
}

// Wait blocks until an event of typ for clientID is seen.
func (e *Events) Wait(t testing.TB, typ broker.ClientEventType, clientID string) broker.ClientEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-e.ch:
			if ev.Type == typ && ev.ClientID == clientID {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event of %s", typ, clientID)
			return broker.ClientEvent{}
		}
	}
}
