package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/mqttsh/pkg/mqttclient"
)

// fakeClient is an in-memory mqttclient.Client.
type fakeClient struct {
	id          string
	host        string
	connectedAt time.Time
	connected   atomic.Bool
	listeners   []mqttclient.DisconnectedListener

	disconnectErr error
	disconnects   atomic.Int32
}

func (f *fakeClient) ClientID() string                         { return f.id }
func (f *fakeClient) Host() string                             { return f.host }
func (f *fakeClient) Port() int                                { return mqttclient.DefaultPort }
func (f *fakeClient) Version() mqttclient.Version              { return mqttclient.V5 }
func (f *fakeClient) ConnectedAt() time.Time                   { return f.connectedAt }
func (f *fakeClient) TLSEnabled() bool                         { return false }
func (f *fakeClient) IsConnected() bool                        { return f.connected.Load() }
func (f *fakeClient) Subscriptions() []mqttclient.Subscription { return nil }

func (f *fakeClient) Publish(context.Context, mqttclient.PublishOptions) error         { return nil }
func (f *fakeClient) Subscribe(context.Context, mqttclient.SubscribeOptions) error     { return nil }
func (f *fakeClient) Unsubscribe(context.Context, mqttclient.UnsubscribeOptions) error { return nil }

func (f *fakeClient) Disconnect(context.Context, mqttclient.DisconnectOptions) error {
	f.disconnects.Add(1)
	if !f.drop(mqttclient.SourceUser, nil) {
		return mqttclient.ErrNotConnected
	}
	return f.disconnectErr
}

// drop mimics the library reporting a disconnect: liveness flips first,
// then every listener runs once.
func (f *fakeClient) drop(source mqttclient.DisconnectSource, cause error) bool {
	if !f.connected.CompareAndSwap(true, false) {
		return false
	}
	ev := mqttclient.DisconnectedEvent{Client: f, ClientID: f.id, Host: f.host, Source: source, Cause: cause}
	for _, l := range f.listeners {
		l(ev)
	}
	return true
}

// fakeConnector hands out fakeClients and remembers them.
type fakeConnector struct {
	mu      sync.Mutex
	clients []*fakeClient
	clock   time.Time

	// fail makes the next connect return this error.
	fail error
	// dieBeforeStore drops the next client before Connect returns.
	dieBeforeStore bool
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (fc *fakeConnector) connect(_ context.Context, opts mqttclient.ConnectOptions, _ *slog.Logger, listeners ...mqttclient.DisconnectedListener) (mqttclient.Client, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if fc.fail != nil {
		err := fc.fail
		fc.fail = nil
		return nil, &mqttclient.ConnectError{ClientID: opts.ClientID, Host: opts.Host, Port: opts.Port, Err: err}
	}

	fc.clock = fc.clock.Add(time.Second)
	c := &fakeClient{id: opts.ClientID, host: opts.Host, connectedAt: fc.clock, listeners: listeners}
	c.connected.Store(true)
	fc.clients = append(fc.clients, c)

	if fc.dieBeforeStore {
		fc.dieBeforeStore = false
		c.drop(mqttclient.SourceServer, errors.New("connection reset by peer"))
	}
	return c, nil
}

// syncBuffer is a terminal safe for concurrent writes.
type syncBuffer struct {
	mu      sync.Mutex
	buf     []byte
	flushes int
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
	return nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("terminal closed") }

// gatedConnector parks every connect until the test releases it, so
// several Connect calls can be in flight for the same key.
type gatedConnector struct {
	next    Connector
	entered chan struct{}
	release chan struct{}
}

func newGatedConnector(next Connector) *gatedConnector {
	return &gatedConnector{next: next, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedConnector) connect(ctx context.Context, opts mqttclient.ConnectOptions, logger *slog.Logger, listeners ...mqttclient.DisconnectedListener) (mqttclient.Client, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.next(ctx, opts, logger, listeners...)
}
