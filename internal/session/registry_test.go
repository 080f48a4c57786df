package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contextRecorder records context notifications in delivery order.
type contextRecorder struct {
	mu  sync.Mutex
	got []mqttclient.Client
}

func (r *contextRecorder) listen(c mqttclient.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, c)
}

func (r *contextRecorder) all() []mqttclient.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mqttclient.Client(nil), r.got...)
}

type fixture struct {
	reg      *Registry
	conn     *fakeConnector
	terminal *syncBuffer
	events   *contextRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conn:     newFakeConnector(),
		terminal: &syncBuffer{},
		events:   &contextRecorder{},
	}
	f.reg = New(WithConnector(f.conn.connect), WithTerminal(f.terminal))
	f.reg.AddContextClientChangedListener(f.events.listen)
	return f
}

func (f *fixture) connect(t *testing.T, id, host string) *fakeClient {
	t.Helper()
	c, err := f.reg.Connect(context.Background(), mqttclient.ConnectOptions{ClientID: id, Host: host})
	require.NoError(t, err)
	return c.(*fakeClient)
}

// assertInvariant checks that the context client is connected and stored.
func assertInvariant(t *testing.T, reg *Registry) {
	t.Helper()
	c := reg.ContextClient()
	if c == nil {
		return
	}
	assert.True(t, c.IsConnected(), "context client is disconnected")
	assert.Same(t, c, reg.GetClient(c.ClientID(), c.Host()), "context client is not stored")
}

func TestRegistry_ConnectTwoClients(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "broker1")
	c2 := f.connect(t, "c2", "broker1")

	assert.Equal(t, []mqttclient.Client{c1, c2}, f.reg.ListClients(nil))
	assert.Same(t, c1, f.reg.GetClient("c1", "broker1"))
	assert.Same(t, c2, f.reg.GetClient("c2", "broker1"))
	assert.Equal(t, 2, f.reg.Len())

	assert.Nil(t, f.reg.ContextClient(), "connect does not set the context")
	assert.Empty(t, f.events.all())
}

func TestRegistry_InvoluntaryDisconnectOfContextClient(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "broker1")
	require.True(t, f.reg.UpdateContextClient(c1))

	require.True(t, c1.drop(mqttclient.SourceServer, errors.New("server shutting down")))

	assert.Nil(t, f.reg.ContextClient())
	assert.Equal(t, []mqttclient.Client{c1, nil}, f.events.all(), "exactly one nil notification")
	assert.Nil(t, f.reg.GetClient("c1", "broker1"))
	assert.Empty(t, f.reg.ListClients(nil))

	assert.Equal(t, "\nConnection to c1@broker1 lost: server shutting down\nPress ENTER to resume: ", f.terminal.String())
	assert.Equal(t, 1, f.terminal.flushes)
}

func TestRegistry_UserDisconnectOfContextClient(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "broker1")
	require.True(t, f.reg.UpdateContextClient(c1))

	require.NoError(t, f.reg.Disconnect(context.Background(), "c1", "broker1", mqttclient.DisconnectOptions{}))

	assert.Nil(t, f.reg.ContextClient())
	assert.Equal(t, []mqttclient.Client{c1, nil}, f.events.all())
	assert.Empty(t, f.terminal.String(), "no interruption notice for user disconnects")
	assert.Nil(t, f.reg.GetClient("c1", "broker1"))
	assert.Equal(t, int32(1), c1.disconnects.Load())
}

func TestRegistry_GetClientAnyHost(t *testing.T) {
	f := newFixture(t)
	onB := f.connect(t, "c1", "broker-b")
	onA := f.connect(t, "c1", "broker-a")

	// Hosts are searched in sorted order.
	assert.Same(t, onA, f.reg.GetClient("c1", ""))
	assert.Same(t, onB, f.reg.GetClient("c1", "broker-b"))
	assert.Equal(t, 2, f.reg.Len())

	c, err := f.reg.Lookup("c1", "")
	require.NoError(t, err)
	assert.Same(t, onA, c)
}

func TestRegistry_ConnectInvalidCapability(t *testing.T) {
	reg := New()
	_, err := reg.Connect(context.Background(), mqttclient.ConnectOptions{
		Version: mqttclient.V3,
		Host:    "broker1",
		Auth:    mqttclient.AuthOptions{Password: "secret"},
	})

	assert.ErrorIs(t, err, mqttclient.ErrInvalidCapability)
	assert.Zero(t, reg.Len())
	assert.Nil(t, reg.ContextClient())
}

func TestRegistry_ConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.conn.fail = errors.New("connection refused")

	_, err := f.reg.Connect(context.Background(), mqttclient.ConnectOptions{ClientID: "c1", Host: "broker1"})
	assert.ErrorIs(t, err, mqttclient.ErrConnectFailed)
	assert.Zero(t, f.reg.Len())
}

func TestRegistry_ConnectDiesBeforeStore(t *testing.T) {
	f := newFixture(t)
	f.conn.dieBeforeStore = true

	_, err := f.reg.Connect(context.Background(), mqttclient.ConnectOptions{ClientID: "c1", Host: "broker1"})
	assert.ErrorIs(t, err, mqttclient.ErrConnectFailed)
	assert.ErrorIs(t, err, mqttclient.ErrNotConnected)
	assert.Zero(t, f.reg.Len())
	assert.Empty(t, f.terminal.String())
}

func TestRegistry_ConnectGeneratesClientID(t *testing.T) {
	f := newFixture(t)
	c, err := f.reg.Connect(context.Background(), mqttclient.ConnectOptions{Host: "broker1"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ClientID())
	assert.Same(t, c, f.reg.GetClient(c.ClientID(), "broker1"))
}

func TestRegistry_ObserverIdempotent(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "broker1")
	require.True(t, f.reg.UpdateContextClient(c1))

	ev := mqttclient.DisconnectedEvent{Client: c1, ClientID: "c1", Host: "broker1", Source: mqttclient.SourceClient}
	c1.connected.Store(false)
	f.reg.observe(ev)
	f.reg.observe(ev)

	assert.Equal(t, []mqttclient.Client{c1, nil}, f.events.all())
	assert.Equal(t, 1, countNotices(f.terminal.String()))
	assert.Zero(t, f.reg.Len())
}

func countNotices(s string) int {
	n := 0
	for i := 0; i+len("Press ENTER") <= len(s); i++ {
		if s[i:i+len("Press ENTER")] == "Press ENTER" {
			n++
		}
	}
	return n
}

func TestRegistry_ReconnectReplacesClient(t *testing.T) {
	f := newFixture(t)
	old := f.connect(t, "c1", "broker1")
	require.True(t, f.reg.UpdateContextClient(old))

	replacement := f.connect(t, "c1", "broker1")

	assert.NotSame(t, old, replacement)
	assert.Equal(t, int32(1), old.disconnects.Load())
	assert.False(t, old.IsConnected())
	assert.Same(t, replacement, f.reg.GetClient("c1", "broker1"))
	assert.Nil(t, f.reg.ContextClient(), "the replaced client was the context")
	assert.Empty(t, f.terminal.String())

	// A late event for the old handle must not remove its replacement.
	require.True(t, f.reg.UpdateContextClient(replacement))
	f.reg.observe(mqttclient.DisconnectedEvent{Client: old, ClientID: "c1", Host: "broker1", Source: mqttclient.SourceServer})
	assert.Same(t, replacement, f.reg.GetClient("c1", "broker1"))
	assert.Same(t, replacement, f.reg.ContextClient())
	assertInvariant(t, f.reg)
}

func TestRegistry_ConcurrentConnectSameKey(t *testing.T) {
	conn := newFakeConnector()
	gate := newGatedConnector(conn.connect)
	terminal := &syncBuffer{}
	events := &contextRecorder{}
	reg := New(WithConnector(gate.connect), WithTerminal(terminal))
	reg.AddContextClientChangedListener(events.listen)

	type result struct {
		c   mqttclient.Client
		err error
	}
	results := make(chan result, 2)
	for range 2 {
		go func() {
			c, err := reg.Connect(context.Background(), mqttclient.ConnectOptions{ClientID: "c1", Host: "broker1"})
			results <- result{c, err}
		}()
	}
	// Both calls are past the existing-client check with nothing stored.
	<-gate.entered
	<-gate.entered

	gate.release <- struct{}{}
	first := <-results
	require.NoError(t, first.err)
	require.True(t, reg.UpdateContextClient(first.c))

	gate.release <- struct{}{}
	second := <-results
	require.NoError(t, second.err)

	assert.NotSame(t, first.c, second.c)
	assert.False(t, first.c.IsConnected(), "the displaced client is disconnected")
	assert.Equal(t, int32(1), first.c.(*fakeClient).disconnects.Load())
	assert.Same(t, second.c, reg.GetClient("c1", "broker1"))
	assert.Equal(t, 1, reg.Len())
	assert.Nil(t, reg.ContextClient(), "the displaced client was the context")
	assert.Equal(t, []mqttclient.Client{first.c, nil}, events.all())
	assert.Empty(t, terminal.String(), "replacement is not an interruption")
	assertInvariant(t, reg)
}

func TestRegistry_DisconnectOfOtherClientKeepsContext(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "broker1")
	c2 := f.connect(t, "c2", "broker1")
	require.True(t, f.reg.UpdateContextClient(c1))

	c2.drop(mqttclient.SourceClient, errors.New("keep alive timeout"))

	assert.Same(t, c1, f.reg.ContextClient())
	assert.Equal(t, []mqttclient.Client{c1}, f.events.all())
	assert.Empty(t, f.terminal.String(), "no notice when the context is unaffected")
	assert.Nil(t, f.reg.GetClient("c2", "broker1"))
}

func TestRegistry_UpdateContextClient(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "broker1")

	t.Run("nil", func(t *testing.T) {
		assert.False(t, f.reg.UpdateContextClient(nil))
	})

	t.Run("not stored", func(t *testing.T) {
		stranger := &fakeClient{id: "c9", host: "broker1"}
		stranger.connected.Store(true)
		assert.False(t, f.reg.UpdateContextClient(stranger))
	})

	t.Run("disconnected", func(t *testing.T) {
		dead := f.connect(t, "dead", "broker1")
		dead.drop(mqttclient.SourceServer, nil)
		assert.False(t, f.reg.UpdateContextClient(dead))
	})

	t.Run("connected", func(t *testing.T) {
		assert.True(t, f.reg.UpdateContextClient(c1))
		assert.Same(t, c1, f.reg.ContextClient())
		assert.True(t, f.reg.IsContextClient("c1", "broker1"))
		assert.False(t, f.reg.IsContextClient("c1", "broker2"))
		assert.False(t, f.reg.IsContextClient("c2", "broker1"))
	})

	assert.Equal(t, []mqttclient.Client{c1}, f.events.all(), "rejected updates are silent")
}

func TestRegistry_RemoveContextClientAlwaysNotifies(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "broker1")
	require.True(t, f.reg.UpdateContextClient(c1))

	f.reg.RemoveContextClient()
	f.reg.RemoveContextClient()

	assert.Nil(t, f.reg.ContextClient())
	assert.False(t, f.reg.IsContextClient("c1", "broker1"))
	assert.Equal(t, []mqttclient.Client{c1, nil, nil}, f.events.all())
	assert.Same(t, c1, f.reg.GetClient("c1", "broker1"), "the client stays connected")
}

func TestRegistry_DisconnectAll(t *testing.T) {
	f := newFixture(t)
	clients := []*fakeClient{
		f.connect(t, "c1", "broker1"),
		f.connect(t, "c2", "broker1"),
		f.connect(t, "c1", "broker2"),
	}
	require.True(t, f.reg.UpdateContextClient(clients[1]))

	f.reg.DisconnectAll(context.Background(), mqttclient.DisconnectOptions{})

	for _, c := range clients {
		assert.Equal(t, int32(1), c.disconnects.Load())
		assert.False(t, c.IsConnected())
	}
	assert.Zero(t, f.reg.Len())
	assert.Empty(t, f.reg.ListClients(nil))
	assert.Nil(t, f.reg.ContextClient())
	assert.Equal(t, []mqttclient.Client{clients[1], nil}, f.events.all())
	assert.Empty(t, f.terminal.String())

	// Empty registry: nothing to disconnect, no notification.
	f.reg.DisconnectAll(context.Background(), mqttclient.DisconnectOptions{})
	assert.Len(t, f.events.all(), 2)
}

func TestRegistry_DisconnectAllClearsFailingClients(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "broker1")
	c1.disconnectErr = errors.New("write: broken pipe")
	require.True(t, f.reg.UpdateContextClient(c1))

	f.reg.DisconnectAll(context.Background(), mqttclient.DisconnectOptions{})
	assert.Zero(t, f.reg.Len())
	assert.Nil(t, f.reg.ContextClient())
}

func TestRegistry_DisconnectUnknownAndLookup(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.reg.Disconnect(context.Background(), "ghost", "broker1", mqttclient.DisconnectOptions{}))

	_, err := f.reg.Lookup("ghost", "broker1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "client not found: ghost@broker1")

	_, err = f.reg.Lookup("ghost", "")
	assert.EqualError(t, err, "client not found: ghost")
}

func TestRegistry_DisconnectReturnsClientError(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "broker1")
	c1.disconnectErr = errors.New("write: broken pipe")

	err := f.reg.Disconnect(context.Background(), "c1", "broker1", mqttclient.DisconnectOptions{})
	assert.ErrorContains(t, err, "broken pipe")
	assert.Nil(t, f.reg.GetClient("c1", "broker1"))
}

func TestRegistry_ListClientsOrdering(t *testing.T) {
	f := newFixture(t)
	b := f.connect(t, "b", "host2")
	a := f.connect(t, "a", "host3")
	c := f.connect(t, "c", "host1")

	assert.Equal(t, []mqttclient.Client{c, b, a}, f.reg.ListClients(nil))
	assert.Equal(t, []mqttclient.Client{a, b, c}, f.reg.ListClients(ByClientID))
	assert.Equal(t, []mqttclient.Client{b, a, c}, f.reg.ListClients(ByConnectedAt))
	assert.Equal(t, []mqttclient.Client{c, a, b}, f.reg.ListClients(Reverse(ByConnectedAt)))
	assert.Equal(t, []mqttclient.Client{c, b, a}, f.reg.ListClients(Reverse(ByClientID)))
}

func TestRegistry_ListenerOrderAndPanics(t *testing.T) {
	f := newFixture(t)
	var order []string
	f.reg.AddContextClientChangedListener(func(mqttclient.Client) { order = append(order, "second") })
	f.reg.AddContextClientChangedListener(func(mqttclient.Client) { panic("listener bug") })
	f.reg.AddContextClientChangedListener(func(mqttclient.Client) { order = append(order, "fourth") })
	f.reg.AddContextClientChangedListener(nil)

	c1 := f.connect(t, "c1", "broker1")
	require.NotPanics(t, func() { f.reg.UpdateContextClient(c1) })

	assert.Equal(t, []mqttclient.Client{c1}, f.events.all())
	assert.Equal(t, []string{"second", "fourth"}, order)
}

func TestRegistry_ListenersMayReadRegistry(t *testing.T) {
	f := newFixture(t)
	var seen []mqttclient.Client
	var stored []int
	f.reg.AddContextClientChangedListener(func(mqttclient.Client) {
		seen = append(seen, f.reg.ContextClient())
		stored = append(stored, f.reg.Len())
	})

	c1 := f.connect(t, "c1", "broker1")
	f.reg.UpdateContextClient(c1)
	c1.drop(mqttclient.SourceServer, nil)

	assert.Equal(t, []mqttclient.Client{c1, nil}, seen)
	assert.Equal(t, []int{1, 0}, stored, "store removal is visible before listeners run")
}

func TestRegistry_TerminalWriteFailureSwallowed(t *testing.T) {
	conn := newFakeConnector()
	reg := New(WithConnector(conn.connect), WithTerminal(failingWriter{}))
	c, err := reg.Connect(context.Background(), mqttclient.ConnectOptions{ClientID: "c1", Host: "broker1"})
	require.NoError(t, err)
	require.True(t, reg.UpdateContextClient(c))

	require.NotPanics(t, func() {
		c.(*fakeClient).drop(mqttclient.SourceServer, errors.New("gone"))
	})
	assert.Nil(t, reg.ContextClient())
	assert.Zero(t, reg.Len())
}

func TestRegistry_NoTerminal(t *testing.T) {
	conn := newFakeConnector()
	reg := New(WithConnector(conn.connect))
	c, err := reg.Connect(context.Background(), mqttclient.ConnectOptions{ClientID: "c1", Host: "broker1"})
	require.NoError(t, err)
	require.True(t, reg.UpdateContextClient(c))

	c.(*fakeClient).drop(mqttclient.SourceClient, nil)
	assert.Nil(t, reg.ContextClient())
}

func TestRegistry_NoticeWithoutCause(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "broker1")
	require.True(t, f.reg.UpdateContextClient(c1))

	c1.drop(mqttclient.SourceServer, nil)
	assert.Equal(t, "\nConnection to c1@broker1 lost: disconnected by SERVER\nPress ENTER to resume: ", f.terminal.String())
}

// The context must never point at a dropped client, whichever of
// UpdateContextClient and the disconnect runs first.
func TestRegistry_UpdateRacesInvoluntaryDisconnect(t *testing.T) {
	f := newFixture(t)

	for range 200 {
		c := f.connect(t, "racer", "broker1")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.reg.UpdateContextClient(c)
		}()
		go func() {
			defer wg.Done()
			c.drop(mqttclient.SourceServer, errors.New("reset"))
		}()
		wg.Wait()

		assert.Nil(t, f.reg.ContextClient())
		assert.Zero(t, f.reg.Len())
		if got := f.events.all(); len(got) > 0 {
			assert.Nil(t, got[len(got)-1], "last delivered context must be nil")
		}
	}
}

func TestRegistry_ConcurrentOperations(t *testing.T) {
	f := newFixture(t)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		f.connect(t, id, "broker1")
	}

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ids[i%len(ids)]
			switch i % 6 {
			case 0:
				if c := f.reg.GetClient(id, ""); c != nil {
					f.reg.UpdateContextClient(c)
				}
			case 1:
				f.reg.ListClients(ByConnectedAt)
			case 2:
				f.reg.RemoveContextClient()
			case 3:
				if c := f.reg.GetClient(id, "broker1"); c != nil {
					c.(*fakeClient).drop(mqttclient.SourceClient, nil)
				}
			case 4:
				f.reg.IsContextClient(id, "broker1")
			case 5:
				_, _ = f.reg.Connect(context.Background(), mqttclient.ConnectOptions{ClientID: id, Host: "broker1"})
			}
		}(i)
	}
	wg.Wait()
	assertInvariant(t, f.reg)

	// No live client is left outside the store.
	f.conn.mu.Lock()
	defer f.conn.mu.Unlock()
	for _, c := range f.conn.clients {
		if c.IsConnected() {
			assert.Same(t, c, f.reg.GetClient(c.id, c.host), "connected client %s is not stored", c.id)
		}
	}
}
