package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/getmockd/mqttsh/pkg/logging"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
)

// ErrNotFound is returned by Lookup when no client matches.
var ErrNotFound = errors.New("client not found")

// ContextListener is told about every context change. c is nil when the
// context was cleared.
type ContextListener func(c mqttclient.Client)

// Connector opens a connection. mqttclient.Connect is the default.
type Connector func(ctx context.Context, opts mqttclient.ConnectOptions, logger *slog.Logger, listeners ...mqttclient.DisconnectedListener) (mqttclient.Client, error)

// Registry holds the open clients and the context client.
type Registry struct {
	// notifyMu is taken before mu by every context transition and held
	// while listeners run, so deliveries follow transitions in order.
	notifyMu sync.Mutex

	mu      sync.RWMutex
	clients map[string]map[string]mqttclient.Client
	current mqttclient.Client

	listenersMu sync.Mutex
	listeners   []ContextListener

	connect  Connector
	terminal io.Writer
	log      *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithTerminal sets where interruption notices are written. Without a
// terminal no notice is written.
func WithTerminal(w io.Writer) Option {
	return func(r *Registry) {
		r.terminal = w
	}
}

// WithConnector replaces the function used to open connections.
func WithConnector(c Connector) Option {
	return func(r *Registry) {
		if c != nil {
			r.connect = c
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clients: make(map[string]map[string]mqttclient.Client),
		connect: mqttclient.Connect,
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect opens a connection and stores it under its host and client
// identifier. A client already stored under that key is disconnected,
// including one stored by a concurrent Connect for the same key. Connect
// never changes the context client.
func (r *Registry) Connect(ctx context.Context, opts mqttclient.ConnectOptions) (mqttclient.Client, error) {
	opts = opts.WithDefaults()

	if prev := r.GetClient(opts.ClientID, opts.Host); prev != nil {
		r.replace(ctx, prev)
		r.remove(prev)
	}

	c, err := r.connect(ctx, opts, r.log, r.observe)
	if err != nil {
		return nil, err
	}

	// Liveness is checked under the lock: the observer for a client that
	// dropped before this point found nothing to remove, and one that runs
	// later waits for the lock and removes it.
	r.mu.Lock()
	if !c.IsConnected() {
		r.mu.Unlock()
		return nil, &mqttclient.ConnectError{ClientID: c.ClientID(), Host: c.Host(), Port: c.Port(), Err: mqttclient.ErrNotConnected}
	}
	byID, ok := r.clients[c.Host()]
	if !ok {
		byID = make(map[string]mqttclient.Client)
		r.clients[c.Host()] = byID
	}
	displaced := byID[c.ClientID()]
	byID[c.ClientID()] = c
	r.mu.Unlock()

	// The displaced client's observer clears the context if needed and
	// leaves c in place.
	if displaced != nil && displaced != c {
		r.replace(ctx, displaced)
	}

	r.log.Debug("client stored", "clientId", c.ClientID(), "host", c.Host())
	return c, nil
}

// replace disconnects a client that is being superseded under its key.
func (r *Registry) replace(ctx context.Context, prev mqttclient.Client) {
	r.log.Info("replacing existing client", "clientId", prev.ClientID(), "host", prev.Host())
	if err := prev.Disconnect(ctx, mqttclient.DisconnectOptions{}); err != nil && !errors.Is(err, mqttclient.ErrNotConnected) {
		r.log.Warn("failed to disconnect replaced client", "clientId", prev.ClientID(), "host", prev.Host(), "error", err)
	}
}

// GetClient returns the client stored under (clientID, host), or nil. An
// empty host matches any host; hosts are searched in sorted order and the
// first match wins.
func (r *Registry) GetClient(clientID, host string) mqttclient.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(clientID, host)
}

func (r *Registry) getLocked(clientID, host string) mqttclient.Client {
	if host != "" {
		return r.clients[host][clientID]
	}

	hosts := make([]string, 0, len(r.clients))
	for h := range r.clients {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	for _, h := range hosts {
		if c, ok := r.clients[h][clientID]; ok {
			return c
		}
	}
	return nil
}

// Lookup is GetClient returning ErrNotFound instead of nil.
func (r *Registry) Lookup(clientID, host string) (mqttclient.Client, error) {
	if c := r.GetClient(clientID, host); c != nil {
		return c, nil
	}
	if host == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clientID)
	}
	return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, clientID, host)
}

// ListClients returns a sorted snapshot of every stored client. A nil order
// sorts by host, then client identifier.
func (r *Registry) ListClients(order func(a, b mqttclient.Client) int) []mqttclient.Client {
	r.mu.RLock()
	out := make([]mqttclient.Client, 0, r.lenLocked())
	for _, byID := range r.clients {
		for _, c := range byID {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, byHost)
	if order != nil {
		slices.SortStableFunc(out, order)
	}
	return out
}

// Len returns the number of stored clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

func (r *Registry) lenLocked() int {
	n := 0
	for _, byID := range r.clients {
		n += len(byID)
	}
	return n
}

// Disconnect disconnects the client stored under (clientID, host). An
// unknown client is not an error.
func (r *Registry) Disconnect(ctx context.Context, clientID, host string, opts mqttclient.DisconnectOptions) error {
	c := r.GetClient(clientID, host)
	if c == nil {
		r.log.Debug("disconnect of unknown client ignored", "clientId", clientID, "host", host)
		return nil
	}

	err := c.Disconnect(ctx, opts)
	r.remove(c)
	if err != nil && !errors.Is(err, mqttclient.ErrNotConnected) {
		return fmt.Errorf("disconnect %s@%s: %w", c.ClientID(), c.Host(), err)
	}
	return nil
}

// DisconnectAll disconnects every stored client, one after another, then
// empties the store and clears the context. Failures are logged.
func (r *Registry) DisconnectAll(ctx context.Context, opts mqttclient.DisconnectOptions) {
	for _, c := range r.ListClients(nil) {
		if err := c.Disconnect(ctx, opts); err != nil && !errors.Is(err, mqttclient.ErrNotConnected) {
			r.log.Warn("failed to disconnect client", "clientId", c.ClientID(), "host", c.Host(), "error", err)
		}
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	hadContext := r.current != nil
	r.current = nil
	r.clients = make(map[string]map[string]mqttclient.Client)
	r.mu.Unlock()

	if hadContext {
		r.fire(nil)
	}
}

// UpdateContextClient makes c the context client. It does nothing unless c
// is connected and is the client stored under its key. It reports whether
// the context was set.
func (r *Registry) UpdateContextClient(c mqttclient.Client) bool {
	if c == nil {
		return false
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if !c.IsConnected() || r.getLocked(c.ClientID(), c.Host()) != c {
		r.mu.Unlock()
		return false
	}
	r.current = c
	r.mu.Unlock()

	r.fire(c)
	return true
}

// RemoveContextClient clears the context. Listeners are told every time,
// even if no context was set.
func (r *Registry) RemoveContextClient() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	r.fire(nil)
}

// ContextClient returns the context client or nil.
func (r *Registry) ContextClient() mqttclient.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// IsContextClient reports whether the context client has this identifier
// and host.
func (r *Registry) IsContextClient(clientID, host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current != nil && r.current.ClientID() == clientID && r.current.Host() == host
}

// AddContextClientChangedListener registers l. Listeners cannot be removed.
func (r *Registry) AddContextClientChangedListener(l ContextListener) {
	if l == nil {
		return
	}
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// observe is registered last on every client the registry opens.
func (r *Registry) observe(ev mqttclient.DisconnectedEvent) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	cleared := r.current != nil && r.current == ev.Client
	if cleared {
		r.current = nil
	}
	r.deleteLocked(ev.Client)
	r.mu.Unlock()

	r.log.Debug("client removed after disconnect", "clientId", ev.ClientID, "host", ev.Host, "source", ev.Source.String(), "contextCleared", cleared)

	if !cleared {
		return
	}
	r.fire(nil)
	if ev.Source != mqttclient.SourceUser {
		r.writeInterruption(ev)
	}
}

// remove deletes c from the store if it is still the client under its key.
func (r *Registry) remove(c mqttclient.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(c)
}

// deleteLocked never removes a newer client stored under the same key.
func (r *Registry) deleteLocked(c mqttclient.Client) {
	byID, ok := r.clients[c.Host()]
	if !ok || byID[c.ClientID()] != c {
		return
	}
	delete(byID, c.ClientID())
	if len(byID) == 0 {
		delete(r.clients, c.Host())
	}
}

func (r *Registry) fire(c mqttclient.Client) {
	r.listenersMu.Lock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.Unlock()

	for _, l := range listeners {
		r.call(l, c)
	}
}

func (r *Registry) call(l ContextListener, c mqttclient.Client) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("context listener panicked", "panic", fmt.Sprint(p))
		}
	}()
	l(c)
}

type flusher interface {
	Flush() error
}

func (r *Registry) writeInterruption(ev mqttclient.DisconnectedEvent) {
	if r.terminal == nil {
		return
	}

	cause := "disconnected by " + ev.Source.String()
	if ev.Cause != nil {
		cause = ev.Cause.Error()
	}
	_, err := fmt.Fprintf(r.terminal, "\nConnection to %s@%s lost: %s\nPress ENTER to resume: ", ev.ClientID, ev.Host, cause)
	if err == nil {
		if f, ok := r.terminal.(flusher); ok {
			err = f.Flush()
		}
	}
	if err != nil {
		r.log.Warn("failed to write interruption notice", "clientId", ev.ClientID, "host", ev.Host, "error", err)
	}
}

// ByClientID orders clients by identifier, then host.
func ByClientID(a, b mqttclient.Client) int {
	return cmp.Or(cmp.Compare(a.ClientID(), b.ClientID()), cmp.Compare(a.Host(), b.Host()))
}

// ByConnectedAt orders clients by connect time, oldest first.
func ByConnectedAt(a, b mqttclient.Client) int {
	return a.ConnectedAt().Compare(b.ConnectedAt())
}

// Reverse inverts an ordering.
func Reverse(order func(a, b mqttclient.Client) int) func(a, b mqttclient.Client) int {
	return func(a, b mqttclient.Client) int {
		return order(b, a)
	}
}

func byHost(a, b mqttclient.Client) int {
	return cmp.Or(cmp.Compare(a.Host(), b.Host()), cmp.Compare(a.ClientID(), b.ClientID()))
}
