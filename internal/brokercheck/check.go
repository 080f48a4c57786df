package brokercheck

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getmockd/mqttsh/pkg/logging"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/google/uuid"
)

// Defaults for Config.
const (
	DefaultTimeout = 10 * time.Second
	DefaultTries   = 10
)

// sharedGroup is the group name of the shared subscription check.
const sharedGroup = "mqttsh"

// Config describes one check run against one protocol version.
type Config struct {
	// Connect is the base of every connection the run opens. ClientID is
	// ignored; each connection gets a generated identifier.
	Connect mqttclient.ConnectOptions

	// Timeout bounds each round trip.
	Timeout time.Duration

	// Tries is the number of publishes per QoS level.
	Tries int

	// All runs the publish/subscribe checks for MQTT 5 too. MQTT 3.1.1
	// runs them always, as the broker announces nothing on connect.
	All bool

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Tries <= 0 {
		cfg.Tries = DefaultTries
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	cfg.Connect.ClientID = ""
	return cfg
}

// Outcome is the result of one yes/no check.
type Outcome struct {
	OK bool
	// Detail says why the check failed: TIME_OUT or the error.
	Detail string
}

func (o Outcome) String() string {
	switch {
	case o.OK:
		return "OK"
	case o.Detail != "":
		return o.Detail
	default:
		return "NO"
	}
}

var timedOut = Outcome{Detail: "TIME_OUT"}

func failed(err error) Outcome {
	return Outcome{Detail: err.Error()}
}

// QoSResult counts the messages that made the round trip at one QoS level.
type QoSResult struct {
	QoS      byte
	Sent     int
	Received int
	Elapsed  time.Duration
	Err      error
}

// WildcardResult holds one outcome per wildcard kind.
type WildcardResult struct {
	Plus Outcome
	Hash Outcome
}

// OK reports whether both wildcards work.
func (w WildcardResult) OK() bool { return w.Plus.OK && w.Hash.OK }

// Report is the result of Run. Only the fields of the checks that ran are
// set; see Complete.
type Report struct {
	Version    mqttclient.Version
	ConnectErr error

	// Server is set for MQTT 5 connections.
	Server *mqttclient.ServerCapabilities

	// Complete is true when the publish/subscribe checks ran.
	Complete bool
	QoS      []QoSResult
	Retain   Outcome
	Wildcard WildcardResult
	Shared   Outcome
}

// Run performs the checks for cfg.Connect.Version. A broker that refuses
// the connection is reported, not returned as an error.
func Run(ctx context.Context, cfg Config) Report {
	cfg = cfg.withDefaults()
	r := Report{Version: cfg.Connect.WithDefaults().Version}

	c, err := cfg.connect(ctx)
	if err != nil {
		r.ConnectErr = err
		return r
	}
	defer cfg.disconnect(c)

	if caps, ok := mqttclient.Capabilities(c); ok {
		r.Server = &caps
	}
	if r.Version == mqttclient.V5 && !cfg.All {
		return r
	}

	base := "mqttsh/test/" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	for qos := range byte(3) {
		r.QoS = append(r.QoS, cfg.checkQoS(ctx, c, base+"/qos"+strconv.Itoa(int(qos)), qos))
	}
	r.Retain = cfg.checkRetain(ctx, base+"/retain")
	r.Wildcard = WildcardResult{
		Plus: cfg.expectOne(ctx, c, base+"/plus/+/end", base+"/plus/x/end"),
		Hash: cfg.expectOne(ctx, c, base+"/hash/#", base+"/hash/x/y"),
	}
	r.Shared = cfg.expectOne(ctx, c, "$share/"+sharedGroup+"/"+base+"/shared", base+"/shared")
	r.Complete = true

	cfg.Logger.Info("broker check finished", "version", r.Version.String(), "host", cfg.Connect.Host)
	return r
}

func (cfg Config) connect(ctx context.Context) (mqttclient.Client, error) {
	return mqttclient.Connect(ctx, cfg.Connect, cfg.Logger)
}

func (cfg Config) disconnect(c mqttclient.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := c.Disconnect(ctx, mqttclient.DisconnectOptions{}); err != nil {
		cfg.Logger.Debug("disconnect failed", "clientId", c.ClientID(), "error", err)
	}
}

func (cfg Config) unsubscribe(ctx context.Context, c mqttclient.Client, filter string) {
	if err := c.Unsubscribe(ctx, mqttclient.UnsubscribeOptions{Topics: []string{filter}}); err != nil {
		cfg.Logger.Debug("unsubscribe failed", "topic", filter, "error", err)
	}
}

// checkQoS publishes Tries messages at qos to a topic c subscribes to.
func (cfg Config) checkQoS(ctx context.Context, c mqttclient.Client, topic string, qos byte) QoSResult {
	res := QoSResult{QoS: qos, Sent: cfg.Tries}

	var received atomic.Int64
	all := make(chan struct{})
	err := c.Subscribe(ctx, mqttclient.SubscribeOptions{
		Topics: []string{topic},
		QoS:    []byte{qos},
		OnMessage: func(mqttclient.Message) {
			if received.Add(1) == int64(cfg.Tries) {
				close(all)
			}
		},
	})
	if err != nil {
		res.Err = err
		return res
	}
	defer cfg.unsubscribe(ctx, c, topic)

	start := time.Now()
	for i := range cfg.Tries {
		err := c.Publish(ctx, mqttclient.PublishOptions{
			Topics:  []string{topic},
			QoS:     []byte{qos},
			Payload: []byte(strconv.Itoa(i)),
		})
		if err != nil {
			res.Err = err
			break
		}
	}
	if res.Err == nil {
		wait(ctx, all, cfg.Timeout)
	}
	res.Elapsed = time.Since(start)
	res.Received = int(min(received.Load(), int64(cfg.Tries)))
	return res
}

// checkRetain stores a retained message with one client and expects a new
// subscriber on a second client to get it. The message is cleared after.
func (cfg Config) checkRetain(ctx context.Context, topic string) Outcome {
	publisher, err := cfg.connect(ctx)
	if err != nil {
		return failed(err)
	}
	defer cfg.disconnect(publisher)

	retain := func(payload []byte) error {
		return publisher.Publish(ctx, mqttclient.PublishOptions{
			Topics: []string{topic}, QoS: []byte{1}, Payload: payload, Retain: true,
		})
	}
	if err := retain([]byte("retained")); err != nil {
		return failed(err)
	}
	defer func() {
		if err := retain(nil); err != nil {
			cfg.Logger.Debug("clearing retained message failed", "topic", topic, "error", err)
		}
	}()

	subscriber, err := cfg.connect(ctx)
	if err != nil {
		return failed(err)
	}
	defer cfg.disconnect(subscriber)

	got := make(chan struct{}, 1)
	err = subscriber.Subscribe(ctx, mqttclient.SubscribeOptions{
		Topics: []string{topic},
		QoS:    []byte{1},
		OnMessage: func(m mqttclient.Message) {
			if m.Retain && string(m.Payload) == "retained" {
				signal(got)
			}
		},
	})
	if err != nil {
		return failed(err)
	}
	if !wait(ctx, got, cfg.Timeout) {
		return timedOut
	}
	return Outcome{OK: true}
}

// expectOne subscribes c to filter and publishes one message to topic.
func (cfg Config) expectOne(ctx context.Context, c mqttclient.Client, filter, topic string) Outcome {
	got := make(chan struct{}, 1)
	err := c.Subscribe(ctx, mqttclient.SubscribeOptions{
		Topics:    []string{filter},
		QoS:       []byte{1},
		OnMessage: func(mqttclient.Message) { signal(got) },
	})
	if err != nil {
		return failed(err)
	}
	defer cfg.unsubscribe(ctx, c, filter)

	err = c.Publish(ctx, mqttclient.PublishOptions{Topics: []string{topic}, QoS: []byte{1}, Payload: []byte("check")})
	if err != nil {
		return failed(err)
	}
	if !wait(ctx, got, cfg.Timeout) {
		return timedOut
	}
	return Outcome{OK: true}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// wait reports whether ch fired before the timeout or ctx ended.
func wait(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
