package mqttclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// protocolVersion311 is the paho protocol level for MQTT 3.1.1.
const protocolVersion311 = 4

// defaultQuiesce bounds a V3 disconnect when DisconnectOptions.Quiesce is zero.
const defaultQuiesce = 250 * time.Millisecond

// v3Client is the MQTT 3.1.1 variant.
type v3Client struct {
	*handle
	client paho.Client
}

var _ Client = (*v3Client)(nil)

func connectV3(ctx context.Context, opts ConnectOptions, tlsCfg *tls.Config, logger *slog.Logger, listeners []DisconnectedListener) (*v3Client, error) {
	c := &v3Client{handle: newHandle(opts, logger, listeners)}
	c.self = c

	po := paho.NewClientOptions()
	po.AddBroker(brokerURL(opts))
	po.SetClientID(opts.ClientID)
	po.SetProtocolVersion(protocolVersion311)
	po.SetCleanSession(!opts.KeepSession)
	po.SetKeepAlive(opts.KeepAlive)
	po.SetConnectTimeout(opts.ConnectTimeout)
	po.SetAutoReconnect(false)
	po.SetConnectRetry(false)
	if opts.Auth.Username != "" {
		po.SetUsername(opts.Auth.Username)
		po.SetPassword(opts.Auth.Password)
	}
	if tlsCfg != nil {
		po.SetTLSConfig(tlsCfg)
	}
	if opts.Will != nil {
		po.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, opts.Will.QoS, opts.Will.Retain)
	}
	po.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
		c.dispatch(Message{
			ClientID:   c.clientID,
			Topic:      m.Topic(),
			Payload:    m.Payload(),
			QoS:        m.Qos(),
			Retain:     m.Retained(),
			ReceivedAt: time.Now(),
		})
	})
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.reportDisconnected(classifyV3(err), err)
	})

	c.client = paho.NewClient(po)

	c.log.Debug("sending CONNECT", "version", opts.Version.String(), "broker", brokerURL(opts))
	token := c.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		c.client.Disconnect(0)
		return nil, err
	}
	c.log.Debug("received CONNACK", "sessionPresent", token.(*paho.ConnectToken).SessionPresent())

	c.markConnected()
	if !c.client.IsConnectionOpen() {
		c.reportDisconnected(SourceClient, ErrNotConnected)
	}
	return c, nil
}

// classifyV3 maps a connection-lost error to a source. MQTT 3 has no server
// DISCONNECT, so an orderly close by the broker shows up as EOF.
func classifyV3(err error) DisconnectSource {
	if errors.Is(err, io.EOF) {
		return SourceServer
	}
	return SourceClient
}

func waitToken(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *v3Client) Publish(ctx context.Context, opts PublishOptions) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	switch {
	case opts.MessageExpiryInterval != nil:
		return &CapabilityError{Version: V3, Option: "messageExpiryInterval"}
	case opts.ContentType != "":
		return &CapabilityError{Version: V3, Option: "contentType"}
	case len(opts.UserProperties) > 0:
		return &CapabilityError{Version: V3, Option: "userProperties"}
	}

	qos, err := pairQoS(opts.Topics, opts.QoS)
	if err != nil {
		return err
	}

	var errs []error
	for i, topic := range opts.Topics {
		c.log.Debug("sending PUBLISH", "topic", topic, "qos", qos[i], "retain", opts.Retain)
		if err := waitToken(ctx, c.client.Publish(topic, qos[i], opts.Retain, opts.Payload)); err != nil {
			c.log.Error("failed PUBLISH", "topic", topic, "error", err)
			errs = append(errs, fmt.Errorf("failed PUBLISH to topic %q: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func (c *v3Client) Subscribe(ctx context.Context, opts SubscribeOptions) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if opts.NoLocal {
		return &CapabilityError{Version: V3, Option: "noLocal"}
	}
	if len(opts.UserProperties) > 0 {
		return &CapabilityError{Version: V3, Option: "userProperties"}
	}

	qos, err := pairQoS(opts.Topics, opts.QoS)
	if err != nil {
		return err
	}

	filters := make(map[string]byte, len(opts.Topics))
	for i, topic := range opts.Topics {
		filters[topic] = qos[i]
	}

	c.registerHandler(opts.Topics, opts.OnMessage)
	c.log.Debug("sending SUBSCRIBE", "topics", opts.Topics)

	token := c.client.SubscribeMultiple(filters, nil)
	if err := waitToken(ctx, token); err != nil {
		c.removeSubscriptions(opts.Topics)
		return fmt.Errorf("failed SUBSCRIBE to topic(s) %v: %w", opts.Topics, err)
	}

	var granted []Subscription
	var rejected []string
	for topic, code := range token.(*paho.SubscribeToken).Result() {
		if code >= 0x80 {
			rejected = append(rejected, topic)
			continue
		}
		granted = append(granted, Subscription{Topic: topic, QoS: code})
	}
	c.addSubscriptions(granted)

	if len(rejected) > 0 {
		c.removeSubscriptions(rejected)
		return fmt.Errorf("broker rejected SUBSCRIBE to topic(s) %v", rejected)
	}
	c.log.Debug("received SUBACK", "topics", opts.Topics)
	return nil
}

func (c *v3Client) Unsubscribe(ctx context.Context, opts UnsubscribeOptions) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if len(opts.Topics) == 0 {
		return fmt.Errorf("%w: at least one topic is required", ErrInvalidOptions)
	}

	c.log.Debug("sending UNSUBSCRIBE", "topics", opts.Topics)
	if err := waitToken(ctx, c.client.Unsubscribe(opts.Topics...)); err != nil {
		return fmt.Errorf("failed UNSUBSCRIBE from topic(s) %v: %w", opts.Topics, err)
	}
	c.removeSubscriptions(opts.Topics)
	c.log.Debug("received UNSUBACK", "topics", opts.Topics)
	return nil
}

func (c *v3Client) Disconnect(_ context.Context, opts DisconnectOptions) error {
	if !c.reportDisconnected(SourceUser, nil) {
		return ErrNotConnected
	}
	if opts.ReasonString != "" || opts.SessionExpiryInterval != nil || len(opts.UserProperties) > 0 {
		c.log.Debug("ignoring MQTT 5 disconnect options for MQTT 3 client")
	}

	quiesce := opts.Quiesce
	if quiesce <= 0 {
		quiesce = defaultQuiesce
	}
	c.log.Debug("sending DISCONNECT")
	c.client.Disconnect(uint(quiesce.Milliseconds()))
	return nil
}
