package mqttclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// v5Client is the MQTT 5 variant.
type v5Client struct {
	*handle
	client *paho.Client
	server ServerCapabilities
}

var _ Client = (*v5Client)(nil)

func connectV5(ctx context.Context, opts ConnectOptions, tlsCfg *tls.Config, logger *slog.Logger, listeners []DisconnectedListener) (*v5Client, error) {
	c := &v5Client{handle: newHandle(opts, logger, listeners)}
	c.self = c

	conn, err := dial(ctx, opts, tlsCfg)
	if err != nil {
		return nil, err
	}

	c.client = paho.NewClient(paho.ClientConfig{
		ClientID:          opts.ClientID,
		Conn:              conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){c.onPublish},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.reportDisconnected(SourceServer, serverDisconnectCause(d))
		},
		OnClientError: func(err error) {
			c.reportDisconnected(SourceClient, err)
		},
	})

	c.log.Debug("sending CONNECT", "version", opts.Version.String(), "broker", brokerURL(opts))
	ca, err := c.client.Connect(ctx, connectPacket(opts))
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			c.log.Debug("closing connection after failed CONNECT", "error", cerr)
		}
		if ca != nil && ca.ReasonCode >= 0x80 {
			reason := ""
			if ca.Properties != nil {
				reason = ca.Properties.ReasonString
			}
			return nil, fmt.Errorf("CONNACK reason code 0x%02x %s: %w", ca.ReasonCode, reason, err)
		}
		return nil, err
	}
	c.log.Debug("received CONNACK", "sessionPresent", ca.SessionPresent)
	c.server = serverCapabilities(ca.Properties)

	c.markConnected()
	select {
	case <-c.client.Done():
		c.reportDisconnected(SourceClient, ErrNotConnected)
	default:
	}
	return c, nil
}

func connectPacket(opts ConnectOptions) *paho.Connect {
	cp := &paho.Connect{
		ClientID:   opts.ClientID,
		KeepAlive:  keepAliveSeconds(opts),
		CleanStart: !opts.KeepSession,
		Properties: &paho.ConnectProperties{
			SessionExpiryInterval: opts.SessionExpiryInterval,
			ReceiveMaximum:        opts.ReceiveMaximum,
			MaximumPacketSize:     opts.MaximumPacketSize,
			TopicAliasMaximum:     opts.TopicAliasMaximum,
			User:                  userProperties(opts.UserProperties),
			RequestProblemInfo:    true,
		},
	}
	if opts.RequestProblemInformation != nil {
		cp.Properties.RequestProblemInfo = *opts.RequestProblemInformation
	}
	if opts.RequestResponseInformation != nil {
		cp.Properties.RequestResponseInfo = *opts.RequestResponseInformation
	}
	if opts.Auth.Username != "" {
		cp.Username = opts.Auth.Username
		cp.UsernameFlag = true
	}
	if opts.Auth.Password != "" {
		cp.Password = []byte(opts.Auth.Password)
		cp.PasswordFlag = true
	}
	if opts.Will != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   opts.Will.Topic,
			Payload: opts.Will.Payload,
			QoS:     opts.Will.QoS,
			Retain:  opts.Will.Retain,
		}
		cp.WillProperties = &paho.WillProperties{
			WillDelayInterval: opts.Will.DelayInterval,
		}
	}
	return cp
}

func keepAliveSeconds(opts ConnectOptions) uint16 {
	secs := opts.KeepAlive.Seconds()
	if secs > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(secs)
}

func userProperties(props []UserProperty) paho.UserProperties {
	if len(props) == 0 {
		return nil
	}
	out := make(paho.UserProperties, 0, len(props))
	for _, p := range props {
		out = append(out, paho.UserProperty{Key: p.Key, Value: p.Value})
	}
	return out
}

// serverCapabilities applies the MQTT 5 defaults for absent CONNACK
// properties.
func serverCapabilities(p *paho.ConnackProperties) ServerCapabilities {
	caps := ServerCapabilities{
		RetainAvailable:         true,
		WildcardSubscriptions:   true,
		SharedSubscriptions:     true,
		SubscriptionIdentifiers: true,
		MaximumQoS:              2,
		ReceiveMaximum:          math.MaxUint16,
	}
	if p == nil {
		return caps
	}
	caps.RetainAvailable = p.RetainAvailable
	caps.WildcardSubscriptions = p.WildcardSubAvailable
	caps.SharedSubscriptions = p.SharedSubAvailable
	caps.SubscriptionIdentifiers = p.SubIDAvailable
	if p.MaximumQoS != nil {
		caps.MaximumQoS = *p.MaximumQoS
	}
	if p.ReceiveMaximum != nil {
		caps.ReceiveMaximum = *p.ReceiveMaximum
	}
	if p.MaximumPacketSize != nil {
		caps.MaximumPacketSize = *p.MaximumPacketSize
	}
	if p.TopicAliasMaximum != nil {
		caps.TopicAliasMaximum = *p.TopicAliasMaximum
	}
	caps.SessionExpiryInterval = p.SessionExpiryInterval
	caps.ServerKeepAlive = p.ServerKeepAlive
	return caps
}

func serverDisconnectCause(d *paho.Disconnect) error {
	if d == nil {
		return &ServerDisconnectError{}
	}
	cause := &ServerDisconnectError{ReasonCode: d.ReasonCode}
	if d.Properties != nil {
		cause.Reason = d.Properties.ReasonString
	}
	return cause
}

func (c *v5Client) onPublish(pr paho.PublishReceived) (bool, error) {
	p := pr.Packet
	msg := Message{
		ClientID:   c.clientID,
		Topic:      p.Topic,
		Payload:    p.Payload,
		QoS:        p.QoS,
		Retain:     p.Retain,
		ReceivedAt: time.Now(),
	}
	if p.Properties != nil {
		msg.ContentType = p.Properties.ContentType
		for _, up := range p.Properties.User {
			msg.UserProperties = append(msg.UserProperties, UserProperty{Key: up.Key, Value: up.Value})
		}
	}
	c.dispatch(msg)
	return true, nil
}

func (c *v5Client) Publish(ctx context.Context, opts PublishOptions) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	qos, err := pairQoS(opts.Topics, opts.QoS)
	if err != nil {
		return err
	}

	var errs []error
	for i, topic := range opts.Topics {
		p := &paho.Publish{
			Topic:   topic,
			QoS:     qos[i],
			Retain:  opts.Retain,
			Payload: opts.Payload,
			Properties: &paho.PublishProperties{
				MessageExpiry: opts.MessageExpiryInterval,
				ContentType:   opts.ContentType,
				User:          userProperties(opts.UserProperties),
			},
		}
		c.log.Debug("sending PUBLISH", "topic", topic, "qos", qos[i], "retain", opts.Retain)
		resp, err := c.client.Publish(ctx, p)
		switch {
		case err != nil:
			c.log.Error("failed PUBLISH", "topic", topic, "error", err)
			errs = append(errs, fmt.Errorf("failed PUBLISH to topic %q: %w", topic, err))
		case resp != nil && resp.ReasonCode >= 0x80:
			c.log.Error("failed PUBLISH", "topic", topic, "reasonCode", resp.ReasonCode)
			errs = append(errs, fmt.Errorf("broker rejected PUBLISH to topic %q with reason code 0x%02x", topic, resp.ReasonCode))
		}
	}
	return errors.Join(errs...)
}

func (c *v5Client) Subscribe(ctx context.Context, opts SubscribeOptions) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	qos, err := pairQoS(opts.Topics, opts.QoS)
	if err != nil {
		return err
	}

	sub := &paho.Subscribe{
		Subscriptions: make([]paho.SubscribeOptions, len(opts.Topics)),
	}
	for i, topic := range opts.Topics {
		sub.Subscriptions[i] = paho.SubscribeOptions{Topic: topic, QoS: qos[i], NoLocal: opts.NoLocal}
	}
	if len(opts.UserProperties) > 0 {
		sub.Properties = &paho.SubscribeProperties{User: userProperties(opts.UserProperties)}
	}

	c.registerHandler(opts.Topics, opts.OnMessage)
	c.log.Debug("sending SUBSCRIBE", "topics", opts.Topics)

	sa, err := c.client.Subscribe(ctx, sub)
	if sa == nil {
		c.removeSubscriptions(opts.Topics)
		if err == nil {
			err = errors.New("no SUBACK received")
		}
		return fmt.Errorf("failed SUBSCRIBE to topic(s) %v: %w", opts.Topics, err)
	}

	var granted []Subscription
	var rejected []string
	for i, topic := range opts.Topics {
		if i >= len(sa.Reasons) || sa.Reasons[i] >= 0x80 {
			rejected = append(rejected, topic)
			continue
		}
		granted = append(granted, Subscription{Topic: topic, QoS: sa.Reasons[i]})
	}
	c.addSubscriptions(granted)

	if len(rejected) > 0 {
		c.removeSubscriptions(rejected)
		return fmt.Errorf("broker rejected SUBSCRIBE to topic(s) %v", rejected)
	}
	c.log.Debug("received SUBACK", "topics", opts.Topics)
	return nil
}

func (c *v5Client) Unsubscribe(ctx context.Context, opts UnsubscribeOptions) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if len(opts.Topics) == 0 {
		return fmt.Errorf("%w: at least one topic is required", ErrInvalidOptions)
	}

	c.log.Debug("sending UNSUBSCRIBE", "topics", opts.Topics)
	if _, err := c.client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: opts.Topics}); err != nil {
		return fmt.Errorf("failed UNSUBSCRIBE from topic(s) %v: %w", opts.Topics, err)
	}
	c.removeSubscriptions(opts.Topics)
	c.log.Debug("received UNSUBACK", "topics", opts.Topics)
	return nil
}

func (c *v5Client) Disconnect(_ context.Context, opts DisconnectOptions) error {
	if !c.reportDisconnected(SourceUser, nil) {
		return ErrNotConnected
	}

	d := &paho.Disconnect{ReasonCode: 0}
	if opts.ReasonString != "" || opts.SessionExpiryInterval != nil || len(opts.UserProperties) > 0 {
		d.Properties = &paho.DisconnectProperties{
			ReasonString:          opts.ReasonString,
			SessionExpiryInterval: opts.SessionExpiryInterval,
			User:                  userProperties(opts.UserProperties),
		}
	}
	c.log.Debug("sending DISCONNECT")
	if err := c.client.Disconnect(d); err != nil {
		return fmt.Errorf("failed DISCONNECT: %w", err)
	}
	return nil
}
