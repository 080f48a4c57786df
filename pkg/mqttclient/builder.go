package mqttclient

import (
	"context"
	"log/slog"
	"slices"

	"github.com/getmockd/mqttsh/pkg/logging"
)

// Builder assembles and opens one connection.
//
//	c, err := mqttclient.NewBuilder(opts, logger).
//		AddDisconnectedListener(onLost).
//		Send(ctx)
type Builder struct {
	opts      ConnectOptions
	logger    *slog.Logger
	listeners []DisconnectedListener
}

// NewBuilder returns a builder for opts. A nil logger discards output.
func NewBuilder(opts ConnectOptions, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Builder{
		opts:      opts,
		logger:    logger,
		listeners: []DisconnectedListener{logDisconnected(logger)},
	}
}

// AddDisconnectedListener appends l. Listeners run in the order they were
// added, after the builder's own logging listener.
func (b *Builder) AddDisconnectedListener(l DisconnectedListener) *Builder {
	if l != nil {
		b.listeners = append(b.listeners, l)
	}
	return b
}

// Options returns the options Send will use, with defaults applied.
func (b *Builder) Options() ConnectOptions {
	return b.opts.WithDefaults()
}

// Send validates the options and connects. Validation errors are returned
// before any network I/O; everything else is a *ConnectError.
func (b *Builder) Send(ctx context.Context) (Client, error) {
	opts := b.opts.WithDefaults()
	b.opts = opts

	if opts.Will != nil && opts.Will.Topic == "" {
		b.logger.Warn("will payload given without a will topic, the will message is ignored", "clientId", opts.ClientID)
		opts.Will = nil
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	tlsCfg, err := buildTLSConfig(opts)
	if err != nil {
		return nil, &ConnectError{ClientID: opts.ClientID, Host: opts.Host, Port: opts.Port, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	listeners := slices.Clone(b.listeners)

	var c Client
	switch opts.Version {
	case V3:
		var v3 *v3Client
		v3, err = connectV3(ctx, opts, tlsCfg, b.logger, listeners)
		c = v3
	default:
		var v5 *v5Client
		v5, err = connectV5(ctx, opts, tlsCfg, b.logger, listeners)
		c = v5
	}
	if err != nil {
		b.logger.Error("client connect failed", "clientId", opts.ClientID, "host", opts.Host, "port", opts.Port, "error", err)
		return nil, &ConnectError{ClientID: opts.ClientID, Host: opts.Host, Port: opts.Port, Err: err}
	}

	b.logger.Info("client connected", "clientId", opts.ClientID, "host", opts.Host, "port", opts.Port, "version", opts.Version.String())
	return c, nil
}

// Connect is shorthand for NewBuilder(opts, logger) with listeners added
// followed by Send.
func Connect(ctx context.Context, opts ConnectOptions, logger *slog.Logger, listeners ...DisconnectedListener) (Client, error) {
	b := NewBuilder(opts, logger)
	for _, l := range listeners {
		b.AddDisconnectedListener(l)
	}
	return b.Send(ctx)
}
