package shell

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getmockd/mqttsh/internal/payload"
	"github.com/getmockd/mqttsh/pkg/logging"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Defaults fill in connection options the user did not give.
type Defaults struct {
	Host           string
	Port           int
	Version        mqttclient.Version
	ClientIDPrefix string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// ConnectFlags are the connection flags of con and the one-shot pub and
// sub commands.
type ConnectFlags struct {
	Host     string
	Port     int
	ClientID string
	Prefix   string
	Version  string
	Username string
	Password string

	KeepAlive    int
	NoCleanStart bool

	SessionExpiryInterval      uint32
	ReceiveMaximum             uint16
	MaximumPacketSize          uint32
	TopicAliasMaximum          uint16
	RequestProblemInformation  bool
	RequestResponseInformation bool
	UserProperties             []string

	WillTopic         string
	WillMessage       string
	WillQoS           int
	WillRetain        bool
	WillDelayInterval uint32

	Secure   bool
	CAFile   string
	CertFile string
	KeyFile  string
	Insecure bool

	WebSocket     bool
	WebSocketPath string
}

// Register adds the flags to fs. -h is the host, as in mosquitto_pub.
func (f *ConnectFlags) Register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.Host, "host", "h", "", "broker host")
	fs.IntVarP(&f.Port, "port", "p", 0, "broker port")
	fs.StringVarP(&f.ClientID, "identifier", "i", "", "client identifier (generated when empty)")
	fs.StringVar(&f.Prefix, "identifierPrefix", "", "prefix of generated client identifiers")
	fs.StringVarP(&f.Version, "mqttVersion", "V", "", "MQTT version, 3 or 5")
	fs.StringVarP(&f.Username, "user", "u", "", "username")
	fs.StringVarP(&f.Password, "password", "P", "", "password")

	fs.IntVarP(&f.KeepAlive, "keepAlive", "k", 0, "keep alive interval in seconds")
	fs.BoolVar(&f.NoCleanStart, "no-cleanStart", false, "keep the session on the broker")

	fs.Uint32Var(&f.SessionExpiryInterval, "sessionExpiryInterval", 0, "session expiry interval in seconds (MQTT 5)")
	fs.Uint16Var(&f.ReceiveMaximum, "rcvMax", 0, "receive maximum (MQTT 5)")
	fs.Uint32Var(&f.MaximumPacketSize, "maxPacketSize", 0, "maximum packet size (MQTT 5)")
	fs.Uint16Var(&f.TopicAliasMaximum, "topicAliasMax", 0, "topic alias maximum (MQTT 5)")
	fs.BoolVar(&f.RequestProblemInformation, "reqProblemInfo", true, "request problem information (MQTT 5)")
	fs.BoolVar(&f.RequestResponseInformation, "reqResponseInfo", false, "request response information (MQTT 5)")
	fs.StringArrayVar(&f.UserProperties, "userProperty", nil, "CONNECT user property key=value (MQTT 5, repeatable)")

	fs.StringVar(&f.WillTopic, "willTopic", "", "will topic")
	fs.StringVar(&f.WillMessage, "willMessage", "", "will payload")
	fs.IntVar(&f.WillQoS, "willQualityOfService", 0, "will QoS")
	fs.BoolVar(&f.WillRetain, "willRetain", false, "retain the will")
	fs.Uint32Var(&f.WillDelayInterval, "willDelayInterval", 0, "will delay interval in seconds (MQTT 5)")

	fs.BoolVarP(&f.Secure, "secure", "s", false, "use TLS")
	fs.StringVar(&f.CAFile, "cafile", "", "CA certificate file (implies --secure)")
	fs.StringVar(&f.CertFile, "cert", "", "client certificate file (implies --secure)")
	fs.StringVar(&f.KeyFile, "key", "", "client key file")
	fs.BoolVar(&f.Insecure, "insecure", false, "skip server certificate verification")

	fs.BoolVar(&f.WebSocket, "ws", false, "connect over websocket")
	fs.StringVar(&f.WebSocketPath, "ws-path", "", "websocket path (default /mqtt)")
}

// Options turns the parsed flags into connect options. Only flags the user
// set are mapped to the MQTT 5 fields, so MQTT 3 connects are not rejected
// for defaults they never asked for.
func (f *ConnectFlags) Options(fs *pflag.FlagSet, d Defaults) (mqttclient.ConnectOptions, error) {
	opts := mqttclient.ConnectOptions{
		Host:           firstNonEmpty(f.Host, d.Host),
		Port:           f.Port,
		ClientID:       f.ClientID,
		ClientIDPrefix: firstNonEmpty(f.Prefix, d.ClientIDPrefix),
		Version:        d.Version,
		Auth:           mqttclient.AuthOptions{Username: f.Username, Password: f.Password},
		KeepSession:    f.NoCleanStart,
		KeepAlive:      d.KeepAlive,
		ConnectTimeout: d.ConnectTimeout,
	}
	if opts.Port == 0 {
		opts.Port = d.Port
	}
	if f.Version != "" {
		v, err := mqttclient.ParseVersion(f.Version)
		if err != nil {
			return opts, err
		}
		opts.Version = v
	}
	if fs.Changed("keepAlive") {
		if f.KeepAlive < 0 {
			return opts, fmt.Errorf("%w: keep alive must not be negative", mqttclient.ErrInvalidOptions)
		}
		opts.KeepAlive = time.Duration(f.KeepAlive) * time.Second
	}

	if fs.Changed("sessionExpiryInterval") {
		opts.SessionExpiryInterval = &f.SessionExpiryInterval
	}
	if fs.Changed("rcvMax") {
		opts.ReceiveMaximum = &f.ReceiveMaximum
	}
	if fs.Changed("maxPacketSize") {
		opts.MaximumPacketSize = &f.MaximumPacketSize
	}
	if fs.Changed("topicAliasMax") {
		opts.TopicAliasMaximum = &f.TopicAliasMaximum
	}
	if fs.Changed("reqProblemInfo") {
		opts.RequestProblemInformation = &f.RequestProblemInformation
	}
	if fs.Changed("reqResponseInfo") {
		opts.RequestResponseInformation = &f.RequestResponseInformation
	}
	props, err := parseUserProperties(f.UserProperties)
	if err != nil {
		return opts, err
	}
	opts.UserProperties = props

	if f.WillTopic != "" || f.WillMessage != "" {
		if f.WillQoS < 0 || f.WillQoS > 2 {
			return opts, fmt.Errorf("%w: will QoS %d is invalid", mqttclient.ErrInvalidOptions, f.WillQoS)
		}
		opts.Will = &mqttclient.WillOptions{
			Topic:   f.WillTopic,
			Payload: []byte(f.WillMessage),
			QoS:     byte(f.WillQoS),
			Retain:  f.WillRetain,
		}
		if fs.Changed("willDelayInterval") {
			opts.Will.DelayInterval = &f.WillDelayInterval
		}
	}

	if f.Secure || f.CAFile != "" || f.CertFile != "" || f.Insecure {
		opts.TLS = &mqttclient.TLSOptions{
			CAFile:             f.CAFile,
			CertFile:           f.CertFile,
			KeyFile:            f.KeyFile,
			InsecureSkipVerify: f.Insecure,
		}
	}
	if f.WebSocket || f.WebSocketPath != "" {
		opts.WebSocket = &mqttclient.WebSocketOptions{Path: f.WebSocketPath}
	}
	return opts, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseUserProperties parses key=value pairs.
func parseUserProperties(raw []string) ([]mqttclient.UserProperty, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	props := make([]mqttclient.UserProperty, 0, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: user property %q must be key=value", mqttclient.ErrInvalidOptions, kv)
		}
		props = append(props, mqttclient.UserProperty{Key: key, Value: value})
	}
	return props, nil
}

// qosLevels converts -q values. pairQoS in mqttclient checks the upper bound.
func qosLevels(values []int) ([]byte, error) {
	out := make([]byte, 0, len(values))
	for _, v := range values {
		if v < 0 || v > 2 {
			return nil, fmt.Errorf("%w: QoS %d is invalid", mqttclient.ErrInvalidOptions, v)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

// readPayload returns message, or the content of the file it names when
// it starts with @.
func readPayload(message string) ([]byte, error) {
	if path, ok := strings.CutPrefix(message, "@"); ok {
		if path == "" {
			return nil, errors.New("missing file name after @")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read message file: %w", err)
		}
		return data, nil
	}
	return []byte(message), nil
}

// splitTarget splits id@host. The host is after the last @.
func splitTarget(s string) (id, host string) {
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// PublishFlags are the flags of pub.
type PublishFlags struct {
	Topics         []string
	QoS            []int
	Message        string
	Retain         bool
	ExpiryInterval uint32
	ContentType    string
	UserProperties []string
	SchemaFile     string
}

// Register adds the flags to cmd and marks topic and message required.
func (f *PublishFlags) Register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringArrayVarP(&f.Topics, "topic", "t", nil, "topic to publish to (repeatable)")
	fs.IntSliceVarP(&f.QoS, "qos", "q", nil, "QoS, one for all topics or one per topic")
	fs.StringVarP(&f.Message, "message", "m", "", "payload, or @file to read it from a file")
	fs.BoolVarP(&f.Retain, "retain", "r", false, "retain the message")
	fs.Uint32VarP(&f.ExpiryInterval, "messageExpiryInterval", "e", 0, "message expiry interval in seconds (MQTT 5)")
	fs.StringVar(&f.ContentType, "contentType", "", "content type (MQTT 5)")
	fs.StringArrayVar(&f.UserProperties, "userProperty", nil, "PUBLISH user property key=value (MQTT 5, repeatable)")
	fs.StringVar(&f.SchemaFile, "schema", "", "JSON Schema file the payload must satisfy")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("message")
}

// Options turns the parsed flags into publish options.
func (f *PublishFlags) Options(fs *pflag.FlagSet) (mqttclient.PublishOptions, error) {
	levels, err := qosLevels(f.QoS)
	if err != nil {
		return mqttclient.PublishOptions{}, err
	}
	data, err := readPayload(f.Message)
	if err != nil {
		return mqttclient.PublishOptions{}, err
	}
	props, err := parseUserProperties(f.UserProperties)
	if err != nil {
		return mqttclient.PublishOptions{}, err
	}
	if f.SchemaFile != "" {
		schema, err := payload.LoadSchema(f.SchemaFile)
		if err != nil {
			return mqttclient.PublishOptions{}, err
		}
		if err := schema.Validate(data); err != nil {
			return mqttclient.PublishOptions{}, err
		}
	}

	opts := mqttclient.PublishOptions{
		Topics:         f.Topics,
		QoS:            levels,
		Payload:        data,
		Retain:         f.Retain,
		ContentType:    f.ContentType,
		UserProperties: props,
	}
	if fs.Changed("messageExpiryInterval") {
		opts.MessageExpiryInterval = &f.ExpiryInterval
	}
	return opts, nil
}

// SubscribeFlags are the flags of sub.
type SubscribeFlags struct {
	Topics         []string
	QoS            []int
	NoLocal        bool
	UserProperties []string
	Filter         string
	JSONPath       string

	OutputFile      string
	OutputToConsole bool
	Base64          bool
	JSONOutput      bool
}

// Register adds the flags to cmd and marks topic required.
func (f *SubscribeFlags) Register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringArrayVarP(&f.Topics, "topic", "t", nil, "topic filter (repeatable)")
	fs.IntSliceVarP(&f.QoS, "qos", "q", nil, "QoS, one for all topics or one per topic")
	fs.BoolVar(&f.NoLocal, "noLocal", false, "do not receive own publishes (MQTT 5)")
	fs.StringArrayVar(&f.UserProperties, "userProperty", nil, "SUBSCRIBE user property key=value (MQTT 5, repeatable)")
	fs.StringVar(&f.Filter, "filter", "", "only show messages matching this expression, e.g. 'json.temp > 20'")
	fs.StringVar(&f.JSONPath, "jsonpath", "", "show the values selected by this JSONPath instead of the payload")
	fs.StringVar(&f.OutputFile, "outputToFile", "", "append received messages to this file")
	fs.BoolVar(&f.OutputToConsole, "outputToConsole", true, "print received messages")
	fs.BoolVar(&f.Base64, "base64", false, "encode received payloads as base64")
	fs.BoolVarP(&f.JSONOutput, "jsonOutput", "J", false, "print received messages as JSON")
	_ = fs.MarkHidden("outputToConsole")
	_ = cmd.MarkFlagRequired("topic")
}

// Format is the rendering chosen by the output flags.
func (f *SubscribeFlags) Format(showTopic bool) payload.Format {
	return payload.Format{Base64: f.Base64, JSON: f.JSONOutput, ShowTopic: showTopic}
}

// Options turns the parsed flags into subscribe options delivering to
// handler. Messages rejected by --filter never reach handler; with
// --jsonpath handler gets one message per selected value. With
// --outputToFile every delivered message is appended to the file first;
// write failures go to logger. A nil handler only writes the file.
func (f *SubscribeFlags) Options(handler mqttclient.MessageHandler, logger *slog.Logger) (mqttclient.SubscribeOptions, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if handler == nil {
		handler = func(mqttclient.Message) {}
	}
	levels, err := qosLevels(f.QoS)
	if err != nil {
		return mqttclient.SubscribeOptions{}, err
	}
	props, err := parseUserProperties(f.UserProperties)
	if err != nil {
		return mqttclient.SubscribeOptions{}, err
	}

	if f.OutputFile != "" {
		path, err := prepareOutputFile(f.OutputFile)
		if err != nil {
			return mqttclient.SubscribeOptions{}, err
		}
		handler = appending(path, f.Format(true), handler, logger)
	}
	if f.JSONPath != "" {
		x, err := payload.NewExtractor(f.JSONPath)
		if err != nil {
			return mqttclient.SubscribeOptions{}, err
		}
		handler = extracting(x, handler)
	}
	if f.Filter != "" {
		filter, err := payload.NewFilter(f.Filter)
		if err != nil {
			return mqttclient.SubscribeOptions{}, err
		}
		handler = filtering(filter, handler)
	}

	return mqttclient.SubscribeOptions{
		Topics:         f.Topics,
		QoS:            levels,
		NoLocal:        f.NoLocal,
		UserProperties: props,
		OnMessage:      handler,
	}, nil
}

// prepareOutputFile creates the file and its directory so a bad path
// fails the command instead of every message.
func prepareOutputFile(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("output file: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("output file: %w", err)
	}
	return path, file.Close()
}

// appending writes each message to path, one rendering per line, before
// passing it on. The file is reopened per message so it is never held
// open by a subscription.
func appending(path string, format payload.Format, next mqttclient.MessageHandler, logger *slog.Logger) mqttclient.MessageHandler {
	return func(m mqttclient.Message) {
		if err := appendLine(path, format.Render(m)); err != nil {
			logger.Warn("failed to write received message", "file", path, "topic", m.Topic, "error", err)
		}
		next(m)
	}
}

func appendLine(path, line string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(line + "\n"); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// filtering drops messages the filter rejects or cannot evaluate.
func filtering(filter *payload.Filter, next mqttclient.MessageHandler) mqttclient.MessageHandler {
	return func(m mqttclient.Message) {
		if ok, err := filter.Match(m); err == nil && ok {
			next(m)
		}
	}
}

// extracting replaces the payload with each JSONPath match. Payloads that
// are not JSON or have no match are dropped.
func extracting(x *payload.Extractor, next mqttclient.MessageHandler) mqttclient.MessageHandler {
	return func(m mqttclient.Message) {
		values, err := x.Extract(m.Payload)
		if err != nil {
			return
		}
		for _, v := range values {
			m.Payload = []byte(v)
			next(m)
		}
	}
}
