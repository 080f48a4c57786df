package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/getmockd/mqttsh/internal/shell"
	"github.com/getmockd/mqttsh/pkg/broker"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	brokerFile     string
	brokerHost     string
	brokerPort     int
	brokerWSPort   int
	brokerTLS      bool
	brokerCertFile string
	brokerKeyFile  string
	brokerUsers    []string
)

// brokerStopTimeout bounds the graceful shutdown of the local broker.
const brokerStopTimeout = 5 * time.Second

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a local MQTT broker for experiments",
	Long: `Run an embedded MQTT 3.1.1/5.0 broker in the foreground and print client
activity until interrupted.

A YAML file given with --file is read first; flags override it.`,
	Args: cobra.NoArgs,
	Example: `  # Plain broker on port 1883
  mqttsh broker

  # With websocket, TLS (self-signed) and one account
  mqttsh broker --ws-port 8080 --tls --user admin:secret`,
	RunE: runBroker,
}

func init() {
	fs := brokerCmd.Flags()
	fs.StringVarP(&brokerFile, "file", "f", "", "broker configuration file (YAML)")
	fs.StringVar(&brokerHost, "host", "", "listen address (default all interfaces)")
	fs.IntVarP(&brokerPort, "port", "p", broker.DefaultPort, "TCP port")
	fs.IntVar(&brokerWSPort, "ws-port", 0, "websocket port (disabled when 0)")
	fs.BoolVar(&brokerTLS, "tls", false, "enable TLS on the TCP listener")
	fs.StringVar(&brokerCertFile, "cert", "", "TLS certificate file (self-signed when empty)")
	fs.StringVar(&brokerKeyFile, "key", "", "TLS key file")
	fs.StringArrayVar(&brokerUsers, "user", nil, "account as username:password (repeatable, enables authentication)")
	rootCmd.AddCommand(brokerCmd)
}

// brokerConfig builds the broker configuration from --file and the flags.
func brokerConfig(cmd *cobra.Command) (*broker.Config, error) {
	config := &broker.Config{Port: broker.DefaultPort}
	if brokerFile != "" {
		data, err := os.ReadFile(brokerFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read broker config: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse broker config %s: %w", brokerFile, err)
		}
	}

	fs := cmd.Flags()
	if fs.Changed("host") {
		config.Host = brokerHost
	}
	if fs.Changed("port") || config.Port == 0 {
		config.Port = brokerPort
	}
	if fs.Changed("ws-port") {
		config.WebSocketPort = brokerWSPort
	}
	if brokerTLS || brokerCertFile != "" {
		config.TLS = &broker.TLSConfig{Enabled: true, CertFile: brokerCertFile, KeyFile: brokerKeyFile}
	}
	if len(brokerUsers) > 0 {
		if config.Auth == nil {
			config.Auth = &broker.AuthConfig{}
		}
		config.Auth.Enabled = true
		for _, account := range brokerUsers {
			username, password, ok := strings.Cut(account, ":")
			if !ok || username == "" {
				return nil, fmt.Errorf("invalid --user %q: expected username:password", account)
			}
			config.Auth.Users = append(config.Auth.Users, broker.User{Username: username, Password: password})
		}
	}
	return config, nil
}

var (
	eventConnected    = color.New(color.FgGreen)
	eventDisconnected = color.New(color.FgRed)
	eventSubscription = color.New(color.FgCyan)
)

// printClientEvent writes one line per broker client event.
func printClientEvent(w *shell.Terminal, ev broker.ClientEvent) {
	stamp := time.Now().Format("15:04:05")
	switch ev.Type {
	case broker.EventConnected:
		w.Printf("%s %s %s (protocol %d)\n", stamp, eventConnected.Sprint("+"), ev.ClientID, ev.ProtocolVersion)
	case broker.EventDisconnected:
		if ev.Err != nil {
			w.Printf("%s %s %s: %v\n", stamp, eventDisconnected.Sprint("-"), ev.ClientID, ev.Err)
			return
		}
		w.Printf("%s %s %s\n", stamp, eventDisconnected.Sprint("-"), ev.ClientID)
	case broker.EventSubscribed:
		w.Printf("%s %s %s subscribed %s\n", stamp, eventSubscription.Sprint("~"), ev.ClientID, strings.Join(ev.Topics, ", "))
	case broker.EventUnsubscribed:
		w.Printf("%s %s %s unsubscribed %s\n", stamp, eventSubscription.Sprint("~"), ev.ClientID, strings.Join(ev.Topics, ", "))
	}
}

func runBroker(cmd *cobra.Command, _ []string) error {
	config, err := brokerConfig(cmd)
	if err != nil {
		return err
	}

	logger := commandLogger(cmd)
	b, err := broker.New(config, broker.WithLogger(logger))
	if err != nil {
		return err
	}

	out := shell.NewTerminal(cmd.OutOrStdout())
	b.OnClientEvent(func(ev broker.ClientEvent) { printClientEvent(out, ev) })

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		return err
	}

	scheme, wsScheme := "mqtt", "ws"
	if config.TLS != nil && config.TLS.Enabled {
		scheme, wsScheme = "mqtts", "wss"
	}
	out.Printf("Broker listening on %s://%s:%d\n", scheme, displayHost(config.Host), b.Port())
	if config.WebSocketPort > 0 {
		out.Printf("Websocket listening on %s://%s:%d/mqtt\n", wsScheme, displayHost(config.Host), config.WebSocketPort)
	}
	out.Printf("Press Ctrl+C to stop\n")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), brokerStopTimeout)
	defer cancel()
	if err := b.Stop(stopCtx, brokerStopTimeout); err != nil {
		return fmt.Errorf("failed to stop broker: %w", err)
	}
	out.Printf("Broker stopped\n")
	return nil
}

func displayHost(host string) string {
	if host == "" {
		return "0.0.0.0"
	}
	return host
}
