package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/getmockd/mqttsh/internal/shell"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/spf13/cobra"
)

var (
	pubConnect shell.ConnectFlags
	pubFlags   shell.PublishFlags
)

var pubCmd = &cobra.Command{
	Use:     "pub",
	Aliases: []string{"publish"},
	Short:   "Connect, publish one message and disconnect",
	Args:    cobra.NoArgs,
	Example: `  # Publish to the default broker
  mqttsh pub -t sensors/temperature -m 25.5

  # MQTT 3.1.1 with authentication and QoS 1
  mqttsh pub -V 3 -h broker.example.com -u user -P pass -q 1 -t sensors/temp -m 25.5

  # Publish a file to two topics
  mqttsh pub -t a -t b -m @config.json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := askPassword(cmd, &pubConnect); err != nil {
			return err
		}
		defaults, err := connectDefaults()
		if err != nil {
			return err
		}
		opts, err := pubConnect.Options(cmd.Flags(), defaults)
		if err != nil {
			return err
		}
		publish, err := pubFlags.Options(cmd.Flags())
		if err != nil {
			return err
		}

		logger := commandLogger(cmd)
		client, err := mqttclient.Connect(cmd.Context(), opts, logger)
		if err != nil {
			return err
		}
		defer disconnect(client, logger)

		return client.Publish(cmd.Context(), publish)
	},
}

func init() {
	pubConnect.Register(pubCmd.Flags())
	pubFlags.Register(pubCmd)
	addAskPasswordFlag(pubCmd)
	rootCmd.AddCommand(pubCmd)
}

// disconnectTimeout bounds the disconnect at the end of a one-shot command.
const disconnectTimeout = 5 * time.Second

func disconnect(client mqttclient.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := client.Disconnect(ctx, mqttclient.DisconnectOptions{}); err != nil {
		logger.Debug("disconnect failed", "clientId", client.ClientID(), "error", err)
	}
}
