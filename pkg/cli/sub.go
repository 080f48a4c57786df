package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/getmockd/mqttsh/internal/shell"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/spf13/cobra"
)

var (
	subConnect   shell.ConnectFlags
	subFlags     shell.SubscribeFlags
	subCount     int
	subShowTopic bool
)

var subCmd = &cobra.Command{
	Use:     "sub",
	Aliases: []string{"subscribe"},
	Short:   "Subscribe and print messages until interrupted",
	Args:    cobra.NoArgs,
	Example: `  # Print every message below sensors/
  mqttsh sub -t 'sensors/#' -T

  # Wait for a single message
  mqttsh sub -t status -C 1

  # Keep binary payloads as base64 JSON in a file
  mqttsh sub -t 'cam/#' -J --base64 --outputToFile frames.log --outputToConsole=false`,
	RunE: runSubscribe,
}

func init() {
	subConnect.Register(subCmd.Flags())
	subFlags.Register(subCmd)
	addAskPasswordFlag(subCmd)
	subCmd.Flags().IntVarP(&subCount, "count", "C", 0, "exit after this many messages")
	subCmd.Flags().BoolVarP(&subShowTopic, "showTopics", "T", false, "prefix each message with its topic")
	rootCmd.AddCommand(subCmd)
}

func runSubscribe(cmd *cobra.Command, _ []string) error {
	if subCount < 0 {
		return fmt.Errorf("%w: count must not be negative", mqttclient.ErrInvalidOptions)
	}
	if err := askPassword(cmd, &subConnect); err != nil {
		return err
	}
	defaults, err := connectDefaults()
	if err != nil {
		return err
	}
	opts, err := subConnect.Options(cmd.Flags(), defaults)
	if err != nil {
		return err
	}

	logger := commandLogger(cmd)
	out := shell.NewTerminal(cmd.OutOrStdout())
	format := subFlags.Format(subShowTopic)
	limit := int64(subCount)
	var received atomic.Int64
	done := make(chan struct{})
	subscribe, err := subFlags.Options(func(m mqttclient.Message) {
		n := received.Add(1)
		if limit > 0 && n > limit {
			return
		}
		if subFlags.OutputToConsole {
			out.Printf("%s\n", format.Render(m))
		}
		if n == limit {
			close(done)
		}
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lost := make(chan mqttclient.DisconnectedEvent, 1)
	client, err := mqttclient.NewBuilder(opts, logger).
		AddDisconnectedListener(func(ev mqttclient.DisconnectedEvent) {
			select {
			case lost <- ev:
			default:
			}
		}).
		Send(ctx)
	if err != nil {
		return err
	}
	defer disconnect(client, logger)

	if err := client.Subscribe(ctx, subscribe); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-done:
		return nil
	case ev := <-lost:
		if ev.Cause != nil {
			return fmt.Errorf("connection lost: %w", ev.Cause)
		}
		return fmt.Errorf("connection lost: disconnected by %s", ev.Source)
	}
}
