package cli

import (
	"fmt"
	"time"

	"github.com/getmockd/mqttsh/internal/brokercheck"
	"github.com/getmockd/mqttsh/internal/shell"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/spf13/cobra"
)

var (
	testConnect  shell.ConnectFlags
	testAll      bool
	testTimeout  int
	testQoSTries int
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Check which MQTT features a broker supports",
	Long: `Connect to a broker with MQTT 3.1.1 and MQTT 5 and report what works.

MQTT 5 brokers announce their limits on connect; those are always shown.
Publish/subscribe round trips (QoS levels, retain, wildcards, shared
subscriptions) run for MQTT 3.1.1, and for MQTT 5 with --all.`,
	Args: cobra.NoArgs,
	Example: `  # Test the default broker with both versions
  mqttsh test

  # Full MQTT 5 test of a remote broker
  mqttsh test -h broker.example.com -V 5 -a`,
	RunE: runTestBroker,
}

func init() {
	testConnect.Register(testCmd.Flags())
	addAskPasswordFlag(testCmd)
	testCmd.Flags().BoolVarP(&testAll, "all", "a", false, "run the publish/subscribe checks for MQTT 5 too")
	testCmd.Flags().IntVarP(&testTimeout, "timeOut", "t", int(brokercheck.DefaultTimeout/time.Second), "seconds to wait for each broker response")
	testCmd.Flags().IntVarP(&testQoSTries, "qosTries", "q", brokercheck.DefaultTries, "publishes per QoS level")
	rootCmd.AddCommand(testCmd)
}

func runTestBroker(cmd *cobra.Command, _ []string) error {
	if testTimeout <= 0 || testQoSTries <= 0 {
		return fmt.Errorf("%w: --timeOut and --qosTries must be positive", mqttclient.ErrInvalidOptions)
	}
	if err := askPassword(cmd, &testConnect); err != nil {
		return err
	}
	defaults, err := connectDefaults()
	if err != nil {
		return err
	}
	opts, err := testConnect.Options(cmd.Flags(), defaults)
	if err != nil {
		return err
	}

	versions := []mqttclient.Version{mqttclient.V3, mqttclient.V5}
	if cmd.Flags().Changed("mqttVersion") {
		versions = []mqttclient.Version{opts.Version}
	}

	logger := commandLogger(cmd)
	for _, v := range versions {
		cfg := brokercheck.Config{
			Connect: opts,
			Timeout: time.Duration(testTimeout) * time.Second,
			Tries:   testQoSTries,
			All:     testAll,
			Logger:  logger,
		}
		cfg.Connect.Version = v
		brokercheck.Run(cmd.Context(), cfg).Print(cmd.OutOrStdout())
	}
	return nil
}
