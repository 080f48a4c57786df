package cli

import (
	"fmt"
	"strconv"

	"github.com/getmockd/mqttsh/pkg/cli/internal/output"
	"github.com/getmockd/mqttsh/pkg/cliconfig"
	"github.com/spf13/cobra"
)

var configJSON bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration and where each value came from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := cmd.OutOrStdout()
		if configJSON {
			return output.JSON(w, cfg)
		}

		if cfg.ConfigFile != "" {
			fmt.Fprintf(w, "# config file: %s\n", cfg.ConfigFile)
		}
		tw := output.Table(w)
		fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
		for _, row := range configRows(cfg) {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", row[0], row[1], sourceOf(cfg, row[0]))
		}
		return tw.Flush()
	},
}

func init() {
	configCmd.Flags().BoolVar(&configJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(configCmd)
}

func configRows(c *cliconfig.CLIConfig) [][2]string {
	return [][2]string{
		{"host", c.Host},
		{"port", strconv.Itoa(c.Port)},
		{"mqttVersion", c.MQTTVersion},
		{"clientIdPrefix", c.ClientIDPrefix},
		{"connectTimeout", strconv.Itoa(c.ConnectTimeout)},
		{"keepAlive", strconv.Itoa(c.KeepAlive)},
		{"logLevel", c.LogLevel},
		{"logFormat", c.LogFormat},
		{"logDir", c.LogDir},
		{"historyFile", c.HistoryFile},
		{"verbose", strconv.FormatBool(c.Verbose)},
	}
}

func sourceOf(c *cliconfig.CLIConfig, key string) string {
	if s, ok := c.Sources[key]; ok {
		return s
	}
	return cliconfig.SourceDefault
}
