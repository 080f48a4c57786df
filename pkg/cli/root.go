package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/getmockd/mqttsh/internal/shell"
	"github.com/getmockd/mqttsh/pkg/cliconfig"
	"github.com/getmockd/mqttsh/pkg/logging"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/spf13/cobra"
)

var (
	// Persistent flags available to all subcommands
	configPath string
	verbose    bool

	// cfg is the effective configuration, loaded before any command runs.
	cfg = cliconfig.NewDefault()

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mqttsh",
	Short: "mqttsh is an interactive shell for MQTT brokers",
	Long: `mqttsh keeps several MQTT 3.1.1 and 5.0 connections open at once and lets
you publish, subscribe and switch between them from one prompt.

Configuration can be provided via flags, environment variables, or a configuration file.
By default, mqttsh looks for ./.mqttshrc.yaml and then ~/.config/mqttsh/config.yaml.`,
	Args:              cobra.NoArgs,
	SilenceUsage:      true,
	SilenceErrors:     true, // We handle errors in Execute()
	PersistentPreRunE: loadConfig,
	// Without a subcommand mqttsh starts the shell.
	RunE: runShell,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./.mqttshrc.yaml, then ~/.config/mqttsh/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level and mirror logs to stderr")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig resolves the configuration from files and environment; flags
// are applied last.
func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := cliconfig.LoadAll(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("verbose") {
		loaded.Verbose = verbose
		loaded.Sources["verbose"] = cliconfig.SourceFlag
	}
	cfg = loaded
	return nil
}

// connectDefaults maps the configuration onto connection defaults.
func connectDefaults() (shell.Defaults, error) {
	version, err := mqttclient.ParseVersion(cfg.MQTTVersion)
	if err != nil {
		return shell.Defaults{}, err
	}
	return shell.Defaults{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Version:        version,
		ClientIDPrefix: cfg.ClientIDPrefix,
		KeepAlive:      time.Duration(cfg.KeepAlive) * time.Second,
		ConnectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
	}, nil
}

func logConfig() logging.Config {
	return logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	}
}

// commandLogger logs to stderr for the one-shot commands: warnings and
// errors only, everything with --verbose.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	lc := logConfig()
	lc.Output = cmd.ErrOrStderr()
	if cfg.Verbose {
		lc.Level = logging.LevelDebug
	} else {
		lc.Level = max(lc.Level, logging.LevelWarn)
	}
	return logging.New(lc)
}
