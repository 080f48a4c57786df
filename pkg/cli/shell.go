package cli

import (
	"github.com/getmockd/mqttsh/internal/session"
	"github.com/getmockd/mqttsh/internal/shell"
	"github.com/getmockd/mqttsh/pkg/logging"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start the interactive shell (default)",
	Long: `Start the interactive shell.

Log output goes to mqttsh.log in the configured log directory so it never
interferes with the prompt. Type 'help' inside the shell for the commands.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

func runShell(cmd *cobra.Command, _ []string) error {
	defaults, err := connectDefaults()
	if err != nil {
		return err
	}

	lc := logConfig()
	if cfg.Verbose {
		lc.Level = logging.LevelDebug
		lc.Mirror = cmd.ErrOrStderr()
	}
	logger, closeLog, err := logging.OpenFile(lc, cfg.LogDir)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	rl, err := shell.NewReadline(cfg.HistoryFile)
	if err != nil {
		return err
	}
	defer func() { _ = rl.Close() }()

	term := shell.NewTerminal(rl.Stdout())
	reg := session.New(session.WithLogger(logger), session.WithTerminal(term))
	sh := shell.New(reg, term,
		shell.WithLogger(logger),
		shell.WithDefaults(defaults),
		shell.WithVersion(Version),
	)

	logger.Info("shell started", "version", Version, "config", cfg.ConfigFile)
	err = sh.Run(cmd.Context(), rl)
	logger.Info("shell stopped")
	return err
}
