package cli

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/getmockd/mqttsh/internal/shell"
	"github.com/spf13/cobra"
)

func addAskPasswordFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("ask-password", false, "prompt for the password instead of passing -P")
}

// askPassword reads the password interactively when --ask-password is set.
func askPassword(cmd *cobra.Command, flags *shell.ConnectFlags) error {
	ask, _ := cmd.Flags().GetBool("ask-password")
	if !ask {
		return nil
	}
	if flags.Username == "" {
		return errors.New("--ask-password requires --user")
	}

	var password string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("Password for %s", flags.Username)).
				EchoMode(huh.EchoModePassword).
				Value(&password),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	flags.Password = password
	return nil
}
