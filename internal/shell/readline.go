package shell

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
)

// NewReadline opens a readline instance with persistent history and
// command completion. An empty historyFile disables history.
func NewReadline(historyFile string) (*readline.Instance, error) {
	if historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(historyFile), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	items := make([]readline.PrefixCompleterInterface, 0, len(commandNames))
	for _, name := range commandNames {
		items = append(items, readline.PcItem(name))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            promptFor(nil),
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		AutoComplete:      readline.NewPrefixCompleter(items...),

		Stdin:  readline.NewCancelableStdin(os.Stdin),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize readline: %w", err)
	}
	return rl, nil
}
