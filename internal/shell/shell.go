package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/getmockd/mqttsh/internal/session"
	"github.com/getmockd/mqttsh/pkg/logging"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/google/shlex"
)

// ErrExit is returned by Execute when the user asked to leave the shell.
var ErrExit = errors.New("exit")

// errNoContext is returned by commands that need a context client.
var errNoContext = errors.New("no client in context, use 'con' to connect or 'switch' to select one")

// shutdownTimeout bounds the disconnect of all clients on exit.
const shutdownTimeout = 5 * time.Second

// LineReader reads input lines. *readline.Instance implements it.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// Shell is the interactive command loop.
type Shell struct {
	reg      *session.Registry
	term     *Terminal
	log      *slog.Logger
	defaults Defaults
	version  string
	prompt   atomic.Value
}

// Option configures a Shell.
type Option func(*Shell)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Shell) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDefaults sets the connection defaults for con.
func WithDefaults(d Defaults) Option {
	return func(s *Shell) {
		s.defaults = d
	}
}

// WithVersion sets the version printed by the version command.
func WithVersion(v string) Option {
	return func(s *Shell) {
		s.version = v
	}
}

// New creates a shell over reg. term should be the terminal the registry
// writes its notices to.
func New(reg *session.Registry, term *Terminal, opts ...Option) *Shell {
	s := &Shell{
		reg:  reg,
		term: term,
		log:  logging.Nop(),
		defaults: Defaults{
			Host:    mqttclient.DefaultHost,
			Port:    mqttclient.DefaultPort,
			Version: mqttclient.V5,
		},
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.prompt.Store(promptFor(nil))
	reg.AddContextClientChangedListener(s.onContextChanged)
	return s
}

var contextColor = color.New(color.FgCyan, color.Bold)

func promptFor(c mqttclient.Client) string {
	if c == nil {
		return "mqtt> "
	}
	return contextColor.Sprint(c.ClientID()+"@"+c.Host()) + "> "
}

// onContextChanged runs on whichever goroutine changed the context. The
// read loop picks the new prompt up before the next line.
func (s *Shell) onContextChanged(c mqttclient.Client) {
	s.prompt.Store(promptFor(c))
}

// Prompt returns the current prompt.
func (s *Shell) Prompt() string {
	return s.prompt.Load().(string)
}

// Run reads and executes lines until exit, EOF or an interrupt on an
// empty line outside context mode. Every client is disconnected before
// Run returns.
func (s *Shell) Run(ctx context.Context, in LineReader) error {
	defer s.shutdown()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		in.SetPrompt(s.Prompt())
		line, err := in.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line != "" {
				continue
			}
			if s.reg.ContextClient() != nil {
				s.reg.RemoveContextClient()
				continue
			}
			return nil
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("read input: %w", err)
		}

		err = s.Execute(ctx, line)
		if errors.Is(err, ErrExit) {
			return nil
		}
		if err != nil {
			s.term.Error(err)
		}
	}
}

func (s *Shell) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.reg.DisconnectAll(ctx, mqttclient.DisconnectOptions{})
}

// Execute runs one input line.
func (s *Shell) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	argv, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	if len(argv) == 0 {
		return nil
	}

	s.log.Debug("executing shell command", "command", argv[0])

	root := s.commands()
	root.SetArgs(argv)
	return root.ExecuteContext(ctx)
}

// contextClient returns the context client or errNoContext.
func (s *Shell) contextClient() (mqttclient.Client, error) {
	if c := s.reg.ContextClient(); c != nil {
		return c, nil
	}
	return nil, errNoContext
}
