package shell

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fatih/color"
	"github.com/getmockd/mqttsh/internal/session"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/spf13/cobra"
)

// commands builds the command tree for one input line.
func (s *Shell) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "mqtt",
		Short:         "Interactive MQTT shell",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(s.term)
	root.SetErr(s.term)

	root.AddCommand(
		s.connectCmd(),
		s.disconnectCmd(),
		s.switchCmd(),
		s.listCmd(),
		s.publishCmd(),
		s.subscribeCmd(),
		s.unsubscribeCmd(),
		s.clearCmd(),
		s.versionCmd(),
		s.exitCmd(),
	)
	return root
}

// commandNames are offered by tab completion.
var commandNames = []string{"con", "dis", "switch", "ls", "pub", "sub", "unsub", "cls", "version", "exit", "help"}

func (s *Shell) connectCmd() *cobra.Command {
	var flags ConnectFlags
	cmd := &cobra.Command{
		Use:     "con",
		Aliases: []string{"connect"},
		Short:   "Connect a client and make it the context client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := flags.Options(cmd.Flags(), s.defaults)
			if err != nil {
				return err
			}
			c, err := s.reg.Connect(cmd.Context(), opts)
			if err != nil {
				return err
			}
			s.reg.UpdateContextClient(c)
			return nil
		},
	}
	flags.Register(cmd.Flags())
	return cmd
}

func (s *Shell) disconnectCmd() *cobra.Command {
	var (
		all      bool
		id       string
		host     string
		reason   string
		expiry   uint32
		rawProps []string
	)
	cmd := &cobra.Command{
		Use:     "dis",
		Aliases: []string{"disconnect"},
		Short:   "Disconnect the context client, a named client or all clients",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			props, err := parseUserProperties(rawProps)
			if err != nil {
				return err
			}
			opts := mqttclient.DisconnectOptions{ReasonString: reason, UserProperties: props}
			if cmd.Flags().Changed("sessionExpiryInterval") {
				opts.SessionExpiryInterval = &expiry
			}

			if all {
				s.reg.DisconnectAll(cmd.Context(), opts)
				return nil
			}

			if id == "" {
				c, err := s.contextClient()
				if err != nil {
					return err
				}
				return s.reg.Disconnect(cmd.Context(), c.ClientID(), c.Host(), opts)
			}

			c, err := s.reg.Lookup(id, host)
			if err != nil {
				return err
			}
			return s.reg.Disconnect(cmd.Context(), c.ClientID(), c.Host(), opts)
		},
	}
	fs := cmd.Flags()
	fs.BoolVarP(&all, "all", "a", false, "disconnect every client")
	fs.StringVarP(&id, "identifier", "i", "", "client identifier")
	fs.StringVarP(&host, "host", "h", "", "client host (any host when empty)")
	fs.StringVarP(&reason, "reason", "r", "", "reason string (MQTT 5)")
	fs.Uint32VarP(&expiry, "sessionExpiryInterval", "e", 0, "session expiry interval in seconds (MQTT 5)")
	fs.StringArrayVar(&rawProps, "userProperty", nil, "DISCONNECT user property key=value (MQTT 5, repeatable)")
	return cmd
}

func (s *Shell) switchCmd() *cobra.Command {
	var id, host string
	cmd := &cobra.Command{
		Use:   "switch [identifier[@host]]",
		Short: "Switch the context client, or leave context mode without arguments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				id, host = splitTarget(args[0])
			}
			if id == "" {
				if s.reg.ContextClient() == nil {
					return errors.New("usage: switch identifier[@host]")
				}
				s.reg.RemoveContextClient()
				return nil
			}

			c, err := s.reg.Lookup(id, host)
			if err != nil {
				return err
			}
			if !s.reg.UpdateContextClient(c) {
				return fmt.Errorf("client %s@%s is not connected", c.ClientID(), c.Host())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&id, "identifier", "i", "", "client identifier")
	cmd.Flags().StringVarP(&host, "host", "h", "", "client host")
	return cmd
}

func (s *Shell) listCmd() *cobra.Command {
	var byTime, unsorted, reverse, long, subs, all bool
	cmd := &cobra.Command{
		Use:     "ls [pattern]",
		Aliases: []string{"list"},
		Short:   "List connected clients, optionally only those matching a glob pattern",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var order func(a, b mqttclient.Client) int
			switch {
			case unsorted:
			case byTime:
				order = session.Reverse(session.ByConnectedAt)
			default:
				order = session.ByClientID
			}

			clients := s.reg.ListClients(order)
			if len(args) == 1 {
				var err error
				if clients, err = matchClients(clients, args[0]); err != nil {
					return err
				}
			}
			if reverse {
				slices.Reverse(clients)
			}
			s.printClients(clients, long || all, subs || all)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.BoolVarP(&byTime, "time", "t", false, "sort by connect time, newest first")
	fs.BoolVarP(&unsorted, "unsorted", "U", false, "do not sort")
	fs.BoolVarP(&reverse, "reverse", "r", false, "reverse the order")
	fs.BoolVarP(&long, "long", "l", false, "long listing")
	fs.BoolVarP(&subs, "subscriptions", "s", false, "show subscriptions")
	fs.BoolVarP(&all, "all", "a", false, "long listing with subscriptions")
	return cmd
}

// matchClients keeps the clients matching pattern. A pattern containing @
// is matched against id@host, any other against the identifier.
func matchClients(clients []mqttclient.Client, pattern string) ([]mqttclient.Client, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	withHost := strings.Contains(pattern, "@")
	out := clients[:0]
	for _, c := range clients {
		name := c.ClientID()
		if withHost {
			name += "@" + c.Host()
		}
		if ok, _ := doublestar.Match(pattern, name); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Shell) printClients(clients []mqttclient.Client, long, subs bool) {
	if !long {
		for _, c := range clients {
			s.term.Printf("%s@%s\n", c.ClientID(), c.Host())
			if subs {
				s.printSubscriptions(c)
			}
		}
		return
	}

	s.term.Printf("total %d\n", len(clients))
	tw := tabwriter.NewWriter(s.term, 0, 0, 2, ' ', 0)
	for _, c := range clients {
		state := "DISCONNECTED"
		if c.IsConnected() {
			state = "CONNECTED"
		}
		tls := "NO_TLS"
		if c.TLSEnabled() {
			tls = "TLS"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			state, c.ConnectedAt().Format(time.RFC3339), c.ClientID(), c.Host(), c.Port(), c.Version(), tls)
		if subs {
			_ = tw.Flush()
			s.printSubscriptions(c)
		}
	}
	_ = tw.Flush()
}

func (s *Shell) printSubscriptions(c mqttclient.Client) {
	topics := make([]string, 0)
	for _, sub := range c.Subscriptions() {
		topics = append(topics, sub.Topic)
	}
	slices.Sort(topics)
	s.term.Printf(" -subscribed topics: [%s]\n", strings.Join(topics, ", "))
}

func (s *Shell) publishCmd() *cobra.Command {
	var flags PublishFlags
	cmd := &cobra.Command{
		Use:     "pub",
		Aliases: []string{"publish"},
		Short:   "Publish a message with the context client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := s.contextClient()
			if err != nil {
				return err
			}
			opts, err := flags.Options(cmd.Flags())
			if err != nil {
				return err
			}
			return c.Publish(cmd.Context(), opts)
		},
	}
	flags.Register(cmd)
	return cmd
}

var topicColor = color.New(color.FgGreen)

// messagePrinter writes incoming messages as "topic: payload", or as JSON
// with --jsonOutput.
func (s *Shell) messagePrinter(flags *SubscribeFlags) mqttclient.MessageHandler {
	if !flags.OutputToConsole {
		return nil
	}
	format := flags.Format(false)
	return func(m mqttclient.Message) {
		if format.JSON {
			s.term.Printf("%s\n", format.Render(m))
			return
		}
		s.term.Printf("%s: %s\n", topicColor.Sprint(m.Topic), format.Render(m))
	}
}

func (s *Shell) subscribeCmd() *cobra.Command {
	var flags SubscribeFlags
	cmd := &cobra.Command{
		Use:     "sub",
		Aliases: []string{"subscribe"},
		Short:   "Subscribe the context client; messages are printed as they arrive",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := s.contextClient()
			if err != nil {
				return err
			}
			opts, err := flags.Options(s.messagePrinter(&flags), s.log)
			if err != nil {
				return err
			}
			return c.Subscribe(cmd.Context(), opts)
		},
	}
	flags.Register(cmd)
	return cmd
}

func (s *Shell) unsubscribeCmd() *cobra.Command {
	var topics []string
	cmd := &cobra.Command{
		Use:     "unsub",
		Aliases: []string{"unsubscribe"},
		Short:   "Unsubscribe the context client from topic filters",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := s.contextClient()
			if err != nil {
				return err
			}
			return c.Unsubscribe(cmd.Context(), mqttclient.UnsubscribeOptions{Topics: topics})
		},
	}
	cmd.Flags().StringArrayVarP(&topics, "topic", "t", nil, "topic filter (repeatable)")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func (s *Shell) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "cls",
		Aliases: []string{"clear"},
		Short:   "Clear the screen",
		Args:    cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			s.term.Clear()
		},
	}
}

func (s *Shell) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			s.term.Printf("mqttsh %s\n", s.version)
		},
	}
}

func (s *Shell) exitCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "exit",
		Aliases: []string{"quit"},
		Short:   "Leave context mode, or the shell when no client is in context",
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if s.reg.ContextClient() != nil {
				s.reg.RemoveContextClient()
				return nil
			}
			return ErrExit
		},
	}
}
