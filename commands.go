package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/peterje/shepherd/internal/gateway"
	"github.com/peterje/shepherd/internal/models"
	"github.com/peterje/shepherd/internal/shepherd"
)

// withClient runs fn against a connected daemon.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *shepherd.Client) error) error {
	ctx := cmd.Context()
	c, closeFn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, c)
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *shepherd.Client) error {
				var sessions []models.Summary
				if err := c.Call(ctx, gateway.MethodListSessions, nil, &sessions); err != nil {
					return err
				}
				printSummaries(cmd.OutOrStdout(), sessions)
				return nil
			})
		},
	}
}

func printSummaries(out io.Writer, sessions []models.Summary) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tSTATE\tCLIENTS\tLAST ACTIVE")
	for _, s := range sessions {
		state := string(s.State)
		if s.Cause != "" {
			state += " (" + s.Cause + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Name, s.Kind, state, s.Clients, s.LastActive.Local().Format(time.DateTime))
	}
	tw.Flush()
}

// authFlags select how a remote session authenticates.
type authFlags struct {
	password   bool
	key        string
	passphrase string
	agent      string
}

func (f *authFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.password, "password", false, "prompt for a password")
	cmd.Flags().StringVar(&f.key, "key", "", "private key file")
	cmd.Flags().StringVar(&f.passphrase, "passphrase", "", "passphrase for --key")
	cmd.Flags().StringVar(&f.agent, "agent", "", "agent socket (default: the daemon's)")
}

// method returns the chosen auth, defaulting to the agent.
func (f *authFlags) method() (*models.AuthMethod, error) {
	switch {
	case f.password:
		fmt.Fprint(os.Stderr, "Password: ")
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		return models.PasswordAuth(string(secret)), nil
	case f.key != "":
		return models.PublicKeyAuth(f.key, f.passphrase), nil
	default:
		auth := models.AgentAuth()
		auth.AgentSocket = f.agent
		return auth, nil
	}
}

func terminalSize() (uint16, uint16) {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return 80, 24
	}
	return uint16(min(cols, int(models.MaxTermCols))), uint16(min(rows, int(models.MaxTermRows)))
}

func newNewCommand(a *app) *cobra.Command {
	var (
		params gateway.CreateSessionParams
		kind   string
		auth   authFlags
		attach bool
	)
	cmd := &cobra.Command{
		Use:   "new [-- command args...]",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Kind = models.Kind(kind)
			if params.Kind == "" {
				switch {
				case params.Host != "":
					params.Kind = models.KindRemote
				case params.Device != "":
					params.Kind = models.KindSerial
				default:
					params.Kind = models.KindLocal
				}
			}
			if len(args) > 0 {
				params.Shell, params.Args = args[0], args[1:]
			}
			params.Cols, params.Rows = terminalSize()
			if params.Kind == models.KindRemote {
				m, err := auth.method()
				if err != nil {
					return err
				}
				params.Auth = m
			}
			return a.withClient(cmd, func(ctx context.Context, c *shepherd.Client) error {
				var res gateway.CreateSessionResult
				if err := c.Call(ctx, gateway.MethodCreateSession, params, &res); err != nil {
					return err
				}
				if !attach {
					fmt.Fprintln(cmd.OutOrStdout(), res.SessionID)
					return nil
				}
				return runAttach(ctx, c, res.SessionID)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&params.Name, "name", "n", "", "session name")
	f.StringVar(&kind, "kind", "", "local, remote or serial (inferred from --host or --device)")
	f.StringVar(&params.Cwd, "cwd", "", "working directory for local sessions")
	f.StringVar(&params.Host, "host", "", "remote host")
	f.IntVarP(&params.Port, "port", "p", 0, "remote port")
	f.StringVarP(&params.User, "user", "u", "", "remote user")
	f.StringVar(&params.Device, "device", "", "serial device")
	f.IntVar(&params.Baud, "baud", 0, "serial baud rate")
	f.BoolVarP(&attach, "attach", "a", false, "attach after creating")
	auth.register(cmd)
	return cmd
}

func newAttachCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach to a session (detach with Ctrl-])",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *shepherd.Client) error {
				return runAttach(ctx, c, args[0])
			})
		},
	}
}

func newKillCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session-id>...",
		Short: "Terminate sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *shepherd.Client) error {
				for _, id := range args {
					if err := c.Call(ctx, gateway.MethodTerminate, gateway.SessionParams{SessionID: id}, nil); err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
				}
				return nil
			})
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *shepherd.Client) error {
				var st gateway.StatusResult
				if err := c.Call(ctx, gateway.MethodGetStatus, nil, &st); err != nil {
					return err
				}
				uptime := time.Duration(st.Uptime * float64(time.Second)).Round(time.Second)
				fmt.Fprintf(cmd.OutOrStdout(), "sessions: %d\nclients:  %d\nuptime:   %s\n", st.NumSessions, st.NumClients, uptime)
				return nil
			})
		},
	}
}

func newPersistedCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persisted",
		Short: "Inspect sessions recorded by the daemon",
	}

	list := &cobra.Command{
		Use:   "ls",
		Short: "List recorded sessions, including stopped ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *shepherd.Client) error {
				var sessions []models.Summary
				if err := c.Call(ctx, gateway.MethodListPersisted, nil, &sessions); err != nil {
					return err
				}
				printSummaries(cmd.OutOrStdout(), sessions)
				return nil
			})
		},
	}

	forget := &cobra.Command{
		Use:   "forget <session-id>...",
		Short: "Delete stopped sessions from the record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *shepherd.Client) error {
				for _, id := range args {
					if err := c.Call(ctx, gateway.MethodForgetSession, gateway.SessionParams{SessionID: id}, nil); err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
				}
				return nil
			})
		},
	}

	var auth authFlags
	restore := &cobra.Command{
		Use:   "restore <session-id>",
		Short: "Start a new session from a recorded one's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *shepherd.Client) error {
				params := gateway.RestoreParams{SessionID: args[0]}
				var prev []models.Summary
				if err := c.Call(ctx, gateway.MethodListPersisted, nil, &prev); err != nil {
					return err
				}
				for _, s := range prev {
					if s.ID == args[0] && s.Kind == models.KindRemote {
						m, err := auth.method()
						if err != nil {
							return err
						}
						params.Auth = m
					}
				}
				var res gateway.CreateSessionResult
				if err := c.Call(ctx, gateway.MethodRestoreSession, params, &res); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.SessionID)
				return nil
			})
		},
	}
	auth.register(restore)

	cmd.AddCommand(list, forget, restore)
	return cmd
}
