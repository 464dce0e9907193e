package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peterje/shepherd/internal/config"
	"github.com/peterje/shepherd/internal/logging"
	"github.com/peterje/shepherd/internal/shepherd"
	"github.com/peterje/shepherd/internal/tunnel"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	remote     string
	token      string
	insecure   bool

	cfg    config.Config
	logger *logging.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "shepherd",
		Short:         "Keep terminal sessions alive across disconnects",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.shepherd/config.yaml)")
	flags.StringVar(&a.remote, "remote", "", "reach a daemon through its tunnel (ws://, wss:// or tcp:// URL)")
	flags.StringVar(&a.token, "token", "", "auth token for --remote (default $SHEPHERD_AUTH_TOKEN)")
	flags.BoolVar(&a.insecure, "insecure", false, "skip TLS verification for --remote")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if a.token != "" {
			cfg.Token = a.token
		}
		a.cfg = cfg

		opts := logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON}
		if cmd.Name() == "daemon" {
			opts.File = cfg.LogFile
		} else if cfg.LogLevel == "info" {
			// Client commands stay quiet unless asked otherwise.
			opts.Level = "warn"
		}
		logger, err := logging.New(opts)
		if err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		a.logger = logger
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}
	root.PersistentPostRun = func(*cobra.Command, []string) {
		if a.logger != nil {
			a.logger.Close()
		}
	}

	root.AddCommand(
		newDaemonCommand(a),
		newListCommand(a),
		newNewCommand(a),
		newAttachCommand(a),
		newKillCommand(a),
		newStatusCommand(a),
		newPersistedCommand(a),
	)
	return root
}

// connect returns a client for the local daemon, starting it if needed,
// or for the remote daemon named by --remote.
func (a *app) connect(ctx context.Context) (*shepherd.Client, func(), error) {
	if a.remote != "" {
		sess, err := tunnel.Dial(ctx, a.remote, a.cfg.Token, a.insecure)
		if err != nil {
			return nil, nil, err
		}
		stream, err := sess.Open()
		if err != nil {
			sess.Close()
			return nil, nil, fmt.Errorf("open tunnel stream: %w", err)
		}
		client := shepherd.NewClient(stream)
		return client, func() {
			client.Close()
			sess.Close()
		}, nil
	}

	client, err := a.connectOrStartShepherd(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}

func (a *app) dialAndPing(ctx context.Context) (*shepherd.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	client, err := shepherd.Dial(ctx, a.cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// connectOrStartShepherd connects to an existing daemon or launches a new one.
func (a *app) connectOrStartShepherd(ctx context.Context) (*shepherd.Client, error) {
	if client, err := a.dialAndPing(ctx); err == nil {
		a.logger.Debug("connected to existing daemon", "socket", a.cfg.SocketPath)
		return client, nil
	}

	a.logger.Info("starting daemon")
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}
	args := []string{"daemon"}
	if a.configPath != "" {
		args = append(args, "--config", a.configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = os.Environ()
	if a.cfg.LogFile == "" {
		cmd.Env = append(cmd.Env, config.EnvPrefix+"_LOG_FILE="+filepath.Join(a.cfg.DataDir, "shepherd.log"))
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}
	// Detach; don't wait for the daemon to exit
	cmd.Process.Release()

	// Wait for the daemon to become available
	for i := 0; i < 40; i++ { // 40 * 50ms = 2s
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		if client, err := a.dialAndPing(ctx); err == nil {
			a.logger.Debug("daemon started and connected")
			return client, nil
		}
	}
	return nil, errors.New("daemon did not become available within 2s")
}
