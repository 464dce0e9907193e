package registry

import (
	"context"
	"os"

	"github.com/peterje/shepherd/internal/models"
	"github.com/peterje/shepherd/internal/pty"
	"github.com/peterje/shepherd/internal/remoteshell"
	"github.com/peterje/shepherd/internal/serial"
)

// DefaultOpener opens local shells, remote shells and serial ports.
type DefaultOpener struct {
	// Shell is used when a local config names none.
	Shell string
	Term  string
	// Remote carries timeouts, host key classification and agent settings
	// shared by every remote session.
	Remote remoteshell.Options
}

func (o *DefaultOpener) Open(ctx context.Context, cfg models.Config, auth *models.AuthMethod) (pty.Terminal, error) {
	term := cfg.Term
	if term == "" {
		term = o.Term
	}

	switch cfg.Kind {
	case models.KindLocal:
		shell := cfg.Shell
		if shell == "" {
			shell = o.Shell
		}
		p, err := pty.Spawn(pty.SpawnOptions{
			Shell: shell,
			Args:  cfg.Args,
			Cols:  cfg.Cols,
			Rows:  cfg.Rows,
			Cwd:   cfg.Cwd,
			Env:   cfg.Env,
			Term:  term,
		})
		if err != nil {
			return nil, models.Wrap(models.ErrKindIO, err, "spawn shell")
		}
		return p, nil

	case models.KindRemote:
		opts := o.Remote
		opts.Host = cfg.Host
		opts.Port = cfg.Port
		opts.User = cfg.User
		if opts.User == "" {
			opts.User = os.Getenv("USER")
		}
		opts.Auth = auth
		opts.Term = term
		opts.Cols = cfg.Cols
		opts.Rows = cfg.Rows
		if auth != nil && auth.Type == models.AuthAgent && auth.AgentSocket != "" {
			opts.AgentDialer = remoteshell.SocketAgentDialer(auth.AgentSocket)
		}
		c, err := remoteshell.Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return c, nil

	case models.KindSerial:
		p, err := serial.Open(cfg.Device, cfg.Baud)
		if err != nil {
			return nil, models.Wrap(models.ErrKindIO, err, "open serial device")
		}
		return p, nil
	}
	return nil, models.Errorf(models.ErrKindInvalidRequest, "unknown session kind %q", cfg.Kind)
}
