package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/peterje/shepherd/internal/config"
	"github.com/peterje/shepherd/internal/db"
	"github.com/peterje/shepherd/internal/gateway"
	"github.com/peterje/shepherd/internal/preflight"
	"github.com/peterje/shepherd/internal/pty"
	"github.com/peterje/shepherd/internal/registry"
	"github.com/peterje/shepherd/internal/remoteshell"
	"github.com/peterje/shepherd/internal/server"
	"github.com/peterje/shepherd/internal/shepherd"
	"github.com/peterje/shepherd/internal/tunnel"
)

const shutdownTimeout = 10 * time.Second

func newDaemonCommand(a *app) *cobra.Command {
	var httpAddr, tunnelAddr string
	var useTLS bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the session daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if httpAddr != "" {
				a.cfg.HTTPAddr = httpAddr
			}
			if tunnelAddr != "" {
				a.cfg.TunnelAddr = tunnelAddr
			}
			if useTLS {
				a.cfg.TLS = true
			}
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runDaemon(cmd.Context(), a.cfg, a.logger.Logger)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve HTTP, WebSocket and the /mux tunnel on this address")
	cmd.Flags().StringVar(&tunnelAddr, "tunnel", "", "accept raw TCP tunnels on this address")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "serve HTTPS, with a self-signed certificate unless tls_cert is set")
	return cmd
}

func runDaemon(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shell := cfg.Shell
	if shell == "" {
		shell = pty.DefaultShell()
	}
	checks := preflight.CheckAll(preflight.Inputs{Shell: shell, AgentSocket: cfg.AgentSocket, DataDir: cfg.DataDir}, logger)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.MigrateAll(database); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	store := db.NewStore(database)
	if n, err := store.MarkInterrupted(ctx, "daemon restarted"); err != nil {
		logger.Warn("failed to reconcile sessions", "err", err)
	} else if n > 0 {
		logger.Info("marked interrupted sessions stopped", "count", n)
	}

	reg := registry.New(registry.Options{
		Opener:         newOpener(cfg, shell, logger),
		Store:          store,
		Logger:         logger,
		ReadBufferSize: cfg.ReadBufferSize,
		PollInterval:   cfg.PollInterval,
		QueueCapacity:  cfg.QueueCapacity,
		TerminateGrace: cfg.TerminateGrace,
	})
	gw := gateway.New(reg, store, logger)
	shep := shepherd.NewServer(gw, logger)

	ln, err := shepherd.Listen(cfg.SocketPath, cfg.PIDPath, logger)
	if err != nil {
		return err
	}
	defer shepherd.RemoveFiles(cfg.SocketPath, cfg.PIDPath)

	tun := tunnel.NewServer(shep, cfg.Token, logger)

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() { runErr = err })
		stop()
	}

	var httpSrv *server.Server
	if cfg.HTTPAddr != "" {
		var tlsCfg *tls.Config
		if cfg.TLS || cfg.TLSCert != "" {
			tlsCfg, err = server.TLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSDir())
			if err != nil {
				ln.Close()
				return err
			}
		}
		httpSrv = server.New(server.Options{
			Gateway: gw,
			Tunnel:  tun.Handler(),
			Token:   cfg.Token,
			Checks:  checks,
			Logger:  logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(httpSrv.ListenAndServe(ctx, cfg.HTTPAddr, tlsCfg))
		}()
	}
	if cfg.TunnelAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(tun.ListenAndServe(ctx, cfg.TunnelAddr))
		}()
	}

	reaper := cron.New()
	if _, err := reaper.AddFunc(cfg.ReapSchedule, func() {
		reg.ReapStopped()
		if httpSrv != nil {
			if n := httpSrv.ExpireIdleClients(cfg.RPCIdleTimeout); n > 0 {
				logger.Debug("expired idle rpc clients", "count", n)
			}
		}
	}); err != nil {
		ln.Close()
		return fmt.Errorf("schedule reaper: %w", err)
	}
	reaper.Start()

	logger.Info("daemon started", "socket", cfg.SocketPath, "version", Version)
	fail(shep.Serve(ctx, ln))
	stop()

	logger.Info("shutting down")
	<-reaper.Stop().Done()
	wg.Wait()
	shep.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	reg.Shutdown(shutdownCtx)
	logger.Info("daemon stopped")
	return runErr
}

func newOpener(cfg config.Config, shell string, logger *log.Logger) *registry.DefaultOpener {
	classifier, err := remoteshell.NewKnownHostsClassifier(cfg.KnownHosts)
	if err != nil {
		logger.Warn("ignoring known_hosts", "err", err)
		classifier = nil
	}
	remote := remoteshell.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		AuthTimeout:    cfg.AuthTimeout,
		ChannelTimeout: cfg.ChannelTimeout,
		CloseTimeout:   cfg.CloseTimeout,
		Logger:         logger,
	}
	if classifier != nil {
		remote.Classifier = classifier
	}
	if cfg.AgentSocket != "" {
		remote.AgentDialer = remoteshell.SocketAgentDialer(cfg.AgentSocket)
	}
	return &registry.DefaultOpener{Shell: shell, Term: cfg.Term, Remote: remote}
}
