// Package server is the daemon's HTTP surface: REST, JSON-RPC over POST,
// websockets and the tunnel endpoint, behind one router.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/peterje/shepherd/internal/api"
	"github.com/peterje/shepherd/internal/gateway"
	"github.com/peterje/shepherd/internal/models"
	"github.com/peterje/shepherd/internal/ws"
)

type Options struct {
	Gateway *gateway.Gateway
	// Tunnel serves /mux when set. It checks its own token.
	Tunnel http.Handler
	Token  string
	// Checks are the preflight results reported by /api/health.
	Checks []models.Check
	Logger *log.Logger
}

type Server struct {
	router  chi.Router
	auth    *Auth
	rpc     *rpcHandler
	checks  []models.Check
	started time.Time
	logger  *log.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		router:  chi.NewRouter(),
		auth:    NewAuth(opts.Token),
		rpc:     newRPCHandler(opts.Gateway),
		checks:  opts.Checks,
		started: time.Now(),
		logger:  logger.With("component", "http"),
	}
	s.routes(opts)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(opts Options) {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))

	// Health is exempt from auth
	r.Get("/api/health", s.handleHealth)

	if opts.Tunnel != nil {
		r.Handle("/mux", opts.Tunnel)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/api/ticket", s.auth.HandleTicket)
		r.Route("/api", api.NewSessionsHandler(opts.Gateway).Routes)
		r.Post("/rpc", s.rpc.ServeHTTP)
		r.Handle("/ws", ws.NewHandler(opts.Gateway, s.logger))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	for _, c := range s.checks {
		if !c.OK {
			status = "degraded"
			break
		}
	}
	checks := s.checks
	if checks == nil {
		checks = []models.Check{}
	}
	api.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Status: status,
		Checks: checks,
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

// ExpireIdleClients drops /rpc clients idle for longer than maxIdle.
func (s *Server) ExpireIdleClients(maxIdle time.Duration) int {
	return s.rpc.ExpireIdle(maxIdle)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. A nil tlsCfg serves plain HTTP.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, ln, tlsCfg)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, tlsCfg *tls.Config) error {
	httpSrv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsCfg,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	scheme := "http"
	if tlsCfg != nil {
		scheme = "https"
	}
	s.logger.Info("serving", "url", fmt.Sprintf("%s://%s", scheme, ln.Addr()))

	var err error
	if tlsCfg != nil {
		err = httpSrv.ServeTLS(ln, "", "")
	} else {
		err = httpSrv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
