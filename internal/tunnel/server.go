// Package tunnel multiplexes many shepherd connections over one websocket
// or TCP connection with yamux, so remote CLIs can reach the daemon
// through a single port.
package tunnel

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// TokenHeader carries the shared token on websocket upgrades.
const TokenHeader = "X-Shepherd-Token"

// preamble opens every raw TCP tunnel: "SHEPHERD <token>\n".
const preamble = "SHEPHERD "

const handshakeTimeout = 10 * time.Second

var tunnelUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ConnServer runs the frame protocol on one stream.
type ConnServer interface {
	ServeConn(ctx context.Context, conn io.ReadWriteCloser)
}

// Server accepts tunnels and serves every yamux stream opened on them.
type Server struct {
	conns  ConnServer
	token  string
	logger *log.Logger
}

// NewServer returns a tunnel server. An empty token disables the check,
// which is only sensible on loopback.
func NewServer(conns ConnServer, token string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{conns: conns, token: token, logger: logger.With("component", "tunnel")}
}

func (s *Server) authorized(got string) bool {
	if s.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

// Handler returns the HTTP handler for the /mux endpoint.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r.Header.Get(TokenHeader)) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		wsConn, err := tunnelUpgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		s.serve(r.Context(), NewWSConn(wsConn), r.RemoteAddr)
	}
}

// ListenAndServe accepts raw TCP tunnels on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tunnel listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts raw TCP tunnels on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("tunnel listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tunnel accept: %w", err)
		}
		go func() {
			rwc, err := s.handshake(conn)
			if err != nil {
				s.logger.Warn("tunnel rejected", "remote", conn.RemoteAddr().String(), "err", err)
				conn.Close()
				return
			}
			s.serve(ctx, rwc, conn.RemoteAddr().String())
		}()
	}
}

// bufferedConn keeps bytes read past the preamble.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (s *Server) handshake(conn net.Conn) (io.ReadWriteCloser, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read preamble: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, preamble) {
		return nil, errors.New("bad preamble")
	}
	if !s.authorized(strings.TrimPrefix(line, preamble)) {
		return nil, errors.New("bad token")
	}
	return &bufferedConn{Conn: conn, r: r}, nil
}

// serve runs a yamux server on rwc until the peer goes away.
func (s *Server) serve(ctx context.Context, rwc io.ReadWriteCloser, remote string) {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Server(rwc, cfg)
	if err != nil {
		s.logger.Warn("yamux server", "remote", remote, "err", err)
		rwc.Close()
		return
	}
	defer session.Close()

	s.logger.Info("tunnel connected", "remote", remote)
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	for {
		stream, err := session.Accept()
		if err != nil {
			s.logger.Info("tunnel disconnected", "remote", remote)
			return
		}
		go s.conns.ServeConn(ctx, stream)
	}
}
