// Package shepherd is the daemon's local transport: a unix socket speaking
// length-prefixed frames, and the client the CLI uses to talk to it.
package shepherd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/peterje/shepherd/internal/distributor"
	"github.com/peterje/shepherd/internal/gateway"
)

// connWriter wraps a connection with a mutex for safe concurrent writes.
type connWriter struct {
	conn io.Writer
	mu   sync.Mutex
}

func (cw *connWriter) writeControl(msg any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeControl(cw.conn, msg)
}

func (cw *connWriter) writeDataFrame(frameType byte, sessionID string, data []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeDataFrame(cw.conn, frameType, sessionID, data)
}

// Output implements gateway.Sink with data frames.
func (cw *connWriter) Output(sessionID string, data []byte) error {
	return cw.writeDataFrame(frameData, sessionID, data)
}

// Stopped implements gateway.Sink with a notification.
func (cw *connWriter) Stopped(sessionID, cause string) error {
	return cw.writeControl(gateway.Notification{
		Method: gateway.NotifySessionStopped,
		Params: gateway.StoppedParams{SessionID: sessionID, Cause: cause},
	})
}

// Server accepts framed connections and hands their requests to the
// gateway. The same per-connection loop serves tunnel streams.
type Server struct {
	gw     *gateway.Gateway
	logger *log.Logger

	mu     sync.Mutex
	conns  map[io.Closer]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(gw *gateway.Gateway, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		gw:     gw,
		logger: logger.With("component", "shepherd"),
		conns:  make(map[io.Closer]struct{}),
	}
}

// Listen prepares the socket: it refuses to start when another daemon
// answers on it, clears stale files, writes the pid file and listens with
// owner-only permissions.
func Listen(socketPath, pidPath string, logger *log.Logger) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(socketPath, pidPath, logger); err != nil {
		return nil, fmt.Errorf("clean stale socket: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		os.Remove(pidPath)
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		os.Remove(pidPath)
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Serve accepts connections until ln is closed or ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("listening", "addr", ln.Addr().String(), "pid", os.Getpid())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs the frame loop on one connection until it closes.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	cw := &connWriter{conn: conn}
	var client *gateway.Client
	client = gateway.NewClient(uuid.NewString(), func(sessionID string, sub *distributor.Subscription) {
		go s.gw.Forward(ctx, client, sessionID, sub, cw)
	})

	defer func() {
		cancel()
		s.gw.Disconnect(client)
		s.untrack(conn)
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection closed", "client", client.ID, "err", err)
			}
			return
		}

		switch frameType {
		case frameControl:
			s.handleControl(ctx, cw, client, payload)
		case frameInput:
			sessionID, data, err := parseDataPayload(payload)
			if err != nil {
				s.logger.Debug("bad input frame", "client", client.ID, "err", err)
				continue
			}
			s.gw.Input(ctx, client, sessionID, data)
		default:
			s.logger.Debug("unknown frame type", "client", client.ID, "type", frameType)
		}
	}
}

func (s *Server) handleControl(ctx context.Context, cw *connWriter, client *gateway.Client, payload []byte) {
	req, err := gateway.DecodeCBOR(payload)
	var resp gateway.Response
	if err != nil {
		resp = gateway.ErrorResponse(req.ID, err)
	} else {
		resp = s.gw.Handle(ctx, client, req)
	}
	if err := cw.writeControl(resp); err != nil {
		s.logger.Debug("write response", "client", client.ID, "err", err)
	}
}

func (s *Server) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close drops every open connection and waits for their loops to end.
// The listener is closed by cancelling Serve's context.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]io.Closer, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

// RemoveFiles deletes the socket and pid file on shutdown.
func RemoveFiles(socketPath, pidPath string) {
	os.Remove(socketPath)
	os.Remove(pidPath)
}

// cleanStaleSocket removes a stale socket file if the daemon is not running.
func cleanStaleSocket(socketPath, pidPath string, logger *log.Logger) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	// Try to connect to see if it's alive
	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("daemon already running (socket active)")
	}

	// Socket exists but can't connect, check PID file
	pidData, err := os.ReadFile(pidPath)
	if err == nil {
		pid, err := strconv.Atoi(string(pidData))
		if err == nil && pid != os.Getpid() {
			proc, err := os.FindProcess(pid)
			if err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("daemon already running (pid %d)", pid)
				}
			}
		}
	}

	if logger != nil {
		logger.Warn("removing stale socket", "path", socketPath)
	}
	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}
