package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// Session is the dialling end of a tunnel. Each Open yields an independent
// stream that speaks the shepherd frame protocol.
type Session struct {
	mux *yamux.Session
}

// Dial connects to a daemon's tunnel. rawURL is ws://, wss:// (the /mux
// endpoint) or tcp://host:port. insecure skips certificate checks, for
// daemons using their self-signed certificate.
func Dial(ctx context.Context, rawURL, token string, insecure bool) (*Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse tunnel url: %w", err)
	}

	var rwc io.ReadWriteCloser
	switch u.Scheme {
	case "ws", "wss":
		dialer := websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecure},
		}
		header := http.Header{}
		if token != "" {
			header.Set(TokenHeader, token)
		}
		wsConn, resp, err := dialer.DialContext(ctx, rawURL, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial tunnel: %w (%s)", err, resp.Status)
			}
			return nil, fmt.Errorf("dial tunnel: %w", err)
		}
		rwc = NewWSConn(wsConn)
	case "tcp":
		d := net.Dialer{Timeout: handshakeTimeout}
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial tunnel: %w", err)
		}
		conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		if _, err := fmt.Fprintf(conn, "%s%s\n", preamble, token); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send preamble: %w", err)
		}
		conn.SetWriteDeadline(time.Time{})
		rwc = conn
	default:
		return nil, fmt.Errorf("unsupported tunnel scheme %q", u.Scheme)
	}

	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	mux, err := yamux.Client(rwc, cfg)
	if err != nil {
		rwc.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	return &Session{mux: mux}, nil
}

// Open opens a new stream to the daemon.
func (s *Session) Open() (net.Conn, error) {
	return s.mux.Open()
}

func (s *Session) Close() error {
	return s.mux.Close()
}

// Closed is closed when the tunnel goes away.
func (s *Session) Closed() <-chan struct{} {
	return s.mux.CloseChan()
}
