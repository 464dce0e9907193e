// Package remoteshell runs an interactive shell on a remote host over SSH
// and exposes it with the same non-blocking surface as a local PTY.
package remoteshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"

	"github.com/peterje/shepherd/internal/models"
	"github.com/peterje/shepherd/internal/pty"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultAuthTimeout    = 15 * time.Second
	DefaultChannelTimeout = 10 * time.Second
	DefaultCloseTimeout   = 2 * time.Second
)

// Options configures Dial.
type Options struct {
	Host string
	Port int
	User string
	Auth *models.AuthMethod

	Term string
	Cols uint16
	Rows uint16

	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	ChannelTimeout time.Duration
	CloseTimeout   time.Duration

	// Classifier labels the host key; nil treats every host as unknown.
	Classifier HostKeyClassifier
	// AgentDialer overrides how agent auth reaches the agent.
	AgentDialer AgentDialer
	// OutputLimit bounds buffered, unread output in bytes.
	OutputLimit int
	Logger      *log.Logger
}

func (o *Options) setDefaults() {
	if o.Port == 0 {
		o.Port = 22
	}
	if o.Term == "" {
		o.Term = "xterm-256color"
	}
	if o.Cols == 0 {
		o.Cols = 80
	}
	if o.Rows == 0 {
		o.Rows = 24
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.ChannelTimeout <= 0 {
		o.ChannelTimeout = DefaultChannelTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.Classifier == nil {
		o.Classifier = unknownHosts
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Client is one SSH connection carrying one interactive shell channel.
type Client struct {
	opts   Options
	addr   string
	logger *log.Logger

	state atomic.Int32

	conn    net.Conn
	ssh     *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	output  *outputBuffer

	identity     models.HostIdentity
	identityOnce sync.Once

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects, authenticates, opens a session channel, requests a PTY and
// starts the login shell. Each phase has its own deadline. On failure the
// connection is torn down and the error carries a models.ErrorKind.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.setDefaults()
	c := &Client{
		opts:   opts,
		addr:   net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		logger: opts.Logger.With("host", opts.Host),
	}
	c.setState(StateConnecting)

	if err := c.connect(ctx); err != nil {
		c.setState(StateFailed)
		// Waits out a host key callback still running on a torn-down conn.
		c.identityOnce.Do(func() {})
		if id := c.identity; id.Fingerprint != "" {
			c.logger.Info("dial failed after host key exchange", "fingerprint", id.Fingerprint, "err", err)
			return nil, &DialError{Host: id, Err: err}
		}
		return nil, err
	}
	return c, nil
}

// DialError is returned by Dial when it fails after the host presented its
// key. Err keeps its models.ErrorKind.
type DialError struct {
	Host models.HostIdentity
	Err  error
}

func (e *DialError) Error() string { return e.Err.Error() }

func (e *DialError) Unwrap() error { return e.Err }

func (c *Client) connect(ctx context.Context) error {
	plan, err := buildAuth(ctx, c.opts.Auth, c.opts.AgentDialer)
	if err != nil {
		return err
	}
	defer plan.Close()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return models.Wrap(models.ErrKindConnectionFailed, err, "dial "+c.addr)
	}
	c.conn = conn

	// Key exchange runs under the connect deadline. The host key callback
	// marks the end of kex and starts the auth deadline.
	conn.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))

	// A cancelled ctx aborts whichever phase is in flight.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cfg := &ssh.ClientConfig{
		User:            c.opts.User,
		Auth:            plan.methods,
		HostKeyCallback: c.hostKeyCallback,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.addr, cfg)
	if err != nil {
		conn.Close()
		return c.classifyHandshakeError(err, plan)
	}
	c.ssh = ssh.NewClient(sshConn, chans, reqs)

	if plan.agent != nil {
		fp, offered, _ := plan.agent.result()
		c.logger.Info("authenticated with agent identity", "fingerprint", fp, "offered", offered)
	} else {
		c.logger.Debug("authenticated", "method", c.opts.Auth.Type)
	}

	if err := c.openShell(); err != nil {
		c.ssh.Close()
		if ctx.Err() != nil {
			return models.Wrap(models.ErrKindConnectionFailed, ctx.Err(), "open shell")
		}
		return err
	}
	conn.SetDeadline(time.Time{})
	return nil
}

func (c *Client) hostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	c.identityOnce.Do(func() {
		known, changed := c.opts.Classifier.Classify(hostname, remote, key)
		c.identity = models.HostIdentity{
			Fingerprint: ssh.FingerprintSHA256(key),
			Known:       known,
			Changed:     changed,
		}
		c.logger.Debug("host key", "fingerprint", c.identity.Fingerprint, "known", known, "changed", changed)
	})
	c.setState(StateAuthenticating)
	c.conn.SetDeadline(time.Now().Add(c.opts.AuthTimeout))
	return nil
}

func (c *Client) classifyHandshakeError(err error, plan *authPlan) error {
	if plan.agent != nil {
		if _, _, agentErr := plan.agent.result(); agentErr != nil {
			return models.Wrap(models.ErrKindConnectionFailed, agentErr, "ssh agent unavailable")
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.Wrap(models.ErrKindConnectionFailed, err, "ssh handshake timed out in "+c.State().String())
	}
	if msg := err.Error(); strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "too many authentication failures") {
		if plan.agent != nil {
			_, offered, _ := plan.agent.result()
			return models.Wrap(models.ErrKindAuthenticationExhausted, err,
				fmt.Sprintf("none of %d agent identities accepted", offered))
		}
		return models.Wrap(models.ErrKindAuthenticationFailed, err, "authentication rejected")
	}
	return models.Wrap(models.ErrKindConnectionFailed, err, "ssh handshake with "+c.addr)
}

func (c *Client) openShell() error {
	c.setState(StateChannelOpen)
	c.conn.SetDeadline(time.Now().Add(c.opts.ChannelTimeout))
	session, err := c.ssh.NewSession()
	if err != nil {
		return c.channelError(err, "open session channel")
	}
	c.session = session

	c.setState(StatePtyRequested)
	c.conn.SetDeadline(time.Now().Add(c.opts.ChannelTimeout))
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := session.RequestPty(c.opts.Term, int(c.opts.Rows), int(c.opts.Cols), modes); err != nil {
		return c.channelError(err, "request pty")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return models.Wrap(models.ErrKindProtocol, err, "stdin pipe")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return models.Wrap(models.ErrKindProtocol, err, "stdout pipe")
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return models.Wrap(models.ErrKindProtocol, err, "stderr pipe")
	}

	c.conn.SetDeadline(time.Now().Add(c.opts.ChannelTimeout))
	if err := session.Shell(); err != nil {
		return c.channelError(err, "start shell")
	}

	c.stdin = stdin
	c.output = newOutputBuffer(c.opts.OutputLimit, 2)
	go c.output.pump(stdout)
	go c.output.pump(stderr)
	c.setState(StateShellActive)
	return nil
}

func (c *Client) channelError(err error, step string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.Wrap(models.ErrKindConnectionFailed, err, step+" timed out")
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		// The transport died under the deadline; report it as a timeout-class failure.
		return models.Wrap(models.ErrKindConnectionFailed, err, step)
	}
	return models.Wrap(models.ErrKindProtocol, err, step)
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// HostIdentity is the host key identity captured during key exchange.
func (c *Client) HostIdentity() models.HostIdentity {
	return c.identity
}

// TryRead returns merged stdout/stderr output, pty.ErrWouldBlock when none
// is buffered, or io.EOF once the remote shell has ended.
func (c *Client) TryRead(buf []byte) (int, error) {
	if c.output == nil {
		return 0, io.EOF
	}
	return c.output.TryRead(buf)
}

func (c *Client) Write(data []byte) (int, error) {
	if c.State() != StateShellActive {
		return 0, models.Errorf(models.ErrKindIO, "remote shell is %s", c.State())
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := c.stdin.Write(data)
	if err != nil {
		return n, models.Wrap(models.ErrKindIO, err, "write to remote shell")
	}
	return n, nil
}

// Resize sends a window-change request. It is a no-op unless the shell is
// active.
func (c *Client) Resize(cols, rows uint16) error {
	if c.State() != StateShellActive {
		return nil
	}
	if err := c.session.WindowChange(int(rows), int(cols)); err != nil {
		return models.Wrap(models.ErrKindIO, err, "window change")
	}
	return nil
}

// Close closes the channel, waits up to CloseTimeout for the output
// streams to finish, then drops the TCP connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.ssh == nil {
			c.setState(StateClosed)
			return
		}
		c.setState(StateClosing)
		if c.stdin != nil {
			c.stdin.Close()
		}
		if c.session != nil {
			c.session.Close()
		}

		deadline := time.Now().Add(c.opts.CloseTimeout)
		for c.output != nil && !c.output.drained() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if c.output != nil {
			c.output.close()
		}
		if err := c.ssh.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
		c.setState(StateClosed)
	})
	return c.closeErr
}

var _ pty.Terminal = (*Client)(nil)
