package remoteshell

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/peterje/shepherd/internal/models"
	"github.com/peterje/shepherd/internal/pty"
)

const testPassword = "hunter2"

type testServer struct {
	addr    string
	host    string
	port    int
	hostKey ssh.Signer
}

func newKey(t *testing.T) (ed25519.PrivateKey, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return priv, signer
}

// startServer runs an in-process SSH server accepting testPassword and the
// given public keys. Its shell reports the PTY it got, echoes stdin with an
// "echo:" prefix, writes a line to stderr and reports window changes.
//
// The server accepts any number of auth attempts; see startLimitedServer.
func startServer(t *testing.T, authorized ...ssh.PublicKey) *testServer {
	t.Helper()
	return startLimitedServer(t, -1, authorized...)
}

// startLimitedServer is startServer with an auth attempt limit; 0 keeps the
// library default of 6, as OpenSSH does.
func startLimitedServer(t *testing.T, maxAuthTries int, authorized ...ssh.PublicKey) *testServer {
	t.Helper()
	_, hostSigner := newKey(t)

	cfg := &ssh.ServerConfig{
		MaxAuthTries: maxAuthTries,
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range authorized {
				if ssh.FingerprintSHA256(k) == ssh.FingerprintSHA256(key) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
	})

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &testServer{addr: ln.Addr().String(), host: host, port: port, hostKey: hostSigner}
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	var ptyReq struct {
		Term          string
		Cols, Rows    uint32
		Width, Height uint32
		Modes         string
	}
	for req := range requests {
		switch req.Type {
		case "pty-req":
			ok := ssh.Unmarshal(req.Payload, &ptyReq) == nil
			req.Reply(ok, nil)
		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			fmt.Fprintf(ch, "PTY:%s %dx%d\n", ptyReq.Term, ptyReq.Cols, ptyReq.Rows)
			fmt.Fprintf(ch.Stderr(), "stderr:ready\n")
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						if strings.HasPrefix(string(buf[:n]), "exit") {
							ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
							ch.Close()
							return
						}
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// keyringDialer serves an in-memory agent over a pipe per dial.
func keyringDialer(a agent.Agent) AgentDialer {
	return func(context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			agent.ServeAgent(a, server)
			server.Close()
		}()
		return client, nil
	}
}

func readUntil(t *testing.T, c *Client, target string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var out strings.Builder
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := c.TryRead(buf)
		if n > 0 {
			out.Write(buf[:n])
			if strings.Contains(out.String(), target) {
				return out.String()
			}
		}
		if errors.Is(err, pty.ErrWouldBlock) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("read error waiting for %q: %v, got %q", target, err, out.String())
		}
	}
	t.Fatalf("timeout waiting for %q, got %q", target, out.String())
	return ""
}

func dialOpts(s *testServer, auth *models.AuthMethod) Options {
	return Options{
		Host:           s.host,
		Port:           s.port,
		User:           "tester",
		Auth:           auth,
		Cols:           100,
		Rows:           30,
		ConnectTimeout: 3 * time.Second,
		AuthTimeout:    3 * time.Second,
		ChannelTimeout: 3 * time.Second,
		CloseTimeout:   500 * time.Millisecond,
	}
}

func TestDialPasswordAndEcho(t *testing.T) {
	srv := startServer(t)
	c, err := Dial(context.Background(), dialOpts(srv, models.PasswordAuth(testPassword)))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, StateShellActive, c.State())
	out := readUntil(t, c, "PTY:xterm-256color 100x30", 3*time.Second)
	if !strings.Contains(out, "stderr:ready") {
		readUntil(t, c, "stderr:ready", 3*time.Second)
	}

	_, err = c.Write([]byte("hello\n"))
	require.NoError(t, err)
	readUntil(t, c, "echo:hello", 3*time.Second)
}

func TestDialWrongPassword(t *testing.T) {
	srv := startServer(t)
	_, err := Dial(context.Background(), dialOpts(srv, models.PasswordAuth("nope")))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthenticationFailed)
	assert.Equal(t, models.ErrKindAuthenticationFailed, models.KindOf(err))

	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Equal(t, ssh.FingerprintSHA256(srv.hostKey.PublicKey()), dialErr.Host.Fingerprint)
	assert.False(t, dialErr.Host.Known)
}

func TestDialPublicKeyFile(t *testing.T) {
	priv, signer := newKey(t)
	srv := startServer(t, signer.PublicKey())

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	c, err := Dial(context.Background(), dialOpts(srv, models.PublicKeyAuth(keyPath, "")))
	require.NoError(t, err)
	defer c.Close()
	readUntil(t, c, "PTY:", 3*time.Second)
}

func TestAgentAuthAnyPosition(t *testing.T) {
	const n = 4
	for valid := 0; valid < n; valid++ {
		t.Run(fmt.Sprintf("valid_at_%d", valid), func(t *testing.T) {
			keyring := agent.NewKeyring()
			var accepted ssh.PublicKey
			for i := 0; i < n; i++ {
				priv, signer := newKey(t)
				require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: priv}))
				if i == valid {
					accepted = signer.PublicKey()
				}
			}
			srv := startServer(t, accepted)

			opts := dialOpts(srv, models.AgentAuth())
			opts.AgentDialer = keyringDialer(keyring)
			c, err := Dial(context.Background(), opts)
			require.NoError(t, err)
			defer c.Close()
			assert.Equal(t, StateShellActive, c.State())
		})
	}
}

func TestAgentAuthDefaultServerLimit(t *testing.T) {
	dial := func(t *testing.T, valid, n int) error {
		keyring := agent.NewKeyring()
		var accepted ssh.PublicKey
		for i := 0; i < n; i++ {
			priv, signer := newKey(t)
			require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: priv}))
			if i == valid {
				accepted = signer.PublicKey()
			}
		}
		srv := startLimitedServer(t, 0, accepted)
		opts := dialOpts(srv, models.AgentAuth())
		opts.AgentDialer = keyringDialer(keyring)
		c, err := Dial(context.Background(), opts)
		if err == nil {
			c.Close()
		}
		return err
	}

	t.Run("within_limit", func(t *testing.T) {
		assert.NoError(t, dial(t, 2, 4))
	})
	t.Run("past_limit", func(t *testing.T) {
		// The server hangs up after six rejected identities.
		err := dial(t, 7, 8)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrAuthenticationExhausted)
	})
}

func TestAgentAuthExhausted(t *testing.T) {
	keyring := agent.NewKeyring()
	for i := 0; i < 3; i++ {
		priv, _ := newKey(t)
		require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: priv}))
	}
	_, stranger := newKey(t)
	srv := startServer(t, stranger.PublicKey())

	opts := dialOpts(srv, models.AgentAuth())
	opts.AgentDialer = keyringDialer(keyring)
	_, err := Dial(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthenticationExhausted)
}

func TestAgentUnreachable(t *testing.T) {
	srv := startServer(t)
	opts := dialOpts(srv, models.AgentAuth())
	opts.AgentDialer = func(context.Context) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	_, err := Dial(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnectionFailed)
}

// failingAgent lists identities but cannot sign with them.
type failingAgent struct {
	agent.Agent
}

func (failingAgent) Sign(ssh.PublicKey, []byte) (*ssh.Signature, error) {
	return nil, errors.New("agent went away")
}

func TestAgentFailsMidEnumeration(t *testing.T) {
	keyring := agent.NewKeyring()
	priv, signer := newKey(t)
	require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: priv}))
	srv := startServer(t, signer.PublicKey())

	opts := dialOpts(srv, models.AgentAuth())
	opts.AgentDialer = keyringDialer(failingAgent{keyring})
	_, err := Dial(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnectionFailed)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err = Dial(context.Background(), Options{
		Host: "127.0.0.1", Port: addr.Port, User: "x",
		Auth: models.PasswordAuth("x"), ConnectTimeout: time.Second,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnectionFailed)
	var dialErr *DialError
	assert.False(t, errors.As(err, &dialErr), "no host key was seen")
}

func TestConnectTimeoutDuringKeyExchange(t *testing.T) {
	// Accepts TCP and never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)

	start := time.Now()
	_, err = Dial(context.Background(), Options{
		Host: "127.0.0.1", Port: addr.Port, User: "x",
		Auth: models.PasswordAuth("x"), ConnectTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnectionFailed)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestFingerprintStableAcrossReconnects(t *testing.T) {
	srv := startServer(t)
	want := ssh.FingerprintSHA256(srv.hostKey.PublicKey())

	for i := 0; i < 2; i++ {
		c, err := Dial(context.Background(), dialOpts(srv, models.PasswordAuth(testPassword)))
		require.NoError(t, err)
		id := c.HostIdentity()
		assert.Equal(t, want, id.Fingerprint)
		assert.True(t, strings.HasPrefix(id.Fingerprint, "SHA256:"))
		assert.False(t, id.Known)
		require.NoError(t, c.Close())
	}
}

func TestResizeSendsWindowChange(t *testing.T) {
	srv := startServer(t)
	c, err := Dial(context.Background(), dialOpts(srv, models.PasswordAuth(testPassword)))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Resize(120, 40))
	readUntil(t, c, "resize:120x40", 3*time.Second)
}

func TestCloseEndsStream(t *testing.T) {
	srv := startServer(t)
	c, err := Dial(context.Background(), dialOpts(srv, models.PasswordAuth(testPassword)))
	require.NoError(t, err)

	readUntil(t, c, "PTY:", 3*time.Second)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	// Resize after close is a no-op; writes fail.
	assert.NoError(t, c.Resize(10, 10))
	_, err = c.Write([]byte("x"))
	assert.ErrorIs(t, err, models.ErrIO)
}

func TestRemoteExitYieldsEOF(t *testing.T) {
	srv := startServer(t)
	c, err := Dial(context.Background(), dialOpts(srv, models.PasswordAuth(testPassword)))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("exit\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, err := c.TryRead(buf)
		if errors.Is(err, io.EOF) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected io.EOF after remote exit")
}

func TestKnownHostsClassifier(t *testing.T) {
	srv := startServer(t)
	dir := t.TempDir()

	missing, err := NewKnownHostsClassifier(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	known, changed := missing.Classify(srv.addr, nil, srv.hostKey.PublicKey())
	assert.False(t, known)
	assert.False(t, changed)

	good := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{srv.addr}, srv.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(good, []byte(line+"\n"), 0o600))
	k, err := NewKnownHostsClassifier(good)
	require.NoError(t, err)

	opts := dialOpts(srv, models.PasswordAuth(testPassword))
	opts.Classifier = k
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, c.HostIdentity().Known)
	assert.False(t, c.HostIdentity().Changed)
	c.Close()

	_, other := newKey(t)
	bad := filepath.Join(dir, "known_hosts_changed")
	line = knownhosts.Line([]string{srv.addr}, other.PublicKey())
	require.NoError(t, os.WriteFile(bad, []byte(line+"\n"), 0o600))
	k, err = NewKnownHostsClassifier(bad)
	require.NoError(t, err)

	// A changed key is reported, never rejected.
	opts.Classifier = k
	c, err = Dial(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, c.HostIdentity().Known)
	assert.True(t, c.HostIdentity().Changed)
	c.Close()
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "shell_active", StateShellActive.String())
	assert.Equal(t, "failed", StateFailed.String())
}
