package remoteshell

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/peterje/shepherd/internal/models"
)

// AgentDialer connects to an SSH agent.
type AgentDialer func(ctx context.Context) (net.Conn, error)

// SocketAgentDialer dials the agent listening on a unix socket. An empty
// path falls back to $SSH_AUTH_SOCK.
func SocketAgentDialer(path string) AgentDialer {
	return func(ctx context.Context) (net.Conn, error) {
		sock := path
		if sock == "" {
			sock = os.Getenv("SSH_AUTH_SOCK")
		}
		if sock == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
		var d net.Dialer
		return d.DialContext(ctx, "unix", sock)
	}
}

// authPlan is the prepared auth method plus what is needed to classify a
// failure afterwards.
type authPlan struct {
	methods []ssh.AuthMethod
	agent   *agentSigners
	closer  io.Closer
}

func (p *authPlan) Close() {
	if p.closer != nil {
		p.closer.Close()
	}
}

func buildAuth(ctx context.Context, method *models.AuthMethod, dialAgent AgentDialer) (*authPlan, error) {
	if err := method.Validate(); err != nil {
		return nil, err
	}

	switch method.Type {
	case models.AuthPassword:
		return &authPlan{methods: []ssh.AuthMethod{ssh.Password(method.Password)}}, nil

	case models.AuthPublicKey:
		pem, err := os.ReadFile(method.KeyPath)
		if err != nil {
			return nil, models.Wrap(models.ErrKindInvalidRequest, err, "read private key")
		}
		var signer ssh.Signer
		if method.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(method.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, models.Wrap(models.ErrKindAuthenticationFailed, err, "parse private key")
		}
		return &authPlan{methods: []ssh.AuthMethod{ssh.PublicKeys(signer)}}, nil

	case models.AuthAgent:
		if dialAgent == nil {
			dialAgent = SocketAgentDialer(method.AgentSocket)
		}
		conn, err := dialAgent(ctx)
		if err != nil {
			return nil, models.Wrap(models.ErrKindConnectionFailed, err, "connect to ssh agent")
		}
		as := &agentSigners{client: agent.NewClient(conn)}
		return &authPlan{
			methods: []ssh.AuthMethod{ssh.PublicKeysCallback(as.Signers)},
			agent:   as,
			closer:  conn,
		}, nil
	}
	return nil, models.Errorf(models.ErrKindInvalidRequest, "unknown auth type %q", method.Type)
}

// agentSigners hands the agent's identities to the SSH handshake in agent
// order and records what happened while they were tried.
type agentSigners struct {
	client agent.ExtendedAgent

	mu        sync.Mutex
	accepted  string
	agentErr  error
	listCount int
}

func (a *agentSigners) Signers() ([]ssh.Signer, error) {
	signers, err := a.client.Signers()
	if err != nil {
		a.fail(fmt.Errorf("list agent identities: %w", err))
		return nil, err
	}
	a.mu.Lock()
	a.listCount = len(signers)
	a.mu.Unlock()

	wrapped := make([]ssh.Signer, len(signers))
	for i, s := range signers {
		wrapped[i] = &trackedSigner{Signer: s, owner: a}
	}
	return wrapped, nil
}

func (a *agentSigners) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.agentErr == nil {
		a.agentErr = err
	}
}

func (a *agentSigners) signed(fingerprint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accepted = fingerprint
}

// result returns the fingerprint of the identity the server accepted, the
// number of identities the agent offered, and any agent failure.
func (a *agentSigners) result() (string, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accepted, a.listCount, a.agentErr
}

type trackedSigner struct {
	ssh.Signer
	owner *agentSigners
}

func (s *trackedSigner) Sign(rand io.Reader, data []byte) (*ssh.Signature, error) {
	sig, err := s.Signer.Sign(rand, data)
	if err != nil {
		s.owner.fail(fmt.Errorf("agent signing: %w", err))
		return nil, err
	}
	s.owner.signed(ssh.FingerprintSHA256(s.PublicKey()))
	return sig, nil
}

// SignWithAlgorithm keeps RSA keys negotiating rsa-sha2 through the wrapper.
func (s *trackedSigner) SignWithAlgorithm(rand io.Reader, data []byte, algorithm string) (*ssh.Signature, error) {
	as, ok := s.Signer.(ssh.AlgorithmSigner)
	if !ok {
		return s.Sign(rand, data)
	}
	sig, err := as.SignWithAlgorithm(rand, data, algorithm)
	if err != nil {
		s.owner.fail(fmt.Errorf("agent signing: %w", err))
		return nil, err
	}
	s.owner.signed(ssh.FingerprintSHA256(s.PublicKey()))
	return sig, nil
}
