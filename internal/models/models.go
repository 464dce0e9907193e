package models

import (
	"fmt"
	"time"
)

// Kind identifies what a session's backend is connected to.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
	KindSerial Kind = "serial"
)

// State is the lifecycle state of a session.
type State string

const (
	StateRunning  State = "running"
	StateDetached State = "detached"
	StateStopped  State = "stopped"
)

// Config is the configuration snapshot a session was created with.
// It never carries credentials; see AuthMethod.
type Config struct {
	Kind  Kind              `json:"kind"`
	Shell string            `json:"shell,omitempty"`
	Args  []string          `json:"args,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Cols  uint16            `json:"cols"`
	Rows  uint16            `json:"rows"`
	Env   map[string]string `json:"env,omitempty"`
	Term  string            `json:"term,omitempty"`

	// Remote sessions
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	User string `json:"user,omitempty"`

	// Serial sessions
	Device string `json:"device,omitempty"`
	Baud   int    `json:"baud,omitempty"`
}

// Validate checks the fields required by the config's kind.
func (c Config) Validate() error {
	if c.Cols == 0 || c.Rows == 0 {
		return Errorf(ErrKindInvalidRequest, "cols and rows must be positive")
	}
	if c.Cols > MaxTermCols || c.Rows > MaxTermRows {
		return Errorf(ErrKindInvalidRequest, "terminal size %dx%d exceeds %dx%d", c.Cols, c.Rows, MaxTermCols, MaxTermRows)
	}
	switch c.Kind {
	case KindLocal:
	case KindRemote:
		if c.Host == "" {
			return Errorf(ErrKindInvalidRequest, "remote session requires host")
		}
		if c.Port < 0 || c.Port > 65535 {
			return Errorf(ErrKindInvalidRequest, "invalid port %d", c.Port)
		}
	case KindSerial:
		if c.Device == "" {
			return Errorf(ErrKindInvalidRequest, "serial session requires device")
		}
	default:
		return Errorf(ErrKindInvalidRequest, "unknown session kind %q", c.Kind)
	}
	return nil
}

// Address returns host:port for remote sessions.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Terminal size bounds accepted from clients.
const (
	MaxTermCols uint16 = 500
	MaxTermRows uint16 = 500
)

// MaxInputSize is the largest single send_input payload accepted.
const MaxInputSize = 64 * 1024

// AuthType tags an AuthMethod variant.
type AuthType string

const (
	AuthPassword  AuthType = "password"
	AuthPublicKey AuthType = "public_key"
	AuthAgent     AuthType = "agent"
)

// AuthMethod is how a remote session authenticates. It is held in memory
// for the duration of a connection attempt only and is never persisted.
type AuthMethod struct {
	Type       AuthType `json:"type" cbor:"type"`
	Password   string   `json:"password,omitempty" cbor:"password,omitempty"`
	KeyPath    string   `json:"key_path,omitempty" cbor:"key_path,omitempty"`
	Passphrase string   `json:"passphrase,omitempty" cbor:"passphrase,omitempty"`
	// AgentSocket overrides $SSH_AUTH_SOCK for agent authentication.
	AgentSocket string `json:"agent_socket,omitempty" cbor:"agent_socket,omitempty"`
}

func PasswordAuth(secret string) *AuthMethod {
	return &AuthMethod{Type: AuthPassword, Password: secret}
}

func PublicKeyAuth(path, passphrase string) *AuthMethod {
	return &AuthMethod{Type: AuthPublicKey, KeyPath: path, Passphrase: passphrase}
}

func AgentAuth() *AuthMethod {
	return &AuthMethod{Type: AuthAgent}
}

// Validate checks that the variant carries what it needs.
func (a *AuthMethod) Validate() error {
	if a == nil {
		return Errorf(ErrKindInvalidRequest, "remote session requires auth")
	}
	switch a.Type {
	case AuthPassword:
	case AuthPublicKey:
		if a.KeyPath == "" {
			return Errorf(ErrKindInvalidRequest, "public_key auth requires key_path")
		}
	case AuthAgent:
	default:
		return Errorf(ErrKindInvalidRequest, "unknown auth type %q", a.Type)
	}
	return nil
}

// HostIdentity is what the remote shell client learned about the host key.
// Known and Changed are informational; nothing in the daemon acts on them.
type HostIdentity struct {
	Fingerprint string `json:"fingerprint" cbor:"fingerprint"`
	Known       bool   `json:"known" cbor:"known"`
	Changed     bool   `json:"changed" cbor:"changed"`
}

// Summary is the listing view of a session, and also the record persisted
// to the metadata store.
type Summary struct {
	ID         string        `json:"id" cbor:"id"`
	Name       string        `json:"name" cbor:"name"`
	Kind       Kind          `json:"kind" cbor:"kind"`
	State      State         `json:"state" cbor:"state"`
	CreatedAt  time.Time     `json:"created_at" cbor:"created_at"`
	LastActive time.Time     `json:"last_active" cbor:"last_active"`
	Clients    int           `json:"clients" cbor:"clients"`
	Config     Config        `json:"config" cbor:"config"`
	Host       *HostIdentity `json:"host_identity,omitempty" cbor:"host_identity,omitempty"`
	// Cause explains why a stopped session stopped, when known.
	Cause string `json:"cause,omitempty" cbor:"cause,omitempty"`
}

// Status is the daemon-wide snapshot returned by get_status.
type Status struct {
	NumSessions int           `json:"num_sessions" cbor:"num_sessions"`
	NumClients  int           `json:"num_clients" cbor:"num_clients"`
	Uptime      time.Duration `json:"uptime" cbor:"uptime"`
}

// Check is one preflight result reported at daemon start and by /api/health.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type HealthResponse struct {
	Status string  `json:"status"`
	Checks []Check `json:"checks"`
	Uptime string  `json:"uptime"`
}
