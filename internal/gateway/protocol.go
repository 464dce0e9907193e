package gateway

import (
	"github.com/peterje/shepherd/internal/models"
)

// Methods understood by the dispatcher.
const (
	MethodCreateSession  = "create_session"
	MethodListSessions   = "list_sessions"
	MethodAttachSession  = "attach_session"
	MethodDetachSession  = "detach_session"
	MethodSendInput      = "send_input"
	MethodReceiveOutput  = "receive_output"
	MethodResizeTerminal = "resize_terminal"
	MethodTerminate      = "terminate_session"
	MethodGetStatus      = "get_status"
	MethodPing           = "ping"
	MethodListPersisted  = "list_persisted"
	MethodForgetSession  = "forget_session"
	MethodRestoreSession = "restore_session"
	NotifyOutput         = "output"
	NotifySessionStopped = "session_stopped"
	maxReceiveTimeoutMS  = 30_000
)

// Params is a request's undecoded parameters. Each codec supplies its own
// implementation so one dispatcher serves JSON and CBOR transports.
type Params interface {
	Decode(v any) error
}

// Request is the envelope every transport decodes into.
type Request struct {
	ID     any
	Method string
	Params Params
}

// Response carries exactly one of Result or Error.
type Response struct {
	ID     any        `json:"id" cbor:"id"`
	Result any        `json:"result,omitempty" cbor:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty" cbor:"error,omitempty"`
}

type ErrorBody struct {
	Kind    models.ErrorKind `json:"kind" cbor:"kind"`
	Message string           `json:"message" cbor:"message"`
}

// Notification is a server push with no id.
type Notification struct {
	Method string `json:"method" cbor:"method"`
	Params any    `json:"params" cbor:"params"`
}

type OutputParams struct {
	SessionID string `json:"session_id" cbor:"session_id"`
	Data      []byte `json:"data" cbor:"data"`
}

type StoppedParams struct {
	SessionID string `json:"session_id" cbor:"session_id"`
	Cause     string `json:"cause,omitempty" cbor:"cause,omitempty"`
}

type CreateSessionParams struct {
	Name  string            `json:"name" cbor:"name"`
	Kind  models.Kind       `json:"kind" cbor:"kind"`
	Cols  uint16            `json:"cols" cbor:"cols"`
	Rows  uint16            `json:"rows" cbor:"rows"`
	Shell string            `json:"shell,omitempty" cbor:"shell,omitempty"`
	Args  []string          `json:"args,omitempty" cbor:"args,omitempty"`
	Cwd   string            `json:"cwd,omitempty" cbor:"cwd,omitempty"`
	Env   map[string]string `json:"env,omitempty" cbor:"env,omitempty"`
	Term  string            `json:"term,omitempty" cbor:"term,omitempty"`

	Host string             `json:"host,omitempty" cbor:"host,omitempty"`
	Port int                `json:"port,omitempty" cbor:"port,omitempty"`
	User string             `json:"user,omitempty" cbor:"user,omitempty"`
	Auth *models.AuthMethod `json:"auth,omitempty" cbor:"auth,omitempty"`

	Device string `json:"device,omitempty" cbor:"device,omitempty"`
	Baud   int    `json:"baud,omitempty" cbor:"baud,omitempty"`
}

func (p CreateSessionParams) config() models.Config {
	kind := p.Kind
	if kind == "" {
		kind = models.KindLocal
	}
	return models.Config{
		Kind:   kind,
		Shell:  p.Shell,
		Args:   p.Args,
		Cwd:    p.Cwd,
		Cols:   p.Cols,
		Rows:   p.Rows,
		Env:    p.Env,
		Term:   p.Term,
		Host:   p.Host,
		Port:   p.Port,
		User:   p.User,
		Device: p.Device,
		Baud:   p.Baud,
	}
}

type SessionParams struct {
	SessionID string `json:"session_id" cbor:"session_id"`
}

type DetachParams struct {
	SessionID string `json:"session_id" cbor:"session_id"`
	// ClientID defaults to the calling connection's client.
	ClientID string `json:"client_id,omitempty" cbor:"client_id,omitempty"`
}

type SendInputParams struct {
	SessionID string `json:"session_id" cbor:"session_id"`
	Data      []byte `json:"data" cbor:"data"`
}

type ReceiveOutputParams struct {
	SessionID string `json:"session_id" cbor:"session_id"`
	TimeoutMS int    `json:"timeout_ms,omitempty" cbor:"timeout_ms,omitempty"`
}

type ResizeParams struct {
	SessionID string `json:"session_id" cbor:"session_id"`
	Cols      uint16 `json:"cols" cbor:"cols"`
	Rows      uint16 `json:"rows" cbor:"rows"`
}

type RestoreParams struct {
	SessionID string             `json:"session_id" cbor:"session_id"`
	Auth      *models.AuthMethod `json:"auth,omitempty" cbor:"auth,omitempty"`
}

type CreateSessionResult struct {
	SessionID string `json:"session_id" cbor:"session_id"`
}

// AttachResult describes the stream handle. Stream is "push" when the
// transport forwards output itself and "poll" when the caller must use
// receive_output.
type AttachResult struct {
	SessionID string `json:"session_id" cbor:"session_id"`
	ClientID  string `json:"client_id" cbor:"client_id"`
	Stream    string `json:"stream" cbor:"stream"`
}

type SendInputResult struct {
	BytesWritten int `json:"bytes_written" cbor:"bytes_written"`
}

type ReceiveOutputResult struct {
	Data    []byte `json:"data" cbor:"data"`
	Dropped uint64 `json:"dropped,omitempty" cbor:"dropped,omitempty"`
	// Closed is set once the session has stopped and nothing is left.
	Closed bool `json:"closed,omitempty" cbor:"closed,omitempty"`
}

type StatusResult struct {
	NumSessions int     `json:"num_sessions" cbor:"num_sessions"`
	NumClients  int     `json:"num_clients" cbor:"num_clients"`
	Uptime      float64 `json:"uptime" cbor:"uptime"`
}

type OKResult struct {
	OK bool `json:"ok" cbor:"ok"`
}
