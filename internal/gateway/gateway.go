// Package gateway is the transport-neutral request dispatcher. Every
// transport (unix socket, websocket, HTTP, tunnel streams) decodes its
// envelopes into a Request, hands it to Gateway.Handle and encodes the
// Response it gets back.
package gateway

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/peterje/shepherd/internal/distributor"
	"github.com/peterje/shepherd/internal/models"
	"github.com/peterje/shepherd/internal/registry"
)

// Store is the persisted-session view the gateway exposes.
type Store interface {
	ListPersisted(ctx context.Context) ([]models.Summary, error)
	Delete(ctx context.Context, id string) error
}

type Gateway struct {
	reg    *registry.Registry
	store  Store
	logger *log.Logger
}

// New returns a gateway over reg. store may be nil, which disables the
// persistence methods.
func New(reg *registry.Registry, store Store, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{reg: reg, store: store, logger: logger.With("component", "gateway")}
}

// Handle dispatches one request on behalf of c. It never returns an error:
// failures are carried in the Response.
func (g *Gateway) Handle(ctx context.Context, c *Client, req Request) Response {
	result, err := g.dispatch(ctx, c, req)
	if err != nil {
		kind := models.KindOf(err)
		if kind == models.ErrKindInternal {
			g.logger.Error("request failed", "method", req.Method, "client", c.ID, "err", err)
		} else {
			g.logger.Debug("request rejected", "method", req.Method, "client", c.ID, "kind", kind, "err", err)
		}
		return ErrorResponse(req.ID, err)
	}
	return Response{ID: req.ID, Result: result}
}

// ErrorResponse builds the error form of a response.
func ErrorResponse(id any, err error) Response {
	return Response{ID: id, Error: &ErrorBody{Kind: models.KindOf(err), Message: err.Error()}}
}

// Disconnect releases every attachment c holds.
func (g *Gateway) Disconnect(c *Client) {
	n := g.reg.DetachAll(c.ID)
	for _, id := range c.Sessions() {
		c.forget(id, nil)
	}
	if n > 0 {
		g.logger.Debug("client disconnected", "client", c.ID, "detached", n)
	}
}

// Input writes raw input for transports that carry it outside the request
// envelope. There is no response, so failures are only logged.
func (g *Gateway) Input(ctx context.Context, c *Client, sessionID string, data []byte) {
	if _, err := g.reg.SendInput(ctx, sessionID, data); err != nil {
		g.logger.Debug("input dropped", "session", sessionID, "client", c.ID, "err", err)
	}
}

func decode(p Params, v any) error {
	if p == nil {
		return nil
	}
	if err := p.Decode(v); err != nil {
		return models.Wrap(models.ErrKindInvalidRequest, err, "invalid params")
	}
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, req Request) (any, error) {
	switch req.Method {
	case MethodCreateSession:
		var p CreateSessionParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := g.reg.Create(ctx, p.Name, p.config(), p.Auth)
		if err != nil {
			return nil, err
		}
		return CreateSessionResult{SessionID: id}, nil

	case MethodListSessions:
		return g.reg.List(), nil

	case MethodAttachSession:
		var p SessionParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return g.attach(c, p.SessionID)

	case MethodDetachSession:
		var p DetachParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		clientID := p.ClientID
		if clientID == "" {
			clientID = c.ID
		}
		if clientID == c.ID {
			c.forget(p.SessionID, nil)
		}
		if err := g.reg.Detach(p.SessionID, clientID); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case MethodSendInput:
		var p SendInputParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		n, err := g.reg.SendInput(ctx, p.SessionID, p.Data)
		if err != nil {
			return nil, err
		}
		return SendInputResult{BytesWritten: n}, nil

	case MethodReceiveOutput:
		var p ReceiveOutputParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return g.receive(ctx, c, p)

	case MethodResizeTerminal:
		var p ResizeParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		if err := g.reg.Resize(ctx, p.SessionID, p.Cols, p.Rows); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case MethodTerminate:
		var p SessionParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		if err := g.reg.Terminate(ctx, p.SessionID); err != nil {
			return nil, err
		}
		if c.push == nil {
			c.forget(p.SessionID, nil)
		}
		return OKResult{OK: true}, nil

	case MethodGetStatus:
		st := g.reg.Status()
		return StatusResult{
			NumSessions: st.NumSessions,
			NumClients:  st.NumClients,
			Uptime:      st.Uptime.Seconds(),
		}, nil

	case MethodPing:
		return OKResult{OK: true}, nil

	case MethodListPersisted:
		if g.store == nil {
			return nil, models.Errorf(models.ErrKindInvalidRequest, "persistence is disabled")
		}
		return g.store.ListPersisted(ctx)

	case MethodForgetSession:
		var p SessionParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		if g.store == nil {
			return nil, models.Errorf(models.ErrKindInvalidRequest, "persistence is disabled")
		}
		if sum, err := g.reg.Get(p.SessionID); err == nil && sum.State != models.StateStopped {
			return nil, models.Errorf(models.ErrKindInvalidRequest, "session %s is still running", p.SessionID)
		}
		if err := g.store.Delete(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case MethodRestoreSession:
		var p RestoreParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := g.reg.Restore(ctx, p.SessionID, p.Auth)
		if err != nil {
			return nil, err
		}
		return CreateSessionResult{SessionID: id}, nil

	default:
		return nil, models.Errorf(models.ErrKindInvalidRequest, "unknown method %q", req.Method)
	}
}

func (g *Gateway) attach(c *Client, sessionID string) (AttachResult, error) {
	sub, err := g.reg.Attach(sessionID, c.ID)
	if err != nil {
		return AttachResult{}, err
	}
	if c.remember(sessionID, sub) && c.push != nil {
		c.push(sessionID, sub)
	}
	return AttachResult{SessionID: sessionID, ClientID: c.ID, Stream: c.streamMode()}, nil
}

func (g *Gateway) receive(ctx context.Context, c *Client, p ReceiveOutputParams) (ReceiveOutputResult, error) {
	if c.push != nil {
		return ReceiveOutputResult{}, models.Errorf(models.ErrKindInvalidRequest, "output is pushed on this connection")
	}
	sub, ok := c.subscription(p.SessionID)
	if !ok {
		return ReceiveOutputResult{}, models.Errorf(models.ErrKindInvalidRequest, "not attached to session %s", p.SessionID)
	}

	timeout := p.TimeoutMS
	if timeout < 0 {
		timeout = 0
	}
	if timeout > maxReceiveTimeoutMS {
		timeout = maxReceiveTimeoutMS
	}

	first, ok, err := sub.TryRecv()
	if !ok && err == nil && timeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		first, err = sub.Recv(waitCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	data := append([]byte{}, first...)
	data = append(data, sub.Drain()...)
	res := ReceiveOutputResult{Data: data, Dropped: sub.Dropped()}
	if errors.Is(err, io.EOF) || (len(data) == 0 && sub.Closed()) {
		res.Closed = true
		c.forget(p.SessionID, sub)
	}
	return res, nil
}

// Sink receives what Forward reads from a subscription.
type Sink interface {
	Output(sessionID string, data []byte) error
	Stopped(sessionID, cause string) error
}

// Forward copies sub to sink until the subscription closes, ctx is done or
// the sink fails. When the subscription closed because the session
// stopped, rather than because c detached, sink.Stopped is called.
func (g *Gateway) Forward(ctx context.Context, c *Client, sessionID string, sub *distributor.Subscription, sink Sink) {
	for {
		data, err := sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				g.finish(c, sessionID, sub, sink)
			}
			return
		}
		if err := sink.Output(sessionID, data); err != nil {
			g.logger.Debug("forward output", "session", sessionID, "client", c.ID, "err", err)
			return
		}
	}
}

func (g *Gateway) finish(c *Client, sessionID string, sub *distributor.Subscription, sink Sink) {
	if !c.forget(sessionID, sub) {
		return
	}
	cause := "terminated"
	if sum, err := g.reg.Get(sessionID); err == nil {
		if sum.State != models.StateStopped {
			// Detached on c's behalf by another caller.
			return
		}
		if sum.Cause != "" {
			cause = sum.Cause
		}
	}
	if err := sink.Stopped(sessionID, cause); err != nil {
		g.logger.Debug("notify stopped", "session", sessionID, "client", c.ID, "err", err)
	}
}
