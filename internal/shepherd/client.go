package shepherd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/peterje/shepherd/internal/gateway"
	"github.com/peterje/shepherd/internal/models"
)

// ErrClientClosed is returned by calls made after the connection went away.
var ErrClientClosed = errors.New("shepherd client closed")

// Client is a connection to the daemon. Calls may be made concurrently;
// responses are matched to requests by id.
type Client struct {
	conn   net.Conn
	connMu sync.Mutex // serialize writes

	pendingMu sync.Mutex
	pending   map[uint64]chan gateway.WireResponse

	streamMu sync.Mutex
	streams  map[string]*Stream

	reqCounter atomic.Uint64
	closeOnce  sync.Once
	closed     chan struct{}
}

// Dial connects to the daemon's unix socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient speaks the frame protocol over an established connection, such
// as a tunnel stream.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan gateway.WireResponse),
		streams: make(map[string]*Stream),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close disconnects from the daemon. The daemon detaches this client from
// every session it was attached to.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Call sends one request and decodes the result into result, which may be
// nil. Daemon errors come back as *models.Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	id := c.reqCounter.Add(1)
	ch := make(chan gateway.WireResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	err := writeControl(c.conn, gateway.WireRequest{ID: id, Method: method, Params: params})
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-ch:
		if result == nil {
			return resp.Err()
		}
		return resp.DecodeResult(result)
	case <-c.closed:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping checks that the daemon is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var res gateway.OKResult
	if err := c.Call(ctx, gateway.MethodPing, nil, &res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("unexpected ping result")
	}
	return nil
}

// Stream is the output of an attached session as pushed by the daemon.
type Stream struct {
	SessionID string

	output chan []byte
	done   chan struct{}
	once   sync.Once
	cause  atomic.Value
}

// Output delivers output chunks in order. It is never closed; select on
// Done as well.
func (s *Stream) Output() <-chan []byte { return s.output }

// Done is closed when the session stops or the connection ends.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cause is the stop reason reported by the daemon, if any.
func (s *Stream) Cause() string {
	v, _ := s.cause.Load().(string)
	return v
}

func (s *Stream) finish(cause string) {
	s.once.Do(func() {
		if cause != "" {
			s.cause.Store(cause)
		}
		close(s.done)
	})
}

// Attach attaches this connection to a session and returns its output
// stream. The stream is registered before the request goes out so that no
// early output is lost.
func (c *Client) Attach(ctx context.Context, sessionID string) (*Stream, error) {
	st := &Stream{SessionID: sessionID, output: make(chan []byte, 64), done: make(chan struct{})}
	c.streamMu.Lock()
	if prev, ok := c.streams[sessionID]; ok {
		c.streamMu.Unlock()
		return prev, nil
	}
	c.streams[sessionID] = st
	c.streamMu.Unlock()

	var res gateway.AttachResult
	if err := c.Call(ctx, gateway.MethodAttachSession, gateway.SessionParams{SessionID: sessionID}, &res); err != nil {
		c.dropStream(sessionID, st)
		return nil, err
	}
	return st, nil
}

// Detach detaches this connection from a session and ends its stream.
func (c *Client) Detach(ctx context.Context, sessionID string) error {
	// End the stream first so a blocked delivery cannot hold up the reply.
	c.streamMu.Lock()
	st, ok := c.streams[sessionID]
	delete(c.streams, sessionID)
	c.streamMu.Unlock()
	if ok {
		st.finish("")
	}
	return c.Call(ctx, gateway.MethodDetachSession, gateway.DetachParams{SessionID: sessionID}, nil)
}

func (c *Client) dropStream(sessionID string, st *Stream) {
	c.streamMu.Lock()
	if c.streams[sessionID] == st {
		delete(c.streams, sessionID)
	}
	c.streamMu.Unlock()
}

// Input sends raw input for a session without waiting for it to be
// written. Use Call with send_input to learn the outcome.
func (c *Client) Input(sessionID string, data []byte) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > models.MaxInputSize {
			chunk = chunk[:models.MaxInputSize]
		}
		c.connMu.Lock()
		err := writeDataFrame(c.conn, frameInput, sessionID, chunk)
		c.connMu.Unlock()
		if err != nil {
			return err
		}
		data = data[len(chunk):]
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()
		c.streamMu.Lock()
		for id, st := range c.streams {
			st.finish("")
			delete(c.streams, id)
		}
		c.streamMu.Unlock()
	}()

	reader := bufio.NewReader(c.conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			return
		}

		switch frameType {
		case frameControl:
			c.handleControlFrame(payload)
		case frameData:
			c.handleDataFrame(payload)
		}
	}
}

func (c *Client) handleControlFrame(payload []byte) {
	var msg control
	if err := gateway.UnmarshalCBOR(payload, &msg); err != nil {
		return
	}

	if msg.Method == gateway.NotifySessionStopped {
		var p gateway.StoppedParams
		if err := gateway.CBORParams(msg.Params).Decode(&p); err != nil {
			return
		}
		c.streamMu.Lock()
		st, ok := c.streams[p.SessionID]
		delete(c.streams, p.SessionID)
		c.streamMu.Unlock()
		if ok {
			st.finish(p.Cause)
		}
		return
	}

	id, ok := msg.ID.(uint64)
	if !ok {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if ok {
		ch <- msg.response()
	}
}

func (c *Client) handleDataFrame(payload []byte) {
	sessionID, data, err := parseDataPayload(payload)
	if err != nil {
		return
	}
	c.streamMu.Lock()
	st := c.streams[sessionID]
	c.streamMu.Unlock()
	if st == nil {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case st.output <- chunk:
	case <-st.done:
	case <-c.closed:
	}
}
