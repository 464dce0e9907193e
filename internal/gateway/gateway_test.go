package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/shepherd/internal/db"
	"github.com/peterje/shepherd/internal/distributor"
	"github.com/peterje/shepherd/internal/models"
	"github.com/peterje/shepherd/internal/registry/registrytest"
)

func newGateway(t *testing.T) (*Gateway, *registrytest.Opener) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "shepherd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.MigrateAll(database))
	store := db.NewStore(database)

	reg, op := registrytest.New(t, store)
	return New(reg, store, nil), op
}

func call(t *testing.T, g *Gateway, c *Client, method string, params any) Response {
	t.Helper()
	var raw []byte
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		require.NoError(t, err)
	}
	return g.Handle(context.Background(), c, Request{ID: 1, Method: method, Params: JSONParams(raw)})
}

func mustOK(t *testing.T, resp Response) any {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	return resp.Result
}

func createLocal(t *testing.T, g *Gateway, c *Client) string {
	t.Helper()
	res := mustOK(t, call(t, g, c, MethodCreateSession, CreateSessionParams{Kind: models.KindLocal, Cols: 80, Rows: 24}))
	return res.(CreateSessionResult).SessionID
}

func TestDecodeJSONEnvelope(t *testing.T) {
	req, err := DecodeJSON([]byte(`{"id":7,"method":"resize_terminal","params":{"session_id":"abc","cols":100,"rows":30}}`))
	require.NoError(t, err)
	assert.Equal(t, float64(7), req.ID)
	assert.Equal(t, MethodResizeTerminal, req.Method)

	var p ResizeParams
	require.NoError(t, req.Params.Decode(&p))
	assert.Equal(t, ResizeParams{SessionID: "abc", Cols: 100, Rows: 30}, p)

	_, err = DecodeJSON([]byte(`{"id":1`))
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = DecodeJSON([]byte(`{"id":1,"params":{}}`))
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestNullParamsDecodeToZero(t *testing.T) {
	var p SessionParams
	require.NoError(t, JSONParams("null").Decode(&p))
	require.NoError(t, JSONParams(nil).Decode(&p))
	require.NoError(t, CBORParams(nil).Decode(&p))
	require.NoError(t, CBORParams([]byte{cborNull}).Decode(&p))
	assert.Empty(t, p.SessionID)
}

func TestCBORRoundTrip(t *testing.T) {
	g, _ := newGateway(t)
	c := NewClient("cli", nil)

	payload, err := EncodeCBOR(WireRequest{ID: uint64(9), Method: MethodCreateSession, Params: CreateSessionParams{Kind: models.KindLocal, Cols: 90, Rows: 20}})
	require.NoError(t, err)
	req, err := DecodeCBOR(payload)
	require.NoError(t, err)

	out, err := EncodeCBOR(g.Handle(context.Background(), c, req))
	require.NoError(t, err)
	var resp WireResponse
	require.NoError(t, UnmarshalCBOR(out, &resp))
	assert.Equal(t, uint64(9), resp.ID)

	var created CreateSessionResult
	require.NoError(t, resp.DecodeResult(&created))
	assert.NotEmpty(t, created.SessionID)

	payload, err = EncodeCBOR(WireRequest{ID: uint64(10), Method: MethodListSessions})
	require.NoError(t, err)
	req, err = DecodeCBOR(payload)
	require.NoError(t, err)
	out, err = EncodeCBOR(g.Handle(context.Background(), c, req))
	require.NoError(t, err)
	require.NoError(t, UnmarshalCBOR(out, &resp))
	var list []models.Summary
	require.NoError(t, resp.DecodeResult(&list))
	require.Len(t, list, 1)
	assert.Equal(t, created.SessionID, list[0].ID)
	assert.Equal(t, uint16(90), list[0].Config.Cols)
	assert.False(t, list[0].CreatedAt.IsZero())
}

func TestWireResponseError(t *testing.T) {
	out, err := EncodeCBOR(ErrorResponse(uint64(1), models.NotFound("x")))
	require.NoError(t, err)
	var resp WireResponse
	require.NoError(t, UnmarshalCBOR(out, &resp))
	var v any
	err = resp.DecodeResult(&v)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Contains(t, err.Error(), "session x not found")
}

func TestPollingClientFlow(t *testing.T) {
	g, _ := newGateway(t)
	c := NewClient("poller", nil)
	id := createLocal(t, g, c)

	res := mustOK(t, call(t, g, c, MethodAttachSession, SessionParams{SessionID: id})).(AttachResult)
	assert.Equal(t, "poll", res.Stream)
	assert.Equal(t, "poller", res.ClientID)
	assert.Equal(t, []string{id}, c.Sessions())

	sent := mustOK(t, call(t, g, c, MethodSendInput, SendInputParams{SessionID: id, Data: []byte("hello\n")})).(SendInputResult)
	assert.Equal(t, 6, sent.BytesWritten)

	var got strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(got.String(), "hello\n") && time.Now().Before(deadline) {
		out := mustOK(t, call(t, g, c, MethodReceiveOutput, ReceiveOutputParams{SessionID: id, TimeoutMS: 200})).(ReceiveOutputResult)
		require.False(t, out.Closed)
		got.Write(out.Data)
	}
	assert.Equal(t, "hello\n", got.String())

	// Nothing pending returns promptly with no data.
	start := time.Now()
	out := mustOK(t, call(t, g, c, MethodReceiveOutput, ReceiveOutputParams{SessionID: id})).(ReceiveOutputResult)
	assert.Empty(t, out.Data)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReceiveOutputReportsClosed(t *testing.T) {
	g, op := newGateway(t)
	c := NewClient("poller", nil)
	id := createLocal(t, g, c)
	mustOK(t, call(t, g, c, MethodAttachSession, SessionParams{SessionID: id}))

	op.Last().Emit("bye\n")
	op.Last().End()

	var got strings.Builder
	closed := false
	deadline := time.Now().Add(5 * time.Second)
	for !closed && time.Now().Before(deadline) {
		out := mustOK(t, call(t, g, c, MethodReceiveOutput, ReceiveOutputParams{SessionID: id, TimeoutMS: 100})).(ReceiveOutputResult)
		got.Write(out.Data)
		closed = out.Closed
	}
	assert.True(t, closed)
	assert.Equal(t, "bye\n", got.String())
	assert.Empty(t, c.Sessions())
}

func TestReceiveOutputRequiresAttachment(t *testing.T) {
	g, _ := newGateway(t)
	c := NewClient("poller", nil)
	id := createLocal(t, g, c)

	resp := call(t, g, c, MethodReceiveOutput, ReceiveOutputParams{SessionID: id})
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindInvalidRequest, resp.Error.Kind)
}

func TestUnknownMethodAndBadParams(t *testing.T) {
	g, _ := newGateway(t)
	c := NewClient("x", nil)

	resp := call(t, g, c, "reboot", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindInvalidRequest, resp.Error.Kind)
	assert.Equal(t, 1, resp.ID)

	resp = g.Handle(context.Background(), c, Request{ID: 2, Method: MethodResizeTerminal, Params: JSONParams(`{"cols":"wide"}`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindInvalidRequest, resp.Error.Kind)

	resp = call(t, g, c, MethodAttachSession, SessionParams{SessionID: "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindNotFound, resp.Error.Kind)

	resp = call(t, g, c, MethodCreateSession, CreateSessionParams{Kind: models.KindRemote, Cols: 80, Rows: 24})
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindInvalidRequest, resp.Error.Kind)
}

type chanSink struct {
	mu      sync.Mutex
	out     strings.Builder
	stopped chan string
}

func newChanSink() *chanSink {
	return &chanSink{stopped: make(chan string, 1)}
}

func (s *chanSink) Output(_ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(data)
	return nil
}

func (s *chanSink) Stopped(_ string, cause string) error {
	s.stopped <- cause
	return nil
}

func (s *chanSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}

func pushClient(g *Gateway, id string, sink *chanSink) *Client {
	ctx := context.Background()
	var c *Client
	c = NewClient(id, func(sessionID string, sub *distributor.Subscription) {
		go g.Forward(ctx, c, sessionID, sub, sink)
	})
	return c
}

func TestPushClientForwardsAndNotifiesStop(t *testing.T) {
	g, _ := newGateway(t)
	sink := newChanSink()
	c := pushClient(g, "pusher", sink)
	id := createLocal(t, g, c)

	res := mustOK(t, call(t, g, c, MethodAttachSession, SessionParams{SessionID: id})).(AttachResult)
	assert.Equal(t, "push", res.Stream)

	mustOK(t, call(t, g, c, MethodSendInput, SendInputParams{SessionID: id, Data: []byte("ping")}))
	require.Eventually(t, func() bool { return sink.String() == "ping" }, 5*time.Second, 5*time.Millisecond)

	resp := call(t, g, c, MethodReceiveOutput, ReceiveOutputParams{SessionID: id})
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindInvalidRequest, resp.Error.Kind)

	mustOK(t, call(t, g, c, MethodTerminate, SessionParams{SessionID: id}))
	select {
	case cause := <-sink.stopped:
		assert.Equal(t, "terminated", cause)
	case <-time.After(5 * time.Second):
		t.Fatal("no stop notification")
	}
	assert.Empty(t, c.Sessions())
}

func TestDetachDoesNotNotifyStop(t *testing.T) {
	g, _ := newGateway(t)
	sink := newChanSink()
	c := pushClient(g, "pusher", sink)
	id := createLocal(t, g, c)

	mustOK(t, call(t, g, c, MethodAttachSession, SessionParams{SessionID: id}))
	mustOK(t, call(t, g, c, MethodDetachSession, DetachParams{SessionID: id}))

	resp := call(t, g, c, MethodDetachSession, DetachParams{SessionID: id})
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindNotFound, resp.Error.Kind)

	select {
	case cause := <-sink.stopped:
		t.Fatalf("unexpected stop notification: %s", cause)
	case <-time.After(100 * time.Millisecond):
	}

	list := mustOK(t, call(t, g, c, MethodListSessions, nil)).([]models.Summary)
	require.Len(t, list, 1)
	assert.Equal(t, models.StateDetached, list[0].State)
}

func TestReattachKeepsOneForwarder(t *testing.T) {
	g, _ := newGateway(t)
	var pushes int
	var mu sync.Mutex
	c := NewClient("twice", func(string, *distributor.Subscription) {
		mu.Lock()
		pushes++
		mu.Unlock()
	})
	id := createLocal(t, g, c)

	mustOK(t, call(t, g, c, MethodAttachSession, SessionParams{SessionID: id}))
	mustOK(t, call(t, g, c, MethodAttachSession, SessionParams{SessionID: id}))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, pushes)
}

func TestDisconnectDetachesEverything(t *testing.T) {
	g, _ := newGateway(t)
	c := NewClient("leaver", nil)
	a := createLocal(t, g, c)
	b := createLocal(t, g, c)
	mustOK(t, call(t, g, c, MethodAttachSession, SessionParams{SessionID: a}))
	mustOK(t, call(t, g, c, MethodAttachSession, SessionParams{SessionID: b}))

	st := mustOK(t, call(t, g, c, MethodGetStatus, nil)).(StatusResult)
	assert.Equal(t, 2, st.NumSessions)
	assert.Equal(t, 2, st.NumClients)

	g.Disconnect(c)
	st = mustOK(t, call(t, g, c, MethodGetStatus, nil)).(StatusResult)
	assert.Equal(t, 2, st.NumSessions)
	assert.Equal(t, 0, st.NumClients)
	assert.Empty(t, c.Sessions())
}

func TestResizeAndPing(t *testing.T) {
	g, op := newGateway(t)
	c := NewClient("x", nil)
	id := createLocal(t, g, c)

	mustOK(t, call(t, g, c, MethodPing, nil))
	mustOK(t, call(t, g, c, MethodResizeTerminal, ResizeParams{SessionID: id, Cols: 132, Rows: 43}))
	assert.Equal(t, [][2]uint16{{132, 43}}, op.Last().Resizes())

	resp := call(t, g, c, MethodResizeTerminal, ResizeParams{SessionID: id, Cols: 0, Rows: 43})
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindInvalidRequest, resp.Error.Kind)
}

func TestPersistenceMethods(t *testing.T) {
	g, _ := newGateway(t)
	c := NewClient("x", nil)
	id := createLocal(t, g, c)

	resp := call(t, g, c, MethodForgetSession, SessionParams{SessionID: id})
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindInvalidRequest, resp.Error.Kind)

	mustOK(t, call(t, g, c, MethodTerminate, SessionParams{SessionID: id}))
	persisted := mustOK(t, call(t, g, c, MethodListPersisted, nil)).([]models.Summary)
	require.Len(t, persisted, 1)
	assert.Equal(t, models.StateStopped, persisted[0].State)
	assert.Equal(t, "terminated", persisted[0].Cause)

	restored := mustOK(t, call(t, g, c, MethodRestoreSession, RestoreParams{SessionID: id})).(CreateSessionResult)
	assert.NotEqual(t, id, restored.SessionID)

	mustOK(t, call(t, g, c, MethodForgetSession, SessionParams{SessionID: id}))
	resp = call(t, g, c, MethodForgetSession, SessionParams{SessionID: id})
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindNotFound, resp.Error.Kind)

	persisted = mustOK(t, call(t, g, c, MethodListPersisted, nil)).([]models.Summary)
	require.Len(t, persisted, 1)
	assert.Equal(t, restored.SessionID, persisted[0].ID)
}

func TestPersistenceDisabledWithoutStore(t *testing.T) {
	reg, _ := registrytest.New(t, nil)
	g := New(reg, nil, nil)
	resp := call(t, g, NewClient("x", nil), MethodListPersisted, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.ErrKindInvalidRequest, resp.Error.Kind)
}
