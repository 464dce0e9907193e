package server

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peterje/shepherd/internal/api"
	"github.com/peterje/shepherd/internal/gateway"
)

// ClientIDHeader names the polling client an /rpc request belongs to.
const ClientIDHeader = "X-Client-ID"

const maxRPCBody = 1 << 20

type rpcClient struct {
	client   *gateway.Client
	lastSeen time.Time
}

// rpcHandler serves JSON envelopes over plain HTTP. Callers keep their
// attachments across requests by repeating the client id; output is read
// with receive_output.
type rpcHandler struct {
	gw *gateway.Gateway

	mu      sync.Mutex
	now     func() time.Time
	clients map[string]*rpcClient
}

func newRPCHandler(gw *gateway.Gateway) *rpcHandler {
	return &rpcHandler{gw: gw, now: time.Now, clients: make(map[string]*rpcClient)}
}

func (h *rpcHandler) client(id string) *gateway.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.clients[id]
	if !ok {
		rc = &rpcClient{client: gateway.NewClient(id, nil)}
		h.clients[id] = rc
	}
	rc.lastSeen = h.now()
	return rc.client
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(ClientIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(ClientIDHeader, id)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := gateway.DecodeJSON(body)
	if err != nil {
		api.WriteJSON(w, http.StatusOK, gateway.ErrorResponse(req.ID, err))
		return
	}
	api.WriteJSON(w, http.StatusOK, h.gw.Handle(r.Context(), h.client(id), req))
}

// ExpireIdle disconnects polling clients not seen for maxIdle, detaching
// them from their sessions. It returns how many were dropped.
func (h *rpcHandler) ExpireIdle(maxIdle time.Duration) int {
	var idle []*gateway.Client
	h.mu.Lock()
	cutoff := h.now().Add(-maxIdle)
	for id, rc := range h.clients {
		if rc.lastSeen.Before(cutoff) {
			idle = append(idle, rc.client)
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()

	for _, c := range idle {
		h.gw.Disconnect(c)
	}
	return len(idle)
}
