// Package ws serves the gateway over websockets. Text messages carry JSON
// request envelopes and get JSON responses; output is pushed as "output"
// notifications. A binary message is raw input framed as
// [session_id_len(1 byte)][session_id][bytes].
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peterje/shepherd/internal/distributor"
	"github.com/peterje/shepherd/internal/gateway"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Handler struct {
	gw     *gateway.Gateway
	logger *log.Logger
}

func NewHandler(gw *gateway.Gateway, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{gw: gw, logger: logger.With("component", "ws")}
}

// conn serialises writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) Output(sessionID string, data []byte) error {
	return c.writeJSON(gateway.Notification{
		Method: gateway.NotifyOutput,
		Params: gateway.OutputParams{SessionID: sessionID, Data: data},
	})
}

func (c *conn) Stopped(sessionID, cause string) error {
	return c.writeJSON(gateway.Notification{
		Method: gateway.NotifySessionStopped,
		Params: gateway.StoppedParams{SessionID: sessionID, Cause: cause},
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &conn{ws: ws}
	var client *gateway.Client
	client = gateway.NewClient(uuid.NewString(), func(sessionID string, sub *distributor.Subscription) {
		go h.gw.Forward(ctx, client, sessionID, sub, c)
	})
	defer h.gw.Disconnect(client)

	h.logger.Debug("client connected", "client", client.ID, "remote", r.RemoteAddr)

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read failed", "client", client.ID, "err", err)
			}
			h.logger.Debug("client disconnected", "client", client.ID)
			return
		}
		switch msgType {
		case websocket.TextMessage:
			h.handleText(ctx, c, client, msg)
		case websocket.BinaryMessage:
			sessionID, data, err := parseInput(msg)
			if err != nil {
				h.logger.Debug("bad input message", "client", client.ID, "err", err)
				continue
			}
			h.gw.Input(ctx, client, sessionID, data)
		}
	}
}

func (h *Handler) handleText(ctx context.Context, c *conn, client *gateway.Client, msg []byte) {
	req, err := gateway.DecodeJSON(msg)
	var resp gateway.Response
	if err != nil {
		resp = gateway.ErrorResponse(req.ID, err)
	} else {
		resp = h.gw.Handle(ctx, client, req)
	}
	if err := c.writeJSON(resp); err != nil {
		h.logger.Debug("write response", "client", client.ID, "err", err)
	}
}

var errShortInput = errors.New("input message too short")

func parseInput(msg []byte) (string, []byte, error) {
	if len(msg) < 1 {
		return "", nil, errShortInput
	}
	n := int(msg[0])
	if len(msg) < 1+n {
		return "", nil, errShortInput
	}
	return string(msg[1 : 1+n]), msg[1+n:], nil
}

// EncodeInput frames input for a binary message.
func EncodeInput(sessionID string, data []byte) []byte {
	out := make([]byte, 0, 1+len(sessionID)+len(data))
	out = append(out, byte(len(sessionID)))
	out = append(out, sessionID...)
	return append(out, data...)
}

// Message is a decoded server message: a response when ID is set, a
// notification when Method is set.
type Message struct {
	ID     any                `json:"id,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *gateway.ErrorBody `json:"error,omitempty"`
	Method string             `json:"method,omitempty"`
	Params json.RawMessage    `json:"params,omitempty"`
}
