// Package api exposes the gateway as plain REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/peterje/shepherd/internal/gateway"
	"github.com/peterje/shepherd/internal/models"
)

type SessionsHandler struct {
	gw *gateway.Gateway
}

func NewSessionsHandler(gw *gateway.Gateway) *SessionsHandler {
	return &SessionsHandler{gw: gw}
}

// Routes mounts the handlers on r.
func (h *SessionsHandler) Routes(r chi.Router) {
	r.Get("/sessions", h.HandleList)
	r.Post("/sessions", h.HandleCreate)
	r.Get("/sessions/{id}", h.HandleGet)
	r.Delete("/sessions/{id}", h.HandleDelete)
	r.Post("/sessions/{id}/input", h.HandleInput)
	r.Post("/sessions/{id}/resize", h.HandleResize)
	r.Get("/status", h.HandleStatus)
	r.Get("/persisted", h.HandleListPersisted)
	r.Delete("/persisted/{id}", h.HandleForget)
	r.Post("/persisted/{id}/restore", h.HandleRestore)
}

// call runs one request as a throwaway client. REST callers never attach.
func (h *SessionsHandler) call(ctx context.Context, method string, params any) (any, error) {
	var raw []byte
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return nil, err
		}
	}
	c := gateway.NewClient("http-"+uuid.NewString(), nil)
	resp := h.gw.Handle(ctx, c, gateway.Request{Method: method, Params: gateway.JSONParams(raw)})
	if resp.Error != nil {
		return nil, &models.Error{Kind: resp.Error.Kind, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

func (h *SessionsHandler) respond(w http.ResponseWriter, r *http.Request, status int, method string, params any) {
	res, err := h.call(r.Context(), method, params)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	WriteJSON(w, status, res)
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, gateway.MethodListSessions, nil)
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body gateway.CreateSessionParams
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	h.respond(w, r, http.StatusCreated, gateway.MethodCreateSession, body)
}

func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.call(r.Context(), gateway.MethodListSessions, nil)
	if err != nil {
		WriteErr(w, err)
		return
	}
	for _, s := range res.([]models.Summary) {
		if s.ID == id {
			WriteJSON(w, http.StatusOK, s)
			return
		}
	}
	WriteErr(w, models.NotFound(id))
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusNoContent, gateway.MethodTerminate, gateway.SessionParams{SessionID: chi.URLParam(r, "id")})
}

// HandleInput writes the raw request body to the session.
func (h *SessionsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, models.MaxInputSize+1))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) == 0 {
		WriteError(w, http.StatusBadRequest, errEmptyBody.Error())
		return
	}
	h.respond(w, r, http.StatusOK, gateway.MethodSendInput, gateway.SendInputParams{SessionID: chi.URLParam(r, "id"), Data: data})
}

func (h *SessionsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	h.respond(w, r, http.StatusOK, gateway.MethodResizeTerminal, gateway.ResizeParams{
		SessionID: chi.URLParam(r, "id"),
		Cols:      body.Cols,
		Rows:      body.Rows,
	})
}

func (h *SessionsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, gateway.MethodGetStatus, nil)
}

func (h *SessionsHandler) HandleListPersisted(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, gateway.MethodListPersisted, nil)
}

func (h *SessionsHandler) HandleForget(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusNoContent, gateway.MethodForgetSession, gateway.SessionParams{SessionID: chi.URLParam(r, "id")})
}

func (h *SessionsHandler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Auth *models.AuthMethod `json:"auth,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			WriteError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	h.respond(w, r, http.StatusCreated, gateway.MethodRestoreSession, gateway.RestoreParams{
		SessionID: chi.URLParam(r, "id"),
		Auth:      body.Auth,
	})
}
