package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/peterje/shepherd/internal/models"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string           `json:"error"`
	Kind  models.ErrorKind `json:"kind,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorBody{Error: msg})
}

// WriteErr maps a typed error onto an HTTP status.
func WriteErr(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	WriteJSON(w, StatusFor(kind), errorBody{Error: err.Error(), Kind: kind})
}

func StatusFor(kind models.ErrorKind) int {
	switch kind {
	case models.ErrKindNotFound:
		return http.StatusNotFound
	case models.ErrKindInvalidRequest:
		return http.StatusBadRequest
	case models.ErrKindAuthenticationFailed, models.ErrKindAuthenticationExhausted:
		return http.StatusUnauthorized
	case models.ErrKindConnectionFailed, models.ErrKindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errEmptyBody = errors.New("request body is required")
