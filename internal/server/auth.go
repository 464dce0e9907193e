package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/peterje/shepherd/internal/api"
)

const (
	ticketParam    = "ticket"
	ticketDuration = time.Minute
)

// Auth checks a shared bearer token. Browsers cannot set headers on
// websocket upgrades, so a holder of the token can also mint a short-lived
// HMAC-signed ticket and pass it as ?ticket=.
type Auth struct {
	token   string
	hmacKey []byte
	now     func() time.Time
}

// NewAuth returns an Auth. An empty token disables authentication.
func NewAuth(token string) *Auth {
	key := make([]byte, 32)
	rand.Read(key)
	return &Auth{token: token, hmacKey: key, now: time.Now}
}

// Enabled reports whether a token is required.
func (a *Auth) Enabled() bool { return a.token != "" }

// Middleware rejects requests without a valid token or ticket.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || a.validBearer(r) || a.validTicket(r.URL.Query().Get(ticketParam)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="shepherd"`)
		api.WriteError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// HandleTicket issues a ticket. It must sit behind Middleware.
func (a *Auth) HandleTicket(w http.ResponseWriter, _ *http.Request) {
	expires := a.now().Add(ticketDuration)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"ticket":     a.signTicket(expires),
		"expires_at": expires.UTC(),
	})
}

func (a *Auth) validBearer(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(got), []byte(a.token))
}

// signTicket creates an HMAC-signed ticket.
// Format: expiry_unix|nonce|signature
func (a *Auth) signTicket(expires time.Time) string {
	nonce := make([]byte, 8)
	rand.Read(nonce)
	payload := fmt.Sprintf("%d|%s", expires.Unix(), hex.EncodeToString(nonce))
	return payload + "|" + a.sign(payload)
}

func (a *Auth) sign(payload string) string {
	mac := hmac.New(sha256.New, a.hmacKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Auth) validTicket(ticket string) bool {
	parts := strings.SplitN(ticket, "|", 3)
	if len(parts) != 3 {
		return false
	}
	payload := parts[0] + "|" + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(a.sign(payload))) {
		return false
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false
	}
	return a.now().Unix() <= expiry
}
