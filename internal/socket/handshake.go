package socket

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ChuLiYu/statuscast/internal/auth"
)

// ServeHTTP admits a websocket connection. Checks run in order and each
// rejection is answered with a plain HTTP status before any upgrade: disabled
// (503), disallowed Origin (403), failed authentication (401/403), connection
// cap (429).
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.opts.Disabled {
		g.reject(w, http.StatusServiceUnavailable, ReasonDisabled)
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		if g.deps.Origins == nil || !g.deps.Origins.Allowed(origin) {
			g.reject(w, http.StatusForbidden, auth.ReasonOriginDenied)
			return
		}
	}

	userID, err := g.authenticate(r)
	if err != nil {
		status, reason := auth.StatusOf(err)
		g.reject(w, status, reason)
		return
	}
	if !g.CanAcceptClient(userID) {
		g.reject(w, http.StatusTooManyRequests, ReasonConnectionCap)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("upgrade failed", "userID", userID, "error", err)
		return
	}
	ws.SetReadLimit(g.opts.ReadLimit)

	since := r.URL.Query().Get("since")
	if _, err := g.connect(r.Context(), userID, since, ws); err != nil {
		level := g.log.Debug
		if errors.Is(err, ErrCatchupFailed) {
			level = g.log.Info
		}
		level("connection not registered", "userID", userID, "error", err)
	}
}

func (g *Gateway) authenticate(r *http.Request) (string, error) {
	if g.deps.Auth == nil {
		return "", &auth.Rejection{Status: http.StatusServiceUnavailable, Reason: auth.ReasonNotConfigured}
	}
	return g.deps.Auth.Authenticate(r)
}

func (g *Gateway) reject(w http.ResponseWriter, status int, reason string) {
	g.metrics.ConnectionRejected(transport, reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
