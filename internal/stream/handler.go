package stream

import (
	"encoding/json"
	"net/http"

	"github.com/ChuLiYu/statuscast/internal/auth"
)

// Handler mounts the gateway as an HTTP endpoint: it authenticates the
// request, replays history newer than Last-Event-ID (or ?since=), and then
// streams until the client goes away.
func (g *Gateway) Handler(authn auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.opts.Disabled {
			g.reject(w, http.StatusServiceUnavailable, ReasonDisabled)
			return
		}
		if authn == nil {
			g.reject(w, http.StatusServiceUnavailable, auth.ReasonNotConfigured)
			return
		}
		userID, err := authn.Authenticate(r)
		if err != nil {
			status, reason := auth.StatusOf(err)
			g.reject(w, status, reason)
			return
		}
		if !g.CanAcceptClient(userID) {
			g.reject(w, http.StatusTooManyRequests, ReasonConnectionCap)
			return
		}

		since := r.Header.Get("Last-Event-ID")
		if since == "" {
			since = r.URL.Query().Get("since")
		}
		replay := g.catchup(r.Context(), userID, since)

		c, res := g.add(userID, w, replay)
		if !res.OK {
			writeError(w, http.StatusTooManyRequests, res.Reason)
			return
		}
		c.Serve(r.Context())
	})
}

func (g *Gateway) reject(w http.ResponseWriter, status int, reason string) {
	g.metrics.ConnectionRejected(transport, reason)
	writeError(w, status, reason)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
