package httpapi

import (
	"net/http"
	"strings"

	"github.com/formscout/controlplane/internal/apierrors"
	"github.com/formscout/controlplane/internal/taskbus"
)

// bearerJWT extracts the JWT from an "Authorization: Bearer <jwt>" header.
func bearerJWT(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func apiKeyHeader(r *http.Request) string {
	return r.Header.Get("X-Agent-API-Key")
}

// requireAuth authenticates every post-register agent request: the
// api_key must still be current (no later Register has superseded it)
// and the JWT must verify, per spec.md §4.3's session-takeover
// invariant. userID is taken from the request (query or JSON body,
// the caller passes it in) since it is not itself part of the token.
func requireAuth(bus *taskbus.Service, w http.ResponseWriter, r *http.Request, userID string) bool {
	apiKey := apiKeyHeader(r)
	jwt := bearerJWT(r)
	if apiKey == "" || jwt == "" {
		writeError(w, http.StatusUnauthorized, apierrors.CodeSessionInvalidated, "missing api key or bearer token")
		return false
	}
	if err := bus.Authenticate(r.Context(), userID, apiKey, jwt); err != nil {
		writeError(w, http.StatusUnauthorized, apierrors.CodeSessionInvalidated, err.Error())
		return false
	}
	return true
}
