// Package middleware carries the gateway's HTTP cross-cutting layers:
// session authentication and rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/session"
)

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID  string
	Roles   []string
	IsAdmin bool
	Ticket  string
}

type contextKey int

const principalKey contextKey = 0

// PrincipalFrom extracts the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// bearerTicket pulls the session ticket from the Authorization header.
func bearerTicket(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Authenticate validates the session ticket when one is presented and
// attaches the principal. Requests without a ticket pass through
// anonymous; RequireAuth decides whether that is acceptable.
func Authenticate(store *session.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ticket := bearerTicket(r)
			if ticket == "" {
				next.ServeHTTP(w, r)
				return
			}
			sess, err := store.Validate(r.Context(), ticket)
			if err != nil {
				WriteError(w, err)
				return
			}
			p := Principal{UserID: sess.UserID, Roles: sess.Roles, IsAdmin: sess.IsAdmin, Ticket: ticket}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}

// RequireAuth rejects anonymous requests.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			WriteError(w, errs.Auth("unauthorized", "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects everyone but admin sessions.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			WriteError(w, errs.Auth("unauthorized", "authentication required"))
			return
		}
		if !p.IsAdmin {
			WriteError(w, errs.Auth("forbidden", "admin session required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteError renders an error as the gateway's JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
