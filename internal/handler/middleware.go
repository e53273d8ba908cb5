package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/omnisearch/omnisearch/abengine/internal/metrics"
)

const (
	userIDCookie    = "user_id"
	sessionIDCookie = "session_id"

	headerVariant = "X-Variant"
)

type ctxKey int

const identityKey ctxKey = iota

// Identity is who a request acts for
type Identity struct {
	UserID    string
	SessionID string
}

// IdentityFrom returns the identity resolved by the identity middleware
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// resolve picks the header value, then the cookie, then a fresh UUID
func resolve(r *http.Request, header, cookie string) (string, bool) {
	if v := r.Header.Get(header); v != "" {
		return v, false
	}
	if c, err := r.Cookie(cookie); err == nil && c.Value != "" {
		return c.Value, false
	}
	return uuid.NewString(), true
}

// identityMiddleware resolves the user and session ids, echoes them in
// response headers and sets X-Variant when the user already holds one.
func (h *HTTPHandler) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, newUser := resolve(r, h.cfg.UserIDHeader, userIDCookie)
		sessionID, newSession := resolve(r, h.cfg.SessionIDHeader, sessionIDCookie)

		if newUser {
			http.SetCookie(w, &http.Cookie{Name: userIDCookie, Value: userID, Path: "/", MaxAge: 365 * 24 * 3600, HttpOnly: true})
			log.Debug().Str("user_id", userID).Msg("Generated new user id")
		}
		if newSession {
			http.SetCookie(w, &http.Cookie{Name: sessionIDCookie, Value: sessionID, Path: "/", HttpOnly: true})
		}

		w.Header().Set(h.cfg.UserIDHeader, userID)
		w.Header().Set(h.cfg.SessionIDHeader, sessionID)
		if !newUser {
			if a, ok, err := h.engine.Registry.Get(r.Context(), userID); err == nil && ok {
				w.Header().Set(headerVariant, string(a.Variant))
			}
		}

		ctx := context.WithValue(r.Context(), identityKey, Identity{UserID: userID, SessionID: sessionID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrument records request latency per route pattern
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Session-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Variant, X-User-ID, X-Session-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
