// Package identity resolves the conversation identity a request belongs to.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	CookieName        = "companion_session"
	SessionHeaderName = "X-Companion-Session-ID"
	cookieMaxAge      = 30 * 24 * time.Hour
)

type contextKey int

const sessionIDKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID returns a context carrying the session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// Sanitize trims id and returns "" when it is not an acceptable session ID.
func Sanitize(id string) string {
	id = strings.TrimSpace(id)
	if !sessionIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// FromRequest returns the explicit session ID carried by the header, the
// session_id query parameter, or the bootstrap cookie, in that order.
func FromRequest(r *http.Request) string {
	if sid := Sanitize(r.Header.Get(SessionHeaderName)); sid != "" {
		return sid
	}
	if sid := Sanitize(r.URL.Query().Get("session_id")); sid != "" {
		return sid
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return Sanitize(c.Value)
	}
	return ""
}

func setCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// Middleware injects the request's session ID, minting one and setting the
// bootstrap cookie when the client did not provide any.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid := FromRequest(r)
			if sid == "" {
				sid = uuid.NewString()
			}
			setCookie(w, sid, isDev)
			next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), sid)))
		})
	}
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
