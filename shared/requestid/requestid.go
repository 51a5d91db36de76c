// Package requestid tags each inbound request with an identifier that follows
// the work through logs and names its scratch directory.
package requestid

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying the request ID.
const Header = "X-Request-ID"

type requestIDKey struct{}

// safeID limits client-supplied IDs to characters that are safe inside a
// directory name.
var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// New returns a fresh UUIDv7 (time-sortable) request ID.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Middleware injects an X-Request-ID into every request context.
// If the client already sent a usable one it is reused; otherwise a new UUIDv7
// is generated. The response always echoes the header back to the caller.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if !safeID.MatchString(id) {
			id = New()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}

// WithID returns a copy of ctx carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// FromContext returns the request ID stored in ctx, or "".
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
