package auth

import (
	"context"
	"net/http"
	"strings"
)

type ctxKeyDeviceID struct{}

func DeviceIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyDeviceID{}).(string)
	return v, ok
}

// WithDeviceID injects a device id into context. Useful for testing.
func WithDeviceID(ctx context.Context, did string) context.Context {
	return context.WithValue(ctx, ctxKeyDeviceID{}, did)
}

// OptionalUser resolves identity without requiring it. A valid bearer token
// injects user_id; otherwise an X-Device-Id header injects a device id for the
// single-device anonymous path. Requests carrying neither are rejected, since
// progress without any identity has nowhere to live.
func OptionalUser(verifier JWTVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uid, ok := bearerSubject(r, verifier); ok {
				next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), uid)))
				return
			}
			if did := strings.TrimSpace(r.Header.Get("X-Device-Id")); did != "" {
				next.ServeHTTP(w, r.WithContext(WithDeviceID(r.Context(), did)))
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
}
