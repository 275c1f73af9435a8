// Package auth attaches the Firebase-authenticated caller to request contexts.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	fbauth "firebase.google.com/go/v4/auth"
)

// IDTokenVerifier is the subset of the Firebase Auth client we use.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

type callerKey struct{}

// ContextWithCaller returns a context carrying the caller's UID.
func ContextWithCaller(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, callerKey{}, uid)
}

// CallerFromContext returns the UID attached by the middleware.
func CallerFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(callerKey{}).(string)
	return uid, ok && uid != ""
}

// NewFirebaseMiddleware verifies a Bearer ID token when one is present. It
// never rejects: a missing or invalid token leaves the context without a
// caller and the endpoint reports the failed precondition itself.
func NewFirebaseMiddleware(verifier IDTokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "FirebaseAuth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, err := verifier.VerifyIDToken(r.Context(), raw)
			if err != nil {
				logger.Warn("ID token rejected", "err", err)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), token.UID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
