package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// NewOptionalMiddleware runs a rejecting auth middleware, such as the
// identity service's JWKS middleware, without letting it answer the request.
// A verified call continues with the context it produced. A call with no
// bearer token, or one the verifier refuses, continues without a caller.
func NewOptionalMiddleware(verify func(http.Handler) http.Handler, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "OptionalAuth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bearerToken(r) == "" {
				next.ServeHTTP(w, r)
				return
			}

			var verified context.Context
			verify(http.HandlerFunc(func(_ http.ResponseWriter, vr *http.Request) {
				verified = vr.Context()
			})).ServeHTTP(discardWriter{header: http.Header{}}, r)

			if verified == nil {
				logger.Warn("Bearer token rejected")
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(verified))
		})
	}
}

// NewJWKSMiddleware verifies RS256 tokens against the identity service's key set.
func NewJWKSMiddleware(jwksURL string, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	verify, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		return nil, err
	}
	return NewOptionalMiddleware(verify, logger), nil
}

// SubjectFromContext reports the token's subject as the caller. Handles are
// optional claims and do not identify the caller on their own.
func SubjectFromContext(ctx context.Context) (string, bool) {
	sub, ok := middleware.GetUserIDFromContext(ctx)
	return sub, ok && sub != ""
}

// discardWriter swallows whatever the verifier writes on rejection.
type discardWriter struct {
	header http.Header
}

func (d discardWriter) Header() http.Header       { return d.header }
func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
func (discardWriter) WriteHeader(int)             {}
