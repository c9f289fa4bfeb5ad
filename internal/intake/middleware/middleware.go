// Package middleware authenticates intake requests by client certificate and
// throttles them per certificate owner.
package middleware

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/auth/clientcert"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/auth/ratelimit"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/logger"
)

type contextKey string

const identityKey contextKey = "client_identity"

// ClientCert returns middleware that validates the TLS client certificate
// chain and stores the resulting identity in the request context. Requests
// without TLS carry an empty chain; only a test-mode validator accepts them.
func ClientCert(v clientcert.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var chain []*x509.Certificate
			if r.TLS != nil {
				chain = r.TLS.PeerCertificates
			}
			id, err := v.Validate(chain)
			if err != nil {
				logger.FromContext(r.Context()).Warn("client certificate rejected",
					"remote", r.RemoteAddr,
					"error", err,
				)
				writeError(w, apperrors.HTTPStatusCode(err), "client certificate not accepted")
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, id)
			ctx = logger.WithOwner(ctx, id.OwnerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithIdentity stores id in ctx the way ClientCert does.
func WithIdentity(ctx context.Context, id clientcert.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the authenticated client from the request context.
func GetIdentity(ctx context.Context) (clientcert.Identity, bool) {
	id, ok := ctx.Value(identityKey).(clientcert.Identity)
	return id, ok
}

// RateLimit returns middleware that throttles requests per certificate
// owner. Requests without an identity pass through; ClientCert rejects them.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetIdentity(r.Context())
			if !ok || limiter == nil || !limiter.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow(id.OwnerID) {
				secs := int(math.Ceil(limiter.RetryAfter(id.OwnerID).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				logger.FromContext(r.Context()).Info("intake rate limited", "owner", id.OwnerID)
				writeError(w, http.StatusTooManyRequests, apperrors.ErrRateLimited.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
