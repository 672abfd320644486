package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/l0p7/proxykit/internal/runtime/subject"
)

const (
	correlationHeader    = "X-Correlation-Id"
	idempotencyHeader    = "X-Idempotency-Key"
	idempotencyHeaderAlt = "Idempotency-Key"

	maxIdempotencyKeyLength = 128
)

// RequestMeta is the per-request state the middleware derives from headers:
// correlation id, idempotency key, and the resolved caller identity.
type RequestMeta struct {
	CorrelationID  string
	IdempotencyKey string
	Subject        subject.Subject
}

type metaContextKey struct{}

// MetaFrom extracts the request meta stored by the middleware. Handlers
// outside the middleware see a zero value with the unknown subject.
func MetaFrom(ctx context.Context) RequestMeta {
	if meta, ok := ctx.Value(metaContextKey{}).(RequestMeta); ok {
		return meta
	}
	return RequestMeta{Subject: subject.Unknown}
}

// RequestMetaMiddleware populates the request context with correlation id,
// trimmed idempotency key, and resolved subject, and echoes the correlation
// id on every response.
func RequestMetaMiddleware(resolver *subject.Resolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := RequestMeta{
			CorrelationID:  correlationID(r),
			IdempotencyKey: idempotencyKey(r),
			Subject:        subject.Unknown,
		}
		if resolver != nil {
			meta.Subject = resolver.Resolve(r)
		}

		w.Header().Set(correlationHeader, meta.CorrelationID)
		ctx := context.WithValue(r.Context(), metaContextKey{}, meta)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

// idempotencyKey reads the primary header, then its alias, trimming
// whitespace and capping the length.
func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get(idempotencyHeaderAlt))
	}
	if len(key) > maxIdempotencyKeyLength {
		key = key[:maxIdempotencyKeyLength]
	}
	return key
}
