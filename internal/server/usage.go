package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/proxykit/internal/credentials"
	"github.com/l0p7/proxykit/internal/runtime/subject"
)

// CredentialUsage stamps last_used_at for API-key callers whose hash resolves
// to an active credential. Unknown or disabled keys pass through untouched.
type CredentialUsage struct {
	lookup *credentials.Lookup
	store  credentials.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewCredentialUsage wires the usage tracker.
func NewCredentialUsage(lookup *credentials.Lookup, store credentials.Store, logger *slog.Logger) *CredentialUsage {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialUsage{
		lookup: lookup,
		store:  store,
		logger: logger.With(slog.String("component", "credential-usage")),
		now:    time.Now,
	}
}

// Middleware observes each API-key request off the hot path. The request is
// never delayed or failed by tracking.
func (u *CredentialUsage) Middleware(next http.Handler) http.Handler {
	if u == nil || u.lookup == nil || u.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := MetaFrom(r.Context())
		if meta.Subject.Type == subject.TypeAPIKey {
			go u.observe(meta.Subject.Value)
		}
		next.ServeHTTP(w, r)
	})
}

func (u *CredentialUsage) observe(hash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cred, err := u.lookup.FindActiveByHash(ctx, hash)
	if err != nil {
		u.logger.Warn("credential lookup failed", slog.String("error", err.Error()))
		return
	}
	if cred == nil {
		return
	}
	if err := u.store.TouchLastUsed(ctx, hash, u.now().UTC()); err != nil {
		u.logger.Warn("credential touch failed", slog.String("error", err.Error()))
	}
}
