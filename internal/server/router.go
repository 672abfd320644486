package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/proxykit/internal/credentials"
	"github.com/l0p7/proxykit/internal/faults"
	"github.com/l0p7/proxykit/internal/metrics"
	"github.com/l0p7/proxykit/internal/runtime/subject"
)

// RouterDeps collects everything the HTTP surface needs: the demo service
// exercising the interceptor chain, the credential store behind the admin
// endpoint, and the shared metrics recorder.
type RouterDeps struct {
	Demo        *DemoService
	Credentials credentials.Store
	Hasher      *credentials.KeyHasher
	Usage       *CredentialUsage
	Resolver    *subject.Resolver
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
}

// NewRouter assembles the full handler tree and wraps it in the request-meta
// middleware so every route sees a correlation id and a resolved subject.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "http"))

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	if deps.Demo != nil {
		mux.HandleFunc("GET /api/demo/cache", func(w http.ResponseWriter, r *http.Request) {
			deps.Demo.ServeCachedQuote(w, r, logger)
		})
		mux.HandleFunc("POST /api/demo/idempotent", func(w http.ResponseWriter, r *http.Request) {
			deps.Demo.ServeSubmitPayment(w, r, logger)
		})
		mux.HandleFunc("GET /api/demo/ratelimited", func(w http.ResponseWriter, r *http.Request) {
			deps.Demo.ServePing(w, r, logger)
		})
		mux.HandleFunc("GET /api/demo/retry", func(w http.ResponseWriter, r *http.Request) {
			deps.Demo.ServeFlaky(w, r, logger)
		})
	}

	if deps.Credentials != nil && deps.Hasher != nil {
		admin := &adminHandler{store: deps.Credentials, hasher: deps.Hasher, logger: logger}
		mux.HandleFunc("POST /api/admin/clients", admin.createClient)
	}

	var handler http.Handler = mux
	if deps.Usage != nil {
		handler = deps.Usage.Middleware(handler)
	}
	return RequestMetaMiddleware(deps.Resolver, handler)
}

// adminHandler issues API credentials. The raw key appears exactly once, in
// the creation response; only its hash is stored.
type adminHandler struct {
	store  credentials.Store
	hasher *credentials.KeyHasher
	logger *slog.Logger
}

type createClientRequest struct {
	ClientName string `json:"clientName"`
}

type createClientResponse struct {
	ID         int64  `json:"id"`
	ClientName string `json:"clientName"`
	APIKey     string `json:"apiKey"`
	CreatedAt  string `json:"createdAt"`
}

func (h *adminHandler) createClient(w http.ResponseWriter, r *http.Request) {
	var request createClientRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, h.logger, faults.New(faults.KindBadRequest, "request body must be JSON with clientName"))
		return
	}
	request.ClientName = strings.TrimSpace(request.ClientName)
	if request.ClientName == "" {
		writeError(w, r, h.logger, faults.New(faults.KindBadRequest, "clientName required"))
		return
	}

	rawKey, err := credentials.GenerateRawKey()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	created, err := h.store.Create(r.Context(), credentials.Credential{
		ClientName: request.ClientName,
		APIKeyHash: h.hasher.Hash(rawKey),
		Enabled:    true,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info("api client created",
		slog.Int64("id", created.ID),
		slog.String("clientName", created.ClientName))

	writeJSON(w, http.StatusCreated, createClientResponse{
		ID:         created.ID,
		ClientName: created.ClientName,
		APIKey:     rawKey,
		CreatedAt:  created.CreatedAt.UTC().Format(time.RFC3339),
	})
}
