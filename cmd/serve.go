package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/l0p7/proxykit/internal/config"
	"github.com/l0p7/proxykit/internal/credentials"
	"github.com/l0p7/proxykit/internal/logging"
	"github.com/l0p7/proxykit/internal/metrics"
	"github.com/l0p7/proxykit/internal/runtime"
	"github.com/l0p7/proxykit/internal/runtime/audit"
	"github.com/l0p7/proxykit/internal/runtime/cache"
	"github.com/l0p7/proxykit/internal/runtime/idempotency"
	"github.com/l0p7/proxykit/internal/runtime/policy"
	"github.com/l0p7/proxykit/internal/runtime/subject"
	"github.com/l0p7/proxykit/internal/server"
	"github.com/l0p7/proxykit/internal/storage"
	"github.com/l0p7/proxykit/internal/storage/memory"
)

const policyCacheTTL = 30 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the demo HTTP server with the full interceptor chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags)
		},
	}
}

// stores groups the durable relations behind their interfaces so the wiring
// below is identical for postgres and memory.
type stores struct {
	idempotency idempotency.Store
	audit       audit.Sink
	policies    policy.Store
	credentials credentials.Store
}

func runServe(ctx context.Context, flags *rootFlags) error {
	cfg, err := config.NewLoader(flags.envPrefix, flags.configFile).Load(ctx)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return err
	}

	// Resources built below hand their teardown to the server once it exists.
	// Until then an early return releases them here, newest-first.
	var pending []server.ShutdownHook
	handedOff := false
	defer func() {
		if handedOff {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(pending) - 1; i >= 0; i-- {
			if err := pending[i].Stop(releaseCtx); err != nil {
				logger.Warn("resource release failed",
					slog.String("resource", pending[i].Name),
					slog.String("error", err.Error()))
			}
		}
	}()

	recorder := metrics.NewRecorder(nil)

	hasher, err := credentials.NewKeyHasher(
		cfg.Toolkit.Security.APIKey.Algorithm,
		cfg.Toolkit.Security.APIKey.Pepper,
	)
	if err != nil {
		return err
	}

	caches, closeCaches, err := buildCacheManager(cfg.Cache, logger)
	if err != nil {
		return err
	}
	pending = append(pending, server.ShutdownHook{Name: "caches", Stop: closeCaches})

	st, closeStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	pending = append(pending, server.ShutdownHook{Name: "stores", Stop: closeStores})

	toolkit := runtime.New(runtime.Options{
		Enabled:          cfg.Toolkit.Enabled,
		ExcludePrefixes:  cfg.Toolkit.ExcludePrefixes,
		MaxPayloadChars:  cfg.Toolkit.MaxPayloadChars,
		AuditSink:        st.audit,
		IdempotencyStore: st.idempotency,
		PolicyStore:      policy.NewCachedStore(st.policies, policyCacheTTL),
		Caches:           caches,
		Metrics:          recorder,
		Logger:           logger,
	})

	demo, err := server.NewDemoService(toolkit)
	if err != nil {
		return err
	}

	lookup := credentials.NewLookup(st.credentials, caches, logger)
	handler := server.NewRouter(server.RouterDeps{
		Demo:        demo,
		Credentials: st.credentials,
		Hasher:      hasher,
		Usage:       server.NewCredentialUsage(lookup, st.credentials, logger),
		Resolver:    subject.NewResolver(hasher),
		Metrics:     recorder,
		Logger:      logger,
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return err
	}

	if seedFile := cfg.Toolkit.Policy.SeedFile; seedFile != "" {
		watcher, err := policy.WatchSeed(ctx, seedFile, st.policies, func(err error) {
			logger.Error("policy seed reload failed", slog.String("error", err.Error()))
		})
		if err != nil {
			return fmt.Errorf("policy seed: %w", err)
		}
		pending = append(pending, server.ShutdownHook{Name: "seed-watcher", Stop: func(context.Context) error {
			watcher.Stop()
			return nil
		}})
		logger.Info("policy seed applied", slog.String("file", seedFile))
	}

	for _, hook := range pending {
		srv.OnShutdown(hook.Name, hook.Stop)
	}
	handedOff = true

	sweeper := idempotency.NewSweeper(st.idempotency, cfg.Toolkit.Idempotency.CleanupInterval, logger)
	go sweeper.Run(ctx)

	return srv.Run(ctx)
}

// buildCacheManager selects the named-cache backend. The returned closer
// shuts down every materialized cache and, for redis, the shared client.
func buildCacheManager(cfg config.CacheConfig, logger *slog.Logger) (*cache.Manager, func(context.Context) error, error) {
	baseTTL := time.Duration(cfg.TTLSeconds) * time.Second

	if cfg.Backend == "redis" {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		manager, err := cache.NewManager(cache.NewRedisFactory(client, baseTTL), logger)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		closer := func(ctx context.Context) error {
			err := manager.Close(ctx)
			client.Close()
			return err
		}
		return manager, closer, nil
	}

	manager, err := cache.NewManager(cache.NewMemoryFactory(baseTTL, 0), logger)
	if err != nil {
		return nil, nil, err
	}
	return manager, manager.Close, nil
}

// buildStores wires postgres when a DSN is configured, in-memory otherwise.
func buildStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, func(context.Context) error, error) {
	dsn := cfg.Storage.Postgres.DSN
	if dsn == "" {
		logger.Info("storage: no postgres dsn configured, using in-memory stores")
		return stores{
			idempotency: memory.NewIdempotencyStore(),
			audit:       memory.NewAuditSink(),
			policies:    memory.NewPolicyStore(),
			credentials: memory.NewCredentialStore(),
		}, func(context.Context) error { return nil }, nil
	}

	db, err := storage.Connect(ctx, dsn)
	if err != nil {
		return stores{}, nil, err
	}
	if err := storage.AutoMigrate(db); err != nil {
		storage.Close(db, logger)
		return stores{}, nil, err
	}
	return stores{
		idempotency: storage.NewIdempotencyStore(db, logger),
		audit:       storage.NewAuditSink(db, logger),
		policies:    storage.NewPolicyStore(db),
		credentials: storage.NewCredentialStore(db),
	}, func(context.Context) error {
		storage.Close(db, logger)
		return nil
	}, nil
}
