// forrstd serves the Forrst RPC dispatch endpoint: POST /forrst plus
// liveness/readiness/metrics for orchestrators.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/forrst-proto/forrst/internal/blobstore"
	"github.com/forrst-proto/forrst/internal/config"
	"github.com/forrst-proto/forrst/internal/extensions"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/handler"
	"github.com/forrst-proto/forrst/internal/leader"
	"github.com/forrst-proto/forrst/internal/operations"
	"github.com/forrst-proto/forrst/internal/pipeline"
	"github.com/forrst-proto/forrst/internal/postgres"
	"github.com/forrst-proto/forrst/internal/quota"
	"github.com/forrst-proto/forrst/internal/ratelimit"
	"github.com/forrst-proto/forrst/internal/reaper"
	"github.com/forrst-proto/forrst/internal/registry"
	"github.com/forrst-proto/forrst/internal/sse"
	"github.com/forrst-proto/forrst/internal/system"
	"github.com/forrst-proto/forrst/internal/transport"
)

// auditMaxAge is how long a dispatch audit entry survives the reaper's
// purge pass once persisted; it is independent of operation TTL.
const auditMaxAge = 30 * 24 * time.Hour

func main() {
	// Built-in healthcheck for scratch containers with no curl/wget.
	// Usage: /forrstd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		addr := "127.0.0.1:8080"
		if v := os.Getenv("FORRST_LISTEN_ADDR"); v != "" {
			addr = v
		}
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(transport.NewContextHandler(baseHandler)))

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	registry.ReservedNamespaces = cfg.Reserved.Namespaces

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		opStore    operations.Store = operations.NewMemoryStore()
		enforcer   quota.Enforcer   = quota.NewNoopEnforcer()
		auditStore *postgres.AuditStore
		healthDeps = map[string]system.HealthChecker{}
		transDeps  = map[string]transport.HealthChecker{}
		pool       *pgxpool.Pool
		closePool  func()
	)

	if cfg.Postgres.DatabaseURL != "" {
		var err error
		pool, err = postgres.NewPool(ctx, cfg.Postgres.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		closePool = pool.Close

		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		opStore = postgres.NewOperationStore(pool)
		enforcer = postgres.NewQuotaStore(pool)
		auditStore = postgres.NewAuditStore(pool)

		dbHealth := postgres.NewHealthChecker(pool)
		healthDeps["postgres"] = dbHealth
		transDeps["postgres"] = dbHealth

		slog.Info("postgres stores initialized")
	} else {
		slog.Warn("DATABASE_URL not set, running without persistence")
	}

	var blobs *blobstore.Store
	if cfg.Blobstore.Endpoint != "" {
		blobs, err = blobstore.New(ctx, blobstore.Config{
			Endpoint:  cfg.Blobstore.Endpoint,
			AccessKey: cfg.Blobstore.AccessKey,
			SecretKey: cfg.Blobstore.SecretKey,
			Bucket:    cfg.Blobstore.Bucket,
			UseSSL:    cfg.Blobstore.UseSSL,
		})
		if err != nil {
			slog.Error("failed to connect to blobstore", "error", err)
			os.Exit(1)
		}
		blobHealth := blobstore.NewHealthChecker(blobs)
		healthDeps["blobstore"] = blobHealth
		transDeps["blobstore"] = blobHealth
		slog.Info("blobstore initialized", "endpoint", cfg.Blobstore.Endpoint, "bucket", cfg.Blobstore.Bucket)
	} else {
		slog.Warn("blobstore endpoint not set, large async results stay inline")
	}

	functions := registry.NewFunctionRegistry()
	extReg := registry.NewExtensionRegistry()

	if err := system.RegisterAll(system.Dependencies{
		Functions:    functions,
		Extensions:   extReg,
		Operations:   opStore,
		HealthChecks: healthDeps,
		Node:         cfg.Node.ID,
	}); err != nil {
		slog.Error("failed to register system functions", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	async := extensions.NewAsync(opStore, cfg.OperationTTL(), func(run func(context.Context)) {
		g.Go(func() error { run(gctx); return nil })
	})
	if blobs != nil {
		async.Blobs = blobs
		async.BlobThresholdBytes = handler.ResponseSoftCapBytes
	}

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	cancellation := extensions.NewCancellation()
	if err := functions.Register(&extensions.CancelFunction{Cancellation: cancellation}); err != nil {
		slog.Error("failed to register cancel function", "error", err)
		os.Exit(1)
	}
	exts := []registry.Extension{
		&extensions.Deadline{Default: cfg.DeadlineDefault()},
		cancellation,
		&extensions.Tracing{},
		extensions.NewIdempotency(24 * time.Hour),
		&extensions.Caching{},
		extensions.NewQuota(enforcer, limiter),
		&extensions.DryRun{},
		async,
	}
	for _, ext := range exts {
		if err := extReg.Register(ext); err != nil {
			slog.Error("failed to register extension", "urn", ext.URN(), "error", err)
			os.Exit(1)
		}
	}

	pl := pipeline.New(extReg, forrsterr.DefaultExceptionMapper)
	h := handler.New(functions, pl, cfg.Node.ID)
	h.MaxRequestBytes = cfg.Request.MaxBytes
	if auditStore != nil {
		h.Audit = auditStore
	}

	srv := &transport.Server{
		Handler:      h,
		SSE:          sse.New(),
		Node:         cfg.Node.ID,
		HealthChecks: transDeps,
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		srv.CORSOrigins = strings.Split(origins, ",")
	}
	router := transport.NewRouter(srv)

	startReaper := func(ctx context.Context) func() {
		r := reaper.New(opStore, cfg.ReaperInterval())
		if auditStore != nil {
			r = r.WithAuditPurge(auditStore, auditMaxAge)
		}
		r.Start(ctx)
		return r.Stop
	}

	var stopBackground func()
	var elector *leader.Elector
	if pool != nil {
		tryLock := func(ctx context.Context) (bool, error) {
			var acquired bool
			err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
			return acquired, err
		}
		elector = leader.New(tryLock, leader.RetryInterval, startReaper)
		elector.Start(ctx)
		slog.Info("leader election started (advisory lock)")
	} else {
		stopBackground = startReaper(ctx)
	}

	addr := "127.0.0.1:8080"
	if v := os.Getenv("FORRST_LISTEN_ADDR"); v != "" {
		addr = v
	} else if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS13},
	}

	tlsCert, tlsKey := os.Getenv("TLS_CERT_FILE"), os.Getenv("TLS_KEY_FILE")
	g.Go(func() error {
		var err error
		if tlsCert != "" && tlsKey != "" {
			slog.Info("starting forrstd (HTTPS)", "addr", addr)
			err = httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			slog.Info("starting forrstd", "addr", addr)
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("forrstd exited with error", "error", err)
	}

	if elector != nil {
		elector.Stop()
		slog.Info("leader elector stopped")
	}
	if stopBackground != nil {
		stopBackground()
		slog.Info("reaper stopped")
	}
	if closePool != nil {
		closePool()
		slog.Info("database pool closed")
	}

	slog.Info("forrstd shutdown complete")
}
