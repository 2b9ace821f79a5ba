// Command erasured runs the erasure workflow engine: HTTP API, event bus,
// background scans and the daily zombie sweep.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/veridact/erasure/pkg/adapters"
	"github.com/veridact/erasure/pkg/api"
	"github.com/veridact/erasure/pkg/audit"
	"github.com/veridact/erasure/pkg/bus"
	"github.com/veridact/erasure/pkg/certificate"
	"github.com/veridact/erasure/pkg/config"
	"github.com/veridact/erasure/pkg/crypto"
	"github.com/veridact/erasure/pkg/engine"
	"github.com/veridact/erasure/pkg/jobs"
	"github.com/veridact/erasure/pkg/locks"
	"github.com/veridact/erasure/pkg/notify"
	"github.com/veridact/erasure/pkg/observability"
	"github.com/veridact/erasure/pkg/policy"
	"github.com/veridact/erasure/pkg/saga"
	"github.com/veridact/erasure/pkg/state"
	"github.com/veridact/erasure/pkg/store"
	"github.com/veridact/erasure/pkg/stream"
	"github.com/veridact/erasure/pkg/zombie"
)

func main() {
	if err := run(); err != nil {
		slog.Error("erasured failed", "error", err)
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openKV(ctx context.Context, cfg *config.Config) (store.KV, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryKV(), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return store.NewRedisKVFromClient(redis.NewClient(opts)), nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		kv := store.NewSQLKV(db, store.DialectPostgres)
		return kv, kv.Migrate(ctx)
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		kv := store.NewSQLKV(db, store.DialectSQLite)
		return kv, kv.Migrate(ctx)
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Backend)
	}
}

func openStream(cfg *config.Config) (stream.Stream, error) {
	if cfg.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return stream.NewRedisStream(redis.NewClient(opts)), nil
	}
	return stream.NewMemoryStream(), nil
}

func buildSigner(cfg *config.Config) (*crypto.Ed25519Signer, error) {
	if cfg.SigningSecret == "" {
		// Ephemeral key: fine for local mode, certificates do not survive
		// a restart verification against an old key.
		return crypto.NewEd25519Signer(cfg.SignerKeyID)
	}
	priv, err := crypto.DeriveSigningKey([]byte(cfg.SigningSecret), "certificate-signing")
	if err != nil {
		return nil, err
	}
	return crypto.NewEd25519SignerFromKey(priv, cfg.SignerKeyID), nil
}

// registerConnectors fills the registry with scripted connectors for every
// system the policies name. Real connectors register here instead.
func registerConnectors(registry *adapters.Registry, policies *policy.Store) {
	seen := map[string]bool{}
	for _, jur := range policies.Jurisdictions() {
		pol, err := policies.For(jur)
		if err != nil {
			continue
		}
		for _, system := range append(append([]string(nil), pol.RequiredSystems...), pol.ParallelSystems...) {
			if !seen[system] {
				seen[system] = true
				registry.Register(adapters.NewScripted(system))
			}
		}
	}
}

func run() error {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "erasured",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.Environment != "production",
		Enabled:        cfg.OTLPEndpoint != "",
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	kv, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	events, err := openStream(cfg)
	if err != nil {
		return err
	}

	policyDoc, err := os.ReadFile(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("read policy file %s: %w", cfg.PolicyFile, err)
	}
	policies, err := policy.Parse(policyDoc)
	if err != nil {
		return err
	}

	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}

	st := state.NewManager(kv)
	trail := audit.NewStore(kv)
	lockSvc := locks.NewService(kv)
	certs := certificate.NewGenerator(st, trail, kv, signer).WithLogger(logger)
	notifier := notify.NewNotifier(events).WithLogger(logger)
	jobMgr := jobs.NewManager(st, events).WithLogger(logger)

	registry := adapters.NewRegistry()
	registerConnectors(registry, policies)

	b := bus.New(bus.WithLogger(logger), bus.WithWorkers(cfg.Workers))
	orch := saga.New(saga.Deps{
		Bus:      b,
		State:    st,
		Audit:    trail,
		Jobs:     jobMgr,
		Locks:    lockSvc,
		Certs:    certs,
		Notifier: notifier,
		Registry: registry,
		Policies: policies,
	}, saga.WithLogger(logger), saga.WithMetrics(obs))
	b.Start(ctx)
	defer b.Stop()

	if cfg.ZombieSweep {
		sweeper, err := zombie.NewSweeper(st, trail, registry, lockSvc, b, obs.Meter())
		if err != nil {
			return fmt.Errorf("zombie sweeper: %w", err)
		}
		sweeper.WithLogger(logger).Start(ctx)
	}

	eng := engine.New(orch, st, certs, trail, events)

	var verifier *api.Verifier
	if cfg.JWTSecret != "" {
		verifier = api.NewVerifier([]byte(cfg.JWTSecret))
	}
	handler := api.NewServer(eng).WithLogger(logger).Handler(
		verifier,
		api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.NewIdempotencyStore(kv),
	)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("erasured listening",
			"port", cfg.Port,
			"backend", cfg.Backend,
			"jurisdictions", policies.Jurisdictions())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	b.Drain()
	logger.Info("erasured stopped")
	return nil
}
