package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/meridian-gateway/internal/auth"
	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/filter"
	"github.com/af-corp/meridian-gateway/internal/filter/injection"
	"github.com/af-corp/meridian-gateway/internal/filter/policy"
	"github.com/af-corp/meridian-gateway/internal/filter/secrets"
	"github.com/af-corp/meridian-gateway/internal/filter/toolguard"
	"github.com/af-corp/meridian-gateway/internal/gateway"
	"github.com/af-corp/meridian-gateway/internal/hooks"
	"github.com/af-corp/meridian-gateway/internal/httputil"
	"github.com/af-corp/meridian-gateway/internal/ratelimit"
	"github.com/af-corp/meridian-gateway/internal/router"
	"github.com/af-corp/meridian-gateway/internal/rules"
	"github.com/af-corp/meridian-gateway/internal/session"
	"github.com/af-corp/meridian-gateway/internal/telemetry"
	"github.com/af-corp/meridian-gateway/internal/tools"
	"github.com/af-corp/meridian-gateway/internal/usage"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
	}

	loader := config.NewLoader(*configDir, nil)
	if err := loader.Load(); err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := telemetry.NewLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}
	defer loader.Close()
	current := loader.Config

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics(nil)

	dbPool, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	if dbPool != nil {
		defer dbPool.Close()
	}
	rdb := openRedis(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	providers := router.BuildFromConfig(loader.Providers(), cfg.Proxy.Target)
	health := router.NewHealthTrackerFromConfig(cfg.Routing.CircuitBreaker,
		func(provider string, from, to router.CircuitState) {
			logger.Warn("provider circuit changed", "provider", provider, "from", from.String(), "to", to.String())
			metrics.RecordCircuit(provider, int(to), to.String())
		})

	var hookEngine *hooks.Engine
	if cfg.Hooks.Enabled {
		hookEngine = hooks.NewEngine(hookConfig(loader), cfg.Hooks.ProjectDir, metrics)
	}

	policyEval := policy.NewEvaluator(func() config.PolicyFilterConfig { return current().Filter.Policy })
	loadPolicies := func() {
		if !policyEval.Enabled() {
			return
		}
		if err := policyEval.Load(); err != nil {
			logger.Error("failed to load policies", "error", err)
		}
	}
	loadPolicies()

	rulesEngine := rules.NewEngine(cfg.Rules.Dir)
	if err := rulesEngine.Load(); err != nil {
		logger.Warn("failed to load rules", "dir", cfg.Rules.Dir, "error", err)
	} else if err := rulesEngine.Watch(); err != nil {
		logger.Debug("rules directory not watched", "dir", cfg.Rules.Dir, "error", err)
	}

	toolRegistry := tools.NewRegistry(cfg.Tools.Definitions)

	loader.OnReload(func() {
		next := loader.Config()
		providers.Swap(router.BuildFromConfig(loader.Providers(), next.Proxy.Target))
		toolRegistry.Set(next.Tools.Definitions)
		if hookEngine != nil {
			hookEngine.SetConfig(hookConfig(loader))
		}
		loadPolicies()
		logger.Info("configuration reloaded")
	})

	var keyStore auth.KeyStore
	if dbPool != nil {
		keyStore = auth.NewCachedKeyStore(dbPool, rdb, cfg.Auth.CacheTTL)
	}
	budget := ratelimit.NewTokenBudget(rdb)

	handler := gateway.NewHandler(gateway.Options{
		Config:   current,
		Models:   loader.Models,
		Registry: providers,
		Health:   health,
		Filters: filter.NewChain(
			secrets.NewScanner(func() config.SecretsFilterConfig { return current().Filter.Secrets }),
			injection.NewScanner(func() config.InjectionFilterConfig { return current().Filter.Injection }),
			policyEval,
		),
		ToolGuard: toolguard.New(func() config.ToolGuardConfig { return current().Filter.ToolGuard }),
		Hooks:     hookEngine,
		Rules:     rulesEngine,
		Tools:     toolRegistry,
		Sessions:  session.NewStore(rdb, cfg.Session.TTL),
		Budget:    budget,
		Usage:     usage.NewRecorder(dbPool),
		Metrics:   metrics,
	})

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httputil.RequestID)
	r.Use(httputil.AnthropicErrors("/v1/messages"))

	r.Get("/health", handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(keyStore, func() config.AuthConfig { return current().Auth }))
		r.Post("/admin/circuits/{provider}/reset", handler.ResetCircuit)

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(ratelimit.NewLimiter(rdb), budget, func() config.RateLimitConfig {
				return current().RateLimit
			}, metrics))

			r.Get("/session/stats", handler.SessionStats)
			r.Post("/v1/chat/completions", handler.ChatCompletions)
			r.Post("/v1/completions", handler.Completions)
			r.Post("/v1/messages", handler.Messages)
			r.Get("/v1/models", handler.ListModels)
			r.HandleFunc("/v1/*", handler.Passthrough)
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting",
			"addr", addr,
			"version", version,
			"target", cfg.Proxy.Target,
			"providers", providers.Names(),
			"rules", len(rulesEngine.Rules()),
			"tools", len(toolRegistry.Names()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// openDatabase returns nil when the database is disabled. An unreachable
// database is not fatal: gateway keys fail until it comes back.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Warn("database not reachable (gateway keys will fail)", "error", err)
	} else {
		logger.Info("database connected", "max_conns", poolCfg.MaxConns)
	}
	return pool, nil
}

// openRedis returns nil when no address is configured or the server does not
// answer; rate limits, the key cache and sessions then run in-process.
func openRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	if len(cfg.Addresses) == 0 || cfg.Addresses[0] == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addresses[0],
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-process state", "error", err)
		rdb.Close()
		return nil
	}
	logger.Info("redis connected", "addr", cfg.Addresses[0])
	return rdb
}

// hookConfig merges the hooks file with Claude Code settings hooks.
func hookConfig(loader *config.Loader) hooks.Config {
	cfg := loader.Hooks()
	hc := loader.Config().Hooks
	if hc.ClaudeSettings {
		home, _ := os.UserHomeDir()
		projectDir := hc.ProjectDir
		if projectDir == "" {
			projectDir, _ = os.Getwd()
		}
		settings, err := hooks.LoadClaudeSettings(projectDir, home)
		if err != nil {
			slog.Warn("failed to load claude settings hooks", "error", err)
		} else {
			cfg = cfg.Merge(settings)
		}
	}
	if err := cfg.Validate(); err != nil {
		slog.Warn("hook configuration has errors", "error", err)
	}
	return cfg
}
