// Package main is the entry point for the researchd service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/quantfolio/researchd/internal/agent"
	"github.com/quantfolio/researchd/internal/api"
	"github.com/quantfolio/researchd/internal/auth"
	"github.com/quantfolio/researchd/internal/backend"
	"github.com/quantfolio/researchd/internal/config"
	"github.com/quantfolio/researchd/internal/orchestrator"
	"github.com/quantfolio/researchd/internal/runstore"
	"github.com/quantfolio/researchd/internal/tool"
	"github.com/quantfolio/researchd/internal/tools"
	"github.com/quantfolio/researchd/internal/tracing"
	"github.com/quantfolio/researchd/internal/validator"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting researchd",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.String("runstore", cfg.RunStoreType),
	)

	shutdownTracing, err := tracing.Setup(context.Background(), cfg.OTLPEndpoint, cfg.TraceSampleRate, cfg.TracingEnabled, version, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	store := setupStore(cfg, logger)
	defer store.Close()

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	registry := setupRegistry(cfg, logger)

	invoker := tool.NewInvoker(registry, tool.InvokerConfig{
		MaxAttempts:    cfg.ToolMaxAttempts,
		InitialBackoff: cfg.ToolInitialBackoff,
		MaxBackoff:     cfg.ToolMaxBackoff,
		DefaultTimeout: cfg.ToolDefaultTimeout,
	}, logger)

	be := backend.NewOpenAI(cfg.BackendBaseURL, cfg.BackendModel, cfg.BackendAPIKey, nil)
	runtime := agent.New(be, registry, invoker, v, agent.Config{
		MaxIterations:     cfg.MaxIterations,
		BackendAttempts:   cfg.BackendAttempts,
		BackendRetryDelay: cfg.BackendRetryDelay,
	}, logger)

	orch := orchestrator.New(store, runtime, registry, v, orchestrator.Config{
		Concurrency: cfg.Concurrency,
	}, logger)

	handlers := api.NewHandlers(store, orch, registry, v, cfg, logger)
	server := api.NewServer(handlers, setupAuth(cfg, logger)...)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := orch.Shutdown(ctx); err != nil {
		logger.Error("orchestrator shutdown error", "error", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
	logger.Info("stopped")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func setupStore(cfg *config.Config, logger *slog.Logger) runstore.RunStore {
	storeCfg := &runstore.Config{
		EventHistory:     cfg.EventHistory,
		SubscriberBuffer: cfg.SubscriberBuffer,
		TTL:              cfg.RunStoreTTL,
	}

	if cfg.RunStoreType == "redis" {
		redisStore, err := runstore.NewRedisStore(&runstore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Store:    storeCfg,
		})
		if err != nil {
			logger.Error("failed to connect to redis, falling back to memory store", "error", err)
			return runstore.NewMemoryStore(storeCfg)
		}
		logger.Info("using redis runstore", slog.String("url", cfg.RedisURL))
		return redisStore
	}

	logger.Info("using in-memory runstore")
	return runstore.NewMemoryStore(storeCfg)
}

// setupRegistry registers every tool whose credentials are configured. The
// calculator needs none and is always available.
func setupRegistry(cfg *config.Config, logger *slog.Logger) *tool.Registry {
	registry := tool.NewRegistry()
	register := func(t tool.Tool) {
		if err := registry.Register(t); err != nil {
			logger.Error("failed to register tool", "tool", t.Name(), "error", err)
			return
		}
		logger.Info("registered tool", "tool", t.Name())
	}

	register(tools.NewCalculator())
	register(tools.NewYahooNews(nil))

	if cfg.SerperAPIKey != "" {
		register(tools.NewSearchInternet(cfg.SerperAPIKey, nil))
		register(tools.NewSearchNews(cfg.SerperAPIKey, nil))
	} else {
		logger.Warn("SERPER_API_KEY not set, web search tools disabled")
	}

	if cfg.SECAPIKey != "" && cfg.SECEdgarContact != "" {
		register(tools.NewSearch10K(cfg.SECAPIKey, cfg.SECEdgarContact, nil))
		register(tools.NewSearch10Q(cfg.SECAPIKey, cfg.SECEdgarContact, nil))
	} else {
		logger.Warn("SEC_API_KEY or SEC_EDGAR_CONTACT not set, filing tools disabled")
	}

	return registry
}

// setupAuth builds the optional middleware chain: rate limiting always,
// bearer authentication when OIDC is configured.
func setupAuth(cfg *config.Config, logger *slog.Logger) []mux.MiddlewareFunc {
	var chain []mux.MiddlewareFunc

	if cfg.RateLimitRPS > 0 {
		limiter := auth.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		chain = append(chain, limiter.Handler)
	}

	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(context.Background(), auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			logger.Error("failed to initialize oidc provider, auth disabled", "error", err)
		} else {
			mw := auth.NewMiddleware(provider, true, "/ready")
			chain = append(chain, mw.Handler)
			logger.Info("oidc authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
		}
	}

	return chain
}
