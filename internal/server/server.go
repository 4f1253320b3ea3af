// Package server exposes the chat engine over HTTP: auth, chat,
// outcome history, health and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/aide/config"
	"github.com/mohammad-safakhou/aide/internal/backend"
	"github.com/mohammad-safakhou/aide/internal/catalog"
	"github.com/mohammad-safakhou/aide/internal/engine"
	"github.com/mohammad-safakhou/aide/internal/metrics"
	"github.com/mohammad-safakhou/aide/internal/policy"
	"github.com/mohammad-safakhou/aide/internal/session"
	"github.com/mohammad-safakhou/aide/internal/store"
	"github.com/mohammad-safakhou/aide/internal/telemetry"
)

// Run wires the full server from config and blocks serving HTTP.
func Run(cfg *config.Config) error {
	ctx := context.Background()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("connecting postgres: %w", err)
	}
	defer st.Close()

	history, err := session.NewStore(ctx, cfg.History, cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("building history store: %w", err)
	}
	defer history.Close()

	telem := telemetry.New("aide")
	eng := NewEngine(cfg, telem, &store.OutcomeSink{Store: st})
	eng.Warmup(ctx)

	secret := cfg.General.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (general.jwt_secret or AIDE_JWT_SECRET)")
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	ch := &ChatHandler{
		Engine:         eng,
		History:        history,
		Store:          st,
		DefaultBackend: cfg.Backends.Default,
		Logger:         telem.Logger(),
	}
	ch.Register(api.Group("/chat"), auth.Secret)

	oh := &OutcomesHandler{Store: st}
	oh.Register(api.Group("/outcomes"), auth.Secret)

	if cfg.Cleaner.Enabled {
		cleaner := &Cleaner{
			Store:     st,
			CronSpec:  cfg.Cleaner.CronSpec,
			Retention: cfg.Cleaner.Retention,
			Logger:    log.New(log.Writer(), "[CLEANER] ", log.LstdFlags),
			Stop:      make(chan struct{}),
		}
		cleaner.Start()
		defer close(cleaner.Stop)
	}

	return e.Start(cfg.General.Listen)
}

// NewEngine assembles providers, backends, policy and sinks from
// config. Extra sinks (the Postgres outcome sink in the server,
// nothing in the CLI) fan out alongside the JSONL sink.
func NewEngine(cfg *config.Config, telem *telemetry.Telemetry, extra ...metrics.Sink) *engine.Engine {
	providers := make([]catalog.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, catalog.NewHTTPProvider(p.Name, p.BaseURL, p.Timeout))
	}

	retryFor := func(name string) backend.RetryPolicy {
		return backend.RetryPolicy{
			MaxAttempts: cfg.Backends.Retry.MaxAttempts,
			BaseDelay:   cfg.Backends.Retry.BaseDelay,
			OnRetry:     func() { telem.RecordRetry(name) },
		}
	}
	logger := telem.Logger()
	backends := map[string]backend.Backend{
		"funcall": backend.NewFunCall(
			cfg.Backends.FunCall.APIKey, cfg.Backends.FunCall.BaseURL, cfg.Backends.FunCall.Model,
			budgets(cfg.Backends.FunCall.Budgets), retryFor("funcall"), logger),
		"chatapi": backend.NewChatAPI(
			cfg.Backends.ChatAPI.APIKey, cfg.Backends.ChatAPI.BaseURL, cfg.Backends.ChatAPI.Model,
			budgets(cfg.Backends.ChatAPI.Budgets), retryFor("chatapi"), logger),
	}

	sinks := append([]metrics.Sink{}, extra...)
	if cfg.Metrics.Enabled && cfg.Metrics.JSONLPath != "" {
		sinks = append(sinks, metrics.NewJSONLSink(cfg.Metrics.JSONLPath))
	}

	return engine.New(engine.Options{
		Providers:                    providers,
		Backends:                     backends,
		Policy:                       policy.NewBuilder(cfg.Policy.DocsDir),
		Sink:                         metrics.MultiSink(sinks),
		Telemetry:                    telem,
		ToolTimeout:                  cfg.Engine.ToolTimeout,
		MaxConsecutiveAllErrorRounds: cfg.Engine.MaxConsecutiveAllError,
	})
}

func budgets(b config.BudgetsConfig) backend.Budgets {
	return backend.Budgets{
		MaxToolCalls:  b.MaxToolCalls,
		MaxRounds:     b.MaxRounds,
		PerRoundCalls: b.PerRoundCalls,
		CallTimeout:   b.CallTimeout,
	}
}
