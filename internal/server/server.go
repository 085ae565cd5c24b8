// Package server wires the HTTP surface: run execution, approvals, memory
// retrieval and feedback, backed by Postgres, Redis Streams and the LLM
// provider.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/blakegallagher1/gpc-cres/config"
	"github.com/blakegallagher1/gpc-cres/internal/agent"
	"github.com/blakegallagher1/gpc-cres/internal/memory/autofeed"
	"github.com/blakegallagher1/gpc-cres/internal/memory/episode"
	memreflect "github.com/blakegallagher1/gpc-cres/internal/memory/reflect"
	"github.com/blakegallagher1/gpc-cres/internal/memory/reward"
	"github.com/blakegallagher1/gpc-cres/internal/queue/streams"
	"github.com/blakegallagher1/gpc-cres/internal/retrieval"
	"github.com/blakegallagher1/gpc-cres/internal/runner"
	"github.com/blakegallagher1/gpc-cres/internal/runtime"
	"github.com/blakegallagher1/gpc-cres/internal/store"
	openai "github.com/blakegallagher1/gpc-cres/provider/openai"
)

// Run starts the HTTP server with the full dependency graph.
func Run(cfg *config.Config, addr string) error {
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

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	publisher := streams.NewPublisher(rdb, cfg.Runner.EventStreamName, cfg.Runner.EventStreamMaxLen)

	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key not configured")
	}
	provider := openai.NewClient(
		cfg.LLM.APIKey, cfg.LLM.BaseURL,
		cfg.LLM.CompletionModel, cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.LLM.Timeout,
	)

	retrievalSvc := retrieval.NewService(st, provider, cfg.Retrieval.TopK, nil)

	episodeSvc, err := episode.NewService(st, provider, nil)
	if err != nil {
		return err
	}
	reflectEngine, err := memreflect.NewEngine(st, provider, provider, cfg.Memory.Semantic.LowConfidenceTicket, nil)
	if err != nil {
		return err
	}
	rewardSvc := reward.NewService(st, nil)
	feedEnabled := cfg.Memory.AutoFeed.Enabled && !cfg.General.IsTest()
	feeder := autofeed.NewOrchestrator(episodeSvc, reflectEngine, rewardSvc, feedEnabled, nil)

	capability, err := agent.NewLLMCapability(provider)
	if err != nil {
		return err
	}
	engine := runner.NewEngine(
		st, capability, retrievalSvc, runner.NewDefaultProofRegistry(),
		cfg.Runner.MaxTurns, nil,
		runner.WithEventSink(publisher),
		runner.WithMemoryFeeder(feeder),
	)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	NewRunsHandler(st, engine, nil).Register(api.Group("/runs"), secret)
	NewMemoryHandler(retrievalSvc, rewardSvc, feeder, nil).Register(api.Group("/memory"), secret)

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":10010"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
