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

	"github.com/ragline/ragline/config"
	"github.com/ragline/ragline/internal/engine"
	"github.com/ragline/ragline/internal/memory"
	"github.com/ragline/ragline/internal/retriever"
	"github.com/ragline/ragline/internal/store"
	"github.com/ragline/ragline/internal/telemetry"
)

// Run wires storage, retrieval, memory and the orchestrator behind the HTTP
// API and blocks serving it.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
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

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	e.GET("/healthz", func(c echo.Context) error {
		if err := st.Ping(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "store unreachable")
		}
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	llmProvider, err := engine.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}

	lexical, err := retriever.NewLexicalIndex()
	if err != nil {
		return err
	}
	if cfg.Retrieval.HybridEnabled {
		existing, err := st.AllPassages(ctx)
		if err != nil {
			return fmt.Errorf("warm lexical index: %w", err)
		}
		if err := lexical.AddAll(existing); err != nil {
			return fmt.Errorf("warm lexical index: %w", err)
		}
		baseLogger.Printf("lexical index warmed with %d passage(s)", len(existing))
	}
	rtr := retriever.New(cfg, llmProvider, st, lexical)

	var rdb *redis.Client
	if raddr := cfg.Storage.Redis.Addr(); raddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: raddr, Password: cfg.Storage.Redis.Password, DB: cfg.Storage.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", raddr, err)
		}
	}
	mem := memory.New(st, rdb, cfg.Memory, nil)

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	defer tele.Shutdown()
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch := engine.NewOrchestratorWithProvider(cfg, orchLogger, tele, llmProvider, rtr, mem)

	secret := []byte(cfg.Server.JWTSecret)
	if len(secret) == 0 {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")
	ah := &AskHandler{Orch: orch}
	ah.Register(api.Group(""), secret)
	hh := &HistoryHandler{Memory: mem, DefaultWindow: cfg.Memory.HistoryWindow}
	hh.Register(api.Group(""), secret)
	dh := &DocumentsHandler{Store: st, Embedder: llmProvider, Lexical: lexical, Model: cfg.LLM.Routing.Embedding, Logger: baseLogger}
	dh.Register(api.Group("/documents"), secret)

	pruner := &Pruner{Memory: mem, Schedule: cfg.Memory.PruneSchedule, Rdb: rdb, Stop: make(chan struct{})}
	pruner.Start()
	defer close(pruner.Stop)

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
