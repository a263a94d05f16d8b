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

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/exec"
	"github.com/quorralabs/tabula/internal/extract"
	"github.com/quorralabs/tabula/internal/match"
	"github.com/quorralabs/tabula/internal/rag"
	"github.com/quorralabs/tabula/internal/retrieval"
	"github.com/quorralabs/tabula/internal/store"
	"github.com/quorralabs/tabula/internal/tables"
	"github.com/quorralabs/tabula/internal/tablestore"
	"github.com/quorralabs/tabula/internal/telemetry"
	openai "github.com/quorralabs/tabula/provider/openai"
)

// Run wires every component together and serves the API.
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
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })

	metrics := telemetry.New()
	if cfg.Telemetry.Enabled {
		path := cfg.Telemetry.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	}

	if err := cfg.LLM.Validate(); err != nil {
		return err
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return err
	}
	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
	}

	provider := openai.NewClient(
		cfg.LLM.APIKey, cfg.LLM.BaseURL,
		cfg.LLM.CompletionModel, cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.LLM.Timeout,
	)

	keyword, err := retrieval.NewKeywordIndex()
	if err != nil {
		return fmt.Errorf("keyword index: %w", err)
	}
	index := store.NewPgIndex(st)
	retrCfg := cfg.Retrieval.Normalize()
	orch := retrieval.NewOrchestrator(provider, index, keyword, retrCfg, nil)
	analyzer := extract.NewAnalyzer(provider, nil)

	tablesCfg := cfg.Tables.Normalize()
	rows, err := tablestore.New(tablesCfg.DataDir)
	if err != nil {
		return fmt.Errorf("table row store: %w", err)
	}
	matcher := match.New(cfg.Matching.Normalize())
	executor := exec.New(tablesCfg)
	tablesSvc := tables.NewService(st, rows, index, provider, provider, orch, analyzer, matcher, executor, rdb, tablesCfg, nil)
	ragSvc := rag.New(provider, provider, index, keyword, orch, tablesSvc, analyzer, retrCfg, metrics, nil)

	secret, err := LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	api := e.Group("/api")
	api.Use(echoAuthMiddleware(secret))

	qh := &QueryHandler{Rag: ragSvc, Store: st, Metrics: metrics, Logger: baseLogger}
	qh.Register(api, cfg.Server.StreamEnabled)
	dh := &DocumentsHandler{Store: st, Rag: ragSvc, Tables: tablesSvc, Metrics: metrics, Logger: baseLogger}
	dh.Register(api)
	ch := &ConversationsHandler{Store: st}
	ch.Register(api)

	if cfg.Server.SweeperEnabled {
		sweeper := &Sweeper{Store: st, Rows: rows, Schedule: cfg.Server.SweepSchedule, Stop: make(chan struct{})}
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("sweeper: %w", err)
		}
	}

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":8080"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
