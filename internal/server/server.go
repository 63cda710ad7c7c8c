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

	"github.com/derekparent/wheelhouse/config"
	"github.com/derekparent/wheelhouse/internal/chat"
	"github.com/derekparent/wheelhouse/internal/index"
	"github.com/derekparent/wheelhouse/internal/search"
	"github.com/derekparent/wheelhouse/internal/session"
	"github.com/derekparent/wheelhouse/internal/websearch"
	"github.com/derekparent/wheelhouse/provider"
)

// Run wires the assistant core and serves the HTTP API.
func Run(cfg *config.Config) error {
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
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-Owner-ID"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	idx, err := index.Open(cfg.Index.Path)
	if err != nil {
		return err
	}

	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	sessions, err := session.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	// Redis backs the augmentation cache when configured; otherwise an
	// in-process TTL map serves single-instance deployments.
	var cache websearch.Cache
	if cfg.Databases.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:        fmt.Sprintf("%s:%s", cfg.Databases.Redis.Host, cfg.Databases.Redis.Port),
			Password:    cfg.Databases.Redis.Pass,
			DB:          cfg.Databases.Redis.DB,
			DialTimeout: cfg.Databases.Redis.Timeout,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Databases.Redis.Host, cfg.Databases.Redis.Port, err)
		}
		cache = websearch.NewRedisCache(rdb, cfg.WebSearch.CacheTTL, nil)
	}
	augmenter, err := websearch.NewAugmenter(cfg.WebSearch, cache, nil)
	if err != nil {
		return err
	}

	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil && err != provider.ErrNotConfigured {
		return err
	}
	if llm == nil {
		baseLogger.Printf("llm provider not configured; chat endpoints will return 503")
	}

	engine := search.NewEngine(idx, cfg.Search, nil)
	orch := chat.NewOrchestrator(engine, idx, sessions, llm, cfg, nil)

	h := &Handlers{
		Cfg:       cfg,
		Engine:    engine,
		Orch:      orch,
		Sessions:  sessions,
		Augmenter: augmenter,
		Logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	h.Register(e.Group("/api"))

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10010"
	}
	return e.Start(addr)
}
