package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mercatorhq/mercator/config"
	"github.com/mercatorhq/mercator/internal/budget"
	"github.com/mercatorhq/mercator/internal/checkpoint"
	"github.com/mercatorhq/mercator/internal/pipeline"
	"github.com/mercatorhq/mercator/internal/progress"
	"github.com/mercatorhq/mercator/internal/provider"
	"github.com/mercatorhq/mercator/internal/reportindex"
	"github.com/mercatorhq/mercator/internal/research"
	"github.com/mercatorhq/mercator/internal/stages"
	"github.com/mercatorhq/mercator/internal/store"
	"github.com/mercatorhq/mercator/internal/telemetry"
)

// Run wires storage, providers, the pipeline and the HTTP surface together
// and serves until the listener fails. addr overrides the configured server
// address when non-empty.
func Run(cfg *config.Config, addr string) error {
	ctx := context.Background()
	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			}
		}
		httpLogger.Printf("%s %s -> %d: %s", c.Request().Method, c.Request().URL.Path, code, msg)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	origins := cfg.Server.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	var (
		st      pipeline.Store
		pruneFn PruneFunc
	)
	switch cfg.Storage.Checkpoint.Backend {
	case "postgres":
		if err := Migrate("", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		pg, err := store.New(ctx, cfg.Storage.Postgres)
		if err != nil {
			return fmt.Errorf("postgres store: %w", err)
		}
		defer pg.Close()
		st = pg
		pruneFn = pg.DeleteFinishedBefore
	default:
		fs, err := checkpoint.NewFS(cfg.Storage.Checkpoint.Dir, logger)
		if err != nil {
			return fmt.Errorf("checkpoint dir: %w", err)
		}
		st = fs
		pruneFn = func(ctx context.Context, cutoff time.Time) (int64, error) {
			n, err := fs.PruneOlderThan(ctx, cutoff)
			return int64(n), err
		}
	}

	tele := telemetry.New(cfg.Telemetry, prometheus.DefaultRegisterer)
	defer tele.Shutdown()

	engines, err := provider.New(ctx, cfg.Providers, logger)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	defer provider.Close(engines)

	searchers := research.NewSearchers(cfg.Search, logger)
	searchChain := research.NewSearchChain(searchers, logger)
	extractor := research.NewExtractor(cfg.Extract, logger)
	defer extractor.Close()

	registry, err := stages.Default(stages.Deps{
		Searcher:   searchChain,
		Extractor:  extractor,
		Filter:     cfg.Filter,
		MaxResults: cfg.Search.MaxResults,
	})
	if err != nil {
		return fmt.Errorf("stage registry: %w", err)
	}

	var notifier pipeline.Notifier = pipeline.NoopNotifier{}
	if cfg.Redis.Enabled() {
		client, err := progress.Dial(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer client.Close()
		pub := progress.New(client, cfg.Redis, logger)
		notifier = pub
		logger.Printf("publishing progress to redis stream %s", pub.Stream())
	}

	orch := pipeline.NewOrchestrator(registry, st,
		pipeline.WithLogger(logger),
		pipeline.WithTelemetry(tele),
		pipeline.WithNotifier(notifier),
		pipeline.WithStageTimeout(cfg.Pipeline.StageTimeout),
		pipeline.WithMaxConcurrent(cfg.Pipeline.MaxConcurrent),
		pipeline.WithPersistRetry(cfg.Pipeline.PersistAttempts, cfg.Pipeline.PersistBackoff),
		pipeline.WithProviderFactory(provider.Factory(engines, budget.FromConfig(cfg.Budget), tele, logger)),
	)

	idx, err := reportindex.New()
	if err != nil {
		return fmt.Errorf("report index: %w", err)
	}
	defer idx.Close()

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	NewRunsHandler(st, orch, cfg.Pipeline.RunTimeout, logger).Register(api.Group("/runs"))
	NewReportsHandler(st, idx, logger).Register(api.Group("/reports"))

	retention, err := NewRetention(cfg.Retention, pruneFn, logger)
	if err != nil {
		return err
	}
	retention.Start()
	defer retention.Stop()

	if addr == "" {
		addr = cfg.Server.Address
	}
	logger.Printf("listening on %s", addr)
	return e.Start(addr)
}
