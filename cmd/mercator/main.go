package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mercatorhq/mercator/config"
	"github.com/mercatorhq/mercator/internal/budget"
	"github.com/mercatorhq/mercator/internal/checkpoint"
	"github.com/mercatorhq/mercator/internal/pipeline"
	"github.com/mercatorhq/mercator/internal/provider"
	"github.com/mercatorhq/mercator/internal/research"
	srv "github.com/mercatorhq/mercator/internal/server"
	"github.com/mercatorhq/mercator/internal/stages"
	"github.com/mercatorhq/mercator/internal/store"
	"github.com/mercatorhq/mercator/internal/telemetry"
)

func main() {
	var root = &cobra.Command{Use: "mercator"}

	root.AddCommand(serveCMD(), runCMD(), migrateCMD())
	_ = root.Execute()
}

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			return srv.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}

func runCMD() *cobra.Command {
	var (
		cfgPath  string
		segment  string
		product  string
		audience string
		price    float64
		query    string
		force    bool
		timeout  time.Duration
	)
	var run = &cobra.Command{
		Use:   "run",
		Short: "Execute one analysis run and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if segment == "" || product == "" {
				return fmt.Errorf("--segment and --product are required")
			}
			cfg := config.LoadConfig(cfgPath)
			logger := log.New(log.Writer(), "[RUN] ", log.LstdFlags)

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var st pipeline.Store
			switch cfg.Storage.Checkpoint.Backend {
			case "postgres":
				pg, err := store.New(ctx, cfg.Storage.Postgres)
				if err != nil {
					return fmt.Errorf("postgres store: %w", err)
				}
				defer pg.Close()
				st = pg
			default:
				fs, err := checkpoint.NewFS(cfg.Storage.Checkpoint.Dir, logger)
				if err != nil {
					return fmt.Errorf("checkpoint dir: %w", err)
				}
				st = fs
			}

			tele := telemetry.New(cfg.Telemetry, prometheus.DefaultRegisterer)
			defer tele.Shutdown()

			engines, err := provider.New(ctx, cfg.Providers, logger)
			if err != nil {
				return fmt.Errorf("providers: %w", err)
			}
			defer provider.Close(engines)

			searchers := research.NewSearchers(cfg.Search, logger)
			extractor := research.NewExtractor(cfg.Extract, logger)
			defer extractor.Close()

			registry, err := stages.Default(stages.Deps{
				Searcher:   research.NewSearchChain(searchers, logger),
				Extractor:  extractor,
				Filter:     cfg.Filter,
				MaxResults: cfg.Search.MaxResults,
			})
			if err != nil {
				return fmt.Errorf("stage registry: %w", err)
			}

			orch := pipeline.NewOrchestrator(registry, st,
				pipeline.WithLogger(logger),
				pipeline.WithTelemetry(tele),
				pipeline.WithStageTimeout(cfg.Pipeline.StageTimeout),
				pipeline.WithMaxConcurrent(cfg.Pipeline.MaxConcurrent),
				pipeline.WithPersistRetry(cfg.Pipeline.PersistAttempts, cfg.Pipeline.PersistBackoff),
				pipeline.WithProviderFactory(provider.Factory(engines, budget.FromConfig(cfg.Budget), tele, logger)),
			)

			pr := pipeline.NewRun(pipeline.RunParams{
				Segment:  segment,
				Product:  product,
				Audience: audience,
				Price:    price,
				Query:    query,
			})
			pr.Force = force
			report, err := orch.Execute(ctx, pr)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	run.Flags().StringVar(&segment, "segment", "", "market segment to analyze")
	run.Flags().StringVar(&product, "product", "", "product or offer")
	run.Flags().StringVar(&audience, "audience", "", "target audience")
	run.Flags().Float64Var(&price, "price", 0, "offer price")
	run.Flags().StringVar(&query, "query", "", "extra research query")
	run.Flags().BoolVar(&force, "force", false, "re-execute stages even when checkpointed")
	run.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "overall run deadline")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}

func migrateCMD() *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int
	var cfgPath string

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			dsn := cfg.Storage.Postgres.DSN()
			if dsn == "" {
				return fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return migrate
}
