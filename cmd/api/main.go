// Package main implements the collision estimate API server.
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
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/wessley-collision/engine/config"
	"github.com/WessleyAI/wessley-collision/engine/estimate"
	"github.com/WessleyAI/wessley-collision/engine/graph"
	"github.com/WessleyAI/wessley-collision/engine/ingest"
	"github.com/WessleyAI/wessley-collision/engine/mapper"
	"github.com/WessleyAI/wessley-collision/engine/normalize"
	"github.com/WessleyAI/wessley-collision/engine/ontology"
	"github.com/WessleyAI/wessley-collision/engine/pipeline"
	"github.com/WessleyAI/wessley-collision/engine/store"
	"github.com/WessleyAI/wessley-collision/pkg/metrics"
	"github.com/WessleyAI/wessley-collision/pkg/repo"
	"github.com/WessleyAI/wessley-collision/pkg/resilience"
	"github.com/WessleyAI/wessley-collision/pkg/tracing"
)

type flags struct {
	configPath    string
	exportGraph   bool
	graphOntology bool
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var f flags
	flag.StringVar(&f.configPath, "config", os.Getenv("COLLISION_CONFIG"), "path to the YAML config file")
	flag.BoolVar(&f.exportGraph, "export-graph", false, "write the loaded ontologies to Neo4j at startup")
	flag.BoolVar(&f.graphOntology, "graph-ontology", false, "also load ontologies stored in Neo4j")
	flag.Parse()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, f, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, f flags, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	// --- Connect to Neo4j (store backend or ontology graph) ---
	var driver neo4j.DriverWithContext
	if cfg.Store.Neo4j.URL != "" {
		driver, err = neo4j.NewDriverWithContext(cfg.Store.Neo4j.URL,
			neo4j.BasicAuth(cfg.Store.Neo4j.User, cfg.Store.Neo4j.Password, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(context.Background())
	}

	// --- Ontology ---
	models, err := loadModels(ctx, cfg, driver, f, logger)
	if err != nil {
		return err
	}

	// --- Estimate store ---
	st, closeStore, err := store.Open(ctx, cfg, driver, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Connect to NATS ---
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("collision-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
	}

	reg := metrics.New()
	deps := pipeline.Deps{
		Models:     models,
		Ingestor:   ingest.New(models, nil, cfg.Ingest(), logger),
		Normalizer: normalize.New(cfg.Normalize()),
		Mapper:     mapper.New(cfg.Severity),
		Estimator:  estimate.New(cfg.Pricing()),
		Store:      st,
		Breaker: pipeline.NewStoreBreaker(resilience.BreakerOpts{
			FailThreshold: cfg.Store.BreakerThreshold,
			Timeout:       cfg.Store.BreakerTimeout,
			OnStateChange: func(from, to resilience.State) {
				logger.Warn("store breaker state change", "from", from, "to", to)
			},
		}),
		Metrics:      reg,
		Logger:       logger,
		StoreTimeout: cfg.Server.StoreTimeout,
	}
	if nc != nil {
		deps.Publisher = nc
	}
	svc := pipeline.New(deps)

	if nc != nil {
		subs, err := pipeline.StartConsumers(nc, svc, pipeline.ConsumerOpts{
			Queue:      cfg.NATS.Queue,
			MaxRetries: cfg.NATS.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		logger.Info("nats consumers started", "subscriptions", len(subs), "subject", pipeline.TelemetrySubject)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newHandler(svc, cfg, reg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api server starting", "addr", cfg.Server.Addr, "store", cfg.Store.Backend, "models", models.IDs())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if f.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, f.configPath, logger, func(c *config.Config) {
				svc.Ingestor().SetConfig(c.Ingest())
				svc.Estimator().SetPricing(c.Pricing())
			})
		})
	}

	sched := cron.New()
	ttl := cfg.SessionIdleTTL
	if _, err := sched.AddFunc(cfg.EvictionSchedule, func() { svc.EvictIdleSessions(ttl) }); err != nil {
		return fmt.Errorf("eviction schedule: %w", err)
	}
	if _, err := sched.AddFunc(cfg.PersistRetrySchedule, func() {
		if left := svc.RetryPending(gctx); left > 0 {
			logger.Warn("estimates still waiting for the store", "pending", left)
		}
	}); err != nil {
		return fmt.Errorf("persist retry schedule: %w", err)
	}
	sched.Start()
	g.Go(func() error {
		<-gctx.Done()
		<-sched.Stop().Done()
		return nil
	})

	return g.Wait()
}

// loadModels builds the ontology registry from the built-in catalogs, the
// configured catalog directory and, when asked, the Neo4j graph.
func loadModels(ctx context.Context, cfg *config.Config, driver neo4j.DriverWithContext, f flags, logger *slog.Logger) (*ontology.Registry, error) {
	var extra []*ontology.VehicleModel
	if cfg.OntologyDir != "" {
		ms, err := ontology.LoadDir(cfg.OntologyDir)
		if err != nil {
			return nil, fmt.Errorf("ontology dir: %w", err)
		}
		extra = append(extra, ms...)
	}

	var gs *graph.Store
	if f.exportGraph || f.graphOntology {
		if driver == nil {
			return nil, errors.New("graph ontology needs store.neo4j.url")
		}
		gs = graph.New(repo.DriverSessions(driver, cfg.Store.Neo4j.Database), logger)
		if err := gs.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("graph schema: %w", err)
		}
	}
	if f.graphOntology {
		ms, err := gs.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("graph ontology: %w", err)
		}
		extra = append(extra, ms...)
	}

	reg, err := ontology.DefaultRegistry(extra...)
	if err != nil {
		return nil, fmt.Errorf("ontology: %w", err)
	}
	if f.exportGraph {
		for _, id := range reg.IDs() {
			m, _ := reg.Get(id)
			if err := gs.Export(ctx, m); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}
