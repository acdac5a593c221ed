// Command ingest replays recorded telemetry (*.jsonl, one submission per
// line) through the collision pipeline. Files are rescanned on a cron
// schedule and each file is replayed once; sessions within a file run in
// parallel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/robfig/cron/v3"

	"github.com/WessleyAI/wessley-collision/engine/config"
	"github.com/WessleyAI/wessley-collision/engine/estimate"
	"github.com/WessleyAI/wessley-collision/engine/ingest"
	"github.com/WessleyAI/wessley-collision/engine/mapper"
	"github.com/WessleyAI/wessley-collision/engine/normalize"
	"github.com/WessleyAI/wessley-collision/engine/ontology"
	"github.com/WessleyAI/wessley-collision/engine/pipeline"
	"github.com/WessleyAI/wessley-collision/engine/store"
	"github.com/WessleyAI/wessley-collision/pkg/metrics"
)

func main() {
	_ = godotenv.Load()

	var (
		dataDir     = flag.String("dir", "/tmp/collision-recordings", "directory of *.jsonl telemetry recordings")
		configPath  = flag.String("config", os.Getenv("COLLISION_CONFIG"), "path to the YAML config file")
		stateFile   = flag.String("state", "", "processed files state (default <dir>/.replay-state.json)")
		schedule    = flag.String("schedule", "@every 30s", "cron spec for directory scans")
		once        = flag.Bool("once", false, "scan once and exit")
		workers     = flag.Int("workers", 8, "sessions replayed in parallel")
		metricsAddr = flag.String("metrics", ":9091", "metrics listen address (empty disables)")
		consume     = flag.Bool("consume", false, "also consume telemetry from NATS (needs nats.url)")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if *stateFile == "" {
		*stateFile = filepath.Join(*dataDir, ".replay-state.json")
	}

	opts := options{
		dir:         *dataDir,
		state:       *stateFile,
		schedule:    *schedule,
		once:        *once,
		workers:     *workers,
		metricsAddr: *metricsAddr,
		consume:     *consume,
	}
	if err := run(cfg, opts, log); err != nil {
		log.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

type options struct {
	dir         string
	state       string
	schedule    string
	once        bool
	workers     int
	metricsAddr string
	consume     bool
}

func run(cfg *config.Config, opts options, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var driver neo4j.DriverWithContext
	if cfg.Store.Backend == "neo4j" {
		var err error
		driver, err = neo4j.NewDriverWithContext(cfg.Store.Neo4j.URL,
			neo4j.BasicAuth(cfg.Store.Neo4j.User, cfg.Store.Neo4j.Password, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(context.Background())
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return fmt.Errorf("neo4j verify: %w", err)
		}
		log.Info("connected to Neo4j")
	}

	var extra []*ontology.VehicleModel
	if cfg.OntologyDir != "" {
		ms, err := ontology.LoadDir(cfg.OntologyDir)
		if err != nil {
			return fmt.Errorf("ontology dir: %w", err)
		}
		extra = ms
	}
	models, err := ontology.DefaultRegistry(extra...)
	if err != nil {
		return fmt.Errorf("ontology: %w", err)
	}

	st, closeStore, err := store.Open(ctx, cfg, driver, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("collision-ingest"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		log.Info("connected to NATS", "url", cfg.NATS.URL)
	}

	met := metrics.New()
	deps := pipeline.Deps{
		Models:       models,
		Ingestor:     ingest.New(models, nil, cfg.Ingest(), log),
		Normalizer:   normalize.New(cfg.Normalize()),
		Mapper:       mapper.New(cfg.Severity),
		Estimator:    estimate.New(cfg.Pricing()),
		Store:        st,
		Metrics:      met,
		Logger:       log,
		StoreTimeout: cfg.Server.StoreTimeout,
	}
	if nc != nil {
		deps.Publisher = nc
	}
	svc := pipeline.New(deps)

	if opts.consume {
		if nc == nil {
			return fmt.Errorf("-consume needs nats.url")
		}
		if _, err := pipeline.StartConsumers(nc, svc, pipeline.ConsumerOpts{
			Queue:      cfg.NATS.Queue,
			MaxRetries: cfg.NATS.MaxRetries,
			Logger:     log,
		}); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		log.Info("consuming telemetry", "subject", pipeline.TelemetrySubject, "queue", cfg.NATS.Queue)
	}

	if opts.metricsAddr != "" {
		go func() {
			if err := met.Serve(ctx, opts.metricsAddr); err != nil {
				log.Error("metrics server failed", "addr", opts.metricsAddr, "err", err)
			}
		}()
	}

	if err := os.MkdirAll(opts.dir, 0o755); err != nil {
		return err
	}
	sc, err := newScanner(opts.dir, opts.state, &replayer{svc: svc, workers: opts.workers, log: log, met: met}, log, met)
	if err != nil {
		return err
	}

	if opts.once {
		sc.scan(ctx)
		return nil
	}

	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := sched.AddFunc(opts.schedule, func() { sc.scan(ctx) }); err != nil {
		return fmt.Errorf("scan schedule: %w", err)
	}
	ttl := cfg.SessionIdleTTL
	if _, err := sched.AddFunc(cfg.EvictionSchedule, func() { svc.EvictIdleSessions(ttl) }); err != nil {
		return fmt.Errorf("eviction schedule: %w", err)
	}

	log.Info("watching for recordings", "dir", opts.dir, "schedule", opts.schedule, "workers", opts.workers)
	sc.scan(ctx)
	sched.Start()
	<-ctx.Done()
	log.Info("shutting down")
	<-sched.Stop().Done()
	return nil
}
