package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/field-dispatch/internal/assignment"
	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/dispatch"
	"github.com/example/field-dispatch/internal/eta"
	"github.com/example/field-dispatch/internal/geo"
	httpapi "github.com/example/field-dispatch/internal/http"
	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/route"
	"github.com/example/field-dispatch/internal/scheduler"
	"github.com/example/field-dispatch/internal/selector"
	"github.com/example/field-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, AddSource: cfg.LogSource})

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN)
	}

	var workers geo.Index
	if cfg.RedisAddr != "" {
		workers = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		workers = geo.NewMemoryIndex()
	}

	var store storage.DispatchStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("no PG_DSN set, using in-memory store")
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	wsreg := dispatch.NewWSRegistry(logger)
	notifier := dispatch.NewPushNotifier(os.Getenv("PUSH_ENDPOINT"), wsreg)

	engine := &assignment.Engine{
		Store:    store,
		Selector: &selector.Service{Index: workers, TopN: cfg.SelectorTopN, MaxRadiusM: cfg.MaxRadiusM},
		Notifier: notifier,
		Workers:  workers,
		Logger:   logger,
		OfferTTL: cfg.OfferTTL,
	}

	optimizer := &route.Optimizer{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		optimizer.ETA = eta.NewOSRMClient(cfg.OSRMEndpoint)
		optimizer.Cache = eta.NewCache(cfg.ETACacheTTL)
	}

	srv := httpapi.NewServer(engine, store, workers, optimizer, kp, wsreg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := scheduler.NewSweeper(store, engine, logger, cfg.SweepInterval)
	go sweeper.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("field-dispatch listening", "addr", cfg.HTTPAddr, "offer_ttl", cfg.OfferTTL, "sweep_interval", cfg.SweepInterval)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// optional migration: run migrations/001_create_dispatch.sql if requested
func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	log.Printf("migration applied: 001_create_dispatch.sql")
}
