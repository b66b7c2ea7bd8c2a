package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"rushorder/internal/api"
	"rushorder/internal/checkout"
	"rushorder/internal/config"
	"rushorder/internal/engine"
	"rushorder/internal/logging"
	"rushorder/internal/monitor"
	"rushorder/internal/registry"
	"rushorder/internal/retry"
	"rushorder/internal/scheduler"
	"rushorder/internal/store"
	"rushorder/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML or JSON config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "expose /debug/pprof")
	)
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log.Logger = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := log.Logger

	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Database.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	reg := registry.New(repo, logger)
	if err := reg.Load(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("load registry")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mon := monitor.New(promReg, cfg.Monitor.Window)

	rc, err := cfg.RetryPolicy()
	if err != nil {
		log.Fatal().Err(err).Msg("retry policy")
	}
	policy := retry.New(rc, &http.Client{}, logger)
	monitor.RegisterRetryStats(promReg, policy.Stats)

	// persistence worker outlives the scheduler so the last results flush
	poolCtx, stopPool := context.WithCancel(context.Background())
	pool := worker.NewPool(repo, logger, cfg.Worker.QueueSize, cfg.Worker.Workers)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(poolCtx)
		close(poolDone)
	}()

	eng := engine.New(checkout.NewBuilder(cfg.Checkout.BaseURL), policy, mon, pool, logger)

	sched := scheduler.NewService(reg, eng, logger, scheduler.Options{
		RearmDaily:  cfg.Scheduler.RearmDaily,
		SweepSpec:   cfg.Scheduler.SweepCron,
		ClockOffset: cfg.ClockOffset(),
	})
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	handler := api.NewServer(api.Deps{
		Registry:      reg,
		Scheduler:     sched,
		Monitor:       mon,
		RetryStats:    policy.Stats,
		Gatherer:      promReg,
		Log:           logger,
		RunRatePerMin: cfg.Server.RunRatePerMin,
		Debug:         *debug,
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Int("accounts", len(reg.Accounts())).Int("tasks", len(reg.Tasks())).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	sched.Close()
	stopPool()
	select {
	case <-poolDone:
	case <-ctxTimeout.Done():
		log.Warn().Msg("persistence queue not flushed before timeout")
	}
}
