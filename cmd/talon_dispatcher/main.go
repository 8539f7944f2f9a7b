package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mvajha/talon/internal/component"
	"github.com/mvajha/talon/internal/config"
	"github.com/mvajha/talon/internal/db"
	"github.com/mvajha/talon/internal/db/repository"
	"github.com/mvajha/talon/internal/dispatch"
	"github.com/mvajha/talon/internal/recovery"
	"github.com/mvajha/talon/internal/sandbox/docker"
	"github.com/mvajha/talon/internal/service/logger"
	"github.com/mvajha/talon/internal/tracing"
)

func main() {
	godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	shutdownTracing := tracing.Init(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
	defer shutdownTracing()

	pgCfg, err := config.GetPostgresConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	dbClient, err := db.New(ctx, pgCfg.URL)
	if err != nil {
		log.Fatalf("db initialization error: %v", err)
	}
	defer dbClient.Close()

	if err := dbClient.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema error: %v", err)
	}

	dispCfg, err := config.GetDispatcherConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	qClient, err := component.GetQueue(cfg.QUEUE_TYPE, dispCfg.MAX_ATTEMPTS)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}
	defer qClient.Shutdown()

	sandboxCfg, err := config.GetSandboxConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	launcher, err := docker.NewDockerLauncher(sandboxCfg)
	if err != nil {
		log.Fatalf("sandbox initialization error: %v", err)
	}
	defer launcher.Close()

	repo := repository.NewJobRepository(dbClient)

	dispatcher, err := dispatch.NewDispatcher(repo, qClient, launcher, dispatch.Config{
		IdlePoll:    time.Duration(dispCfg.IDLE_POLL_MILLIS) * time.Millisecond,
		MaxAttempts: dispCfg.MAX_ATTEMPTS,
	})
	if err != nil {
		log.Fatalf("dispatcher initialization error: %v", err)
	}

	recCfg, err := config.GetRecoveryConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	monitor := recovery.NewMonitor(repo, qClient, launcher, recovery.Config{
		ScanInterval:       time.Duration(recCfg.SCAN_INTERVAL_SECONDS) * time.Second,
		MaxRetries:         recCfg.MAX_RETRIES,
		RetryableExitCodes: recCfg.RETRYABLE_EXIT_CODES,
		SweepGrace:         time.Duration(recCfg.SWEEP_GRACE_SECONDS) * time.Second,
		SweepMaxAge:        time.Duration(recCfg.SWEEP_MAX_AGE_SECONDS) * time.Second,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	log.Println("dispatcher and recovery monitor started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("shutting down dispatcher...")
	cancel()
	wg.Wait()
	log.Println("dispatcher stopped gracefully.")
}
