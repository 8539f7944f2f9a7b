package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mvajha/talon/internal/component"
	"github.com/mvajha/talon/internal/config"
	"github.com/mvajha/talon/internal/db"
	"github.com/mvajha/talon/internal/db/repository"
	"github.com/mvajha/talon/internal/sandbox/docker"
	jobservice "github.com/mvajha/talon/internal/service/job_service"
	"github.com/mvajha/talon/internal/service/logger"
	"github.com/mvajha/talon/internal/tracing"
	"github.com/mvajha/talon/internal/web"
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

	storageClient, err := component.GetStorage(ctx)
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}
	defer storageClient.Close()

	cacheClient, err := component.GetCache()
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}

	limiter, err := component.GetLimiter(dbClient)
	if err != nil {
		log.Fatalf("rate limiter initialization error: %v", err)
	}

	jobCfg, err := config.GetJobConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	sandboxCfg, err := config.GetSandboxConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	launcher, err := docker.NewDockerLauncher(sandboxCfg)
	if err != nil {
		log.Fatalf("sandbox initialization error: %v", err)
	}
	defer launcher.Close()

	jobService := jobservice.NewJobService(
		repository.NewJobRepository(dbClient),
		repository.NewLogRepository(dbClient),
		limiter, cacheClient, storageClient, qClient, launcher, *jobCfg,
	)
	server := web.NewServer(jobService)

	serverCfg, err := config.GetServerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	srv := &http.Server{
		Addr:              serverCfg.ADDR,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // log streams are long-lived
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("HTTP server started on %s", serverCfg.ADDR)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("trying to shutdown server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Graceful shutdown failed: %v", err)
	}

	log.Println("Server stopped gracefully.")
}
