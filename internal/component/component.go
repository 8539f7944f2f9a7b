package component

import (
	"context"

	"github.com/mvajha/talon/internal/cache"
	"github.com/mvajha/talon/internal/cache/freecache"
	"github.com/mvajha/talon/internal/config"
	"github.com/mvajha/talon/internal/db"
	"github.com/mvajha/talon/internal/queue"
	"github.com/mvajha/talon/internal/queue/jetstream"
	"github.com/mvajha/talon/internal/queue/memqueue"
	"github.com/mvajha/talon/internal/ratelimit"
	"github.com/mvajha/talon/internal/ratelimit/memory"
	"github.com/mvajha/talon/internal/ratelimit/postgres"
	"github.com/mvajha/talon/internal/storage"
	"github.com/mvajha/talon/internal/storage/minio"
)

func GetQueue(qType string, maxDeliver int) (queue.Queue, error) {
	switch qType {
	case "memory":
		return memqueue.New(), nil
	default:
		cfg, err := config.GetNatsConfig()
		if err != nil {
			return nil, err
		}
		return jetstream.NewJetStreamClient(cfg.URL, maxDeliver)
	}
}

func GetLimiter(dbClient *db.DB) (ratelimit.Limiter, error) {
	cfg, err := config.GetRateLimitConfig()
	if err != nil {
		return nil, err
	}
	switch cfg.BACKEND {
	case "memory":
		return memory.NewMemoryLimiter(cfg.JOBS_PER_MIN), nil
	default:
		return postgres.NewPostgresLimiter(dbClient, cfg.JOBS_PER_MIN), nil
	}
}

func GetCache() (cache.Cache, error) {
	cfg, err := config.GetFreeCacheConfig()
	if err != nil {
		return nil, err
	}
	return freecache.NewFreeCache(cfg.SIZE_BYTES, cfg.TTL), nil
}

func GetStorage(ctx context.Context) (storage.Storage, error) {
	cfg, err := config.GetMinioConfig()
	if err != nil {
		return nil, err
	}
	return minio.NewMinioClient(ctx, cfg)
}
