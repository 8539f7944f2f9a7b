package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type ServerConfig struct {
	ADDR string
}

type PostgresConfig struct {
	URL string
}

type NatsConfig struct {
	URL string
}

type MinioConfig struct {
	URL             string
	ARTIFACT_BUCKET string
	ACCESS_KEY      string
	SECRET_KEY      string
	USE_SSL         bool
}

type RateLimitConfig struct {
	BACKEND      string
	JOBS_PER_MIN int
}

type JobConfig struct {
	MIN_TIMEOUT_SECONDS     int
	MAX_TIMEOUT_SECONDS     int
	DEFAULT_TIMEOUT_SECONDS int
}

type DispatcherConfig struct {
	IDLE_POLL_MILLIS int
	MAX_ATTEMPTS     int
}

type RecoveryConfig struct {
	SCAN_INTERVAL_SECONDS int
	MAX_RETRIES           int
	RETRYABLE_EXIT_CODES  []int
	SWEEP_GRACE_SECONDS   int
	SWEEP_MAX_AGE_SECONDS int
}

type SandboxConfig struct {
	AGENT_IMAGE  string
	CPU_QUOTA    int
	MEMORY_BYTES int
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
	QUEUE_TYPE   string
}

func env(key string) string {
	return os.Getenv(key)
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func GetServerConfig() (*ServerConfig, error) {
	return &ServerConfig{
		ADDR: envDefault("SERVER_ADDR", ":8080"),
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	return &NatsConfig{
		URL: url,
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	ab := env("MINIO_ARTIFACT_BUCKET")
	if ab == "" {
		return nil, fmt.Errorf("KEY: MINIO_ARTIFACT_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:             url,
		ARTIFACT_BUCKET: ab,
		USE_SSL:         ssl == "true",
		ACCESS_KEY:      ak,
		SECRET_KEY:      sk,
	}, nil
}

func GetRateLimitConfig() (*RateLimitConfig, error) {
	limit, err := convertStringToInt(envDefault("RATE_LIMIT_JOBS_PER_MIN", "10"), "RATE_LIMIT_JOBS_PER_MIN")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("KEY: RATE_LIMIT_JOBS_PER_MIN must be positive")
	}
	return &RateLimitConfig{
		BACKEND:      envDefault("RATE_LIMIT_BACKEND", "postgres"),
		JOBS_PER_MIN: limit,
	}, nil
}

func GetJobConfig() (*JobConfig, error) {
	minT, err := convertStringToInt(envDefault("JOB_MIN_TIMEOUT_SECONDS", "60"), "JOB_MIN_TIMEOUT_SECONDS")
	if err != nil {
		return nil, err
	}
	maxT, err := convertStringToInt(envDefault("JOB_MAX_TIMEOUT_SECONDS", "3600"), "JOB_MAX_TIMEOUT_SECONDS")
	if err != nil {
		return nil, err
	}
	defT, err := convertStringToInt(envDefault("JOB_DEFAULT_TIMEOUT_SECONDS", "600"), "JOB_DEFAULT_TIMEOUT_SECONDS")
	if err != nil {
		return nil, err
	}
	if minT > maxT || defT < minT || defT > maxT {
		return nil, fmt.Errorf("job timeout bounds are inconsistent: min=%d default=%d max=%d", minT, defT, maxT)
	}
	return &JobConfig{
		MIN_TIMEOUT_SECONDS:     minT,
		MAX_TIMEOUT_SECONDS:     maxT,
		DEFAULT_TIMEOUT_SECONDS: defT,
	}, nil
}

func GetDispatcherConfig() (*DispatcherConfig, error) {
	idle, err := convertStringToInt(envDefault("DISPATCH_IDLE_POLL_MILLIS", "2000"), "DISPATCH_IDLE_POLL_MILLIS")
	if err != nil {
		return nil, err
	}
	attempts, err := convertStringToInt(envDefault("DISPATCH_MAX_ATTEMPTS", "5"), "DISPATCH_MAX_ATTEMPTS")
	if err != nil {
		return nil, err
	}
	return &DispatcherConfig{
		IDLE_POLL_MILLIS: idle,
		MAX_ATTEMPTS:     attempts,
	}, nil
}

func GetRecoveryConfig() (*RecoveryConfig, error) {
	scan, err := convertStringToInt(envDefault("RECOVERY_SCAN_INTERVAL_SECONDS", "10"), "RECOVERY_SCAN_INTERVAL_SECONDS")
	if err != nil {
		return nil, err
	}
	retries, err := convertStringToInt(envDefault("RECOVERY_MAX_RETRIES", "2"), "RECOVERY_MAX_RETRIES")
	if err != nil {
		return nil, err
	}
	grace, err := convertStringToInt(envDefault("SWEEP_GRACE_SECONDS", "120"), "SWEEP_GRACE_SECONDS")
	if err != nil {
		return nil, err
	}
	maxAge, err := convertStringToInt(envDefault("SWEEP_MAX_AGE_SECONDS", "1800"), "SWEEP_MAX_AGE_SECONDS")
	if err != nil {
		return nil, err
	}

	// Exit codes the monitor treats as sandbox-infrastructure crashes,
	// eligible for re-dispatch. 137/143 are SIGKILL/SIGTERM from the host.
	codes := []int{125, 137, 143}
	if raw := env("RECOVERY_RETRYABLE_EXIT_CODES"); raw != "" {
		codes = codes[:0]
		for _, part := range strings.Split(raw, ",") {
			c, err := convertStringToInt(strings.TrimSpace(part), "RECOVERY_RETRYABLE_EXIT_CODES")
			if err != nil {
				return nil, err
			}
			codes = append(codes, c)
		}
	}

	return &RecoveryConfig{
		SCAN_INTERVAL_SECONDS: scan,
		MAX_RETRIES:           retries,
		RETRYABLE_EXIT_CODES:  codes,
		SWEEP_GRACE_SECONDS:   grace,
		SWEEP_MAX_AGE_SECONDS: maxAge,
	}, nil
}

func GetSandboxConfig() (*SandboxConfig, error) {
	image := env("AGENT_IMAGE")
	if image == "" {
		return nil, fmt.Errorf("KEY: AGENT_IMAGE is empty")
	}
	cpu, err := convertStringToInt(envDefault("SANDBOX_CPU_QUOTA", "100000"), "SANDBOX_CPU_QUOTA")
	if err != nil {
		return nil, err
	}
	mem, err := convertStringToInt(envDefault("SANDBOX_MEMORY_BYTES", "1073741824"), "SANDBOX_MEMORY_BYTES")
	if err != nil {
		return nil, err
	}
	return &SandboxConfig{
		AGENT_IMAGE:  image,
		CPU_QUOTA:    cpu,
		MEMORY_BYTES: mem,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := convertStringToInt(envDefault("FREECACHE_TTL", "30"), "FREECACHE_TTL")
	if err != nil {
		return nil, err
	}
	fs, err := convertStringToInt(envDefault("FREECACHE_SIZE", "16777216"), "FREECACHE_SIZE")
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    env("TRACE_URL"),
		QUEUE_TYPE:   envDefault("QUEUE_TYPE", "jetstream"),
	}, nil
}
