// Package config holds gflowd's environment-driven configuration, read once
// at process start.
package config

import (
	"github.com/catalystcommunity/app-utils-go/env"
)

var (
	// Port is the HTTP control surface's listen port.
	Port = env.GetEnvAsIntOrDefault("GFLOWD_PORT", "9090")

	// DataDir is where state.*, logs/ and the daemon trace log live.
	DataDir = env.GetEnvOrDefault("GFLOWD_DATA_DIR", "./data")

	// Persistence backend: "file" (default) or "postgres".
	PersistenceBackend = env.GetEnvOrDefault("GFLOWD_PERSISTENCE_BACKEND", "file")
	PostgresDSN         = env.GetEnvOrDefault("GFLOWD_POSTGRES_DSN", "")

	// State-saver debounce/upper-bound, in milliseconds.
	StateSaverDebounceMS  = env.GetEnvAsIntOrDefault("GFLOWD_STATE_SAVER_DEBOUNCE_MS", "250")
	StateSaverMaxDelayMS  = env.GetEnvAsIntOrDefault("GFLOWD_STATE_SAVER_MAX_DELAY_MS", "5000")

	// GPU source: "nvml" (default) or "static".
	GpuSource       = env.GetEnvOrDefault("GFLOWD_GPU_SOURCE", "nvml")
	StaticGpuCount  = env.GetEnvAsIntOrDefault("GFLOWD_STATIC_GPU_COUNT", "0")

	// TotalMemoryMB overrides the gopsutil-detected system memory when > 0.
	TotalMemoryMB = env.GetEnvAsIntOrDefault("GFLOWD_TOTAL_MEMORY_MB", "0")

	// Executor backend: "tmux" (default), "docker" or "kubernetes".
	ExecutorBackend       = env.GetEnvOrDefault("GFLOWD_EXECUTOR_BACKEND", "tmux")
	DockerImage           = env.GetEnvOrDefault("GFLOWD_DOCKER_IMAGE", "gflowd-runner:latest")
	KubernetesNamespace   = env.GetEnvOrDefault("GFLOWD_KUBERNETES_NAMESPACE", "default")
	KubernetesKubeconfig  = env.GetEnvOrDefault("GFLOWD_KUBECONFIG", "")

	// Object store backend for captured job output: "filesystem" (default) or "s3".
	ObjectStoreType   = env.GetEnvOrDefault("GFLOWD_OBJECT_STORE_TYPE", "filesystem")
	ObjectStoreBucket = env.GetEnvOrDefault("GFLOWD_OBJECT_STORE_BUCKET", "gflowd-job-logs")
	ObjectStorePrefix = env.GetEnvOrDefault("GFLOWD_OBJECT_STORE_PREFIX", "logs/")

	// Monitor intervals, in seconds (spec defaults: 10s/10s/10s/60s).
	GpuMonitorIntervalSec         = env.GetEnvAsIntOrDefault("GFLOWD_GPU_MONITOR_INTERVAL_SEC", "10")
	ZombieMonitorIntervalSec      = env.GetEnvAsIntOrDefault("GFLOWD_ZOMBIE_MONITOR_INTERVAL_SEC", "10")
	TimeoutMonitorIntervalSec     = env.GetEnvAsIntOrDefault("GFLOWD_TIMEOUT_MONITOR_INTERVAL_SEC", "10")
	ReservationMonitorIntervalSec = env.GetEnvAsIntOrDefault("GFLOWD_RESERVATION_MONITOR_INTERVAL_SEC", "60")
	ReservationRetentionDays      = env.GetEnvAsIntOrDefault("GFLOWD_RESERVATION_RETENTION_DAYS", "7")
	SchedulerLoopTickSec          = env.GetEnvAsIntOrDefault("GFLOWD_SCHEDULER_LOOP_TICK_SEC", "5")

	// Webhook notifier: comma-separated target URLs. Every target receives
	// every event kind for every user, with no extra headers; the timeout and
	// retry settings below apply to all of them.
	WebhookURLs           = env.GetEnvOrDefault("GFLOWD_WEBHOOK_URLS", "")
	WebhookMaxRetries     = env.GetEnvAsIntOrDefault("GFLOWD_WEBHOOK_MAX_RETRIES", "5")
	WebhookTimeoutSec     = env.GetEnvAsIntOrDefault("GFLOWD_WEBHOOK_TIMEOUT_SEC", "10")
	WebhookConcurrency    = env.GetEnvAsIntOrDefault("GFLOWD_WEBHOOK_CONCURRENCY", "4")

	// CORS.
	CorsAllowedOrigins = env.GetEnvOrDefault("GFLOWD_CORS_ALLOWED_ORIGINS", "*")

	// ShutdownGraceSec bounds how long graceful shutdown waits for in-flight
	// handlers before exiting.
	ShutdownGraceSec = env.GetEnvAsIntOrDefault("GFLOWD_SHUTDOWN_GRACE_SEC", "15")
)
