// Package config reads service settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

type Settings struct {
	ListenAddr string
	QueueName  string
	StoreKind  string // "redis" or "memory"

	RedisURL      string
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string

	MaxWorkers   int
	RetryCeiling int
	MaxStrikes   int

	LeaseTimeout time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	PollInterval time.Duration

	InvokeTimeout time.Duration
	DrainGrace    time.Duration

	OllamaHost  string
	OllamaModel string

	ResultWebhookURL string

	Verbose bool
}

func Load() Settings {
	return Settings{
		ListenAddr: GetStr("LISTEN_ADDR", ":8080"),
		QueueName:  GetStr("QUEUE_NAME", "inference_requests"),
		StoreKind:  GetStr("QUEUE_STORE", "redis"),

		RedisURL:      GetStr("REDIS_URL", ""),
		RedisHost:     GetStr("REDIS_HOST", "localhost"),
		RedisPort:     GetInt("REDIS_PORT", 6379),
		RedisDB:       GetInt("REDIS_DB", 0),
		RedisPassword: GetStr("REDIS_PASSWORD", ""),

		MaxWorkers:   GetInt("MAX_WORKERS", 1),
		RetryCeiling: GetInt("RETRY_CEILING", 3),
		MaxStrikes:   GetInt("MAX_STRIKES", 3),

		LeaseTimeout: GetDurMs("LEASE_TIMEOUT_MS", 2*time.Minute),
		BackoffBase:  GetDurMs("BACKOFF_BASE_MS", 5*time.Second),
		BackoffCap:   GetDurMs("BACKOFF_CAP_MS", 5*time.Minute),
		PollInterval: GetDurMs("POLL_INTERVAL_MS", 250*time.Millisecond),

		InvokeTimeout: GetDurMs("INVOKE_TIMEOUT_MS", 2*time.Minute),
		DrainGrace:    GetDurMs("DRAIN_GRACE_MS", 30*time.Second),

		OllamaHost:  GetStr("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel: GetStr("OLLAMA_MODEL", "llama3"),

		ResultWebhookURL: GetStr("RESULT_WEBHOOK_URL", ""),

		Verbose: GetBool("VERBOSE", false),
	}
}

func GetStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func GetInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func GetBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func GetDurMs(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
