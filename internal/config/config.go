package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort        string
	RedisAddr         string
	RedisPass         string
	RedisDB           int
	WorkerCount       int
	MaxConcurrency    int
	Retention         time.Duration
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
	GenerateURL       string
	WorkerID          string
}

func Load() *Config {
	return &Config{
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:         getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		WorkerCount:       getEnvInt("WORKER_COUNT", 3),
		MaxConcurrency:    getEnvInt("MAX_CONCURRENCY", 10),
		Retention:         getEnvDuration("RETENTION", 24*time.Hour),
		TaskTimeout:       getEnvDuration("TASK_TIMEOUT", 5*time.Minute),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		DrainTimeout:      getEnvDuration("DRAIN_TIMEOUT", 60*time.Second),
		GenerateURL:       getEnv("GENERATE_URL", "http://localhost:9090/generate"),
		WorkerID:          getEnv("WORKER_ID", defaultWorkerID()),
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
