// Package config loads the collaborative editing core's runtime
// configuration from the environment, with optional .env support via
// godotenv for local development — the same pattern the teacher
// repo's go.mod declares but never wires up.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in the spec's configuration table
// (§6), plus connection settings for the persistence adapters.
type Config struct {
	Port string

	RateWindow             time.Duration
	RateMax                int
	BackpressureThreshold  int
	SendQueueCap           int
	RoomTTL                time.Duration
	ReaperInterval         time.Duration
	SnapshotOps            int
	SnapshotInterval       time.Duration
	MaxContentBytes        int // counted in runes; see DESIGN.md's Unicode scalar decision
	MaxParticipantsPerRoom int
	IdleTimeout            time.Duration
	BroadcastBufferSize    int

	PostgresDSN      string
	RedisAddr        string
	RedisPassword    string
	S3Bucket         string
	S3Region         string
	SnapshotArchiveAge time.Duration
}

// Load reads configuration from the environment. It attempts to load a
// .env file first (ignoring a missing file, the same tolerance the
// teacher's dependency graph implies by depending on godotenv at all).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port: getEnv("PORT", "8080"),

		RateWindow:             getEnvDuration("RATE_WINDOW", time.Second),
		RateMax:                getEnvInt("RATE_MAX", 50),
		BackpressureThreshold:  getEnvInt("BACKPRESSURE_THRESHOLD", 100),
		SendQueueCap:           getEnvInt("SEND_QUEUE_CAP", 256),
		RoomTTL:                getEnvDuration("ROOM_TTL", 30*time.Minute),
		ReaperInterval:         getEnvDuration("REAPER_INTERVAL", 60*time.Second),
		SnapshotOps:            getEnvInt("SNAPSHOT_OPS", 500),
		SnapshotInterval:       getEnvDuration("SNAPSHOT_INTERVAL", 10*time.Minute),
		MaxContentBytes:        getEnvInt("MAX_CONTENT_BYTES", 10000),
		MaxParticipantsPerRoom: getEnvInt("MAX_PARTICIPANTS_PER_ROOM", 50),
		IdleTimeout:            getEnvDuration("IDLE_TIMEOUT", 5*time.Minute),
		BroadcastBufferSize:    getEnvInt("BROADCAST_BUFFER_SIZE", 16),

		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		S3Bucket:           os.Getenv("SNAPSHOT_ARCHIVE_BUCKET"),
		S3Region:           getEnv("AWS_REGION", "us-east-1"),
		SnapshotArchiveAge: getEnvDuration("SNAPSHOT_ARCHIVE_AGE", 60*24*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
