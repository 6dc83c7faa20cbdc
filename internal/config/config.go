// Package config provides configuration for the chat backend.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the backend configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Completion runtime
	RuntimeURL     string
	RuntimeID      string
	RuntimeTimeout time.Duration

	// Authentication
	AuthSecret   string
	AuthDisabled bool

	// Storage: "memory" or "sqlite"
	StoreDriver string
	DatabaseURL string

	// Streaming sessions
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	ReapInterval      time.Duration

	// Conversation retention
	ConversationTTL time.Duration
	CleanupInterval time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from the environment. A .env file in the
// working directory is read first when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("WARN: failed to load .env file: %v", err)
	}

	cfg := &Config{
		HTTPPort:          getEnvInt("HTTP_PORT", 8000),
		RuntimeURL:        getEnv("RUNTIME_URL", "http://localhost:8080"),
		RuntimeID:         getEnv("RUNTIME_ID", "healthcoach_ai"),
		RuntimeTimeout:    time.Duration(getEnvInt("RUNTIME_TIMEOUT_MS", 60000)) * time.Millisecond,
		AuthSecret:        getEnv("AUTH_SECRET", ""),
		AuthDisabled:      getEnvBool("AUTH_DISABLED", false),
		StoreDriver:       getEnv("STORE_DRIVER", "memory"),
		DatabaseURL:       getEnv("DATABASE_URL", "file:healthmate.db?cache=shared&mode=rwc"),
		KeepaliveInterval: time.Duration(getEnvInt("KEEPALIVE_INTERVAL_MS", 30000)) * time.Millisecond,
		IdleTimeout:       time.Duration(getEnvInt("SESSION_IDLE_TIMEOUT_MS", 300000)) * time.Millisecond,
		ReapInterval:      time.Duration(getEnvInt("SESSION_REAP_INTERVAL_MS", 60000)) * time.Millisecond,
		ConversationTTL:   time.Duration(getEnvInt("CONVERSATION_TTL_HOURS", 24)) * time.Hour,
		CleanupInterval:   time.Duration(getEnvInt("CLEANUP_INTERVAL_MS", 3600000)) * time.Millisecond,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}
