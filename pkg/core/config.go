// Package core provides the memcore client facade, configuration, and errors.
package core

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a memcore client.
//
// It includes settings for:
//   - Durable storage (SQLite or PostgreSQL)
//   - Embedding provider (for vector generation)
//   - Memory store tuning (hybrid search fallback)
//   - Event stream tuning (ring size, retention)
//   - Maintenance loop scheduling
//
// Example:
//
//	config := &core.Config{
//	    Storage: core.StorageConfig{
//	        Provider: "sqlite",
//	        Config:   map[string]interface{}{"db_path": "./memcore.db"},
//	    },
//	    Embedder: core.EmbedderConfig{
//	        Provider:   "openai",
//	        APIKey:     "sk-...",
//	        Model:      "text-embedding-3-small",
//	        Dimensions: 1536,
//	    },
//	}
type Config struct {
	// Storage contains durable storage configuration.
	Storage StorageConfig `json:"storage"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder"`

	// Memory contains vector memory store tuning (optional).
	Memory *MemoryConfig `json:"memory,omitempty"`

	// Stream contains event stream tuning (optional).
	Stream *StreamConfig `json:"stream,omitempty"`

	// Maintenance contains ambient loop tuning (optional).
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`

	// Weaver contains context weaver tuning (optional).
	Weaver *WeaverConfig `json:"weaver,omitempty"`
}

// StorageConfig contains configuration for the durable storage backend.
//
// Supported providers: sqlite, postgres
type StorageConfig struct {
	// Provider is the storage provider name (sqlite, postgres).
	Provider string `json:"provider"`

	// Config contains provider-specific configuration.
	// For SQLite: db_path
	// For PostgreSQL: host, port, user, password, db_name, ssl_mode
	Config map[string]interface{} `json:"config"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai (covers any OpenAI-compatible endpoint via
// BaseURL).
type EmbedderConfig struct {
	// Provider is the embedding provider name.
	Provider string `json:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key"`

	// Model is the embedding model name (e.g., "text-embedding-3-small").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (e.g., 1536).
	Dimensions int `json:"dimensions,omitempty"`

	// TimeoutSeconds bounds each embedding round trip (default 10).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// MemoryConfig contains vector memory store tuning.
type MemoryConfig struct {
	// KeywordFallbackThreshold is the minimum number of keyword prefilter
	// matches hybrid search requires before skipping the full semantic
	// scan. Default: 3.
	KeywordFallbackThreshold int `json:"keyword_fallback_threshold,omitempty"`
}

// StreamConfig contains event stream tuning.
type StreamConfig struct {
	// RingSize is the capacity of the recent-events ring buffer.
	// Default: 256.
	RingSize int `json:"ring_size,omitempty"`

	// RetentionDays is how long ephemeral event kinds are kept.
	// Default: 30.
	RetentionDays int `json:"retention_days,omitempty"`
}

// MaintenanceConfig contains ambient maintenance loop tuning.
type MaintenanceConfig struct {
	// FastIntervalSeconds, MediumIntervalSeconds, SlowIntervalSeconds
	// override the 1m/15m/6h defaults when > 0.
	FastIntervalSeconds   int `json:"fast_interval_seconds,omitempty"`
	MediumIntervalSeconds int `json:"medium_interval_seconds,omitempty"`
	SlowIntervalSeconds   int `json:"slow_interval_seconds,omitempty"`

	// CapacityThreshold is the entry count above which the slow cycle
	// purges low-importance memories. Default: 10000.
	CapacityThreshold int `json:"capacity_threshold,omitempty"`

	// PurgeImportance is the importance floor for the capacity purge.
	// Default: 0.3.
	PurgeImportance float64 `json:"purge_importance,omitempty"`
}

// WeaverConfig contains context weaver tuning.
type WeaverConfig struct {
	// Constraints overrides the default trailing behavioral-constraints
	// block when non-empty.
	Constraints string `json:"constraints,omitempty"`
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case "sqlite", "postgres":
	case "":
		return NewCoreError("Validate", ErrInvalidConfig)
	default:
		return NewCoreError("Validate", ErrInvalidConfig)
	}

	if c.Embedder.Provider == "" || c.Embedder.APIKey == "" {
		return NewCoreError("Validate", ErrInvalidConfig)
	}

	return nil
}

// FindEnvFile searches for a .env file starting in the working directory and
// walking up to 5 parent directories.
//
// Returns the path and whether a file was found.
func FindEnvFile() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}

	for i := 0; i < 5; i++ {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for a .env file (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - STORAGE_PROVIDER (sqlite, postgres)
//   - SQLITE_PATH
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD,
//     POSTGRES_DATABASE, POSTGRES_SSLMODE
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL,
//     EMBEDDING_BASE_URL, EMBEDDING_DIMS
//   - STREAM_RETENTION_DAYS, STREAM_RING_SIZE
//   - MAINTENANCE_CAPACITY_THRESHOLD
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnv() (*Config, error) {
	if envPath, found := FindEnvFile(); found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	provider := getEnvOrDefault("STORAGE_PROVIDER", "sqlite")

	storageConfig := make(map[string]interface{})
	switch provider {
	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		storageConfig = map[string]interface{}{
			"host":     getEnvOrDefault("POSTGRES_HOST", "localhost"),
			"port":     port,
			"user":     getEnvOrDefault("POSTGRES_USER", "postgres"),
			"password": os.Getenv("POSTGRES_PASSWORD"),
			"db_name":  getEnvOrDefault("POSTGRES_DATABASE", "memcore"),
			"ssl_mode": getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	default:
		storageConfig = map[string]interface{}{
			"db_path": getEnvOrDefault("SQLITE_PATH", "./memcore.db"),
		}
	}

	dims, _ := strconv.Atoi(getEnvOrDefault("EMBEDDING_DIMS", "1536"))

	config := &Config{
		Storage: StorageConfig{
			Provider: provider,
			Config:   storageConfig,
		},
		Embedder: EmbedderConfig{
			Provider:   getEnvOrDefault("EMBEDDING_PROVIDER", "openai"),
			APIKey:     os.Getenv("EMBEDDING_API_KEY"),
			Model:      getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
			BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
			Dimensions: dims,
		},
	}

	if days, err := strconv.Atoi(os.Getenv("STREAM_RETENTION_DAYS")); err == nil && days > 0 {
		config.Stream = &StreamConfig{RetentionDays: days}
	}
	if size, err := strconv.Atoi(os.Getenv("STREAM_RING_SIZE")); err == nil && size > 0 {
		if config.Stream == nil {
			config.Stream = &StreamConfig{}
		}
		config.Stream.RingSize = size
	}
	if capacity, err := strconv.Atoi(os.Getenv("MAINTENANCE_CAPACITY_THRESHOLD")); err == nil && capacity > 0 {
		config.Maintenance = &MaintenanceConfig{CapacityThreshold: capacity}
	}

	return config, nil
}

// maintenanceInterval converts a configured second count to a duration,
// returning 0 (use default) for unset values.
func maintenanceInterval(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
