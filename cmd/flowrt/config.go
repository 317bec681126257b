package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowrt runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath                 string `json:"db_path"`
	LogLevel               string `json:"log_level"`
	PoolSize               int    `json:"pool_size"`
	CleanupIntervalSec     int    `json:"cleanup_interval_seconds"`
	MaxCompletedAgeSec     int    `json:"max_completed_age_seconds"`
	MaxFailedAgeSec        int    `json:"max_failed_age_seconds"`
	MaxConcurrentInstances int    `json:"max_concurrent_instances"`
	TempDir                string `json:"temp_dir"`
	TempMaxAgeSec          int    `json:"temp_max_age_seconds"`
	CacheMaxAgeSec         int    `json:"cache_max_age_seconds"`
}

func defaultConfig() Config {
	return Config{
		DBPath:                 filepath.Join(flowrtDir(), "flowrt.db"),
		LogLevel:               "info",
		PoolSize:               8,
		CleanupIntervalSec:     300,
		MaxCompletedAgeSec:     1800,
		MaxFailedAgeSec:        7200,
		MaxConcurrentInstances: 0,
		TempDir:                filepath.Join(flowrtDir(), "tmp"),
		TempMaxAgeSec:          3600,
		CacheMaxAgeSec:         1800,
	}
}

func flowrtDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowrt"
	}
	return filepath.Join(home, ".flowrt")
}

func settingsPath() string {
	return filepath.Join(flowrtDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWRT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWRT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWRT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWRT_CLEANUP_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CleanupIntervalSec = n
		}
	}
	if v := os.Getenv("FLOWRT_MAX_COMPLETED_AGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxCompletedAgeSec = n
		}
	}
	if v := os.Getenv("FLOWRT_MAX_FAILED_AGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxFailedAgeSec = n
		}
	}
	if v := os.Getenv("FLOWRT_MAX_CONCURRENT_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentInstances = n
		}
	}
	if v := os.Getenv("FLOWRT_TEMP_DIR"); v != "" {
		cfg.TempDir = v
	}
	if v := os.Getenv("FLOWRT_TEMP_MAX_AGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TempMaxAgeSec = n
		}
	}
	if v := os.Getenv("FLOWRT_CACHE_MAX_AGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheMaxAgeSec = n
		}
	}

	return cfg
}

func (c Config) cleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

func (c Config) maxCompletedAge() time.Duration {
	return time.Duration(c.MaxCompletedAgeSec) * time.Second
}

func (c Config) maxFailedAge() time.Duration {
	return time.Duration(c.MaxFailedAgeSec) * time.Second
}

func (c Config) tempMaxAge() time.Duration {
	return time.Duration(c.TempMaxAgeSec) * time.Second
}

func (c Config) cacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeSec) * time.Second
}
