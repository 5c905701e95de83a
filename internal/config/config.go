// Package config loads server configuration from the environment,
// optionally preloaded from a local .env file. A missing .env file is
// not an error, and every setting has a documented default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting named in the external
// interfaces design.
type Config struct {
	APIKeyPrimary   string
	APIKeySecondary string
	ModelPrimary    string
	ModelSecondary  string

	SessionTTL      time.Duration
	MaxSessions     int
	MaxSessionTurns int

	CacheMaxEntries int
	CacheMaxBytes   int64
	CacheTTL        time.Duration

	CircuitFailureThreshold int
	CircuitResetSeconds     time.Duration

	CostBudgetUSD *float64

	HealthInterval time.Duration

	LogLevel string

	MaxConcurrentAnalyses int

	PromptMaxFileBytes int
	CheckpointPath     string
	CheckpointMax      int
	CheckpointEvery    int

	WorkspaceRoot string

	ShutdownGrace time.Duration
	CallTimeout   time.Duration
}

// Load reads configuration from the environment. If a ".env" file is
// present in the working directory it is loaded first (via godotenv) and
// does not override variables already set in the real environment;
// absence of the file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: reading .env: %w", err)
	}

	cfg := &Config{
		APIKeyPrimary:   os.Getenv("API_KEY_PRIMARY"),
		APIKeySecondary: os.Getenv("API_KEY_SECONDARY"),
		ModelPrimary:    getenvDefault("MODEL_PRIMARY", "claude-opus-4"),
		ModelSecondary:  getenvDefault("MODEL_SECONDARY", "gpt-4o"),

		LogLevel: getenvDefault("LOG_LEVEL", "info"),

		CheckpointPath: os.Getenv("CHECKPOINT_PATH"),
	}

	cfg.WorkspaceRoot = os.Getenv("WORKSPACE_ROOT")
	if cfg.WorkspaceRoot == "" {
		wd, wderr := os.Getwd()
		if wderr != nil {
			return nil, fmt.Errorf("config: resolving WORKSPACE_ROOT default: %w", wderr)
		}
		cfg.WorkspaceRoot = wd
	}

	var err error
	if cfg.SessionTTL, err = getenvSeconds("SESSION_TTL_SECONDS", 1800); err != nil {
		return nil, err
	}
	if cfg.MaxSessions, err = getenvInt("MAX_SESSIONS", 100); err != nil {
		return nil, err
	}
	if cfg.MaxSessionTurns, err = getenvInt("MAX_SESSION_TURNS", 10); err != nil {
		return nil, err
	}
	if cfg.CacheMaxEntries, err = getenvInt("CACHE_MAX_ENTRIES", 1000); err != nil {
		return nil, err
	}
	if cfg.CacheMaxBytes, err = getenvInt64("CACHE_MAX_BYTES", 100*1024*1024); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getenvSeconds("CACHE_TTL_SECONDS", 1800); err != nil {
		return nil, err
	}
	if cfg.CircuitFailureThreshold, err = getenvInt("CIRCUIT_FAILURE_THRESHOLD", 3); err != nil {
		return nil, err
	}
	if cfg.CircuitResetSeconds, err = getenvSeconds("CIRCUIT_RESET_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.HealthInterval, err = getenvSeconds("HEALTH_INTERVAL_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentAnalyses, err = getenvInt("MAX_CONCURRENT_ANALYSES", 10); err != nil {
		return nil, err
	}
	if cfg.PromptMaxFileBytes, err = getenvInt("PROMPT_MAX_FILE_BYTES", 60000); err != nil {
		return nil, err
	}
	if cfg.CheckpointMax, err = getenvInt("CHECKPOINT_MAX", 100); err != nil {
		return nil, err
	}
	if cfg.CheckpointEvery, err = getenvInt("CHECKPOINT_EVERY_N_TURNS", 10); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = getenvSeconds("SHUTDOWN_GRACE_SECONDS", 5); err != nil {
		return nil, err
	}
	if cfg.CallTimeout, err = getenvSeconds("CALL_TIMEOUT_SECONDS", 120); err != nil {
		return nil, err
	}
	if v := os.Getenv("COST_BUDGET_USD"); v != "" {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return nil, fmt.Errorf("config: COST_BUDGET_USD: %w", ferr)
		}
		cfg.CostBudgetUSD = &f
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getenvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getenvSeconds(key string, defSeconds int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defSeconds) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}
