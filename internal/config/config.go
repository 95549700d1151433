// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/allocator/internal/domain"
	"github.com/aristath/allocator/internal/modules/optimization"
)

// Config holds application configuration. Everything is explicit: the server
// reads it once at startup and passes values down, there is no process-wide
// mutable state.
type Config struct {
	DataDir  string
	Port     int
	LogLevel string
	DevMode  bool

	// Strategy is the default optimizer strategy for requests that do not
	// name one.
	Strategy optimization.Strategy
	// RiskAversion is the default λ.
	RiskAversion float64
	// RiskFreeRate is annualized.
	RiskFreeRate float64
	// ConfidenceLevels drive the risk report defaults.
	ConfidenceLevels []float64
	// SolveTimeout bounds one optimizer invocation.
	SolveTimeout time.Duration
	// Workers sizes the scenario sweep pool.
	Workers int
}

// Load reads configuration from the environment, after merging a .env file
// if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("ALLOCATOR_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	strategy, err := optimization.ParseStrategy(getEnv("ALLOCATOR_STRATEGY", "min_variance"))
	if err != nil {
		return nil, err
	}

	confidences, err := parseConfidenceLevels(getEnv("ALLOCATOR_CONFIDENCE_LEVELS", "0.95,0.99"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:          absDataDir,
		Port:             getEnvAsInt("ALLOCATOR_PORT", 8080),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		Strategy:         strategy,
		RiskAversion:     getEnvAsFloat("ALLOCATOR_RISK_AVERSION", 2.0),
		RiskFreeRate:     getEnvAsFloat("ALLOCATOR_RISK_FREE_RATE", 0.02),
		ConfidenceLevels: confidences,
		SolveTimeout:     time.Duration(getEnvAsInt("ALLOCATOR_SOLVE_TIMEOUT_MS", 30000)) * time.Millisecond,
		Workers:          getEnvAsInt("ALLOCATOR_WORKERS", 4),
	}
	return cfg, nil
}

// DatabasePath returns the event log location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "events.db")
}

func parseConfidenceLevels(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	levels := make([]float64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		level, err := strconv.ParseFloat(part, 64)
		if err != nil || level <= 0 || level >= 1 {
			return nil, &domain.ConfigurationError{
				Reason: domain.ReasonInvalidParameter,
				Detail: fmt.Sprintf("confidence level %q must be a float in (0, 1)", part),
			}
		}
		levels = append(levels, level)
	}
	if len(levels) == 0 {
		return nil, &domain.ConfigurationError{
			Reason: domain.ReasonInvalidParameter,
			Detail: "no confidence levels configured",
		}
	}
	return levels, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
