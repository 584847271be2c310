// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/openquant/tradecore/internal/domain"
)

// Config holds engine configuration read from the environment at startup.
// Operator-maintained rule sets (routing, brokers, schedules) live in the
// YAML file referenced by RulesPath.
type Config struct {
	DataDir        string // Base directory for all databases, always absolute
	RulesPath      string // YAML rules file; empty means built-in defaults
	LogLevel       string
	DefaultBroker  string
	QueueCapacity  int
	Workers        int
	RPCDeadline    time.Duration
	AvailableFunds domain.Money // Margin pool available to new orders
	OpeningEquity  domain.Money // Seed for the daily P&L tracker
	DevMode        bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TRADECORE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	funds, err := getEnvAsMoney("TRADECORE_AVAILABLE_FUNDS", "1000000")
	if err != nil {
		return nil, err
	}
	equity, err := getEnvAsMoney("TRADECORE_OPENING_EQUITY", "1000000")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:        absDataDir,
		RulesPath:      getEnv("TRADECORE_RULES", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DefaultBroker:  getEnv("TRADECORE_DEFAULT_BROKER", "paper"),
		QueueCapacity:  getEnvAsInt("TRADECORE_QUEUE_CAPACITY", 1024),
		Workers:        getEnvAsInt("TRADECORE_EVENT_WORKERS", 8),
		RPCDeadline:    time.Duration(getEnvAsInt("TRADECORE_RPC_DEADLINE_SECONDS", 10)) * time.Second,
		AvailableFunds: funds,
		OpeningEquity:  equity,
		DevMode:        getEnvAsBool("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("event workers must be positive, got %d", c.Workers)
	}
	if c.DefaultBroker == "" {
		return fmt.Errorf("default broker must be set")
	}
	return nil
}

// DatabasePath returns the absolute path of a named database file.
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name)
}

// Helper functions
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsMoney(key, defaultValue string) (domain.Money, error) {
	raw := getEnv(key, defaultValue)
	m, err := domain.MoneyFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return m, nil
}
