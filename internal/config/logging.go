package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/mrzor/fifomon/internal/logging"
)

// LogConfig holds logging configuration from environment variables
type LogConfig struct {
	Level       string   `env:"FIFOMON_LOG_LEVEL" envDefault:"info"`
	Development bool     `env:"FIFOMON_LOG_DEVELOPMENT" envDefault:"false"`
	OutputPaths []string `env:"FIFOMON_LOG_OUTPUT" envDefault:"stderr" envSeparator:","`
}

// ParseLogConfig parses logging configuration from environment variables
func ParseLogConfig() (*LogConfig, error) {
	var cfg LogConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse log config: %w", err)
	}
	return &cfg, nil
}

// Logging converts the configuration for logging.New.
func (c *LogConfig) Logging() logging.Config {
	return logging.Config{
		Level:       c.Level,
		Development: c.Development,
		OutputPaths: c.OutputPaths,
	}
}
