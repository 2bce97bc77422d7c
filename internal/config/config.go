package config

import (
	"os"
	"runtime"
	"strconv"

	"mipool/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Pipeline PipelineConfig
	Data     DataConfig
	Database DatabaseConfig
}

// PipelineConfig holds estimation pipeline settings
type PipelineConfig struct {
	// Workers caps the number of concurrent per-imputation fits.
	Workers int
	// MaxFailureRate is the fraction of imputations allowed to fail before
	// the run aborts instead of pooling a biased subset.
	MaxFailureRate float64
	// ConfidenceLevel for pooled intervals, e.g. 0.95.
	ConfidenceLevel float64
}

// DataConfig holds input data settings
type DataConfig struct {
	// WorkbookPath is the .xlsx workbook holding the imputation set, one
	// sheet per imputation.
	WorkbookPath string
}

// DatabaseConfig holds the optional results-sink connection
type DatabaseConfig struct {
	URL string
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := &Config{
		Pipeline: PipelineConfig{
			Workers:         getEnvInt("MIPOOL_WORKERS", runtime.NumCPU()),
			MaxFailureRate:  getEnvFloat("MIPOOL_MAX_FAILURE_RATE", 0.10),
			ConfidenceLevel: getEnvFloat("MIPOOL_CONFIDENCE_LEVEL", 0.95),
		},
		Data: DataConfig{
			WorkbookPath: os.Getenv("MIPOOL_WORKBOOK"),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.Workers < 1 {
		return errors.New("CONFIG_INVALID", "MIPOOL_WORKERS must be >= 1")
	}
	if c.Pipeline.MaxFailureRate < 0 || c.Pipeline.MaxFailureRate >= 1 {
		return errors.New("CONFIG_INVALID", "MIPOOL_MAX_FAILURE_RATE must be in [0, 1)")
	}
	if c.Pipeline.ConfidenceLevel <= 0 || c.Pipeline.ConfidenceLevel >= 1 {
		return errors.New("CONFIG_INVALID", "MIPOOL_CONFIDENCE_LEVEL must be in (0, 1)")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
