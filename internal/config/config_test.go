package config

import (
	"testing"

	"mipool/internal/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Workers < 1 {
		t.Errorf("default workers = %d, want >= 1", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.MaxFailureRate != 0.10 {
		t.Errorf("default max failure rate = %v, want 0.10", cfg.Pipeline.MaxFailureRate)
	}
	if cfg.Pipeline.ConfidenceLevel != 0.95 {
		t.Errorf("default confidence level = %v, want 0.95", cfg.Pipeline.ConfidenceLevel)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("MIPOOL_WORKERS", "4")
	t.Setenv("MIPOOL_MAX_FAILURE_RATE", "0.25")
	t.Setenv("MIPOOL_CONFIDENCE_LEVEL", "0.90")
	t.Setenv("MIPOOL_WORKBOOK", "/data/imputations.xlsx")
	t.Setenv("DATABASE_URL", "postgres://localhost/mipool")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.MaxFailureRate != 0.25 {
		t.Errorf("max failure rate = %v, want 0.25", cfg.Pipeline.MaxFailureRate)
	}
	if cfg.Pipeline.ConfidenceLevel != 0.90 {
		t.Errorf("confidence level = %v, want 0.90", cfg.Pipeline.ConfidenceLevel)
	}
	if cfg.Data.WorkbookPath != "/data/imputations.xlsx" {
		t.Errorf("workbook path = %q", cfg.Data.WorkbookPath)
	}
	if cfg.Database.URL != "postgres://localhost/mipool" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"zero workers", "MIPOOL_WORKERS", "0"},
		{"failure rate of one", "MIPOOL_MAX_FAILURE_RATE", "1.0"},
		{"negative failure rate", "MIPOOL_MAX_FAILURE_RATE", "-0.1"},
		{"confidence level of one", "MIPOOL_CONFIDENCE_LEVEL", "1.0"},
		{"zero confidence level", "MIPOOL_CONFIDENCE_LEVEL", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if errors.CodeOf(err) != "CONFIG_INVALID" {
				t.Errorf("error code = %q, want CONFIG_INVALID", errors.CodeOf(err))
			}
		})
	}
}

func TestLoad_MalformedEnvFallsBack(t *testing.T) {
	t.Setenv("MIPOOL_WORKERS", "many")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Workers < 1 {
		t.Errorf("workers = %d, want fallback >= 1", cfg.Pipeline.Workers)
	}
}
