// Package config loads and validates the exporter's TOML configuration.
// The file mirrors the operational layout: a [paths] section for local
// artifacts, an [efatura] section for the portal, and a [logging]
// section for cadence and checkpoint thresholds.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/bwb-tools/efatura-export/internal/domain"
)

// Defaults applied before validation.
const (
	DefaultPageSize         = 200
	DefaultTimeoutSec       = 45
	DefaultRetries          = 3
	DefaultBackoffSec       = 1.5
	DefaultProgressEvery    = 10
	DefaultSaveEverySeconds = 60
)

// fileConfig is the raw TOML shape.
type fileConfig struct {
	Paths struct {
		BaseDir   string `toml:"base_dir"`
		StorePath string `toml:"store_path"`
		LogFile   string `toml:"log_file"`
	} `toml:"paths"`
	Efatura struct {
		TokenFile      string  `toml:"token_file"`
		RepositoryCode string  `toml:"repository_code"`
		ServicesBase   string  `toml:"services_base"`
		IAMBase        string  `toml:"iam_base"`
		DateStart      string  `toml:"date_start"`
		DateEnd        string  `toml:"date_end"`
		PageSize       int     `toml:"page_size"`
		TimeoutSec     int     `toml:"timeout_sec"`
		Retries        int     `toml:"retries"`
		BackoffSec     float64 `toml:"retry_backoff_sec"`
	} `toml:"efatura"`
	Logging struct {
		ProgressEveryDocs int `toml:"progress_every_docs"`
		// Pointers so an explicit 0 (checkpoint disabling) is
		// distinguishable from an absent key.
		SaveEveryDocs    *int `toml:"save_every_docs"`
		SaveEverySeconds *int `toml:"save_every_seconds"`
	} `toml:"logging"`
}

// Config is the resolved configuration consumed by the pipeline. All
// paths are absolute and all durations are typed.
type Config struct {
	BaseDir   string
	StorePath string
	LogFile   string

	TokenFile      string
	RepositoryCode string
	ServicesBase   string
	IAMBase        string

	DateStart time.Time
	DateEnd   time.Time

	PageSize int
	Timeout  time.Duration
	Retries  int
	Backoff  time.Duration

	ProgressEveryDocs int
	SaveEveryDocs     int
	SaveEverySeconds  int
}

// Load reads, defaults, and validates the TOML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	baseDir := fc.Paths.BaseDir
	if baseDir == "" {
		baseDir = "."
	}
	baseDir, err = filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving base_dir: %w", err)
	}

	cfg := &Config{
		BaseDir:        baseDir,
		StorePath:      resolve(baseDir, orDefault(fc.Paths.StorePath, "supplier_invoices.db")),
		LogFile:        resolve(baseDir, orDefault(fc.Paths.LogFile, filepath.Join("logs", "efatura-export.log"))),
		TokenFile:      resolve(baseDir, fc.Efatura.TokenFile),
		RepositoryCode: orDefault(fc.Efatura.RepositoryCode, "1"),
		ServicesBase:   fc.Efatura.ServicesBase,
		IAMBase:        fc.Efatura.IAMBase,
		PageSize:       intDefault(fc.Efatura.PageSize, DefaultPageSize),
		Timeout:        time.Duration(intDefault(fc.Efatura.TimeoutSec, DefaultTimeoutSec)) * time.Second,
		Retries:        intDefault(fc.Efatura.Retries, DefaultRetries),
		Backoff:        time.Duration(floatDefault(fc.Efatura.BackoffSec, DefaultBackoffSec) * float64(time.Second)),
		ProgressEveryDocs: intDefault(fc.Logging.ProgressEveryDocs, DefaultProgressEvery),
		SaveEverySeconds:  intPresent(fc.Logging.SaveEverySeconds, DefaultSaveEverySeconds),
	}
	// Checkpoint-by-count defaults to the progress cadence.
	cfg.SaveEveryDocs = intPresent(fc.Logging.SaveEveryDocs, cfg.ProgressEveryDocs)

	if fc.Efatura.TokenFile == "" {
		return nil, fmt.Errorf("%w: efatura.token_file", domain.ErrMissingConfig)
	}
	if fc.Efatura.DateStart == "" {
		return nil, fmt.Errorf("%w: efatura.date_start", domain.ErrMissingConfig)
	}
	if fc.Efatura.DateEnd == "" {
		return nil, fmt.Errorf("%w: efatura.date_end", domain.ErrMissingConfig)
	}

	cfg.DateStart, err = time.Parse("2006-01-02", fc.Efatura.DateStart)
	if err != nil {
		return nil, fmt.Errorf("parsing efatura.date_start: %w", err)
	}
	cfg.DateEnd, err = time.Parse("2006-01-02", fc.Efatura.DateEnd)
	if err != nil {
		return nil, fmt.Errorf("parsing efatura.date_end: %w", err)
	}
	if cfg.DateEnd.Before(cfg.DateStart) {
		return nil, fmt.Errorf("%w: efatura.date_end before date_start", domain.ErrInvalidInput)
	}

	return cfg, nil
}

// DiagnosticsDir returns the directory for diagnostic dumps, co-located
// with the run log.
func (c *Config) DiagnosticsDir() string {
	return filepath.Dir(c.LogFile)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func intDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func intPresent(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
