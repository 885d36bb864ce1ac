// Package config holds the startup configuration. Values come from
// defaults, then an optional YAML file, then .env files and the environment,
// then command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvPBF         = "PBF"
	EnvCache       = "CACHE"
	EnvListenAddr  = "LISTEN_ADDR"
	EnvMetricsPath = "METRICS_PATH"
	EnvWorkers     = "WORKERS"
	EnvLogLevel    = "LOG_LEVEL"
	EnvLogFormat   = "LOG_FORMAT"
	EnvRateLimit   = "RATE_LIMIT"
	// EnvConfigFile names the YAML file read when no path is passed to Load.
	EnvConfigFile = "CONFIG_FILE"
)

// Config is passed explicitly to everything that needs it.
type Config struct {
	// PBFPath is the extract to build from.
	PBFPath string `yaml:"pbf"`
	// CachePath is optional; when set the index is loaded from and saved to it.
	CachePath   string `yaml:"cache"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsPath string `yaml:"metrics_path"`
	// Workers bounds parallel blob decoding; zero means GOMAXPROCS.
	Workers   int    `yaml:"workers"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// RateLimit is the per-connection query rate in messages per second; zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ListenAddr:  ":3000",
		MetricsPath: "/metrics",
		LogLevel:    "info",
		LogFormat:   "auto",
	}
}

// Load returns the defaults overlaid with the YAML file at configFile, then
// envFiles (missing files are skipped, already set variables win) and the
// process environment. An empty configFile falls back to CONFIG_FILE; with
// neither set no YAML file is read.
func Load(configFile string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := Default()
	if configFile == "" {
		configFile = os.Getenv(EnvConfigFile)
	}
	if configFile != "" {
		if err := cfg.readFile(configFile); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.apply(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readFile overlays the keys present in a YAML file. Unknown keys are errors.
func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) apply(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvPBF, &c.PBFPath)
	str(EnvCache, &c.CachePath)
	str(EnvListenAddr, &c.ListenAddr)
	str(EnvMetricsPath, &c.MetricsPath)
	str(EnvLogLevel, &c.LogLevel)
	str(EnvLogFormat, &c.LogFormat)

	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvWorkers, err)
		}
		c.Workers = n
	}
	if v, ok := lookup(EnvRateLimit); ok && v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRateLimit, err)
		}
		c.RateLimit = r
	}
	return nil
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.PBFPath == "" {
		return fmt.Errorf("extract path is required (set %s or --pbf)", EnvPBF)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit)
	}
	return nil
}
