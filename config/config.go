// Package config loads server settings from an optional YAML file, a .env
// file and the process environment, in that order of precedence (lowest
// first).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vinizap/lumi/mirror/blob"
	"github.com/vinizap/lumi/mirror/quota"
)

type Config struct {
	Root         string `yaml:"root"`
	Port         string `yaml:"port"`
	Password     string `yaml:"password"`
	AuthCost     int    `yaml:"auth_cost"`
	DatabaseURL  string `yaml:"database_url"`
	HistoryLimit int    `yaml:"history_limit"`

	Remote RemoteConfig `yaml:"remote"`
	Quota  quota.Limits `yaml:"quota"`
	Blob   blob.Config  `yaml:"blob"`
	Watch  WatchConfig  `yaml:"watch"`
	Log    LogConfig    `yaml:"log"`
}

type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

type WatchConfig struct {
	// Interval between auto-refetch rounds. Zero disables the watcher.
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Default() *Config {
	return &Config{
		Root:         "./figma-data",
		Port:         "8080",
		Password:     "dev",
		AuthCost:     10,
		HistoryLimit: 10,
		Remote: RemoteConfig{
			BaseURL: "https://api.figma.com",
			Retries: 3,
			Backoff: time.Second,
		},
		Quota: quota.DefaultLimits,
		Blob:  blob.Config{Backend: "local"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load builds the configuration. path may be empty; a missing envFile is
// ignored.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Blob.Root == "" {
		cfg.Blob.Root = filepath.Join(cfg.Root, "assets")
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"LUMI_ROOT":          &c.Root,
		"LUMI_PORT":          &c.Port,
		"LUMI_PASSWORD":      &c.Password,
		"FIGMA_ACCESS_TOKEN": &c.Remote.Token,
		"FIGMA_API_URL":      &c.Remote.BaseURL,
		"DATABASE_URL":       &c.DatabaseURL,
		"LUMI_BLOB_BACKEND":  &c.Blob.Backend,
		"LUMI_BLOB_ROOT":     &c.Blob.Root,
		"LUMI_S3_ENDPOINT":   &c.Blob.Endpoint,
		"LUMI_S3_BUCKET":     &c.Blob.Bucket,
		"LUMI_S3_REGION":     &c.Blob.Region,
		"LUMI_S3_ACCESS_KEY": &c.Blob.AccessKey,
		"LUMI_S3_SECRET_KEY": &c.Blob.SecretKey,
		"LUMI_LOG_LEVEL":     &c.Log.Level,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"LUMI_TIER1_PER_MINUTE": &c.Quota.Tier1PerMinute,
		"LUMI_TIER2_PER_MINUTE": &c.Quota.Tier2PerMinute,
		"LUMI_RETRIES":          &c.Remote.Retries,
		"LUMI_HISTORY_LIMIT":    &c.HistoryLimit,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"LUMI_WATCH_INTERVAL": &c.Watch.Interval,
		"LUMI_RETRY_BACKOFF":  &c.Remote.Backoff,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("LUMI_LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LUMI_LOG_PRETTY: %w", err)
		}
		c.Log.Pretty = b
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.Quota.Tier1PerMinute <= 0 || c.Quota.Tier2PerMinute <= 0 {
		return fmt.Errorf("quota limits must be > 0")
	}
	if c.Remote.Retries <= 0 {
		return fmt.Errorf("remote retries must be > 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be > 0")
	}
	if c.Watch.Interval < 0 {
		return fmt.Errorf("watch interval must not be negative")
	}
	switch c.Blob.Backend {
	case "", "local":
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported blob backend %q (use local or s3)", c.Blob.Backend)
	}
	return nil
}

// QuotaFile is where the quota ledger is kept.
func (c *Config) QuotaFile() string {
	return filepath.Join(c.Root, "api-quota.json")
}
