package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Store struct {
		Kind string `yaml:"kind"` // memory | sqlite
		Path string `yaml:"path"`
	} `yaml:"store"`

	Queue struct {
		Concurrency       int           `yaml:"concurrency"`
		MaxAttempts       int           `yaml:"max_attempts"`
		RetryBackoff      time.Duration `yaml:"retry_backoff"`
		FinishedRetention int           `yaml:"finished_retention"`
	} `yaml:"queue"`

	History struct {
		MaxItems         int           `yaml:"max_items"`
		RecentViewWindow time.Duration `yaml:"recent_view_window"`
	} `yaml:"history"`

	Camera struct {
		SoftClaimTimeout time.Duration `yaml:"soft_claim_timeout"`
		HardClaimTimeout time.Duration `yaml:"hard_claim_timeout"`
	} `yaml:"camera"`

	Services struct {
		LookupBaseURL  string        `yaml:"lookup_base_url"`
		OCRBaseURL     string        `yaml:"ocr_base_url"`
		CreatorBaseURL string        `yaml:"creator_base_url"`
		APIToken       string        `yaml:"api_token"`
		Timeout        time.Duration `yaml:"timeout"`
	} `yaml:"services"`

	Upload struct {
		Backend        string `yaml:"backend"` // local | minio
		LocalDir       string `yaml:"local_dir"`
		MaxImageSide   int    `yaml:"max_image_side"`
		MinIOEndpoint  string `yaml:"minio_endpoint"`
		MinIOAccessKey string `yaml:"minio_access_key"`
		MinIOSecretKey string `yaml:"minio_secret_key"`
		MinIOBucket    string `yaml:"minio_bucket"`
		MinIOUseSSL    bool   `yaml:"minio_use_ssl"`
	} `yaml:"upload"`
}

// Load reads the YAML file at path (optional), applies SCAND_* environment
// overrides, then fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	c.ListenAddr = getenv("SCAND_LISTEN_ADDR", c.ListenAddr)
	c.Store.Kind = getenv("SCAND_STORE", c.Store.Kind)
	c.Store.Path = getenv("SCAND_STORE_PATH", c.Store.Path)
	c.Queue.Concurrency = getenvInt("SCAND_QUEUE_CONCURRENCY", c.Queue.Concurrency)
	c.Queue.MaxAttempts = getenvInt("SCAND_QUEUE_MAX_ATTEMPTS", c.Queue.MaxAttempts)
	c.Services.LookupBaseURL = getenv("SCAND_LOOKUP_URL", c.Services.LookupBaseURL)
	c.Services.OCRBaseURL = getenv("SCAND_OCR_URL", c.Services.OCRBaseURL)
	c.Services.CreatorBaseURL = getenv("SCAND_CREATOR_URL", c.Services.CreatorBaseURL)
	c.Services.APIToken = getenv("SCAND_API_TOKEN", c.Services.APIToken)
	c.Upload.Backend = getenv("SCAND_UPLOAD_BACKEND", c.Upload.Backend)
	c.Upload.MinIOEndpoint = getenv("SCAND_MINIO_ENDPOINT", c.Upload.MinIOEndpoint)
	c.Upload.MinIOAccessKey = getenv("SCAND_MINIO_ACCESS_KEY", c.Upload.MinIOAccessKey)
	c.Upload.MinIOSecretKey = getenv("SCAND_MINIO_SECRET_KEY", c.Upload.MinIOSecretKey)
	c.Upload.MinIOBucket = getenv("SCAND_MINIO_BUCKET", c.Upload.MinIOBucket)
	c.Upload.MinIOUseSSL = getenvBool("SCAND_MINIO_USE_SSL", c.Upload.MinIOUseSSL)
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}
	if c.Store.Kind == "" {
		c.Store.Kind = "memory"
	}
	if c.Store.Path == "" {
		c.Store.Path = "scand.db"
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 3
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetryBackoff <= 0 {
		c.Queue.RetryBackoff = 500 * time.Millisecond
	}
	if c.Queue.FinishedRetention <= 0 {
		c.Queue.FinishedRetention = 50
	}
	if c.History.MaxItems <= 0 {
		c.History.MaxItems = 500
	}
	if c.History.RecentViewWindow <= 0 {
		c.History.RecentViewWindow = 3 * time.Second
	}
	if c.Camera.SoftClaimTimeout <= 0 {
		c.Camera.SoftClaimTimeout = time.Second
	}
	if c.Camera.HardClaimTimeout <= 0 {
		c.Camera.HardClaimTimeout = 5 * time.Second
	}
	if c.Services.Timeout <= 0 {
		c.Services.Timeout = 30 * time.Second
	}
	if c.Upload.Backend == "" {
		c.Upload.Backend = "local"
	}
	if c.Upload.LocalDir == "" {
		c.Upload.LocalDir = "uploads"
	}
	if c.Upload.MaxImageSide <= 0 {
		c.Upload.MaxImageSide = 1200
	}
	if c.Upload.MinIOBucket == "" {
		c.Upload.MinIOBucket = "product-images"
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
