// Package config handles loading and validating forrstd's configuration.
// forrstd runs with zero config (sensible defaults); forrst.yaml overrides
// the listed knobs, and environment variables override both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level forrst.yaml configuration.
type Config struct {
	Request   RequestConfig   `yaml:"request"`
	Response  ResponseConfig  `yaml:"response"`
	Deadline  DeadlineConfig  `yaml:"deadline"`
	Operation OperationConfig `yaml:"operation"`
	Node      NodeConfig      `yaml:"node"`
	Reserved  ReservedConfig  `yaml:"reserved"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Blobstore BlobstoreConfig `yaml:"blobstore"`
}

// RequestConfig bounds the size of an incoming dispatch request.
type RequestConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// ResponseConfig carries response.max_bytes. It is loaded and validated but
// not applied: the handler's oversized-response log and the async blob
// offload threshold both use the fixed handler.ResponseSoftCapBytes.
type ResponseConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// DeadlineConfig sets the server-applied deadline when a request declares none.
type DeadlineConfig struct {
	DefaultMs int64 `yaml:"default_ms"`
}

// OperationConfig controls async operation retention.
type OperationConfig struct {
	TTLSeconds int64 `yaml:"ttl_seconds"`
}

// NodeConfig identifies this server instance.
type NodeConfig struct {
	ID string `yaml:"id"`
}

// ReservedConfig lists the URN namespaces only system/extension code may
// register into.
type ReservedConfig struct {
	Namespaces []string `yaml:"namespaces"`
}

// ReaperConfig controls the expired-operation sweep cadence.
type ReaperConfig struct {
	IntervalSeconds int64 `yaml:"interval_seconds"`
}

// PostgresConfig is the connection string for the operations/idempotency/quota stores.
type PostgresConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// BlobstoreConfig is the S3-compatible endpoint used to offload oversized
// operation results. Empty Endpoint disables offloading.
type BlobstoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

const (
	defaultRequestMaxBytes  = 1 << 20
	defaultResponseMaxBytes = 10 << 20
	defaultOperationTTL     = 86400
	defaultReaperInterval   = 60
)

var defaultReservedNamespaces = []string{"urn:forrst:", "urn:cline:"}

// DefaultConfig returns the zero-config defaults forrstd runs with absent a
// forrst.yaml.
func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "forrstd"
	}
	return &Config{
		Request:   RequestConfig{MaxBytes: defaultRequestMaxBytes},
		Response:  ResponseConfig{MaxBytes: defaultResponseMaxBytes},
		Deadline:  DeadlineConfig{DefaultMs: 0},
		Operation: OperationConfig{TTLSeconds: defaultOperationTTL},
		Node:      NodeConfig{ID: hostname},
		Reserved:  ReservedConfig{Namespaces: append([]string(nil), defaultReservedNamespaces...)},
		Reaper:    ReaperConfig{IntervalSeconds: defaultReaperInterval},
	}
}

// Load parses a forrst.yaml file, applies environment overrides, and
// validates the result. If path is empty, environment overrides are still
// applied on top of DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override individual knobs
// without editing forrst.yaml, the same env-var-override convention
// internal/postgres uses for pool tuning.
func applyEnvOverrides(cfg *Config) {
	cfg.Request.MaxBytes = envInt64("FORRST_REQUEST_MAX_BYTES", cfg.Request.MaxBytes)
	cfg.Response.MaxBytes = envInt64("FORRST_RESPONSE_MAX_BYTES", cfg.Response.MaxBytes)
	cfg.Deadline.DefaultMs = envInt64("FORRST_DEADLINE_DEFAULT_MS", cfg.Deadline.DefaultMs)
	cfg.Operation.TTLSeconds = envInt64("FORRST_OPERATION_TTL_SECONDS", cfg.Operation.TTLSeconds)
	cfg.Reaper.IntervalSeconds = envInt64("FORRST_REAPER_INTERVAL_SECONDS", cfg.Reaper.IntervalSeconds)

	if v := os.Getenv("FORRST_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DatabaseURL = v
	}
	if v := os.Getenv("FORRST_BLOBSTORE_ENDPOINT"); v != "" {
		cfg.Blobstore.Endpoint = v
	}
	if v := os.Getenv("FORRST_BLOBSTORE_ACCESS_KEY"); v != "" {
		cfg.Blobstore.AccessKey = v
	}
	if v := os.Getenv("FORRST_BLOBSTORE_SECRET_KEY"); v != "" {
		cfg.Blobstore.SecretKey = v
	}
	if v := os.Getenv("FORRST_BLOBSTORE_BUCKET"); v != "" {
		cfg.Blobstore.Bucket = v
	}
}

// ResolvePath finds the config file path.
// Priority: FORRST_CONFIG env var > ./forrst.yaml > "" (no config file).
func ResolvePath() string {
	if p := os.Getenv("FORRST_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("forrst.yaml"); err == nil {
		return "forrst.yaml"
	}
	return ""
}

// validate checks invariants that DefaultConfig and yaml unmarshalling
// don't enforce on their own.
func (c *Config) validate() error {
	if c.Request.MaxBytes <= 0 {
		return fmt.Errorf("request.max_bytes must be positive")
	}
	if c.Response.MaxBytes <= 0 {
		return fmt.Errorf("response.max_bytes must be positive")
	}
	if c.Operation.TTLSeconds <= 0 {
		return fmt.Errorf("operation.ttl_seconds must be positive")
	}
	if c.Node.ID == "" {
		return fmt.Errorf("node.id must not be empty")
	}
	if len(c.Reserved.Namespaces) == 0 {
		return fmt.Errorf("reserved.namespaces must not be empty")
	}
	return nil
}

// DeadlineDefault returns the configured default deadline, or zero if none is set.
func (c *Config) DeadlineDefault() time.Duration {
	if c.Deadline.DefaultMs <= 0 {
		return 0
	}
	return time.Duration(c.Deadline.DefaultMs) * time.Millisecond
}

// OperationTTL returns the default TTL applied to a new async operation.
func (c *Config) OperationTTL() time.Duration {
	return time.Duration(c.Operation.TTLSeconds) * time.Second
}

// ReaperInterval returns the configured sweep cadence.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSeconds) * time.Second
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}
