// Package config loads process configuration from the environment, with an
// optional YAML file overlaid on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/finance"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ratelimit"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/runtime/budget"
)

// FileEnv names the YAML overlay file.
const FileEnv = "ECOLOGY_CONFIG"

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Executor budget.ComputeBudget `yaml:"executor"`
	// DiskQuotaBytes is the default per-principal storage quota.
	DiskQuotaBytes int64                      `yaml:"disk_quota_bytes"`
	Limits         map[string]ratelimit.Limit `yaml:"limits"`
	CostModel      finance.CostModel          `yaml:"cost_model"`
	// Balances are the genesis scrip balances credited at startup.
	Balances map[string]int64 `yaml:"balances"`

	Mint       MintConfig       `yaml:"mint"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Redis      RedisConfig      `yaml:"redis"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Auth       AuthConfig       `yaml:"auth"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// RedisConfig backs the rolling-window tracker. An empty Addr keeps
// windows in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MintConfig struct {
	Interval     time.Duration `yaml:"interval"`
	MintPerPoint int64         `yaml:"mint_per_point"`
	MinimumBid   int64         `yaml:"minimum_bid"`
}

// OracleConfig selects the scorer used at settlement.
type OracleConfig struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	StaticScore int    `yaml:"static_score"`
}

type CheckpointConfig struct {
	// Backend is "sqlite", "postgres", "blob" or empty.
	Backend  string        `yaml:"backend"`
	DSN      string        `yaml:"dsn"`
	Interval time.Duration `yaml:"interval"`

	BlobType   string `yaml:"blob_type"`
	BlobDir    string `yaml:"blob_dir"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	GCSBucket  string `yaml:"gcs_bucket"`
	Prefix     string `yaml:"prefix"`
}

// AuthConfig controls the HTTP transport. An empty JWTSecret disables
// bearer auth, which serve only accepts on a loopback address unless
// AllowUnauthenticated is set.
type AuthConfig struct {
	JWTSecret            string  `yaml:"jwt_secret"`
	AllowUnauthenticated bool    `yaml:"allow_unauthenticated"`
	RequestsPerSecond    float64 `yaml:"requests_per_second"`
	Burst                int     `yaml:"burst"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Environment  string  `yaml:"environment"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Load reads configuration from environment variables, then overlays the
// file named by ECOLOGY_CONFIG when set. Fields absent from the file keep
// their environment value.
func Load() (*Config, error) {
	var errs []error
	env := envReader{errs: &errs}

	cfg := &Config{
		Port:     env.str("PORT", "8080"),
		LogLevel: env.str("LOG_LEVEL", "INFO"),
		Executor: budget.ComputeBudget{
			TimeLimitMs:      env.int64("EXECUTOR_TIMEOUT_MS", 5000),
			MaxInvokeDepth:   int(env.int64("MAX_INVOKE_DEPTH", 5)),
			CostLimit:        uint64(env.int64("CEL_COST_LIMIT", 1_000_000)),
			MemoryLimitBytes: env.int64("WASM_MEMORY_LIMIT_BYTES", 64<<20),
		},
		DiskQuotaBytes: env.int64("DISK_QUOTA_BYTES", 0),
		Mint: MintConfig{
			Interval:     env.duration("MINT_INTERVAL", time.Minute),
			MintPerPoint: env.int64("MINT_PER_POINT", 10),
			MinimumBid:   env.int64("MINT_MINIMUM_BID", 1),
		},
		Oracle: OracleConfig{
			Provider:    env.str("ORACLE_PROVIDER", "static"),
			Model:       env.str("ORACLE_MODEL", ""),
			APIKey:      env.str("ORACLE_API_KEY", ""),
			BaseURL:     env.str("ORACLE_BASE_URL", ""),
			StaticScore: int(env.int64("ORACLE_STATIC_SCORE", 50)),
		},
		Redis: RedisConfig{
			Addr:     env.str("REDIS_ADDR", ""),
			Password: env.str("REDIS_PASSWORD", ""),
			DB:       int(env.int64("REDIS_DB", 0)),
		},
		Checkpoint: CheckpointConfig{
			Backend:    env.str("CHECKPOINT_BACKEND", ""),
			DSN:        env.str("CHECKPOINT_DSN", ""),
			Interval:   env.duration("CHECKPOINT_INTERVAL", 0),
			BlobType:   env.str("BLOB_STORE_TYPE", "fs"),
			BlobDir:    env.str("BLOB_STORE_DIR", "data/blobs"),
			S3Bucket:   env.str("S3_BUCKET", ""),
			S3Region:   env.str("S3_REGION", ""),
			S3Endpoint: env.str("S3_ENDPOINT", ""),
			GCSBucket:  env.str("GCS_BUCKET", ""),
			Prefix:     env.str("BLOB_STORE_PREFIX", ""),
		},
		Auth: AuthConfig{
			JWTSecret:            env.str("JWT_SECRET", ""),
			AllowUnauthenticated: env.boolean("ALLOW_UNAUTHENTICATED", false),
			RequestsPerSecond:    env.float("API_RATE_LIMIT", 20),
			Burst:                int(env.int64("API_RATE_BURST", 40)),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: env.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Environment:  env.str("ECOLOGY_ENV", "development"),
			SampleRate:   env.float("OTEL_SAMPLE_RATE", 1.0),
		},
	}
	if per := env.float("ACTIONS_PER_MINUTE", 0); per > 0 {
		cfg.Limits = map[string]ratelimit.Limit{"actions": {MaxPerWindow: per, Window: time.Minute}}
	}
	if raw := os.Getenv("GENESIS_BALANCES"); raw != "" {
		balances, err := ParseBalances(raw)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Balances = balances
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Executor.TimeLimitMs <= 0 {
		errs = append(errs, errors.New("config: executor.time_limit_ms must be positive"))
	}
	if c.Executor.MaxInvokeDepth < 1 {
		errs = append(errs, errors.New("config: executor.max_invoke_depth must be at least 1"))
	}
	if c.Mint.Interval < 0 || c.Mint.MintPerPoint < 0 || c.Mint.MinimumBid < 0 {
		errs = append(errs, errors.New("config: mint settings must not be negative"))
	}
	for name, l := range c.Limits {
		if l.MaxPerWindow <= 0 || l.Window <= 0 {
			errs = append(errs, fmt.Errorf("config: limit %q needs a positive max_per_window and window", name))
		}
	}
	for quantity, r := range c.CostModel {
		if r.Resource == "" || r.PerUnit.IsNegative() {
			errs = append(errs, fmt.Errorf("config: cost rate %q needs a resource and a non-negative per_unit", quantity))
		}
	}
	switch c.Checkpoint.Backend {
	case "", "sqlite", "postgres", "blob":
	default:
		errs = append(errs, fmt.Errorf("config: unknown checkpoint backend %q", c.Checkpoint.Backend))
	}
	return errors.Join(errs...)
}

// ParseBalances parses "alice=100,bob=50".
func ParseBalances(raw string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, amount, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("config: GENESIS_BALANCES entry %q is not id=amount", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("config: GENESIS_BALANCES amount for %q must be a non-negative integer", id)
		}
		out[strings.TrimSpace(id)] = n
	}
	return out, nil
}

// envReader collects parse errors so Load reports every bad variable at once.
type envReader struct {
	errs *[]error
}

func (r envReader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r envReader) int64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

func (r envReader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return b
}

func (r envReader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return f
}

func (r envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}
