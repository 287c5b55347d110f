// Package config loads the Thorium configuration: namespace, S3 and
// per-bucket settings, cursor/census partition sizes, cluster transport,
// and CORS, using the same envdecode + godotenv + YAML-overlay idiom
// throughout the rest of the codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// BucketConfig is the `{bucket, password}` block repeated for every
// content bucket named in spec §6.5.
type BucketConfig struct {
	Bucket   string `yaml:"bucket" json:"bucket" env:"BUCKET"`
	Password string `yaml:"password" json:"-" env:"PASSWORD"`
}

// S3Config controls the object store endpoint shared by all buckets.
type S3Config struct {
	Endpoint               string `yaml:"endpoint" json:"endpoint" env:"THORIUM_S3_ENDPOINT"`
	AccessKey              string `yaml:"access_key" json:"access_key" env:"THORIUM_S3_ACCESS_KEY"`
	SecretToken            string `yaml:"secret_token" json:"-" env:"THORIUM_S3_SECRET_TOKEN"`
	Region                 string `yaml:"region" json:"region" env:"THORIUM_S3_REGION"`
	UsePathStyle           bool   `yaml:"use_path_style" json:"use_path_style" env:"THORIUM_S3_USE_PATH_STYLE"`
	SkipBucketAutoCreate   bool   `yaml:"skip_bucket_auto_create" json:"skip_bucket_auto_create" env:"THORIUM_S3_SKIP_BUCKET_AUTO_CREATE"`
}

// PartitionConfig controls the year-bucket partitioning scheme for a
// cursor-backed stream (associations or entities, per §6.4).
type PartitionConfig struct {
	PartitionSize int64 `yaml:"partition_size" json:"partition_size" env:"PARTITION_SIZE"`
	Earliest      int   `yaml:"earliest" json:"earliest" env:"EARLIEST"`
}

// FilesConfig controls the files stream's partition size independently of
// the shared associations/entities partitioning (§6.5's `thorium.files.partition_size`).
type FilesConfig struct {
	PartitionSize int64 `yaml:"partition_size" json:"partition_size" env:"THORIUM_FILES_PARTITION_SIZE"`
}

// TracingConfig controls log verbosity for the local component.
type TracingConfig struct {
	Local struct {
		Level string `yaml:"level" json:"level" env:"THORIUM_TRACING_LOCAL_LEVEL"`
	} `yaml:"local" json:"local"`
}

// CORSConfig controls cross-origin access for the (externally hosted) HTTP
// surface; Thorium's core only carries the values through to that adapter.
type CORSConfig struct {
	Insecure bool     `yaml:"insecure" json:"insecure" env:"THORIUM_CORS_INSECURE"`
	Domains  []string `yaml:"domains" json:"domains"`
}

// ScyllaConfig controls the wide-column store connection used by C1-C6.
type ScyllaConfig struct {
	Hosts    []string `yaml:"hosts" json:"hosts"`
	Keyspace string   `yaml:"keyspace" json:"keyspace" env:"THORIUM_SCYLLA_KEYSPACE"`
	Username string   `yaml:"username" json:"username" env:"THORIUM_SCYLLA_USERNAME"`
	Password string   `yaml:"password" json:"-" env:"THORIUM_SCYLLA_PASSWORD"`
}

// RedisConfig controls the job queue backing store used by C8.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address" env:"THORIUM_REDIS_ADDRESS"`
	Password string `yaml:"password" json:"-" env:"THORIUM_REDIS_PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"THORIUM_REDIS_DB"`
}

// Config is the top-level Thorium configuration structure, keyed to the
// `thorium.*` namespace described in spec §6.5.
type Config struct {
	Namespace string `yaml:"namespace" json:"namespace" env:"THORIUM_NAMESPACE"`
	Interface string `yaml:"interface" json:"interface" env:"THORIUM_INTERFACE"`
	Port      int    `yaml:"port" json:"port" env:"THORIUM_PORT"`
	SecretKey string `yaml:"secret_key" json:"-" env:"THORIUM_SECRET_KEY"`

	Files         BucketConfig `yaml:"files" json:"files"`
	Repos         BucketConfig `yaml:"repos" json:"repos"`
	Results       BucketConfig `yaml:"results" json:"results"`
	Ephemeral     BucketConfig `yaml:"ephemeral" json:"ephemeral"`
	Attachments   BucketConfig `yaml:"attachments" json:"attachments"`
	Graphics      BucketConfig `yaml:"graphics" json:"graphics"`
	ReactionCache BucketConfig `yaml:"reaction_cache" json:"reaction_cache"`

	S3 S3Config `yaml:"s3" json:"s3"`

	Associations PartitionConfig `yaml:"associations" json:"associations"`
	Entities     PartitionConfig `yaml:"entities" json:"entities"`
	FilesConfig  FilesConfig     `yaml:"files_partitioning" json:"files_partitioning"`

	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	CORS    CORSConfig    `yaml:"cors" json:"cors"`

	Scylla ScyllaConfig `yaml:"scylla" json:"scylla"`
	Redis  RedisConfig  `yaml:"redis" json:"redis"`
}

// New returns a configuration populated with defaults suitable for local
// development; every value it sets is intentionally overridable by YAML or
// environment.
func New() *Config {
	cfg := &Config{
		Namespace: "thorium-dev",
		Interface: "0.0.0.0",
		Port:      8080,
		Files:         BucketConfig{Bucket: "thorium-files"},
		Repos:         BucketConfig{Bucket: "thorium-repos"},
		Results:       BucketConfig{Bucket: "thorium-results"},
		Ephemeral:     BucketConfig{Bucket: "thorium-ephemeral"},
		Attachments:   BucketConfig{Bucket: "thorium-attachments"},
		Graphics:      BucketConfig{Bucket: "thorium-graphics"},
		ReactionCache: BucketConfig{Bucket: "thorium-reaction-cache"},
		S3: S3Config{
			Endpoint:     "http://localhost:9000",
			UsePathStyle: true,
		},
		Associations: PartitionConfig{PartitionSize: 86400 * 30, Earliest: 2020},
		Entities:     PartitionConfig{PartitionSize: 86400 * 30, Earliest: 2020},
		FilesConfig:  FilesConfig{PartitionSize: 86400 * 30},
		Scylla: ScyllaConfig{
			Hosts:    []string{"127.0.0.1"},
			Keyspace: "thorium",
		},
		Redis: RedisConfig{
			Address: "127.0.0.1:6379",
		},
	}
	cfg.Tracing.Local.Level = "info"
	return cfg
}

// Load loads configuration from a YAML file (if present) and environment
// variables, the way the server and agent binaries both bootstrap.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("THORIUM_CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/thorium.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file without consulting the
// environment, used by tests that want a pinned config.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate enforces the invariants spec §6.5 calls out explicitly: a
// namespace must be set, and the literal value "thorium" is reserved so
// that test fixtures never collide with a real deployment's keyspace.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("config: thorium.namespace is required")
	}
	if c.Namespace == "thorium" {
		return fmt.Errorf("config: thorium.namespace must not be the literal value %q", "thorium")
	}
	return nil
}

// Bucket returns the BucketConfig for a named content bucket, or a zero
// value and false if name isn't one of the seven recognized buckets.
func (c *Config) Bucket(name string) (BucketConfig, bool) {
	switch name {
	case "files":
		return c.Files, true
	case "repos":
		return c.Repos, true
	case "results":
		return c.Results, true
	case "ephemeral":
		return c.Ephemeral, true
	case "attachments":
		return c.Attachments, true
	case "graphics":
		return c.Graphics, true
	case "reaction_cache":
		return c.ReactionCache, true
	default:
		return BucketConfig{}, false
	}
}
