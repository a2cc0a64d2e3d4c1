package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"stockline/internal/logging"
)

// FileName is the config file looked up in the workspace root.
const FileName = "stockline.yml"

// Config models stockline.yml.
type Config struct {
	Executor ExecutorConfig `yaml:"executor"`
	Claims   ClaimsConfig   `yaml:"claims"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Media    MediaConfig    `yaml:"media"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  logging.Config `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
}

type ExecutorConfig struct {
	Workers      int           `yaml:"workers" validate:"min=1,max=64"`
	ClaimTTL     time.Duration `yaml:"claim_ttl"`
	MaxTxRetries int           `yaml:"max_tx_retries" validate:"min=1,max=50"`
	Backfill     bool          `yaml:"backfill"`
}

type ClaimsConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"min=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

type UploadsConfig struct {
	Backend string    `yaml:"backend" validate:"oneof=dir s3"`
	Dir     DirConfig `yaml:"dir"`
	S3      S3Config  `yaml:"s3"`
}

type DirConfig struct {
	Root    string `yaml:"root"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

type S3Config struct {
	Bucket        string `yaml:"bucket"`
	Endpoint      string `yaml:"endpoint" validate:"omitempty,url"`
	Region        string `yaml:"region"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	UsePathStyle  bool   `yaml:"use_path_style"`
	PublicBaseURL string `yaml:"public_base_url" validate:"omitempty,url"`
	Prefix        string `yaml:"prefix"`
}

type MediaConfig struct {
	CacheDir  string `yaml:"cache_dir" validate:"required"`
	StateFile string `yaml:"state_file" validate:"required"`
}

type SyncConfig struct {
	TrackerFile string `yaml:"tracker_file" validate:"required"`
	ServerURL   string `yaml:"server_url" validate:"omitempty,url"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	BasePath string `yaml:"base_path" validate:"omitempty,startswith=/"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the backend-specific settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s: failed %q check", strings.ToLower(fe.Namespace()), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.Claims.Backend == "redis" && c.Claims.Redis.Addr == "" {
		return errors.New("config claims.redis.addr is required when claims.backend is redis")
	}
	switch c.Uploads.Backend {
	case "dir":
		if c.Uploads.Dir.Root == "" {
			return errors.New("config uploads.dir.root is required when uploads.backend is dir")
		}
	case "s3":
		if c.Uploads.S3.Bucket == "" {
			return errors.New("config uploads.s3.bucket is required when uploads.backend is s3")
		}
		if (c.Uploads.S3.AccessKey == "") != (c.Uploads.S3.SecretKey == "") {
			return errors.New("config uploads.s3.access_key and secret_key must be set together")
		}
	}
	return nil
}

// Default returns the configuration used when no stockline.yml exists.
func Default() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(defaultTemplate), cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Resolve makes a configured path absolute against the workspace.
func Resolve(workspace, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, path)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `executor:
  workers: 4
  claim_ttl: 5m
  max_tx_retries: 5
  backfill: true

claims:
  backend: memory
  redis:
    addr: ""
    db: 0
    key_prefix: "stockline:claim:"

uploads:
  backend: dir
  dir:
    root: .stockline/uploads
    base_url: ""
  s3:
    bucket: ""
    region: us-east-1
    prefix: attachments

media:
  cache_dir: .stockline/media/cache
  state_file: .stockline/media/state.json

sync:
  tracker_file: .stockline/sync/tracked.json
  server_url: ""

logging:
  level: info
  format: console
  output: stderr

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
